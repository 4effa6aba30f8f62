package config

// ConfigDiff describes what changed between two configs.
// Log level and VAD parameters can be applied without restarting; every
// other change is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is true when any vad.* field changed. The new values apply
	// to sessions started after the reload.
	VADChanged bool
	NewVAD     VADConfig

	// RestartRequired lists the config sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether d contains any difference.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VADChanged || len(d.RestartRequired) > 0
}

// Sections names the changed parts of the config, live ones first, for log
// lines.
func (d ConfigDiff) Sections() []string {
	var out []string
	if d.LogLevelChanged {
		out = append(out, "server.log_level")
	}
	if d.VADChanged {
		out = append(out, "vad")
	}
	return append(out, d.RestartRequired...)
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// VAD
	if old.VAD != new.VAD {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}

	if old.Server.LogFormat != new.Server.LogFormat || old.Server.MetricsAddr != new.Server.MetricsAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !transportEqual(old.Transport, new.Transport) {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Playback != new.Playback {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}

	return d
}

// transportEqual compares two transport configs including their headers.
func transportEqual(a, b TransportConfig) bool {
	if a.URL != b.URL || a.SendQueue != b.SendQueue || a.ReadLimit != b.ReadLimit || a.DialTimeout != b.DialTimeout {
		return false
	}
	if len(a.Headers) != len(b.Headers) {
		return false
	}
	for k, v := range a.Headers {
		if bv, ok := b.Headers[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
