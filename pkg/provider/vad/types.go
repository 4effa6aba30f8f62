package vad

// SpeakingState is the hysteresis state of a VAD session.
type SpeakingState int

const (
	// Silent means no loud block has been seen within the silence timeout.
	Silent SpeakingState = iota

	// Speaking means a loud block was seen and the silence timeout has not
	// yet elapsed.
	Speaking
)

// String returns the human-readable name of the state.
func (s SpeakingState) String() string {
	switch s {
	case Silent:
		return "silent"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// VADEvent represents a voice activity detection result for a single block.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Level is the loudness measured for the block (RMS for the rms engine).
	Level float64
}

// VADEventType enumerates VAD detection results.
type VADEventType int

const (
	// VADSpeechStart indicates the block moved the session from Silent to
	// Speaking.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates a loud block on an already speaking session.
	VADSpeechContinue

	// VADSilence indicates the block was quiet.
	VADSilence
)

// String returns the human-readable name of the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}
