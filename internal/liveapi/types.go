// Package liveapi implements the duplex WebSocket client to the streaming
// Live API, grounded on the teacher's pkg/providers/tts/lokutor.go (same
// coder/websocket + wsjson duplex JSON/binary pattern) and the event
// taxonomy of original_source's gemini_live_client.py.
package liveapi

// EventType enumerates the inbound event types the client demuxes.
type EventType string

const (
	EventSessionCreated       EventType = "session.created"
	EventSpeechStarted        EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped        EventType = "input_audio_buffer.speech_stopped"
	EventInputCommitted       EventType = "input_audio_buffer.committed"
	EventInputCleared         EventType = "input_audio_buffer.cleared"
	EventResponseCreated      EventType = "response.created"
	EventAudioDelta           EventType = "response.audio.delta"
	EventAudioDone            EventType = "response.audio.done"
	EventTextDelta            EventType = "response.text.delta"
	EventTextDone             EventType = "response.text.done"
	EventError                EventType = "error"
	EventDisconnected         EventType = "disconnected"
)

// Event is the demuxed, typed representation of an inbound Live-API
// message, passed to every registered listener.
type Event struct {
	Type       EventType
	ResponseID string
	Audio      []byte // decoded PCM16, set for EventAudioDelta
	Text       string // set for EventTextDelta/.Done
	IsDelta    bool
	ErrorCode    string
	ErrorMessage string
	// Subkind and RetryAfterMs are set only for EventError; Subkind mirrors
	// bridgeerr's LiveApiError subkinds ("rate-limit", "quota",
	// "model-error") and RetryAfterMs carries the pause duration a
	// rate-limit error indicates.
	Subkind      string
	RetryAfterMs int
}

// TurnDetectionConfig mirrors the server-VAD parameters the original's
// GeminiLiveConfig.turn_detection dict declares, always sent in setup
// regardless of the dispatcher's own TurnDetectionPolicy (see
// SPEC_FULL.md's supplemented features).
type TurnDetectionConfig struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// DefaultTurnDetectionConfig matches the original's defaults exactly.
func DefaultTurnDetectionConfig() TurnDetectionConfig {
	return TurnDetectionConfig{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 500,
	}
}

// SetupConfig is the content of the setup message sent immediately after
// connect.
type SetupConfig struct {
	Model              string              `json:"model"`
	Voice              string              `json:"voice"`
	InputAudioFormat   string              `json:"input_audio_format"`
	OutputAudioFormat  string              `json:"output_audio_format"`
	SampleRateHz       int                 `json:"sample_rate_hz"`
	SystemInstruction  string              `json:"system_instruction,omitempty"`
	TurnDetection      TurnDetectionConfig `json:"turn_detection"`
	Tools              []ToolConfig        `json:"tools,omitempty"`
}

// ToolConfig is a single tool declaration, opaque to the client.
type ToolConfig struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
