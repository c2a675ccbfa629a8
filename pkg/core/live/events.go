package live

// Event is the base interface for all session events emitted by the manager.
// Events are delivered on a buffered channel; slow consumers drop rather
// than block the audio path.
type Event interface {
	EventType() string
}

// StateChangedEvent is emitted on every session state transition.
type StateChangedEvent struct {
	OldState SessionState
	NewState SessionState
}

func (e StateChangedEvent) EventType() string { return "state_changed" }

// SessionPreparingEvent tells the frontend the session is in its silent
// startup window.
type SessionPreparingEvent struct {
	InputMode string
}

func (e SessionPreparingEvent) EventType() string { return "session_preparing" }

// SessionStartedEvent tells the frontend the session is ready for input.
type SessionStartedEvent struct {
	InputMode string
}

func (e SessionStartedEvent) EventType() string { return "session_started" }

// SessionFailedEvent tells the frontend startup failed so it can clear the
// preparing banner.
type SessionFailedEvent struct {
	InputMode string
	Err       error
}

func (e SessionFailedEvent) EventType() string { return "session_failed" }

// SessionEndedByServerEvent tells the frontend the vendor terminated the
// session so it can reset conversation state.
type SessionEndedByServerEvent struct {
	InputMode string
}

func (e SessionEndedByServerEvent) EventType() string { return "session_ended_by_server" }

// StatusEvent carries a user-visible status banner.
type StatusEvent struct {
	Message string
}

func (e StatusEvent) EventType() string { return "status" }

// UserActivityEvent signals a new user turn or interruption. The carried id
// is the speech id being invalidated; the frontend discards any buffered
// audio still tagged with it.
type UserActivityEvent struct {
	InterruptedSpeechID string
}

func (e UserActivityEvent) EventType() string { return "user_activity" }

// AssistantTextEvent carries one streamed text delta from the model.
// NewMessage is true for the first delta of a response so the frontend can
// open a fresh message bubble.
type AssistantTextEvent struct {
	Text       string
	NewMessage bool
}

func (e AssistantTextEvent) EventType() string { return "assistant_text" }

// AssistantAudioEvent carries one 48kHz PCM16 playback chunk tagged with the
// speech id it belongs to.
type AssistantAudioEvent struct {
	SpeechID string
	Data     []byte
}

func (e AssistantAudioEvent) EventType() string { return "assistant_audio" }

// TurnEndEvent marks the end of one assistant response.
type TurnEndEvent struct{}

func (e TurnEndEvent) EventType() string { return "turn_end" }

// UserTranscriptEvent carries the vendor's transcription of user speech.
type UserTranscriptEvent struct {
	Text string
}

func (e UserTranscriptEvent) EventType() string { return "user_transcript" }

// AutoCloseMicEvent asks the frontend to mute the microphone without tearing
// down the avatar, after a vendor silence timeout.
type AutoCloseMicEvent struct{}

func (e AutoCloseMicEvent) EventType() string { return "auto_close_mic" }

// RepetitionWarningEvent is the one-shot looping-response warning.
type RepetitionWarningEvent struct{}

func (e RepetitionWarningEvent) EventType() string { return "repetition_warning" }

// ResponseDiscardedEvent reports that a stale or skipped response was fully
// swallowed rather than surfaced.
type ResponseDiscardedEvent struct {
	Reason string
}

func (e ResponseDiscardedEvent) EventType() string { return "response_discarded" }

// DebugEvent carries internal diagnostics when debug mode is on.
type DebugEvent struct {
	Category string
	Message  string
}

func (e DebugEvent) EventType() string { return "debug" }
