// Package protocol defines the frontend websocket frame types. Outbound
// audio uses a strict two-message pairing: an audio_chunk JSON header
// immediately followed by one binary frame carrying the PCM.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	InputModeAudio = "audio"
	InputModeText  = "text"

	StreamKindAudio  = "audio"
	StreamKindText   = "text"
	StreamKindScreen = "screen"
	StreamKindCamera = "camera"
)

// DecodeError carries a machine code alongside the human message so the
// session loop can answer with a structured status frame.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientStartSession opens (or reuses) a conversation session.
type ClientStartSession struct {
	Type      string `json:"type"`
	InputMode string `json:"input_mode"`
	New       bool   `json:"new,omitempty"`
}

// ClientStream carries one input item. Audio and image kinds use DataB64;
// text uses Text.
type ClientStream struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Text    string `json:"text,omitempty"`
	DataB64 string `json:"data_b64,omitempty"`
}

// ClientEndSession tears the session down.
type ClientEndSession struct {
	Type string `json:"type"`
}

// ClientInterrupt cuts off the in-flight assistant response.
type ClientInterrupt struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses one inbound JSON frame into its typed form.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "start_session":
		var msg ClientStartSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start_session frame", "")
		}
		mode := strings.TrimSpace(msg.InputMode)
		if mode == "" {
			mode = InputModeAudio
		}
		switch mode {
		case InputModeAudio, InputModeText:
		default:
			return nil, unsupported("unsupported input mode", "input_mode")
		}
		msg.InputMode = mode
		return msg, nil

	case "stream":
		var msg ClientStream
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stream frame", "")
		}
		kind := strings.TrimSpace(msg.Kind)
		switch kind {
		case StreamKindText:
			if strings.TrimSpace(msg.Text) == "" {
				return nil, badRequest("stream.text is required for text input", "text")
			}
		case StreamKindAudio, StreamKindScreen, StreamKindCamera:
			if strings.TrimSpace(msg.DataB64) == "" {
				return nil, badRequest("stream.data_b64 is required", "data_b64")
			}
		default:
			return nil, unsupported("unsupported stream kind", "kind")
		}
		msg.Kind = kind
		return msg, nil

	case "end_session":
		var msg ClientEndSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end_session frame", "")
		}
		return msg, nil

	case "interrupt":
		var msg ClientInterrupt
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid interrupt frame", "")
		}
		return msg, nil

	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ServerSessionPreparing announces the silent startup window.
type ServerSessionPreparing struct {
	Type      string `json:"type"`
	InputMode string `json:"input_mode"`
}

// ServerSessionStarted announces the session is live.
type ServerSessionStarted struct {
	Type      string `json:"type"`
	InputMode string `json:"input_mode"`
}

// ServerSessionFailed clears the preparing banner after a startup failure.
type ServerSessionFailed struct {
	Type      string `json:"type"`
	InputMode string `json:"input_mode"`
	Message   string `json:"message,omitempty"`
}

// ServerSessionEnded tells the frontend the server tore the session down.
type ServerSessionEnded struct {
	Type string `json:"type"`
}

// ServerStatus is a user-visible status banner.
type ServerStatus struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServerUserActivity invalidates a speech id: the frontend drops any
// buffered audio still tagged with it.
type ServerUserActivity struct {
	Type                string `json:"type"`
	InterruptedSpeechID string `json:"interrupted_speech_id,omitempty"`
}

// ServerAudioChunkHeader precedes exactly one binary frame of 48kHz PCM16.
type ServerAudioChunkHeader struct {
	Type     string `json:"type"`
	SpeechID string `json:"speech_id"`
	Bytes    int    `json:"bytes"`
}

// ServerAssistantText is one streamed model text delta. IsNewMessage starts
// a fresh bubble on the frontend.
type ServerAssistantText struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	IsNewMessage bool   `json:"isNewMessage"`
}

// ServerTurnEnd closes one assistant response.
type ServerTurnEnd struct {
	Type string `json:"type"`
}

// ServerAutoCloseMic asks the frontend to mute the microphone after an idle
// timeout without dropping the avatar.
type ServerAutoCloseMic struct {
	Type string `json:"type"`
}

// ServerRepetitionWarning is the one-shot looping-response warning.
type ServerRepetitionWarning struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ServerUserTranscript echoes the vendor's transcription of user speech.
type ServerUserTranscript struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Frame constructors keep the type strings in one place.

func SessionPreparing(mode string) ServerSessionPreparing {
	return ServerSessionPreparing{Type: "session_preparing", InputMode: mode}
}

func SessionStarted(mode string) ServerSessionStarted {
	return ServerSessionStarted{Type: "session_started", InputMode: mode}
}

func SessionFailed(mode, message string) ServerSessionFailed {
	return ServerSessionFailed{Type: "session_failed", InputMode: mode, Message: message}
}

func SessionEnded() ServerSessionEnded {
	return ServerSessionEnded{Type: "session_ended_by_server"}
}

func Status(message string) ServerStatus {
	return ServerStatus{Type: "status", Message: message}
}

func UserActivity(interruptedSpeechID string) ServerUserActivity {
	return ServerUserActivity{Type: "user_activity", InterruptedSpeechID: interruptedSpeechID}
}

func AudioChunkHeader(speechID string, size int) ServerAudioChunkHeader {
	return ServerAudioChunkHeader{Type: "audio_chunk", SpeechID: speechID, Bytes: size}
}

func AssistantText(text string, isNew bool) ServerAssistantText {
	return ServerAssistantText{Type: "gemini_response", Text: text, IsNewMessage: isNew}
}

func TurnEnd() ServerTurnEnd {
	return ServerTurnEnd{Type: "turn_end"}
}

func AutoCloseMic() ServerAutoCloseMic {
	return ServerAutoCloseMic{Type: "auto_close_mic"}
}

func RepetitionWarning(message string) ServerRepetitionWarning {
	return ServerRepetitionWarning{Type: "repetition_warning", Message: message}
}

func UserTranscript(text string) ServerUserTranscript {
	return ServerUserTranscript{Type: "user_transcript", Text: text}
}
