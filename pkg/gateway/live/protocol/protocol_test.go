package protocol

import (
	"errors"
	"testing"
)

func TestDecodeClientMessage_StartSession(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"start_session","input_mode":"text","new":true}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	start, ok := msg.(ClientStartSession)
	if !ok {
		t.Fatalf("decoded %T", msg)
	}
	if start.InputMode != InputModeText || !start.New {
		t.Errorf("start = %+v", start)
	}

	// Mode defaults to audio when omitted.
	msg, err = DecodeClientMessage([]byte(`{"type":"start_session"}`))
	if err != nil {
		t.Fatalf("decode default mode: %v", err)
	}
	if msg.(ClientStartSession).InputMode != InputModeAudio {
		t.Errorf("default mode = %q", msg.(ClientStartSession).InputMode)
	}

	if _, err := DecodeClientMessage([]byte(`{"type":"start_session","input_mode":"video"}`)); err == nil {
		t.Error("unknown input mode accepted")
	}
}

func TestDecodeClientMessage_Stream(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr bool
	}{
		{"text", `{"type":"stream","kind":"text","text":"hello"}`, false},
		{"audio", `{"type":"stream","kind":"audio","data_b64":"AAAA"}`, false},
		{"screen", `{"type":"stream","kind":"screen","data_b64":"AAAA"}`, false},
		{"camera", `{"type":"stream","kind":"camera","data_b64":"AAAA"}`, false},
		{"text without body", `{"type":"stream","kind":"text"}`, true},
		{"audio without payload", `{"type":"stream","kind":"audio"}`, true},
		{"unknown kind", `{"type":"stream","kind":"smell","data_b64":"AAAA"}`, true},
	}
	for _, tt := range tests {
		_, err := DecodeClientMessage([]byte(tt.frame))
		if tt.wantErr && err == nil {
			t.Errorf("%s: decode succeeded", tt.name)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("%s: %v", tt.name, err)
		}
	}
}

func TestDecodeClientMessage_ControlFrames(t *testing.T) {
	if msg, err := DecodeClientMessage([]byte(`{"type":"end_session"}`)); err != nil {
		t.Errorf("end_session: %v", err)
	} else if _, ok := msg.(ClientEndSession); !ok {
		t.Errorf("end_session decoded as %T", msg)
	}

	if msg, err := DecodeClientMessage([]byte(`{"type":"interrupt"}`)); err != nil {
		t.Errorf("interrupt: %v", err)
	} else if _, ok := msg.(ClientInterrupt); !ok {
		t.Errorf("interrupt decoded as %T", msg)
	}
}

func TestDecodeClientMessage_Rejects(t *testing.T) {
	for _, frame := range []string{
		`not json`,
		`{}`,
		`{"type":""}`,
		`{"type":"hello"}`,
	} {
		_, err := DecodeClientMessage([]byte(frame))
		if err == nil {
			t.Errorf("frame %q accepted", frame)
			continue
		}
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Errorf("frame %q: error type %T", frame, err)
		}
	}
}

func TestFrameConstructors(t *testing.T) {
	tests := []struct {
		got  any
		want string
	}{
		{SessionPreparing(InputModeAudio).Type, "session_preparing"},
		{SessionStarted(InputModeText).Type, "session_started"},
		{SessionFailed(InputModeAudio, "boom").Type, "session_failed"},
		{SessionEnded().Type, "session_ended_by_server"},
		{Status("hi").Type, "status"},
		{UserActivity("id-1").Type, "user_activity"},
		{AudioChunkHeader("id-1", 960).Type, "audio_chunk"},
		{AssistantText("hi", true).Type, "gemini_response"},
		{TurnEnd().Type, "turn_end"},
		{AutoCloseMic().Type, "auto_close_mic"},
		{RepetitionWarning("looping").Type, "repetition_warning"},
		{UserTranscript("hello").Type, "user_transcript"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("type = %v, want %q", tt.got, tt.want)
		}
	}

	header := AudioChunkHeader("speech-9", 1920)
	if header.SpeechID != "speech-9" || header.Bytes != 1920 {
		t.Errorf("header = %+v", header)
	}
	text := AssistantText("first", true)
	if !text.IsNewMessage || text.Text != "first" {
		t.Errorf("text frame = %+v", text)
	}
}
