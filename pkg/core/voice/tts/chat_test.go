package tts

import (
	"context"
	"testing"
)

func TestNewChatEngine_Validation(t *testing.T) {
	if _, err := NewChatEngine(ChatConfig{}, func([]byte) {}); err == nil {
		t.Fatal("expected missing key error")
	}
	if _, err := NewChatEngine(ChatConfig{APIKey: "sk-test"}, nil); err == nil {
		t.Fatal("expected missing emit error")
	}
	e, err := NewChatEngine(ChatConfig{APIKey: "sk-test"}, func([]byte) {})
	if err != nil {
		t.Fatalf("NewChatEngine: %v", err)
	}
	if e.cfg.Model != chatDefaultModel || e.cfg.Voice != chatDefaultVoice {
		t.Fatalf("defaults not applied: %+v", e.cfg)
	}
}

func TestChatEngine_EmptyFinishIsNoop(t *testing.T) {
	var emitted int
	e, err := NewChatEngine(ChatConfig{APIKey: "sk-test"}, func([]byte) { emitted++ })
	if err != nil {
		t.Fatalf("NewChatEngine: %v", err)
	}
	if err := e.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if emitted != 0 {
		t.Fatalf("emitted = %d", emitted)
	}
}

func TestChatEngine_OpenDiscardsBufferedText(t *testing.T) {
	e, err := NewChatEngine(ChatConfig{APIKey: "sk-test"}, func([]byte) {})
	if err != nil {
		t.Fatalf("NewChatEngine: %v", err)
	}
	if err := e.SendText(context.Background(), "stale turn"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := e.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	// A Finish after the reopen sees an empty buffer and never dials out.
	if err := e.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestChatEngine_ClosedRejectsUse(t *testing.T) {
	e, err := NewChatEngine(ChatConfig{APIKey: "sk-test"}, func([]byte) {})
	if err != nil {
		t.Fatalf("NewChatEngine: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Open(context.Background()); err != ErrEngineClosed {
		t.Fatalf("Open after close: %v", err)
	}
	if err := e.SendText(context.Background(), "x"); err != ErrEngineClosed {
		t.Fatalf("SendText after close: %v", err)
	}
}
