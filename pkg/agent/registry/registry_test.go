package registry

import (
	"strings"
	"testing"
)

func TestLifecycleTransitions(t *testing.T) {
	r := New()
	id := r.Create("mcp", "search the web", nil)

	task, ok := r.Get(id)
	if !ok || task.Status != StatusQueued {
		t.Fatalf("created task = %+v", task)
	}

	if err := r.SetRunning(id); err != nil {
		t.Fatalf("SetRunning: %v", err)
	}
	if err := r.Complete(id, "done"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	task, _ = r.Get(id)
	if task.Status != StatusCompleted || task.Result != "done" {
		t.Fatalf("completed task = %+v", task)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	r := New()
	id := r.Create("gui", "open the settings panel", nil)
	if err := r.Complete(id, "ok"); err != nil {
		t.Fatalf("queued -> completed should be allowed: %v", err)
	}
	if err := r.SetRunning(id); err == nil {
		t.Fatal("completed -> running must be rejected")
	}
	if err := r.Fail(id, "boom"); err == nil {
		t.Fatal("completed -> failed must be rejected")
	}
}

func TestUnknownTask(t *testing.T) {
	r := New()
	if err := r.SetRunning("nope"); err == nil {
		t.Fatal("expected error for unknown task")
	}
	if _, ok := r.Get("nope"); ok {
		t.Fatal("Get should miss")
	}
}

func TestActiveDescriptions(t *testing.T) {
	r := New()
	a := r.Create("mcp", "task a", nil)
	r.Create("gui", "task b", nil)
	done := r.Create("mcp", "task c", nil)
	_ = r.Complete(done, "ok")
	_ = r.SetRunning(a)

	got := r.ActiveDescriptions()
	if len(got) != 2 || got[0] != "task a" || got[1] != "task b" {
		t.Fatalf("active = %v", got)
	}
}

func TestClear(t *testing.T) {
	r := New()
	r.Create("mcp", "one", nil)
	r.Create("gui", "two", nil)
	if n := r.Clear(); n != 2 {
		t.Fatalf("cleared %d", n)
	}
	if len(r.List()) != 0 {
		t.Fatal("registry should be empty after Clear")
	}
}

func TestResultTruncation(t *testing.T) {
	r := New()
	id := r.Create("mcp", strings.Repeat("d", 600), nil)
	_ = r.SetRunning(id)
	_ = r.Fail(id, strings.Repeat("e", 600))

	res, ok := r.ResultFor(id)
	if !ok {
		t.Fatal("missing result")
	}
	if res.Success {
		t.Fatal("failed task must not be successful")
	}
	if len([]rune(res.Summary)) != MaxSummaryLen+len([]rune("...(truncated)")) {
		t.Fatalf("summary len = %d", len([]rune(res.Summary)))
	}
	if !strings.HasSuffix(res.Error, "...(truncated)") {
		t.Fatalf("error = %q", res.Error[:50])
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate("こんにちは世界", 5); got != "こんにちは...(truncated)" {
		t.Fatalf("Truncate runes = %q", got)
	}
	if got := Truncate("x", 0); got != "" {
		t.Fatalf("Truncate zero = %q", got)
	}
}
