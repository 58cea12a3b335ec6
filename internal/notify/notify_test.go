package notify

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type panicSink struct{}

func (panicSink) Show(Notification) string { panic("show exploded") }
func (panicSink) UpdateProgress(string, float64, string) { panic("update exploded") }
func (panicSink) Complete(string, string) { panic("complete exploded") }
func (panicSink) Fail(string, string) { panic("fail exploded") }
func (panicSink) Dismiss(string) { panic("dismiss exploded") }

func TestSafe_RecoversSinkPanics(t *testing.T) {
	var buf bytes.Buffer
	s := NewSafe(panicSink{}, zerolog.New(&buf))

	if id := s.Show(Notification{Type: TypeLoading, Message: "x"}); id != "" {
		t.Fatalf("expected empty id after panic, got %q", id)
	}
	s.UpdateProgress("id", 50, "half")
	s.Complete("id", "done")
	s.Fail("id", "bad")
	s.Dismiss("id")

	if s.Failures() != 5 {
		t.Fatalf("expected 5 recovered failures, got %d", s.Failures())
	}
	if !strings.Contains(buf.String(), "notification sink failed") {
		t.Fatalf("expected warning log, got %q", buf.String())
	}
}

func TestSafe_NilSink(t *testing.T) {
	var s *Safe
	if s.Show(Notification{}) != "" {
		t.Fatal("nil Safe must return empty id")
	}
	s.Complete("x", "y")

	s = NewSafe(nil, zerolog.Nop())
	if s.Show(Notification{}) != "" {
		t.Fatal("nil sink must return empty id")
	}
	s.Dismiss("x")
}

func TestRecorder(t *testing.T) {
	r := NewRecorder(3, NewLogSink(zerolog.Nop()))

	id := r.Show(Notification{Type: TypeProgress, Message: "loading genes"})
	if id == "" {
		t.Fatal("expected id")
	}
	r.UpdateProgress(id, 50, "half")
	r.Complete(id, "done")
	r.Dismiss(id)

	ops := r.Ops()
	if len(ops) != 3 || ops[0] != "progress" || ops[2] != "dismiss" {
		t.Fatalf("expected last 3 ops retained, got %v", ops)
	}
	ev := r.Events()
	if ev[0].ID != id || *ev[0].Progress != 50 {
		t.Fatalf("unexpected event: %+v", ev[0])
	}
}
