package generation

import (
	"errors"
	"testing"
	"time"
)

func TestHandle_Lifecycle(t *testing.T) {
	h := newHandle("m", nil)
	if h.Status() != StatusPending {
		t.Fatalf("initial status %s", h.Status())
	}
	if err := h.AppendToken("x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("append while pending: %v", err)
	}
	if err := h.Complete("x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete while pending: %v", err)
	}
	if err := h.begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := h.begin(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second begin: %v", err)
	}
	for _, p := range []string{"a", "b", "c"} {
		if err := h.AppendToken(p); err != nil {
			t.Fatalf("append %q: %v", p, err)
		}
	}
	if h.Text() != "abc" || h.TokensGenerated() != 3 {
		t.Fatalf("text=%q tokens=%d", h.Text(), h.TokensGenerated())
	}
	if err := h.Complete("abc"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatalf("done not closed after complete")
	}

	frozen := h.Elapsed()
	time.Sleep(5 * time.Millisecond)
	if h.Elapsed() != frozen {
		t.Fatalf("elapsed moved after terminal: %v -> %v", frozen, h.Elapsed())
	}
	for name, fn := range map[string]func() error{
		"append":    func() error { return h.AppendToken("d") },
		"complete":  func() error { return h.Complete("zzz") },
		"fail":      func() error { return h.Fail("late") },
		"cancelled": h.MarkCancelled,
	} {
		if err := fn(); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s after terminal: %v", name, err)
		}
	}
	if h.Status() != StatusCompleted || h.Text() != "abc" || h.TokensGenerated() != 3 {
		t.Fatalf("terminal state mutated: %s %q %d", h.Status(), h.Text(), h.TokensGenerated())
	}
}

func TestHandle_ElapsedLiveWhileRunning(t *testing.T) {
	h := newHandle("m", nil)
	if h.Elapsed() != 0 {
		t.Fatalf("pending elapsed should be 0")
	}
	_ = h.begin()
	a := h.Elapsed()
	time.Sleep(5 * time.Millisecond)
	if b := h.Elapsed(); b <= a {
		t.Fatalf("elapsed not live: %v then %v", a, b)
	}
	if h.TokensPerSecond() != 0 {
		t.Fatalf("tok/s should be 0 without tokens")
	}
	_ = h.AppendToken("x")
	if h.TokensPerSecond() <= 0 {
		t.Fatalf("tok/s should be positive")
	}
}

func TestHandle_CancelIsOneWay(t *testing.T) {
	h := newHandle("m", nil)
	h.RequestCancel()
	h.RequestCancel()
	if !h.CancelRequested() {
		t.Fatalf("flag not set")
	}
	if h.Status() != StatusPending {
		t.Fatalf("RequestCancel must not change status")
	}
	_ = h.begin()
	if err := h.MarkCancelled(); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	h.RequestCancel()
	if !h.CancelRequested() || h.Status() != StatusCancelled {
		t.Fatalf("state after cancel: %s %v", h.Status(), h.CancelRequested())
	}
}

func TestHandle_EventsInOrder(t *testing.T) {
	h := newHandle("m", nil)
	_ = h.begin()
	_ = h.AppendToken("x")
	_ = h.AppendToken("y")
	_ = h.Fail("boom")
	_ = h.AppendToken("z")

	var got []Event
	n := h.Events().Drain(func(e Event) { got = append(got, e) })
	if n != 3 {
		t.Fatalf("drained %d events, want 3: %+v", n, got)
	}
	want := []EventKind{EventToken, EventToken, EventError}
	for i, k := range want {
		if got[i].Kind != k || got[i].HandleID != h.ID() {
			t.Fatalf("event %d = %+v, want kind %s", i, got[i], k)
		}
	}
	if got[1].Tokens != 2 || got[2].Text != "boom" {
		t.Fatalf("unexpected payloads: %+v", got)
	}
	if h.ErrorMessage() != "boom" {
		t.Fatalf("error message %q", h.ErrorMessage())
	}
}

func TestHandle_RejectGoesStraightToError(t *testing.T) {
	h := newHandle("", nil)
	h.reject(ErrEmptyPrompt)
	if h.Status() != StatusError || h.ErrorMessage() != "Empty prompt" || !errors.Is(h.Err(), ErrEmptyPrompt) {
		t.Fatalf("reject: %s %q %v", h.Status(), h.ErrorMessage(), h.Err())
	}
	snap := h.Snapshot()
	if snap.Status != "error" || snap.StartedUnixMs != 0 || snap.ElapsedSeconds != 0 {
		t.Fatalf("snapshot: %+v", snap)
	}
}
