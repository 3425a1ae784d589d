package generation

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"localllm/pkg/types"
)

// Status is a handle's lifecycle state.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusCancelled
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Terminal reports whether s is Completed, Cancelled or Error.
func (s Status) Terminal() bool { return s >= StatusCompleted }

// Handle tracks one generation. The caller and the worker share it: the
// worker drives transitions and appends text, while any goroutine may read
// it or request cancellation.
//
// Transitions are serialized by trMu and published through atomics so
// readers never block on the worker. Text and the error message sit behind
// mu, separate from the status and counters.
type Handle struct {
	id      string
	modelID string

	trMu    sync.Mutex
	status  atomic.Int32
	tokens  atomic.Int64
	cancel  atomic.Bool
	start   time.Time // set once by begin, before the handle escapes
	elapsed atomic.Int64

	mu     sync.Mutex
	text   strings.Builder
	errMsg string
	err    error

	events *Mailbox
	sink   Emitter // events, plus the orchestrator's observer when set
	done   chan struct{}
	// onFinish runs after the terminal transition, before done closes.
	onFinish func()
}

func newHandle(modelID string, observer Emitter) *Handle {
	mb := NewMailbox()
	h := &Handle{
		id:      uuid.NewString(),
		modelID: modelID,
		events:  mb,
		sink:    mb,
		done:    make(chan struct{}),
	}
	if observer != nil {
		h.sink = fanout{mb, observer}
	}
	return h
}

// ID returns the handle's unique id.
func (h *Handle) ID() string { return h.id }

// ModelID returns the id of the model the generation ran against.
func (h *Handle) ModelID() string { return h.modelID }

// Status returns the current state.
func (h *Handle) Status() Status { return Status(h.status.Load()) }

// Events returns the handle's event mailbox.
func (h *Handle) Events() *Mailbox { return h.events }

// Done is closed once the handle reaches a terminal state and, for handles
// started by an Orchestrator, the active slot has been freed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Text returns the text accumulated so far.
func (h *Handle) Text() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text.String()
}

// ErrorMessage returns the failure message of an Error handle.
func (h *Handle) ErrorMessage() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errMsg
}

// Err returns the sentinel behind a rejected handle (ErrNoModelLoaded,
// ErrBusy, ...), or nil for handles that ran.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// TokensGenerated returns the number of tokens appended.
func (h *Handle) TokensGenerated() int { return int(h.tokens.Load()) }

// CancelRequested reports whether RequestCancel has been called.
func (h *Handle) CancelRequested() bool { return h.cancel.Load() }

// RequestCancel asks the worker to stop at its next checkpoint. Safe from any
// goroutine; calling it on a terminal handle has no effect.
func (h *Handle) RequestCancel() { h.cancel.Store(true) }

// Elapsed is live while running and frozen once terminal.
func (h *Handle) Elapsed() time.Duration {
	switch s := h.Status(); {
	case s == StatusRunning:
		return time.Since(h.start)
	case s.Terminal():
		return time.Duration(h.elapsed.Load())
	}
	return 0
}

// ElapsedSeconds is Elapsed in seconds.
func (h *Handle) ElapsedSeconds() float64 { return h.Elapsed().Seconds() }

// TokensPerSecond returns throughput, or 0 when either side is zero.
func (h *Handle) TokensPerSecond() float64 {
	n := h.TokensGenerated()
	secs := h.ElapsedSeconds()
	if n <= 0 || secs <= 0 {
		return 0
	}
	return float64(n) / secs
}

func (h *Handle) begin() error {
	h.trMu.Lock()
	defer h.trMu.Unlock()
	if h.Status() != StatusPending {
		return ErrInvalidTransition
	}
	h.mu.Lock()
	h.text.Reset()
	h.mu.Unlock()
	h.tokens.Store(0)
	h.start = time.Now()
	h.status.Store(int32(StatusRunning))
	return nil
}

// reject moves a pending handle straight to Error. Used for validation
// failures, where no worker ever runs.
func (h *Handle) reject(err error) {
	h.trMu.Lock()
	defer h.trMu.Unlock()
	if h.Status() != StatusPending {
		return
	}
	h.mu.Lock()
	h.err = err
	h.errMsg = err.Error()
	h.mu.Unlock()
	h.status.Store(int32(StatusError))
	h.emit(Event{Kind: EventError, Text: err.Error()})
	close(h.done)
}

// AppendToken adds a detokenized fragment. Valid only while running.
func (h *Handle) AppendToken(piece string) error {
	h.trMu.Lock()
	defer h.trMu.Unlock()
	if h.Status() != StatusRunning {
		return ErrInvalidTransition
	}
	h.mu.Lock()
	h.text.WriteString(piece)
	h.mu.Unlock()
	n := h.tokens.Add(1)
	h.emit(Event{Kind: EventToken, Text: piece, Tokens: int(n)})
	return nil
}

// Complete finishes the generation with finalText as the full text.
func (h *Handle) Complete(finalText string) error {
	return h.finish(StatusCompleted, func() {
		h.text.Reset()
		h.text.WriteString(finalText)
	}, Event{Kind: EventCompleted, Text: finalText})
}

// Fail finishes the generation with an error message.
func (h *Handle) Fail(message string) error {
	return h.finish(StatusError, func() {
		h.errMsg = message
	}, Event{Kind: EventError, Text: message})
}

// MarkCancelled finishes the generation as cancelled.
func (h *Handle) MarkCancelled() error {
	return h.finish(StatusCancelled, nil, Event{Kind: EventCancelled})
}

func (h *Handle) finish(to Status, mutate func(), ev Event) error {
	h.trMu.Lock()
	if h.Status() != StatusRunning {
		h.trMu.Unlock()
		return ErrInvalidTransition
	}
	h.elapsed.Store(int64(time.Since(h.start)))
	if mutate != nil {
		h.mu.Lock()
		mutate()
		h.mu.Unlock()
	}
	h.status.Store(int32(to))
	ev.Tokens = h.TokensGenerated()
	h.emit(ev)
	h.trMu.Unlock()

	if h.onFinish != nil {
		h.onFinish()
	}
	close(h.done)
	return nil
}

func (h *Handle) emit(e Event) {
	e.HandleID = h.id
	h.sink.Emit(e)
}

// Snapshot returns a consistent read-only view for status APIs.
func (h *Handle) Snapshot() types.HandleStatus {
	s := h.Status()
	h.mu.Lock()
	text, msg := h.text.String(), h.errMsg
	h.mu.Unlock()
	out := types.HandleStatus{
		ID:              h.id,
		ModelID:         h.modelID,
		Status:          s.String(),
		Text:            text,
		Error:           msg,
		TokensGenerated: h.TokensGenerated(),
		ElapsedSeconds:  h.ElapsedSeconds(),
		TokensPerSecond: h.TokensPerSecond(),
		CancelRequested: h.CancelRequested(),
	}
	if s != StatusPending && !h.start.IsZero() {
		out.StartedUnixMs = h.start.UnixMilli()
	}
	return out
}
