package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"localllm/internal/backend"
	"localllm/pkg/types"
)

const fakeEOG backend.Token = -1

// fakeBackend plays back a fixed list of pieces, one per Sample.
type fakeBackend struct {
	mu sync.Mutex

	ctxLen  int
	pieces  []string
	cycle   bool // restart pieces instead of returning EOG
	loadErr error

	// failDecodeAt fails the single-token decode at this position (>0).
	failDecodeAt int
	// failPromptDecode fails the prompt batch, which starts at 0.
	failPromptDecode bool
	// tokenizeErr fails Tokenize; emptyTokens makes it return nothing.
	tokenizeErr error
	emptyTokens bool
	// gateAfter blocks Sample once this many tokens were sampled, until gate
	// is closed.
	gateAfter int
	gate      chan struct{}
	// sampling signals every Sample call when non-nil.
	sampling chan int
	panicOn  int

	loaded       bool
	next         int
	lastPrompt   string
	decodes      int
	clears       int
	unloads      int
	sampledTotal int
	lastSampling backend.SamplingParams
}

func newFake(pieces ...string) *fakeBackend {
	return &fakeBackend{ctxLen: 64, pieces: pieces, panicOn: -1}
}

func (f *fakeBackend) Name() string       { return "CPU" }
func (f *fakeBackend) GPUAvailable() bool { return false }

func (f *fakeBackend) Load(ctx context.Context, path string, opts backend.LoadOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	if opts.ContextLength > 0 && f.ctxLen == 0 {
		f.ctxLen = opts.ContextLength
	}
	f.loaded = true
	return nil
}

func (f *fakeBackend) Unload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = false
	f.unloads++
	return nil
}

func (f *fakeBackend) Loaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

func (f *fakeBackend) ContextLength() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctxLen
}

func (f *fakeBackend) Tokenize(text string, addBOS bool) ([]backend.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPrompt = text
	if f.tokenizeErr != nil {
		return nil, f.tokenizeErr
	}
	if f.emptyTokens {
		return nil, nil
	}
	words := strings.Fields(text)
	var out []backend.Token
	if addBOS {
		out = append(out, 0)
	}
	for i := range words {
		out = append(out, backend.Token(1000+i))
	}
	return out, nil
}

func (f *fakeBackend) Decode(b backend.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decodes++
	if f.failPromptDecode && b.StartPos == 0 {
		return errors.New("prompt eval failed")
	}
	if f.failDecodeAt > 0 && b.StartPos == f.failDecodeAt {
		return errors.New("kv cache exploded")
	}
	return nil
}

func (f *fakeBackend) Sample(p backend.SamplingParams) (backend.Token, error) {
	f.mu.Lock()
	n := f.sampledTotal
	f.sampledTotal++
	f.lastSampling = p
	gate := f.gate
	if n < f.gateAfter {
		gate = nil
	}
	sampling := f.sampling
	panicOn := f.panicOn
	f.mu.Unlock()

	if sampling != nil {
		sampling <- n
	}
	if gate != nil {
		<-gate
	}
	if n == panicOn {
		panic("sampler blew up")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.pieces) {
		if !f.cycle || len(f.pieces) == 0 {
			return fakeEOG, nil
		}
		f.next = 0
	}
	tok := backend.Token(f.next)
	f.next++
	return tok, nil
}

func (f *fakeBackend) IsEndOfGeneration(t backend.Token) bool { return t == fakeEOG }

func (f *fakeBackend) Detokenize(t backend.Token) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pieces[t], nil
}

func (f *fakeBackend) ClearState() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	f.next = 0
	return nil
}

func (f *fakeBackend) stats() (decodes, clears int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decodes, f.clears
}

// newLoaded returns an orchestrator with be loaded as "fake.gguf".
func newLoaded(t *testing.T, be backend.Backend, pub EventPublisher) *Orchestrator {
	t.Helper()
	o := New(Config{Backend: be, Threads: 2, Publisher: pub})
	if err := o.Load(context.Background(), loadReq("fake.gguf")); err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("handle %s did not finish; status=%s", h.ID(), h.Status())
	}
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

// collect drains h's mailbox until its terminal event.
func collect(t *testing.T, h *Handle) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []Event
	for {
		e, err := h.Events().Next(ctx)
		if err != nil {
			if len(out) == 0 || !out[len(out)-1].Kind.Terminal() {
				t.Fatalf("next: %v after %d events", err, len(out))
			}
			return out
		}
		out = append(out, e)
	}
}

func loadReq(model string) types.LoadRequest { return types.LoadRequest{Model: model} }
