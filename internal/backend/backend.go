// Package backend defines the inference runtime contract used by the
// generation orchestrator and the runtimes that satisfy it.
//
// Runtimes:
//
//   - toy: deterministic pure-Go runtime with a small word vocabulary. Always
//     compiled; used for demos and end-to-end tests without model files.
//   - llama: in-process go-llama.cpp (cgo). Enabled with `-tags=llama`.
//   - yzma: in-process llama.cpp through purego FFI. Enabled with `-tags=yzma`.
//
// A runtime that was not compiled in resolves to a stub whose Load fails with
// ErrUnavailable, so callers get a clear error instead of mocked output.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Token is a vocabulary index as understood by the runtime that produced it.
type Token int32

// Batch is one decode submission. Tokens occupy consecutive positions
// starting at StartPos in sequence SeqID; the output distribution is only
// requested for the last token.
type Batch struct {
	Tokens   []Token
	StartPos int
	SeqID    int
}

// SamplingParams configures next-token selection. A nil Seed lets the runtime
// choose its own randomness.
type SamplingParams struct {
	TopK          int
	TopP          float32
	Temperature   float32
	RepeatPenalty float32
	Seed          *int64
}

// LoadOptions are the runtime tunables applied when a model is loaded.
type LoadOptions struct {
	ContextLength int
	Threads       int
	GPULayers     int
}

// Backend owns one loaded model and its working context.
//
// Implementations are not safe for concurrent use: the orchestrator guarantees
// a single caller at a time. The sampler is created lazily on the first Sample
// after ClearState and reused for the rest of that sequence, so a fixed seed
// yields a reproducible token stream.
type Backend interface {
	// Name reports the compute backend, e.g. CPU, CUDA, Metal, Vulkan.
	Name() string
	GPUAvailable() bool

	Load(ctx context.Context, path string, opts LoadOptions) error
	Unload() error
	Loaded() bool
	ContextLength() int

	Tokenize(text string, addBOS bool) ([]Token, error)
	Decode(b Batch) error
	Sample(p SamplingParams) (Token, error)
	IsEndOfGeneration(t Token) bool
	Detokenize(t Token) (string, error)
	ClearState() error
}

var (
	// ErrNotLoaded is returned by runtime calls made without a loaded model.
	ErrNotLoaded = errors.New("backend: no model loaded")
	// ErrContextFull is returned when a decode would exceed the context window.
	ErrContextFull = errors.New("backend: context window full")
)

// unavailableError signals a runtime that is not compiled into this binary
// or whose native libraries cannot be found.
type unavailableError struct{ msg string }

func (e unavailableError) Error() string { return e.msg }

// ErrUnavailable constructs an unavailable-runtime error.
func ErrUnavailable(msg string) error { return unavailableError{msg: msg} }

// IsUnavailable reports whether err indicates a missing runtime.
func IsUnavailable(err error) bool {
	var ue unavailableError
	return errors.As(err, &ue)
}

// Factory constructs a fresh, unloaded Backend.
type Factory func() Backend

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
	// known lists runtimes that may be compiled in behind build tags.
	known = map[string]string{
		"llama": "llama support not built (missing 'llama' build tag)",
		"yzma":  "yzma support not built (missing 'yzma' build tag)",
	}
)

// Register makes a runtime available under name. Tagged runtime files call it
// from init.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[name] = f
}

// New returns a Backend for the named runtime. Known runtimes that were not
// compiled in resolve to a stub that fails on Load.
func New(name string) (Backend, error) {
	regMu.RLock()
	f, ok := factories[name]
	regMu.RUnlock()
	if ok {
		return f(), nil
	}
	if msg, ok := known[name]; ok {
		return &stubBackend{reason: msg}, nil
	}
	return nil, fmt.Errorf("unknown backend %q (available: %v)", name, Names())
}

// Names lists the runtimes compiled into this binary, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
