package backend

import "context"

// stubBackend stands in for a runtime that was not compiled into this binary.
// Every call fails; Load reports why.
type stubBackend struct {
	reason string
}

func (s *stubBackend) Name() string       { return "Unknown" }
func (s *stubBackend) GPUAvailable() bool { return false }

func (s *stubBackend) Load(ctx context.Context, path string, opts LoadOptions) error {
	return ErrUnavailable(s.reason)
}

func (s *stubBackend) Unload() error      { return nil }
func (s *stubBackend) Loaded() bool       { return false }
func (s *stubBackend) ContextLength() int { return 0 }

func (s *stubBackend) Tokenize(text string, addBOS bool) ([]Token, error) {
	return nil, ErrNotLoaded
}

func (s *stubBackend) Decode(b Batch) error { return ErrNotLoaded }

func (s *stubBackend) Sample(p SamplingParams) (Token, error) { return 0, ErrNotLoaded }

func (s *stubBackend) IsEndOfGeneration(t Token) bool { return true }

func (s *stubBackend) Detokenize(t Token) (string, error) { return "", ErrNotLoaded }

func (s *stubBackend) ClearState() error { return nil }
