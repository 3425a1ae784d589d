package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

func init() {
	Register("toy", func() Backend { return NewToy(ToyOptions{}) })
}

const (
	toyBOS       Token = 0
	toyEOG       Token = 1
	toyFirstWord Token = 2

	toyDefaultContext = 2048
	toyStream         = 0x9e3779b97f4a7c15
)

var toyWords = []string{
	"the", "a", "quiet", "river", "runs", "under", "old", "stone", "bridge",
	"light", "falls", "on", "green", "hills", "and", "wind", "moves", "through",
	"tall", "grass", "while", "birds", "sing", "of", "morning", "rain", "clouds",
	"drift", "over", "distant", "towers", "where", "lanterns", "glow", "softly",
	"into", "night", "stars", "wake", "again",
}

var toyIndex = func() map[string]Token {
	m := make(map[string]Token, len(toyWords))
	for i, w := range toyWords {
		m[w] = toyFirstWord + Token(i)
	}
	return m
}()

// ToyOptions tune the toy runtime.
type ToyOptions struct {
	// MinWords is the number of generated words before end-of-generation may
	// be sampled. Zero means 4.
	MinWords int
	// EOGOdds gives a 1-in-EOGOdds chance of ending once MinWords is reached.
	// Zero means 12; negative disables end-of-generation entirely.
	EOGOdds int
}

// toyBackend is a deterministic word-level runtime. Its "distribution" is a
// hash of the decoded sequence mixed with a seeded PCG stream, so identical
// requests with identical seeds produce identical output.
type toyBackend struct {
	opts      ToyOptions
	loaded    bool
	path      string
	ctxLen    int
	pos       int
	generated int
	state     uint64
	rng       *rand.Rand
}

// NewToy returns an unloaded toy runtime.
func NewToy(opts ToyOptions) Backend {
	if opts.MinWords <= 0 {
		opts.MinWords = 4
	}
	if opts.EOGOdds == 0 {
		opts.EOGOdds = 12
	}
	return &toyBackend{opts: opts}
}

func (t *toyBackend) Name() string       { return "CPU" }
func (t *toyBackend) GPUAvailable() bool { return false }

func (t *toyBackend) Load(ctx context.Context, path string, opts LoadOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(path) == "" {
		return errors.New("toy: model path is empty")
	}
	t.path = path
	t.ctxLen = opts.ContextLength
	if t.ctxLen <= 0 {
		t.ctxLen = toyDefaultContext
	}
	t.loaded = true
	return t.ClearState()
}

func (t *toyBackend) Unload() error {
	t.loaded = false
	t.path = ""
	t.ctxLen = 0
	return t.ClearState()
}

func (t *toyBackend) Loaded() bool { return t.loaded }

func (t *toyBackend) ContextLength() int { return t.ctxLen }

func (t *toyBackend) Tokenize(text string, addBOS bool) ([]Token, error) {
	if !t.loaded {
		return nil, ErrNotLoaded
	}
	words := strings.Fields(text)
	out := make([]Token, 0, len(words)+1)
	if addBOS {
		out = append(out, toyBOS)
	}
	for _, w := range words {
		if tok, ok := toyIndex[strings.ToLower(w)]; ok {
			out = append(out, tok)
			continue
		}
		out = append(out, toyFirstWord+Token(xxhash.Sum64String(w)%uint64(len(toyWords))))
	}
	return out, nil
}

func (t *toyBackend) Decode(b Batch) error {
	if !t.loaded {
		return ErrNotLoaded
	}
	if len(b.Tokens) == 0 {
		return errors.New("toy: empty batch")
	}
	if b.StartPos != t.pos {
		return fmt.Errorf("toy: batch starts at %d, sequence is at %d", b.StartPos, t.pos)
	}
	if t.pos+len(b.Tokens) > t.ctxLen {
		return ErrContextFull
	}
	for _, tok := range b.Tokens {
		t.state = (t.state ^ uint64(tok)) * 1099511628211
	}
	if b.StartPos > 0 {
		t.generated += len(b.Tokens)
	}
	t.pos += len(b.Tokens)
	return nil
}

func (t *toyBackend) Sample(p SamplingParams) (Token, error) {
	if !t.loaded {
		return 0, ErrNotLoaded
	}
	if t.pos == 0 {
		return 0, errors.New("toy: sample before decode")
	}
	if t.rng == nil {
		seed := uint64(time.Now().UnixNano())
		if p.Seed != nil {
			seed = uint64(*p.Seed)
		}
		t.rng = rand.New(rand.NewPCG(seed, toyStream))
	}
	if t.opts.EOGOdds > 0 && t.generated >= t.opts.MinWords && t.rng.IntN(t.opts.EOGOdds) == 0 {
		return toyEOG, nil
	}
	n := len(toyWords)
	k := n
	if p.TopK > 0 && p.TopK < n {
		k = p.TopK
	}
	off := 0
	if p.Temperature > 0 {
		off = t.rng.IntN(k)
	}
	idx := (t.state + uint64(off)) % uint64(n)
	return toyFirstWord + Token(idx), nil
}

func (t *toyBackend) IsEndOfGeneration(tok Token) bool { return tok == toyEOG }

func (t *toyBackend) Detokenize(tok Token) (string, error) {
	if !t.loaded {
		return "", ErrNotLoaded
	}
	switch {
	case tok == toyBOS || tok == toyEOG:
		return "", nil
	case tok < toyFirstWord || int(tok-toyFirstWord) >= len(toyWords):
		return "", fmt.Errorf("toy: token %d out of range", tok)
	}
	return " " + toyWords[tok-toyFirstWord], nil
}

func (t *toyBackend) ClearState() error {
	t.pos = 0
	t.generated = 0
	t.state = 14695981039346656037
	t.rng = nil
	return nil
}
