//go:build llama

package backend

import (
	"context"
	"errors"
	"fmt"

	llama "github.com/go-skynet/go-llama.cpp"

	"localllm/internal/common/fsutil"
	"localllm/internal/hwprobe"
)

func init() {
	Register("llama", func() Backend { return &goLlamaBackend{} })
}

// go-llama.cpp exposes generation only as a blocking Predict that pushes
// pieces through a token callback. The runtime below turns that into the
// pull-style contract: the prompt decode arms a pending Predict, the first
// Sample starts it, each Sample receives one piece, and each single-token
// Decode releases the callback for the next piece. Sampled tokens are local
// ids into the piece table, offset by pieceBase so they never collide with
// vocabulary ids returned by Tokenize.
const (
	pieceBase Token = 1 << 30
	bridgeEOG Token = -1
)

type goLlamaBackend struct {
	model   *llama.LLama
	opts    LoadOptions
	ctxLen  int
	lastBOS string // text of the most recent Tokenize(addBOS=true)
	prompt  string // armed by the prompt decode, consumed by the first Sample
	pos     int
	pieces  []string
	stream  *predictStream
}

type predictStream struct {
	pieces chan string
	next   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	err    error
}

func (b *goLlamaBackend) Name() string {
	if b.opts.GPULayers > 0 {
		if acc := hwprobe.DetectAccelerator(); hwprobe.IsGPU(acc) {
			return acc
		}
	}
	return hwprobe.AcceleratorCPU
}

func (b *goLlamaBackend) GPUAvailable() bool { return hwprobe.IsGPU(b.Name()) }

func (b *goLlamaBackend) Load(ctx context.Context, path string, opts LoadOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := fsutil.RegularFile(path)
	if err != nil {
		return fmt.Errorf("model file: %w", err)
	}
	mo := []llama.ModelOption{
		llama.SetContext(opts.ContextLength),
	}
	if opts.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(opts.GPULayers))
	}
	m, err := llama.New(p, mo...)
	if err != nil {
		return err
	}
	b.model = m
	b.opts = opts
	b.ctxLen = opts.ContextLength
	return b.ClearState()
}

func (b *goLlamaBackend) Unload() error {
	_ = b.ClearState()
	if b.model != nil {
		b.model.Free()
		b.model = nil
	}
	b.ctxLen = 0
	return nil
}

func (b *goLlamaBackend) Loaded() bool { return b.model != nil }

func (b *goLlamaBackend) ContextLength() int { return b.ctxLen }

func (b *goLlamaBackend) Tokenize(text string, addBOS bool) ([]Token, error) {
	if b.model == nil {
		return nil, ErrNotLoaded
	}
	_, ids, err := b.model.TokenizeString(text, llama.SetThreads(max(1, b.opts.Threads)))
	if err != nil {
		return nil, err
	}
	out := make([]Token, len(ids))
	for i, id := range ids {
		out[i] = Token(id)
	}
	if addBOS {
		b.lastBOS = text
	}
	return out, nil
}

func (b *goLlamaBackend) Decode(batch Batch) error {
	if b.model == nil {
		return ErrNotLoaded
	}
	if len(batch.Tokens) == 0 {
		return errors.New("llama: empty batch")
	}
	if batch.StartPos+len(batch.Tokens) > b.ctxLen {
		return ErrContextFull
	}
	b.pos = batch.StartPos + len(batch.Tokens)
	if batch.StartPos == 0 {
		// Prompt evaluation happens inside Predict.
		b.prompt = b.lastBOS
		return nil
	}
	if b.stream == nil {
		return errors.New("llama: decode without an active stream")
	}
	select {
	case b.stream.next <- struct{}{}:
	case <-b.stream.done:
	}
	return nil
}

func (b *goLlamaBackend) Sample(p SamplingParams) (Token, error) {
	if b.model == nil {
		return 0, ErrNotLoaded
	}
	if b.stream == nil {
		if b.prompt == "" {
			return 0, errors.New("llama: sample before prompt decode")
		}
		b.start(p)
	}
	piece, ok := <-b.stream.pieces
	if !ok {
		<-b.stream.done
		if b.stream.err != nil {
			return 0, b.stream.err
		}
		return bridgeEOG, nil
	}
	b.pieces = append(b.pieces, piece)
	return pieceBase + Token(len(b.pieces)-1), nil
}

func (b *goLlamaBackend) start(p SamplingParams) {
	s := &predictStream{
		pieces: make(chan string),
		next:   make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	b.stream = s
	prompt := b.prompt
	po := samplingToPredictOptions(p, b.opts.Threads, b.ctxLen)
	model := b.model
	model.SetTokenCallback(func(tok string) bool {
		select {
		case s.pieces <- tok:
		case <-s.stop:
			return false
		}
		select {
		case <-s.next:
			return true
		case <-s.stop:
			return false
		}
	})
	go func() {
		defer close(s.done)
		defer close(s.pieces)
		_, s.err = model.Predict(prompt, po...)
	}()
}

func (b *goLlamaBackend) IsEndOfGeneration(t Token) bool { return t == bridgeEOG }

func (b *goLlamaBackend) Detokenize(t Token) (string, error) {
	i := int(t - pieceBase)
	if t < pieceBase || i >= len(b.pieces) {
		return "", fmt.Errorf("llama: token %d was not sampled in this sequence", t)
	}
	return b.pieces[i], nil
}

// ClearState stops any in-flight Predict and forgets the sequence.
func (b *goLlamaBackend) ClearState() error {
	if s := b.stream; s != nil {
		close(s.stop)
		for range s.pieces {
		}
		<-s.done
		b.stream = nil
	}
	b.pieces = b.pieces[:0]
	b.prompt = ""
	b.pos = 0
	return nil
}

// samplingToPredictOptions converts sampling params into go-llama.cpp options.
// Values are passed through as given: the orchestrator has already applied
// request defaults, so zeros are deliberate. The token budget is the whole
// context; the orchestrator enforces max_tokens and stop sequences itself.
func samplingToPredictOptions(p SamplingParams, threads, ctxLen int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, ctxLen)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(p.TopP),
		llama.SetTopK(p.TopK),
		llama.SetTemperature(p.Temperature),
		llama.SetPenalty(p.RepeatPenalty),
	}
	if p.Seed != nil {
		po = append(po, llama.SetSeed(int(*p.Seed)))
	}
	return po
}
