//go:build yzma

package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hybridgroup/yzma/pkg/llama"

	"localllm/internal/common/fsutil"
	"localllm/internal/hwprobe"
)

// LibEnv names the directory holding the prebuilt llama.cpp shared libraries.
const LibEnv = "LOCALLLM_LIB"

func init() {
	Register("yzma", func() Backend { return &yzmaBackend{} })
}

var (
	yzmaOnce    sync.Once
	yzmaInitErr error
	yzmaGPU     bool
	yzmaDevice  string
)

func yzmaInit() error {
	yzmaOnce.Do(func() {
		libPath := os.Getenv(LibEnv)
		if libPath == "" {
			libPath = "./lib/llama"
		}
		if abs, err := filepath.Abs(libPath); err == nil {
			libPath = abs
		}
		if err := llama.Load(libPath); err != nil {
			yzmaInitErr = ErrUnavailable(fmt.Sprintf("load llama.cpp libraries from %s: %v", libPath, err))
			return
		}
		llama.Init()
		yzmaGPU = llama.SupportsGpuOffload()
		for i := uint64(0); i < llama.GGMLBackendDeviceCount(); i++ {
			name := llama.GGMLBackendDeviceName(llama.GGMLBackendDeviceGet(i))
			if name != "" && name != "CPU" {
				yzmaDevice = name
				break
			}
		}
	})
	return yzmaInitErr
}

type yzmaBackend struct {
	model   llama.Model
	lctx    llama.Context
	vocab   llama.Vocab
	sampler llama.Sampler
	hasSmp  bool
	loaded  bool
	opts    LoadOptions
	ctxLen  int
	pos     int
	onGPU   bool
}

func (b *yzmaBackend) Name() string {
	if b.onGPU {
		if acc := hwprobe.DetectAccelerator(); hwprobe.IsGPU(acc) {
			return acc
		}
		return hwprobe.AcceleratorUnknown
	}
	return hwprobe.AcceleratorCPU
}

func (b *yzmaBackend) GPUAvailable() bool {
	if yzmaInit() != nil {
		return false
	}
	return yzmaGPU
}

func (b *yzmaBackend) Load(ctx context.Context, path string, opts LoadOptions) error {
	if err := yzmaInit(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := fsutil.RegularFile(path)
	if err != nil {
		return fmt.Errorf("model file: %w", err)
	}
	mp := llama.ModelDefaultParams()
	gpu := opts.GPULayers > 0 && yzmaGPU
	if gpu {
		mp.NGpuLayers = int32(opts.GPULayers)
	} else {
		mp.NGpuLayers = 0
	}
	m, err := llama.ModelLoadFromFile(p, mp)
	if err != nil && gpu {
		mp.NGpuLayers = 0
		gpu = false
		m, err = llama.ModelLoadFromFile(p, mp)
	}
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	b.model = m
	b.vocab = llama.ModelGetVocab(m)
	b.opts = opts
	b.ctxLen = opts.ContextLength
	b.onGPU = gpu
	if err := b.newContext(); err != nil {
		llama.ModelFree(m)
		return err
	}
	b.loaded = true
	return nil
}

func (b *yzmaBackend) newContext() error {
	cp := llama.ContextDefaultParams()
	cp.Embeddings = 0
	cp.NCtx = uint32(b.ctxLen)
	cp.NBatch = uint32(b.ctxLen)
	lctx, err := llama.InitFromModel(b.model, cp)
	if err != nil {
		return fmt.Errorf("create context: %w", err)
	}
	b.lctx = lctx
	b.pos = 0
	return nil
}

func (b *yzmaBackend) Unload() error {
	if !b.loaded {
		return nil
	}
	b.freeSampler()
	llama.Free(b.lctx)
	llama.ModelFree(b.model)
	b.loaded = false
	b.ctxLen = 0
	b.onGPU = false
	return nil
}

func (b *yzmaBackend) Loaded() bool { return b.loaded }

func (b *yzmaBackend) ContextLength() int { return b.ctxLen }

func (b *yzmaBackend) Tokenize(text string, addBOS bool) ([]Token, error) {
	if !b.loaded {
		return nil, ErrNotLoaded
	}
	ids := llama.Tokenize(b.vocab, text, addBOS, false)
	out := make([]Token, len(ids))
	for i, id := range ids {
		out[i] = Token(id)
	}
	return out, nil
}

func (b *yzmaBackend) Decode(batch Batch) error {
	if !b.loaded {
		return ErrNotLoaded
	}
	if len(batch.Tokens) == 0 {
		return errors.New("yzma: empty batch")
	}
	if batch.StartPos != b.pos {
		return fmt.Errorf("yzma: batch starts at %d, sequence is at %d", batch.StartPos, b.pos)
	}
	if b.pos+len(batch.Tokens) > b.ctxLen {
		return ErrContextFull
	}
	toks := make([]llama.Token, len(batch.Tokens))
	for i, t := range batch.Tokens {
		toks[i] = llama.Token(t)
	}
	if _, err := llama.Decode(b.lctx, llama.BatchGetOne(toks)); err != nil {
		return err
	}
	b.pos += len(toks)
	return nil
}

func (b *yzmaBackend) Sample(p SamplingParams) (Token, error) {
	if !b.loaded {
		return 0, ErrNotLoaded
	}
	if !b.hasSmp {
		// The default chain has no seed or repeat-penalty knob exposed here;
		// those params are ignored by this runtime.
		sp := llama.DefaultSamplerParams()
		sp.Temp = p.Temperature
		sp.TopK = int32(p.TopK)
		sp.TopP = p.TopP
		b.sampler = llama.NewSampler(b.model, llama.DefaultSamplers, sp)
		b.hasSmp = true
	}
	return Token(llama.SamplerSample(b.sampler, b.lctx, -1)), nil
}

func (b *yzmaBackend) IsEndOfGeneration(t Token) bool {
	if !b.loaded {
		return true
	}
	return llama.VocabIsEOG(b.vocab, llama.Token(t))
}

func (b *yzmaBackend) Detokenize(t Token) (string, error) {
	if !b.loaded {
		return "", ErrNotLoaded
	}
	buf := make([]byte, 64)
	n := llama.TokenToPiece(b.vocab, llama.Token(t), buf, 0, true)
	if n < 0 {
		// Negative length is the size the piece needs.
		buf = make([]byte, -n)
		n = llama.TokenToPiece(b.vocab, llama.Token(t), buf, 0, true)
	}
	if n <= 0 {
		return "", nil
	}
	return string(buf[:n]), nil
}

// ClearState recreates the context so the next sequence starts at position 0.
func (b *yzmaBackend) ClearState() error {
	if !b.loaded {
		return ErrNotLoaded
	}
	b.freeSampler()
	llama.Free(b.lctx)
	return b.newContext()
}

func (b *yzmaBackend) freeSampler() {
	if b.hasSmp {
		llama.SamplerFree(b.sampler)
		b.hasSmp = false
	}
}
