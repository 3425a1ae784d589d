package generation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"localllm/internal/backend"
	"localllm/internal/hwprobe"
	"localllm/pkg/types"
)

// DefaultContextLength is the context window used when neither the load
// request nor the config sets one.
const DefaultContextLength = 2048

// ModelResolver maps a model reference (registry id or path) to a model.
type ModelResolver interface {
	Resolve(ref string) (types.Model, error)
}

// ResolverFunc adapts a function to ModelResolver.
type ResolverFunc func(ref string) (types.Model, error)

func (f ResolverFunc) Resolve(ref string) (types.Model, error) { return f(ref) }

// Config encapsulates all tunables for Orchestrator construction.
type Config struct {
	// Backend is required. The orchestrator takes exclusive ownership.
	Backend backend.Backend
	// Resolver looks up models for Load. Nil treats every reference as a path.
	Resolver ModelResolver
	// Threads defaults to hwprobe.RecommendedThreads.
	Threads   int
	GPULayers int
	// ContextLength defaults to DefaultContextLength.
	ContextLength int
	// PromptFormat overrides family detection when set.
	PromptFormat string
	Logger       *zerolog.Logger
	Publisher    EventPublisher
	// Observer receives every handle event after the handle's own mailbox.
	// It runs on the worker goroutine and must not block.
	Observer Emitter
}

// ModelInfo describes the loaded model.
type ModelInfo struct {
	ID            string
	Path          string
	Family        string
	PromptFormat  string
	ContextLength int
}

// Orchestrator owns one backend and runs at most one generation at a time.
type Orchestrator struct {
	be       backend.Backend
	resolver ModelResolver
	log      zerolog.Logger
	pub      EventPublisher
	observer Emitter
	format   string

	// lifeMu serializes Load, Unload and Close.
	lifeMu sync.Mutex

	mu         sync.Mutex
	loaded     bool
	closed     bool
	model      ModelInfo
	formatter  PromptFormatter
	backendID  string
	gpu        bool
	threads    int
	gpuLayers  int
	defaultCtx int
	active     *Handle
	last       *Handle
	running    bool
	workerDone chan struct{} // closed when the most recent worker retires
}

// New constructs an Orchestrator from cfg. No model is loaded.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		be:         cfg.Backend,
		resolver:   cfg.Resolver,
		pub:        cfg.Publisher,
		observer:   cfg.Observer,
		format:     cfg.PromptFormat,
		threads:    cfg.Threads,
		gpuLayers:  max(0, cfg.GPULayers),
		defaultCtx: cfg.ContextLength,
		workerDone: make(chan struct{}),
	}
	close(o.workerDone)
	if cfg.Logger != nil {
		o.log = *cfg.Logger
	} else {
		o.log = zerolog.Nop()
	}
	if o.pub == nil {
		o.pub = noopPublisher{}
	}
	if o.threads <= 0 {
		o.threads = hwprobe.RecommendedThreads()
	}
	if o.defaultCtx <= 0 {
		o.defaultCtx = DefaultContextLength
	}
	o.backendID = o.be.Name()
	o.gpu = o.be.GPUAvailable()
	return o
}

// Generate validates req and, when it passes, starts a worker for it. The
// returned handle is already Error when no model is loaded, another
// generation is active, the prompt is empty or max_tokens is negative; no
// worker exists for such handles.
func (o *Orchestrator) Generate(req Request) *Handle {
	o.mu.Lock()
	h := newHandle(o.model.ID, o.observer)
	var err error
	switch {
	case !o.loaded:
		err = ErrNoModelLoaded
	case o.running:
		err = ErrBusy
	case req.Prompt == "":
		err = ErrEmptyPrompt
	case req.MaxTokens < 0:
		err = ErrNegativeMaxTokens
	}
	if err != nil {
		o.mu.Unlock()
		h.reject(err)
		rejectionsTotal.WithLabelValues(rejectReason(err)).Inc()
		o.log.Debug().Str("handle", h.ID()).Err(err).Msg("generate rejected")
		return h
	}
	_ = h.begin()
	h.onFinish = func() { o.freeSlot(h) }
	j := job{
		h:         h,
		req:       req.snapshot(),
		formatter: o.formatter,
		ctxLen:    o.model.ContextLength,
	}
	prev := o.workerDone
	done := make(chan struct{})
	o.workerDone = done
	o.running = true
	o.active = h
	o.last = h
	o.mu.Unlock()

	// A worker that already released the slot may still be returning.
	<-prev
	activeGenerations.Set(1)
	o.pub.Publish(LifecycleEvent{Name: EventGenerationStart, ModelID: h.ModelID(), Fields: map[string]any{
		"handle_id":   h.ID(),
		"prompt_hash": promptHash(j.req),
		"max_tokens":  j.req.MaxTokens,
		"started_at":  time.Now(),
	}})
	o.log.Info().Str("handle", h.ID()).Str("model", h.ModelID()).Int("max_tokens", j.req.MaxTokens).Msg("generation start")
	go o.run(j, done)
	return h
}

// Cancel requests cancellation of the active generation if its id matches.
// It reports whether a handle was signalled; a mismatch is otherwise a no-op.
func (o *Orchestrator) Cancel(handleID string) bool {
	o.mu.Lock()
	h := o.active
	o.mu.Unlock()
	if h == nil || h.ID() != handleID {
		return false
	}
	h.RequestCancel()
	o.log.Info().Str("handle", handleID).Msg("cancel requested")
	return true
}

// Handle returns the active or most recent handle when its id matches.
func (o *Orchestrator) Handle(id string) (*Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, h := range []*Handle{o.active, o.last} {
		if h != nil && h.ID() == id {
			return h, true
		}
	}
	return nil, false
}

// Generating reports whether a worker holds the active slot.
func (o *Orchestrator) Generating() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Wait blocks until no worker is alive or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.workerDone
	o.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// freeSlot releases the active slot held by h. It runs right after h's
// terminal transition.
func (o *Orchestrator) freeSlot(h *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != h {
		return
	}
	o.active = nil
	o.running = false
	activeGenerations.Set(0)
}

// retire records the outcome of h once its worker is done with the backend.
// The worker's done channel closes after retire returns.
func (o *Orchestrator) retire(h *Handle) {
	o.freeSlot(h)
	st := h.Status()
	generationsTotal.WithLabelValues(st.String()).Inc()
	if tps := h.TokensPerSecond(); tps > 0 {
		tokensPerSecond.Observe(tps)
	}
	o.pub.Publish(LifecycleEvent{Name: EventGenerationEnd, ModelID: h.ModelID(), Fields: map[string]any{
		"handle_id":         h.ID(),
		"status":            st.String(),
		"error":             h.ErrorMessage(),
		"tokens":            h.TokensGenerated(),
		"elapsed_seconds":   h.ElapsedSeconds(),
		"tokens_per_second": h.TokensPerSecond(),
	}})
	ev := o.log.Info()
	if st == StatusError {
		ev = o.log.Warn().Str("error", h.ErrorMessage())
	}
	ev.Str("handle", h.ID()).Str("status", st.String()).Int("tokens", h.TokensGenerated()).
		Float64("tok_s", h.TokensPerSecond()).Msg("generation end")
}

// Load resolves ref, unloads any current model and loads the new one. An
// active generation is cancelled and waited for first.
func (o *Orchestrator) Load(ctx context.Context, req types.LoadRequest) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}

	m, err := o.resolve(req.Model)
	if err != nil {
		return err
	}
	formatName := req.PromptFormat
	if formatName == "" {
		formatName = o.format
	}
	if formatName == "" {
		formatName = m.Family
	}
	if formatName == "" {
		formatName = DefaultPromptFormat
	}
	f, err := LookupPromptFormat(formatName)
	if err != nil {
		return err
	}

	o.unloadLocked()

	o.mu.Lock()
	opts := backend.LoadOptions{
		ContextLength: req.ContextLength,
		Threads:       o.threads,
		GPULayers:     o.gpuLayers,
	}
	if opts.ContextLength <= 0 {
		opts.ContextLength = o.defaultCtx
	}
	o.mu.Unlock()

	o.pub.Publish(LifecycleEvent{Name: EventModelLoadStart, ModelID: m.ID, Fields: map[string]any{"path": m.Path}})
	o.log.Info().Str("model", m.ID).Str("path", m.Path).Int("ctx", opts.ContextLength).
		Int("threads", opts.Threads).Int("gpu_layers", opts.GPULayers).Msg("loading model")
	start := time.Now()
	if err := o.be.Load(ctx, m.Path, opts); err != nil {
		modelLoadsTotal.WithLabelValues("failed").Inc()
		o.pub.Publish(LifecycleEvent{Name: EventModelLoadFailed, ModelID: m.ID, Fields: map[string]any{"error": err.Error()}})
		o.log.Error().Err(err).Str("model", m.ID).Msg("model load failed")
		return fmt.Errorf("load %s: %w", m.ID, err)
	}
	ctxLen := o.be.ContextLength()
	if ctxLen <= 0 {
		ctxLen = opts.ContextLength
	}

	o.mu.Lock()
	o.loaded = true
	o.model = ModelInfo{
		ID:            m.ID,
		Path:          m.Path,
		Family:        m.Family,
		PromptFormat:  formatName,
		ContextLength: ctxLen,
	}
	o.formatter = f
	o.backendID = o.be.Name()
	o.gpu = o.be.GPUAvailable()
	backendID := o.backendID
	o.mu.Unlock()

	modelLoadsTotal.WithLabelValues("ok").Inc()
	dur := time.Since(start)
	o.pub.Publish(LifecycleEvent{Name: EventModelLoadDone, ModelID: m.ID, Fields: map[string]any{
		"backend":        backendID,
		"context_length": ctxLen,
		"duration_ms":    dur.Milliseconds(),
	}})
	o.log.Info().Str("model", m.ID).Str("backend", backendID).Dur("took", dur).Msg("model loaded")
	return nil
}

func (o *Orchestrator) resolve(ref string) (types.Model, error) {
	if ref == "" {
		return types.Model{}, ErrModelNotFound("(unspecified)")
	}
	if o.resolver == nil {
		return types.Model{ID: filepath.Base(ref), Name: filepath.Base(ref), Path: ref}, nil
	}
	m, err := o.resolver.Resolve(ref)
	if err != nil {
		if IsModelNotFound(err) {
			return types.Model{}, err
		}
		return types.Model{}, fmt.Errorf("%w: %v", ErrModelNotFound(ref), err)
	}
	return m, nil
}

// Unload cancels any active generation, waits for its worker and releases
// the model. Unloading with nothing loaded is a no-op.
func (o *Orchestrator) Unload() error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	return o.unloadLocked()
}

// Close unloads the model and refuses further loads.
func (o *Orchestrator) Close() error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return o.unloadLocked()
}

func (o *Orchestrator) unloadLocked() error {
	o.mu.Lock()
	wasLoaded := o.loaded
	o.loaded = false
	h := o.active
	done := o.workerDone
	id := o.model.ID
	o.mu.Unlock()

	if h != nil {
		h.RequestCancel()
	}
	<-done
	if !wasLoaded {
		return nil
	}
	err := o.be.Unload()
	o.mu.Lock()
	o.model = ModelInfo{}
	o.formatter = nil
	o.mu.Unlock()
	o.pub.Publish(LifecycleEvent{Name: EventModelUnload, ModelID: id})
	o.log.Info().Str("model", id).Msg("model unloaded")
	return err
}

// Model returns the loaded model and whether one is loaded.
func (o *Orchestrator) Model() (ModelInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.model, o.loaded
}

// SetThreads sets the thread count used by the next Load; values below 1
// become 1.
func (o *Orchestrator) SetThreads(n int) {
	o.mu.Lock()
	o.threads = max(1, n)
	o.mu.Unlock()
}

// SetGPULayers sets the offloaded layer count used by the next Load;
// negative values become 0.
func (o *Orchestrator) SetGPULayers(n int) {
	o.mu.Lock()
	o.gpuLayers = max(0, n)
	o.mu.Unlock()
}

// Status reports the loaded model, tunables and activity.
func (o *Orchestrator) Status() types.StatusResponse {
	o.mu.Lock()
	st := types.StatusResponse{
		Loaded:        o.loaded,
		ModelID:       o.model.ID,
		ModelPath:     o.model.Path,
		ContextLength: o.model.ContextLength,
		NThreads:      o.threads,
		NGPULayers:    o.gpuLayers,
		Generating:    o.running,
		Backend:       o.backendID,
		GPUAvailable:  o.gpu,
		PromptFormat:  o.model.PromptFormat,
	}
	if o.active != nil {
		st.ActiveHandleID = o.active.ID()
	}
	o.mu.Unlock()
	st.AvailableMemoryBytes = hwprobe.AvailableMemory()
	st.RecommendedThreads = hwprobe.RecommendedThreads()
	return st
}
