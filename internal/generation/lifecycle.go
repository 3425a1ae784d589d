package generation

import "sync"

// Lifecycle event names published by the orchestrator.
const (
	EventModelLoadStart  = "model_load_start"
	EventModelLoadDone   = "model_load_done"
	EventModelLoadFailed = "model_load_failed"
	EventModelUnload     = "model_unload"
	EventGenerationStart = "generation_start"
	EventGenerationEnd   = "generation_end"
)

// LifecycleEvent represents an orchestrator lifecycle event.
// Minimal and stable: name + model ID and optional fields via key/values.
type LifecycleEvent struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// EventPublisher receives lifecycle events. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(LifecycleEvent)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(LifecycleEvent) {}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e LifecycleEvent) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LifecycleEvent, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the names of recorded events in order.
func (p *MemoryPublisher) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Name
	}
	return out
}
