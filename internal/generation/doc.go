// Package generation runs text generation against a single loaded model.
// It is structured into small files by concern:
//
//   - orchestrator.go: Orchestrator, the active slot, Load/Unload/Close, Status.
//   - worker.go: the tokenize, decode, sample and stop-check loop.
//   - handle.go: Handle, the per-request state machine and text accumulator.
//   - events.go: per-handle Event stream (Emitter, Mailbox).
//   - lifecycle.go: LifecycleEvent and EventPublisher hooks.
//   - request.go: Request defaults and snapshotting.
//   - prompt.go: PromptFormatter implementations per model family.
//   - errors.go: sentinel errors and IsX helpers.
//   - metrics.go: Prometheus collectors for generations.
//
// At most one generation runs at a time. Generate never blocks beyond joining
// a worker that is already retiring; callers observe progress through the
// returned Handle and its Mailbox.
package generation
