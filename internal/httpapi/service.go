package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"localllm/internal/generation"
	"localllm/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Ready() bool

	Load(ctx context.Context, req types.LoadRequest) error
	Unload() error

	Generate(req generation.Request) *generation.Handle
	Cancel(id string) bool
	Generation(id string) (types.HandleStatus, error)
	Generations(limit int) ([]types.GenerationRecord, error)
}

// ModelCatalog lists models available for loading.
type ModelCatalog interface {
	Refresh() error
	Models() []types.Model
}

// History looks up finished generations.
type History interface {
	Recent(limit int) ([]types.GenerationRecord, error)
	Get(id string) (types.GenerationRecord, error)
}

// notFoundError is an HTTPError for unknown resources.
type notFoundError struct{ msg string }

func (e notFoundError) Error() string   { return e.msg }
func (e notFoundError) StatusCode() int { return http.StatusNotFound }

// Core adapts an orchestrator plus optional catalog and history to Service.
type Core struct {
	Orch    *generation.Orchestrator
	Catalog ModelCatalog
	History History
}

var _ Service = (*Core)(nil)

func (c *Core) ListModels() []types.Model {
	if c.Catalog == nil {
		return nil
	}
	if err := c.Catalog.Refresh(); err != nil && zlog != nil {
		zlog.Warn().Err(err).Msg("model catalog refresh failed")
	}
	return c.Catalog.Models()
}

func (c *Core) Status() types.StatusResponse { return c.Orch.Status() }

// Ready reports whether a model is loaded.
func (c *Core) Ready() bool {
	_, ok := c.Orch.Model()
	return ok
}

func (c *Core) Load(ctx context.Context, req types.LoadRequest) error { return c.Orch.Load(ctx, req) }

func (c *Core) Unload() error { return c.Orch.Unload() }

func (c *Core) Generate(req generation.Request) *generation.Handle { return c.Orch.Generate(req) }

func (c *Core) Cancel(id string) bool { return c.Orch.Cancel(id) }

// Generation returns the live snapshot of the active or most recent handle,
// falling back to the history for older ones.
func (c *Core) Generation(id string) (types.HandleStatus, error) {
	if h, ok := c.Orch.Handle(id); ok {
		return h.Snapshot(), nil
	}
	if c.History != nil {
		r, err := c.History.Get(id)
		switch {
		case err == nil:
			return types.HandleStatus{
				ID:              r.ID,
				ModelID:         r.ModelID,
				Status:          r.Status,
				Error:           r.Error,
				TokensGenerated: r.TokensGenerated,
				ElapsedSeconds:  r.ElapsedSeconds,
				TokensPerSecond: rate(r.TokensGenerated, r.ElapsedSeconds),
				StartedUnixMs:   r.StartedUnixMs,
			}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return types.HandleStatus{}, err
		}
	}
	return types.HandleStatus{}, notFoundError{msg: "generation not found: " + id}
}

func (c *Core) Generations(limit int) ([]types.GenerationRecord, error) {
	if c.History == nil {
		return []types.GenerationRecord{}, nil
	}
	return c.History.Recent(limit)
}

func rate(tokens int, secs float64) float64 {
	if tokens <= 0 || secs <= 0 {
		return 0
	}
	return float64(tokens) / secs
}
