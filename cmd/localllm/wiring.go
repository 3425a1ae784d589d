package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"localllm/internal/backend"
	"localllm/internal/common/fsutil"
	"localllm/internal/generation"
	"localllm/internal/journal"
	"localllm/internal/registry"
	"localllm/pkg/types"
)

// stack is the assembled runtime shared by serve and generate.
type stack struct {
	reg     *registry.Registry
	journal *journal.Store
	orch    *generation.Orchestrator
}

func (a *app) buildStack() (*stack, error) {
	be, err := backend.New(a.cfg.Backend)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(a.cfg.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("scan models: %w", err)
	}
	s := &stack{reg: reg}
	var pub generation.EventPublisher
	if a.cfg.JournalPath != "" {
		p, err := fsutil.ExpandHome(a.cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		j, err := journal.Open(p, &a.log)
		if err != nil {
			return nil, err
		}
		s.journal = j
		pub = j
	}
	s.orch = generation.New(generation.Config{
		Backend:       be,
		Resolver:      a.resolver(reg),
		Threads:       a.cfg.Threads,
		GPULayers:     a.cfg.GPULayers,
		ContextLength: a.cfg.ContextLength,
		PromptFormat:  a.cfg.PromptFormat,
		Logger:        &a.log,
		Publisher:     pub,
		Observer:      eventLogger(a.log),
	})
	return s, nil
}

// eventLogger logs every handle event when the logger is at debug level.
func eventLogger(log zerolog.Logger) generation.Emitter {
	if log.GetLevel() > zerolog.DebugLevel {
		return nil
	}
	return generation.EmitterFunc(func(e generation.Event) {
		log.Debug().Str("handle", e.HandleID).Str("event", e.Kind.String()).
			Int("tokens", e.Tokens).Str("text", e.Text).Msg("generation event")
	})
}

// resolver looks models up in reg. The toy runtime needs no file, so any
// unknown reference becomes a synthetic model for it.
func (a *app) resolver(reg *registry.Registry) generation.ModelResolver {
	toy := a.cfg.Backend == "toy"
	return generation.ResolverFunc(func(ref string) (types.Model, error) {
		m, err := reg.Resolve(ref)
		if err == nil || !toy || ref == "" {
			return m, err
		}
		return types.Model{ID: ref, Name: ref, Path: ref, Family: registry.DetectFamily(ref)}, nil
	})
}

func (s *stack) Close(log zerolog.Logger) error {
	err := s.orch.Close()
	if s.journal != nil {
		if n := s.journal.Dropped(); n > 0 {
			log.Warn().Uint64("dropped", n).Msg("journal queue overflowed; some generations were not recorded")
		}
		if jerr := s.journal.Close(); err == nil {
			err = jerr
		}
	}
	return err
}
