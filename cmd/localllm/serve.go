package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"localllm/internal/httpapi"
	"localllm/pkg/types"
)

const shutdownGrace = 5 * time.Second

func serveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP daemon",
		Example: "  localllm serve --models-dir ~/models/llm --model qwen2.5-0.5b-instruct-q4_k_m.gguf --backend llama",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	runtimeFlags(cmd)
	cmd.Flags().String("addr", "", "HTTP listen address, e.g. :8080")
	cmd.Flags().String("cors-origins", "", "Enable CORS for these comma-separated origins")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	s, err := a.buildStack()
	if err != nil {
		return err
	}
	defer s.Close(a.log)

	if a.cfg.Model != "" {
		if err := s.orch.Load(ctx, types.LoadRequest{Model: a.cfg.Model}); err != nil {
			return err
		}
	}

	httpapi.SetLogger(a.log)
	httpapi.SetMaxBodyBytes(a.cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(a.cfg.CORS)
	httpapi.SetBaseContext(ctx)
	core := &httpapi.Core{Orch: s.orch, Catalog: s.reg}
	if s.journal != nil {
		core.History = s.journal
	}
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           httpapi.NewMux(core),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", a.cfg.Addr).Str("models_dir", a.cfg.ModelsDir).
			Str("backend", a.cfg.Backend).Msg("localllm listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			a.log.Warn().Err(err).Msg("graceful shutdown error")
		}
		return nil
	})
	err = g.Wait()
	a.log.Info().Msg("localllm stopped")
	return err
}
