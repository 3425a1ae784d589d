package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"localllm/internal/generation"
	"localllm/pkg/types"
)

type generateFlags struct {
	system        string
	maxTokens     int
	temperature   float32
	topP          float32
	topK          int
	repeatPenalty float32
	stop          []string
	seed          int64
	noProgress    bool
}

func generateCmd(a *app) *cobra.Command {
	var gf generateFlags
	cmd := &cobra.Command{
		Use:     "generate [prompt]",
		Short:   "Load a model and stream one generation to stdout",
		Example: "  localllm generate --model tinyllama.gguf --backend llama \"Write a haiku about rain\"\n  echo \"hello\" | localllm generate --backend toy --model toy",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd, args)
			if err != nil {
				return err
			}
			req := generation.Request{
				Prompt:        prompt,
				SystemPrompt:  gf.system,
				MaxTokens:     gf.maxTokens,
				StopSequences: gf.stop,
			}
			f := cmd.Flags()
			if f.Changed("temperature") {
				req.Temperature = generation.Ptr(gf.temperature)
			}
			if f.Changed("top-p") {
				req.TopP = generation.Ptr(gf.topP)
			}
			if f.Changed("top-k") {
				req.TopK = generation.Ptr(gf.topK)
			}
			if f.Changed("repeat-penalty") {
				req.RepeatPenalty = generation.Ptr(gf.repeatPenalty)
			}
			if f.Changed("seed") {
				req.Seed = generation.Ptr(gf.seed)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.generate(ctx, req, cmd.OutOrStdout(), cmd.ErrOrStderr(), !gf.noProgress)
		},
	}
	runtimeFlags(cmd)
	f := cmd.Flags()
	f.StringVar(&gf.system, "system", "", "System prompt; wraps the prompt in the model's chat template")
	f.IntVar(&gf.maxTokens, "max-tokens", generation.DefaultMaxTokens, "Maximum tokens to generate")
	f.Float32Var(&gf.temperature, "temperature", generation.DefaultTemperature, "Sampling temperature; 0 is greedy")
	f.Float32Var(&gf.topP, "top-p", generation.DefaultTopP, "Nucleus sampling probability")
	f.IntVar(&gf.topK, "top-k", generation.DefaultTopK, "Top-K sampling; 0 keeps every candidate")
	f.Float32Var(&gf.repeatPenalty, "repeat-penalty", generation.DefaultRepeatPenalty, "Repeat penalty")
	f.StringArrayVar(&gf.stop, "stop", nil, "Stop sequence (repeatable; earlier ones win)")
	f.Int64Var(&gf.seed, "seed", 0, "Random seed for reproducible output")
	f.BoolVar(&gf.noProgress, "no-progress", false, "Disable the token progress bar on stderr")
	return cmd
}

// readPrompt takes the prompt from the argument, or from stdin when absent.
func readPrompt(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	return strings.TrimRight(string(b), "\n"), nil
}

func (a *app) generate(ctx context.Context, req generation.Request, out, errw io.Writer, progress bool) error {
	if a.cfg.Model == "" {
		return errors.New("--model is required")
	}
	s, err := a.buildStack()
	if err != nil {
		return err
	}
	defer s.Close(a.log)
	if err := s.orch.Load(ctx, types.LoadRequest{Model: a.cfg.Model}); err != nil {
		return err
	}

	h := s.orch.Generate(req)
	if err := h.Err(); err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if progress {
		total := req.MaxTokens
		if total <= 0 {
			total = generation.DefaultMaxTokens
		}
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(errw),
			progressbar.OptionSetDescription("generating"),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("tok"),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	evCtx := ctx
	for {
		ev, err := h.Events().Next(evCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Interrupted: ask the worker to stop and keep draining until it does.
			s.orch.Cancel(h.ID())
			evCtx = context.Background()
			continue
		}
		if ev.Kind == generation.EventToken {
			fmt.Fprint(out, ev.Text)
			if bar != nil {
				_ = bar.Add(1)
			}
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	fmt.Fprintln(out)

	switch h.Status() {
	case generation.StatusError:
		return errors.New(h.ErrorMessage())
	case generation.StatusCancelled:
		fmt.Fprintf(errw, "cancelled after %d tokens\n", h.TokensGenerated())
	default:
		fmt.Fprintf(errw, "%d tokens in %.2fs (%.1f tok/s)\n", h.TokensGenerated(), h.ElapsedSeconds(), h.TokensPerSecond())
	}
	return nil
}
