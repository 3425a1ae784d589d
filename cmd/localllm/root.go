package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"localllm/internal/config"
	"localllm/internal/logging"
)

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg config.Config
	log zerolog.Logger
}

func buildRootCmd() *cobra.Command { return buildRootCmdWith(&app{}) }

func buildRootCmdWith(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "localllm",
		Short:         "On-device LLM generation: HTTP daemon and CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("LOCALLLM_CONFIG"), "Config file (.yaml, .yml, .json, .toml); defaults to $LOCALLLM_CONFIG")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug|info|warn|error|off")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format: console|json")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if a.configPath != "" {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
		}
		if a.logLevel != "" {
			a.cfg.LogLevel = a.logLevel
		}
		if a.logFormat != "" {
			a.cfg.LogFormat = a.logFormat
		}
		if err := applyRuntimeFlags(cmd, &a.cfg); err != nil {
			return err
		}
		a.cfg.ApplyDefaults()
		l, err := logging.New(cmd.ErrOrStderr(), a.cfg.LogLevel, a.cfg.LogFormat)
		if err != nil {
			return err
		}
		a.log = l
		return nil
	}

	root.AddCommand(serveCmd(a), generateCmd(a), modelsCmd(a), probeCmd(a))
	return root
}

// runtimeFlags registers the flags that override model and runtime config.
func runtimeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("models-dir", "", "Directory to scan for *.gguf model files")
	f.String("model", "", "Model id or path to load")
	f.String("backend", "", "Runtime: toy|llama|yzma")
	f.Int("ctx", 0, "Context window in tokens")
	f.Int("threads", 0, "CPU threads (default: recommended for this host)")
	f.Int("gpu-layers", 0, "Layers to offload to the GPU")
	f.String("prompt-format", "", "Chat template: chatml|llama3|mistral|gemma|phi3|raw")
	f.String("journal", "", "SQLite journal path; empty disables")
}

// applyRuntimeFlags copies explicitly set runtime flags over cfg.
func applyRuntimeFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	strs := map[string]*string{
		"models-dir":    &cfg.ModelsDir,
		"model":         &cfg.Model,
		"backend":       &cfg.Backend,
		"prompt-format": &cfg.PromptFormat,
		"journal":       &cfg.JournalPath,
		"addr":          &cfg.Addr,
	}
	for name, dst := range strs {
		if fl := f.Lookup(name); fl != nil && fl.Changed {
			*dst = fl.Value.String()
		}
	}
	ints := map[string]*int{
		"ctx":        &cfg.ContextLength,
		"threads":    &cfg.Threads,
		"gpu-layers": &cfg.GPULayers,
	}
	for name, dst := range ints {
		if fl := f.Lookup(name); fl != nil && fl.Changed {
			v, err := f.GetInt(name)
			if err != nil {
				return err
			}
			*dst = v
		}
	}
	if fl := f.Lookup("cors-origins"); fl != nil && fl.Changed {
		cfg.CORS.Enabled = true
		cfg.CORS.AllowedOrigins = splitCSV(fl.Value.String())
	}
	return nil
}

// splitCSV splits a comma-separated flag value, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
