package generation

import (
	"fmt"
	"sort"
)

// PromptFormatter combines a system prompt and a user prompt into the text
// the model is conditioned on.
type PromptFormatter interface {
	Format(system, user string) string
}

// PromptFormatterFunc adapts a function to PromptFormatter.
type PromptFormatterFunc func(system, user string) string

func (f PromptFormatterFunc) Format(system, user string) string { return f(system, user) }

// DefaultPromptFormat is used when a model's family is unknown.
const DefaultPromptFormat = "chatml"

var promptFormats = map[string]PromptFormatter{
	"chatml": PromptFormatterFunc(func(system, user string) string {
		return "<|im_start|>system\n" + system + "<|im_end|>\n" +
			"<|im_start|>user\n" + user + "<|im_end|>\n" +
			"<|im_start|>assistant\n"
	}),
	"llama3": PromptFormatterFunc(func(system, user string) string {
		return "<|start_header_id|>system<|end_header_id|>\n\n" + system + "<|eot_id|>" +
			"<|start_header_id|>user<|end_header_id|>\n\n" + user + "<|eot_id|>" +
			"<|start_header_id|>assistant<|end_header_id|>\n\n"
	}),
	// Mistral instruct has no system role; the system text leads the first turn.
	"mistral": PromptFormatterFunc(func(system, user string) string {
		return "[INST] " + system + "\n\n" + user + " [/INST]"
	}),
	// Gemma likewise folds the system text into the user turn.
	"gemma": PromptFormatterFunc(func(system, user string) string {
		return "<start_of_turn>user\n" + system + "\n\n" + user + "<end_of_turn>\n" +
			"<start_of_turn>model\n"
	}),
	"phi3": PromptFormatterFunc(func(system, user string) string {
		return "<|system|>\n" + system + "<|end|>\n" +
			"<|user|>\n" + user + "<|end|>\n" +
			"<|assistant|>\n"
	}),
	"raw": PromptFormatterFunc(func(system, user string) string {
		return system + "\n\n" + user
	}),
}

// LookupPromptFormat returns the formatter registered under name.
func LookupPromptFormat(name string) (PromptFormatter, error) {
	if name == "" {
		name = DefaultPromptFormat
	}
	f, ok := promptFormats[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownPromptFormat, name, PromptFormats())
	}
	return f, nil
}

// PromptFormats lists registered format names, sorted.
func PromptFormats() []string {
	out := make([]string, 0, len(promptFormats))
	for n := range promptFormats {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// effectivePrompt returns the prompt verbatim without a system prompt, and
// the formatted turn otherwise.
func effectivePrompt(f PromptFormatter, system, user string) string {
	if system == "" {
		return user
	}
	return f.Format(system, user)
}
