package generation

import (
	"localllm/internal/backend"
	"localllm/pkg/types"
)

// Defaults applied when the corresponding Request fields are unset.
const (
	DefaultMaxTokens     = 256
	DefaultTemperature   = 0.7
	DefaultTopP          = 0.9
	DefaultTopK          = 40
	DefaultRepeatPenalty = 1.1
)

// Request describes one generation. Nil sampling fields select defaults;
// explicit zeros are passed through (temperature 0 is greedy, top_k 0 keeps
// every candidate).
type Request struct {
	Prompt        string
	SystemPrompt  string
	MaxTokens     int
	Temperature   *float32
	TopP          *float32
	TopK          *int
	RepeatPenalty *float32
	// StopSequences are matched against the end of the accumulated text in
	// order; the first match ends generation. Empty entries are ignored.
	StopSequences []string
	Seed          *int64
}

// RequestFromAPI maps the HTTP payload onto a Request.
func RequestFromAPI(r types.GenerateRequest) Request {
	return Request{
		Prompt:        r.Prompt,
		SystemPrompt:  r.SystemPrompt,
		MaxTokens:     r.MaxTokens,
		Temperature:   narrow(r.Temperature),
		TopP:          narrow(r.TopP),
		TopK:          r.TopK,
		RepeatPenalty: narrow(r.RepeatPenalty),
		StopSequences: append(append([]string(nil), r.StopSequences...), r.Stop...),
		Seed:          r.Seed,
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

func narrow(v *float64) *float32 {
	if v == nil {
		return nil
	}
	return Ptr(float32(*v))
}

func orDefault[T any](v *T, def T) *T {
	if v == nil {
		return Ptr(def)
	}
	return Ptr(*v)
}

// snapshot returns a private copy with defaults applied. Nothing in the
// result aliases the caller's slices or pointers.
func (r Request) snapshot() Request {
	out := r
	if out.MaxTokens == 0 {
		out.MaxTokens = DefaultMaxTokens
	}
	out.Temperature = orDefault[float32](r.Temperature, DefaultTemperature)
	out.TopP = orDefault[float32](r.TopP, DefaultTopP)
	out.TopK = orDefault(r.TopK, DefaultTopK)
	out.RepeatPenalty = orDefault[float32](r.RepeatPenalty, DefaultRepeatPenalty)
	out.StopSequences = nil
	for _, s := range r.StopSequences {
		if s != "" {
			out.StopSequences = append(out.StopSequences, s)
		}
	}
	if r.Seed != nil {
		seed := *r.Seed
		out.Seed = &seed
	}
	return out
}

// sampling expects a snapshot, where every sampling field is set.
func (r Request) sampling() backend.SamplingParams {
	return backend.SamplingParams{
		TopK:          *r.TopK,
		TopP:          *r.TopP,
		Temperature:   *r.Temperature,
		RepeatPenalty: *r.RepeatPenalty,
		Seed:          r.Seed,
	}
}
