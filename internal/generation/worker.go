package generation

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"localllm/internal/backend"
)

// job is everything a worker needs; nothing in it is shared with the caller.
type job struct {
	h         *Handle
	req       Request
	formatter PromptFormatter
	ctxLen    int
}

// run executes j on the calling goroutine. The slot is released on every
// exit path, including a panic from the backend.
func (o *Orchestrator) run(j job, done chan struct{}) {
	defer close(done)
	defer o.retire(j.h)
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Str("handle", j.h.ID()).Interface("panic", r).
				Bytes("stack", debug.Stack()).Msg("generation worker panic")
			_ = j.h.Fail(fmt.Sprintf("internal error: %v", r))
		}
	}()
	o.work(j)
}

func (o *Orchestrator) work(j job) {
	h, req, be := j.h, j.req, o.be

	prompt := req.Prompt
	if j.formatter != nil {
		prompt = effectivePrompt(j.formatter, req.SystemPrompt, req.Prompt)
	}
	toks, err := be.Tokenize(prompt, true)
	if err != nil || len(toks) == 0 {
		_ = h.Fail("tokenize failed")
		return
	}
	if len(toks) >= j.ctxLen {
		_ = h.Fail(fmt.Sprintf("prompt too long for context window (%d tokens, context %d)", len(toks), j.ctxLen))
		return
	}
	if err := be.ClearState(); err != nil {
		_ = h.Fail("clear state failed: " + err.Error())
		return
	}
	if err := be.Decode(backend.Batch{Tokens: toks}); err != nil {
		_ = h.Fail("decode failed: " + err.Error())
		return
	}

	pos := len(toks)
	sp := req.sampling()
	var text strings.Builder
	for range req.MaxTokens {
		if h.CancelRequested() {
			_ = h.MarkCancelled()
			return
		}
		tok, err := be.Sample(sp)
		if err != nil {
			_ = h.Fail("sample failed: " + err.Error())
			return
		}
		if be.IsEndOfGeneration(tok) {
			break
		}
		piece, err := be.Detokenize(tok)
		if err != nil {
			_ = h.Fail("detokenize failed: " + err.Error())
			return
		}
		text.WriteString(piece)
		_ = h.AppendToken(piece)
		tokensTotal.Inc()
		if stop, ok := matchStop(text.String(), req.StopSequences); ok {
			o.log.Debug().Str("handle", h.ID()).Str("stop", stop).Msg("stop sequence matched")
			break
		}
		if err := be.Decode(backend.Batch{Tokens: []backend.Token{tok}, StartPos: pos}); err != nil {
			_ = h.Fail("decode failed during generation: " + err.Error())
			return
		}
		pos++
	}
	_ = h.Complete(text.String())
}

// promptHash fingerprints the effective inputs of a request without storing
// the prompt itself.
func promptHash(r Request) string {
	d := xxhash.New()
	_, _ = d.WriteString(r.SystemPrompt)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(r.Prompt)
	return strconv.FormatUint(d.Sum64(), 16)
}
