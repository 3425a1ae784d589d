package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"localllm/internal/backend"
	"localllm/internal/config"
	"localllm/internal/generation"
	"localllm/pkg/types"
)

// gatedBackend blocks every Sample until gate is closed.
type gatedBackend struct {
	backend.Backend
	gate chan struct{}
}

func (g *gatedBackend) Sample(p backend.SamplingParams) (backend.Token, error) {
	<-g.gate
	return g.Backend.Sample(p)
}

// recordingBackend remembers the sampling params of the last Sample call.
type recordingBackend struct {
	backend.Backend
	mu   sync.Mutex
	last backend.SamplingParams
}

func (r *recordingBackend) Sample(p backend.SamplingParams) (backend.Token, error) {
	r.mu.Lock()
	r.last = p
	r.mu.Unlock()
	return r.Backend.Sample(p)
}

func (r *recordingBackend) lastSampling() backend.SamplingParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

type fakeHistory struct {
	recs []types.GenerationRecord
	err  error
}

func (f *fakeHistory) Recent(limit int) ([]types.GenerationRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.recs[:min(limit, len(f.recs))], nil
}

func (f *fakeHistory) Get(id string) (types.GenerationRecord, error) {
	for _, r := range f.recs {
		if r.ID == id {
			return r, nil
		}
	}
	return types.GenerationRecord{}, errNoRows
}

type fakeCatalog struct{ models []types.Model }

func (f *fakeCatalog) Refresh() error        { return nil }
func (f *fakeCatalog) Models() []types.Model { return f.models }

func newCore(t *testing.T, be backend.Backend, load bool) *Core {
	t.Helper()
	o := generation.New(generation.Config{Backend: be, Threads: 1})
	t.Cleanup(func() { _ = o.Close() })
	if load {
		if err := o.Load(context.Background(), types.LoadRequest{Model: "toy.gguf"}); err != nil {
			t.Fatalf("load: %v", err)
		}
	}
	return &Core{Orch: o, Catalog: &fakeCatalog{}, History: &fakeHistory{}}
}

func toy() backend.Backend { return backend.NewToy(backend.ToyOptions{EOGOdds: -1}) }

func postJSON(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeLines(t *testing.T, body string) []types.GenerateEvent {
	t.Helper()
	var out []types.GenerateEvent
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		var ev types.GenerateEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("bad ndjson line %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

func waitGenerating(t *testing.T, c *Core) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !c.Orch.Generating() {
		if time.Now().After(deadline) {
			t.Fatalf("generation never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestModelsHandler(t *testing.T) {
	c := newCore(t, toy(), false)
	c.Catalog = &fakeCatalog{models: []types.Model{{ID: "m1"}, {ID: "m2"}}}
	w := httptest.NewRecorder()
	NewMux(c).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/models", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var body types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Models) != 2 {
		t.Fatalf("models len=%d", len(body.Models))
	}
}

func TestStatusAndReadiness(t *testing.T) {
	c := newCore(t, toy(), false)
	h := NewMux(c)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before load: %d", w.Code)
	}

	w = postJSON(h, "/load", `{"model":"toy.gguf","context_length":512}`)
	if w.Code != http.StatusOK {
		t.Fatalf("load status=%d body=%s", w.Code, w.Body.String())
	}
	var st types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !st.Loaded || st.ModelID != "toy.gguf" || st.ContextLength != 512 || st.Backend != "CPU" || st.NThreads != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("readyz after load: %d", w.Code)
	}

	w = postJSON(h, "/unload", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("unload status=%d", w.Code)
	}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	st = types.StatusResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if st.Loaded || st.ModelID != "" {
		t.Fatalf("still loaded after unload: %+v", st)
	}
}

func TestLoadErrors(t *testing.T) {
	c := newCore(t, toy(), false)
	h := NewMux(c)
	if w := postJSON(h, "/load", `{"model":""}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty model: %d", w.Code)
	}
	if w := postJSON(h, "/load", `{"model":"toy.gguf","prompt_format":"klingon"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad format: %d", w.Code)
	}

	// Without the llama build tag this is a stub whose Load reports the
	// runtime as unavailable.
	stub, err := backend.New("llama")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c2 := newCore(t, stub, false)
	if backend.IsUnavailable(stub.Load(context.Background(), "x", backend.LoadOptions{})) {
		if w := postJSON(NewMux(c2), "/load", `{"model":"x.gguf"}`); w.Code != http.StatusServiceUnavailable {
			t.Fatalf("unavailable runtime: %d body=%s", w.Code, w.Body.String())
		}
	}
}

func TestGenerateStreams(t *testing.T) {
	c := newCore(t, toy(), true)
	w := postJSON(NewMux(c), "/generate", `{"prompt":"the sea","max_tokens":5,"seed":7}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%s", ct)
	}
	id := w.Header().Get("X-Generation-ID")
	evs := decodeLines(t, w.Body.String())
	if len(evs) != 7 {
		t.Fatalf("expected started+5 tokens+completed, got %d: %+v", len(evs), evs)
	}
	if evs[0].Event != "started" || evs[0].ID != id {
		t.Fatalf("first line: %+v", evs[0])
	}
	var text strings.Builder
	for i, ev := range evs[1:6] {
		if ev.Event != "token" || ev.Tokens != i+1 || ev.ID != id {
			t.Fatalf("token line %d: %+v", i, ev)
		}
		text.WriteString(ev.Token)
	}
	last := evs[6]
	if last.Event != "completed" || last.Text != text.String() || last.Tokens != 5 {
		t.Fatalf("completed line: %+v (want text %q)", last, text.String())
	}

	_ = c.Orch.Wait(context.Background())
	r := httptest.NewRecorder()
	NewMux(c).ServeHTTP(r, httptest.NewRequest(http.MethodGet, "/generations/"+id, nil))
	var st types.HandleStatus
	if err := json.Unmarshal(r.Body.Bytes(), &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	if r.Code != http.StatusOK || st.Status != "completed" || st.Text != text.String() || st.TokensGenerated != 5 {
		t.Fatalf("snapshot: %d %+v", r.Code, st)
	}
}

func TestGenerateStopSequences(t *testing.T) {
	c := newCore(t, toy(), true)
	h := NewMux(c)
	const prompt = `"prompt":"the quiet river","max_tokens":40,"seed":1`
	base := decodeLines(t, postJSON(h, "/generate", "{"+prompt+"}").Body.String())
	_ = c.Orch.Wait(context.Background())
	if len(base) != 42 || base[41].Tokens != 40 {
		t.Fatalf("baseline: %d lines, last %+v", len(base), base[len(base)-1])
	}
	stop := base[3].Token

	for _, key := range []string{"stop_sequences", "stop"} {
		body := fmt.Sprintf(`{%s,%q:[%q]}`, prompt, key, stop)
		w := postJSON(h, "/generate", body)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status=%d body=%s", key, w.Code, w.Body.String())
		}
		evs := decodeLines(t, w.Body.String())
		_ = c.Orch.Wait(context.Background())
		last := evs[len(evs)-1]
		if last.Event != "completed" || last.Tokens > 3 || !strings.HasSuffix(last.Text, stop) {
			t.Fatalf("%s: stop %q not honoured: %+v", key, stop, last)
		}
	}
}

func TestGenerateSamplingOverrides(t *testing.T) {
	rb := &recordingBackend{Backend: toy()}
	c := newCore(t, rb, true)
	h := NewMux(c)

	w := postJSON(h, "/generate", `{"prompt":"hi","max_tokens":2,"temperature":0,"top_k":0,"repeat_penalty":1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	_ = c.Orch.Wait(context.Background())
	got := rb.lastSampling()
	if got.Temperature != 0 || got.TopK != 0 || got.RepeatPenalty != 1 || got.TopP != generation.DefaultTopP {
		t.Fatalf("explicit zeros replaced: %+v", got)
	}

	postJSON(h, "/generate", `{"prompt":"hi","max_tokens":2}`)
	_ = c.Orch.Wait(context.Background())
	got = rb.lastSampling()
	if got.Temperature != generation.DefaultTemperature || got.TopK != generation.DefaultTopK {
		t.Fatalf("defaults not applied: %+v", got)
	}
}

func TestGenerateRejections(t *testing.T) {
	unloaded := newCore(t, toy(), false)
	if w := postJSON(NewMux(unloaded), "/generate", `{"prompt":"hi"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("no model: %d", w.Code)
	}

	c := newCore(t, toy(), true)
	h := NewMux(c)
	cases := []struct {
		body string
		want int
	}{
		{`{"prompt":""}`, http.StatusBadRequest},
		{`{"prompt":"hi","max_tokens":-1}`, http.StatusBadRequest},
		{"not-json", http.StatusBadRequest},
	}
	for _, tc := range cases {
		w := postJSON(h, "/generate", tc.body)
		if w.Code != tc.want {
			t.Fatalf("%s: status=%d want %d", tc.body, w.Code, tc.want)
		}
		var e types.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil || e.Code != tc.want || e.Error == "" {
			t.Fatalf("%s: error body %q", tc.body, w.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("media type: %d", w.Code)
	}

	big := bytes.Repeat([]byte("a"), (1<<20)+10)
	req = httptest.NewRequest(http.MethodPost, "/generate", bytes.NewReader(big))
	req.Header.Set("Content-Type", "Application/JSON; charset=utf-8")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too-large body, got %d", w.Code)
	}
}

func TestGenerateBusyAndCancel(t *testing.T) {
	g := &gatedBackend{Backend: toy(), gate: make(chan struct{})}
	c := newCore(t, g, true)
	srv := httptest.NewServer(NewMux(c))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/generate", "application/json", strings.NewReader(`{"prompt":"wait","max_tokens":50}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	id := resp.Header.Get("X-Generation-ID")
	waitGenerating(t, c)

	if w := postJSON(NewMux(c), "/generate", `{"prompt":"me too"}`); w.Code != http.StatusConflict {
		t.Fatalf("busy: status=%d", w.Code)
	}

	w := postJSON(NewMux(c), "/generations/not-"+id+"/cancel", `{}`)
	var cr types.CancelResponse
	_ = json.Unmarshal(w.Body.Bytes(), &cr)
	if cr.CancelRequested {
		t.Fatalf("mismatched id must not cancel")
	}
	w = postJSON(NewMux(c), "/generations/"+id+"/cancel", `{}`)
	cr = types.CancelResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &cr)
	if w.Code != http.StatusOK || !cr.CancelRequested || cr.ID != id {
		t.Fatalf("cancel: %d %+v", w.Code, cr)
	}
	close(g.gate)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	evs := decodeLines(t, string(body))
	last := evs[len(evs)-1]
	if last.Event != "cancelled" {
		t.Fatalf("last event: %+v", last)
	}
	if last.Tokens > 1 {
		t.Fatalf("at most one token may land after cancel, got %d", last.Tokens)
	}
}

func TestGenerateClientDisconnectCancels(t *testing.T) {
	g := &gatedBackend{Backend: toy(), gate: make(chan struct{})}
	c := newCore(t, g, true)
	srv := httptest.NewServer(NewMux(c))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/generate", strings.NewReader(`{"prompt":"bye","max_tokens":50}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	id := resp.Header.Get("X-Generation-ID")
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || !strings.Contains(line, `"started"`) {
		t.Fatalf("first line %q err=%v", line, err)
	}
	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		h, ok := c.Orch.Handle(id)
		if ok && h.CancelRequested() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("disconnect did not cancel generation %s", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(g.gate)
	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if err := c.Orch.Wait(wctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	h, _ := c.Orch.Handle(id)
	if h.Status() != generation.StatusCancelled {
		t.Fatalf("status=%s", h.Status())
	}
}

func TestGenerationsFromHistory(t *testing.T) {
	c := newCore(t, toy(), false)
	c.History = &fakeHistory{recs: []types.GenerationRecord{
		{ID: "b", Status: "completed", TokensGenerated: 10, ElapsedSeconds: 2},
		{ID: "a", Status: "error", Error: "decode failed"},
	}}
	h := NewMux(c)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/generations?limit=1", nil))
	var list types.GenerationsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list.Generations) != 1 || list.Generations[0].ID != "b" {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/generations?limit=zero", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/generations/b", nil))
	var st types.HandleStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.Status != "completed" || st.TokensPerSecond != 5 {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/generations/zzz", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", w.Code)
	}

	c.History = &fakeHistory{err: errors.New("disk on fire")}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/generations", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("history error: %d", w.Code)
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(config.CORS{Enabled: true, AllowedOrigins: []string{"*"}})
	defer SetCORSOptions(config.CORS{})

	h := NewMux(newCore(t, toy(), false))
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected CORS header Access-Control-Allow-Origin to be set, got empty")
	}
}

func TestHealthzAndSwagger(t *testing.T) {
	h := NewMux(newCore(t, toy(), false))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz=%d", w.Code)
	}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("swagger doc=%d", w.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("doc is not JSON: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/generate"]; !ok {
		t.Fatalf("doc missing /generate: %v", paths)
	}
}
