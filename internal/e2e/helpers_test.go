package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"localllm/internal/backend"
	"localllm/internal/generation"
	"localllm/internal/httpapi"
	"localllm/internal/journal"
	"localllm/internal/registry"
	"localllm/pkg/types"
)

// createTempModelsDir creates a temporary directory populated with small
// .gguf files and returns its path.
func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte("gguf"), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir
}

type stack struct {
	srv     *httptest.Server
	orch    *generation.Orchestrator
	journal *journal.Store
}

func newStack(t *testing.T, modelsDir string, be backend.Backend) *stack {
	t.Helper()
	reg, err := registry.New(modelsDir)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	o := generation.New(generation.Config{Backend: be, Resolver: reg, Threads: 1, Publisher: j})
	srv := httptest.NewServer(httpapi.NewMux(&httpapi.Core{Orch: o, Catalog: reg, History: j}))
	t.Cleanup(func() {
		srv.Close()
		_ = o.Close()
		_ = j.Close()
	})
	return &stack{srv: srv, orch: o, journal: j}
}

func (s *stack) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(s.srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (s *stack) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// generate runs one streamed generation and returns its events.
func (s *stack) generate(t *testing.T, req types.GenerateRequest) (int, []types.GenerateEvent) {
	t.Helper()
	resp, body := s.post(t, "/generate", req)
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	var evs []types.GenerateEvent
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var ev types.GenerateEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		evs = append(evs, ev)
	}
	return resp.StatusCode, evs
}

func (s *stack) idle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.orch.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	s.journal.Flush()
}
