// Package registry discovers GGUF model files and resolves model references.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"localllm/internal/common/fsutil"
	"localllm/internal/generation"
	"localllm/internal/hwprobe"
	"localllm/pkg/types"
)

var quantRe = regexp.MustCompile(`(?i)(?:^|[-_.])((?:i?q\d+(?:_[a-z0-9]+)*)|f16|f32|bf16)(?:[-_.]|$)`)

// familyHints map file-name fragments to prompt formats, checked in order.
var familyHints = []struct {
	needle string
	family string
}{
	{"llama-3", "llama3"},
	{"llama3", "llama3"},
	{"mistral", "mistral"},
	{"mixtral", "mistral"},
	{"gemma", "gemma"},
	{"phi-3", "phi3"},
	{"phi3", "phi3"},
	{"qwen", "chatml"},
	{"hermes", "chatml"},
	{"chatml", "chatml"},
}

// DetectFamily guesses the prompt format from a model file name. Unknown
// names return "".
func DetectFamily(name string) string {
	n := strings.ToLower(filepath.Base(name))
	for _, h := range familyHints {
		if strings.Contains(n, h.needle) {
			return h.family
		}
	}
	return ""
}

// DetectQuant extracts the quantization tag (e.g. Q4_K_M) from a file name.
func DetectQuant(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	m := quantRe.FindStringSubmatch(base)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

// modelFor builds the registry entry for the file at abs.
func modelFor(abs string, size int64) types.Model {
	id := filepath.Base(abs)
	name := strings.TrimSuffix(id, filepath.Ext(id))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	m := types.Model{
		ID:        id,
		Name:      name,
		Path:      abs,
		Quant:     DetectQuant(id),
		Family:    DetectFamily(id),
		SizeBytes: size,
	}
	if est, err := hwprobe.EstimateMemoryUsage(abs); err == nil {
		m.EstMemoryBytes = est
	}
	return m
}

// LoadDir scans a directory for *.gguf files and builds a registry from filenames.
// ID is the full filename (including extension); Path is the absolute file path.
func LoadDir(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		var size int64
		if fi, err := e.Info(); err == nil {
			size = fi.Size()
		}
		models = append(models, modelFor(filepath.Join(abs, name), size))
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// Registry is a rescannable view of a models directory.
type Registry struct {
	dir string

	mu     sync.RWMutex
	models []types.Model
}

// New scans dir and returns a registry over it. A missing directory yields
// an empty registry so that path-based loads still work.
func New(dir string) (*Registry, error) {
	r := &Registry{dir: dir}
	if err := r.Refresh(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return r, nil
}

// Refresh rescans the directory.
func (r *Registry) Refresh() error {
	if r.dir == "" {
		return nil
	}
	models, err := LoadDir(r.dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.models = models
	r.mu.Unlock()
	return nil
}

// Models returns a copy of the known models.
func (r *Registry) Models() []types.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Model, len(r.models))
	copy(out, r.models)
	return out
}

// Resolve looks ref up by id, then by id without extension, then treats it
// as a path to a model file.
func (r *Registry) Resolve(ref string) (types.Model, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return types.Model{}, generation.ErrModelNotFound("(unspecified)")
	}
	r.mu.RLock()
	for _, m := range r.models {
		if m.ID == ref || strings.TrimSuffix(m.ID, filepath.Ext(m.ID)) == ref {
			r.mu.RUnlock()
			return m, nil
		}
	}
	r.mu.RUnlock()

	abs, err := fsutil.RegularFile(ref)
	if err != nil {
		return types.Model{}, generation.ErrModelNotFound(ref)
	}
	var size int64
	if fi, err := os.Stat(abs); err == nil {
		size = fi.Size()
	}
	return modelFor(abs, size), nil
}
