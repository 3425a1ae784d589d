package httpapi

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"localllm/internal/generation"
	"localllm/pkg/types"
)

const (
	defaultGenerationsLimit = 20
	maxGenerationsLimit     = 500
)

// NewMux builds the HTTP handler for svc.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: orDefault(corsAllowedOrigins, []string{"*"}),
			AllowedMethods: orDefault(corsAllowedMethods, []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: orDefault(corsAllowedHeaders, []string{"Content-Type", "X-Log-Level"}),
			ExposedHeaders: []string{"X-Generation-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		models := svc.ListModels()
		if models == nil {
			models = []types.Model{}
		}
		writeJSON(w, types.ModelsResponse{Models: models})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	})

	r.Post("/load", func(w http.ResponseWriter, r *http.Request) {
		var req types.LoadRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if err := svc.Load(ctx, req); err != nil {
			if ev := reqEvent(r, zerolog.WarnLevel); ev != nil {
				ev.Str("model", req.Model).Err(err).Msg("load failed")
			}
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, svc.Status())
	})

	r.Post("/unload", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Unload(); err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, svc.Status())
	})

	r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		streamGeneration(svc, w, r, generation.RequestFromAPI(req))
	})

	r.Get("/generations", func(w http.ResponseWriter, r *http.Request) {
		limit := defaultGenerationsLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxGenerationsLimit)
		}
		recs, err := svc.Generations(limit)
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, types.GenerationsResponse{Generations: recs})
	})

	r.Get("/generations/{id}", func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Generation(chi.URLParam(r, "id"))
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, st)
	})

	r.Post("/generations/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		writeJSON(w, types.CancelResponse{ID: id, CancelRequested: svc.Cancel(id)})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no model loaded"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	return r
}

// decodeJSON enforces the content type and body cap and decodes into v. It
// writes the error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// Oversized bodies also land here; keep the message generic.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// streamGeneration starts req and writes the handle's events as NDJSON until
// the terminal event. A client disconnect or server shutdown cancels the
// generation.
func streamGeneration(svc Service, w http.ResponseWriter, r *http.Request, req generation.Request) {
	h := svc.Generate(req)
	if err := h.Err(); err != nil {
		if ev := reqEvent(r, zerolog.InfoLevel); ev != nil && requestLogLevel(r) >= LevelError {
			ev.Err(err).Msg("generate rejected")
		}
		writeJSONError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Generation-ID", h.ID())
	w.WriteHeader(http.StatusOK)
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}

	lvl := requestLogLevel(r)
	out := io.Writer(w)
	if lvl >= LevelDebug {
		out = io.MultiWriter(w, &loggingLineWriter{id: h.ID()})
	}
	start := time.Now()
	if lvl >= LevelInfo {
		if ev := reqEvent(r, zerolog.InfoLevel); ev != nil {
			ev.Str("handle", h.ID()).Int("max_tokens", req.MaxTokens).Msg("generate start")
		} else {
			log.Printf("generate start handle=%s", h.ID())
		}
	}

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	enc := json.NewEncoder(out)
	send := func(e types.GenerateEvent) error {
		if err := enc.Encode(e); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
		return nil
	}

	if err := send(types.GenerateEvent{Event: "started", ID: h.ID()}); err != nil {
		abandon(svc, h, r, err)
		return
	}
	for {
		ev, err := h.Events().Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			abandon(svc, h, r, err)
			return
		}
		if err := send(wireEvent(h, ev)); err != nil {
			abandon(svc, h, r, err)
			return
		}
	}

	if lvl >= LevelInfo {
		if ev := reqEvent(r, zerolog.InfoLevel); ev != nil {
			ev.Str("handle", h.ID()).Str("status", h.Status().String()).
				Int("tokens", h.TokensGenerated()).Dur("dur", time.Since(start)).Msg("generate end")
		} else {
			log.Printf("generate end handle=%s status=%s dur=%s", h.ID(), h.Status(), time.Since(start))
		}
	}
}

// abandon cancels a generation whose stream can no longer be written.
func abandon(svc Service, h *generation.Handle, r *http.Request, cause error) {
	svc.Cancel(h.ID())
	streamDisconnects.Inc()
	if ev := reqEvent(r, zerolog.InfoLevel); ev != nil {
		ev.Str("handle", h.ID()).AnErr("cause", cause).Msg("generate stream abandoned")
	}
}

func wireEvent(h *generation.Handle, ev generation.Event) types.GenerateEvent {
	out := types.GenerateEvent{Event: ev.Kind.String(), ID: ev.HandleID, Tokens: ev.Tokens}
	switch ev.Kind {
	case generation.EventToken:
		out.Token = ev.Text
	case generation.EventCompleted:
		out.Text = ev.Text
	case generation.EventError:
		out.Error = ev.Text
	}
	if ev.Kind.Terminal() {
		out.Tokens = h.TokensGenerated()
		out.TokensPerSecond = h.TokensPerSecond()
	}
	return out
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
