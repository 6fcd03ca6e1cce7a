// Package httpapi exposes the worker daemon's HTTP surface: run submission,
// run inspection, the polled control endpoint, and the SSE event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polychat/sandbox-worker/internal/runstore"
	"github.com/polychat/sandbox-worker/pkg/models"
)

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Addr           string
	APIKey         string       // if set, require X-API-Key header or query api_key
	Store          *runstore.Store
	Runner         *Runner
	Hub            *SSEHub
	MetricsHandler http.Handler // OTel Prometheus handler for /metrics
	UseOtelHTTP    bool         // wrap handler with otelhttp for request metrics
}

// App bundles the server with the hub and store it serves.
type App struct {
	Server *http.Server
	Hub    *SSEHub
	Store  *runstore.Store
	Runner *Runner
}

// NewApp registers all routes and builds the server.
func NewApp(opts ServerOptions) *App {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	}

	mux.HandleFunc("/v1/events", opts.Hub.Handler())

	mux.HandleFunc("/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleListRuns(w, r, opts.Store)
		case http.MethodPost:
			handleCreateRun(w, r, opts.Runner)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	// /v1/runs/{id} and /v1/runs/{id}/{action}
	mux.HandleFunc("/v1/runs/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
		parts := strings.Split(rest, "/")
		runID := parts[0]
		if runID == "" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}

		if len(parts) == 1 || parts[1] == "" {
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			handleGetRun(w, r, opts.Store, runID)
			return
		}

		switch parts[1] {
		case "control":
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			handleGetControl(w, r, opts.Store, runID)
		case "pause", "resume", "cancel":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			handleControlTransition(w, r, opts.Store, runID, parts[1])
		default:
			writeJSONError(w, http.StatusNotFound, "not found")
		}
	})

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "sandbox-worker")
	}

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // SSE connections stay open
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		_ = opts.Store.Close()
	})
	return &App{Server: srv, Hub: opts.Hub, Store: opts.Store, Runner: opts.Runner}
}

func handleCreateRun(w http.ResponseWriter, r *http.Request, runner *Runner) {
	var params models.TaskParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(params.Task) == "" {
		writeJSONError(w, http.StatusBadRequest, "task required")
		return
	}
	if strings.TrimSpace(params.Repo) == "" {
		writeJSONError(w, http.StatusBadRequest, "repo required")
		return
	}

	// Credentials travel in headers, never in the JSON body, so they cannot
	// end up in the stored params.
	secrets := models.TaskSecrets{
		UserToken:   r.Header.Get("X-User-Token"),
		GitHubToken: r.Header.Get("X-GitHub-Token"),
	}

	runID, err := runner.Start(r.Context(), params, secrets)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"run_id": runID})
}

func handleListRuns(w http.ResponseWriter, r *http.Request, store *runstore.Store) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := store.ListRuns(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, runs)
}

func handleGetRun(w http.ResponseWriter, r *http.Request, store *runstore.Store, runID string) {
	run, err := store.GetRun(r.Context(), runID)
	if errors.Is(err, runstore.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, run)
}

func handleGetControl(w http.ResponseWriter, r *http.Request, store *runstore.Store, runID string) {
	c, err := store.GetControl(r.Context(), runID)
	if errors.Is(err, runstore.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, c)
}

func handleControlTransition(w http.ResponseWriter, r *http.Request, store *runstore.Store, runID, action string) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body) // reason is optional
	}

	state := map[string]string{
		"pause":  models.RunStatePaused,
		"resume": models.RunStateRunning,
		"cancel": models.RunStateCancelled,
	}[action]

	err := store.SetControl(r.Context(), runID, models.RunControl{State: state, Reason: body.Reason})
	if errors.Is(err, runstore.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, map[string]any{"ok": true, "state": state})
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to
// prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseRecorder captures the status code for logging and forwards Flusher
// so SSE keeps working behind the middleware.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}
