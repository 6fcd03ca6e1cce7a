package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/polychat/sandbox-worker/internal/llm"
	"github.com/polychat/sandbox-worker/internal/orchestrator"
	"github.com/polychat/sandbox-worker/internal/runstore"
	"github.com/polychat/sandbox-worker/internal/sandbox"
	"github.com/polychat/sandbox-worker/pkg/models"
)

// stubSandbox answers every command with success and reports one modified
// file, enough to carry a full run.
type stubSandbox struct{}

func (stubSandbox) Exec(_ context.Context, command string, _ sandbox.ExecOptions) (sandbox.ExecResult, error) {
	switch {
	case command == "ls -1A":
		return sandbox.ExecResult{Stdout: "main.go\n"}, nil
	case command == "git status --porcelain":
		return sandbox.ExecResult{Stdout: " M main.go\n"}, nil
	case command == "git diff --cached":
		return sandbox.ExecResult{Stdout: "diff --git a/main.go b/main.go\n"}, nil
	case command == "git rev-parse HEAD":
		return sandbox.ExecResult{Stdout: "abc1234\n"}, nil
	}
	return sandbox.ExecResult{}, nil
}
func (stubSandbox) GitCheckout(context.Context, sandbox.CheckoutParams) error { return nil }
func (stubSandbox) ReadFile(_ context.Context, p string) (string, error) {
	return "", &notFoundErr{p}
}
func (stubSandbox) WriteFile(context.Context, string, string) error { return nil }
func (stubSandbox) Exists(context.Context, string) (bool, error)    { return false, nil }
func (stubSandbox) WorkDir() string                                 { return "/tmp/stub" }
func (stubSandbox) Destroy(context.Context) error                   { return nil }

type notFoundErr struct{ path string }

func (e *notFoundErr) Error() string { return "no such file: " + e.path }

// finishModel plans once, then finishes.
type finishModel struct{}

func (finishModel) ChatCompletion(_ context.Context, req llm.Request) (string, error) {
	if len(req.Messages) == 2 {
		return "1. inspect\n2. finish", nil
	}
	return `{"action":"finish","summary":"Nothing to do."}`, nil
}

func newTestApp(t *testing.T, apiKey string) (*App, *runstore.Store) {
	t.Helper()
	store, err := runstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("runstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	hub := NewSSEHub()
	runner := NewRunner(RunnerOptions{
		Store: store,
		Orchestrator: orchestrator.Options{
			NewSandbox: func() (sandbox.Sandbox, error) { return stubSandbox{}, nil },
			Model:      finishModel{},
			ModelName:  "test-model",
		},
		Sink: hub,
	})
	app := NewApp(ServerOptions{
		Addr:   "127.0.0.1:0",
		APIKey: apiKey,
		Store:  store,
		Runner: runner,
		Hub:    hub,
	})
	return app, store
}

func waitForResult(t *testing.T, store *runstore.Store, runID string) models.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Result != nil {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not finish in time")
	return models.Run{}
}

func TestServerSmoke(t *testing.T) {
	t.Parallel()

	app, store := newTestApp(t, "")
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(ts.Close)

	r1, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if r1.StatusCode != 200 {
		t.Fatalf("/health status=%d", r1.StatusCode)
	}

	body := `{"repo":"acme/widgets","task":"fix the login crash","task_type":"bug-fix"}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/runs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Token", "gh-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /v1/runs status=%d", resp.StatusCode)
	}
	var created struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.RunID == "" {
		t.Fatal("missing run_id")
	}

	run := waitForResult(t, store, created.RunID)
	if !run.Result.Success {
		t.Fatalf("run failed: %+v", run.Result)
	}
	if !strings.Contains(run.Result.Summary, "Nothing to do.") {
		t.Errorf("summary = %q", run.Result.Summary)
	}
	// The stored params must never contain credentials.
	raw, _ := json.Marshal(run.Params)
	if strings.Contains(string(raw), "gh-token") {
		t.Error("token leaked into stored params")
	}

	r2, err := http.Get(ts.URL + "/v1/runs/" + created.RunID)
	if err != nil {
		t.Fatalf("GET run: %v", err)
	}
	if r2.StatusCode != 200 {
		t.Fatalf("GET run status=%d", r2.StatusCode)
	}

	r3, err := http.Get(ts.URL + "/v1/runs")
	if err != nil {
		t.Fatalf("GET runs: %v", err)
	}
	var runs []models.Run
	if err := json.NewDecoder(r3.Body).Decode(&runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}

	r4, err := http.Get(ts.URL + "/v1/runs/nope")
	if err != nil {
		t.Fatal(err)
	}
	if r4.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run status=%d", r4.StatusCode)
	}
}

func TestCreateRunValidation(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t, "")
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(ts.Close)

	for _, body := range []string{
		`{"repo":"acme/widgets"}`,
		`{"task":"do something"}`,
		`not json`,
	} {
		resp, err := http.Post(ts.URL+"/v1/runs", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status=%d, want 400", body, resp.StatusCode)
		}
	}
}

func TestControlEndpoints(t *testing.T) {
	t.Parallel()

	app, store := newTestApp(t, "")
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(ts.Close)

	if err := store.CreateRun(context.Background(), "r1", models.TaskParams{Repo: "a/b", Task: "t"}); err != nil {
		t.Fatal(err)
	}

	post := func(path, body string) *http.Response {
		t.Helper()
		resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	if resp := post("/v1/runs/r1/pause", `{"reason":"coffee"}`); resp.StatusCode != 200 {
		t.Fatalf("pause status=%d", resp.StatusCode)
	}
	r, err := http.Get(ts.URL + "/v1/runs/r1/control")
	if err != nil {
		t.Fatal(err)
	}
	var c models.RunControl
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		t.Fatal(err)
	}
	if c.State != models.RunStatePaused || c.Reason != "coffee" {
		t.Errorf("control = %+v", c)
	}

	if resp := post("/v1/runs/r1/resume", ""); resp.StatusCode != 200 {
		t.Fatalf("resume status=%d", resp.StatusCode)
	}
	if resp := post("/v1/runs/r1/cancel", `{"reason":"enough"}`); resp.StatusCode != 200 {
		t.Fatalf("cancel status=%d", resp.StatusCode)
	}
	// Cancelled is sticky.
	if resp := post("/v1/runs/r1/resume", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("resume after cancel status=%d, want 409", resp.StatusCode)
	}

	if resp := post("/v1/runs/ghost/pause", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("pause unknown run status=%d", resp.StatusCode)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t, "sekrit")
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(ts.Close)

	r1, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if r1.StatusCode != 200 {
		t.Errorf("/health status=%d, want open", r1.StatusCode)
	}

	r2, err := http.Get(ts.URL + "/v1/runs")
	if err != nil {
		t.Fatal(err)
	}
	if r2.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key status=%d, want 401", r2.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/runs", nil)
	req.Header.Set("X-API-Key", "sekrit")
	r3, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if r3.StatusCode != 200 {
		t.Errorf("with key status=%d", r3.StatusCode)
	}
}
