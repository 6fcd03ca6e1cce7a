package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/polychat/sandbox-worker/pkg/models"
)

func TestNew(t *testing.T) {
	c := New("http://127.0.0.1:8330", "")
	if c.BaseURL != "http://127.0.0.1:8330" || c.APIKey != "" {
		t.Errorf("New: %+v", c)
	}
	c2 := New("http://127.0.0.1:8330", "secret")
	if c2.APIKey != "secret" {
		t.Errorf("New with key: %+v", c2)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	ok, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !ok {
		t.Fatal("Health: expected ok true")
	}
}

func TestHealth_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"down"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if _, err := c.Health(context.Background()); err == nil {
		t.Fatal("expected error from 503")
	}
}

func TestClient_setsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "mykey")
	_, _ = c.Health(context.Background())
	if gotKey != "mykey" {
		t.Errorf("X-API-Key: got %q", gotKey)
	}
}

func TestCreateRun_tokensInHeadersOnly(t *testing.T) {
	var gotUser, gotGitHub string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/runs" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		gotUser = r.Header.Get("X-User-Token")
		gotGitHub = r.Header.Get("X-GitHub-Token")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"run_id":"r1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	runID, err := c.CreateRun(context.Background(),
		models.TaskParams{Repo: "acme/widgets", Task: "fix it"},
		models.TaskSecrets{UserToken: "ut", GitHubToken: "ght"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if runID != "r1" {
		t.Errorf("run id = %q", runID)
	}
	if gotUser != "ut" || gotGitHub != "ght" {
		t.Errorf("token headers = %q / %q", gotUser, gotGitHub)
	}
	var body map[string]any
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	for k := range body {
		if k == "user_token" || k == "github_token" {
			t.Errorf("token field %q leaked into the JSON body", k)
		}
	}
}

func TestGetRunAndList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/runs/r1":
			json.NewEncoder(w).Encode(models.Run{RunID: "r1"})
		case "/v1/runs":
			if r.URL.Query().Get("limit") != "3" {
				t.Errorf("limit = %q", r.URL.Query().Get("limit"))
			}
			json.NewEncoder(w).Encode([]models.Run{{RunID: "r2"}, {RunID: "r1"}})
		default:
			t.Errorf("path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	run, err := c.GetRun(context.Background(), "r1")
	if err != nil || run.RunID != "r1" {
		t.Fatalf("GetRun: %v %+v", err, run)
	}
	runs, err := c.ListRuns(context.Background(), 3)
	if err != nil || len(runs) != 2 {
		t.Fatalf("ListRuns: %v %d", err, len(runs))
	}
}

func TestControlTransitions(t *testing.T) {
	var paths []string
	var pauseReason string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/v1/runs/r1/pause" {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			pauseReason = body["reason"]
		}
		w.Write([]byte(`{"state":"running"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	ctx := context.Background()
	if err := c.Pause(ctx, "r1", "operator"); err != nil {
		t.Fatal(err)
	}
	if err := c.Resume(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Cancel(ctx, "r1", "enough"); err != nil {
		t.Fatal(err)
	}
	want := []string{"/v1/runs/r1/pause", "/v1/runs/r1/resume", "/v1/runs/r1/cancel"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
	if pauseReason != "operator" {
		t.Errorf("pause reason = %q", pauseReason)
	}
}

func TestStreamEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("run_id") != "r1" {
			t.Errorf("run_id = %q", r.URL.Query().Get("run_id"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"type\":\"connected\"}\n\n"))
		w.Write([]byte("data: {\"type\":\"task_started\",\"run_id\":\"r1\"}\n\n"))
		w.Write([]byte(": keepalive\n\n"))
		w.Write([]byte("data: {\"type\":\"agent_finished\",\"run_id\":\"r1\"}\n\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	var types []string
	err := c.StreamEvents(context.Background(), "r1", func(ev models.Event) error {
		types = append(types, ev.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamEvents: %v", err)
	}
	if len(types) != 2 || types[0] != "task_started" || types[1] != "agent_finished" {
		t.Errorf("types = %v", types)
	}
}
