package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestWithHome_HomeFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, ok := HomeFrom(ctx); ok {
		t.Fatal("expected no home in empty context")
	}
	ctx = WithHome(ctx, "/foo/bar")
	got, ok := HomeFrom(ctx)
	if !ok || got != "/foo/bar" {
		t.Fatalf("HomeFrom: got %q, ok=%v; want /foo/bar, true", got, ok)
	}
}

func TestMustHomeFrom_panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when home missing")
		}
	}()
	MustHomeFrom(context.Background())
}

func TestResolveHome_override(t *testing.T) {
	t.Parallel()
	got, err := ResolveHome("/custom/home")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/custom/home") {
		t.Fatalf("ResolveHome: got %q", got)
	}
}

func TestResolveHome_env(t *testing.T) {
	t.Setenv("SANDBOX_WORKER_HOME", "/env/home")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/env/home") {
		t.Fatalf("ResolveHome from env: got %q", got)
	}
}

func TestResolveHome_default(t *testing.T) {
	t.Setenv("SANDBOX_WORKER_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("UserHomeDir: %v", err)
	}
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	want := filepath.Join(home, ".sandbox-worker")
	if got != want {
		t.Fatalf("ResolveHome default: got %q, want %q", got, want)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.Model.BaseURL != DefaultModelBaseURL || cfg.Model.Name != DefaultModelName {
		t.Errorf("model defaults = %+v", cfg.Model)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	home := t.TempDir()
	var cfg Config
	cfg.ListenAddr = "127.0.0.1:9999"
	cfg.Model.BaseURL = "https://llm.internal"
	cfg.Model.Name = "local-model"
	cfg.Budgets.MaxAgentSteps = 10
	if err := Save(home, &cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("listen_addr = %q", loaded.ListenAddr)
	}
	if loaded.Model.BaseURL != "https://llm.internal" || loaded.Model.Name != "local-model" {
		t.Errorf("model = %+v", loaded.Model)
	}
	if loaded.Budgets.MaxAgentSteps != 10 {
		t.Errorf("max_agent_steps = %d", loaded.Budgets.MaxAgentSteps)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("listen_addr: [not, a, string"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverridesModelKey(t *testing.T) {
	t.Setenv("SANDBOX_WORKER_MODEL_API_KEY", "from-env")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.APIKey != "from-env" {
		t.Errorf("model api key = %q", cfg.Model.APIKey)
	}
}
