package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/polychat/sandbox-worker/internal/control"
	"github.com/polychat/sandbox-worker/internal/events"
	"github.com/polychat/sandbox-worker/internal/llm"
	"github.com/polychat/sandbox-worker/internal/sandbox"
	"github.com/polychat/sandbox-worker/internal/taskerr"
	"github.com/polychat/sandbox-worker/pkg/models"
)

// runSandbox serves the orchestrator's git and exec traffic from canned
// results. Commands match by prefix; unmatched commands succeed silently.
type runSandbox struct {
	results   map[string]sandbox.ExecResult
	existing  map[string]bool
	executed  []string
	destroyed bool
}

func newRunSandbox() *runSandbox {
	return &runSandbox{
		results: map[string]sandbox.ExecResult{
			"ls -1A":                 {Stdout: "README.md\nmain.go\n"},
			"git status --porcelain": {Stdout: " M main.go\n"},
			"git diff --cached":      {Stdout: "diff --git a/main.go b/main.go\n"},
			"git rev-parse HEAD":     {Stdout: "abc1234\n"},
		},
		existing: map[string]bool{},
	}
}

func (f *runSandbox) Exec(_ context.Context, command string, _ sandbox.ExecOptions) (sandbox.ExecResult, error) {
	f.executed = append(f.executed, command)
	for prefix, res := range f.results {
		if strings.HasPrefix(command, prefix) {
			return res, nil
		}
	}
	return sandbox.ExecResult{ExitCode: 0}, nil
}

func (f *runSandbox) GitCheckout(context.Context, sandbox.CheckoutParams) error { return nil }
func (f *runSandbox) ReadFile(_ context.Context, p string) (string, error) {
	return "", &mockErr{"no such file: " + p}
}
func (f *runSandbox) WriteFile(context.Context, string, string) error { return nil }
func (f *runSandbox) Exists(_ context.Context, p string) (bool, error) {
	return f.existing[p], nil
}
func (f *runSandbox) WorkDir() string { return "/tmp/run" }
func (f *runSandbox) Destroy(context.Context) error {
	f.destroyed = true
	return nil
}

type mockErr struct{ msg string }

func (e *mockErr) Error() string { return e.msg }

// sequenceModel returns the scripted responses in order.
type sequenceModel struct {
	responses []string
	call      int
	err       error
}

func (m *sequenceModel) ChatCompletion(context.Context, llm.Request) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if m.call >= len(m.responses) {
		return `{"action":"finish","summary":"ran out of script"}`, nil
	}
	resp := m.responses[m.call]
	m.call++
	return resp, nil
}

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) Emit(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, ev.Type)
}

func (l *eventLog) has(t string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.types {
		if got == t {
			return true
		}
	}
	return false
}

func newOrchestrator(sb *runSandbox, model *sequenceModel, sink events.Sink) *Orchestrator {
	return New(Options{
		NewSandbox: func() (sandbox.Sandbox, error) { return sb, nil },
		Model:      model,
		ModelName:  "worker-default",
		Sink:       sink,
	})
}

func baseParams() models.TaskParams {
	return models.TaskParams{
		Repo:         "acme/widgets",
		Task:         "Fix null pointer in login",
		TaskType:     models.TaskTypeBugFix,
		ShouldCommit: true,
		RunID:        "run-12345678",
	}
}

func TestExecuteHappyPathCommits(t *testing.T) {
	sb := newRunSandbox()
	model := &sequenceModel{responses: []string{
		"1. reproduce\n2. fix\n3. validate with `go test ./...`",
		`{"action":"run_command","command":"go test ./..."}`,
		`{"action":"finish","summary":"Fixed the nil deref."}`,
	}}
	log := &eventLog{}

	res := newOrchestrator(sb, model, log).Execute(context.Background(), baseParams(), models.TaskSecrets{GitHubToken: "tok"})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.BranchName != "polychat/bug-fix/run-1234" {
		t.Errorf("branch = %q", res.BranchName)
	}
	if !strings.HasPrefix(res.Diff, "diff --git") {
		t.Errorf("diff = %q", res.Diff)
	}
	if !strings.Contains(res.Summary, "Fixed the nil deref.") {
		t.Errorf("summary = %q", res.Summary)
	}
	for _, want := range []string{
		events.TaskStarted, events.RepoCloneCompleted, events.GitBranchCreated,
		events.PlanningCompleted, events.QualityGateCompleted,
		events.DiffGenerated, events.CommitCreated, events.AgentFinished,
	} {
		if !log.has(want) {
			t.Errorf("missing event %s", want)
		}
	}
	if !sb.destroyed {
		t.Error("sandbox not destroyed")
	}
	if res.Logs == "" || !strings.Contains(res.Logs, "task_started") {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestExecuteGateFailureSkipsCommit(t *testing.T) {
	sb := newRunSandbox()
	sb.results["npm test"] = sandbox.ExecResult{ExitCode: 1, Stderr: "1 failing"}
	model := &sequenceModel{responses: []string{
		"Plan: validate with `npm test`.",
		`{"action":"finish","summary":"Changed nothing."}`,
	}}
	log := &eventLog{}

	res := newOrchestrator(sb, model, log).Execute(context.Background(), baseParams(), models.TaskSecrets{})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if log.has(events.CommitCreated) {
		t.Error("commit created despite failed gate")
	}
	if !log.has(events.CommitSkipped) {
		t.Error("missing commit_skipped")
	}
}

func TestExecuteCommitNotRequested(t *testing.T) {
	sb := newRunSandbox()
	model := &sequenceModel{responses: []string{
		"Plan: just finish.",
		`{"action":"finish","summary":"Done."}`,
	}}
	log := &eventLog{}
	params := baseParams()
	params.ShouldCommit = false

	res := newOrchestrator(sb, model, log).Execute(context.Background(), params, models.TaskSecrets{})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if log.has(events.CommitCreated) {
		t.Error("unexpected commit")
	}
	if !log.has(events.CommitSkipped) {
		t.Error("missing commit_skipped")
	}
}

func TestExecuteEmptyTaskFailsValidation(t *testing.T) {
	sb := newRunSandbox()
	log := &eventLog{}
	params := baseParams()
	params.Task = "   "

	res := newOrchestrator(sb, &sequenceModel{}, log).Execute(context.Background(), params, models.TaskSecrets{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorType != taskerr.TypeValidation {
		t.Errorf("error type = %q", res.ErrorType)
	}
	if !log.has(events.TaskFailed) {
		t.Error("missing task_failed")
	}
	if len(sb.executed) != 0 {
		t.Errorf("commands ran for an invalid task: %v", sb.executed)
	}
}

func TestExecutePlanningErrorIsClassified(t *testing.T) {
	sb := newRunSandbox()
	model := &sequenceModel{err: &taskerr.APIError{Status: 500, Msg: "upstream down", Retryable: true}}
	log := &eventLog{}

	res := newOrchestrator(sb, model, log).Execute(context.Background(), baseParams(), models.TaskSecrets{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorType != taskerr.TypeModelRequest {
		t.Errorf("error type = %q", res.ErrorType)
	}
	if !sb.destroyed {
		t.Error("sandbox must be destroyed on failure")
	}
	if !log.has(events.TaskFailed) {
		t.Error("missing task_failed")
	}
}

func TestExecuteAbortedRunIsCancelled(t *testing.T) {
	sb := newRunSandbox()
	log := &eventLog{}
	ctrl := control.New(control.Options{})
	ctrl.Abort("operator stop")

	orch := New(Options{
		NewSandbox: func() (sandbox.Sandbox, error) { return sb, nil },
		Model:      &sequenceModel{},
		NewController: func(models.TaskParams, *events.Emitter) *control.Controller {
			return ctrl
		},
		Sink: log,
	})
	res := orch.Execute(context.Background(), baseParams(), models.TaskSecrets{})
	if res.Success {
		t.Fatal("expected cancellation")
	}
	if res.ErrorType != taskerr.TypeCancelled {
		t.Errorf("error type = %q", res.ErrorType)
	}
	if !log.has(events.TaskCancelled) {
		t.Error("missing task_cancelled")
	}
	if log.has(events.TaskFailed) {
		t.Error("cancelled run must not also emit task_failed")
	}
	if !sb.destroyed {
		t.Error("sandbox must be destroyed on cancellation")
	}
}
