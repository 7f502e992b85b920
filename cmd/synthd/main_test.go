package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/ipc"
	"github.com/rogers-f/synthesis-engine/internal/persist"
	"github.com/rogers-f/synthesis-engine/internal/router"
	"github.com/rogers-f/synthesis-engine/internal/workflow"
)

// writeConfig writes a YAML config into a temp dir and points SYNTH_CONFIG
// at it.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `models:
  worker:
    provider: command
    command: "true"
routing:
  token_threshold: 100
` + extra
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(configEnv, path)
	return dir
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp().WithOutput(&out, &errOut)
	app.root.SetIn(strings.NewReader(stdin))
	err := app.ExecuteWithArgs(context.Background(), args)
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "synthd dev") {
		t.Errorf("output = %q", out)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(configEnv, "/env/config.yaml")
	if got := resolveConfigPath("/flag/config.json"); got != "/flag/config.json" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := resolveConfigPath(""); got != "/env/config.yaml" {
		t.Errorf("env should be used, got %q", got)
	}
}

func TestRoute_UsesConfigThresholds(t *testing.T) {
	writeConfig(t, "")
	out, err := run(t, "", "route", "--task", "implement", "--input-tokens", "150")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	var got router.RoutingResult
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.ModelAlias != router.AliasStructurer || got.UpgradeRule != router.RuleTokenThreshold {
		t.Errorf("route = %+v, want structurer via token threshold", got)
	}
}

func TestBudget_PlainTextFromStdin(t *testing.T) {
	writeConfig(t, "")
	out, err := run(t, "implement the add function", "budget")
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	var got budgetOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.Error != "" || !got.Plan.Analysis.WithinBudget {
		t.Errorf("plan = %+v", got)
	}
	if got.Plan.FinalAlias() != router.AliasWorker {
		t.Errorf("alias = %s, want worker", got.Plan.FinalAlias())
	}
}

func TestBudget_RejectReported(t *testing.T) {
	writeConfig(t, `capabilities:
  "*":
    max_input_tokens: 10
    max_output_tokens: 10
`)
	out, err := run(t, strings.Repeat("word ", 500), "budget")
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	var got budgetOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.Error == "" {
		t.Error("expected an overflow rejection")
	}
}

func TestBudget_EmptyPrompt(t *testing.T) {
	writeConfig(t, "")
	if _, err := run(t, "  \n", "budget"); err == nil {
		t.Error("expected error for empty prompt")
	}
}

func TestStatus(t *testing.T) {
	dir := writeConfig(t, "")

	out, err := run(t, "", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "pipeline not started") {
		t.Errorf("status without state = %q", out)
	}

	m := workflow.NewMachine(workflow.Options{})
	if _, err := m.EnterBlocking("pick a layout", []string{"flat", "nested"}, nil); err != nil {
		t.Fatalf("EnterBlocking: %v", err)
	}
	statePath := filepath.Join(dir, ".synth", "state.json")
	if err := persist.NewFileStore(statePath).Save(context.Background(), m.Snapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err = run(t, "", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"phase:     Ignition", "substate:  Blocking", "pick a layout", "options: flat, nested", "1 open, 1 total"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestValidate_StateFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	bad := filepath.Join(dir, "bad.json")
	if err := persist.NewFileStore(good).Save(context.Background(), workflow.NewMachine(workflow.Options{}).Snapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(bad, []byte(`{"version":"1.0.0","phase":"Nowhere"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := run(t, "", "validate", good)
	if err != nil {
		t.Fatalf("validate good: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ok (version") {
		t.Errorf("output = %q", out)
	}

	out, err = run(t, "", "validate", good, bad)
	if err == nil {
		t.Fatal("expected error for invalid state file")
	}
	if !strings.Contains(out, bad) {
		t.Errorf("output should name the bad file: %q", out)
	}
}

func TestValidate_ConfigWithoutState(t *testing.T) {
	writeConfig(t, "")
	out, err := run(t, "", "validate")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "config ok") || !strings.Contains(out, "not present") {
		t.Errorf("output = %q", out)
	}
}

func TestResolve_PostsAnswer(t *testing.T) {
	var gotPath, gotAnswer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var req ipc.ResolveRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotAnswer = req.Answer
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ipc.BlockingView{ID: "blk-1", Phase: "Ignition", Resolved: true, Answer: req.Answer})
	}))
	defer srv.Close()

	out, err := run(t, "", "resolve", "blk-1", "flat", "--addr", srv.URL)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if gotPath != "/api/v1/blocking/blk-1/resolve" || gotAnswer != "flat" {
		t.Errorf("request = %s %q", gotPath, gotAnswer)
	}
	if !strings.Contains(out, "resolved blk-1") {
		t.Errorf("output = %q", out)
	}
}

func TestRetry_ReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ipc.APIError{Code: domain.ErrInvalidTransition.Code, Message: "retry requires Failed"})
	}))
	defer srv.Close()

	_, err := run(t, "", "retry", "--addr", srv.URL)
	if err == nil || !strings.Contains(err.Error(), "retry requires Failed") {
		t.Fatalf("err = %v, want API message", err)
	}
}
