package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rogers-f/synthesis-engine/internal/bridge"
	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/driver"
	"github.com/rogers-f/synthesis-engine/internal/guard"
	"github.com/rogers-f/synthesis-engine/internal/logging"
	"github.com/rogers-f/synthesis-engine/internal/persist"
	"github.com/rogers-f/synthesis-engine/internal/provider"
	"github.com/rogers-f/synthesis-engine/internal/router"
	"github.com/rogers-f/synthesis-engine/internal/store"
	"github.com/rogers-f/synthesis-engine/internal/workflow"
)

type testEnv struct {
	Handler   *Handler
	Mux       http.Handler
	StatePath string
}

// newTestEnv wires the full stack against a temp SQLite database and state
// file. invoke answers every model call.
func newTestEnv(t *testing.T, invoke func(call provider.Call) (provider.Response, error)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := store.NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("create db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	gov := workflow.NewUsageGovernor(db, "p1", 0)
	machine := workflow.NewMachine(workflow.Options{Gates: workflow.NewPhaseGateRegistry(gov)})
	statePath := filepath.Join(dir, "state.json")

	reg := provider.NewRegistry()
	for _, alias := range router.Aliases {
		if err := reg.Register(provider.Binding{
			Alias: alias,
			Model: "model-" + string(alias),
			Invoker: provider.InvokerFunc(func(ctx context.Context, call provider.Call) (provider.Response, error) {
				return invoke(call)
			}),
		}); err != nil {
			t.Fatalf("register %s: %v", alias, err)
		}
	}
	planner := router.NewPlanner(
		router.NewRouter(router.DefaultThresholds()),
		router.NewBudgetAnalyzer(router.NewCapabilityTable(nil), nil, router.DefaultTruncationOrder()),
	)
	g := guard.NewGuard(gov, guard.GuardConfig{RateLimitPerMinute: 1000})
	br := bridge.NewBridge(planner, reg, g, gov, db, "p1", logging.Nop())

	orch := workflow.NewOrchestrator(machine, workflow.OrchestratorOptions{
		Store:     persist.NewFileStore(statePath),
		Hooks:     []workflow.BoundaryHook{workflow.NewArchiveHook(db, "p1"), br.BoundaryHook()},
		Recorders: []workflow.TransitionRecorder{workflow.NewStoreRecorder(db, "p1")},
		Logger:    logging.Nop(),
	})
	orch.Start()
	t.Cleanup(orch.Stop)

	h := &Handler{
		Orchestrator: orch,
		Planner:      planner,
		Driver:       driver.New(br, orch, driver.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, logging.Nop()),
		Governor:     gov,
		Codec:        persist.NewCodec(),
		DB:           db,
		PipelineID:   "p1",
		EventRepo:    &store.EventRepo{},
		AuditRepo:    &store.AuditRepo{},
		UsageRepo:    &store.UsageRepo{},
		RoutingRepo:  &store.RoutingRepo{},
		Logger:       logging.Nop(),
		PollInterval: 10 * time.Millisecond,
	}
	return &testEnv{Handler: h, Mux: Routes(h), StatePath: statePath}
}

func answer(call provider.Call) (provider.Response, error) {
	return provider.Response{
		Text:  "ok: " + call.Prompt,
		Usage: domain.TokenUsage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
	}, nil
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	e.Mux.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, answer)
	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decode[map[string]string](t, w); got["pipeline_id"] != "p1" {
		t.Errorf("pipeline_id = %q, want p1", got["pipeline_id"])
	}
}

func TestGetState_IsStateDocument(t *testing.T) {
	env := newTestEnv(t, answer)
	w := env.do(t, http.MethodGet, "/api/v1/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	doc, err := persist.NewCodec().Unmarshal(w.Body.Bytes())
	if err != nil {
		t.Fatalf("state body should be a valid state document: %v", err)
	}
	if doc.Snapshot.State.Phase != domain.PhaseIgnition {
		t.Errorf("phase = %q, want Ignition", doc.Snapshot.State.Phase)
	}
}

func TestAdvance_NextPhase(t *testing.T) {
	env := newTestEnv(t, answer)

	w := env.do(t, http.MethodPost, "/api/v1/advance", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	ev := decode[map[string]any](t, w)
	if ev["from"] != "Ignition" || ev["to"] != "Structuring" {
		t.Errorf("boundary = %v", ev)
	}

	doc, err := persist.NewFileStore(env.StatePath).Load()
	if err != nil {
		t.Fatalf("Load state file: %v", err)
	}
	if doc.Snapshot.State.Phase != domain.PhaseStructuring {
		t.Errorf("persisted phase = %q, want Structuring", doc.Snapshot.State.Phase)
	}
	if !doc.Snapshot.HasArtifact(domain.ArtifactSpec) {
		t.Error("Ignition artifacts should be persisted")
	}

	events := decode[[]eventView](t, env.do(t, http.MethodGet, "/api/v1/events", ""))
	if len(events) != 1 || events[0].EventType != "phase_boundary" {
		t.Errorf("events = %+v, want one phase_boundary", events)
	}
}

func TestAdvance_ExplicitIllegalPhase(t *testing.T) {
	env := newTestEnv(t, answer)
	w := env.do(t, http.MethodPost, "/api/v1/advance", `{"phase":"Verification"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[APIError](t, w); got.Code != domain.ErrInvalidTransition.Code {
		t.Errorf("code = %d, want %d", got.Code, domain.ErrInvalidTransition.Code)
	}
}

func TestAdvance_UnknownPhase(t *testing.T) {
	env := newTestEnv(t, answer)
	w := env.do(t, http.MethodPost, "/api/v1/advance", `{"phase":"Nowhere"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestComplete_NotFinalPhase(t *testing.T) {
	env := newTestEnv(t, answer)
	w := env.do(t, http.MethodPost, "/api/v1/complete", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestBlockingLifecycle(t *testing.T) {
	env := newTestEnv(t, answer)
	ctx := context.Background()

	rec, err := env.Handler.Orchestrator.EnterBlocking(ctx, "which layout?", []string{"flat", "nested"}, nil)
	if err != nil {
		t.Fatalf("EnterBlocking: %v", err)
	}

	list := decode[[]BlockingView](t, env.do(t, http.MethodGet, "/api/v1/blocking?open=true", ""))
	if len(list) != 1 || list[0].ID != rec.ID || list[0].Resolved {
		t.Fatalf("open blocking = %+v", list)
	}

	w := env.do(t, http.MethodPost, "/api/v1/advance", "")
	if w.Code != http.StatusConflict {
		t.Errorf("advance while blocked: expected 409, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/blocking/"+rec.ID+"/resolve", `{"answer":""}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty answer: expected 400, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/v1/blocking/blk-nope/resolve", `{"answer":"flat"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/blocking/"+rec.ID+"/resolve", `{"answer":"flat"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resolved := decode[BlockingView](t, w)
	if !resolved.Resolved || resolved.Answer != "flat" {
		t.Errorf("resolved = %+v", resolved)
	}

	open := decode[[]BlockingView](t, env.do(t, http.MethodGet, "/api/v1/blocking?open=true", ""))
	if len(open) != 0 {
		t.Errorf("open after resolve = %d, want 0", len(open))
	}
	all := decode[[]BlockingView](t, env.do(t, http.MethodGet, "/api/v1/blocking", ""))
	if len(all) != 1 {
		t.Errorf("records are kept after resolve, got %d", len(all))
	}

	audits := decode[[]auditView](t, env.do(t, http.MethodGet, "/api/v1/audit", ""))
	if len(audits) != 2 {
		t.Errorf("audits = %d, want open+resolve", len(audits))
	}
	blocking := decode[[]auditView](t, env.do(t, http.MethodGet, "/api/v1/audit?category=blocking", ""))
	if len(blocking) != 2 || blocking[0].Category != domain.AuditBlocking {
		t.Errorf("blocking audits = %+v", blocking)
	}
	escalations := decode[[]auditView](t, env.do(t, http.MethodGet, "/api/v1/audit?category=escalation", ""))
	if len(escalations) != 0 {
		t.Errorf("escalation audits = %d, want 0", len(escalations))
	}
	if w := env.do(t, http.MethodGet, "/api/v1/audit?category=misc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("unknown category: expected 400, got %d", w.Code)
	}
}

func TestRetry(t *testing.T) {
	env := newTestEnv(t, answer)
	ctx := context.Background()

	if w := env.do(t, http.MethodPost, "/api/v1/retry", ""); w.Code != http.StatusConflict {
		t.Errorf("retry while active: expected 409, got %d", w.Code)
	}
	if err := env.Handler.Orchestrator.FailPhase(ctx, "flaky", "server", true, nil); err != nil {
		t.Fatalf("FailPhase: %v", err)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/retry", ""); w.Code != http.StatusNoContent {
		t.Fatalf("retry: expected 204, got %d: %s", w.Code, w.Body.String())
	}
	snap, _ := env.Handler.Orchestrator.Snapshot(ctx)
	if !snap.State.Substate.IsActive() {
		t.Errorf("substate = %s, want Active", snap.State.Substate.Kind)
	}
}

func TestSetProgress(t *testing.T) {
	env := newTestEnv(t, answer)
	if w := env.do(t, http.MethodPut, "/api/v1/progress", "not json"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid body: expected 400, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPut, "/api/v1/progress", `{"done":3}`); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	snap, _ := env.Handler.Orchestrator.Snapshot(context.Background())
	if string(snap.PhaseProgress[domain.PhaseIgnition]) != `{"done":3}` {
		t.Errorf("progress = %s", snap.PhaseProgress[domain.PhaseIgnition])
	}
}

func TestRoute_DryRun(t *testing.T) {
	env := newTestEnv(t, answer)
	w := env.do(t, http.MethodPost, "/api/v1/route", `{"taskType":"implement","signatureComplexity":6}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decode[router.RoutingResult](t, w)
	if got.ModelAlias != router.AliasStructurer || got.UpgradeRule != router.RuleComplexityThreshold {
		t.Errorf("route = %+v", got)
	}
}

func TestBudget_DryRunReject(t *testing.T) {
	env := newTestEnv(t, answer)
	body := `{"signals":{"taskType":"implement"},"request":{"text":"` + strings.Repeat("word ", 20000) + `"}}`
	w := env.do(t, http.MethodPost, "/api/v1/budget", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := decode[BudgetResponse](t, w)
	if got.Error == "" {
		t.Error("expected rejection message")
	}
	if len(got.Plan.Trail) == 0 {
		t.Error("expected a strategy trail")
	}

	decisions := decode[[]routingView](t, env.do(t, http.MethodGet, "/api/v1/routing", ""))
	if len(decisions) != 0 {
		t.Errorf("dry runs must not be recorded, got %d", len(decisions))
	}
}

func TestRunTask_Success(t *testing.T) {
	env := newTestEnv(t, answer)
	w := env.do(t, http.MethodPost, "/api/v1/tasks", `{"signals":{"taskType":"implement"},"request":{"text":"write add"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := decode[TaskResponse](t, w)
	if got.Text != "ok: write add" || got.Alias != router.AliasWorker || got.Usage.TotalTokens != 6 {
		t.Errorf("task = %+v", got)
	}

	usage := decode[UsageSummary](t, env.do(t, http.MethodGet, "/api/v1/usage", ""))
	if usage.UsedTokens != 6 || len(usage.Deltas) != 1 {
		t.Errorf("usage = %+v", usage)
	}
	decisions := decode[[]routingView](t, env.do(t, http.MethodGet, "/api/v1/routing", ""))
	if len(decisions) != 1 || decisions[0].FinalAlias != "worker" {
		t.Errorf("routing = %+v", decisions)
	}
}

func TestRunTask_ExhaustionBlocks(t *testing.T) {
	env := newTestEnv(t, func(call provider.Call) (provider.Response, error) {
		return provider.Response{}, errors.New("upstream returned 503")
	})
	w := env.do(t, http.MethodPost, "/api/v1/tasks", `{"signals":{"taskType":"implement"},"request":{"text":"write add"}}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	got := decode[TaskResponse](t, w)
	if got.Blocked == nil || !strings.HasPrefix(got.Blocked.Query, "tier exhausted") {
		t.Fatalf("blocked = %+v", got.Blocked)
	}
	if got.Escalations != 3 {
		t.Errorf("escalations = %d, want 3", got.Escalations)
	}

	w = env.do(t, http.MethodPost, "/api/v1/tasks", `{"request":{"text":"again"}}`)
	if w.Code != http.StatusConflict {
		t.Errorf("task while blocked: expected 409, got %d", w.Code)
	}
}

func TestRunTask_MissingRequest(t *testing.T) {
	env := newTestEnv(t, answer)
	if w := env.do(t, http.MethodPost, "/api/v1/tasks", `{"signals":{}}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestRunTask_NegativeBlockTimeout(t *testing.T) {
	env := newTestEnv(t, func(call provider.Call) (provider.Response, error) {
		return provider.Response{}, errors.New("upstream returned 503")
	})
	w := env.do(t, http.MethodPost, "/api/v1/tasks", `{"request":{"text":"write add"},"block_timeout_ms":-1}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[APIError](t, w); got.Code != domain.ErrInvalidTimeout.Code {
		t.Errorf("code = %d, want %d", got.Code, domain.ErrInvalidTimeout.Code)
	}

	snap, _ := env.Handler.Orchestrator.Snapshot(context.Background())
	if !snap.State.Substate.IsActive() {
		t.Errorf("substate = %s, want Active", snap.State.Substate.Kind)
	}
	if _, err := persist.NewFileStore(env.StatePath).Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("state file must stay loadable: %v", err)
	}
}

func TestStreamEvents_SSE_FirstBatch(t *testing.T) {
	env := newTestEnv(t, answer)
	if w := env.do(t, http.MethodPost, "/api/v1/advance", ""); w.Code != http.StatusOK {
		t.Fatalf("advance: %d", w.Code)
	}

	// Use a cancellable context so the SSE handler returns.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.Handler.StreamEvents(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %s", ct)
	}
	if !strings.Contains(w.Body.String(), "phase_boundary") {
		t.Errorf("expected boundary event in stream, got %q", w.Body.String())
	}
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t, answer)
	srv := NewServer(env.Handler, ":0")

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/state", nil)
	w := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin *")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for OPTIONS, got %d", w.Code)
	}
}

func TestFormatListenURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":9800", "http://127.0.0.1:9800"},
		{"0.0.0.0:8080", "http://127.0.0.1:8080"},
		{"localhost:9800", "http://localhost:9800"},
		{"[::]:9800", "http://127.0.0.1:9800"},
		{"example", "http://example"},
	}
	for _, tt := range tests {
		if got := FormatListenURL(tt.addr); got != tt.want {
			t.Errorf("FormatListenURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
