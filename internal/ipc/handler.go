// Package ipc provides the operator HTTP API for the synthesis engine.
package ipc

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/felixgeelhaar/bolt/v3"

	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/driver"
	"github.com/rogers-f/synthesis-engine/internal/logging"
	"github.com/rogers-f/synthesis-engine/internal/persist"
	"github.com/rogers-f/synthesis-engine/internal/provider"
	"github.com/rogers-f/synthesis-engine/internal/router"
	"github.com/rogers-f/synthesis-engine/internal/store"
	"github.com/rogers-f/synthesis-engine/internal/workflow"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Orchestrator *workflow.Orchestrator
	Planner      *router.Planner
	Driver       *driver.Driver
	Governor     *workflow.UsageGovernor
	Codec        *persist.Codec
	DB           *sql.DB
	PipelineID   string
	EventRepo    *store.EventRepo
	AuditRepo    *store.AuditRepo
	UsageRepo    *store.UsageRepo
	RoutingRepo  *store.RoutingRepo
	Logger       *bolt.Logger
	// PollInterval is how often the event stream checks for new events.
	PollInterval time.Duration
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ResolveRequest is the body for POST /api/v1/blocking/{id}/resolve.
type ResolveRequest struct {
	Answer string `json:"answer"`
}

// AdvanceRequest is the body for POST /api/v1/advance. An empty phase
// advances to the next phase in order.
type AdvanceRequest struct {
	Phase domain.Phase `json:"phase"`
}

// BudgetRequest is the body for POST /api/v1/budget.
type BudgetRequest struct {
	Signals router.RoutingSignals `json:"signals"`
	Request router.Request        `json:"request"`
}

// BudgetResponse is a dry-run plan. Error is set when the plan was rejected.
type BudgetResponse struct {
	Plan  router.Plan `json:"plan"`
	Error string      `json:"error,omitempty"`
}

// TaskRequest is the body for POST /api/v1/tasks.
type TaskRequest struct {
	Signals        router.RoutingSignals `json:"signals"`
	Request        router.Request        `json:"request"`
	BlockTimeoutMs *int64                `json:"block_timeout_ms,omitempty"`
}

// TaskResponse reports the outcome of a driven task.
type TaskResponse struct {
	Text        string                    `json:"text,omitempty"`
	Alias       router.ModelAlias         `json:"alias,omitempty"`
	Model       string                    `json:"model,omitempty"`
	Attempts    int                       `json:"attempts"`
	Escalations int                       `json:"escalations"`
	Usage       usageView                 `json:"usage"`
	Blocked     *BlockingView             `json:"blocked,omitempty"`
	Failed      bool                      `json:"failed"`
	Error       string                    `json:"error,omitempty"`
	Trail       []router.OverflowStrategy `json:"trail"`
}

// BlockingView is the API shape of a blocking record.
type BlockingView struct {
	ID         string     `json:"id"`
	Phase      string     `json:"phase"`
	Query      string     `json:"query"`
	Options    []string   `json:"options,omitempty"`
	BlockedAt  time.Time  `json:"blockedAt"`
	TimeoutMs  *int64     `json:"timeoutMs,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	Overdue    bool       `json:"overdue"`
	Resolved   bool       `json:"resolved"`
	Answer     string     `json:"answer,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// UsageSummary is the response for GET /api/v1/usage.
type UsageSummary struct {
	UsedTokens   int64              `json:"used_tokens"`
	BudgetTokens int64              `json:"budget_tokens"`
	Action       domain.UsageAction `json:"action"`
	Deltas       []deltaView        `json:"deltas"`
}

type usageView struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type deltaView struct {
	Phase            domain.Phase `json:"phase"`
	ModelAlias       string       `json:"model_alias"`
	Model            string       `json:"model"`
	PromptTokens     int64        `json:"prompt_tokens"`
	CompletionTokens int64        `json:"completion_tokens"`
	LatencyMs        int64        `json:"latency_ms"`
	CreatedAt        int64        `json:"created_at"`
}

type eventView struct {
	SeqNo     int64           `json:"seq_no"`
	Phase     domain.Phase    `json:"phase"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

type auditView struct {
	ID        string               `json:"id"`
	Category  domain.AuditCategory `json:"category"`
	Actor     string               `json:"actor"`
	Action    string               `json:"action"`
	Request   json.RawMessage      `json:"request"`
	Decision  json.RawMessage      `json:"decision"`
	Severity  string               `json:"severity"`
	CreatedAt int64                `json:"created_at"`
}

type routingView struct {
	Phase       domain.Phase    `json:"phase"`
	TaskType    string          `json:"task_type"`
	BaseAlias   string          `json:"base_alias"`
	ResultAlias string          `json:"result_alias"`
	UpgradeRule string          `json:"upgrade_rule,omitempty"`
	InputTokens int             `json:"input_tokens"`
	Complexity  float64         `json:"complexity"`
	FinalAlias  string          `json:"final_alias"`
	Trail       json.RawMessage `json:"trail"`
	CreatedAt   int64           `json:"created_at"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "pipeline_id": h.PipelineID})
}

// GetState handles GET /api/v1/state. The body is the state document as it
// would be written to disk.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Orchestrator.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := h.codec().Marshal(snap)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ListBlocking handles GET /api/v1/blocking?open=true.
func (h *Handler) ListBlocking(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Orchestrator.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	openOnly := r.URL.Query().Get("open") == "true"
	now := time.Now()
	out := []BlockingView{}
	for _, rec := range snap.BlockingQueries {
		if openOnly && rec.Resolved {
			continue
		}
		out = append(out, toBlockingView(rec, now))
	}
	writeJSON(w, http.StatusOK, out)
}

// ResolveBlocking handles POST /api/v1/blocking/{id}/resolve.
func (h *Handler) ResolveBlocking(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Answer == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "answer is required"})
		return
	}

	rec, err := h.Orchestrator.ResolveBlocking(r.Context(), id, req.Answer)
	if err != nil {
		writeError(w, err)
		return
	}
	logging.With(h.logger().Info()).Add(
		logging.Component("ipc"),
		logging.BlockingID(id),
	).Msg("blocking query resolved by operator")
	writeJSON(w, http.StatusOK, toBlockingView(rec, time.Now()))
}

// Retry handles POST /api/v1/retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.Retry(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Advance handles POST /api/v1/advance.
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
			return
		}
	}
	target := req.Phase
	if target == "" {
		snap, err := h.Orchestrator.Snapshot(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		next, ok := workflow.NextPhase(snap.State.Phase)
		if !ok {
			writeError(w, domain.NewEngineError(domain.ErrInvalidTransition.Code,
				fmt.Sprintf("%s is the final phase; use complete", snap.State.Phase)))
			return
		}
		target = next
	}

	ev, err := h.Orchestrator.AdvancePhase(r.Context(), target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, boundaryView(ev))
}

// Complete handles POST /api/v1/complete.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	ev, err := h.Orchestrator.Complete(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, boundaryView(ev))
}

// SetProgress handles PUT /api/v1/progress. The body is stored verbatim as
// the current phase's progress record.
func (h *Handler) SetProgress(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || !json.Valid(raw) {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "body must be valid JSON"})
		return
	}
	if err := h.Orchestrator.SetProgress(r.Context(), raw); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Route handles POST /api/v1/route, a dry run of the routing decision.
func (h *Handler) Route(w http.ResponseWriter, r *http.Request) {
	var signals router.RoutingSignals
	if err := json.NewDecoder(r.Body).Decode(&signals); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	writeJSON(w, http.StatusOK, h.Planner.Router.Route(signals))
}

// Budget handles POST /api/v1/budget, a dry run of routing plus overflow
// planning. Nothing is recorded.
func (h *Handler) Budget(w http.ResponseWriter, r *http.Request) {
	var req BudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	plan, err := h.Planner.Plan(req.Signals, req.Request)
	resp := BudgetResponse{Plan: plan}
	if err != nil {
		var overflow *router.OverflowError
		if !errors.As(err, &overflow) {
			writeError(w, err)
			return
		}
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// RunTask handles POST /api/v1/tasks. The task runs in the current phase
// through the driver; blocking and failure outcomes are reported in the
// body with status 409.
func (h *Handler) RunTask(w http.ResponseWriter, r *http.Request) {
	if h.Driver == nil {
		writeError(w, domain.ErrBridgeNotReady)
		return
	}
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Request.Text == "" && req.Request.Prompt == nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "request text or prompt is required"})
		return
	}
	if req.BlockTimeoutMs != nil && *req.BlockTimeoutMs < 0 {
		writeError(w, domain.ErrInvalidTimeout)
		return
	}

	out, err := h.Driver.Execute(r.Context(), driver.Task{
		Signals:        req.Signals,
		Request:        req.Request,
		BlockTimeoutMs: req.BlockTimeoutMs,
	})
	if err != nil && out.Blocked == nil && !out.Failed {
		writeError(w, err)
		return
	}

	resp := TaskResponse{
		Text:        out.Response.Text,
		Alias:       out.Alias,
		Model:       out.Response.Model,
		Attempts:    out.Attempts,
		Escalations: out.Escalations,
		Usage: usageView{
			PromptTokens:     out.Response.Usage.PromptTokens,
			CompletionTokens: out.Response.Usage.CompletionTokens,
			TotalTokens:      out.Response.Usage.TotalTokens,
		},
		Failed: out.Failed,
		Trail:  out.Plan.Trail,
	}
	if resp.Trail == nil {
		resp.Trail = []router.OverflowStrategy{}
	}
	status := http.StatusOK
	if out.Blocked != nil {
		v := toBlockingView(*out.Blocked, time.Now())
		resp.Blocked = &v
	}
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

// GetUsage handles GET /api/v1/usage.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	deltas, err := h.UsageRepo.ListByPipeline(r.Context(), h.DB, h.PipelineID)
	if err != nil {
		writeError(w, err)
		return
	}
	summary := UsageSummary{Deltas: make([]deltaView, 0, len(deltas)), Action: domain.UsageContinue}
	for _, d := range deltas {
		summary.Deltas = append(summary.Deltas, deltaView(d))
	}
	if h.Governor != nil {
		summary.UsedTokens = h.Governor.Used()
		summary.BudgetTokens = h.Governor.Budget
		summary.Action = h.Governor.Check()
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListAudit handles GET /api/v1/audit. An optional category query
// parameter narrows the list to one domain.AuditCategory.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	var (
		records []domain.AuditRecord
		err     error
	)
	if c := r.URL.Query().Get("category"); c != "" {
		category := domain.AuditCategory(c)
		if !domain.IsKnownAuditCategory(category) {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "unknown audit category " + strconv.Quote(c)})
			return
		}
		records, err = h.AuditRepo.ListByCategory(r.Context(), h.DB, h.PipelineID, category)
	} else {
		records, err = h.AuditRepo.ListByPipeline(r.Context(), h.DB, h.PipelineID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]auditView, 0, len(records))
	for _, rec := range records {
		out = append(out, auditView{
			ID:        rec.ID,
			Category:  rec.Category,
			Actor:     rec.Actor,
			Action:    rec.Action,
			Request:   rawOrEmpty(rec.RequestJSON),
			Decision:  rawOrEmpty(rec.DecisionJSON),
			Severity:  rec.Severity,
			CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListRouting handles GET /api/v1/routing.
func (h *Handler) ListRouting(w http.ResponseWriter, r *http.Request) {
	decisions, err := h.RoutingRepo.ListByPipeline(r.Context(), h.DB, h.PipelineID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]routingView, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, routingView{
			Phase:       d.Phase,
			TaskType:    d.TaskType,
			BaseAlias:   d.BaseAlias,
			ResultAlias: d.ResultAlias,
			UpgradeRule: d.UpgradeRule,
			InputTokens: d.InputTokens,
			Complexity:  d.Complexity,
			FinalAlias:  d.FinalAlias,
			Trail:       rawOrEmpty(d.StrategyTrail),
			CreatedAt:   d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListEvents handles GET /api/v1/events?since_seq=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}

	events, err := h.EventRepo.ListByPipeline(r.Context(), h.DB, h.PipelineID, sinceSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventView(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

// StreamEvents handles GET /api/v1/events/stream (SSE).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send initial batch of events.
	events, err := h.EventRepo.ListByPipeline(r.Context(), h.DB, h.PipelineID, 0)
	if err != nil {
		writeSSEError(w, flusher, err)
		return
	}
	for _, ev := range events {
		writeSSEEvent(w, flusher, ev)
	}
	if len(events) == 0 {
		flusher.Flush()
	}

	// Poll for new events.
	lastSeq := int64(0)
	if len(events) > 0 {
		lastSeq = events[len(events)-1].SeqNo
	}

	interval := h.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx := r.Context()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newEvents, err := h.EventRepo.ListByPipeline(ctx, h.DB, h.PipelineID, lastSeq)
			if err != nil {
				return
			}
			for _, ev := range newEvents {
				writeSSEEvent(w, flusher, ev)
				lastSeq = ev.SeqNo
			}
		}
	}
}

func (h *Handler) codec() *persist.Codec {
	if h.Codec == nil {
		return persist.NewCodec()
	}
	return h.Codec
}

func (h *Handler) logger() *bolt.Logger {
	return logging.OrDefault(h.Logger)
}

func toBlockingView(rec domain.BlockingRecord, now time.Time) BlockingView {
	v := BlockingView{
		ID:         rec.ID,
		Phase:      string(rec.Phase),
		Query:      rec.Query,
		Options:    rec.Options,
		BlockedAt:  rec.BlockedAt,
		TimeoutMs:  rec.TimeoutMs,
		Resolved:   rec.Resolved,
		Answer:     rec.Answer,
		ResolvedAt: rec.ResolvedAt,
	}
	if dl, ok := rec.Deadline(); ok {
		v.Deadline = &dl
		v.Overdue = !rec.Resolved && now.After(dl)
	}
	return v
}

func boundaryView(ev domain.BoundaryEvent) map[string]any {
	artifacts := make([]string, 0, len(ev.Artifacts))
	for _, a := range ev.Artifacts {
		artifacts = append(artifacts, string(a))
	}
	return map[string]any{
		"from":      ev.From,
		"to":        ev.To,
		"repair":    ev.Repair,
		"artifacts": artifacts,
		"at":        ev.At,
	}
}

func toEventView(ev domain.ProtocolEvent) eventView {
	return eventView{
		SeqNo:     ev.SeqNo,
		Phase:     ev.Phase,
		EventType: ev.EventType,
		Payload:   rawOrEmpty(ev.PayloadJSON),
		CreatedAt: ev.CreatedAt,
	}
}

func rawOrEmpty(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var ie *provider.InvokeError
	if errors.As(err, &ie) {
		writeJSON(w, http.StatusBadGateway, APIError{Code: domain.ErrInvocationFailed.Code, Message: ie.Error()})
		return
	}
	var pe *persist.Error
	if errors.As(err, &pe) {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: domain.ErrStoreWrite.Code, Message: pe.Error()})
		return
	}
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrUnknownBlockingID.Code:
			status = http.StatusNotFound
		case domain.ErrInvalidTimeout.Code:
			status = http.StatusBadRequest
		case domain.ErrBudgetExceeded.Code:
			status = http.StatusForbidden
		case domain.ErrRateLimitExceeded.Code:
			status = http.StatusTooManyRequests
		case domain.ErrInvalidTransition.Code, domain.ErrPipelineComplete.Code, domain.ErrPipelineBlocked.Code:
			status = http.StatusConflict
		case domain.ErrPhaseGateFailed.Code, domain.ErrInvalidPhase.Code,
			domain.ErrOverflowRejected.Code, domain.ErrUnsupportedFormat.Code, domain.ErrChunkingUnsupported.Code:
			status = http.StatusUnprocessableEntity
		case domain.ErrOrchestratorDown.Code, domain.ErrBridgeNotReady.Code:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.ProtocolEvent) {
	data, _ := json.Marshal(toEventView(ev))
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.SeqNo, data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
