// Package bridge is the single call site for model invocations. It plans
// routing and overflow handling, applies the guard, dispatches through a
// per-alias circuit breaker and records usage, routing and audit rows.
package bridge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/google/uuid"

	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/guard"
	"github.com/rogers-f/synthesis-engine/internal/logging"
	"github.com/rogers-f/synthesis-engine/internal/provider"
	"github.com/rogers-f/synthesis-engine/internal/router"
	"github.com/rogers-f/synthesis-engine/internal/store"
	"github.com/rogers-f/synthesis-engine/internal/workflow"
)

// BreakerConfig controls the per-alias circuit breakers.
type BreakerConfig struct {
	// Threshold is the consecutive failures that open a breaker.
	Threshold int
	// Cooldown is how long a breaker stays open before probing again.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the standard breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second}
}

// Bridge is the integration layer between the phase driver and model backends.
type Bridge struct {
	Planner     *router.Planner
	Registry    *provider.Registry
	Guard       *guard.Guard
	Governor    *workflow.UsageGovernor
	AuditRepo   *store.AuditRepo
	RoutingRepo *store.RoutingRepo
	DB          *sql.DB
	PipelineID  string
	Breakers    BreakerConfig
	Logger      *bolt.Logger
	Now         func() time.Time

	mu       sync.RWMutex
	breakers map[router.ModelAlias]circuitbreaker.CircuitBreaker[provider.Response]

	cacheMu sync.Mutex
	cache   map[string]provider.Response
}

// NewBridge creates a Bridge. db may be nil, in which case routing and audit
// rows are not written.
func NewBridge(
	planner *router.Planner,
	reg *provider.Registry,
	g *guard.Guard,
	gov *workflow.UsageGovernor,
	db *sql.DB,
	pipelineID string,
	logger *bolt.Logger,
) *Bridge {
	return &Bridge{
		Planner:     planner,
		Registry:    reg,
		Guard:       g,
		Governor:    gov,
		AuditRepo:   &store.AuditRepo{},
		RoutingRepo: &store.RoutingRepo{},
		DB:          db,
		PipelineID:  pipelineID,
		Breakers:    DefaultBreakerConfig(),
		Logger:      logging.OrDefault(logger),
		Now:         time.Now,
		breakers:    make(map[router.ModelAlias]circuitbreaker.CircuitBreaker[provider.Response]),
		cache:       make(map[string]provider.Response),
	}
}

// Plan routes signals and fits req to a tier. The decision is recorded;
// a rejection is also written to the audit log.
func (b *Bridge) Plan(ctx context.Context, phase domain.Phase, signals router.RoutingSignals, req router.Request) (router.Plan, error) {
	plan, err := b.Planner.Plan(signals, req)

	if plan.Routing.WasUpgraded {
		logging.With(b.Logger.Info()).Add(
			logging.Component("bridge"),
			logging.Phase(string(phase)),
			logging.Alias(string(plan.Routing.ModelAlias)),
			logging.Reason(string(plan.Routing.UpgradeRule)),
		).Msg("routing upgraded")
	}
	for _, s := range plan.Trail {
		logging.With(b.Logger.Debug()).Add(
			logging.Component("bridge"),
			logging.Phase(string(phase)),
			logging.Tokens("estimated", plan.Analysis.EstimatedTokens),
			logging.Tokens("limit", plan.Analysis.MaxTokens),
			logging.Reason(s.String()),
		).Msg("overflow strategy")
	}

	b.recordRouting(ctx, phase, signals, plan)

	var overflow *router.OverflowError
	if errors.As(err, &overflow) {
		logging.With(b.Logger.Warn()).Add(
			logging.Component("bridge"),
			logging.Phase(string(phase)),
			logging.Tokens("estimated", overflow.Analysis.EstimatedTokens),
			logging.Tokens("limit", overflow.Analysis.MaxTokens),
			logging.ErrorField(err),
		).Msg("overflow rejected")
		b.audit(ctx, domain.AuditOverflow, "reject", "warn",
			map[string]any{"phase": phase, "signals": signals, "trail": plan.Trail},
			map[string]any{"analysis": overflow.Analysis, "strategy": overflow.Strategy})
	}
	return plan, err
}

// Invoke sends req to alias. Calls pass the guard first; an identical prompt
// sent to the same alias within a phase is answered from the phase cache.
func (b *Bridge) Invoke(ctx context.Context, phase domain.Phase, alias router.ModelAlias, req router.Request) (provider.Response, error) {
	binding, err := b.Registry.Get(alias)
	if err != nil {
		return provider.Response{}, err
	}
	prompt := req.Render()
	key := cacheKey(alias, binding.Model, prompt)
	if resp, ok := b.cached(key); ok {
		logging.With(b.Logger.Debug()).Add(
			logging.Component("bridge"),
			logging.Alias(string(alias)),
		).Msg("response served from phase cache")
		return resp, nil
	}

	if b.Guard != nil {
		if err := b.Guard.CheckAll(ctx, alias); err != nil {
			return provider.Response{}, err
		}
	}

	call := provider.Call{Alias: alias, Model: binding.Model, Prompt: prompt}
	resp, err := b.breaker(alias).Execute(ctx, func(ctx context.Context) (provider.Response, error) {
		r, err := binding.Invoker.Invoke(ctx, call)
		if err != nil {
			return provider.Response{}, provider.Classify(err)
		}
		return r, nil
	})
	if err != nil {
		var ie *provider.InvokeError
		if !errors.As(err, &ie) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = provider.Classify(ctxErr)
			} else {
				err = &provider.InvokeError{
					Kind:    provider.KindUnavailable,
					Message: fmt.Sprintf("circuit open for %s: %v", alias, err),
					Err:     err,
				}
			}
		}
		logging.With(b.Logger.Warn()).Add(
			logging.Component("bridge"),
			logging.Phase(string(phase)),
			logging.Alias(string(alias)),
			logging.ErrorField(err),
		).Msg("invocation failed")
		return provider.Response{}, err
	}

	if resp.Model == "" {
		resp.Model = binding.Model
	}
	b.recordUsage(ctx, phase, alias, resp)
	b.store(key, resp)

	logging.With(b.Logger.Info()).Add(
		logging.Component("bridge"),
		logging.Phase(string(phase)),
		logging.Alias(string(alias)),
		logging.Model(resp.Model),
		logging.Tokens("prompt_tokens", int(resp.Usage.PromptTokens)),
		logging.Tokens("completion_tokens", int(resp.Usage.CompletionTokens)),
		logging.LatencyMs(resp.Latency.Milliseconds()),
	).Msg("invocation complete")
	return resp, nil
}

// ClearContext drops every cached response.
func (b *Bridge) ClearContext() {
	b.cacheMu.Lock()
	n := len(b.cache)
	b.cache = make(map[string]provider.Response)
	b.cacheMu.Unlock()
	if n > 0 {
		logging.With(b.Logger.Debug()).Add(
			logging.Component("bridge"),
			logging.Tokens("entries", n),
		).Msg("phase cache cleared")
	}
}

// BoundaryHook clears the phase cache whenever a phase boundary is crossed.
func (b *Bridge) BoundaryHook() workflow.BoundaryHook {
	return workflow.BoundaryHookFunc(func(ctx context.Context, ev domain.BoundaryEvent, snap domain.Snapshot) error {
		b.ClearContext()
		return nil
	})
}

// BreakerState returns the breaker state for alias, or "closed" when no call
// has been made through it yet.
func (b *Bridge) BreakerState(alias router.ModelAlias) string {
	b.mu.RLock()
	cb, ok := b.breakers[alias]
	b.mu.RUnlock()
	if !ok {
		return "closed"
	}
	return cb.State().String()
}

// AuditEscalation records a tier escalation or exhaustion decided by the driver.
func (b *Bridge) AuditEscalation(ctx context.Context, phase domain.Phase, from, to router.ModelAlias, cause error) {
	action, severity := "escalate", "warn"
	if to == "" {
		action, severity = "exhausted", "error"
	}
	b.audit(ctx, domain.AuditEscalation, action, severity,
		map[string]any{"phase": phase, "from": from},
		map[string]any{"to": to, "cause": errString(cause)})
}

func (b *Bridge) breaker(alias router.ModelAlias) circuitbreaker.CircuitBreaker[provider.Response] {
	b.mu.RLock()
	cb, ok := b.breakers[alias]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[alias]; ok {
		return cb
	}

	threshold := b.Breakers.Threshold
	if threshold <= 0 {
		threshold = DefaultBreakerConfig().Threshold
	}
	cooldown := b.Breakers.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultBreakerConfig().Cooldown
	}
	cb = circuitbreaker.New[provider.Response](circuitbreaker.Config{
		MaxRequests: 1,
		Interval:    cooldown,
		Timeout:     cooldown,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold) // #nosec G115 -- threshold is positive
		},
	})
	b.breakers[alias] = cb
	return cb
}

func (b *Bridge) cached(key string) (provider.Response, bool) {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	resp, ok := b.cache[key]
	return resp, ok
}

func (b *Bridge) store(key string, resp provider.Response) {
	b.cacheMu.Lock()
	b.cache[key] = resp
	b.cacheMu.Unlock()
}

func (b *Bridge) recordUsage(ctx context.Context, phase domain.Phase, alias router.ModelAlias, resp provider.Response) {
	if b.Governor == nil {
		return
	}
	action, err := b.Governor.RecordUsage(ctx, domain.UsageDelta{
		Phase:            phase,
		ModelAlias:       string(alias),
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		LatencyMs:        resp.Latency.Milliseconds(),
		CreatedAt:        b.Now().Unix(),
	})
	if err != nil {
		logging.With(b.Logger.Error()).Add(
			logging.Component("bridge"),
			logging.ErrorField(err),
		).Msg("usage not recorded")
		return
	}
	if action != domain.UsageContinue {
		logging.With(b.Logger.Warn()).Add(
			logging.Component("bridge"),
			logging.Tokens("used", int(b.Governor.Used())),
			logging.Tokens("budget", int(b.Governor.Budget)),
			logging.Reason(string(action)),
		).Msg("token budget threshold reached")
	}
}

func (b *Bridge) recordRouting(ctx context.Context, phase domain.Phase, signals router.RoutingSignals, plan router.Plan) {
	if b.DB == nil {
		return
	}
	err := b.RoutingRepo.Record(ctx, b.DB, domain.RoutingDecision{
		PipelineID:    b.PipelineID,
		Phase:         phase,
		TaskType:      signals.TaskType,
		BaseAlias:     string(plan.Routing.BaseModel),
		ResultAlias:   string(plan.Routing.ModelAlias),
		UpgradeRule:   string(plan.Routing.UpgradeRule),
		InputTokens:   plan.Analysis.EstimatedTokens,
		Complexity:    signals.SignatureComplexity,
		FinalAlias:    string(plan.FinalAlias()),
		StrategyTrail: mustJSON(plan.Trail),
		CreatedAt:     b.Now().Unix(),
	})
	if err != nil {
		logging.With(b.Logger.Warn()).Add(
			logging.Component("bridge"),
			logging.ErrorField(err),
		).Msg("routing decision not recorded")
	}
}

func (b *Bridge) audit(ctx context.Context, category domain.AuditCategory, action, severity string, request, decision any) {
	if b.DB == nil {
		return
	}
	err := b.AuditRepo.Record(ctx, b.DB, domain.AuditRecord{
		ID:           uuid.NewString(),
		PipelineID:   b.PipelineID,
		Category:     category,
		Actor:        "bridge",
		Action:       action,
		RequestJSON:  mustJSON(request),
		DecisionJSON: mustJSON(decision),
		Severity:     severity,
		CreatedAt:    b.Now().Unix(),
	})
	if err != nil {
		logging.With(b.Logger.Warn()).Add(
			logging.Component("bridge"),
			logging.ErrorField(err),
		).Msg("audit record not written")
	}
}

func cacheKey(alias router.ModelAlias, model, prompt string) string {
	h := sha256.New()
	h.Write([]byte(alias))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// mustJSON marshals v to a JSON string, returning "{}" on error.
func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
