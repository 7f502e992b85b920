// Package driver executes model calls on behalf of the current phase and
// maps their outcomes onto protocol transitions.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/felixgeelhaar/fortify/retry"

	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/logging"
	"github.com/rogers-f/synthesis-engine/internal/provider"
	"github.com/rogers-f/synthesis-engine/internal/router"
)

// errPermanent marks an error the retry loop must not repeat.
var errPermanent = errors.New("permanent failure")

// Failure codes written into Failed substates.
const (
	CodeBudgetExceeded = "budget_exceeded"
	CodePlanFailed     = "plan_failed"
)

// Caller is the call-site surface the driver needs. *bridge.Bridge
// satisfies it.
type Caller interface {
	Plan(ctx context.Context, phase domain.Phase, signals router.RoutingSignals, req router.Request) (router.Plan, error)
	Invoke(ctx context.Context, phase domain.Phase, alias router.ModelAlias, req router.Request) (provider.Response, error)
	AuditEscalation(ctx context.Context, phase domain.Phase, from, to router.ModelAlias, cause error)
}

// StateMachine is the protocol surface the driver drives.
// *workflow.Orchestrator satisfies it.
type StateMachine interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	EnterBlocking(ctx context.Context, query string, options []string, timeoutMs *int64) (domain.BlockingRecord, error)
	FailPhase(ctx context.Context, msg, code string, recoverable bool, details map[string]string) error
}

// RetryPolicy controls retries within one tier.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns three attempts starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// Task is one model call requested by phase logic.
type Task struct {
	Signals router.RoutingSignals
	Request router.Request
	// BlockTimeoutMs is attached to any blocking query the task opens.
	BlockTimeoutMs *int64
}

// Outcome reports how a task ended.
type Outcome struct {
	Response    provider.Response
	Plan        router.Plan
	Alias       router.ModelAlias
	Attempts    int
	Escalations int
	// Blocked is set when the task ended by opening a blocking query.
	Blocked *domain.BlockingRecord
	// Failed is set when the task ended by failing the phase.
	Failed bool
}

// Driver runs tasks for the current phase.
type Driver struct {
	Caller Caller
	State  StateMachine
	Policy RetryPolicy
	Logger *bolt.Logger
}

// New creates a Driver.
func New(caller Caller, state StateMachine, policy RetryPolicy, logger *bolt.Logger) *Driver {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	return &Driver{Caller: caller, State: state, Policy: policy, Logger: logging.OrDefault(logger)}
}

// Execute plans the task, then invokes its tier. Retryable failures are
// retried under the policy; a tier that still fails escalates to the next
// one, and exhausting the chain opens a "tier exhausted" blocking query.
// Overflow rejection also blocks. Failures no tier can fix fail the phase
// as non-recoverable. The returned error is the cause whenever the task did
// not produce a response.
func (d *Driver) Execute(ctx context.Context, task Task) (Outcome, error) {
	snap, err := d.State.Snapshot(ctx)
	if err != nil {
		return Outcome{}, err
	}
	phase := snap.State.Phase
	if !snap.State.Substate.IsActive() {
		return Outcome{}, domain.NewEngineError(domain.ErrPipelineBlocked.Code,
			fmt.Sprintf("phase %s is %s", phase, snap.State.Substate.Kind))
	}
	if task.BlockTimeoutMs != nil && *task.BlockTimeoutMs < 0 {
		return Outcome{}, domain.NewEngineError(domain.ErrInvalidTimeout.Code,
			fmt.Sprintf("block timeout %dms is negative", *task.BlockTimeoutMs))
	}

	plan, err := d.Caller.Plan(ctx, phase, task.Signals, task.Request)
	out := Outcome{Plan: plan}
	if err != nil {
		return d.planFailed(ctx, phase, task, out, err)
	}

	alias := plan.FinalAlias()
	req := plan.Request
	for {
		req.ModelAlias = alias
		resp, attempts, err := d.attempt(ctx, phase, alias, req)
		out.Attempts += attempts
		out.Alias = alias
		if err == nil {
			out.Response = resp
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		if errors.Is(err, domain.ErrBudgetExceeded) {
			return d.fail(ctx, phase, out, CodeBudgetExceeded, err)
		}
		if ie := invokeError(err); ie != nil && !ie.Escalable() {
			return d.fail(ctx, phase, out, string(ie.Kind), err)
		}

		next, ok := router.NextTier(alias)
		if !ok {
			d.Caller.AuditEscalation(ctx, phase, alias, "", err)
			query := fmt.Sprintf("%s: %s failed after %d attempts: %v", domain.ErrTierExhausted.Message, alias, attempts, err)
			return d.block(ctx, out, query, []string{"retry", "abort"}, task.BlockTimeoutMs,
				domain.WrapEngineError(domain.ErrTierExhausted.Code, "escalation chain exhausted", err))
		}

		logging.With(d.Logger.Warn()).Add(
			logging.Component("driver"),
			logging.Phase(string(phase)),
			logging.Transition(string(alias), string(next)),
			logging.ErrorField(err),
		).Msg("escalating to next tier")
		d.Caller.AuditEscalation(ctx, phase, alias, next, err)
		out.Escalations++
		alias = next
	}
}

// attempt invokes alias under the retry policy.
func (d *Driver) attempt(ctx context.Context, phase domain.Phase, alias router.ModelAlias, req router.Request) (provider.Response, int, error) {
	r := retry.New[provider.Response](retry.Config{
		MaxAttempts:        d.Policy.MaxAttempts,
		InitialDelay:       d.Policy.BaseDelay,
		MaxDelay:           d.Policy.MaxDelay,
		BackoffPolicy:      retry.BackoffExponential,
		Multiplier:         2.0,
		NonRetryableErrors: []error{errPermanent},
	})

	attempts := 0
	var last error
	resp, err := r.Do(ctx, func(ctx context.Context) (provider.Response, error) {
		attempts++
		resp, err := d.Caller.Invoke(ctx, phase, alias, req)
		if err == nil {
			return resp, nil
		}
		last = err
		logging.With(d.Logger.Debug()).Add(
			logging.Component("driver"),
			logging.Phase(string(phase)),
			logging.Alias(string(alias)),
			logging.Attempt(attempts),
			logging.ErrorField(err),
		).Msg("invocation attempt failed")
		if !retryable(err) {
			return provider.Response{}, fmt.Errorf("%w: %w", errPermanent, err)
		}
		return provider.Response{}, err
	})
	if err != nil && last != nil && ctx.Err() == nil {
		err = last
	}
	return resp, attempts, err
}

func (d *Driver) planFailed(ctx context.Context, phase domain.Phase, task Task, out Outcome, err error) (Outcome, error) {
	var overflow *router.OverflowError
	if errors.As(err, &overflow) {
		reason := "no strategy fits the request"
		if overflow.Strategy != nil && overflow.Strategy.Reason != "" {
			reason = overflow.Strategy.Reason
		}
		query := fmt.Sprintf("request of %d tokens exceeds the %d token window: %s",
			overflow.Analysis.EstimatedTokens, overflow.Analysis.MaxTokens, reason)
		return d.block(ctx, out, query, []string{"reduce input", "abort"}, task.BlockTimeoutMs, err)
	}
	return d.fail(ctx, phase, out, CodePlanFailed, err)
}

func (d *Driver) block(ctx context.Context, out Outcome, query string, options []string, timeoutMs *int64, cause error) (Outcome, error) {
	rec, err := d.State.EnterBlocking(ctx, query, options, timeoutMs)
	if err != nil {
		return out, errors.Join(cause, err)
	}
	logging.With(d.Logger.Warn()).Add(
		logging.Component("driver"),
		logging.Phase(string(rec.Phase)),
		logging.BlockingID(rec.ID),
		logging.Reason(query),
	).Msg("task blocked for human input")
	out.Blocked = &rec
	return out, cause
}

func (d *Driver) fail(ctx context.Context, phase domain.Phase, out Outcome, code string, cause error) (Outcome, error) {
	details := map[string]string{}
	if out.Alias != "" {
		details["alias"] = string(out.Alias)
	}
	if err := d.State.FailPhase(ctx, cause.Error(), code, false, details); err != nil {
		return out, errors.Join(cause, err)
	}
	logging.With(d.Logger.Error()).Add(
		logging.Component("driver"),
		logging.Phase(string(phase)),
		logging.Reason(code),
		logging.ErrorField(cause),
	).Msg("phase failed")
	out.Failed = true
	return out, cause
}

// retryable reports whether the same tier may succeed on another attempt.
func retryable(err error) bool {
	if errors.Is(err, domain.ErrRateLimitExceeded) {
		return true
	}
	if ie := invokeError(err); ie != nil {
		return ie.Retryable
	}
	return false
}

func invokeError(err error) *provider.InvokeError {
	var ie *provider.InvokeError
	if errors.As(err, &ie) {
		return ie
	}
	return nil
}
