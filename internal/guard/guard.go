// Package guard decides whether a model call may be dispatched.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/router"
	"github.com/rogers-f/synthesis-engine/internal/workflow"
)

// GuardConfig holds rate limits.
type GuardConfig struct {
	// RateLimitPerMinute caps calls per alias per window; zero disables it.
	RateLimitPerMinute int
	// Window defaults to one minute.
	Window time.Duration
}

// Guard coordinates budget and rate checks ahead of every invocation.
type Guard struct {
	Governor *workflow.UsageGovernor
	Config   GuardConfig
	// Now is the clock; tests replace it.
	Now func() time.Time

	mu         sync.Mutex
	rateCounts map[router.ModelAlias]*rateBucket
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

// NewGuard creates a Guard. gov may be nil, which disables budget checks.
func NewGuard(gov *workflow.UsageGovernor, cfg GuardConfig) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Guard{
		Governor:   gov,
		Config:     cfg,
		Now:        time.Now,
		rateCounts: make(map[router.ModelAlias]*rateBucket),
	}
}

// CheckAll runs all checks in order: budget, then rate limit.
// It short-circuits on the first error.
func (g *Guard) CheckAll(ctx context.Context, alias router.ModelAlias) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.CheckBudget() == domain.UsageHalt {
		return domain.ErrBudgetExceeded
	}
	return g.CheckRateLimit(alias)
}

// CheckBudget reports the governor's current action.
func (g *Guard) CheckBudget() domain.UsageAction {
	if g.Governor == nil {
		return domain.UsageContinue
	}
	return g.Governor.Check()
}

// CheckRateLimit enforces a per-alias fixed window. Once the window has
// elapsed the count restarts; a call over the limit returns
// ErrRateLimitExceeded and is not counted.
func (g *Guard) CheckRateLimit(alias router.ModelAlias) error {
	if g.Config.RateLimitPerMinute <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.Now()
	bucket, ok := g.rateCounts[alias]
	if !ok {
		g.rateCounts[alias] = &rateBucket{count: 1, windowStart: now}
		return nil
	}

	if now.Sub(bucket.windowStart) >= g.Config.Window {
		bucket.count = 1
		bucket.windowStart = now
		return nil
	}

	if bucket.count >= g.Config.RateLimitPerMinute {
		return domain.ErrRateLimitExceeded
	}

	bucket.count++
	return nil
}

// RetryAfter returns how long until alias's window resets.
func (g *Guard) RetryAfter(alias router.ModelAlias) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	bucket, ok := g.rateCounts[alias]
	if !ok {
		return 0
	}
	wait := g.Config.Window - g.Now().Sub(bucket.windowStart)
	if wait < 0 {
		return 0
	}
	return wait
}
