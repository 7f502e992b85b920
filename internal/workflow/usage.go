package workflow

import (
	"context"
	"database/sql"
	"sync"

	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/store"
)

// UsageGovernor enforces the pipeline's token budget. It is shared between
// the call path and phase gates, so it guards its counter with a mutex.
type UsageGovernor struct {
	DB         *sql.DB
	Repo       *store.UsageRepo
	PipelineID string
	// Budget is the token cap; zero disables enforcement.
	Budget int64

	// WarnRatio is the fraction of budget at which a warning is issued (default 0.8).
	WarnRatio float64
	// HaltRatio is the fraction of budget at which execution is halted (default 1.0).
	HaltRatio float64

	mu   sync.Mutex
	used int64
}

// NewUsageGovernor creates a governor with standard thresholds. db may be
// nil, in which case usage is tracked in memory only.
func NewUsageGovernor(db *sql.DB, pipelineID string, budget int64) *UsageGovernor {
	return &UsageGovernor{
		DB:         db,
		Repo:       &store.UsageRepo{},
		PipelineID: pipelineID,
		Budget:     budget,
		WarnRatio:  0.8,
		HaltRatio:  1.0,
	}
}

// Load seeds the counter from recorded usage.
func (g *UsageGovernor) Load(ctx context.Context) error {
	if g.DB == nil {
		return nil
	}
	total, err := g.Repo.TotalTokens(ctx, g.DB, g.PipelineID)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.used = total
	g.mu.Unlock()
	return nil
}

// RecordUsage stores a usage delta and returns the resulting action.
func (g *UsageGovernor) RecordUsage(ctx context.Context, delta domain.UsageDelta) (domain.UsageAction, error) {
	if g.DB != nil {
		if err := g.Repo.Create(ctx, g.DB, g.PipelineID, delta); err != nil {
			return domain.UsageContinue, domain.WrapEngineError(domain.ErrStoreWrite.Code, "record usage", err)
		}
	}
	g.mu.Lock()
	g.used += delta.PromptTokens + delta.CompletionTokens
	used := g.used
	g.mu.Unlock()
	return g.evaluate(used), nil
}

// Check evaluates the current usage without modifying it.
func (g *UsageGovernor) Check() domain.UsageAction {
	return g.evaluate(g.Used())
}

// Used returns the tokens consumed so far.
func (g *UsageGovernor) Used() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used
}

func (g *UsageGovernor) evaluate(used int64) domain.UsageAction {
	if g.Budget <= 0 {
		return domain.UsageContinue
	}
	ratio := float64(used) / float64(g.Budget)
	if ratio >= g.HaltRatio {
		return domain.UsageHalt
	}
	if ratio >= g.WarnRatio {
		return domain.UsageWarn
	}
	return domain.UsageContinue
}
