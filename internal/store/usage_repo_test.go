package store

import (
	"context"
	"testing"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

func TestUsageRepo_CreateListTotal(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &UsageRepo{}

	deltas := []domain.UsageDelta{
		{Phase: domain.PhaseInjection, ModelAlias: "worker", Model: "gpt-4o-mini", PromptTokens: 1000, CompletionTokens: 200, LatencyMs: 900, CreatedAt: 1},
		{Phase: domain.PhaseInjection, ModelAlias: "structurer", Model: "claude-sonnet-4-5", PromptTokens: 3000, CompletionTokens: 500, LatencyMs: 2100, CreatedAt: 2},
	}
	for _, d := range deltas {
		if err := repo.Create(ctx, db, "p-1", d); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := repo.Create(ctx, db, "p-2", deltas[0]); err != nil {
		t.Fatalf("Create p-2: %v", err)
	}

	got, err := repo.ListByPipeline(ctx, db, "p-1")
	if err != nil {
		t.Fatalf("ListByPipeline: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(got))
	}
	if got[1].ModelAlias != "structurer" || got[1].Phase != domain.PhaseInjection {
		t.Errorf("second delta = %+v", got[1])
	}

	total, err := repo.TotalTokens(ctx, db, "p-1")
	if err != nil {
		t.Fatalf("TotalTokens: %v", err)
	}
	if total != 4700 {
		t.Errorf("TotalTokens = %d, want 4700", total)
	}

	empty, err := repo.TotalTokens(ctx, db, "none")
	if err != nil {
		t.Fatalf("TotalTokens empty: %v", err)
	}
	if empty != 0 {
		t.Errorf("TotalTokens empty = %d, want 0", empty)
	}
}
