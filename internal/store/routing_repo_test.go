package store

import (
	"context"
	"testing"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

func TestRoutingRepo_RecordAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &RoutingRepo{}

	d := domain.RoutingDecision{
		PipelineID:    "p-1",
		Phase:         domain.PhaseInjection,
		TaskType:      "implement",
		BaseAlias:     "worker",
		ResultAlias:   "structurer",
		UpgradeRule:   "token_threshold",
		InputTokens:   12001,
		Complexity:    3.5,
		FinalAlias:    "structurer",
		StrategyTrail: `["truncate"]`,
		CreatedAt:     10,
	}
	if err := repo.Record(ctx, db, d); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := repo.Record(ctx, db, domain.RoutingDecision{PipelineID: "p-1", BaseAlias: "auditor", ResultAlias: "auditor"}); err != nil {
		t.Fatalf("Record default trail: %v", err)
	}

	got, err := repo.ListByPipeline(ctx, db, "p-1")
	if err != nil {
		t.Fatalf("ListByPipeline: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(got))
	}
	if got[0].UpgradeRule != "token_threshold" || got[0].Complexity != 3.5 {
		t.Errorf("first decision = %+v", got[0])
	}
	if got[1].StrategyTrail != "[]" {
		t.Errorf("StrategyTrail = %q, want []", got[1].StrategyTrail)
	}
}
