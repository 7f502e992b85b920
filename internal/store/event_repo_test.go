package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

func TestEventRepo_AppendAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EventRepo{}
	now := time.Now().Unix()

	for i, typ := range []string{"pipeline_started", "phase_boundary", "blocking_opened"} {
		ev, err := repo.Append(ctx, db, domain.ProtocolEvent{
			PipelineID: "p-1", Phase: domain.PhaseIgnition, EventType: typ, PayloadJSON: "{}", CreatedAt: now + int64(i),
		})
		if err != nil {
			t.Fatalf("Append %s: %v", typ, err)
		}
		if ev.SeqNo != int64(i+1) {
			t.Errorf("SeqNo = %d, want %d", ev.SeqNo, i+1)
		}
	}

	got, err := repo.ListByPipeline(ctx, db, "p-1", 0)
	if err != nil {
		t.Fatalf("ListByPipeline: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}

	got, err = repo.ListByPipeline(ctx, db, "p-1", 1)
	if err != nil {
		t.Fatalf("ListByPipeline sinceSeq=1: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].EventType != "phase_boundary" {
		t.Errorf("first event type = %q, want phase_boundary", got[0].EventType)
	}
}

func TestEventRepo_SequencesArePerPipeline(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EventRepo{}

	a, err := repo.Append(ctx, db, domain.ProtocolEvent{PipelineID: "a", Phase: domain.PhaseIgnition, EventType: "x", PayloadJSON: "{}"})
	if err != nil {
		t.Fatalf("Append a: %v", err)
	}
	b, err := repo.Append(ctx, db, domain.ProtocolEvent{PipelineID: "b", Phase: domain.PhaseIgnition, EventType: "x", PayloadJSON: "{}"})
	if err != nil {
		t.Fatalf("Append b: %v", err)
	}
	if a.SeqNo != 1 || b.SeqNo != 1 {
		t.Errorf("SeqNo = (%d, %d), want (1, 1)", a.SeqNo, b.SeqNo)
	}
}

func TestEventRepo_DuplicateSeqNo(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EventRepo{}

	event := domain.ProtocolEvent{
		PipelineID: "p-dup", SeqNo: 1, Phase: domain.PhaseIgnition,
		EventType: "test", PayloadJSON: "{}", CreatedAt: time.Now().Unix(),
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := repo.AppendTx(ctx, tx, event); err != nil {
		t.Fatalf("first AppendTx: %v", err)
	}
	tx.Commit()

	tx2, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = repo.AppendTx(ctx, tx2, event)
	tx2.Rollback()

	if !errors.Is(err, domain.ErrDuplicateEvent) {
		t.Errorf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestEventRepo_ListByPipeline_Empty(t *testing.T) {
	db := newTestDB(t)
	got, err := (&EventRepo{}).ListByPipeline(context.Background(), db, "nonexistent", 0)
	if err != nil {
		t.Fatalf("ListByPipeline: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil slice for empty result, got %v", got)
	}
}
