package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/store"
)

// ArchiveHook stores the artifact set of every boundary in phase_snapshots
// and appends one phase_boundary event, in a single transaction.
type ArchiveHook struct {
	DB           *sql.DB
	PipelineID   string
	EventRepo    *store.EventRepo
	SnapshotRepo *store.SnapshotRepo
}

// NewArchiveHook creates an ArchiveHook.
func NewArchiveHook(db *sql.DB, pipelineID string) *ArchiveHook {
	return &ArchiveHook{
		DB:           db,
		PipelineID:   pipelineID,
		EventRepo:    &store.EventRepo{},
		SnapshotRepo: &store.SnapshotRepo{},
	}
}

type boundaryPayload struct {
	From      domain.Phase          `json:"from"`
	To        domain.Phase          `json:"to,omitempty"`
	Repair    bool                  `json:"repair"`
	Artifacts []domain.ArtifactType `json:"artifacts"`
}

// OnBoundary implements BoundaryHook.
func (h *ArchiveHook) OnBoundary(ctx context.Context, ev domain.BoundaryEvent, snap domain.Snapshot) error {
	artifacts, err := json.Marshal(ev.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	payload, err := json.Marshal(boundaryPayload{From: ev.From, To: ev.To, Repair: ev.Repair, Artifacts: ev.Artifacts})
	if err != nil {
		return fmt.Errorf("marshal boundary payload: %w", err)
	}

	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq_no) FROM protocol_events WHERE pipeline_id = ?`, h.PipelineID,
	).Scan(&last); err != nil {
		return fmt.Errorf("read last seq: %w", err)
	}

	phase := ev.To
	if phase == "" {
		phase = ev.From
	}
	event := domain.ProtocolEvent{
		PipelineID:  h.PipelineID,
		SeqNo:       last.Int64 + 1,
		Phase:       phase,
		EventType:   "phase_boundary",
		PayloadJSON: string(payload),
		CreatedAt:   ev.At.Unix(),
	}
	if err := h.EventRepo.AppendTx(ctx, tx, event); err != nil {
		return err
	}

	archive := domain.PhaseArchive{
		PipelineID:    h.PipelineID,
		FromPhase:     ev.From,
		ToPhase:       ev.To,
		ArtifactsJSON: string(artifacts),
		Checksum:      store.Checksum(string(artifacts)),
		CreatedAt:     ev.At.Unix(),
	}
	if err := h.SnapshotRepo.SaveTx(ctx, tx, archive); err != nil {
		return err
	}
	return tx.Commit()
}

// StoreRecorder writes transitions to the event log and blocking decisions
// to the audit trail.
type StoreRecorder struct {
	DB         *sql.DB
	PipelineID string
	EventRepo  *store.EventRepo
	AuditRepo  *store.AuditRepo
}

// NewStoreRecorder creates a StoreRecorder.
func NewStoreRecorder(db *sql.DB, pipelineID string) *StoreRecorder {
	return &StoreRecorder{
		DB:         db,
		PipelineID: pipelineID,
		EventRepo:  &store.EventRepo{},
		AuditRepo:  &store.AuditRepo{},
	}
}

type transitionPayload struct {
	FromPhase    domain.Phase        `json:"from_phase"`
	FromSubstate domain.SubstateKind `json:"from_substate"`
	ToPhase      domain.Phase        `json:"to_phase"`
	ToSubstate   domain.SubstateKind `json:"to_substate"`
	BlockingID   string              `json:"blocking_id,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// RecordTransition implements TransitionRecorder. Phase boundaries are left
// to ArchiveHook so each boundary produces exactly one event.
func (r *StoreRecorder) RecordTransition(ctx context.Context, tr Transition) error {
	if tr.Boundary != nil {
		return nil
	}
	p := transitionPayload{
		FromPhase:    tr.From.Phase,
		FromSubstate: tr.From.Substate.Kind,
		ToPhase:      tr.To.Phase,
		ToSubstate:   tr.To.Substate.Kind,
	}
	if tr.Blocking != nil {
		p.BlockingID = tr.Blocking.ID
	}
	if f := tr.To.Substate.Failed; f != nil {
		p.Error = f.Error
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}

	if _, err := r.EventRepo.Append(ctx, r.DB, domain.ProtocolEvent{
		PipelineID:  r.PipelineID,
		Phase:       tr.To.Phase,
		EventType:   tr.Op,
		PayloadJSON: string(payload),
		CreatedAt:   tr.At.Unix(),
	}); err != nil {
		return err
	}

	if tr.Blocking == nil {
		return nil
	}
	action := "open"
	severity := "warn"
	if tr.Op == OpResolveBlocking {
		action = "resolve"
		severity = "info"
	}
	request, _ := json.Marshal(map[string]any{"query": tr.Blocking.Query, "options": tr.Blocking.Options})
	decision, _ := json.Marshal(map[string]any{"id": tr.Blocking.ID, "resolved": tr.Blocking.Resolved, "answer": tr.Blocking.Answer})
	return r.AuditRepo.Record(ctx, r.DB, domain.AuditRecord{
		ID:           uuid.NewString(),
		PipelineID:   r.PipelineID,
		Category:     domain.AuditBlocking,
		Actor:        "orchestrator",
		Action:       action,
		RequestJSON:  string(request),
		DecisionJSON: string(decision),
		Severity:     severity,
		CreatedAt:    tr.At.Unix(),
	})
}
