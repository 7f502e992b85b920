package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

// EventRepo handles persistence for ProtocolEvent records.
type EventRepo struct{}

// AppendTx inserts a protocol event within an existing transaction.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, event domain.ProtocolEvent) error {
	const q = `INSERT INTO protocol_events (pipeline_id, seq_no, phase, event_type, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		event.PipelineID,
		event.SeqNo,
		string(event.Phase),
		event.EventType,
		event.PayloadJSON,
		event.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.WrapEngineError(domain.ErrDuplicateEvent.Code, "append event", err)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Append assigns the next sequence number for the pipeline and inserts the
// event in one transaction. It returns the stored event.
func (r *EventRepo) Append(ctx context.Context, db *sql.DB, event domain.ProtocolEvent) (domain.ProtocolEvent, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return event, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq_no) FROM protocol_events WHERE pipeline_id = ?`, event.PipelineID,
	).Scan(&last); err != nil {
		return event, fmt.Errorf("read last seq: %w", err)
	}
	event.SeqNo = last.Int64 + 1

	if err := r.AppendTx(ctx, tx, event); err != nil {
		return event, err
	}
	return event, tx.Commit()
}

// ListByPipeline returns events with sequence numbers greater than sinceSeq,
// ordered by sequence number ascending.
func (r *EventRepo) ListByPipeline(ctx context.Context, db *sql.DB, pipelineID string, sinceSeq int64) ([]domain.ProtocolEvent, error) {
	const q = `SELECT id, pipeline_id, seq_no, phase, event_type, payload_json, created_at
FROM protocol_events
WHERE pipeline_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, pipelineID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.ProtocolEvent
	for rows.Next() {
		var e domain.ProtocolEvent
		var phase string
		if err := rows.Scan(&e.ID, &e.PipelineID, &e.SeqNo, &phase, &e.EventType, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Phase = domain.Phase(phase)
		events = append(events, e)
	}
	return events, rows.Err()
}
