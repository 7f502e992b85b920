package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

const auditColumns = `id, pipeline_id, category, actor, action, request_json, decision_json, severity, created_at`

// AuditRepo stores the blocking, escalation and overflow decisions of a
// pipeline.
type AuditRepo struct{}

// Record inserts an audit record. The category must be one of
// domain.AuditCategories.
func (r *AuditRepo) Record(ctx context.Context, db *sql.DB, rec domain.AuditRecord) error {
	if !domain.IsKnownAuditCategory(rec.Category) {
		return fmt.Errorf("record audit %s: unknown category %q", rec.ID, rec.Category)
	}
	const q = `INSERT INTO audit_records (` + auditColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		rec.ID,
		rec.PipelineID,
		string(rec.Category),
		rec.Actor,
		rec.Action,
		rec.RequestJSON,
		rec.DecisionJSON,
		rec.Severity,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListByPipeline returns all audit records for a pipeline in the order they
// were written.
func (r *AuditRepo) ListByPipeline(ctx context.Context, db *sql.DB, pipelineID string) ([]domain.AuditRecord, error) {
	const q = `SELECT ` + auditColumns + `
FROM audit_records
WHERE pipeline_id = ?
ORDER BY created_at ASC, rowid ASC`
	return r.query(ctx, db, q, pipelineID)
}

// ListByCategory returns the pipeline's audit records of one category, in
// the order they were written.
func (r *AuditRepo) ListByCategory(ctx context.Context, db *sql.DB, pipelineID string, category domain.AuditCategory) ([]domain.AuditRecord, error) {
	const q = `SELECT ` + auditColumns + `
FROM audit_records
WHERE pipeline_id = ? AND category = ?
ORDER BY created_at ASC, rowid ASC`
	return r.query(ctx, db, q, pipelineID, string(category))
}

func (r *AuditRepo) query(ctx context.Context, db *sql.DB, q string, args ...any) ([]domain.AuditRecord, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var (
			a        domain.AuditRecord
			category string
		)
		if err := rows.Scan(&a.ID, &a.PipelineID, &category, &a.Actor, &a.Action,
			&a.RequestJSON, &a.DecisionJSON, &a.Severity, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		a.Category = domain.AuditCategory(category)
		records = append(records, a)
	}
	return records, rows.Err()
}
