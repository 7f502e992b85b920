package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

// UsageRepo handles persistence for per-call token usage.
type UsageRepo struct{}

// Create inserts a usage delta for a pipeline.
func (r *UsageRepo) Create(ctx context.Context, db *sql.DB, pipelineID string, delta domain.UsageDelta) error {
	const q = `INSERT INTO usage_deltas (pipeline_id, phase, model_alias, model, prompt_tokens, completion_tokens, latency_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		pipelineID,
		string(delta.Phase),
		delta.ModelAlias,
		delta.Model,
		delta.PromptTokens,
		delta.CompletionTokens,
		delta.LatencyMs,
		delta.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create usage delta: %w", err)
	}
	return nil
}

// ListByPipeline returns all usage deltas for a pipeline in insertion order.
func (r *UsageRepo) ListByPipeline(ctx context.Context, db *sql.DB, pipelineID string) ([]domain.UsageDelta, error) {
	const q = `SELECT phase, model_alias, model, prompt_tokens, completion_tokens, latency_ms, created_at
FROM usage_deltas
WHERE pipeline_id = ?
ORDER BY id ASC`

	rows, err := db.QueryContext(ctx, q, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list usage deltas: %w", err)
	}
	defer rows.Close()

	var deltas []domain.UsageDelta
	for rows.Next() {
		var d domain.UsageDelta
		var phase string
		if err := rows.Scan(&phase, &d.ModelAlias, &d.Model, &d.PromptTokens, &d.CompletionTokens, &d.LatencyMs, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage delta: %w", err)
		}
		d.Phase = domain.Phase(phase)
		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}

// TotalTokens returns prompt+completion tokens recorded for a pipeline.
func (r *UsageRepo) TotalTokens(ctx context.Context, db *sql.DB, pipelineID string) (int64, error) {
	var total sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT SUM(prompt_tokens + completion_tokens) FROM usage_deltas WHERE pipeline_id = ?`, pipelineID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total.Int64, nil
}
