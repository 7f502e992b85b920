package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

// RoutingRepo handles persistence for routing decisions.
type RoutingRepo struct{}

// Record inserts a routing decision.
func (r *RoutingRepo) Record(ctx context.Context, db *sql.DB, d domain.RoutingDecision) error {
	const q = `INSERT INTO routing_decisions (pipeline_id, phase, task_type, base_alias, result_alias, upgrade_rule, input_tokens, complexity, final_alias, strategy_trail, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	trail := d.StrategyTrail
	if trail == "" {
		trail = "[]"
	}
	_, err := db.ExecContext(ctx, q,
		d.PipelineID,
		string(d.Phase),
		d.TaskType,
		d.BaseAlias,
		d.ResultAlias,
		d.UpgradeRule,
		d.InputTokens,
		d.Complexity,
		d.FinalAlias,
		trail,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record routing decision: %w", err)
	}
	return nil
}

// ListByPipeline returns routing decisions for a pipeline in insertion order.
func (r *RoutingRepo) ListByPipeline(ctx context.Context, db *sql.DB, pipelineID string) ([]domain.RoutingDecision, error) {
	const q = `SELECT id, pipeline_id, phase, task_type, base_alias, result_alias, upgrade_rule, input_tokens, complexity, final_alias, strategy_trail, created_at
FROM routing_decisions
WHERE pipeline_id = ?
ORDER BY id ASC`

	rows, err := db.QueryContext(ctx, q, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list routing decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.RoutingDecision
	for rows.Next() {
		var d domain.RoutingDecision
		var phase string
		if err := rows.Scan(&d.ID, &d.PipelineID, &phase, &d.TaskType, &d.BaseAlias, &d.ResultAlias,
			&d.UpgradeRule, &d.InputTokens, &d.Complexity, &d.FinalAlias, &d.StrategyTrail, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan routing decision: %w", err)
		}
		d.Phase = domain.Phase(phase)
		out = append(out, d)
	}
	return out, rows.Err()
}
