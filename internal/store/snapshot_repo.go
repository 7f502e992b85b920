package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

// SnapshotRepo handles persistence for phase-boundary archives.
type SnapshotRepo struct{}

// Checksum returns the hex SHA-256 of an archive payload.
func Checksum(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// SaveTx inserts a phase archive within an existing transaction.
func (r *SnapshotRepo) SaveTx(ctx context.Context, tx *sql.Tx, snap domain.PhaseArchive) error {
	const q = `INSERT INTO phase_snapshots (pipeline_id, from_phase, to_phase, artifacts_json, checksum, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		snap.PipelineID,
		string(snap.FromPhase),
		string(snap.ToPhase),
		snap.ArtifactsJSON,
		snap.Checksum,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// GetLatest returns the most recent archive taken when leaving phase.
// Returns nil if no archive exists. The checksum is verified on read.
func (r *SnapshotRepo) GetLatest(ctx context.Context, db *sql.DB, pipelineID string, phase domain.Phase) (*domain.PhaseArchive, error) {
	const q = `SELECT id, pipeline_id, from_phase, to_phase, artifacts_json, checksum, created_at
FROM phase_snapshots
WHERE pipeline_id = ? AND from_phase = ?
ORDER BY id DESC
LIMIT 1`

	row := db.QueryRowContext(ctx, q, pipelineID, string(phase))

	var s domain.PhaseArchive
	var from, to string
	err := row.Scan(&s.ID, &s.PipelineID, &from, &to, &s.ArtifactsJSON, &s.Checksum, &s.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	s.FromPhase = domain.Phase(from)
	s.ToPhase = domain.Phase(to)
	if s.Checksum != "" && s.Checksum != Checksum(s.ArtifactsJSON) {
		return nil, domain.ErrSnapshotCorrupt
	}
	return &s, nil
}

// Count returns the number of archives for a pipeline.
func (r *SnapshotRepo) Count(ctx context.Context, db *sql.DB, pipelineID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM phase_snapshots WHERE pipeline_id = ?`, pipelineID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}
