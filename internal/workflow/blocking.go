package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

// BlockingRegistry is the append-only log of human-escalation queries.
// Records are marked resolved and never removed.
type BlockingRegistry struct {
	records []domain.BlockingRecord
	index   map[string]int
	newID   func() string
	now     func() time.Time
}

// NewBlockingRegistry creates an empty registry using random UUIDs.
func NewBlockingRegistry() *BlockingRegistry {
	return &BlockingRegistry{
		index: make(map[string]int),
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// RestoreBlockingRegistry rebuilds a registry from persisted records.
func RestoreBlockingRegistry(records []domain.BlockingRecord) (*BlockingRegistry, error) {
	r := NewBlockingRegistry()
	for _, rec := range records {
		if rec.ID == "" {
			return nil, fmt.Errorf("blocking record with empty id")
		}
		if _, dup := r.index[rec.ID]; dup {
			return nil, fmt.Errorf("duplicate blocking record id %q", rec.ID)
		}
		r.index[rec.ID] = len(r.records)
		r.records = append(r.records, rec.Clone())
	}
	return r, nil
}

// Open appends a new unresolved record and returns a copy of it.
func (r *BlockingRegistry) Open(phase domain.Phase, query string, options []string, timeoutMs *int64) domain.BlockingRecord {
	rec := domain.BlockingRecord{
		ID:        r.newID(),
		Phase:     phase,
		Query:     query,
		Options:   options,
		BlockedAt: r.now().UTC(),
		TimeoutMs: timeoutMs,
	}
	rec = rec.Clone()
	r.index[rec.ID] = len(r.records)
	r.records = append(r.records, rec)
	return rec.Clone()
}

// Resolve marks an open record resolved. It returns false when the id is
// unknown or the record is already resolved.
func (r *BlockingRegistry) Resolve(id, answer string) bool {
	i, ok := r.index[id]
	if !ok || r.records[i].Resolved {
		return false
	}
	at := r.now().UTC()
	r.records[i].Resolved = true
	r.records[i].Answer = answer
	r.records[i].ResolvedAt = &at
	return true
}

// Get returns a copy of the record with id.
func (r *BlockingRegistry) Get(id string) (domain.BlockingRecord, bool) {
	i, ok := r.index[id]
	if !ok {
		return domain.BlockingRecord{}, false
	}
	return r.records[i].Clone(), true
}

// IsOpen reports whether id names an unresolved record.
func (r *BlockingRegistry) IsOpen(id string) bool {
	i, ok := r.index[id]
	return ok && !r.records[i].Resolved
}

// Records returns copies of every record in creation order.
func (r *BlockingRegistry) Records() []domain.BlockingRecord {
	out := make([]domain.BlockingRecord, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Clone()
	}
	return out
}

// OpenRecords returns copies of unresolved records.
func (r *BlockingRegistry) OpenRecords() []domain.BlockingRecord {
	var out []domain.BlockingRecord
	for _, rec := range r.records {
		if !rec.Resolved {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Overdue returns open records whose deadline is before now.
func (r *BlockingRegistry) Overdue(now time.Time) []domain.BlockingRecord {
	var out []domain.BlockingRecord
	for _, rec := range r.records {
		if rec.Resolved {
			continue
		}
		if deadline, ok := rec.Deadline(); ok && deadline.Before(now) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Clone returns an independent copy sharing the id and clock sources.
func (r *BlockingRegistry) Clone() *BlockingRegistry {
	out := &BlockingRegistry{
		records: make([]domain.BlockingRecord, len(r.records)),
		index:   make(map[string]int, len(r.index)),
		newID:   r.newID,
		now:     r.now,
	}
	for i, rec := range r.records {
		out.records[i] = rec.Clone()
	}
	for k, v := range r.index {
		out.index[k] = v
	}
	return out
}
