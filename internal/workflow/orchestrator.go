package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/felixgeelhaar/bolt/v3"

	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/logging"
)

// StateStore persists a full snapshot atomically.
type StateStore interface {
	Save(ctx context.Context, snap domain.Snapshot) error
}

// BoundaryHook runs once per committed phase boundary.
type BoundaryHook interface {
	OnBoundary(ctx context.Context, ev domain.BoundaryEvent, snap domain.Snapshot) error
}

// BoundaryHookFunc adapts a function to BoundaryHook.
type BoundaryHookFunc func(ctx context.Context, ev domain.BoundaryEvent, snap domain.Snapshot) error

// OnBoundary calls f.
func (f BoundaryHookFunc) OnBoundary(ctx context.Context, ev domain.BoundaryEvent, snap domain.Snapshot) error {
	return f(ctx, ev, snap)
}

// Transition operation names.
const (
	OpAdvance         = "advance"
	OpComplete        = "complete"
	OpEnterBlocking   = "enter_blocking"
	OpResolveBlocking = "resolve_blocking"
	OpFail            = "fail"
	OpRetry           = "retry"
	OpEscalateFailure = "escalate_failure"
	OpSetProgress     = "set_progress"
)

// Transition describes one committed state change.
type Transition struct {
	Op       string
	From     domain.ProtocolState
	To       domain.ProtocolState
	Blocking *domain.BlockingRecord
	Boundary *domain.BoundaryEvent
	At       time.Time
}

// TransitionRecorder observes committed transitions.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, tr Transition) error
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	Store     StateStore
	Hooks     []BoundaryHook
	Recorders []TransitionRecorder
	Logger    *bolt.Logger
}

type opResult struct {
	value    any
	boundary *domain.BoundaryEvent
	blocking *domain.BlockingRecord
}

type command struct {
	ctx      context.Context
	op       string
	readOnly bool
	fn       func(m *Machine) (opResult, error)
	reply    chan reply
}

type reply struct {
	res opResult
	err error
}

// Orchestrator is the single writer of the protocol state. Every operation
// is sent to one goroutine, applied to a clone of the machine, persisted,
// and only then committed. A failed save leaves the state untouched.
type Orchestrator struct {
	machine   *Machine
	store     StateStore
	hooks     []BoundaryHook
	recorders []TransitionRecorder
	logger    *bolt.Logger

	cmds     chan command
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewOrchestrator wraps m. Call Start before issuing operations.
func NewOrchestrator(m *Machine, opts OrchestratorOptions) *Orchestrator {
	return &Orchestrator{
		machine:   m,
		store:     opts.Store,
		hooks:     opts.Hooks,
		recorders: opts.Recorders,
		logger:    logging.OrDefault(opts.Logger),
		cmds:      make(chan command),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the actor goroutine.
func (o *Orchestrator) Start() {
	go o.loop()
}

// Stop terminates the actor and waits for it to exit.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	<-o.done
}

func (o *Orchestrator) loop() {
	defer close(o.done)
	for {
		select {
		case <-o.stop:
			return
		case cmd := <-o.cmds:
			res, err := o.apply(cmd)
			cmd.reply <- reply{res: res, err: err}
		}
	}
}

func (o *Orchestrator) apply(cmd command) (opResult, error) {
	if cmd.readOnly {
		return cmd.fn(o.machine)
	}

	before := o.machine.State()
	next := o.machine.Clone()
	res, err := cmd.fn(next)
	if err != nil {
		logging.With(o.logger.Debug()).Add(
			logging.Component("orchestrator"),
			logging.Phase(string(before.Phase)),
			logging.Substate(string(before.Substate.Kind)),
			logging.ErrorField(err),
		).Msg("transition rejected: " + cmd.op)
		return res, err
	}

	snap := next.Snapshot()
	if o.store != nil {
		if err := o.store.Save(cmd.ctx, snap); err != nil {
			logging.With(o.logger.Error()).Add(
				logging.Component("orchestrator"),
				logging.ErrorField(err),
			).Msg("state persistence failed; transition discarded: " + cmd.op)
			return opResult{}, err
		}
	}
	o.machine = next

	after := next.State()
	logging.With(o.logger.Info()).Add(
		logging.Component("orchestrator"),
		logging.Transition(string(before.Phase), string(after.Phase)),
		logging.Substate(string(after.Substate.Kind)),
	).Msg("transition committed: " + cmd.op)

	tr := Transition{
		Op:       cmd.op,
		From:     before,
		To:       after,
		Blocking: res.blocking,
		Boundary: res.boundary,
		At:       next.now().UTC(),
	}
	for _, rec := range o.recorders {
		if err := rec.RecordTransition(cmd.ctx, tr); err != nil {
			logging.With(o.logger.Warn()).Add(
				logging.Component("orchestrator"),
				logging.ErrorField(err),
			).Msg("transition recorder failed")
		}
	}
	if res.boundary != nil {
		for _, h := range o.hooks {
			if err := h.OnBoundary(cmd.ctx, *res.boundary, snap); err != nil {
				logging.With(o.logger.Warn()).Add(
					logging.Component("orchestrator"),
					logging.Transition(string(res.boundary.From), string(res.boundary.To)),
					logging.ErrorField(err),
				).Msg("boundary hook failed")
			}
		}
	}
	return res, nil
}

func (o *Orchestrator) do(ctx context.Context, op string, readOnly bool, fn func(m *Machine) (opResult, error)) (opResult, error) {
	cmd := command{ctx: ctx, op: op, readOnly: readOnly, fn: fn, reply: make(chan reply, 1)}
	select {
	case o.cmds <- cmd:
	case <-o.done:
		return opResult{}, domain.ErrOrchestratorDown
	case <-ctx.Done():
		return opResult{}, ctx.Err()
	}
	r := <-cmd.reply
	return r.res, r.err
}

// Snapshot returns the committed state.
func (o *Orchestrator) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	res, err := o.do(ctx, "snapshot", true, func(m *Machine) (opResult, error) {
		return opResult{value: m.Snapshot()}, nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return res.value.(domain.Snapshot), nil
}

// IsComplete reports whether the pipeline has finished.
func (o *Orchestrator) IsComplete(ctx context.Context) (bool, error) {
	res, err := o.do(ctx, "is_complete", true, func(m *Machine) (opResult, error) {
		return opResult{value: m.IsComplete()}, nil
	})
	if err != nil {
		return false, err
	}
	return res.value.(bool), nil
}

// OverdueBlocking lists open blocking records past their deadline at now.
func (o *Orchestrator) OverdueBlocking(ctx context.Context, now time.Time) ([]domain.BlockingRecord, error) {
	res, err := o.do(ctx, "overdue", true, func(m *Machine) (opResult, error) {
		return opResult{value: m.OverdueBlocking(now)}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.value.([]domain.BlockingRecord), nil
}

// AdvancePhase moves to next and dispatches the boundary hooks.
func (o *Orchestrator) AdvancePhase(ctx context.Context, next domain.Phase) (domain.BoundaryEvent, error) {
	res, err := o.do(ctx, OpAdvance, false, func(m *Machine) (opResult, error) {
		ev, err := m.AdvancePhase(ctx, next)
		if err != nil {
			return opResult{}, err
		}
		return opResult{boundary: &ev}, nil
	})
	if err != nil {
		return domain.BoundaryEvent{}, err
	}
	return *res.boundary, nil
}

// Complete closes the final phase.
func (o *Orchestrator) Complete(ctx context.Context) (domain.BoundaryEvent, error) {
	res, err := o.do(ctx, OpComplete, false, func(m *Machine) (opResult, error) {
		ev, err := m.Complete(ctx)
		if err != nil {
			return opResult{}, err
		}
		return opResult{boundary: &ev}, nil
	})
	if err != nil {
		return domain.BoundaryEvent{}, err
	}
	return *res.boundary, nil
}

// EnterBlocking pauses the pipeline for a human decision.
func (o *Orchestrator) EnterBlocking(ctx context.Context, query string, options []string, timeoutMs *int64) (domain.BlockingRecord, error) {
	return o.blockingOp(ctx, OpEnterBlocking, func(m *Machine) (domain.BlockingRecord, error) {
		return m.EnterBlocking(query, options, timeoutMs)
	})
}

// EscalateFailure moves a non-recoverable failure to Blocking.
func (o *Orchestrator) EscalateFailure(ctx context.Context, query string, options []string, timeoutMs *int64) (domain.BlockingRecord, error) {
	return o.blockingOp(ctx, OpEscalateFailure, func(m *Machine) (domain.BlockingRecord, error) {
		return m.EscalateFailure(query, options, timeoutMs)
	})
}

// ResolveBlocking answers an open blocking query.
func (o *Orchestrator) ResolveBlocking(ctx context.Context, id, answer string) (domain.BlockingRecord, error) {
	return o.blockingOp(ctx, OpResolveBlocking, func(m *Machine) (domain.BlockingRecord, error) {
		return m.ResolveBlocking(id, answer)
	})
}

func (o *Orchestrator) blockingOp(ctx context.Context, op string, fn func(m *Machine) (domain.BlockingRecord, error)) (domain.BlockingRecord, error) {
	res, err := o.do(ctx, op, false, func(m *Machine) (opResult, error) {
		rec, err := fn(m)
		if err != nil {
			return opResult{}, err
		}
		return opResult{blocking: &rec}, nil
	})
	if err != nil {
		return domain.BlockingRecord{}, err
	}
	return *res.blocking, nil
}

// FailPhase halts the current phase.
func (o *Orchestrator) FailPhase(ctx context.Context, msg, code string, recoverable bool, details map[string]string) error {
	_, err := o.do(ctx, OpFail, false, func(m *Machine) (opResult, error) {
		return opResult{}, m.FailPhase(msg, code, recoverable, details)
	})
	return err
}

// Retry returns a recoverable failure to Active.
func (o *Orchestrator) Retry(ctx context.Context) error {
	_, err := o.do(ctx, OpRetry, false, func(m *Machine) (opResult, error) {
		return opResult{}, m.Retry()
	})
	return err
}

// SetProgress stores the current phase's progress payload.
func (o *Orchestrator) SetProgress(ctx context.Context, raw json.RawMessage) error {
	_, err := o.do(ctx, OpSetProgress, false, func(m *Machine) (opResult, error) {
		return opResult{}, m.SetProgress(raw)
	})
	return err
}
