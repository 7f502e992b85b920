// Package workflow implements the synthesis protocol state machine, its
// blocking registry and the single-writer orchestrator that persists it.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

// validTransitions defines the legal phase transitions.
// Each key is a source phase, and the value is the set of valid target phases.
var validTransitions = map[domain.Phase]map[domain.Phase]bool{
	domain.PhaseIgnition:         {domain.PhaseStructuring: true},
	domain.PhaseStructuring:      {domain.PhaseCompositionAudit: true},
	domain.PhaseCompositionAudit: {domain.PhaseInjection: true, domain.PhaseStructuring: true}, // structural repair
	domain.PhaseInjection:        {domain.PhaseVerification: true},
	domain.PhaseVerification:     {domain.PhaseComplexityReduction: true, domain.PhaseInjection: true}, // rework
}

// IsValidTransition checks if a phase transition is legal.
func IsValidTransition(from, to domain.Phase) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsRepairTransition reports whether from -> to returns to an earlier phase.
func IsRepairTransition(from, to domain.Phase) bool {
	return IsValidTransition(from, to) && domain.PhaseIndex(to) < domain.PhaseIndex(from)
}

// NextPhase returns the forward successor of p.
func NextPhase(p domain.Phase) (domain.Phase, bool) {
	i := domain.PhaseIndex(p)
	if i < 0 || i+1 >= len(domain.PhaseOrder) {
		return "", false
	}
	return domain.PhaseOrder[i+1], true
}

// Options configures a Machine.
type Options struct {
	Gates *PhaseGateRegistry
	Now   func() time.Time
	NewID func() string
}

// Machine owns the protocol state. It performs no I/O and no locking; every
// operation either applies fully or leaves the state untouched and returns a
// typed error. Callers serialize access (see Orchestrator).
type Machine struct {
	phase     domain.Phase
	substate  domain.Substate
	artifacts []domain.ArtifactType
	progress  map[domain.Phase]json.RawMessage
	blocking  *BlockingRegistry
	gates     *PhaseGateRegistry
	now       func() time.Time
}

// NewMachine creates a machine at the first phase in the Active substate.
func NewMachine(opts Options) *Machine {
	m := &Machine{
		phase:    domain.FirstPhase(),
		substate: domain.ActiveSubstate(),
		blocking: NewBlockingRegistry(),
	}
	m.applyOptions(opts)
	return m
}

// RestoreMachine rebuilds a machine from a snapshot, checking that the
// snapshot is internally consistent.
func RestoreMachine(snap domain.Snapshot, opts Options) (*Machine, error) {
	if !domain.IsKnownPhase(snap.State.Phase) {
		return nil, domain.NewEngineError(domain.ErrRecoveryFailed.Code, fmt.Sprintf("unknown phase %q", snap.State.Phase))
	}
	if err := checkSubstate(snap.State.Substate); err != nil {
		return nil, domain.WrapEngineError(domain.ErrRecoveryFailed.Code, "invalid substate", err)
	}
	reg, err := RestoreBlockingRegistry(snap.BlockingQueries)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrRecoveryFailed.Code, "invalid blocking records", err)
	}
	if b := snap.State.Substate.Blocking; b != nil && b.BlockingID != "" && !reg.IsOpen(b.BlockingID) {
		return nil, domain.NewEngineError(domain.ErrRecoveryFailed.Code,
			fmt.Sprintf("blocking substate references no open record %q", b.BlockingID))
	}

	c := snap.Clone()
	m := &Machine{
		phase:     c.State.Phase,
		substate:  c.State.Substate,
		artifacts: c.Artifacts,
		progress:  c.PhaseProgress,
		blocking:  reg,
	}
	m.applyOptions(opts)
	return m, nil
}

func (m *Machine) applyOptions(opts Options) {
	m.gates = opts.Gates
	if m.gates == nil {
		m.gates = NewPhaseGateRegistry(nil)
	}
	m.now = opts.Now
	if m.now == nil {
		m.now = time.Now
	}
	m.blocking.now = m.now
	if opts.NewID != nil {
		m.blocking.newID = opts.NewID
	}
}

func checkSubstate(s domain.Substate) error {
	switch s.Kind {
	case domain.SubstateActive:
		if s.Blocking != nil || s.Failed != nil {
			return fmt.Errorf("active substate carries a payload")
		}
	case domain.SubstateBlocking:
		if s.Blocking == nil || s.Failed != nil {
			return fmt.Errorf("blocking substate needs exactly a blocking payload")
		}
	case domain.SubstateFailed:
		if s.Failed == nil || s.Blocking != nil {
			return fmt.Errorf("failed substate needs exactly a failure payload")
		}
	default:
		return fmt.Errorf("unknown substate kind %q", s.Kind)
	}
	return nil
}

// CurrentPhase returns the current phase.
func (m *Machine) CurrentPhase() domain.Phase { return m.phase }

// CurrentSubstate returns a copy of the current substate.
func (m *Machine) CurrentSubstate() domain.Substate { return m.substate.Clone() }

// State returns the current phase and substate.
func (m *Machine) State() domain.ProtocolState {
	return domain.ProtocolState{Phase: m.phase, Substate: m.substate.Clone()}
}

// Artifacts returns the accumulated artifacts in completion order.
func (m *Machine) Artifacts() []domain.ArtifactType {
	return append([]domain.ArtifactType(nil), m.artifacts...)
}

// BlockingRecords returns every blocking record, open and resolved.
func (m *Machine) BlockingRecords() []domain.BlockingRecord {
	return m.blocking.Records()
}

// OverdueBlocking lists open blocking records past their deadline.
func (m *Machine) OverdueBlocking(now time.Time) []domain.BlockingRecord {
	return m.blocking.Overdue(now)
}

// Progress returns the opaque progress payload of phase p.
func (m *Machine) Progress(p domain.Phase) (json.RawMessage, bool) {
	raw, ok := m.progress[p]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), raw...), true
}

// IsComplete reports whether the final phase has been closed.
func (m *Machine) IsComplete() bool {
	if m.phase != domain.FinalPhase() || !m.substate.IsActive() {
		return false
	}
	for _, a := range domain.DeclaredArtifacts(domain.FinalPhase()) {
		if !m.hasArtifact(a) {
			return false
		}
	}
	return true
}

// Snapshot returns a deep copy of the full protocol state.
func (m *Machine) Snapshot() domain.Snapshot {
	s := domain.Snapshot{
		State:           m.State(),
		Artifacts:       m.Artifacts(),
		BlockingQueries: m.blocking.Records(),
	}
	if len(m.progress) > 0 {
		s.PhaseProgress = make(map[domain.Phase]json.RawMessage, len(m.progress))
		for p, raw := range m.progress {
			s.PhaseProgress[p] = append(json.RawMessage(nil), raw...)
		}
	}
	return s
}

// Clone returns an independent copy sharing gates and clock.
func (m *Machine) Clone() *Machine {
	snap := m.Snapshot()
	return &Machine{
		phase:     snap.State.Phase,
		substate:  snap.State.Substate,
		artifacts: snap.Artifacts,
		progress:  snap.PhaseProgress,
		blocking:  m.blocking.Clone(),
		gates:     m.gates,
		now:       m.now,
	}
}

// AdvancePhase moves from the current phase to next. It requires the Active
// substate, a legal edge and an allowing exit gate. The completed phase's
// declared artifacts are added and its progress entry is dropped.
func (m *Machine) AdvancePhase(ctx context.Context, next domain.Phase) (domain.BoundaryEvent, error) {
	if !domain.IsKnownPhase(next) {
		return domain.BoundaryEvent{}, domain.NewEngineError(domain.ErrInvalidPhase.Code, fmt.Sprintf("unknown phase %q", next))
	}
	if m.IsComplete() {
		return domain.BoundaryEvent{}, domain.ErrPipelineComplete
	}
	if !m.substate.IsActive() {
		return domain.BoundaryEvent{}, invalidTransition("advance", m.substate.Kind)
	}
	if !IsValidTransition(m.phase, next) {
		return domain.BoundaryEvent{}, domain.NewEngineError(
			domain.ErrInvalidTransition.Code,
			fmt.Sprintf("illegal transition %s -> %s", m.phase, next),
		)
	}
	if err := m.checkGate(ctx); err != nil {
		return domain.BoundaryEvent{}, err
	}

	from := m.phase
	m.addArtifacts(domain.DeclaredArtifacts(from))
	delete(m.progress, from)
	m.phase = next
	m.substate = domain.ActiveSubstate()

	return domain.BoundaryEvent{
		From:      from,
		To:        next,
		Repair:    IsRepairTransition(from, next),
		Artifacts: m.Artifacts(),
		At:        m.now().UTC(),
	}, nil
}

// Complete closes the final phase, adding its declared artifacts.
func (m *Machine) Complete(ctx context.Context) (domain.BoundaryEvent, error) {
	if m.IsComplete() {
		return domain.BoundaryEvent{}, domain.ErrPipelineComplete
	}
	if !m.substate.IsActive() {
		return domain.BoundaryEvent{}, invalidTransition("complete", m.substate.Kind)
	}
	if m.phase != domain.FinalPhase() {
		return domain.BoundaryEvent{}, domain.NewEngineError(
			domain.ErrInvalidTransition.Code,
			fmt.Sprintf("complete is only legal from %s, current phase %s", domain.FinalPhase(), m.phase),
		)
	}
	if err := m.checkGate(ctx); err != nil {
		return domain.BoundaryEvent{}, err
	}

	m.addArtifacts(domain.DeclaredArtifacts(m.phase))
	delete(m.progress, m.phase)
	return domain.BoundaryEvent{
		From:      m.phase,
		Artifacts: m.Artifacts(),
		At:        m.now().UTC(),
	}, nil
}

// EnterBlocking pauses the phase pending a human answer. Legal only from
// Active.
func (m *Machine) EnterBlocking(query string, options []string, timeoutMs *int64) (domain.BlockingRecord, error) {
	if m.IsComplete() {
		return domain.BlockingRecord{}, domain.ErrPipelineComplete
	}
	if !m.substate.IsActive() {
		return domain.BlockingRecord{}, invalidTransition("enter blocking", m.substate.Kind)
	}
	if err := checkTimeout(timeoutMs); err != nil {
		return domain.BlockingRecord{}, err
	}
	return m.block(query, options, timeoutMs), nil
}

// EscalateFailure hands a non-recoverable failure to a human by moving
// Failed{recoverable:false} to Blocking.
func (m *Machine) EscalateFailure(query string, options []string, timeoutMs *int64) (domain.BlockingRecord, error) {
	if m.substate.Kind != domain.SubstateFailed {
		return domain.BlockingRecord{}, invalidTransition("escalate failure", m.substate.Kind)
	}
	if m.substate.Failed.Recoverable {
		return domain.BlockingRecord{}, domain.NewEngineError(
			domain.ErrInvalidTransition.Code,
			"recoverable failure must be retried, not escalated",
		)
	}
	if err := checkTimeout(timeoutMs); err != nil {
		return domain.BlockingRecord{}, err
	}
	return m.block(query, options, timeoutMs), nil
}

func checkTimeout(timeoutMs *int64) error {
	if timeoutMs != nil && *timeoutMs < 0 {
		return domain.NewEngineError(domain.ErrInvalidTimeout.Code,
			fmt.Sprintf("blocking timeout must not be negative, got %dms", *timeoutMs))
	}
	return nil
}

func (m *Machine) block(query string, options []string, timeoutMs *int64) domain.BlockingRecord {
	rec := m.blocking.Open(m.phase, query, options, timeoutMs)
	m.substate = domain.Substate{
		Kind: domain.SubstateBlocking,
		Blocking: &domain.BlockingInfo{
			BlockingID: rec.ID,
			Query:      rec.Query,
			Options:    rec.Options,
			BlockedAt:  rec.BlockedAt,
			TimeoutMs:  rec.TimeoutMs,
		},
	}
	return rec
}

// ResolveBlocking answers the open blocking query id and returns to Active.
func (m *Machine) ResolveBlocking(id, answer string) (domain.BlockingRecord, error) {
	if m.substate.Kind != domain.SubstateBlocking {
		return domain.BlockingRecord{}, invalidTransition("resolve blocking", m.substate.Kind)
	}
	current := m.substate.Blocking.BlockingID
	if current != "" && id != current {
		return domain.BlockingRecord{}, unknownBlocking(id)
	}
	if !m.blocking.Resolve(id, answer) {
		return domain.BlockingRecord{}, unknownBlocking(id)
	}
	m.substate = domain.ActiveSubstate()
	rec, _ := m.blocking.Get(id)
	return rec, nil
}

// FailPhase halts the current phase. Legal only from Active.
func (m *Machine) FailPhase(msg, code string, recoverable bool, details map[string]string) error {
	if m.IsComplete() {
		return domain.ErrPipelineComplete
	}
	if !m.substate.IsActive() {
		return invalidTransition("fail phase", m.substate.Kind)
	}
	f := &domain.FailureInfo{
		Error:       msg,
		Code:        code,
		FailedAt:    m.now().UTC(),
		Recoverable: recoverable,
	}
	if len(details) > 0 {
		f.Context = make(map[string]string, len(details))
		for k, v := range details {
			f.Context[k] = v
		}
	}
	m.substate = domain.Substate{Kind: domain.SubstateFailed, Failed: f}
	return nil
}

// Retry returns a recoverable failure to Active without touching phase or
// artifacts.
func (m *Machine) Retry() error {
	if m.substate.Kind != domain.SubstateFailed {
		return invalidTransition("retry", m.substate.Kind)
	}
	if !m.substate.Failed.Recoverable {
		return domain.NewEngineError(domain.ErrInvalidTransition.Code, "failure is not recoverable; escalate to a human instead")
	}
	m.substate = domain.ActiveSubstate()
	return nil
}

// SetProgress records an opaque progress payload for the current phase.
// The payload is stored compacted, which is the form the codec reads back.
func (m *Machine) SetProgress(raw json.RawMessage) error {
	if !m.substate.IsActive() {
		return invalidTransition("set progress", m.substate.Kind)
	}
	if !json.Valid(raw) {
		return domain.NewEngineError(domain.ErrInvalidTransition.Code, "progress payload is not valid JSON")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return domain.WrapEngineError(domain.ErrInvalidTransition.Code, "progress payload", err)
	}
	if m.progress == nil {
		m.progress = make(map[domain.Phase]json.RawMessage)
	}
	m.progress[m.phase] = json.RawMessage(buf.Bytes())
	return nil
}

func (m *Machine) checkGate(ctx context.Context) error {
	gate, err := m.gates.Get(m.phase)
	if err != nil {
		return err
	}
	decision, err := gate.Evaluate(ctx, m.Snapshot())
	if err != nil {
		return fmt.Errorf("evaluate gate: %w", err)
	}
	if !decision.Allow {
		return domain.NewEngineError(
			domain.ErrPhaseGateFailed.Code,
			fmt.Sprintf("gate blocked transition: %v", decision.Blockers),
		)
	}
	return nil
}

func (m *Machine) hasArtifact(a domain.ArtifactType) bool {
	for _, have := range m.artifacts {
		if have == a {
			return true
		}
	}
	return false
}

func (m *Machine) addArtifacts(as []domain.ArtifactType) {
	for _, a := range as {
		if !m.hasArtifact(a) {
			m.artifacts = append(m.artifacts, a)
		}
	}
}

func invalidTransition(op string, from domain.SubstateKind) error {
	return domain.NewEngineError(
		domain.ErrInvalidTransition.Code,
		fmt.Sprintf("%s not allowed from %s substate", op, from),
	)
}

func unknownBlocking(id string) error {
	return domain.NewEngineError(
		domain.ErrUnknownBlockingID.Code,
		fmt.Sprintf("no open blocking record %q", id),
	)
}
