package workflow

import (
	"context"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

// Gate evaluates whether the pipeline can exit its current phase.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, snap domain.Snapshot) (domain.GateDecision, error)
}

// DefaultGate checks the substate and the token budget.
type DefaultGate struct {
	Governor *UsageGovernor
}

// Name returns the gate name.
func (g *DefaultGate) Name() string {
	return "default"
}

// Evaluate allows exit while the phase is Active and the usage governor has
// not halted.
func (g *DefaultGate) Evaluate(ctx context.Context, snap domain.Snapshot) (domain.GateDecision, error) {
	decision := domain.GateDecision{Allow: true}

	if !snap.State.Substate.IsActive() {
		decision.Allow = false
		decision.Blockers = append(decision.Blockers, "phase is not active (substate="+string(snap.State.Substate.Kind)+")")
		return decision, nil
	}

	if g.Governor == nil {
		return decision, nil
	}
	if g.Governor.Check() == domain.UsageHalt {
		decision.Allow = false
		decision.Blockers = append(decision.Blockers, "token budget exhausted")
	}
	return decision, nil
}

// ArtifactGate denies exit until the listed artifacts exist.
type ArtifactGate struct {
	Required []domain.ArtifactType
	Next     Gate
}

// Name returns the gate name.
func (g *ArtifactGate) Name() string {
	return "artifacts"
}

// Evaluate checks required artifacts, then defers to Next if set.
func (g *ArtifactGate) Evaluate(ctx context.Context, snap domain.Snapshot) (domain.GateDecision, error) {
	decision := domain.GateDecision{Allow: true}
	for _, a := range g.Required {
		if !snap.HasArtifact(a) {
			decision.Allow = false
			decision.Blockers = append(decision.Blockers, "missing artifact "+string(a))
		}
	}
	if !decision.Allow || g.Next == nil {
		return decision, nil
	}
	return g.Next.Evaluate(ctx, snap)
}

// PhaseGateRegistry maps each phase to its gate implementation.
type PhaseGateRegistry struct {
	gates map[domain.Phase]Gate
}

// NewPhaseGateRegistry creates a registry with a default gate for all phases.
func NewPhaseGateRegistry(gov *UsageGovernor) *PhaseGateRegistry {
	defaultGate := &DefaultGate{Governor: gov}
	gates := make(map[domain.Phase]Gate, len(domain.PhaseOrder))
	for _, p := range domain.PhaseOrder {
		gates[p] = defaultGate
	}
	return &PhaseGateRegistry{gates: gates}
}

// Register sets a custom gate for a phase.
func (r *PhaseGateRegistry) Register(phase domain.Phase, gate Gate) {
	r.gates[phase] = gate
}

// Get returns the gate for a phase, or an error if none is registered.
func (r *PhaseGateRegistry) Get(phase domain.Phase) (Gate, error) {
	g, ok := r.gates[phase]
	if !ok {
		return nil, domain.ErrGateNotRegistered
	}
	return g, nil
}
