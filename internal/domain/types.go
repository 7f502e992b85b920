// Package domain defines the core types for the synthesis protocol.
package domain

import (
	"encoding/json"
	"time"
)

// Phase is one stage of the synthesis pipeline.
type Phase string

const (
	PhaseIgnition            Phase = "Ignition"
	PhaseStructuring         Phase = "Structuring"
	PhaseCompositionAudit    Phase = "CompositionAudit"
	PhaseInjection           Phase = "Injection"
	PhaseVerification        Phase = "Verification"
	PhaseComplexityReduction Phase = "ComplexityReduction"
)

// PhaseOrder is the forward order of the pipeline.
var PhaseOrder = []Phase{
	PhaseIgnition,
	PhaseStructuring,
	PhaseCompositionAudit,
	PhaseInjection,
	PhaseVerification,
	PhaseComplexityReduction,
}

// FirstPhase returns the initial pipeline stage.
func FirstPhase() Phase { return PhaseOrder[0] }

// FinalPhase returns the last pipeline stage.
func FinalPhase() Phase { return PhaseOrder[len(PhaseOrder)-1] }

// PhaseIndex returns the ordinal of p, or -1 if p is not a known phase.
func PhaseIndex(p Phase) int {
	for i, candidate := range PhaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// IsKnownPhase reports whether p names a pipeline stage.
func IsKnownPhase(p Phase) bool {
	return PhaseIndex(p) >= 0
}

// ArtifactType identifies a completed, reusable phase output.
type ArtifactType string

const (
	ArtifactSpec                  ArtifactType = "spec"
	ArtifactStructure             ArtifactType = "structure"
	ArtifactAuditReport           ArtifactType = "audit_report"
	ArtifactContracts             ArtifactType = "contracts"
	ArtifactImplementation        ArtifactType = "implementation"
	ArtifactVerificationReport    ArtifactType = "verification_report"
	ArtifactReducedImplementation ArtifactType = "reduced_implementation"
)

// declaredArtifacts lists what each phase produces when it completes.
var declaredArtifacts = map[Phase][]ArtifactType{
	PhaseIgnition:            {ArtifactSpec},
	PhaseStructuring:         {ArtifactStructure},
	PhaseCompositionAudit:    {ArtifactAuditReport},
	PhaseInjection:           {ArtifactContracts, ArtifactImplementation},
	PhaseVerification:        {ArtifactVerificationReport},
	PhaseComplexityReduction: {ArtifactReducedImplementation},
}

// IsKnownArtifact reports whether a is produced by some phase.
func IsKnownArtifact(a ArtifactType) bool {
	for _, as := range declaredArtifacts {
		for _, candidate := range as {
			if candidate == a {
				return true
			}
		}
	}
	return false
}

// DeclaredArtifacts returns the artifacts a phase contributes on completion.
func DeclaredArtifacts(p Phase) []ArtifactType {
	return append([]ArtifactType(nil), declaredArtifacts[p]...)
}

// SubstateKind is the discriminant of ProtocolSubstate.
type SubstateKind string

const (
	SubstateActive   SubstateKind = "Active"
	SubstateBlocking SubstateKind = "Blocking"
	SubstateFailed   SubstateKind = "Failed"
)

// BlockingInfo is the payload of a Blocking substate.
type BlockingInfo struct {
	BlockingID string
	Query      string
	Options    []string
	BlockedAt  time.Time
	TimeoutMs  *int64
}

// FailureInfo is the payload of a Failed substate.
type FailureInfo struct {
	Error       string
	Code        string
	FailedAt    time.Time
	Recoverable bool
	Context     map[string]string
}

// Substate is a tagged union: exactly one of Blocking/Failed is set when
// Kind says so, and neither is set for Active.
type Substate struct {
	Kind     SubstateKind
	Blocking *BlockingInfo
	Failed   *FailureInfo
}

// ActiveSubstate returns the Active substate.
func ActiveSubstate() Substate {
	return Substate{Kind: SubstateActive}
}

// IsActive reports whether the phase is executing normally.
func (s Substate) IsActive() bool { return s.Kind == SubstateActive }

// Deadline returns blockedAt+timeout for a Blocking substate with a timeout.
func (s Substate) Deadline() (time.Time, bool) {
	if s.Kind != SubstateBlocking || s.Blocking == nil || s.Blocking.TimeoutMs == nil {
		return time.Time{}, false
	}
	return s.Blocking.BlockedAt.Add(time.Duration(*s.Blocking.TimeoutMs) * time.Millisecond), true
}

// Clone returns a deep copy.
func (s Substate) Clone() Substate {
	out := Substate{Kind: s.Kind}
	if s.Blocking != nil {
		b := *s.Blocking
		b.Options = cloneStrings(s.Blocking.Options)
		b.TimeoutMs = cloneInt64(s.Blocking.TimeoutMs)
		out.Blocking = &b
	}
	if s.Failed != nil {
		f := *s.Failed
		if s.Failed.Context != nil {
			f.Context = make(map[string]string, len(s.Failed.Context))
			for k, v := range s.Failed.Context {
				f.Context[k] = v
			}
		}
		out.Failed = &f
	}
	return out
}

// ProtocolState is the current phase and its substate.
type ProtocolState struct {
	Phase    Phase
	Substate Substate
}

// BlockingRecord is a durable audit entry for a human-escalation query.
// Records are marked resolved, never deleted.
type BlockingRecord struct {
	ID         string
	Phase      Phase
	Query      string
	Options    []string
	BlockedAt  time.Time
	Resolved   bool
	TimeoutMs  *int64
	Answer     string
	ResolvedAt *time.Time
}

// Deadline returns blockedAt+timeout when a timeout was requested.
func (r BlockingRecord) Deadline() (time.Time, bool) {
	if r.TimeoutMs == nil {
		return time.Time{}, false
	}
	return r.BlockedAt.Add(time.Duration(*r.TimeoutMs) * time.Millisecond), true
}

// Clone returns a deep copy.
func (r BlockingRecord) Clone() BlockingRecord {
	out := r
	out.Options = cloneStrings(r.Options)
	out.TimeoutMs = cloneInt64(r.TimeoutMs)
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}

// Snapshot is the full unit of persistence.
type Snapshot struct {
	State           ProtocolState
	Artifacts       []ArtifactType
	BlockingQueries []BlockingRecord
	// PhaseProgress is an opaque, phase-scoped progress side-table.
	PhaseProgress map[Phase]json.RawMessage
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		State: ProtocolState{
			Phase:    s.State.Phase,
			Substate: s.State.Substate.Clone(),
		},
		Artifacts: append([]ArtifactType(nil), s.Artifacts...),
	}
	if s.BlockingQueries != nil {
		out.BlockingQueries = make([]BlockingRecord, len(s.BlockingQueries))
		for i, r := range s.BlockingQueries {
			out.BlockingQueries[i] = r.Clone()
		}
	}
	if s.PhaseProgress != nil {
		out.PhaseProgress = make(map[Phase]json.RawMessage, len(s.PhaseProgress))
		for p, raw := range s.PhaseProgress {
			out.PhaseProgress[p] = append(json.RawMessage(nil), raw...)
		}
	}
	return out
}

// HasArtifact reports whether a is in the snapshot's artifact set.
func (s Snapshot) HasArtifact(a ArtifactType) bool {
	for _, have := range s.Artifacts {
		if have == a {
			return true
		}
	}
	return false
}

// BoundaryEvent describes one completed phase transition.
type BoundaryEvent struct {
	From      Phase
	To        Phase
	Repair    bool
	Artifacts []ArtifactType
	At        time.Time
}

// GateDecision is the result of evaluating phase exit conditions.
type GateDecision struct {
	Allow    bool
	Blockers []string
}

// TokenUsage is the usage reported for one model invocation.
type TokenUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// UsageDelta records the token cost of one call.
type UsageDelta struct {
	Phase            Phase
	ModelAlias       string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	LatencyMs        int64
	CreatedAt        int64
}

// UsageAction is the decision from the usage governor.
type UsageAction string

const (
	UsageContinue UsageAction = "continue"
	UsageWarn     UsageAction = "warn"
	UsageHalt     UsageAction = "halt"
)

// ProtocolEvent is an entry in the append-only event log.
type ProtocolEvent struct {
	ID          int64
	PipelineID  string
	SeqNo       int64
	Phase       Phase
	EventType   string
	PayloadJSON string
	CreatedAt   int64
}

// PhaseArchive is the artifact set captured at a phase boundary.
type PhaseArchive struct {
	ID            int64
	PipelineID    string
	FromPhase     Phase
	ToPhase       Phase
	ArtifactsJSON string
	Checksum      string
	CreatedAt     int64
}

// AuditCategory names the kind of decision an AuditRecord logs.
type AuditCategory string

const (
	// AuditBlocking covers blocking queries opened and resolved.
	AuditBlocking AuditCategory = "blocking"
	// AuditEscalation covers tier escalations and chain exhaustion.
	AuditEscalation AuditCategory = "escalation"
	// AuditOverflow covers requests rejected for the context budget.
	AuditOverflow AuditCategory = "overflow"
)

// AuditCategories lists the categories in reporting order.
var AuditCategories = []AuditCategory{AuditBlocking, AuditEscalation, AuditOverflow}

// IsKnownAuditCategory reports whether c is one of AuditCategories.
func IsKnownAuditCategory(c AuditCategory) bool {
	for _, known := range AuditCategories {
		if c == known {
			return true
		}
	}
	return false
}

// AuditRecord logs blocking, escalation and rejection decisions.
type AuditRecord struct {
	ID           string
	PipelineID   string
	Category     AuditCategory
	Actor        string
	Action       string
	RequestJSON  string
	DecisionJSON string
	Severity     string
	CreatedAt    int64
}

// RoutingDecision records one routing outcome for reporting.
type RoutingDecision struct {
	ID            int64
	PipelineID    string
	Phase         Phase
	TaskType      string
	BaseAlias     string
	ResultAlias   string
	UpgradeRule   string
	InputTokens   int
	Complexity    float64
	FinalAlias    string
	StrategyTrail string
	CreatedAt     int64
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneInt64(in *int64) *int64 {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}
