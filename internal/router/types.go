// Package router decides which model tier handles a unit of work and keeps
// every outbound prompt inside that tier's context window.
package router

import (
	"fmt"
	"strings"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

// ModelAlias is a role-based label mapped externally to a concrete model.
type ModelAlias string

const (
	AliasArchitect  ModelAlias = "architect"
	AliasAuditor    ModelAlias = "auditor"
	AliasStructurer ModelAlias = "structurer"
	AliasWorker     ModelAlias = "worker"
	AliasFallback   ModelAlias = "fallback"
)

// Aliases lists every known alias.
var Aliases = []ModelAlias{
	AliasArchitect,
	AliasAuditor,
	AliasStructurer,
	AliasWorker,
	AliasFallback,
}

// ParseAlias converts a string to a ModelAlias, rejecting unknown values.
func ParseAlias(s string) (ModelAlias, error) {
	a := ModelAlias(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Aliases {
		if a == known {
			return a, nil
		}
	}
	return "", domain.NewEngineError(domain.ErrUnknownAlias.Code, fmt.Sprintf("unknown model alias %q", s))
}

// Task types understood by the router.
const (
	TaskImplement = "implement"
	TaskTransform = "transform"
	TaskAudit     = "audit"
	TaskStructure = "structure"
	TaskArchitect = "architect"
	TaskFallback  = "fallback"
)

// UpgradeRule names the pre-emption rule that raised the tier.
type UpgradeRule string

const (
	RuleNone                UpgradeRule = ""
	RuleTokenThreshold      UpgradeRule = "token_threshold"
	RuleComplexityThreshold UpgradeRule = "complexity_threshold"
)

// RoutingSignals is the complete input to routing. Routing never consults
// anything outside this struct.
type RoutingSignals struct {
	TaskType              string  `json:"taskType"`
	EstimatedInputTokens  int     `json:"estimatedInputTokens"`
	EstimatedOutputTokens int     `json:"estimatedOutputTokens"`
	SignatureComplexity   float64 `json:"signatureComplexity"`
	PriorEscalations      int     `json:"priorEscalations"`
	ModuleEscalationRate  float64 `json:"moduleEscalationRate"`
}

// RoutingResult is the outcome of Route.
type RoutingResult struct {
	ModelAlias  ModelAlias  `json:"modelAlias"`
	BaseModel   ModelAlias  `json:"baseModel"`
	WasUpgraded bool        `json:"wasUpgraded"`
	UpgradeRule UpgradeRule `json:"upgradeRule,omitempty"`
}

// StrategyKind discriminates OverflowStrategy.
type StrategyKind string

const (
	StrategyTruncate StrategyKind = "truncate"
	StrategyUpgrade  StrategyKind = "upgrade"
	StrategyReject   StrategyKind = "reject"
	StrategyChunk    StrategyKind = "chunk"
)

// OverflowStrategy is a tagged union; only the fields for Kind are set.
type OverflowStrategy struct {
	Kind        StrategyKind `json:"kind"`
	Sections    []Section    `json:"sections,omitempty"`
	TargetModel ModelAlias   `json:"targetModel,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	ChunkSize   int          `json:"chunkSize,omitempty"`
}

func (s OverflowStrategy) String() string {
	switch s.Kind {
	case StrategyTruncate:
		return fmt.Sprintf("truncate%v", s.Sections)
	case StrategyUpgrade:
		return "upgrade(" + string(s.TargetModel) + ")"
	case StrategyReject:
		return "reject(" + s.Reason + ")"
	case StrategyChunk:
		return fmt.Sprintf("chunk(%d)", s.ChunkSize)
	}
	return string(s.Kind)
}

// ContextBudgetAnalysis describes how a request fits a model's input window.
type ContextBudgetAnalysis struct {
	WithinBudget       bool              `json:"withinBudget"`
	EstimatedTokens    int               `json:"estimatedTokens"`
	MaxTokens          int               `json:"maxTokens"`
	OverflowTokens     int               `json:"overflowTokens"`
	OverflowPercentage float64           `json:"overflowPercentage"`
	Strategy           *OverflowStrategy `json:"strategy,omitempty"`
}

// Request is one model call before dispatch. Prompt is nil for plain text
// requests, which cannot be truncated.
type Request struct {
	ModelAlias ModelAlias        `json:"modelAlias"`
	TaskType   string            `json:"taskType,omitempty"`
	Prompt     *StructuredPrompt `json:"prompt,omitempty"`
	Text       string            `json:"text,omitempty"`
}

// Render returns the text sent to the model.
func (r Request) Render() string {
	if r.Prompt != nil {
		return r.Prompt.Render()
	}
	return r.Text
}

// OverflowError is returned when a request cannot be made to fit.
type OverflowError struct {
	Analysis ContextBudgetAnalysis
	Strategy *OverflowStrategy
}

func (e *OverflowError) Error() string {
	msg := fmt.Sprintf("overflow rejected: %d tokens against limit %d (%.0f%% over)",
		e.Analysis.EstimatedTokens, e.Analysis.MaxTokens, e.Analysis.OverflowPercentage*100)
	if e.Strategy != nil && e.Strategy.Reason != "" {
		msg += ": " + e.Strategy.Reason
	}
	return msg
}

// Unwrap lets errors.Is match domain.ErrOverflowRejected.
func (e *OverflowError) Unwrap() error {
	return domain.ErrOverflowRejected
}
