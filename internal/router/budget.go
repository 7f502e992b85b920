package router

import (
	"fmt"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

// Overflow severity bands.
const (
	truncateCeiling = 0.20
	upgradeCeiling  = 1.00
)

// BudgetAnalyzer checks requests against the capability table.
type BudgetAnalyzer struct {
	Capabilities *CapabilityTable
	// Models resolves an alias to its concrete model identifier.
	Models map[ModelAlias]string
	Order  TruncationOrder
}

// NewBudgetAnalyzer creates an analyzer. A nil table uses built-ins only.
func NewBudgetAnalyzer(caps *CapabilityTable, models map[ModelAlias]string, order TruncationOrder) *BudgetAnalyzer {
	if caps == nil {
		caps = NewCapabilityTable(nil)
	}
	if len(order.order) == 0 && order.protected == nil {
		order = DefaultTruncationOrder()
	}
	return &BudgetAnalyzer{Capabilities: caps, Models: models, Order: order}
}

// ModelFor returns the concrete model bound to alias, or the alias itself
// when no binding exists.
func (b *BudgetAnalyzer) ModelFor(alias ModelAlias) string {
	if m, ok := b.Models[alias]; ok && m != "" {
		return m
	}
	return string(alias)
}

// Analyze computes how estimatedTokens fits targetModel's input window.
// A non-positive estimate is replaced by an estimate of the request text.
// The strategy is chosen relative to the request's current alias.
func (b *BudgetAnalyzer) Analyze(req Request, targetModel string, estimatedTokens int) ContextBudgetAnalysis {
	if estimatedTokens <= 0 {
		estimatedTokens = EstimateTokens(req.Render())
	}
	limit, _ := b.Capabilities.Lookup(targetModel)
	maxTokens := limit.MaxInputTokens

	overflow := estimatedTokens - maxTokens
	if overflow < 0 {
		overflow = 0
	}
	pct := 0.0
	if maxTokens > 0 {
		pct = float64(overflow) / float64(maxTokens)
	}

	analysis := ContextBudgetAnalysis{
		WithinBudget:       pct == 0,
		EstimatedTokens:    estimatedTokens,
		MaxTokens:          maxTokens,
		OverflowTokens:     overflow,
		OverflowPercentage: pct,
	}
	if strategy, ok := b.DetermineStrategy(pct, req); ok {
		analysis.Strategy = &strategy
	}
	return analysis
}

// AnalyzeAlias analyzes req against the model bound to its own alias.
func (b *BudgetAnalyzer) AnalyzeAlias(req Request) ContextBudgetAnalysis {
	return b.Analyze(req, b.ModelFor(req.ModelAlias), 0)
}

// DetermineStrategy picks a strategy for req, filling Truncate's section
// list from the sections the prompt actually carries.
func (b *BudgetAnalyzer) DetermineStrategy(pct float64, req Request) (OverflowStrategy, bool) {
	s, ok := DetermineOverflowStrategy(pct, req.ModelAlias)
	if ok && s.Kind == StrategyTruncate && req.Prompt != nil {
		for _, sec := range b.Order.order {
			if req.Prompt.Has(sec) {
				s.Sections = append(s.Sections, sec)
			}
		}
	}
	return s, ok
}

// DetermineOverflowStrategy maps an overflow percentage to a strategy.
// ok is false when the request is within budget.
func DetermineOverflowStrategy(pct float64, current ModelAlias) (OverflowStrategy, bool) {
	switch {
	case pct <= 0:
		return OverflowStrategy{}, false
	case pct < truncateCeiling:
		return OverflowStrategy{Kind: StrategyTruncate}, true
	case pct <= upgradeCeiling:
		if next, ok := NextTier(current); ok {
			return OverflowStrategy{Kind: StrategyUpgrade, TargetModel: next}, true
		}
		return OverflowStrategy{
			Kind:   StrategyReject,
			Reason: fmt.Sprintf("no tier above %s", current),
		}, true
	default:
		return OverflowStrategy{
			Kind:   StrategyReject,
			Reason: fmt.Sprintf("overflow of %.0f%% exceeds every strategy", pct*100),
		}, true
	}
}

// ApplyResult is the outcome of applying a strategy.
type ApplyResult struct {
	Request    Request           `json:"request"`
	Truncation *TruncationResult `json:"truncation,omitempty"`
}

// Apply executes strategy against req. Truncate needs a structured prompt.
// Reject always returns an *OverflowError and Chunk is unsupported.
func (b *BudgetAnalyzer) Apply(req Request, strategy OverflowStrategy, analysis ContextBudgetAnalysis) (ApplyResult, error) {
	switch strategy.Kind {
	case StrategyTruncate:
		if req.Prompt == nil {
			return ApplyResult{}, domain.ErrUnsupportedFormat
		}
		tr := Truncate(*req.Prompt, analysis.MaxTokens, b.Order)
		out := req
		prompt := tr.Prompt
		out.Prompt = &prompt
		return ApplyResult{Request: out, Truncation: &tr}, nil

	case StrategyUpgrade:
		if strategy.TargetModel == "" {
			reject := OverflowStrategy{Kind: StrategyReject, Reason: "upgrade without target tier"}
			return ApplyResult{}, &OverflowError{Analysis: analysis, Strategy: &reject}
		}
		out := req
		out.ModelAlias = strategy.TargetModel
		return ApplyResult{Request: out}, nil

	case StrategyReject:
		s := strategy
		return ApplyResult{}, &OverflowError{Analysis: analysis, Strategy: &s}

	case StrategyChunk:
		return ApplyResult{}, domain.ErrChunkingUnsupported
	}
	return ApplyResult{}, domain.NewEngineError(domain.ErrUnsupportedFormat.Code,
		fmt.Sprintf("unknown overflow strategy %q", strategy.Kind))
}

// ApplyOverflowStrategy applies strategy with the default truncation order.
func ApplyOverflowStrategy(req Request, strategy OverflowStrategy, analysis ContextBudgetAnalysis) (ApplyResult, error) {
	b := &BudgetAnalyzer{Capabilities: NewCapabilityTable(nil), Order: DefaultTruncationOrder()}
	return b.Apply(req, strategy, analysis)
}
