package router

import "fmt"

// Plan is the result of routing a request and fitting it to a tier.
type Plan struct {
	Routing    RoutingResult         `json:"routing"`
	Request    Request               `json:"request"`
	Analysis   ContextBudgetAnalysis `json:"analysis"`
	Trail      []OverflowStrategy    `json:"trail"`
	Truncation *TruncationResult     `json:"truncation,omitempty"`
}

// FinalAlias is the tier the request will be sent to.
func (p Plan) FinalAlias() ModelAlias {
	return p.Request.ModelAlias
}

// Planner combines routing with overflow handling.
type Planner struct {
	Router *Router
	Budget *BudgetAnalyzer
}

// NewPlanner creates a planner.
func NewPlanner(r *Router, b *BudgetAnalyzer) *Planner {
	return &Planner{Router: r, Budget: b}
}

// Plan routes signals, then repeatedly analyzes the request against its
// tier. Mild overflow truncates; if truncation cannot reach the budget, or
// the prompt is plain text, the request moves up one tier with its original
// prompt. The loop is bounded by the escalation chain. Rejection returns an
// *OverflowError together with the partial plan.
func (p *Planner) Plan(signals RoutingSignals, req Request) (Plan, error) {
	routing := p.Router.Route(signals)
	req.ModelAlias = routing.ModelAlias
	if req.TaskType == "" {
		req.TaskType = signals.TaskType
	}
	plan := Plan{Routing: routing, Request: req, Trail: []OverflowStrategy{}}

	original := req
	for step := 0; step <= ChainLength()+1; step++ {
		analysis := p.Budget.AnalyzeAlias(plan.Request)
		plan.Analysis = analysis
		if analysis.WithinBudget {
			return plan, nil
		}
		strategy := *analysis.Strategy
		plan.Trail = append(plan.Trail, strategy)

		switch strategy.Kind {
		case StrategyTruncate:
			if plan.Request.Prompt != nil {
				res, err := p.Budget.Apply(plan.Request, strategy, analysis)
				if err != nil {
					return plan, err
				}
				if res.Truncation.Success {
					plan.Request = res.Request
					plan.Truncation = res.Truncation
					return plan, nil
				}
			}
			next, ok := NextTier(plan.Request.ModelAlias)
			if !ok {
				reject := OverflowStrategy{
					Kind:   StrategyReject,
					Reason: fmt.Sprintf("truncation insufficient and no tier above %s", plan.Request.ModelAlias),
				}
				plan.Trail = append(plan.Trail, reject)
				return plan, &OverflowError{Analysis: analysis, Strategy: &reject}
			}
			upgrade := OverflowStrategy{Kind: StrategyUpgrade, TargetModel: next}
			plan.Trail = append(plan.Trail, upgrade)
			plan.Request = original
			plan.Request.ModelAlias = next

		case StrategyUpgrade:
			res, err := p.Budget.Apply(plan.Request, strategy, analysis)
			if err != nil {
				return plan, err
			}
			plan.Request = res.Request

		default:
			_, err := p.Budget.Apply(plan.Request, strategy, analysis)
			return plan, err
		}
	}

	reject := OverflowStrategy{Kind: StrategyReject, Reason: "escalation chain exhausted"}
	plan.Trail = append(plan.Trail, reject)
	return plan, &OverflowError{Analysis: plan.Analysis, Strategy: &reject}
}
