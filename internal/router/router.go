package router

// Default pre-emption thresholds. Both comparisons are strict.
const (
	DefaultTokenThreshold      = 12000
	DefaultComplexityThreshold = 5.0
)

// Thresholds configures conservative pre-emption.
type Thresholds struct {
	TokenThreshold      int
	ComplexityThreshold float64
}

// DefaultThresholds returns the standard pre-emption thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TokenThreshold:      DefaultTokenThreshold,
		ComplexityThreshold: DefaultComplexityThreshold,
	}
}

// baseAliases maps task types to their natural role.
var baseAliases = map[string]ModelAlias{
	TaskImplement: AliasWorker,
	TaskTransform: AliasWorker,
	TaskAudit:     AliasAuditor,
	TaskStructure: AliasStructurer,
	TaskArchitect: AliasArchitect,
	TaskFallback:  AliasFallback,
}

// upgradeable is the set of base aliases eligible for pre-emption.
var upgradeable = map[ModelAlias]bool{
	AliasWorker: true,
}

// Router is a pure function from RoutingSignals to RoutingResult.
// It holds no mutable state and is safe for concurrent use.
type Router struct {
	thresholds Thresholds
}

// NewRouter creates a router. Zero-valued thresholds take the defaults.
func NewRouter(th Thresholds) *Router {
	if th.TokenThreshold <= 0 {
		th.TokenThreshold = DefaultTokenThreshold
	}
	if th.ComplexityThreshold <= 0 {
		th.ComplexityThreshold = DefaultComplexityThreshold
	}
	return &Router{thresholds: th}
}

// Thresholds returns the router's pre-emption thresholds.
func (r *Router) Thresholds() Thresholds {
	return r.thresholds
}

// Route selects a tier for the given signals.
func (r *Router) Route(s RoutingSignals) RoutingResult {
	base := BaseAlias(s.TaskType)
	result := RoutingResult{ModelAlias: base, BaseModel: base}

	if upgradeable[base] {
		rule := RuleNone
		switch {
		case s.EstimatedInputTokens > r.thresholds.TokenThreshold:
			rule = RuleTokenThreshold
		case s.SignatureComplexity > r.thresholds.ComplexityThreshold:
			rule = RuleComplexityThreshold
		}
		if rule != RuleNone {
			if next, ok := NextTier(base); ok {
				result.ModelAlias = next
				result.UpgradeRule = rule
			}
		}
	}

	result.WasUpgraded = result.ModelAlias != result.BaseModel
	return result
}

// Route routes with the default thresholds.
func Route(s RoutingSignals) RoutingResult {
	return NewRouter(DefaultThresholds()).Route(s)
}

// BaseAlias maps a task type to its base alias. Unrecognised task types are
// treated as implementation work.
func BaseAlias(taskType string) ModelAlias {
	if a, ok := baseAliases[taskType]; ok {
		return a
	}
	return AliasWorker
}
