package router

// SignatureMetrics are the structural counts of a function signature.
type SignatureMetrics struct {
	GenericParams   int `json:"genericParams"`
	UnionMembers    int `json:"unionMembers"`
	LifetimeParams  int `json:"lifetimeParams"`
	NestedTypeDepth int `json:"nestedTypeDepth"`
	ParamCount      int `json:"paramCount"`
}

// SignatureComplexity scores a signature:
// generics*2 + unions + lifetimes*2 + nesting + params*0.5.
func SignatureComplexity(m SignatureMetrics) float64 {
	return float64(m.GenericParams)*2 +
		float64(m.UnionMembers) +
		float64(m.LifetimeParams)*2 +
		float64(m.NestedTypeDepth) +
		float64(m.ParamCount)*0.5
}
