package router

// escalationChain is the linear tier order used for reactive escalation.
var escalationChain = []ModelAlias{AliasWorker, AliasStructurer, AliasArchitect, AliasFallback}

// NextTier returns the tier above a. Fallback has no successor. The auditor
// role sits outside the chain and escalates straight to architect.
func NextTier(a ModelAlias) (ModelAlias, bool) {
	if a == AliasAuditor {
		return AliasArchitect, true
	}
	for i, tier := range escalationChain {
		if tier == a && i+1 < len(escalationChain) {
			return escalationChain[i+1], true
		}
	}
	return "", false
}

// ChainLength is the maximum number of escalations any request can take.
func ChainLength() int {
	return len(escalationChain) - 1
}
