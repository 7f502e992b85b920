package router

// DefaultRemovalOrder sheds the lowest-priority sections first.
var DefaultRemovalOrder = []Section{
	SectionComments,
	SectionExamples,
	SectionRelatedTypes,
	SectionRequiredTypes,
}

// TruncationOrder lists removable sections, lowest priority first.
type TruncationOrder struct {
	order     []Section
	protected map[Section]bool
}

// NewTruncationOrder builds an order. Protected sections are dropped from
// the removable list; extra may add more protected sections but can never
// unprotect the fixed ones.
func NewTruncationOrder(order []Section, extraProtected ...Section) TruncationOrder {
	protected := make(map[Section]bool, len(protectedSections)+len(extraProtected))
	for s := range protectedSections {
		protected[s] = true
	}
	for _, s := range extraProtected {
		protected[s] = true
	}
	seen := make(map[Section]bool, len(order))
	removable := make([]Section, 0, len(order))
	for _, s := range order {
		if protected[s] || seen[s] {
			continue
		}
		seen[s] = true
		removable = append(removable, s)
	}
	return TruncationOrder{order: removable, protected: protected}
}

// DefaultTruncationOrder returns the standard order.
func DefaultTruncationOrder() TruncationOrder {
	return NewTruncationOrder(DefaultRemovalOrder)
}

// Order returns the removable sections.
func (o TruncationOrder) Order() []Section {
	return append([]Section(nil), o.order...)
}

// Protected reports whether s is excluded from removal.
func (o TruncationOrder) Protected(s Section) bool {
	if IsProtected(s) {
		return true
	}
	return o.protected[s]
}

// TruncationResult reports what truncation removed.
type TruncationResult struct {
	Prompt          StructuredPrompt `json:"prompt"`
	Success         bool             `json:"success"`
	RemovedSections []Section        `json:"removedSections"`
	TokensBefore    int              `json:"tokensBefore"`
	TokensAfter     int              `json:"tokensAfter"`
	TokensSaved     int              `json:"tokensSaved"`
	TargetLimit     int              `json:"targetLimit"`
}

// Truncate removes whole sections in order until p fits within limit or no
// removable section is left. A prompt already within limit comes back
// unchanged.
func Truncate(p StructuredPrompt, limit int, order TruncationOrder) TruncationResult {
	before := p.Tokens()
	res := TruncationResult{
		Prompt:          p,
		RemovedSections: []Section{},
		TokensBefore:    before,
		TokensAfter:     before,
		TargetLimit:     limit,
	}
	if before <= limit {
		res.Success = true
		return res
	}

	current := p
	tokens := before
	for _, s := range order.order {
		if order.Protected(s) || !current.Has(s) {
			continue
		}
		current = current.without(s)
		res.RemovedSections = append(res.RemovedSections, s)
		tokens = current.Tokens()
		if tokens <= limit {
			break
		}
	}

	res.Prompt = current
	res.TokensAfter = tokens
	res.TokensSaved = before - tokens
	res.Success = tokens <= limit
	return res
}
