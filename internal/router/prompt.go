package router

import (
	"fmt"
	"strings"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

// Section names one part of a StructuredPrompt.
type Section string

const (
	SectionSystemPrompt  Section = "systemPrompt"
	SectionSignature     Section = "signature"
	SectionContracts     Section = "contracts"
	SectionRequiredTypes Section = "requiredTypes"
	SectionRelatedTypes  Section = "relatedTypes"
	SectionExamples      Section = "examples"
	SectionComments      Section = "comments"
	SectionUserPrompt    Section = "userPrompt"
)

// renderOrder is the order sections appear in the rendered prompt.
var renderOrder = []Section{
	SectionSystemPrompt,
	SectionSignature,
	SectionContracts,
	SectionRequiredTypes,
	SectionRelatedTypes,
	SectionExamples,
	SectionComments,
	SectionUserPrompt,
}

// protectedSections can never be removed by any truncation order.
var protectedSections = map[Section]bool{
	SectionSystemPrompt: true,
	SectionSignature:    true,
	SectionContracts:    true,
}

// IsProtected reports whether s is permanently protected.
func IsProtected(s Section) bool {
	return protectedSections[s]
}

// ParseSection validates a section name.
func ParseSection(s string) (Section, error) {
	for _, known := range renderOrder {
		if string(known) == s {
			return known, nil
		}
	}
	return "", domain.NewEngineError(domain.ErrConfigInvalid.Code, fmt.Sprintf("unknown prompt section %q", s))
}

// StructuredPrompt is a prompt split into named optional sections.
// An empty string means the section is absent.
type StructuredPrompt struct {
	SystemPrompt  string `json:"systemPrompt,omitempty"`
	Signature     string `json:"signature,omitempty"`
	Contracts     string `json:"contracts,omitempty"`
	RequiredTypes string `json:"requiredTypes,omitempty"`
	RelatedTypes  string `json:"relatedTypes,omitempty"`
	Examples      string `json:"examples,omitempty"`
	Comments      string `json:"comments,omitempty"`
	UserPrompt    string `json:"userPrompt,omitempty"`
}

// Get returns the content of a section.
func (p StructuredPrompt) Get(s Section) string {
	switch s {
	case SectionSystemPrompt:
		return p.SystemPrompt
	case SectionSignature:
		return p.Signature
	case SectionContracts:
		return p.Contracts
	case SectionRequiredTypes:
		return p.RequiredTypes
	case SectionRelatedTypes:
		return p.RelatedTypes
	case SectionExamples:
		return p.Examples
	case SectionComments:
		return p.Comments
	case SectionUserPrompt:
		return p.UserPrompt
	}
	return ""
}

// Has reports whether a section is present.
func (p StructuredPrompt) Has(s Section) bool {
	return p.Get(s) != ""
}

// without returns a copy with section s cleared. Protected sections are
// returned untouched.
func (p StructuredPrompt) without(s Section) StructuredPrompt {
	if IsProtected(s) {
		return p
	}
	switch s {
	case SectionRequiredTypes:
		p.RequiredTypes = ""
	case SectionRelatedTypes:
		p.RelatedTypes = ""
	case SectionExamples:
		p.Examples = ""
	case SectionComments:
		p.Comments = ""
	case SectionUserPrompt:
		p.UserPrompt = ""
	}
	return p
}

// Sections lists the present sections in render order.
func (p StructuredPrompt) Sections() []Section {
	var out []Section
	for _, s := range renderOrder {
		if p.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// Render joins the present sections with blank lines.
func (p StructuredPrompt) Render() string {
	parts := make([]string, 0, len(renderOrder))
	for _, s := range renderOrder {
		if v := p.Get(s); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Tokens estimates the rendered prompt size.
func (p StructuredPrompt) Tokens() int {
	return EstimateTokens(p.Render())
}
