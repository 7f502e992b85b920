package router

import (
	"path"
	"sort"
	"strings"
)

// Capability is the context window of one model.
type Capability struct {
	MaxInputTokens  int `json:"max_input_tokens" yaml:"max_input_tokens"`
	MaxOutputTokens int `json:"max_output_tokens" yaml:"max_output_tokens"`
}

// DefaultCapability is applied to models the table does not know.
var DefaultCapability = Capability{MaxInputTokens: 8192, MaxOutputTokens: 2048}

var builtinCapabilities = map[string]Capability{
	"claude-opus-4*":     {MaxInputTokens: 200000, MaxOutputTokens: 32000},
	"claude-sonnet-4*":   {MaxInputTokens: 200000, MaxOutputTokens: 64000},
	"claude-3-7-sonnet*": {MaxInputTokens: 200000, MaxOutputTokens: 64000},
	"claude-3-5-haiku*":  {MaxInputTokens: 200000, MaxOutputTokens: 8192},
	"claude-haiku-4*":    {MaxInputTokens: 200000, MaxOutputTokens: 64000},
	"gpt-4o*":            {MaxInputTokens: 128000, MaxOutputTokens: 16384},
	"gpt-4.1*":           {MaxInputTokens: 1047576, MaxOutputTokens: 32768},
	"gpt-3.5-turbo*":     {MaxInputTokens: 16385, MaxOutputTokens: 4096},
	"o3*":                {MaxInputTokens: 200000, MaxOutputTokens: 100000},
	"o4-mini*":           {MaxInputTokens: 200000, MaxOutputTokens: 100000},
	"deepseek-chat":      {MaxInputTokens: 64000, MaxOutputTokens: 8192},
}

type capabilityRule struct {
	pattern string
	cap     Capability
}

// CapabilityTable maps model identifiers to their limits. Exact names win
// over glob rules; among globs the longest pattern wins.
type CapabilityTable struct {
	exact map[string]Capability
	globs []capabilityRule
}

// NewCapabilityTable builds the table from built-in entries plus overrides.
// Override keys replace built-in keys with the same spelling.
func NewCapabilityTable(overrides map[string]Capability) *CapabilityTable {
	merged := make(map[string]Capability, len(builtinCapabilities)+len(overrides))
	for k, v := range builtinCapabilities {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[strings.ToLower(strings.TrimSpace(k))] = v
	}

	t := &CapabilityTable{exact: make(map[string]Capability)}
	for k, v := range merged {
		if k == "" {
			continue
		}
		if isGlobRule(k) {
			t.globs = append(t.globs, capabilityRule{pattern: k, cap: v})
			continue
		}
		t.exact[k] = v
	}
	sort.Slice(t.globs, func(i, j int) bool {
		if len(t.globs[i].pattern) != len(t.globs[j].pattern) {
			return len(t.globs[i].pattern) > len(t.globs[j].pattern)
		}
		return t.globs[i].pattern < t.globs[j].pattern
	})
	return t
}

// Lookup returns the capability for model. Unknown models get
// DefaultCapability and ok=false.
func (t *CapabilityTable) Lookup(model string) (Capability, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if c, ok := t.exact[m]; ok {
		return c, true
	}
	for _, rule := range t.globs {
		if ok, _ := path.Match(rule.pattern, m); ok {
			return rule.cap, true
		}
	}
	return DefaultCapability, false
}

func isGlobRule(rule string) bool {
	return strings.ContainsAny(rule, "*?[")
}
