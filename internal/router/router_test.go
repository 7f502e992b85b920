package router

import (
	"errors"
	"testing"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

func TestRoute_PreemptionBoundaries(t *testing.T) {
	tests := []struct {
		name      string
		signals   RoutingSignals
		wantAlias ModelAlias
		wantRule  UpgradeRule
	}{
		{"tokens at threshold", RoutingSignals{TaskType: TaskImplement, EstimatedInputTokens: 12000}, AliasWorker, RuleNone},
		{"tokens over threshold", RoutingSignals{TaskType: TaskImplement, EstimatedInputTokens: 12001}, AliasStructurer, RuleTokenThreshold},
		{"complexity at threshold", RoutingSignals{TaskType: TaskImplement, SignatureComplexity: 5}, AliasWorker, RuleNone},
		{"complexity over threshold", RoutingSignals{TaskType: TaskImplement, SignatureComplexity: 6}, AliasStructurer, RuleComplexityThreshold},
		{"tokens rule wins over complexity", RoutingSignals{TaskType: TaskTransform, EstimatedInputTokens: 20000, SignatureComplexity: 9}, AliasStructurer, RuleTokenThreshold},
		{"audit never pre-empted", RoutingSignals{TaskType: TaskAudit, EstimatedInputTokens: 90000, SignatureComplexity: 40}, AliasAuditor, RuleNone},
		{"structure never pre-empted", RoutingSignals{TaskType: TaskStructure, EstimatedInputTokens: 90000}, AliasStructurer, RuleNone},
		{"unknown task is worker", RoutingSignals{TaskType: "refactor", SignatureComplexity: 6}, AliasStructurer, RuleComplexityThreshold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Route(tt.signals)
			if got.ModelAlias != tt.wantAlias {
				t.Errorf("ModelAlias = %q, want %q", got.ModelAlias, tt.wantAlias)
			}
			if got.UpgradeRule != tt.wantRule {
				t.Errorf("UpgradeRule = %q, want %q", got.UpgradeRule, tt.wantRule)
			}
			if got.WasUpgraded != (got.ModelAlias != got.BaseModel) {
				t.Errorf("WasUpgraded = %v inconsistent with %q -> %q", got.WasUpgraded, got.BaseModel, got.ModelAlias)
			}
		})
	}
}

func TestRoute_Deterministic(t *testing.T) {
	r := NewRouter(DefaultThresholds())
	signals := RoutingSignals{
		TaskType:             TaskImplement,
		EstimatedInputTokens: 15000,
		SignatureComplexity:  7.5,
		PriorEscalations:     2,
		ModuleEscalationRate: 0.4,
	}
	first := r.Route(signals)
	for i := 0; i < 100; i++ {
		if got := r.Route(signals); got != first {
			t.Fatalf("Route call %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestRoute_CustomThresholds(t *testing.T) {
	r := NewRouter(Thresholds{TokenThreshold: 100, ComplexityThreshold: 2})
	got := r.Route(RoutingSignals{TaskType: TaskImplement, EstimatedInputTokens: 101})
	if got.UpgradeRule != RuleTokenThreshold {
		t.Errorf("UpgradeRule = %q, want %q", got.UpgradeRule, RuleTokenThreshold)
	}

	zero := NewRouter(Thresholds{})
	if zero.Thresholds() != DefaultThresholds() {
		t.Errorf("Thresholds = %+v, want defaults", zero.Thresholds())
	}
}

func TestSignatureComplexity_Formula(t *testing.T) {
	got := SignatureComplexity(SignatureMetrics{
		GenericParams:   2,
		UnionMembers:    3,
		LifetimeParams:  1,
		NestedTypeDepth: 2,
		ParamCount:      4,
	})
	if got != 13 {
		t.Errorf("SignatureComplexity = %v, want 13", got)
	}
	if got := SignatureComplexity(SignatureMetrics{ParamCount: 1}); got != 0.5 {
		t.Errorf("SignatureComplexity(1 param) = %v, want 0.5", got)
	}
}

func TestNextTier_Chain(t *testing.T) {
	tests := []struct {
		from   ModelAlias
		want   ModelAlias
		wantOK bool
	}{
		{AliasWorker, AliasStructurer, true},
		{AliasStructurer, AliasArchitect, true},
		{AliasArchitect, AliasFallback, true},
		{AliasFallback, "", false},
		{AliasAuditor, AliasArchitect, true},
		{ModelAlias("bogus"), "", false},
	}
	for _, tt := range tests {
		got, ok := NextTier(tt.from)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("NextTier(%q) = (%q, %v), want (%q, %v)", tt.from, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNextTier_NoCycles(t *testing.T) {
	for _, start := range Aliases {
		seen := map[ModelAlias]bool{start: true}
		cur := start
		for {
			next, ok := NextTier(cur)
			if !ok {
				break
			}
			if seen[next] {
				t.Fatalf("cycle from %q at %q", start, next)
			}
			seen[next] = true
			cur = next
		}
		if cur != AliasFallback {
			t.Errorf("chain from %q ends at %q, want fallback", start, cur)
		}
	}
}

func TestParseAlias(t *testing.T) {
	a, err := ParseAlias(" Worker ")
	if err != nil {
		t.Fatalf("ParseAlias: %v", err)
	}
	if a != AliasWorker {
		t.Errorf("alias = %q, want worker", a)
	}
	if _, err := ParseAlias("intern"); !errors.Is(err, domain.ErrUnknownAlias) {
		t.Errorf("expected ErrUnknownAlias, got %v", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abcd", 2},
		{"abcdefghijkl", 3},
		{"a b c", 4},
		{"supercalifragilistic", 5},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestCapabilityTable_Lookup(t *testing.T) {
	table := NewCapabilityTable(map[string]Capability{
		"local-llm":   {MaxInputTokens: 4096, MaxOutputTokens: 1024},
		"gpt-4o-mini": {MaxInputTokens: 64000, MaxOutputTokens: 4096},
	})

	tests := []struct {
		model   string
		wantIn  int
		wantHit bool
	}{
		{"local-llm", 4096, true},
		{"gpt-4o-mini", 64000, true},
		{"gpt-4o-2024-08-06", 128000, true},
		{"Claude-Sonnet-4-5", 200000, true},
		{"mystery-model", DefaultCapability.MaxInputTokens, false},
	}
	for _, tt := range tests {
		c, ok := table.Lookup(tt.model)
		if c.MaxInputTokens != tt.wantIn || ok != tt.wantHit {
			t.Errorf("Lookup(%q) = (%d, %v), want (%d, %v)", tt.model, c.MaxInputTokens, ok, tt.wantIn, tt.wantHit)
		}
	}
}
