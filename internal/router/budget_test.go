package router

import (
	"errors"
	"strings"
	"testing"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

func words(n int, w string) string {
	return strings.TrimSpace(strings.Repeat(w+" ", n))
}

func samplePrompt() StructuredPrompt {
	return StructuredPrompt{
		SystemPrompt:  "You are a careful implementer.",
		Signature:     "func Merge(a, b []int) []int",
		Contracts:     "result is sorted; len(result) == len(a)+len(b)",
		RequiredTypes: words(40, "required"),
		RelatedTypes:  words(40, "related"),
		Examples:      words(60, "example"),
		Comments:      words(80, "comment"),
		UserPrompt:    "Implement Merge.",
	}
}

func TestDetermineOverflowStrategy_Boundaries(t *testing.T) {
	tests := []struct {
		pct        float64
		current    ModelAlias
		wantKind   StrategyKind
		wantTarget ModelAlias
	}{
		{0.19, AliasWorker, StrategyTruncate, ""},
		{0.20, AliasWorker, StrategyUpgrade, AliasStructurer},
		{0.50, AliasStructurer, StrategyUpgrade, AliasArchitect},
		{1.00, AliasWorker, StrategyUpgrade, AliasStructurer},
		{1.01, AliasWorker, StrategyReject, ""},
		{0.20, AliasFallback, StrategyReject, ""},
		{1.00, AliasFallback, StrategyReject, ""},
	}
	for _, tt := range tests {
		got, ok := DetermineOverflowStrategy(tt.pct, tt.current)
		if !ok {
			t.Fatalf("DetermineOverflowStrategy(%v, %q) returned no strategy", tt.pct, tt.current)
		}
		if got.Kind != tt.wantKind {
			t.Errorf("DetermineOverflowStrategy(%v, %q).Kind = %q, want %q", tt.pct, tt.current, got.Kind, tt.wantKind)
		}
		if got.TargetModel != tt.wantTarget {
			t.Errorf("DetermineOverflowStrategy(%v, %q).TargetModel = %q, want %q", tt.pct, tt.current, got.TargetModel, tt.wantTarget)
		}
	}

	if _, ok := DetermineOverflowStrategy(0, AliasWorker); ok {
		t.Error("expected no strategy within budget")
	}
}

func TestBudgetAnalyzer_Analyze(t *testing.T) {
	caps := NewCapabilityTable(map[string]Capability{"small": {MaxInputTokens: 1000, MaxOutputTokens: 100}})
	b := NewBudgetAnalyzer(caps, map[ModelAlias]string{AliasWorker: "small"}, DefaultTruncationOrder())
	req := Request{ModelAlias: AliasWorker, Text: "hello"}

	tests := []struct {
		estimate     int
		wantOverflow int
		wantPct      float64
		wantWithin   bool
		wantKind     StrategyKind
	}{
		{900, 0, 0, true, ""},
		{1000, 0, 0, true, ""},
		{1190, 190, 0.19, false, StrategyTruncate},
		{1200, 200, 0.20, false, StrategyUpgrade},
		{2000, 1000, 1.00, false, StrategyUpgrade},
		{2010, 1010, 1.01, false, StrategyReject},
	}
	for _, tt := range tests {
		a := b.Analyze(req, "small", tt.estimate)
		if a.MaxTokens != 1000 {
			t.Errorf("MaxTokens = %d, want 1000", a.MaxTokens)
		}
		if a.OverflowTokens != tt.wantOverflow {
			t.Errorf("estimate %d: OverflowTokens = %d, want %d", tt.estimate, a.OverflowTokens, tt.wantOverflow)
		}
		if a.OverflowPercentage != tt.wantPct {
			t.Errorf("estimate %d: OverflowPercentage = %v, want %v", tt.estimate, a.OverflowPercentage, tt.wantPct)
		}
		if a.WithinBudget != tt.wantWithin {
			t.Errorf("estimate %d: WithinBudget = %v, want %v", tt.estimate, a.WithinBudget, tt.wantWithin)
		}
		if tt.wantKind == "" {
			if a.Strategy != nil {
				t.Errorf("estimate %d: Strategy = %v, want nil", tt.estimate, a.Strategy)
			}
			continue
		}
		if a.Strategy == nil || a.Strategy.Kind != tt.wantKind {
			t.Errorf("estimate %d: Strategy = %v, want %q", tt.estimate, a.Strategy, tt.wantKind)
		}
	}
}

func TestBudgetAnalyzer_UnknownModelUsesDefault(t *testing.T) {
	b := NewBudgetAnalyzer(nil, nil, TruncationOrder{})
	a := b.Analyze(Request{ModelAlias: AliasWorker}, "no-such-model", 100)
	if a.MaxTokens != DefaultCapability.MaxInputTokens {
		t.Errorf("MaxTokens = %d, want %d", a.MaxTokens, DefaultCapability.MaxInputTokens)
	}
	if got := b.ModelFor(AliasArchitect); got != "architect" {
		t.Errorf("ModelFor = %q, want architect", got)
	}
}

func TestTruncate_RemovesInOrderUntilFit(t *testing.T) {
	p := samplePrompt()
	limit := p.without(SectionComments).Tokens()

	res := Truncate(p, limit, DefaultTruncationOrder())
	if !res.Success {
		t.Fatalf("Success = false, tokensAfter=%d limit=%d", res.TokensAfter, limit)
	}
	if len(res.RemovedSections) != 1 || res.RemovedSections[0] != SectionComments {
		t.Errorf("RemovedSections = %v, want [comments]", res.RemovedSections)
	}
	if res.Prompt.Examples == "" {
		t.Error("examples should survive when removing comments suffices")
	}
	if res.TokensSaved != res.TokensBefore-res.TokensAfter || res.TokensSaved <= 0 {
		t.Errorf("TokensSaved = %d, before=%d after=%d", res.TokensSaved, res.TokensBefore, res.TokensAfter)
	}
}

func TestTruncate_ExhaustsAndReportsFailure(t *testing.T) {
	p := samplePrompt()
	res := Truncate(p, 5, DefaultTruncationOrder())
	if res.Success {
		t.Fatal("expected truncation failure for tiny budget")
	}
	want := []Section{SectionComments, SectionExamples, SectionRelatedTypes, SectionRequiredTypes}
	if len(res.RemovedSections) != len(want) {
		t.Fatalf("RemovedSections = %v, want %v", res.RemovedSections, want)
	}
	for i := range want {
		if res.RemovedSections[i] != want[i] {
			t.Errorf("RemovedSections[%d] = %q, want %q", i, res.RemovedSections[i], want[i])
		}
	}
	if res.TargetLimit != 5 {
		t.Errorf("TargetLimit = %d, want 5", res.TargetLimit)
	}
	if res.TokensAfter <= 5 {
		t.Errorf("TokensAfter = %d, want > 5", res.TokensAfter)
	}
}

func TestTruncate_WithinBudgetIsIdempotent(t *testing.T) {
	p := samplePrompt()
	res := Truncate(p, p.Tokens(), DefaultTruncationOrder())
	if !res.Success {
		t.Fatal("expected success")
	}
	if res.Prompt != p {
		t.Error("prompt changed although already within budget")
	}
	if res.RemovedSections == nil || len(res.RemovedSections) != 0 {
		t.Errorf("RemovedSections = %v, want empty", res.RemovedSections)
	}
	if res.TokensSaved != 0 {
		t.Errorf("TokensSaved = %d, want 0", res.TokensSaved)
	}
}

func TestTruncate_NeverRemovesProtectedSections(t *testing.T) {
	p := samplePrompt()
	hostile := NewTruncationOrder([]Section{
		SectionSystemPrompt, SectionComments, SectionSignature,
		SectionContracts, SectionExamples, SectionUserPrompt,
	})
	for _, s := range hostile.Order() {
		if IsProtected(s) {
			t.Fatalf("protected section %q in removable order", s)
		}
	}

	for limit := 0; limit <= p.Tokens(); limit += 7 {
		for _, order := range []TruncationOrder{DefaultTruncationOrder(), hostile} {
			res := Truncate(p, limit, order)
			if res.Prompt.SystemPrompt != p.SystemPrompt {
				t.Fatalf("limit %d: system prompt removed", limit)
			}
			if res.Prompt.Signature != p.Signature {
				t.Fatalf("limit %d: signature removed", limit)
			}
			if res.Prompt.Contracts != p.Contracts {
				t.Fatalf("limit %d: contracts removed", limit)
			}
		}
	}
}

func TestTruncationOrder_ExtraProtected(t *testing.T) {
	o := NewTruncationOrder([]Section{SectionComments, SectionExamples, SectionComments}, SectionExamples)
	got := o.Order()
	if len(got) != 1 || got[0] != SectionComments {
		t.Errorf("Order = %v, want [comments]", got)
	}
	if !o.Protected(SectionExamples) {
		t.Error("examples should be protected")
	}
}

func TestApply_TruncateRequiresStructuredPrompt(t *testing.T) {
	req := Request{ModelAlias: AliasWorker, Text: words(100, "plain")}
	_, err := ApplyOverflowStrategy(req, OverflowStrategy{Kind: StrategyTruncate}, ContextBudgetAnalysis{MaxTokens: 10})
	if !errors.Is(err, domain.ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestApply_RejectReturnsOverflowError(t *testing.T) {
	analysis := ContextBudgetAnalysis{EstimatedTokens: 3000, MaxTokens: 1000, OverflowTokens: 2000, OverflowPercentage: 2}
	strategy := OverflowStrategy{Kind: StrategyReject, Reason: "too big"}
	_, err := ApplyOverflowStrategy(Request{ModelAlias: AliasWorker}, strategy, analysis)

	var oe *OverflowError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OverflowError, got %v", err)
	}
	if oe.Analysis.OverflowTokens != 2000 {
		t.Errorf("OverflowTokens = %d, want 2000", oe.Analysis.OverflowTokens)
	}
	if oe.Strategy == nil || oe.Strategy.Reason != "too big" {
		t.Errorf("Strategy = %v, want reject(too big)", oe.Strategy)
	}
	if !errors.Is(err, domain.ErrOverflowRejected) {
		t.Error("OverflowError should match ErrOverflowRejected")
	}
}

func TestApply_ChunkUnsupported(t *testing.T) {
	_, err := ApplyOverflowStrategy(Request{ModelAlias: AliasAuditor}, OverflowStrategy{Kind: StrategyChunk, ChunkSize: 4000}, ContextBudgetAnalysis{})
	if !errors.Is(err, domain.ErrChunkingUnsupported) {
		t.Errorf("expected ErrChunkingUnsupported, got %v", err)
	}
}

func TestApply_UpgradeFromFallbackRejects(t *testing.T) {
	strategy, ok := DetermineOverflowStrategy(0.5, AliasFallback)
	if !ok || strategy.Kind != StrategyReject {
		t.Fatalf("strategy = %v, want reject", strategy)
	}
	_, err := ApplyOverflowStrategy(Request{ModelAlias: AliasFallback}, strategy, ContextBudgetAnalysis{OverflowPercentage: 0.5})
	if !errors.Is(err, domain.ErrOverflowRejected) {
		t.Errorf("expected overflow rejection, got %v", err)
	}
}

func TestEndToEnd_RouteThenUpgrade(t *testing.T) {
	result := Route(RoutingSignals{TaskType: TaskImplement, EstimatedInputTokens: 5000, SignatureComplexity: 3})
	if result.ModelAlias != AliasWorker || result.WasUpgraded {
		t.Fatalf("Route = %+v, want worker without upgrade", result)
	}

	strategy, ok := DetermineOverflowStrategy(0.5, result.ModelAlias)
	if !ok || strategy.Kind != StrategyUpgrade || strategy.TargetModel != AliasStructurer {
		t.Fatalf("strategy = %v, want upgrade(structurer)", strategy)
	}

	prompt := samplePrompt()
	req := Request{ModelAlias: AliasWorker, Prompt: &prompt}
	out, err := ApplyOverflowStrategy(req, strategy, ContextBudgetAnalysis{OverflowPercentage: 0.5})
	if err != nil {
		t.Fatalf("ApplyOverflowStrategy: %v", err)
	}
	if out.Request.ModelAlias != AliasStructurer {
		t.Errorf("ModelAlias = %q, want structurer", out.Request.ModelAlias)
	}
	if out.Request.Render() != req.Render() {
		t.Error("upgrade changed prompt text")
	}
}

func newTestPlanner(caps map[string]Capability) *Planner {
	models := map[ModelAlias]string{
		AliasWorker:     "worker-model",
		AliasStructurer: "structurer-model",
		AliasArchitect:  "architect-model",
		AliasFallback:   "fallback-model",
	}
	b := NewBudgetAnalyzer(NewCapabilityTable(caps), models, DefaultTruncationOrder())
	return NewPlanner(NewRouter(DefaultThresholds()), b)
}

func TestPlanner_WithinBudget(t *testing.T) {
	p := newTestPlanner(map[string]Capability{"worker-model": {MaxInputTokens: 100000}})
	prompt := samplePrompt()
	plan, err := p.Plan(RoutingSignals{TaskType: TaskImplement}, Request{Prompt: &prompt})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.FinalAlias() != AliasWorker {
		t.Errorf("FinalAlias = %q, want worker", plan.FinalAlias())
	}
	if len(plan.Trail) != 0 {
		t.Errorf("Trail = %v, want empty", plan.Trail)
	}
}

func TestPlanner_TruncatesMildOverflow(t *testing.T) {
	prompt := samplePrompt()
	prompt.Comments = words(10, "note")
	limit := prompt.without(SectionComments).Tokens()
	p := newTestPlanner(map[string]Capability{"worker-model": {MaxInputTokens: limit}})

	plan, err := p.Plan(RoutingSignals{TaskType: TaskImplement}, Request{Prompt: &prompt})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.FinalAlias() != AliasWorker {
		t.Errorf("FinalAlias = %q, want worker", plan.FinalAlias())
	}
	if plan.Truncation == nil || len(plan.Truncation.RemovedSections) != 1 {
		t.Fatalf("Truncation = %+v, want one removed section", plan.Truncation)
	}
	if plan.Request.Prompt.Comments != "" {
		t.Error("comments should have been removed")
	}
	if prompt.Comments == "" {
		t.Error("caller's prompt was mutated")
	}
}

func TestPlanner_TruncationInsufficientUpgrades(t *testing.T) {
	prompt := samplePrompt()
	prompt.Signature = words(400, "sig")
	prompt.RequiredTypes = ""
	prompt.RelatedTypes = ""
	prompt.Examples = ""
	prompt.Comments = words(20, "note")
	limit := prompt.without(SectionComments).Tokens() - 1

	p := newTestPlanner(map[string]Capability{
		"worker-model":     {MaxInputTokens: limit},
		"structurer-model": {MaxInputTokens: 100000},
	})
	plan, err := p.Plan(RoutingSignals{TaskType: TaskImplement}, Request{Prompt: &prompt})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.FinalAlias() != AliasStructurer {
		t.Errorf("FinalAlias = %q, want structurer", plan.FinalAlias())
	}
	if len(plan.Trail) != 2 || plan.Trail[0].Kind != StrategyTruncate || plan.Trail[1].Kind != StrategyUpgrade {
		t.Errorf("Trail = %v, want [truncate upgrade]", plan.Trail)
	}
	if plan.Request.Prompt.Comments == "" {
		t.Error("upgraded request should carry the original prompt")
	}
}

func TestPlanner_UpgradesThenRejectsAtFallback(t *testing.T) {
	prompt := samplePrompt()
	tokens := prompt.Tokens()
	small := tokens * 2 / 3
	p := newTestPlanner(map[string]Capability{
		"worker-model":     {MaxInputTokens: small},
		"structurer-model": {MaxInputTokens: small},
		"architect-model":  {MaxInputTokens: small},
		"fallback-model":   {MaxInputTokens: small},
	})

	plan, err := p.Plan(RoutingSignals{TaskType: TaskImplement}, Request{Prompt: &prompt})
	if !errors.Is(err, domain.ErrOverflowRejected) {
		t.Fatalf("expected overflow rejection, got %v", err)
	}
	if plan.FinalAlias() != AliasFallback {
		t.Errorf("FinalAlias = %q, want fallback", plan.FinalAlias())
	}
	last := plan.Trail[len(plan.Trail)-1]
	if last.Kind != StrategyReject {
		t.Errorf("last strategy = %v, want reject", last)
	}
}

func TestPlanner_SevereOverflowRejects(t *testing.T) {
	p := newTestPlanner(map[string]Capability{"worker-model": {MaxInputTokens: 10}})
	_, err := p.Plan(RoutingSignals{TaskType: TaskImplement}, Request{Text: words(200, "big")})
	var oe *OverflowError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OverflowError, got %v", err)
	}
	if oe.Analysis.OverflowPercentage <= 1 {
		t.Errorf("OverflowPercentage = %v, want > 1", oe.Analysis.OverflowPercentage)
	}
}
