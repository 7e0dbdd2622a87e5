package prediction

import (
	"sync/atomic"
	"testing"

	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/pattern"
)

type stubMatcher struct {
	matches []pattern.Match
	calls   int32
}

func (s *stubMatcher) Match(string) []pattern.Match {
	atomic.AddInt32(&s.calls, 1)
	return s.matches
}

func kinds(suggestions []Suggestion) map[Kind]int {
	out := make(map[Kind]int)
	for _, s := range suggestions {
		out[s.Kind]++
	}
	return out
}

func TestSuggestEmptyBelowFloor(t *testing.T) {
	matcher := &stubMatcher{matches: []pattern.Match{{PatternID: "p", Confidence: 0.49}}}
	engine := NewEngine(matcher, WithState(StateFunc(func() SystemState {
		return SystemState{ActiveTasks: 5, RecentFailures: 9}
	})))
	if got := engine.Suggest("anything", nil); len(got) != 0 {
		t.Fatalf("no pattern cleared the floor, got %+v", got)
	}
	if atomic.LoadInt32(&matcher.calls) != 1 {
		t.Fatalf("matcher should be queried once")
	}
}

func TestSuggestNextStepAndRisk(t *testing.T) {
	matcher := &stubMatcher{matches: []pattern.Match{
		{PatternID: "fix", Confidence: 0.8, Metadata: pattern.Metadata{
			Name: "parser fixes", Category: pattern.CategoryBugfix, SampleSize: 10, FailureRate: 0.4,
		}},
		{PatternID: "deploy", Confidence: 0.6, Metadata: pattern.Metadata{
			Name: "deploys", Category: pattern.CategoryDeployment, SampleSize: 3, FailureRate: 0.1,
			Successors: []string{"smoke-test"},
		}},
	}}
	engine := NewEngine(matcher)

	got := engine.Suggest("fix the parser crash", nil)
	if k := kinds(got); k[KindNextStep] != 2 || k[KindRisk] != 1 || k[KindOptimization] != 0 {
		t.Fatalf("unexpected suggestion kinds %v: %+v", k, got)
	}
	first := got[0]
	if first.Kind != KindNextStep || first.Confidence != 0.76 || first.PatternID != "fix" {
		t.Fatalf("fix -> test at 0.95 * 0.8 expected, got %+v", first)
	}
	if got[1].Kind != KindRisk || got[1].Confidence != 0.4 {
		t.Fatalf("risk should carry the failure rate, got %+v", got[1])
	}
	if got[2].Confidence != 0.48 {
		t.Fatalf("seeded successor uses fixed probability, got %+v", got[2])
	}
}

func TestSuggestCurrentActionOverride(t *testing.T) {
	matcher := &stubMatcher{matches: []pattern.Match{{PatternID: "g", Confidence: 1, Metadata: pattern.Metadata{Name: "general"}}}}
	engine := NewEngine(matcher)
	got := engine.Suggest("misc", map[string]any{"current_action": "deploy"})
	if len(got) != 1 || got[0].Confidence != 0.9 {
		t.Fatalf("deploy -> monitor at 0.9 expected, got %+v", got)
	}
}

func TestOptimizationHints(t *testing.T) {
	matcher := &stubMatcher{matches: []pattern.Match{{PatternID: "p", Confidence: 0.9, Metadata: pattern.Metadata{Category: pattern.CategoryFeature}}}}
	engine := NewEngine(matcher, WithState(StateFunc(func() SystemState {
		return SystemState{
			ActiveTasks:    2,
			QueuedTasks:    4,
			AgentLoad:      map[string]float64{"coder": 1, "researcher": 0, "reviewer": 0.25},
			RecentFailures: 3,
		}
	})))
	got := engine.Suggest("implement export", nil)
	if k := kinds(got); k[KindOptimization] != 4 {
		t.Fatalf("expected parallelize, two idle agents and pattern hint, got %v: %+v", k, got)
	}
}

func TestFeedbackAccuracy(t *testing.T) {
	matcher := &stubMatcher{matches: []pattern.Match{{PatternID: "p", Confidence: 0.9, Metadata: pattern.Metadata{
		Category: pattern.CategoryResearch, SampleSize: 4, FailureRate: 0.5,
	}}}}
	engine := NewEngine(matcher)
	got := engine.Suggest("research options", nil)
	if len(got) != 2 {
		t.Fatalf("expected next-step and risk, got %+v", got)
	}
	if err := engine.Feedback(got[0].ID, true); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if err := engine.Feedback(got[1].ID, false); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if err := engine.Feedback(got[1].ID, true); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("second feedback should be rejected: %v", err)
	}

	acc := engine.Accuracy()
	if acc.Total != 2 || acc.Accurate != 1 || acc.Rate != 0.5 {
		t.Fatalf("unexpected accuracy %+v", acc)
	}
	if acc.ByKind[KindRisk].Total != 1 || acc.ByKind[KindRisk].Accurate != 0 {
		t.Fatalf("unexpected per-kind accuracy %+v", acc.ByKind)
	}
}

func TestNilMatcher(t *testing.T) {
	if got := NewEngine(nil).Suggest("anything", nil); got != nil {
		t.Fatalf("nil matcher yields no suggestions")
	}
}

func TestActionFor(t *testing.T) {
	cases := []struct {
		category, description, want string
	}{
		{pattern.CategoryTesting, "", "test"},
		{pattern.CategoryGeneral, "plan the roadmap", "plan"},
		{"", "investigate latency", "research"},
		{"", "something else", "implement"},
	}
	for _, tc := range cases {
		if got := ActionFor(tc.category, tc.description); got != tc.want {
			t.Errorf("ActionFor(%q, %q) = %q, want %q", tc.category, tc.description, got, tc.want)
		}
	}
}
