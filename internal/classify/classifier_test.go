package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/lineguard/internal/llm"
)

type mockChatter struct {
	running bool
	reply   string
	err     error
}

func (m *mockChatter) Chat(context.Context, string, []llm.Message, *llm.Schema) (string, error) {
	return m.reply, m.err
}

func (m *mockChatter) IsRunning(context.Context) bool { return m.running }

func TestClassify_LLMDecision(t *testing.T) {
	mock := &mockChatter{
		running: true,
		reply:   `{"decision":"APPROVED","confidence":0.92,"reason":"standard plumbing material"}`,
	}
	c := New(mock, nil, DefaultConfig())

	res := c.Classify(context.Background(), "PVC Pipe 2 inch", "")
	if res.Decision != DecisionApproved {
		t.Errorf("Decision = %q, want %q", res.Decision, DecisionApproved)
	}
	if res.Source != "llm" {
		t.Errorf("Source = %q, want llm", res.Source)
	}
	if res.Confidence != 0.92 {
		t.Errorf("Confidence = %f, want 0.92", res.Confidence)
	}
}

func TestClassify_LLMErrorFallsBack(t *testing.T) {
	mock := &mockChatter{running: true, err: errors.New("model not loaded")}
	c := New(mock, nil, DefaultConfig())

	res := c.Classify(context.Background(), "copper valve", "")
	if res.Source != "keywords" {
		t.Errorf("Source = %q, want keywords", res.Source)
	}
	if res.Decision != DecisionApproved {
		t.Errorf("Decision = %q, want %q", res.Decision, DecisionApproved)
	}
}

func TestClassify_BadJSONFallsBack(t *testing.T) {
	mock := &mockChatter{running: true, reply: "sure, looks fine to me!"}
	c := New(mock, nil, DefaultConfig())

	if res := c.Classify(context.Background(), "hvac filter", ""); res.Source != "keywords" {
		t.Errorf("Source = %q, want keywords", res.Source)
	}
}

func TestClassify_UnknownDecisionFallsBack(t *testing.T) {
	mock := &mockChatter{running: true, reply: `{"decision":"MAYBE","confidence":0.5,"reason":"?"}`}
	c := New(mock, nil, DefaultConfig())

	if res := c.Classify(context.Background(), "hvac filter", ""); res.Source != "keywords" {
		t.Errorf("Source = %q, want keywords", res.Source)
	}
}

func TestClassify_RuntimeDownFallsBack(t *testing.T) {
	mock := &mockChatter{running: false, reply: `{"decision":"APPROVED","confidence":1,"reason":"x"}`}
	c := New(mock, nil, DefaultConfig())

	if res := c.Classify(context.Background(), "ball valve", ""); res.Source != "keywords" {
		t.Errorf("Source = %q, want keywords", res.Source)
	}
}

func TestClassify_DisabledFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	mock := &mockChatter{running: true, reply: `{"decision":"APPROVED","confidence":1,"reason":"x"}`}
	c := New(mock, nil, cfg)

	if res := c.Classify(context.Background(), "ball valve", ""); res.Source != "keywords" {
		t.Errorf("Source = %q, want keywords", res.Source)
	}
}

func TestKeywordClassify(t *testing.T) {
	tests := []struct {
		name     string
		desc     string
		decision string
	}{
		{"PVC Pipe 2 inch", "", DecisionApproved},
		{"circuit breaker panel", "", DecisionApproved},
		{"pepperoni pizza", "", DecisionRejected},
		{"designer shoes", "", DecisionRejected},
		{"handgun", "", DecisionRejected},
		{"miscellaneous services", "", DecisionNeedsReview},
		{"", "thermostat replacement", DecisionApproved},
	}
	for _, tt := range tests {
		res := keywordClassify(tt.name, tt.desc)
		if res.Decision != tt.decision {
			t.Errorf("keywordClassify(%q, %q) = %q, want %q", tt.name, tt.desc, res.Decision, tt.decision)
		}
		if res.Source != "keywords" {
			t.Errorf("Source = %q, want keywords", res.Source)
		}
	}
}
