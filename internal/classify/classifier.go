// Package classify screens free-text item submissions: is this a legitimate
// facility-management material or equipment item at all? It asks a local LLM
// when one is available and falls back to keyword heuristics otherwise.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/lineguard/internal/llm"
)

// Decisions.
const (
	DecisionApproved    = "APPROVED"
	DecisionRejected    = "REJECTED"
	DecisionNeedsReview = "NEEDS_REVIEW"
)

// Result is one classification outcome.
type Result struct {
	Decision   string
	Confidence float64
	Reason     string
	// Source records whether the LLM or the keyword fallback decided.
	Source string
}

// Chatter is the LLM surface the classifier needs. *llm.Client satisfies it.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []llm.Message, schema *llm.Schema) (string, error)
	IsRunning(ctx context.Context) bool
}

// Config holds the classifier settings.
type Config struct {
	Enabled bool
	Model   string
	Timeout time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Model:   "llama3.2",
		Timeout: 30 * time.Second,
	}
}

// Classifier screens item submissions.
type Classifier struct {
	client Chatter
	logger *slog.Logger
	cfg    Config
}

// New creates a Classifier. client may be nil, which forces the keyword
// fallback.
func New(client Chatter, logger *slog.Logger, cfg Config) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{client: client, logger: logger, cfg: cfg}
}

const systemPrompt = `You validate items submitted to a facility management system.
Decide whether the item is a legitimate material, equipment, or labor entry.
Reject inappropriate content and items unrelated to facility work (food,
clothing, electronics for personal use). When genuinely unsure, answer
NEEDS_REVIEW. Respond with JSON only.`

var responseSchema = &llm.Schema{
	Type: "object",
	Properties: map[string]llm.SchemaProperty{
		"decision":   {Type: "string", Description: "APPROVED, REJECTED, or NEEDS_REVIEW"},
		"confidence": {Type: "number", Description: "0 to 1"},
		"reason":     {Type: "string", Description: "one-sentence justification"},
	},
	Required: []string{"decision", "confidence", "reason"},
}

// Classify screens one item. It never returns an error: every failure path
// degrades to the keyword fallback.
func (c *Classifier) Classify(ctx context.Context, name, description string) Result {
	if c.cfg.Enabled && c.client != nil && c.client.IsRunning(ctx) {
		if res, ok := c.classifyLLM(ctx, name, description); ok {
			return res
		}
	}
	return keywordClassify(name, description)
}

func (c *Classifier) classifyLLM(ctx context.Context, name, description string) (Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	user := "Item: " + name
	if description != "" {
		user += "\nDescription: " + description
	}
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: user},
	}

	raw, err := c.client.Chat(ctx, c.cfg.Model, messages, responseSchema)
	if err != nil {
		c.logger.Warn("llm classification failed, using keyword fallback", "error", err)
		return Result{}, false
	}

	var parsed struct {
		Decision   string  `json:"decision"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		c.logger.Warn("unparseable llm classification", "error", err)
		return Result{}, false
	}

	switch parsed.Decision {
	case DecisionApproved, DecisionRejected, DecisionNeedsReview:
	default:
		c.logger.Warn("llm returned unknown decision", "decision", parsed.Decision)
		return Result{}, false
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		c.logger.Warn("llm confidence out of range", "confidence", parsed.Confidence)
		return Result{}, false
	}

	return Result{
		Decision:   parsed.Decision,
		Confidence: parsed.Confidence,
		Reason:     parsed.Reason,
		Source:     "llm",
	}, true
}

var inappropriateKeywords = []string{
	"porn", "drug", "weapon", "gun", "bomb", "terrorism",
}

var offDomainKeywords = []string{
	"food", "pizza", "burger", "coffee", "beer", "wine", "candy",
	"clothing", "shirt", "pants", "shoes", "jewelry", "watch",
	"phone", "laptop", "game", "toy", "book", "magazine",
}

var facilityKeywords = []string{
	"pipe", "wire", "screw", "bolt", "nail", "tool", "wrench", "hammer",
	"drill", "saw", "plumbing", "electrical", "hvac", "paint", "lumber",
	"concrete", "steel", "copper", "pvc", "valve", "fitting", "switch",
	"outlet", "breaker", "fuse", "duct", "filter", "pump", "motor",
	"bearing", "gasket", "seal", "hose", "cable", "conduit", "panel",
	"gauge", "meter", "sensor", "thermostat", "compressor", "fan",
	"light", "fixture", "bulb", "ballast", "transformer", "generator",
}

// keywordClassify is the deterministic fallback used when no LLM runtime is
// reachable.
func keywordClassify(name, description string) Result {
	combined := strings.ToLower(strings.TrimSpace(name + " " + description))

	if containsAny(combined, inappropriateKeywords) {
		return Result{
			Decision:   DecisionRejected,
			Confidence: 0.95,
			Reason:     "inappropriate content detected",
			Source:     "keywords",
		}
	}
	if containsAny(combined, offDomainKeywords) {
		return Result{
			Decision:   DecisionRejected,
			Confidence: 0.8,
			Reason:     fmt.Sprintf("%q appears unrelated to facility management", name),
			Source:     "keywords",
		}
	}
	if containsAny(combined, facilityKeywords) {
		return Result{
			Decision:   DecisionApproved,
			Confidence: 0.8,
			Reason:     fmt.Sprintf("%q appears to be a valid facility item", name),
			Source:     "keywords",
		}
	}
	return Result{
		Decision:   DecisionNeedsReview,
		Confidence: 0.5,
		Reason:     fmt.Sprintf("unable to clearly classify %q", name),
		Source:     "keywords",
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
