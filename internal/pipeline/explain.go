package pipeline

import (
	"fmt"
	"strings"

	"github.com/kalambet/lineguard/internal/storage"
)

// Explanation levels.
const (
	LevelSummary   = "summary"
	LevelDetailed  = "detailed"
	LevelTechnical = "technical"
)

// buildExplanations produces the three explanation levels for a decided
// line. Summary is one sentence, detailed enumerates the reasons, technical
// exposes the raw scores.
func buildExplanations(line LineResult) map[string]string {
	return map[string]string{
		LevelSummary:   summaryExplanation(line),
		LevelDetailed:  detailedExplanation(line),
		LevelTechnical: technicalExplanation(line),
	}
}

func summaryExplanation(line LineResult) string {
	switch line.Status {
	case storage.StatusAllow:
		return fmt.Sprintf("%q passed validation.", line.ItemName)
	case storage.StatusReject:
		return fmt.Sprintf("%q was rejected.", line.ItemName)
	case storage.StatusNeedsReview:
		return fmt.Sprintf("%q needs human review.", line.ItemName)
	case storage.StatusAwaitingIngest:
		return fmt.Sprintf("%q is not in the catalog yet and was queued for ingestion.", line.ItemName)
	case storage.StatusAwaitingInfo:
		return fmt.Sprintf("%q is waiting for additional information.", line.ItemName)
	}
	return fmt.Sprintf("%q finished with status %s.", line.ItemName, line.Status)
}

func detailedExplanation(line LineResult) string {
	var parts []string
	if line.Match.Matched() {
		parts = append(parts, fmt.Sprintf("matched catalog item %q via %s (confidence %.2f)",
			line.Match.CanonicalName, line.Match.Method, line.Match.Confidence))
	} else if line.Match.Reason != "" {
		parts = append(parts, line.Match.Reason)
	}
	if line.Price != nil {
		parts = append(parts, line.Price.Note)
	}
	parts = append(parts, line.RiskFactors...)
	if len(parts) == 0 {
		return "no findings"
	}
	return strings.Join(parts, "; ")
}

func technicalExplanation(line LineResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "status=%s confidence=%.3f", line.Status, line.Confidence)
	if line.Match.Matched() {
		fmt.Fprintf(&sb, " match.method=%s match.confidence=%.3f match.canonical_item_id=%s",
			line.Match.Method, line.Match.Confidence, line.Match.CanonicalItemID)
	} else {
		sb.WriteString(" match.method=none")
	}
	if line.Price != nil {
		fmt.Fprintf(&sb, " price.method=%s price.tier=%s price.variance_pct=%.2f price.range=[%s,%s]",
			line.Price.Method, line.Price.Tier, line.Price.VariancePercent,
			line.Price.ExpectedMin, line.Price.ExpectedMax)
	}
	return sb.String()
}
