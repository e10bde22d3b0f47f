package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/lineguard/internal/audit"
	"github.com/kalambet/lineguard/internal/classify"
	"github.com/kalambet/lineguard/internal/pricing"
	"github.com/kalambet/lineguard/internal/storage"
)

// ErrAlreadyDecided is returned when re-validation is requested for a line
// that already reached ALLOW or REJECT.
var ErrAlreadyDecided = errors.New("line item already decided")

// ErrNotReviewable is returned when re-validation is requested for a line
// that is not parked in NEEDS_REVIEW or AWAITING_INFO. An AWAITING_INGEST
// line only moves once the catalog catches up and it re-enters matching.
var ErrNotReviewable = errors.New("line item is not awaiting review")

// RevalidationResult reports one re-validation pass.
type RevalidationResult struct {
	ValidationID   string
	PreviousStatus string
	Status         string
	Attempt        int
	Converged      bool
	StagesRun      int
	Reason         string
}

// Revalidate runs one bounded re-validation pass for a reviewed line.
// Unchanged context converges: the decision stays put and the attempt counter
// advances, parking the line at AWAITING_INFO once the budget is spent.
// Changed context runs at most MaxRevalidationStages stage executions.
func (o *Orchestrator) Revalidate(ctx context.Context, validationID, additionalContext string) (RevalidationResult, error) {
	v, err := o.store.GetLineValidation(validationID)
	if err != nil {
		return RevalidationResult{}, err
	}
	if IsTerminal(v.Status) {
		return RevalidationResult{}, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, v.ID, v.Status)
	}
	if v.Status != storage.StatusNeedsReview && v.Status != storage.StatusAwaitingInfo {
		return RevalidationResult{}, fmt.Errorf("%w: %s is %s", ErrNotReviewable, v.ID, v.Status)
	}

	res := RevalidationResult{
		ValidationID:   v.ID,
		PreviousStatus: v.Status,
	}

	hash := contextHash(additionalContext)
	if hash == v.ContextHash {
		return o.converge(v, res)
	}

	// AWAITING_INFO resumes into review once new context arrives.
	if v.Status == storage.StatusAwaitingInfo {
		v.Status = storage.StatusNeedsReview
	}

	status, confidence, risks, stages, err := o.revalidateStages(ctx, v, additionalContext)
	if err != nil {
		return RevalidationResult{}, err
	}
	res.StagesRun = stages

	v.Attempt++
	if status == storage.StatusNeedsReview && v.Attempt >= o.cfg.MaxAttempts {
		status = storage.StatusAwaitingInfo
		res.Reason = "attempt budget exhausted; waiting for more information"
	}

	v.Status = status
	v.Decision = status
	v.Confidence = confidence
	v.ContextHash = hash
	if len(risks) > 0 {
		b, _ := json.Marshal(risks)
		v.RiskFactors = string(b)
	}
	if err := o.recorder.UpdateLineValidation(v); err != nil {
		return RevalidationResult{}, err
	}
	if err := o.refreshSessionStatus(v.SessionID); err != nil {
		return RevalidationResult{}, err
	}

	res.Status = status
	res.Attempt = v.Attempt
	o.logger.Info("line re-validated",
		"validation", v.ID, "from", res.PreviousStatus, "to", status,
		"attempt", v.Attempt, "stages", stages)
	return res, nil
}

// converge handles an unchanged resubmission: the decision never flips, the
// attempt counter advances, and a single stage records the outcome.
func (o *Orchestrator) converge(v storage.LineItemValidation, res RevalidationResult) (RevalidationResult, error) {
	v.Attempt++
	status := v.Status
	reason := "context unchanged; decision stands"
	if status == storage.StatusNeedsReview && v.Attempt >= o.cfg.MaxAttempts {
		status = storage.StatusAwaitingInfo
		reason = "context unchanged and attempt budget exhausted; waiting for more information"
	}
	v.Status = status
	v.Decision = status

	now := time.Now().UTC()
	err := o.recorder.RecordStage(audit.StageRecord{
		SessionID: v.SessionID,
		StageName: StageDecision,
		StartTime: now,
		EndTime:   now,
		Input:     map[string]any{"validation_id": v.ID, "attempt": v.Attempt},
		Output:    map[string]any{"status": status, "converged": true},
		Status:    "completed",
	})
	if err != nil {
		return RevalidationResult{}, err
	}
	if err := o.recorder.UpdateLineValidation(v); err != nil {
		return RevalidationResult{}, err
	}
	if err := o.refreshSessionStatus(v.SessionID); err != nil {
		return RevalidationResult{}, err
	}

	res.Status = status
	res.Attempt = v.Attempt
	res.Converged = true
	res.Reason = reason
	res.StagesRun = 1
	return res, nil
}

// revalidateStages runs the changed-context pass: screen the new context,
// optionally re-check the price, then decide. Never more than three stage
// executions are recorded.
func (o *Orchestrator) revalidateStages(ctx context.Context, v storage.LineItemValidation, additionalContext string) (status string, confidence float64, risks []string, stages int, err error) {
	record := func(rec audit.StageRecord) error {
		if stages >= o.cfg.MaxRevalidationStages {
			return nil
		}
		stages++
		return o.recorder.RecordStage(rec)
	}

	screenStart := time.Now().UTC()
	screen := o.classifier.Classify(ctx, v.ItemName, additionalContext)
	err = record(audit.StageRecord{
		SessionID:  v.SessionID,
		StageName:  StageContextScreen,
		StartTime:  screenStart,
		EndTime:    time.Now().UTC(),
		Input:      map[string]any{"validation_id": v.ID, "context_len": len(additionalContext)},
		Output:     screen,
		Confidence: screen.Confidence,
		Status:     "completed",
	})
	if err != nil {
		return "", 0, nil, stages, err
	}

	status = storage.StatusNeedsReview
	confidence = screen.Confidence
	switch screen.Decision {
	case classify.DecisionApproved:
		status = storage.StatusAllow
	case classify.DecisionRejected:
		status = storage.StatusReject
		risks = append(risks, riskContentBlocked, screen.Reason)
	default:
		// Inconclusive screen: let the price evidence settle it when a
		// catalog reference exists.
		if v.CanonicalItemID != "" {
			priceStart := time.Now().UTC()
			pr, perr := o.validator.Validate(ctx, pricing.Request{
				LineItemID:      v.ID,
				CanonicalItemID: v.CanonicalItemID,
				ItemName:        v.ItemName,
				UnitPrice:       v.UnitPrice,
				Currency:        v.Currency,
			})
			if perr != nil {
				return "", 0, nil, stages, fmt.Errorf("re-validating price: %w", perr)
			}
			err = record(audit.StageRecord{
				SessionID:  v.SessionID,
				StageName:  StagePriceValidate,
				StartTime:  priceStart,
				EndTime:    time.Now().UTC(),
				Input:      map[string]any{"validation_id": v.ID},
				Output:     pr,
				Confidence: pr.Confidence,
				Status:     "completed",
			})
			if err != nil {
				return "", 0, nil, stages, err
			}
			if pr.IsValid {
				status = storage.StatusAllow
				confidence = (confidence + pr.Confidence) / 2
			} else {
				risks = append(risks, "price check still failing: "+pr.Note)
			}
		}
	}

	decisionAt := time.Now().UTC()
	err = record(audit.StageRecord{
		SessionID:  v.SessionID,
		StageName:  StageDecision,
		StartTime:  decisionAt,
		EndTime:    decisionAt,
		Input:      map[string]any{"validation_id": v.ID, "screen": screen.Decision},
		Output:     map[string]any{"status": status},
		Confidence: confidence,
		Status:     "completed",
	})
	if err != nil {
		return "", 0, nil, stages, err
	}
	return status, confidence, risks, stages, nil
}

// refreshSessionStatus recomputes the session's overall status from its
// current line decisions.
func (o *Orchestrator) refreshSessionStatus(sessionID string) error {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	vals, err := o.store.ListLineValidations(sessionID)
	if err != nil {
		return err
	}
	lines := make([]LineResult, len(vals))
	for i, v := range vals {
		lines[i] = LineResult{Status: v.Status}
	}
	overall := overallStatus(lines, nil)
	return o.store.PatchSession(sessionID, overall, sess.ExecutionTimeMs, sess.Notes)
}

func contextHash(additionalContext string) string {
	if additionalContext == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(additionalContext))
	return hex.EncodeToString(sum[:])
}
