package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kalambet/lineguard/internal/storage"
)

// Feedback actions.
const (
	ActionApprove     = "APPROVE"
	ActionDeny        = "DENY"
	ActionRequestInfo = "REQUEST_INFO"
)

// FeedbackItem is one reviewer decision. It targets either a line item
// validation (LineID) or an open proposal (ProposalID); setting both ties
// the proposal decision to the line's record.
type FeedbackItem struct {
	LineID     string
	ProposalID string
	Action     string
	Note       string
	ByUser     string
}

// FeedbackResult reports what one feedback item did.
type FeedbackResult struct {
	FeedbackID string
	LineID     string
	ProposalID string
	Status     string
	Applied    bool
	Err        string
}

// ApplyFeedback records every decision and applies its effect. APPROVE on a
// price band proposal rewrites the stored band (unless dry-run); line
// decisions move the line to its reviewed status. Results come back in input
// order with per-item failures folded in; the batch never aborts on one bad
// item.
func (o *Orchestrator) ApplyFeedback(items []FeedbackItem, dryRun bool) ([]FeedbackResult, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("empty feedback batch")
	}
	results := make([]FeedbackResult, len(items))
	for i, item := range items {
		results[i] = o.applyOne(item, dryRun)
	}
	return results, nil
}

func (o *Orchestrator) applyOne(item FeedbackItem, dryRun bool) FeedbackResult {
	res := FeedbackResult{LineID: item.LineID, ProposalID: item.ProposalID}

	switch item.Action {
	case ActionApprove, ActionDeny, ActionRequestInfo:
	default:
		res.Err = fmt.Sprintf("unknown action %q", item.Action)
		return res
	}
	if item.LineID == "" && item.ProposalID == "" {
		res.Err = "feedback needs a line or proposal target"
		return res
	}

	var sessionID string
	if item.LineID != "" {
		v, err := o.store.GetLineValidation(item.LineID)
		if err != nil {
			res.Err = fmt.Sprintf("loading line %s: %v", item.LineID, err)
			return res
		}
		sessionID = v.SessionID

		status, err := o.applyLineDecision(v, item.Action)
		if err != nil {
			res.Err = err.Error()
			return res
		}
		res.Status = status
		res.Applied = true
	}

	if item.ProposalID != "" {
		status, applied, err := o.applyProposalDecision(item, dryRun)
		if err != nil {
			res.Err = err.Error()
			return res
		}
		if res.Status == "" {
			res.Status = status
		}
		res.Applied = res.Applied || applied
	}

	// The feedback row itself is recorded regardless of what it applied;
	// the review trail must show every decision.
	fb := storage.Feedback{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		LineID:     item.LineID,
		Action:     item.Action,
		Note:       item.Note,
		ByUser:     item.ByUser,
		ProposalID: item.ProposalID,
	}
	if err := o.store.SaveFeedback(fb); err != nil {
		res.Err = fmt.Sprintf("recording feedback: %v", err)
		return res
	}
	res.FeedbackID = fb.ID

	if sessionID != "" {
		if err := o.refreshSessionStatus(sessionID); err != nil {
			o.logger.Warn("refreshing session status", "session", sessionID, "error", err)
		}
	}
	return res
}

func (o *Orchestrator) applyLineDecision(v storage.LineItemValidation, action string) (string, error) {
	var target string
	switch action {
	case ActionApprove:
		target = storage.StatusAllow
	case ActionDeny:
		target = storage.StatusReject
	case ActionRequestInfo:
		target = storage.StatusAwaitingInfo
	}
	if !CanTransition(v.Status, target) {
		return "", fmt.Errorf("line %s cannot move %s -> %s", v.ID, v.Status, target)
	}
	v.Status = target
	v.Decision = target
	if err := o.recorder.UpdateLineValidation(v); err != nil {
		return "", fmt.Errorf("updating line %s: %w", v.ID, err)
	}
	return target, nil
}

// applyProposalDecision settles a proposal. Approved price band proposals
// rewrite the stored band from the suggested range; other proposal kinds
// only change status and leave the underlying data to manual curation.
func (o *Orchestrator) applyProposalDecision(item FeedbackItem, dryRun bool) (status string, applied bool, err error) {
	target := storage.ProposalDenied
	if item.Action == ActionApprove {
		target = storage.ProposalApproved
	}
	if item.Action == ActionRequestInfo {
		// Leave the proposal pending; the feedback row carries the ask.
		return storage.ProposalPending, false, nil
	}

	p, err := o.store.DecideProposal(item.ProposalID, target, item.ByUser)
	if err != nil {
		return "", false, fmt.Errorf("deciding proposal %s: %w", item.ProposalID, err)
	}
	if p.Status != target {
		return p.Status, false, fmt.Errorf("proposal %s already decided as %s", p.ID, p.Status)
	}
	if target != storage.ProposalApproved || p.TargetEntity != "price_band" {
		return p.Status, false, nil
	}
	if dryRun {
		o.logger.Info("dry run: skipping band update", "proposal", p.ID)
		return p.Status, false, nil
	}
	if err := o.applyBandProposal(p, item.ByUser); err != nil {
		return p.Status, false, fmt.Errorf("applying band proposal %s: %w", p.ID, err)
	}
	return p.Status, true, nil
}

func (o *Orchestrator) applyBandProposal(p storage.Proposal, byUser string) error {
	var change struct {
		SuggestedRange []string `json:"suggested_range"`
		Currency       string   `json:"currency"`
	}
	if err := json.Unmarshal([]byte(p.ProposedChange), &change); err != nil {
		return fmt.Errorf("parsing proposed change: %w", err)
	}
	if len(change.SuggestedRange) != 2 {
		return fmt.Errorf("proposed change has no suggested range")
	}
	min, err := decimal.NewFromString(change.SuggestedRange[0])
	if err != nil {
		return fmt.Errorf("parsing suggested min: %w", err)
	}
	max, err := decimal.NewFromString(change.SuggestedRange[1])
	if err != nil {
		return fmt.Errorf("parsing suggested max: %w", err)
	}

	itemID, currency := splitBandTarget(p.TargetID)
	if change.Currency != "" {
		currency = change.Currency
	}
	err = o.store.UpsertPriceBand(storage.PriceBand{
		CanonicalItemID: itemID,
		Currency:        currency,
		MinPrice:        min,
		MaxPrice:        max,
		Source:          "proposal:" + p.ID,
	})
	if err != nil {
		return err
	}
	o.logger.Info("price band updated from proposal",
		"proposal", p.ID, "item", itemID, "currency", currency,
		"min", min.String(), "max", max.String(), "by", byUser)
	return nil
}

// splitBandTarget unpacks the "itemID/currency" form band proposals use;
// missing-band proposals target the bare item id.
func splitBandTarget(targetID string) (itemID, currency string) {
	if i := strings.LastIndex(targetID, "/"); i >= 0 {
		return targetID[:i], targetID[i+1:]
	}
	return targetID, "USD"
}
