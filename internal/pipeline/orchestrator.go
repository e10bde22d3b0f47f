// Package pipeline sequences invoice validation: catalog matching, price
// validation, rule checks, decisions, and the bounded re-validation loop.
// Every run leaves a complete audit trail behind.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kalambet/lineguard/internal/audit"
	"github.com/kalambet/lineguard/internal/catalog"
	"github.com/kalambet/lineguard/internal/classify"
	"github.com/kalambet/lineguard/internal/pricing"
	"github.com/kalambet/lineguard/internal/rules"
	"github.com/kalambet/lineguard/internal/storage"
)

// Pipeline stage names as they appear in the audit trail.
const (
	StageCatalogMatch  = "catalog_match"
	StagePriceValidate = "price_validation"
	StageRuleCheck     = "rule_check"
	StageDecision      = "decision"
	StageContextScreen = "context_screen"
	StageExplanation   = "explanation"
)

// Risk factor labels.
const (
	riskLowMatchConfidence = "low_match_confidence"
	riskPriceOutOfBand     = "price_out_of_band"
	riskPriceBorderline    = "price_borderline"
	riskNoPriceReference   = "no_price_reference"
	riskContentBlocked     = "blocked_by_content_screen"
)

// LineItem is one invoice line as submitted. Immutable for a given
// validation attempt.
type LineItem struct {
	ID          string
	Name        string
	Description string
	Quantity    float64
	UnitPrice   decimal.Decimal
	Unit        string
	Type        string
}

// Invoice is one submission.
type Invoice struct {
	InvoiceID   string
	ServiceLine string
	Currency    string
	Items       []LineItem
}

// LineResult is the decided outcome for one line.
type LineResult struct {
	LineItemID   string
	ItemIndex    int
	ValidationID string
	ItemName     string
	Status       string
	Confidence   float64
	RiskFactors  []string
	Match        catalog.MatchResult
	Price        *pricing.Result

	// Submitted values carried through to persistence.
	quantity  float64
	unit      string
	unitPrice decimal.Decimal
	kind      string
}

// Result aggregates one invoice validation.
type Result struct {
	SessionID      string
	InvoiceID      string
	OverallStatus  string
	Lines          []LineResult
	RuleViolations []rules.Violation
	Duration       time.Duration
}

// Config makes pipeline behavior a pure function of (input, config): no
// ambient toggles.
type Config struct {
	// Currency used when the invoice does not specify one.
	Currency string
	// MaxAttempts bounds re-validation passes per line before the status
	// parks at AWAITING_INFO.
	MaxAttempts int
	// MaxRevalidationStages bounds stage executions per re-validation pass.
	MaxRevalidationStages int
	// MatchConfidenceFloor is the match confidence below which a matched
	// line still needs review.
	MatchConfidenceFloor float64
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Currency:              "USD",
		MaxAttempts:           2,
		MaxRevalidationStages: 3,
		MatchConfidenceFloor:  0.85,
	}
}

// Orchestrator wires the stages together.
type Orchestrator struct {
	store      *storage.Store
	matcher    *catalog.Matcher
	validator  *pricing.Validator
	rules      *rules.Engine
	classifier *classify.Classifier
	recorder   *audit.Recorder
	logger     *slog.Logger
	cfg        Config
}

func NewOrchestrator(
	store *storage.Store,
	matcher *catalog.Matcher,
	validator *pricing.Validator,
	rulesEngine *rules.Engine,
	classifier *classify.Classifier,
	recorder *audit.Recorder,
	logger *slog.Logger,
	cfg Config,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      store,
		matcher:    matcher,
		validator:  validator,
		rules:      rulesEngine,
		classifier: classifier,
		recorder:   recorder,
		logger:     logger,
		cfg:        cfg,
	}
}

// ValidateInvoice runs the full pipeline for one invoice. Per-item problems
// become per-line statuses; a returned error means the run itself could not
// proceed (duplicate invoice, audit write failure).
func (o *Orchestrator) ValidateInvoice(ctx context.Context, inv Invoice) (Result, error) {
	start := time.Now()
	currency := inv.Currency
	if currency == "" {
		currency = o.cfg.Currency
	}

	sess, err := o.recorder.StartSession(inv.InvoiceID, inv.ServiceLine)
	if err != nil {
		return Result{}, err
	}

	lines, err := o.runStages(ctx, sess.ID, inv, currency)
	if err != nil {
		// An incomplete audit trail must surface, not pass silently.
		if ferr := o.recorder.FinishSession(sess.ID, storage.StatusNeedsReview, time.Since(start), "pipeline failed: "+err.Error()); ferr != nil {
			o.logger.Error("finishing failed session", "session", sess.ID, "error", ferr)
		}
		return Result{}, err
	}

	violations, err := o.checkRules(sess.ID, lines)
	if err != nil {
		return Result{}, err
	}

	lines, err = o.decide(ctx, sess.ID, currency, lines, violations)
	if err != nil {
		return Result{}, err
	}

	overall := overallStatus(lines, violations)
	duration := time.Since(start)
	if err := o.recorder.FinishSession(sess.ID, overall, duration, ""); err != nil {
		return Result{}, fmt.Errorf("finishing session: %w", err)
	}

	o.logger.Info("invoice validated",
		"invoice", inv.InvoiceID,
		"session", sess.ID,
		"status", overall,
		"lines", len(lines),
		"duration_ms", duration.Milliseconds(),
	)
	return Result{
		SessionID:      sess.ID,
		InvoiceID:      inv.InvoiceID,
		OverallStatus:  overall,
		Lines:          lines,
		RuleViolations: violations,
		Duration:       duration,
	}, nil
}

// runStages executes matching and price validation, producing undecided line
// results.
func (o *Orchestrator) runStages(ctx context.Context, sessionID string, inv Invoice, currency string) ([]LineResult, error) {
	// Stage: catalog match.
	matchStart := time.Now().UTC()
	reqs := make([]catalog.MatchRequest, len(inv.Items))
	for i, item := range inv.Items {
		id := item.ID
		if id == "" {
			id = fmt.Sprintf("line-%d", i)
		}
		reqs[i] = catalog.MatchRequest{
			LineItemID:  id,
			Name:        item.Name,
			Description: item.Description,
			Kind:        item.Type,
		}
	}
	matches, err := o.matcher.MatchBatch(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("matching batch: %w", err)
	}

	lines := make([]LineResult, len(inv.Items))
	var matched int
	var confSum float64
	for i, m := range matches {
		lines[i] = LineResult{
			LineItemID: m.LineItemID,
			ItemIndex:  i,
			ItemName:   inv.Items[i].Name,
			Match:      m,
			quantity:   inv.Items[i].Quantity,
			unit:       inv.Items[i].Unit,
			unitPrice:  inv.Items[i].UnitPrice,
			kind:       inv.Items[i].Type,
		}
		if m.Matched() {
			matched++
			confSum += m.Confidence
		}
	}
	avgConf := 0.0
	if matched > 0 {
		avgConf = confSum / float64(matched)
	}
	err = o.recorder.RecordStage(audit.StageRecord{
		SessionID:  sessionID,
		StageName:  StageCatalogMatch,
		StartTime:  matchStart,
		EndTime:    time.Now().UTC(),
		Input:      map[string]any{"items": len(inv.Items)},
		Output:     map[string]any{"matched": matched, "missed": len(inv.Items) - matched},
		Confidence: avgConf,
		Status:     "completed",
	})
	if err != nil {
		return nil, err
	}

	// Stage: price validation, matched items only. A failed match
	// short-circuits past pricing.
	var priceReqs []pricing.Request
	var priceIdx []int
	for i, line := range lines {
		if !line.Match.Matched() {
			continue
		}
		priceReqs = append(priceReqs, pricing.Request{
			LineItemID:      line.LineItemID,
			CanonicalItemID: line.Match.CanonicalItemID,
			ItemName:        inv.Items[i].Name,
			UnitPrice:       inv.Items[i].UnitPrice,
			Currency:        currency,
		})
		priceIdx = append(priceIdx, i)
	}
	if len(priceReqs) > 0 {
		priceStart := time.Now().UTC()
		batch, err := o.validator.ValidateBatch(ctx, priceReqs)
		if err != nil {
			return nil, fmt.Errorf("validating prices: %w", err)
		}
		for j, res := range batch.Results {
			r := res
			lines[priceIdx[j]].Price = &r
		}
		err = o.recorder.RecordStage(audit.StageRecord{
			SessionID:  sessionID,
			StageName:  StagePriceValidate,
			StartTime:  priceStart,
			EndTime:    time.Now().UTC(),
			Input:      map[string]any{"items": batch.Summary.Total},
			Output:     batch.Summary,
			Confidence: batch.Summary.AvgConfidence,
			Status:     "completed",
		})
		if err != nil {
			return nil, err
		}
	}
	return lines, nil
}

func (o *Orchestrator) checkRules(sessionID string, lines []LineResult) ([]rules.Violation, error) {
	ruleStart := time.Now().UTC()
	items := make([]rules.Item, 0, len(lines))
	for _, line := range lines {
		if !line.Match.Matched() {
			continue
		}
		items = append(items, rules.Item{
			CanonicalItemID: line.Match.CanonicalItemID,
			Name:            line.Match.CanonicalName,
			Quantity:        quantityOf(line),
		})
	}
	violations, err := o.rules.Evaluate(items)
	if err != nil {
		return nil, fmt.Errorf("evaluating rules: %w", err)
	}
	labels := make([]string, len(violations))
	for i, v := range violations {
		labels[i] = v.String()
	}
	err = o.recorder.RecordStage(audit.StageRecord{
		SessionID: sessionID,
		StageName: StageRuleCheck,
		StartTime: ruleStart,
		EndTime:   time.Now().UTC(),
		Input:     map[string]any{"items": len(items)},
		Output:    map[string]any{"violations": labels},
		Status:    "completed",
	})
	if err != nil {
		return nil, err
	}
	return violations, nil
}

// quantityOf pulls the submitted quantity back out of the line result; the
// rules engine sums quantities per canonical item.
func quantityOf(line LineResult) float64 {
	if line.quantity != 0 {
		return line.quantity
	}
	return 1
}

// decide assigns each line its status, screens misses, queues unmatched
// items for ingestion, and records the decision stage plus explanations.
func (o *Orchestrator) decide(ctx context.Context, sessionID, currency string, lines []LineResult, violations []rules.Violation) ([]LineResult, error) {
	decisionStart := time.Now().UTC()

	violated := make(map[string][]string)
	for _, v := range violations {
		key := v.ItemName
		violated[key] = append(violated[key], v.String())
	}

	for i := range lines {
		line := &lines[i]
		switch {
		case line.Match.Matched():
			o.decideMatched(line, violated)
		default:
			o.decideUnmatched(ctx, line)
		}
	}

	statuses := make(map[string]int)
	for _, line := range lines {
		statuses[line.Status]++
	}
	err := o.recorder.RecordStage(audit.StageRecord{
		SessionID: sessionID,
		StageName: StageDecision,
		StartTime: decisionStart,
		EndTime:   time.Now().UTC(),
		Input:     map[string]any{"lines": len(lines)},
		Output:    statuses,
		Status:    "completed",
	})
	if err != nil {
		return nil, err
	}

	// Persist per-line validations and explanations.
	for i := range lines {
		line := &lines[i]
		risks, _ := json.Marshal(line.RiskFactors)
		v := storage.LineItemValidation{
			SessionID:       sessionID,
			ItemIndex:       line.ItemIndex,
			ItemName:        line.ItemName,
			Quantity:        quantityOf(*line),
			Unit:            line.unit,
			UnitPrice:       line.unitPrice,
			Currency:        currency,
			CanonicalItemID: line.Match.CanonicalItemID,
			MatchConfidence: line.Match.Confidence,
			Status:          line.Status,
			Decision:        line.Status,
			Confidence:      line.Confidence,
			RiskFactors:     string(risks),
		}
		saved, err := o.recorder.RecordLineValidation(v)
		if err != nil {
			return nil, err
		}
		line.ValidationID = saved.ID

		for level, content := range buildExplanations(*line) {
			if err := o.recorder.RecordExplanation(saved.ID, level, content); err != nil {
				return nil, err
			}
		}

		if line.Status == storage.StatusAwaitingIngest {
			if err := o.enqueueIngest(*line); err != nil {
				o.logger.Warn("queueing catalog ingest", "item", line.ItemName, "error", err)
			}
		}
	}
	return lines, nil
}

// decideMatched applies the decision matrix for matched lines: match
// confidence sets the base, price tier adjusts it, rule violations reject.
func (o *Orchestrator) decideMatched(line *LineResult, violated map[string][]string) {
	status := storage.StatusNeedsReview
	confidence := line.Match.Confidence

	if line.Match.Confidence >= o.cfg.MatchConfidenceFloor {
		status = storage.StatusAllow
	} else {
		line.RiskFactors = append(line.RiskFactors, riskLowMatchConfidence)
	}

	if p := line.Price; p != nil {
		switch p.Tier {
		case pricing.TierOutOfBand:
			status = storage.StatusNeedsReview
			line.RiskFactors = append(line.RiskFactors, riskPriceOutOfBand)
		case pricing.TierBorderline:
			if p.IsValid {
				// Accepted under external tolerance.
				break
			}
			if status == storage.StatusAllow {
				status = storage.StatusNeedsReview
			}
			line.RiskFactors = append(line.RiskFactors, riskPriceBorderline)
		case pricing.TierInBand:
			if status == storage.StatusNeedsReview {
				status = storage.StatusAllow
			}
		default:
			// No reference at all: never silently pass.
			status = storage.StatusNeedsReview
			line.RiskFactors = append(line.RiskFactors, riskNoPriceReference)
		}
		confidence = (confidence + p.Confidence) / 2
	}

	if labels, ok := violated[line.Match.CanonicalName]; ok {
		status = storage.StatusReject
		line.RiskFactors = append(line.RiskFactors, labels...)
	}

	line.Status = status
	line.Confidence = confidence
}

// decideUnmatched screens the submission text; clean misses queue for
// catalog ingestion, junk is rejected outright.
func (o *Orchestrator) decideUnmatched(ctx context.Context, line *LineResult) {
	screen := o.classifier.Classify(ctx, line.ItemName, "")
	if screen.Decision == classify.DecisionRejected {
		line.Status = storage.StatusReject
		line.Confidence = screen.Confidence
		line.RiskFactors = append(line.RiskFactors, riskContentBlocked, screen.Reason)
		return
	}
	line.Status = storage.StatusAwaitingIngest
	line.Confidence = screen.Confidence
}

func (o *Orchestrator) enqueueIngest(line LineResult) error {
	payload, err := json.Marshal(ingestPayload{
		Name: line.ItemName,
		Kind: line.kind,
	})
	if err != nil {
		return err
	}
	return o.store.EnqueueJob(storage.Job{
		ID:          uuid.NewString(),
		Type:        storage.JobTypeCatalogIngest,
		PayloadJSON: string(payload),
	})
}

// ingestPayload is the job body for catalog ingestion.
type ingestPayload struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// overallStatus aggregates line statuses: any rejection or rule violation
// rejects the invoice, otherwise reviews dominate holds dominate allows.
func overallStatus(lines []LineResult, violations []rules.Violation) string {
	counts := make(map[string]int)
	for _, line := range lines {
		counts[line.Status]++
	}
	switch {
	case counts[storage.StatusReject] > 0 || len(violations) > 0:
		return storage.StatusReject
	case counts[storage.StatusNeedsReview] > 0:
		return storage.StatusNeedsReview
	case counts[storage.StatusAwaitingIngest] > 0:
		return storage.StatusAwaitingIngest
	default:
		return storage.StatusAllow
	}
}
