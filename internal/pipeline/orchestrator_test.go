package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kalambet/lineguard/internal/audit"
	"github.com/kalambet/lineguard/internal/catalog"
	"github.com/kalambet/lineguard/internal/classify"
	"github.com/kalambet/lineguard/internal/pricing"
	"github.com/kalambet/lineguard/internal/rules"
	"github.com/kalambet/lineguard/internal/storage"
)

type fixture struct {
	store    *storage.Store
	orch     *Orchestrator
	recorder *audit.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	recorder := audit.NewRecorder(s, nil)
	orch := NewOrchestrator(
		s,
		catalog.NewMatcher(s, nil, nil, catalog.DefaultConfig()),
		pricing.NewValidator(s, nil, pricing.DefaultConfig()),
		rules.NewEngine(s),
		classify.New(nil, nil, classify.Config{Enabled: false}),
		recorder,
		nil,
		DefaultConfig(),
	)
	return &fixture{store: s, orch: orch, recorder: recorder}
}

func (f *fixture) addItem(t *testing.T, name string) string {
	t.Helper()
	id := uuid.NewString()
	err := f.store.SaveCanonicalItem(storage.CanonicalItem{
		ID: id, Name: name, Kind: "material", Unit: "each",
	})
	if err != nil {
		t.Fatalf("SaveCanonicalItem(%s): %v", name, err)
	}
	return id
}

func (f *fixture) addBand(t *testing.T, itemID, min, max string) {
	t.Helper()
	err := f.store.UpsertPriceBand(storage.PriceBand{
		CanonicalItemID: itemID, Currency: "USD",
		MinPrice: decimal.RequireFromString(min),
		MaxPrice: decimal.RequireFromString(max),
		Unit:     "each", Source: "seed",
	})
	if err != nil {
		t.Fatalf("UpsertPriceBand: %v", err)
	}
}

func line(name, price string, qty float64) LineItem {
	return LineItem{
		ID:        uuid.NewString(),
		Name:      name,
		Quantity:  qty,
		UnitPrice: decimal.RequireFromString(price),
		Unit:      "each",
		Type:      "material",
	}
}

func TestValidateInvoice_InBandAllows(t *testing.T) {
	f := newFixture(t)
	itemID := f.addItem(t, "pvc pipe")
	f.addBand(t, itemID, "5", "15")

	res, err := f.orch.ValidateInvoice(context.Background(), Invoice{
		InvoiceID: "inv-1",
		Currency:  "USD",
		Items:     []LineItem{line("PVC Pipe", "10.00", 2)},
	})
	if err != nil {
		t.Fatalf("ValidateInvoice: %v", err)
	}
	if res.OverallStatus != storage.StatusAllow {
		t.Fatalf("OverallStatus = %q, want ALLOW", res.OverallStatus)
	}
	l := res.Lines[0]
	if l.Status != storage.StatusAllow {
		t.Errorf("line status = %q, want ALLOW", l.Status)
	}
	if l.Price == nil || l.Price.Tier != pricing.TierInBand {
		t.Fatalf("price result = %+v", l.Price)
	}
	if l.Price.VariancePercent != 0 {
		t.Errorf("variance = %v, want 0 at band midpoint", l.Price.VariancePercent)
	}
	if l.Match.Method != catalog.MethodExact {
		t.Errorf("match method = %q", l.Match.Method)
	}
}

func TestValidateInvoice_RecordsOrderedStages(t *testing.T) {
	f := newFixture(t)
	itemID := f.addItem(t, "pvc pipe")
	f.addBand(t, itemID, "5", "15")

	res, err := f.orch.ValidateInvoice(context.Background(), Invoice{
		InvoiceID: "inv-1",
		Items:     []LineItem{line("pvc pipe", "10", 1)},
	})
	if err != nil {
		t.Fatalf("ValidateInvoice: %v", err)
	}

	execs, err := f.store.ListExecutions(res.SessionID)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	want := []string{StageCatalogMatch, StagePriceValidate, StageRuleCheck, StageDecision}
	if len(execs) != len(want) {
		t.Fatalf("got %d stages, want %d", len(execs), len(want))
	}
	for i, e := range execs {
		if e.StageName != want[i] {
			t.Errorf("stage %d = %q, want %q", i, e.StageName, want[i])
		}
		if e.ExecutionOrder != i+1 {
			t.Errorf("stage %d order = %d, want %d", i, e.ExecutionOrder, i+1)
		}
	}
}

func TestValidateInvoice_MissSkipsPricing(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.ValidateInvoice(context.Background(), Invoice{
		InvoiceID: "inv-1",
		Items:     []LineItem{line("hvac filter xj-9", "100", 1)},
	})
	if err != nil {
		t.Fatalf("ValidateInvoice: %v", err)
	}
	l := res.Lines[0]
	if l.Status != storage.StatusAwaitingIngest {
		t.Fatalf("line status = %q, want AWAITING_INGEST", l.Status)
	}
	if l.Price != nil {
		t.Fatal("price validation ran for an unmatched item")
	}
	if res.OverallStatus != storage.StatusAwaitingIngest {
		t.Errorf("OverallStatus = %q, want AWAITING_INGEST", res.OverallStatus)
	}

	execs, err := f.store.ListExecutions(res.SessionID)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	for _, e := range execs {
		if e.StageName == StagePriceValidate {
			t.Error("price_validation stage recorded for an all-miss invoice")
		}
	}

	job, err := f.store.ClaimNextJob([]string{storage.JobTypeCatalogIngest})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("expected a queued catalog ingest job")
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if payload.Name != "hvac filter xj-9" {
		t.Errorf("job payload name = %q", payload.Name)
	}
}

func TestValidateInvoice_OffDomainMissRejected(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.ValidateInvoice(context.Background(), Invoice{
		InvoiceID: "inv-1",
		Items:     []LineItem{line("pepperoni pizza", "18", 1)},
	})
	if err != nil {
		t.Fatalf("ValidateInvoice: %v", err)
	}
	l := res.Lines[0]
	if l.Status != storage.StatusReject {
		t.Fatalf("line status = %q, want REJECT", l.Status)
	}
	if res.OverallStatus != storage.StatusReject {
		t.Errorf("OverallStatus = %q, want REJECT", res.OverallStatus)
	}
	// Rejected submissions are not queued for ingestion.
	job, err := f.store.ClaimNextJob([]string{storage.JobTypeCatalogIngest})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job != nil {
		t.Errorf("unexpected ingest job for rejected item: %+v", job)
	}
}

func TestValidateInvoice_OutOfBandNeedsReview(t *testing.T) {
	f := newFixture(t)
	itemID := f.addItem(t, "copper fitting")
	f.addBand(t, itemID, "10", "20")

	res, err := f.orch.ValidateInvoice(context.Background(), Invoice{
		InvoiceID: "inv-1",
		Items:     []LineItem{line("copper fitting", "500", 1)},
	})
	if err != nil {
		t.Fatalf("ValidateInvoice: %v", err)
	}
	l := res.Lines[0]
	if l.Status != storage.StatusNeedsReview {
		t.Fatalf("line status = %q, want NEEDS_REVIEW", l.Status)
	}
	if !containsString(l.RiskFactors, riskPriceOutOfBand) {
		t.Errorf("risk factors = %v, want %s", l.RiskFactors, riskPriceOutOfBand)
	}
}

func TestValidateInvoice_NoReferenceNeverPasses(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, "mystery gasket")

	res, err := f.orch.ValidateInvoice(context.Background(), Invoice{
		InvoiceID: "inv-1",
		Items:     []LineItem{line("mystery gasket", "42", 1)},
	})
	if err != nil {
		t.Fatalf("ValidateInvoice: %v", err)
	}
	l := res.Lines[0]
	if l.Status != storage.StatusNeedsReview {
		t.Fatalf("line status = %q, want NEEDS_REVIEW", l.Status)
	}
	if l.Price == nil || l.Price.Method != pricing.MethodNoReference {
		t.Fatalf("price result = %+v", l.Price)
	}
	if !containsString(l.RiskFactors, riskNoPriceReference) {
		t.Errorf("risk factors = %v", l.RiskFactors)
	}
}

func TestValidateInvoice_RuleViolationRejects(t *testing.T) {
	f := newFixture(t)
	itemID := f.addItem(t, "water heater")
	f.addBand(t, itemID, "500", "900")
	err := f.store.SaveRule(storage.Rule{
		ID: "r1", RuleType: rules.TypeMaxQty, AItemID: itemID,
		MaxQty: 1, Rationale: "one water heater per job", Active: true,
	})
	if err != nil {
		t.Fatalf("SaveRule: %v", err)
	}

	res, err := f.orch.ValidateInvoice(context.Background(), Invoice{
		InvoiceID: "inv-1",
		Items:     []LineItem{line("water heater", "700", 3)},
	})
	if err != nil {
		t.Fatalf("ValidateInvoice: %v", err)
	}
	if len(res.RuleViolations) != 1 {
		t.Fatalf("violations = %+v", res.RuleViolations)
	}
	if res.Lines[0].Status != storage.StatusReject {
		t.Errorf("line status = %q, want REJECT", res.Lines[0].Status)
	}
	if res.OverallStatus != storage.StatusReject {
		t.Errorf("OverallStatus = %q, want REJECT", res.OverallStatus)
	}
}

func TestValidateInvoice_DuplicateInvoice(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, "pvc pipe")

	inv := Invoice{InvoiceID: "inv-1", Items: []LineItem{line("pvc pipe", "10", 1)}}
	if _, err := f.orch.ValidateInvoice(context.Background(), inv); err != nil {
		t.Fatalf("first ValidateInvoice: %v", err)
	}
	if _, err := f.orch.ValidateInvoice(context.Background(), inv); err == nil {
		t.Fatal("expected error for duplicate invoice")
	}
}

func TestValidateInvoice_MixedBatchKeepsOrder(t *testing.T) {
	f := newFixture(t)
	itemID := f.addItem(t, "pvc pipe")
	f.addBand(t, itemID, "5", "15")

	res, err := f.orch.ValidateInvoice(context.Background(), Invoice{
		InvoiceID: "inv-1",
		Items: []LineItem{
			line("pvc pipe", "10", 1),
			line("unknown widget qq", "99", 1),
			line("pvc pipe", "200", 1),
		},
	})
	if err != nil {
		t.Fatalf("ValidateInvoice: %v", err)
	}
	if len(res.Lines) != 3 {
		t.Fatalf("got %d lines", len(res.Lines))
	}
	wantStatuses := []string{storage.StatusAllow, storage.StatusAwaitingIngest, storage.StatusNeedsReview}
	for i, want := range wantStatuses {
		if res.Lines[i].ItemIndex != i {
			t.Errorf("line %d index = %d", i, res.Lines[i].ItemIndex)
		}
		if res.Lines[i].Status != want {
			t.Errorf("line %d status = %q, want %q", i, res.Lines[i].Status, want)
		}
	}
	if res.OverallStatus != storage.StatusNeedsReview {
		t.Errorf("OverallStatus = %q, want NEEDS_REVIEW", res.OverallStatus)
	}
}

func TestValidateInvoice_PersistsExplanations(t *testing.T) {
	f := newFixture(t)
	itemID := f.addItem(t, "pvc pipe")
	f.addBand(t, itemID, "5", "15")

	if _, err := f.orch.ValidateInvoice(context.Background(), Invoice{
		InvoiceID: "inv-1",
		Items:     []LineItem{line("pvc pipe", "10", 1)},
	}); err != nil {
		t.Fatalf("ValidateInvoice: %v", err)
	}

	trace, err := f.recorder.GetValidationTrace("inv-1")
	if err != nil {
		t.Fatalf("GetValidationTrace: %v", err)
	}
	if len(trace.Lines) != 1 {
		t.Fatalf("lines = %+v", trace.Lines)
	}
	levels := make(map[string]bool)
	for _, e := range trace.Lines[0].Explanations {
		levels[e.Level] = true
	}
	for _, want := range []string{LevelSummary, LevelDetailed, LevelTechnical} {
		if !levels[want] {
			t.Errorf("missing %s explanation", want)
		}
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
