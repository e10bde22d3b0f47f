package scan

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kalambet/lineguard/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.UsageThreshold = 3
	cfg.MinObsForFix = 3
	cfg.MinObsForNewBand = 3
	return cfg
}

func addItem(t *testing.T, s *storage.Store, name string) string {
	t.Helper()
	id := uuid.NewString()
	if err := s.SaveCanonicalItem(storage.CanonicalItem{ID: id, Name: name, Kind: "material", Unit: "each"}); err != nil {
		t.Fatalf("saving item: %v", err)
	}
	return id
}

func addBand(t *testing.T, s *storage.Store, itemID, min, max string) {
	t.Helper()
	err := s.UpsertPriceBand(storage.PriceBand{
		CanonicalItemID: itemID, Currency: "USD",
		MinPrice: decimal.RequireFromString(min),
		MaxPrice: decimal.RequireFromString(max),
		Unit:     "each", Source: "seed",
	})
	if err != nil {
		t.Fatalf("saving band: %v", err)
	}
}

// addUsage records n validated line items referencing itemID at the given price.
func addUsage(t *testing.T, s *storage.Store, itemID string, n int, unitPrice string) {
	t.Helper()
	sessionID := uuid.NewString()
	if err := s.SaveSession(storage.ValidationSession{
		ID: sessionID, InvoiceID: uuid.NewString(), OverallStatus: storage.StatusAllow,
	}); err != nil {
		t.Fatalf("saving session: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := s.SaveLineValidation(storage.LineItemValidation{
			ID: uuid.NewString(), SessionID: sessionID, ItemIndex: i,
			ItemName: "item", Quantity: 1,
			UnitPrice: decimal.RequireFromString(unitPrice), Currency: "USD",
			CanonicalItemID: itemID, Status: storage.StatusAllow,
		}); err != nil {
			t.Fatalf("saving line validation: %v", err)
		}
	}
}

func TestRun_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	sc := NewScanner(openTestStore(t), nil, cfg)

	if _, err := sc.Run(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestRun_CleanData(t *testing.T) {
	s := openTestStore(t)
	itemID := addItem(t, s, "PVC Pipe")
	addBand(t, s, itemID, "5", "15")
	sc := NewScanner(s, nil, testConfig())

	res, err := sc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Issues != (Issues{}) || res.Warnings != 0 || res.Errors != 0 {
		t.Errorf("clean data produced %+v", res)
	}
}

func TestRun_InvertedBandYieldsOnePendingProposal(t *testing.T) {
	s := openTestStore(t)
	itemID := addItem(t, s, "PVC Pipe")
	addBand(t, s, itemID, "20", "5")
	sc := NewScanner(s, nil, testConfig())

	res, err := sc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Issues.BandsFixed != 1 {
		t.Fatalf("BandsFixed = %d, want 1", res.Issues.BandsFixed)
	}

	pending, err := s.ListProposals(storage.ProposalPending, 10)
	if err != nil {
		t.Fatalf("ListProposals: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending proposals, want exactly 1", len(pending))
	}
	if pending[0].AnomalyClass != ClassBandAnomaly {
		t.Errorf("AnomalyClass = %q, want %q", pending[0].AnomalyClass, ClassBandAnomaly)
	}

	// Idempotence: a second run against unchanged data adds nothing.
	res, err = sc.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Issues.BandsFixed != 0 {
		t.Errorf("second run BandsFixed = %d, want 0", res.Issues.BandsFixed)
	}
	pending, _ = s.ListProposals(storage.ProposalPending, 10)
	if len(pending) != 1 {
		t.Fatalf("after rerun got %d pending proposals, want 1", len(pending))
	}
}

func TestRun_ZeroMinWithUsage(t *testing.T) {
	s := openTestStore(t)
	itemID := addItem(t, s, "PVC Pipe")
	addBand(t, s, itemID, "0", "15")
	addUsage(t, s, itemID, 1, "10")
	sc := NewScanner(s, nil, testConfig())

	res, err := sc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Issues.BandsFixed != 1 {
		t.Errorf("BandsFixed = %d, want 1", res.Issues.BandsFixed)
	}
}

func TestRun_ZeroMinWithoutUsageIsFine(t *testing.T) {
	s := openTestStore(t)
	itemID := addItem(t, s, "PVC Pipe")
	addBand(t, s, itemID, "0", "15")
	sc := NewScanner(s, nil, testConfig())

	res, err := sc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Issues.BandsFixed != 0 {
		t.Errorf("BandsFixed = %d, want 0 without usage", res.Issues.BandsFixed)
	}
}

func TestRun_MissingBandHighUsage(t *testing.T) {
	s := openTestStore(t)
	itemID := addItem(t, s, "HVAC Filter")
	addUsage(t, s, itemID, 5, "12.50")
	sc := NewScanner(s, nil, testConfig())

	res, err := sc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Issues.BandsMissing != 1 {
		t.Fatalf("BandsMissing = %d, want 1", res.Issues.BandsMissing)
	}

	pending, _ := s.ListProposals(storage.ProposalPending, 10)
	if len(pending) != 1 || pending[0].AnomalyClass != ClassMissingBand {
		t.Fatalf("proposals = %+v", pending)
	}
}

func TestRun_MissingBandLowUsageIgnored(t *testing.T) {
	s := openTestStore(t)
	itemID := addItem(t, s, "HVAC Filter")
	addUsage(t, s, itemID, 2, "12.50") // below the threshold of 3
	sc := NewScanner(s, nil, testConfig())

	res, err := sc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Issues.BandsMissing != 0 {
		t.Errorf("BandsMissing = %d, want 0", res.Issues.BandsMissing)
	}
}

func TestRun_OrphanSynonym(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveSynonym(storage.Synonym{
		ID: uuid.NewString(), CanonicalItemID: "deleted-item",
		Synonym: "copper pipe", Weight: 0.9,
	}); err != nil {
		t.Fatalf("saving synonym: %v", err)
	}
	sc := NewScanner(s, nil, testConfig())

	res, err := sc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Issues.Orphans != 1 {
		t.Fatalf("Orphans = %d, want 1", res.Issues.Orphans)
	}
}

func TestRun_LowWeightOrphanWarnsOnly(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveSynonym(storage.Synonym{
		ID: uuid.NewString(), CanonicalItemID: "deleted-item",
		Synonym: "maybe a pipe", Weight: 0.4,
	}); err != nil {
		t.Fatalf("saving synonym: %v", err)
	}
	sc := NewScanner(s, nil, testConfig())

	res, err := sc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Issues.Orphans != 0 {
		t.Errorf("Orphans = %d, want 0", res.Issues.Orphans)
	}
	if res.Warnings != 1 {
		t.Errorf("Warnings = %d, want 1", res.Warnings)
	}
}

func TestRun_ConflictingRules(t *testing.T) {
	s := openTestStore(t)
	for i, decision := range []string{"ALLOW", "DENY"} {
		if err := s.SaveRule(storage.Rule{
			ID: fmt.Sprintf("r%d", i), RuleType: "POLICY",
			ScopeType: "service_line", ScopeValue: "plumbing",
			Decision: decision, Active: true,
		}); err != nil {
			t.Fatalf("saving rule: %v", err)
		}
	}
	sc := NewScanner(s, nil, testConfig())

	res, err := sc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Issues.Conflicts != 1 {
		t.Fatalf("Conflicts = %d, want 1", res.Issues.Conflicts)
	}
}

func TestRun_SameDecisionRulesNoConflict(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 2; i++ {
		if err := s.SaveRule(storage.Rule{
			ID: fmt.Sprintf("r%d", i), RuleType: "POLICY",
			ScopeType: "service_line", ScopeValue: "plumbing",
			Decision: "ALLOW", Active: true,
		}); err != nil {
			t.Fatalf("saving rule: %v", err)
		}
	}
	sc := NewScanner(s, nil, testConfig())

	res, err := sc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Issues.Conflicts != 0 {
		t.Errorf("Conflicts = %d, want 0", res.Issues.Conflicts)
	}
}

func TestRoundPrice(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10.005", "10.01"},
		{"-5", "0.01"},
		{"0", "0.01"},
		{"1000000", "999999.99"},
		{"12.5", "12.5"},
	}
	for _, tt := range tests {
		got := roundPrice(decimal.RequireFromString(tt.in))
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("roundPrice(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
