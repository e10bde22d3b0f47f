package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kalambet/lineguard/internal/pricefeed"
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

func saveBand(t *testing.T, s *storage.Store, itemID, min, max string) {
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

type stubFeed struct {
	min, max decimal.Decimal
	ok       bool
}

func (f stubFeed) AggregateRange(context.Context, string, string) (pricefeed.Range, bool) {
	return pricefeed.Range{Min: f.min, Max: f.max, Samples: 3}, f.ok
}

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestValidate_InBandMidpointVarianceZero(t *testing.T) {
	s := openTestStore(t)
	saveBand(t, s, "item-1", "5", "15")
	v := NewValidator(s, nil, DefaultConfig())

	res, err := v.Validate(context.Background(), Request{
		CanonicalItemID: "item-1", ItemName: "PVC Pipe",
		UnitPrice: price("10.00"), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.IsValid {
		t.Error("expected valid")
	}
	if res.Tier != TierInBand {
		t.Errorf("Tier = %q, want %q", res.Tier, TierInBand)
	}
	if res.VariancePercent != 0 {
		t.Errorf("VariancePercent = %f, want 0 at the midpoint", res.VariancePercent)
	}
	if res.Method != MethodPriceBand {
		t.Errorf("Method = %q, want %q", res.Method, MethodPriceBand)
	}
	if res.Confidence != bandConfidence {
		t.Errorf("Confidence = %f, want %f", res.Confidence, bandConfidence)
	}
}

func TestValidate_Borderline(t *testing.T) {
	s := openTestStore(t)
	saveBand(t, s, "item-1", "10", "20")
	v := NewValidator(s, nil, DefaultConfig())

	// Above max but under 1.5*max.
	res, err := v.Validate(context.Background(), Request{
		CanonicalItemID: "item-1", UnitPrice: price("25"), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.IsValid {
		t.Error("borderline price should not pass against a curated band")
	}
	if res.Tier != TierBorderline {
		t.Errorf("Tier = %q, want %q", res.Tier, TierBorderline)
	}

	// Below min but above 0.6*min.
	res, err = v.Validate(context.Background(), Request{
		CanonicalItemID: "item-1", UnitPrice: price("7"), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Tier != TierBorderline {
		t.Errorf("Tier = %q, want %q", res.Tier, TierBorderline)
	}
}

func TestValidate_OutOfBand(t *testing.T) {
	s := openTestStore(t)
	saveBand(t, s, "item-1", "10", "20")
	v := NewValidator(s, nil, DefaultConfig())

	for _, p := range []string{"5.99", "30.01", "500"} {
		res, err := v.Validate(context.Background(), Request{
			CanonicalItemID: "item-1", UnitPrice: price(p), Currency: "USD",
		})
		if err != nil {
			t.Fatalf("Validate(%s): %v", p, err)
		}
		if res.Tier != TierOutOfBand {
			t.Errorf("price %s: Tier = %q, want %q", p, res.Tier, TierOutOfBand)
		}
		if res.IsValid {
			t.Errorf("price %s should not be valid", p)
		}
		if res.Confidence != 0 {
			t.Errorf("price %s: Confidence = %f, want 0 on a failed check", p, res.Confidence)
		}
	}
}

func TestValidate_ExternalFallback(t *testing.T) {
	s := openTestStore(t)
	feed := stubFeed{min: price("8"), max: price("12"), ok: true}
	v := NewValidator(s, feed, DefaultConfig())

	res, err := v.Validate(context.Background(), Request{
		CanonicalItemID: "item-1", ItemName: "pvc pipe",
		UnitPrice: price("10"), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Method != MethodExternal {
		t.Errorf("Method = %q, want %q", res.Method, MethodExternal)
	}
	if !res.IsValid {
		t.Error("in-range price should pass against external aggregate")
	}
	if res.Confidence != externalConfidence {
		t.Errorf("Confidence = %f, want %f", res.Confidence, externalConfidence)
	}
}

func TestValidate_ExternalToleranceAcceptsBorderline(t *testing.T) {
	s := openTestStore(t)
	feed := stubFeed{min: price("8"), max: price("12"), ok: true}
	v := NewValidator(s, feed, DefaultConfig())

	// 12.40 is 24% above the midpoint of 10: borderline tier but inside
	// the 25% external tolerance.
	res, err := v.Validate(context.Background(), Request{
		CanonicalItemID: "item-1", ItemName: "pvc pipe",
		UnitPrice: price("12.40"), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Tier != TierBorderline {
		t.Errorf("Tier = %q, want %q", res.Tier, TierBorderline)
	}
	if !res.IsValid {
		t.Error("borderline price within external tolerance should pass")
	}
}

func TestValidate_NoReference(t *testing.T) {
	s := openTestStore(t)
	v := NewValidator(s, stubFeed{ok: false}, DefaultConfig())

	res, err := v.Validate(context.Background(), Request{
		CanonicalItemID: "item-1", ItemName: "mystery part",
		UnitPrice: price("10"), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.IsValid {
		t.Error("price with no reference must never pass")
	}
	if res.Method != MethodNoReference {
		t.Errorf("Method = %q, want %q", res.Method, MethodNoReference)
	}
	if res.Confidence != 0 {
		t.Errorf("Confidence = %f, want 0", res.Confidence)
	}
}

func TestValidate_RequiresCanonicalItem(t *testing.T) {
	v := NewValidator(openTestStore(t), nil, DefaultConfig())
	_, err := v.Validate(context.Background(), Request{UnitPrice: price("10")})
	if !errors.Is(err, ErrNoCanonicalItem) {
		t.Fatalf("err = %v, want ErrNoCanonicalItem", err)
	}
}

func TestValidateBatch(t *testing.T) {
	s := openTestStore(t)
	saveBand(t, s, "item-1", "5", "15")
	v := NewValidator(s, nil, DefaultConfig())

	batch, err := v.ValidateBatch(context.Background(), []Request{
		{LineItemID: "l1", CanonicalItemID: "item-1", UnitPrice: price("10"), Currency: "USD"},
		{LineItemID: "l2", CanonicalItemID: "item-1", UnitPrice: price("100"), Currency: "USD"},
		{LineItemID: "l3", CanonicalItemID: "", UnitPrice: price("10"), Currency: "USD"},
	})
	if err != nil {
		t.Fatalf("ValidateBatch: %v", err)
	}
	if batch.Summary.Total != 3 || batch.Summary.Passed != 1 || batch.Summary.Failed != 2 {
		t.Errorf("summary = %+v", batch.Summary)
	}
	for i, want := range []string{"l1", "l2", "l3"} {
		if batch.Results[i].LineItemID != want {
			t.Errorf("results[%d].LineItemID = %q, want %q", i, batch.Results[i].LineItemID, want)
		}
	}
	// One band-backed result at 0.9, two zero-confidence failures.
	wantAvg := bandConfidence / 3
	if diff := batch.Summary.AvgConfidence - wantAvg; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("AvgConfidence = %f, want %f", batch.Summary.AvgConfidence, wantAvg)
	}
}

func TestValidateBatch_Empty(t *testing.T) {
	v := NewValidator(openTestStore(t), nil, DefaultConfig())
	if _, err := v.ValidateBatch(context.Background(), nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("err = %v, want ErrEmptyBatch", err)
	}
}
