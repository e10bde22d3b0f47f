// Package pricing checks unit prices against curated price bands, falling
// back to aggregated vendor feed data when no band exists.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lineguard/internal/pricefeed"
	"github.com/kalambet/lineguard/internal/storage"
)

// ErrEmptyBatch is returned when a batch validation is invoked with no items.
var ErrEmptyBatch = errors.New("empty validation batch")

// ErrNoCanonicalItem is returned when validation is attempted before the
// item has been matched to the catalog.
var ErrNoCanonicalItem = errors.New("price validation requires a matched canonical item")

// Validation methods.
const (
	MethodPriceBand   = "price_band"
	MethodExternal    = "external_aggregate"
	MethodNoReference = "no_reference"
)

// Price tiers relative to the expected range.
const (
	TierInBand     = "in_band"
	TierBorderline = "borderline"
	TierOutOfBand  = "out_of_band"
)

// Request identifies one price to validate.
type Request struct {
	LineItemID      string
	CanonicalItemID string
	ItemName        string
	UnitPrice       decimal.Decimal
	Currency        string
}

// Result is the outcome of validating one price.
type Result struct {
	LineItemID      string
	IsValid         bool
	Tier            string
	Method          string
	VariancePercent float64
	Confidence      float64
	ExpectedMin     decimal.Decimal
	ExpectedMax     decimal.Decimal
	Currency        string
	Note            string
}

// Summary aggregates a batch validation.
type Summary struct {
	Total         int
	Passed        int
	Failed        int
	AvgConfidence float64
}

// BatchResult is the outcome of a batch validation.
type BatchResult struct {
	Results []Result
	Summary Summary
}

// Feed aggregates external vendor prices into an expected range.
// ok=false means the feed has no usable data for the item.
// *pricefeed.Client satisfies it.
type Feed interface {
	AggregateRange(ctx context.Context, itemName, currency string) (pricefeed.Range, bool)
}

// Config holds the validation thresholds.
type Config struct {
	// BorderlineLowFactor and BorderlineHighFactor define the outer band:
	// prices below low*min or above high*max are out_of_band, prices
	// between the band edge and the outer band are borderline.
	BorderlineLowFactor  float64
	BorderlineHighFactor float64
	// ExternalTolerancePct accepts prices within this variance of the
	// external aggregate midpoint when no curated band exists.
	ExternalTolerancePct float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		BorderlineLowFactor:  0.60,
		BorderlineHighFactor: 1.50,
		ExternalTolerancePct: 25,
	}
}

// Confidence per reference quality. A result that fails validation carries
// zero confidence regardless of the reference behind it.
const (
	bandConfidence     = 0.9
	externalConfidence = 0.6
)

// Validator checks unit prices against the best available reference.
type Validator struct {
	store *storage.Store
	feed  Feed
	cfg   Config
}

// NewValidator creates a Validator. feed may be nil, which disables the
// external fallback.
func NewValidator(store *storage.Store, feed Feed, cfg Config) *Validator {
	return &Validator{store: store, feed: feed, cfg: cfg}
}

// Validate checks one price. A price that fails validation is not an error;
// errors are reserved for store failures and unmatched items.
func (v *Validator) Validate(ctx context.Context, req Request) (Result, error) {
	if req.CanonicalItemID == "" {
		return Result{}, ErrNoCanonicalItem
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	band, err := v.store.GetPriceBand(req.CanonicalItemID, currency)
	switch {
	case err == nil:
		return v.validateAgainst(req, band.MinPrice, band.MaxPrice, currency, MethodPriceBand), nil
	case errors.Is(err, storage.ErrNotFound):
		// fall through to the external feed
	default:
		return Result{}, fmt.Errorf("loading price band: %w", err)
	}

	if v.feed != nil {
		if r, ok := v.feed.AggregateRange(ctx, req.ItemName, currency); ok {
			return v.validateAgainst(req, r.Min, r.Max, currency, MethodExternal), nil
		}
	}

	// Never silently pass a price nothing can vouch for.
	return Result{
		LineItemID: req.LineItemID,
		IsValid:    false,
		Method:     MethodNoReference,
		Confidence: 0,
		Currency:   currency,
		Note:       "no price reference available",
	}, nil
}

func (v *Validator) validateAgainst(req Request, min, max decimal.Decimal, currency, method string) Result {
	price := req.UnitPrice
	res := Result{
		LineItemID:      req.LineItemID,
		Method:          method,
		VariancePercent: variancePercent(price, min, max),
		ExpectedMin:     min,
		ExpectedMax:     max,
		Currency:        currency,
	}

	lowEdge := min.Mul(decimal.NewFromFloat(v.cfg.BorderlineLowFactor))
	highEdge := max.Mul(decimal.NewFromFloat(v.cfg.BorderlineHighFactor))

	switch {
	case price.LessThan(lowEdge) || price.GreaterThan(highEdge):
		res.Tier = TierOutOfBand
		res.Note = fmt.Sprintf("proposed %s %s far outside %s-%s", currency, price, min, max)
	case price.LessThan(min) || price.GreaterThan(max):
		res.Tier = TierBorderline
		res.Note = fmt.Sprintf("proposed %s %s slightly outside %s-%s", currency, price, min, max)
	default:
		res.Tier = TierInBand
		res.IsValid = true
		res.Note = fmt.Sprintf("proposed %s %s within %s-%s", currency, price, min, max)
	}

	switch method {
	case MethodPriceBand:
		res.Confidence = bandConfidence
	case MethodExternal:
		res.Confidence = externalConfidence
		// With only an external aggregate, a small variance from the
		// midpoint is acceptable even just outside the sampled range.
		if !res.IsValid && res.Tier == TierBorderline && res.VariancePercent <= v.cfg.ExternalTolerancePct {
			res.IsValid = true
		}
	}
	if !res.IsValid {
		res.Confidence = 0
	}
	return res
}

// variancePercent is the distance from the band midpoint as a percentage of
// the midpoint. A zero midpoint yields zero variance rather than a division
// error.
func variancePercent(price, min, max decimal.Decimal) float64 {
	mid := min.Add(max).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return 0
	}
	variance, _ := price.Sub(mid).Abs().Div(mid).Mul(decimal.NewFromInt(100)).Float64()
	return variance
}

// ValidateBatch validates items independently and concurrently. Per-item
// failures are folded into the results; the returned error is reserved for
// empty batches.
func (v *Validator) ValidateBatch(ctx context.Context, reqs []Request) (BatchResult, error) {
	if len(reqs) == 0 {
		return BatchResult{}, ErrEmptyBatch
	}

	results := make([]Result, len(reqs))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, req := range reqs {
		g.Go(func() error {
			res, err := v.Validate(gCtx, req)
			if err != nil {
				results[i] = Result{
					LineItemID: req.LineItemID,
					Method:     MethodNoReference,
					Currency:   req.Currency,
					Note:       err.Error(),
				}
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchResult{}, err
	}

	summary := Summary{Total: len(results)}
	var confSum float64
	for _, r := range results {
		if r.IsValid {
			summary.Passed++
		} else {
			summary.Failed++
		}
		confSum += r.Confidence
	}
	summary.AvgConfidence = confSum / float64(len(results))

	return BatchResult{Results: results, Summary: summary}, nil
}
