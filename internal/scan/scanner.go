// Package scan implements the nightly safety scan: it walks catalog, band,
// synonym, and rule data looking for integrity anomalies and emits proposals
// for a human to approve. It never mutates canonical data itself.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kalambet/lineguard/internal/storage"
)

// ErrDisabled is returned when the scan is invoked while switched off.
var ErrDisabled = errors.New("safety scan is disabled")

// Anomaly classes. One proposal per (entity, id, class) tuple, ever.
const (
	ClassBandAnomaly     = "band_anomaly"
	ClassMissingBand     = "missing_band"
	ClassOrphanSynonym   = "orphan_synonym"
	ClassConflictingRule = "conflicting_rule"
)

// Issues counts the proposals created per anomaly class.
type Issues struct {
	BandsFixed   int `json:"bands_fixed"`
	BandsMissing int `json:"bands_missing"`
	Orphans      int `json:"orphans"`
	Conflicts    int `json:"conflicts"`
}

// Result is the outcome of one scan run.
type Result struct {
	Issues   Issues `json:"issues"`
	Warnings int    `json:"warnings"`
	Errors   int    `json:"errors"`
}

// Config holds the scan thresholds.
type Config struct {
	Enabled bool
	// Window bounds the usage and price statistics.
	Window time.Duration
	// UsageThreshold is the recent-use count above which a missing band
	// becomes an anomaly.
	UsageThreshold int
	// MinObsForFix is the observation count needed to suggest a corrected
	// range for a broken band.
	MinObsForFix int
	// MinObsForNewBand is the observation count needed to suggest a range
	// for a missing band.
	MinObsForNewBand int
	// OrphanConfidence is the synonym weight above which an orphan synonym
	// yields a new-canonical proposal instead of a warning.
	OrphanConfidence float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Window:           90 * 24 * time.Hour,
		UsageThreshold:   20,
		MinObsForFix:     3,
		MinObsForNewBand: 5,
		OrphanConfidence: 0.8,
	}
}

// Scanner runs the safety scan against the store.
type Scanner struct {
	store  *storage.Store
	logger *slog.Logger
	cfg    Config
}

func NewScanner(store *storage.Store, logger *slog.Logger, cfg Config) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{store: store, logger: logger, cfg: cfg}
}

// Run executes all four checks. Re-running against unchanged data creates no
// duplicate proposals; only newly created ones are counted.
func (s *Scanner) Run(ctx context.Context) (Result, error) {
	if !s.cfg.Enabled {
		return Result{}, ErrDisabled
	}

	cutoff := time.Now().UTC().Add(-s.cfg.Window)
	s.logger.Info("safety scan start", "cutoff", cutoff.Format(time.RFC3339))

	var res Result

	usage, err := s.store.UsageCounts(cutoff)
	if err != nil {
		return res, fmt.Errorf("loading usage counts: %w", err)
	}

	if err := s.scanBands(cutoff, usage, &res); err != nil {
		return res, err
	}
	if err := s.scanMissingBands(cutoff, usage, &res); err != nil {
		return res, err
	}
	if err := s.scanOrphanSynonyms(&res); err != nil {
		return res, err
	}
	if err := s.scanConflictingRules(&res); err != nil {
		return res, err
	}

	s.logger.Info("safety scan complete",
		"bands_fixed", res.Issues.BandsFixed,
		"bands_missing", res.Issues.BandsMissing,
		"orphans", res.Issues.Orphans,
		"conflicts", res.Issues.Conflicts,
		"warnings", res.Warnings,
		"errors", res.Errors,
	)
	return res, ctx.Err()
}

// scanBands flags inverted ranges and zero minimums on items that still see
// use, suggesting a corrected range from recent observations.
func (s *Scanner) scanBands(cutoff time.Time, usage map[string]int, res *Result) error {
	bands, err := s.store.ListPriceBands()
	if err != nil {
		return fmt.Errorf("listing price bands: %w", err)
	}

	for _, band := range bands {
		var reason string
		switch {
		case band.MinPrice.GreaterThanOrEqual(band.MaxPrice):
			reason = fmt.Sprintf("invalid range: min (%s) >= max (%s)", band.MinPrice, band.MaxPrice)
		case band.MinPrice.IsZero() && usage[band.CanonicalItemID] > 0:
			reason = "zero min price with recent usage"
		default:
			continue
		}

		suggestedMin := decimal.RequireFromString("0.01")
		suggestedMax := band.MaxPrice
		if !suggestedMax.IsPositive() {
			suggestedMax = decimal.NewFromInt(100)
		}

		recent, err := s.store.RecentPrices(band.CanonicalItemID, cutoff)
		if err != nil {
			s.logger.Warn("loading recent prices", "item", band.CanonicalItemID, "error", err)
			res.Errors++
			continue
		}
		if len(recent) >= s.cfg.MinObsForFix {
			p5, _, p95 := percentiles(recent)
			suggestedMin = roundPrice(p5)
			if band.MinPrice.GreaterThanOrEqual(band.MaxPrice) {
				suggestedMax = roundPrice(p95)
			}
		}

		change, _ := json.Marshal(map[string]any{
			"current_range":   []string{band.MinPrice.String(), band.MaxPrice.String()},
			"suggested_range": []string{suggestedMin.String(), suggestedMax.String()},
			"currency":        band.Currency,
		})
		created, err := s.store.CreateProposal(storage.Proposal{
			ID:             uuid.NewString(),
			TargetEntity:   "price_band",
			TargetID:       band.CanonicalItemID + "/" + band.Currency,
			AnomalyClass:   ClassBandAnomaly,
			ProposedChange: string(change),
			Reason:         reason,
		})
		if err != nil {
			s.logger.Warn("creating band fix proposal", "item", band.CanonicalItemID, "error", err)
			res.Errors++
			continue
		}
		if created {
			res.Issues.BandsFixed++
		}
	}
	return nil
}

// scanMissingBands flags high-usage items without a band and suggests one
// from recent observations.
func (s *Scanner) scanMissingBands(cutoff time.Time, usage map[string]int, res *Result) error {
	bands, err := s.store.ListPriceBands()
	if err != nil {
		return fmt.Errorf("listing price bands: %w", err)
	}
	haveBand := make(map[string]bool, len(bands))
	for _, b := range bands {
		haveBand[b.CanonicalItemID] = true
	}

	for itemID, count := range usage {
		if count < s.cfg.UsageThreshold || haveBand[itemID] {
			continue
		}
		recent, err := s.store.RecentPrices(itemID, cutoff)
		if err != nil {
			s.logger.Warn("loading recent prices", "item", itemID, "error", err)
			res.Errors++
			continue
		}
		if len(recent) < s.cfg.MinObsForNewBand {
			continue
		}
		p5, p50, p95 := percentiles(recent)

		change, _ := json.Marshal(map[string]any{
			"suggested_range": []string{roundPrice(p5).String(), roundPrice(p95).String()},
			"p50":             roundPrice(p50).String(),
			"usage_count":     count,
		})
		created, err := s.store.CreateProposal(storage.Proposal{
			ID:             uuid.NewString(),
			TargetEntity:   "price_band",
			TargetID:       itemID,
			AnomalyClass:   ClassMissingBand,
			ProposedChange: string(change),
			Reason:         fmt.Sprintf("missing band for high-usage item (%d recent uses)", count),
		})
		if err != nil {
			s.logger.Warn("creating missing band proposal", "item", itemID, "error", err)
			res.Errors++
			continue
		}
		if created {
			res.Issues.BandsMissing++
		}
	}
	return nil
}

// scanOrphanSynonyms flags synonyms whose canonical item no longer exists.
// High-weight orphans yield a new-canonical proposal; low-weight ones only
// warn.
func (s *Scanner) scanOrphanSynonyms(res *Result) error {
	items, err := s.store.ListCanonicalItems("")
	if err != nil {
		return fmt.Errorf("listing catalog items: %w", err)
	}
	exists := make(map[string]bool, len(items))
	for _, it := range items {
		exists[it.ID] = true
	}

	syns, err := s.store.ListSynonyms()
	if err != nil {
		return fmt.Errorf("listing synonyms: %w", err)
	}
	for _, syn := range syns {
		if exists[syn.CanonicalItemID] {
			continue
		}
		if syn.Weight < s.cfg.OrphanConfidence {
			s.logger.Warn("low-confidence orphan synonym",
				"synonym", syn.Synonym, "weight", syn.Weight)
			res.Warnings++
			continue
		}

		change, _ := json.Marshal(map[string]any{
			"inferred_canonical_name": inferCanonicalName(syn.Synonym),
			"synonym_weight":          syn.Weight,
		})
		created, err := s.store.CreateProposal(storage.Proposal{
			ID:             uuid.NewString(),
			TargetEntity:   "synonym",
			TargetID:       syn.ID,
			AnomalyClass:   ClassOrphanSynonym,
			ProposedChange: string(change),
			Reason:         fmt.Sprintf("orphan synonym %q with weight %.2f", syn.Synonym, syn.Weight),
		})
		if err != nil {
			s.logger.Warn("creating orphan synonym proposal", "synonym", syn.ID, "error", err)
			res.Errors++
			continue
		}
		if created {
			res.Issues.Orphans++
		}
	}
	return nil
}

// scanConflictingRules flags scopes carrying both ALLOW and DENY decisions.
func (s *Scanner) scanConflictingRules(res *Result) error {
	rules, err := s.store.ListActiveRules()
	if err != nil {
		return fmt.Errorf("listing rules: %w", err)
	}

	byScope := make(map[string][]storage.Rule)
	for _, r := range rules {
		if r.ScopeType == "" {
			continue
		}
		key := r.ScopeType + ":" + r.ScopeValue
		byScope[key] = append(byScope[key], r)
	}

	for scope, scoped := range byScope {
		if len(scoped) < 2 {
			continue
		}
		decisions := make(map[string]bool)
		ids := make([]string, 0, len(scoped))
		for _, r := range scoped {
			decisions[r.Decision] = true
			ids = append(ids, r.ID)
		}
		if !decisions["ALLOW"] || !decisions["DENY"] {
			continue
		}
		sort.Strings(ids)

		change, _ := json.Marshal(map[string]any{
			"conflicting_rule_ids": ids,
			"suggested_resolution": "consolidate with priority order",
		})
		created, err := s.store.CreateProposal(storage.Proposal{
			ID:             uuid.NewString(),
			TargetEntity:   "rule",
			TargetID:       scope,
			AnomalyClass:   ClassConflictingRule,
			ProposedChange: string(change),
			Reason:         "contradictory ALLOW/DENY rules for scope " + scope,
		})
		if err != nil {
			s.logger.Warn("creating conflicting rule proposal", "scope", scope, "error", err)
			res.Errors++
			continue
		}
		if created {
			res.Issues.Conflicts++
		}
	}
	return nil
}

// roundPrice rounds to two decimals and clamps to a sensible price range.
func roundPrice(p decimal.Decimal) decimal.Decimal {
	floor := decimal.RequireFromString("0.01")
	ceil := decimal.RequireFromString("999999.99")
	if !p.IsPositive() {
		return floor
	}
	if p.GreaterThan(ceil) {
		return ceil
	}
	return p.Round(2)
}

// percentiles returns robust p5/p50/p95 estimates by index on the sorted
// sample.
func percentiles(prices []decimal.Decimal) (p5, p50, p95 decimal.Decimal) {
	sorted := make([]decimal.Decimal, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	n := len(sorted)
	p5Idx := n*5/100 - 1
	if p5Idx < 0 {
		p5Idx = 0
	}
	p95Idx := n * 95 / 100
	if p95Idx > n-1 {
		p95Idx = n - 1
	}
	return sorted[p5Idx], sorted[n/2], sorted[p95Idx]
}

// inferCanonicalName turns a synonym into a plausible canonical name: trim,
// collapse whitespace, title case.
func inferCanonicalName(synonym string) string {
	words := strings.Fields(synonym)
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		if len(runes) > 0 {
			runes[0] = []rune(strings.ToUpper(string(runes[0])))[0]
		}
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
