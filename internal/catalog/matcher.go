package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lineguard/internal/retrieval"
	"github.com/kalambet/lineguard/internal/storage"
)

// Match methods, in lookup order.
const (
	MethodExact     = "exact"
	MethodSynonym   = "synonym"
	MethodFuzzy     = "fuzzy"
	MethodEmbedding = "embedding"
	MethodNone      = "none"
)

// MatchRequest identifies one free-text item to resolve.
type MatchRequest struct {
	LineItemID  string
	Name        string
	Description string
	Kind        string
	// Force bypasses the in-memory result cache and recomputes the match.
	Force bool
}

// MatchResult is the outcome of resolving one item name. An empty
// CanonicalItemID means a miss.
type MatchResult struct {
	LineItemID      string
	CanonicalItemID string
	CanonicalName   string
	Confidence      float64
	Method          string
	// Reason is set on misses and per-item failures.
	Reason string
}

// Matched reports whether the result resolved to a catalog entry.
func (r MatchResult) Matched() bool { return r.CanonicalItemID != "" }

// Config holds the matcher thresholds.
type Config struct {
	ExactConfidence  float64
	SynonymThreshold float64
	FuzzyThreshold   float64
	EmbedThreshold   float64
	EmbedTopK        int
	// PopularityWindow bounds the usage counts used for tie-breaks.
	PopularityWindow time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		ExactConfidence:  0.98,
		SynonymThreshold: 0.85,
		FuzzyThreshold:   0.86,
		EmbedThreshold:   0.80,
		EmbedTopK:        5,
		PopularityWindow: 180 * 24 * time.Hour,
	}
}

// Matcher resolves free-text item names to canonical catalog entries.
// Lookup order: exact normalized name, weighted synonyms, fuzzy token-set
// scoring, then embedding similarity when an index is wired in. Ties are
// broken by catalog popularity descending, then name ascending.
type Matcher struct {
	store    *storage.Store
	embedder *retrieval.Embedder
	index    retrieval.Index
	cfg      Config

	mu    sync.RWMutex
	cache map[string]MatchResult
}

// NewMatcher creates a Matcher. embedder and index may be nil, which
// disables the embedding strategy.
func NewMatcher(store *storage.Store, embedder *retrieval.Embedder, index retrieval.Index, cfg Config) *Matcher {
	return &Matcher{
		store:    store,
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		cache:    make(map[string]MatchResult),
	}
}

// candidate is an internal scoring entry before tie-breaking.
type candidate struct {
	itemID string
	name   string
	score  float64
	method string
}

// Match resolves one item name. A miss is not an error; errors are reserved
// for store or index failures.
func (m *Matcher) Match(ctx context.Context, req MatchRequest) (MatchResult, error) {
	normalized := Normalize(req.Name)
	if normalized == "" {
		return MatchResult{LineItemID: req.LineItemID, Method: MethodNone, Reason: "empty item name"}, nil
	}

	key := req.Kind + "\x00" + normalized
	if !req.Force {
		m.mu.RLock()
		cached, ok := m.cache[key]
		m.mu.RUnlock()
		if ok {
			cached.LineItemID = req.LineItemID
			return cached, nil
		}
	}

	result, err := m.resolve(ctx, req, normalized)
	if err != nil {
		return MatchResult{}, err
	}

	m.mu.Lock()
	m.cache[key] = result
	m.mu.Unlock()

	result.LineItemID = req.LineItemID
	return result, nil
}

func (m *Matcher) resolve(ctx context.Context, req MatchRequest, normalized string) (MatchResult, error) {
	items, err := m.store.ListCanonicalItems(req.Kind)
	if err != nil {
		return MatchResult{}, fmt.Errorf("listing catalog items: %w", err)
	}

	usage, err := m.store.UsageCounts(time.Now().UTC().Add(-m.cfg.PopularityWindow))
	if err != nil {
		return MatchResult{}, fmt.Errorf("loading usage counts: %w", err)
	}

	// Exact normalized name.
	var exact []candidate
	for _, item := range items {
		if Normalize(item.Name) == normalized {
			exact = append(exact, candidate{
				itemID: item.ID,
				name:   item.Name,
				score:  m.cfg.ExactConfidence,
				method: MethodExact,
			})
		}
	}
	if len(exact) > 0 {
		return toResult(pickBest(exact, usage)), nil
	}

	byID := make(map[string]storage.CanonicalItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	// Weighted synonyms. The raw token-set score must clear the synonym
	// threshold; the reported confidence is weighted by the synonym weight.
	syns, err := m.store.ListSynonyms()
	if err != nil {
		return MatchResult{}, fmt.Errorf("listing synonyms: %w", err)
	}
	var synCands []candidate
	for _, syn := range syns {
		item, ok := byID[syn.CanonicalItemID]
		if !ok {
			continue // orphan, the safety scan reports these
		}
		raw := tokenSetScore(normalized, Normalize(syn.Synonym))
		if raw < m.cfg.SynonymThreshold {
			continue
		}
		synCands = append(synCands, candidate{
			itemID: item.ID,
			name:   item.Name,
			score:  raw * syn.Weight,
			method: MethodSynonym,
		})
	}
	if best, ok := bestAbove(synCands, m.cfg.SynonymThreshold, usage); ok {
		return toResult(best), nil
	}

	// Fuzzy token-set scoring over canonical names.
	var fuzzy []candidate
	for _, item := range items {
		score := tokenSetScore(normalized, Normalize(item.Name))
		if score < m.cfg.FuzzyThreshold {
			continue
		}
		fuzzy = append(fuzzy, candidate{
			itemID: item.ID,
			name:   item.Name,
			score:  score,
			method: MethodFuzzy,
		})
	}
	if len(fuzzy) > 0 {
		return toResult(pickBest(fuzzy, usage)), nil
	}

	// Embedding similarity, when wired in.
	if m.embedder != nil && m.index != nil {
		cand, ok, err := m.embedMatch(ctx, req, byID)
		if err != nil {
			return MatchResult{}, err
		}
		if ok {
			return toResult(cand), nil
		}
	}

	return MatchResult{Method: MethodNone, Reason: "no catalog match"}, nil
}

func (m *Matcher) embedMatch(ctx context.Context, req MatchRequest, byID map[string]storage.CanonicalItem) (candidate, bool, error) {
	text := req.Name
	if req.Description != "" {
		text += " " + req.Description
	}
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return candidate{}, false, fmt.Errorf("embedding query: %w", err)
	}
	hits, err := m.index.Search(ctx, vec, m.cfg.EmbedTopK)
	if err != nil {
		return candidate{}, false, fmt.Errorf("searching index: %w", err)
	}
	for _, hit := range hits {
		item, ok := byID[hit.SourceID]
		if !ok {
			continue // different kind or stale index entry
		}
		if float64(hit.Score) < m.cfg.EmbedThreshold {
			break // hits are sorted, nothing below will clear the bar
		}
		return candidate{
			itemID: item.ID,
			name:   item.Name,
			score:  float64(hit.Score),
			method: MethodEmbedding,
		}, true, nil
	}
	return candidate{}, false, nil
}

// bestAbove returns the highest-scoring candidate if its score clears the
// threshold.
func bestAbove(cands []candidate, threshold float64, usage map[string]int) (candidate, bool) {
	if len(cands) == 0 {
		return candidate{}, false
	}
	best := pickBest(cands, usage)
	if best.score < threshold {
		return candidate{}, false
	}
	return best, true
}

// pickBest selects the best candidate by score descending, then popularity
// descending, then name ascending.
func pickBest(cands []candidate, usage map[string]int) candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.score != best.score {
			if c.score > best.score {
				best = c
			}
			continue
		}
		cu, bu := usage[c.itemID], usage[best.itemID]
		if cu != bu {
			if cu > bu {
				best = c
			}
			continue
		}
		if c.name < best.name {
			best = c
		}
	}
	return best
}

func toResult(c candidate) MatchResult {
	return MatchResult{
		CanonicalItemID: c.itemID,
		CanonicalName:   c.name,
		Confidence:      c.score,
		Method:          c.method,
	}
}

// MatchBatch resolves items concurrently. Result order matches input order
// and one item's failure never blocks the others; failed items come back as
// misses with the failure reason attached.
func (m *Matcher) MatchBatch(ctx context.Context, reqs []MatchRequest) ([]MatchResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	results := make([]MatchResult, len(reqs))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, req := range reqs {
		g.Go(func() error {
			res, err := m.Match(gCtx, req)
			if err != nil {
				results[i] = MatchResult{
					LineItemID: req.LineItemID,
					Method:     MethodNone,
					Reason:     err.Error(),
				}
				return nil
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
