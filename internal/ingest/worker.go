// Package ingest runs the background catalog work: screening unmatched item
// submissions into the catalog and pulling price observations out of vendor
// price sheets.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/lineguard/internal/catalog"
	"github.com/kalambet/lineguard/internal/classify"
	"github.com/kalambet/lineguard/internal/retrieval"
	"github.com/kalambet/lineguard/internal/storage"
)

// Payload is the job body. Name-bearing payloads ingest one item; payloads
// with a document path ingest a vendor price sheet.
type Payload struct {
	Name         string `json:"name,omitempty"`
	Kind         string `json:"kind,omitempty"`
	DocumentPath string `json:"document_path,omitempty"`
	Currency     string `json:"currency,omitempty"`
}

// Worker polls the job queue and processes catalog ingest work. embedder and
// index may be nil, which skips vector indexing for new items.
type Worker struct {
	store      *storage.Store
	classifier *classify.Classifier
	matcher    *catalog.Matcher
	embedder   *retrieval.Embedder
	index      retrieval.Index
	logger     *slog.Logger
	interval   time.Duration
}

func NewWorker(
	store *storage.Store,
	classifier *classify.Classifier,
	matcher *catalog.Matcher,
	embedder *retrieval.Embedder,
	index retrieval.Index,
	logger *slog.Logger,
	interval time.Duration,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Worker{
		store:      store,
		classifier: classifier,
		matcher:    matcher,
		embedder:   embedder,
		index:      index,
		logger:     logger,
		interval:   interval,
	}
}

// Run polls until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		// Drain everything due before sleeping again.
		for {
			processed, err := w.ProcessNext(ctx)
			if err != nil {
				w.logger.Error("processing ingest job", "error", err)
				break
			}
			if !processed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessNext claims and processes one due job. Returns false when the queue
// has nothing runnable.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobTypeCatalogIngest})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		// A payload that cannot parse will never succeed; burn it out.
		if ferr := w.store.FailJob(job.ID, "unparseable payload: "+err.Error()); ferr != nil {
			return true, ferr
		}
		return true, nil
	}

	switch {
	case p.DocumentPath != "":
		err = w.ingestPriceSheet(ctx, p)
	case p.Name != "":
		err = w.ingestItem(ctx, p)
	default:
		err = fmt.Errorf("payload has neither name nor document path")
	}
	if err != nil {
		w.logger.Warn("ingest job failed", "job", job.ID, "attempt", job.Attempts+1, "error", err)
		if ferr := w.store.FailJob(job.ID, err.Error()); ferr != nil {
			return true, ferr
		}
		return true, nil
	}
	return true, w.store.CompleteJob(job.ID)
}

// ingestItem screens one unmatched submission. Clean items enter the catalog
// directly; ambiguous ones become a pending proposal for human review.
func (w *Worker) ingestItem(ctx context.Context, p Payload) error {
	// The catalog may have caught up since the job was queued.
	match, err := w.matcher.Match(ctx, catalog.MatchRequest{
		Name: p.Name, Kind: p.Kind, Force: true,
	})
	if err != nil {
		return fmt.Errorf("rechecking catalog: %w", err)
	}
	if match.Matched() {
		w.logger.Info("item already matchable, skipping ingest", "name", p.Name, "canonical", match.CanonicalName)
		return nil
	}

	screen := w.classifier.Classify(ctx, p.Name, "")
	switch screen.Decision {
	case classify.DecisionRejected:
		w.logger.Info("submission rejected by screen", "name", p.Name, "reason", screen.Reason)
		return nil
	case classify.DecisionApproved:
		return w.createItem(ctx, p)
	default:
		return w.proposeItem(p, screen)
	}
}

func (w *Worker) createItem(ctx context.Context, p Payload) error {
	kind := p.Kind
	if kind == "" {
		kind = "material"
	}
	item := storage.CanonicalItem{
		ID:   uuid.NewString(),
		Name: canonicalName(p.Name),
		Kind: kind,
		Unit: "each",
	}
	if err := w.store.SaveCanonicalItem(item); err != nil {
		return fmt.Errorf("creating canonical item: %w", err)
	}
	w.logger.Info("canonical item created from submission", "id", item.ID, "name", item.Name)

	if w.embedder == nil || w.index == nil {
		return nil
	}
	vec, err := w.embedder.Embed(ctx, item.Name)
	if err != nil {
		// The item is usable without a vector; matching degrades to the
		// lexical strategies.
		w.logger.Warn("embedding new item failed", "item", item.ID, "error", err)
		return nil
	}
	err = w.index.Insert([]retrieval.Entry{{
		ID:         uuid.NewString(),
		SourceID:   item.ID,
		SourceType: retrieval.SourceCanonicalItem,
		Text:       item.Name,
		Embedding:  vec,
	}})
	if err != nil {
		w.logger.Warn("indexing new item failed", "item", item.ID, "error", err)
	}
	return nil
}

func (w *Worker) proposeItem(p Payload, screen classify.Result) error {
	change, _ := json.Marshal(map[string]string{
		"name": canonicalName(p.Name),
		"kind": p.Kind,
	})
	created, err := w.store.CreateProposal(storage.Proposal{
		ID:             uuid.NewString(),
		TargetEntity:   "canonical_item",
		TargetID:       catalog.Normalize(p.Name),
		AnomalyClass:   "new_item",
		ProposedChange: string(change),
		Reason:         fmt.Sprintf("unscreenable submission %q: %s", p.Name, screen.Reason),
	})
	if err != nil {
		return fmt.Errorf("proposing new item: %w", err)
	}
	if created {
		w.logger.Info("new item proposed for review", "name", p.Name)
	}
	return nil
}

// ingestPriceSheet extracts prices from a vendor PDF and records observations
// for every line that resolves to a catalog item.
func (w *Worker) ingestPriceSheet(ctx context.Context, p Payload) error {
	text, err := ExtractText(p.DocumentPath)
	if err != nil {
		return fmt.Errorf("extracting %s: %w", p.DocumentPath, err)
	}
	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}
	recorded, err := w.ingestPriceText(ctx, text, currency, "price_sheet:"+p.DocumentPath)
	if err != nil {
		return err
	}
	w.logger.Info("price sheet ingested", "path", p.DocumentPath, "observations", recorded)
	return nil
}

func (w *Worker) ingestPriceText(ctx context.Context, text, currency, source string) (int, error) {
	lines := ParsePriceLines(text)
	var recorded int
	for _, pl := range lines {
		match, err := w.matcher.Match(ctx, catalog.MatchRequest{Name: pl.Name})
		if err != nil {
			return recorded, fmt.Errorf("matching %q: %w", pl.Name, err)
		}
		if !match.Matched() {
			continue
		}
		err = w.store.SavePriceObservation(storage.PriceObservation{
			ID:              uuid.NewString(),
			CanonicalItemID: match.CanonicalItemID,
			UnitPrice:       pl.Price,
			Currency:        currency,
			Source:          source,
			ObservedAt:      time.Now().UTC(),
		})
		if err != nil {
			return recorded, fmt.Errorf("recording observation for %q: %w", pl.Name, err)
		}
		recorded++
	}
	return recorded, nil
}

// canonicalName turns a normalized submission into display form.
func canonicalName(name string) string {
	words := strings.Fields(catalog.Normalize(name))
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
