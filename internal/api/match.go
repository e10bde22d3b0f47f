package api

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kalambet/lineguard/internal/catalog"
	"github.com/kalambet/lineguard/internal/classify"
	"github.com/kalambet/lineguard/internal/pricing"
	"github.com/kalambet/lineguard/internal/storage"
)

// maxPriceBatch bounds one price validation request.
const maxPriceBatch = 50

type matchItem struct {
	ID          string `json:"id"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
	Force       bool   `json:"force"`
}

type matchRequest struct {
	Items []matchItem `json:"items" validate:"required,min=1,dive"`
}

type matchResult struct {
	LineItemID      string  `json:"line_item_id,omitempty"`
	CanonicalItemID string  `json:"canonical_item_id,omitempty"`
	CanonicalName   string  `json:"canonical_name,omitempty"`
	Confidence      float64 `json:"confidence"`
	Method          string  `json:"method"`
	Status          string  `json:"status"`
	Reason          string  `json:"reason,omitempty"`
	Blocked         bool    `json:"blocked,omitempty"`
}

type matchSummary struct {
	Total      int   `json:"total"`
	Matched    int   `json:"matched"`
	Missed     int   `json:"missed"`
	Blocked    int   `json:"blocked"`
	DurationMs int64 `json:"duration_ms"`
}

type matchResponse struct {
	Results []matchResult `json:"results"`
	Summary matchSummary  `json:"summary"`
}

func handleMatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req matchRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		start := time.Now()
		reqs := make([]catalog.MatchRequest, len(req.Items))
		for i, item := range req.Items {
			reqs[i] = catalog.MatchRequest{
				LineItemID:  item.ID,
				Name:        item.Name,
				Description: item.Description,
				Kind:        item.Kind,
				Force:       item.Force,
			}
		}

		matches, err := deps.Matcher.MatchBatch(r.Context(), reqs)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "matching failed: %v", err)
			return
		}

		resp := matchResponse{Results: make([]matchResult, len(matches))}
		resp.Summary.Total = len(matches)
		for i, m := range matches {
			res := matchResult{
				LineItemID:      m.LineItemID,
				CanonicalItemID: m.CanonicalItemID,
				CanonicalName:   m.CanonicalName,
				Confidence:      m.Confidence,
				Method:          m.Method,
				Reason:          m.Reason,
			}
			if m.Matched() {
				res.Status = storage.StatusMatched
				resp.Summary.Matched++
			} else {
				// Screen misses so junk submissions are flagged instead of
				// silently counted as catalog gaps.
				screen := deps.Classifier.Classify(r.Context(), req.Items[i].Name, req.Items[i].Description)
				if screen.Decision == classify.DecisionRejected {
					res.Status = storage.StatusReject
					res.Blocked = true
					res.Reason = screen.Reason
					resp.Summary.Blocked++
				} else {
					res.Status = storage.StatusAwaitingIngest
					resp.Summary.Missed++
				}
			}
			resp.Results[i] = res
		}
		resp.Summary.DurationMs = time.Since(start).Milliseconds()

		writeJSON(w, resp)
	}
}

type priceItem struct {
	LineItemID      string          `json:"line_item_id"`
	CanonicalItemID string          `json:"canonical_item_id" validate:"required"`
	ItemName        string          `json:"item_name"`
	UnitPrice       decimal.Decimal `json:"unit_price" validate:"required"`
	Currency        string          `json:"currency"`
}

type priceRequest struct {
	Items []priceItem `json:"items" validate:"required,min=1,max=50,dive"`
}

func handleValidatePrices(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req priceRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		reqs := make([]pricing.Request, len(req.Items))
		for i, item := range req.Items {
			reqs[i] = pricing.Request{
				LineItemID:      item.LineItemID,
				CanonicalItemID: item.CanonicalItemID,
				ItemName:        item.ItemName,
				UnitPrice:       item.UnitPrice,
				Currency:        item.Currency,
			}
		}

		batch, err := deps.Validator.ValidateBatch(r.Context(), reqs)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "price validation failed: %v", err)
			return
		}
		writeJSON(w, batch)
	}
}
