package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kalambet/lineguard/internal/pipeline"
	"github.com/kalambet/lineguard/internal/storage"
)

type invoiceItem struct {
	ID          string          `json:"id"`
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description"`
	Quantity    float64         `json:"quantity" validate:"gte=0"`
	UnitPrice   decimal.Decimal `json:"unit_price" validate:"required"`
	Unit        string          `json:"unit"`
	Type        string          `json:"type"`
}

type invoiceRequest struct {
	InvoiceID   string        `json:"invoice_id" validate:"required"`
	ServiceLine string        `json:"service_line"`
	Currency    string        `json:"currency" validate:"omitempty,len=3"`
	Items       []invoiceItem `json:"items" validate:"required,min=1,max=100,dive"`
}

type lineResponse struct {
	LineItemID      string   `json:"line_item_id"`
	ValidationID    string   `json:"validation_id"`
	ItemName        string   `json:"item_name"`
	Status          string   `json:"status"`
	Confidence      float64  `json:"confidence"`
	RiskFactors     []string `json:"risk_factors,omitempty"`
	CanonicalItemID string   `json:"canonical_item_id,omitempty"`
	CanonicalName   string   `json:"canonical_name,omitempty"`
	MatchMethod     string   `json:"match_method"`
	PriceTier       string   `json:"price_tier,omitempty"`
	PriceNote       string   `json:"price_note,omitempty"`
}

type invoiceResponse struct {
	SessionID      string         `json:"session_id"`
	InvoiceID      string         `json:"invoice_id"`
	OverallStatus  string         `json:"overall_status"`
	Lines          []lineResponse `json:"lines"`
	RuleViolations []string       `json:"rule_violations,omitempty"`
	DurationMs     int64          `json:"duration_ms"`
}

func handleValidateInvoice(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req invoiceRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		items := make([]pipeline.LineItem, len(req.Items))
		for i, it := range req.Items {
			qty := it.Quantity
			if qty == 0 {
				qty = 1
			}
			items[i] = pipeline.LineItem{
				ID:          it.ID,
				Name:        it.Name,
				Description: it.Description,
				Quantity:    qty,
				UnitPrice:   it.UnitPrice,
				Unit:        it.Unit,
				Type:        it.Type,
			}
		}

		res, err := deps.Orchestrator.ValidateInvoice(r.Context(), pipeline.Invoice{
			InvoiceID:   req.InvoiceID,
			ServiceLine: req.ServiceLine,
			Currency:    strings.ToUpper(req.Currency),
			Items:       items,
		})
		if errors.Is(err, storage.ErrDuplicateInvoice) {
			httpError(w, http.StatusConflict, "duplicate_invoice", "invoice %q was already validated", req.InvoiceID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "validation failed: %v", err)
			return
		}

		writeJSON(w, toInvoiceResponse(res))
	}
}

func toInvoiceResponse(res pipeline.Result) invoiceResponse {
	resp := invoiceResponse{
		SessionID:     res.SessionID,
		InvoiceID:     res.InvoiceID,
		OverallStatus: res.OverallStatus,
		Lines:         make([]lineResponse, len(res.Lines)),
		DurationMs:    res.Duration.Milliseconds(),
	}
	for i, l := range res.Lines {
		lr := lineResponse{
			LineItemID:      l.LineItemID,
			ValidationID:    l.ValidationID,
			ItemName:        l.ItemName,
			Status:          l.Status,
			Confidence:      l.Confidence,
			RiskFactors:     l.RiskFactors,
			CanonicalItemID: l.Match.CanonicalItemID,
			CanonicalName:   l.Match.CanonicalName,
			MatchMethod:     l.Match.Method,
		}
		if l.Price != nil {
			lr.PriceTier = l.Price.Tier
			lr.PriceNote = l.Price.Note
		}
		resp.Lines[i] = lr
	}
	for _, v := range res.RuleViolations {
		resp.RuleViolations = append(resp.RuleViolations, v.String())
	}
	return resp
}

type revalidateRequest struct {
	ValidationID      string `json:"validation_id" validate:"required"`
	AdditionalContext string `json:"additional_context"`
}

func handleRevalidate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req revalidateRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		res, err := deps.Orchestrator.Revalidate(r.Context(), req.ValidationID, req.AdditionalContext)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "validation not found")
			return
		}
		if errors.Is(err, pipeline.ErrAlreadyDecided) {
			httpError(w, http.StatusConflict, "already_decided", "%v", err)
			return
		}
		if errors.Is(err, pipeline.ErrNotReviewable) {
			httpError(w, http.StatusConflict, "not_reviewable", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "re-validation failed: %v", err)
			return
		}
		writeJSON(w, res)
	}
}

func handleTrace(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		invoiceID := chi.URLParam(r, "invoiceID")

		trace, err := deps.Recorder.GetValidationTrace(invoiceID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no validation for invoice %q", invoiceID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading trace: %v", err)
			return
		}
		writeJSON(w, trace)
	}
}

func handleSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		sessions, err := deps.Store.ListRecentSessions(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing sessions: %v", err)
			return
		}
		if sessions == nil {
			sessions = []storage.ValidationSession{}
		}
		writeJSON(w, sessions)
	}
}
