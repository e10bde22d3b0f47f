package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/kalambet/lineguard/internal/pipeline"
	"github.com/kalambet/lineguard/internal/scan"
	"github.com/kalambet/lineguard/internal/storage"
)

type feedbackItem struct {
	LineID     string `json:"line_id"`
	ProposalID string `json:"proposal_id"`
	Action     string `json:"action" validate:"required,oneof=APPROVE DENY REQUEST_INFO"`
	Note       string `json:"note"`
	ByUser     string `json:"by_user" validate:"required"`
}

type feedbackRequest struct {
	Items []feedbackItem `json:"items" validate:"required,min=1,max=50,dive"`
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req feedbackRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		items := make([]pipeline.FeedbackItem, len(req.Items))
		for i, it := range req.Items {
			items[i] = pipeline.FeedbackItem{
				LineID:     it.LineID,
				ProposalID: it.ProposalID,
				Action:     it.Action,
				Note:       it.Note,
				ByUser:     it.ByUser,
			}
		}

		results, err := deps.Orchestrator.ApplyFeedback(items, deps.DryRun)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, map[string]any{"results": results, "dry_run": deps.DryRun})
	}
}

func handleSafetyScan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Scanner.Run(r.Context())
		if errors.Is(err, scan.ErrDisabled) {
			// Callers must be able to tell "off" apart from "found nothing".
			httpError(w, http.StatusServiceUnavailable, "scan_disabled", "safety scan is disabled")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "scan failed: %v", err)
			return
		}
		writeJSON(w, res)
	}
}

func handleProposals(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		switch status {
		case "", storage.ProposalPending, storage.ProposalApproved, storage.ProposalDenied:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown proposal status %q", status)
			return
		}
		limit := parseIntParam(r, "limit", 50, 200)

		props, err := deps.Store.ListProposals(status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing proposals: %v", err)
			return
		}
		if props == nil {
			props = []storage.Proposal{}
		}
		writeJSON(w, props)
	}
}

type suggestEntry struct {
	CanonicalItemID string `json:"canonical_item_id"`
	Name            string `json:"name"`
	Kind            string `json:"kind,omitempty"`
	Via             string `json:"via"`
}

// handleSuggest returns catalog entries whose names or synonyms contain the
// query, for autocomplete during invoice entry.
func handleSuggest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		kind := r.URL.Query().Get("kind")
		limit := parseIntParam(r, "limit", 10, 50)

		items, err := deps.Store.SearchCanonicalItems(q, kind, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "searching catalog: %v", err)
			return
		}
		suggestions := make([]suggestEntry, 0, limit)
		seen := make(map[string]bool)
		for _, item := range items {
			suggestions = append(suggestions, suggestEntry{
				CanonicalItemID: item.ID,
				Name:            item.Name,
				Kind:            item.Kind,
				Via:             "name",
			})
			seen[item.ID] = true
		}

		if len(suggestions) < limit {
			syns, err := deps.Store.SearchSynonyms(q, limit)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "searching synonyms: %v", err)
				return
			}
			for _, syn := range syns {
				if seen[syn.CanonicalItemID] || len(suggestions) >= limit {
					continue
				}
				item, err := deps.Store.GetCanonicalItem(syn.CanonicalItemID)
				if errors.Is(err, storage.ErrNotFound) {
					continue // orphan, the safety scan reports these
				}
				if err != nil {
					httpError(w, http.StatusInternalServerError, "api_error", "loading item: %v", err)
					return
				}
				suggestions = append(suggestions, suggestEntry{
					CanonicalItemID: item.ID,
					Name:            item.Name,
					Kind:            item.Kind,
					Via:             "synonym:" + syn.Synonym,
				})
				seen[item.ID] = true
			}
		}
		writeJSON(w, suggestions)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
