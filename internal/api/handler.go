// Package api exposes the validation pipeline over HTTP and MCP.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kalambet/lineguard/internal/audit"
	"github.com/kalambet/lineguard/internal/catalog"
	"github.com/kalambet/lineguard/internal/classify"
	"github.com/kalambet/lineguard/internal/pipeline"
	"github.com/kalambet/lineguard/internal/pricing"
	"github.com/kalambet/lineguard/internal/scan"
	"github.com/kalambet/lineguard/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// validate checks request structs against their field tags.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Store        *storage.Store
	Orchestrator *pipeline.Orchestrator
	Matcher      *catalog.Matcher
	Validator    *pricing.Validator
	Classifier   *classify.Classifier
	Scanner      *scan.Scanner
	Recorder     *audit.Recorder
	// Token enables bearer auth on /v1 when non-empty.
	Token string
	// DryRun makes feedback record decisions without applying band updates.
	DryRun bool
}

// NewHandler returns the HTTP API. /health is open; everything under /v1
// requires the bearer token when one is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/match", handleMatch(deps))
		r.Post("/validate", handleValidatePrices(deps))
		r.Post("/invoices", handleValidateInvoice(deps))
		r.Post("/revalidate", handleRevalidate(deps))
		r.Post("/feedback", handleFeedback(deps))
		r.Post("/safety-scan", handleSafetyScan(deps))
		r.Get("/invoices/{invoiceID}/trace", handleTrace(deps))
		r.Get("/sessions", handleSessions(deps))
		r.Get("/proposals", handleProposals(deps))
		r.Get("/suggest", handleSuggest(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// httpValidationError reports struct validation failures field by field so
// the caller knows exactly what to fix.
func httpValidationError(w http.ResponseWriter, err error) {
	fields := map[string]string{}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			fields[fe.Namespace()] = fmt.Sprintf("failed %q constraint", fe.Tag())
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": "request validation failed",
			"type":    "invalid_request_error",
			"fields":  fields,
		},
	})
}

// decodeRequest reads and validates a JSON body. It writes the error
// response itself and reports whether the handler should continue.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		httpValidationError(w, err)
		return false
	}
	return true
}
