package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/commons-share/commons-backend/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// UploadLimitHandler serves the administrative per-address upload limits.
// Both methods sit behind a shared admin token.
type UploadLimitHandler struct {
	accounts   accountsStore
	adminToken string
}

// NewUploadLimitHandler creates the handler.
func NewUploadLimitHandler(accounts accountsStore, adminToken string) *UploadLimitHandler {
	return &UploadLimitHandler{accounts: accounts, adminToken: adminToken}
}

func (h *UploadLimitHandler) authorized(r *http.Request) bool {
	return h.adminToken != "" && r.Header.Get("Authorization") == "Basic "+h.adminToken
}

// ServeHTTP handles GET and POST /userUploadLimit.
func (h *UploadLimitHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "user_upload_limit",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	if !h.authorized(r) {
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		address := r.URL.Query().Get("address")
		if !models.ValidAddress(address) {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "address must be a 42-char 0x address"})
			return
		}
		span.SetAttributes(attribute.String("address", address))
		limit, found, err := h.accounts.UploadLimit(ctx, address)
		if err != nil {
			span.RecordError(err)
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to look up limit"})
			return
		}
		if !found {
			respondJSON(w, http.StatusNotFound, map[string]string{"error": "no account for that address"})
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%d", limit)

	case http.MethodPost:
		var body struct {
			Address string `json:"address"`
			Limit   int    `json:"limit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
			return
		}
		if !models.ValidAddress(body.Address) || body.Limit < 0 {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "address and a non-negative limit are required"})
			return
		}
		span.SetAttributes(attribute.String("address", body.Address), attribute.Int("limit", body.Limit))
		if err := h.accounts.SetUploadLimit(ctx, body.Address, body.Limit); err != nil {
			span.RecordError(err)
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to set limit"})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"message": "Limit updated"})

	default:
		respondJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}
