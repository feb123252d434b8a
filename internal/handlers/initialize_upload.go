package handlers

import (
	"fmt"
	"net/http"

	"github.com/commons-share/commons-backend/internal/models"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InitializeUploadHandler issues the one-time challenge an uploader must
// sign. The challenge lives in the cache under the lowercased address until
// its TTL expires or an upload consumes it.
type InitializeUploadHandler struct {
	cache challengeCache
}

// NewInitializeUploadHandler creates the handler.
func NewInitializeUploadHandler(cache challengeCache) *InitializeUploadHandler {
	return &InitializeUploadHandler{cache: cache}
}

// ServeHTTP handles GET /initializeUpload?address=0x...
func (h *InitializeUploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "initialize_upload",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	address := r.URL.Query().Get("address")
	if !models.ValidAddress(address) {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "address must be a 42-char 0x address"})
		return
	}
	span.SetAttributes(attribute.String("address", address))

	message := fmt.Sprintf("Sign this message to prove you own %s. Nonce: %s", address, uuid.NewString())
	if err := h.cache.Put(ctx, address, message); err != nil {
		span.RecordError(err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store challenge"})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": message})
}
