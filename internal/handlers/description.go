package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/commons-share/commons-backend/internal/workflows"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DescriptionHandler serves the dataset manifest straight out of a pinned
// archive.
type DescriptionHandler struct {
	workflow descriptionRunner
}

// NewDescriptionHandler creates the handler.
func NewDescriptionHandler(workflow descriptionRunner) *DescriptionHandler {
	return &DescriptionHandler{workflow: workflow}
}

// ServeHTTP handles GET /getDatasetDescription?estuaryId=...
// A missing manifest answers 400 with an empty object, which is what the
// frontend expects for non-dataset archives.
func (h *DescriptionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "get_dataset_description",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	estuaryID, err := strconv.ParseInt(r.URL.Query().Get("estuaryId"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed estuaryId"})
		return
	}
	span.SetAttributes(attribute.Int64("estuary_id", estuaryID))

	raw, err := h.workflow.Run(ctx, estuaryID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, workflows.ErrNotFound) {
			respondJSON(w, http.StatusBadRequest, map[string]string{})
			return
		}
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, json.RawMessage(raw))
}
