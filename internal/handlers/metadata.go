package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/commons-share/commons-backend/internal/models"
	"github.com/commons-share/commons-backend/internal/workflows"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// metadataReader is the read-only slice of the metadata store the GET
// routes need.
type metadataReader interface {
	DatasetsByUploader(ctx context.Context, address string) ([]models.Dataset, error)
	PublishedDatasets(ctx context.Context) ([]models.Dataset, error)
	PublishedDatasetByID(ctx context.Context, id primitive.ObjectID) (*models.Dataset, error)
	PublishedDatasetsByUploader(ctx context.Context, address string) ([]models.Dataset, error)
	SearchPublishedDatasets(ctx context.Context, searchStr string) ([]models.Dataset, error)
	ChunksByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.Chunk, error)
	CommonsFilesByChunkIDs(ctx context.Context, chunkIDs []primitive.ObjectID) ([]models.CommonsFile, error)
	AuthorsByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.Author, error)
}

// MetadataHandler serves the /metadata routes: dataset queries, publish,
// and delete.
type MetadataHandler struct {
	store    metadataReader
	publish  publishRunner
	deleteWF deleteRunner
}

// NewMetadataHandler creates the handler.
func NewMetadataHandler(store metadataReader, publish publishRunner, deleteWF deleteRunner) *MetadataHandler {
	return &MetadataHandler{store: store, publish: publish, deleteWF: deleteWF}
}

// Datasets handles GET /metadata/datasets?address=0x...
func (h *MetadataHandler) Datasets(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_datasets", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	address := r.URL.Query().Get("address")
	if !models.ValidAddress(address) {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "address must be a 42-char 0x address"})
		return
	}
	datasets, err := h.store.DatasetsByUploader(ctx, strings.ToLower(address))
	if err != nil {
		span.RecordError(err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list datasets"})
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(datasets))
}

// PublishedDatasets handles GET /metadata/datasets/published[?id=...]
func (h *MetadataHandler) PublishedDatasets(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_published_datasets", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if idHex := r.URL.Query().Get("id"); idHex != "" {
		id, err := primitive.ObjectIDFromHex(idHex)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed dataset id"})
			return
		}
		dataset, err := h.store.PublishedDatasetByID(ctx, id)
		if err != nil {
			span.RecordError(err)
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to look up dataset"})
			return
		}
		if dataset == nil {
			respondJSON(w, http.StatusNotFound, map[string]string{"error": "no published dataset with that id"})
			return
		}
		respondJSON(w, http.StatusOK, dataset)
		return
	}

	datasets, err := h.store.PublishedDatasets(ctx)
	if err != nil {
		span.RecordError(err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list datasets"})
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(datasets))
}

// PublishedByUploader handles GET /metadata/datasets/published/byUploader?uploader=0x...
func (h *MetadataHandler) PublishedByUploader(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_published_by_uploader", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	uploader := r.URL.Query().Get("uploader")
	if !models.ValidAddress(uploader) {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "uploader must be a 42-char 0x address"})
		return
	}
	datasets, err := h.store.PublishedDatasetsByUploader(ctx, strings.ToLower(uploader))
	if err != nil {
		span.RecordError(err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list datasets"})
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(datasets))
}

// Search handles GET /metadata/datasets/published/search?searchStr=...
func (h *MetadataHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "search_published_datasets", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	searchStr := r.URL.Query().Get("searchStr")
	if searchStr == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "searchStr is required"})
		return
	}
	span.SetAttributes(attribute.String("search", searchStr))

	datasets, err := h.store.SearchPublishedDatasets(ctx, searchStr)
	if err != nil {
		span.RecordError(err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "search failed"})
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(datasets))
}

// publishBody is the POST /metadata/datasets/publish payload. Authors and
// keywords arrive comma-separated.
type publishBody struct {
	Address     string `json:"address"`
	Signature   string `json:"signature"`
	DatasetID   string `json:"datasetId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Authors     string `json:"authors"`
	Keywords    string `json:"keywords"`
}

// Publish handles POST /metadata/datasets/publish.
func (h *MetadataHandler) Publish(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "publish_dataset", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var body publishBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	span.SetAttributes(
		attribute.String("address", body.Address),
		attribute.String("dataset_id", body.DatasetID),
	)

	err := h.publish.Run(ctx, workflows.PublishRequest{
		Address:     body.Address,
		Signature:   body.Signature,
		DatasetID:   body.DatasetID,
		Title:       body.Title,
		Description: body.Description,
		Authors:     splitList(body.Authors),
		Keywords:    splitList(body.Keywords),
	})
	if err != nil {
		span.RecordError(err)
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Dataset published"})
}

// PublishedChunks handles GET /metadata/chunks/published?datasetId=...
func (h *MetadataHandler) PublishedChunks(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_published_chunks", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	id, err := primitive.ObjectIDFromHex(r.URL.Query().Get("datasetId"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed dataset id"})
		return
	}
	dataset, err := h.store.PublishedDatasetByID(ctx, id)
	if err != nil {
		span.RecordError(err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to look up dataset"})
		return
	}
	if dataset == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "no published dataset with that id"})
		return
	}
	chunks, err := h.store.ChunksByIDs(ctx, dataset.ChunkIDs)
	if err != nil {
		span.RecordError(err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list chunks"})
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(chunks))
}

// Files handles GET /metadata/files?address=0x...: every file owned by the
// address, annotated with the remote id of its chunk.
func (h *MetadataHandler) Files(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_files", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	address := r.URL.Query().Get("address")
	if !models.ValidAddress(address) {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "address must be a 42-char 0x address"})
		return
	}
	datasets, err := h.store.DatasetsByUploader(ctx, strings.ToLower(address))
	if err != nil {
		span.RecordError(err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list datasets"})
		return
	}
	chunkIDs := make([]primitive.ObjectID, 0)
	for _, d := range datasets {
		chunkIDs = append(chunkIDs, d.ChunkIDs...)
	}
	if len(chunkIDs) == 0 {
		respondJSON(w, http.StatusOK, []models.CommonsFile{})
		return
	}
	chunks, err := h.store.ChunksByIDs(ctx, chunkIDs)
	if err != nil {
		span.RecordError(err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list chunks"})
		return
	}
	estuaryIDs := make(map[primitive.ObjectID]int64, len(chunks))
	ids := make([]primitive.ObjectID, 0, len(chunks))
	for _, c := range chunks {
		estuaryIDs[c.ID] = c.StorageIDs.EstuaryID
		ids = append(ids, c.ID)
	}
	files, err := h.store.CommonsFilesByChunkIDs(ctx, ids)
	if err != nil {
		span.RecordError(err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list files"})
		return
	}
	for i := range files {
		files[i].EstuaryID = estuaryIDs[files[i].ChunkID]
	}
	respondJSON(w, http.StatusOK, emptyIfNil(files))
}

// DeleteFiles handles DELETE /metadata/files?address=...&estuaryId=...&signature=...[&path=...]
func (h *MetadataHandler) DeleteFiles(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "delete_files", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	query := r.URL.Query()
	estuaryID, err := strconv.ParseInt(query.Get("estuaryId"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed estuaryId"})
		return
	}
	span.SetAttributes(attribute.Int64("estuary_id", estuaryID))

	err = h.deleteWF.Run(ctx, workflows.DeleteRequest{
		Address:   query.Get("address"),
		Signature: query.Get("signature"),
		EstuaryID: estuaryID,
		Path:      query.Get("path"),
	})
	if err != nil {
		span.RecordError(err)
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Deleted"})
}

// Authors handles GET /metadata/authors?datasetId=...
func (h *MetadataHandler) Authors(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_authors", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	id, err := primitive.ObjectIDFromHex(r.URL.Query().Get("datasetId"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed dataset id"})
		return
	}
	dataset, err := h.store.PublishedDatasetByID(ctx, id)
	if err != nil {
		span.RecordError(err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to look up dataset"})
		return
	}
	if dataset == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "no published dataset with that id"})
		return
	}
	authors, err := h.store.AuthorsByIDs(ctx, dataset.Authors)
	if err != nil {
		span.RecordError(err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list authors"})
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(authors))
}

// splitList splits a comma-separated field, trimming blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// emptyIfNil keeps empty list responses as [] instead of null.
func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
