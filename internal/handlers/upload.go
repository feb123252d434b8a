package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/commons-share/commons-backend/internal/workflows"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// parseMemoryLimit is how much of a multipart body stays in memory before
// the parser spools to disk.
const parseMemoryLimit = 32 << 20

// UploadHandler receives the multipart upload and hands the spooled files
// to the upload workflow.
type UploadHandler struct {
	workflow uploadRunner
	spoolDir string
	maxBytes int64
}

// NewUploadHandler creates the handler. maxBytes bounds the whole request
// body.
func NewUploadHandler(workflow uploadRunner, spoolDir string, maxBytes int64) *UploadHandler {
	return &UploadHandler{workflow: workflow, spoolDir: spoolDir, maxBytes: maxBytes}
}

// ServeHTTP handles POST /uploadToEstuary. Files arrive under the "data"
// key; each file's declared relative path arrives as a form field named
// after the file's original filename.
func (h *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "upload_to_estuary",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	if err := r.ParseMultipartForm(parseMemoryLimit); err != nil {
		span.RecordError(err)
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed multipart body"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	address := r.FormValue("address")
	signature := r.FormValue("signature")
	span.SetAttributes(attribute.String("address", address))

	files, err := h.spoolFiles(r)
	if err != nil {
		span.RecordError(err)
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.Int("file_count", len(files)))

	outcome, err := h.workflow.Run(ctx, workflows.UploadRequest{
		Address:   address,
		Signature: signature,
		Files:     files,
	})
	if err != nil {
		span.RecordError(err)
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{
		"message": "Dataset uploaded",
		"cid":     outcome.CID,
	})
}

// spoolFiles copies every received file to the spool directory and pairs it
// with its declared relative path. On error the files spooled so far are
// removed.
func (h *UploadHandler) spoolFiles(r *http.Request) ([]workflows.UploadedFile, error) {
	headers := r.MultipartForm.File["data"]
	files := make([]workflows.UploadedFile, 0, len(headers))
	for _, header := range headers {
		tempPath, size, err := h.spoolOne(header)
		if err != nil {
			removeSpooled(files)
			return nil, fmt.Errorf("failed to receive %s: %w", header.Filename, err)
		}
		files = append(files, workflows.UploadedFile{
			TempPath:     tempPath,
			Name:         header.Filename,
			DeclaredPath: r.FormValue(header.Filename),
			Size:         size,
		})
	}
	return files, nil
}

func (h *UploadHandler) spoolOne(header *multipart.FileHeader) (string, int64, error) {
	part, err := header.Open()
	if err != nil {
		return "", 0, err
	}
	defer part.Close()

	temp, err := os.CreateTemp(h.spoolDir, "upload-*")
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(temp, part)
	if err != nil {
		temp.Close()
		os.Remove(temp.Name())
		return "", 0, err
	}
	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return "", 0, err
	}
	return temp.Name(), size, nil
}

func removeSpooled(files []workflows.UploadedFile) {
	for _, f := range files {
		if err := os.Remove(f.TempPath); err != nil {
			logrus.WithError(err).WithField("path", f.TempPath).Warn("failed to remove spooled file")
		}
	}
}
