// Package handlers wires the HTTP surface to the workflows and the
// metadata store. Each handler is a struct with its dependencies and a
// ServeHTTP method; routes are assembled in cmd/server.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/commons-share/commons-backend/internal/workflows"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("commons-handlers")

// uploadRunner, publishRunner, deleteRunner and descriptionRunner are the
// workflow seams the handlers call through; tests substitute fakes.
type uploadRunner interface {
	Run(ctx context.Context, req workflows.UploadRequest) (*workflows.UploadOutcome, error)
}

type publishRunner interface {
	Run(ctx context.Context, req workflows.PublishRequest) error
}

type deleteRunner interface {
	Run(ctx context.Context, req workflows.DeleteRequest) error
}

type descriptionRunner interface {
	Run(ctx context.Context, estuaryID int64) (json.RawMessage, error)
}

type challengeCache interface {
	Put(ctx context.Context, address, message string) error
}

type accountsStore interface {
	UploadLimit(ctx context.Context, address string) (int, bool, error)
	SetUploadLimit(ctx context.Context, address string, limitGB int) error
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Error("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps the workflow error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workflows.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflows.ErrValidation),
		errors.Is(err, workflows.ErrAuth),
		errors.Is(err, workflows.ErrConflict):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// HealthHandler answers liveness probes.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
