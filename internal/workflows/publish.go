package workflows

import (
	"context"
	"fmt"
	"strings"

	"github.com/commons-share/commons-backend/internal/auth"
	"github.com/commons-share/commons-backend/internal/models"
	"github.com/commons-share/commons-backend/internal/retry"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PublishRequest carries the signed publish submission.
type PublishRequest struct {
	Address     string
	Signature   string
	DatasetID   string
	Title       string
	Description string
	Authors     []string
	Keywords    []string
}

// PublishWorkflow marks a dataset published with its descriptive fields.
// Author records inserted before a failed update are not rolled back; they
// are unreferenced and harmless.
type PublishWorkflow struct {
	store          MetadataStore
	updateAttempts int
}

// NewPublishWorkflow wires the workflow.
func NewPublishWorkflow(store MetadataStore, updateAttempts int) *PublishWorkflow {
	return &PublishWorkflow{store: store, updateAttempts: updateAttempts}
}

// Run verifies the signature over address+datasetId, inserts one Author per
// declared name, and flips the dataset to published. The update is filtered
// by both uploader and id so only the owner's dataset can match.
func (p *PublishWorkflow) Run(ctx context.Context, req PublishRequest) error {
	ctx, span := tracer.Start(ctx, "PublishWorkflow.Run")
	defer span.End()

	if !models.ValidAddress(req.Address) {
		return fmt.Errorf("%w: address must be a 42-char 0x address", ErrValidation)
	}
	datasetID, err := primitive.ObjectIDFromHex(req.DatasetID)
	if err != nil {
		return fmt.Errorf("%w: malformed dataset id %q", ErrValidation, req.DatasetID)
	}
	if req.Title == "" || req.Description == "" || len(req.Authors) == 0 {
		return fmt.Errorf("%w: publish requires title, description and at least one author", ErrValidation)
	}
	if !auth.VerifySignature([]byte(req.Address+req.DatasetID), req.Signature, req.Address) {
		return fmt.Errorf("%w: signature does not match address %s", ErrAuth, req.Address)
	}
	// The store holds lower-cased uploader addresses; the signature is
	// verified over the address exactly as the client sent it.
	uploader := strings.ToLower(req.Address)

	authorIDs := make([]primitive.ObjectID, 0, len(req.Authors))
	for _, name := range req.Authors {
		author := &models.Author{ID: primitive.NewObjectID(), Name: name}
		if err := p.store.InsertAuthor(ctx, author); err != nil {
			span.RecordError(err)
			return fmt.Errorf("%w: insert author %q: %w", ErrUpstream, name, err)
		}
		authorIDs = append(authorIDs, author.ID)
	}

	fields := models.PublishFields{
		Title:       req.Title,
		Description: req.Description,
		Keywords:    req.Keywords,
		AuthorIDs:   authorIDs,
	}
	res := retry.Do(ctx, p.updateAttempts, func(ctx context.Context) (bool, error) {
		return p.store.PublishDataset(ctx, uploader, datasetID, fields)
	})
	if !res.Ok() {
		span.RecordError(res.Err)
		return fmt.Errorf("%w: publish update: %w", ErrUpstream, res.Err)
	}
	if !res.Value {
		// Nothing matched: the dataset does not exist, belongs to another
		// uploader, or is already published with identical fields.
		return fmt.Errorf("%w: no unpublished dataset %s owned by %s", ErrAuth, req.DatasetID, req.Address)
	}

	logrus.WithFields(logrus.Fields{
		"address":   req.Address,
		"datasetId": req.DatasetID,
		"authors":   len(authorIDs),
	}).Info("dataset published")
	return nil
}
