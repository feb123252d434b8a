// Package workflows contains the multi-step dataset workflows: upload,
// publish, delete, and description retrieval. Each workflow coordinates the
// metadata store, the remote pinning service, and the local packer, and
// compensates its own partial failures before returning.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/commons-share/commons-backend/internal/auth"
	"github.com/commons-share/commons-backend/internal/models"
	"github.com/commons-share/commons-backend/internal/retry"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("commons-workflows")

// UploadedFile is one received multipart file: where the server spooled it
// and where the uploader says it belongs inside the dataset tree.
type UploadedFile struct {
	TempPath     string
	Name         string
	DeclaredPath string
	Size         int64
}

// UploadRequest carries everything the upload workflow needs from the
// HTTP layer.
type UploadRequest struct {
	Address   string
	Signature string
	Files     []UploadedFile
}

// UploadOutcome is returned on commit.
type UploadOutcome struct {
	DatasetID primitive.ObjectID
	CID       string
}

// UploadWorkflow drives an upload from received temp files to fully linked
// metadata, or to a clean rollback. Remote upload always precedes the
// metadata commit; any metadata rollback after a successful upload also
// deletes the remote pin.
type UploadWorkflow struct {
	store     MetadataStore
	remote    RemoteStorage
	cache     ChallengeCache
	packer    Packer
	validator DatasetValidator
	accounts  Accounts

	scratchRoot    string
	uploadAttempts int
	insertAttempts int
	deleteAttempts int
}

// NewUploadWorkflow wires the workflow. accounts may be nil, which disables
// the allow-list check.
func NewUploadWorkflow(store MetadataStore, remote RemoteStorage, cache ChallengeCache, packer Packer, validator DatasetValidator, accounts Accounts, scratchRoot string, uploadAttempts, insertAttempts int) *UploadWorkflow {
	return &UploadWorkflow{
		store:          store,
		remote:         remote,
		cache:          cache,
		packer:         packer,
		validator:      validator,
		accounts:       accounts,
		scratchRoot:    scratchRoot,
		uploadAttempts: uploadAttempts,
		insertAttempts: insertAttempts,
		deleteAttempts: 3,
	}
}

// step is one committed action and the compensating action that undoes it.
type step struct {
	name string
	undo func(ctx context.Context) error
}

// Run executes the upload state machine. The received temp files and the
// per-request scratch directory are removed before returning, on every path.
func (w *UploadWorkflow) Run(ctx context.Context, req UploadRequest) (*UploadOutcome, error) {
	ctx, span := tracer.Start(ctx, "UploadWorkflow.Run")
	defer span.End()

	defer removeTempFiles(req.Files)

	if err := w.validate(ctx, req); err != nil {
		span.RecordError(err)
		return nil, err
	}
	// Wallets report EIP-55 mixed-case addresses; the store always holds
	// and is queried with the lower-cased form.
	req.Address = strings.ToLower(req.Address)
	if err := w.authorize(ctx, req); err != nil {
		span.RecordError(err)
		return nil, err
	}

	scratch := filepath.Join(w.scratchRoot, uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create scratch dir: %w", ErrUpstream, err)
	}
	defer os.RemoveAll(scratch)

	datasetRoot, err := w.reassemble(req.Files, scratch)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	report, err := w.domainValidate(ctx, datasetRoot)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	cid, archivePath, err := w.packer.Pack(datasetRoot, scratch)
	if err != nil {
		return nil, fmt.Errorf("%w: pack dataset: %w", ErrUpstream, err)
	}
	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: stat archive: %w", ErrUpstream, err)
	}

	uploaded, err := w.remote.UploadArchive(ctx, archivePath, w.uploadAttempts)
	if err != nil {
		return nil, fmt.Errorf("%w: upload archive: %w", ErrUpstream, err)
	}

	// From here on every committed step records an undo; any failure walks
	// the log backwards, which also removes the pin just created.
	var steps []step
	steps = append(steps, step{name: "pin", undo: func(ctx context.Context) error {
		return w.remote.DeletePin(ctx, uploaded.EstuaryID, w.deleteAttempts)
	}})

	existing, err := w.store.ChunkByCID(ctx, cid)
	if err != nil {
		w.rollback(ctx, steps)
		return nil, fmt.Errorf("%w: duplicate check: %w", ErrUpstream, err)
	}
	if existing != nil {
		w.rollback(ctx, steps)
		return nil, fmt.Errorf("%w: dataset with cid %s already uploaded", ErrConflict, cid)
	}

	outcome, err := w.insertMetadata(ctx, req, report, cid, uploaded.EstuaryID, archiveInfo.Size(), &steps)
	if err != nil {
		span.RecordError(err)
		w.rollback(ctx, steps)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"address":   req.Address,
		"datasetId": outcome.DatasetID.Hex(),
		"cid":       outcome.CID,
		"files":     len(req.Files),
	}).Info("upload committed")
	return outcome, nil
}

func (w *UploadWorkflow) validate(ctx context.Context, req UploadRequest) error {
	if !models.ValidAddress(req.Address) {
		return fmt.Errorf("%w: address must be a 42-char 0x address", ErrValidation)
	}
	if req.Signature == "" {
		return fmt.Errorf("%w: signature is required", ErrValidation)
	}
	if len(req.Files) == 0 {
		return fmt.Errorf("%w: no files uploaded", ErrValidation)
	}
	challenge, ok, err := w.cache.Take(ctx, req.Address)
	if err != nil {
		return fmt.Errorf("%w: challenge cache: %w", ErrUpstream, err)
	}
	if !ok {
		return fmt.Errorf("%w: no upload challenge issued for %s", ErrValidation, req.Address)
	}
	if !auth.VerifySignature([]byte(challenge), req.Signature, req.Address) {
		return fmt.Errorf("%w: signature does not match address %s", ErrAuth, req.Address)
	}
	return nil
}

func (w *UploadWorkflow) authorize(ctx context.Context, req UploadRequest) error {
	if w.accounts == nil {
		return nil
	}
	limitGB, found, err := w.accounts.UploadLimit(ctx, req.Address)
	if err != nil {
		return fmt.Errorf("%w: account lookup: %w", ErrUpstream, err)
	}
	if !found {
		return fmt.Errorf("%w: address %s is not authorized to upload", ErrAuth, req.Address)
	}
	var total int64
	for _, f := range req.Files {
		total += f.Size
	}
	if limit := int64(limitGB) << 30; total > limit {
		return fmt.Errorf("%w: upload of %d bytes exceeds the %dGB limit for %s", ErrAuth, total, limitGB, req.Address)
	}
	return nil
}

// reassemble moves each spooled file to its declared relative path under
// scratch and returns the single top-level dataset directory.
func (w *UploadWorkflow) reassemble(files []UploadedFile, scratch string) (string, error) {
	for _, f := range files {
		dest, err := declaredPath(scratch, f.DeclaredPath)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", fmt.Errorf("%w: place %s: %w", ErrUpstream, f.DeclaredPath, err)
		}
		if err := moveFile(f.TempPath, dest); err != nil {
			return "", fmt.Errorf("%w: place %s: %w", ErrUpstream, f.DeclaredPath, err)
		}
	}
	entries, err := os.ReadDir(scratch)
	if err != nil {
		return "", fmt.Errorf("%w: read scratch dir: %w", ErrUpstream, err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return "", fmt.Errorf("%w: upload must contain exactly one top-level dataset folder", ErrValidation)
	}
	return filepath.Join(scratch, entries[0].Name()), nil
}

func (w *UploadWorkflow) domainValidate(ctx context.Context, datasetRoot string) (models.BidsValidation, error) {
	_, span := tracer.Start(ctx, "UploadWorkflow.domainValidate")
	defer span.End()

	report, err := w.validator.Validate(datasetRoot)
	if err != nil {
		span.RecordError(err)
		return models.BidsValidation{}, fmt.Errorf("%w: dataset validation: %w", ErrValidation, err)
	}
	if !report.Validated {
		return models.BidsValidation{}, fmt.Errorf("%w: dataset failed validation: %s", ErrValidation, strings.Join(report.Errors, "; "))
	}
	return models.BidsValidation{
		Validated:    report.Validated,
		Version:      report.Version,
		Deidentified: report.Deidentified,
		Modalities:   report.Modalities,
		Tasks:        report.Tasks,
		Warnings:     report.Warnings,
		Errors:       report.Errors,
	}, nil
}

// insertMetadata performs the ordered inserts. Every insert that lands
// appends its undo to *steps so the caller can compensate.
func (w *UploadWorkflow) insertMetadata(ctx context.Context, req UploadRequest, report models.BidsValidation, cid string, estuaryID, archiveSize int64, steps *[]step) (*UploadOutcome, error) {
	ctx, span := tracer.Start(ctx, "UploadWorkflow.insertMetadata")
	defer span.End()

	var total int64
	for _, f := range req.Files {
		total += f.Size
	}

	dataset := &models.Dataset{
		Uploader: req.Address,
		Size:     total,
		Standard: models.Standard{Bids: report},
		Keywords: []string{},
		Authors:  []primitive.ObjectID{},
		ChunkIDs: []primitive.ObjectID{},
	}
	if res := retry.Do(ctx, w.insertAttempts, func(ctx context.Context) (struct{}, error) {
		dataset.ID = primitive.NewObjectID()
		return struct{}{}, w.store.InsertDataset(ctx, dataset)
	}); !res.Ok() {
		return nil, fmt.Errorf("%w: insert dataset: %w", ErrUpstream, res.Err)
	}
	*steps = append(*steps, step{name: "dataset", undo: func(ctx context.Context) error {
		return w.store.DeleteDataset(ctx, dataset.ID)
	}})

	chunk := &models.Chunk{
		DatasetID:  dataset.ID,
		StorageIDs: models.StorageIDs{CID: cid, EstuaryID: estuaryID},
		FileIDs:    []primitive.ObjectID{},
		Size:       archiveSize,
	}
	if res := retry.Do(ctx, w.insertAttempts, func(ctx context.Context) (struct{}, error) {
		chunk.ID = primitive.NewObjectID()
		return struct{}{}, w.store.InsertChunk(ctx, chunk)
	}); !res.Ok() {
		return nil, fmt.Errorf("%w: insert chunk: %w", ErrUpstream, res.Err)
	}
	*steps = append(*steps, step{name: "chunk", undo: func(ctx context.Context) error {
		return w.store.DeleteChunks(ctx, []primitive.ObjectID{chunk.ID})
	}})

	// One shared undo covers every file insert: delete-by-chunk removes
	// whichever files landed before a failure.
	*steps = append(*steps, step{name: "files", undo: func(ctx context.Context) error {
		return w.store.DeleteCommonsFilesByChunkIDs(ctx, []primitive.ObjectID{chunk.ID})
	}})
	fileIDs := make([]primitive.ObjectID, 0, len(req.Files))
	for _, f := range req.Files {
		file := &models.CommonsFile{
			ChunkID: chunk.ID,
			Name:    f.Name,
			Path:    f.DeclaredPath,
			Size:    f.Size,
		}
		if res := retry.Do(ctx, w.insertAttempts, func(ctx context.Context) (struct{}, error) {
			file.ID = primitive.NewObjectID()
			return struct{}{}, w.store.InsertCommonsFile(ctx, file)
		}); !res.Ok() {
			return nil, fmt.Errorf("%w: insert file %s: %w", ErrUpstream, f.Name, res.Err)
		}
		fileIDs = append(fileIDs, file.ID)
	}

	if res := retry.Do(ctx, w.insertAttempts, func(ctx context.Context) (struct{}, error) {
		modified, err := w.store.AttachChunkFiles(ctx, chunk.ID, fileIDs)
		if err != nil {
			return struct{}{}, err
		}
		if !modified {
			return struct{}{}, errors.New("chunk no longer exists")
		}
		return struct{}{}, nil
	}); !res.Ok() {
		return nil, fmt.Errorf("%w: attach files to chunk: %w", ErrUpstream, res.Err)
	}

	if res := retry.Do(ctx, w.insertAttempts, func(ctx context.Context) (struct{}, error) {
		modified, err := w.store.AttachDatasetChunk(ctx, dataset.ID, chunk.ID)
		if err != nil {
			return struct{}{}, err
		}
		if !modified {
			return struct{}{}, errors.New("dataset no longer exists")
		}
		return struct{}{}, nil
	}); !res.Ok() {
		return nil, fmt.Errorf("%w: attach chunk to dataset: %w", ErrUpstream, res.Err)
	}

	return &UploadOutcome{DatasetID: dataset.ID, CID: cid}, nil
}

// rollback undoes committed steps in reverse order. Undo failures are
// logged and do not stop the walk; the caller's error is what surfaces.
func (w *UploadWorkflow) rollback(ctx context.Context, steps []step) {
	ctx, span := tracer.Start(context.WithoutCancel(ctx), "UploadWorkflow.rollback")
	defer span.End()

	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].undo(ctx); err != nil {
			span.RecordError(err)
			logrus.WithError(err).WithField("step", steps[i].name).Error("rollback step failed")
		}
	}
}

func removeTempFiles(files []UploadedFile) {
	for _, f := range files {
		if err := os.Remove(f.TempPath); err != nil && !os.IsNotExist(err) {
			logrus.WithError(err).WithField("path", f.TempPath).Warn("failed to remove temp file")
		}
	}
}

// declaredPath resolves a caller-declared relative path under dir and
// rejects anything absolute, empty, or escaping dir.
func declaredPath(dir, declared string) (string, error) {
	if declared == "" {
		return "", fmt.Errorf("%w: file is missing its declared path", ErrValidation)
	}
	cleaned := filepath.Clean(filepath.FromSlash(declared))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: declared path %q escapes the upload directory", ErrValidation, declared)
	}
	return filepath.Join(dir, cleaned), nil
}

// moveFile renames src to dest, copying when the rename crosses devices.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
