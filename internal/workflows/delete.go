package workflows

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/commons-share/commons-backend/internal/auth"
	"github.com/commons-share/commons-backend/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DeleteRequest identifies an archive by its remote pin id. When Path is
// set, only that file is removed from the archive; otherwise the whole
// dataset and its pin go away.
type DeleteRequest struct {
	Address   string
	Signature string
	EstuaryID int64
	Path      string
}

// DeleteWorkflow removes dataset metadata before the remote object, so a
// pin without metadata is the only transient state ever visible.
type DeleteWorkflow struct {
	store  MetadataStore
	remote RemoteStorage
	packer Packer

	scratchRoot    string
	uploadAttempts int
	deleteAttempts int
}

// NewDeleteWorkflow wires the workflow. deleteAttempts bounds the pin
// removal retries.
func NewDeleteWorkflow(store MetadataStore, remote RemoteStorage, packer Packer, scratchRoot string, uploadAttempts, deleteAttempts int) *DeleteWorkflow {
	return &DeleteWorkflow{
		store:          store,
		remote:         remote,
		packer:         packer,
		scratchRoot:    scratchRoot,
		uploadAttempts: uploadAttempts,
		deleteAttempts: deleteAttempts,
	}
}

// SigningString is the canonical message a delete request must be signed
// over. The path segment appears only when a path is given.
func SigningString(address string, estuaryID int64, path string) string {
	s := fmt.Sprintf("/metadata/files?address=%s&estuaryId=%d", address, estuaryID)
	if path != "" {
		s += "&path=" + path
	}
	return s
}

// Run resolves pin -> chunk -> dataset, checks ownership and the published
// guard, then deletes.
func (d *DeleteWorkflow) Run(ctx context.Context, req DeleteRequest) error {
	ctx, span := tracer.Start(ctx, "DeleteWorkflow.Run")
	defer span.End()

	if !models.ValidAddress(req.Address) {
		return fmt.Errorf("%w: address must be a 42-char 0x address", ErrValidation)
	}
	if !auth.VerifySignature([]byte(SigningString(req.Address, req.EstuaryID, req.Path)), req.Signature, req.Address) {
		return fmt.Errorf("%w: signature does not match address %s", ErrAuth, req.Address)
	}
	// Uploader addresses are stored lower-cased; normalize before the
	// ownership comparison.
	req.Address = strings.ToLower(req.Address)

	chunk, err := d.store.ChunkByEstuaryID(ctx, req.EstuaryID)
	if err != nil {
		return fmt.Errorf("%w: look up chunk: %w", ErrUpstream, err)
	}
	if chunk == nil {
		return fmt.Errorf("%w: no chunk for estuaryId %d", ErrNotFound, req.EstuaryID)
	}
	dataset, err := d.store.DatasetByID(ctx, chunk.DatasetID)
	if err != nil {
		return fmt.Errorf("%w: look up dataset: %w", ErrUpstream, err)
	}
	if dataset == nil {
		return fmt.Errorf("%w: no dataset for chunk %s", ErrNotFound, chunk.ID.Hex())
	}
	if dataset.Uploader != req.Address {
		return fmt.Errorf("%w: dataset %s is not owned by %s", ErrAuth, dataset.ID.Hex(), req.Address)
	}
	if dataset.Published {
		return fmt.Errorf("%w: cannot delete a published dataset", ErrConflict)
	}

	if req.Path != "" {
		return d.deleteFile(ctx, dataset, chunk, req.Path)
	}
	return d.deleteDataset(ctx, dataset)
}

// deleteDataset removes files, chunks, and the dataset record in that
// order, then the pins. Metadata goes first so no record ever references a
// pin that was already removed.
func (d *DeleteWorkflow) deleteDataset(ctx context.Context, dataset *models.Dataset) error {
	chunks, err := d.store.ChunksByIDs(ctx, dataset.ChunkIDs)
	if err != nil {
		return fmt.Errorf("%w: look up chunks: %w", ErrUpstream, err)
	}
	chunkIDs := make([]primitive.ObjectID, 0, len(chunks))
	for _, c := range chunks {
		chunkIDs = append(chunkIDs, c.ID)
	}

	if err := d.store.DeleteCommonsFilesByChunkIDs(ctx, chunkIDs); err != nil {
		return fmt.Errorf("%w: delete files: %w", ErrUpstream, err)
	}
	if err := d.store.DeleteChunks(ctx, chunkIDs); err != nil {
		return fmt.Errorf("%w: delete chunks: %w", ErrUpstream, err)
	}
	if err := d.store.DeleteDataset(ctx, dataset.ID); err != nil {
		return fmt.Errorf("%w: delete dataset: %w", ErrUpstream, err)
	}
	for _, c := range chunks {
		if err := d.remote.DeletePin(ctx, c.StorageIDs.EstuaryID, d.deleteAttempts); err != nil {
			// Metadata is gone; an orphaned pin is logged, not surfaced.
			logrus.WithError(err).WithFields(logrus.Fields{
				"estuaryId": c.StorageIDs.EstuaryID,
				"cid":       c.StorageIDs.CID,
			}).Error("failed to delete remote pin")
		}
	}

	logrus.WithFields(logrus.Fields{
		"datasetId": dataset.ID.Hex(),
		"chunks":    len(chunks),
	}).Info("dataset deleted")
	return nil
}

// deleteFile removes one file from inside an already pinned archive:
// download, unpack, drop the file, repack, pin the new archive, repoint the
// chunk, then release the old pin.
func (d *DeleteWorkflow) deleteFile(ctx context.Context, dataset *models.Dataset, chunk *models.Chunk, path string) error {
	ctx, span := tracer.Start(ctx, "DeleteWorkflow.deleteFile")
	defer span.End()

	files, err := d.store.CommonsFilesByChunkIDs(ctx, []primitive.ObjectID{chunk.ID})
	if err != nil {
		return fmt.Errorf("%w: look up files: %w", ErrUpstream, err)
	}
	var target *models.CommonsFile
	for i := range files {
		if files[i].Path == path {
			target = &files[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: no file at path %q in chunk %s", ErrNotFound, path, chunk.ID.Hex())
	}
	if len(files) == 1 {
		// Removing the last file empties the archive; delete the dataset.
		return d.deleteDataset(ctx, dataset)
	}

	scratch := filepath.Join(d.scratchRoot, uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("%w: create scratch dir: %w", ErrUpstream, err)
	}
	defer os.RemoveAll(scratch)

	archivePath := filepath.Join(scratch, chunk.StorageIDs.CID+".car")
	if err := d.remote.FetchArchive(ctx, chunk.StorageIDs.CID, archivePath); err != nil {
		return fmt.Errorf("%w: fetch archive: %w", ErrUpstream, err)
	}
	extractDir := filepath.Join(scratch, "extracted")
	if err := d.packer.Unpack(archivePath, extractDir); err != nil {
		return fmt.Errorf("%w: unpack archive: %w", ErrUpstream, err)
	}
	if err := os.Remove(archivePath); err != nil {
		return fmt.Errorf("%w: remove fetched archive: %w", ErrUpstream, err)
	}
	if err := os.Remove(filepath.Join(extractDir, filepath.FromSlash(path))); err != nil {
		return fmt.Errorf("%w: remove %q from archive: %w", ErrUpstream, path, err)
	}

	entries, err := os.ReadDir(extractDir)
	if err != nil {
		return fmt.Errorf("%w: read extracted archive: %w", ErrUpstream, err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return fmt.Errorf("%w: archive does not contain a single dataset root", ErrUpstream)
	}
	newCID, newArchive, err := d.packer.Pack(filepath.Join(extractDir, entries[0].Name()), scratch)
	if err != nil {
		return fmt.Errorf("%w: repack archive: %w", ErrUpstream, err)
	}
	info, err := os.Stat(newArchive)
	if err != nil {
		return fmt.Errorf("%w: stat archive: %w", ErrUpstream, err)
	}

	uploaded, err := d.remote.UploadArchive(ctx, newArchive, d.uploadAttempts)
	if err != nil {
		return fmt.Errorf("%w: upload edited archive: %w", ErrUpstream, err)
	}

	newIDs := models.StorageIDs{CID: newCID, EstuaryID: uploaded.EstuaryID}
	modified, err := d.store.UpdateChunkStorage(ctx, chunk.ID, newIDs, info.Size())
	if err != nil || !modified {
		// The edited archive is pinned but unreferenced; release it.
		if delErr := d.remote.DeletePin(ctx, uploaded.EstuaryID, d.deleteAttempts); delErr != nil {
			logrus.WithError(delErr).WithField("estuaryId", uploaded.EstuaryID).Error("failed to delete orphaned pin")
		}
		if err != nil {
			return fmt.Errorf("%w: repoint chunk: %w", ErrUpstream, err)
		}
		return fmt.Errorf("%w: chunk %s no longer exists", ErrNotFound, chunk.ID.Hex())
	}
	if err := d.store.DeleteCommonsFile(ctx, target.ID); err != nil {
		return fmt.Errorf("%w: delete file record: %w", ErrUpstream, err)
	}
	remaining := make([]primitive.ObjectID, 0, len(files)-1)
	for _, f := range files {
		if f.ID != target.ID {
			remaining = append(remaining, f.ID)
		}
	}
	if _, err := d.store.AttachChunkFiles(ctx, chunk.ID, remaining); err != nil {
		return fmt.Errorf("%w: update chunk file list: %w", ErrUpstream, err)
	}
	if err := d.remote.DeletePin(ctx, chunk.StorageIDs.EstuaryID, d.deleteAttempts); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"estuaryId": chunk.StorageIDs.EstuaryID,
			"cid":       chunk.StorageIDs.CID,
		}).Error("failed to delete replaced pin")
	}

	logrus.WithFields(logrus.Fields{
		"datasetId": dataset.ID.Hex(),
		"chunkId":   chunk.ID.Hex(),
		"path":      path,
		"newCid":    newCID,
	}).Info("file deleted from archive")
	return nil
}
