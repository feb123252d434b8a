package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/commons-share/commons-backend/internal/bids"
	"github.com/google/uuid"
)

// DescriptionWorkflow retrieves the dataset manifest out of a pinned
// archive: download, unpack, read, clean up.
type DescriptionWorkflow struct {
	store       MetadataStore
	remote      RemoteStorage
	packer      Packer
	scratchRoot string
}

// NewDescriptionWorkflow wires the workflow.
func NewDescriptionWorkflow(store MetadataStore, remote RemoteStorage, packer Packer, scratchRoot string) *DescriptionWorkflow {
	return &DescriptionWorkflow{store: store, remote: remote, packer: packer, scratchRoot: scratchRoot}
}

// Run returns the raw dataset_description.json of the archive pinned under
// estuaryID. ErrNotFound covers both an unknown pin and a missing manifest.
func (d *DescriptionWorkflow) Run(ctx context.Context, estuaryID int64) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "DescriptionWorkflow.Run")
	defer span.End()

	chunk, err := d.store.ChunkByEstuaryID(ctx, estuaryID)
	if err != nil {
		return nil, fmt.Errorf("%w: look up chunk: %w", ErrUpstream, err)
	}
	if chunk == nil {
		return nil, fmt.Errorf("%w: no chunk for estuaryId %d", ErrNotFound, estuaryID)
	}

	scratch := filepath.Join(d.scratchRoot, uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create scratch dir: %w", ErrUpstream, err)
	}
	defer os.RemoveAll(scratch)

	archivePath := filepath.Join(scratch, chunk.StorageIDs.CID+".car")
	if err := d.remote.FetchArchive(ctx, chunk.StorageIDs.CID, archivePath); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: fetch archive: %w", ErrUpstream, err)
	}
	extractDir := filepath.Join(scratch, "extracted")
	if err := d.packer.Unpack(archivePath, extractDir); err != nil {
		return nil, fmt.Errorf("%w: unpack archive: %w", ErrUpstream, err)
	}

	entries, err := os.ReadDir(extractDir)
	if err != nil {
		return nil, fmt.Errorf("%w: read extracted archive: %w", ErrUpstream, err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil, fmt.Errorf("%w: archive does not contain a single dataset root", ErrUpstream)
	}

	raw, err := os.ReadFile(filepath.Join(extractDir, entries[0].Name(), bids.DescriptionFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: archive has no %s", ErrNotFound, bids.DescriptionFilename)
		}
		return nil, fmt.Errorf("%w: read %s: %w", ErrUpstream, bids.DescriptionFilename, err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrNotFound, bids.DescriptionFilename)
	}
	return json.RawMessage(raw), nil
}
