package workflows

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/commons-share/commons-backend/internal/carpack"
	"github.com/commons-share/commons-backend/internal/models"
	"github.com/commons-share/commons-backend/internal/storage"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakeStore is an in-memory MetadataStore with per-call failure injection
// keyed by method name.
type fakeStore struct {
	mu       sync.Mutex
	datasets map[primitive.ObjectID]*models.Dataset
	chunks   map[primitive.ObjectID]*models.Chunk
	files    map[primitive.ObjectID]*models.CommonsFile
	authors  map[primitive.ObjectID]*models.Author
	failOn   map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		datasets: map[primitive.ObjectID]*models.Dataset{},
		chunks:   map[primitive.ObjectID]*models.Chunk{},
		files:    map[primitive.ObjectID]*models.CommonsFile{},
		authors:  map[primitive.ObjectID]*models.Author{},
		failOn:   map[string]error{},
	}
}

func (s *fakeStore) fail(method string) error {
	if err, ok := s.failOn[method]; ok {
		return err
	}
	return nil
}

func (s *fakeStore) InsertDataset(ctx context.Context, d *models.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InsertDataset"); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}
	copied := *d
	s.datasets[d.ID] = &copied
	return nil
}

func (s *fakeStore) InsertChunk(ctx context.Context, c *models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InsertChunk"); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	copied := *c
	s.chunks[c.ID] = &copied
	return nil
}

func (s *fakeStore) InsertCommonsFile(ctx context.Context, f *models.CommonsFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InsertCommonsFile"); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	copied := *f
	s.files[f.ID] = &copied
	return nil
}

func (s *fakeStore) InsertAuthor(ctx context.Context, a *models.Author) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InsertAuthor"); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return err
	}
	copied := *a
	s.authors[a.ID] = &copied
	return nil
}

func (s *fakeStore) DatasetByID(ctx context.Context, id primitive.ObjectID) (*models.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DatasetByID"); err != nil {
		return nil, err
	}
	d, ok := s.datasets[id]
	if !ok {
		return nil, nil
	}
	copied := *d
	return &copied, nil
}

func (s *fakeStore) DatasetsByUploader(ctx context.Context, address string) ([]models.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Dataset
	for _, d := range s.datasets {
		if d.Uploader == address {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *fakeStore) PublishedDatasets(ctx context.Context) ([]models.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Dataset
	for _, d := range s.datasets {
		if d.Published {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *fakeStore) PublishedDatasetByID(ctx context.Context, id primitive.ObjectID) (*models.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[id]
	if !ok || !d.Published {
		return nil, nil
	}
	copied := *d
	return &copied, nil
}

func (s *fakeStore) PublishedDatasetsByUploader(ctx context.Context, address string) ([]models.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Dataset
	for _, d := range s.datasets {
		if d.Published && d.Uploader == address {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *fakeStore) SearchPublishedDatasets(ctx context.Context, searchStr string) ([]models.Dataset, error) {
	return s.PublishedDatasets(ctx)
}

func (s *fakeStore) ChunkByCID(ctx context.Context, cid string) (*models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ChunkByCID"); err != nil {
		return nil, err
	}
	for _, c := range s.chunks {
		if c.StorageIDs.CID == cid {
			copied := *c
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ChunkByEstuaryID(ctx context.Context, estuaryID int64) (*models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ChunkByEstuaryID"); err != nil {
		return nil, err
	}
	for _, c := range s.chunks {
		if c.StorageIDs.EstuaryID == estuaryID {
			copied := *c
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ChunksByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Chunk
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *fakeStore) CommonsFilesByChunkIDs(ctx context.Context, chunkIDs []primitive.ObjectID) ([]models.CommonsFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CommonsFile
	for _, id := range chunkIDs {
		for _, f := range s.files {
			if f.ChunkID == id {
				out = append(out, *f)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) AuthorsByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.Author, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Author
	for _, id := range ids {
		if a, ok := s.authors[id]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *fakeStore) AttachChunkFiles(ctx context.Context, chunkID primitive.ObjectID, fileIDs []primitive.ObjectID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AttachChunkFiles"); err != nil {
		return false, err
	}
	c, ok := s.chunks[chunkID]
	if !ok {
		return false, nil
	}
	c.FileIDs = fileIDs
	return true, nil
}

func (s *fakeStore) AttachDatasetChunk(ctx context.Context, datasetID, chunkID primitive.ObjectID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AttachDatasetChunk"); err != nil {
		return false, err
	}
	d, ok := s.datasets[datasetID]
	if !ok {
		return false, nil
	}
	d.ChunkIDs = append(d.ChunkIDs, chunkID)
	return true, nil
}

func (s *fakeStore) UpdateChunkStorage(ctx context.Context, chunkID primitive.ObjectID, ids models.StorageIDs, size int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpdateChunkStorage"); err != nil {
		return false, err
	}
	c, ok := s.chunks[chunkID]
	if !ok {
		return false, nil
	}
	c.StorageIDs = ids
	c.Size = size
	return true, nil
}

func (s *fakeStore) PublishDataset(ctx context.Context, uploader string, datasetID primitive.ObjectID, fields models.PublishFields) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("PublishDataset"); err != nil {
		return false, err
	}
	d, ok := s.datasets[datasetID]
	if !ok || d.Uploader != uploader {
		return false, nil
	}
	d.Published = true
	d.Title = fields.Title
	d.Description = fields.Description
	d.Keywords = fields.Keywords
	d.Authors = fields.AuthorIDs
	return true, nil
}

func (s *fakeStore) DeleteDataset(ctx context.Context, id primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteDataset"); err != nil {
		return err
	}
	delete(s.datasets, id)
	return nil
}

func (s *fakeStore) DeleteChunks(ctx context.Context, ids []primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteChunks"); err != nil {
		return err
	}
	for _, id := range ids {
		delete(s.chunks, id)
	}
	return nil
}

func (s *fakeStore) DeleteCommonsFile(ctx context.Context, id primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteCommonsFile"); err != nil {
		return err
	}
	delete(s.files, id)
	return nil
}

func (s *fakeStore) DeleteCommonsFilesByChunkIDs(ctx context.Context, chunkIDs []primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteCommonsFilesByChunkIDs"); err != nil {
		return err
	}
	for id, f := range s.files {
		for _, chunkID := range chunkIDs {
			if f.ChunkID == chunkID {
				delete(s.files, id)
			}
		}
	}
	return nil
}

// fakeRemote tracks pins in memory. Archives uploaded through it are kept
// by content so FetchArchive can serve them back.
type fakeRemote struct {
	mu          sync.Mutex
	nextID      int64
	pins        map[int64]string
	archives    map[string][]byte
	failUploads bool
	failDeletes bool
	uploadCalls int
	deleteCalls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{nextID: 1000, pins: map[int64]string{}, archives: map[string][]byte{}}
}

func (r *fakeRemote) ListPins(ctx context.Context) ([]storage.PinInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.PinInfo
	for id, cid := range r.pins {
		out = append(out, storage.PinInfo{Filename: cid + ".car", CID: cid, EstuaryID: id})
	}
	return out, nil
}

func (r *fakeRemote) UploadArchive(ctx context.Context, archivePath string, maxAttempts int) (*storage.UploadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploadCalls++
	if r.failUploads {
		return nil, errors.New("upload refused")
	}
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return nil, err
	}
	cid, err := carpack.ComputeCID(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	r.nextID++
	r.pins[r.nextID] = cid
	r.archives[cid] = data
	return &storage.UploadResult{CID: cid, EstuaryID: r.nextID}, nil
}

func (r *fakeRemote) DeletePin(ctx context.Context, estuaryID int64, maxAttempts int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteCalls++
	if r.failDeletes {
		return errors.New("delete refused")
	}
	cid, ok := r.pins[estuaryID]
	if !ok {
		return fmt.Errorf("no pin %d", estuaryID)
	}
	delete(r.pins, estuaryID)
	delete(r.archives, cid)
	return nil
}

func (r *fakeRemote) FetchArchive(ctx context.Context, cid, destPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.archives[cid]
	if !ok {
		return fmt.Errorf("no archive for cid %s", cid)
	}
	return os.WriteFile(destPath, data, 0o644)
}

// fakeCache is a single-process challenge cache with destructive reads.
type fakeCache struct {
	mu         sync.Mutex
	challenges map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{challenges: map[string]string{}}
}

func (c *fakeCache) Put(ctx context.Context, address, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.challenges[address] = message
	return nil
}

func (c *fakeCache) Take(ctx context.Context, address string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.challenges[address]
	if ok {
		delete(c.challenges, address)
	}
	return msg, ok, nil
}

// fakeAccounts allows listed addresses with a fixed GB limit.
type fakeAccounts struct {
	limits map[string]int
}

func (a *fakeAccounts) UploadLimit(ctx context.Context, address string) (int, bool, error) {
	limit, ok := a.limits[address]
	return limit, ok, nil
}

