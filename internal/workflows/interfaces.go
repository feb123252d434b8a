package workflows

import (
	"context"

	"github.com/commons-share/commons-backend/internal/bids"
	"github.com/commons-share/commons-backend/internal/models"
	"github.com/commons-share/commons-backend/internal/storage"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MetadataStore defines the typed CRUD surface the workflows and read
// handlers need over the four linked collections. Implementations validate
// records before insert and report UpdateOne success only when a document
// was actually modified; they offer no cross-collection transactions.
type MetadataStore interface {
	InsertDataset(ctx context.Context, dataset *models.Dataset) error
	InsertChunk(ctx context.Context, chunk *models.Chunk) error
	InsertCommonsFile(ctx context.Context, file *models.CommonsFile) error
	InsertAuthor(ctx context.Context, author *models.Author) error

	DatasetByID(ctx context.Context, id primitive.ObjectID) (*models.Dataset, error)
	DatasetsByUploader(ctx context.Context, address string) ([]models.Dataset, error)
	PublishedDatasets(ctx context.Context) ([]models.Dataset, error)
	PublishedDatasetByID(ctx context.Context, id primitive.ObjectID) (*models.Dataset, error)
	PublishedDatasetsByUploader(ctx context.Context, address string) ([]models.Dataset, error)
	SearchPublishedDatasets(ctx context.Context, searchStr string) ([]models.Dataset, error)

	ChunkByCID(ctx context.Context, cid string) (*models.Chunk, error)
	ChunkByEstuaryID(ctx context.Context, estuaryID int64) (*models.Chunk, error)
	ChunksByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.Chunk, error)
	CommonsFilesByChunkIDs(ctx context.Context, chunkIDs []primitive.ObjectID) ([]models.CommonsFile, error)
	AuthorsByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.Author, error)

	AttachChunkFiles(ctx context.Context, chunkID primitive.ObjectID, fileIDs []primitive.ObjectID) (bool, error)
	AttachDatasetChunk(ctx context.Context, datasetID, chunkID primitive.ObjectID) (bool, error)
	UpdateChunkStorage(ctx context.Context, chunkID primitive.ObjectID, ids models.StorageIDs, size int64) (bool, error)
	PublishDataset(ctx context.Context, uploader string, datasetID primitive.ObjectID, fields models.PublishFields) (bool, error)

	DeleteDataset(ctx context.Context, id primitive.ObjectID) error
	DeleteChunks(ctx context.Context, ids []primitive.ObjectID) error
	DeleteCommonsFile(ctx context.Context, id primitive.ObjectID) error
	DeleteCommonsFilesByChunkIDs(ctx context.Context, chunkIDs []primitive.ObjectID) error
}

// RemoteStorage is the content-addressed pinning service boundary.
type RemoteStorage interface {
	ListPins(ctx context.Context) ([]storage.PinInfo, error)
	UploadArchive(ctx context.Context, archivePath string, maxAttempts int) (*storage.UploadResult, error)
	DeletePin(ctx context.Context, estuaryID int64, maxAttempts int) error
	FetchArchive(ctx context.Context, cid, destPath string) error
}

// ChallengeCache issues and destructively consumes one-time upload
// challenges keyed by address.
type ChallengeCache interface {
	Put(ctx context.Context, address, message string) error
	Take(ctx context.Context, address string) (string, bool, error)
}

// Packer turns a directory tree into one content-addressed archive and back.
type Packer interface {
	Pack(sourceDir, destDir string) (rootCID, archivePath string, err error)
	Unpack(archivePath, destDir string) error
}

// DatasetValidator is the external structural validator boundary.
type DatasetValidator interface {
	Validate(rootDir string) (bids.Result, error)
}

// Accounts exposes per-address upload limits for the authorize step.
type Accounts interface {
	UploadLimit(ctx context.Context, address string) (int, bool, error)
}
