package storage

import (
	"context"
	"fmt"

	"github.com/commons-share/commons-backend/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("commons-storage")

const (
	datasetCollection = "datasets"
	chunkCollection   = "chunks"
	fileCollection    = "commonsFiles"
	authorCollection  = "authors"
)

// MongoStore is the metadata store over the four linked collections. It
// validates every record before insert and offers no cross-collection
// transactions: callers order their writes and compensate on failure.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to MongoDB and pings it.
func NewMongoStore(ctx context.Context, url, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(dbName)}, nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// InsertDataset validates and inserts a dataset record.
func (s *MongoStore) InsertDataset(ctx context.Context, dataset *models.Dataset) error {
	if err := dataset.Validate(); err != nil {
		return err
	}
	return s.insert(ctx, datasetCollection, dataset)
}

// InsertChunk validates and inserts a chunk record.
func (s *MongoStore) InsertChunk(ctx context.Context, chunk *models.Chunk) error {
	if err := chunk.Validate(); err != nil {
		return err
	}
	return s.insert(ctx, chunkCollection, chunk)
}

// InsertCommonsFile validates and inserts a file record.
func (s *MongoStore) InsertCommonsFile(ctx context.Context, file *models.CommonsFile) error {
	if err := file.Validate(); err != nil {
		return err
	}
	return s.insert(ctx, fileCollection, file)
}

// InsertAuthor validates and inserts an author record.
func (s *MongoStore) InsertAuthor(ctx context.Context, author *models.Author) error {
	if err := author.Validate(); err != nil {
		return err
	}
	return s.insert(ctx, authorCollection, author)
}

func (s *MongoStore) insert(ctx context.Context, collection string, record interface{}) error {
	ctx, span := tracer.Start(ctx, "mongo.insert",
		trace.WithAttributes(attribute.String("collection", collection)),
	)
	defer span.End()

	if _, err := s.db.Collection(collection).InsertOne(ctx, record); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	return nil
}

// DatasetsByUploader returns every dataset owned by the address.
func (s *MongoStore) DatasetsByUploader(ctx context.Context, address string) ([]models.Dataset, error) {
	return s.findDatasets(ctx, bson.M{"uploader": address})
}

// PublishedDatasets returns every published dataset.
func (s *MongoStore) PublishedDatasets(ctx context.Context) ([]models.Dataset, error) {
	return s.findDatasets(ctx, bson.M{"published": true})
}

// PublishedDatasetsByUploader returns the published datasets of one uploader.
func (s *MongoStore) PublishedDatasetsByUploader(ctx context.Context, address string) ([]models.Dataset, error) {
	return s.findDatasets(ctx, bson.M{"uploader": address, "published": true})
}

// PublishedDatasetByID returns one published dataset, or nil when absent.
func (s *MongoStore) PublishedDatasetByID(ctx context.Context, id primitive.ObjectID) (*models.Dataset, error) {
	datasets, err := s.findDatasets(ctx, bson.M{"_id": id, "published": true})
	if err != nil {
		return nil, err
	}
	if len(datasets) == 0 {
		return nil, nil
	}
	return &datasets[0], nil
}

// DatasetByID returns one dataset regardless of publication, or nil.
func (s *MongoStore) DatasetByID(ctx context.Context, id primitive.ObjectID) (*models.Dataset, error) {
	datasets, err := s.findDatasets(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, err
	}
	if len(datasets) == 0 {
		return nil, nil
	}
	return &datasets[0], nil
}

// SearchPublishedDatasets matches searchStr case-insensitively against
// title, description and keywords of published datasets.
func (s *MongoStore) SearchPublishedDatasets(ctx context.Context, searchStr string) ([]models.Dataset, error) {
	pattern := primitive.Regex{Pattern: regexEscape(searchStr), Options: "i"}
	return s.findDatasets(ctx, bson.M{
		"published": true,
		"$or": bson.A{
			bson.M{"title": pattern},
			bson.M{"description": pattern},
			bson.M{"keywords": pattern},
		},
	})
}

func (s *MongoStore) findDatasets(ctx context.Context, query bson.M) ([]models.Dataset, error) {
	ctx, span := tracer.Start(ctx, "mongo.find_datasets")
	defer span.End()

	cursor, err := s.db.Collection(datasetCollection).Find(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query datasets: %w", err)
	}
	var datasets []models.Dataset
	if err := cursor.All(ctx, &datasets); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode datasets: %w", err)
	}
	span.SetAttributes(attribute.Int("count", len(datasets)))
	return datasets, nil
}

// ChunkByCID returns the chunk pinning the given content id, or nil. At most
// one chunk per cid exists: the upload workflow rejects duplicate content.
func (s *MongoStore) ChunkByCID(ctx context.Context, cid string) (*models.Chunk, error) {
	return s.findOneChunk(ctx, bson.M{"storageIds.cid": cid})
}

// ChunkByEstuaryID resolves a pinning-service request id to its chunk, or nil.
func (s *MongoStore) ChunkByEstuaryID(ctx context.Context, estuaryID int64) (*models.Chunk, error) {
	return s.findOneChunk(ctx, bson.M{"storageIds.estuaryId": estuaryID})
}

func (s *MongoStore) findOneChunk(ctx context.Context, query bson.M) (*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "mongo.find_chunk")
	defer span.End()

	var chunk models.Chunk
	err := s.db.Collection(chunkCollection).FindOne(ctx, query).Decode(&chunk)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunk: %w", err)
	}
	return &chunk, nil
}

// ChunksByIDs returns the chunks with the given ids.
func (s *MongoStore) ChunksByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "mongo.find_chunks",
		trace.WithAttributes(attribute.Int("id_count", len(ids))),
	)
	defer span.End()

	cursor, err := s.db.Collection(chunkCollection).Find(ctx, bson.M{"_id": bson.M{"$in": nonNilIDs(ids)}})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	var chunks []models.Chunk
	if err := cursor.All(ctx, &chunks); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode chunks: %w", err)
	}
	return chunks, nil
}

// CommonsFilesByChunkIDs returns every file belonging to the given chunks.
func (s *MongoStore) CommonsFilesByChunkIDs(ctx context.Context, chunkIDs []primitive.ObjectID) ([]models.CommonsFile, error) {
	ctx, span := tracer.Start(ctx, "mongo.find_files",
		trace.WithAttributes(attribute.Int("chunk_count", len(chunkIDs))),
	)
	defer span.End()

	cursor, err := s.db.Collection(fileCollection).Find(ctx, bson.M{"chunkId": bson.M{"$in": nonNilIDs(chunkIDs)}})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	var files []models.CommonsFile
	if err := cursor.All(ctx, &files); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode files: %w", err)
	}
	return files, nil
}

// AuthorsByIDs returns the authors with the given ids.
func (s *MongoStore) AuthorsByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.Author, error) {
	ctx, span := tracer.Start(ctx, "mongo.find_authors",
		trace.WithAttributes(attribute.Int("id_count", len(ids))),
	)
	defer span.End()

	cursor, err := s.db.Collection(authorCollection).Find(ctx, bson.M{"_id": bson.M{"$in": nonNilIDs(ids)}})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query authors: %w", err)
	}
	var authors []models.Author
	if err := cursor.All(ctx, &authors); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode authors: %w", err)
	}
	return authors, nil
}

// AttachChunkFiles patches a chunk with its final file id list. Returns true
// only when a document was actually modified.
func (s *MongoStore) AttachChunkFiles(ctx context.Context, chunkID primitive.ObjectID, fileIDs []primitive.ObjectID) (bool, error) {
	return s.updateOne(ctx, chunkCollection,
		bson.M{"_id": chunkID},
		bson.M{"$set": bson.M{"fileIds": fileIDs}},
	)
}

// AttachDatasetChunk appends a chunk reference to a dataset.
func (s *MongoStore) AttachDatasetChunk(ctx context.Context, datasetID, chunkID primitive.ObjectID) (bool, error) {
	return s.updateOne(ctx, datasetCollection,
		bson.M{"_id": datasetID},
		bson.M{"$push": bson.M{"chunkIds": chunkID}},
	)
}

// UpdateChunkStorage repoints a chunk at a new archive after a
// read-modify-reupload edit.
func (s *MongoStore) UpdateChunkStorage(ctx context.Context, chunkID primitive.ObjectID, ids models.StorageIDs, size int64) (bool, error) {
	return s.updateOne(ctx, chunkCollection,
		bson.M{"_id": chunkID},
		bson.M{"$set": bson.M{"storageIds": ids, "size": size}},
	)
}

// PublishDataset sets the published flag and descriptive fields on the
// dataset owned by uploader. The {uploader, _id} filter is the ownership
// check: a non-owner's update matches nothing and modifies nothing.
func (s *MongoStore) PublishDataset(ctx context.Context, uploader string, datasetID primitive.ObjectID, fields models.PublishFields) (bool, error) {
	return s.updateOne(ctx, datasetCollection,
		bson.M{"uploader": uploader, "_id": datasetID},
		bson.M{"$set": bson.M{
			"published":   true,
			"title":       fields.Title,
			"description": fields.Description,
			"keywords":    fields.Keywords,
			"authors":     fields.AuthorIDs,
		}},
	)
}

func (s *MongoStore) updateOne(ctx context.Context, collection string, query, update bson.M) (bool, error) {
	ctx, span := tracer.Start(ctx, "mongo.update_one",
		trace.WithAttributes(attribute.String("collection", collection)),
	)
	defer span.End()

	result, err := s.db.Collection(collection).UpdateOne(ctx, query, update)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to update %s: %w", collection, err)
	}
	modified := result.ModifiedCount > 0
	span.SetAttributes(attribute.Bool("modified", modified))
	return modified, nil
}

// DeleteDataset removes one dataset record.
func (s *MongoStore) DeleteDataset(ctx context.Context, id primitive.ObjectID) error {
	return s.delete(ctx, datasetCollection, bson.M{"_id": id})
}

// DeleteChunks removes the chunks with the given ids.
func (s *MongoStore) DeleteChunks(ctx context.Context, ids []primitive.ObjectID) error {
	return s.delete(ctx, chunkCollection, bson.M{"_id": bson.M{"$in": nonNilIDs(ids)}})
}

// DeleteCommonsFile removes a single file record.
func (s *MongoStore) DeleteCommonsFile(ctx context.Context, id primitive.ObjectID) error {
	return s.delete(ctx, fileCollection, bson.M{"_id": id})
}

// DeleteCommonsFilesByChunkIDs removes every file under the given chunks.
func (s *MongoStore) DeleteCommonsFilesByChunkIDs(ctx context.Context, chunkIDs []primitive.ObjectID) error {
	return s.delete(ctx, fileCollection, bson.M{"chunkId": bson.M{"$in": nonNilIDs(chunkIDs)}})
}

func (s *MongoStore) delete(ctx context.Context, collection string, query bson.M) error {
	ctx, span := tracer.Start(ctx, "mongo.delete",
		trace.WithAttributes(attribute.String("collection", collection)),
	)
	defer span.End()

	result, err := s.db.Collection(collection).DeleteMany(ctx, query)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete from %s: %w", collection, err)
	}
	span.SetAttributes(attribute.Int64("deleted", result.DeletedCount))
	return nil
}

// nonNilIDs keeps $in queries well-formed: a nil slice marshals to BSON
// null, which MongoDB rejects.
func nonNilIDs(ids []primitive.ObjectID) []primitive.ObjectID {
	if ids == nil {
		return []primitive.ObjectID{}
	}
	return ids
}

// regexEscape neutralizes regex metacharacters in user search input.
func regexEscape(s string) string {
	escaped := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '.', '*', '+', '?', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, r)
	}
	return string(escaped)
}
