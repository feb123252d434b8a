package storage

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"strings"

	"github.com/commons-share/commons-backend/internal/carpack"
	"github.com/commons-share/commons-backend/internal/retry"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const archivePrefix = "archives/"

// S3Storage is a self-hosted remote-storage backend over any S3-compatible
// object store, for deployments without an Estuary key. Archives are stored
// under archives/<cid>.car; the pin request id is derived deterministically
// from the cid, so the same content always maps to the same id.
type S3Storage struct {
	client     *minio.Client
	bucketName string
}

// NewS3Storage initializes the client and ensures the bucket exists.
func NewS3Storage(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	s := &S3Storage{client: client, bucketName: bucketName}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		logrus.WithField("bucket", bucketName).Info("creating bucket")
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return s, nil
}

// ListPins lists every stored archive as a pin.
func (s *S3Storage) ListPins(ctx context.Context) ([]PinInfo, error) {
	ctx, span := tracer.Start(ctx, "s3.list_pins")
	defer span.End()

	var pins []PinInfo
	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{Prefix: archivePrefix}) {
		if object.Err != nil {
			span.RecordError(object.Err)
			return nil, fmt.Errorf("failed to list archives: %w", object.Err)
		}
		cid := cidFromKey(object.Key)
		if cid == "" {
			continue
		}
		pins = append(pins, PinInfo{
			Filename:  path.Base(object.Key),
			CID:       cid,
			EstuaryID: pinID(cid),
		})
	}
	span.SetAttributes(attribute.Int("pin_count", len(pins)))
	return pins, nil
}

// UploadArchive stores the archive under its cid, retrying up to
// maxAttempts times.
func (s *S3Storage) UploadArchive(ctx context.Context, archivePath string, maxAttempts int) (*UploadResult, error) {
	ctx, span := tracer.Start(ctx, "s3.upload_archive",
		trace.WithAttributes(attribute.Int("max_attempts", maxAttempts)),
	)
	defer span.End()

	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	cid, err := carpack.ComputeCID(file)
	file.Close()
	if err != nil {
		return nil, err
	}

	key := archivePrefix + cid + ".car"
	result := retry.Do(ctx, maxAttempts, func(ctx context.Context) (*UploadResult, error) {
		_, err := s.client.FPutObject(ctx, s.bucketName, key, archivePath, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to store archive: %w", err)
		}
		return &UploadResult{CID: cid, EstuaryID: pinID(cid)}, nil
	})
	if !result.Ok() {
		span.RecordError(result.Err)
		return nil, result.Err
	}

	span.SetAttributes(attribute.String("cid", cid), attribute.Int("attempts", result.Attempts))
	return result.Value, nil
}

// DeletePin removes the archive whose derived pin id matches, retrying up
// to maxAttempts times.
func (s *S3Storage) DeletePin(ctx context.Context, estuaryID int64, maxAttempts int) error {
	ctx, span := tracer.Start(ctx, "s3.delete_pin",
		trace.WithAttributes(attribute.Int64("estuary_id", estuaryID)),
	)
	defer span.End()

	result := retry.Do(ctx, maxAttempts, func(ctx context.Context) (struct{}, error) {
		pins, err := s.ListPins(ctx)
		if err != nil {
			return struct{}{}, err
		}
		for _, pin := range pins {
			if pin.EstuaryID != estuaryID {
				continue
			}
			key := archivePrefix + pin.CID + ".car"
			if err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
				return struct{}{}, fmt.Errorf("failed to remove archive: %w", err)
			}
			return struct{}{}, nil
		}
		return struct{}{}, fmt.Errorf("no archive for pin id %d", estuaryID)
	})
	if !result.Ok() {
		span.RecordError(result.Err)
		return result.Err
	}
	return nil
}

// FetchArchive downloads the archive with the given cid into destPath.
func (s *S3Storage) FetchArchive(ctx context.Context, cid, destPath string) error {
	ctx, span := tracer.Start(ctx, "s3.fetch_archive",
		trace.WithAttributes(attribute.String("cid", cid)),
	)
	defer span.End()

	err := s.client.FGetObject(ctx, s.bucketName, archivePrefix+cid+".car", destPath, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to fetch archive %s: %w", cid, err)
	}
	return nil
}

// pinID derives a stable positive request id from a cid.
func pinID(cid string) int64 {
	h := fnv.New64a()
	h.Write([]byte(cid))
	return int64(h.Sum64() &^ (1 << 63))
}

func cidFromKey(key string) string {
	name := strings.TrimPrefix(key, archivePrefix)
	return strings.TrimSuffix(name, ".car")
}
