package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the evidence storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFS     StoreType = "fs"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
)

// NewStoreFromEnv creates an evidence store based on environment variables.
//
//   - EVIDENCE_STORAGE_TYPE: "fs" (default), "memory", "s3", or "gcs"
//   - EVIDENCE_DIR: base directory for the fs store
//     (default: <HALTLINE_DATA_DIR|data>/evidence)
//
// For S3:
//   - EVIDENCE_S3_BUCKET (required)
//   - EVIDENCE_S3_REGION or AWS_REGION
//   - EVIDENCE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - EVIDENCE_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - EVIDENCE_GCS_BUCKET (required)
//   - EVIDENCE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("EVIDENCE_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeFS:
		return newFileStoreFromEnv()
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported evidence storage type: %s", storeType)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dir := os.Getenv("EVIDENCE_DIR")
	if dir == "" {
		dataDir := os.Getenv("HALTLINE_DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		dir = filepath.Join(dataDir, "evidence")
	}
	return NewFileStore(dir)
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("EVIDENCE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("EVIDENCE_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("EVIDENCE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("EVIDENCE_S3_ENDPOINT"),
		Prefix:   os.Getenv("EVIDENCE_S3_PREFIX"),
	})
}
