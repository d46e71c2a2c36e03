// Package storage publishes pipeline outputs to object storage.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	perrors "github.com/sessionprep/sessionprep/internal/errors"
)

// ErrObjectNotFound is returned by Download when the object does not exist.
var ErrObjectNotFound = perrors.New(perrors.ErrCategoryStorage, perrors.CodeObjectNotFound, "object not found")

// ObjectStorage abstracts object storage operations.
// Implementations are S3 and the local filesystem.
type ObjectStorage interface {
	// Upload copies the local file at localPath to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath to the local file at localPath, creating
	// parent directories as needed.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under prefix in lexical order.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// Type selects a storage backend.
type Type string

const (
	TypeLocal Type = "local"
	TypeS3    Type = "s3"
)

// Config selects and configures a backend.
type Config struct {
	Type Type

	// Path is the base directory for local storage
	Path string

	// Bucket is the S3 bucket
	Bucket string

	S3 S3Config
}

// New creates the backend named by cfg.Type.
func New(ctx context.Context, cfg Config) (ObjectStorage, error) {
	switch cfg.Type {
	case TypeLocal, "":
		return NewLocalStorage(cfg.Path)
	case TypeS3:
		if cfg.Bucket == "" {
			return nil, perrors.NewValidationError(perrors.CodeInvalidConfig, "s3 storage requires a bucket")
		}
		return NewS3Storage(ctx, cfg.Bucket, cfg.S3)
	default:
		return nil, perrors.NewValidationError(perrors.CodeInvalidConfig,
			fmt.Sprintf("unsupported storage type %q (must be local or s3)", cfg.Type))
	}
}

// ObjectKey joins a prefix and a file name into a slash-separated key.
func ObjectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func uploadFailed(objectPath string, err error) error {
	return perrors.NewStorageError(perrors.CodeUploadFailed, fmt.Sprintf("storage: upload of %s failed", objectPath), err)
}

func downloadFailed(objectPath string, err error) error {
	return perrors.NewStorageError(perrors.CodeDownloadFailed, fmt.Sprintf("storage: download of %s failed", objectPath), err)
}

func deleteFailed(objectPath string, err error) error {
	return perrors.NewStorageError(perrors.CodeDeleteFailed, fmt.Sprintf("storage: delete of %s failed", objectPath), err)
}
