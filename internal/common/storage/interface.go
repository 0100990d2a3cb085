package storage

import (
	"context"
	"io"
)

// ObjectReader is a readable object stream.
type ObjectReader io.ReadCloser

// ObjectStat describes a stored object.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// ObjectInfo is one entry of a listing.
type ObjectInfo struct {
	Key       string
	SizeBytes int64
	Err       error
}

// ObjectStorage is the object store surface the worker needs: artifact and
// log uploads, retrieval for verification, and housekeeping.
type ObjectStorage interface {
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
	ListObjects(ctx context.Context, bucket, prefix string) <-chan ObjectInfo
	RemoveObjects(ctx context.Context, bucket string, keys []string) error
}
