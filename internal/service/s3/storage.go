package s3

import (
	"context"
	"io"
)

// Object is a stored dump object.
type Object interface {
	io.ReadCloser
	ContentLength() int64
}

type object struct {
	io.ReadCloser
	contentLength int64
}

func (o *object) ContentLength() int64 {
	return o.contentLength
}

// Storage is the blob-store contract the dump service writes through.
type Storage interface {
	UploadBytes(ctx context.Context, key string, data []byte) error
	GetObject(ctx context.Context, key string) (Object, error)
	DeleteObject(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}
