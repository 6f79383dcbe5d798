package provider

import (
	"context"
	"io"
)

// Optional provider capability interfaces.
//
// These interfaces are used for feature detection (type assertions). The core
// Provider interface remains intentionally small.

// ObjectGetter can download objects as a stream.
//
// The sync coordinator uses this to stage corpus sources and configs onto
// the processing host.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// ObjectPutter can create/overwrite objects.
//
// The sync coordinator uses this to push finished exports back to storage.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// ObjectDeleter can delete objects.
//
// Used when a resource is removed and its storage-side files are pruned.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}
