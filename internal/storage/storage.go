package storage

import "context"

// ObjectStore persists rendered assets and returns the URL clients read them
// from. Keys are slash-separated paths (books/{id}/cover.png).
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (url string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Name() string
}
