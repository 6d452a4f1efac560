// Package blobstore serves large resource payloads that do not fit the
// catalog. Resources whose URI uses the blob:// scheme resolve their body
// through this store.
package blobstore

import (
	"context"
	"strings"

	"github.com/developer-mesh/capability-server/pkg/models"
)

// Object is a stored payload with its media type.
type Object struct {
	Key         string
	ContentType string
	Data        []byte
}

// Store is the blob storage client.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

const uriScheme = "blob://"

// KeyFromURI extracts the object key from a blob:// resource URI.
func KeyFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, uriScheme) {
		return "", models.NewError(models.ErrInvalidArgument, "not a blob URI: %q", uri)
	}
	key := strings.TrimPrefix(uri, uriScheme)
	if key == "" {
		return "", models.NewError(models.ErrInvalidArgument, "blob URI has no key: %q", uri)
	}
	return key, nil
}
