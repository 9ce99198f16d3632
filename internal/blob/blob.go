// Package blob defines the object storage contract the delivery gateway signs
// retrieval URLs against.
package blob

import (
	"context"
	"errors"
	"mime"
	"path"
	"time"
)

var ErrNotFound = errors.New("blob not found")

// Disposition controls how the browser treats the retrieved file.
type Disposition string

const (
	Attachment Disposition = "attachment"
	Inline     Disposition = "inline"
)

// Metadata describes a stored object.
type Metadata struct {
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Store is the external blob store. Implementations return ErrNotFound for
// missing keys and any other error for transient failures.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Metadata(ctx context.Context, key string) (Metadata, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration, disposition Disposition) (string, error)
}

// ContentDisposition renders the header value for key, naming the file after its
// last path segment.
func ContentDisposition(key string, d Disposition) string {
	if d != Inline {
		d = Attachment
	}
	name := path.Base(key)
	if name == "." || name == "/" {
		return string(d)
	}
	return mime.FormatMediaType(string(d), map[string]string{"filename": name})
}
