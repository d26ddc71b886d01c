package storage

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/bobarin/clipsa/internal/models"
)

// Metadata is attached to a blob at upload time.
type Metadata map[string]string

// Object is a fetched blob. Callers must close Body.
type Object struct {
	Body        io.ReadCloser
	Filename    string
	ContentType string
	Size        int64 // -1 when unknown
}

// BlobStore stores binary media and hands back a stable id.
type BlobStore interface {
	Store(ctx context.Context, r io.Reader, filename string, meta Metadata) (string, error)
	Fetch(ctx context.Context, id string) (*Object, error)
	Delete(ctx context.Context, id string) error
}

// AssetIndex records where each blob lives, for backends whose object store
// cannot be queried by id alone.
type AssetIndex interface {
	CreateAsset(ctx context.Context, asset *models.Asset) error
	GetAsset(ctx context.Context, id string) (*models.Asset, error)
	DeleteAsset(ctx context.Context, id string) error
}

// ContentTypeFor picks a content type from the file extension.
func ContentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// objectKey is the object path used by every backend.
func objectKey(id string) string {
	return "media/" + id
}
