package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bobarin/clipsa/internal/models"
	"github.com/google/uuid"
)

// Disk keeps blobs in a local directory: <dir>/<id> holds the bytes and
// <dir>/<id>.json the descriptor. Used for local runs.
type Disk struct {
	dir string
}

type diskDescriptor struct {
	Filename    string   `json:"filename"`
	ContentType string   `json:"contentType"`
	Metadata    Metadata `json:"metadata,omitempty"`
}

func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &Disk{dir: dir}, nil
}

func (d *Disk) Store(ctx context.Context, r io.Reader, filename string, meta Metadata) (string, error) {
	id := uuid.NewString()

	// Write to a temp name first so a partial upload is never fetchable.
	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create blob file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close blob %s: %w", filename, err)
	}

	desc, err := json.Marshal(diskDescriptor{
		Filename:    filename,
		ContentType: ContentTypeFor(filename),
		Metadata:    meta,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal descriptor: %w", err)
	}
	if err := os.WriteFile(d.descriptorPath(id), desc, 0644); err != nil {
		return "", fmt.Errorf("failed to write descriptor: %w", err)
	}
	if err := os.Rename(tmp.Name(), d.blobPath(id)); err != nil {
		os.Remove(d.descriptorPath(id))
		return "", fmt.Errorf("failed to commit blob %s: %w", filename, err)
	}

	return id, nil
}

func (d *Disk) Fetch(ctx context.Context, id string) (*Object, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("blob %s: %w", id, models.ErrNotFound)
	}

	raw, err := os.ReadFile(d.descriptorPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}

	var desc diskDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("failed to decode descriptor: %w", err)
	}

	f, err := os.Open(d.blobPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}

	size := int64(-1)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	return &Object{
		Body:        f,
		Filename:    desc.Filename,
		ContentType: desc.ContentType,
		Size:        size,
	}, nil
}

func (d *Disk) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	for _, p := range []string{d.blobPath(id), d.descriptorPath(id)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete blob %s: %w", id, err)
		}
	}
	return nil
}

func (d *Disk) blobPath(id string) string {
	return filepath.Join(d.dir, id)
}

func (d *Disk) descriptorPath(id string) string {
	return filepath.Join(d.dir, id+".json")
}
