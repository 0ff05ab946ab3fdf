package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// FileStore implements a content store using the local file system.
// Each document is stored in a file named after its CID.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a new file content store using the specified base directory.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch retrieves a document by CID.
// Returns ErrContentNotFound if the file doesn't exist.
func (b *FileStore) Fetch(ctx context.Context, c string) ([]byte, error) {
	filePath, err := b.getFilePath(c)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched content from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Put writes data under its CID. Existing files are left untouched.
func (b *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	c, err := ComputeCID(data)
	if err != nil {
		return "", err
	}

	filePath, err := b.getFilePath(c)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(filePath); err == nil {
		b.log.Debug("Content already stored in file", slog.String("cid", c))
		return c, nil
	}

	// Write to a temporary file first so readers never observe partial content
	tmp, err := os.CreateTemp(b.baseDir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}

	b.log.Debug("Stored content in file",
		slog.String("path", filePath),
		slog.String("cid", c))

	return c, nil
}

// Available checks if the file store is accessible by verifying the base directory exists.
func (b *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File store unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this store.
func (b *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this store.
func (b *FileStore) LocationURI() string {
	return b.locationURI
}

func (b *FileStore) getFilePath(c string) (string, error) {
	canonical, err := ParseCID(c)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.baseDir, canonical), nil
}
