package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bcbs239/riskcalc/internal/domain"
)

// LocalStorage stores blobs under a base directory on the local filesystem.
// URIs use the file:// form. Used in development and tests; the production
// profile uses S3.
type LocalStorage struct {
	baseDir string
	log     zerolog.Logger
}

// NewLocalStorage creates filesystem-backed blob storage rooted at baseDir.
func NewLocalStorage(baseDir string, log zerolog.Logger) (*LocalStorage, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{
		baseDir: abs,
		log:     log.With().Str("storage", "local").Logger(),
	}, nil
}

// Retrieve reads a blob by file:// URI or plain path.
func (l *LocalStorage) Retrieve(_ context.Context, uri string) ([]byte, error) {
	path := strings.TrimPrefix(uri, "file://")

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.WrapError(domain.CodeNotFound, domain.SystemError,
				fmt.Sprintf("file not found: %s", uri), err)
		}
		return nil, domain.WrapError(domain.CodeIOError, domain.SystemError,
			fmt.Sprintf("failed to read %s", uri), err)
	}

	l.log.Debug().Str("uri", uri).Int("bytes", len(content)).Msg("Read blob")
	return content, nil
}

// Store writes content under the base directory and returns its file:// URI.
func (l *LocalStorage) Store(_ context.Context, key string, content []byte) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", domain.WrapError(domain.CodeStorageError, domain.SystemError,
			fmt.Sprintf("failed to create directory for %s", key), err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", domain.WrapError(domain.CodeStorageError, domain.SystemError,
			fmt.Sprintf("failed to write %s", key), err)
	}

	uri := "file://" + path
	l.log.Info().Str("uri", uri).Int("bytes", len(content)).Msg("Stored blob")
	return uri, nil
}
