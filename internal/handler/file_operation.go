package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/model"
)

// ErrOutsideBaseDir is returned when a key resolves outside the connector root
var ErrOutsideBaseDir = errors.New("path must be within base directory")

// FilesystemConnector exposes the files below a base directory. Keys are
// slash separated paths relative to that directory.
type FilesystemConnector struct {
	logger  *zap.Logger
	name    string
	baseDir string
}

// NewFilesystemConnector creates a connector rooted at baseDir, creating it if needed
func NewFilesystemConnector(logger *zap.Logger, name, baseDir string) (*FilesystemConnector, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FilesystemConnector{
		logger:  logger.Named("fs-connector"),
		name:    name,
		baseDir: abs,
	}, nil
}

func (c *FilesystemConnector) Name() string {
	return c.name
}

// Read returns the contents of the file at key
func (c *FilesystemConnector) Read(_ context.Context, key string) ([]byte, error) {
	path, err := c.resolve(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", c.name, key, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	c.logger.Debug("Read file", zap.String("path", path), zap.Int("bytes", len(data)))
	return data, nil
}

// Write replaces the file at key, creating parent directories
func (c *FilesystemConnector) Write(_ context.Context, key string, data []byte) error {
	path, err := c.resolve(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	// write to a private sibling and rename so readers never see a partial file
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace file: %w", err)
	}

	c.logger.Debug("Wrote file", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}

func (c *FilesystemConnector) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", model.ErrValidation)
	}

	path := filepath.Join(c.baseDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(c.baseDir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %w: %s", model.ErrValidation, ErrOutsideBaseDir, key)
	}
	return path, nil
}
