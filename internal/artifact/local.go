package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Local keeps artifacts under a base directory.
type Local struct {
	baseDir string
}

var _ Store = (*Local)(nil)

func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "./data"
	}
	return &Local{baseDir: baseDir}
}

func (l *Local) path(key string) (string, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.baseDir, filepath.FromSlash(clean)), nil
}

// Put writes through a temp file and rename so readers never see a partial artifact.
func (l *Local) Put(_ context.Context, key string, body []byte, _ string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return unavailable("create dirs", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return unavailable("create temp file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return unavailable("write file", err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("close file", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return unavailable("rename file", err)
	}
	return nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, unavailable("read file", err)
	}
	return body, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return unavailable("remove file", err)
	}
	return nil
}
