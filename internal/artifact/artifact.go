// Package artifact stores input images and rendered results under
// deterministic keys.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"facemoji/internal/models"
)

// ErrNotFound is returned when no artifact exists under a key.
var ErrNotFound = errors.New("artifact not found")

// Store persists opaque blobs by key. Put overwrites, so retried writes of
// the same key leave exactly one artifact.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// InputKey is where a job's submitted image lives.
func InputKey(jobID, ext string) string {
	return fmt.Sprintf("inputs/%s.%s", jobID, ext)
}

// ResultKey is where one attempt's rendered image lives. Attempts never
// share a key.
func ResultKey(jobID string, attempt int, ext string) string {
	return fmt.Sprintf("results/%s-%d.%s", jobID, attempt, ext)
}

func sanitizeKey(key string) (string, error) {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	if key == "" || key == "." || strings.HasPrefix(key, "../") || key == ".." {
		return "", fmt.Errorf("%w: invalid artifact key %q", models.ErrInvalidInput, key)
	}
	return key, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrArtifactUnavailable, err)
}
