package artifact

import (
	"context"
	"fmt"

	"facemoji/internal/config"
)

// Open returns the artifact store selected by cfg.ArtifactDriver.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.ArtifactDriver {
	case "local":
		return NewLocal(cfg.ArtifactDir), nil
	case "s3":
		return NewS3(ctx, S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown artifact driver %q", cfg.ArtifactDriver)
	}
}
