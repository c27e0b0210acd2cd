package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pufkey/internal/config"
)

// New opens the backend selected by cfg.
func New(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := OpenSQLite(cfg.Path, time.Duration(cfg.BusyTimeoutMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "s3":
		s, err := NewS3(ctx, S3Options{
			Bucket:       cfg.S3.Bucket,
			Prefix:       cfg.S3.Prefix,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "none", "":
		return nil, ErrNoBackend
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
