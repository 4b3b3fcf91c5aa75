package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"athena-grader/internal/config"
)

var ErrObjectNotFound = errors.New("object not found")

type Storage interface {
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Upload(ctx context.Context, key string, data io.ReadSeeker) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the keys under prefix, relative to it.
	List(ctx context.Context, prefix string) ([]string, error)
}

func New(cfg *config.Config) (Storage, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverS3:
		return NewS3Storage(cfg)
	case config.StorageDriverLocal:
		return NewLocalStorage(cfg.Storage.Local.Root)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
