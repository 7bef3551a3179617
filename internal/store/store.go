package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

// Store is an opaque string blob store. Every persisted collection
// (provider configs, projects, history, profile fields) lives under a
// single key as a JSON blob, so backends only need three operations.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
