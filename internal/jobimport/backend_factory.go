package jobimport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type QueueOptions struct {
	Capacity   int
	Visibility time.Duration
}

// BuildUnitQueueFromDSN picks a queue backend by DSN scheme. An empty DSN
// yields an in-memory queue.
func BuildUnitQueueFromDSN(dsn string, opts QueueOptions) (UnitQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryUnitQueue(opts.Capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupUnitQueueFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileUnitQueue(path, opts.Capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryUnitQueue(opts.Capacity), nil
	case "postgres", "postgresql":
		return NewPostgresUnitQueue(dsn, opts.Capacity, opts.Visibility)
	case "redis", "rediss", "amqp", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: unit queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported unit queue scheme: %s", scheme)
	}
}

// BuildStoreFromDSN picks the record and summary backend by DSN scheme. An
// empty DSN yields an in-memory store.
func BuildStoreFromDSN(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "", "file", "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		store, err := NewSQLiteStore(ctx, path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres", "postgresql":
		store, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "mongodb", "mysql":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" && path != "" {
		// file://relative/dir/queue.json
		return host + path, nil
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
