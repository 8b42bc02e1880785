package jobimport

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"testing"
)

func TestBuildUnitQueueFromDSNMemory(t *testing.T) {
	q, err := BuildUnitQueueFromDSN("memory://", QueueOptions{Capacity: 7})
	if err != nil {
		t.Fatalf("build memory queue: %v", err)
	}
	if q.Capacity() != 7 {
		t.Fatalf("expected capacity 7, got %d", q.Capacity())
	}
	empty, err := BuildUnitQueueFromDSN("", QueueOptions{})
	if err != nil || empty == nil {
		t.Fatalf("expected default memory queue, got %v", err)
	}
}

func TestBuildUnitQueueFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.json")
	q, err := BuildUnitQueueFromDSN("file://"+path, QueueOptions{Capacity: 3})
	if err != nil {
		t.Fatalf("build file queue: %v", err)
	}
	defer q.Close()
	if !q.TryEnqueue([]byte(`{}`)) || q.Capacity() != 3 {
		t.Fatalf("unexpected file queue behavior")
	}
}

func TestBuildUnitQueueFromDSNRejectsUnsupportedScheme(t *testing.T) {
	if _, err := BuildUnitQueueFromDSN("redis://localhost:6379", QueueOptions{}); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for redis, got %v", err)
	}
	if _, err := BuildUnitQueueFromDSN("gopher://nowhere", QueueOptions{}); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestBuildStoreFromDSN(t *testing.T) {
	ctx := context.Background()
	mem, err := BuildStoreFromDSN(ctx, "memory://")
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := mem.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", mem)
	}

	path := filepath.Join(t.TempDir(), "nested", "jobs.db")
	sqlite, err := BuildStoreFromDSN(ctx, "sqlite://"+path)
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	defer sqlite.Close()
	if _, ok := sqlite.(*SQLiteStore); !ok {
		t.Fatalf("expected *SQLiteStore, got %T", sqlite)
	}

	if _, err := BuildStoreFromDSN(ctx, "mongodb://localhost/jobs"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for mongodb, got %v", err)
	}
}

func TestDSNPathHandlesRelativeAndAbsolute(t *testing.T) {
	cases := map[string]string{
		"file:///var/lib/q.json":     "/var/lib/q.json",
		"file://data/q.json":         "data/q.json",
		"sqlite://.jobimport/app.db": ".jobimport/app.db",
		"plain/path.json":            "plain/path.json",
	}
	for raw, want := range cases {
		parsed, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		got, err := dsnPath(parsed, raw)
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if got != want {
			t.Fatalf("%s: expected %q, got %q", raw, want, got)
		}
	}
}

func TestRegisterUnitQueueFactory(t *testing.T) {
	scheme := "unitqtestcustom"
	RegisterUnitQueueFactory(scheme, func(dsn string, opts QueueOptions) (UnitQueue, error) {
		return NewInMemoryUnitQueue(opts.Capacity), nil
	})
	q, err := BuildUnitQueueFromDSN(scheme+"://example", QueueOptions{Capacity: 17})
	if err != nil {
		t.Fatalf("build unit queue via registered factory failed: %v", err)
	}
	if q.Capacity() != 17 {
		t.Fatalf("expected queue capacity 17, got %d", q.Capacity())
	}
}

func TestRegisterStoreFactory(t *testing.T) {
	scheme := "storetestcustom"
	want := NewMemoryStore()
	RegisterStoreFactory(scheme, func(dsn string) (Store, error) {
		return want, nil
	})
	got, err := BuildStoreFromDSN(context.Background(), scheme+"://example")
	if err != nil {
		t.Fatalf("build store via registered factory failed: %v", err)
	}
	if got != Store(want) {
		t.Fatalf("expected registered store instance")
	}
}
