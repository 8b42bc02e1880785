package feeds

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	c := DefaultCatalog()
	if len(c.Feeds) != 9 {
		t.Fatalf("expected 9 default feeds, got %d", len(c.Feeds))
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("default catalog invalid: %v", err)
	}
	if c.Feeds[8].Name != "HigherEdJobs" {
		t.Fatalf("expected HigherEdJobs last, got %q", c.Feeds[8].Name)
	}
}

func TestParseCatalogReadsFeedsInOrder(t *testing.T) {
	c, err := ParseCatalog([]byte(`
feeds:
  - name: backend
    url: https://jobs.example.com/backend.rss
  - name: frontend
    url: http://jobs.example.com/frontend.rss
    timeout: 3s
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(c.Feeds) != 2 || c.Feeds[0].Name != "backend" || c.Feeds[1].Name != "frontend" {
		t.Fatalf("unexpected feeds %+v", c.Feeds)
	}
	if c.Feeds[1].Timeout != 3*time.Second {
		t.Fatalf("expected 3s timeout, got %s", c.Feeds[1].Timeout)
	}
}

func TestParseCatalogRejectsInvalidEntries(t *testing.T) {
	cases := map[string]string{
		"missing name": "feeds:\n  - url: https://a.example.com/rss\n",
		"duplicate":    "feeds:\n  - name: a\n    url: https://a.example.com/rss\n  - name: a\n    url: https://b.example.com/rss\n",
		"bad scheme":   "feeds:\n  - name: a\n    url: ftp://a.example.com/rss\n",
		"no host":      "feeds:\n  - name: a\n    url: https:///rss\n",
		"not yaml":     "feeds: [",
	}
	for name, doc := range cases {
		if _, err := ParseCatalog([]byte(doc)); !errors.Is(err, ErrInvalidCatalog) {
			t.Fatalf("%s: expected ErrInvalidCatalog, got %v", name, err)
		}
	}
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog("")
	if err != nil || len(c.Feeds) != len(DefaultCatalog().Feeds) {
		t.Fatalf("expected default catalog for empty path, got %d feeds (%v)", len(c.Feeds), err)
	}
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "feeds.yaml")
	if err := os.WriteFile(path, []byte("feeds:\n  - name: only\n    url: https://only.example.com/rss\n"), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	c, err = LoadCatalog(path)
	if err != nil || len(c.Feeds) != 1 || c.Feeds[0].Name != "only" {
		t.Fatalf("unexpected catalog %+v (%v)", c, err)
	}
}

func TestStaticSourceReturnsCopy(t *testing.T) {
	src := StaticSource{{Name: "a", URL: "https://a.example.com"}}
	feeds := src.Feeds()
	feeds[0].Name = "mutated"
	if src.Feeds()[0].Name != "a" {
		t.Fatalf("caller mutation leaked into source")
	}
}
