package feeds

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidCatalog = errors.New("invalid feed catalog")

// Feed is one external source. Name doubles as the source label written to
// every import summary.
type Feed struct {
	Name    string        `yaml:"name" json:"name"`
	URL     string        `yaml:"url" json:"url"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

type Catalog struct {
	Feeds []Feed `yaml:"feeds"`
}

func DefaultCatalog() Catalog {
	const jobicy = "https://jobicy.com/?feed=job_feed"
	return Catalog{Feeds: []Feed{
		{Name: "Jobicy - All", URL: jobicy},
		{Name: "Jobicy - SMM Full-Time", URL: jobicy + "&job_categories=smm&job_types=full-time"},
		{Name: "Jobicy - Seller France", URL: jobicy + "&job_categories=seller&job_types=full-time&search_region=france"},
		{Name: "Jobicy - Design & Multimedia", URL: jobicy + "&job_categories=design-multimedia"},
		{Name: "Jobicy - Data Science", URL: jobicy + "&job_categories=data-science"},
		{Name: "Jobicy - Copywriting", URL: jobicy + "&job_categories=copywriting"},
		{Name: "Jobicy - Business", URL: jobicy + "&job_categories=business"},
		{Name: "Jobicy - Management", URL: jobicy + "&job_categories=management"},
		{Name: "HigherEdJobs", URL: "https://www.higheredjobs.com/rss/articleFeed.cfm"},
	}}
}

// LoadCatalog reads a YAML catalog. An empty path yields DefaultCatalog.
func LoadCatalog(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read feed catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// Validate requires a unique name and an absolute http(s) URL for every feed.
func (c Catalog) Validate() error {
	seen := map[string]bool{}
	for i, f := range c.Feeds {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return fmt.Errorf("%w: feed %d has no name", ErrInvalidCatalog, i)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate feed name %q", ErrInvalidCatalog, name)
		}
		seen[name] = true
		u, err := url.Parse(strings.TrimSpace(f.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: feed %q has invalid url %q", ErrInvalidCatalog, name, f.URL)
		}
		if f.Timeout < 0 {
			return fmt.Errorf("%w: feed %q has negative timeout", ErrInvalidCatalog, name)
		}
	}
	return nil
}

// Source supplies the current feed list to the import trigger.
type Source interface {
	Feeds() []Feed
}

type StaticSource []Feed

func (s StaticSource) Feeds() []Feed {
	return append([]Feed(nil), s...)
}
