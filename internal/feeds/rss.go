package feeds

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/jobimport/internal/jobimport"
)

const (
	defaultFetchTimeout = 10 * time.Second
	maxFeedBytes        = 16 << 20
	userAgent           = "jobimport/1.0"
)

var ErrFetchFailed = errors.New("feed fetch failed")

// Normalizer fetches one feed and maps its entries to candidates.
type Normalizer interface {
	Fetch(ctx context.Context, feed Feed) ([]jobimport.Candidate, error)
}

type RSSNormalizer struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewRSSNormalizer(timeout time.Duration) *RSSNormalizer {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &RSSNormalizer{Client: &http.Client{}, Timeout: timeout}
}

func (n *RSSNormalizer) Fetch(ctx context.Context, feed Feed) ([]jobimport.Candidate, error) {
	timeout := feed.Timeout
	if timeout <= 0 {
		timeout = n.Timeout
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, feed.Name, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/xml;q=0.9, */*;q=0.5")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, feed.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: status %d", ErrFetchFailed, feed.Name, resp.StatusCode)
	}
	candidates, err := ParseRSS(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, feed.Name, err)
	}
	return candidates, nil
}

type rssDocument struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Fields []rssField `xml:",any"`
}

type rssField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// ParseRSS maps RSS 2.0 items to candidates. Core elements must be
// unqualified; company and location come from any namespace (job:company in
// the Jobicy feeds), with unqualified elements as fallback.
func ParseRSS(r io.Reader) ([]jobimport.Candidate, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		switch strings.ToLower(charset) {
		case "", "utf-8", "utf8", "us-ascii", "ascii":
			return input, nil
		}
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	var doc rssDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode rss: %w", err)
	}
	out := make([]jobimport.Candidate, 0, len(doc.Channel.Items))
	for _, item := range doc.Channel.Items {
		out = append(out, item.candidate())
	}
	return out, nil
}

func (it rssItem) candidate() jobimport.Candidate {
	plain := map[string]string{}
	qualified := map[string]string{}
	for _, f := range it.Fields {
		local := strings.ToLower(f.XMLName.Local)
		value := strings.TrimSpace(f.Value)
		target := plain
		if f.XMLName.Space != "" {
			target = qualified
		}
		if _, seen := target[local]; !seen {
			target[local] = value
		}
	}
	extension := func(name string) string {
		if v := qualified[name]; v != "" {
			return v
		}
		return plain[name]
	}
	return jobimport.Candidate{
		ID:          plain["guid"],
		Title:       plain["title"],
		Company:     extension("company"),
		Location:    extension("location"),
		Description: plain["description"],
		URL:         plain["link"],
		Category:    plain["category"],
	}
}
