// Package feed fetches RSS/Atom feeds for monitored sources and turns new
// entries into content-process jobs.
//
// The fetcher is deliberately dumb: it pulls the document, extracts items,
// and leaves enrichment to the content-process handler. Outbound requests
// share one rate limiter per process so a burst of due sources cannot
// hammer publishers.
package feed

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// maxBodyBytes caps the feed document size read into memory.
const maxBodyBytes = 10 << 20

// Item is one normalized feed entry.
type Item struct {
	ExternalID  string
	Title       string
	Body        string
	Link        string
	PublishedAt *time.Time
}

// Fetcher pulls and parses feed documents.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// NewFetcher creates a Fetcher. A nil client uses a 30s-timeout default;
// requestsPerSecond <= 0 disables rate limiting.
func NewFetcher(client *http.Client, requestsPerSecond float64, userAgent string) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Fetcher{
		client:    client,
		limiter:   rate.NewLimiter(limit, 1),
		userAgent: userAgent,
	}
}

// Fetch retrieves and parses the feed at url. Both RSS 2.0 and Atom
// documents are handled.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]Item, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("fetch %s: rate limiter: %w", url, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", url, err)
	}
	items, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return items, nil
}

// rssDoc and atomDoc cover the two wire formats the monitored sources use.
type rssDoc struct {
	Channel struct {
		Items []struct {
			GUID        string `xml:"guid"`
			Title       string `xml:"title"`
			Link        string `xml:"link"`
			Description string `xml:"description"`
			PubDate     string `xml:"pubDate"`
		} `xml:"item"`
	} `xml:"channel"`
}

type atomDoc struct {
	Entries []struct {
		ID      string `xml:"id"`
		Title   string `xml:"title"`
		Summary string `xml:"summary"`
		Content string `xml:"content"`
		Updated string `xml:"updated"`
		Links   []struct {
			Rel  string `xml:"rel,attr"`
			Href string `xml:"href,attr"`
		} `xml:"link"`
	} `xml:"entry"`
}

// Parse decodes an RSS or Atom document into items. Entries without any
// usable identity (no guid/id and no link) are dropped.
func Parse(data []byte) ([]Item, error) {
	var root struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	switch root.XMLName.Local {
	case "rss", "RDF":
		var doc rssDoc
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse rss: %w", err)
		}
		items := make([]Item, 0, len(doc.Channel.Items))
		for _, it := range doc.Channel.Items {
			id := strings.TrimSpace(it.GUID)
			if id == "" {
				id = strings.TrimSpace(it.Link)
			}
			if id == "" {
				continue
			}
			items = append(items, Item{
				ExternalID:  id,
				Title:       strings.TrimSpace(it.Title),
				Body:        it.Description,
				Link:        strings.TrimSpace(it.Link),
				PublishedAt: parseTime(it.PubDate),
			})
		}
		return items, nil
	case "feed":
		var doc atomDoc
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse atom: %w", err)
		}
		items := make([]Item, 0, len(doc.Entries))
		for _, e := range doc.Entries {
			link := ""
			for _, l := range e.Links {
				if l.Rel == "" || l.Rel == "alternate" {
					link = l.Href
					break
				}
			}
			id := strings.TrimSpace(e.ID)
			if id == "" {
				id = strings.TrimSpace(link)
			}
			if id == "" {
				continue
			}
			body := e.Content
			if body == "" {
				body = e.Summary
			}
			items = append(items, Item{
				ExternalID:  id,
				Title:       strings.TrimSpace(e.Title),
				Body:        body,
				Link:        strings.TrimSpace(link),
				PublishedAt: parseTime(e.Updated),
			})
		}
		return items, nil
	default:
		return nil, fmt.Errorf("parse feed: unrecognized root element %q", root.XMLName.Local)
	}
}

// parseTime tries the timestamp layouts seen across real-world feeds.
func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{
		time.RFC1123Z,
		time.RFC1123,
		time.RFC3339,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"2006-01-02T15:04:05Z",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
