package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Market Wire</title>
    <item>
      <guid>mw-1001</guid>
      <title>Fed holds rates steady</title>
      <link>https://example.com/articles/1001</link>
      <description>&lt;p&gt;The central bank kept rates unchanged.&lt;/p&gt;</description>
      <pubDate>Mon, 15 Jan 2024 09:30:00 -0500</pubDate>
    </item>
    <item>
      <title>No guid, link as identity</title>
      <link>https://example.com/articles/1002</link>
      <pubDate>not a date</pubDate>
    </item>
    <item>
      <title>Dropped: no identity at all</title>
    </item>
  </channel>
</rss>`

const sampleAtom = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Analyst Notes</title>
  <entry>
    <id>urn:note:42</id>
    <title>Tech earnings preview</title>
    <link rel="alternate" href="https://example.com/notes/42"/>
    <summary>Short summary text.</summary>
    <content>Full content wins over summary.</content>
    <updated>2024-01-15T14:00:00Z</updated>
  </entry>
  <entry>
    <title>Identity from link</title>
    <link href="https://example.com/notes/43"/>
    <summary>Summary only.</summary>
  </entry>
</feed>`

func TestParseRSS(t *testing.T) {
	t.Parallel()
	items, err := Parse([]byte(sampleRSS))
	require.NoError(t, err)
	require.Len(t, items, 2, "the identity-less entry must be dropped")

	first := items[0]
	assert.Equal(t, "mw-1001", first.ExternalID)
	assert.Equal(t, "Fed holds rates steady", first.Title)
	assert.Equal(t, "https://example.com/articles/1001", first.Link)
	require.NotNil(t, first.PublishedAt)
	assert.Equal(t, 2024, first.PublishedAt.Year())

	second := items[1]
	assert.Equal(t, "https://example.com/articles/1002", second.ExternalID,
		"guid-less entries fall back to the link")
	assert.Nil(t, second.PublishedAt, "unparseable dates become nil, not an error")
}

func TestParseAtom(t *testing.T) {
	t.Parallel()
	items, err := Parse([]byte(sampleAtom))
	require.NoError(t, err)
	require.Len(t, items, 2)

	first := items[0]
	assert.Equal(t, "urn:note:42", first.ExternalID)
	assert.Equal(t, "Full content wins over summary.", first.Body)
	assert.Equal(t, "https://example.com/notes/42", first.Link)
	require.NotNil(t, first.PublishedAt)

	second := items[1]
	assert.Equal(t, "https://example.com/notes/43", second.ExternalID)
	assert.Equal(t, "Summary only.", second.Body)
}

func TestParseRejectsUnknownDocument(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte(`<html><body>not a feed</body></html>`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized root element")

	_, err = Parse([]byte(`{"not": "xml"}`))
	require.Error(t, err)
}

func TestFetcherSetsUserAgentAndParses(t *testing.T) {
	t.Parallel()
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), 0, "silver-fin-monitor/1.0")
	items, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, "silver-fin-monitor/1.0", gotUA)
}

func TestFetcherRejectsNonOKStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), 0, "")
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 410")
}

func TestFetcherHonorsContextCancel(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := NewFetcher(srv.Client(), 0, "")
	_, err := f.Fetch(ctx, srv.URL)
	require.Error(t, err)
}

func TestStripMarkup(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "hello world", "hello world"},
		{"tags removed", "<p>The <b>quick</b> fox</p>", "The quick fox"},
		{"entities decoded", "S&amp;P 500 &lt;up&gt;", "S&P 500 <up>"},
		{"whitespace collapsed", "a\n\n  b\t c", "a b c"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripMarkup(tc.in))
		})
	}
}

func TestContentHashStableAndDistinct(t *testing.T) {
	t.Parallel()
	a := ContentHash("title", "body")
	assert.Equal(t, a, ContentHash("title", "body"))
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, ContentHash("title", "other"))
	// The separator keeps the title/body boundary unambiguous.
	assert.NotEqual(t, ContentHash("ab", "c"), ContentHash("a", "bc"))
}
