package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IntelagentStudios/prospect-pipeline/internal/admission"
	"github.com/IntelagentStudios/prospect-pipeline/internal/clock/system"
	"github.com/IntelagentStudios/prospect-pipeline/internal/pipeline"
)

// stubFetcher serves canned bodies keyed by normalized URL and records every
// request it sees.
type stubFetcher struct {
	mu       sync.Mutex
	pages    map[string]string
	requests []pipeline.FetchRequest
	// statuses overrides the 200 served for a known page, mimicking fetchers
	// that report error documents without a transport error.
	statuses map[string]int
	// failProxied makes any request carrying a proxy endpoint fail.
	failProxied bool
}

func (f *stubFetcher) Fetch(_ context.Context, request pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request)
	f.mu.Unlock()

	if f.failProxied && request.Proxy != nil {
		return pipeline.FetchResponse{}, fmt.Errorf("proxy %s refused connection", request.Proxy.Key())
	}
	body, ok := f.pages[request.URL]
	if !ok {
		return pipeline.FetchResponse{}, fmt.Errorf("fetch %s: status 404", request.URL)
	}
	status := 200
	if s, ok := f.statuses[request.URL]; ok {
		status = s
	}
	return pipeline.FetchResponse{
		URL:        request.URL,
		StatusCode: status,
		Body:       []byte(body),
	}, nil
}

func (f *stubFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type stubCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newStubCache() *stubCache {
	return &stubCache{entries: make(map[string][]byte)}
}

func (c *stubCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, pipeline.ErrCacheMiss
	}
	return v, nil
}

func (c *stubCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *stubCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *stubCache) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]byte)
	return nil
}

type denyAllRobots struct{}

func (denyAllRobots) Allowed(context.Context, string) bool { return false }

type stubEgress struct {
	mu        sync.Mutex
	endpoint  pipeline.ProxyEndpoint
	failures  int
	successes int
}

func (e *stubEgress) Next() *pipeline.ProxyEndpoint {
	out := e.endpoint
	return &out
}

func (e *stubEgress) ReportSuccess(*pipeline.ProxyEndpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.successes++
}

func (e *stubEgress) ReportFailure(*pipeline.ProxyEndpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures++
}

func newTestCrawler(t *testing.T, fetcher pipeline.Fetcher, cache pipeline.Cache, egress EgressPool) *Crawler {
	t.Helper()
	admitter := admission.New(admission.Config{MaxConcurrent: 4}, system.New(), zap.NewNop())
	return New(Config{UserAgent: "test-bot"}, fetcher, cache, admitter, egress, nil, nil, system.New(), zap.NewNop())
}

func TestCrawlExpandsSameDomainLinksOnly(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.com/": `<html><head><title>Home</title></head><body>
			<a href="/pricing">Pricing</a>
			<a href="/pricing#plans">Pricing again</a>
			<a href="https://other.org/partner">Partner</a>
		</body></html>`,
		"https://example.com/pricing": `<html><head><title>Pricing</title></head><body></body></html>`,
	}}

	c := newTestCrawler(t, fetcher, nil, nil)
	result, err := c.Crawl(context.Background(), "example.com", pipeline.CrawlOptions{MaxPages: 20})
	require.NoError(t, err)
	require.Equal(t, "example.com", result.Domain)
	require.Empty(t, result.Error)

	// Seeds plus the one discovered in-scope page; the fragment duplicate
	// and the cross-domain link never enter the frontier.
	require.Equal(t, len(seedPaths)+1, fetcher.count())
	for _, req := range fetcher.requests {
		require.NotContains(t, req.URL, "other.org")
	}
	require.Equal(t, 2, result.TotalPages)
	require.Len(t, result.Pages, 2)
}

func TestCrawlRespectsMaxPages(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.com/":      `<html><body><a href="/a">a</a><a href="/b">b</a></body></html>`,
		"https://example.com/about": `<html><body></body></html>`,
	}}

	c := newTestCrawler(t, fetcher, nil, nil)
	result, err := c.Crawl(context.Background(), "example.com", pipeline.CrawlOptions{MaxPages: 2})
	require.NoError(t, err)
	require.Equal(t, 2, fetcher.count())
	require.Equal(t, 2, result.TotalPages)
}

func TestCrawlBlockedByRobotsFetchesNothing(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]string{}}
	c := newTestCrawler(t, fetcher, nil, nil)
	c.newRobots = func(string) robotsPolicy { return denyAllRobots{} }

	result, err := c.Crawl(context.Background(), "example.com", pipeline.CrawlOptions{
		MaxPages:      10,
		RespectRobots: true,
	})
	require.NoError(t, err)
	require.Equal(t, pipeline.RobotsBlockedMessage, result.Error)
	require.Empty(t, result.Pages)
	require.Zero(t, result.TotalPages)
	require.Zero(t, fetcher.count(), "a robots disallow must precede any page fetch")
}

func TestCrawlServesFromCache(t *testing.T) {
	t.Parallel()

	cached := pipeline.CrawlResult{
		Domain:     "example.com",
		TotalPages: 3,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(cached)
	require.NoError(t, err)

	cache := newStubCache()
	require.NoError(t, cache.Set(context.Background(), "crawl:example.com", data, time.Hour))

	fetcher := &stubFetcher{pages: map[string]string{}}
	c := newTestCrawler(t, fetcher, cache, nil)

	result, err := c.Crawl(context.Background(), "example.com", pipeline.CrawlOptions{UseCache: true})
	require.NoError(t, err)
	require.Equal(t, 3, result.TotalPages)
	require.Zero(t, fetcher.count())
}

func TestCrawlStoresResultInCache(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.com/": `<html><head><title>Home</title></head><body></body></html>`,
	}}
	cache := newStubCache()
	c := newTestCrawler(t, fetcher, cache, nil)

	_, err := c.Crawl(context.Background(), "example.com", pipeline.CrawlOptions{MaxPages: 3})
	require.NoError(t, err)

	data, err := cache.Get(context.Background(), "crawl:example.com")
	require.NoError(t, err)

	var stored pipeline.CrawlResult
	require.NoError(t, json.Unmarshal(data, &stored))
	require.Equal(t, "example.com", stored.Domain)
	require.Equal(t, 1, stored.TotalPages)
}

func TestCrawlProxyFailureRetriesDirect(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{
		pages: map[string]string{
			"https://example.com/": `<html><head><title>Home</title></head><body></body></html>`,
		},
		failProxied: true,
	}
	egress := &stubEgress{endpoint: pipeline.ProxyEndpoint{Host: "10.0.0.1", Port: 8080}}
	c := newTestCrawler(t, fetcher, nil, egress)

	result, err := c.Crawl(context.Background(), "example.com", pipeline.CrawlOptions{MaxPages: 1})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalPages)
	require.Equal(t, 1, egress.failures)
	require.Zero(t, egress.successes)
}

func TestCrawlSkipsFailedPages(t *testing.T) {
	t.Parallel()

	// Only the root resolves; every other seed 404s and is skipped.
	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.com/": `<html><head><title>Home</title></head><body></body></html>`,
	}}
	c := newTestCrawler(t, fetcher, nil, nil)

	result, err := c.Crawl(context.Background(), "example.com", pipeline.CrawlOptions{MaxPages: 20})
	require.NoError(t, err)
	require.Empty(t, result.Error, "page failures are not session failures")
	require.Equal(t, 1, result.TotalPages)
	require.Equal(t, len(seedPaths), fetcher.count())
}

func TestCrawlSkipsNon200Responses(t *testing.T) {
	t.Parallel()

	// The rendered fetcher reports error documents with a status and no
	// transport error; those pages must not be recorded or expanded.
	fetcher := &stubFetcher{
		pages: map[string]string{
			"https://example.com/":     `<html><head><title>Home</title></head><body><a href="/gone">gone</a></body></html>`,
			"https://example.com/gone": `<html><body><a href="/ghost">ghost</a></body></html>`,
		},
		statuses: map[string]int{"https://example.com/gone": 404},
	}
	c := newTestCrawler(t, fetcher, nil, nil)

	result, err := c.Crawl(context.Background(), "example.com", pipeline.CrawlOptions{MaxPages: 20})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalPages)
	for _, page := range result.Pages {
		require.Equal(t, 200, page.StatusCode)
	}
	for _, req := range fetcher.requests {
		require.NotContains(t, req.URL, "ghost", "links from an error page must not enter the frontier")
	}
}

func TestCrawlRejectsBadDomain(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]string{}}
	c := newTestCrawler(t, fetcher, nil, nil)

	_, err := c.Crawl(context.Background(), "not a domain", pipeline.CrawlOptions{})
	require.Error(t, err)
}
