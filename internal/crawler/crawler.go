// Package crawler implements bounded domain crawls: seeded frontiers, robots
// gating, same-domain link expansion, extraction, and cached session results.
package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/IntelagentStudios/prospect-pipeline/internal/admission"
	"github.com/IntelagentStudios/prospect-pipeline/internal/metrics"
	"github.com/IntelagentStudios/prospect-pipeline/internal/pipeline"
)

// seedPaths are probed on every crawl in addition to discovered links. They
// cover the pages most likely to carry contact and company facts.
var seedPaths = []string{
	"/",
	"/about",
	"/contact",
	"/team",
	"/careers",
	"/blog",
	"/products",
	"/services",
}

// defaultMaxPages bounds a session when the caller does not.
const defaultMaxPages = 25

// Admitter grants permission to dispatch one fetch for a domain.
type Admitter interface {
	RunUnderLimit(ctx context.Context, domain string, task admission.Task) error
}

// EgressPool selects outbound identities and receives fetch outcome reports.
type EgressPool interface {
	Next() *pipeline.ProxyEndpoint
	ReportSuccess(endpoint *pipeline.ProxyEndpoint)
	ReportFailure(endpoint *pipeline.ProxyEndpoint)
}

// Config holds crawler knobs.
type Config struct {
	UserAgent         string
	PageTimeout       time.Duration
	RobotsTimeout     time.Duration
	InterRequestDelay time.Duration
	CacheTTL          time.Duration
	SnapshotPrefix    string
	SnapshotPages     bool
}

// robotsPolicy answers whether a URL may be fetched in this session.
type robotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Crawler executes crawl sessions against one domain at a time.
type Crawler struct {
	cfg       Config
	fetcher   pipeline.Fetcher
	cache     pipeline.Cache
	admitter  Admitter
	egress    EgressPool
	snapshots pipeline.SnapshotStore
	hasher    pipeline.Hasher
	clock     pipeline.Clock
	logger    *zap.Logger
	newRobots func(userAgent string) robotsPolicy
}

// New creates a Crawler. The cache, egress pool, and snapshot store may be
// nil; the corresponding behavior is skipped.
func New(
	cfg Config,
	fetcher pipeline.Fetcher,
	cache pipeline.Cache,
	admitter Admitter,
	egress EgressPool,
	snapshots pipeline.SnapshotStore,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Crawler {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ProspectPipelineBot/1.0"
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	c := &Crawler{
		cfg:       cfg,
		fetcher:   fetcher,
		cache:     cache,
		admitter:  admitter,
		egress:    egress,
		snapshots: snapshots,
		hasher:    hasher,
		clock:     clock,
		logger:    logger,
	}
	c.newRobots = func(userAgent string) robotsPolicy {
		return newRobotsSession(userAgent, c.cfg.RobotsTimeout, c.logger)
	}
	return c
}

// Crawl runs one bounded session against the target domain.
//
// A robots.txt disallow of the site root for the configured user agent ends
// the session before any page fetch; the result carries the policy error and
// an empty page list. Individual page failures are logged and skipped, they
// never fail the session.
func (c *Crawler) Crawl(ctx context.Context, domain string, opts pipeline.CrawlOptions) (pipeline.CrawlResult, error) {
	base, err := baseURLFor(domain)
	if err != nil {
		return pipeline.CrawlResult{}, err
	}
	targetDomain, err := RegistrableDomain(base.Hostname())
	if err != nil {
		return pipeline.CrawlResult{}, err
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = c.cfg.UserAgent
	}

	cacheKey := "crawl:" + targetDomain
	if opts.UseCache && c.cache != nil {
		if cached, err := c.cache.Get(ctx, cacheKey); err == nil {
			var result pipeline.CrawlResult
			if err := json.Unmarshal(cached, &result); err == nil {
				c.logger.Info("serving crawl result from cache", zap.String("domain", targetDomain))
				return result, nil
			}
			c.logger.Warn("discarding undecodable cached crawl result", zap.String("domain", targetDomain), zap.Error(err))
			if err := c.cache.Invalidate(ctx, cacheKey); err != nil {
				c.logger.Warn("cache invalidate failed", zap.String("key", cacheKey), zap.Error(err))
			}
		}
	}

	result := pipeline.CrawlResult{
		Domain: targetDomain,
		Pages:  []pipeline.PageRecord{},
	}

	if opts.RespectRobots {
		robots := c.newRobots(userAgent)
		if !robots.Allowed(ctx, base.String()+"/") {
			c.logger.Info("crawl blocked by robots policy", zap.String("domain", targetDomain))
			metrics.ObservePageFetch(targetDomain, "robots_blocked")
			result.Error = pipeline.RobotsBlockedMessage
			result.Timestamp = c.clock.Now()
			c.storeResult(ctx, cacheKey, result)
			return result, nil
		}
	}

	frontier := make([]string, 0, len(seedPaths))
	enqueued := make(map[string]struct{})
	for _, p := range seedPaths {
		seed, err := NormalizeURL(base.String() + p)
		if err != nil {
			continue
		}
		if _, ok := enqueued[seed]; ok {
			continue
		}
		enqueued[seed] = struct{}{}
		frontier = append(frontier, seed)
	}

	fetched := 0
	for len(frontier) > 0 && fetched < opts.MaxPages {
		if err := ctx.Err(); err != nil {
			return pipeline.CrawlResult{}, fmt.Errorf("crawl canceled: %w", err)
		}

		pageURL := frontier[0]
		frontier = frontier[1:]

		if fetched > 0 && c.cfg.InterRequestDelay > 0 {
			if err := sleepCtx(ctx, c.cfg.InterRequestDelay); err != nil {
				return pipeline.CrawlResult{}, err
			}
		}

		resp, err := c.fetchPage(ctx, targetDomain, userAgent, pageURL)
		fetched++
		if err != nil {
			c.logger.Warn("page fetch failed",
				zap.String("url", pageURL),
				zap.Error(err),
			)
			metrics.ObservePageFetch(targetDomain, "error")
			continue
		}
		// Only a 200 counts as a crawled page. Error and redirect-ish
		// statuses are skipped and their bodies never parsed.
		if resp.StatusCode != http.StatusOK {
			c.logger.Warn("page returned non-200 status",
				zap.String("url", pageURL),
				zap.Int("status", resp.StatusCode),
			)
			metrics.ObservePageFetch(targetDomain, "error")
			continue
		}
		metrics.ObservePageFetch(targetDomain, "ok")

		record, links := c.buildRecord(ctx, targetDomain, pageURL, resp)
		result.Pages = append(result.Pages, record)

		for _, link := range links {
			if _, ok := enqueued[link]; ok {
				continue
			}
			if !sameRegistrableDomain(link, targetDomain) {
				continue
			}
			enqueued[link] = struct{}{}
			frontier = append(frontier, link)
		}
	}

	result.TotalPages = len(result.Pages)
	result.Timestamp = c.clock.Now()
	c.storeResult(ctx, cacheKey, result)
	return result, nil
}

// fetchPage dispatches one fetch under admission control. When the egress
// pool offers an endpoint and the proxied fetch fails, the failure is charged
// to the endpoint and the fetch is retried once via direct egress.
func (c *Crawler) fetchPage(ctx context.Context, domain, userAgent, pageURL string) (pipeline.FetchResponse, error) {
	var resp pipeline.FetchResponse
	err := c.admitter.RunUnderLimit(ctx, domain, func(taskCtx context.Context) error {
		request := pipeline.FetchRequest{
			URL:       pageURL,
			UserAgent: userAgent,
			Timeout:   c.cfg.PageTimeout,
		}
		var endpoint *pipeline.ProxyEndpoint
		if c.egress != nil {
			endpoint = c.egress.Next()
		}
		request.Proxy = endpoint

		var err error
		resp, err = c.fetcher.Fetch(taskCtx, request)
		if err == nil {
			if endpoint != nil {
				c.egress.ReportSuccess(endpoint)
			}
			return nil
		}
		if endpoint == nil {
			return err
		}

		c.egress.ReportFailure(endpoint)
		c.logger.Warn("proxied fetch failed, retrying direct",
			zap.String("url", pageURL),
			zap.String("proxy", endpoint.Key()),
			zap.Error(err),
		)
		request.Proxy = nil
		resp, err = c.fetcher.Fetch(taskCtx, request)
		return err
	})
	if err != nil {
		return pipeline.FetchResponse{}, err
	}
	return resp, nil
}

// buildRecord extracts fields from a fetched page, optionally snapshots the
// raw body, and returns the record plus the in-scope candidate links.
func (c *Crawler) buildRecord(ctx context.Context, domain, pageURL string, resp pipeline.FetchResponse) (pipeline.PageRecord, []string) {
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = pageURL
	}
	record := pipeline.PageRecord{
		URL:        finalURL,
		StatusCode: resp.StatusCode,
		FetchedAt:  c.clock.Now(),
	}
	if parsed, err := url.Parse(finalURL); err == nil {
		record.Path = parsed.Path
		if record.Path == "" {
			record.Path = "/"
		}
	}

	fields, err := ExtractPage(finalURL, resp.Body)
	if err != nil {
		c.logger.Warn("extraction failed", zap.String("url", finalURL), zap.Error(err))
		return record, nil
	}
	record.Extracted = fields

	if c.hasher != nil {
		if digest, err := c.hasher.Hash(resp.Body); err == nil {
			record.ContentHash = digest
		}
	}
	if c.cfg.SnapshotPages && c.snapshots != nil && record.ContentHash != "" {
		objectPath := fmt.Sprintf("%s/%s/%s.html", c.cfg.SnapshotPrefix, domain, record.ContentHash)
		uri, err := c.snapshots.PutObject(ctx, objectPath, "text/html; charset=utf-8", resp.Body)
		if err != nil {
			c.logger.Warn("snapshot write failed", zap.String("url", finalURL), zap.Error(err))
		} else {
			record.SnapshotURI = uri
		}
	}

	return record, fields.Links
}

func (c *Crawler) storeResult(ctx context.Context, key string, result pipeline.CrawlResult) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("marshal crawl result for cache failed", zap.Error(err))
		return
	}
	if err := c.cache.Set(ctx, key, data, c.cfg.CacheTTL); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("crawl canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
