// Package handlers binds job types to the subsystems that execute them.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/IntelagentStudios/prospect-pipeline/internal/pipeline"
)

// DomainCrawler runs one crawl session. Implemented by crawler.Crawler.
type DomainCrawler interface {
	Crawl(ctx context.Context, domain string, opts pipeline.CrawlOptions) (pipeline.CrawlResult, error)
}

// JobPurger removes terminal jobs past a cutoff. Implemented by the job store.
type JobPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// CrawlDefaults carries fallback values for crawl payload fields.
type CrawlDefaults struct {
	MaxPages      int
	RespectRobots bool
	UseCache      bool
	UserAgent     string
}

// CrawlPayload is the payload of a crawl_domain job. Pointer fields
// distinguish "omitted" from "explicitly false".
type CrawlPayload struct {
	Domain        string `json:"domain"`
	MaxPages      int    `json:"max_pages,omitempty"`
	RespectRobots *bool  `json:"respect_robots,omitempty"`
	UseCache      *bool  `json:"use_cache,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
}

// CrawlDomain returns the handler for crawl_domain jobs. The crawl result is
// stored as the job result even when it carries a policy error such as a
// robots.txt disallow; policy outcomes complete the job and are not retried.
func CrawlDomain(crawler DomainCrawler, defaults CrawlDefaults, logger *zap.Logger) func(ctx context.Context, job pipeline.Job) (json.RawMessage, error) {
	return func(ctx context.Context, job pipeline.Job) (json.RawMessage, error) {
		var payload CrawlPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode crawl payload: %w", err)
		}
		if payload.Domain == "" {
			return nil, fmt.Errorf("crawl payload requires a domain")
		}

		opts := pipeline.CrawlOptions{
			MaxPages:      payload.MaxPages,
			RespectRobots: defaults.RespectRobots,
			UseCache:      defaults.UseCache,
			UserAgent:     payload.UserAgent,
		}
		if opts.MaxPages <= 0 {
			opts.MaxPages = defaults.MaxPages
		}
		if opts.UserAgent == "" {
			opts.UserAgent = defaults.UserAgent
		}
		if payload.RespectRobots != nil {
			opts.RespectRobots = *payload.RespectRobots
		}
		if payload.UseCache != nil {
			opts.UseCache = *payload.UseCache
		}

		result, err := crawler.Crawl(ctx, payload.Domain, opts)
		if err != nil {
			return nil, fmt.Errorf("crawl %s: %w", payload.Domain, err)
		}
		if result.Error != "" {
			logger.Info("crawl ended on policy outcome",
				zap.String("domain", result.Domain),
				zap.String("outcome", result.Error),
			)
		}
		return json.Marshal(result)
	}
}

// EnrichPayload is the payload of an enrich_lead job.
type EnrichPayload struct {
	Domain string                   `json:"domain"`
	Fields pipeline.ExtractedFields `json:"extracted_fields"`
}

// EnrichLead returns the handler for enrich_lead jobs.
func EnrichLead(enricher pipeline.Enricher) func(ctx context.Context, job pipeline.Job) (json.RawMessage, error) {
	return func(ctx context.Context, job pipeline.Job) (json.RawMessage, error) {
		var payload EnrichPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode enrich payload: %w", err)
		}
		if payload.Domain == "" {
			return nil, fmt.Errorf("enrich payload requires a domain")
		}
		result, err := enricher.Enrich(ctx, payload.Domain, payload.Fields)
		if err != nil {
			return nil, fmt.Errorf("enrich %s: %w", payload.Domain, err)
		}
		return result, nil
	}
}

// PurgePayload is the payload of a purge_jobs job. A zero RetentionDays uses
// the configured default.
type PurgePayload struct {
	RetentionDays int `json:"retention_days,omitempty"`
}

// PurgeJobs returns the handler for purge_jobs housekeeping jobs.
func PurgeJobs(purger JobPurger, defaultRetention time.Duration, clock pipeline.Clock, logger *zap.Logger) func(ctx context.Context, job pipeline.Job) (json.RawMessage, error) {
	return func(ctx context.Context, job pipeline.Job) (json.RawMessage, error) {
		var payload PurgePayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return nil, fmt.Errorf("decode purge payload: %w", err)
			}
		}
		retention := defaultRetention
		if payload.RetentionDays > 0 {
			retention = time.Duration(payload.RetentionDays) * 24 * time.Hour
		}

		cutoff := clock.Now().Add(-retention)
		removed, err := purger.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("purge jobs: %w", err)
		}
		logger.Info("purged terminal jobs",
			zap.Int("removed", removed),
			zap.Time("cutoff", cutoff),
		)
		return json.Marshal(map[string]int{"removed": removed})
	}
}
