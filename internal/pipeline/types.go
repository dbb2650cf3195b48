// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobType identifies one of the closed set of task kinds the scheduler knows
// how to dispatch. Unknown types fail at claim time, they are never retried.
type JobType string

// Registered job types.
const (
	JobTypeCrawlDomain JobType = "crawl_domain"
	JobTypeEnrichLead  JobType = "enrich_lead"
	JobTypePurgeJobs   JobType = "purge_jobs"
)

// Job is the unit of asynchronous work persisted by the job store.
type Job struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	Status       JobStatus       `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// CrawlOptions configures a single crawl session.
type CrawlOptions struct {
	MaxPages      int    `json:"max_pages"`
	RespectRobots bool   `json:"respect_robots"`
	UserAgent     string `json:"user_agent"`
	UseCache      bool   `json:"use_cache"`
}

// ExtractedFields holds the structured facts pulled out of one page.
type ExtractedFields struct {
	Title          string            `json:"title,omitempty"`
	Description    string            `json:"description,omitempty"`
	CanonicalURL   string            `json:"canonical_url,omitempty"`
	StructuredData []json.RawMessage `json:"structured_data,omitempty"`
	Text           string            `json:"text,omitempty"`
	Emails         []string          `json:"emails,omitempty"`
	Phones         []string          `json:"phones,omitempty"`
	SocialLinks    []string          `json:"social_links,omitempty"`
	Links          []string          `json:"links,omitempty"`
}

// PageRecord is produced by one fetch and is immutable afterwards.
type PageRecord struct {
	URL         string          `json:"url"`
	Path        string          `json:"path"`
	StatusCode  int             `json:"status_code"`
	Extracted   ExtractedFields `json:"extracted_fields"`
	FetchedAt   time.Time       `json:"fetched_at"`
	ContentHash string          `json:"content_hash,omitempty"`
	SnapshotURI string          `json:"snapshot_uri,omitempty"`
}

// CrawlResult aggregates one crawl session. Error is set for policy outcomes
// such as a robots.txt disallow; transient page failures never populate it.
type CrawlResult struct {
	Domain     string       `json:"domain"`
	Pages      []PageRecord `json:"pages"`
	TotalPages int          `json:"total_pages"`
	Timestamp  time.Time    `json:"timestamp"`
	Error      string       `json:"error,omitempty"`
}

// RobotsBlockedMessage is the policy error surfaced when robots.txt denies the
// configured user agent for the whole crawl.
const RobotsBlockedMessage = "Blocked by robots.txt"

// ProxyEndpoint is one candidate outbound identity in the egress pool.
type ProxyEndpoint struct {
	Host                string    `json:"host"`
	Port                int       `json:"port"`
	Protocol            string    `json:"protocol"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUsedAt          time.Time `json:"last_used_at"`
}

// URL renders the endpoint as a proxy URL usable by an HTTP transport.
func (p ProxyEndpoint) URL() string {
	proto := p.Protocol
	if proto == "" {
		proto = "http"
	}
	return fmt.Sprintf("%s://%s:%d", proto, p.Host, p.Port)
}

// Key identifies the endpoint within the pool.
func (p ProxyEndpoint) Key() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL       string
	UserAgent string
	Proxy     *ProxyEndpoint
	Timeout   time.Duration
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}
