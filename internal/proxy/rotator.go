// Package proxy implements the egress rotator: a pool of outbound proxy
// endpoints with health checks, failure attribution, and round-robin
// selection. A nil endpoint from Next means "use direct egress".
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IntelagentStudios/prospect-pipeline/internal/metrics"
	"github.com/IntelagentStudios/prospect-pipeline/internal/pipeline"
)

// Config holds rotator knobs.
type Config struct {
	Enabled            bool
	Endpoints          []string
	MaxFailures        int
	HealthCheckURL     string
	HealthCheckTimeout time.Duration
}

// Rotator supplies outbound network identities for fetches.
type Rotator struct {
	cfg    Config
	clock  pipeline.Clock
	logger *zap.Logger

	mu       sync.Mutex
	pool     []pipeline.ProxyEndpoint
	index    int
	disabled bool
}

// New creates a Rotator. Call Initialize before Next.
func New(cfg Config, clock pipeline.Clock, logger *zap.Logger) *Rotator {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 5 * time.Second
	}
	return &Rotator{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

// Initialize populates the pool from the configured candidates, keeping only
// those that pass a health check against the probe URL within the timeout.
func (r *Rotator) Initialize(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.mu.Lock()
		r.disabled = true
		r.mu.Unlock()
		return nil
	}

	var healthy []pipeline.ProxyEndpoint
	for _, raw := range r.cfg.Endpoints {
		endpoint, err := parseEndpoint(raw)
		if err != nil {
			r.logger.Warn("skipping malformed proxy endpoint", zap.String("endpoint", raw), zap.Error(err))
			continue
		}
		if err := r.healthCheck(ctx, endpoint); err != nil {
			r.logger.Info("proxy endpoint failed health check",
				zap.String("endpoint", endpoint.Key()),
				zap.Error(err),
			)
			continue
		}
		healthy = append(healthy, endpoint)
	}

	r.mu.Lock()
	r.pool = healthy
	r.index = 0
	r.disabled = len(healthy) == 0
	r.mu.Unlock()

	metrics.SetProxyPoolSize(len(healthy))
	r.logger.Info("proxy pool initialized",
		zap.Int("candidates", len(r.cfg.Endpoints)),
		zap.Int("healthy", len(healthy)),
	)
	return nil
}

// Next returns the next eligible endpoint in round-robin order, skipping any
// at or above the failure threshold. Nil means use direct egress.
func (r *Rotator) Next() *pipeline.ProxyEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled || len(r.pool) == 0 {
		return nil
	}
	for i := 0; i < len(r.pool); i++ {
		candidate := &r.pool[r.index]
		r.index = (r.index + 1) % len(r.pool)
		if candidate.ConsecutiveFailures >= r.cfg.MaxFailures {
			continue
		}
		candidate.LastUsedAt = r.clock.Now()
		out := *candidate
		return &out
	}
	return nil
}

// ReportSuccess resets the endpoint's failure counter.
func (r *Rotator) ReportSuccess(endpoint *pipeline.ProxyEndpoint) {
	if endpoint == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pool {
		if r.pool[i].Key() == endpoint.Key() {
			r.pool[i].ConsecutiveFailures = 0
			return
		}
	}
}

// ReportFailure increments the endpoint's failure counter and removes it from
// the pool once it crosses the threshold. An empty pool disables the rotator;
// all subsequent Next calls return nil.
func (r *Rotator) ReportFailure(endpoint *pipeline.ProxyEndpoint) {
	if endpoint == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pool {
		if r.pool[i].Key() != endpoint.Key() {
			continue
		}
		r.pool[i].ConsecutiveFailures++
		if r.pool[i].ConsecutiveFailures >= r.cfg.MaxFailures {
			r.logger.Warn("removing proxy endpoint after repeated failures",
				zap.String("endpoint", endpoint.Key()),
				zap.Int("failures", r.pool[i].ConsecutiveFailures),
			)
			r.pool = append(r.pool[:i], r.pool[i+1:]...)
			if r.index >= len(r.pool) {
				r.index = 0
			}
			if len(r.pool) == 0 {
				r.disabled = true
				r.logger.Warn("proxy pool exhausted, falling back to direct egress")
			}
			metrics.SetProxyPoolSize(len(r.pool))
		}
		return
	}
}

// PoolSize reports the number of endpoints currently in the pool.
func (r *Rotator) PoolSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pool)
}

// Refresh clears state and re-runs Initialize, restoring endpoints that were
// previously retired.
func (r *Rotator) Refresh(ctx context.Context) error {
	r.mu.Lock()
	r.pool = nil
	r.index = 0
	r.disabled = false
	r.mu.Unlock()
	return r.Initialize(ctx)
}

func (r *Rotator) healthCheck(ctx context.Context, endpoint pipeline.ProxyEndpoint) error {
	proxyURL, err := url.Parse(endpoint.URL())
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}
	client := &http.Client{
		Timeout:   r.cfg.HealthCheckTimeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.HealthCheckURL, nil)
	if err != nil {
		return fmt.Errorf("new health check request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check fetch: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("close health check body failed", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("health check status %d", resp.StatusCode)
	}
	return nil
}

func parseEndpoint(raw string) (pipeline.ProxyEndpoint, error) {
	protocol := "http"
	rest := raw
	if idx := strings.Index(raw, "://"); idx >= 0 {
		protocol = raw[:idx]
		rest = raw[idx+3:]
	}
	host, portStr, found := strings.Cut(rest, ":")
	if !found || host == "" {
		return pipeline.ProxyEndpoint{}, fmt.Errorf("endpoint %q must be host:port", raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return pipeline.ProxyEndpoint{}, fmt.Errorf("endpoint %q has invalid port", raw)
	}
	return pipeline.ProxyEndpoint{Host: host, Port: port, Protocol: protocol}, nil
}
