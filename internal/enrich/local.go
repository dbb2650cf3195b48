// Package enrich provides pipeline.Enricher implementations.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IntelagentStudios/prospect-pipeline/internal/pipeline"
)

// LeadProfile is the enrichment output derived from crawl data.
type LeadProfile struct {
	Domain      string   `json:"domain"`
	CompanyName string   `json:"company_name,omitempty"`
	Description string   `json:"description,omitempty"`
	Emails      []string `json:"emails,omitempty"`
	Phones      []string `json:"phones,omitempty"`
	SocialLinks []string `json:"social_links,omitempty"`
}

// Local derives a lead profile from extracted fields without calling any
// external API. It is the default when no provider is configured.
type Local struct{}

// NewLocal returns a Local enricher.
func NewLocal() *Local {
	return &Local{}
}

// Enrich assembles a LeadProfile from the fields already extracted.
func (Local) Enrich(_ context.Context, domain string, fields pipeline.ExtractedFields) (json.RawMessage, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	profile := LeadProfile{
		Domain:      domain,
		CompanyName: companyName(fields.Title),
		Description: fields.Description,
		Emails:      fields.Emails,
		Phones:      fields.Phones,
		SocialLinks: fields.SocialLinks,
	}
	return json.Marshal(profile)
}

// companyName trims common title suffixes like "Acme | Home" down to the
// brand part.
func companyName(title string) string {
	for _, sep := range []string{" | ", " - ", " :: "} {
		if idx := strings.Index(title, sep); idx > 0 {
			return strings.TrimSpace(title[:idx])
		}
	}
	return strings.TrimSpace(title)
}
