package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/IntelagentStudios/prospect-pipeline/internal/pipeline"
)

// maxTextBytes bounds the plain-text excerpt kept per page.
const maxTextBytes = 10000

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{6,14}\d`)
	spacePattern = regexp.MustCompile(`\s+`)
)

var socialHosts = []string{
	"linkedin.com",
	"twitter.com",
	"x.com",
	"facebook.com",
	"instagram.com",
	"github.com",
	"youtube.com",
}

// ExtractPage parses an HTML body and pulls out metadata, structured-data
// blocks, visible text, contact identifiers, and outbound links. Malformed
// pieces (bad JSON-LD, unparseable hrefs) are skipped silently; they never
// fail the page.
func ExtractPage(pageURL string, body []byte) (pipeline.ExtractedFields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return pipeline.ExtractedFields{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return pipeline.ExtractedFields{}, fmt.Errorf("parse page url: %w", err)
	}

	fields := pipeline.ExtractedFields{
		Title:        strings.TrimSpace(doc.Find("title").First().Text()),
		Description:  metaContent(doc, "description"),
		CanonicalURL: canonicalURL(doc, base),
	}
	if fields.Description == "" {
		fields.Description = metaProperty(doc, "og:description")
	}

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if raw == "" || !json.Valid([]byte(raw)) {
			return
		}
		fields.StructuredData = append(fields.StructuredData, json.RawMessage(raw))
	})

	text := visibleText(doc)
	fields.Text = text

	fields.Links, fields.SocialLinks = collectLinks(doc, base)
	fields.Emails = dedupe(append(emailPattern.FindAllString(text, -1), mailtoAddresses(doc)...))
	fields.Phones = dedupe(phonePattern.FindAllString(text, -1))

	return fields, nil
}

func metaContent(doc *goquery.Document, name string) string {
	content, _ := doc.Find(fmt.Sprintf(`meta[name=%q]`, name)).First().Attr("content")
	return strings.TrimSpace(content)
}

func metaProperty(doc *goquery.Document, property string) string {
	content, _ := doc.Find(fmt.Sprintf(`meta[property=%q]`, property)).First().Attr("content")
	return strings.TrimSpace(content)
}

func canonicalURL(doc *goquery.Document, base *url.URL) string {
	href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href")
	if !ok {
		return ""
	}
	resolved, err := resolveHref(base, href)
	if err != nil {
		return ""
	}
	return resolved
}

func visibleText(doc *goquery.Document) string {
	clone := doc.Selection.Clone()
	clone.Find("script, style, noscript").Remove()
	text := spacePattern.ReplaceAllString(clone.Text(), " ")
	text = strings.TrimSpace(text)
	if len(text) > maxTextBytes {
		// Back up to a rune boundary so the excerpt stays valid UTF-8.
		cut := maxTextBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

func collectLinks(doc *goquery.Document, base *url.URL) (links, social []string) {
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
			return
		}
		resolved, err := resolveHref(base, href)
		if err != nil {
			return
		}
		if _, ok := seen[resolved]; ok {
			return
		}
		seen[resolved] = struct{}{}
		if isSocialLink(resolved) {
			social = append(social, resolved)
			return
		}
		links = append(links, resolved)
	})
	return links, social
}

func resolveHref(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", resolved.Scheme)
	}
	return NormalizeURL(resolved.String())
}

func isSocialLink(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, social := range socialHosts {
		if host == social || strings.HasSuffix(host, "."+social) {
			return true
		}
	}
	return false
}

func mailtoAddresses(doc *goquery.Document) []string {
	var out []string
	doc.Find(`a[href^="mailto:"]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		addr := strings.TrimPrefix(href, "mailto:")
		if idx := strings.Index(addr, "?"); idx >= 0 {
			addr = addr[:idx]
		}
		addr = strings.TrimSpace(addr)
		if emailPattern.MatchString(addr) {
			out = append(out, addr)
		}
	})
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
