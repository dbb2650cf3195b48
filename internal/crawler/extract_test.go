package crawler

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
	<title>  Acme Widgets  </title>
	<meta name="description" content="Industrial widgets since 1987.">
	<link rel="canonical" href="https://acme.example.com/widgets">
	<script type="application/ld+json">{"@type":"Organization","name":"Acme"}</script>
	<script type="application/ld+json">{not json at all</script>
	<style>body { color: red; }</style>
</head>
<body>
	<script>console.log("hidden");</script>
	<h1>Acme Widgets</h1>
	<p>Call us at +1 (555) 010-2030 or write to sales@acme.example.com.</p>
	<a href="/about">About</a>
	<a href="mailto:support@acme.example.com?subject=hi">Support</a>
	<a href="tel:+15550102030">Phone</a>
	<a href="https://www.linkedin.com/company/acme">LinkedIn</a>
	<a href="https://acme.example.com/about">About again</a>
	<a href="javascript:void(0)">noop</a>
</body>
</html>`

func TestExtractPage(t *testing.T) {
	t.Parallel()

	fields, err := ExtractPage("https://acme.example.com/", []byte(samplePage))
	require.NoError(t, err)

	require.Equal(t, "Acme Widgets", fields.Title)
	require.Equal(t, "Industrial widgets since 1987.", fields.Description)
	require.Equal(t, "https://acme.example.com/widgets", fields.CanonicalURL)

	// The malformed JSON-LD block is skipped without failing the page.
	require.Len(t, fields.StructuredData, 1)
	require.Contains(t, string(fields.StructuredData[0]), `"Organization"`)

	require.Contains(t, fields.Text, "Acme Widgets")
	require.NotContains(t, fields.Text, "console.log")
	require.NotContains(t, fields.Text, "color: red")

	require.ElementsMatch(t, []string{"sales@acme.example.com", "support@acme.example.com"}, fields.Emails)
	require.NotEmpty(t, fields.Phones)

	require.Equal(t, []string{"https://www.linkedin.com/company/acme"}, fields.SocialLinks)

	// Relative and absolute forms of the same link collapse to one entry;
	// mailto, tel, and javascript hrefs never appear.
	require.Equal(t, []string{"https://acme.example.com/about"}, fields.Links)
}

func TestExtractPageFallsBackToOpenGraphDescription(t *testing.T) {
	t.Parallel()

	page := `<html><head>
		<meta property="og:description" content="From the social card.">
	</head><body></body></html>`

	fields, err := ExtractPage("https://example.com/", []byte(page))
	require.NoError(t, err)
	require.Equal(t, "From the social card.", fields.Description)
}

func TestExtractPageEmptyBody(t *testing.T) {
	t.Parallel()

	fields, err := ExtractPage("https://example.com/", nil)
	require.NoError(t, err)
	require.Empty(t, fields.Title)
	require.Empty(t, fields.Links)
}

func TestExtractPageTrimsTextOnRuneBoundary(t *testing.T) {
	t.Parallel()

	// 4000 three-byte runes put the byte limit mid-rune.
	page := "<html><body><p>" + strings.Repeat("日", 4000) + "</p></body></html>"
	fields, err := ExtractPage("https://example.com/", []byte(page))
	require.NoError(t, err)
	require.LessOrEqual(t, len(fields.Text), maxTextBytes)
	require.True(t, utf8.ValidString(fields.Text))
}
