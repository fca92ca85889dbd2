package reader

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"hlflow/models"
)

// Some aggregator pages only expose their table through a "Download .csv"
// button; the first .csv href on the page is that export.
var csvLinkRe = regexp.MustCompile(`(?i)href="([^"]+\.csv)"`)

// fetchScrapedCSV loads an HTML page, locates its .csv download link and
// downloads the linked file. Relative links resolve against the page URL.
func (f *Fetcher) fetchScrapedCSV(ctx context.Context, pageURL string) (*models.RawPayload, error) {
	html, err := f.getWithRetry(ctx, pageURL, "text/html")
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}

	csvURL, err := csvLinkFromPage(pageURL, string(html))
	if err != nil {
		return nil, err
	}

	body, err := f.getWithRetry(ctx, csvURL, "text/csv")
	if err != nil {
		return nil, fmt.Errorf("download csv: %w", err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return nil, fmt.Errorf("csv from %s is empty", csvURL)
	}

	return &models.RawPayload{
		SourceURL: csvURL,
		Encoding:  models.EncodingCSV,
		Body:      body,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func csvLinkFromPage(pageURL, html string) (string, error) {
	m := csvLinkRe.FindStringSubmatch(html)
	if m == nil {
		return "", fmt.Errorf("no csv link found on %s", pageURL)
	}
	href := m[1]
	if strings.HasPrefix(href, "http") {
		return href, nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse csv href %q: %w", href, err)
	}
	return base.ResolveReference(ref).String(), nil
}
