package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

var feedLinkTypes = map[string]bool{
	"application/rss+xml":  true,
	"application/atom+xml": true,
	"application/xml":      true,
	"text/xml":             true,
}

// NormalizeURL trims the input and defaults the scheme to https.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
	}
	return u.String(), nil
}

// Discover resolves a page or feed URL to a feed URL.
// A URL serving a feed is returned as is; an HTML page is searched for alternate feed links.
func (f *Fetcher) Discover(ctx context.Context, rawURL string) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}

	resp, err := f.Fetch(ctx, Request{URL: normalized})
	if err != nil {
		return "", err
	}

	if gofeed.DetectFeedType(bytes.NewReader(resp.Body)) != gofeed.FeedTypeUnknown {
		return resp.URL, nil
	}

	base, err := url.Parse(resp.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	candidates, err := feedLinks(resp.Body, base)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", resp.URL, err)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w at %s", ErrNoFeedFound, resp.URL)
	}
	return candidates[0], nil
}

func feedLinks(body []byte, base *url.URL) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create document from reader: %w", err)
	}

	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if u, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(u)
		}
	}

	var out []string
	seen := map[string]bool{}
	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		rel := strings.ToLower(s.AttrOr("rel", ""))
		if !containsField(rel, "alternate") {
			return
		}
		typ := strings.ToLower(strings.TrimSpace(s.AttrOr("type", "")))
		if !feedLinkTypes[typ] {
			return
		}
		u, err := url.Parse(strings.TrimSpace(s.AttrOr("href", "")))
		if err != nil {
			return
		}
		abs := base.ResolveReference(u).String()
		if !seen[abs] {
			seen[abs] = true
			out = append(out, abs)
		}
	})
	return out, nil
}

func containsField(s, field string) bool {
	for _, f := range strings.Fields(s) {
		if f == field {
			return true
		}
	}
	return false
}
