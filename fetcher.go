package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// FetcherTimeout is the HTTP timeout for each page fetch
	FetcherTimeout = 30 * time.Second

	// MaxFetchedContentSize caps extracted page text so a pasted URL cannot
	// blow the chairman prompt budget on its own
	MaxFetchedContentSize = 50000
)

// FetchURLContent fetches a web page and extracts its readable text so it can
// be attached to a council question as source material. Scripts, styles and
// navigation chrome are stripped; the result is capped at MaxFetchedContentSize.
func FetchURLContent(ctx context.Context, url string) (string, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("unsupported URL scheme: %s", url)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers to mimic a browser
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	client := &http.Client{
		Timeout: FetcherTimeout,
	}

	// Execute request with retry logic
	var resp *http.Response
	maxRetries := 2
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err = client.Do(req)
		if err == nil {
			break
		}

		if attempt < maxRetries-1 {
			log.Printf("Attempt %d failed, retrying in 2s: %v", attempt+1, err)
			time.Sleep(2 * time.Second)
		}
	}

	if err != nil {
		return "", fmt.Errorf("failed to fetch %s after %d attempts: %w", url, maxRetries, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, url)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	return ExtractReadableText(doc), nil
}

// ExtractReadableText pulls the readable text out of an HTML document.
// Prefers the main content containers when present, falling back to the body.
func ExtractReadableText(doc *goquery.Document) string {
	// Drop elements that never carry article text
	doc.Find("script, style, noscript, nav, header, footer, aside").Remove()

	// Prefer semantic content containers
	content := doc.Find("article, main, [role='main']")
	if content.Length() == 0 {
		content = doc.Find("body")
	}

	var parts []string
	content.Find("h1, h2, h3, h4, h5, h6, p, li, blockquote, pre").Each(func(i int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text != "" {
			parts = append(parts, text)
		}
	})

	// Fallback for pages without any of the expected tags
	text := strings.Join(parts, "\n\n")
	if text == "" {
		text = strings.TrimSpace(content.Text())
	}

	if len(text) > MaxFetchedContentSize {
		text = text[:MaxFetchedContentSize] + "..."
	}

	return text
}
