// Package enrich fetches article pages and extracts a readable text excerpt
// for highly ranked articles.
package enrich

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultBodyByteLimit = 2 * 1024 * 1024
	DefaultMaxChars      = 1000

	defaultUserAgent = "scholardigest/1.0 (+https://github.com/linnemanlabs/scholardigest)"
)

// Options controls page fetching and excerpt length.
type Options struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	MaxChars      int
	HTTPClient    *http.Client
}

// Enricher implements digest.Enricher over HTTP and readability extraction.
type Enricher struct {
	client    *http.Client
	timeout   time.Duration
	bodyLimit int64
	userAgent string
	maxChars  int
	logger    log.Logger
}

// New returns an Enricher. Zero option values take the package defaults.
func New(opts Options, logger log.Logger) *Enricher {
	if logger == nil {
		logger = log.Nop()
	}
	e := &Enricher{
		client:    opts.HTTPClient,
		timeout:   opts.Timeout,
		bodyLimit: opts.BodyByteLimit,
		userAgent: strings.TrimSpace(opts.UserAgent),
		maxChars:  opts.MaxChars,
		logger:    logger,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.bodyLimit <= 0 {
		e.bodyLimit = DefaultBodyByteLimit
	}
	if e.userAgent == "" {
		e.userAgent = defaultUserAgent
	}
	if e.maxChars <= 0 {
		e.maxChars = DefaultMaxChars
	}
	if e.client == nil {
		e.client = &http.Client{
			Timeout:   e.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return e
}

// FullText fetches link and returns the first MaxChars characters of its
// readable text. The title is used when the page yields no text at all.
func (e *Enricher) FullText(ctx context.Context, link, title string) (string, error) {
	page := strings.TrimSpace(link)
	if page == "" {
		return "", fmt.Errorf("link is required")
	}
	pageURL, err := url.Parse(page)
	if err != nil {
		return "", fmt.Errorf("parse link: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, page, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: status %d", page, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.bodyLimit))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	var text string
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "text/plain") {
		text = CleanText(string(body))
	} else {
		text, err = readable(body, pageURL)
		if err != nil {
			return "", err
		}
	}
	if text == "" {
		text = strings.TrimSpace(title)
	}
	if text == "" {
		return "", fmt.Errorf("no readable content at %s", page)
	}

	e.logger.Info(ctx, "article enriched", "link", page, "chars", len([]rune(text)))
	return Truncate(text, e.maxChars), nil
}

func readable(body []byte, pageURL *url.URL) (string, error) {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return "", fmt.Errorf("readability parse: %w", err)
	}

	var buf bytes.Buffer
	if err := article.RenderText(&buf); err != nil {
		return "", fmt.Errorf("render text: %w", err)
	}
	if text := CleanText(buf.String()); text != "" {
		return text, nil
	}
	return CleanText(article.Excerpt()), nil
}

// CleanText normalizes line endings, collapses in-line whitespace and drops
// blank lines. Paragraphs are joined by a single space so excerpts stay on
// one line in reports.
func CleanText(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")

	var parts []string
	for _, line := range strings.Split(raw, "\n") {
		if clean := strings.Join(strings.Fields(line), " "); clean != "" {
			parts = append(parts, clean)
		}
	}
	return strings.Join(parts, " ")
}

// Truncate keeps the first maxChars runes of s, appending "..." when
// anything was cut.
func Truncate(s string, maxChars int) string {
	runes := []rune(s)
	if maxChars <= 0 || len(runes) <= maxChars {
		return s
	}
	return strings.TrimSpace(string(runes[:maxChars])) + "..."
}
