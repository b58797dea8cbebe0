package digest

import (
	"context"
	"time"
)

// RawMessage is one alert email as returned by a MailSource.
type RawMessage struct {
	ID   string
	Date time.Time
	HTML string
}

// MailSource returns the alert messages delivered at or after the watermark.
// An Absent watermark means all available history.
type MailSource interface {
	FetchSince(ctx context.Context, since Watermark) ([]RawMessage, error)
}

// Extractor turns one message body into zero or more raw articles.
type Extractor interface {
	Extract(msg RawMessage) ([]RawArticle, error)
}

// Enricher fetches supplementary full text for an article link.
type Enricher interface {
	FullText(ctx context.Context, link, title string) (string, error)
}

// Notifier is told about finished runs.
type Notifier interface {
	Notify(ctx context.Context, report *RunReport, persisted []*ScoredArticle) error
}
