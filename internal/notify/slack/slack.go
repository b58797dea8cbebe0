// Package slack posts digest run summaries to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/scholardigest/internal/digest"
)

const (
	maxTitles    = 10
	maxTitleLen  = 150
	httpTimeout  = 10 * time.Second
	contextStamp = "2006-01-02 15:04 UTC"
)

// Notifier implements digest.Notifier by posting a Block Kit message for
// every successful run that persisted at least one High article.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Notify posts the run summary. Runs that did not finish, or that found
// nothing new at High, are skipped.
func (n *Notifier) Notify(ctx context.Context, report *digest.RunReport, persisted []*digest.ScoredArticle) error {
	if n.webhookURL == "" || report == nil || report.State != digest.StateDone {
		return nil
	}

	var high []*digest.ScoredArticle
	for _, a := range persisted {
		if a.Verdict == digest.VerdictHigh {
			high = append(high, a)
		}
	}
	if len(high) == 0 {
		return nil
	}

	body, err := json.Marshal(buildMessage(report, high))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack summary posted", "run_id", report.ID, "high", len(high))
	return nil
}

func buildMessage(r *digest.RunReport, high []*digest.ScoredArticle) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("Scholar digest: %d new High relevance articles", len(high)),
		"blocks": []map[string]any{
			headerBlock(high),
			countsBlock(r),
			{"type": "divider"},
			titlesBlock(high),
			contextBlock(r),
		},
	}
}

func headerBlock(high []*digest.ScoredArticle) map[string]any {
	noun := "articles"
	if len(high) == 1 {
		noun = "article"
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("\U0001f4da %d new High relevance %s", len(high), noun),
		},
	}
}

func countsBlock(r *digest.RunReport) map[string]any {
	c := r.Counts
	field := func(label string, v int) map[string]any {
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %d", label, v)}
	}
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			field("Messages", c.Messages),
			field("Fetched", c.Fetched),
			field("Scored", c.Scored),
			field("Persisted", c.Persisted),
			field("High", r.Verdicts[digest.VerdictHigh]),
			field("Medium", r.Verdicts[digest.VerdictMedium]),
		},
	}
}

func titlesBlock(high []*digest.ScoredArticle) map[string]any {
	var b strings.Builder
	for i, a := range high {
		if i == maxTitles {
			fmt.Fprintf(&b, "_and %d more_\n", len(high)-maxTitles)
			break
		}
		fmt.Fprintf(&b, "• <%s|%s>\n", a.Link, escape(truncate(a.Title, maxTitleLen)))
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": strings.TrimSuffix(b.String(), "\n"),
		},
	}
}

func contextBlock(r *digest.RunReport) map[string]any {
	ts := r.FinishedAt
	if ts.IsZero() {
		ts = r.StartedAt
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("scholardigest • run %s • %s • watermark %s", r.ID, ts.UTC().Format(contextStamp), r.WatermarkAfter),
			},
		},
	}
}

// escape applies Slack's mrkdwn control character escaping.
func escape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
