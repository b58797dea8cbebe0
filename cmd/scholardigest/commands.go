package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/linnemanlabs/scholardigest/internal/digest"
	"github.com/linnemanlabs/scholardigest/internal/report"
)

// parseWatermarkFlag accepts the same forms as the stored watermark.
func parseWatermarkFlag(name, raw string) (*digest.Watermark, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	wm := digest.ParseWatermark(raw)
	if !wm.Valid {
		return nil, fmt.Errorf("-%s %q: want a unix timestamp or ISO-8601 date", name, raw)
	}
	return &wm, nil
}

func (a *app) fetch(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	since := fs.String("since", "", "fetch from this time instead of the stored watermark (unix or ISO-8601)")
	dryRun := fs.Bool("dry-run", false, "score without writing articles, watermark or run history")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sinceWM, err := parseWatermarkFlag("since", *since)
	if err != nil {
		return err
	}

	rep, err := a.runOnce(ctx, "fetch", *dryRun, sinceWM)
	if rep != nil {
		printRun(out, rep)
	}
	return err
}

func printRun(w io.Writer, r *digest.RunReport) {
	c := r.Counts
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "run %s %s%s\n", r.ID, r.State, mode)
	fmt.Fprintf(w, "  messages=%d fetched=%d malformed=%d skipped_duplicate=%d scored=%d persisted=%d failed=%d\n",
		c.Messages, c.Fetched, c.Malformed, c.SkippedDuplicate, c.Scored, c.Persisted, c.Failed)
	fmt.Fprintf(w, "  verdicts high=%d medium=%d low=%d\n",
		r.Verdicts[digest.VerdictHigh], r.Verdicts[digest.VerdictMedium], r.Verdicts[digest.VerdictLow])
	fmt.Fprintf(w, "  watermark %s -> %s\n", r.WatermarkBefore, r.WatermarkAfter)
	if r.Error != "" {
		fmt.Fprintf(w, "  error (in %s): %s\n", r.FailedIn, r.Error)
	}
}

func (a *app) report(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	dir := fs.String("out", a.cfg.ReportDir, "directory to write the report into")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rf, err := a.loadRules(ctx)
	if err != nil {
		return err
	}
	articles, err := digest.ListArticles(ctx, a.backing, digest.Filter{})
	if err != nil {
		return fmt.Errorf("load articles: %w", err)
	}

	opts := rf.ReportOptions()
	paths, err := report.Save(*dir, a.now(), articles, opts)
	if err != nil {
		return err
	}

	selected := len(report.Select(articles, opts.IncludeLow))
	a.logger.Info(ctx, "report written", "articles", selected, "paths", paths)
	for _, p := range paths {
		fmt.Fprintln(out, p)
	}
	return nil
}

// updateTimestamp sets the watermark under the writer lock. It is the one
// path allowed to move the watermark backwards.
func (a *app) updateTimestamp(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("update-ts", flag.ContinueOnError)
	value := fs.String("value", "", "new watermark (unix or ISO-8601); default now")
	if err := fs.Parse(args); err != nil {
		return err
	}

	wm := digest.At(a.now())
	if *value != "" {
		parsed, err := parseWatermarkFlag("value", *value)
		if err != nil {
			return err
		}
		wm = *parsed
	}

	unlock, err := a.backing.Lock(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			a.logger.Error(ctx, err, "failed to release store lock")
		}
	}()

	w := digest.NewWatermarks(a.backing)
	prev, err := w.Read(ctx)
	if err != nil {
		return err
	}
	if err := w.Write(ctx, wm.At); err != nil {
		return err
	}

	a.logger.Info(ctx, "watermark updated", "previous", prev.String(), "watermark", wm.String())
	fmt.Fprintf(out, "watermark %s -> %s\n", prev, wm)
	return nil
}
