package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/scholardigest/internal/cfg"
	"github.com/linnemanlabs/scholardigest/internal/digest"
	"github.com/linnemanlabs/scholardigest/internal/digest/filestore"
	"github.com/linnemanlabs/scholardigest/internal/digestapi"
	"github.com/linnemanlabs/scholardigest/internal/extract/scholar"
	"github.com/linnemanlabs/scholardigest/internal/mail/maildir"
)

const sender = "scholaralerts-noreply@google.com"

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const alertEmail = `From: Google Scholar Alerts <scholaralerts-noreply@google.com>
To: reader@example.org
Subject: new results
Date: Mon, 02 Mar 2026 09:00:00 +0000
Message-Id: <alert-1@scholar.google.com>
MIME-Version: 1.0
Content-Type: text/html; charset=UTF-8

<html><body>
<h3><a class="gse_alrt_title" href="https://example.org/a">Single-atom catalyst for oxygen reduction</a></h3>
<div class="gse_alrt_sni">We report a catalyst with record activity.</div>
<h3><a class="gse_alrt_title" href="https://example.org/b">Solid electrolyte interphase in battery anodes</a></h3>
<div class="gse_alrt_sni">Battery degradation study.</div>
<h3><a class="gse_alrt_title" href="https://example.org/c">Machine learning for crystal structures</a></h3>
<div class="gse_alrt_sni">A graph network approach.</div>
</body></html>
`

const rulesYAML = `
keywords:
  include: [catalyst]
  exclude: [battery]
report:
  title: Test Digest
  html: false
`

func newTestApp(t *testing.T) (*app, *filestore.Store) {
	t.Helper()
	root := t.TempDir()

	mailDir := filepath.Join(root, "mail")
	if err := os.MkdirAll(mailDir, 0o755); err != nil {
		t.Fatal(err)
	}
	email := strings.ReplaceAll(alertEmail, "\n", "\r\n")
	if err := os.WriteFile(filepath.Join(mailDir, "alert-1.eml"), []byte(email), 0o600); err != nil {
		t.Fatal(err)
	}

	rulesFile := filepath.Join(root, "rules.yml")
	if err := os.WriteFile(rulesFile, []byte(rulesYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	store, err := filestore.Open(filepath.Join(root, "data"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	c := &vc.Config{
		RulesFile:        rulesFile,
		ReportDir:        filepath.Join(root, "reports"),
		ScoreConcurrency: 1,
	}
	return &app{
		cfg:       c,
		logger:    log.Nop(),
		backing:   store,
		source:    maildir.New(mailDir, sender, nil),
		extractor: scholar.New(),
		scorer:    digest.NewScorer(nil, nil, digest.ScoreHooks{}),
		now:       func() time.Time { return fixedNow },
	}, store
}

func TestFetch_PersistsAndAdvances(t *testing.T) {
	t.Parallel()

	a, store := newTestApp(t)
	ctx := context.Background()

	var out bytes.Buffer
	if err := a.fetch(ctx, nil, &out); err != nil {
		t.Fatalf("fetch: %v\n%s", err, out.String())
	}
	for _, want := range []string{" done\n", "fetched=3", "persisted=3", "high=1 medium=1 low=1"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	arts, err := store.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 3 {
		t.Fatalf("stored = %d, want 3", len(arts))
	}
	if arts[0].Verdict != digest.VerdictHigh || arts[1].Verdict != digest.VerdictLow {
		t.Errorf("verdicts = %s, %s", arts[0].Verdict, arts[1].Verdict)
	}

	wm, err := digest.NewWatermarks(store).Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC); !wm.Valid || !wm.At.Equal(want) {
		t.Errorf("watermark = %s, want %s", wm, want)
	}

	// second run re-reads the boundary message and skips everything
	out.Reset()
	if err := a.fetch(ctx, nil, &out); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !strings.Contains(out.String(), "skipped_duplicate=3") || !strings.Contains(out.String(), "persisted=0") {
		t.Errorf("second run output:\n%s", out.String())
	}

	rep, ok, err := store.LatestRun(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestRun = %v, %v", ok, err)
	}
	if rep.Counts.SkippedDuplicate != 3 {
		t.Errorf("latest run = %+v", rep.Counts)
	}
}

func TestFetch_DryRunWritesNothing(t *testing.T) {
	t.Parallel()

	a, store := newTestApp(t)
	ctx := context.Background()

	var out bytes.Buffer
	if err := a.fetch(ctx, []string{"-dry-run"}, &out); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(out.String(), "(dry run)") || !strings.Contains(out.String(), "persisted=3") {
		t.Errorf("output:\n%s", out.String())
	}

	arts, err := store.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 0 {
		t.Errorf("dry run stored %d articles", len(arts))
	}
	if _, ok, _ := store.ReadWatermark(ctx); ok {
		t.Error("dry run wrote the watermark")
	}
	if _, ok, _ := store.LatestRun(ctx); ok {
		t.Error("dry run recorded run history")
	}
}

func TestFetch_SinceAfterMessages(t *testing.T) {
	t.Parallel()

	a, store := newTestApp(t)

	var out bytes.Buffer
	if err := a.fetch(context.Background(), []string{"-since", "2026-03-05"}, &out); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(out.String(), "messages=0") {
		t.Errorf("output:\n%s", out.String())
	}
	if _, ok, _ := store.ReadWatermark(context.Background()); ok {
		t.Error("-since must not write the watermark when nothing was fetched")
	}
}

func TestFetch_BadSince(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	err := a.fetch(context.Background(), []string{"-since", "last week"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "-since") {
		t.Fatalf("err = %v, want -since parse error", err)
	}
}

func TestReport_WritesMarkdown(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	ctx := context.Background()
	if err := a.fetch(ctx, nil, &bytes.Buffer{}); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	outDir := filepath.Join(t.TempDir(), "custom")
	var out bytes.Buffer
	if err := a.report(ctx, []string{"-out", outDir}, &out); err != nil {
		t.Fatalf("report: %v", err)
	}

	want := filepath.Join(outDir, "scholar_digest_report_20260310_120000.md")
	if strings.TrimSpace(out.String()) != want {
		t.Fatalf("printed paths = %q, want %q", out.String(), want)
	}
	md, err := os.ReadFile(want)
	if err != nil {
		t.Fatal(err)
	}
	body := string(md)
	if !strings.HasPrefix(body, "# Test Digest - 2026-03-10") {
		t.Errorf("report header:\n%s", body)
	}
	if !strings.Contains(body, "Single-atom catalyst") || strings.Contains(body, "battery anodes") {
		t.Errorf("report content:\n%s", body)
	}
}

func TestReport_RefusedDuringRun(t *testing.T) {
	t.Parallel()

	a, store := newTestApp(t)
	ctx := context.Background()

	unlock, err := store.Lock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = unlock(ctx) }()

	err = a.report(ctx, []string{"-out", t.TempDir()}, &bytes.Buffer{})
	if !errors.Is(err, digest.ErrLocked) {
		t.Fatalf("report during run err = %v, want ErrLocked", err)
	}
}

func TestUpdateTimestamp(t *testing.T) {
	t.Parallel()

	a, store := newTestApp(t)
	ctx := context.Background()
	w := digest.NewWatermarks(store)

	var out bytes.Buffer
	if err := a.updateTimestamp(ctx, nil, &out); err != nil {
		t.Fatalf("update-ts: %v", err)
	}
	if wm, _ := w.Read(ctx); !wm.At.Equal(fixedNow) {
		t.Errorf("watermark = %s, want now", wm)
	}

	// moving backwards is allowed here
	out.Reset()
	if err := a.updateTimestamp(ctx, []string{"-value", "1700000000"}, &out); err != nil {
		t.Fatalf("update-ts: %v", err)
	}
	if wm, _ := w.Read(ctx); wm.At.Unix() != 1700000000 {
		t.Errorf("watermark = %s, want 1700000000", wm)
	}
	if !strings.Contains(out.String(), "2026-03-10T12:00:00Z -> 2023-11-14T22:13:20Z") {
		t.Errorf("output = %q", out.String())
	}

	if err := a.updateTimestamp(ctx, []string{"-value", "soon"}, &out); err == nil {
		t.Error("expected error for unparseable value")
	}
}

func TestUpdateTimestamp_Locked(t *testing.T) {
	t.Parallel()

	a, store := newTestApp(t)
	ctx := context.Background()

	unlock, err := store.Lock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = unlock(ctx) }()

	err = a.updateTimestamp(ctx, nil, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "acquire lock") {
		t.Fatalf("err = %v, want lock error", err)
	}
}

func TestTriggerRun(t *testing.T) {
	t.Parallel()

	a, store := newTestApp(t)
	rep, err := a.triggerRun(context.Background(), digestapi.RunRequest{DryRun: true})
	if err != nil {
		t.Fatalf("triggerRun: %v", err)
	}
	if !rep.DryRun || rep.Counts.Persisted != 3 {
		t.Errorf("report = %+v", rep)
	}
	if arts, _ := store.All(context.Background()); len(arts) != 0 {
		t.Error("dry run stored articles")
	}
}

func TestLoadRules_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	a.cfg.RulesFile = filepath.Join(t.TempDir(), "absent.yml")

	rf, err := a.loadRules(context.Background())
	if err != nil {
		t.Fatalf("loadRules: %v", err)
	}
	if rs := rf.RuleSet(); rs.HighThreshold != "High" || len(rs.IncludeKeywords) != 0 {
		t.Errorf("rules = %+v, want defaults", rs)
	}
}

func TestParseWatermarkFlag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    int64
		wantNil bool
		wantErr bool
	}{
		{raw: "", wantNil: true},
		{raw: "  ", wantNil: true},
		{raw: "1700000000", want: 1700000000},
		{raw: "2023-11-14T22:13:20Z", want: 1700000000},
		{raw: "tomorrow", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseWatermarkFlag("since", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseWatermarkFlag(%q) err = %v", tt.raw, err)
			continue
		}
		if tt.wantErr {
			continue
		}
		if (got == nil) != tt.wantNil {
			t.Errorf("parseWatermarkFlag(%q) = %v, wantNil %v", tt.raw, got, tt.wantNil)
			continue
		}
		if got != nil && got.At.Unix() != tt.want {
			t.Errorf("parseWatermarkFlag(%q) = %d, want %d", tt.raw, got.At.Unix(), tt.want)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"fetch", "report", "update-ts", "serve"} {
		if err := validateCommand(ok); err != nil {
			t.Errorf("validateCommand(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "Fetch", "run"} {
		if err := validateCommand(bad); err == nil {
			t.Errorf("validateCommand(%q) = nil, want error", bad)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SCHOLARDIGEST_TEST_ENV_FILE=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCHOLARDIGEST_TEST_ENV_FILE", "")
	if err := os.Unsetenv("SCHOLARDIGEST_TEST_ENV_FILE"); err != nil {
		t.Fatal(err)
	}

	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile: %v", err)
	}
	if got := os.Getenv("SCHOLARDIGEST_TEST_ENV_FILE"); got != "from-file" {
		t.Errorf("env = %q, want from-file", got)
	}

	if err := loadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing env file should be ignored, got %v", err)
	}
	if err := loadEnvFile(""); err != nil {
		t.Errorf("empty path should be ignored, got %v", err)
	}
}

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil || !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Fatalf("err = %v, want NOTIFY_SOCKET not set", err)
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil || !strings.Contains(err.Error(), "dial failed") {
		t.Fatalf("err = %v, want dial failed", err)
	}
}

func TestNotifySystemd_SendsReady(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)
	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 64)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("payload = %q, want READY=1", got)
	}
}
