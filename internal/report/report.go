// Package report renders the digest of scored articles as Markdown and HTML.
package report

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/yuin/goldmark"

	"github.com/linnemanlabs/scholardigest/internal/digest"
	"github.com/linnemanlabs/scholardigest/internal/enrich"
)

const (
	DefaultTitle = "Scholar Digest"

	// snippetChars bounds the full text excerpt shown per article.
	snippetChars = 250

	filePrefix = "scholar_digest_report_"
	fileStamp  = "20060102_150405"
)

// Options controls article selection and output formats.
type Options struct {
	Title      string
	IncludeLow bool
	HTML       bool
}

// Select returns the articles that belong in the digest: High and Medium,
// plus Low when includeLow is set. The result is ordered by verdict (High
// first), then email date (newest first), then title.
func Select(articles []*digest.ScoredArticle, includeLow bool) []*digest.ScoredArticle {
	out := make([]*digest.ScoredArticle, 0, len(articles))
	for _, a := range articles {
		if a.Verdict == digest.VerdictLow && !includeLow {
			continue
		}
		out = append(out, a)
	}
	slices.SortStableFunc(out, func(a, b *digest.ScoredArticle) int {
		if d := a.Verdict.Rank() - b.Verdict.Rank(); d != 0 {
			return d
		}
		if c := b.EmailDate.Compare(a.EmailDate); c != 0 {
			return c
		}
		return strings.Compare(a.Title, b.Title)
	})
	return out
}

// Section is the block of articles sharing one verdict.
type Section struct {
	Heading  string
	Articles []Entry
}

// Entry is one article prepared for rendering.
type Entry struct {
	Title     string
	Link      string
	Verdict   digest.Verdict
	Reason    string
	Summary   string
	Snippet   string
	EmailDate string
}

// Data is the input of the Markdown template.
type Data struct {
	Title       string
	Date        string
	GeneratedAt string
	Total       int
	Sections    []Section
}

// Build groups selected articles into sections. articles must already be
// ordered as Select returns them.
func Build(title string, now time.Time, articles []*digest.ScoredArticle) Data {
	if title == "" {
		title = DefaultTitle
	}
	d := Data{
		Title:       title,
		Date:        now.Format("2006-01-02"),
		GeneratedAt: now.Format("2006-01-02 15:04:05"),
		Total:       len(articles),
	}

	for _, a := range articles {
		heading := string(a.Verdict) + " Relevance"
		if n := len(d.Sections); n == 0 || d.Sections[n-1].Heading != heading {
			d.Sections = append(d.Sections, Section{Heading: heading})
		}
		sec := &d.Sections[len(d.Sections)-1]
		sec.Articles = append(sec.Articles, entry(a))
	}
	return d
}

func entry(a *digest.ScoredArticle) Entry {
	e := Entry{
		Title:   escapeLinkText(a.Title),
		Link:    a.Link,
		Verdict: a.Verdict,
		Reason:  a.Reason,
		Summary: a.Summary,
	}
	if a.FullText != "" {
		e.Snippet = enrich.Truncate(enrich.CleanText(a.FullText), snippetChars)
	}
	if a.EmailDate.IsZero() {
		e.EmailDate = "N/A"
	} else {
		e.EmailDate = a.EmailDate.UTC().Format("2006-01-02 15:04")
	}
	return e
}

func escapeLinkText(s string) string {
	return strings.NewReplacer(`\`, `\\`, "[", `\[`, "]", `\]`).Replace(s)
}

var markdownTmpl = template.Must(template.New("report.md").Parse(`# {{ .Title }} - {{ .Date }}
{{ if not .Sections }}
No articles to report.
{{ end }}{{ range .Sections }}
## {{ .Heading }}
{{ range .Articles }}
### [{{ .Title }}]({{ .Link }})
- **Score**: {{ .Verdict }}
- **Reason**: {{ .Reason }}
{{- if .Summary }}
- **Scholar Summary**: {{ .Summary }}
{{- end }}
{{- if .Snippet }}
- **Full Text Snippet**: {{ .Snippet }}
{{- end }}
- **Email Date**: {{ .EmailDate }}
{{ end }}{{ end }}
Report generated on: {{ .GeneratedAt }}
`))

// Markdown renders d.
func Markdown(w io.Writer, d Data) error {
	if err := markdownTmpl.Execute(w, d); err != nil {
		return fmt.Errorf("render markdown: %w", err)
	}
	return nil
}

// HTML converts a rendered Markdown report to a standalone HTML page.
// Raw HTML inside the Markdown is not passed through.
func HTML(w io.Writer, title string, markdown []byte) error {
	var body bytes.Buffer
	if err := goldmark.Convert(markdown, &body); err != nil {
		return fmt.Errorf("convert markdown: %w", err)
	}
	_, err := fmt.Fprintf(w, "<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n%s</body>\n</html>\n",
		html.EscapeString(title), body.Bytes())
	return err
}

// Render selects, groups and renders articles. html is nil unless
// opts.HTML is set.
func Render(articles []*digest.ScoredArticle, now time.Time, opts Options) (md, htmlOut []byte, err error) {
	d := Build(opts.Title, now, Select(articles, opts.IncludeLow))

	var mdBuf bytes.Buffer
	if err := Markdown(&mdBuf, d); err != nil {
		return nil, nil, err
	}
	if !opts.HTML {
		return mdBuf.Bytes(), nil, nil
	}

	var htmlBuf bytes.Buffer
	if err := HTML(&htmlBuf, d.Title+" - "+d.Date, mdBuf.Bytes()); err != nil {
		return nil, nil, err
	}
	return mdBuf.Bytes(), htmlBuf.Bytes(), nil
}

// Save renders articles and writes scholar_digest_report_<stamp>.md (and
// .html when enabled) into dir, creating it if needed. It returns the paths
// written.
func Save(dir string, now time.Time, articles []*digest.ScoredArticle, opts Options) ([]string, error) {
	md, htmlOut, err := Render(articles, now, opts)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	base := filepath.Join(dir, filePrefix+now.Format(fileStamp))
	paths := []string{base + ".md"}
	if err := os.WriteFile(base+".md", md, 0o644); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	if htmlOut != nil {
		if err := os.WriteFile(base+".html", htmlOut, 0o644); err != nil {
			return paths, fmt.Errorf("write html report: %w", err)
		}
		paths = append(paths, base+".html")
	}
	return paths, nil
}
