// Package rules loads the YAML file holding the scoring keywords,
// thresholds, prompt template and report settings.
package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/scholardigest/internal/digest"
	"github.com/linnemanlabs/scholardigest/internal/report"
)

// File is the on-disk layout of the rules file.
type File struct {
	Keywords       KeywordsConfig `yaml:"keywords"`
	Scoring        ScoringConfig  `yaml:"scoring"`
	PromptTemplate string         `yaml:"prompt_template"`
	Report         ReportConfig   `yaml:"report"`
}

// KeywordsConfig lists topics of interest and topics to drop outright.
type KeywordsConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// ScoringConfig names the backend labels that map to High and Medium.
type ScoringConfig struct {
	HighThreshold   string `yaml:"high_threshold"`
	MediumThreshold string `yaml:"medium_threshold"`
}

// ReportConfig controls the rendered digest. HTML is a pointer so an absent
// key keeps the default of true.
type ReportConfig struct {
	Title      string `yaml:"title"`
	IncludeLow bool   `yaml:"include_low"`
	HTML       *bool  `yaml:"html"`
}

// Default returns the rules used when no file exists.
func Default() *File {
	return &File{
		Scoring: ScoringConfig{
			HighThreshold:   string(digest.VerdictHigh),
			MediumThreshold: string(digest.VerdictMedium),
		},
		Report: ReportConfig{Title: report.DefaultTitle},
	}
}

// Load reads and validates the rules file at path. A missing file surfaces
// as an error wrapping fs.ErrNotExist.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	f, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a rules document on top of Default. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func Parse(raw []byte) (*File, error) {
	f := Default()

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}

	f.Keywords.Include = clean(f.Keywords.Include)
	f.Keywords.Exclude = clean(f.Keywords.Exclude)
	f.Scoring.HighThreshold = strings.TrimSpace(f.Scoring.HighThreshold)
	f.Scoring.MediumThreshold = strings.TrimSpace(f.Scoring.MediumThreshold)
	if strings.TrimSpace(f.Report.Title) == "" {
		f.Report.Title = report.DefaultTitle
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks the thresholds are usable.
func (f *File) Validate() error {
	var errs []error
	if f.Scoring.HighThreshold == "" {
		errs = append(errs, errors.New("scoring.high_threshold must not be empty"))
	}
	if f.Scoring.MediumThreshold == "" {
		errs = append(errs, errors.New("scoring.medium_threshold must not be empty"))
	}
	if f.Scoring.HighThreshold != "" && strings.EqualFold(f.Scoring.HighThreshold, f.Scoring.MediumThreshold) {
		errs = append(errs, fmt.Errorf("scoring thresholds must differ, both are %q", f.Scoring.HighThreshold))
	}
	return errors.Join(errs...)
}

// RuleSet returns the scoring view of the file.
func (f *File) RuleSet() digest.RuleSet {
	return digest.RuleSet{
		IncludeKeywords: f.Keywords.Include,
		ExcludeKeywords: f.Keywords.Exclude,
		HighThreshold:   f.Scoring.HighThreshold,
		MediumThreshold: f.Scoring.MediumThreshold,
		PromptTemplate:  f.PromptTemplate,
	}
}

// ReportOptions returns the report view of the file.
func (f *File) ReportOptions() report.Options {
	html := true
	if f.Report.HTML != nil {
		html = *f.Report.HTML
	}
	return report.Options{
		Title:      f.Report.Title,
		IncludeLow: f.Report.IncludeLow,
		HTML:       html,
	}
}

// clean trims keywords and drops empty and repeated entries, keeping order.
func clean(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		key := strings.ToLower(kw)
		if kw == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, kw)
	}
	return out
}
