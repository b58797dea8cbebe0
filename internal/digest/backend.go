package digest

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Backend is a relevance classifier. Implementations may perform network
// I/O and may fail; the Scorer recovers from every failure.
type Backend interface {
	Name() string
	Classify(ctx context.Context, req *ClassifyRequest) (*Classification, error)
}

// ClassifyRequest is the input to a Backend.
type ClassifyRequest struct {
	System          string
	Prompt          string
	Title           string
	Summary         string
	IncludeKeywords []string
}

// Classification is a backend's raw answer. Score is free-form and is
// mapped to a Verdict by the Scorer.
type Classification struct {
	Score  string `json:"score"`
	Reason string `json:"reason"`
}

const systemPrompt = `You screen newly published academic articles for a researcher.
Judge each article only by its title and summary. Answer with a single JSON object and nothing else.`

const formatInstructions = `Respond with a JSON object of the form {"score": "<score>", "reason": "<one or two sentences>"}.
The score must be exactly one of: %s, %s, Low.`

// NewClassifyRequest renders the backend request for an article. The prompt
// template may reference {title}, {summary} and {include_keywords}; the
// format instructions and the article block are always appended.
func NewClassifyRequest(a Article, rules RuleSet) *ClassifyRequest {
	kw := strings.Join(rules.IncludeKeywords, ", ")
	tmpl := strings.NewReplacer(
		"{title}", a.Title,
		"{summary}", a.Summary,
		"{include_keywords}", kw,
	).Replace(rules.PromptTemplate)

	var b strings.Builder
	if tmpl != "" {
		b.WriteString(strings.TrimRight(tmpl, "\n"))
		b.WriteString("\n")
	}
	if kw != "" && !strings.Contains(rules.PromptTemplate, "{include_keywords}") {
		b.WriteString("Topics of interest: ")
		b.WriteString(kw)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, formatInstructions, rules.HighThreshold, rules.MediumThreshold)
	b.WriteString("\nArticle Title: ")
	b.WriteString(a.Title)
	b.WriteString("\nArticle Summary: ")
	b.WriteString(a.Summary)

	return &ClassifyRequest{
		System:          systemPrompt,
		Prompt:          b.String(),
		Title:           a.Title,
		Summary:         a.Summary,
		IncludeKeywords: rules.IncludeKeywords,
	}
}

//go:embed classification.schema.json
var classificationSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("classification.schema.json", strings.NewReader(classificationSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("classification.schema.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// DecodeClassification extracts and validates the JSON object in a model
// reply. Surrounding prose and Markdown code fences are tolerated.
func DecodeClassification(reply string) (*Classification, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return nil, errors.New("no JSON object in reply")
	}
	raw := reply[start : end+1]

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("decode reply JSON: %w", err)
	}

	s, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if err := s.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var c Classification
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("unmarshal classification: %w", err)
	}
	c.Score = strings.TrimSpace(c.Score)
	c.Reason = strings.TrimSpace(c.Reason)
	return &c, nil
}

// FallbackBackend is the deterministic offline classifier. It never fails
// and performs no I/O: High if an include keyword is present, Low if an
// exclude keyword is present, otherwise Medium.
type FallbackBackend struct {
	Rules RuleSet
}

// Name implements Backend.
func (FallbackBackend) Name() string { return "fallback" }

// Classify implements Backend.
func (f FallbackBackend) Classify(_ context.Context, req *ClassifyRequest) (*Classification, error) {
	if kw, ok := firstKeyword(f.Rules.IncludeKeywords, req.Title, req.Summary); ok {
		return &Classification{Score: f.Rules.HighThreshold, Reason: "fallback: matched include keyword: " + kw}, nil
	}
	if kw, ok := firstKeyword(f.Rules.ExcludeKeywords, req.Title, req.Summary); ok {
		return &Classification{Score: "Low", Reason: "fallback: matched exclude keyword: " + kw}, nil
	}
	return &Classification{Score: f.Rules.MediumThreshold, Reason: "fallback: no keyword matched"}, nil
}

// firstKeyword returns the first keyword (in configured order) that occurs,
// case-insensitively, within one of fields. A keyword never matches across
// two fields.
func firstKeyword(keywords []string, fields ...string) (string, bool) {
	lower := make([]string, len(fields))
	for i, f := range fields {
		lower[i] = strings.ToLower(f)
	}
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		for _, f := range lower {
			if strings.Contains(f, k) {
				return kw, true
			}
		}
	}
	return "", false
}
