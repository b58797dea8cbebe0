package digest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Decision is the Scorer's verdict for one article.
type Decision struct {
	Verdict Verdict
	Reason  string
	Source  DecisionSource
}

// ScoreHooks receives scoring events, typically wired to metrics.
type ScoreHooks struct {
	OnBackendCall func(backend string, duration float64, err error)
	OnDecision    func(v Verdict, source DecisionSource)
}

// Scorer classifies articles. Score never fails: exclusion keywords short
// circuit to Low, and any backend failure is replaced by the fallback.
type Scorer struct {
	backend Backend
	logger  log.Logger
	hooks   ScoreHooks
}

// NewScorer creates a Scorer. A nil backend means every non-excluded
// article is classified by the fallback.
func NewScorer(backend Backend, logger log.Logger, hooks ScoreHooks) *Scorer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Scorer{
		backend: backend,
		logger:  logger,
		hooks:   hooks,
	}
}

// Score classifies a against rules.
func (s *Scorer) Score(ctx context.Context, a Article, rules RuleSet) Decision {
	d := s.decide(ctx, a, rules)
	if s.hooks.OnDecision != nil {
		s.hooks.OnDecision(d.Verdict, d.Source)
	}
	return d
}

// decide is the single selection point between the exclusion override, the
// configured backend and the fallback.
func (s *Scorer) decide(ctx context.Context, a Article, rules RuleSet) Decision {
	if kw, ok := firstKeyword(rules.ExcludeKeywords, a.Title, a.Summary); ok {
		return Decision{
			Verdict: VerdictLow,
			Reason:  "excluded by keyword: " + kw,
			Source:  SourceExcluded,
		}
	}

	req := NewClassifyRequest(a, rules)

	if s.backend != nil {
		c, err := s.classify(ctx, req)
		if err == nil {
			return Decision{
				Verdict: MapVerdict(c.Score, rules),
				Reason:  c.Reason,
				Source:  SourceBackend,
			}
		}
		s.logger.Warn(ctx, "scoring backend failed, using fallback",
			"backend", s.backend.Name(),
			"title", a.Title,
			"error", err,
		)
	}

	// FallbackBackend.Classify cannot fail.
	c, _ := FallbackBackend{Rules: rules}.Classify(ctx, req)
	return Decision{
		Verdict: MapVerdict(c.Score, rules),
		Reason:  c.Reason,
		Source:  SourceFallback,
	}
}

func (s *Scorer) classify(ctx context.Context, req *ClassifyRequest) (*Classification, error) {
	name := s.backend.Name()
	start := time.Now()
	c, err := s.backend.Classify(ctx, req)
	if err == nil && (c == nil || strings.TrimSpace(c.Score) == "") {
		err = errors.New("empty classification")
	}
	if s.hooks.OnBackendCall != nil {
		s.hooks.OnBackendCall(name, time.Since(start).Seconds(), err)
	}
	if err != nil {
		return nil, &BackendError{Backend: name, Err: err}
	}
	return c, nil
}

// MapVerdict maps a backend score string to a Verdict by case-insensitive
// exact match against the rule set thresholds. Anything else is Low.
func MapVerdict(score string, rules RuleSet) Verdict {
	score = strings.TrimSpace(score)
	switch {
	case rules.HighThreshold != "" && strings.EqualFold(score, strings.TrimSpace(rules.HighThreshold)):
		return VerdictHigh
	case rules.MediumThreshold != "" && strings.EqualFold(score, strings.TrimSpace(rules.MediumThreshold)):
		return VerdictMedium
	default:
		return VerdictLow
	}
}
