package digest

import "time"

// Verdict is the relevance classification assigned to an article.
type Verdict string

const (
	// VerdictHigh means the article matches the reader's interests
	VerdictHigh Verdict = "High"

	// VerdictMedium means the article is possibly relevant
	VerdictMedium Verdict = "Medium"

	// VerdictLow means the article is not relevant, or was excluded
	VerdictLow Verdict = "Low"
)

// Rank orders verdicts for reporting, High first.
func (v Verdict) Rank() int {
	switch v {
	case VerdictHigh:
		return 0
	case VerdictMedium:
		return 1
	default:
		return 2
	}
}

// ParseVerdict maps a stored verdict string back to a Verdict.
// Unknown values map to VerdictLow.
func ParseVerdict(s string) Verdict {
	switch Verdict(s) {
	case VerdictHigh, VerdictMedium:
		return Verdict(s)
	default:
		return VerdictLow
	}
}

// DecisionSource records which scoring path produced a verdict.
type DecisionSource string

const (
	SourceBackend  DecisionSource = "backend"
	SourceFallback DecisionSource = "fallback"
	SourceExcluded DecisionSource = "excluded"
)

// RawArticle is an article as produced by an Extractor, before normalization.
type RawArticle struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Summary string `json:"summary"`
}

// Article is a normalized article. Immutable once built by Normalize.
type Article struct {
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Summary     string    `json:"summary"`
	RetrievedAt time.Time `json:"retrieved_at"`
	EmailID     string    `json:"email_id,omitempty"`
	EmailDate   time.Time `json:"email_date,omitempty"`
}

// ScoredArticle is the durable record for one identity key.
type ScoredArticle struct {
	Article

	Key      string         `json:"identity_key"`
	Verdict  Verdict        `json:"score"`
	Reason   string         `json:"reason"`
	Source   DecisionSource `json:"source,omitempty"`
	ScoredAt time.Time      `json:"scored_at"`
	FullText string         `json:"full_text_summary,omitempty"`
	RunID    string         `json:"run_id,omitempty"`
}

// RuleSet is the scoring configuration. Loaded once per run and treated as
// read-only while the run is in flight.
type RuleSet struct {
	IncludeKeywords []string
	ExcludeKeywords []string
	HighThreshold   string
	MediumThreshold string
	PromptTemplate  string
}

// DefaultRuleSet returns a RuleSet with the standard thresholds and no keywords.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		HighThreshold:   string(VerdictHigh),
		MediumThreshold: string(VerdictMedium),
	}
}

// RunState tracks where a pipeline run is.
type RunState string

const (
	StateIdle        RunState = "idle"
	StateFetching    RunState = "fetching"
	StateNormalizing RunState = "normalizing"
	StateScoring     RunState = "scoring"
	StatePersisting  RunState = "persisting"
	StateAdvancing   RunState = "advancing"
	StateDone        RunState = "done"
	StateFailed      RunState = "failed"
)

// RunCounts are the per-run article counters reported to the operator.
type RunCounts struct {
	Messages         int `json:"messages"`
	Fetched          int `json:"fetched"`
	Malformed        int `json:"malformed"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	Scored           int `json:"scored"`
	Persisted        int `json:"persisted"`
	Failed           int `json:"failed"`
}

// RunReport is the observable outcome of one Coordinator run.
type RunReport struct {
	ID              string          `json:"id"`
	State           RunState        `json:"state"`
	FailedIn        RunState        `json:"failed_in,omitempty"`
	Error           string          `json:"error,omitempty"`
	Counts          RunCounts       `json:"counts"`
	Verdicts        map[Verdict]int `json:"verdicts,omitempty"`
	WatermarkBefore Watermark       `json:"watermark_before"`
	WatermarkAfter  Watermark       `json:"watermark_after"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	DryRun          bool            `json:"dry_run,omitempty"`
}

// Duration returns the wall time of the run in seconds.
func (r *RunReport) Duration() float64 {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt).Seconds()
}
