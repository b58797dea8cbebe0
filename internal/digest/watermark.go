package digest

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Watermark is the end of the last fully processed fetch window.
// The zero value is Absent, meaning "fetch from the beginning".
type Watermark struct {
	At    time.Time
	Valid bool
}

// Absent is the "fetch all" watermark.
var Absent = Watermark{}

// At returns a present watermark at t.
func At(t time.Time) Watermark {
	return Watermark{At: t.UTC(), Valid: true}
}

// After reports whether w is strictly later than o. Any present watermark is
// after Absent.
func (w Watermark) After(o Watermark) bool {
	if !w.Valid {
		return false
	}
	if !o.Valid {
		return true
	}
	return w.At.After(o.At)
}

func (w Watermark) String() string {
	if !w.Valid {
		return "absent"
	}
	return w.At.UTC().Format(time.RFC3339)
}

// MarshalJSON encodes an absent watermark as null.
func (w Watermark) MarshalJSON() ([]byte, error) {
	if !w.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(w.At.UTC().Format(time.RFC3339))
}

// UnmarshalJSON accepts null or any value ParseWatermark understands.
func (w *Watermark) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*w = Absent
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*w = ParseWatermark(s)
	return nil
}

// maxUnixSeconds is 9999-12-31T23:59:59Z, the last instant the ISO forms
// can express. Larger numeric values are not timestamps.
const maxUnixSeconds = 253402300799

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseWatermark parses a persisted watermark value. It accepts a Unix
// timestamp (integer or decimal seconds) or an ISO-8601 date/time; ISO
// values without a zone are taken as UTC. Anything else yields Absent.
func ParseWatermark(raw string) Watermark {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Absent
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 || n > maxUnixSeconds {
			return Absent
		}
		return At(time.Unix(n, 0))
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if !(f >= 0 && f <= maxUnixSeconds) {
			return Absent
		}
		sec, frac := math.Modf(f)
		return At(time.Unix(int64(sec), int64(frac*1e9)))
	}

	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return At(t)
		}
	}
	return Absent
}

// FormatWatermark renders t in the persisted form (Unix seconds).
func FormatWatermark(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// WatermarkStore is the single durable slot holding the watermark value.
type WatermarkStore interface {
	// ReadWatermark returns the raw stored value, or ok=false if the slot
	// has never been written.
	ReadWatermark(ctx context.Context) (value string, ok bool, err error)
	// WriteWatermark atomically replaces the stored value.
	WriteWatermark(ctx context.Context, value string) error
}

// Watermarks reads and writes the watermark through a WatermarkStore.
type Watermarks struct {
	store WatermarkStore
}

// NewWatermarks returns a Watermarks backed by store.
func NewWatermarks(store WatermarkStore) *Watermarks {
	return &Watermarks{store: store}
}

// Read returns the stored watermark. Missing or unparseable values are
// Absent; err is non-nil only when the slot itself could not be read.
func (w *Watermarks) Read(ctx context.Context) (Watermark, error) {
	raw, ok, err := w.store.ReadWatermark(ctx)
	if err != nil {
		return Absent, &StoreError{Op: "read watermark", Err: err}
	}
	if !ok {
		return Absent, nil
	}
	return ParseWatermark(raw), nil
}

// Write replaces the stored watermark with t.
func (w *Watermarks) Write(ctx context.Context, t time.Time) error {
	if err := w.store.WriteWatermark(ctx, FormatWatermark(t)); err != nil {
		return &StoreError{Op: "write watermark", Err: err}
	}
	return nil
}
