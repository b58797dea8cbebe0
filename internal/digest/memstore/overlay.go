package memstore

import (
	"context"

	"github.com/linnemanlabs/scholardigest/internal/digest"
)

// Overlay reads through to a base store and keeps every write in memory.
// A run against an Overlay sees the real dedup history and watermark but
// never modifies them.
type Overlay struct {
	base digest.Backing
	mem  *Store
}

// NewOverlay wraps base.
func NewOverlay(base digest.Backing) *Overlay {
	return &Overlay{base: base, mem: New()}
}

// Contains checks the in-memory writes first, then the base store.
func (o *Overlay) Contains(ctx context.Context, key string) (bool, error) {
	if ok, _ := o.mem.Contains(ctx, key); ok {
		return true, nil
	}
	return o.base.Contains(ctx, key)
}

// Put records rec in memory, rejecting keys already in the base store.
func (o *Overlay) Put(ctx context.Context, key string, rec *digest.ScoredArticle) error {
	ok, err := o.base.Contains(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		return &digest.DuplicateKeyError{Key: key}
	}
	return o.mem.Put(ctx, key, rec)
}

// All returns the base records followed by the in-memory ones.
func (o *Overlay) All(ctx context.Context) ([]*digest.ScoredArticle, error) {
	base, err := o.base.All(ctx)
	if err != nil {
		return nil, err
	}
	mem, _ := o.mem.All(ctx)
	return append(base, mem...), nil
}

// Written returns only the records put through the overlay.
func (o *Overlay) Written(ctx context.Context) []*digest.ScoredArticle {
	out, _ := o.mem.All(ctx)
	return out
}

// ReadWatermark prefers a watermark written through the overlay.
func (o *Overlay) ReadWatermark(ctx context.Context) (string, bool, error) {
	if v, ok, _ := o.mem.ReadWatermark(ctx); ok {
		return v, true, nil
	}
	return o.base.ReadWatermark(ctx)
}

// WriteWatermark keeps v in memory only.
func (o *Overlay) WriteWatermark(ctx context.Context, v string) error {
	return o.mem.WriteWatermark(ctx, v)
}

// Lock takes the in-memory lock only; a dry run does not contend with real
// runs.
func (o *Overlay) Lock(ctx context.Context) (func(context.Context) error, error) {
	return o.mem.Lock(ctx)
}
