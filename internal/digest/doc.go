// Package digest is the core of scholardigest. It turns raw alert articles
// into a deduplicated, scored record: the Normalizer and IdentityKey, the
// Store and Watermarks persistence contracts, the Scorer with its backend
// strategy and deterministic fallback, and the Coordinator that sequences a
// run and advances the watermark only after the batch is persisted.
package digest
