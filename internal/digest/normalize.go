package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Normalize canonicalizes a raw article. Fields are trimmed and internal
// whitespace in the title and summary is collapsed to single spaces.
// It returns an error wrapping ErrMalformedArticle if title or link is empty.
func Normalize(raw RawArticle, retrievedAt time.Time) (Article, error) {
	title := collapseSpace(raw.Title)
	link := strings.TrimSpace(raw.Link)

	switch {
	case title == "" && link == "":
		return Article{}, fmt.Errorf("%w: missing title and link", ErrMalformedArticle)
	case title == "":
		return Article{}, fmt.Errorf("%w: missing title (link %q)", ErrMalformedArticle, link)
	case link == "":
		return Article{}, fmt.Errorf("%w: missing link (title %q)", ErrMalformedArticle, title)
	}

	return Article{
		Title:       title,
		Link:        link,
		Summary:     collapseSpace(raw.Summary),
		RetrievedAt: retrievedAt,
	}, nil
}

// IdentityKey derives the dedup key from an article title: the hex SHA-256
// of the lowercased, whitespace-collapsed title. Distinct articles that share
// a title share a key.
func IdentityKey(title string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(collapseSpace(title))))
	return hex.EncodeToString(sum[:])
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
