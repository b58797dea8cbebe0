// Package maildir reads alert emails from a directory of RFC 5322 files,
// such as a maildir or the output of fetchmail/offlineimap.
package maildir

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/scholardigest/internal/digest"
)

// maxMessageSize skips files that cannot be alert emails.
const maxMessageSize = 16 << 20

// Source implements digest.MailSource over a directory tree.
type Source struct {
	dir    string
	sender string
	logger log.Logger
}

// New returns a Source reading dir. Only messages whose From header
// contains sender (case-insensitive) are returned; an empty sender keeps all.
func New(dir, sender string, logger log.Logger) *Source {
	if logger == nil {
		logger = log.Nop()
	}
	return &Source{
		dir:    dir,
		sender: strings.ToLower(strings.TrimSpace(sender)),
		logger: logger,
	}
}

// FetchSince implements digest.MailSource. Messages dated at or after since
// are returned in date order. Unreadable files are logged and skipped.
func (s *Source) FetchSince(ctx context.Context, since digest.Watermark) ([]digest.RawMessage, error) {
	var out []digest.RawMessage

	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != s.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !d.Type().IsRegular() {
			return nil
		}

		msg, ok, err := s.read(path)
		if err != nil {
			s.logger.Warn(ctx, "skipping unreadable message", "path", path, "error", err)
			return nil
		}
		if !ok {
			return nil
		}
		if since.Valid && msg.Date.Before(since.At) {
			return nil
		}
		out = append(out, msg)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.dir, err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	s.logger.Info(ctx, "mail fetched", "dir", s.dir, "since", since.String(), "messages", len(out))
	return out, nil
}

// read parses one file. ok is false when the message is not from the
// configured sender or carries no HTML.
func (s *Source) read(path string) (digest.RawMessage, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return digest.RawMessage{}, false, err
	}
	if info.Size() > maxMessageSize {
		return digest.RawMessage{}, false, fmt.Errorf("message too large (%d bytes)", info.Size())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return digest.RawMessage{}, false, err
	}

	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return digest.RawMessage{}, false, fmt.Errorf("parse message: %w", err)
	}

	if s.sender != "" && !strings.Contains(strings.ToLower(m.Header.Get("From")), s.sender) {
		return digest.RawMessage{}, false, nil
	}

	date, err := m.Header.Date()
	if err != nil {
		return digest.RawMessage{}, false, fmt.Errorf("parse date: %w", err)
	}

	html, err := htmlBody(m.Header.Get("Content-Type"), m.Header.Get("Content-Transfer-Encoding"), m.Body)
	if err != nil {
		return digest.RawMessage{}, false, err
	}
	if html == "" {
		return digest.RawMessage{}, false, nil
	}

	id := strings.TrimSpace(m.Header.Get("Message-Id"))
	if id == "" {
		id = filepath.Base(path)
	}
	return digest.RawMessage{ID: id, Date: date.UTC(), HTML: html}, true, nil
}

// htmlBody returns the first text/html part of a body, walking nested
// multiparts.
func htmlBody(contentType, transferEncoding string, body io.Reader) (string, error) {
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("parse content type: %w", err)
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			part, err := mr.NextRawPart()
			if errors.Is(err, io.EOF) {
				return "", nil
			}
			if err != nil {
				return "", fmt.Errorf("read multipart: %w", err)
			}
			html, err := htmlBody(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if err != nil {
				return "", err
			}
			if html != "" {
				return html, nil
			}
		}
	}

	if mediaType != "text/html" {
		return "", nil
	}

	decoded, err := io.ReadAll(decodeTransfer(transferEncoding, body))
	if err != nil {
		return "", fmt.Errorf("decode %s body: %w", transferEncoding, err)
	}
	if cs := params["charset"]; cs != "" && !strings.EqualFold(cs, "utf-8") {
		r, err := charset.NewReaderLabel(cs, bytes.NewReader(decoded))
		if err != nil {
			return "", fmt.Errorf("charset %s: %w", cs, err)
		}
		if decoded, err = io.ReadAll(r); err != nil {
			return "", fmt.Errorf("charset %s: %w", cs, err)
		}
	}
	return string(decoded), nil
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	default:
		return r
	}
}
