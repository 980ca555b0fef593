// Package sourceurl decides whether an image location is a WebP source and
// derives the download filename for its converted output.
package sourceurl

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/trunov/webpconv/internal/entities"
)

// MaxBaseLen bounds the filename before the extension is appended.
const MaxBaseLen = 200

var markers = []string{".webp", "image/webp", "format=webp"}

var ErrEmptyURL = errors.New("empty source url")

// IsConvertible reports whether u looks like a WebP image: a .webp suffix,
// an image/webp MIME marker or a format=webp query marker, in any case.
func IsConvertible(u string) bool {
	lower := strings.ToLower(u)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsWebPMime reports whether a Content-Type value names WebP.
func IsWebPMime(mime string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mime)), "image/webp")
}

// Filename derives "<base>.<ext>" from the last path segment of raw.
// now is only consulted when nothing usable is left of the path.
func Filename(raw string, f entities.Format, now time.Time) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrEmptyURL
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}

	base := Sanitize(stripExt(lastSegment(u.Path)))
	if base == "" {
		base = TimestampName(now)
	}
	return base + f.OrDefault().Ext(), nil
}

// WithFormat cleans a caller-supplied name and gives it the extension of f,
// replacing any it had. It returns "" when nothing usable is left.
func WithFormat(name string, f entities.Format) string {
	base := Sanitize(stripExt(strings.TrimSpace(name)))
	if base == "" {
		return ""
	}
	return base + f.OrDefault().Ext()
}

// FilenameOrFallback never fails: unparsable input gets the timestamp name.
func FilenameOrFallback(raw string, f entities.Format, now time.Time) string {
	name, err := Filename(raw, f, now)
	if err != nil {
		return TimestampName(now) + f.OrDefault().Ext()
	}
	return name
}

func TimestampName(now time.Time) string {
	return fmt.Sprintf("image_%d", now.UnixMilli())
}

// Sanitize maps everything outside [A-Za-z0-9._-] to '_', collapses runs
// of '_', trims '_' and '.' from both ends and bounds the length.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if !allowed(r) {
			r = '_'
		}
		if r == '_' {
			if lastUnderscore {
				continue
			}
			lastUnderscore = true
		} else {
			lastUnderscore = false
		}
		b.WriteRune(r)
	}

	out := strings.Trim(b.String(), "_.")
	if len(out) > MaxBaseLen {
		out = strings.Trim(out[:MaxBaseLen], "_.")
	}
	return out
}

func allowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '-', r == '_':
		return true
	}
	return false
}

func lastSegment(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[i+1:]
	}
	// some CDNs smuggle a second query string into the path
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

func stripExt(name string) string {
	ext := path.Ext(name)
	if ext == name {
		// dotfile such as ".webp"
		return ""
	}
	return strings.TrimSuffix(name, ext)
}
