package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"strings"
)

// StripMarkup removes HTML tags and collapses whitespace, leaving plain
// text suitable for prompt construction. Not a sanitizer — the output is
// never rendered.
func StripMarkup(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(html.UnescapeString(b.String())), " ")
}

// ContentHash returns a stable hex digest of an item's normalized title and
// body, used to detect republished duplicates downstream.
func ContentHash(title, body string) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}
