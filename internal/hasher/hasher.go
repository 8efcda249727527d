// Package hasher canonicalizes record content and derives the stable hashes
// used for deduplication, idempotency keys and sample checksums.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const sep = "\x1f"

var folder = cases.Fold()

// Canonical returns s in NFKC form, case folded, with runs of whitespace
// collapsed to a single space and the ends trimmed.
func Canonical(s string) string {
	s = folder.String(norm.NFKC.String(s))
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// Sum returns the hex sha256 of parts joined by a unit separator.
func Sum(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, sep)))
	return hex.EncodeToString(h[:])
}

// Digest returns the raw sha256 of parts joined by a unit separator.
func Digest(parts ...string) [32]byte {
	return sha256.Sum256([]byte(strings.Join(parts, sep)))
}

// ContentHash hashes the semantic fields of a news item. Formatting, case
// and Unicode compatibility differences between sources hash identically.
func ContentHash(headline, body string) string {
	return Sum("news", Canonical(headline), Canonical(body))
}

// PayloadHash hashes a structured payload for non-news records. Map keys are
// sorted by encoding/json, so equal payloads hash equally.
func PayloadHash(kind string, payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "hasher: marshal payload")
	}
	return Sum(kind, string(b)), nil
}

// DedupeHash is the source-local identity of a news item: sha256 over the
// raw concatenation of headline, url and published timestamp.
func DedupeHash(headline, url, publishedAt string) string {
	h := sha256.Sum256([]byte(headline + url + publishedAt))
	return hex.EncodeToString(h[:])
}
