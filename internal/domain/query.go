package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Query is an immutable per-request value derived from raw user input.
// The hash of the normalized form is the golden-answer lookup key.
type Query struct {
	raw        string
	normalized string
	hash       string
}

// NewQuery normalizes and hashes raw query text.
func NewQuery(raw string) Query {
	norm := Normalize(raw)
	sum := sha256.Sum256([]byte(norm))
	return Query{
		raw:        raw,
		normalized: norm,
		hash:       hex.EncodeToString(sum[:]),
	}
}

// Raw returns the query text as the user typed it.
func (q Query) Raw() string { return q.raw }

// Normalized returns the lowercased, whitespace-collapsed form.
func (q Query) Normalized() string { return q.normalized }

// Hash returns the sha256 hex digest of the normalized form.
func (q Query) Hash() string { return q.hash }

// Normalize lowercases text and collapses runs of whitespace so that
// trivially different spellings hash to the same key.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
