// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package normalize canonicalizes file and directory names for comparison
// across local and target-tracker torrents. Two profiles are exposed:
// Strict for exact-equality checks that decide whether a rename is needed,
// and Loose for fuzzy name similarity during matching.
package normalize

import (
	"strings"
	"time"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"github.com/autobrr/nemorosa/pkg/stringutils"
)

const cacheTTL = 5 * time.Minute

// Profile selects how aggressively Normalize folds a string.
type Profile int

const (
	// Strict applies NFC normalization only. Used for exact-equality checks
	// that determine whether a Rename action is required.
	Strict Profile = iota
	// Loose applies NFKC folding, zero-width character removal, whitespace
	// collapse, case folding and CJK half/full-width unification. Used for
	// fuzzy name similarity during file matching.
	Loose
)

var looseNormalizer = stringutils.NewNormalizer(cacheTTL, normalizeLooseInner)

// Normalize returns the canonical form of s for the given profile.
// Normalize is idempotent: Normalize(Normalize(s, p), p) == Normalize(s, p).
func Normalize(s string, profile Profile) string {
	switch profile {
	case Strict:
		return normalizeStrict(s)
	default:
		return looseNormalizer.Normalize(s)
	}
}

// normalizeStrict applies NFC composition only, leaving case, whitespace and
// zero-width characters untouched so that exact-equality comparisons remain
// meaningful.
func normalizeStrict(s string) string {
	result, _, err := transform.String(norm.NFC, s)
	if err != nil {
		return s
	}
	return result
}

// isZeroWidth reports whether r carries no visual width. These characters
// commonly appear in scene-release names as a result of lossy re-encoding
// (U+200B..U+200F, U+FEFF).
func isZeroWidth(r rune) bool {
	switch r {
	case 0x200B, 0x200C, 0x200D, 0x200E, 0x200F, 0xFEFF:
		return true
	default:
		return false
	}
}

func normalizeLooseInner(s string) string {
	// Fold CJK half/full-width variants to their canonical form before NFKC,
	// so a half-width katakana filename compares equal to its full-width twin.
	s = width.Fold.String(s)

	t := transform.Chain(norm.NFKC, runes.Remove(runes.Predicate(isZeroWidth)))
	folded, _, err := transform.String(t, s)
	if err == nil {
		s = folded
	}

	// Strip diacritics and decompose ligatures so "Björk" and "Bjork" compare
	// equal across trackers that transliterate artist names differently.
	s = stringutils.NormalizeUnicode(s)

	s = strings.ToLower(s)
	s = strings.Join(strings.Fields(s), " ")
	return s
}
