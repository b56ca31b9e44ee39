// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeLoose(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercase fold", "Artist - Album (2020)", "artist - album (2020)"},
		{"collapses whitespace", "Track   One", "track one"},
		{"zero width space stripped", "Track​One", "trackone"},
		{"byte order mark stripped", "\uFEFFTrack One", "track one"},
		{"nfkc composes and diacritics fold", "Sigur Rós", "sigur ros"},
		{"halfwidth katakana folds to fullwidth", "ｶﾅ", "カナ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, Normalize(tt.input, Loose))
		})
	}
}

func TestNormalizeStrict(t *testing.T) {
	t.Parallel()

	// Strict only composes to NFC; it must not fold case or strip zero-width runes.
	composed := Normalize("Sigur Rós", Strict)
	assert.Equal(t, "Sigur Rós", composed)
	assert.NotEqual(t, Normalize("Sigur Rós", Loose), composed)
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"Artist - Album (2020)​",
		"ｶﾅ　tracks",
		"Sigur Rós",
		"",
	}
	for _, in := range inputs {
		once := Normalize(in, Loose)
		twice := Normalize(once, Loose)
		assert.Equal(t, once, twice, "loose normalization must be idempotent for %q", in)

		onceStrict := Normalize(in, Strict)
		twiceStrict := Normalize(onceStrict, Strict)
		assert.Equal(t, onceStrict, twiceStrict, "strict normalization must be idempotent for %q", in)
	}
}
