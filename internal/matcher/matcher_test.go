// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package matcher

import (
	"crypto/sha1" //nolint:gosec // test fixture only.
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/nemorosa/internal/metainfo"
)

func hashOf(b byte) metainfo.Hash {
	return metainfo.Hash(sha1.Sum([]byte{b}))
}

func defaultPolicy() Policy {
	return Policy{
		LinkingMode:          LinkHard,
		MaxMissingBytes:      4 << 20,
		ArtworkSkipThreshold: 1 << 20,
	}
}

func TestMatch_RenameOnly(t *testing.T) {
	t.Parallel()

	local := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{
			{Path: "Album/01 - Track.flac", Length: 1000, Offset: 0},
		},
	}
	candidate := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{
			{Path: "Artist - Album (2020)/01 - Track.flac", Length: 1000, Offset: 0},
		},
	}

	// Only the path differs. With ReplaceInPlace off, the new path is reached
	// by a hard link instead of a Rename action, so the original stays put.
	v, err := Match(local, candidate, defaultPolicy())
	require.NoError(t, err)
	require.True(t, v.Accepted)
	require.Len(t, v.Mapping.Actions, 1)
	assert.Equal(t, Link, v.Mapping.Actions[0].Kind)
	assert.Equal(t, LinkHard, v.Mapping.Actions[0].Mode)
}

func TestMatch_IdenticalWhenPathsMatch(t *testing.T) {
	t.Parallel()

	local := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{{Path: "Album/01.flac", Length: 1000}},
	}
	candidate := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{{Path: "Album/01.flac", Length: 1000}},
	}
	v, err := Match(local, candidate, defaultPolicy())
	require.NoError(t, err)
	require.True(t, v.Accepted)
	assert.Equal(t, Identical, v.Mapping.Actions[0].Kind)
}

func TestMatch_ArtworkDrift(t *testing.T) {
	t.Parallel()

	local := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{
			{Path: "Album/01.flac", Length: 1 << 20, Offset: 0},
			{Path: "Album/cover.jpg", Length: 800 * 1024, Offset: 1 << 20},
		},
	}
	candidate := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{
			{Path: "Album/01.flac", Length: 1 << 20, Offset: 0},
			{Path: "Album/cover.jpg", Length: 2 << 20, Offset: 1 << 20},
		},
	}

	policy := defaultPolicy()
	policy.MaxMissingBytes = 4 << 20
	v, err := Match(local, candidate, policy)
	require.NoError(t, err)
	require.True(t, v.Accepted)

	var coverAction FileAction
	for _, a := range v.Mapping.Actions {
		if a.TargetPath == "Album/cover.jpg" {
			coverAction = a
		}
	}
	assert.Equal(t, Missing, coverAction.Kind)
	assert.Equal(t, int64(2<<20), coverAction.Length)
}

func TestMatch_ConflictRejectWhenLinkingDisabled(t *testing.T) {
	t.Parallel()

	// Same declared name, different length on each side: a real-content
	// conflict rather than a simple pairing gap.
	local := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{
			{Path: "Album/01.flac", Length: 1 << 20, Offset: 0},
			{Path: "Album/cover.jpg", Length: 800 * 1024, Offset: 1 << 20},
		},
	}
	candidate := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{
			{Path: "Album/01.flac", Length: 1 << 20, Offset: 0},
			{Path: "Album/cover.jpg", Length: 2 << 20, Offset: 1 << 20},
		},
	}
	policy := defaultPolicy()
	policy.LinkingMode = LinkNone
	v, err := Match(local, candidate, policy)
	require.NoError(t, err)
	assert.False(t, v.Accepted)
	assert.Equal(t, ReasonConflict, v.Reason)
}

func TestMatch_TooMuchMissing(t *testing.T) {
	t.Parallel()

	local := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{{Path: "Album/01.flac", Length: 1 << 20}},
	}
	candidate := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{
			{Path: "Album/01.flac", Length: 1 << 20, Offset: 0},
			{Path: "Album/02.flac", Length: 30 << 20, Offset: 1 << 20},
		},
	}
	policy := defaultPolicy()
	policy.MaxMissingBytes = 4 << 20
	v, err := Match(local, candidate, policy)
	require.NoError(t, err)
	assert.False(t, v.Accepted)
	assert.Equal(t, ReasonTooMuchMissing, v.Reason)
}

func TestMatch_ExtraArtworkBelowBudgetIsSkip(t *testing.T) {
	t.Parallel()

	local := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{{Path: "Album/01.flac", Length: 1 << 20}},
	}
	candidate := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{
			{Path: "Album/01.flac", Length: 1 << 20, Offset: 0},
			{Path: "Album/folder.jpg", Length: 100 * 1024, Offset: 1 << 20},
		},
	}
	v, err := Match(local, candidate, defaultPolicy())
	require.NoError(t, err)
	require.True(t, v.Accepted)

	var found bool
	for _, a := range v.Mapping.Actions {
		if a.TargetPath == "Album/folder.jpg" {
			found = true
			assert.Equal(t, Skip, a.Kind)
		}
	}
	assert.True(t, found)
}

func TestMatch_PieceLengthMismatchRejectsWithoutAllowPartialPieces(t *testing.T) {
	t.Parallel()

	local := &metainfo.Metainfo{
		PieceLength: 16 * 1024,
		Pieces:      []metainfo.Hash{hashOf(1), hashOf(2)},
		Files:       []metainfo.FileEntry{{Path: "Album/01.flac", Length: 32 * 1024, Offset: 0}},
	}
	candidate := &metainfo.Metainfo{
		PieceLength: 256 * 1024,
		Pieces:      []metainfo.Hash{hashOf(9)},
		Files:       []metainfo.FileEntry{{Path: "Album/01.flac", Length: 32 * 1024, Offset: 0}},
	}
	v, err := Match(local, candidate, defaultPolicy())
	require.NoError(t, err)
	require.False(t, v.Accepted, "mismatched piece length must reject by default, since verification can't run")
	require.Equal(t, ReasonPieceMismatch, v.Reason)
}

func TestMatch_PieceLengthMismatchFallsBackToSizeAndNameWithAllowPartialPieces(t *testing.T) {
	t.Parallel()

	local := &metainfo.Metainfo{
		PieceLength: 16 * 1024,
		Pieces:      []metainfo.Hash{hashOf(1), hashOf(2)},
		Files:       []metainfo.FileEntry{{Path: "Album/01.flac", Length: 32 * 1024, Offset: 0}},
	}
	candidate := &metainfo.Metainfo{
		PieceLength: 256 * 1024,
		Pieces:      []metainfo.Hash{hashOf(9)},
		Files:       []metainfo.FileEntry{{Path: "Album/01.flac", Length: 32 * 1024, Offset: 0}},
	}
	policy := defaultPolicy()
	policy.AllowPartialPieces = true
	v, err := Match(local, candidate, policy)
	require.NoError(t, err)
	require.True(t, v.Accepted, "mismatched piece length may fall back to a size/name match once allowed explicitly")
}

func TestMatch_ReflinkToleratesBoundaryPieceMismatch(t *testing.T) {
	t.Parallel()

	const pieceLength = 100 * 1024
	local := &metainfo.Metainfo{
		PieceLength: pieceLength,
		Pieces:      []metainfo.Hash{hashOf(1), hashOf(2), hashOf(3)},
		Files: []metainfo.FileEntry{
			{Path: "Album/01.flac", Length: 150 * 1024, Offset: 0},
			{Path: "Album/02.flac", Length: 150 * 1024, Offset: 150 * 1024},
		},
	}
	candidate := &metainfo.Metainfo{
		PieceLength: pieceLength,
		// Piece 1 (the boundary piece shared by both files) differs.
		Pieces: []metainfo.Hash{hashOf(1), hashOf(99), hashOf(3)},
		Files: []metainfo.FileEntry{
			{Path: "Album/01.flac", Length: 150 * 1024, Offset: 0},
			{Path: "Album/02.flac", Length: 150 * 1024, Offset: 150 * 1024},
		},
	}

	strict := defaultPolicy()
	strict.LinkingMode = LinkHard
	v, err := Match(local, candidate, strict)
	require.NoError(t, err)
	assert.False(t, v.Accepted, "boundary mismatch rejects outside reflink+partial-piece tolerance")
	assert.Equal(t, ReasonPieceMismatch, v.Reason)

	tolerant := defaultPolicy()
	tolerant.LinkingMode = LinkReflink
	tolerant.AllowPartialPieces = true
	v2, err := Match(local, candidate, tolerant)
	require.NoError(t, err)
	assert.True(t, v2.Accepted, "reflink + allow_partial_pieces tolerates a boundary mismatch")
}

func TestMatch_FullPieceMismatchAlwaysRejects(t *testing.T) {
	t.Parallel()

	local := &metainfo.Metainfo{
		PieceLength: 100 * 1024,
		Pieces:      []metainfo.Hash{hashOf(1)},
		Files:       []metainfo.FileEntry{{Path: "Album/01.flac", Length: 100 * 1024, Offset: 0}},
	}
	candidate := &metainfo.Metainfo{
		PieceLength: 100 * 1024,
		Pieces:      []metainfo.Hash{hashOf(2)},
		Files:       []metainfo.FileEntry{{Path: "Album/01.flac", Length: 100 * 1024, Offset: 0}},
	}
	policy := defaultPolicy()
	policy.LinkingMode = LinkReflink
	policy.AllowPartialPieces = true
	v, err := Match(local, candidate, policy)
	require.NoError(t, err)
	assert.False(t, v.Accepted)
	assert.Equal(t, ReasonPieceMismatch, v.Reason)
}

func TestMatch_TruncatedFinalPieceMismatchRejects(t *testing.T) {
	t.Parallel()

	// A 150KB file with 100KB pieces: the final piece is truncated to 50KB
	// but wholly owned by the file, so it is not a boundary piece and a
	// mismatch there must reject even under reflink + allow_partial_pieces.
	const pieceLength = 100 * 1024
	local := &metainfo.Metainfo{
		PieceLength: pieceLength,
		Pieces:      []metainfo.Hash{hashOf(1), hashOf(2)},
		Files:       []metainfo.FileEntry{{Path: "Album/01.flac", Length: 150 * 1024, Offset: 0}},
	}
	candidate := &metainfo.Metainfo{
		PieceLength: pieceLength,
		Pieces:      []metainfo.Hash{hashOf(1), hashOf(99)},
		Files:       []metainfo.FileEntry{{Path: "Album/01.flac", Length: 150 * 1024, Offset: 0}},
	}
	policy := defaultPolicy()
	policy.LinkingMode = LinkReflink
	policy.AllowPartialPieces = true
	v, err := Match(local, candidate, policy)
	require.NoError(t, err)
	assert.False(t, v.Accepted)
	assert.Equal(t, ReasonPieceMismatch, v.Reason)
}

func TestMatch_ZeroWidthSpaceNormalizerPairsNames(t *testing.T) {
	t.Parallel()

	// Two same-length files that only disambiguate by name: a zero-width
	// space in the local name must not prevent pairing.
	local := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{
			{Path: "Album/01 - Track​One.flac", Length: 1000, Offset: 0},
			{Path: "Album/02 - TrackTwo.flac", Length: 1000, Offset: 1000},
		},
	}
	candidate := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{
			{Path: "Album/01 - TrackOne.flac", Length: 1000, Offset: 0},
			{Path: "Album/02 - TrackTwo.flac", Length: 1000, Offset: 1000},
		},
	}
	v, err := Match(local, candidate, defaultPolicy())
	require.NoError(t, err)
	require.True(t, v.Accepted)
	for _, a := range v.Mapping.Actions {
		if a.TargetPath == "Album/01 - TrackOne.flac" {
			assert.Equal(t, "Album/01 - Track​One.flac", a.LocalPath)
		}
	}
}

func TestMatch_DeterministicAcrossRuns(t *testing.T) {
	t.Parallel()

	local := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{
			{Path: "Album/01.flac", Length: 1000, Offset: 0},
			{Path: "Album/02.flac", Length: 1000, Offset: 1000},
		},
	}
	candidate := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{
			{Path: "Renamed/01.flac", Length: 1000, Offset: 0},
			{Path: "Renamed/02.flac", Length: 1000, Offset: 1000},
		},
	}
	v1, err := Match(local, candidate, defaultPolicy())
	require.NoError(t, err)
	v2, err := Match(local, candidate, defaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestMatch_SingleFileBothSides(t *testing.T) {
	t.Parallel()

	local := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{{Path: "track.flac", Length: 5000}},
	}
	candidate := &metainfo.Metainfo{
		Files: []metainfo.FileEntry{{Path: "renamed-track.flac", Length: 5000}},
	}
	v, err := Match(local, candidate, defaultPolicy())
	require.NoError(t, err)
	require.True(t, v.Accepted)
	assert.Equal(t, Link, v.Mapping.Actions[0].Kind)
}
