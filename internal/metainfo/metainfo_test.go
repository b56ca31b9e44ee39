// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metainfo

import (
	"crypto/sha1" //nolint:gosec // BitTorrent v1 infohash requires SHA1.
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTorrent constructs a minimal, well-formed bencoded torrent with one
// file per entry of fileLengths and as many pieces of pieceLength as their
// combined length needs.
func buildTorrent(t *testing.T, name string, fileLengths []int64, pieceLength int64, source string) []byte {
	t.Helper()

	var total int64
	var files []any
	for i, length := range fileLengths {
		total += length
		files = append(files, map[string]any{
			"length": length,
			"path":   []any{"disc", itoa(i) + ".flac"},
		})
	}

	numPieces := int((total + pieceLength - 1) / pieceLength)
	if numPieces == 0 {
		numPieces = 1
	}
	piecesBuf := make([]byte, 0, numPieces*20)
	for p := 0; p < numPieces; p++ {
		h := sha1.Sum([]byte{byte(p)}) //nolint:gosec // test fixture only.
		piecesBuf = append(piecesBuf, h[:]...)
	}

	info := map[string]any{
		"name":         name,
		"piece length": pieceLength,
		"pieces":       string(piecesBuf),
		"files":        files,
	}
	if source != "" {
		info["source"] = source
	}

	dict := map[string]any{
		"announce": "https://example.invalid/announce",
		"info":     info,
	}

	raw, err := encodeBencode(dict)
	require.NoError(t, err)
	return raw
}

func itoa(i int) string {
	digits := "0123456789"
	if i < 10 {
		return string(digits[i])
	}
	return string(digits[i/10]) + string(digits[i%10])
}

func TestParseEmitRoundTrip(t *testing.T) {
	t.Parallel()

	raw := buildTorrent(t, "Album", []int64{1 << 20, 2 << 20}, 1<<18, "")
	m, err := Parse(raw)
	require.NoError(t, err)

	emitted, err := m.Emit()
	require.NoError(t, err)

	reparsed, err := Parse(emitted)
	require.NoError(t, err)

	assert.Equal(t, m.InfoHash(), reparsed.InfoHash())
	assert.Equal(t, m.Files, reparsed.Files)
	assert.Equal(t, m.Pieces, reparsed.Pieces)
}

func TestWithSourceStableAndDistinct(t *testing.T) {
	t.Parallel()

	raw := buildTorrent(t, "Album", []int64{1 << 20}, 1<<18, "")
	m, err := Parse(raw)
	require.NoError(t, err)

	red1, err := m.WithSource("RED")
	require.NoError(t, err)
	red2, err := m.WithSource("RED")
	require.NoError(t, err)
	assert.Equal(t, red1.InfoHash(), red2.InfoHash(), "with_source must be stable across runs")

	ops, err := m.WithSource("OPS")
	require.NoError(t, err)
	assert.NotEqual(t, red1.InfoHash(), ops.InfoHash())
	assert.NotEqual(t, m.InfoHash(), red1.InfoHash())

	// Receiver is untouched by WithSource.
	assert.Equal(t, "", m.Source)
	assert.Equal(t, "RED", red1.Source)
}

func TestWithSourceSameFlagIsNoop(t *testing.T) {
	t.Parallel()

	raw := buildTorrent(t, "Album", []int64{1 << 20}, 1<<18, "RED")
	m, err := Parse(raw)
	require.NoError(t, err)

	same, err := m.WithSource("RED")
	require.NoError(t, err)
	assert.Equal(t, m.InfoHash(), same.InfoHash())
}

func TestPiecesForFileBoundaryCrossing(t *testing.T) {
	t.Parallel()

	// Two files of 150KB each with a 100KB piece length: file 0 spans
	// pieces [0,1], file 1 spans pieces [1,2], piece 1 straddles both.
	const pieceLength = 100 * 1024
	raw := buildTorrent(t, "Album", []int64{150 * 1024, 150 * 1024}, pieceLength, "")
	m, err := Parse(raw)
	require.NoError(t, err)

	ranges0, err := m.PiecesForFile(0)
	require.NoError(t, err)
	require.Len(t, ranges0, 2)
	assert.Equal(t, PieceRange{PieceIndex: 0, Start: 0, End: pieceLength}, ranges0[0])
	assert.Equal(t, PieceRange{PieceIndex: 1, Start: 0, End: 50 * 1024}, ranges0[1])

	ranges1, err := m.PiecesForFile(1)
	require.NoError(t, err)
	require.Len(t, ranges1, 2)
	assert.Equal(t, PieceRange{PieceIndex: 1, Start: 50 * 1024, End: pieceLength}, ranges1[0])
	// Total size is exactly 3 pieces, so piece 2 is full-width and wholly
	// owned by file 1.
	assert.Equal(t, PieceRange{PieceIndex: 2, Start: 0, End: pieceLength}, ranges1[1])
}

func TestPiecesForFileTruncatedFinalPiece(t *testing.T) {
	t.Parallel()

	// One 150KB file with a 100KB piece length: the final piece is
	// truncated to the remaining 50KB, still wholly owned by the file.
	const pieceLength = 100 * 1024
	raw := buildTorrent(t, "Album", []int64{150 * 1024}, pieceLength, "")
	m, err := Parse(raw)
	require.NoError(t, err)

	ranges, err := m.PiecesForFile(0)
	require.NoError(t, err)
	require.Len(t, ranges, 2)
	assert.Equal(t, PieceRange{PieceIndex: 0, Start: 0, End: pieceLength}, ranges[0])
	assert.Equal(t, PieceRange{PieceIndex: 1, Start: 0, End: 50 * 1024}, ranges[1])
}

func TestSingleFileTorrent(t *testing.T) {
	t.Parallel()

	info := map[string]any{
		"name":         "track.flac",
		"piece length": int64(1 << 18),
		"pieces":       string(make([]byte, 20)),
		"length":       int64(5 << 20),
	}
	dict := map[string]any{"info": info}
	raw, err := encodeBencode(dict)
	require.NoError(t, err)

	m, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, m.Files, 1)
	assert.Equal(t, "track.flac", m.Files[0].Path)
	assert.Equal(t, int64(5<<20), m.Files[0].Length)
	assert.Equal(t, int64(5<<20), m.TotalSize())
}
