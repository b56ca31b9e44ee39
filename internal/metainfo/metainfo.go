// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metainfo parses and re-emits BitTorrent metainfo bencoding: the
// info dict, file list, piece length, piece hashes and source flag. It
// exposes per-file piece coverage for the matcher and a WithSource operation
// that recomputes the infohash after mutating the source flag, which is how
// a local torrent becomes hash-legal for a second Gazelle-family tracker.
package metainfo

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // BitTorrent v1 infohash requires SHA1.
	"fmt"

	anameta "github.com/anacrolix/torrent/metainfo"
)

// Hash is a v1 BitTorrent infohash. It is an alias of anacrolix/torrent's
// metainfo.Hash so values returned by this package compare equal to hashes
// produced elsewhere in the module (e.g. a client adapter's own parse path).
type Hash = anameta.Hash

// FileEntry describes one file inside a torrent's content stream, in
// declared order, with its cumulative byte offset into that stream.
type FileEntry struct {
	// Path is the file's relative path, including the top-level directory
	// name for multi-file torrents.
	Path string
	// Length is the file's size in bytes.
	Length int64
	// Offset is the file's starting byte offset within the concatenated
	// content stream used for piece hashing.
	Offset int64
}

// PieceRange describes the portion of a piece that a given file covers.
// Start and End are byte offsets within the piece (End exclusive), so a
// file that covers an entire piece has Start == 0 and End == pieceLength.
type PieceRange struct {
	PieceIndex int
	Start      int64
	End        int64
}

// Metainfo is the parsed, mutable-by-derivation model of a .torrent file.
type Metainfo struct {
	dict map[string]any
	info map[string]any

	Name         string
	Announce     string
	AnnounceList [][]string
	PieceLength  int64
	Pieces       []Hash
	Files        []FileEntry
	Source       string

	infoHash Hash
}

// Parse decodes bencoded torrent bytes into a Metainfo.
func Parse(data []byte) (*Metainfo, error) {
	decoded, err := decodeBencode(data)
	if err != nil {
		return nil, fmt.Errorf("decode torrent: %w", err)
	}
	dict, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("torrent is not a dictionary")
	}
	infoRaw, ok := dict["info"]
	if !ok {
		return nil, fmt.Errorf("torrent has no info dictionary")
	}
	info, ok := infoRaw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("info is not a dictionary")
	}

	m := &Metainfo{dict: dict, info: info}
	if err := m.project(); err != nil {
		return nil, err
	}
	return m, nil
}

// project recomputes every derived field (infohash, file list, piece list)
// from the current m.dict/m.info contents. Called after Parse and after any
// mutation that replaces m.info (WithSource).
func (m *Metainfo) project() error {
	encodedInfo, err := encodeBencode(m.info)
	if err != nil {
		return fmt.Errorf("encode info dict: %w", err)
	}
	m.infoHash = Hash(sha1.Sum(encodedInfo)) //nolint:gosec // BitTorrent v1 infohash requires SHA1.

	if name, ok := m.info["name"].(string); ok {
		m.Name = name
	}
	if pieceLength, ok := toInt64(m.info["piece length"]); ok {
		m.PieceLength = pieceLength
	}
	if source, ok := m.info["source"].(string); ok {
		m.Source = source
	} else {
		m.Source = ""
	}
	if announce, ok := m.dict["announce"].(string); ok {
		m.Announce = announce
	}
	m.AnnounceList = parseAnnounceList(m.dict["announce-list"])

	piecesRaw, _ := m.info["pieces"].(string)
	m.Pieces = m.Pieces[:0]
	for i := 0; i+20 <= len(piecesRaw); i += 20 {
		var h Hash
		copy(h[:], piecesRaw[i:i+20])
		m.Pieces = append(m.Pieces, h)
	}

	files, err := buildFileEntries(m.info, m.Name)
	if err != nil {
		return err
	}
	m.Files = files
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func parseAnnounceList(v any) [][]string {
	outer, ok := v.([]any)
	if !ok {
		return nil
	}
	result := make([][]string, 0, len(outer))
	for _, tierRaw := range outer {
		tier, ok := tierRaw.([]any)
		if !ok {
			continue
		}
		urls := make([]string, 0, len(tier))
		for _, u := range tier {
			if s, ok := u.(string); ok {
				urls = append(urls, s)
			}
		}
		result = append(result, urls)
	}
	return result
}

func buildFileEntries(info map[string]any, name string) ([]FileEntry, error) {
	filesRaw, isMultiFile := info["files"].([]any)
	if !isMultiFile {
		length, ok := toInt64(info["length"])
		if !ok {
			return nil, fmt.Errorf("single-file info dict missing integer length")
		}
		return []FileEntry{{Path: name, Length: length, Offset: 0}}, nil
	}

	entries := make([]FileEntry, 0, len(filesRaw))
	var offset int64
	for i, fRaw := range filesRaw {
		f, ok := fRaw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("files[%d] is not a dictionary", i)
		}
		length, ok := toInt64(f["length"])
		if !ok {
			return nil, fmt.Errorf("files[%d] missing integer length", i)
		}
		pathPartsRaw, _ := f["path"].([]any)
		parts := make([]string, 0, len(pathPartsRaw)+1)
		if name != "" {
			parts = append(parts, name)
		}
		for _, p := range pathPartsRaw {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		entries = append(entries, FileEntry{
			Path:   joinPath(parts),
			Length: length,
			Offset: offset,
		})
		offset += length
	}
	return entries, nil
}

func joinPath(parts []string) string {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte('/')
		}
		buf.WriteString(p)
	}
	return buf.String()
}

// InfoHash returns the v1 infohash of the info dict as currently encoded.
func (m *Metainfo) InfoHash() Hash {
	return m.infoHash
}

// TotalSize returns the sum of all file lengths, i.e. the length of the
// content stream piece hashes are computed over.
func (m *Metainfo) TotalSize() int64 {
	if len(m.Files) == 0 {
		return 0
	}
	last := m.Files[len(m.Files)-1]
	return last.Offset + last.Length
}

// Emit re-encodes the full torrent dict (announce, announce-list, info and
// any other top-level keys carried from Parse) as canonical BEP-3 bencoding:
// sorted dict keys, minimal integer encoding. Re-parsing the result yields a
// Metainfo whose InfoHash is identical to this one's.
func (m *Metainfo) Emit() ([]byte, error) {
	return encodeBencode(m.dict)
}

// WithSource returns a new Metainfo whose info dict has its "source" key set
// to flag (or removed, if flag is empty), and whose InfoHash reflects that
// mutation. The receiver is left unmodified. This is how a local torrent is
// turned into a hash-legal candidate for a specific target tracker: Gazelle
// sites stamp every torrent they serve with a "source" string, so recovering
// the exact infohash they would report requires reproducing that stamp
// before recomputing SHA-1 over the canonical re-encoding.
func (m *Metainfo) WithSource(flag string) (*Metainfo, error) {
	if m.info == nil {
		// A Metainfo reconstructed from cached file lists has no info dict;
		// stamping one would hash a fabricated dict that matches nothing.
		return nil, fmt.Errorf("metainfo: no info dict to stamp source onto")
	}
	newInfo := make(map[string]any, len(m.info))
	for k, v := range m.info {
		newInfo[k] = v
	}
	if flag == "" {
		delete(newInfo, "source")
	} else {
		newInfo["source"] = flag
	}

	newDict := make(map[string]any, len(m.dict))
	for k, v := range m.dict {
		newDict[k] = v
	}
	newDict["info"] = newInfo

	clone := &Metainfo{dict: newDict, info: newInfo}
	if err := clone.project(); err != nil {
		return nil, err
	}
	return clone, nil
}

// PiecesForFile returns, in piece order, the byte ranges within each piece
// that file i contributes to the torrent's content stream. A file that
// spans multiple pieces yields multiple ranges; a piece shared with
// neighboring files yields a partial range (Start/End narrower than
// [0, PieceLength)).
func (m *Metainfo) PiecesForFile(i int) ([]PieceRange, error) {
	if i < 0 || i >= len(m.Files) {
		return nil, fmt.Errorf("file index %d out of range", i)
	}
	if m.PieceLength <= 0 {
		return nil, fmt.Errorf("invalid piece length %d", m.PieceLength)
	}

	file := m.Files[i]
	total := m.TotalSize()
	start, end := file.Offset, file.Offset+file.Length
	if file.Length == 0 {
		return nil, nil
	}

	firstPiece := int(start / m.PieceLength)
	lastPiece := int((end - 1) / m.PieceLength)

	ranges := make([]PieceRange, 0, lastPiece-firstPiece+1)
	for p := firstPiece; p <= lastPiece; p++ {
		pieceStart := int64(p) * m.PieceLength
		pieceEnd := pieceStart + m.PieceLength
		if pieceEnd > total {
			pieceEnd = total
		}
		rangeStart := max64(pieceStart, start) - pieceStart
		rangeEnd := min64(pieceEnd, end) - pieceStart
		ranges = append(ranges, PieceRange{PieceIndex: p, Start: rangeStart, End: rangeEnd})
	}
	return ranges, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
