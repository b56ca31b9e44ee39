// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metainfo

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// decodeBencode and encodeBencode implement a minimal, strict BEP-3 codec
// over generic values (int64, string, []any, map[string]any). Dict keys are
// sorted and integers re-emitted without leading zeros or redundant signs on
// every encode, which is what makes re-encoding an info dict after mutating
// its "source" key reproduce a BEP-3-legal infohash.
func decodeBencode(data []byte) (any, error) {
	v, pos, err := decodeBencodeValue(data, 0)
	if err != nil {
		return nil, err
	}
	if pos != len(data) {
		return nil, fmt.Errorf("trailing data after bencode value at offset %d", pos)
	}
	return v, nil
}

func decodeBencodeValue(data []byte, pos int) (any, int, error) {
	if pos >= len(data) {
		return nil, pos, errors.New("unexpected end of data")
	}
	switch {
	case data[pos] == 'i':
		return decodeBencodeInt(data, pos)
	case data[pos] == 'l':
		return decodeBencodeList(data, pos)
	case data[pos] == 'd':
		return decodeBencodeDict(data, pos)
	case data[pos] >= '0' && data[pos] <= '9':
		return decodeBencodeString(data, pos)
	default:
		return nil, pos, fmt.Errorf("invalid bencode at position %d: %c", pos, data[pos])
	}
}

func decodeBencodeInt(data []byte, pos int) (int64, int, error) {
	pos++ // skip 'i'
	end := bytes.IndexByte(data[pos:], 'e')
	if end == -1 {
		return 0, pos, errors.New("unterminated integer")
	}
	end += pos
	n, err := strconv.ParseInt(string(data[pos:end]), 10, 64)
	if err != nil {
		return 0, pos, err
	}
	return n, end + 1, nil
}

func decodeBencodeString(data []byte, pos int) (string, int, error) {
	colonPos := bytes.IndexByte(data[pos:], ':')
	if colonPos == -1 {
		return "", pos, errors.New("invalid string: no colon")
	}
	colonPos += pos
	length, err := strconv.Atoi(string(data[pos:colonPos]))
	if err != nil {
		return "", pos, err
	}
	start := colonPos + 1
	end := start + length
	if end > len(data) || length < 0 {
		return "", pos, errors.New("string length exceeds data")
	}
	return string(data[start:end]), end, nil
}

func decodeBencodeList(data []byte, pos int) ([]any, int, error) {
	pos++ // skip 'l'
	var result []any
	for pos < len(data) && data[pos] != 'e' {
		val, newPos, err := decodeBencodeValue(data, pos)
		if err != nil {
			return nil, pos, err
		}
		result = append(result, val)
		pos = newPos
	}
	if pos >= len(data) {
		return nil, pos, errors.New("unterminated list")
	}
	return result, pos + 1, nil
}

func decodeBencodeDict(data []byte, pos int) (map[string]any, int, error) {
	pos++ // skip 'd'
	result := make(map[string]any)
	for pos < len(data) && data[pos] != 'e' {
		key, newPos, err := decodeBencodeString(data, pos)
		if err != nil {
			return nil, pos, fmt.Errorf("invalid dict key: %w", err)
		}
		pos = newPos
		val, newPos, err := decodeBencodeValue(data, pos)
		if err != nil {
			return nil, pos, fmt.Errorf("invalid dict value for key %s: %w", key, err)
		}
		result[key] = val
		pos = newPos
	}
	if pos >= len(data) {
		return nil, pos, errors.New("unterminated dict")
	}
	return result, pos + 1, nil
}

func encodeBencode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeBencodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeBencodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case int64:
		fmt.Fprintf(buf, "i%de", val)
	case int:
		fmt.Fprintf(buf, "i%de", val)
	case string:
		fmt.Fprintf(buf, "%d:", len(val))
		buf.WriteString(val)
	case []any:
		buf.WriteByte('l')
		for _, item := range val {
			if err := encodeBencodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case map[string]any:
		buf.WriteByte('d')
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(buf, "%d:%s", len(k), k)
			if err := encodeBencodeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	default:
		return fmt.Errorf("unsupported bencode type: %T", v)
	}
	return nil
}
