// Package jsonutil provides the canonical JSON formatting used for all
// locker-managed documents, plus small helpers for dot-notation lookups
// and partition key hashing.
package jsonutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Format renders data as the canonical JSON used throughout the locker:
// sorted keys, two-space indent, trailing newline omitted.
//
// Every JSON document committed to the locker goes through Format so that
// diffs in locker history stay minimal and reviewable.
func Format(data any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return nil, fmt.Errorf("jsonutil: format: %w", err)
	}
	// json.Encoder appends a newline; canonical form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Reformat parses raw JSON and re-renders it in canonical form.
func Reformat(raw []byte) ([]byte, error) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("jsonutil: reformat: %w", err)
	}
	return Format(data)
}

// ParseDotKey resolves a dot-notation key path ("foo.bar") against nested
// map[string]any data. Returns nil when any segment is absent.
func ParseDotKey(data map[string]any, key string) any {
	var current any = data
	for _, part := range strings.Split(key, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
		if current == nil {
			return nil
		}
	}
	return current
}

// KeyHash provides a hex SHA-256 hash over the string forms of the supplied
// key values, truncated to size characters. A size of 0 (or one exceeding
// the hash length) returns the full hash.
func KeyHash(key []string, size int) string {
	h := sha256.New()
	for _, part := range key {
		h.Write([]byte(part))
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if size <= 0 || size > len(sum) {
		return sum
	}
	return sum[:size]
}
