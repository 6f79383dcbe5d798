package stager

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// fingerprintEntry is one input object in the canonical fingerprint payload.
type fingerprintEntry struct {
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// fingerprintBuilder accumulates input objects and produces a canonical
// digest over them. Entry order does not affect the result.
type fingerprintBuilder struct {
	entries []fingerprintEntry
}

func (b *fingerprintBuilder) add(key string, size int64, contentSHA string) {
	b.entries = append(b.entries, fingerprintEntry{Key: key, Size: size, SHA256: contentSHA})
}

// addReader hashes the reader's content and records it under key.
func (b *fingerprintBuilder) addReader(key string, r io.Reader) (int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return 0, fmt.Errorf("hash %s: %w", key, err)
	}
	b.add(key, n, hex.EncodeToString(h.Sum(nil)))
	return n, nil
}

// sum computes the canonical fingerprint: entries sorted by key, serialized
// as JSON, digested with SHA-256.
func (b *fingerprintBuilder) sum() (string, error) {
	entries := make([]fingerprintEntry, len(b.entries))
	copy(entries, b.entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	payload, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint payload: %w", err)
	}
	sha := sha256.Sum256(payload)
	return hex.EncodeToString(sha[:]), nil
}
