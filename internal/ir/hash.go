package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Domain prefixes for content hashing.
// Version suffix enables future algorithm migration.
const (
	DomainDocument = "marten/document/v1"
	DomainStream   = "marten/stream/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DocumentHash returns the content hash of a canonical document.
// Dirty tracking compares hashes taken at load time and at commit time.
func DocumentHash(canonical []byte) string {
	return hashWithDomain(DomainDocument, canonical)
}

// HashDocument serializes doc with encoding/json and returns those bytes,
// which are what gets stored, with the hash of their canonical form.
func HashDocument(doc any) ([]byte, string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("hash document: %w", err)
	}
	hash, err := HashJSON(data)
	if err != nil {
		return nil, "", fmt.Errorf("hash document: %w", err)
	}
	return data, hash, nil
}

// HashJSON returns the document hash of an encoded JSON document.
func HashJSON(data []byte) (string, error) {
	canonical, err := Canonicalize(data)
	if err != nil {
		return "", err
	}
	return DocumentHash(canonical), nil
}

// StreamHash returns a stable hash of a stream's event payloads, used in
// traces to compare appends without printing full payloads.
func StreamHash(s *EventStream) (string, error) {
	payloads := make([]any, 0, len(s.Events))
	for _, e := range s.Events {
		payloads = append(payloads, map[string]any{"type": e.Type, "data": e.Data})
	}
	canonical, err := MarshalCanonical(map[string]any{
		"key":    s.Key.ID,
		"events": payloads,
	})
	if err != nil {
		return "", fmt.Errorf("hash stream %s: %w", s.Key, err)
	}
	return hashWithDomain(DomainStream, canonical), nil
}
