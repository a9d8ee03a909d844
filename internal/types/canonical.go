package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical JSON is the identity encoding for rows: object keys sorted
// lexicographically, no insignificant whitespace, HTML escaping disabled so
// unicode and JSON-special characters survive byte-identically. Both dialects
// emit JSON with their own key ordering; every Go boundary re-canonicalizes
// so the wire format never depends on database behavior.

// DecodeObject parses a JSON object string into a map. Numbers are decoded
// as json.Number to avoid float mangling of large integers.
func DecodeObject(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	return m, nil
}

// EncodeObject encodes a map as canonical JSON.
func EncodeObject(m map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, m); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// CanonicalizeObject re-encodes a JSON object string canonically. The empty
// string passes through (absent payload).
func CanonicalizeObject(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	m, err := DecodeObject(raw)
	if err != nil {
		return "", err
	}
	return EncodeObject(m)
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return writeScalar(buf, v)
	}
}

func writeScalar(buf *bytes.Buffer, v any) error {
	if n, ok := v.(json.Number); ok {
		buf.WriteString(n.String())
		return nil
	}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}
	// Encoder appends a newline; canonical form has none.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// RowHash computes the SHA-256 hex digest identifying a row state: the
// canonical table name, pk and payload joined by NUL separators. Deletes have
// no payload and therefore no hash; callers pass nil.
func RowHash(table, pkJSON string, payloadJSON *string) (string, error) {
	pk, err := CanonicalizeObject(pkJSON)
	if err != nil {
		return "", fmt.Errorf("row hash pk: %w", err)
	}
	payload := ""
	if payloadJSON != nil {
		payload, err = CanonicalizeObject(*payloadJSON)
		if err != nil {
			return "", fmt.Errorf("row hash payload: %w", err)
		}
	}
	h := sha256.New()
	h.Write([]byte(table))
	h.Write([]byte{0})
	h.Write([]byte(pk))
	h.Write([]byte{0})
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil)), nil
}
