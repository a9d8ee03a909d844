// Package types defines the shared data model for the sync engine: change
// log entries, operation codes, the wire format exchanged between peers, and
// the canonical JSON encoding used for row identity and hashing.
package types

import (
	"fmt"
	"time"
)

// Operation identifies the kind of change a log entry captures.
// The numeric codes are fixed on the wire: 0=insert, 1=update, 2=delete.
type Operation int

const (
	OpInsert Operation = 0
	OpUpdate Operation = 1
	OpDelete Operation = 2
)

// String returns the lowercase name of the operation.
func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("operation(%d)", int(o))
}

// Valid reports whether the operation code is one of the three known codes.
func (o Operation) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// TimestampLayout is the wall-clock format written by capture triggers and
// carried on the wire. Millisecond precision, always UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// ChangeEntry is a single row change captured in the append-only log.
//
// PkValue and Payload carry nested JSON as strings, not objects, so that a
// round-trip through the wire format is byte-identical. Payload is nil for
// deletes (tombstones). BeforePayload is the pre-image for updates, kept for
// conflict diagnostics only.
type ChangeEntry struct {
	Version       int64     `json:"Version"`
	TableName     string    `json:"TableName"`
	PkValue       string    `json:"PkValue"`
	Operation     Operation `json:"Operation"`
	Payload       *string   `json:"Payload"`
	BeforePayload *string   `json:"BeforePayload,omitempty"`
	Origin        string    `json:"Origin"`
	Timestamp     string    `json:"Timestamp"`
	RowHash       *string   `json:"RowHash"`
}

// IsTombstone reports whether the entry is a delete marker.
func (e *ChangeEntry) IsTombstone() bool {
	return e.Operation == OpDelete
}

// PkMap decodes the entry's primary-key JSON into a map.
func (e *ChangeEntry) PkMap() (map[string]any, error) {
	m, err := DecodeObject(e.PkValue)
	if err != nil {
		return nil, fmt.Errorf("decode pk for %s: %w", e.TableName, err)
	}
	return m, nil
}

// PayloadMap decodes the entry's payload JSON into a map. Returns nil for
// tombstones (no payload).
func (e *ChangeEntry) PayloadMap() (map[string]any, error) {
	if e.Payload == nil {
		return nil, nil
	}
	m, err := DecodeObject(*e.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", e.TableName, err)
	}
	return m, nil
}

// Time parses the entry timestamp. Accepts any RFC3339 string so entries
// produced by either dialect (millisecond or microsecond precision) compare
// correctly.
func (e *ChangeEntry) Time() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", e.Timestamp, err)
	}
	return t, nil
}

// Validate checks the fields every entry must carry before it can be applied
// or shipped to a peer.
func (e *ChangeEntry) Validate() error {
	if e.TableName == "" {
		return fmt.Errorf("entry %d: missing table name", e.Version)
	}
	if e.PkValue == "" {
		return fmt.Errorf("entry %d: missing pk value", e.Version)
	}
	if !e.Operation.Valid() {
		return fmt.Errorf("entry %d: unknown operation code %d", e.Version, int(e.Operation))
	}
	if e.Operation == OpDelete && e.Payload != nil {
		return fmt.Errorf("entry %d: delete carries a payload", e.Version)
	}
	if e.Operation != OpDelete && e.Payload == nil {
		return fmt.Errorf("entry %d: %s without payload", e.Version, e.Operation)
	}
	if e.Origin == "" {
		return fmt.Errorf("entry %d: missing origin", e.Version)
	}
	return nil
}

// StringPtr returns a pointer to s. Convenience for building entries with
// nullable payload columns.
func StringPtr(s string) *string {
	return &s
}
