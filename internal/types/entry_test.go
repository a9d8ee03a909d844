package types

import (
	"encoding/json"
	"testing"
)

func TestOperationCodes(t *testing.T) {
	// Wire codes are fixed; peers of different versions depend on them.
	if OpInsert != 0 || OpUpdate != 1 || OpDelete != 2 {
		t.Fatalf("operation codes changed: insert=%d update=%d delete=%d",
			OpInsert, OpUpdate, OpDelete)
	}
	if Operation(3).Valid() {
		t.Error("operation 3 should not be valid")
	}
}

func TestChangeEntryWireFormat(t *testing.T) {
	entry := ChangeEntry{
		Version:   42,
		TableName: "fhir_Patient",
		PkValue:   `{"Id":"u1"}`,
		Operation: OpInsert,
		Payload:   StringPtr(`{"Id":"u1","Name":"Alice"}`),
		Origin:    "node-a",
		Timestamp: "2025-01-15T10:30:00.000Z",
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	// PkValue and Payload are nested-JSON strings, not objects.
	if _, ok := raw["PkValue"].(string); !ok {
		t.Errorf("PkValue should be a string, got %T", raw["PkValue"])
	}
	if _, ok := raw["Payload"].(string); !ok {
		t.Errorf("Payload should be a string, got %T", raw["Payload"])
	}
	if op, _ := raw["Operation"].(float64); op != 0 {
		t.Errorf("Operation should marshal as numeric code, got %v", raw["Operation"])
	}
	// RowHash is present (null) even when unset.
	if _, ok := raw["RowHash"]; !ok {
		t.Error("RowHash key missing from wire format")
	}
}

func TestChangeEntryValidate(t *testing.T) {
	base := func() ChangeEntry {
		return ChangeEntry{
			Version:   1,
			TableName: "User",
			PkValue:   `{"Id":"u1"}`,
			Operation: OpInsert,
			Payload:   StringPtr(`{"Id":"u1"}`),
			Origin:    "a",
			Timestamp: "2025-01-15T10:30:00.000Z",
		}
	}

	t.Run("valid insert", func(t *testing.T) {
		e := base()
		if err := e.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("delete with payload rejected", func(t *testing.T) {
		e := base()
		e.Operation = OpDelete
		if err := e.Validate(); err == nil {
			t.Error("expected error for delete with payload")
		}
	})

	t.Run("insert without payload rejected", func(t *testing.T) {
		e := base()
		e.Payload = nil
		if err := e.Validate(); err == nil {
			t.Error("expected error for insert without payload")
		}
	})

	t.Run("unknown operation rejected", func(t *testing.T) {
		e := base()
		e.Operation = Operation(9)
		if err := e.Validate(); err == nil {
			t.Error("expected error for unknown operation")
		}
	})
}

func TestChangeEntryTime(t *testing.T) {
	e := ChangeEntry{Timestamp: "2025-01-15T10:30:00.100Z"}
	got, err := e.Time()
	if err != nil {
		t.Fatalf("Time failed: %v", err)
	}
	// Microsecond-precision timestamps from the centralized dialect parse too,
	// and compare correctly against millisecond ones.
	e2 := ChangeEntry{Timestamp: "2025-01-15T10:30:00.100000Z"}
	got2, err := e2.Time()
	if err != nil {
		t.Fatalf("Time failed: %v", err)
	}
	if !got.Equal(got2) {
		t.Errorf("equivalent timestamps compare unequal: %v vs %v", got, got2)
	}
}
