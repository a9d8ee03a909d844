package types

import (
	"strings"
	"testing"
)

func TestCanonicalizeObject(t *testing.T) {
	t.Run("sorts keys lexicographically", func(t *testing.T) {
		got, err := CanonicalizeObject(`{"b":"x","a":1}`)
		if err != nil {
			t.Fatalf("CanonicalizeObject failed: %v", err)
		}
		if got != `{"a":1,"b":"x"}` {
			t.Errorf("got %s", got)
		}
	})

	t.Run("strips insignificant whitespace", func(t *testing.T) {
		got, err := CanonicalizeObject(`{ "Id" : "u1" }`)
		if err != nil {
			t.Fatalf("CanonicalizeObject failed: %v", err)
		}
		if got != `{"Id":"u1"}` {
			t.Errorf("got %s", got)
		}
	})

	t.Run("preserves null distinct from empty string", func(t *testing.T) {
		got, err := CanonicalizeObject(`{"a":null,"b":""}`)
		if err != nil {
			t.Fatalf("CanonicalizeObject failed: %v", err)
		}
		if got != `{"a":null,"b":""}` {
			t.Errorf("got %s", got)
		}
	})

	t.Run("passes unicode through byte-identically", func(t *testing.T) {
		got, err := CanonicalizeObject(`{"name":"Ünïcode 🎉"}`)
		if err != nil {
			t.Fatalf("CanonicalizeObject failed: %v", err)
		}
		if got != `{"name":"Ünïcode 🎉"}` {
			t.Errorf("got %s", got)
		}
	})

	t.Run("escapes JSON specials exactly once", func(t *testing.T) {
		got, err := CanonicalizeObject(`{"q":"a\"b\\c"}`)
		if err != nil {
			t.Fatalf("CanonicalizeObject failed: %v", err)
		}
		if got != `{"q":"a\"b\\c"}` {
			t.Errorf("got %s", got)
		}
	})

	t.Run("does not escape HTML characters", func(t *testing.T) {
		got, err := CanonicalizeObject(`{"html":"<a>&</a>"}`)
		if err != nil {
			t.Fatalf("CanonicalizeObject failed: %v", err)
		}
		if strings.Contains(got, `\u003c`) || strings.Contains(got, `\u0026`) {
			t.Errorf("HTML-escaped output: %s", got)
		}
		if got != `{"html":"<a>&</a>"}` {
			t.Errorf("got %s", got)
		}
	})

	t.Run("preserves large integers exactly", func(t *testing.T) {
		got, err := CanonicalizeObject(`{"v":9007199254740993}`)
		if err != nil {
			t.Fatalf("CanonicalizeObject failed: %v", err)
		}
		if got != `{"v":9007199254740993}` {
			t.Errorf("got %s", got)
		}
	})

	t.Run("rejects non-objects", func(t *testing.T) {
		if _, err := CanonicalizeObject(`[1,2]`); err == nil {
			t.Error("expected error for array input")
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		once, err := CanonicalizeObject(`{"b":2,"a":{"d":4,"c":3}}`)
		if err != nil {
			t.Fatalf("CanonicalizeObject failed: %v", err)
		}
		twice, err := CanonicalizeObject(once)
		if err != nil {
			t.Fatalf("CanonicalizeObject failed: %v", err)
		}
		if once != twice {
			t.Errorf("not idempotent: %s vs %s", once, twice)
		}
	})
}

func TestRowHash(t *testing.T) {
	t.Run("deterministic across key order", func(t *testing.T) {
		payload1 := StringPtr(`{"a":1,"b":2}`)
		payload2 := StringPtr(`{"b":2,"a":1}`)
		h1, err := RowHash("User", `{"Id":"u1"}`, payload1)
		if err != nil {
			t.Fatalf("RowHash failed: %v", err)
		}
		h2, err := RowHash("User", `{"Id":"u1"}`, payload2)
		if err != nil {
			t.Fatalf("RowHash failed: %v", err)
		}
		if h1 != h2 {
			t.Errorf("hashes differ: %s vs %s", h1, h2)
		}
	})

	t.Run("differs by table", func(t *testing.T) {
		payload := StringPtr(`{"a":1}`)
		h1, _ := RowHash("User", `{"Id":"u1"}`, payload)
		h2, _ := RowHash("Customer", `{"Id":"u1"}`, payload)
		if h1 == h2 {
			t.Error("hashes should differ by table name")
		}
	})

	t.Run("nil payload for tombstones", func(t *testing.T) {
		h, err := RowHash("User", `{"Id":"u1"}`, nil)
		if err != nil {
			t.Fatalf("RowHash failed: %v", err)
		}
		if len(h) != 64 {
			t.Errorf("expected 64 hex chars, got %d", len(h))
		}
	})
}
