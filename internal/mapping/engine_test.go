package mapping

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tandemsync/tandem/internal/types"
)

func strPtr(s string) *string { return &s }

func userToCustomer() *Config {
	return &Config{
		Version:          "1.0",
		UnmappedBehavior: UnmappedStrict,
		Mappings: []TableMapping{{
			ID:          "user-to-customer",
			SourceTable: "User",
			TargetTable: "customer",
			Direction:   DirectionBoth,
			Enabled:     true,
			PkMapping:   &PkMapping{Source: "Id", Target: "customer_id"},
			ColumnMappings: []ColumnMapping{
				{Source: strPtr("FullName"), Target: "name", Transform: TransformIdentity},
				{Source: strPtr("EmailAddress"), Target: "email", Transform: TransformIdentity},
				{Source: nil, Target: "source", Transform: TransformConstant, Value: "mobile-app"},
			},
			ExcludedColumns: []string{"PasswordHash"},
		}},
	}
}

func userInsert() types.ChangeEntry {
	return types.ChangeEntry{
		Version:   1,
		TableName: "User",
		PkValue:   `{"Id":"u1"}`,
		Operation: types.OpInsert,
		Payload:   strPtr(`{"EmailAddress":"a@x.com","FullName":"Alice","Id":"u1"}`),
		Origin:    "origin-a",
		Timestamp: "2025-01-15T10:30:00.000Z",
	}
}

func TestApplyMappingInsert(t *testing.T) {
	out, err := ApplyMapping(userInsert(), userToCustomer(), DirectionPush)
	if err != nil {
		t.Fatalf("ApplyMapping: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 mapped entry, got %d", len(out))
	}
	m := out[0]
	if m.TableName != "customer" {
		t.Errorf("table = %s, want customer", m.TableName)
	}
	if m.PkValue != `{"customer_id":"u1"}` {
		t.Errorf("pk = %s", m.PkValue)
	}
	want := `{"customer_id":"u1","email":"a@x.com","name":"Alice","source":"mobile-app"}`
	if *m.Payload != want {
		t.Errorf("payload = %s\nwant      %s", *m.Payload, want)
	}
	// Version, origin and timestamp ride along unchanged.
	if m.Version != 1 || m.Origin != "origin-a" || m.Timestamp != "2025-01-15T10:30:00.000Z" {
		t.Errorf("entry metadata not preserved: %+v", m)
	}
	// Hash covers the mapped shape.
	wantHash, _ := types.RowHash("customer", m.PkValue, m.Payload)
	if m.RowHash == nil || *m.RowHash != wantHash {
		t.Errorf("row hash not recomputed for mapped entry")
	}
}

func TestApplyMappingDelete(t *testing.T) {
	entry := userInsert()
	entry.Version = 2
	entry.Operation = types.OpDelete
	entry.Payload = nil

	out, err := ApplyMapping(entry, userToCustomer(), DirectionPush)
	if err != nil {
		t.Fatalf("ApplyMapping: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 mapped entry, got %d", len(out))
	}
	m := out[0]
	if m.Payload != nil {
		t.Errorf("tombstone payload = %s, want null", *m.Payload)
	}
	if m.PkValue != `{"customer_id":"u1"}` {
		t.Errorf("tombstone pk not transformed: %s", m.PkValue)
	}
	if m.RowHash != nil {
		t.Error("tombstone should carry no row hash")
	}
}

func TestMultiTargetFanOut(t *testing.T) {
	cfg := &Config{
		Version:          "1.0",
		UnmappedBehavior: UnmappedStrict,
		Mappings: []TableMapping{{
			ID:            "order-fanout",
			SourceTable:   "SalesOrder",
			Direction:     DirectionPush,
			Enabled:       true,
			IsMultiTarget: true,
			Targets: []TargetConfig{
				{
					TargetTable: "OrderHeader",
					PkMapping:   &PkMapping{Source: "Id", Target: "OrderId"},
					ColumnMappings: []ColumnMapping{
						{Source: strPtr("CustomerId"), Target: "CustomerId", Transform: TransformIdentity},
						{Source: strPtr("Total"), Target: "Amount", Transform: TransformIdentity},
					},
				},
				{
					TargetTable: "OrderAudit",
					PkMapping:   &PkMapping{Source: "Id", Target: "OrderId"},
					ColumnMappings: []ColumnMapping{
						{Source: strPtr("CreatedAt"), Target: "EventTime", Transform: TransformIdentity},
						{Source: nil, Target: "EventType", Transform: TransformConstant, Value: "order_created"},
					},
				},
			},
		}},
	}

	entry := types.ChangeEntry{
		Version:   7,
		TableName: "SalesOrder",
		PkValue:   `{"Id":"o1"}`,
		Operation: types.OpInsert,
		Payload:   strPtr(`{"CreatedAt":"2024-01-15T10:30:00Z","CustomerId":"c1","Id":"o1","Total":249.99}`),
		Origin:    "origin-a",
		Timestamp: "2024-01-15T10:30:01.000Z",
	}

	out, err := ApplyMapping(entry, cfg, DirectionPush)
	if err != nil {
		t.Fatalf("ApplyMapping: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 mapped entries, got %d", len(out))
	}

	header, audit := out[0], out[1]
	if header.TableName != "OrderHeader" || audit.TableName != "OrderAudit" {
		t.Fatalf("targets = %s, %s", header.TableName, audit.TableName)
	}
	if *header.Payload != `{"Amount":249.99,"CustomerId":"c1","OrderId":"o1"}` {
		t.Errorf("header payload = %s", *header.Payload)
	}
	if *audit.Payload != `{"EventTime":"2024-01-15T10:30:00Z","EventType":"order_created","OrderId":"o1"}` {
		t.Errorf("audit payload = %s", *audit.Payload)
	}
	for _, m := range out {
		if m.PkValue != `{"OrderId":"o1"}` {
			t.Errorf("%s pk = %s", m.TableName, m.PkValue)
		}
		if m.Version != 7 || m.Origin != "origin-a" || m.Timestamp != entry.Timestamp {
			t.Errorf("%s metadata not preserved", m.TableName)
		}
	}
}

func TestRowFilter(t *testing.T) {
	cfg := userToCustomer()
	cfg.Mappings[0].Filter = "Active=1"

	entry := userInsert()
	entry.Payload = strPtr(`{"Active":0,"FullName":"Alice","Id":"u1"}`)
	out, err := ApplyMapping(entry, cfg, DirectionPush)
	if err != nil {
		t.Fatalf("ApplyMapping: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("filtered entry was mapped: %+v", out)
	}

	entry.Payload = strPtr(`{"Active":1,"FullName":"Alice","Id":"u1"}`)
	out, err = ApplyMapping(entry, cfg, DirectionPush)
	if err != nil {
		t.Fatalf("ApplyMapping: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("matching entry was dropped")
	}

	// Tombstones propagate regardless of the filter.
	del := userInsert()
	del.Operation = types.OpDelete
	del.Payload = nil
	out, err = ApplyMapping(del, cfg, DirectionPush)
	if err != nil {
		t.Fatalf("ApplyMapping delete: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("tombstone was filtered out")
	}
}

func TestUnmappedBehavior(t *testing.T) {
	entry := userInsert()
	entry.TableName = "Unknown"

	t.Run("strict", func(t *testing.T) {
		cfg := userToCustomer()
		_, err := ApplyMapping(entry, cfg, DirectionPush)
		if !errors.Is(err, ErrUnmappedTable) {
			t.Fatalf("expected ErrUnmappedTable, got %v", err)
		}
	})

	t.Run("passThrough", func(t *testing.T) {
		cfg := userToCustomer()
		cfg.UnmappedBehavior = UnmappedPassThrough
		out, err := ApplyMapping(entry, cfg, DirectionPush)
		if err != nil {
			t.Fatalf("ApplyMapping: %v", err)
		}
		if len(out) != 1 || out[0].TableName != "Unknown" || *out[0].Payload != *entry.Payload {
			t.Errorf("pass-through altered the entry: %+v", out)
		}
	})

	t.Run("drop", func(t *testing.T) {
		cfg := userToCustomer()
		cfg.UnmappedBehavior = UnmappedDrop
		out, err := ApplyMapping(entry, cfg, DirectionPush)
		if err != nil {
			t.Fatalf("ApplyMapping: %v", err)
		}
		if len(out) != 0 {
			t.Errorf("drop returned entries: %+v", out)
		}
	})
}

func TestDirectionFiltering(t *testing.T) {
	cfg := userToCustomer()
	cfg.Mappings[0].Direction = DirectionPush

	if m := cfg.FindMapping("User", DirectionPull); m != nil {
		t.Error("push-only mapping matched pull")
	}
	if m := cfg.FindMapping("User", DirectionPush); m == nil {
		t.Error("push mapping did not match push")
	}

	cfg.Mappings[0].Enabled = false
	if m := cfg.FindMapping("User", DirectionPush); m != nil {
		t.Error("disabled mapping matched")
	}
}

func TestValueEdgeCases(t *testing.T) {
	cfg := userToCustomer()

	t.Run("null preserved", func(t *testing.T) {
		entry := userInsert()
		entry.Payload = strPtr(`{"EmailAddress":null,"FullName":"Alice","Id":"u1"}`)
		out, err := ApplyMapping(entry, cfg, DirectionPush)
		if err != nil {
			t.Fatalf("ApplyMapping: %v", err)
		}
		if !strings.Contains(*out[0].Payload, `"email":null`) {
			t.Errorf("null not preserved: %s", *out[0].Payload)
		}
	})

	t.Run("empty string distinct from null", func(t *testing.T) {
		entry := userInsert()
		entry.Payload = strPtr(`{"EmailAddress":"","FullName":"Alice","Id":"u1"}`)
		out, err := ApplyMapping(entry, cfg, DirectionPush)
		if err != nil {
			t.Fatalf("ApplyMapping: %v", err)
		}
		if !strings.Contains(*out[0].Payload, `"email":""`) {
			t.Errorf("empty string collapsed: %s", *out[0].Payload)
		}
	})

	t.Run("unicode passes through", func(t *testing.T) {
		entry := userInsert()
		entry.Payload = strPtr(`{"EmailAddress":"a@x.com","FullName":"Ана 🎉 \"quoted\"","Id":"u1"}`)
		out, err := ApplyMapping(entry, cfg, DirectionPush)
		if err != nil {
			t.Fatalf("ApplyMapping: %v", err)
		}
		if !strings.Contains(*out[0].Payload, `"name":"Ана 🎉 \"quoted\""`) {
			t.Errorf("unicode or escaping mangled: %s", *out[0].Payload)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		a, err := ApplyMapping(userInsert(), cfg, DirectionPush)
		if err != nil {
			t.Fatalf("ApplyMapping: %v", err)
		}
		b, err := ApplyMapping(userInsert(), cfg, DirectionPush)
		if err != nil {
			t.Fatalf("ApplyMapping: %v", err)
		}
		if *a[0].Payload != *b[0].Payload || a[0].PkValue != b[0].PkValue {
			t.Error("mapping is not deterministic")
		}
	})
}

func TestExpressions(t *testing.T) {
	row := map[string]any{
		"First": "Ada", "Last": "Lovelace",
		"Qty": 3.0, "Price": 2.5,
		"Nick": nil,
	}
	cases := []struct {
		expr string
		want any
	}{
		{`concat(First, ' ', Last)`, "Ada Lovelace"},
		{`First + ' ' + Last`, "Ada Lovelace"},
		{`Qty * Price`, 7.5},
		{`Qty * (Price + 1)`, 10.5},
		{`-Qty + 4`, 1.0},
		{`coalesce(Nick, First)`, "Ada"},
		{`coalesce(Nick, Nick)`, nil},
		{`'literal'`, "literal"},
		{`42`, 42.0},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			node, err := parseExpr(tc.expr)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			got, err := node.eval(row)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %v (%T), want %v", got, got, tc.want)
			}
		})
	}

	t.Run("now", func(t *testing.T) {
		node, err := parseExpr("now()")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		v, err := node.eval(nil)
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		if _, err := time.Parse(types.TimestampLayout, v.(string)); err != nil {
			t.Errorf("now() format: %v", err)
		}
	})

	t.Run("errors", func(t *testing.T) {
		for _, bad := range []string{"", "1 +", "foo(", "'open", "1 / 0 /", "nope(1)"} {
			if node, err := parseExpr(bad); err == nil {
				if _, eerr := node.eval(nil); eerr == nil {
					t.Errorf("expression %q parsed and evaluated", bad)
				}
			}
		}
	})
}

func TestFilterParsing(t *testing.T) {
	cases := []struct {
		filter string
		row    map[string]any
		want   bool
	}{
		{"Active=1", map[string]any{"Active": 1.0}, true},
		{"Active=1", map[string]any{"Active": 0.0}, false},
		{"Active=1 AND Region='eu'", map[string]any{"Active": 1.0, "Region": "eu"}, true},
		{"Active=1 AND Region='eu'", map[string]any{"Active": 1.0, "Region": "us"}, false},
		{"Total>=100", map[string]any{"Total": 249.99}, true},
		{"Total<100", map[string]any{"Total": 249.99}, false},
		{"Name!='x'", map[string]any{"Name": "y"}, true},
		{"Deleted=1", map[string]any{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.filter, func(t *testing.T) {
			f, err := parseFilter(tc.filter)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			got, err := f.match(tc.row)
			if err != nil {
				t.Fatalf("match: %v", err)
			}
			if got != tc.want {
				t.Errorf("match = %v, want %v", got, tc.want)
			}
		})
	}

	if _, err := parseFilter("no comparison here"); err == nil {
		t.Error("expected parse error for clause without comparison")
	}
}

func TestConfigValidation(t *testing.T) {
	base := func() *Config { return userToCustomer() }

	t.Run("valid", func(t *testing.T) {
		if err := base().Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})
	t.Run("bad direction", func(t *testing.T) {
		cfg := base()
		cfg.Mappings[0].Direction = "sideways"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("duplicate id", func(t *testing.T) {
		cfg := base()
		cfg.Mappings = append(cfg.Mappings, cfg.Mappings[0])
		if err := cfg.Validate(); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("multi target without targets", func(t *testing.T) {
		cfg := base()
		cfg.Mappings[0].IsMultiTarget = true
		cfg.Mappings[0].Targets = nil
		if err := cfg.Validate(); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("identity without source", func(t *testing.T) {
		cfg := base()
		cfg.Mappings[0].ColumnMappings[0].Source = nil
		if err := cfg.Validate(); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("default unmapped behavior", func(t *testing.T) {
		cfg, err := Parse([]byte(`{"Version":"1.0","Mappings":[]}`))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if cfg.UnmappedBehavior != UnmappedStrict {
			t.Errorf("default = %s, want strict", cfg.UnmappedBehavior)
		}
	})
}
