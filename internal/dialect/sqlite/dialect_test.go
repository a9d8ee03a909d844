package sqlite

import (
	"strings"
	"testing"

	"github.com/tandemsync/tandem/internal/dialect"
)

func TestCaptureTriggersEscapeLiterals(t *testing.T) {
	d := New()
	ts := dialect.TableSchema{
		Name:      "od'd",
		Columns:   []string{"id", "note's"},
		PKColumns: []string{"id"},
	}

	triggers := d.CaptureTriggers(ts, nil)
	if len(triggers) != 3 {
		t.Fatalf("got %d triggers, want 3", len(triggers))
	}
	for _, tr := range triggers {
		if !strings.Contains(tr.SQL, "'od''d'") {
			t.Errorf("trigger %s: table literal not escaped:\n%s", tr.Name, tr.SQL)
		}
		if strings.Contains(tr.SQL, "'od'd'") {
			t.Errorf("trigger %s: broken literal in body:\n%s", tr.Name, tr.SQL)
		}
	}
	// Column names feed json_object keys and need the same treatment.
	insert := triggers[0]
	if !strings.Contains(insert.SQL, "'note''s'") {
		t.Errorf("column literal not escaped:\n%s", insert.SQL)
	}
}

func TestCaptureTriggersConsultHighWater(t *testing.T) {
	d := New()
	ts := dialect.TableSchema{
		Name:      "User",
		Columns:   []string{"Id", "Name"},
		PKColumns: []string{"Id"},
	}

	for _, tr := range d.CaptureTriggers(ts, nil) {
		if !strings.Contains(tr.SQL, "log_high_water") {
			t.Errorf("trigger %s allocates versions without the persisted head:\n%s", tr.Name, tr.SQL)
		}
	}
}
