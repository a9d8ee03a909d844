package changelog

import (
	"context"
	"fmt"
	"strings"

	"github.com/tandemsync/tandem/internal/dialect"
)

// InstallTable installs (or refreshes) the capture triggers for one user
// table. Re-installation is idempotent: triggers are dropped and recreated
// from the same deterministic generation, so the bodies are byte-identical.
//
// Fails with dialect.ErrUnsupportedSchema when the table has no primary key,
// and with dialect.ErrTriggerConflict when one of the deterministic trigger
// names is already taken by a trigger the engine did not generate.
func (s *Store) InstallTable(ctx context.Context, tc TableConfig) error {
	ts, err := s.d.DescribeTable(ctx, s.db, tc.Name)
	if err != nil {
		return err
	}

	generated := s.d.CaptureTriggers(ts, tc.ExcludedColumns)
	existing, err := s.d.ExistingTriggers(ctx, s.db, tc.Name)
	if err != nil {
		return err
	}

	for _, trig := range generated {
		if body, ok := existing[trig.Name]; ok {
			if !strings.Contains(body, dialect.CaptureMarker) {
				return fmt.Errorf("trigger %s on %s exists and is not a capture trigger: %w",
					trig.Name, tc.Name, dialect.ErrTriggerConflict)
			}
			if err := s.d.DropTrigger(ctx, s.db, trig.Name); err != nil {
				return err
			}
		}
		if _, err := s.db.ExecContext(ctx, trig.SQL); err != nil {
			return fmt.Errorf("install trigger %s on %s: %w", trig.Name, tc.Name, err)
		}
	}
	return nil
}

// RemoveTable drops the capture triggers for a table. Used when a table is
// removed from the sync configuration.
func (s *Store) RemoveTable(ctx context.Context, table string) error {
	for _, op := range []string{"insert", "update", "delete"} {
		if err := s.d.DropTrigger(ctx, s.db, dialect.TriggerName(table, op)); err != nil {
			return err
		}
	}
	return nil
}
