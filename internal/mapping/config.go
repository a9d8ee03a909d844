// Package mapping transforms change entries between heterogeneous schemas.
// A declarative config names source tables, target tables, PK renames and
// per-column transforms; ApplyMapping rewrites entries accordingly.
package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Direction restricts a mapping to one side of the sync exchange.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
	DirectionBoth Direction = "both"
)

// Matches reports whether a mapping declared with direction d applies when
// the engine is working in direction want.
func (d Direction) Matches(want Direction) bool {
	return d == DirectionBoth || d == want
}

// Transform selects how a column mapping computes its target value.
type Transform string

const (
	TransformIdentity   Transform = "identity"
	TransformConstant   Transform = "constant"
	TransformExpression Transform = "expression"
)

// UnmappedBehavior is the policy for entries whose table has no mapping.
type UnmappedBehavior string

const (
	// UnmappedStrict fails the batch on an unmapped table.
	UnmappedStrict UnmappedBehavior = "strict"
	// UnmappedPassThrough forwards the entry unchanged.
	UnmappedPassThrough UnmappedBehavior = "passThrough"
	// UnmappedDrop silently discards the entry.
	UnmappedDrop UnmappedBehavior = "drop"
)

// ErrUnmappedTable is returned in strict mode when no mapping covers the
// entry's source table.
var ErrUnmappedTable = errors.New("no mapping for table")

// Config is the top-level mapping document.
type Config struct {
	Version          string           `json:"Version"`
	UnmappedBehavior UnmappedBehavior `json:"UnmappedBehavior"`
	Mappings         []TableMapping   `json:"Mappings"`
}

// PkMapping renames the primary-key column between source and target.
type PkMapping struct {
	Source string `json:"Source"`
	Target string `json:"Target"`
}

// ColumnMapping computes one target column. Source is nil for constants and
// unused for expressions (the expression names its own columns).
type ColumnMapping struct {
	Source    *string   `json:"Source"`
	Target    string    `json:"Target"`
	Transform Transform `json:"Transform"`
	Value     string    `json:"Value,omitempty"`
}

// TargetConfig is one fan-out destination of a multi-target mapping. Its
// payload is a pure projection: only mapped columns and the transformed PK
// are written.
type TargetConfig struct {
	TargetTable    string          `json:"TargetTable"`
	PkMapping      *PkMapping      `json:"PkMapping"`
	ColumnMappings []ColumnMapping `json:"ColumnMappings"`
}

// TableMapping describes how entries of one source table are rewritten.
type TableMapping struct {
	ID              string          `json:"Id"`
	SourceTable     string          `json:"SourceTable"`
	TargetTable     string          `json:"TargetTable"`
	Direction       Direction       `json:"Direction"`
	Enabled         bool            `json:"Enabled"`
	PkMapping       *PkMapping      `json:"PkMapping"`
	ColumnMappings  []ColumnMapping `json:"ColumnMappings"`
	ExcludedColumns []string        `json:"ExcludedColumns"`
	Filter          string          `json:"Filter"`
	ServerWins      bool            `json:"ServerWins"`
	IsMultiTarget   bool            `json:"IsMultiTarget"`
	Targets         []TargetConfig  `json:"Targets"`
}

// Load reads and validates a mapping config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a mapping config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse mapping config: %w", err)
	}
	if cfg.UnmappedBehavior == "" {
		cfg.UnmappedBehavior = UnmappedStrict
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural consistency of the config.
func (c *Config) Validate() error {
	switch c.UnmappedBehavior {
	case UnmappedStrict, UnmappedPassThrough, UnmappedDrop:
	default:
		return fmt.Errorf("unknown UnmappedBehavior %q", c.UnmappedBehavior)
	}
	seen := make(map[string]bool, len(c.Mappings))
	for i := range c.Mappings {
		m := &c.Mappings[i]
		if m.ID == "" {
			return fmt.Errorf("mapping %d: missing Id", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate mapping id %q", m.ID)
		}
		seen[m.ID] = true
		if m.SourceTable == "" {
			return fmt.Errorf("mapping %s: missing SourceTable", m.ID)
		}
		switch m.Direction {
		case DirectionPush, DirectionPull, DirectionBoth:
		default:
			return fmt.Errorf("mapping %s: unknown Direction %q", m.ID, m.Direction)
		}
		if m.IsMultiTarget {
			if len(m.Targets) == 0 {
				return fmt.Errorf("mapping %s: IsMultiTarget set with no Targets", m.ID)
			}
			for j, t := range m.Targets {
				if t.TargetTable == "" {
					return fmt.Errorf("mapping %s: target %d missing TargetTable", m.ID, j)
				}
				if err := validateColumns(m.ID, t.ColumnMappings); err != nil {
					return err
				}
			}
		} else {
			if m.TargetTable == "" {
				return fmt.Errorf("mapping %s: missing TargetTable", m.ID)
			}
			if err := validateColumns(m.ID, m.ColumnMappings); err != nil {
				return err
			}
		}
		if m.Filter != "" {
			if _, err := parseFilter(m.Filter); err != nil {
				return fmt.Errorf("mapping %s: %w", m.ID, err)
			}
		}
	}
	return nil
}

func validateColumns(id string, cols []ColumnMapping) error {
	for _, cm := range cols {
		if cm.Target == "" {
			return fmt.Errorf("mapping %s: column mapping missing Target", id)
		}
		switch cm.Transform {
		case TransformIdentity:
			if cm.Source == nil || *cm.Source == "" {
				return fmt.Errorf("mapping %s: identity mapping for %s needs a Source", id, cm.Target)
			}
		case TransformConstant:
		case TransformExpression:
			if _, err := parseExpr(cm.Value); err != nil {
				return fmt.Errorf("mapping %s: column %s: %w", id, cm.Target, err)
			}
		default:
			return fmt.Errorf("mapping %s: unknown Transform %q for %s", id, cm.Transform, cm.Target)
		}
	}
	return nil
}

// ServerWinsTables collects the tables whose enabled mappings force the
// incoming side during conflict resolution. Both the source and target names
// are included so the flag holds whichever shape the entries arrive in.
func (c *Config) ServerWinsTables() map[string]bool {
	out := make(map[string]bool)
	for _, m := range c.Mappings {
		if !m.ServerWins || !m.Enabled {
			continue
		}
		out[m.SourceTable] = true
		if m.TargetTable != "" {
			out[m.TargetTable] = true
		}
		for _, t := range m.Targets {
			out[t.TargetTable] = true
		}
	}
	return out
}

// FindMapping returns the first enabled mapping whose source table and
// direction match, or nil.
func (c *Config) FindMapping(table string, dir Direction) *TableMapping {
	for i := range c.Mappings {
		m := &c.Mappings[i]
		if m.Enabled && m.SourceTable == table && m.Direction.Matches(dir) {
			return m
		}
	}
	return nil
}
