package mapping

import (
	"fmt"

	"github.com/tandemsync/tandem/internal/types"
)

// ApplyMapping rewrites one change entry for the given direction. It returns
// zero or more mapped entries: zero when the entry is filtered out or the
// unmapped policy is drop, several when the mapping fans out to multiple
// targets. It is a pure function of its arguments except for now() in
// transform expressions.
//
// Single-target payloads start as an identity copy of every non-excluded
// source column; column mappings then consume their source column and write
// the target, so a mapped column always wins over its identity copy.
// Multi-target payloads are pure projections: only the transformed PK and
// the target's own column mappings are written.
func ApplyMapping(entry types.ChangeEntry, cfg *Config, dir Direction) ([]types.ChangeEntry, error) {
	m := cfg.FindMapping(entry.TableName, dir)
	if m == nil {
		switch cfg.UnmappedBehavior {
		case UnmappedPassThrough:
			return []types.ChangeEntry{entry}, nil
		case UnmappedDrop:
			return nil, nil
		default:
			return nil, fmt.Errorf("%s (direction %s): %w", entry.TableName, dir, ErrUnmappedTable)
		}
	}

	// Tombstones bypass the filter: a delete must propagate even when the
	// final payload would not have matched.
	if m.Filter != "" && !entry.IsTombstone() {
		f, err := parseFilter(m.Filter)
		if err != nil {
			return nil, fmt.Errorf("mapping %s: %w", m.ID, err)
		}
		row, err := types.DecodeObject(deref(entry.Payload))
		if err != nil {
			return nil, fmt.Errorf("mapping %s: decode payload of entry %d: %w", m.ID, entry.Version, err)
		}
		ok, err := f.match(row)
		if err != nil {
			return nil, fmt.Errorf("mapping %s: evaluate filter: %w", m.ID, err)
		}
		if !ok {
			return nil, nil
		}
	}

	if !m.IsMultiTarget {
		mapped, err := mapOne(entry, m.TargetTable, m.PkMapping, m.ColumnMappings, m.ExcludedColumns, true)
		if err != nil {
			return nil, fmt.Errorf("mapping %s: %w", m.ID, err)
		}
		return []types.ChangeEntry{mapped}, nil
	}

	out := make([]types.ChangeEntry, 0, len(m.Targets))
	for _, t := range m.Targets {
		mapped, err := mapOne(entry, t.TargetTable, t.PkMapping, t.ColumnMappings, nil, false)
		if err != nil {
			return nil, fmt.Errorf("mapping %s (target %s): %w", m.ID, t.TargetTable, err)
		}
		out = append(out, mapped)
	}
	return out, nil
}

func mapOne(entry types.ChangeEntry, targetTable string, pkm *PkMapping, cols []ColumnMapping, excluded []string, identityCopy bool) (types.ChangeEntry, error) {
	out := entry
	out.TableName = targetTable
	out.BeforePayload = nil // pre-images are source-schema diagnostics

	pk, err := types.DecodeObject(entry.PkValue)
	if err != nil {
		return out, fmt.Errorf("decode pk of entry %d: %w", entry.Version, err)
	}
	if pkm != nil {
		v, ok := pk[pkm.Source]
		if !ok {
			return out, fmt.Errorf("entry %d: pk column %s not present", entry.Version, pkm.Source)
		}
		delete(pk, pkm.Source)
		pk[pkm.Target] = v
	}
	out.PkValue, err = types.EncodeObject(pk)
	if err != nil {
		return out, fmt.Errorf("encode mapped pk: %w", err)
	}

	if entry.IsTombstone() {
		out.Payload = nil
		out.RowHash = nil
		return out, nil
	}

	src, err := types.DecodeObject(deref(entry.Payload))
	if err != nil {
		return out, fmt.Errorf("decode payload of entry %d: %w", entry.Version, err)
	}

	dst := make(map[string]any, len(src)+len(cols))
	if identityCopy {
		for k, v := range src {
			dst[k] = v
		}
		if pkm != nil {
			if v, ok := dst[pkm.Source]; ok {
				delete(dst, pkm.Source)
				dst[pkm.Target] = v
			}
		}
	} else if pkm != nil {
		if v, ok := src[pkm.Source]; ok {
			dst[pkm.Target] = v
		}
	}

	for _, cm := range cols {
		switch cm.Transform {
		case TransformIdentity:
			v := src[*cm.Source]
			if identityCopy {
				delete(dst, *cm.Source)
			}
			dst[cm.Target] = v
		case TransformConstant:
			dst[cm.Target] = cm.Value
		case TransformExpression:
			node, err := parseExpr(cm.Value)
			if err != nil {
				return out, err
			}
			v, err := node.eval(src)
			if err != nil {
				return out, fmt.Errorf("column %s: %w", cm.Target, err)
			}
			dst[cm.Target] = v
		}
	}

	for _, ex := range excluded {
		delete(dst, ex)
	}

	payload, err := types.EncodeObject(dst)
	if err != nil {
		return out, fmt.Errorf("encode mapped payload: %w", err)
	}
	out.Payload = &payload

	// The hash covers the mapped shape so post-apply verification on the
	// receiving side compares like with like.
	hash, err := types.RowHash(out.TableName, out.PkValue, out.Payload)
	if err != nil {
		return out, fmt.Errorf("hash mapped entry: %w", err)
	}
	out.RowHash = &hash
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
