package mapping

import (
	"fmt"
	"strings"
)

// Row filters are conjunctions of simple comparisons, "Active=1 AND Region='eu'".
// Both sides of a comparison are transform expressions.

type filterClause struct {
	op          string
	left, right exprNode
}

type filter []filterClause

func parseFilter(input string) (filter, error) {
	var f filter
	for _, clause := range splitAnd(input) {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			return nil, fmt.Errorf("filter %q: empty clause", input)
		}
		op, idx := findComparison(clause)
		if idx < 0 {
			return nil, fmt.Errorf("filter %q: clause %q has no comparison", input, clause)
		}
		left, err := parseExpr(strings.TrimSpace(clause[:idx]))
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", input, err)
		}
		right, err := parseExpr(strings.TrimSpace(clause[idx+len(op):]))
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", input, err)
		}
		f = append(f, filterClause{op: op, left: left, right: right})
	}
	return f, nil
}

// splitAnd splits on the AND keyword outside quotes.
func splitAnd(input string) []string {
	var (
		parts []string
		start int
		quote byte
	)
	upper := strings.ToUpper(input)
	for i := 0; i < len(input); i++ {
		c := input[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			continue
		}
		if strings.HasPrefix(upper[i:], " AND ") {
			parts = append(parts, input[start:i])
			i += 4
			start = i + 1
		}
	}
	return append(parts, input[start:])
}

// findComparison locates the first comparison operator outside quotes.
// Two-character operators are matched before their one-character prefixes.
func findComparison(clause string) (string, int) {
	var quote byte
	for i := 0; i < len(clause); i++ {
		c := clause[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			continue
		}
		for _, op := range []string{"!=", "<>", ">=", "<=", "=", ">", "<"} {
			if strings.HasPrefix(clause[i:], op) {
				return op, i
			}
		}
	}
	return "", -1
}

func (f filter) match(row map[string]any) (bool, error) {
	for _, c := range f {
		l, err := c.left.eval(row)
		if err != nil {
			return false, err
		}
		r, err := c.right.eval(row)
		if err != nil {
			return false, err
		}
		ok, err := compare(c.op, l, r)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compare(op string, l, r any) (bool, error) {
	// Equality tolerates nulls; ordering requires numbers.
	switch op {
	case "=", "!=", "<>":
		eq := looseEqual(l, r)
		if op == "=" {
			return eq, nil
		}
		return !eq, nil
	}
	lf, err := toNumber(l)
	if err != nil {
		return false, err
	}
	rf, err := toNumber(r)
	if err != nil {
		return false, err
	}
	switch op {
	case ">":
		return lf > rf, nil
	case "<":
		return lf < rf, nil
	case ">=":
		return lf >= rf, nil
	case "<=":
		return lf <= rf, nil
	}
	return false, fmt.Errorf("unknown comparison %q", op)
}

func looseEqual(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	lf, lerr := toNumber(l)
	rf, rerr := toNumber(r)
	if lerr == nil && rerr == nil {
		return lf == rf
	}
	return stringify(l) == stringify(r)
}
