package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// FieldPath is a dotted path into a decoded JSON document, e.g. "data.balance".
// Numeric segments index into arrays ("data.items.0.id").
type FieldPath string

func (p FieldPath) segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), ".")
}

// Lookup walks doc along p. The empty path resolves to doc itself.
func (p FieldPath) Lookup(doc any) (any, bool) {
	current := doc
	for _, segment := range p.segments() {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// PathSet is an ordered list of candidate paths; the first that resolves wins
type PathSet []FieldPath

// withOverride puts a configured path ahead of the defaults
func (ps PathSet) withOverride(custom string) PathSet {
	if custom == "" {
		return ps
	}
	return append(PathSet{FieldPath(custom)}, ps...)
}

func (ps PathSet) resolve(doc any) (any, FieldPath, bool) {
	for _, p := range ps {
		if v, ok := p.Lookup(doc); ok {
			return v, p, true
		}
	}
	return nil, "", false
}

func (ps PathSet) String() string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		if p == "" {
			parts[i] = "<root>"
			continue
		}
		parts[i] = string(p)
	}
	return strings.Join(parts, "|")
}

// Decimal resolves the first matching path to a decimal value
func (ps PathSet) Decimal(doc any, field string) (decimal.Decimal, error) {
	v, path, ok := ps.resolve(doc)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s (tried %s)", ErrFieldNotFound, field, ps)
	}
	d, err := toDecimal(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s at %q: %v", ErrFieldNotFound, field, path, err)
	}
	return d, nil
}

// Text resolves the first matching path to a non-empty string
func (ps PathSet) Text(doc any, field string) (string, error) {
	v, path, ok := ps.resolve(doc)
	if !ok {
		return "", fmt.Errorf("%w: %s (tried %s)", ErrFieldNotFound, field, ps)
	}
	s := toString(v)
	if s == "" {
		return "", fmt.Errorf("%w: %s at %q is empty", ErrFieldNotFound, field, path)
	}
	return s, nil
}

// List resolves the first matching path that holds a JSON array
func (ps PathSet) List(doc any, field string) ([]any, error) {
	for _, p := range ps {
		if v, ok := p.Lookup(doc); ok {
			if list, isList := v.([]any); isList {
				return list, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s (tried %s)", ErrFieldNotFound, field, ps)
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		return decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(n), ",", ""))
	default:
		return decimal.Zero, fmt.Errorf("unexpected type %T", v)
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}
