package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Op is a predicate operator.
type Op int

const (
	// OpEq matches a scalar field equal to the value.
	OpEq Op = iota
	// OpIn matches a scalar string field equal to any of the values.
	OpIn
	// OpRegex matches a string field against a regular expression.
	OpRegex
	// OpContains matches an array field holding the scalar value.
	OpContains
	// OpElemMatch matches an array field holding an object whose fields
	// equal every entry of the value map.
	OpElemMatch
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "eq"
	case OpIn:
		return "in"
	case OpRegex:
		return "regex"
	case OpContains:
		return "contains"
	case OpElemMatch:
		return "elemMatch"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Cond is one predicate over a dotted JSON field path.
type Cond struct {
	Path  string
	Op    Op
	Value any
}

// Eq matches path == v. v must be a string, bool or number.
func Eq(path string, v any) Cond { return Cond{Path: path, Op: OpEq, Value: v} }

// In matches path equal to any of values. An empty list matches nothing.
func In(path string, values ...string) Cond { return Cond{Path: path, Op: OpIn, Value: values} }

// Regex matches path against pattern.
func Regex(path, pattern string) Cond { return Cond{Path: path, Op: OpRegex, Value: pattern} }

// Contains matches an array at path holding v.
func Contains(path string, v any) Cond { return Cond{Path: path, Op: OpContains, Value: v} }

// ElemMatch matches an array at path holding an object with all of fields.
func ElemMatch(path string, fields map[string]any) Cond {
	return Cond{Path: path, Op: OpElemMatch, Value: fields}
}

// ExternalID matches records whose external_ids hold name=value.
func ExternalID(name, value string) Cond {
	return ElemMatch("external_ids", map[string]any{"name": name, "value": value})
}

var pathPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)*$`)

// Segments splits and validates the path.
func (c Cond) Segments() ([]string, error) {
	if !pathPattern.MatchString(c.Path) {
		return nil, fmt.Errorf("store: invalid field path %q", c.Path)
	}
	return strings.Split(c.Path, "."), nil
}

// Match reports whether a decoded JSON document satisfies every cond.
func Match(doc map[string]any, conds []Cond) (bool, error) {
	for _, c := range conds {
		ok, err := matchOne(doc, c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchOne(doc map[string]any, c Cond) (bool, error) {
	segs, err := c.Segments()
	if err != nil {
		return false, err
	}
	v, found := Lookup(doc, segs)

	switch c.Op {
	case OpEq:
		want, err := normalize(c.Value)
		if err != nil {
			return false, err
		}
		return found && v == want, nil

	case OpIn:
		s, ok := v.(string)
		if !ok {
			return false, nil
		}
		for _, want := range c.Value.([]string) {
			if s == want {
				return true, nil
			}
		}
		return false, nil

	case OpRegex:
		s, ok := v.(string)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(c.Value.(string))
		if err != nil {
			return false, fmt.Errorf("store: invalid regex %q: %w", c.Value, err)
		}
		return re.MatchString(s), nil

	case OpContains:
		want, err := normalize(c.Value)
		if err != nil {
			return false, err
		}
		arr, _ := v.([]any)
		for _, item := range arr {
			if item == want {
				return true, nil
			}
		}
		return false, nil

	case OpElemMatch:
		fields, err := normalize(c.Value)
		if err != nil {
			return false, err
		}
		wantFields, _ := fields.(map[string]any)
		arr, _ := v.([]any)
		for _, item := range arr {
			obj, ok := item.(map[string]any)
			if ok && subset(obj, wantFields) {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("store: unsupported operator %s", c.Op)
	}
}

func subset(obj, want map[string]any) bool {
	for k, wv := range want {
		if obj[k] != wv {
			return false
		}
	}
	return true
}

// Lookup walks a decoded JSON document along segs.
func Lookup(doc map[string]any, segs []string) (any, bool) {
	var cur any = doc
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// normalize converts v to the shape encoding/json decodes it into, so
// values compare equal to decoded document fields.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: cannot encode filter value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// KeyTuple renders the values at paths as a single comparable string,
// treating missing fields as empty.
func KeyTuple(doc map[string]any, paths []string) string {
	parts := make([]string, len(paths))
	for i, p := range paths {
		v, ok := Lookup(doc, strings.Split(p, "."))
		if ok && v != nil {
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, "\x00")
}
