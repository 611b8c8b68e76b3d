// Package schema parses user-supplied extra-column definitions.
//
// Input is free text, one column per line, in the form "name : type".
// Supported types are int, float and str. The parser is unbounded; the
// pipeline enforces the per-run column cap.
package schema

import (
	"fmt"
	"strings"
	"unicode"
)

// ColumnType is the closed set of extra-column types.
type ColumnType string

const (
	TypeInt   ColumnType = "int"
	TypeFloat ColumnType = "float"
	TypeStr   ColumnType = "str"
)

// ColumnSpec describes one user-declared extra patient attribute.
type ColumnSpec struct {
	Name string
	Type ColumnType
}

// Error reports a malformed schema definition, naming the offending line.
type Error struct {
	Line    int // 1-based source line, 0 when the whole input is at fault
	Message string
}

func (e *Error) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("schema: %s", e.Message)
	}
	return fmt.Sprintf("schema: line %d: %s", e.Line, e.Message)
}

// coreFields are the fixed patient columns extra columns may not shadow.
var coreFields = map[string]bool{
	"patient_id": true,
	"age":        true,
	"sex":        true,
	"race":       true,
	"ethnicity":  true,
	"icd10_code": true,
	"diagnosis":  true,
}

// Parse turns "name : type" lines into an ordered column list.
//
// Blank lines are skipped and leading bullet markers are stripped. Each
// remaining line must contain exactly one ':' separating a valid identifier
// from one of the supported type tokens (case-insensitive). Duplicate names,
// and names colliding with a core patient field, are rejected. Input with no
// recognizable columns fails.
func Parse(text string) ([]ColumnSpec, error) {
	var specs []ColumnSpec
	seen := make(map[string]bool)

	for i, raw := range strings.Split(text, "\n") {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		line = strings.TrimLeft(line, "-*• \t")
		if line == "" {
			continue
		}

		parts := strings.Split(line, ":")
		if len(parts) != 2 {
			return nil, &Error{Line: lineNo, Message: fmt.Sprintf("want exactly one ':' separator, got %d", len(parts)-1)}
		}

		name := strings.TrimSpace(parts[0])
		if !isIdentifier(name) {
			return nil, &Error{Line: lineNo, Message: fmt.Sprintf("column name %q is not a valid identifier", name)}
		}
		if coreFields[name] {
			return nil, &Error{Line: lineNo, Message: fmt.Sprintf("column name %q collides with a core patient field", name)}
		}
		if seen[name] {
			return nil, &Error{Line: lineNo, Message: fmt.Sprintf("duplicate column name %q", name)}
		}

		typ, ok := parseType(parts[1])
		if !ok {
			return nil, &Error{Line: lineNo, Message: fmt.Sprintf("unknown type %q (want int, float or str)", strings.TrimSpace(parts[1]))}
		}

		seen[name] = true
		specs = append(specs, ColumnSpec{Name: name, Type: typ})
	}

	if len(specs) == 0 {
		return nil, &Error{Message: "no columns recognized"}
	}
	return specs, nil
}

func parseType(token string) (ColumnType, bool) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "int":
		return TypeInt, true
	case "float":
		return TypeFloat, true
	case "str":
		return TypeStr, true
	default:
		return "", false
	}
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}

// Validator returns a closure checking a decoded JSON value against the
// column's declared type. JSON numbers arrive as float64; int columns accept
// only integral numerics and never booleans.
func (c ColumnSpec) Validator() func(v interface{}) error {
	switch c.Type {
	case TypeInt:
		return func(v interface{}) error {
			f, ok := v.(float64)
			if !ok || f != float64(int64(f)) {
				return fmt.Errorf("column %q: want integer, got %v (%T)", c.Name, v, v)
			}
			return nil
		}
	case TypeFloat:
		return func(v interface{}) error {
			if _, ok := v.(float64); !ok {
				return fmt.Errorf("column %q: want number, got %v (%T)", c.Name, v, v)
			}
			return nil
		}
	default:
		return func(v interface{}) error {
			if _, ok := v.(string); !ok {
				return fmt.Errorf("column %q: want string, got %v (%T)", c.Name, v, v)
			}
			return nil
		}
	}
}
