package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ViolationError reports a per-record schema violation. Violating records are
// quarantined; the pipeline keeps going.
type ViolationError struct {
	Dataset string
	Field   string
	Reason  string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("schema violation: %s.%s: %s", e.Dataset, e.Field, e.Reason)
}

// Value is a coerced field: either a typed value or an explicit null.
type Value struct {
	Str   string
	Float float64
	Date  time.Time
	Null  bool
}

// Coerce applies the field's type conversion and null policy to a raw string
// value. The second return reports whether the row must be dropped.
func Coerce(dataset string, f Field, raw string, present bool) (Value, bool, error) {
	raw = strings.TrimSpace(raw)
	if !present || raw == "" {
		return applyPolicy(dataset, f, "missing value")
	}

	switch f.Type {
	case TypeString:
		return Value{Str: raw}, false, nil
	case TypeCode:
		return Value{Str: CleanCode(raw)}, false, nil
	case TypeFloat:
		v, err := ParseFloat(raw)
		if err != nil {
			return applyPolicy(dataset, f, fmt.Sprintf("not a number: %q", raw))
		}
		return Value{Float: v}, false, nil
	case TypeDate:
		t, err := ParseDate(raw)
		if err != nil {
			return applyPolicy(dataset, f, fmt.Sprintf("not a date: %q", raw))
		}
		return Value{Date: t}, false, nil
	default:
		return Value{}, true, &ViolationError{Dataset: dataset, Field: f.Name, Reason: fmt.Sprintf("unknown field type %q", f.Type)}
	}
}

func applyPolicy(dataset string, f Field, reason string) (Value, bool, error) {
	switch f.Policy {
	case PolicyDefault:
		return Value{Str: f.Default}, false, nil
	case PolicyNull:
		return Value{Null: true}, false, nil
	default:
		return Value{}, true, &ViolationError{Dataset: dataset, Field: f.Name, Reason: reason}
	}
}

// ParseFloat parses a decimal that may use a comma separator, as in the DVF
// bulk files ("1234,56").
func ParseFloat(raw string) (float64, error) {
	return strconv.ParseFloat(strings.Replace(raw, ",", ".", 1), 64)
}

// ParseDate accepts the DVF "02/01/2006" form and ISO dates, with or without
// a time component.
func ParseDate(raw string) (time.Time, error) {
	for _, layout := range []string{"02/01/2006", "2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

// CleanCode normalizes numeric-looking identifiers: trims whitespace and a
// float artifact suffix ("75056.0" -> "75056") left by upstream exports.
func CleanCode(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasSuffix(s, ".0") {
		trimmed := strings.TrimSuffix(s, ".0")
		if _, err := strconv.Atoi(trimmed); err == nil {
			return trimmed
		}
	}
	return s
}
