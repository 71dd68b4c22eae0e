package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ValueKey renders a cell value into the canonical form used for identity.
// Integral floats collapse onto their integer rendering so 1 and 1.0 share
// a key, strings are quoted so "1" and 1 never collide, and NaN has a single
// stable rendering.
func ValueKey(v any) string {
	switch typed := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(typed)
	case bool:
		if typed {
			return "true"
		}
		return "false"
	case time.Time:
		return "time(" + typed.UTC().Format(time.RFC3339Nano) + ")"
	case float32:
		return floatKey(float64(typed))
	case float64:
		return floatKey(typed)
	}
	if i, ok := asInt(v); ok {
		return strconv.FormatInt(i, 10)
	}
	if u, ok := v.(uint64); ok {
		return strconv.FormatUint(u, 10)
	}
	return fmt.Sprintf("%v", v)
}

func floatKey(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case f == math.Trunc(f) && math.Abs(f) < 1e15:
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// SerializeValues renders a value vector, e.g. `[1, "a", null]`.
func SerializeValues(values []any) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ValueKey(v))
	}
	b.WriteByte(']')
	return b.String()
}

// SerializeIndex renders a row index vector, e.g. `[0, 1, 4]`.
func SerializeIndex(index []int64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, row := range index {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatInt(row, 10))
	}
	b.WriteByte(']')
	return b.String()
}

// TypeName reports the inferred type of a value as stored on entity nodes.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case float32, float64:
		return "float"
	case time.Time:
		return "timestamp"
	}
	if _, ok := asInt(v); ok {
		return "int"
	}
	return fmt.Sprintf("%T", v)
}

// Equal compares two cell values. Numbers compare by magnitude regardless of
// their Go type; NaN is never equal to anything, itself included.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	fa, aNum := asFloat(a)
	fb, bNum := asFloat(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	switch ta := a.(type) {
	case string:
		tb, ok := b.(string)
		return ok && ta == tb
	case bool:
		tb, ok := b.(bool)
		return ok && ta == tb
	case time.Time:
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return ValueKey(a) == ValueKey(b)
}

// BothNaN reports whether both values read as the float not-a-number sentinel.
// Numeric strings are parsed, so "nan" and math.NaN() both qualify.
func BothNaN(a, b any) bool {
	fa, ok := IsNumber(a)
	if !ok || !math.IsNaN(fa) {
		return false
	}
	fb, ok := IsNumber(b)
	return ok && math.IsNaN(fb)
}

// Unchanged reports whether a cell kept its value across a step.
func Unchanged(before, after any) bool {
	return Equal(before, after) || BothNaN(before, after)
}

// IsNumber reports whether v can be read as a float, returning it when so.
func IsNumber(v any) (float64, bool) {
	if f, ok := asFloat(v); ok {
		return f, true
	}
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func asFloat(v any) (float64, bool) {
	switch typed := v.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

func asInt(v any) (int64, bool) {
	switch typed := v.(type) {
	case int:
		return int64(typed), true
	case int8:
		return int64(typed), true
	case int16:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case uint:
		return int64(typed), true
	case uint8:
		return int64(typed), true
	case uint16:
		return int64(typed), true
	case uint32:
		return int64(typed), true
	}
	return 0, false
}
