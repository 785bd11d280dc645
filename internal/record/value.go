// Package record defines the value and row types shared by the flattening,
// schema and table stages. Rows are immutable: every mutator returns a copy.
package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	// KindNull is an absent or JSON null value.
	KindNull Kind = iota
	// KindScalar is a single token or number.
	KindScalar
	// KindList is a multi-select answer.
	KindList
	// KindText is free text that must never be coerced to 0.
	KindText
	// KindZero is a blank scalar coerced to 0. It renders as "0" but is not
	// a selection of the token "0".
	KindZero
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindText:
		return "text"
	case KindZero:
		return "zero"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a tagged variant: Scalar | List | Text, plus Null and Zero.
type Value struct {
	kind Kind
	s    string
	list []string
}

// Null returns the null value.
func Null() Value { return Value{} }

// Scalar wraps a single token.
func Scalar(s string) Value { return Value{kind: KindScalar, s: s} }

// Text wraps free text.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// Zero is the defaulted numeric zero.
func Zero() Value { return Value{kind: KindZero, s: "0"} }

// Flag renders a boolean as the one-hot literal "1" or "0".
func Flag(on bool) Value {
	if on {
		return Scalar("1")
	}
	return Scalar("0")
}

// Int wraps an integer as a scalar.
func Int(n int) Value { return Scalar(strconv.Itoa(n)) }

// List wraps a multi-select answer. The slice is copied.
func List(items []string) Value {
	cp := make([]string, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

// Kind reports the variant.
func (v Value) Kind() Kind { return v.kind }

// IsList reports whether the value is a multi-select list.
func (v Value) IsList() bool { return v.kind == KindList }

// Items returns a copy of the list items; scalars yield a one element list
// unless blank.
func (v Value) Items() []string {
	switch v.kind {
	case KindList:
		cp := make([]string, len(v.list))
		copy(cp, v.list)
		return cp
	case KindNull, KindZero:
		return nil
	default:
		if strings.TrimSpace(v.s) == "" {
			return nil
		}
		return []string{v.s}
	}
}

// String renders the value the way it is written to a table cell. Lists are
// joined with ";".
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindList:
		return strings.Join(v.list, ";")
	default:
		return v.s
	}
}

// Blank reports whether the value carries no answer.
func (v Value) Blank() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindZero:
		return false
	case KindList:
		for _, item := range v.list {
			if strings.TrimSpace(item) != "" {
				return false
			}
		}
		return true
	default:
		return strings.TrimSpace(v.s) == ""
	}
}

// Truthy reports whether a flag-like value is set.
func (v Value) Truthy() bool {
	if v.kind == KindList {
		return !v.Blank()
	}
	s := strings.ToLower(strings.TrimSpace(v.String()))
	switch s {
	case "", "0", "false", "off", "no", "none":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f != 0
	}
	return true
}

// Number parses the value as a float.
func (v Value) Number() (float64, bool) {
	if v.kind == KindList || v.kind == KindNull {
		return 0, false
	}
	s := strings.TrimSpace(strings.TrimPrefix(v.s, "'"))
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Equal compares kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind != KindList {
		return v.s == o.s
	}
	if len(v.list) != len(o.list) {
		return false
	}
	for i := range v.list {
		if v.list[i] != o.list[i] {
			return false
		}
	}
	return true
}

// FromAny converts a decoded JSON value. Nested objects are not handled here;
// see FromJSON.
func FromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case string:
		return Scalar(t)
	case bool:
		if t {
			return Scalar("1")
		}
		return Scalar("0")
	case json.Number:
		return Scalar(t.String())
	case float64:
		return Scalar(formatFloat(t))
	case float32:
		return Scalar(formatFloat(float64(t)))
	case int:
		return Scalar(strconv.Itoa(t))
	case int64:
		return Scalar(strconv.FormatInt(t, 10))
	case []string:
		return List(t)
	case []any:
		items := make([]string, 0, len(t))
		for _, item := range t {
			items = append(items, FromAny(item).String())
		}
		return List(items)
	case Value:
		return t
	default:
		return Scalar(fmt.Sprint(t))
	}
}

// maxExactInt is the largest magnitude a float64 holds without losing integers.
const maxExactInt = 1 << 53

func formatFloat(f float64) string {
	if math.Abs(f) <= maxExactInt && f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
