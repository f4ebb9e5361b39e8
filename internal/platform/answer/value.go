// Package answer holds the per-assessment answer values and the store that owns them.
package answer

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind discriminates the variants of Value.
type Kind string

const (
	KindNone        Kind = "none"
	KindText        Kind = "text"
	KindNumber      Kind = "number"
	KindBool        Kind = "boolean"
	KindChoice      Kind = "choice"
	KindMultiChoice Kind = "multi_choice"
	KindGrid        Kind = "grid"
)

// Value is a closed tagged union over the answer types a question can produce.
// The zero Value is KindNone. Values are immutable once constructed.
type Value struct {
	kind    Kind
	text    string
	number  float64
	boolean bool
	choices []string
	grid    map[string]any
}

func None() Value { return Value{kind: KindNone} }
func Text(s string) Value { return Value{kind: KindText, text: s} }
func Number(f float64) Value { return Value{kind: KindNumber, number: f} }
func Bool(b bool) Value { return Value{kind: KindBool, boolean: b} }
func Choice(s string) Value { return Value{kind: KindChoice, text: s} }

// MultiChoice keeps selections in the order given; duplicates are dropped.
func MultiChoice(values ...string) Value {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return Value{kind: KindMultiChoice, choices: out}
}

// Grid wraps an opaque structured answer. The map is copied shallowly.
func Grid(m map[string]any) Value {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindGrid, grid: cp}
}

func (v Value) Kind() Kind {
	if v.kind == "" {
		return KindNone
	}
	return v.kind
}

func (v Value) IsNone() bool { return v.Kind() == KindNone }

// TextValue returns the text of a text or choice answer.
func (v Value) TextValue() (string, bool) {
	if v.kind == KindText || v.kind == KindChoice {
		return v.text, true
	}
	return "", false
}

func (v Value) NumberValue() (float64, bool) {
	if v.kind == KindNumber {
		return v.number, true
	}
	return 0, false
}

func (v Value) BoolValue() (bool, bool) {
	if v.kind == KindBool {
		return v.boolean, true
	}
	return false, false
}

// Choices returns the selected values of a choice or multi-choice answer.
func (v Value) Choices() []string {
	switch v.kind {
	case KindChoice:
		return []string{v.text}
	case KindMultiChoice:
		out := make([]string, len(v.choices))
		copy(out, v.choices)
		return out
	}
	return nil
}

// GridValue returns a copy of the structured answer.
func (v Value) GridValue() (map[string]any, bool) {
	if v.kind != KindGrid {
		return nil, false
	}
	cp := make(map[string]any, len(v.grid))
	for k, val := range v.grid {
		cp[k] = val
	}
	return cp, true
}

// String is the string projection used by contains/is-empty comparisons.
func (v Value) String() string {
	switch v.kind {
	case KindText, KindChoice:
		return v.text
	case KindNumber:
		return strconv.FormatFloat(v.number, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.boolean)
	case KindMultiChoice:
		return strings.Join(v.choices, ",")
	case KindGrid:
		data, err := json.Marshal(v.grid)
		if err != nil {
			return ""
		}
		return string(data)
	}
	return ""
}

// Float coerces the value to a number. Numbers coerce directly; text and
// choice answers coerce when they parse as a float. Everything else is not numeric.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.number, true
	case KindText, KindChoice:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.text), 64)
		if err != nil || !Finite(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Finite reports whether f is neither NaN nor an infinity.
func Finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// IsEmpty reports whether the string projection is blank.
func (v Value) IsEmpty() bool {
	return strings.TrimSpace(v.String()) == ""
}

// Equal compares kind and content. Multi-choice answers compare as sets.
func (v Value) Equal(o Value) bool {
	if v.Kind() != o.Kind() {
		return false
	}
	switch v.Kind() {
	case KindNone:
		return true
	case KindText, KindChoice:
		return v.text == o.text
	case KindNumber:
		return v.number == o.number
	case KindBool:
		return v.boolean == o.boolean
	case KindMultiChoice:
		if len(v.choices) != len(o.choices) {
			return false
		}
		a, b := sortedCopy(v.choices), sortedCopy(o.choices)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	case KindGrid:
		return v.String() == o.String()
	}
	return false
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

type wireValue struct {
	Type  Kind            `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes the value as {"type": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.Kind() {
	case KindNone:
		return json.Marshal(wireValue{Type: KindNone})
	case KindText, KindChoice:
		payload = v.text
	case KindNumber:
		payload = v.number
	case KindBool:
		payload = v.boolean
	case KindMultiChoice:
		payload = v.choices
	case KindGrid:
		payload = v.grid
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: v.Kind(), Value: raw})
}

// UnmarshalJSON decodes the tagged encoding produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	switch w.Type {
	case KindNone, "":
		*v = None()
	case KindText, KindChoice:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return fmt.Errorf("decode %s answer: %w", w.Type, err)
		}
		if w.Type == KindText {
			*v = Text(s)
		} else {
			*v = Choice(s)
		}
	case KindNumber:
		var f float64
		if err := json.Unmarshal(w.Value, &f); err != nil {
			return fmt.Errorf("decode number answer: %w", err)
		}
		*v = Number(f)
	case KindBool:
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return fmt.Errorf("decode boolean answer: %w", err)
		}
		*v = Bool(b)
	case KindMultiChoice:
		var ss []string
		if err := json.Unmarshal(w.Value, &ss); err != nil {
			return fmt.Errorf("decode multi_choice answer: %w", err)
		}
		*v = MultiChoice(ss...)
	case KindGrid:
		var m map[string]any
		if err := json.Unmarshal(w.Value, &m); err != nil {
			return fmt.Errorf("decode grid answer: %w", err)
		}
		*v = Grid(m)
	default:
		return fmt.Errorf("unknown answer type %q", w.Type)
	}
	return nil
}

// FromAny converts a loosely typed configuration or request value into a Value.
// Strings become text, numbers become numbers, string lists become multi-choice
// and maps become grids.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return None(), nil
	case Value:
		return t, nil
	case string:
		return Text(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case []string:
		return MultiChoice(t...), nil
	case []any:
		ss := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return None(), fmt.Errorf("multi-choice entries must be strings, got %T", e)
			}
			ss = append(ss, s)
		}
		return MultiChoice(ss...), nil
	case map[string]any:
		return Grid(t), nil
	}
	return None(), fmt.Errorf("unsupported answer value of type %T", x)
}

// Coerce converts x into a Value of the given kind. An empty kind falls back
// to FromAny. Choice and text kinds accept numbers, numbers accept numeric
// strings and booleans accept yes/no spellings.
func Coerce(kind Kind, x any) (Value, error) {
	if x == nil {
		return None(), nil
	}
	if v, ok := x.(Value); ok {
		x = v.raw()
	}
	switch kind {
	case "":
		return FromAny(x)
	case KindNone:
		return None(), nil
	case KindText, KindChoice:
		var s string
		switch t := x.(type) {
		case string:
			s = t
		case bool:
			s = strconv.FormatBool(t)
		default:
			f, ok := toFloat(x)
			if !ok || !Finite(f) {
				return None(), fmt.Errorf("cannot use %v as %s", x, kind)
			}
			s = strconv.FormatFloat(f, 'f', -1, 64)
		}
		if kind == KindText {
			return Text(s), nil
		}
		return Choice(s), nil
	case KindNumber:
		if s, ok := x.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil || !Finite(f) {
				return None(), fmt.Errorf("cannot use %q as number", s)
			}
			return Number(f), nil
		}
		f, ok := toFloat(x)
		if !ok {
			return None(), fmt.Errorf("cannot use %T as number", x)
		}
		if !Finite(f) {
			return None(), fmt.Errorf("cannot use %v as number", f)
		}
		return Number(f), nil
	case KindBool:
		switch t := x.(type) {
		case bool:
			return Bool(t), nil
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "true", "yes", "y":
				return Bool(true), nil
			case "false", "no", "n":
				return Bool(false), nil
			}
		}
		return None(), fmt.Errorf("cannot use %v as boolean", x)
	case KindMultiChoice:
		if s, ok := x.(string); ok {
			return MultiChoice(s), nil
		}
		v, err := FromAny(x)
		if err != nil || v.Kind() != KindMultiChoice {
			return None(), fmt.Errorf("cannot use %T as multi_choice", x)
		}
		return v, nil
	case KindGrid:
		m, ok := x.(map[string]any)
		if !ok {
			return None(), fmt.Errorf("cannot use %T as grid", x)
		}
		return Grid(m), nil
	}
	return None(), fmt.Errorf("unknown answer type %q", kind)
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindText, KindNumber, KindBool, KindChoice, KindMultiChoice, KindGrid:
		return k, nil
	case "":
		return "", nil
	}
	return "", fmt.Errorf("unknown answer type %q", s)
}

func (v Value) raw() any {
	switch v.kind {
	case KindText, KindChoice:
		return v.text
	case KindNumber:
		return v.number
	case KindBool:
		return v.boolean
	case KindMultiChoice:
		return v.Choices()
	case KindGrid:
		g, _ := v.GridValue()
		return g
	}
	return nil
}

func toFloat(x any) (float64, bool) {
	switch t := x.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
