package batch

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/goliatone/go-curd/normalize"
)

// ValueKind tags the variant held by a Value.
type ValueKind string

const (
	KindNumber ValueKind = "number"
	KindTime   ValueKind = "time"
	KindDate   ValueKind = "date"
)

// Value is a measurement: a number, a "HH:MM" clock time or a
// "YYYY-MM-DD" date. Construct it with NumberValue, TimeValue or DateValue
// so downstream code can trust the shape.
type Value struct {
	kind   ValueKind
	number float64
	text   string
}

// NumberValue wraps a decimal.
func NumberValue(v float64) Value {
	return Value{kind: KindNumber, number: v}
}

// TimeValue wraps a normalized clock time.
func TimeValue(hhmm string) (Value, bool) {
	if !normalize.ValidClock(hhmm) {
		return Value{}, false
	}
	return Value{kind: KindTime, text: hhmm}, true
}

// DateValue wraps a normalized calendar date.
func DateValue(ymd string) (Value, bool) {
	t, ok := normalize.ParseDate(ymd)
	if !ok || t.Format("2006-01-02") != ymd {
		return Value{}, false
	}
	return Value{kind: KindDate, text: ymd}, true
}

// Kind reports the variant; the zero Value has an empty kind.
func (v Value) Kind() ValueKind { return v.kind }

// IsZero reports whether v holds nothing.
func (v Value) IsZero() bool { return v.kind == "" }

// Number returns the decimal when v is a number.
func (v Value) Number() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.number, true
}

// Text returns the time or date string.
func (v Value) Text() (string, bool) {
	if v.kind != KindTime && v.kind != KindDate {
		return "", false
	}
	return v.text, true
}

// Raw returns the value as a plain Go value for payloads and logs.
func (v Value) Raw() any {
	switch v.kind {
	case KindNumber:
		return v.number
	case KindTime, KindDate:
		return v.text
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.number, 'f', -1, 64)
	case KindTime, KindDate:
		return v.text
	default:
		return ""
	}
}

type wireValue struct {
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v.Raw())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.kind, Value: raw})
}

// UnmarshalJSON validates the decoded variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value{}
		return nil
	}
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case KindNumber:
		var n float64
		if err := json.Unmarshal(w.Value, &n); err != nil {
			return fmt.Errorf("number value: %w", err)
		}
		*v = NumberValue(n)
	case KindTime, KindDate:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return fmt.Errorf("%s value: %w", w.Kind, err)
		}
		var ok bool
		if w.Kind == KindTime {
			*v, ok = TimeValue(s)
		} else {
			*v, ok = DateValue(s)
		}
		if !ok {
			return fmt.Errorf("invalid %s value %q", w.Kind, s)
		}
	default:
		return fmt.Errorf("unknown value kind %q", w.Kind)
	}
	return nil
}
