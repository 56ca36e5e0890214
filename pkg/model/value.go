// Copyright 2025 The Guidepost Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ValueKind tags the dynamic type of a Value.
type ValueKind string

const (
	ValueKindString ValueKind = "string"
	ValueKindNumber ValueKind = "number"
	ValueKindBool   ValueKind = "bool"
	ValueKindTime   ValueKind = "time"
	ValueKindBlob   ValueKind = "blob"
)

// Value is the tagged union used for session variables, profile field values,
// tool outputs and the enforcement expression environment. The zero Value is
// an empty string.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	Time time.Time
	Blob []byte
}

func StringValue(s string) Value  { return Value{Kind: ValueKindString, Str: s} }
func NumberValue(n float64) Value { return Value{Kind: ValueKindNumber, Num: n} }
func BoolValue(b bool) Value      { return Value{Kind: ValueKindBool, Bool: b} }
func TimeValue(t time.Time) Value { return Value{Kind: ValueKindTime, Time: t.UTC()} }
func BlobValue(data []byte) Value { return Value{Kind: ValueKindBlob, Blob: data} }

// ValueOf converts an arbitrary Go value into a Value. Unknown types are
// stringified.
func ValueOf(v any) Value {
	switch x := v.(type) {
	case Value:
		return x
	case string:
		return StringValue(x)
	case bool:
		return BoolValue(x)
	case float64:
		return NumberValue(x)
	case float32:
		return NumberValue(float64(x))
	case int:
		return NumberValue(float64(x))
	case int32:
		return NumberValue(float64(x))
	case int64:
		return NumberValue(float64(x))
	case time.Time:
		return TimeValue(x)
	case []byte:
		return BlobValue(x)
	case nil:
		return Value{}
	default:
		return StringValue(fmt.Sprintf("%v", x))
	}
}

// AsString renders the value as a string regardless of kind.
func (v Value) AsString() string {
	switch v.Kind {
	case ValueKindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case ValueKindBool:
		return strconv.FormatBool(v.Bool)
	case ValueKindTime:
		return v.Time.Format(time.RFC3339)
	case ValueKindBlob:
		return string(v.Blob)
	default:
		return v.Str
	}
}

// AsNumber returns the numeric interpretation of the value, if any.
func (v Value) AsNumber() (float64, bool) {
	switch v.Kind {
	case ValueKindNumber:
		return v.Num, true
	case ValueKindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	case ValueKindString:
		n, err := strconv.ParseFloat(v.Str, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// AsBool returns the boolean interpretation of the value, if any.
func (v Value) AsBool() (bool, bool) {
	switch v.Kind {
	case ValueKindBool:
		return v.Bool, true
	case ValueKindNumber:
		return v.Num != 0, true
	case ValueKindString:
		b, err := strconv.ParseBool(v.Str)
		return b, err == nil
	default:
		return false, false
	}
}

// IsZero reports whether the value is unset.
func (v Value) IsZero() bool {
	return v.Kind == "" || (v.Kind == ValueKindString && v.Str == "")
}

// Equal compares two values by kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case ValueKindNumber:
		return v.Num == o.Num
	case ValueKindBool:
		return v.Bool == o.Bool
	case ValueKindTime:
		return v.Time.Equal(o.Time)
	case ValueKindBlob:
		return string(v.Blob) == string(o.Blob)
	default:
		return v.Str == o.Str
	}
}

// valueJSON is the wire form of Value.
type valueJSON struct {
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.Kind {
	case ValueKindNumber:
		payload = v.Num
	case ValueKindBool:
		payload = v.Bool
	case ValueKindTime:
		payload = v.Time.Format(time.RFC3339Nano)
	case ValueKindBlob:
		payload = v.Blob
	default:
		payload = v.Str
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	kind := v.Kind
	if kind == "" {
		kind = ValueKindString
	}
	return json.Marshal(valueJSON{Kind: kind, Value: raw})
}

// UnmarshalJSON decodes the tagged wire form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var wire valueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	v.Kind = wire.Kind
	switch wire.Kind {
	case ValueKindNumber:
		return json.Unmarshal(wire.Value, &v.Num)
	case ValueKindBool:
		return json.Unmarshal(wire.Value, &v.Bool)
	case ValueKindTime:
		var s string
		if err := json.Unmarshal(wire.Value, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		v.Time = t
		return nil
	case ValueKindBlob:
		return json.Unmarshal(wire.Value, &v.Blob)
	case ValueKindString, "":
		v.Kind = ValueKindString
		return json.Unmarshal(wire.Value, &v.Str)
	default:
		return fmt.Errorf("unknown value kind %q", wire.Kind)
	}
}

// MergeVariables overlays src onto dst (src wins) and returns dst.
// A nil dst allocates a fresh map.
func MergeVariables(dst, src map[string]Value) map[string]Value {
	if dst == nil {
		dst = make(map[string]Value, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
