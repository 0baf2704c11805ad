/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Field is a single named value within a Record.
type Field struct {
	Name  string
	Value any
}

// Record is an ordered mapping of field name to scalar value.
// The order of the fields is significant: it becomes the header of the
// shard the record is routed to, if it is the first one there.
type Record []Field

// Of builds a Record from alternating name/value pairs.
// It panics if the arguments are not well formed, and is meant for
// literals in tests and examples.
func Of(kv ...any) Record {
	if len(kv)%2 != 0 {
		panic("record.Of: odd number of arguments")
	}
	r := make(Record, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		name, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("record.Of: field name %v is not a string", kv[i]))
		}
		r = append(r, Field{Name: name, Value: kv[i+1]})
	}
	return r
}

// Get returns the value of the named field.
func (r Record) Get(name string) (any, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Keys returns the field names in order.
func (r Record) Keys() []string {
	keys := make([]string, len(r))
	for i, f := range r {
		keys[i] = f.Name
	}
	return keys
}

// HasFields reports whether r carries exactly the given set of field names,
// in any order.
func (r Record) HasFields(header []string) bool {
	if len(r) != len(header) {
		return false
	}
	for _, h := range header {
		if _, ok := r.Get(h); !ok {
			return false
		}
	}
	return true
}

// Row renders the values of r in header order.
func (r Record) Row(header []string) []string {
	row := make([]string, len(header))
	for i, h := range header {
		v, _ := r.Get(h)
		row[i] = Format(v)
	}
	return row
}

// Format renders a scalar value the way it is written into a CSV cell.
func Format(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// UnmarshalJSON decodes a JSON object, keeping the order of its keys.
// Nested values are decoded into their generic Go representation, except
// that numbers stay json.Number so integers keep every digit.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("record: expected a JSON object, got %v", tok)
	}
	out := Record{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("record: unexpected token %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("record: field %q: %w", name, err)
		}
		out = append(out, Field{Name: name, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*r = out
	return nil
}

// MarshalJSON encodes r as a JSON object in field order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("record: field %q: %w", f.Name, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
