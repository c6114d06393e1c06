package emu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Field is one named value of a decoded response.
type Field struct {
	Name  string
	Value any
}

// Fields is an insertion-ordered mapping of field name to value.
//
// Replacing an existing name keeps its position; new names are appended.
// JSON output follows the same order. A Fields attached to a Response is
// never mutated after decoding completes.
type Fields struct {
	items []Field
	index map[string]int
}

// NewFields builds a Fields from the given pairs, in order.
func NewFields(pairs ...Field) *Fields {
	f := &Fields{}
	for _, p := range pairs {
		f.set(p.Name, p.Value)
	}
	return f
}

func (f *Fields) set(name string, value any) {
	if f.index == nil {
		f.index = make(map[string]int)
	}
	if i, ok := f.index[name]; ok {
		f.items[i].Value = value
		return
	}
	f.index[name] = len(f.items)
	f.items = append(f.items, Field{Name: name, Value: value})
}

// Get returns the value stored under name.
func (f *Fields) Get(name string) (any, bool) {
	if f == nil {
		return nil, false
	}
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.items[i].Value, true
}

// Text returns the value under name if it is a string, or "".
func (f *Fields) Text(name string) string {
	v, _ := f.Get(name)
	s, _ := v.(string)
	return s
}

// Int returns the value under name if it is an integer.
func (f *Fields) Int(name string) (int64, bool) {
	v, ok := f.Get(name)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// Len returns the number of fields.
func (f *Fields) Len() int {
	if f == nil {
		return 0
	}
	return len(f.items)
}

// All returns a copy of the fields in order.
func (f *Fields) All() []Field {
	if f == nil {
		return nil
	}
	out := make([]Field, len(f.items))
	copy(out, f.items)
	return out
}

// MarshalJSON emits the fields as a JSON object in insertion order.
func (f *Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if f != nil {
		for i, item := range f.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.Quote(item.Name))
			buf.WriteByte(':')
			v, err := json.Marshal(item.Value)
			if err != nil {
				return nil, fmt.Errorf("marshal field %s: %w", item.Name, err)
			}
			buf.Write(v)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a flat JSON object, keeping key order.
// Whole numbers decode as int64, other numbers as float64.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("%w: fields must be a JSON object", ErrInvalidField)
	}

	*f = Fields{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("%w: unexpected key %v", ErrInvalidField, tok)
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode field %s: %w", name, err)
		}
		if n, ok := raw.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				raw = i
			} else if fl, err := n.Float64(); err == nil {
				raw = fl
			}
		}
		f.set(name, raw)
	}

	_, err = dec.Token()
	return err
}
