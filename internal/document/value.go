package document

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
)

// Kind identifies the JSON type held by a Value.
type Kind uint8

const (
	Null Kind = iota
	String
	Number
	Bool
	Object
	Array
)

// Value is a decoded JSON value that keeps object keys in source order.
// Customer records are rendered section by section in the order they appear
// in the data file, which a Go map cannot preserve.
type Value struct {
	Kind   Kind
	Text   string // decoded string, number literal, or "true"/"false"
	Fields []Field
	Items  []Value
}

// Field is one key/value pair of an Object.
type Field struct {
	Key   string
	Value Value
}

// Parse decodes a single JSON document.
func Parse(data []byte) (Value, error) {
	raw, typ, _, err := jsonparser.Get(data)
	if err != nil {
		return Value{}, fmt.Errorf("parsing JSON: %w", err)
	}
	return decode(raw, typ)
}

func decode(raw []byte, typ jsonparser.ValueType) (Value, error) {
	switch typ {
	case jsonparser.String:
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return Value{}, fmt.Errorf("decoding string: %w", err)
		}
		return Value{Kind: String, Text: s}, nil
	case jsonparser.Number:
		return Value{Kind: Number, Text: string(raw)}, nil
	case jsonparser.Boolean:
		b, err := jsonparser.ParseBoolean(raw)
		if err != nil {
			return Value{}, fmt.Errorf("decoding bool: %w", err)
		}
		return Value{Kind: Bool, Text: strconv.FormatBool(b)}, nil
	case jsonparser.Null:
		return Value{Kind: Null}, nil
	case jsonparser.Object:
		v := Value{Kind: Object}
		err := jsonparser.ObjectEach(raw, func(key, val []byte, dt jsonparser.ValueType, _ int) error {
			child, err := decode(val, dt)
			if err != nil {
				return fmt.Errorf("key %q: %w", key, err)
			}
			v.Fields = append(v.Fields, Field{Key: string(key), Value: child})
			return nil
		})
		if err != nil {
			return Value{}, err
		}
		return v, nil
	case jsonparser.Array:
		v := Value{Kind: Array}
		var itemErr error
		_, err := jsonparser.ArrayEach(raw, func(val []byte, dt jsonparser.ValueType, _ int, err error) {
			if itemErr != nil {
				return
			}
			if err != nil {
				itemErr = err
				return
			}
			child, err := decode(val, dt)
			if err != nil {
				itemErr = err
				return
			}
			v.Items = append(v.Items, child)
		})
		if err == nil {
			err = itemErr
		}
		if err != nil {
			return Value{}, fmt.Errorf("decoding array: %w", err)
		}
		return v, nil
	}
	return Value{}, fmt.Errorf("unsupported JSON value type %s", typ)
}

// Get returns the value stored under key in an Object.
func (v Value) Get(key string) (Value, bool) {
	for _, f := range v.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Lookup follows a path of object keys.
func (v Value) Lookup(path ...string) (Value, bool) {
	cur := v
	for _, key := range path {
		next, ok := cur.Get(key)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// IsContainer reports whether v is an Object or an Array.
func (v Value) IsContainer() bool {
	return v.Kind == Object || v.Kind == Array
}

// String renders v the way the customer-facing text has always shown
// primitives: True/False, None, and floats with a trailing ".0" when whole.
// Containers nested inside sequences are rendered inline.
func (v Value) String() string {
	switch v.Kind {
	case Null:
		return "None"
	case Bool:
		if v.Text == "true" {
			return "True"
		}
		return "False"
	case Number:
		return formatNumber(v.Text)
	case String:
		return v.Text
	default:
		var b strings.Builder
		writeInline(&b, v)
		return b.String()
	}
}

func formatNumber(lit string) string {
	if !strings.ContainsAny(lit, ".eE") {
		if lit == "-0" {
			return "0"
		}
		return lit
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		if math.IsInf(f, 0) {
			if f > 0 {
				return "inf"
			}
			return "-inf"
		}
		return lit
	}
	abs := math.Abs(f)
	if f == 0 || (abs >= 1e-4 && abs < 1e16) {
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	}
	return strconv.FormatFloat(f, 'e', -1, 64)
}

func writeInline(b *strings.Builder, v Value) {
	switch v.Kind {
	case Object:
		b.WriteByte('{')
		for i, f := range v.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quote(f.Key))
			b.WriteString(": ")
			writeInline(b, f.Value)
		}
		b.WriteByte('}')
	case Array:
		b.WriteByte('[')
		for i, item := range v.Items {
			if i > 0 {
				b.WriteString(", ")
			}
			writeInline(b, item)
		}
		b.WriteByte(']')
	case String:
		b.WriteString(quote(v.Text))
	default:
		b.WriteString(v.String())
	}
}

func quote(s string) string {
	q := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		q = '"'
	}
	var b strings.Builder
	b.WriteByte(q)
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == rune(q):
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(q)
	return b.String()
}
