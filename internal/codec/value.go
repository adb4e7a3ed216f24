package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Value kinds
// ---------------------------------------------------------------------------

// Kind is the tag of a Value variant.
type Kind string

const (
	KindNull   Kind = "null"
	KindBool   Kind = "bool"
	KindNumber Kind = "number"
	KindString Kind = "string"
	KindList   Kind = "list"
	KindMap    Kind = "map"
	KindAsync  Kind = "async"
	KindOpaque Kind = "opaque"
)

// ---------------------------------------------------------------------------
// Value — closed tagged union
// ---------------------------------------------------------------------------

// Value is the serialized form of one observed runtime value. It is a closed
// union: exactly one variant is populated, selected by Kind. Values are
// treated as immutable once built; every producer hands out fresh trees and
// no consumer mutates them in place.
//
// The lossless subset — Null, Bool, Number, String and Lists/Maps composed
// only of those — round-trips through text encoding unchanged. Async and
// Opaque are one-way: they describe a runtime value without being able to
// reconstruct it.
type Value struct {
	Kind  Kind
	Bool  bool
	Num   float64
	Str   string
	List  []Value
	Map   []MapEntry
	Async *AsyncValue
}

// MapEntry is one key/value pair of a KindMap Value. Entries keep the order
// they were produced in: document order when decoded, sorted key order when
// encoded from a native Go map.
type MapEntry struct {
	Key string
	Val Value
}

// AsyncValue captures the three-state async wrapper: a computation that is
// loading, has produced a value, or has failed with an error. Its wire form
// uses the snake_case keys has_value/has_error/is_loading/value/error.
type AsyncValue struct {
	HasValue  bool
	HasError  bool
	IsLoading bool
	Nested    *Value
	ErrorText string
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Null returns the null Value.
func Null() Value { return Value{Kind: KindNull} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Number returns a numeric Value. All numbers are carried as float64,
// matching JSON semantics.
func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// String returns a string Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// ListOf returns a list Value over the given elements.
func ListOf(elems ...Value) Value { return Value{Kind: KindList, List: elems} }

// MapOf returns a map Value over the given entries, preserving their order.
func MapOf(entries ...MapEntry) Value { return Value{Kind: KindMap, Map: entries} }

// Entry builds a single MapEntry.
func Entry(key string, val Value) MapEntry { return MapEntry{Key: key, Val: val} }

// Opaque returns a one-way textual description of an unencodable value.
func Opaque(desc string) Value { return Value{Kind: KindOpaque, Str: desc} }

// ---------------------------------------------------------------------------
// Async — the native wrapper recognized by Encode
// ---------------------------------------------------------------------------

// Async is the canonical three-state wrapper host graphs can store in a cell
// to model an in-flight computation. Encode recognizes it and produces a
// KindAsync Value.
type Async struct {
	HasValue  bool
	IsLoading bool
	Val       any
	Err       error
}

// AsyncLoading returns an Async in the loading state.
func AsyncLoading() Async { return Async{IsLoading: true} }

// AsyncDone returns an Async carrying a completed value.
func AsyncDone(v any) Async { return Async{HasValue: true, Val: v} }

// AsyncFailed returns an Async carrying a failure.
func AsyncFailed(err error) Async { return Async{Err: err} }

// ---------------------------------------------------------------------------
// Predicates and accessors
// ---------------------------------------------------------------------------

// IsLossless reports whether v sits entirely inside the lossless subset,
// i.e. contains no Async or Opaque variant at any depth.
func (v Value) IsLossless() bool {
	switch v.Kind {
	case KindAsync, KindOpaque:
		return false
	case KindList:
		for _, e := range v.List {
			if !e.IsLossless() {
				return false
			}
		}
		return true
	case KindMap:
		for _, ent := range v.Map {
			if !ent.Val.IsLossless() {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Equal reports deep structural equality between two Values.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == other.Bool
	case KindNumber:
		return v.Num == other.Num
	case KindString, KindOpaque:
		return v.Str == other.Str
	case KindList:
		if len(v.List) != len(other.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(other.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(other.Map) {
			return false
		}
		for i := range v.Map {
			if v.Map[i].Key != other.Map[i].Key || !v.Map[i].Val.Equal(other.Map[i].Val) {
				return false
			}
		}
		return true
	case KindAsync:
		a, b := v.Async, other.Async
		if a == nil || b == nil {
			return a == b
		}
		if a.HasValue != b.HasValue || a.HasError != b.HasError ||
			a.IsLoading != b.IsLoading || a.ErrorText != b.ErrorText {
			return false
		}
		if a.Nested == nil || b.Nested == nil {
			return a.Nested == b.Nested
		}
		return a.Nested.Equal(*b.Nested)
	}
	return false
}

// Interface converts v back into a native Go value: nil, bool, float64,
// string, []any, map[string]any (entry order is lost) or Async. Opaque
// values come back as their description string.
func (v Value) Interface() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Num
	case KindString:
		return v.Str
	case KindOpaque:
		return v.Str
	case KindList:
		out := make([]any, len(v.List))
		for i, e := range v.List {
			out[i] = e.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.Map))
		for _, ent := range v.Map {
			out[ent.Key] = ent.Val.Interface()
		}
		return out
	case KindAsync:
		if v.Async == nil {
			return nil
		}
		a := Async{HasValue: v.Async.HasValue, IsLoading: v.Async.IsLoading}
		if v.Async.Nested != nil {
			a.Val = v.Async.Nested.Interface()
		}
		if v.Async.HasError {
			a.Err = errors.New(v.Async.ErrorText)
		}
		return a
	}
	return nil
}

// MapGet looks up a key in a KindMap Value.
func (v Value) MapGet(key string) (Value, bool) {
	if v.Kind != KindMap {
		return Value{}, false
	}
	for _, ent := range v.Map {
		if ent.Key == key {
			return ent.Val, true
		}
	}
	return Value{}, false
}

// ---------------------------------------------------------------------------
// Containment search
// ---------------------------------------------------------------------------

// Contains reports whether v structurally contains needle: case-insensitive
// substring match for strings and opaque descriptions, recursive membership
// for lists, maps (keys included) and async wrappers, and canonical-text
// equality for the remaining primitives ("42", "true", "null").
func (v Value) Contains(needle string) bool {
	return v.containsLower(strings.ToLower(needle))
}

func (v Value) containsLower(needle string) bool {
	switch v.Kind {
	case KindString, KindOpaque:
		return strings.Contains(strings.ToLower(v.Str), needle)
	case KindList:
		for _, e := range v.List {
			if e.containsLower(needle) {
				return true
			}
		}
		return false
	case KindMap:
		for _, ent := range v.Map {
			if strings.Contains(strings.ToLower(ent.Key), needle) {
				return true
			}
			if ent.Val.containsLower(needle) {
				return true
			}
		}
		return false
	case KindAsync:
		if v.Async == nil {
			return false
		}
		if v.Async.Nested != nil && v.Async.Nested.containsLower(needle) {
			return true
		}
		return v.Async.ErrorText != "" &&
			strings.Contains(strings.ToLower(v.Async.ErrorText), needle)
	default:
		return strings.ToLower(v.canonicalText()) == needle
	}
}

// canonicalText renders the primitive variants the way they appear in the
// text encoding. Non-primitives return "".
func (v Value) canonicalText() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNumber:
		return formatNumber(v.Num)
	case KindString:
		return v.Str
	}
	return ""
}

// formatNumber renders integral floats without a decimal point ("100", not
// "100.0") and everything else in the shortest form that round-trips.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ---------------------------------------------------------------------------
// Preview
// ---------------------------------------------------------------------------

// Preview renders a compact single-line description of v, truncated to max
// runes, for logs and list views.
func (v Value) Preview(max int) string {
	text := v.String()
	if max <= 0 || len(text) <= max {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}

// String renders the compact text encoding of v.
func (v Value) String() string {
	var buf bytes.Buffer
	v.appendJSON(&buf)
	return buf.String()
}

// ---------------------------------------------------------------------------
// JSON encoding — natural form for the lossless subset, sentinel objects
// for async/opaque
// ---------------------------------------------------------------------------

const (
	asyncSentinelKey  = "__async__"
	opaqueSentinelKey = "__opaque__"
)

// MarshalJSON renders v in its wire form: primitives, arrays and objects as
// plain JSON; Async as {"__async__": {...}}; Opaque as {"__opaque__": "..."}.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	v.appendJSON(&buf)
	return buf.Bytes(), nil
}

// UnmarshalJSON parses the wire form back into a Value, preserving object
// key order.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) appendJSON(buf *bytes.Buffer) {
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.Bool))
	case KindNumber:
		buf.WriteString(formatNumber(v.Num))
	case KindString:
		appendQuoted(buf, v.Str)
	case KindList:
		buf.WriteByte('[')
		for i, e := range v.List {
			if i > 0 {
				buf.WriteByte(',')
			}
			e.appendJSON(buf)
		}
		buf.WriteByte(']')
	case KindMap:
		buf.WriteByte('{')
		for i, ent := range v.Map {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendQuoted(buf, ent.Key)
			buf.WriteByte(':')
			ent.Val.appendJSON(buf)
		}
		buf.WriteByte('}')
	case KindAsync:
		buf.WriteByte('{')
		appendQuoted(buf, asyncSentinelKey)
		buf.WriteByte(':')
		v.appendAsyncJSON(buf)
		buf.WriteByte('}')
	case KindOpaque:
		buf.WriteByte('{')
		appendQuoted(buf, opaqueSentinelKey)
		buf.WriteByte(':')
		appendQuoted(buf, v.Str)
		buf.WriteByte('}')
	default:
		buf.WriteString("null")
	}
}

func (v Value) appendAsyncJSON(buf *bytes.Buffer) {
	a := v.Async
	if a == nil {
		a = &AsyncValue{}
	}
	buf.WriteByte('{')
	buf.WriteString(`"has_value":`)
	buf.WriteString(strconv.FormatBool(a.HasValue))
	buf.WriteString(`,"has_error":`)
	buf.WriteString(strconv.FormatBool(a.HasError))
	buf.WriteString(`,"is_loading":`)
	buf.WriteString(strconv.FormatBool(a.IsLoading))
	if a.Nested != nil {
		buf.WriteString(`,"value":`)
		a.Nested.appendJSON(buf)
	}
	if a.HasError {
		buf.WriteString(`,"error":`)
		appendQuoted(buf, a.ErrorText)
	}
	buf.WriteByte('}')
}

// appendQuoted writes s as a JSON string, delegating escaping to
// encoding/json.
func appendQuoted(buf *bytes.Buffer, s string) {
	b, err := json.Marshal(s)
	if err != nil {
		// Marshalling a string cannot fail; keep the output well-formed
		// regardless.
		buf.WriteString(`""`)
		return
	}
	buf.Write(b)
}
