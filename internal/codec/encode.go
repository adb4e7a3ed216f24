package codec

import (
	"fmt"
	"sort"
	"time"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Encode — total conversion of native values into the tagged union
// ---------------------------------------------------------------------------

// MaxDepth bounds recursion while encoding. Subtrees nested deeper than this
// collapse to an Opaque marker instead of overflowing the stack on
// pathological (or cyclic) inputs.
const MaxDepth = 64

// Encode converts an arbitrary runtime value into a Value. It is total:
// every input produces some Value and no input causes an error or panic.
// Unrecognized types fall back to a one-way Opaque description.
//
// The union is closed on purpose: one explicit case per supported native
// shape, no reflection. Container cases cover the element types that occur
// in practice ([]any, map[string]any and the common homogeneous forms);
// anything outside them is described, not traversed.
func Encode(v any) Value {
	return encodeDepth(v, 0)
}

func encodeDepth(v any, depth int) Value {
	if depth > MaxDepth {
		return Opaque("max depth exceeded")
	}

	switch t := v.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case *Value:
		if t == nil {
			return Null()
		}
		return *t

	// -- Primitives --
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case int:
		return Number(float64(t))
	case int8:
		return Number(float64(t))
	case int16:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint:
		return Number(float64(t))
	case uint8:
		return Number(float64(t))
	case uint16:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case float32:
		return Number(float64(t))
	case float64:
		return Number(t)

	// -- Common scalar-ish types --
	case time.Time:
		return String(t.Format(time.RFC3339Nano))
	case time.Duration:
		return String(t.String())
	case []byte:
		if utf8.Valid(t) {
			return String(string(t))
		}
		return Opaque(fmt.Sprintf("binary (%d bytes)", len(t)))
	case error:
		return Opaque("error: " + t.Error())

	// -- Async wrapper --
	case Async:
		return encodeAsync(t, depth)
	case *Async:
		if t == nil {
			return Null()
		}
		return encodeAsync(*t, depth)

	// -- Lists --
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = encodeDepth(e, depth+1)
		}
		return Value{Kind: KindList, List: out}
	case []Value:
		out := make([]Value, len(t))
		copy(out, t)
		return Value{Kind: KindList, List: out}
	case []string:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = String(e)
		}
		return Value{Kind: KindList, List: out}
	case []int:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = Number(float64(e))
		}
		return Value{Kind: KindList, List: out}
	case []float64:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = Number(e)
		}
		return Value{Kind: KindList, List: out}
	case []bool:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = Bool(e)
		}
		return Value{Kind: KindList, List: out}

	// -- Maps: Go map iteration is unordered, so keys are sorted to keep
	// the encoding deterministic --
	case map[string]any:
		return encodeStringMap(t, func(v any) Value {
			return encodeDepth(v, depth+1)
		})
	case map[string]string:
		return encodeStringMap(t, func(v string) Value {
			return String(v)
		})
	case map[string]int:
		return encodeStringMap(t, func(v int) Value {
			return Number(float64(v))
		})
	case map[string]float64:
		return encodeStringMap(t, func(v float64) Value {
			return Number(v)
		})
	case map[string]bool:
		return encodeStringMap(t, func(v bool) Value {
			return Bool(v)
		})

	default:
		return Opaque(fmt.Sprintf("%T: %v", v, v))
	}
}

func encodeAsync(a Async, depth int) Value {
	av := &AsyncValue{
		HasValue:  a.HasValue,
		HasError:  a.Err != nil,
		IsLoading: a.IsLoading,
	}
	if a.HasValue {
		nested := encodeDepth(a.Val, depth+1)
		av.Nested = &nested
	}
	if a.Err != nil {
		av.ErrorText = a.Err.Error()
	}
	return Value{Kind: KindAsync, Async: av}
}

func encodeStringMap[T any](m map[string]T, conv func(T) Value) Value {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]MapEntry, 0, len(m))
	for _, k := range keys {
		entries = append(entries, MapEntry{Key: k, Val: conv(m[k])})
	}
	return Value{Kind: KindMap, Map: entries}
}

// EncodeText encodes v and renders its text form in one step.
func EncodeText(v any) string {
	return Encode(v).String()
}
