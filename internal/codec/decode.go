package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ---------------------------------------------------------------------------
// Parse — wire text back into Values, preserving object key order
// ---------------------------------------------------------------------------

// Parse decodes the wire form produced by MarshalJSON back into a Value.
// Object keys keep their document order, which encoding/json's map decoding
// would lose; the token stream is walked directly instead.
func Parse(text string) (Value, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	v, err := parseValue(dec, 0)
	if err != nil {
		return Value{}, err
	}

	// Only a clean EOF may follow the first value; anything else is
	// trailing garbage ("100abc" must not parse as the number 100).
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, fmt.Errorf("codec: trailing data after value")
	}
	return v, nil
}

func parseValue(dec *json.Decoder, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, fmt.Errorf("codec: document exceeds max depth %d", MaxDepth)
	}

	tok, err := dec.Token()
	if err != nil {
		return Value{}, fmt.Errorf("codec: %w", err)
	}

	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("codec: bad number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case json.Delim:
		switch t {
		case '[':
			return parseList(dec, depth)
		case '{':
			return parseObject(dec, depth)
		}
	}
	return Value{}, fmt.Errorf("codec: unexpected token %v", tok)
}

func parseList(dec *json.Decoder, depth int) (Value, error) {
	var elems []Value
	for dec.More() {
		e, err := parseValue(dec, depth+1)
		if err != nil {
			return Value{}, err
		}
		elems = append(elems, e)
	}
	if _, err := dec.Token(); err != nil { // consume ']'
		return Value{}, fmt.Errorf("codec: %w", err)
	}
	return Value{Kind: KindList, List: elems}, nil
}

func parseObject(dec *json.Decoder, depth int) (Value, error) {
	var entries []MapEntry
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Value{}, fmt.Errorf("codec: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return Value{}, fmt.Errorf("codec: non-string object key %v", keyTok)
		}
		val, err := parseValue(dec, depth+1)
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, MapEntry{Key: key, Val: val})
	}
	if _, err := dec.Token(); err != nil { // consume '}'
		return Value{}, fmt.Errorf("codec: %w", err)
	}

	// A single-key object may be one of the sentinel forms.
	if len(entries) == 1 {
		switch entries[0].Key {
		case opaqueSentinelKey:
			if entries[0].Val.Kind == KindString {
				return Opaque(entries[0].Val.Str), nil
			}
		case asyncSentinelKey:
			if entries[0].Val.Kind == KindMap {
				return asyncFromMap(entries[0].Val), nil
			}
		}
	}
	return Value{Kind: KindMap, Map: entries}, nil
}

// asyncFromMap rebuilds a KindAsync Value from its sentinel payload object.
func asyncFromMap(payload Value) Value {
	av := &AsyncValue{}
	if v, ok := payload.MapGet("has_value"); ok && v.Kind == KindBool {
		av.HasValue = v.Bool
	}
	if v, ok := payload.MapGet("has_error"); ok && v.Kind == KindBool {
		av.HasError = v.Bool
	}
	if v, ok := payload.MapGet("is_loading"); ok && v.Kind == KindBool {
		av.IsLoading = v.Bool
	}
	if v, ok := payload.MapGet("value"); ok {
		nested := v
		av.Nested = &nested
	}
	if v, ok := payload.MapGet("error"); ok && v.Kind == KindString {
		av.ErrorText = v.Str
	}
	return Value{Kind: KindAsync, Async: av}
}

// ---------------------------------------------------------------------------
// DecodeText — operator edit input
// ---------------------------------------------------------------------------

// DecodeText interprets raw edit input: a JSON literal when it parses as one
// ("100" becomes the number 100, "true" a bool, "[1,2]" a list), otherwise
// the whole input as a literal string. It never fails.
func DecodeText(raw string) Value {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return String(raw)
	}
	if v, err := Parse(trimmed); err == nil {
		return v
	}
	return String(raw)
}
