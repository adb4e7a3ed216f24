package codec

import (
	"encoding/json"
	"errors"
	"testing"
)

// --- Equal ---

func TestEqual_DifferentKinds(t *testing.T) {
	if Number(1).Equal(String("1")) {
		t.Error("number 1 equal to string \"1\", want not equal")
	}
}

func TestEqual_Lists(t *testing.T) {
	a := ListOf(Number(1), Number(2))
	b := ListOf(Number(1), Number(2))
	c := ListOf(Number(2), Number(1))
	if !a.Equal(b) {
		t.Error("identical lists not equal")
	}
	if a.Equal(c) {
		t.Error("reordered lists equal, want not equal")
	}
}

func TestEqual_MapOrderMatters(t *testing.T) {
	a := MapOf(Entry("x", Number(1)), Entry("y", Number(2)))
	b := MapOf(Entry("y", Number(2)), Entry("x", Number(1)))
	if a.Equal(b) {
		t.Error("maps with different entry order equal, want not equal")
	}
}

// --- Contains ---

func TestContains_StringSubstring(t *testing.T) {
	if !String("Agent Smith").Contains("smith") {
		t.Error("case-insensitive substring did not match")
	}
	if String("Agent Smith").Contains("neo") {
		t.Error("unrelated needle matched")
	}
}

func TestContains_NumberEquality(t *testing.T) {
	if !Number(42).Contains("42") {
		t.Error("needle \"42\" did not match number 42")
	}
	if Number(42).Contains("4") {
		t.Error("substring \"4\" matched number 42, want equality only")
	}
	if !Number(100).Contains("100") {
		t.Error("needle \"100\" did not match number 100")
	}
}

func TestContains_BoolAndNull(t *testing.T) {
	if !Bool(true).Contains("TRUE") {
		t.Error("needle TRUE did not match bool true")
	}
	if !Null().Contains("null") {
		t.Error("needle null did not match null")
	}
}

func TestContains_RecursesIntoCollections(t *testing.T) {
	v := MapOf(
		Entry("user", MapOf(Entry("name", String("Agent Smith")))),
		Entry("tags", ListOf(String("alpha"), String("beta"))),
	)
	if !v.Contains("smith") {
		t.Error("nested string not found")
	}
	if !v.Contains("beta") {
		t.Error("list element not found")
	}
	if v.Contains("gamma") {
		t.Error("absent needle matched")
	}
}

func TestContains_MapKeys(t *testing.T) {
	v := MapOf(Entry("feature_checkout", Bool(false)))
	if !v.Contains("checkout") {
		t.Error("map key substring did not match")
	}
}

func TestContains_Async(t *testing.T) {
	done := Encode(AsyncDone("payload-77"))
	if !done.Contains("payload") {
		t.Error("async nested value not searched")
	}
	failed := Encode(AsyncFailed(errors.New("connection refused")))
	if !failed.Contains("refused") {
		t.Error("async error text not searched")
	}
}

func TestContains_Opaque(t *testing.T) {
	v := Opaque("chan int: 0xc0004")
	if !v.Contains("chan") {
		t.Error("opaque description not searched")
	}
}

// --- Interface ---

func TestInterface_Primitives(t *testing.T) {
	if Number(100).Interface() != float64(100) {
		t.Error("number did not come back as float64")
	}
	if String("x").Interface() != "x" {
		t.Error("string did not round trip")
	}
	if Null().Interface() != nil {
		t.Error("null did not come back as nil")
	}
}

func TestInterface_Collections(t *testing.T) {
	list := ListOf(Number(1), String("a")).Interface().([]any)
	if len(list) != 2 || list[0] != float64(1) {
		t.Errorf("list = %v", list)
	}

	m := MapOf(Entry("k", Bool(true))).Interface().(map[string]any)
	if m["k"] != true {
		t.Errorf("map = %v", m)
	}
}

func TestInterface_AsyncReconstructs(t *testing.T) {
	orig := Encode(AsyncFailed(errors.New("boom")))
	back, ok := orig.Interface().(Async)
	if !ok {
		t.Fatalf("Interface() = %T, want Async", orig.Interface())
	}
	if back.Err == nil || back.Err.Error() != "boom" {
		t.Errorf("Err = %v, want boom", back.Err)
	}
}

// --- JSON wire form ---

func TestMarshalJSON_NaturalForms(t *testing.T) {
	cases := []struct {
		v    Value
		want string
	}{
		{Null(), "null"},
		{Bool(true), "true"},
		{Number(100), "100"},
		{Number(2.5), "2.5"},
		{String("x"), `"x"`},
		{ListOf(Number(1), Number(2)), "[1,2]"},
		{MapOf(Entry("b", Number(1)), Entry("a", Number(2))), `{"b":1,"a":2}`},
		{Opaque("desc"), `{"__opaque__":"desc"}`},
	}
	for _, tc := range cases {
		b, err := json.Marshal(tc.v)
		if err != nil {
			t.Fatalf("Marshal error: %v", err)
		}
		if string(b) != tc.want {
			t.Errorf("Marshal = %s, want %s", b, tc.want)
		}
	}
}

func TestMarshalJSON_IntegralNumbersHaveNoDecimalPoint(t *testing.T) {
	b, _ := json.Marshal(Number(3))
	if string(b) != "3" {
		t.Errorf("got %s, want 3", b)
	}
}

func TestUnmarshalJSON_ViaStructField(t *testing.T) {
	var wrapper struct {
		Cells Value `json:"cells"`
	}
	if err := json.Unmarshal([]byte(`{"cells":{"z":1,"a":2}}`), &wrapper); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if wrapper.Cells.Kind != KindMap || wrapper.Cells.Map[0].Key != "z" {
		t.Errorf("order lost: %s", wrapper.Cells.String())
	}
}

// --- Preview ---

func TestPreview_Truncates(t *testing.T) {
	v := String("abcdefghij")
	got := v.Preview(5)
	if got != `"abcd…` {
		t.Errorf("Preview = %q", got)
	}
	if full := v.Preview(100); full != `"abcdefghij"` {
		t.Errorf("untruncated = %q", full)
	}
}

// --- IsLossless ---

func TestIsLossless(t *testing.T) {
	if !MapOf(Entry("a", ListOf(Number(1)))).IsLossless() {
		t.Error("plain structure reported lossy")
	}
	if ListOf(Opaque("x")).IsLossless() {
		t.Error("list containing opaque reported lossless")
	}
	if Encode(AsyncLoading()).IsLossless() {
		t.Error("async reported lossless")
	}
}
