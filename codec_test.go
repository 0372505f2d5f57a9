package durus

import "testing"

type widget struct {
	Name  string
	Count int
}

func TestJSONCodecEncodeDecodeRoundTrip(t *testing.T) {
	c := NewJSONCodec()
	c.RegisterClass("widget", &widget{})

	data, err := c.Encode("widget", &widget{Name: "bolt", Count: 3})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	class, state, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if class != "widget" {
		t.Errorf("class = %q, want widget", class)
	}
	w, ok := state.(*widget)
	if !ok {
		t.Fatalf("state = %T, want *widget", state)
	}
	if w.Name != "bolt" || w.Count != 3 {
		t.Errorf("state = %+v, want {bolt 3}", w)
	}
}

func TestJSONCodecClassOfWithoutRegistration(t *testing.T) {
	c := NewJSONCodec()
	c.RegisterClass("widget", &widget{})
	data, err := c.Encode("widget", &widget{Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	class, err := c.ClassOf(record{Data: data})
	if err != nil {
		t.Fatal(err)
	}
	if class != "widget" {
		t.Errorf("ClassOf = %q, want widget", class)
	}
}

func TestJSONCodecDecodeUnregisteredClass(t *testing.T) {
	c := NewJSONCodec()
	data, err := c.Encode("nope", &widget{Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Decode(data); err == nil {
		t.Error("Decode of unregistered class should error")
	}
}

// Large states must round-trip through the zlib-compressed path, not just
// the inline path small states take.
func TestJSONCodecCompressesLargeState(t *testing.T) {
	c := NewJSONCodec()
	c.RegisterClass("widget", &widget{})
	big := make([]byte, 1000)
	for i := range big {
		big[i] = 'a'
	}
	data, err := c.Encode("widget", &widget{Name: string(big)})
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 || data[0] != compressedSentinel {
		t.Error("large state should take the compressed path")
	}
	_, state, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode compressed: %v", err)
	}
	w := state.(*widget)
	if w.Name != string(big) {
		t.Error("decoded compressed state does not match original")
	}
}

// RegisterClass must hand out a fresh target on every Decode call --
// sharing one backing value across decodes would let concurrent or
// sequential decodes of the same class alias each other's state.
func TestJSONCodecRegisterClassNoAliasing(t *testing.T) {
	c := NewJSONCodec()
	c.RegisterClass("widget", &widget{})

	data1, _ := c.Encode("widget", &widget{Name: "first"})
	data2, _ := c.Encode("widget", &widget{Name: "second"})

	_, s1, err := c.Decode(data1)
	if err != nil {
		t.Fatal(err)
	}
	_, s2, err := c.Decode(data2)
	if err != nil {
		t.Fatal(err)
	}
	w1 := s1.(*widget)
	w2 := s2.(*widget)
	if w1 == w2 {
		t.Fatal("two decodes returned the same pointer")
	}
	if w1.Name != "first" {
		t.Errorf("first decode target mutated to %q after second decode", w1.Name)
	}
	if w2.Name != "second" {
		t.Errorf("second decode target = %q, want second", w2.Name)
	}
}

func TestJSONCodecRegisterClassPanicsOnNonPointer(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("RegisterClass with a non-pointer zero should panic")
		}
	}()
	c := NewJSONCodec()
	c.RegisterClass("bad", widget{})
}

func TestJSONCodecRootClassPreregistered(t *testing.T) {
	c := NewJSONCodec()
	data, err := c.Encode(rootClassTag, &map[string]interface{}{"x": 1.0})
	if err != nil {
		t.Fatal(err)
	}
	class, state, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode root class: %v", err)
	}
	if class != rootClassTag {
		t.Errorf("class = %q, want %q", class, rootClassTag)
	}
	m, ok := state.(*map[string]interface{})
	if !ok {
		t.Fatalf("state = %T, want *map[string]interface{}", state)
	}
	if (*m)["x"] != 1.0 {
		t.Errorf("state[x] = %v, want 1", (*m)["x"])
	}
}
