package durus

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zlib"
)

// Codec is the serialization boundary spec.md §4.6 carves out: Connection
// and Storage only ever see opaque record bytes, never application
// state. A Codec turns a Go value plus its outbound references into a
// record, and turns a record back into a class tag and a state value.
//
// Grounded on durus/serialize.py's ObjectWriter/ObjectReader pair, with
// pickle's "persistent_id" class-by-import-path trick replaced by an
// explicit class registry (RegisterClass) since Go has no runtime import
// machinery to piggy-back on.
type Codec interface {
	// Encode serializes state under the given class tag, returning the
	// record's opaque Data (class tag + state, optionally compressed).
	Encode(class string, state interface{}) ([]byte, error)
	// Decode reconstructs a class tag and a freshly allocated state
	// value from Data. The returned value is a pointer the caller may
	// type-assert against a value registered via RegisterClass.
	Decode(data []byte) (class string, state interface{}, err error)
	// ClassOf extracts just the class tag without fully decoding state,
	// used by the analysis helpers in analysis.go.
	ClassOf(rec record) (string, error)
	// RegisterClass associates a class tag with a zero value used to
	// allocate decode targets.
	RegisterClass(class string, zero interface{})
}

// compressedSentinel is the first byte of a compressed state blob,
// chosen to never collide with a valid JSON encoding's first byte
// (always '{', '[', '"', a digit, 't', 'f', or 'n'), mirroring
// serialize.py's COMPRESSED_START_BYTE sentinel technique.
const compressedSentinel = 0x00

// compressThreshold mirrors serialize.py's informal practice of only
// compressing state blobs large enough for zlib's framing overhead to
// pay for itself.
const compressThreshold = 256

// JSONCodec is the default Codec: goccy/go-json for marshaling (the
// teacher's own JSON library, used the same way map.go uses it) and
// klauspost/compress/zlib for optional compression of large states (the
// compression family jpl-au-folio reaches for in compress.go).
type JSONCodec struct {
	mu      sync.RWMutex
	classes map[string]func() interface{}
}

// NewJSONCodec returns a ready-to-use JSONCodec with the built-in Root
// class pre-registered (so a fresh database works out of the box);
// callers register their own application classes with RegisterClass
// before Decode can reconstruct them (ClassOf and Encode work
// regardless).
func NewJSONCodec() *JSONCodec {
	c := &JSONCodec{classes: map[string]func() interface{}{}}
	c.RegisterClass(rootClassTag, &map[string]interface{}{})
	return c
}

// RegisterClass records zero's type (zero must be a pointer, e.g.
// &map[string]interface{}{} or &MyType{}) so Decode can allocate a fresh
// target of that type on every call. A closure returning zero itself
// would hand every decode the same backing memory.
func (c *JSONCodec) RegisterClass(class string, zero interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := reflect.TypeOf(zero)
	if t == nil || t.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("durus: RegisterClass(%q): zero must be a non-nil pointer", class))
	}
	elem := t.Elem()
	c.classes[class] = func() interface{} { return reflect.New(elem).Interface() }
}

type wireEnvelope struct {
	Class string          `json:"class"`
	State json.RawMessage `json:"state"`
}

func (c *JSONCodec) Encode(class string, state interface{}) ([]byte, error) {
	stateBytes, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	env := wireEnvelope{Class: class, State: stateBytes}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if len(body) < compressThreshold {
		return body, nil
	}
	var buf bytes.Buffer
	buf.WriteByte(compressedSentinel)
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *JSONCodec) envelope(data []byte) (wireEnvelope, error) {
	var env wireEnvelope
	if len(data) > 0 && data[0] == compressedSentinel {
		zr, err := zlib.NewReader(bytes.NewReader(data[1:]))
		if err != nil {
			return env, err
		}
		defer zr.Close()
		raw, err := io.ReadAll(zr)
		if err != nil {
			return env, err
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return env, err
		}
		return env, nil
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, err
	}
	return env, nil
}

func (c *JSONCodec) Decode(data []byte) (string, interface{}, error) {
	env, err := c.envelope(data)
	if err != nil {
		return "", nil, err
	}
	c.mu.RLock()
	factory, ok := c.classes[env.Class]
	c.mu.RUnlock()
	if !ok {
		return env.Class, nil, fmt.Errorf("durus: unregistered class %q", env.Class)
	}
	target := factory()
	if err := json.Unmarshal(env.State, target); err != nil {
		return env.Class, nil, err
	}
	return env.Class, target, nil
}

func (c *JSONCodec) ClassOf(rec record) (string, error) {
	env, err := c.envelope(rec.Data)
	if err != nil {
		return "", err
	}
	return env.Class, nil
}
