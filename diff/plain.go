package diff

import (
	"bytes"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// Plain values are what `Diff` and `Apply` work on.
// Conversion goes through msgpack so struct `json` tags name the object keys,
// integers come back as `int64` and floats as `float64`.

func ToPlain(value any) (any, error) {
	b, err := Marshal(value)
	if err != nil {
		return nil, err
	}
	return UnmarshalPlain(b)
}

// FromPlain decodes a plain value into `out`, which must be a pointer
func FromPlain(value any, out any) error {
	b, err := Marshal(value)
	if err != nil {
		return err
	}
	return Unmarshal(b, out)
}

// deterministic encoding: map keys are sorted
func Marshal(value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetSortMapKeys(true)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(b []byte, out any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	return dec.Decode(out)
}

func UnmarshalPlain(b []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return normalize(value), nil
}

// loose decoding yields `uint64` for unsigned encodings; fold those into `int64` when they fit
func normalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			v[key] = normalize(child)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = normalize(child)
		}
		return v
	case float32:
		return float64(v)
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v)
		}
		return v
	default:
		return v
	}
}

// Clone deep copies the containers of a plain value. Scalars are shared.
func Clone(value any) any {
	switch v := value.(type) {
	case map[string]any:
		object := make(map[string]any, len(v))
		for key, child := range v {
			object[key] = Clone(child)
		}
		return object
	case []any:
		array := make([]any, len(v))
		for i, child := range v {
			array[i] = Clone(child)
		}
		return array
	case []byte:
		return bytes.Clone(v)
	default:
		return v
	}
}
