package codec

import "io"

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// Codec is a symmetric Marshaler/Unmarshaler pair with a content type and
// a file extension used by the on-disk cache.
type Codec interface {
	Marshaler
	Unmarshaler
	ContentType() string
	Extension() string
}

// ByName returns the codec registered under name ("json" or "cbor").
// An empty name selects JSON.
func ByName(name string) (Codec, bool) {
	switch name {
	case "", "json":
		return JSON{}, true
	case "cbor":
		return NewCBOR(), true
	}
	return nil, false
}
