package codec

import (
	"io"

	"github.com/goccy/go-json"
)

// JSON encodes with goccy/go-json. Numbers decoded into interface values
// become float64, matching encoding/json.
type JSON struct{}

var _ Codec = JSON{}

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

func (JSON) NewEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

func (JSON) NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}

func (JSON) ContentType() string {
	return "application/json"
}

func (JSON) Extension() string {
	return ".json"
}
