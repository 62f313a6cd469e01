package config

import (
	"encoding/json"

	"github.com/vigil-video/vigil/pkg/bytesize"
)

// ByteSize is a size value supporting human-readable parsing in config
// files ("64MiB", "1.5 GB", or a raw byte count). It implements
// encoding.TextUnmarshaler for Viper/YAML and json.Unmarshaler for JSON.
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := bytesize.Parse(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Accepts either a string with
// units or a raw number of bytes.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 { return int64(b) }

func (b ByteSize) String() string { return bytesize.Format(bytesize.Size(b)) }
