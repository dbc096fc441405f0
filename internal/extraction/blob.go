// Result blob codec.
//
// DESIGN: Cache stores hold results as opaque versioned JSON blobs
// ("result_blob" in the persisted schema). The format version is a field in
// the blob itself so older stores can be read after upgrades; unknown
// versions fail decode rather than guessing.
package extraction

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/tidwall/gjson"
)

// BlobFormatVersion is the current result blob format.
const BlobFormatVersion = 1

type resultBlob struct {
	V     int         `json:"v"`
	Entry *CacheEntry `json:"entry"`
}

// EncodeEntry serializes a cache entry into a versioned blob.
func EncodeEntry(e *CacheEntry) ([]byte, error) {
	b, err := json.Marshal(resultBlob{V: BlobFormatVersion, Entry: e})
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return b, nil
}

// EncodeQuantile renders a possibly infinite quantile as raw JSON. Tau is
// +Inf on exact hits and when the calibration window is empty, and -Inf when
// conformal reuse is gated off; JSON has no literal for either, so the
// sentinels become quoted strings.
func EncodeQuantile(v float64) json.RawMessage {
	switch {
	case math.IsInf(v, 1):
		return json.RawMessage(`"inf"`)
	case math.IsInf(v, -1):
		return json.RawMessage(`"-inf"`)
	case math.IsNaN(v):
		return json.RawMessage(`"nan"`)
	}
	b, _ := json.Marshal(v)
	return b
}

// DecodeQuantile parses the EncodeQuantile representation. Absent or null
// values decode to zero.
func DecodeQuantile(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		switch s {
		case "inf":
			return math.Inf(1), nil
		case "-inf":
			return math.Inf(-1), nil
		case "nan":
			return math.NaN(), nil
		}
		return 0, fmt.Errorf("unknown quantile sentinel %q", s)
	}
	var v float64
	err := json.Unmarshal(raw, &v)
	return v, err
}

type certificateAlias Certificate

// MarshalJSON keeps certificates with infinite tau representable; a plain
// marshal would reject the whole cache entry on every exact hit or cold
// rebuild.
func (c Certificate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		certificateAlias
		Tau json.RawMessage `json:"tau"`
	}{certificateAlias(c), EncodeQuantile(c.Tau)})
}

// UnmarshalJSON reverses MarshalJSON.
func (c *Certificate) UnmarshalJSON(data []byte) error {
	aux := struct {
		*certificateAlias
		Tau json.RawMessage `json:"tau"`
	}{certificateAlias: (*certificateAlias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	tau, err := DecodeQuantile(aux.Tau)
	if err != nil {
		return fmt.Errorf("decode certificate tau: %w", err)
	}
	c.Tau = tau
	return nil
}

// DecodeEntry deserializes a versioned blob. The version gate uses a raw JSON
// probe so a blob from a future format fails fast without a partial decode.
func DecodeEntry(b []byte) (*CacheEntry, error) {
	v := gjson.GetBytes(b, "v")
	if !v.Exists() {
		return nil, fmt.Errorf("decode cache entry: missing format version")
	}
	if v.Int() != BlobFormatVersion {
		return nil, fmt.Errorf("decode cache entry: unsupported format version %d", v.Int())
	}
	var blob resultBlob
	if err := json.Unmarshal(b, &blob); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if blob.Entry == nil {
		return nil, fmt.Errorf("decode cache entry: empty blob")
	}
	return blob.Entry, nil
}
