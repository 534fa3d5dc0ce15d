// Package codec implements the single versioned binary encoding used for
// every value Conflux persists in pkg/storage column families and streams
// in snapshots. The first byte of every encoded value is a format-version
// tag; decoding an unrecognized tag fails rather than silently truncating.
package codec

import (
	"encoding/json"

	"github.com/confluxdb/conflux/pkg/coreerr"
)

// Version 1 is the only format in use today: tag byte 0x01 followed by a
// plain JSON encoding of the value.
const versionJSON byte = 0x01

// Encode tags v's JSON encoding with the current format version.
func Encode(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, coreerr.InvariantViolation("encode: " + err.Error())
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, versionJSON)
	out = append(out, body...)
	return out, nil
}

// Decode validates the format-version tag and unmarshals the remainder
// into v. An unrecognized tag or truncated payload is Corruption, never a
// silent partial decode.
func Decode(raw []byte, v interface{}) error {
	if len(raw) < 1 {
		return coreerr.Corruption("decode: empty value", nil)
	}
	switch raw[0] {
	case versionJSON:
		if err := json.Unmarshal(raw[1:], v); err != nil {
			return coreerr.Corruption("decode: unmarshal failed", err)
		}
		return nil
	default:
		return coreerr.Corruption("decode: unrecognized format version tag", nil)
	}
}
