// Package codec holds the CBOR configuration used for every payload that
// crosses the bus. Client-facing websocket traffic stays JSON.
//
// Types that only ever travel over the bus use `cbor` struct tags. Types
// that are also sent to browsers (race snapshots) use `json` tags, which
// fxamacker/cbor reads as a fallback, so one tag controls both formats.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// any-typed targets decode to map[string]any instead of
		// map[interface{}]interface{} so they stay JSON compatible.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is an encoded CBOR value whose decoding is deferred.
type RawMessage = cbor.RawMessage

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// IsArray reports whether data holds a single CBOR array (major type 4),
// definite or indefinite length.
func IsArray(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	return data[0]>>5 == 4
}
