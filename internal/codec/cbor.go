// Package codec encodes object headers and checkpoint indexes for storage.
//
// Encoding is CBOR in Core Deterministic mode: the same logical value
// always produces identical bytes, so a checkpoint's digest depends only
// on its content.
package codec

import (
	"fmt"

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
		// Headers are written by this package only; anything else in a
		// header extent is corruption.
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec unmarshal: %w", err)
	}
	return nil
}

// UnmarshalPadded decodes the first item of data into v. Anything after
// it must be zero padding.
func UnmarshalPadded(data []byte, v any) error {
	rest, err := decMode.UnmarshalFirst(data, v)
	if err != nil {
		return fmt.Errorf("codec unmarshal: %w", err)
	}
	for _, b := range rest {
		if b != 0 {
			return fmt.Errorf("codec unmarshal: %d bytes of trailing data", len(rest))
		}
	}
	return nil
}
