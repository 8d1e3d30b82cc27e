package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	A uint64            `cbor:"1,keyasint"`
	B map[string]uint64 `cbor:"2,keyasint"`
}

func TestMarshal_Deterministic(t *testing.T) {
	v := sample{A: 7, B: map[string]uint64{"z": 1, "a": 2, "m": 3}}
	first, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestUnmarshal_RejectsUnknownFields(t *testing.T) {
	data, err := Marshal(map[int]uint64{1: 7, 9: 1})
	require.NoError(t, err)
	var got sample
	assert.Error(t, Unmarshal(data, &got))
}

func TestUnmarshalPadded(t *testing.T) {
	data, err := Marshal(sample{A: 3})
	require.NoError(t, err)

	var got sample
	require.NoError(t, UnmarshalPadded(append(data, 0, 0, 0, 0), &got))
	assert.Equal(t, uint64(3), got.A)

	assert.Error(t, UnmarshalPadded(append(data, 0, 1), &got))
	assert.Error(t, Unmarshal(append(data, 0), &got))
}
