package graph

import (
	"fmt"
	"testing"

	"github.com/agentic-research/strata/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderCodec_GroupKeepsStorageAndOrder(t *testing.T) {
	for _, n := range []int{3, 12} {
		t.Run(fmt.Sprintf("links=%d", n), func(t *testing.T) {
			h := NewGroupHeader(5, api.GroupCreateProps{TrackCreationOrder: true})
			h.LinkCount = 2
			h.Modified = 7
			for i := 0; i < n; i++ {
				_, err := h.Group.Insert(fmt.Sprintf("z%02d", n-i), Addr(100+i))
				require.NoError(t, err)
			}

			data, err := EncodeHeader(h)
			require.NoError(t, err)
			got, err := DecodeHeader(data)
			require.NoError(t, err)

			assert.Equal(t, h.Addr, got.Addr)
			assert.Equal(t, KindGroup, got.Kind)
			assert.Equal(t, uint32(2), got.LinkCount)
			assert.Equal(t, uint64(7), got.Modified)
			assert.Equal(t, h.Group.StorageType(), got.Group.StorageType())
			assert.Equal(t, h.Group.Info(), got.Group.Info())
			assert.Equal(t, names(h.Group), names(got.Group))

			first, err := got.Group.ByIndex(api.IndexCreationOrder, api.OrderInc, 0)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("z%02d", n), first.Name)
		})
	}
}

func TestHeaderCodec_Dataset(t *testing.T) {
	h := NewDatasetHeader(9, api.DatasetCreateProps{
		ElemSize: 4,
		Dims:     []uint64{0, 8},
		MaxDims:  []uint64{api.Unlimited, 8},
		Chunk:    []uint64{4, 4},
		Filter:   api.FilterZstd,
	})
	h.Dataset.Chunks[ChunkKey([]uint64{0, 1})] = ChunkRef{Off: 4096, Len: 64, Sum: 0xfeed}

	data, err := EncodeHeader(h)
	require.NoError(t, err)
	got, err := DecodeHeader(data)
	require.NoError(t, err)
	assert.Equal(t, h.Dataset, got.Dataset)
}

func TestDecodeHeader_Garbage(t *testing.T) {
	_, err := DecodeHeader([]byte{0xff, 0x00, 0x13})
	assert.ErrorIs(t, err, api.ErrInconsistent)
}

func TestChunkKey(t *testing.T) {
	k := ChunkKey([]uint64{3, 0, 12})
	assert.Equal(t, "3,0,12", k)
	c, err := ParseChunkKey(k)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 0, 12}, c)

	_, err = ParseChunkKey("1,x")
	assert.ErrorIs(t, err, api.ErrInconsistent)
}
