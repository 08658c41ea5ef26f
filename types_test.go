package tiledir_test

import (
	"math"
	"testing"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataType(t *testing.T) {
	dataType, err := tiledir.ParseDataType(" c32r ")
	require.NoError(t, err)
	assert.Equal(t, tiledir.DataTypeC32R, dataType)
	assert.Equal(t, "C32R", dataType.String())

	_, err = tiledir.ParseDataType("12U")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = tiledir.ParseDataType("")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestDataType__Sizes(t *testing.T) {
	tests := []struct {
		dataType tiledir.DataType
		size     uint32
		swapSize uint32
	}{
		{tiledir.DataType8S, 1, 1},
		{tiledir.DataType16U, 2, 2},
		{tiledir.DataType32R, 4, 4},
		{tiledir.DataType64S, 8, 8},
		{tiledir.DataTypeC16S, 4, 2},
		{tiledir.DataTypeC32R, 8, 4},
	}

	for _, test := range tests {
		assert.Equalf(t, test.size, test.dataType.Size(), "size of %s", test.dataType)
		assert.Equalf(t, test.swapSize, test.dataType.SwapSize(), "swap size of %s", test.dataType)
	}
	assert.False(t, tiledir.DataTypeUnknown.IsValid())
	assert.False(t, tiledir.DataType(200).IsValid())
}

func TestTileLayerInfo__Geometry(t *testing.T) {
	info := tiledir.TileLayerInfo{
		Width:      1000,
		Height:     513,
		TileWidth:  256,
		TileHeight: 256,
		DataType:   tiledir.DataTypeC16U,
	}

	require.NoError(t, info.Validate())
	assert.EqualValues(t, 4, info.TilesPerRow())
	assert.EqualValues(t, 3, info.TilesPerColumn())
	assert.EqualValues(t, 12, info.TileCount())
	assert.EqualValues(t, 256*256*4, info.TileSize())
}

// Rounding up must not wrap for rasters near the 32-bit limit.
func TestTileLayerInfo__GeometryFullWidth(t *testing.T) {
	info := tiledir.TileLayerInfo{
		Width:      math.MaxUint32,
		Height:     math.MaxUint32 - 1,
		TileWidth:  256,
		TileHeight: 3,
		DataType:   tiledir.DataType8U,
	}

	assert.EqualValues(t, 16777216, info.TilesPerRow())
	assert.EqualValues(t, 1431655765, info.TilesPerColumn())
	assert.EqualValues(t, uint64(16777216)*1431655765, info.TileCount())

	single := info
	single.TileWidth = math.MaxUint32
	assert.EqualValues(t, 1, single.TilesPerRow())
}

func TestTileLayerInfo__Validate(t *testing.T) {
	valid := tiledir.TileLayerInfo{
		Width: 10, Height: 10, TileWidth: 4, TileHeight: 4, DataType: tiledir.DataType8U,
	}

	empty := valid
	empty.Height = 0
	assert.ErrorIs(t, empty.Validate(), errors.ErrCorrupted)

	noTiles := valid
	noTiles.TileWidth = 0
	assert.ErrorIs(t, noTiles.Validate(), errors.ErrCorrupted)

	unknownType := valid
	unknownType.DataType = tiledir.DataTypeUnknown
	assert.ErrorIs(t, unknownType.Validate(), errors.ErrCorrupted)

	huge := valid
	huge.TileWidth = math.MaxUint32
	huge.TileHeight = 2
	assert.ErrorIs(t, huge.Validate(), errors.ErrCorrupted)
}

func TestBlockInfo__IsValid(t *testing.T) {
	assert.True(t, tiledir.BlockInfo{Segment: 3, Index: 0}.IsValid())
	assert.False(t, tiledir.InvalidBlockInfo.IsValid())
	assert.False(t, tiledir.BlockInfo{Segment: tiledir.InvalidSegment, Index: 7}.IsValid())
	assert.False(t, tiledir.BlockInfo{Segment: 3, Index: tiledir.InvalidBlock}.IsValid())
	assert.Equal(t, "3:0", tiledir.BlockInfo{Segment: 3, Index: 0}.String())
}

func TestBlockTileInfo__IsSparse(t *testing.T) {
	assert.True(t, tiledir.BlockTileInfo{Offset: tiledir.InvalidOffset, Size: 9}.IsSparse())
	assert.False(t, tiledir.BlockTileInfo{Offset: 0, Size: 9}.IsSparse())
}

func TestByteOrder(t *testing.T) {
	order, err := tiledir.ParseByteOrder('B')
	require.NoError(t, err)
	assert.Equal(t, tiledir.BigEndian, order)

	_, err = tiledir.ParseByteOrder('X')
	assert.ErrorIs(t, err, errors.ErrCorrupted)

	host := tiledir.HostByteOrder()
	assert.False(t, host.NeedsSwap())
	if host == tiledir.LittleEndian {
		assert.True(t, tiledir.BigEndian.NeedsSwap())
	} else {
		assert.True(t, tiledir.LittleEndian.NeedsSwap())
	}
	assert.Equal(t, uint16(0x0102), tiledir.BigEndian.Binary().Uint16([]byte{1, 2}))
}

func TestLayerType__IsKnown(t *testing.T) {
	assert.True(t, tiledir.LayerImage.IsKnown())
	assert.False(t, tiledir.LayerType(9).IsKnown())
	assert.Equal(t, "dead", tiledir.LayerDead.String())
}
