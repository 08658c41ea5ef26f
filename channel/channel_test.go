package channel_test

import (
	"io"
	"testing"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/channel"
	"github.com/dargueta/tiledir/directory"
	"github.com/dargueta/tiledir/errors"
	"github.com/dargueta/tiledir/segment"
	tiledirtest "github.com/dargueta/tiledir/testing"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codecNames = []string{"NONE", "RLE", "LZ4", "ZSTD"}

func foreignByteOrder() tiledir.ByteOrder {
	if tiledir.HostByteOrder() == tiledir.LittleEndian {
		return tiledir.BigEndian
	}
	return tiledir.LittleEndian
}

type fixture struct {
	file  *segment.MemoryFile
	dir   *directory.Directory
	layer int
}

// newFixture creates a binary directory holding one 64x64 raster of 32x32
// tiles, 2x2 tiles in all.
func newFixture(
	t *testing.T, compression string, dataType tiledir.DataType, order tiledir.ByteOrder,
) *fixture {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	file := segment.NewMemoryFile()
	dir, err := directory.Create(
		file,
		directory.BinarySegmentName,
		directory.Options{BlockSize: 1024, ByteOrder: order, Logger: logger},
	)
	require.NoError(t, err)

	layer, err := dir.CreateTileLayer(tiledir.TileLayerInfo{
		Width:       64,
		Height:      64,
		TileWidth:   32,
		TileHeight:  32,
		DataType:    dataType,
		Compression: compression,
		NoDataValid: true,
		NoDataValue: -1,
	})
	require.NoError(t, err)
	return &fixture{file: file, dir: dir, layer: layer}
}

func (f *fixture) channel(t *testing.T) *channel.Channel {
	tiles, err := f.dir.TileLayer(f.layer)
	require.NoError(t, err)

	ch, err := channel.New(tiles, f.dir.NeedsSwap())
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

// stripedTile returns a tile made of 64-byte runs, which every codec can
// shrink.
func stripedTile(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i / 64) % 7)
	}
	return data
}

func TestChannel__Geometry(t *testing.T) {
	f := newFixture(t, "", tiledir.DataType16S, tiledir.HostByteOrder())
	ch := f.channel(t)

	assert.EqualValues(t, 32, ch.BlockWidth())
	assert.EqualValues(t, 32, ch.BlockHeight())
	assert.Equal(t, tiledir.DataType16S, ch.DataType())
	assert.Equal(t, "NONE", ch.Compression())
	assert.Equal(t, 2048, ch.BlockSize())

	value, valid := ch.NoData()
	assert.True(t, valid)
	assert.EqualValues(t, -1, value)
}

func TestChannel__RoundTrip(t *testing.T) {
	for _, name := range codecNames {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, name, tiledir.DataType8U, tiledir.HostByteOrder())
			ch := f.channel(t)

			striped := stripedTile(ch.BlockSize())
			random := tiledirtest.CreateRandomTile(ch.BlockSize(), t)
			require.NoError(t, ch.WriteBlock(0, 0, striped))
			require.NoError(t, ch.WriteBlock(1, 1, random))

			out := make([]byte, ch.BlockSize())
			require.NoError(t, ch.ReadBlock(0, 0, out))
			assert.Equal(t, -1, tiledirtest.FirstDifference(striped, out))

			require.NoError(t, ch.ReadBlock(1, 1, out))
			assert.Equal(t, -1, tiledirtest.FirstDifference(random, out))

			// Random data never compresses, so it's always stored raw.
			size, err := ch.TileLayer().TileDataSize(1, 1)
			require.NoError(t, err)
			assert.EqualValues(t, ch.BlockSize(), size)
		})
	}
}

func TestChannel__CompressedTilesAreSmaller(t *testing.T) {
	for _, name := range codecNames[1:] {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, name, tiledir.DataType8U, tiledir.HostByteOrder())
			ch := f.channel(t)

			require.NoError(t, ch.WriteBlock(0, 1, stripedTile(ch.BlockSize())))

			size, err := ch.TileLayer().TileDataSize(0, 1)
			require.NoError(t, err)
			assert.Less(t, int(size), ch.BlockSize())
			assert.NotZero(t, size)
		})
	}
}

func TestChannel__SurvivesReopen(t *testing.T) {
	for _, name := range codecNames {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, name, tiledir.DataType32R, foreignByteOrder())
			ch := f.channel(t)

			tile := stripedTile(ch.BlockSize())
			require.NoError(t, ch.WriteBlock(1, 0, tile))
			require.NoError(t, f.dir.Sync())

			seg, ok := f.file.FindSegment(directory.BinarySegmentName)
			require.True(t, ok)
			reopened, err := directory.Open(
				f.file, seg, directory.BinarySegmentName, directory.Options{})
			require.NoError(t, err)

			g := &fixture{file: f.file, dir: reopened, layer: f.layer}
			out := make([]byte, ch.BlockSize())
			require.NoError(t, g.channel(t).ReadBlock(1, 0, out))
			assert.Equal(t, -1, tiledirtest.FirstDifference(tile, out))
		})
	}
}

func TestChannel__UniformTilesAreSparse(t *testing.T) {
	f := newFixture(t, "LZ4", tiledir.DataType16U, tiledir.HostByteOrder())
	ch := f.channel(t)

	tile := tiledirtest.CreateUniformTile(ch.BlockSize(), 0x34, 0x12)
	require.NoError(t, ch.WriteBlock(1, 0, tile))

	info, err := ch.TileLayer().TileInfo(1, 0)
	require.NoError(t, err)
	assert.True(t, info.IsSparse())

	out := make([]byte, ch.BlockSize())
	require.NoError(t, ch.ReadBlock(1, 0, out))
	assert.Equal(t, tile, out)
}

func TestChannel__SwapsForeignByteOrder(t *testing.T) {
	f := newFixture(t, "NONE", tiledir.DataType16U, foreignByteOrder())
	ch := f.channel(t)

	tile := tiledirtest.CreateRandomTile(ch.BlockSize(), t)
	original := append([]byte(nil), tile...)
	require.NoError(t, ch.WriteBlock(0, 1, tile))
	assert.Equal(t, original, tile, "WriteBlock modified its input")

	stored := make([]byte, ch.BlockSize())
	_, err := ch.TileLayer().ReadTile(stored, 0, 1)
	require.NoError(t, err)
	for i := 0; i < len(stored); i += 2 {
		require.Equalf(t, original[i], stored[i+1], "byte %d wasn't swapped", i)
		require.Equalf(t, original[i+1], stored[i], "byte %d wasn't swapped", i+1)
	}

	out := make([]byte, ch.BlockSize())
	require.NoError(t, ch.ReadBlock(0, 1, out))
	assert.Equal(t, original, out)
}

func TestChannel__SwapsSparseTiles(t *testing.T) {
	f := newFixture(t, "NONE", tiledir.DataTypeC16S, foreignByteOrder())
	ch := f.channel(t)

	// Complex 16-bit pixels swap each 16-bit component on its own.
	tile := tiledirtest.CreateUniformTile(ch.BlockSize(), 1, 2, 3, 4)
	require.NoError(t, ch.WriteBlock(1, 1, tile))

	info, err := ch.TileLayer().TileInfo(1, 1)
	require.NoError(t, err)
	require.True(t, info.IsSparse())

	stored := make([]byte, 8)
	_, err = ch.TileLayer().ReadPartialSparseTile(stored, 1, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 1, 4, 3, 2, 1, 4, 3}, stored)

	out := make([]byte, ch.BlockSize())
	require.NoError(t, ch.ReadBlock(1, 1, out))
	assert.Equal(t, tile, out)
}

func TestChannel__RewriteChangesStorage(t *testing.T) {
	f := newFixture(t, "RLE", tiledir.DataType8U, tiledir.HostByteOrder())
	ch := f.channel(t)

	random := tiledirtest.CreateRandomTile(ch.BlockSize(), t)
	require.NoError(t, ch.WriteBlock(0, 0, random))
	require.NoError(t, ch.WriteBlock(0, 0, stripedTile(ch.BlockSize())))

	out := make([]byte, ch.BlockSize())
	require.NoError(t, ch.ReadBlock(0, 0, out))
	assert.Equal(t, stripedTile(ch.BlockSize()), out)

	require.NoError(t, ch.WriteBlock(0, 0, random))
	require.NoError(t, ch.ReadBlock(0, 0, out))
	assert.Equal(t, random, out)

	stats, err := f.dir.Check()
	require.NoError(t, err)
	assert.Equal(t, stats.TotalBlocks, stats.UsedBlocks+stats.FreeBlocks)
}

func TestChannel__UnsupportedCompression(t *testing.T) {
	for _, tag := range []string{"JPEG", "JPEG75", "BOGUS"} {
		f := newFixture(t, tag, tiledir.DataType8U, tiledir.HostByteOrder())
		tiles, err := f.dir.TileLayer(f.layer)
		require.NoError(t, err)

		_, err = channel.New(tiles, false)
		assert.ErrorIsf(t, err, errors.ErrNotSupported, "tag %q", tag)
		assert.False(t, channel.SupportsCompression(tag))
	}
	assert.True(t, channel.SupportsCompression(" zstd "))
	assert.True(t, channel.SupportsCompression(""))
}

func TestChannel__BufferTooSmall(t *testing.T) {
	f := newFixture(t, "NONE", tiledir.DataType8U, tiledir.HostByteOrder())
	ch := f.channel(t)

	short := make([]byte, ch.BlockSize()-1)
	assert.ErrorIs(t, ch.ReadBlock(0, 0, short), errors.ErrInvalidArgument)
	assert.ErrorIs(t, ch.WriteBlock(0, 0, short), errors.ErrInvalidArgument)
}

func TestChannel__CorruptCompressedTile(t *testing.T) {
	f := newFixture(t, "RLE", tiledir.DataType8U, tiledir.HostByteOrder())
	ch := f.channel(t)

	// Two identical bytes with no repeat count after them.
	require.NoError(t, ch.TileLayer().WriteTile([]byte{1, 1}, 1, 0, 2))

	out := make([]byte, ch.BlockSize())
	assert.ErrorIs(t, ch.ReadBlock(1, 0, out), errors.ErrCorrupted)
}

func TestChannel__CorruptUncompressedTile(t *testing.T) {
	f := newFixture(t, "NONE", tiledir.DataType8U, tiledir.HostByteOrder())
	ch := f.channel(t)

	require.NoError(t, ch.TileLayer().WriteTile([]byte{1, 2, 3}, 0, 0, 3))

	out := make([]byte, ch.BlockSize())
	assert.ErrorIs(t, ch.ReadBlock(0, 0, out), errors.ErrCorrupted)
}
