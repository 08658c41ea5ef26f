package blocklayer_test

import (
	"testing"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/blocklayer"
	"github.com/dargueta/tiledir/errors"
	tiledirtest "github.com/dargueta/tiledir/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLayer(t *testing.T, blockSize uint32) (*blocklayer.BlockLayer, *tiledirtest.FakeDirectory) {
	dir := tiledirtest.NewFakeDirectory(t, blockSize)
	info := &tiledir.BlockLayerInfo{Type: tiledir.LayerImage}
	return blocklayer.New(dir, 0, info, nil), dir
}

// Write data across several block boundaries at an odd offset and read it
// back.
func TestBlockLayer__WriteRead__Basic(t *testing.T) {
	layer, dir := newLayer(t, 64)
	data := tiledirtest.CreateRandomTile(300, t)

	require.NoError(t, layer.WriteToLayer(data, 37))
	assert.EqualValues(t, 337, layer.Size())
	assert.EqualValues(t, 6, layer.BlockCount())
	assert.True(t, dir.Modified)
	assert.True(t, dir.BlocksChanged)

	readBack := make([]byte, len(data))
	require.NoError(t, layer.ReadFromLayer(readBack, 37))
	assert.Equal(t, data, readBack)

	// Partial read from the middle.
	middle := make([]byte, 100)
	require.NoError(t, layer.ReadFromLayer(middle, 100))
	assert.Equal(t, data[63:163], middle)
}

func TestBlockLayer__Read__PastEndFails(t *testing.T) {
	layer, _ := newLayer(t, 64)
	require.NoError(t, layer.WriteToLayer(make([]byte, 100), 0))

	err := layer.ReadFromLayer(make([]byte, 10), 95)
	assert.ErrorIs(t, err, errors.ErrCorrupted)
}

// Growing a layer doesn't allocate storage, so reading the new area fails
// until something is written there.
func TestBlockLayer__Read__UnallocatedFails(t *testing.T) {
	layer, dir := newLayer(t, 64)
	require.NoError(t, layer.Resize(256))
	assert.EqualValues(t, 4, layer.BlockCount())
	assert.Equal(t, 0, dir.Created, "resizing must not allocate blocks")

	allocated, err := layer.AreBlocksAllocated(0, 256)
	require.NoError(t, err)
	assert.False(t, allocated)

	err = layer.ReadFromLayer(make([]byte, 10), 0)
	assert.ErrorIs(t, err, errors.ErrCorrupted)

	require.NoError(t, layer.WriteToLayer(make([]byte, 64), 64))
	assert.Equal(t, 1, dir.Created, "only the written block should be allocated")

	allocated, err = layer.AreBlocksAllocated(64, 64)
	require.NoError(t, err)
	assert.True(t, allocated)

	allocated, err = layer.AreBlocksAllocated(0, 65)
	require.NoError(t, err)
	assert.False(t, allocated)
}

func TestBlockLayer__Resize__ShrinkReleasesBlocks(t *testing.T) {
	layer, dir := newLayer(t, 32)
	require.NoError(t, layer.WriteToLayer(make([]byte, 32*5), 0))
	require.Equal(t, 5, dir.Created)

	blocks, err := layer.Blocks()
	require.NoError(t, err)

	require.NoError(t, layer.Resize(40))
	assert.EqualValues(t, 2, layer.BlockCount())
	assert.EqualValues(t, 40, layer.Size())

	// Released in reverse so the lowest released block is reused first.
	assert.Equal(
		t,
		[]tiledir.BlockInfo{blocks[4], blocks[3], blocks[2]},
		dir.FreeBlocks,
	)

	next, err := dir.GetFreeBlock()
	require.NoError(t, err)
	assert.Equal(t, blocks[2], next)
}

// Blocks allocated in order from a fresh segment are physically contiguous,
// so a multi-block write must be done with a single call to the segment file.
func TestBlockLayer__Write__BatchesContiguousRuns(t *testing.T) {
	dir := tiledirtest.NewFakeDirectory(t, 16)
	counter := tiledirtest.NewCountingFile(dir.Backing)
	dir.Backing = counter

	layer := blocklayer.New(dir, 0, &tiledir.BlockLayerInfo{Type: tiledir.LayerImage}, nil)
	data := tiledirtest.CreateRandomTile(16*8, t)

	require.NoError(t, layer.WriteToLayer(data, 0))
	assert.Equal(t, 8, layer.ContiguousCount(0, 100))
	assert.Equal(t, 3, layer.ContiguousCount(2, 3))
	assert.Equal(t, 1, counter.Writes)

	counter.Reset()
	readBack := make([]byte, len(data))
	require.NoError(t, layer.ReadFromLayer(readBack, 0))
	assert.Equal(t, 1, counter.Reads)
	assert.Equal(t, data, readBack)
}

// When blocks are scattered the layer must split I/O at every discontinuity,
// and the data must still round-trip.
func TestBlockLayer__Write__Scattered(t *testing.T) {
	dir := tiledirtest.NewFakeDirectory(t, 16)
	counter := tiledirtest.NewCountingFile(dir.Backing)
	dir.Backing = counter

	// Pre-create blocks 0..5 and hand them out in a scrambled order.
	for i := 0; i < 6; i++ {
		_, err := dir.GetFreeBlock()
		require.NoError(t, err)
	}
	seg := dir.Segment
	dir.FreeBlocks = []tiledir.BlockInfo{
		{Segment: seg, Index: 5},
		{Segment: seg, Index: 4},
		{Segment: seg, Index: 0},
		{Segment: seg, Index: 1},
		{Segment: seg, Index: 2},
		{Segment: seg, Index: 3},
	}

	layer := blocklayer.New(dir, 0, &tiledir.BlockLayerInfo{Type: tiledir.LayerImage}, nil)
	data := tiledirtest.CreateRandomTile(16*6, t)

	counter.Reset()
	require.NoError(t, layer.WriteToLayer(data, 0))

	// Slots get 3, 2, 1, 0, 4, 5: runs are [3], [2], [1], [0], [4, 5].
	assert.Equal(t, 5, counter.Writes)

	readBack := make([]byte, len(data))
	require.NoError(t, layer.ReadFromLayer(readBack, 0))
	assert.Equal(t, data, readBack)
}

func TestBlockLayer__FreeRange(t *testing.T) {
	layer, dir := newLayer(t, 10)
	require.NoError(t, layer.WriteToLayer(make([]byte, 50), 0))

	// Bytes [15, 42) fully cover blocks 2 and 3 only.
	require.NoError(t, layer.FreeRange(15, 27))
	assert.Len(t, dir.FreeBlocks, 2)

	allocated, err := layer.AreBlocksAllocated(20, 20)
	require.NoError(t, err)
	assert.False(t, allocated)

	allocated, err = layer.AreBlocksAllocated(10, 10)
	require.NoError(t, err)
	assert.True(t, allocated, "partially covered block was released")
	assert.EqualValues(t, 50, layer.Size(), "size must not change")

	// A range that runs to the end of the layer also releases the trailing
	// partial block.
	require.NoError(t, layer.Resize(45))
	require.NoError(t, layer.FreeRange(40, 5))
	assert.Len(t, dir.FreeBlocks, 3)
}

func TestBlockLayer__PushPop(t *testing.T) {
	layer, _ := newLayer(t, 128)
	blocks := []tiledir.BlockInfo{{Segment: 1, Index: 7}, {Segment: 1, Index: 9}}

	require.NoError(t, layer.PushBlocks(blocks))
	assert.EqualValues(t, 2, layer.BlockCount())
	assert.EqualValues(t, 256, layer.Size())

	block, ok, err := layer.PopBlock()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, blocks[1], block)

	_, ok, err = layer.PopBlock()
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = layer.PopBlock()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 0, layer.Size())
}

// The block list is loaded lazily, and a list that disagrees with the
// descriptor is reported as corruption instead of being trusted.
func TestBlockLayer__LazyLoad(t *testing.T) {
	dir := tiledirtest.NewFakeDirectory(t, 64)
	calls := 0
	loader := func() ([]tiledir.BlockInfo, error) {
		calls++
		return []tiledir.BlockInfo{tiledir.InvalidBlockInfo, tiledir.InvalidBlockInfo}, nil
	}

	info := &tiledir.BlockLayerInfo{Type: tiledir.LayerImage, BlockCount: 2, LayerSize: 100}
	layer := blocklayer.New(dir, 3, info, loader)
	assert.False(t, layer.IsLoaded())
	assert.Equal(t, 0, calls)

	_, err := layer.Blocks()
	require.NoError(t, err)
	_, err = layer.Blocks()
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "loader should only run once")

	badInfo := &tiledir.BlockLayerInfo{Type: tiledir.LayerImage, BlockCount: 3, LayerSize: 150}
	badLayer := blocklayer.New(dir, 4, badInfo, loader)
	_, err = badLayer.Blocks()
	assert.ErrorIs(t, err, errors.ErrCorrupted)

	// Size and block count that disagree with each other are also rejected.
	sizeInfo := &tiledir.BlockLayerInfo{Type: tiledir.LayerImage, BlockCount: 2, LayerSize: 500}
	sizeLayer := blocklayer.New(dir, 5, sizeInfo, loader)
	err = sizeLayer.ReadFromLayer(make([]byte, 1), 0)
	assert.ErrorIs(t, err, errors.ErrCorrupted)
}
