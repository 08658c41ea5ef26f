// Package blocklayer presents a list of physically scattered, fixed-size
// blocks as one flat byte address space.
//
// Blocks in a layer are addressed by their position in the layer's block
// list ("logical" index). Each entry says which data segment and which block
// of that segment holds the data. Slots may be unallocated; storage for them
// is requested from the owning directory the first time they're written to.

package blocklayer

import (
	"fmt"
	"math"
	"sync"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/errors"
)

// maxBlockListLength caps the size of an in-memory block list. Anything
// larger than this can't be backed by a real file and would only exhaust
// memory.
const maxBlockListLength = 1 << 28

// Directory is what a block layer needs from the directory that owns it. A
// layer refers to its directory only through this interface and its own
// index; it never owns the directory.
type Directory interface {
	BlockSize() uint32
	File() tiledir.SegmentFile
	// GetFreeBlock removes one block from the shared free pool and returns it.
	GetFreeBlock() (tiledir.BlockInfo, error)
	// AddFreeBlocks returns blocks to the shared free pool.
	AddFreeBlocks(blocks []tiledir.BlockInfo) error
	// MarkModified flags the directory as needing to be written. If
	// `blocksChanged` is true, a block list changed too.
	MarkModified(blocksChanged bool)
}

// Loader reads a layer's block list from disk. It's called at most once, the
// first time the block list is needed.
type Loader func() ([]tiledir.BlockInfo, error)

// BlockLayer is one layer of a block directory.
//
// Loading the block list is safe to do from multiple goroutines, so several
// readers may share a layer. Anything that modifies the layer (writes,
// resizing) must not run concurrently with any other operation on it.
type BlockLayer struct {
	dir    Directory
	index  int
	info   *tiledir.BlockLayerInfo
	load   Loader
	lock   sync.Mutex
	loaded bool
	blocks []tiledir.BlockInfo
}

// New creates a block layer whose descriptor is `info`. The layer updates
// `info` in place as it's resized, so the directory always sees the current
// values. If `load` is nil the layer starts out empty and fully loaded.
func New(dir Directory, index int, info *tiledir.BlockLayerInfo, load Loader) *BlockLayer {
	return &BlockLayer{
		dir:    dir,
		index:  index,
		info:   info,
		load:   load,
		loaded: load == nil,
	}
}

// Index returns the index of the layer in its directory.
func (layer *BlockLayer) Index() int {
	return layer.index
}

// Info returns a copy of the layer's descriptor.
func (layer *BlockLayer) Info() tiledir.BlockLayerInfo {
	return *layer.info
}

// Size returns the logical size of the layer, in bytes.
func (layer *BlockLayer) Size() uint64 {
	return layer.info.LayerSize
}

// BlockCount returns the number of block slots in the layer, allocated or not.
func (layer *BlockLayer) BlockCount() uint32 {
	return layer.info.BlockCount
}

// IsLoaded reports whether the block list has been read from disk yet.
func (layer *BlockLayer) IsLoaded() bool {
	layer.lock.Lock()
	defer layer.lock.Unlock()
	return layer.loaded
}

func (layer *BlockLayer) blockSize() uint64 {
	return uint64(layer.dir.BlockSize())
}

// blocksForSize gives the number of blocks needed to hold `size` bytes.
func (layer *BlockLayer) blocksForSize(size uint64) uint64 {
	blockSize := layer.blockSize()
	return (size + blockSize - 1) / blockSize
}

// ensureLoaded loads the block list if it isn't in memory yet, and verifies
// that it agrees with the descriptor either way.
func (layer *BlockLayer) ensureLoaded() error {
	layer.lock.Lock()
	defer layer.lock.Unlock()

	if !layer.loaded {
		if layer.info.BlockCount > maxBlockListLength {
			return errors.ErrOutOfMemory.WithMessage(
				fmt.Sprintf(
					"layer %d claims %d blocks, refusing to load more than %d",
					layer.index,
					layer.info.BlockCount,
					maxBlockListLength,
				),
			)
		}

		blocks, err := layer.load()
		if err != nil {
			return err
		}
		layer.blocks = blocks
		layer.loaded = true
	}

	if uint64(len(layer.blocks)) != uint64(layer.info.BlockCount) {
		return errors.Corruptedf(
			"layer %d has %d blocks in its list but its descriptor says %d",
			layer.index,
			len(layer.blocks),
			layer.info.BlockCount,
		)
	}

	expectedBlocks := layer.blocksForSize(layer.info.LayerSize)
	if expectedBlocks != uint64(layer.info.BlockCount) {
		return errors.Corruptedf(
			"layer %d is %d bytes, which needs %d blocks, but it has %d",
			layer.index,
			layer.info.LayerSize,
			expectedBlocks,
			layer.info.BlockCount,
		)
	}
	return nil
}

// Blocks returns a copy of the layer's block list.
func (layer *BlockLayer) Blocks() ([]tiledir.BlockInfo, error) {
	err := layer.ensureLoaded()
	if err != nil {
		return nil, err
	}

	result := make([]tiledir.BlockInfo, len(layer.blocks))
	copy(result, layer.blocks)
	return result, nil
}

// Resize changes the logical size of the layer.
//
// Growing the layer appends unallocated slots; storage for them is only
// taken from the free pool once they're written to. Shrinking it returns the
// trailing blocks to the directory's free pool.
func (layer *BlockLayer) Resize(newSize uint64) error {
	err := layer.ensureLoaded()
	if err != nil {
		return err
	}

	newCount := layer.blocksForSize(newSize)
	if newCount > math.MaxUint32 {
		return errors.ErrSizeLimitExceeded.WithMessage(
			fmt.Sprintf("a layer of %d bytes would need %d blocks", newSize, newCount))
	}
	if newCount > maxBlockListLength {
		return errors.ErrOutOfMemory.WithMessage(
			fmt.Sprintf("a layer of %d bytes would need %d blocks", newSize, newCount))
	}

	currentCount := uint64(len(layer.blocks))
	if newCount > currentCount {
		for i := currentCount; i < newCount; i++ {
			layer.blocks = append(layer.blocks, tiledir.InvalidBlockInfo)
		}
	} else if newCount < currentCount {
		released := make([]tiledir.BlockInfo, currentCount-newCount)
		copy(released, layer.blocks[newCount:])

		err = layer.dir.AddFreeBlocks(released)
		if err != nil {
			return err
		}
		layer.blocks = layer.blocks[:newCount]
	}

	layer.info.BlockCount = uint32(newCount)
	layer.info.LayerSize = newSize
	layer.dir.MarkModified(newCount != currentCount)
	return nil
}

// ContiguousCount returns the number of blocks, starting with the one at
// logical index `start`, that are physically adjacent in the same segment.
// At most `limit` blocks are counted. This is only used to batch I/O.
func (layer *BlockLayer) ContiguousCount(start, limit int) int {
	if start < 0 || start >= len(layer.blocks) || limit <= 0 {
		return 0
	}

	first := layer.blocks[start]
	count := 1
	for count < limit && start+count < len(layer.blocks) {
		next := layer.blocks[start+count]
		if next.Segment != first.Segment || next.Index != first.Index+tiledir.BlockIndex(count) {
			break
		}
		count++
	}
	return count
}

// blockRange returns the logical indexes of the first and last blocks that
// intersect [offset, offset+size). `size` must be non-zero.
func (layer *BlockLayer) blockRange(offset, size uint64) (uint64, uint64) {
	blockSize := layer.blockSize()
	return offset / blockSize, (offset + size - 1) / blockSize
}

// AreBlocksAllocated reports whether every block intersecting the byte range
// [offset, offset+size) has storage.
func (layer *BlockLayer) AreBlocksAllocated(offset, size uint64) (bool, error) {
	err := layer.ensureLoaded()
	if err != nil {
		return false, err
	}

	if offset+size < offset || offset+size > layer.info.LayerSize {
		return false, nil
	}
	if size == 0 {
		return true, nil
	}

	first, last := layer.blockRange(offset, size)
	for i := first; i <= last; i++ {
		if !layer.blocks[i].IsValid() {
			return false, nil
		}
	}
	return true, nil
}

// WriteToLayer writes `data` at `offset` in the layer, growing the layer and
// allocating storage as needed.
func (layer *BlockLayer) WriteToLayer(data []byte, offset uint64) error {
	if len(data) == 0 {
		return nil
	}

	end := offset + uint64(len(data))
	if end < offset {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("writing %d bytes at offset %d overflows", len(data), offset))
	}

	if end > layer.info.LayerSize {
		err := layer.Resize(end)
		if err != nil {
			return err
		}
	} else {
		err := layer.ensureLoaded()
		if err != nil {
			return err
		}
	}

	allocated := false
	first, last := layer.blockRange(offset, uint64(len(data)))
	for i := first; i <= last; i++ {
		if layer.blocks[i].IsValid() {
			continue
		}

		block, err := layer.dir.GetFreeBlock()
		if err != nil {
			if allocated {
				layer.dir.MarkModified(true)
			}
			return err
		}
		if !block.IsValid() {
			return errors.Corruptedf(
				"free pool returned an unallocated block for slot %d of layer %d",
				i,
				layer.index,
			)
		}
		layer.blocks[i] = block
		allocated = true
	}

	if allocated {
		layer.dir.MarkModified(true)
	}
	return layer.transfer(data, offset, true)
}

// ReadFromLayer fills `data` from the layer starting at `offset`. The whole
// range must lie within the layer and every block in it must be allocated;
// there are no short reads.
func (layer *BlockLayer) ReadFromLayer(data []byte, offset uint64) error {
	err := layer.ensureLoaded()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	end := offset + uint64(len(data))
	if end < offset || end > layer.info.LayerSize {
		return errors.Corruptedf(
			"can't read %d bytes at offset %d of layer %d: layer is %d bytes",
			len(data),
			offset,
			layer.index,
			layer.info.LayerSize,
		)
	}

	first, last := layer.blockRange(offset, uint64(len(data)))
	for i := first; i <= last; i++ {
		if !layer.blocks[i].IsValid() {
			return errors.Corruptedf(
				"can't read %d bytes at offset %d of layer %d: block %d is unallocated",
				len(data),
				offset,
				layer.index,
				i,
			)
		}
	}

	return layer.transfer(data, offset, false)
}

// transfer moves bytes between `data` and the backing segments, issuing one
// call per run of physically contiguous blocks.
func (layer *BlockLayer) transfer(data []byte, offset uint64, write bool) error {
	file := layer.dir.File()
	blockSize := layer.blockSize()
	end := offset + uint64(len(data))
	first, last := layer.blockRange(offset, uint64(len(data)))

	for i := first; i <= last; {
		run := uint64(layer.ContiguousCount(int(i), int(last-i+1)))
		runStart := i * blockSize
		runEnd := (i + run) * blockSize

		lo := max(runStart, offset)
		hi := min(runEnd, end)
		block := layer.blocks[i]
		physicalOffset := uint64(block.Index)*blockSize + (lo - runStart)
		chunk := data[lo-offset : hi-offset]

		var err error
		if write {
			err = file.WriteToSegment(block.Segment, chunk, physicalOffset)
		} else {
			err = file.ReadFromSegment(block.Segment, chunk, physicalOffset)
		}
		if err != nil {
			return errors.Cast(err)
		}
		i += run
	}
	return nil
}

// FreeRange releases the storage of every block that lies entirely within
// [offset, offset+size). Blocks only partially covered are kept since other
// data may share them. The layer's size doesn't change.
func (layer *BlockLayer) FreeRange(offset, size uint64) error {
	err := layer.ensureLoaded()
	if err != nil {
		return err
	}

	end := min(offset+size, layer.info.LayerSize)
	if end <= offset {
		return nil
	}

	blockSize := layer.blockSize()
	firstFull := (offset + blockSize - 1) / blockSize
	endFull := end / blockSize
	if end == layer.info.LayerSize {
		// The trailing partial block belongs to nothing else.
		endFull = uint64(len(layer.blocks))
	}

	var released []tiledir.BlockInfo
	for i := firstFull; i < endFull; i++ {
		if layer.blocks[i].IsValid() {
			released = append(released, layer.blocks[i])
			layer.blocks[i] = tiledir.InvalidBlockInfo
		}
	}

	if len(released) == 0 {
		return nil
	}
	layer.dir.MarkModified(true)
	return layer.dir.AddFreeBlocks(released)
}

// PushBlocks appends blocks to the end of the layer, growing it by one block
// per entry. This is meant for the free-block layer, which is used as a stack.
func (layer *BlockLayer) PushBlocks(blocks []tiledir.BlockInfo) error {
	err := layer.ensureLoaded()
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}

	newCount := uint64(len(layer.blocks)) + uint64(len(blocks))
	if newCount > math.MaxUint32 {
		return errors.ErrSizeLimitExceeded.WithMessage(
			fmt.Sprintf("layer %d can't hold %d blocks", layer.index, newCount))
	}

	layer.blocks = append(layer.blocks, blocks...)
	layer.info.BlockCount = uint32(newCount)
	layer.info.LayerSize = newCount * layer.blockSize()
	layer.dir.MarkModified(true)
	return nil
}

// PopBlock removes the last block of the layer and returns it. `ok` is false
// if the layer is empty.
func (layer *BlockLayer) PopBlock() (block tiledir.BlockInfo, ok bool, err error) {
	err = layer.ensureLoaded()
	if err != nil {
		return tiledir.InvalidBlockInfo, false, err
	}
	if len(layer.blocks) == 0 {
		return tiledir.InvalidBlockInfo, false, nil
	}

	last := len(layer.blocks) - 1
	block = layer.blocks[last]
	layer.blocks = layer.blocks[:last]
	layer.info.BlockCount = uint32(last)
	layer.info.LayerSize = uint64(last) * layer.blockSize()
	layer.dir.MarkModified(true)
	return block, true, nil
}
