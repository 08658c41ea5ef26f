package directory

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/errors"
)

// Stats summarizes how the blocks of a directory are used.
type Stats struct {
	Layers      int
	ImageLayers int
	TileLayers  int
	// TotalBlocks is the number of blocks that exist in the data segments.
	TotalBlocks uint64
	// UsedBlocks is the number of allocated blocks owned by layers.
	UsedBlocks uint64
	FreeBlocks uint64
	// UnallocatedSlots counts layer block slots with no storage behind them.
	UnallocatedSlots uint64
}

// segmentUsage tracks which blocks of one data segment are referenced.
type segmentUsage struct {
	inUse      bitmap.Bitmap
	totalUnits uint64
}

// usageMap records every block reference in a directory, one bitmap per data
// segment.
type usageMap struct {
	file      tiledir.SegmentFile
	blockSize uint64
	segments  map[tiledir.SegmentID]*segmentUsage
}

func newUsageMap(file tiledir.SegmentFile, blockSize uint32) *usageMap {
	return &usageMap{
		file:      file,
		blockSize: uint64(blockSize),
		segments:  make(map[tiledir.SegmentID]*segmentUsage),
	}
}

func (usage *usageMap) segment(id tiledir.SegmentID) (*segmentUsage, error) {
	seg, ok := usage.segments[id]
	if ok {
		return seg, nil
	}

	size, err := usage.file.SegmentSize(id)
	if err != nil {
		return nil, errors.Cast(err)
	}

	totalUnits := size / usage.blockSize
	if totalUnits > maxCheckedBlocks {
		return nil, errors.ErrOutOfMemory.WithMessage(
			fmt.Sprintf("segment %d has too many blocks to check: %d", id, totalUnits))
	}

	seg = &segmentUsage{
		inUse:      bitmap.New(int(totalUnits)),
		totalUnits: totalUnits,
	}
	usage.segments[id] = seg
	return seg, nil
}

// markUsed records a reference to `block`. A block that doesn't exist or
// has already been referenced is corruption.
func (usage *usageMap) markUsed(block tiledir.BlockInfo, owner string) error {
	seg, err := usage.segment(block.Segment)
	if err != nil {
		return err
	}

	if uint64(block.Index) >= seg.totalUnits {
		return errors.Corruptedf(
			"%s refers to block %s, past the end of a segment of %d blocks",
			owner,
			block.String(),
			seg.totalUnits,
		)
	}
	if seg.inUse.Get(int(block.Index)) {
		return errors.Corruptedf("%s refers to block %s, which is already in use", owner, block.String())
	}

	seg.inUse.Set(int(block.Index), true)
	return nil
}

func (usage *usageMap) totalBlocks() uint64 {
	total := uint64(0)
	for _, seg := range usage.segments {
		total += seg.totalUnits
	}
	return total
}

// maxCheckedBlocks caps the size of a single segment's usage bitmap.
const maxCheckedBlocks = 1 << 30

// Check verifies that every block in the data segments is either owned by
// exactly one layer or sitting in the free pool, and nothing else.
func (dir *Directory) Check() (Stats, error) {
	stats := Stats{Layers: len(dir.layers)}
	usage := newUsageMap(dir.file, dir.blockSize)

	if dir.dataSegment != tiledir.InvalidSegment {
		_, err := usage.segment(dir.dataSegment)
		if err != nil {
			return stats, err
		}
	}

	layerBlocks, freeBlocks, err := dir.allBlocks()
	if err != nil {
		return stats, err
	}

	for i, blocks := range layerBlocks {
		entry := dir.layers[i]
		if entry.info.Type == tiledir.LayerImage {
			stats.ImageLayers++
		}
		if entry.tiles != nil {
			stats.TileLayers++
		}

		owner := fmt.Sprintf("layer %d", i)
		for _, block := range blocks {
			if !block.IsValid() {
				stats.UnallocatedSlots++
				continue
			}
			err = usage.markUsed(block, owner)
			if err != nil {
				return stats, err
			}
			stats.UsedBlocks++
		}
	}

	for _, block := range freeBlocks {
		if !block.IsValid() {
			return stats, errors.Corruptedf("free pool holds an unallocated block")
		}
		err = usage.markUsed(block, "free pool")
		if err != nil {
			return stats, err
		}
		stats.FreeBlocks++
	}

	stats.TotalBlocks = usage.totalBlocks()
	if stats.UsedBlocks+stats.FreeBlocks != stats.TotalBlocks {
		return stats, errors.Corruptedf(
			"%d blocks exist but %d are in use and %d are free",
			stats.TotalBlocks,
			stats.UsedBlocks,
			stats.FreeBlocks,
		)
	}
	return stats, nil
}
