package tiledir

import (
	"fmt"
	"math"

	"github.com/dargueta/tiledir/errors"
)

// BlockIndex is the index of a block within a data segment. Block N starts
// at byte N*BlockSize of its segment.
type BlockIndex uint32

const InvalidSegment = SegmentID(math.MaxUint16)
const InvalidBlock = BlockIndex(math.MaxUint32)

// InvalidOffset is stored in a tile's offset to mark it as sparse.
const InvalidOffset = uint64(math.MaxUint64)

// BlockInfo identifies one physical block.
type BlockInfo struct {
	Segment SegmentID
	Index   BlockIndex
}

// InvalidBlockInfo marks a block slot that has no storage allocated yet.
var InvalidBlockInfo = BlockInfo{Segment: InvalidSegment, Index: InvalidBlock}

// IsValid reports whether the block refers to real storage. A block is only
// usable if both its segment and index are valid.
func (b BlockInfo) IsValid() bool {
	return b.Segment != InvalidSegment && b.Index != InvalidBlock
}

func (b BlockInfo) String() string {
	if !b.IsValid() {
		return "<unallocated>"
	}
	return fmt.Sprintf("%d:%d", b.Segment, b.Index)
}

type LayerType uint16

const (
	LayerFree LayerType = iota
	LayerDead
	LayerImage
)

func (t LayerType) String() string {
	switch t {
	case LayerFree:
		return "free"
	case LayerDead:
		return "dead"
	case LayerImage:
		return "image"
	}
	return fmt.Sprintf("LayerType(%d)", uint16(t))
}

// IsKnown reports whether the layer type is one this package understands.
func (t LayerType) IsKnown() bool {
	return t <= LayerImage
}

// BlockLayerInfo is the persisted descriptor of one block layer.
type BlockLayerInfo struct {
	Type LayerType
	// StartBlock is only meaningful in the persisted form. Its interpretation
	// depends on the directory format.
	StartBlock uint32
	// BlockCount is always ceil(LayerSize / block size).
	BlockCount uint32
	// LayerSize is the logical size of the layer in bytes, not padded to a
	// whole number of blocks.
	LayerSize uint64
}

// BlockTileInfo is one entry in a tile layer's tile list.
type BlockTileInfo struct {
	// Offset is where the tile's data starts in the tile layer's byte space,
	// or InvalidOffset if the tile is sparse.
	Offset uint64
	// Size is the number of bytes the tile occupies. For sparse tiles it
	// holds the fill value instead.
	Size uint32
}

// IsSparse reports whether the tile is stored as a single repeated value.
func (t BlockTileInfo) IsSparse() bool {
	return t.Offset == InvalidOffset
}

// TileLayerInfo describes the raster geometry of an image layer.
type TileLayerInfo struct {
	Width       uint32
	Height      uint32
	TileWidth   uint32
	TileHeight  uint32
	DataType    DataType
	Compression string
	NoDataValid bool
	NoDataValue float64
}

// TileSize returns the size of one uncompressed tile, in bytes. It is a
// uint64 so that overflow of the persisted 32-bit size can be detected.
func (info *TileLayerInfo) TileSize() uint64 {
	return uint64(info.TileWidth) * uint64(info.TileHeight) * uint64(info.DataType.Size())
}

// TilesPerRow returns the number of tiles needed to cover the width of the
// raster.
func (info *TileLayerInfo) TilesPerRow() uint32 {
	if info.TileWidth == 0 {
		return 0
	}
	return uint32((uint64(info.Width) + uint64(info.TileWidth) - 1) / uint64(info.TileWidth))
}

// TilesPerColumn returns the number of tiles needed to cover the height of
// the raster.
func (info *TileLayerInfo) TilesPerColumn() uint32 {
	if info.TileHeight == 0 {
		return 0
	}
	return uint32((uint64(info.Height) + uint64(info.TileHeight) - 1) / uint64(info.TileHeight))
}

// TileCount returns the total number of tiles in the layer.
func (info *TileLayerInfo) TileCount() uint64 {
	return uint64(info.TilesPerRow()) * uint64(info.TilesPerColumn())
}

// Validate checks the geometry for values that would make the layer
// unusable. Layers failing this check must be rejected rather than silently
// truncated.
func (info *TileLayerInfo) Validate() error {
	if info.Width == 0 || info.Height == 0 {
		return errors.Corruptedf(
			"tile layer has an empty raster: %dx%d", info.Width, info.Height)
	}
	if !info.DataType.IsValid() {
		return errors.Corruptedf("tile layer has an unknown data type %q", info.DataType.String())
	}

	tileSize := info.TileSize()
	if tileSize == 0 {
		return errors.Corruptedf(
			"tile layer has empty tiles: %dx%d", info.TileWidth, info.TileHeight)
	}
	if tileSize > math.MaxUint32 {
		return errors.Corruptedf(
			"tile size of %dx%d %s pixels (%d bytes) doesn't fit in 32 bits",
			info.TileWidth,
			info.TileHeight,
			info.DataType.String(),
			tileSize,
		)
	}
	return nil
}
