// Package tiledir is a block-based storage engine for tiled raster data kept
// inside a segmented container file.
//
// The engine is layered. A [directory.Directory] owns a set of layers and a
// shared pool of free blocks; each layer is a [blocklayer.BlockLayer] that
// presents a list of scattered blocks as one flat byte space; image layers
// are wrapped by a [tilelayer.TileLayer] that maps a grid of tiles onto that
// space. This package holds the collaborator interfaces and data model shared
// by all of them.
package tiledir

// SegmentID identifies a segment within the container file.
type SegmentID uint16

// SegmentFile is the interface the engine uses to access the container file.
// The engine never assumes anything about how segments are laid out; it only
// reads and writes at offsets within a segment, and grows segments by name.
//
// Implementations must serialize their own I/O; the engine does not lock
// around calls to these methods.
type SegmentFile interface {
	// ReadFromSegment fills `buffer` with the bytes starting at `offset` in
	// the given segment. A short read is an error.
	ReadFromSegment(segment SegmentID, buffer []byte, offset uint64) error
	// WriteToSegment writes all of `buffer` at `offset` in the given segment.
	// Writing past the end of the segment is an error; callers must extend the
	// segment first.
	WriteToSegment(segment SegmentID, buffer []byte, offset uint64) error
	// ExtendOrCreateNamedSegment grows the segment with the given name by
	// `additional` bytes, creating it if it doesn't exist yet. It returns the
	// segment's ID. Extending by zero bytes is allowed and is the way to look
	// up (or create) a segment without changing its size.
	ExtendOrCreateNamedSegment(name, description string, additional uint64) (SegmentID, error)
	// SegmentSize returns the current size of the segment, in bytes.
	SegmentSize(segment SegmentID) (uint64, error)
	// IsOffsetRangeValid reports whether [offset, offset+size) lies entirely
	// inside the segment.
	IsOffsetRangeValid(segment SegmentID, offset, size uint64) bool
	// TotalSize returns the size of the whole container file, in bytes.
	TotalSize() uint64
}

// Channel is the interface for raster-band objects that consume a tile
// layer. Blocks are addressed by tile column and row.
type Channel interface {
	BlockWidth() uint32
	BlockHeight() uint32
	DataType() DataType
	// NoData returns the NoData value and whether it's defined at all.
	NoData() (float64, bool)
	ReadBlock(col, row int, out []byte) error
	WriteBlock(col, row int, in []byte) error
}
