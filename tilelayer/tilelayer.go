// Package tilelayer maps a grid of fixed-size raster tiles onto the byte
// space of a block layer.
//
// The start of the layer holds the tile list, one record per tile giving the
// tile's offset and size within the layer. Tile data is appended after it.
// A tile whose pixels are all the same value is "sparse": it's recorded with
// an offset of [tiledir.InvalidOffset] and the fill value in place of its
// size, and occupies no storage at all.

package tilelayer

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/blocklayer"
	"github.com/dargueta/tiledir/errors"
)

// maxTileListSize caps the size of a tile list we're willing to hold in
// memory.
const maxTileListSize = 1 << 31

// Encoding converts tile list records to and from their persisted form. Each
// directory format provides one.
type Encoding interface {
	// TileRecordSize returns the size of one persisted tile record, in bytes.
	TileRecordSize() int
	// EncodeTileRecord writes `tile` into `dest`, which is exactly
	// TileRecordSize() bytes.
	EncodeTileRecord(tile tiledir.BlockTileInfo, dest []byte) error
	// DecodeTileRecord parses one record of TileRecordSize() bytes.
	DecodeTileRecord(src []byte) (tiledir.BlockTileInfo, error)
	// WordSparse reports whether a sparse tile's fill value may be a whole
	// 32-bit word. If false, fill values are single bytes.
	WordSparse() bool
	// MaxTileSize is the largest tile size the record format can represent.
	MaxTileSize() uint64
	// MaxTileOffset is the largest tile offset the record format can
	// represent.
	MaxTileOffset() uint64
}

// TileLayer is the tile view of one image layer.
//
// The tile list is loaded lazily and guarded by a mutex, so concurrent
// readers of different tiles are safe. Writers must not run concurrently
// with each other or with readers of the same layer.
type TileLayer struct {
	layer    *blocklayer.BlockLayer
	info     *tiledir.TileLayerInfo
	encoding Encoding

	lock   sync.Mutex
	loaded bool
	dirty  bool
	tiles  []tiledir.BlockTileInfo
}

func checkListSize(info *tiledir.TileLayerInfo, encoding Encoding) (uint64, error) {
	tileCount := info.TileCount()
	recordSize := uint64(encoding.TileRecordSize())
	if tileCount > maxTileListSize/recordSize {
		return 0, errors.ErrSizeLimitExceeded.WithMessage(
			fmt.Sprintf("a layer of %d tiles is too large", tileCount))
	}
	return tileCount * recordSize, nil
}

// New wraps an existing image layer whose tile list is already on disk. The
// geometry is validated up front; a layer that fails validation is rejected
// with [errors.Corrupted].
func New(
	layer *blocklayer.BlockLayer,
	info *tiledir.TileLayerInfo,
	encoding Encoding,
) (*TileLayer, error) {
	err := info.Validate()
	if err != nil {
		return nil, err
	}

	_, err = checkListSize(info, encoding)
	if err != nil {
		return nil, err
	}

	return &TileLayer{
		layer:    layer,
		info:     info,
		encoding: encoding,
	}, nil
}

// Create initializes a new tile layer on an empty block layer. Every tile
// starts out sparse with a fill value of 0. The tile list is written on the
// next call to [TileLayer.Sync].
func Create(
	layer *blocklayer.BlockLayer,
	info *tiledir.TileLayerInfo,
	encoding Encoding,
) (*TileLayer, error) {
	err := info.Validate()
	if err != nil {
		return nil, errors.ErrInvalidArgument.Wrap(err)
	}

	listSize, err := checkListSize(info, encoding)
	if err != nil {
		return nil, err
	}

	err = layer.Resize(listSize)
	if err != nil {
		return nil, err
	}

	tiles := make([]tiledir.BlockTileInfo, info.TileCount())
	for i := range tiles {
		tiles[i] = tiledir.BlockTileInfo{Offset: tiledir.InvalidOffset}
	}

	return &TileLayer{
		layer:    layer,
		info:     info,
		encoding: encoding,
		loaded:   true,
		dirty:    true,
		tiles:    tiles,
	}, nil
}

// Info returns a copy of the layer's geometry.
func (tl *TileLayer) Info() tiledir.TileLayerInfo {
	return *tl.info
}

// BlockLayer returns the block layer the tiles are stored in.
func (tl *TileLayer) BlockLayer() *blocklayer.BlockLayer {
	return tl.layer
}

func (tl *TileLayer) TilesPerRow() int {
	return int(tl.info.TilesPerRow())
}

func (tl *TileLayer) TilesPerColumn() int {
	return int(tl.info.TilesPerColumn())
}

func (tl *TileLayer) TileCount() int {
	return int(tl.info.TileCount())
}

// TileSize returns the size of one uncompressed tile, in bytes.
func (tl *TileLayer) TileSize() uint32 {
	return uint32(tl.info.TileSize())
}

func (tl *TileLayer) listSize() uint64 {
	return tl.info.TileCount() * uint64(tl.encoding.TileRecordSize())
}

// useWords reports whether sparse fill values are 32-bit words for this
// layer rather than single bytes.
func (tl *TileLayer) useWords() bool {
	return tl.encoding.WordSparse() && tl.TileSize()%4 == 0
}

// ensureLoaded reads the tile list from disk if it hasn't been yet. The
// caller must hold the lock.
func (tl *TileLayer) ensureLoaded() error {
	if tl.loaded {
		return nil
	}

	listSize := tl.listSize()
	if tl.layer.Size() < listSize {
		return errors.Corruptedf(
			"layer %d is %d bytes but its tile list of %d tiles needs %d",
			tl.layer.Index(),
			tl.layer.Size(),
			tl.TileCount(),
			listSize,
		)
	}

	rawList := make([]byte, listSize)
	err := tl.layer.ReadFromLayer(rawList, 0)
	if err != nil {
		return err
	}

	recordSize := tl.encoding.TileRecordSize()
	tiles := make([]tiledir.BlockTileInfo, tl.TileCount())
	for i := range tiles {
		tiles[i], err = tl.encoding.DecodeTileRecord(rawList[i*recordSize : (i+1)*recordSize])
		if err != nil {
			return errors.Corruptedf("tile %d of layer %d: %s", i, tl.layer.Index(), err.Error())
		}

		tile := tiles[i]
		if !tile.IsSparse() && tile.Offset+uint64(tile.Size) < tile.Offset {
			return errors.Corruptedf(
				"tile %d of layer %d has an out-of-range offset %d", i, tl.layer.Index(), tile.Offset)
		}
	}

	tl.tiles = tiles
	tl.loaded = true
	return nil
}

func (tl *TileLayer) tileIndex(col, row int) (int, error) {
	if col < 0 || row < 0 || col >= tl.TilesPerRow() || row >= tl.TilesPerColumn() {
		return -1, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"tile (%d, %d) not in [0, %d) x [0, %d)",
				col,
				row,
				tl.TilesPerRow(),
				tl.TilesPerColumn(),
			),
		)
	}
	return row*tl.TilesPerRow() + col, nil
}

// TileInfo returns the tile list record for the tile at (col, row).
func (tl *TileLayer) TileInfo(col, row int) (tiledir.BlockTileInfo, error) {
	index, err := tl.tileIndex(col, row)
	if err != nil {
		return tiledir.BlockTileInfo{}, err
	}

	tl.lock.Lock()
	defer tl.lock.Unlock()

	err = tl.ensureLoaded()
	if err != nil {
		return tiledir.BlockTileInfo{}, err
	}
	return tl.tiles[index], nil
}

// Tiles returns a copy of the entire tile list, in row-major order.
func (tl *TileLayer) Tiles() ([]tiledir.BlockTileInfo, error) {
	tl.lock.Lock()
	defer tl.lock.Unlock()

	err := tl.ensureLoaded()
	if err != nil {
		return nil, err
	}

	result := make([]tiledir.BlockTileInfo, len(tl.tiles))
	copy(result, tl.tiles)
	return result, nil
}

func (tl *TileLayer) setTile(index int, tile tiledir.BlockTileInfo) {
	tl.lock.Lock()
	defer tl.lock.Unlock()
	tl.tiles[index] = tile
	tl.dirty = true
}

// IsTileValid reports whether the tile has real, fully allocated storage.
// Sparse tiles are never valid.
func (tl *TileLayer) IsTileValid(col, row int) (bool, error) {
	tile, err := tl.TileInfo(col, row)
	if err != nil {
		return false, err
	}
	if tile.IsSparse() || tile.Size == 0 {
		return false, nil
	}
	return tl.layer.AreBlocksAllocated(tile.Offset, uint64(tile.Size))
}

// TileDataSize returns the number of bytes stored for a tile. This can be
// less than TileSize() for compressed tiles. Sparse tiles have no data.
func (tl *TileLayer) TileDataSize(col, row int) (uint32, error) {
	tile, err := tl.TileInfo(col, row)
	if err != nil {
		return 0, err
	}
	if tile.IsSparse() {
		return 0, nil
	}
	return tile.Size, nil
}

// sparseValue checks whether `pixels` consists of a single repeated value and
// returns it if so.
func (tl *TileLayer) sparseValue(pixels []byte) (uint32, bool) {
	if tl.useWords() {
		value := binary.LittleEndian.Uint32(pixels)
		for i := 4; i < len(pixels); i += 4 {
			if binary.LittleEndian.Uint32(pixels[i:]) != value {
				return 0, false
			}
		}
		return value, true
	}

	first := pixels[0]
	for _, b := range pixels[1:] {
		if b != first {
			return 0, false
		}
	}
	return uint32(first), true
}

// fillSparse fills `dest` with the repeated fill value of a sparse tile, as
// if `dest` were the bytes of the tile starting at `offset`.
func (tl *TileLayer) fillSparse(dest []byte, value uint32, offset uint32) {
	if !tl.useWords() {
		for i := range dest {
			dest[i] = byte(value)
		}
		return
	}

	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], value)
	for i := range dest {
		dest[i] = word[(int(offset)+i)%4]
	}
}

// releaseStorage gives back the space used by a tile that's been moved or
// made sparse. If the tile was the last thing in the layer, the layer is
// shrunk; otherwise only the blocks the tile covers completely are freed.
func (tl *TileLayer) releaseStorage(tile tiledir.BlockTileInfo) error {
	if tile.IsSparse() || tile.Size == 0 {
		return nil
	}

	end := tile.Offset + uint64(tile.Size)
	if end == tl.layer.Size() && tile.Offset >= tl.listSize() {
		return tl.layer.Resize(tile.Offset)
	}
	return tl.layer.FreeRange(tile.Offset, uint64(tile.Size))
}

func (tl *TileLayer) checkBuffer(buffer []byte) error {
	if uint64(len(buffer)) < uint64(tl.TileSize()) {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("tile buffer too small: need %d bytes, got %d", tl.TileSize(), len(buffer)))
	}
	return nil
}

// WriteSparseTile records the tile as sparse if every pixel in `data` has the
// same value, releasing any storage it used. It returns whether the tile was
// stored as sparse; if not, nothing is changed. `data` must hold at least one
// full uncompressed tile.
func (tl *TileLayer) WriteSparseTile(data []byte, col, row int) (bool, error) {
	err := tl.checkBuffer(data)
	if err != nil {
		return false, err
	}

	index, err := tl.tileIndex(col, row)
	if err != nil {
		return false, err
	}

	value, isSparse := tl.sparseValue(data[:tl.TileSize()])
	if !isSparse {
		return false, nil
	}

	old, err := tl.TileInfo(col, row)
	if err != nil {
		return false, err
	}

	tl.setTile(index, tiledir.BlockTileInfo{Offset: tiledir.InvalidOffset, Size: value})
	return true, tl.releaseStorage(old)
}

// WriteTile stores `size` bytes of `data` as the contents of a tile. If
// `size` is 0, a full uncompressed tile is written.
//
// A tile that grows is moved to the end of the layer; a tile that stays the
// same size or shrinks is rewritten in place.
func (tl *TileLayer) WriteTile(data []byte, col, row int, size uint32) error {
	if size == 0 {
		size = tl.TileSize()
	}
	if uint64(size) > tl.encoding.MaxTileSize() {
		return errors.ErrSizeLimitExceeded.WithMessage(
			fmt.Sprintf(
				"tile of %d bytes is larger than the maximum of %d",
				size,
				tl.encoding.MaxTileSize(),
			),
		)
	}
	if uint64(size) > uint64(len(data)) {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't write %d bytes from a buffer of %d", size, len(data)))
	}

	index, err := tl.tileIndex(col, row)
	if err != nil {
		return err
	}

	old, err := tl.TileInfo(col, row)
	if err != nil {
		return err
	}

	if old.IsSparse() || size > old.Size {
		offset := tl.layer.Size()
		if offset > tl.encoding.MaxTileOffset() {
			return errors.ErrSizeLimitExceeded.WithMessage(
				fmt.Sprintf(
					"tile offset %d is past the maximum of %d",
					offset,
					tl.encoding.MaxTileOffset(),
				),
			)
		}
		err = tl.layer.WriteToLayer(data[:size], offset)
		if err != nil {
			return err
		}

		tl.setTile(index, tiledir.BlockTileInfo{Offset: offset, Size: size})
		return tl.releaseStorage(old)
	}

	err = tl.layer.WriteToLayer(data[:size], old.Offset)
	if err != nil {
		return err
	}
	tl.setTile(index, tiledir.BlockTileInfo{Offset: old.Offset, Size: size})

	if size < old.Size && old.Offset+uint64(old.Size) == tl.layer.Size() {
		return tl.layer.Resize(old.Offset + uint64(size))
	}
	return nil
}

// ReadSparseTile fills `buffer` with the tile's fill value if the tile is
// sparse and returns true. At most one tile's worth of bytes is filled. If
// the tile isn't sparse, `buffer` is untouched and it returns false.
func (tl *TileLayer) ReadSparseTile(buffer []byte, col, row int) (bool, error) {
	tile, err := tl.TileInfo(col, row)
	if err != nil {
		return false, err
	}
	if !tile.IsSparse() {
		return false, nil
	}

	n := min(len(buffer), int(tl.TileSize()))
	tl.fillSparse(buffer[:n], tile.Size, 0)
	return true, nil
}

// ReadTile reads a tile's stored bytes into `buffer`, returning the number
// of bytes read: the smaller of len(buffer) and the tile's stored size.
// Sparse tiles have no stored bytes and read as 0; use [TileLayer.ReadSparseTile]
// for them.
func (tl *TileLayer) ReadTile(buffer []byte, col, row int) (int, error) {
	tile, err := tl.TileInfo(col, row)
	if err != nil {
		return 0, err
	}
	if tile.IsSparse() {
		return 0, nil
	}

	n := min(uint64(len(buffer)), uint64(tile.Size))
	if n == 0 {
		return 0, nil
	}

	err = tl.layer.ReadFromLayer(buffer[:n], tile.Offset)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ReadPartialTile fills `buffer` with the tile's stored bytes beginning at
// `offset` within the tile. The whole range must lie within the stored data.
// Like [TileLayer.ReadTile] it returns 0 for sparse tiles.
func (tl *TileLayer) ReadPartialTile(buffer []byte, col, row int, offset uint32) (int, error) {
	tile, err := tl.TileInfo(col, row)
	if err != nil {
		return 0, err
	}
	if tile.IsSparse() {
		return 0, nil
	}

	end := uint64(offset) + uint64(len(buffer))
	if end > uint64(tile.Size) {
		return 0, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"can't read %d bytes at offset %d of a %d-byte tile",
				len(buffer),
				offset,
				tile.Size,
			),
		)
	}
	if len(buffer) == 0 {
		return 0, nil
	}

	err = tl.layer.ReadFromLayer(buffer, tile.Offset+uint64(offset))
	if err != nil {
		return 0, err
	}
	return len(buffer), nil
}

// ReadPartialSparseTile is the sparse counterpart of ReadPartialTile. It
// fills `buffer` as if it were the bytes of the tile starting at `offset`,
// keeping multi-byte fill values aligned, and returns true. If the tile isn't
// sparse it returns false.
func (tl *TileLayer) ReadPartialSparseTile(
	buffer []byte, col, row int, offset uint32,
) (bool, error) {
	tile, err := tl.TileInfo(col, row)
	if err != nil {
		return false, err
	}
	if !tile.IsSparse() {
		return false, nil
	}

	if uint64(offset)+uint64(len(buffer)) > uint64(tl.TileSize()) {
		return false, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"can't read %d bytes at offset %d of a %d-byte tile",
				len(buffer),
				offset,
				tl.TileSize(),
			),
		)
	}

	tl.fillSparse(buffer, tile.Size, offset)
	return true, nil
}

// IsDirty reports whether the tile list has changes that haven't been
// written to the layer yet.
func (tl *TileLayer) IsDirty() bool {
	tl.lock.Lock()
	defer tl.lock.Unlock()
	return tl.dirty
}

// Sync writes the tile list to the start of the layer if it changed.
func (tl *TileLayer) Sync() error {
	tl.lock.Lock()
	defer tl.lock.Unlock()

	if !tl.dirty {
		return nil
	}

	recordSize := tl.encoding.TileRecordSize()
	rawList := make([]byte, len(tl.tiles)*recordSize)
	for i, tile := range tl.tiles {
		err := tl.encoding.EncodeTileRecord(tile, rawList[i*recordSize:(i+1)*recordSize])
		if err != nil {
			return err
		}
	}

	err := tl.layer.WriteToLayer(rawList, 0)
	if err != nil {
		return err
	}
	tl.dirty = false
	return nil
}
