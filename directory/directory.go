// Package directory implements the block directory: the persisted table of
// layers and the shared pool of free blocks they draw from.
//
// Two on-disk formats are supported. The binary format (segment "TileDir")
// stores fixed-size records in the directory's byte order. The older ASCII
// format (segment "SysBMDir") stores every number as fixed-width decimal
// text and keeps each layer's blocks as a linked chain of records. The
// format is chosen by the name of the directory segment.

package directory

import (
	"fmt"
	"math"
	"sync"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/blocklayer"
	"github.com/dargueta/tiledir/errors"
	"github.com/dargueta/tiledir/tilelayer"
	"github.com/sirupsen/logrus"
)

type Format int

const (
	FormatBinary Format = iota
	FormatASCII
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatASCII:
		return "ascii"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Segment names used by each format.
const (
	BinarySegmentName     = "TileDir"
	BinaryDataSegmentName = "TileData"
	ASCIISegmentName      = "SysBMDir"
	ASCIIDataSegmentName  = "SysBData"
)

const DefaultBlockSize = 8192

// minFreeBatch is the smallest number of blocks added to the free pool when
// it runs dry.
const minFreeBatch = 16

// compressionTagSize is the space for a compression tag in a tile header.
const compressionTagSize = 8

// freeLayerIndex is the index reported by the free layer's block layer.
const freeLayerIndex = -1

// FormatForSegment returns the directory format stored in a segment with the
// given name.
func FormatForSegment(name string) (Format, error) {
	switch name {
	case BinarySegmentName:
		return FormatBinary, nil
	case ASCIISegmentName:
		return FormatASCII, nil
	}
	return 0, errors.ErrInvalidArgument.WithMessage(
		fmt.Sprintf("%q isn't a block directory segment", name))
}

func defaultDataSegment(format Format) string {
	if format == FormatASCII {
		return ASCIIDataSegmentName
	}
	return BinaryDataSegmentName
}

// Options control how a directory is created or opened. The zero value is
// usable.
type Options struct {
	// BlockSize is the size of every block, in bytes. Only used when creating
	// a directory; existing directories use the size recorded on disk.
	// Defaults to [DefaultBlockSize].
	BlockSize uint32
	// ByteOrder is used for new directories. Defaults to the host's.
	ByteOrder tiledir.ByteOrder
	// Logger defaults to the logrus standard logger.
	Logger *logrus.Logger
	// DataSegmentName is the segment new blocks are created in. Defaults to
	// the format's usual data segment.
	DataSegmentName string
}

// persister reads and writes one on-disk directory format.
type persister interface {
	Format() Format
	tileEncoding() tilelayer.Encoding
	// load parses the directory segment, whose header has already been read
	// and validated, and populates the directory's layers.
	load(header []byte, segmentSize uint64) error
	// save writes the directory with the given valid-info tag. If
	// `blocksModified` is false, no block list has changed since the last
	// save and the format may write less.
	save(validTag uint16, blocksModified bool) error
}

type layerEntry struct {
	info     tiledir.BlockLayerInfo
	tileInfo tiledir.TileLayerInfo
	blocks   *blocklayer.BlockLayer
	tiles    *tilelayer.TileLayer
}

// Directory is an open block directory.
//
// Reading tiles from several goroutines at once is safe. Creating or
// deleting layers, writing tiles, and syncing must be done by one goroutine
// at a time.
type Directory struct {
	file            tiledir.SegmentFile
	segment         tiledir.SegmentID
	name            string
	format          persister
	blockSize       uint32
	byteOrder       tiledir.ByteOrder
	dataSegmentName string
	dataSegment     tiledir.SegmentID
	log             *logrus.Entry

	layers   []*layerEntry
	freeInfo tiledir.BlockLayerInfo
	free     *blocklayer.BlockLayer
	freeLock sync.Mutex

	stateLock      sync.Mutex
	modified       bool
	blocksModified bool
	validTag       uint16
}

func newDirectory(
	file tiledir.SegmentFile,
	segment tiledir.SegmentID,
	name string,
	format Format,
	options Options,
) *Directory {
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dataSegmentName := options.DataSegmentName
	if dataSegmentName == "" {
		dataSegmentName = defaultDataSegment(format)
	}

	dir := &Directory{
		file:            file,
		segment:         segment,
		name:            name,
		dataSegmentName: dataSegmentName,
		dataSegment:     tiledir.InvalidSegment,
		log: logger.WithFields(logrus.Fields{
			"directory": name,
			"format":    format.String(),
		}),
	}

	if format == FormatASCII {
		dir.format = &asciiPersister{dir: dir}
	} else {
		dir.format = &binaryPersister{dir: dir}
	}
	return dir
}

// Create initializes a new, empty directory in the segment called `name`,
// which must not exist yet or be empty. The format is chosen by the name.
func Create(file tiledir.SegmentFile, name string, options Options) (*Directory, error) {
	format, err := FormatForSegment(name)
	if err != nil {
		return nil, err
	}

	blockSize := options.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	byteOrder := options.ByteOrder
	if byteOrder == 0 {
		byteOrder = tiledir.HostByteOrder()
	} else if byteOrder != tiledir.BigEndian && byteOrder != tiledir.LittleEndian {
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid byte order %s", byteOrder.String()))
	}

	segment, err := file.ExtendOrCreateNamedSegment(name, "block directory", 0)
	if err != nil {
		return nil, errors.Cast(err)
	}
	size, err := file.SegmentSize(segment)
	if err != nil {
		return nil, errors.Cast(err)
	}
	if size != 0 {
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("segment %q already holds %d bytes", name, size))
	}

	dir := newDirectory(file, segment, name, format, options)
	dir.blockSize = blockSize
	dir.byteOrder = byteOrder
	dir.freeInfo = tiledir.BlockLayerInfo{Type: tiledir.LayerFree}
	dir.free = blocklayer.New(dir, freeLayerIndex, &dir.freeInfo, nil)
	dir.modified = true
	dir.blocksModified = true

	err = dir.Sync()
	if err != nil {
		return nil, err
	}

	dir.log.WithFields(logrus.Fields{
		"blockSize": blockSize,
		"byteOrder": byteOrder.String(),
	}).Debug("created directory")
	return dir, nil
}

// Open loads an existing directory from `segment`. `name` is the segment's
// name, which determines the format.
func Open(
	file tiledir.SegmentFile,
	segment tiledir.SegmentID,
	name string,
	options Options,
) (*Directory, error) {
	format, err := FormatForSegment(name)
	if err != nil {
		return nil, err
	}

	dir := newDirectory(file, segment, name, format, options)

	size, err := file.SegmentSize(segment)
	if err != nil {
		return nil, errors.Cast(err)
	}
	if size < headerSize {
		return nil, errors.Corruptedf(
			"directory segment is %d bytes, too small for a %d-byte header", size, headerSize)
	}

	header := make([]byte, headerSize)
	err = file.ReadFromSegment(segment, header, 0)
	if err != nil {
		return nil, errors.Cast(err)
	}

	common, err := parseCommonHeader(header)
	if err != nil {
		dir.log.WithError(err).Warn("rejected directory header")
		return nil, err
	}
	dir.byteOrder = common.ByteOrder
	dir.validTag = common.ValidTag

	err = dir.format.load(header, size)
	if err != nil {
		dir.log.WithError(err).Warn("failed to load directory")
		return nil, err
	}

	dir.log.WithFields(logrus.Fields{
		"layers":     len(dir.layers),
		"blockSize":  dir.blockSize,
		"freeBlocks": dir.freeInfo.BlockCount,
	}).Debug("opened directory")
	return dir, nil
}

// addLoadedLayer registers a layer read from disk. `tileInfo` is nil if the
// layer has no tile header.
func (dir *Directory) addLoadedLayer(
	info tiledir.BlockLayerInfo,
	tileInfo *tiledir.TileLayerInfo,
	load blocklayer.Loader,
) error {
	index := len(dir.layers)
	if !info.Type.IsKnown() || info.Type == tiledir.LayerFree {
		return errors.Corruptedf("layer %d has invalid type %s", index, info.Type.String())
	}
	err := dir.checkBlockCount(index, &info)
	if err != nil {
		return err
	}

	entry := &layerEntry{info: info}
	entry.blocks = blocklayer.New(dir, index, &entry.info, load)

	if tileInfo != nil && info.Type == tiledir.LayerImage {
		entry.tileInfo = *tileInfo
		entry.tiles, err = tilelayer.New(entry.blocks, &entry.tileInfo, dir.format.tileEncoding())
		if err != nil {
			return errors.Corruptedf("tile layer %d: %s", index, err.Error())
		}
	}

	dir.layers = append(dir.layers, entry)
	return nil
}

// setLoadedFreeLayer registers the free-block layer read from disk.
func (dir *Directory) setLoadedFreeLayer(info tiledir.BlockLayerInfo, load blocklayer.Loader) error {
	if info.Type != tiledir.LayerFree {
		return errors.Corruptedf("free layer has type %s", info.Type.String())
	}
	err := dir.checkBlockCount(freeLayerIndex, &info)
	if err != nil {
		return err
	}

	dir.freeInfo = info
	dir.free = blocklayer.New(dir, freeLayerIndex, &dir.freeInfo, load)
	return nil
}

func (dir *Directory) checkBlockCount(index int, info *tiledir.BlockLayerInfo) error {
	blockSize := uint64(dir.blockSize)
	expected := (info.LayerSize + blockSize - 1) / blockSize
	if info.LayerSize > info.LayerSize+blockSize || expected != uint64(info.BlockCount) {
		return errors.Corruptedf(
			"layer %d is %d bytes but has %d blocks of %d bytes",
			index,
			info.LayerSize,
			info.BlockCount,
			blockSize,
		)
	}
	return nil
}

// Format returns the on-disk format of the directory.
func (dir *Directory) Format() Format {
	return dir.format.Format()
}

// SegmentID returns the ID of the segment the directory is stored in.
func (dir *Directory) SegmentID() tiledir.SegmentID {
	return dir.segment
}

func (dir *Directory) BlockSize() uint32 {
	return dir.blockSize
}

func (dir *Directory) File() tiledir.SegmentFile {
	return dir.file
}

// ByteOrder returns the byte order recorded for the directory.
func (dir *Directory) ByteOrder() tiledir.ByteOrder {
	return dir.byteOrder
}

// NeedsSwap reports whether data written in the directory's byte order has
// to be swapped on this machine.
func (dir *Directory) NeedsSwap() bool {
	return dir.byteOrder.NeedsSwap()
}

// LayerCount returns the number of layer slots, including dead ones.
func (dir *Directory) LayerCount() int {
	return len(dir.layers)
}

func (dir *Directory) entry(index int) (*layerEntry, error) {
	if index < 0 || index >= len(dir.layers) {
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("layer %d not in [0, %d)", index, len(dir.layers)))
	}
	return dir.layers[index], nil
}

// LayerInfo returns the descriptor of a layer.
func (dir *Directory) LayerInfo(index int) (tiledir.BlockLayerInfo, error) {
	entry, err := dir.entry(index)
	if err != nil {
		return tiledir.BlockLayerInfo{}, err
	}
	return entry.info, nil
}

// Layer returns the block layer at `index`.
func (dir *Directory) Layer(index int) (*blocklayer.BlockLayer, error) {
	entry, err := dir.entry(index)
	if err != nil {
		return nil, err
	}
	if entry.info.Type == tiledir.LayerDead {
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("layer %d has been deleted", index))
	}
	return entry.blocks, nil
}

// TileLayer returns the tile view of the image layer at `index`. Layers
// created without tile geometry have none.
func (dir *Directory) TileLayer(index int) (*tilelayer.TileLayer, error) {
	entry, err := dir.entry(index)
	if err != nil {
		return nil, err
	}
	if entry.tiles == nil {
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("layer %d isn't a tile layer", index))
	}
	return entry.tiles, nil
}

// CreateLayer adds a new, empty layer of the given type and returns its
// index. The first dead slot is reused if there is one.
func (dir *Directory) CreateLayer(layerType tiledir.LayerType) (int, error) {
	if layerType != tiledir.LayerImage {
		return -1, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't create a layer of type %s", layerType.String()))
	}

	index := len(dir.layers)
	for i, entry := range dir.layers {
		if entry.info.Type == tiledir.LayerDead {
			index = i
			break
		}
	}

	entry := &layerEntry{info: tiledir.BlockLayerInfo{Type: layerType}}
	entry.blocks = blocklayer.New(dir, index, &entry.info, nil)
	if index == len(dir.layers) {
		dir.layers = append(dir.layers, entry)
	} else {
		dir.layers[index] = entry
	}

	dir.MarkModified(false)
	dir.log.WithField("layer", index).Debug("created layer")
	return index, nil
}

// CreateTileLayer adds a new image layer with the given raster geometry and
// returns its index. All tiles start out sparse with a value of 0.
func (dir *Directory) CreateTileLayer(info tiledir.TileLayerInfo) (int, error) {
	err := info.Validate()
	if err != nil {
		return -1, errors.ErrInvalidArgument.Wrap(err)
	}
	if len(info.Compression) > compressionTagSize {
		return -1, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"compression tag %q is longer than %d characters",
				info.Compression,
				compressionTagSize,
			),
		)
	}
	maxTileSize := dir.format.tileEncoding().MaxTileSize()
	if info.TileSize() > maxTileSize {
		return -1, errors.ErrSizeLimitExceeded.WithMessage(
			fmt.Sprintf(
				"tiles of %d bytes can't be recorded, the limit is %d",
				info.TileSize(),
				maxTileSize,
			),
		)
	}

	index, err := dir.CreateLayer(tiledir.LayerImage)
	if err != nil {
		return -1, err
	}

	entry := dir.layers[index]
	entry.tileInfo = info
	entry.tiles, err = tilelayer.Create(entry.blocks, &entry.tileInfo, dir.format.tileEncoding())
	if err != nil {
		deleteErr := dir.DeleteLayer(index)
		if deleteErr != nil {
			return -1, errors.Cast(err).Wrap(deleteErr)
		}
		return -1, err
	}
	return index, nil
}

// DeleteLayer releases all of a layer's blocks and marks its slot dead.
func (dir *Directory) DeleteLayer(index int) error {
	entry, err := dir.entry(index)
	if err != nil {
		return err
	}
	if entry.info.Type == tiledir.LayerDead {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("layer %d is already deleted", index))
	}

	err = entry.blocks.Resize(0)
	if err != nil {
		return err
	}

	entry.info = tiledir.BlockLayerInfo{Type: tiledir.LayerDead}
	entry.tileInfo = tiledir.TileLayerInfo{}
	entry.tiles = nil
	dir.MarkModified(true)
	dir.log.WithField("layer", index).Debug("deleted layer")
	return nil
}

// FreeBlockCount returns the number of blocks in the free pool.
func (dir *Directory) FreeBlockCount() uint32 {
	dir.freeLock.Lock()
	defer dir.freeLock.Unlock()
	return dir.free.BlockCount()
}

// GetFreeBlock takes the most recently freed block from the free pool. If
// the pool is empty, a batch of new blocks is created at the end of the data
// segment first; they're handed out in ascending order.
func (dir *Directory) GetFreeBlock() (tiledir.BlockInfo, error) {
	dir.freeLock.Lock()
	defer dir.freeLock.Unlock()

	block, ok, err := dir.free.PopBlock()
	if err != nil {
		return tiledir.InvalidBlockInfo, err
	}
	if ok {
		return block, nil
	}

	err = dir.growFreePool()
	if err != nil {
		return tiledir.InvalidBlockInfo, err
	}

	block, ok, err = dir.free.PopBlock()
	if err != nil {
		return tiledir.InvalidBlockInfo, err
	}
	if !ok {
		return tiledir.InvalidBlockInfo, errors.ErrOutOfMemory.WithMessage(
			"free pool is still empty after growing it")
	}
	return block, nil
}

// growFreePool extends the data segment and pushes the new blocks onto the
// free pool, highest index first. The caller must hold freeLock.
func (dir *Directory) growFreePool() error {
	blockSize := uint64(dir.blockSize)
	count := max(minFreeBatch, dir.file.TotalSize()/blockSize/100)
	if count > math.MaxUint32 {
		count = math.MaxUint32
	}

	segment, err := dir.file.ExtendOrCreateNamedSegment(
		dir.dataSegmentName, "tile data blocks", count*blockSize)
	if err != nil {
		return errors.Cast(err)
	}
	segmentSize, err := dir.file.SegmentSize(segment)
	if err != nil {
		return errors.Cast(err)
	}

	if segmentSize%blockSize != 0 {
		return errors.Corruptedf(
			"data segment %q is %d bytes, not a whole number of %d-byte blocks",
			dir.dataSegmentName,
			segmentSize,
			blockSize,
		)
	}

	endIndex := segmentSize / blockSize
	if endIndex > uint64(tiledir.InvalidBlock) {
		return errors.ErrSizeLimitExceeded.WithMessage(
			fmt.Sprintf("data segment %q has too many blocks", dir.dataSegmentName))
	}
	firstIndex := endIndex - count

	newBlocks := make([]tiledir.BlockInfo, count)
	for i := range newBlocks {
		newBlocks[i] = tiledir.BlockInfo{
			Segment: segment,
			Index:   tiledir.BlockIndex(endIndex - 1 - uint64(i)),
		}
	}

	err = dir.free.PushBlocks(newBlocks)
	if err != nil {
		return err
	}

	dir.dataSegment = segment
	dir.log.WithFields(logrus.Fields{
		"segment": segment,
		"first":   firstIndex,
		"count":   count,
	}).Debug("grew free pool")
	return nil
}

// AddFreeBlocks returns blocks to the free pool. Unallocated entries are
// ignored. The blocks are pushed in reverse order, so the first block in
// `blocks` is the next one handed out.
func (dir *Directory) AddFreeBlocks(blocks []tiledir.BlockInfo) error {
	reversed := make([]tiledir.BlockInfo, 0, len(blocks))
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].IsValid() {
			reversed = append(reversed, blocks[i])
		}
	}
	if len(reversed) == 0 {
		return nil
	}

	dir.freeLock.Lock()
	defer dir.freeLock.Unlock()
	return dir.free.PushBlocks(reversed)
}

// MarkModified flags the directory as needing to be written on the next
// Sync. `blocksChanged` means a block list changed as well.
func (dir *Directory) MarkModified(blocksChanged bool) {
	dir.stateLock.Lock()
	defer dir.stateLock.Unlock()
	dir.modified = true
	dir.blocksModified = dir.blocksModified || blocksChanged
}

// IsModified reports whether there are changes that haven't been synced.
func (dir *Directory) IsModified() bool {
	dir.stateLock.Lock()
	defer dir.stateLock.Unlock()
	return dir.modified
}

// Sync writes every tile layer's tile list and then the directory itself.
// It does nothing if nothing has changed. The valid-info tag is incremented
// with every write. If writing fails, the directory stays modified so a
// later Sync can retry.
func (dir *Directory) Sync() error {
	for i, entry := range dir.layers {
		if entry.tiles == nil {
			continue
		}
		err := entry.tiles.Sync()
		if err != nil {
			dir.log.WithError(err).WithField("layer", i).Error("failed to write tile list")
			return err
		}
	}

	dir.stateLock.Lock()
	modified := dir.modified
	blocksModified := dir.blocksModified
	dir.stateLock.Unlock()

	if !modified {
		return nil
	}

	validTag := dir.validTag + 1
	err := dir.format.save(validTag, blocksModified)
	if err != nil {
		dir.log.WithError(err).Error("failed to write directory")
		return err
	}

	dir.stateLock.Lock()
	dir.validTag = validTag
	dir.modified = false
	dir.blocksModified = false
	dir.stateLock.Unlock()

	dir.log.WithFields(logrus.Fields{
		"validTag": validTag,
		"full":     blocksModified,
	}).Debug("synced directory")
	return nil
}

// ValidTag returns the valid-info tag written by the last sync (or read at
// open).
func (dir *Directory) ValidTag() uint16 {
	dir.stateLock.Lock()
	defer dir.stateLock.Unlock()
	return dir.validTag
}

// IsValid reports whether the directory on disk is still the one this
// object last read or wrote, by comparing valid-info tags.
func (dir *Directory) IsValid() (bool, error) {
	var raw [2]byte
	err := dir.file.ReadFromSegment(dir.segment, raw[:], validTagOffset)
	if err != nil {
		return false, errors.Cast(err)
	}

	onDisk := dir.byteOrder.Binary().Uint16(raw[:])
	current := dir.ValidTag()
	if onDisk != current {
		dir.log.WithFields(logrus.Fields{
			"expected": current,
			"found":    onDisk,
		}).Debug("directory changed on disk")
	}
	return onDisk == current, nil
}

// Close syncs the directory. The directory must not be used afterwards.
func (dir *Directory) Close() error {
	return dir.Sync()
}

// allBlocks loads and returns the block list of every layer, followed by
// that of the free layer. Both formats rewrite every block table on a full
// save, so everything has to be in memory first.
func (dir *Directory) allBlocks() ([][]tiledir.BlockInfo, []tiledir.BlockInfo, error) {
	layerBlocks := make([][]tiledir.BlockInfo, len(dir.layers))
	for i, entry := range dir.layers {
		blocks, err := entry.blocks.Blocks()
		if err != nil {
			return nil, nil, err
		}
		layerBlocks[i] = blocks
	}

	dir.freeLock.Lock()
	defer dir.freeLock.Unlock()
	freeBlocks, err := dir.free.Blocks()
	if err != nil {
		return nil, nil, err
	}
	return layerBlocks, freeBlocks, nil
}

// ensureSegmentSize grows the directory segment to at least `size` bytes.
func (dir *Directory) ensureSegmentSize(size uint64) error {
	current, err := dir.file.SegmentSize(dir.segment)
	if err != nil {
		return errors.Cast(err)
	}
	if current >= size {
		return nil
	}

	_, err = dir.file.ExtendOrCreateNamedSegment(dir.name, "block directory", size-current)
	return errors.Cast(err)
}
