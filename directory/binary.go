package directory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/errors"
	"github.com/dargueta/tiledir/tilelayer"
	"github.com/noxer/bytewriter"
)

// Binary format layout. After the 512-byte header come the layer records,
// then one tile header per layer, then the free layer's record, then the
// block tables of every layer in order and finally the free layer's.
const (
	binaryCountsOffset    = 10
	binaryLayerRecordSize = 24
	binaryTileHeaderSize  = 128
	binaryBlockEntrySize  = 8
	binaryTileRecordSize  = 12

	// maxBinaryLayers is far more than any real directory has but keeps a
	// corrupted count from making us allocate gigabytes.
	maxBinaryLayers = 1 << 20
)

type binaryCounts struct {
	LayerCount uint32
	BlockSize  uint32
}

type binaryLayerRecord struct {
	Type       uint16
	_          uint16
	StartEntry uint32
	BlockCount uint32
	_          uint32
	LayerSize  uint64
}

type binaryTileHeader struct {
	Width       uint32
	Height      uint32
	TileWidth   uint32
	TileHeight  uint32
	DataType    [4]byte
	NoDataValid uint8
	NoDataValue float64
	_           [9]byte
	Compression [compressionTagSize]byte
	_           [82]byte
}

type binaryBlockEntry struct {
	Segment uint16
	_       uint16
	Index   uint32
}

// binaryEncoding stores tile records as a uint64 offset and a uint32 size in
// the directory's byte order.
type binaryEncoding struct {
	order binary.ByteOrder
}

func (e binaryEncoding) TileRecordSize() int {
	return binaryTileRecordSize
}

func (e binaryEncoding) EncodeTileRecord(tile tiledir.BlockTileInfo, dest []byte) error {
	e.order.PutUint64(dest[:8], tile.Offset)
	e.order.PutUint32(dest[8:12], tile.Size)
	return nil
}

func (e binaryEncoding) DecodeTileRecord(src []byte) (tiledir.BlockTileInfo, error) {
	return tiledir.BlockTileInfo{
		Offset: e.order.Uint64(src[:8]),
		Size:   e.order.Uint32(src[8:12]),
	}, nil
}

func (e binaryEncoding) WordSparse() bool {
	return true
}

func (e binaryEncoding) MaxTileSize() uint64 {
	return math.MaxUint32
}

// MaxTileOffset stops one short of InvalidOffset, which marks sparse tiles.
func (e binaryEncoding) MaxTileOffset() uint64 {
	return tiledir.InvalidOffset - 1
}

type binaryPersister struct {
	dir        *Directory
	tableStart uint64
}

func (p *binaryPersister) Format() Format {
	return FormatBinary
}

func (p *binaryPersister) tileEncoding() tilelayer.Encoding {
	return binaryEncoding{order: p.dir.byteOrder.Binary()}
}

func binaryLayerSectionSize(layerCount uint64) uint64 {
	return layerCount*(binaryLayerRecordSize+binaryTileHeaderSize) + binaryLayerRecordSize
}

func (p *binaryPersister) load(header []byte, segmentSize uint64) error {
	dir := p.dir
	order := dir.byteOrder.Binary()

	var counts binaryCounts
	err := binary.Read(bytes.NewReader(header[binaryCountsOffset:]), order, &counts)
	if err != nil {
		return errors.ErrCorrupted.Wrap(err)
	}
	if counts.BlockSize == 0 {
		return errors.Corruptedf("block size is 0")
	}
	if counts.LayerCount > maxBinaryLayers {
		return errors.Corruptedf("directory claims to have %d layers", counts.LayerCount)
	}
	dir.blockSize = counts.BlockSize

	sectionSize := binaryLayerSectionSize(uint64(counts.LayerCount))
	p.tableStart = headerSize + sectionSize
	if p.tableStart > segmentSize {
		return errors.Corruptedf(
			"directory segment is %d bytes but %d layers need at least %d",
			segmentSize,
			counts.LayerCount,
			p.tableStart,
		)
	}

	section := make([]byte, sectionSize)
	err = dir.file.ReadFromSegment(dir.segment, section, headerSize)
	if err != nil {
		return errors.Cast(err)
	}
	reader := bytes.NewReader(section)

	layerRecords := make([]binaryLayerRecord, counts.LayerCount)
	err = binary.Read(reader, order, layerRecords)
	if err != nil {
		return errors.ErrCorrupted.Wrap(err)
	}

	tileHeaders := make([]binaryTileHeader, counts.LayerCount)
	err = binary.Read(reader, order, tileHeaders)
	if err != nil {
		return errors.ErrCorrupted.Wrap(err)
	}

	var freeRecord binaryLayerRecord
	err = binary.Read(reader, order, &freeRecord)
	if err != nil {
		return errors.ErrCorrupted.Wrap(err)
	}

	totalEntries := (segmentSize - p.tableStart) / binaryBlockEntrySize

	for i, record := range layerRecords {
		info, err := p.layerInfo(record, totalEntries, i)
		if err != nil {
			return err
		}

		var tileInfo *tiledir.TileLayerInfo
		if info.Type == tiledir.LayerImage && !isZero(tileHeaders[i]) {
			tileInfo, err = decodeBinaryTileHeader(&tileHeaders[i])
			if err != nil {
				return errors.Corruptedf("tile header of layer %d: %s", i, err.Error())
			}
		}

		err = dir.addLoadedLayer(info, tileInfo, p.loader(info))
		if err != nil {
			return err
		}
	}

	freeInfo, err := p.layerInfo(freeRecord, totalEntries, freeLayerIndex)
	if err != nil {
		return err
	}
	return dir.setLoadedFreeLayer(freeInfo, p.loader(freeInfo))
}

// layerInfo converts a layer record and checks that its block table lies
// within the directory segment.
func (p *binaryPersister) layerInfo(
	record binaryLayerRecord, totalEntries uint64, index int,
) (tiledir.BlockLayerInfo, error) {
	end := uint64(record.StartEntry) + uint64(record.BlockCount)
	if record.BlockCount > 0 && end > totalEntries {
		return tiledir.BlockLayerInfo{}, errors.Corruptedf(
			"block table of layer %d spans entries [%d, %d) but the segment only has %d",
			index,
			record.StartEntry,
			end,
			totalEntries,
		)
	}

	return tiledir.BlockLayerInfo{
		Type:       tiledir.LayerType(record.Type),
		StartBlock: record.StartEntry,
		BlockCount: record.BlockCount,
		LayerSize:  record.LayerSize,
	}, nil
}

func (p *binaryPersister) loader(info tiledir.BlockLayerInfo) func() ([]tiledir.BlockInfo, error) {
	return func() ([]tiledir.BlockInfo, error) {
		if info.BlockCount == 0 {
			return []tiledir.BlockInfo{}, nil
		}

		dir := p.dir
		raw := make([]byte, uint64(info.BlockCount)*binaryBlockEntrySize)
		offset := p.tableStart + uint64(info.StartBlock)*binaryBlockEntrySize
		err := dir.file.ReadFromSegment(dir.segment, raw, offset)
		if err != nil {
			return nil, errors.Cast(err)
		}

		entries := make([]binaryBlockEntry, info.BlockCount)
		err = binary.Read(bytes.NewReader(raw), dir.byteOrder.Binary(), entries)
		if err != nil {
			return nil, errors.ErrCorrupted.Wrap(err)
		}

		blocks := make([]tiledir.BlockInfo, len(entries))
		for i, entry := range entries {
			blocks[i] = tiledir.BlockInfo{
				Segment: tiledir.SegmentID(entry.Segment),
				Index:   tiledir.BlockIndex(entry.Index),
			}
			if blocks[i].IsValid() != (entry.Segment != uint16(tiledir.InvalidSegment)) {
				return nil, errors.Corruptedf(
					"block %d of a layer is half-allocated: %d:%d", i, entry.Segment, entry.Index)
			}
		}
		return blocks, nil
	}
}

func isZero(header binaryTileHeader) bool {
	return header == binaryTileHeader{}
}

func decodeBinaryTileHeader(header *binaryTileHeader) (*tiledir.TileLayerInfo, error) {
	dataType, err := tiledir.ParseDataType(parseText(header.DataType[:]))
	if err != nil {
		return nil, errors.ErrCorrupted.Wrap(err)
	}

	return &tiledir.TileLayerInfo{
		Width:       header.Width,
		Height:      header.Height,
		TileWidth:   header.TileWidth,
		TileHeight:  header.TileHeight,
		DataType:    dataType,
		Compression: parseText(header.Compression[:]),
		NoDataValid: header.NoDataValid != 0,
		NoDataValue: header.NoDataValue,
	}, nil
}

func encodeBinaryTileHeader(info *tiledir.TileLayerInfo) binaryTileHeader {
	header := binaryTileHeader{
		Width:       info.Width,
		Height:      info.Height,
		TileWidth:   info.TileWidth,
		TileHeight:  info.TileHeight,
		NoDataValue: info.NoDataValue,
	}
	if info.NoDataValid {
		header.NoDataValid = 1
	}
	copy(header.DataType[:], info.DataType.String())
	copy(header.Compression[:], info.Compression)
	return header
}

// save always rewrites the whole directory.
func (p *binaryPersister) save(validTag uint16, _ bool) error {
	dir := p.dir
	order := dir.byteOrder.Binary()

	layerBlocks, freeBlocks, err := dir.allBlocks()
	if err != nil {
		return err
	}

	layerCount := uint64(len(dir.layers))
	totalEntries := uint64(len(freeBlocks))
	for _, blocks := range layerBlocks {
		totalEntries += uint64(len(blocks))
	}
	if totalEntries > math.MaxUint32 {
		return errors.ErrSizeLimitExceeded.WithMessage(
			fmt.Sprintf("%d block table entries is too many", totalEntries))
	}

	tableStart := headerSize + binaryLayerSectionSize(layerCount)
	image := make([]byte, tableStart+totalEntries*binaryBlockEntrySize)

	writeCommonHeader(image, dir.byteOrder, validTag)
	writer := bytewriter.New(image[binaryCountsOffset:headerSize])
	err = binary.Write(
		writer,
		order,
		binaryCounts{LayerCount: uint32(layerCount), BlockSize: dir.blockSize},
	)
	if err != nil {
		return errors.Cast(err)
	}

	// Assign block table positions in layer order, free layer last.
	starts := make([]uint32, len(dir.layers)+1)
	nextEntry := uint32(0)
	for i, blocks := range layerBlocks {
		starts[i] = nextEntry
		nextEntry += uint32(len(blocks))
	}
	starts[len(dir.layers)] = nextEntry

	writer = bytewriter.New(image[headerSize:tableStart])
	for i, entry := range dir.layers {
		record := binaryLayerRecord{
			Type:       uint16(entry.info.Type),
			StartEntry: starts[i],
			BlockCount: entry.info.BlockCount,
			LayerSize:  entry.info.LayerSize,
		}
		err = binary.Write(writer, order, &record)
		if err != nil {
			return errors.Cast(err)
		}
	}
	for _, entry := range dir.layers {
		header := binaryTileHeader{}
		if entry.tiles != nil {
			header = encodeBinaryTileHeader(&entry.tileInfo)
		}
		err = binary.Write(writer, order, &header)
		if err != nil {
			return errors.Cast(err)
		}
	}

	freeRecord := binaryLayerRecord{
		Type:       uint16(tiledir.LayerFree),
		StartEntry: starts[len(dir.layers)],
		BlockCount: uint32(len(freeBlocks)),
		LayerSize:  uint64(len(freeBlocks)) * uint64(dir.blockSize),
	}
	err = binary.Write(writer, order, &freeRecord)
	if err != nil {
		return errors.Cast(err)
	}

	writer = bytewriter.New(image[tableStart:])
	for _, blocks := range append(layerBlocks, freeBlocks) {
		for _, block := range blocks {
			entry := binaryBlockEntry{Segment: uint16(block.Segment), Index: uint32(block.Index)}
			err = binary.Write(writer, order, &entry)
			if err != nil {
				return errors.Cast(err)
			}
		}
	}

	err = dir.ensureSegmentSize(uint64(len(image)))
	if err != nil {
		return err
	}
	err = dir.file.WriteToSegment(dir.segment, image, 0)
	if err != nil {
		return errors.Cast(err)
	}

	for i, entry := range dir.layers {
		entry.info.StartBlock = starts[i]
	}
	dir.freeInfo.StartBlock = starts[len(dir.layers)]
	p.tableStart = tableStart
	return nil
}
