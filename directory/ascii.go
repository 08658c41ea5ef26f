package directory

import (
	"bytes"
	"fmt"
	"math"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/errors"
	"github.com/dargueta/tiledir/tilelayer"
)

// ASCII format layout. Every number is fixed-width decimal text, right
// aligned and padded with spaces, with -1 meaning "none".
const (
	asciiLayerCountField  = 10
	asciiRecordCountField = 18
	asciiFirstFreeField   = 26
	asciiBlockSizeField   = 34
	asciiFieldEnd         = 42
	asciiSubversionOffset = 128

	asciiLayerRecordSize = 32
	asciiTileHeaderSize  = 128
	asciiLayerEntrySize  = asciiLayerRecordSize + asciiTileHeaderSize
	asciiBlockRecordSize = 28
	asciiTileRecordSize  = 20

	// Largest tile an 8-digit size field can describe.
	asciiMaxTileSize = 99999999
	// Largest offset in a 12-digit field.
	asciiMaxOffset = 999999999999

	// maxASCIITableSize caps how much of a block table we'll read into
	// memory.
	maxASCIITableSize = 1 << 31
)

const asciiSubversionTag = "SUBVERSION 1"

// noRecord marks the end of a chain, or a layer with no blocks.
const noRecord = math.MaxUint64

// noStart is the persisted start record of a layer with no blocks.
const noStart = math.MaxUint32

// asciiBlockRecord is one parsed entry in the block table.
type asciiBlockRecord struct {
	block tiledir.BlockInfo
	// owner is the index of the layer the block belongs to, or -1 if it's
	// free.
	owner int64
	next  uint64
}

// asciiEncoding stores tile records as a 12-digit offset (-1 for sparse
// tiles) followed by an 8-digit size.
type asciiEncoding struct{}

func (asciiEncoding) TileRecordSize() int {
	return asciiTileRecordSize
}

func (asciiEncoding) EncodeTileRecord(tile tiledir.BlockTileInfo, dest []byte) error {
	if !tile.IsSparse() && tile.Offset > asciiMaxOffset {
		return errors.ErrSizeLimitExceeded.WithMessage(
			fmt.Sprintf("tile offset %d doesn't fit in 12 digits", tile.Offset))
	}

	err := formatIndex(dest[:12], tile.Offset, tiledir.InvalidOffset)
	if err != nil {
		return err
	}
	return formatDecimal(dest[12:20], int64(tile.Size))
}

func (asciiEncoding) DecodeTileRecord(src []byte) (tiledir.BlockTileInfo, error) {
	offset, err := parseIndex(src[:12], tiledir.InvalidOffset)
	if err != nil {
		return tiledir.BlockTileInfo{}, err
	}
	size, err := parseCount(src[12:20], math.MaxUint32)
	if err != nil {
		return tiledir.BlockTileInfo{}, err
	}
	return tiledir.BlockTileInfo{Offset: offset, Size: uint32(size)}, nil
}

// WordSparse is false: the size field can't hold a full 32-bit fill word.
func (asciiEncoding) WordSparse() bool {
	return false
}

func (asciiEncoding) MaxTileSize() uint64 {
	return asciiMaxTileSize
}

func (asciiEncoding) MaxTileOffset() uint64 {
	return asciiMaxOffset
}

type asciiPersister struct {
	dir *Directory
	// subversion is 0 for legacy files, where the layer section follows the
	// block table, and 1 once the file has been rewritten.
	subversion int
	// records is the block table as read at open. It's only needed until
	// every layer's chain has been walked.
	records []asciiBlockRecord
}

func (p *asciiPersister) Format() Format {
	return FormatASCII
}

func (p *asciiPersister) tileEncoding() tilelayer.Encoding {
	return asciiEncoding{}
}

type asciiCounts struct {
	layerCount  uint64
	recordCount uint64
	firstFree   uint64
	blockSize   uint64
}

func parseASCIICounts(header []byte) (asciiCounts, error) {
	var counts asciiCounts
	var err error

	counts.layerCount, err = parseCount(
		header[asciiLayerCountField:asciiRecordCountField], math.MaxUint32)
	if err != nil {
		return counts, err
	}
	counts.recordCount, err = parseCount(
		header[asciiRecordCountField:asciiFirstFreeField], math.MaxUint32)
	if err != nil {
		return counts, err
	}
	counts.firstFree, err = parseIndex(header[asciiFirstFreeField:asciiBlockSizeField], noRecord)
	if err != nil {
		return counts, err
	}
	counts.blockSize, err = parseCount(header[asciiBlockSizeField:asciiFieldEnd], math.MaxUint32)
	if err != nil {
		return counts, err
	}
	return counts, nil
}

func (p *asciiPersister) load(header []byte, segmentSize uint64) error {
	dir := p.dir

	counts, err := parseASCIICounts(header)
	if err != nil {
		return err
	}
	if counts.blockSize == 0 {
		return errors.Corruptedf("block size is 0")
	}
	dir.blockSize = uint32(counts.blockSize)

	subversion := header[asciiSubversionOffset : asciiSubversionOffset+len(asciiSubversionTag)]
	if bytes.Equal(subversion, []byte(asciiSubversionTag)) {
		p.subversion = 1
	} else if bytes.HasPrefix(subversion, []byte("SUBVERSION ")) {
		return errors.ErrUnsupportedVersion.WithMessage(
			fmt.Sprintf("directory subversion %q", parseText(subversion[11:])))
	}

	tableSize := counts.recordCount * asciiBlockRecordSize
	if tableSize > maxASCIITableSize {
		return errors.ErrOutOfMemory.WithMessage(
			fmt.Sprintf("block table of %d records is too large", counts.recordCount))
	}
	sectionSize := counts.layerCount * asciiLayerEntrySize

	var sectionStart, tableStart uint64
	if p.subversion >= 1 {
		sectionStart = headerSize
		tableStart = headerSize + sectionSize
	} else {
		tableStart = headerSize
		sectionStart = headerSize + tableSize
	}
	if headerSize+sectionSize+tableSize > segmentSize {
		return errors.Corruptedf(
			"directory segment is %d bytes, too small for %d layers and %d block records",
			segmentSize,
			counts.layerCount,
			counts.recordCount,
		)
	}

	table := make([]byte, tableSize)
	err = dir.file.ReadFromSegment(dir.segment, table, tableStart)
	if err != nil {
		return errors.Cast(err)
	}
	p.records, err = parseBlockTable(table, counts.recordCount)
	if err != nil {
		return err
	}

	section := make([]byte, sectionSize)
	err = dir.file.ReadFromSegment(dir.segment, section, sectionStart)
	if err != nil {
		return errors.Cast(err)
	}

	for i := uint64(0); i < counts.layerCount; i++ {
		entry := section[i*asciiLayerEntrySize : (i+1)*asciiLayerEntrySize]
		info, err := parseASCIILayerRecord(entry[:asciiLayerRecordSize])
		if err != nil {
			return errors.Corruptedf("layer %d: %s", i, err.Error())
		}

		var tileInfo *tiledir.TileLayerInfo
		if info.Type == tiledir.LayerImage && !isBlank(entry[asciiLayerRecordSize:]) {
			tileInfo, err = parseASCIITileHeader(entry[asciiLayerRecordSize:])
			if err != nil {
				return errors.Corruptedf("tile header of layer %d: %s", i, err.Error())
			}
		}

		err = dir.addLoadedLayer(info, tileInfo, p.loader(info, int64(i)))
		if err != nil {
			return err
		}
	}

	// The free list's length isn't recorded anywhere, so it has to be walked
	// now.
	freeBlocks, err := p.walkChain(counts.firstFree, uint64(len(p.records)), -1, false)
	if err != nil {
		return err
	}

	freeInfo := tiledir.BlockLayerInfo{
		Type:       tiledir.LayerFree,
		StartBlock: startField(counts.firstFree),
		BlockCount: uint32(len(freeBlocks)),
		LayerSize:  uint64(len(freeBlocks)) * counts.blockSize,
	}
	return dir.setLoadedFreeLayer(freeInfo, func() ([]tiledir.BlockInfo, error) {
		return freeBlocks, nil
	})
}

func startField(record uint64) uint32 {
	if record == noRecord {
		return noStart
	}
	return uint32(record)
}

func parseBlockTable(table []byte, recordCount uint64) ([]asciiBlockRecord, error) {
	records := make([]asciiBlockRecord, recordCount)
	for i := range records {
		raw := table[i*asciiBlockRecordSize : (i+1)*asciiBlockRecordSize]

		segment, err := parseIndex(raw[0:4], uint64(tiledir.InvalidSegment))
		if err != nil {
			return nil, errors.Corruptedf("block record %d: %s", i, err.Error())
		}
		index, err := parseIndex(raw[4:12], uint64(tiledir.InvalidBlock))
		if err != nil {
			return nil, errors.Corruptedf("block record %d: %s", i, err.Error())
		}
		owner, err := parseDecimal(raw[12:20])
		if err != nil {
			return nil, errors.Corruptedf("block record %d: %s", i, err.Error())
		}
		next, err := parseIndex(raw[20:28], noRecord)
		if err != nil {
			return nil, errors.Corruptedf("block record %d: %s", i, err.Error())
		}

		if owner < -1 {
			return nil, errors.Corruptedf("block record %d has owner %d", i, owner)
		}
		if next != noRecord && next >= recordCount {
			return nil, errors.Corruptedf(
				"block record %d links to record %d of %d", i, next, recordCount)
		}

		records[i] = asciiBlockRecord{
			block: tiledir.BlockInfo{
				Segment: tiledir.SegmentID(segment),
				Index:   tiledir.BlockIndex(index),
			},
			owner: owner,
			next:  next,
		}
	}
	return records, nil
}

// walkChain follows the linked list of block records starting at `start`.
// Every record must belong to `owner`. If `exact` is set, the chain must be
// exactly `count` records long; otherwise `count` is only an upper bound.
// A chain that revisits a record is corrupt.
func (p *asciiPersister) walkChain(
	start, count uint64, owner int64, exact bool,
) ([]tiledir.BlockInfo, error) {
	describe := fmt.Sprintf("block chain of layer %d", owner)
	if owner < 0 {
		describe = "free block chain"
	}

	if count > uint64(len(p.records)) {
		return nil, errors.Corruptedf(
			"%s claims %d blocks but there are only %d records", describe, count, len(p.records))
	}

	visited := bitmap.New(len(p.records))
	blocks := make([]tiledir.BlockInfo, 0, count)

	for current := start; current != noRecord; {
		if current >= uint64(len(p.records)) {
			return nil, errors.Corruptedf("%s refers to missing record %d", describe, current)
		}
		if visited.Get(int(current)) {
			return nil, errors.Corruptedf("%s loops back to record %d", describe, current)
		}
		visited.Set(int(current), true)

		record := p.records[current]
		if record.owner != owner {
			return nil, errors.Corruptedf(
				"%s includes record %d, which belongs to layer %d", describe, current, record.owner)
		}
		if uint64(len(blocks)) == count {
			return nil, errors.Corruptedf("%s is longer than %d blocks", describe, count)
		}

		blocks = append(blocks, record.block)
		current = record.next
	}

	if exact && uint64(len(blocks)) != count {
		return nil, errors.Corruptedf(
			"%s has %d blocks, expected %d", describe, len(blocks), count)
	}
	return blocks, nil
}

func (p *asciiPersister) loader(info tiledir.BlockLayerInfo, owner int64) func() ([]tiledir.BlockInfo, error) {
	return func() ([]tiledir.BlockInfo, error) {
		start := uint64(info.StartBlock)
		if info.StartBlock == noStart {
			start = noRecord
		}
		return p.walkChain(start, uint64(info.BlockCount), owner, true)
	}
}

func parseASCIILayerRecord(raw []byte) (tiledir.BlockLayerInfo, error) {
	layerType, err := parseCount(raw[0:4], math.MaxUint16)
	if err != nil {
		return tiledir.BlockLayerInfo{}, err
	}
	start, err := parseIndex(raw[4:12], noRecord)
	if err != nil {
		return tiledir.BlockLayerInfo{}, err
	}
	blockCount, err := parseCount(raw[12:20], math.MaxUint32)
	if err != nil {
		return tiledir.BlockLayerInfo{}, err
	}
	layerSize, err := parseCount(raw[20:32], math.MaxInt64)
	if err != nil {
		return tiledir.BlockLayerInfo{}, err
	}
	if start != noRecord && start >= noStart {
		return tiledir.BlockLayerInfo{}, errors.Corruptedf("start record %d out of range", start)
	}

	return tiledir.BlockLayerInfo{
		Type:       tiledir.LayerType(layerType),
		StartBlock: startField(start),
		BlockCount: uint32(blockCount),
		LayerSize:  layerSize,
	}, nil
}

func formatASCIILayerRecord(raw []byte, info *tiledir.BlockLayerInfo) error {
	err := formatDecimal(raw[0:4], int64(info.Type))
	if err != nil {
		return err
	}
	err = formatIndex(raw[4:12], uint64(info.StartBlock), noStart)
	if err != nil {
		return err
	}
	err = formatDecimal(raw[12:20], int64(info.BlockCount))
	if err != nil {
		return err
	}
	if info.LayerSize > math.MaxInt64 {
		return errors.ErrSizeLimitExceeded.WithMessage(
			fmt.Sprintf("layer size %d doesn't fit in 12 digits", info.LayerSize))
	}
	return formatDecimal(raw[20:32], int64(info.LayerSize))
}

// isBlank reports whether a text field holds nothing but padding.
func isBlank(field []byte) bool {
	for _, c := range field {
		if c != ' ' && c != 0 {
			return false
		}
	}
	return true
}

func parseASCIITileHeader(raw []byte) (*tiledir.TileLayerInfo, error) {
	var dims [4]uint32
	for i := range dims {
		value, err := parseCount(raw[i*8:(i+1)*8], math.MaxUint32)
		if err != nil {
			return nil, err
		}
		dims[i] = uint32(value)
	}

	dataType, err := tiledir.ParseDataType(string(raw[32:36]))
	if err != nil {
		return nil, errors.ErrCorrupted.Wrap(err)
	}

	info := &tiledir.TileLayerInfo{
		Width:       dims[0],
		Height:      dims[1],
		TileWidth:   dims[2],
		TileHeight:  dims[3],
		DataType:    dataType,
		Compression: parseText(raw[54:62]),
	}

	switch raw[36] {
	case '1':
		info.NoDataValid = true
		info.NoDataValue, err = parseFloat(raw[37:54])
		if err != nil {
			return nil, err
		}
	case '0', ' ':
	default:
		return nil, errors.Corruptedf("invalid NoData flag %q", raw[36])
	}
	return info, nil
}

func formatASCIITileHeader(raw []byte, info *tiledir.TileLayerInfo) error {
	for i := range raw {
		raw[i] = ' '
	}

	dims := [4]uint32{info.Width, info.Height, info.TileWidth, info.TileHeight}
	for i, value := range dims {
		err := formatDecimal(raw[i*8:(i+1)*8], int64(value))
		if err != nil {
			return err
		}
	}

	err := formatText(raw[32:36], info.DataType.String())
	if err != nil {
		return err
	}

	if info.NoDataValid {
		raw[36] = '1'
		err = formatFloat(raw[37:54], info.NoDataValue)
		if err != nil {
			return err
		}
	} else {
		raw[36] = '0'
	}
	return formatText(raw[54:62], info.Compression)
}

func (p *asciiPersister) save(validTag uint16, blocksModified bool) error {
	if !blocksModified && p.subversion >= 1 {
		canSkip, err := p.tableUnchanged()
		if err != nil {
			return err
		}
		if canSkip {
			return p.savePartial(validTag)
		}
	}
	return p.saveFull(validTag)
}

// tableUnchanged checks the on-disk header to confirm the block table there
// still matches memory, so that only the header and layer section need to be
// rewritten.
func (p *asciiPersister) tableUnchanged() (bool, error) {
	dir := p.dir

	header := make([]byte, headerSize)
	err := dir.file.ReadFromSegment(dir.segment, header, 0)
	if err != nil {
		return false, errors.Cast(err)
	}
	counts, err := parseASCIICounts(header)
	if err != nil {
		return false, err
	}

	recordCount := uint64(dir.freeInfo.BlockCount)
	for _, entry := range dir.layers {
		recordCount += uint64(entry.info.BlockCount)
	}

	return counts.layerCount == uint64(len(dir.layers)) && counts.recordCount == recordCount, nil
}

// buildHeader fills in a complete header and layer section.
func (p *asciiPersister) buildHeader(raw []byte, validTag uint16, recordCount uint64) error {
	dir := p.dir

	for i := 0; i < headerSize; i++ {
		raw[i] = ' '
	}
	writeCommonHeader(raw, dir.byteOrder, validTag)

	err := formatDecimal(raw[asciiLayerCountField:asciiRecordCountField], int64(len(dir.layers)))
	if err != nil {
		return err
	}
	err = formatDecimal(raw[asciiRecordCountField:asciiFirstFreeField], int64(recordCount))
	if err != nil {
		return err
	}
	err = formatIndex(
		raw[asciiFirstFreeField:asciiBlockSizeField], uint64(dir.freeInfo.StartBlock), noStart)
	if err != nil {
		return err
	}
	err = formatDecimal(raw[asciiBlockSizeField:asciiFieldEnd], int64(dir.blockSize))
	if err != nil {
		return err
	}
	copy(raw[asciiSubversionOffset:], asciiSubversionTag)

	for i, entry := range dir.layers {
		section := raw[headerSize+i*asciiLayerEntrySize : headerSize+(i+1)*asciiLayerEntrySize]
		err = formatASCIILayerRecord(section[:asciiLayerRecordSize], &entry.info)
		if err != nil {
			return err
		}

		tileHeader := section[asciiLayerRecordSize:]
		if entry.tiles != nil {
			err = formatASCIITileHeader(tileHeader, &entry.tileInfo)
			if err != nil {
				return err
			}
		} else {
			for j := range tileHeader {
				tileHeader[j] = ' '
			}
		}
	}
	return nil
}

func (p *asciiPersister) savePartial(validTag uint16) error {
	dir := p.dir

	recordCount := uint64(dir.freeInfo.BlockCount)
	for _, entry := range dir.layers {
		recordCount += uint64(entry.info.BlockCount)
	}

	raw := make([]byte, headerSize+len(dir.layers)*asciiLayerEntrySize)
	err := p.buildHeader(raw, validTag, recordCount)
	if err != nil {
		return err
	}

	err = dir.file.WriteToSegment(dir.segment, raw, 0)
	return errors.Cast(err)
}

// saveFull rewrites the whole directory. Block records are renumbered so each
// layer's chain occupies consecutive records, in layer order, with the free
// chain last.
func (p *asciiPersister) saveFull(validTag uint16) error {
	dir := p.dir

	layerBlocks, freeBlocks, err := dir.allBlocks()
	if err != nil {
		return err
	}

	recordCount := uint64(len(freeBlocks))
	for _, blocks := range layerBlocks {
		recordCount += uint64(len(blocks))
	}
	if recordCount >= noStart {
		return errors.ErrSizeLimitExceeded.WithMessage(
			fmt.Sprintf("%d block records is too many", recordCount))
	}

	// Work out the new start records before touching anything, so a failure
	// leaves the in-memory state alone.
	starts := make([]uint32, len(layerBlocks)+1)
	nextRecord := uint32(0)
	for i, blocks := range append(layerBlocks, freeBlocks) {
		starts[i] = noStart
		if len(blocks) > 0 {
			starts[i] = nextRecord
		}
		nextRecord += uint32(len(blocks))
	}

	tableStart := uint64(headerSize + len(dir.layers)*asciiLayerEntrySize)
	raw := make([]byte, tableStart+recordCount*asciiBlockRecordSize)

	oldStarts := make([]uint32, len(dir.layers)+1)
	for i, entry := range dir.layers {
		oldStarts[i] = entry.info.StartBlock
		entry.info.StartBlock = starts[i]
	}
	oldStarts[len(dir.layers)] = dir.freeInfo.StartBlock
	dir.freeInfo.StartBlock = starts[len(dir.layers)]

	restore := func() {
		for i, entry := range dir.layers {
			entry.info.StartBlock = oldStarts[i]
		}
		dir.freeInfo.StartBlock = oldStarts[len(dir.layers)]
	}

	err = p.buildHeader(raw, validTag, recordCount)
	if err != nil {
		restore()
		return err
	}

	record := uint64(0)
	for i, blocks := range append(layerBlocks, freeBlocks) {
		owner := int64(i)
		if i == len(layerBlocks) {
			owner = -1
		}

		for j, block := range blocks {
			next := record + 1
			if j == len(blocks)-1 {
				next = noRecord
			}

			entry := raw[tableStart+record*asciiBlockRecordSize : tableStart+(record+1)*asciiBlockRecordSize]
			err = formatBlockRecord(entry, block, owner, next)
			if err != nil {
				restore()
				return err
			}
			record++
		}
	}

	err = dir.ensureSegmentSize(uint64(len(raw)))
	if err == nil {
		err = errors.Cast(dir.file.WriteToSegment(dir.segment, raw, 0))
	}
	if err != nil {
		restore()
		return err
	}

	p.subversion = 1
	p.records = nil
	return nil
}

func formatBlockRecord(raw []byte, block tiledir.BlockInfo, owner int64, next uint64) error {
	segment := uint64(block.Segment)
	index := uint64(block.Index)
	if !block.IsValid() {
		segment = uint64(tiledir.InvalidSegment)
		index = uint64(tiledir.InvalidBlock)
	}

	err := formatIndex(raw[0:4], segment, uint64(tiledir.InvalidSegment))
	if err != nil {
		return err
	}
	err = formatIndex(raw[4:12], index, uint64(tiledir.InvalidBlock))
	if err != nil {
		return err
	}
	err = formatDecimal(raw[12:20], owner)
	if err != nil {
		return err
	}
	return formatIndex(raw[20:28], next, noRecord)
}
