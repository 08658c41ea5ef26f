package testing

import (
	"sync"
	"testing"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/errors"
	"github.com/dargueta/tiledir/segment"
	"github.com/stretchr/testify/require"
)

// CountingFile wraps a SegmentFile and counts the I/O calls made through it.
type CountingFile struct {
	tiledir.SegmentFile
	lock    sync.Mutex
	Reads   int
	Writes  int
	Extends int
	// BytesWritten is the total size of every write.
	BytesWritten uint64
}

func NewCountingFile(file tiledir.SegmentFile) *CountingFile {
	return &CountingFile{SegmentFile: file}
}

func (file *CountingFile) ReadFromSegment(
	segment tiledir.SegmentID, buffer []byte, offset uint64,
) error {
	file.lock.Lock()
	file.Reads++
	file.lock.Unlock()
	return file.SegmentFile.ReadFromSegment(segment, buffer, offset)
}

func (file *CountingFile) WriteToSegment(
	segment tiledir.SegmentID, buffer []byte, offset uint64,
) error {
	file.lock.Lock()
	file.Writes++
	file.BytesWritten += uint64(len(buffer))
	file.lock.Unlock()
	return file.SegmentFile.WriteToSegment(segment, buffer, offset)
}

func (file *CountingFile) ExtendOrCreateNamedSegment(
	name, description string, additional uint64,
) (tiledir.SegmentID, error) {
	file.lock.Lock()
	file.Extends++
	file.lock.Unlock()
	return file.SegmentFile.ExtendOrCreateNamedSegment(name, description, additional)
}

// Reset zeroes all counters.
func (file *CountingFile) Reset() {
	file.lock.Lock()
	defer file.lock.Unlock()
	file.Reads = 0
	file.Writes = 0
	file.Extends = 0
	file.BytesWritten = 0
}

// FaultyFile wraps a SegmentFile and fails writes on demand.
type FaultyFile struct {
	tiledir.SegmentFile
	FailWrites bool
}

func (file *FaultyFile) WriteToSegment(
	segment tiledir.SegmentID, buffer []byte, offset uint64,
) error {
	if file.FailWrites {
		return errors.ErrIOFailed.WithMessage("injected write failure")
	}
	return file.SegmentFile.WriteToSegment(segment, buffer, offset)
}

// FakeDirectory is a minimal stand-in for a block directory, for testing
// block layers without any persistence. Its free pool is a plain stack that
// grows one block at a time.
type FakeDirectory struct {
	BlockSizeBytes uint32
	Segment        tiledir.SegmentID
	Backing        tiledir.SegmentFile
	FreeBlocks     []tiledir.BlockInfo
	// Created is the total number of blocks ever created in the data segment.
	Created       int
	Modified      bool
	BlocksChanged bool
}

// NewFakeDirectory creates a FakeDirectory on top of a fresh in-memory
// segment file. It fails the test if the data segment can't be created.
func NewFakeDirectory(t *testing.T, blockSize uint32) *FakeDirectory {
	file := segment.NewMemoryFile()
	seg, err := file.ExtendOrCreateNamedSegment("TestData", "test data", 0)
	require.NoError(t, err, "failed to create data segment")

	return &FakeDirectory{
		BlockSizeBytes: blockSize,
		Segment:        seg,
		Backing:        file,
	}
}

func (dir *FakeDirectory) BlockSize() uint32 {
	return dir.BlockSizeBytes
}

func (dir *FakeDirectory) File() tiledir.SegmentFile {
	return dir.Backing
}

func (dir *FakeDirectory) GetFreeBlock() (tiledir.BlockInfo, error) {
	if len(dir.FreeBlocks) > 0 {
		last := len(dir.FreeBlocks) - 1
		block := dir.FreeBlocks[last]
		dir.FreeBlocks = dir.FreeBlocks[:last]
		return block, nil
	}

	_, err := dir.Backing.ExtendOrCreateNamedSegment("TestData", "", uint64(dir.BlockSizeBytes))
	if err != nil {
		return tiledir.InvalidBlockInfo, errors.Cast(err)
	}
	block := tiledir.BlockInfo{Segment: dir.Segment, Index: tiledir.BlockIndex(dir.Created)}
	dir.Created++
	return block, nil
}

func (dir *FakeDirectory) AddFreeBlocks(blocks []tiledir.BlockInfo) error {
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].IsValid() {
			dir.FreeBlocks = append(dir.FreeBlocks, blocks[i])
		}
	}
	return nil
}

func (dir *FakeDirectory) MarkModified(blocksChanged bool) {
	dir.Modified = true
	dir.BlocksChanged = dir.BlocksChanged || blocksChanged
}
