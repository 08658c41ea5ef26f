// Package segment provides reference implementations of [tiledir.SegmentFile].
//
// The container file format itself is outside the scope of this module, so
// these are deliberately simple: [MemoryFile] keeps every segment in memory
// and is meant for tests, and [DirFile] stores each segment as a separate OS
// file inside a directory.

package segment

import (
	"fmt"
	"io"
	"sync"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/errors"
	"github.com/xaionaro-go/bytesextra"
)

type memorySegment struct {
	name        string
	description string
	data        []byte
}

// MemoryFile is a segment file that lives entirely in memory. Segment IDs
// begin at 1.
type MemoryFile struct {
	lock     sync.Mutex
	segments []*memorySegment
}

func NewMemoryFile() *MemoryFile {
	return &MemoryFile{}
}

func (file *MemoryFile) getSegment(segment tiledir.SegmentID) (*memorySegment, error) {
	if segment == 0 || int(segment) > len(file.segments) {
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("no such segment: %d not in [1, %d]", segment, len(file.segments)))
	}
	return file.segments[segment-1], nil
}

// stream wraps the segment's bytes in a seekable stream positioned at
// `offset`, after checking that `size` bytes can be accessed there.
func (file *MemoryFile) stream(
	segment tiledir.SegmentID, offset, size uint64,
) (io.ReadWriteSeeker, error) {
	seg, err := file.getSegment(segment)
	if err != nil {
		return nil, err
	}

	if offset+size < offset || offset+size > uint64(len(seg.data)) {
		return nil, errors.ErrIOFailed.WithMessage(
			fmt.Sprintf(
				"can't access %d bytes at offset %d of segment %d (%q): segment is %d bytes",
				size,
				offset,
				segment,
				seg.name,
				len(seg.data),
			),
		)
	}

	stream := bytesextra.NewReadWriteSeeker(seg.data)
	_, err = stream.Seek(int64(offset), io.SeekStart)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	return stream, nil
}

func (file *MemoryFile) ReadFromSegment(
	segment tiledir.SegmentID, buffer []byte, offset uint64,
) error {
	file.lock.Lock()
	defer file.lock.Unlock()

	stream, err := file.stream(segment, offset, uint64(len(buffer)))
	if err != nil {
		return err
	}

	_, err = io.ReadFull(stream, buffer)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (file *MemoryFile) WriteToSegment(
	segment tiledir.SegmentID, buffer []byte, offset uint64,
) error {
	file.lock.Lock()
	defer file.lock.Unlock()

	stream, err := file.stream(segment, offset, uint64(len(buffer)))
	if err != nil {
		return err
	}

	n, err := stream.Write(buffer)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	} else if n != len(buffer) {
		return errors.ErrIOFailed.WithMessage(
			fmt.Sprintf("short write: expected %d bytes, wrote %d", len(buffer), n))
	}
	return nil
}

func (file *MemoryFile) ExtendOrCreateNamedSegment(
	name, description string, additional uint64,
) (tiledir.SegmentID, error) {
	file.lock.Lock()
	defer file.lock.Unlock()

	for i, seg := range file.segments {
		if seg.name == name {
			newData := make([]byte, uint64(len(seg.data))+additional)
			copy(newData, seg.data)
			seg.data = newData
			return tiledir.SegmentID(i + 1), nil
		}
	}

	if len(file.segments) >= int(tiledir.InvalidSegment)-1 {
		return tiledir.InvalidSegment, errors.ErrSizeLimitExceeded.WithMessage(
			"too many segments")
	}

	file.segments = append(
		file.segments,
		&memorySegment{
			name:        name,
			description: description,
			data:        make([]byte, additional),
		},
	)
	return tiledir.SegmentID(len(file.segments)), nil
}

func (file *MemoryFile) SegmentSize(segment tiledir.SegmentID) (uint64, error) {
	file.lock.Lock()
	defer file.lock.Unlock()

	seg, err := file.getSegment(segment)
	if err != nil {
		return 0, err
	}
	return uint64(len(seg.data)), nil
}

func (file *MemoryFile) IsOffsetRangeValid(segment tiledir.SegmentID, offset, size uint64) bool {
	segmentSize, err := file.SegmentSize(segment)
	if err != nil {
		return false
	}
	return offset+size >= offset && offset+size <= segmentSize
}

func (file *MemoryFile) TotalSize() uint64 {
	file.lock.Lock()
	defer file.lock.Unlock()

	total := uint64(0)
	for _, seg := range file.segments {
		total += uint64(len(seg.data))
	}
	return total
}

// FindSegment returns the ID of the segment with the given name.
func (file *MemoryFile) FindSegment(name string) (tiledir.SegmentID, bool) {
	file.lock.Lock()
	defer file.lock.Unlock()

	for i, seg := range file.segments {
		if seg.name == name {
			return tiledir.SegmentID(i + 1), true
		}
	}
	return tiledir.InvalidSegment, false
}

// Bytes returns the live contents of a segment. Modifying the slice modifies
// the segment; tests use this to simulate corruption.
func (file *MemoryFile) Bytes(segment tiledir.SegmentID) ([]byte, error) {
	file.lock.Lock()
	defer file.lock.Unlock()

	seg, err := file.getSegment(segment)
	if err != nil {
		return nil, err
	}
	return seg.data, nil
}
