package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/errors"
	"github.com/hashicorp/go-multierror"
)

// Truncator is an interface for objects that support a Truncate() method. This
// method must behave just like [os.File.Truncate].
type Truncator interface {
	Truncate(size int64) error
}

type backingFile interface {
	Truncator
	ReadAt(buffer []byte, offset int64) (int, error)
	WriteAt(buffer []byte, offset int64) (int, error)
	Close() error
}

type fileSegment struct {
	name   string
	size   uint64
	handle backingFile
}

// DirFile is a segment file stored as a directory on disk, where each segment
// is a separate file named "NNNN-name.seg". Segment IDs begin at 1.
type DirFile struct {
	lock     sync.Mutex
	path     string
	segments map[tiledir.SegmentID]*fileSegment
	nextID   tiledir.SegmentID
}

func segmentFileName(id tiledir.SegmentID, name string) string {
	return fmt.Sprintf("%04d-%s.seg", id, name)
}

// parseSegmentFileName splits a segment file name into its ID and segment
// name. `ok` is false if the file isn't a segment file.
func parseSegmentFileName(fileName string) (id tiledir.SegmentID, name string, ok bool) {
	if !strings.HasSuffix(fileName, ".seg") {
		return 0, "", false
	}

	idPart, name, found := strings.Cut(strings.TrimSuffix(fileName, ".seg"), "-")
	if !found {
		return 0, "", false
	}

	rawID, err := strconv.ParseUint(idPart, 10, 16)
	if err != nil || rawID == 0 || rawID >= uint64(tiledir.InvalidSegment) {
		return 0, "", false
	}
	return tiledir.SegmentID(rawID), name, true
}

// OpenDirFile opens the segment directory at `path`. If `create` is true the
// directory is created if it doesn't exist.
func OpenDirFile(path string, create bool) (*DirFile, error) {
	if create {
		err := os.MkdirAll(path, 0o755)
		if err != nil {
			return nil, errors.ErrIOFailed.Wrap(err)
		}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	dirFile := &DirFile{
		path:     path,
		segments: make(map[tiledir.SegmentID]*fileSegment, len(entries)),
		nextID:   1,
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, name, ok := parseSegmentFileName(entry.Name())
		if !ok {
			continue
		}

		handle, err := os.OpenFile(filepath.Join(path, entry.Name()), os.O_RDWR, 0)
		if err != nil {
			dirFile.Close()
			return nil, errors.ErrIOFailed.Wrap(err)
		}

		stat, err := handle.Stat()
		if err != nil {
			handle.Close()
			dirFile.Close()
			return nil, errors.ErrIOFailed.Wrap(err)
		}

		dirFile.segments[id] = &fileSegment{
			name:   name,
			size:   uint64(stat.Size()),
			handle: handle,
		}
		if id >= dirFile.nextID {
			dirFile.nextID = id + 1
		}
	}
	return dirFile, nil
}

func (file *DirFile) getSegment(segment tiledir.SegmentID) (*fileSegment, error) {
	seg, ok := file.segments[segment]
	if !ok {
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("no such segment: %d", segment))
	}
	return seg, nil
}

func (file *DirFile) checkRange(segment tiledir.SegmentID, offset, size uint64) (*fileSegment, error) {
	seg, err := file.getSegment(segment)
	if err != nil {
		return nil, err
	}
	if offset+size < offset || offset+size > seg.size {
		return nil, errors.ErrIOFailed.WithMessage(
			fmt.Sprintf(
				"can't access %d bytes at offset %d of segment %d (%q): segment is %d bytes",
				size,
				offset,
				segment,
				seg.name,
				seg.size,
			),
		)
	}
	return seg, nil
}

func (file *DirFile) ReadFromSegment(
	segment tiledir.SegmentID, buffer []byte, offset uint64,
) error {
	file.lock.Lock()
	defer file.lock.Unlock()

	seg, err := file.checkRange(segment, offset, uint64(len(buffer)))
	if err != nil {
		return err
	}

	n, err := seg.handle.ReadAt(buffer, int64(offset))
	if n != len(buffer) {
		if err == nil {
			err = fmt.Errorf("short read: expected %d bytes, got %d", len(buffer), n)
		}
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (file *DirFile) WriteToSegment(
	segment tiledir.SegmentID, buffer []byte, offset uint64,
) error {
	file.lock.Lock()
	defer file.lock.Unlock()

	seg, err := file.checkRange(segment, offset, uint64(len(buffer)))
	if err != nil {
		return err
	}

	_, err = seg.handle.WriteAt(buffer, int64(offset))
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (file *DirFile) ExtendOrCreateNamedSegment(
	name, description string, additional uint64,
) (tiledir.SegmentID, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return tiledir.InvalidSegment, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid segment name %q", name))
	}

	file.lock.Lock()
	defer file.lock.Unlock()

	for id, seg := range file.segments {
		if seg.name != name {
			continue
		}
		if additional == 0 {
			return id, nil
		}

		err := seg.handle.Truncate(int64(seg.size + additional))
		if err != nil {
			return tiledir.InvalidSegment, errors.ErrIOFailed.Wrap(err)
		}
		seg.size += additional
		return id, nil
	}

	if file.nextID >= tiledir.InvalidSegment {
		return tiledir.InvalidSegment, errors.ErrSizeLimitExceeded.WithMessage(
			"too many segments")
	}

	id := file.nextID
	handle, err := os.OpenFile(
		filepath.Join(file.path, segmentFileName(id, name)),
		os.O_RDWR|os.O_CREATE|os.O_EXCL,
		0o644,
	)
	if err != nil {
		return tiledir.InvalidSegment, errors.ErrIOFailed.Wrap(err)
	}

	err = handle.Truncate(int64(additional))
	if err != nil {
		handle.Close()
		return tiledir.InvalidSegment, errors.ErrIOFailed.Wrap(err)
	}

	file.segments[id] = &fileSegment{name: name, size: additional, handle: handle}
	file.nextID++
	return id, nil
}

func (file *DirFile) SegmentSize(segment tiledir.SegmentID) (uint64, error) {
	file.lock.Lock()
	defer file.lock.Unlock()

	seg, err := file.getSegment(segment)
	if err != nil {
		return 0, err
	}
	return seg.size, nil
}

func (file *DirFile) IsOffsetRangeValid(segment tiledir.SegmentID, offset, size uint64) bool {
	file.lock.Lock()
	defer file.lock.Unlock()

	_, err := file.checkRange(segment, offset, size)
	return err == nil
}

func (file *DirFile) TotalSize() uint64 {
	file.lock.Lock()
	defer file.lock.Unlock()

	total := uint64(0)
	for _, seg := range file.segments {
		total += seg.size
	}
	return total
}

// FindSegment returns the ID of the segment with the given name.
func (file *DirFile) FindSegment(name string) (tiledir.SegmentID, bool) {
	file.lock.Lock()
	defer file.lock.Unlock()

	for id, seg := range file.segments {
		if seg.name == name {
			return id, true
		}
	}
	return tiledir.InvalidSegment, false
}

// Close closes every segment file. All segments are closed even if some of
// them fail; the errors are combined.
func (file *DirFile) Close() error {
	file.lock.Lock()
	defer file.lock.Unlock()

	var result error
	for id, seg := range file.segments {
		err := seg.handle.Close()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("segment %d: %w", id, err))
		}
		delete(file.segments, id)
	}

	if result != nil {
		return errors.ErrIOFailed.Wrap(result)
	}
	return nil
}
