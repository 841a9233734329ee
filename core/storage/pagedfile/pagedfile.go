// Package pagedfile implements fixed-size-page I/O over a raw file or block
// device. The first page is a persisted header whose first 8 bytes hold the
// head of the in-file free-page list and whose next 8 bytes hold the highest
// page number ever allocated. A third 8-byte field is left to the owning
// index (the hash table stores its bucket count there).
package pagedfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// PageSize is the fixed unit of I/O.
	PageSize = 4096

	// Alignment is the device block alignment required for direct I/O.
	Alignment = 512

	// ExpandChunk is the growth granularity when the file runs out of
	// preallocated space. Must be a multiple of PageSize.
	ExpandChunk = 1024 * PageSize

	headerFreeListOff = 0
	headerHighestOff  = 8
	headerUserOff     = 16
)

var (
	ErrIO        = errors.New("i/o error")
	ErrShortIO   = errors.New("short page read/write")
	ErrPageRange = errors.New("page number out of range")
)

// Config controls how a File is opened.
type Config struct {
	// DirectIO opens the file with O_DIRECT. Requires AlignedBuffer for all
	// page buffers. Disable for filesystems without O_DIRECT support (tmpfs).
	DirectIO bool
	// SyncOnWrite issues an fsync after every WritePage.
	SyncOnWrite bool
	// InitialSize preallocates the file to this many bytes on creation.
	InitialSize int64
	// Truncate discards any existing contents.
	Truncate bool
}

// File is a block-addressed page file. A File is owned by a single worker;
// methods are not safe for concurrent use.
type File struct {
	path   string
	fd     int
	id     FileID
	cfg    Config
	logger *zap.Logger

	header []byte // in-memory image of page 0, aligned
	flen   int64  // currently allocated file length in bytes
	empty  bool
}

// AlignedBuffer returns a buffer of n bytes whose base address is aligned to
// the device block size, as required by direct I/O.
func AlignedBuffer(n int) []byte {
	buf := make([]byte, n+Alignment)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&buf[0])) & (Alignment - 1)); rem != 0 {
		off = Alignment - rem
	}
	return buf[off : off+n : off+n]
}

// Open opens or creates a page file. A fresh or truncated file gets a zeroed
// header page and is preallocated to cfg.InitialSize.
func Open(path string, id FileID, cfg Config, logger *zap.Logger) (*File, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	flags := unix.O_CREAT | unix.O_RDWR
	if cfg.DirectIO {
		flags |= unix.O_DIRECT
	}
	if cfg.Truncate {
		flags |= unix.O_TRUNC
	}
	fd, err := unix.Open(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}

	f := &File{
		path:   path,
		fd:     fd,
		id:     id,
		cfg:    cfg,
		logger: logger.With(zap.String("file", path)),
		header: AlignedBuffer(PageSize),
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}

	if st.Size < PageSize {
		// New (or truncated) file: persist a zero header page first.
		f.empty = true
		if err := f.writeHeader(); err != nil {
			unix.Close(fd)
			return nil, err
		}
		f.flen = PageSize
	} else {
		n, err := unix.Pread(fd, f.header, 0)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("%w: reading header of %s: %v", ErrIO, path, err)
		}
		if n != PageSize {
			unix.Close(fd)
			return nil, fmt.Errorf("%w: header of %s: got %d bytes", ErrShortIO, path, n)
		}
		f.empty = false
		f.flen = st.Size
	}

	if cfg.InitialSize > 0 {
		if cfg.InitialSize%PageSize != 0 {
			unix.Close(fd)
			return nil, fmt.Errorf("initial size %d is not a multiple of the page size", cfg.InitialSize)
		}
		if err := unix.Fallocate(fd, 0, 0, cfg.InitialSize); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("%w: preallocating %s: %v", ErrIO, path, err)
		}
		if cfg.InitialSize > f.flen {
			f.flen = cfg.InitialSize
		}
	}
	return f, nil
}

// ID returns the file id used when packing PageIDs for this file.
func (f *File) ID() FileID { return f.id }

// Empty reports whether the file was freshly created or truncated at Open.
func (f *File) Empty() bool { return f.empty }

// freeListHead and highestAllocated live in the cached header image.
func (f *File) freeListHead() PageNum {
	return PageNum(binary.LittleEndian.Uint64(f.header[headerFreeListOff:]))
}

func (f *File) setFreeListHead(n PageNum) {
	binary.LittleEndian.PutUint64(f.header[headerFreeListOff:], uint64(n))
}

// HighestAllocated returns the highest page number ever handed out. Allocated
// pages occupy the contiguous range [1, HighestAllocated].
func (f *File) HighestAllocated() PageNum {
	return PageNum(binary.LittleEndian.Uint64(f.header[headerHighestOff:]))
}

func (f *File) setHighestAllocated(n PageNum) {
	binary.LittleEndian.PutUint64(f.header[headerHighestOff:], uint64(n))
}

// UserField returns the owner-defined third header field.
func (f *File) UserField() uint64 {
	return binary.LittleEndian.Uint64(f.header[headerUserOff:])
}

// SetUserField updates the owner-defined third header field in the cached
// header image. The field reaches disk on the next Flush (or Close).
func (f *File) SetUserField(v uint64) {
	binary.LittleEndian.PutUint64(f.header[headerUserOff:], v)
}

// writeHeader writes the cached header image atomically to offset 0.
func (f *File) writeHeader() error {
	n, err := unix.Pwrite(f.fd, f.header, 0)
	if err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrIO, err)
	}
	if n != PageSize {
		return fmt.Errorf("%w: header write returned %d", ErrShortIO, n)
	}
	return nil
}

// ReadPage reads page num into buf. buf must be PageSize bytes and, with
// direct I/O, must come from AlignedBuffer. Reading a page that has been
// allocated but never written yields zeroes.
func (f *File) ReadPage(num PageNum, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("page buffer size %d != %d", len(buf), PageSize)
	}
	n, err := unix.Pread(f.fd, buf, int64(num)*PageSize)
	if err != nil {
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, num, err)
	}
	if n == 0 {
		// Past EOF inside the preallocated range: the page was never written.
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	if n != PageSize {
		return fmt.Errorf("%w: page %d read returned %d", ErrShortIO, num, n)
	}
	return nil
}

// WritePage writes buf to page num. Syncs only if SyncOnWrite is configured;
// durability is otherwise the buffer pool's business.
func (f *File) WritePage(num PageNum, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("page buffer size %d != %d", len(buf), PageSize)
	}
	n, err := unix.Pwrite(f.fd, buf, int64(num)*PageSize)
	if err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, num, err)
	}
	if n != PageSize {
		return fmt.Errorf("%w: page %d write returned %d", ErrShortIO, num, n)
	}
	if end := (int64(num) + 1) * PageSize; end > f.flen {
		f.flen = end
	}
	if f.cfg.SyncOnWrite {
		return f.fsync()
	}
	return nil
}

// AllocatePage returns a page number that is safe to write. It pops the
// in-file free list if non-empty; otherwise it extends the file logically,
// growing the underlying allocation in ExpandChunk increments. The returned
// page is not guaranteed to be zeroed.
func (f *File) AllocatePage() (PageNum, error) {
	if head := f.freeListHead(); head != 0 {
		buf := AlignedBuffer(PageSize)
		if err := f.ReadPage(head, buf); err != nil {
			return 0, err
		}
		next := PageNum(binary.LittleEndian.Uint64(buf))
		f.setFreeListHead(next)
		return head, nil
	}

	highest := f.HighestAllocated()
	if highest >= MaxPageNum {
		return 0, fmt.Errorf("%w: file is at its %d-page limit", ErrPageRange, MaxPageNum)
	}
	if int64(highest+1) >= f.flen/PageSize {
		if err := unix.Fallocate(f.fd, 0, f.flen, ExpandChunk); err != nil {
			return 0, fmt.Errorf("%w: growing file: %v", ErrIO, err)
		}
		f.flen += ExpandChunk
	}
	highest++
	f.setHighestAllocated(highest)
	return highest, nil
}

// FreePage links the page onto the in-file free list. The old head is written
// into the freed page's first 8 bytes; the header is updated in memory and
// persisted on the next Flush.
func (f *File) FreePage(num PageNum) error {
	buf := AlignedBuffer(PageSize)
	binary.LittleEndian.PutUint64(buf, uint64(f.freeListHead()))
	if err := f.WritePage(num, buf); err != nil {
		return err
	}
	f.setFreeListHead(num)
	return nil
}

// TruncPage zeroes a page on disk.
func (f *File) TruncPage(num PageNum) error {
	return f.WritePage(num, AlignedBuffer(PageSize))
}

// Flush persists the header page and syncs the file.
func (f *File) Flush() error {
	if err := f.writeHeader(); err != nil {
		return err
	}
	return f.fsync()
}

func (f *File) fsync() error {
	if err := unix.Fsync(f.fd); err != nil {
		return fmt.Errorf("%w: fsync: %v", ErrIO, err)
	}
	return nil
}

// Close flushes the header and closes the descriptor.
func (f *File) Close() error {
	if f.fd < 0 {
		return nil
	}
	flushErr := f.Flush()
	closeErr := unix.Close(f.fd)
	f.fd = -1
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("%w: close: %v", ErrIO, closeErr)
	}
	return nil
}
