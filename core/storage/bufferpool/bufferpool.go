// Package bufferpool implements a fixed-capacity page cache over a single
// pagedfile.File with CLOCK (second-chance) replacement and a pin-count
// discipline. A Pool is owned by one worker; the index layers above it are
// instantiated one per thread, so no locking happens here.
package bufferpool

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sfu-dis/ssd-vs-pm/core/storage/pagedfile"
)

var (
	ErrInvalidPageID = errors.New("invalid page id")
	ErrPoolExhausted = errors.New("buffer pool exhausted: all frames pinned")
)

// AccessMode describes the caller's intent when pinning a page. Pinning in
// WriteMode does not mark the frame dirty; callers must MarkDirty after
// mutating the frame bytes.
type AccessMode uint16

const (
	ReadMode AccessMode = iota
	WriteMode
)

// FrameID indexes a frame inside a Pool.
type FrameID uint32

const maxFrames = 1 << 24

type frameMeta struct {
	pageNum   pagedfile.PageNum
	pinCount  uint32
	clockUsed uint8
	dirty     bool
	valid     bool
}

// Metrics counts pool traffic, registered under the bufferpool_ namespace.
type Metrics struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
}

// NewMetrics builds and registers the counter set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferpool", Name: "hits_total",
			Help: "Pins served from a resident frame.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferpool", Name: "misses_total",
			Help: "Pins that loaded the page from disk.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferpool", Name: "evictions_total",
			Help: "Victim frames recycled by the CLOCK hand.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.Evictions)
	}
	return m
}

// Pool caches up to n page frames of one file.
type Pool struct {
	file    *pagedfile.File
	n       uint32
	metas   []frameMeta
	frames  []byte // n * PageSize, aligned for direct I/O
	table   map[pagedfile.PageNum]FrameID
	hand    uint32
	metrics *Metrics
	logger  *zap.Logger
}

// New creates a pool with capacity frames bound to file. Capacity is capped
// at 2^24 frames.
func New(file *pagedfile.File, capacity uint32, logger *zap.Logger) (*Pool, error) {
	if capacity == 0 || capacity > maxFrames {
		return nil, fmt.Errorf("buffer pool capacity %d out of range [1, %d]", capacity, maxFrames)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		file:   file,
		n:      capacity,
		metas:  make([]frameMeta, capacity),
		frames: pagedfile.AlignedBuffer(int(capacity) * pagedfile.PageSize),
		table:  make(map[pagedfile.PageNum]FrameID, capacity),
		logger: logger,
	}, nil
}

// SetMetrics attaches traffic counters to the pool.
func (p *Pool) SetMetrics(m *Metrics) { p.metrics = m }

// File returns the backing file.
func (p *Pool) File() *pagedfile.File { return p.file }

// FrameData returns the page image held by a frame. The slice aliases the
// pool's memory and is valid while the frame stays pinned.
func (p *Pool) FrameData(id FrameID) []byte {
	off := int(id) * pagedfile.PageSize
	return p.frames[off : off+pagedfile.PageSize : off+pagedfile.PageSize]
}

// PinPage brings the page into the pool (if absent), pins it, marks it
// recently used, and returns its frame. The caller must balance every
// successful PinPage with an UnpinPage.
func (p *Pool) PinPage(id pagedfile.PageID, mode AccessMode) (FrameID, []byte, error) {
	if !id.Valid() {
		return 0, nil, ErrInvalidPageID
	}
	if id.FileID() != p.file.ID() {
		return 0, nil, fmt.Errorf("%w: page belongs to file %d, pool serves file %d",
			ErrInvalidPageID, id.FileID(), p.file.ID())
	}
	num := id.PageNum()
	_ = mode // write intent does not imply dirty; callers MarkDirty explicitly

	if fid, ok := p.table[num]; ok {
		p.metas[fid].pinCount++
		p.metas[fid].clockUsed = 1
		if p.metrics != nil {
			p.metrics.Hits.Inc()
		}
		return fid, p.FrameData(fid), nil
	}

	fid, err := p.victimFrame()
	if err != nil {
		return 0, nil, err
	}
	m := &p.metas[fid]
	if m.valid {
		if m.dirty {
			if err := p.file.WritePage(m.pageNum, p.FrameData(fid)); err != nil {
				return 0, nil, fmt.Errorf("flushing victim page %d: %w", m.pageNum, err)
			}
		}
		delete(p.table, m.pageNum)
		if p.metrics != nil {
			p.metrics.Evictions.Inc()
		}
	}

	if err := p.file.ReadPage(num, p.FrameData(fid)); err != nil {
		m.valid = false
		return 0, nil, err
	}
	m.pageNum = num
	m.pinCount = 1
	m.clockUsed = 1
	m.dirty = false
	m.valid = true
	p.table[num] = fid
	if p.metrics != nil {
		p.metrics.Misses.Inc()
	}
	return fid, p.FrameData(fid), nil
}

// victimFrame runs the CLOCK hand: while the frame under the hand is pinned
// or recently used, clear its use bit (if unpinned) and advance. The hand
// stays on the victim, so the refilled frame gets a full second chance.
// Terminates as long as at least one frame is unpinned; two full sweeps
// without a candidate means every frame is pinned, which is the caller's bug.
func (p *Pool) victimFrame() (FrameID, error) {
	for steps := uint32(0); steps <= 2*p.n; steps++ {
		m := &p.metas[p.hand]
		if m.pinCount == 0 && m.clockUsed == 0 {
			return FrameID(p.hand), nil
		}
		if m.pinCount == 0 {
			m.clockUsed--
		}
		p.hand = (p.hand + 1) % p.n
	}
	return 0, ErrPoolExhausted
}

// UnpinPage releases one pin on the frame.
func (p *Pool) UnpinPage(id FrameID) {
	m := &p.metas[id]
	if m.pinCount == 0 {
		p.logger.Error("unpin of frame with zero pin count", zap.Uint32("frame", uint32(id)))
		return
	}
	m.pinCount--
}

// MarkDirty flags the frame's page for write-back.
func (p *Pool) MarkDirty(id FrameID) {
	p.metas[id].dirty = true
}

// FreePage drops the frame's mapping and returns the underlying page number
// to the file's free list. The caller must hold the only pin.
func (p *Pool) FreePage(id FrameID) error {
	m := &p.metas[id]
	if m.pinCount != 1 {
		return fmt.Errorf("freeing frame %d with pin count %d", id, m.pinCount)
	}
	delete(p.table, m.pageNum)
	if err := p.file.FreePage(m.pageNum); err != nil {
		return err
	}
	*m = frameMeta{}
	return nil
}

// FlushAll writes back every dirty frame and syncs the file.
func (p *Pool) FlushAll() error {
	for i := range p.metas {
		m := &p.metas[i]
		if m.valid && m.dirty {
			if err := p.file.WritePage(m.pageNum, p.FrameData(FrameID(i))); err != nil {
				return fmt.Errorf("flushing page %d: %w", m.pageNum, err)
			}
			m.dirty = false
		}
	}
	return p.file.Flush()
}

// Finalize flushes all dirty frames and drops the pool's memory. The pool
// must not be used afterwards.
func (p *Pool) Finalize() error {
	err := p.FlushAll()
	p.frames = nil
	p.metas = nil
	p.table = nil
	return err
}

// frameFor is a test hook: it reports which frame currently holds a page.
func (p *Pool) frameFor(num pagedfile.PageNum) (FrameID, bool) {
	fid, ok := p.table[num]
	return fid, ok
}
