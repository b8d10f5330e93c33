package simhc

import (
	"fmt"
	"sync"

	"github.com/hostctl/uhci/hal"
)

// Memory models the controller-visible physical address space. Blocks
// are handed out at fake physical addresses the simulated controller can
// resolve back to Go slices.
type Memory struct {
	mu     sync.Mutex
	next   uint32
	blocks []memBlock
}

type memBlock struct {
	phys  uint32
	bytes []byte
}

func NewMemory() *Memory {
	return &Memory{next: 0x0010_0000}
}

func (m *Memory) AllocBlock(size int) (*hal.MemBlock, error) {
	if size <= 0 {
		return nil, fmt.Errorf("bad block size %d", size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := memBlock{phys: m.next, bytes: make([]byte, size)}
	m.blocks = append(m.blocks, b)
	m.next += uint32((size + 0xFFF) &^ 0xFFF)
	return &hal.MemBlock{Bytes: b.bytes, Phys: b.phys}, nil
}

// At resolves a physical address to backing memory, or nil when the
// range was never allocated.
func (m *Memory) At(phys uint32, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks {
		if phys >= b.phys && int(phys-b.phys)+n <= len(b.bytes) {
			off := phys - b.phys
			return b.bytes[off : int(off)+n]
		}
	}
	return nil
}

// DMA implements hal.DMA on simulated memory. SegmentSize, when set,
// fragments prepared buffers into runs of that many bytes so transfer
// code can be exercised against scattered mappings.
type DMA struct {
	Mem         *Memory
	SegmentSize int
}

func (d *DMA) AllocBlock(size int) (*hal.MemBlock, error) {
	return d.Mem.AllocBlock(size)
}

func (d *DMA) PrepareMapping(buf []byte, dir hal.Direction) (hal.Mapping, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty buffer")
	}
	segSize := d.SegmentSize
	if segSize <= 0 {
		segSize = len(buf)
	}
	m := &mapping{buf: buf, dir: dir}
	for off := 0; off < len(buf); off += segSize {
		n := segSize
		if off+n > len(buf) {
			n = len(buf) - off
		}
		blk, err := d.Mem.AllocBlock(n)
		if err != nil {
			return nil, err
		}
		if dir == hal.DirOut {
			copy(blk.Bytes, buf[off:off+n])
		}
		m.segs = append(m.segs, hal.Segment{Phys: blk.Phys, Len: n})
		m.backing = append(m.backing, blk.Bytes[:n])
		m.offsets = append(m.offsets, off)
	}
	return m, nil
}

type mapping struct {
	buf      []byte
	dir      hal.Direction
	segs     []hal.Segment
	backing  [][]byte
	offsets  []int
	deferred []func()
	done     bool
}

func (m *mapping) Segments() []hal.Segment { return m.segs }

func (m *mapping) Defer(fn func()) {
	m.deferred = append(m.deferred, fn)
}

func (m *mapping) Complete() {
	if m.done {
		panic("simhc: mapping completed twice")
	}
	m.done = true
	if m.dir == hal.DirIn {
		for i, seg := range m.segs {
			copy(m.buf[m.offsets[i]:m.offsets[i]+seg.Len], m.backing[i])
		}
	}
	for _, fn := range m.deferred {
		fn()
	}
	m.deferred = nil
}
