package hcd

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hostctl/uhci/hal"
)

// Alignment buffer pools. The controller needs packet buffers that do
// not cross a physical segment boundary; when a caller buffer fragment
// does, the packet is staged through one of these instead. Two pools
// with different shapes: class (control/bulk/interrupt) transfers can
// need up to a page, isochronous packets are bounded by one
// maximum-packet frame payload.
const (
	cbiBufferBytes   = 4096
	cbiBufferCount   = 8
	isochBufferBytes = 1024
	isochBufferCount = 32
)

// AlignBufferKind selects which pool a buffer belongs to.
type AlignBufferKind uint8

const (
	AlignCBI AlignBufferKind = iota
	AlignIsoch
)

// AlignBuffer is a bounce buffer for one packet. For device-to-host
// packets userBuf remembers where the payload must land; the copy-back
// itself is deferred onto the transfer's mapping and runs at mapping
// teardown, never in interrupt context.
type AlignBuffer struct {
	bytes []byte
	phys  uint32
	kind  AlignBufferKind

	userBuf  []byte // destination slice for IN copy-back
	actCount int    // bytes the controller actually produced
}

func (b *AlignBuffer) Phys() uint32  { return b.phys }
func (b *AlignBuffer) Bytes() []byte { return b.bytes }

// BufferPool owns both alignment buffer pools. Get/Release are
// mutex-guarded since the isochronous provisioning path and the class
// submission path both draw from here.
type BufferPool struct {
	log *slog.Logger

	mu             sync.Mutex
	freeCBI        []*AlignBuffer
	freeIsoch      []*AlignBuffer
	cbiInUse       int
	isochInUse     int
	cbiHighWater   int
	isochHighWater int
}

// NewBufferPool carves both pools out of fresh controller-visible blocks.
func NewBufferPool(dma hal.DMA, log *slog.Logger) (*BufferPool, error) {
	p := &BufferPool{log: log}
	for i := 0; i < cbiBufferCount; i++ {
		blk, err := dma.AllocBlock(cbiBufferBytes)
		if err != nil {
			return nil, fmt.Errorf("allocating class alignment buffers: %w", err)
		}
		p.freeCBI = append(p.freeCBI, &AlignBuffer{
			bytes: blk.Bytes[:cbiBufferBytes],
			phys:  blk.Phys,
			kind:  AlignCBI,
		})
	}
	for allocated := 0; allocated < isochBufferCount; {
		blk, err := dma.AllocBlock(arenaBlockBytes)
		if err != nil {
			return nil, fmt.Errorf("allocating isoch alignment buffers: %w", err)
		}
		for off := 0; off+isochBufferBytes <= arenaBlockBytes && allocated < isochBufferCount; off += isochBufferBytes {
			p.freeIsoch = append(p.freeIsoch, &AlignBuffer{
				bytes: blk.Bytes[off : off+isochBufferBytes],
				phys:  blk.Phys + uint32(off),
				kind:  AlignIsoch,
			})
			allocated++
		}
	}
	return p, nil
}

// Get takes a buffer from the requested pool. Exhaustion is an error the
// caller surfaces as a failed submission; the pools never grow.
func (p *BufferPool) Get(kind AlignBufferKind) (*AlignBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var from *[]*AlignBuffer
	switch kind {
	case AlignCBI:
		from = &p.freeCBI
	case AlignIsoch:
		from = &p.freeIsoch
	}
	n := len(*from)
	if n == 0 {
		return nil, fmt.Errorf("%w: alignment pool %d empty", ErrNoResources, kind)
	}
	b := (*from)[n-1]
	*from = (*from)[:n-1]
	b.userBuf = nil
	b.actCount = 0
	switch kind {
	case AlignCBI:
		p.cbiInUse++
		if p.cbiInUse > p.cbiHighWater {
			p.cbiHighWater = p.cbiInUse
		}
	case AlignIsoch:
		p.isochInUse++
		if p.isochInUse > p.isochHighWater {
			p.isochHighWater = p.isochInUse
		}
	}
	return b, nil
}

// Release returns a buffer to its pool. Any pending copy-back must have
// run (or been abandoned) before release; the buffer may be reused for
// another packet immediately.
func (p *BufferPool) Release(b *AlignBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b.userBuf = nil
	b.actCount = 0
	switch b.kind {
	case AlignCBI:
		p.freeCBI = append(p.freeCBI, b)
		p.cbiInUse--
	case AlignIsoch:
		p.freeIsoch = append(p.freeIsoch, b)
		p.isochInUse--
	}
}

// InUse reports current checkout counts (class, isoch).
func (p *BufferPool) InUse() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cbiInUse, p.isochInUse
}

// HighWater reports the peak checkout counts (class, isoch).
func (p *BufferPool) HighWater() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cbiHighWater, p.isochHighWater
}
