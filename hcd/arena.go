package hcd

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hostctl/uhci/hal"
	"github.com/hostctl/uhci/uhci"
)

// Arena geometry. Descriptors are carved from page-sized blocks of
// controller-visible memory; blocks are only ever added, never returned,
// so physical addresses stay valid for the life of the controller.
const (
	arenaBlockBytes = 4096
	tdsPerBlock     = arenaBlockBytes / uhci.TDBytes
	qhsPerBlock     = arenaBlockBytes / uhci.QHBytes
)

// Arena owns all TD, iTD and QH memory. Free descriptors sit on
// head/tail lists so a just-freed descriptor goes to the back and stays
// cold as long as possible, which keeps stale hardware reads harmless.
type Arena struct {
	dma hal.DMA
	log *slog.Logger

	mu          sync.Mutex
	freeTD      *TD
	freeTDTail  *TD
	freeITD     *ITD
	freeITDTail *ITD
	freeQH      *QH
	freeQHTail  *QH
	blocks      int
}

func NewArena(dma hal.DMA, log *slog.Logger) *Arena {
	return &Arena{dma: dma, log: log}
}

// Blocks returns how many memory blocks the arena has grown to.
func (a *Arena) Blocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocks
}

func (a *Arena) newBlock() (*hal.MemBlock, error) {
	blk, err := a.dma.AllocBlock(arenaBlockBytes)
	if err != nil {
		return nil, fmt.Errorf("allocating descriptor block: %w", err)
	}
	a.blocks++
	a.log.Debug("descriptor arena grown", "blocks", a.blocks)
	return blk, nil
}

// AllocateTD returns a zeroed TD bound to qh. Grows the arena when the
// free list is empty.
func (a *Arena) AllocateTD(qh *QH) (*TD, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freeTD == nil {
		blk, err := a.newBlock()
		if err != nil {
			return nil, err
		}
		for i := 0; i < tdsPerBlock; i++ {
			td := &TD{
				hw:   blk.Bytes[i*uhci.TDBytes : (i+1)*uhci.TDBytes],
				phys: blk.Phys + uint32(i*uhci.TDBytes),
			}
			a.pushTD(td)
		}
	}

	td := a.freeTD
	a.freeTD = td.freeNext
	if a.freeTD == nil {
		a.freeTDTail = nil
	}
	td.freeNext = nil
	td.qh = qh
	td.logicalNext = nil
	td.lastTD = false
	td.xfer = nil
	td.alignBuf = nil
	return td, nil
}

// DeallocateTD zeroes the hardware-visible status and link words and
// appends the TD to the back of the free list.
func (a *Arena) DeallocateTD(td *TD) {
	td.SetCtrlStatus(0)
	td.SetLink(uhci.LinkTerminate)
	td.qh = nil
	td.logicalNext = nil
	td.lastTD = false
	td.xfer = nil
	td.alignBuf = nil

	a.mu.Lock()
	a.pushTD(td)
	a.mu.Unlock()
}

func (a *Arena) pushTD(td *TD) {
	if a.freeTDTail != nil {
		a.freeTDTail.freeNext = td
	} else {
		a.freeTD = td
	}
	a.freeTDTail = td
	td.freeNext = nil
}

// AllocateITD returns a zeroed isochronous TD.
func (a *Arena) AllocateITD() (*ITD, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freeITD == nil {
		blk, err := a.newBlock()
		if err != nil {
			return nil, err
		}
		for i := 0; i < tdsPerBlock; i++ {
			itd := &ITD{
				hw:   blk.Bytes[i*uhci.TDBytes : (i+1)*uhci.TDBytes],
				phys: blk.Phys + uint32(i*uhci.TDBytes),
			}
			a.pushITD(itd)
		}
	}

	itd := a.freeITD
	a.freeITD = itd.freeNext
	if a.freeITD == nil {
		a.freeITDTail = nil
	}
	itd.freeNext = nil
	itd.ep = nil
	itd.req = nil
	itd.alignBuf = nil
	itd.slotNext = nil
	itd.doneNext = nil
	itd.logicalNext = nil
	return itd, nil
}

// DeallocateITD zeroes the hardware words and returns the descriptor to
// the back of the free list.
func (a *Arena) DeallocateITD(itd *ITD) {
	itd.SetCtrlStatus(0)
	itd.SetLink(uhci.LinkTerminate)
	itd.ep = nil
	itd.req = nil
	itd.alignBuf = nil
	itd.slotNext = nil
	itd.doneNext = nil
	itd.logicalNext = nil

	a.mu.Lock()
	a.pushITD(itd)
	a.mu.Unlock()
}

func (a *Arena) pushITD(itd *ITD) {
	if a.freeITDTail != nil {
		a.freeITDTail.freeNext = itd
	} else {
		a.freeITD = itd
	}
	a.freeITDTail = itd
	itd.freeNext = nil
}

// AllocateQH returns a QH with both link words terminated.
func (a *Arena) AllocateQH() (*QH, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freeQH == nil {
		blk, err := a.newBlock()
		if err != nil {
			return nil, err
		}
		for i := 0; i < qhsPerBlock; i++ {
			qh := &QH{
				hw:   blk.Bytes[i*uhci.QHBytes : (i+1)*uhci.QHBytes],
				phys: blk.Phys + uint32(i*uhci.QHBytes),
			}
			a.pushQH(qh)
		}
	}

	qh := a.freeQH
	a.freeQH = qh.freeNext
	if a.freeQH == nil {
		a.freeQHTail = nil
	}
	qh.freeNext = nil
	qh.logicalNext = nil
	qh.firstTD = nil
	qh.lastTD = nil
	qh.stalled = false
	qh.toggle = false
	qh.SetHLink(uhci.LinkTerminate)
	qh.SetELink(uhci.LinkTerminate)
	return qh, nil
}

// DeallocateQH returns a QH to the back of the free list. The caller
// must have unlinked it from the schedule first.
func (a *Arena) DeallocateQH(qh *QH) {
	qh.SetHLink(uhci.LinkTerminate)
	qh.SetELink(uhci.LinkTerminate)
	qh.logicalNext = nil
	qh.firstTD = nil
	qh.lastTD = nil

	a.mu.Lock()
	a.pushQH(qh)
	a.mu.Unlock()
}

func (a *Arena) pushQH(qh *QH) {
	if a.freeQHTail != nil {
		a.freeQHTail.freeNext = qh
	} else {
		a.freeQH = qh
	}
	a.freeQHTail = qh
	qh.freeNext = nil
}
