// Package simhc is a software UHCI controller: it executes the frame
// list, queue heads and transfer descriptors the transfer engine builds
// in simulated physical memory, against scripted device endpoints. Tests
// drive it one frame at a time with Step; harnesses can free-run it.
package simhc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/hostctl/uhci/uhci"
)

// Controller implements hal.Controller.
type Controller struct {
	*DMA

	mu     sync.Mutex
	cmd    uint16
	sts    uint16
	intr   uint16
	frnum  uint16
	frbase uint32
	portsc [2]uint16
	filter func()
	eps    map[epKey]*Endpoint
}

func New() *Controller {
	mem := NewMemory()
	return &Controller{
		DMA: &DMA{Mem: mem},
		sts: uhci.StatusHalted,
		eps: make(map[epKey]*Endpoint),
	}
}

// Endpoint returns the scripted endpoint for a device address, endpoint
// number and direction, creating it on first use. SETUP packets address
// the OUT side.
func (c *Controller) Endpoint(device, endpoint uint8, in bool) *Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpointLocked(epKey{device, endpoint, in})
}

func (c *Controller) endpointLocked(key epKey) *Endpoint {
	ep := c.eps[key]
	if ep == nil {
		ep = &Endpoint{}
		c.eps[key] = ep
	}
	return ep
}

func (c *Controller) SetFilter(fn func()) {
	c.mu.Lock()
	c.filter = fn
	c.mu.Unlock()
}

func (c *Controller) Read16(offset uint16) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch offset {
	case uhci.RegCommand:
		return c.cmd
	case uhci.RegStatus:
		return c.sts
	case uhci.RegInterrupt:
		return c.intr
	case uhci.RegFrameNumber:
		return c.frnum
	case uhci.RegPortSC1:
		return c.portsc[0]
	case uhci.RegPortSC2:
		return c.portsc[1]
	default:
		return 0
	}
}

func (c *Controller) Write16(offset uint16, value uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch offset {
	case uhci.RegCommand:
		if value&uhci.CmdHCReset != 0 {
			c.resetLocked()
			return
		}
		c.cmd = value
		if value&uhci.CmdRunStop != 0 {
			c.sts &^= uhci.StatusHalted
		} else {
			c.sts |= uhci.StatusHalted
		}
	case uhci.RegStatus:
		c.sts &^= value // write 1 to clear
	case uhci.RegInterrupt:
		c.intr = value
	case uhci.RegFrameNumber:
		if c.cmd&uhci.CmdRunStop == 0 {
			c.frnum = value & uhci.FrameNumberMask
		}
	case uhci.RegPortSC1:
		c.portsc[0] = value
	case uhci.RegPortSC2:
		c.portsc[1] = value
	}
}

func (c *Controller) Read32(offset uint16) uint32 {
	if offset == uhci.RegFrameBase {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.frbase
	}
	return uint32(c.Read16(offset))
}

func (c *Controller) Write32(offset uint16, value uint32) {
	if offset == uhci.RegFrameBase {
		c.mu.Lock()
		c.frbase = value &^ 0xFFF
		c.mu.Unlock()
		return
	}
	c.Write16(offset, uint16(value))
}

func (c *Controller) resetLocked() {
	c.cmd = 0
	c.sts = uhci.StatusHalted
	c.intr = 0
	c.frnum = 0
	c.frbase = 0
}

// Step executes up to n frames, raising the interrupt filter after each
// frame that produced interrupt conditions. Stops early if the schedule
// is halted.
func (c *Controller) Step(n int) {
	for i := 0; i < n; i++ {
		c.mu.Lock()
		if c.cmd&uhci.CmdRunStop == 0 {
			c.sts |= uhci.StatusHalted
			c.mu.Unlock()
			return
		}
		raised := c.executeFrame()
		c.frnum = (c.frnum + 1) & uhci.FrameNumberMask
		filter := c.filter
		enabled := c.intr != 0
		c.mu.Unlock()
		if raised && enabled && filter != nil {
			filter()
		}
	}
}

// RunFrames free-runs the schedule at the given frame period until the
// returned stop function is called.
func (c *Controller) RunFrames(period time.Duration) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(period)
		defer tick.Stop()
		for {
			select {
			case <-quit:
				return
			case <-tick.C:
				c.Step(1)
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

const maxHops = 1024

func word(b []byte, off int) uint32       { return binary.LittleEndian.Uint32(b[off : off+4]) }
func putWord(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:off+4], v) }

// executeFrame walks one frame list entry: isochronous descriptors
// first, then the queue head chain. Returns whether interrupt status was
// raised. Called with mu held.
func (c *Controller) executeFrame() bool {
	slot := int(c.frnum) & (uhci.NumFrames - 1)
	fl := c.Mem.At(c.frbase+uint32(slot*4), 4)
	if fl == nil {
		c.sts |= uhci.StatusProcessError
		return true
	}

	before := c.sts
	entry := word(fl, 0)
	seen := make(map[uint32]bool)
	for hops := 0; entry&uhci.LinkTerminate == 0 && hops < maxHops; hops++ {
		addr := entry & uhci.LinkAddrMask
		if entry&uhci.LinkQH != 0 {
			// Revisiting a queue head means the walk looped through the
			// reclamation link; the frame's bus time is spent.
			if seen[addr] {
				break
			}
			seen[addr] = true
			qh := c.Mem.At(addr, 8)
			if qh == nil {
				c.sts |= uhci.StatusProcessError
				break
			}
			entry = word(qh, uhci.QHHLink)
			c.executeQueue(qh)
		} else {
			td := c.Mem.At(addr, uhci.TDBytes)
			if td == nil {
				c.sts |= uhci.StatusProcessError
				break
			}
			entry = word(td, uhci.TDLink)
			if word(td, uhci.TDCtrlStatus)&uhci.TDStatusActive != 0 {
				c.executeTD(td)
			}
		}
	}
	return c.sts != before
}

// executeQueue runs a queue head's element chain, advancing the element
// link per completed descriptor. NAKs, errors and shorts with
// short-packet detect leave the link in place, exactly as the hardware
// would.
func (c *Controller) executeQueue(qh []byte) {
	for hops := 0; hops < maxHops; hops++ {
		elink := word(qh, uhci.QHELink)
		if elink&uhci.LinkTerminate != 0 {
			return
		}
		td := c.Mem.At(elink&uhci.LinkAddrMask, uhci.TDBytes)
		if td == nil {
			c.sts |= uhci.StatusProcessError
			return
		}
		if word(td, uhci.TDCtrlStatus)&uhci.TDStatusActive == 0 {
			return
		}
		if !c.executeTD(td) {
			return
		}
		link := word(td, uhci.TDLink)
		putWord(qh, uhci.QHELink, link)
		if link&uhci.LinkTerminate != 0 || link&uhci.LinkDepthFirst == 0 {
			return
		}
	}
}

// executeTD runs one packet against its scripted endpoint and writes the
// result back. Returns whether the element link should advance.
func (c *Controller) executeTD(td []byte) bool {
	cs := word(td, uhci.TDCtrlStatus)
	token := word(td, uhci.TDToken)
	bufPhys := word(td, uhci.TDBuffer)
	maxLen := uhci.TokenMaxLen(token)
	pid := uhci.TokenPID(token)
	isoch := cs&uhci.TDStatusIsoch != 0
	in := pid == uhci.PIDIn

	ep := c.endpointLocked(epKey{
		device:   uhci.TokenDevice(token),
		endpoint: uhci.TokenEndpoint(token),
		in:       in,
	})
	beh := ep.next()

	hwErr := uint32(0)
	switch beh.Kind {
	case Nak:
		if !isoch {
			// device not ready, retry next frame
			return false
		}
		maxLen = 0
		beh = Behavior{Kind: Ack, Data: []byte{}}
	case Stall:
		hwErr = uhci.TDStatusStalled
	case CRCTimeout:
		hwErr = uhci.TDStatusCRCTimeout
	case Babble:
		hwErr = uhci.TDStatusBabble
	case Bitstuff:
		hwErr = uhci.TDStatusBitstuff
	case DataBuffer:
		hwErr = uhci.TDStatusDataBuffer
	}

	if hwErr != 0 {
		if !isoch {
			hwErr |= uhci.TDStatusStalled // transaction errors halt the queue
		}
		cs = cs&^uhci.TDStatusActive | hwErr
		putWord(td, uhci.TDCtrlStatus, cs)
		c.sts |= uhci.StatusErrInterrupt
		return false
	}

	n := maxLen
	if in {
		payload := beh.Data
		if payload != nil && len(payload) < n {
			n = len(payload)
		}
		if n > 0 {
			buf := c.Mem.At(bufPhys, n)
			if buf == nil {
				c.sts |= uhci.StatusProcessError
				return false
			}
			if payload != nil {
				copy(buf, payload[:n])
			} else {
				for i := range buf {
					buf[i] = 0
				}
			}
		}
	} else if n > 0 {
		buf := c.Mem.At(bufPhys, n)
		if buf == nil {
			c.sts |= uhci.StatusProcessError
			return false
		}
		ep.accept(buf)
	}

	cs = cs&^uhci.TDStatusActive&^uint32(uhci.TDStatusActLenMask) | uhci.EncodeLen(n)
	putWord(td, uhci.TDCtrlStatus, cs)

	if cs&uhci.TDStatusIOC != 0 {
		c.sts |= uhci.StatusInterrupt
	}
	if n < maxLen && cs&uhci.TDStatusSPD != 0 {
		c.sts |= uhci.StatusInterrupt
		return false // short packet detect parks the queue
	}
	return true
}
