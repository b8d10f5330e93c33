package hcd

import (
	"fmt"

	"github.com/hostctl/uhci/hal"
	"github.com/hostctl/uhci/uhci"
)

// Completion reports the outcome of one transaction: a nil error and
// zero shortfall for a full-length success, a positive shortfall for a
// short (but clean) transfer, or a decoded transfer error. It is invoked
// exactly once, on the work loop.
type Completion func(err error, shortfall int)

// TransferRequest describes one transaction against a class endpoint.
type TransferRequest struct {
	Endpoint *QH

	// Setup is the 8-byte setup packet; required for control endpoints,
	// forbidden otherwise.
	Setup []byte

	// Data is the payload buffer. Direction gives the data stage
	// direction; Data may be nil for a zero-length or no-data transfer.
	Data      []byte
	Direction hal.Direction

	Complete Completion
}

// Transfer is the caller's handle on a queued transaction.
type Transfer struct {
	qh       *QH
	mapping  hal.Mapping
	complete Completion
	dataLen  int
}

// Submit validates a request and queues its descriptor chain. On any
// allocation failure the partial chain is unwound and the queue head is
// left untouched.
func (c *Controller) Submit(req TransferRequest) (*Transfer, error) {
	if !c.running.Load() {
		return nil, ErrNotRunning
	}
	if c.BusState() == BusDead {
		return nil, ErrDeadBus
	}
	qh := req.Endpoint
	switch {
	case qh == nil || qh.kind == KindAnchor:
		return nil, fmt.Errorf("%w: no endpoint", errBadRequest)
	case req.Complete == nil:
		return nil, fmt.Errorf("%w: completion required", errBadRequest)
	case qh.kind == KindControl && len(req.Setup) != 8:
		return nil, fmt.Errorf("%w: control transfer needs an 8-byte setup packet", errBadRequest)
	case qh.kind != KindControl && req.Setup != nil:
		return nil, fmt.Errorf("%w: setup packet on a %s endpoint", errBadRequest, qh.kind)
	}

	t := &Transfer{qh: qh, complete: req.Complete, dataLen: len(req.Data)}
	if err := c.gated(func() error { return c.submitLocked(t, req) }); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Controller) submitLocked(t *Transfer, req TransferRequest) error {
	qh := t.qh

	var (
		tds  []*TD
		bufs []*AlignBuffer
	)
	fail := func(err error) error {
		for _, td := range tds {
			c.arena.DeallocateTD(td)
		}
		for _, b := range bufs {
			c.pool.Release(b)
		}
		if t.mapping != nil {
			t.mapping.Complete()
			t.mapping = nil
		}
		return err
	}

	if len(req.Data) > 0 {
		m, err := c.dma.PrepareMapping(req.Data, req.Direction)
		if err != nil {
			return fail(fmt.Errorf("preparing transfer buffer: %w", err))
		}
		t.mapping = m
	}

	newTD := func(pid uint8, toggle bool, length int, buf uint32, spd bool) (*TD, error) {
		td, err := c.arena.AllocateTD(qh)
		if err != nil {
			return nil, err
		}
		td.xfer = t
		cs := uhci.InitialCtrlStatus(c.cfg.ErrorRetries)
		if qh.lowSpeed {
			cs |= uhci.TDStatusLowSpeed
		}
		if spd {
			cs |= uhci.TDStatusSPD
		}
		td.SetCtrlStatus(cs)
		td.SetToken(uhci.EncodeToken(pid, qh.function, qh.endpoint, toggle, length))
		td.SetBuffer(buf)
		tds = append(tds, td)
		return td, nil
	}

	// Segment cursor over the prepared buffer. Packets that fit inside
	// one physical segment use it directly; packets straddling a
	// segment boundary are staged through an alignment buffer.
	var segs []hal.Segment
	if t.mapping != nil {
		segs = t.mapping.Segments()
	}
	si, segOff, dataOff := 0, 0, 0
	takeContig := func(n int) (uint32, bool) {
		if si >= len(segs) || segs[si].Len-segOff < n {
			return 0, false
		}
		p := segs[si].Phys + uint32(segOff)
		segOff += n
		if segOff == segs[si].Len {
			si, segOff = si+1, 0
		}
		return p, true
	}
	skip := func(n int) {
		for n > 0 && si < len(segs) {
			take := segs[si].Len - segOff
			if take > n {
				take = n
			}
			segOff += take
			n -= take
			if segOff == segs[si].Len {
				si, segOff = si+1, 0
			}
		}
	}

	dataPID := uint8(uhci.PIDOut)
	if req.Direction == hal.DirIn {
		dataPID = uhci.PIDIn
	}

	if qh.kind == KindControl {
		// Setup stage. The packet is tiny and host-owned, so it always
		// rides an alignment buffer.
		ab, err := c.pool.Get(AlignCBI)
		if err != nil {
			return fail(err)
		}
		bufs = append(bufs, ab)
		copy(ab.bytes, req.Setup)
		td, err := newTD(uhci.PIDSetup, false, 8, ab.phys, false)
		if err != nil {
			return fail(err)
		}
		td.direction = hal.DirOut
		td.alignBuf = ab
	}

	// Data stage. Toggles alternate from DATA1 after a setup packet, or
	// continue the endpoint's running toggle otherwise.
	toggle := true
	if qh.kind != KindControl {
		toggle = qh.toggle
	}
	remaining := len(req.Data)
	for remaining > 0 || (len(req.Data) == 0 && qh.kind != KindControl && len(tds) == 0) {
		n := qh.maxPacket
		if n > remaining {
			n = remaining
		}
		spd := req.Direction == hal.DirIn

		var bufPhys uint32
		var ab *AlignBuffer
		if n > 0 {
			if phys, ok := takeContig(n); ok {
				bufPhys = phys
			} else {
				b, err := c.pool.Get(AlignCBI)
				if err != nil {
					return fail(err)
				}
				bufs = append(bufs, b)
				if req.Direction == hal.DirOut {
					copy(b.bytes, req.Data[dataOff:dataOff+n])
				} else {
					b.userBuf = req.Data[dataOff : dataOff+n]
				}
				skip(n)
				ab = b
				bufPhys = b.phys
			}
		}

		td, err := newTD(dataPID, toggle, n, bufPhys, spd)
		if err != nil {
			return fail(err)
		}
		td.direction = req.Direction
		td.alignBuf = ab
		toggle = !toggle
		dataOff += n
		remaining -= n
		if n == 0 {
			break
		}
	}

	if qh.kind == KindControl {
		// Status stage: opposite direction, always DATA1.
		statusPID := uint8(uhci.PIDIn)
		var statusDir hal.Direction = hal.DirIn
		if req.Direction == hal.DirIn && len(req.Data) > 0 {
			statusPID = uhci.PIDOut
			statusDir = hal.DirOut
		}
		td, err := newTD(statusPID, true, 0, 0, false)
		if err != nil {
			return fail(err)
		}
		td.direction = statusDir
	} else {
		qh.toggle = toggle
	}

	if len(tds) == 0 {
		return fail(fmt.Errorf("%w: empty transaction", errBadRequest))
	}

	// Chain the transaction depth-first and mark its tail.
	for i := 0; i < len(tds)-1; i++ {
		tds[i].logicalNext = tds[i+1]
		tds[i].SetLink(tds[i+1].phys | uhci.LinkDepthFirst)
	}
	last := tds[len(tds)-1]
	last.SetLink(uhci.LinkTerminate)
	last.lastTD = true
	last.SetCtrlStatus(last.CtrlStatus() | uhci.TDStatusIOC)

	// Splice onto the queue head. The element link is only re-primed if
	// the hardware has already run off the end of the old chain; a
	// stalled queue stays parked until the stall is cleared.
	head := tds[0]
	if qh.firstTD == nil {
		qh.firstTD = head
		qh.lastTD = last
		if !qh.stalled {
			qh.SetELink(head.phys)
		}
	} else {
		qh.lastTD.logicalNext = head
		qh.lastTD.SetLink(head.phys | uhci.LinkDepthFirst)
		qh.lastTD = last
		if qh.ELink()&uhci.LinkTerminate != 0 && !qh.stalled {
			qh.SetELink(head.phys)
		}
	}

	if qh.kind == KindControl || qh.kind == KindBulk {
		c.controlBulkOutstanding++
		c.sched.ReclaimBandwidth(true)
	}
	c.metrics.Submissions.Inc(1)
	c.log.Debug("transaction queued",
		"qh", qh.String(), "tds", len(tds), "bytes", len(req.Data))
	if c.traceEnabled() {
		for _, td := range tds {
			c.trace("descriptor queued", "td", td.String())
		}
	}
	return nil
}
