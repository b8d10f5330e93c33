package hcd

import (
	"fmt"

	"github.com/hostctl/uhci/hal"
	"github.com/hostctl/uhci/uhci"
)

// IsochFrame is one frame's worth of an isochronous request: the caller
// sets Length, the engine fills Actual and Status as frames retire.
type IsochFrame struct {
	Length int
	Actual int
	Status error
}

// IsochCompletion receives the request's frame records once every frame
// has retired. Records are in frame order.
type IsochCompletion func(frames []IsochFrame)

// IsochEndpoint is the handle for an isochronous stream. Its descriptors
// live in frame list slots, ahead of the queue head tree; there is no
// queue head and no retrying.
//
// onProducerQ counts descriptors the interrupt filter has moved to the
// done queue and is only touched under the controller's done-queue lock.
// onReversedList counts descriptors mid-reversal and belongs to the work
// loop alone; a nonzero value after a reap pass means descriptors leaked.
type IsochEndpoint struct {
	function  uint8
	endpoint  uint8
	direction hal.Direction
	maxPacket int

	onProducerQ    int32
	onReversedList int32

	// work loop only
	requests  []*isochRequest
	nextFrame uint64 // next absolute frame to provision
	scheduled int    // descriptors currently in the schedule
	removed   bool
}

type isochRequest struct {
	ep       *IsochEndpoint
	buf      []byte
	mapping  hal.Mapping
	frames   []IsochFrame
	offsets  []int // byte offset of each frame's payload in buf
	queued   int   // frames provisioned so far
	retired  int   // frames retired so far
	complete IsochCompletion
}

// CreateIsochEndpoint registers an isochronous stream with the engine.
func (c *Controller) CreateIsochEndpoint(function, endpoint uint8, dir hal.Direction, maxPacket int) (*IsochEndpoint, error) {
	if maxPacket < 1 || maxPacket > isochBufferBytes {
		return nil, fmt.Errorf("%w: isoch max packet %d", errBadRequest, maxPacket)
	}
	ep := &IsochEndpoint{
		function:  function,
		endpoint:  endpoint,
		direction: dir,
		maxPacket: maxPacket,
	}
	err := c.gated(func() error {
		c.isochEPs = append(c.isochEPs, ep)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// RemoveIsochEndpoint stops provisioning the stream. Descriptors already
// in the schedule drain through the normal done-queue path; requests not
// yet fully provisioned are failed with ErrCancelled per frame.
func (c *Controller) RemoveIsochEndpoint(ep *IsochEndpoint) error {
	return c.gated(func() error {
		ep.removed = true
		for _, req := range ep.requests {
			for i := req.queued; i < len(req.frames); i++ {
				req.frames[i].Status = ErrCancelled
				req.retired++
			}
		}
		// Requests with no descriptors left in flight can be returned
		// right away; the rest drain through the normal reap path.
		c.returnIsochDone(ep)
		for i, e := range c.isochEPs {
			if e == ep {
				c.isochEPs = append(c.isochEPs[:i], c.isochEPs[i+1:]...)
				break
			}
		}
		return nil
	})
}

// SubmitIsoch queues one isochronous request: consecutive frames of buf,
// one per entry of frames. Provisioning into the schedule happens
// immediately up to the lookahead window and continues from the reaper
// as earlier frames retire.
func (c *Controller) SubmitIsoch(ep *IsochEndpoint, buf []byte, frames []IsochFrame, complete IsochCompletion) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	if c.BusState() == BusDead {
		return ErrDeadBus
	}
	if ep == nil || complete == nil || len(frames) == 0 {
		return errBadRequest
	}
	total := 0
	offsets := make([]int, len(frames))
	for i := range frames {
		if frames[i].Length < 0 || frames[i].Length > ep.maxPacket {
			return fmt.Errorf("%w: frame %d length %d", errBadRequest, i, frames[i].Length)
		}
		offsets[i] = total
		total += frames[i].Length
	}
	if total > len(buf) {
		return fmt.Errorf("%w: frames describe %d bytes, buffer holds %d", errBadRequest, total, len(buf))
	}

	req := &isochRequest{
		ep:       ep,
		buf:      buf,
		frames:   frames,
		offsets:  offsets,
		complete: complete,
	}
	return c.gated(func() error {
		if ep.removed {
			return errBadRequest
		}
		if total > 0 {
			m, err := c.dma.PrepareMapping(buf[:total], ep.direction)
			if err != nil {
				return fmt.Errorf("preparing isoch buffer: %w", err)
			}
			req.mapping = m
		}
		ep.requests = append(ep.requests, req)
		return c.provisionIsoch(ep)
	})
}

// provisionIsoch fills the endpoint's schedule window: one descriptor per
// frame, starting a safe distance ahead of the current frame, up to the
// configured lookahead. Work loop only.
func (c *Controller) provisionIsoch(ep *IsochEndpoint) error {
	frame := c.FrameNumber() + 2 // clear of the frame in flight
	if ep.nextFrame > frame {
		frame = ep.nextFrame
	}

	for ep.scheduled < c.cfg.IsochLookahead {
		req := ep.nextUnqueued()
		if req == nil {
			break
		}
		idx := req.queued
		itd, err := c.arena.AllocateITD()
		if err != nil {
			// Out of descriptor memory mid-stream: leave the remaining
			// frames for the next reap pass rather than failing the
			// request.
			c.log.Warn("isoch provisioning deferred", "err", err)
			return nil
		}

		length := req.frames[idx].Length
		bufPhys, ab, err := c.isochFramePhys(req, idx, length)
		if err != nil {
			c.arena.DeallocateITD(itd)
			c.log.Warn("isoch provisioning deferred", "err", err)
			return nil
		}

		pid := uint8(uhci.PIDOut)
		if ep.direction == hal.DirIn {
			pid = uhci.PIDIn
		}
		itd.ep = ep
		itd.req = req
		itd.frameIndex = idx
		itd.alignBuf = ab
		itd.SetToken(uhci.EncodeToken(pid, ep.function, ep.endpoint, false, length))
		itd.SetBuffer(bufPhys)
		itd.SetCtrlStatus(uhci.InitialCtrlStatus(0) | uhci.TDStatusIsoch | uhci.TDStatusIOC)

		c.sched.ScheduleITD(itd, frame)
		req.queued++
		ep.scheduled++
		frame++
		ep.nextFrame = frame
	}
	return nil
}

// nextUnqueued finds the oldest request with frames left to provision.
func (ep *IsochEndpoint) nextUnqueued() *isochRequest {
	for _, req := range ep.requests {
		if req.queued < len(req.frames) {
			return req
		}
	}
	return nil
}

// isochFramePhys resolves one frame's payload to a physical address,
// bouncing through an isoch alignment buffer when the payload straddles
// mapping segments.
func (c *Controller) isochFramePhys(req *isochRequest, idx, length int) (uint32, *AlignBuffer, error) {
	if length == 0 {
		return 0, nil, nil
	}
	off := req.offsets[idx]
	for _, seg := range req.mapping.Segments() {
		if off < seg.Len {
			if seg.Len-off >= length {
				return seg.Phys + uint32(off), nil, nil
			}
			break
		}
		off -= seg.Len
	}

	ab, err := c.pool.Get(AlignIsoch)
	if err != nil {
		return 0, nil, err
	}
	if req.ep.direction == hal.DirOut {
		copy(ab.bytes, req.buf[req.offsets[idx]:req.offsets[idx]+length])
	} else {
		ab.userBuf = req.buf[req.offsets[idx] : req.offsets[idx]+length]
	}
	return ab.phys, ab, nil
}

// reapIsoch drains the software done queue. The producer-ordered chain
// the filter built is reversed into chronological order, frame records
// are filled from descriptor status, and fully retired requests are
// returned as a batch. Work loop only. Draining an empty queue is a
// no-op and always safe.
func (c *Controller) reapIsoch() {
	c.doneMu.Lock()
	head := c.doneHead
	producer := c.producerCount
	if head == nil || producer == c.consumerCount {
		c.doneMu.Unlock()
		return
	}
	c.doneHead = nil

	// Reverse newest-first into chronological order while still under
	// the lock, since the per-endpoint counters move between queues.
	var chrono *ITD
	for itd := head; itd != nil && c.consumerCount != producer; {
		next := itd.doneNext
		itd.doneNext = nil
		itd.logicalNext = chrono
		chrono = itd
		c.consumerCount++
		if itd.ep != nil {
			itd.ep.onProducerQ--
			itd.ep.onReversedList++
		}
		itd = next
	}
	c.doneMu.Unlock()

	touched := map[*IsochEndpoint]struct{}{}
	for itd := chrono; itd != nil; {
		next := itd.logicalNext
		c.retireITD(itd, touched)
		itd = next
	}

	for ep := range touched {
		if ep.onReversedList != 0 {
			c.log.Error("isoch descriptors lost in reversal",
				"function", ep.function, "endpoint", ep.endpoint,
				"count", ep.onReversedList)
		}
		c.returnIsochDone(ep)
		if !ep.removed {
			if err := c.provisionIsoch(ep); err != nil {
				c.log.Warn("isoch re-provisioning failed", "err", err)
			}
		}
	}
}

// retireITD records one frame's outcome and frees the descriptor.
func (c *Controller) retireITD(itd *ITD, touched map[*IsochEndpoint]struct{}) {
	ep := itd.ep
	if ep == nil {
		// Should be impossible; says descriptor bookkeeping is broken.
		// Log loudly rather than guessing an owner.
		c.log.Error("isoch descriptor retired with no endpoint", "itd", fmt.Sprintf("%08x", itd.phys))
		c.arena.DeallocateITD(itd)
		return
	}
	ep.onReversedList--
	touched[ep] = struct{}{}

	req, idx := itd.req, itd.frameIndex
	cs := itd.CtrlStatus()
	actual := uhci.StatusActLen(cs)
	req.frames[idx].Actual = actual
	req.frames[idx].Status = uhci.TDError(cs)
	if c.traceEnabled() {
		c.trace("isoch frame retired",
			"frame", idx, "actual", actual, "itd", fmt.Sprintf("%08x", itd.phys))
	}

	if ab := itd.alignBuf; ab != nil {
		if ep.direction == hal.DirIn && ab.userBuf != nil && req.mapping != nil {
			ab.actCount = actual
			if ab.actCount > len(ab.userBuf) {
				ab.actCount = len(ab.userBuf)
			}
			buf, dst := ab, ab.userBuf
			req.mapping.Defer(func() {
				copy(dst, buf.bytes[:buf.actCount])
				c.pool.Release(buf)
			})
		} else {
			c.pool.Release(ab)
		}
	}

	req.retired++
	ep.scheduled--
	c.metrics.IsochFrames.Inc(1)
	c.arena.DeallocateITD(itd)
}

// returnIsochDone delivers fully retired requests, oldest first, tearing
// each one's mapping down before the callback so bounced device data is
// visible in the caller's buffer.
func (c *Controller) returnIsochDone(ep *IsochEndpoint) {
	for len(ep.requests) > 0 {
		req := ep.requests[0]
		if req.retired < len(req.frames) {
			return
		}
		ep.requests = ep.requests[1:]
		if req.mapping != nil {
			req.mapping.Complete()
			req.mapping = nil
		}
		cb := req.complete
		req.complete = nil
		cb(req.frames)
	}
}
