package hcd

import (
	"errors"

	"github.com/hostctl/uhci/hal"
	"github.com/hostctl/uhci/uhci"
)

// Runaway-chain guard for queue and descriptor walks. A corrupted link
// field must not wedge the work loop.
const maxChainWalk = 64 * 1024

// scavengeQueueHeads walks every queue head in the schedule and retires
// finished transactions. Runs only on the work loop.
//
// Per queue, descriptors are scanned oldest-first until an active one is
// found. A descriptor with error bits halts the queue: the transaction
// is detached, the queue head is marked stalled and its element link
// parked, and later transactions stay queued untouched. A short but
// clean descriptor ends its transaction early: the controller never
// advances past it, so the element link is re-pointed at the next
// transaction, and pending toggles are flipped when they would collide
// with the short descriptor's.
func (c *Controller) scavengeQueueHeads() {
	var doneHead, doneTail *TD

	walked := 0
	for qh := c.sched.WalkHead(); qh != nil; qh = qh.logicalNext {
		if walked++; walked > maxChainWalk {
			c.log.Error("queue head chain does not terminate, abandoning scavenge")
			break
		}
		if qh.kind == KindAnchor || qh.stalled {
			continue
		}

		var (
			halted      bool
			short       bool
			shortToggle bool
		)
		td := qh.firstTD
	scan:
		for steps := 0; td != nil && steps < maxChainWalk; steps++ {
			// Once a halt or short is latched the rest of the
			// transaction was skipped by hardware; scan through to the
			// transaction tail without inspecting status.
			if !halted && !short {
				cs := td.CtrlStatus()
				if cs&uhci.TDStatusActive != 0 {
					break
				}
				if err := uhci.TDError(cs); err != nil {
					halted = true
				} else if n := uhci.TokenMaxLen(td.Token()); n > 0 && uhci.StatusActLen(cs) < n {
					short = true
					shortToggle = uhci.TokenToggle(td.Token())
					if qh.kind == KindControl && !td.lastTD {
						// A short control read still needs its status
						// stage. Point the controller at the
						// transaction tail and come back once it ran.
						tail := td
						for !tail.lastTD && tail.logicalNext != nil {
							tail = tail.logicalNext
						}
						if tail.Active() {
							qh.SetELink(tail.phys)
							break scan
						}
					}
				}
			}
			if !td.lastTD {
				td = td.logicalNext
				continue
			}

			// Transaction boundary: detach the unit [firstTD..td]. Any
			// skipped descriptors in it are unreachable now, either
			// because the element link moved past them or is about to
			// be parked.
			next := td.logicalNext
			td.logicalNext = nil
			unit := qh.firstTD
			qh.firstTD = next
			if next == nil {
				qh.lastTD = nil
			}
			if doneTail == nil {
				doneHead = unit
			} else {
				doneTail.logicalNext = unit
			}
			doneTail = td

			if halted {
				qh.stalled = true
				qh.SetELink(uhci.LinkTerminate)
				c.log.Debug("endpoint halted", "qh", qh.String(), "td", td.String())
				break
			}
			if short {
				if next != nil {
					qh.SetELink(next.phys)
					if qh.kind != KindControl &&
						uhci.TokenToggle(next.Token()) == shortToggle {
						for fix := next; fix != nil; fix = fix.logicalNext {
							fix.SetToken(fix.Token() ^ uhci.TokenDataToggle)
						}
						qh.toggle = !qh.toggle
					}
				} else {
					qh.SetELink(uhci.LinkTerminate)
				}
				short = false
			}
			td = next
		}
	}

	if doneHead != nil {
		c.processDoneQueue(doneHead)
	}
}

// processDoneQueue retires a chain of detached transactions: alignment
// buffers are released or their copy-backs deferred onto the transfer's
// mapping, descriptors go back to the arena, and each transaction tail
// fires its completion exactly once.
func (c *Controller) processDoneQueue(head *TD) {
	shortfall := 0
	var xferErr error

	for td := head; td != nil; {
		cs := td.CtrlStatus()
		shortfall += uhci.TokenMaxLen(td.Token()) - uhci.StatusActLen(cs)
		if xferErr == nil {
			xferErr = uhci.TDError(cs)
		}
		if c.traceEnabled() {
			c.trace("descriptor retired", "td", td.String())
		}

		if ab := td.alignBuf; ab != nil {
			t := td.xfer
			if td.direction == hal.DirIn && ab.userBuf != nil && t != nil && t.mapping != nil {
				// Retired device data sits in the bounce buffer; the
				// copy into the caller's buffer belongs to mapping
				// teardown, not here.
				ab.actCount = uhci.StatusActLen(cs)
				if ab.actCount > len(ab.userBuf) {
					ab.actCount = len(ab.userBuf)
				}
				buf, dst := ab, ab.userBuf
				t.mapping.Defer(func() {
					copy(dst, buf.bytes[:buf.actCount])
					c.pool.Release(buf)
				})
			} else {
				c.pool.Release(ab)
			}
		}

		next := td.logicalNext
		last, t, qh := td.lastTD, td.xfer, td.qh
		c.arena.DeallocateTD(td)

		if last {
			c.finishTransaction(t, qh, xferErr, shortfall)
			shortfall, xferErr = 0, nil
		}
		td = next
	}
}

// finishTransaction settles the accounting for one retired transaction
// and fires its completion. The completion pointer is cleared first so a
// transaction can never complete twice.
func (c *Controller) finishTransaction(t *Transfer, qh *QH, err error, shortfall int) {
	if qh.kind == KindControl || qh.kind == KindBulk {
		if c.controlBulkOutstanding--; c.controlBulkOutstanding <= 0 {
			c.controlBulkOutstanding = 0
			c.sched.ReclaimBandwidth(false)
		}
	}

	c.metrics.Completions.Inc(1)
	switch {
	case errors.Is(err, uhci.ErrStall):
		c.metrics.Stalls.Inc(1)
	case err != nil:
		c.metrics.TransferErrors.Inc(1)
	case shortfall > 0:
		c.metrics.ShortPackets.Inc(1)
	}
	if errors.Is(err, uhci.ErrBabble) {
		// Some controllers wedge after babble. Latch it so the owner
		// can decide whether a bus reset is warranted.
		c.babbled.Store(true)
		c.log.Warn("babble on the bus", "qh", qh.String())
	}

	if t == nil || t.complete == nil {
		c.log.Error("transaction retired with no completion", "qh", qh.String())
		return
	}
	if t.mapping != nil {
		t.mapping.Complete()
		t.mapping = nil
	}
	cb := t.complete
	t.complete = nil
	cb(err, shortfall)
}
