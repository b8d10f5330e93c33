package hcd

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"strings"
	"sync"

	"github.com/hostctl/uhci/hal"
	"github.com/hostctl/uhci/uhci"
)

// NumIntrLevels is the depth of the interrupt tree: one anchor per
// power-of-two polling interval from every frame up to every 1024.
const NumIntrLevels = 11

var errNotLinked = errors.New("queue head not in schedule")

// Schedule owns the 1024-entry frame list and the static queue head
// skeleton behind it. Every frame list entry leads, possibly through
// isochronous descriptors and interrupt anchors, to the same tail:
// low-speed control, full-speed control, bulk, terminator.
//
// slotMu guards the per-frame isochronous chains, which the interrupt
// filter pops while the work loop provisions.
type Schedule struct {
	log   *slog.Logger
	arena *Arena

	frameList *hal.MemBlock

	terminateQH *QH
	bulkQH      *QH
	fsQH        *QH
	lsQH        *QH
	intrQH      [NumIntrLevels]*QH

	// insertion tails per class; endpoint QHs go after the tail so the
	// anchor ordering never changes
	bulkEnd *QH
	fsEnd   *QH
	lsEnd   *QH
	intrEnd [NumIntrLevels]*QH

	slotMu sync.Mutex
	slots  [uhci.NumFrames]*ITD // newest-first isoch chain per frame
}

// NewSchedule builds the frame list and anchor skeleton. The hardware is
// not touched; the caller points FRBASEADDR at FrameBase when starting.
func NewSchedule(arena *Arena, dma hal.DMA, log *slog.Logger) (*Schedule, error) {
	fl, err := dma.AllocBlock(uhci.FrameListBytes)
	if err != nil {
		return nil, fmt.Errorf("allocating frame list: %w", err)
	}
	s := &Schedule{log: log, arena: arena, frameList: fl}

	alloc := func(kind QHKind) (*QH, error) {
		qh, err := arena.AllocateQH()
		if err != nil {
			return nil, fmt.Errorf("allocating schedule skeleton: %w", err)
		}
		qh.kind = kind
		return qh, nil
	}

	if s.terminateQH, err = alloc(KindAnchor); err != nil {
		return nil, err
	}
	if s.bulkQH, err = alloc(KindAnchor); err != nil {
		return nil, err
	}
	if s.fsQH, err = alloc(KindAnchor); err != nil {
		return nil, err
	}
	if s.lsQH, err = alloc(KindAnchor); err != nil {
		return nil, err
	}
	for i := range s.intrQH {
		if s.intrQH[i], err = alloc(KindAnchor); err != nil {
			return nil, err
		}
	}

	// Anchor chain, most frequent last so every path converges on the
	// terminator. The terminator's hardware link points back at the
	// full-speed control anchor for bandwidth reclamation; the Terminate
	// bit switches reclamation off until control/bulk work is queued.
	s.terminateQH.SetHLink(s.fsQH.PhysLink() | uhci.LinkTerminate)
	s.bulkQH.SetHLink(s.terminateQH.PhysLink())
	s.bulkQH.logicalNext = s.terminateQH
	s.fsQH.SetHLink(s.bulkQH.PhysLink())
	s.fsQH.logicalNext = s.bulkQH
	s.lsQH.SetHLink(s.fsQH.PhysLink())
	s.lsQH.logicalNext = s.fsQH
	s.intrQH[0].SetHLink(s.lsQH.PhysLink())
	s.intrQH[0].logicalNext = s.lsQH
	for i := 1; i < NumIntrLevels; i++ {
		s.intrQH[i].SetHLink(s.intrQH[i-1].PhysLink())
		s.intrQH[i].logicalNext = s.intrQH[i-1]
	}

	s.bulkEnd = s.bulkQH
	s.fsEnd = s.fsQH
	s.lsEnd = s.lsQH
	for i := range s.intrEnd {
		s.intrEnd[i] = s.intrQH[i]
	}

	for f := 0; f < uhci.NumFrames; f++ {
		uhci.PutWord(fl.Bytes, f*4, s.treeQH(f).PhysLink())
	}
	return s, nil
}

// treeQH is the interrupt anchor a frame slot enters the tree at: the
// one whose stride is the largest power of two dividing the slot number.
func (s *Schedule) treeQH(slot int) *QH {
	level := bits.TrailingZeros32(uint32(slot) | 1<<(NumIntrLevels-1))
	return s.intrQH[level]
}

// FrameBase is the physical address for FRBASEADDR.
func (s *Schedule) FrameBase() uint32 { return s.frameList.Phys }

// WalkHead is where completion scavenging starts: the least frequent
// interrupt anchor, whose logical chain covers every queue head in the
// schedule.
func (s *Schedule) WalkHead() *QH { return s.intrQH[NumIntrLevels-1] }

// ReclaimBandwidth turns terminator loopback on or off. While on, the
// controller revisits the control/bulk queues for the rest of the frame
// instead of idling.
func (s *Schedule) ReclaimBandwidth(active bool) {
	link := s.fsQH.PhysLink()
	if !active {
		link |= uhci.LinkTerminate
	}
	s.terminateQH.SetHLink(link)
}

// intrLevel maps a polling interval in frames to a tree level.
func intrLevel(interval int) int {
	if interval < 1 {
		interval = 1
	}
	level := bits.Len32(uint32(interval)) - 1
	if level >= NumIntrLevels {
		level = NumIntrLevels - 1
	}
	return level
}

// Link inserts an endpoint queue head behind the anchor its kind and
// rate call for. The new QH's links are written before the predecessor's
// hardware link so the controller never sees a half-built chain.
func (s *Schedule) Link(qh *QH) error {
	var tail **QH
	switch qh.kind {
	case KindBulk:
		tail = &s.bulkEnd
	case KindControl:
		if qh.lowSpeed {
			tail = &s.lsEnd
		} else {
			tail = &s.fsEnd
		}
	case KindInterrupt:
		tail = &s.intrEnd[intrLevel(qh.interval)]
	default:
		return fmt.Errorf("cannot link %s queue head", qh.kind)
	}

	prev := *tail
	qh.SetHLink(prev.HLink())
	qh.logicalNext = prev.logicalNext
	prev.SetHLink(qh.PhysLink())
	prev.logicalNext = qh
	*tail = qh
	s.log.Debug("queue head linked", "qh", qh.String())
	return nil
}

// Unlink removes an endpoint queue head from the schedule chain. The
// caller is responsible for the QH's element list being parked first.
func (s *Schedule) Unlink(qh *QH) error {
	prev := s.WalkHead()
	for prev != nil && prev.logicalNext != qh {
		prev = prev.logicalNext
	}
	if prev == nil {
		return errNotLinked
	}
	prev.SetHLink(qh.HLink())
	prev.logicalNext = qh.logicalNext

	for _, tail := range []**QH{&s.bulkEnd, &s.fsEnd, &s.lsEnd} {
		if *tail == qh {
			*tail = prev
		}
	}
	for i := range s.intrEnd {
		if s.intrEnd[i] == qh {
			s.intrEnd[i] = prev
		}
	}
	qh.logicalNext = nil
	s.log.Debug("queue head unlinked", "qh", qh.String())
	return nil
}

// ScheduleITD links an isochronous descriptor into the slot for the
// given absolute frame, ahead of the interrupt tree. Newest descriptors
// go at the head of the slot chain.
func (s *Schedule) ScheduleITD(itd *ITD, frame uint64) {
	slot := int(frame % uhci.NumFrames)

	s.slotMu.Lock()
	defer s.slotMu.Unlock()

	head := s.slots[slot]
	if head != nil {
		itd.SetLink(head.phys)
	} else {
		itd.SetLink(s.treeQH(slot).PhysLink())
	}
	itd.slotNext = head
	itd.frameNumber = frame
	s.slots[slot] = itd
	uhci.PutWord(s.frameList.Bytes, slot*4, itd.phys)
}

// DetachRetiredITDs pops every inactive descriptor from a frame slot and
// returns them chained through doneNext, newest first. Runs in interrupt
// context; it must not allocate.
func (s *Schedule) DetachRetiredITDs(slot int) *ITD {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()

	var done, tail *ITD
	// Retired descriptors can only be a prefix of the chain: anything
	// still active was scheduled for a later wrap of the same slot.
	for s.slots[slot] != nil && !s.slots[slot].Active() {
		itd := s.slots[slot]
		s.slots[slot] = itd.slotNext
		itd.slotNext = nil
		itd.doneNext = nil
		if tail == nil {
			done = itd
		} else {
			tail.doneNext = itd
		}
		tail = itd
	}
	if s.slots[slot] != nil {
		uhci.PutWord(s.frameList.Bytes, slot*4, s.slots[slot].phys)
	} else {
		uhci.PutWord(s.frameList.Bytes, slot*4, s.treeQH(slot).PhysLink())
	}
	return done
}

// DumpFrame renders the chain a frame slot leads through, for debugging.
func (s *Schedule) DumpFrame(slot int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "frame %d:", slot)

	s.slotMu.Lock()
	for itd := s.slots[slot]; itd != nil; itd = itd.slotNext {
		fmt.Fprintf(&sb, " iTD@%08x", itd.phys)
	}
	s.slotMu.Unlock()

	seen := 0
	for qh := s.treeQH(slot); qh != nil && seen < 200; qh = qh.logicalNext {
		fmt.Fprintf(&sb, " %s", qh.String())
		seen++
	}
	return sb.String()
}
