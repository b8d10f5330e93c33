package hcd

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostctl/uhci/uhci"
)

func newTestSchedule(t *testing.T) *Schedule {
	t.Helper()
	dma := testDMA()
	arena := NewArena(dma, discardLogger())
	s, err := NewSchedule(arena, dma, discardLogger())
	require.NoError(t, err)
	return s
}

// anchorChain is the queue heads a frame slot's walk visits, in order.
func anchorChain(s *Schedule, slot int) []*QH {
	var chain []*QH
	for qh := s.treeQH(slot); qh != nil; qh = qh.logicalNext {
		chain = append(chain, qh)
		if len(chain) > 200 {
			break
		}
	}
	return chain
}

func TestScheduleSkeleton(t *testing.T) {
	s := newTestSchedule(t)

	// every frame list entry is a QH pointer into the interrupt tree
	for f := 0; f < uhci.NumFrames; f++ {
		entry := uhci.Word(s.frameList.Bytes, f*4)
		assert.Equal(t, s.treeQH(f).PhysLink(), entry, "frame %d", f)
	}

	// every slot's walk ends on the same tail: interrupt levels down to
	// every-frame, then low speed, full speed, bulk, terminator
	for _, slot := range []int{0, 1, 2, 17, 64, 513, 1023} {
		chain := anchorChain(s, slot)
		require.NotEmpty(t, chain)
		n := len(chain)
		assert.Same(t, s.terminateQH, chain[n-1], "slot %d", slot)
		assert.Same(t, s.bulkQH, chain[n-2], "slot %d", slot)
		assert.Same(t, s.fsQH, chain[n-3], "slot %d", slot)
		assert.Same(t, s.lsQH, chain[n-4], "slot %d", slot)
		assert.Same(t, s.intrQH[0], chain[n-5], "slot %d", slot)
	}

	// hardware links agree with the logical chain
	for qh := s.WalkHead(); qh.logicalNext != nil; qh = qh.logicalNext {
		assert.Equal(t, qh.logicalNext.PhysLink(), qh.HLink()&^uint32(uhci.LinkTerminate))
	}
}

func TestScheduleTreeStrides(t *testing.T) {
	s := newTestSchedule(t)

	// a slot enters the tree at the level of the largest power of two
	// dividing it, so a level-k anchor is visited every 2^k frames
	assert.Same(t, s.intrQH[NumIntrLevels-1], s.treeQH(0))
	assert.Same(t, s.intrQH[0], s.treeQH(1))
	assert.Same(t, s.intrQH[0], s.treeQH(511))
	assert.Same(t, s.intrQH[5], s.treeQH(32))
	assert.Same(t, s.intrQH[5], s.treeQH(96))
	assert.Same(t, s.intrQH[9], s.treeQH(512))

	for slot := 0; slot < uhci.NumFrames; slot++ {
		chain := anchorChain(s, slot)
		visited := map[*QH]bool{}
		for _, qh := range chain {
			visited[qh] = true
		}
		for level := 0; level < NumIntrLevels; level++ {
			want := slot%(1<<level) == 0
			assert.Equal(t, want, visited[s.intrQH[level]],
				"slot %d level %d", slot, level)
		}
	}
}

func TestScheduleLinkUnlink(t *testing.T) {
	s := newTestSchedule(t)

	alloc := func(kind QHKind, lowSpeed bool, interval int) *QH {
		qh, err := s.arena.AllocateQH()
		require.NoError(t, err)
		qh.kind = kind
		qh.lowSpeed = lowSpeed
		qh.interval = interval
		return qh
	}

	bulk := alloc(KindBulk, false, 0)
	require.NoError(t, s.Link(bulk))
	assert.Same(t, bulk, s.bulkQH.logicalNext)
	assert.Equal(t, bulk.PhysLink(), s.bulkQH.HLink())
	assert.Same(t, s.terminateQH, bulk.logicalNext)

	// second bulk endpoint goes behind the first, not behind the anchor
	bulk2 := alloc(KindBulk, false, 0)
	require.NoError(t, s.Link(bulk2))
	assert.Same(t, bulk2, bulk.logicalNext)

	intr := alloc(KindInterrupt, false, 32)
	require.NoError(t, s.Link(intr))
	for slot := 0; slot < uhci.NumFrames; slot++ {
		visited := false
		for _, qh := range anchorChain(s, slot) {
			if qh == intr {
				visited = true
			}
		}
		assert.Equal(t, slot%32 == 0, visited, "slot %d", slot)
	}

	ls := alloc(KindControl, true, 0)
	require.NoError(t, s.Link(ls))
	assert.Same(t, ls, s.lsQH.logicalNext)

	require.NoError(t, s.Unlink(bulk))
	assert.Same(t, bulk2, s.bulkQH.logicalNext)
	assert.Equal(t, bulk2.PhysLink(), s.bulkQH.HLink())
	assert.ErrorIs(t, s.Unlink(bulk), errNotLinked)

	// unlinking the class tail moves the insertion point back
	require.NoError(t, s.Unlink(bulk2))
	bulk3 := alloc(KindBulk, false, 0)
	require.NoError(t, s.Link(bulk3))
	assert.Same(t, bulk3, s.bulkQH.logicalNext)
}

func TestScheduleLinkRejectsAnchor(t *testing.T) {
	s := newTestSchedule(t)
	qh, err := s.arena.AllocateQH()
	require.NoError(t, err)
	qh.kind = KindAnchor
	assert.Error(t, s.Link(qh))
}

func TestReclaimBandwidth(t *testing.T) {
	s := newTestSchedule(t)

	// idle schedule: the terminator's loopback link is parked
	assert.NotZero(t, s.terminateQH.HLink()&uhci.LinkTerminate)
	assert.Equal(t, s.fsQH.PhysLink(), s.terminateQH.HLink()&^uint32(uhci.LinkTerminate))

	s.ReclaimBandwidth(true)
	assert.Equal(t, s.fsQH.PhysLink(), s.terminateQH.HLink())

	s.ReclaimBandwidth(false)
	assert.NotZero(t, s.terminateQH.HLink()&uhci.LinkTerminate)
}

func TestScheduleITDChains(t *testing.T) {
	s := newTestSchedule(t)

	allocITD := func() *ITD {
		itd, err := s.arena.AllocateITD()
		require.NoError(t, err)
		itd.SetCtrlStatus(uhci.InitialCtrlStatus(0) | uhci.TDStatusIsoch)
		return itd
	}

	const slot = 7
	older := allocITD()
	newer := allocITD()
	s.ScheduleITD(older, slot)
	s.ScheduleITD(newer, uhci.NumFrames+slot)

	// newest descriptor heads the slot; the frame entry points at it and
	// its link runs through the older one into the tree
	assert.Equal(t, newer.phys, uhci.Word(s.frameList.Bytes, slot*4))
	assert.Equal(t, older.phys, newer.Link())
	assert.Equal(t, s.treeQH(slot).PhysLink(), older.Link())
}

func TestScheduleDetachRetiredITDs(t *testing.T) {
	s := newTestSchedule(t)

	allocITD := func(active bool) *ITD {
		itd, err := s.arena.AllocateITD()
		require.NoError(t, err)
		if active {
			itd.SetCtrlStatus(uhci.InitialCtrlStatus(0) | uhci.TDStatusIsoch)
		}
		return itd
	}

	const slot = 3
	first := allocITD(false)
	second := allocITD(false)
	pending := allocITD(true)
	s.ScheduleITD(first, slot)
	s.ScheduleITD(second, slot+uhci.NumFrames)
	s.ScheduleITD(pending, slot+2*uhci.NumFrames)

	// nothing retired yet behind the active head
	done := s.DetachRetiredITDs(slot)
	assert.Nil(t, done)
	assert.Equal(t, pending.phys, uhci.Word(s.frameList.Bytes, slot*4))

	// once the head retires, the whole inactive prefix comes off newest
	// first and the frame entry falls back to the tree
	pending.SetCtrlStatus(0)
	done = s.DetachRetiredITDs(slot)
	require.NotNil(t, done)
	assert.Same(t, pending, done)
	assert.Same(t, second, done.doneNext)
	assert.Same(t, first, done.doneNext.doneNext)
	assert.Nil(t, done.doneNext.doneNext.doneNext)
	assert.Equal(t, s.treeQH(slot).PhysLink(), uhci.Word(s.frameList.Bytes, slot*4))

	assert.Nil(t, s.DetachRetiredITDs(slot))
}

func TestDumpFrameDescribesChain(t *testing.T) {
	s := newTestSchedule(t)

	qh, err := s.arena.AllocateQH()
	require.NoError(t, err)
	qh.kind = KindBulk
	qh.function = 3
	qh.endpoint = 1
	require.NoError(t, s.Link(qh))

	itd, err := s.arena.AllocateITD()
	require.NoError(t, err)
	s.ScheduleITD(itd, 7)

	dump := s.DumpFrame(7)
	assert.Contains(t, dump, "frame 7:")
	assert.Contains(t, dump, fmt.Sprintf("iTD@%08x", itd.phys))
	assert.Contains(t, dump, "dev=3 ep=1")
	assert.Contains(t, dump, s.terminateQH.String())
}
