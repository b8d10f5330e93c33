package hcd

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostctl/uhci/hal"
	"github.com/hostctl/uhci/hal/simhc"
	"github.com/hostctl/uhci/uhci"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDMA() *simhc.DMA {
	return &simhc.DMA{Mem: simhc.NewMemory()}
}

type failDMA struct{}

func (failDMA) AllocBlock(int) (*hal.MemBlock, error) {
	return nil, errors.New("out of controller memory")
}

func (failDMA) PrepareMapping([]byte, hal.Direction) (hal.Mapping, error) {
	return nil, errors.New("out of controller memory")
}

func TestArenaTDRoundTrip(t *testing.T) {
	a := NewArena(testDMA(), discardLogger())

	td, err := a.AllocateTD(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Blocks())
	assert.NotZero(t, td.phys)
	assert.Zero(t, td.phys%uhci.TDBytes)

	td.SetCtrlStatus(uhci.InitialCtrlStatus(3))
	td.SetLink(0xCAFE0)
	a.DeallocateTD(td)

	// freeing scrubs the hardware-visible words
	assert.Zero(t, td.CtrlStatus())
	assert.Equal(t, uint32(uhci.LinkTerminate), td.Link())
	assert.Nil(t, td.xfer)
	assert.Nil(t, td.qh)
}

func TestArenaRecyclesWithoutGrowing(t *testing.T) {
	a := NewArena(testDMA(), discardLogger())

	first := make([]*TD, tdsPerBlock)
	for i := range first {
		td, err := a.AllocateTD(nil)
		require.NoError(t, err)
		first[i] = td
	}
	require.Equal(t, 1, a.Blocks())

	// the free list is empty; returning one descriptor must satisfy the
	// next allocation instead of growing
	a.DeallocateTD(first[0])
	td, err := a.AllocateTD(nil)
	require.NoError(t, err)
	assert.Same(t, first[0], td)
	assert.Equal(t, 1, a.Blocks())

	// draining again grows a second block
	_, err = a.AllocateTD(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Blocks())
}

func TestArenaFreshDescriptorsBeforeRecycled(t *testing.T) {
	a := NewArena(testDMA(), discardLogger())

	td1, err := a.AllocateTD(nil)
	require.NoError(t, err)
	a.DeallocateTD(td1)

	// a just-freed descriptor goes to the back of the list; fresh ones
	// from the same block come out first
	td2, err := a.AllocateTD(nil)
	require.NoError(t, err)
	assert.NotSame(t, td1, td2)
}

func TestArenaQH(t *testing.T) {
	a := NewArena(testDMA(), discardLogger())

	qh, err := a.AllocateQH()
	require.NoError(t, err)
	assert.Equal(t, uint32(uhci.LinkTerminate), qh.HLink())
	assert.Equal(t, uint32(uhci.LinkTerminate), qh.ELink())
	assert.Zero(t, qh.phys%uhci.QHBytes)

	qh.SetHLink(0x12340 | uhci.LinkQH)
	qh.SetELink(0x45670)
	qh.stalled = true
	a.DeallocateQH(qh)
	assert.Equal(t, uint32(uhci.LinkTerminate), qh.HLink())
	assert.Equal(t, uint32(uhci.LinkTerminate), qh.ELink())
}

func TestArenaITD(t *testing.T) {
	a := NewArena(testDMA(), discardLogger())

	itd, err := a.AllocateITD()
	require.NoError(t, err)
	itd.SetCtrlStatus(uhci.InitialCtrlStatus(0) | uhci.TDStatusIsoch)
	itd.SetLink(0xBEEF0)
	a.DeallocateITD(itd)
	assert.Zero(t, itd.CtrlStatus())
	assert.Equal(t, uint32(uhci.LinkTerminate), itd.Link())
	assert.Nil(t, itd.ep)
	assert.Nil(t, itd.req)
}

func TestArenaAllocFailure(t *testing.T) {
	a := NewArena(failDMA{}, discardLogger())
	_, err := a.AllocateTD(nil)
	require.Error(t, err)
	_, err = a.AllocateQH()
	require.Error(t, err)
	assert.Zero(t, a.Blocks())
}

func TestBufferPoolExhaustion(t *testing.T) {
	p, err := NewBufferPool(testDMA(), discardLogger())
	require.NoError(t, err)

	held := make([]*AlignBuffer, 0, cbiBufferCount)
	for i := 0; i < cbiBufferCount; i++ {
		b, err := p.Get(AlignCBI)
		require.NoError(t, err)
		assert.Len(t, b.bytes, cbiBufferBytes)
		held = append(held, b)
	}

	// the pool never grows
	_, err = p.Get(AlignCBI)
	assert.ErrorIs(t, err, ErrNoResources)

	inUse, _ := p.InUse()
	assert.Equal(t, cbiBufferCount, inUse)

	p.Release(held[0])
	b, err := p.Get(AlignCBI)
	require.NoError(t, err)
	assert.Nil(t, b.userBuf)

	high, _ := p.HighWater()
	assert.Equal(t, cbiBufferCount, high)
}

func TestBufferPoolKindsAreSeparate(t *testing.T) {
	p, err := NewBufferPool(testDMA(), discardLogger())
	require.NoError(t, err)

	for i := 0; i < cbiBufferCount; i++ {
		_, err := p.Get(AlignCBI)
		require.NoError(t, err)
	}
	// class exhaustion leaves the isoch pool untouched
	b, err := p.Get(AlignIsoch)
	require.NoError(t, err)
	assert.Len(t, b.bytes, isochBufferBytes)

	cbi, isoch := p.InUse()
	assert.Equal(t, cbiBufferCount, cbi)
	assert.Equal(t, 1, isoch)
}
