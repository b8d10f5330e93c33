package simhc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostctl/uhci/hal"
	"github.com/hostctl/uhci/uhci"
)

func TestRegisterSemantics(t *testing.T) {
	c := New()

	// reset state: halted, nothing enabled
	assert.NotZero(t, c.Read16(uhci.RegStatus)&uhci.StatusHalted)
	assert.Zero(t, c.Read16(uhci.RegCommand))

	// frame number writable only while stopped, and masked
	c.Write16(uhci.RegFrameNumber, 0xFFFF)
	assert.Equal(t, uint16(uhci.FrameNumberMask), c.Read16(uhci.RegFrameNumber))
	c.Write16(uhci.RegFrameNumber, 0)

	// frame base keeps only the page-aligned part
	c.Write32(uhci.RegFrameBase, 0x123456)
	assert.Equal(t, uint32(0x123000), c.Read32(uhci.RegFrameBase))

	// run clears halted; stop sets it back
	c.Write16(uhci.RegCommand, uhci.CmdRunStop)
	assert.Zero(t, c.Read16(uhci.RegStatus)&uhci.StatusHalted)
	c.Write16(uhci.RegFrameNumber, 0x55)
	assert.Zero(t, c.Read16(uhci.RegFrameNumber), "frame number write ignored while running")
	c.Write16(uhci.RegCommand, 0)
	assert.NotZero(t, c.Read16(uhci.RegStatus)&uhci.StatusHalted)

	// status bits are write-one-to-clear
	c.Write16(uhci.RegCommand, uhci.CmdRunStop)
	c.Step(1) // no frame base programmed: process error
	assert.NotZero(t, c.Read16(uhci.RegStatus)&uhci.StatusProcessError)
	c.Write16(uhci.RegStatus, uhci.StatusProcessError)
	assert.Zero(t, c.Read16(uhci.RegStatus)&uhci.StatusProcessError)

	// reset drops everything
	c.Write16(uhci.RegCommand, uhci.CmdHCReset)
	assert.Zero(t, c.Read16(uhci.RegCommand)&uhci.CmdHCReset, "reset self-clears")
	assert.NotZero(t, c.Read16(uhci.RegStatus)&uhci.StatusHalted)
	assert.Zero(t, c.Read32(uhci.RegFrameBase))
}

func TestMemoryResolution(t *testing.T) {
	mem := NewMemory()
	blk, err := mem.AllocBlock(64)
	require.NoError(t, err)

	got := mem.At(blk.Phys, 64)
	require.NotNil(t, got)
	got[0] = 0xAB
	assert.Equal(t, byte(0xAB), blk.Bytes[0])

	assert.NotNil(t, mem.At(blk.Phys+60, 4))
	assert.Nil(t, mem.At(blk.Phys+61, 4), "read past the block")
	assert.Nil(t, mem.At(0xDEAD0000, 1))

	_, err = mem.AllocBlock(0)
	assert.Error(t, err)
}

func TestMappingFragmentsAndCopiesBack(t *testing.T) {
	mem := NewMemory()
	dma := &DMA{Mem: mem, SegmentSize: 10}

	buf := make([]byte, 25)
	m, err := dma.PrepareMapping(buf, hal.DirIn)
	require.NoError(t, err)

	segs := m.Segments()
	require.Len(t, segs, 3)
	assert.Equal(t, 10, segs[0].Len)
	assert.Equal(t, 10, segs[1].Len)
	assert.Equal(t, 5, segs[2].Len)

	// device writes land in backing memory and surface at teardown
	copy(mem.At(segs[1].Phys, 4), []byte{1, 2, 3, 4})
	ran := false
	m.Defer(func() { ran = true })
	m.Complete()
	assert.Equal(t, []byte{1, 2, 3, 4}, buf[10:14])
	assert.True(t, ran)

	assert.Panics(t, func() { m.Complete() })
}

func TestMappingOutCopiesIn(t *testing.T) {
	dma := &DMA{Mem: NewMemory(), SegmentSize: 8}
	buf := []byte{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}
	m, err := dma.PrepareMapping(buf, hal.DirOut)
	require.NoError(t, err)

	segs := m.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, buf[:8], dma.Mem.At(segs[0].Phys, 8))
	assert.Equal(t, buf[8:], dma.Mem.At(segs[1].Phys, 2))
	m.Complete()
}

// buildTD writes a bare transfer descriptor into simulated memory.
func buildTD(t *testing.T, mem *Memory, pid uint8, device, endpoint uint8, length int, cs uint32) ([]byte, uint32) {
	t.Helper()
	blk, err := mem.AllocBlock(uhci.TDBytes)
	require.NoError(t, err)
	uhci.PutWord(blk.Bytes, uhci.TDLink, uhci.LinkTerminate)
	uhci.PutWord(blk.Bytes, uhci.TDCtrlStatus, cs)
	uhci.PutWord(blk.Bytes, uhci.TDToken, uhci.EncodeToken(pid, device, endpoint, false, length))
	return blk.Bytes, blk.Phys
}

func TestFrameWalkExecutesQueue(t *testing.T) {
	c := New()
	mem := c.Mem

	fl, err := mem.AllocBlock(uhci.FrameListBytes)
	require.NoError(t, err)

	qh, err := mem.AllocBlock(uhci.QHBytes)
	require.NoError(t, err)
	uhci.PutWord(qh.Bytes, uhci.QHHLink, uhci.LinkTerminate)

	payload, err := mem.AllocBlock(8)
	require.NoError(t, err)
	copy(payload.Bytes, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	td, tdPhys := buildTD(t, mem, uhci.PIDOut, 1, 1, 8,
		uhci.InitialCtrlStatus(3)|uhci.TDStatusIOC)
	uhci.PutWord(td, uhci.TDBuffer, payload.Phys)
	uhci.PutWord(qh.Bytes, uhci.QHELink, tdPhys)

	for f := 0; f < uhci.NumFrames; f++ {
		uhci.PutWord(fl.Bytes, f*4, qh.Phys|uhci.LinkQH)
	}

	var fired int
	c.SetFilter(func() { fired++ })
	c.Write32(uhci.RegFrameBase, fl.Phys)
	c.Write16(uhci.RegInterrupt, uhci.IntrComplete)
	c.Write16(uhci.RegCommand, uhci.CmdRunStop)
	c.Step(1)

	// the packet ran: TD retired, element link advanced, interrupt fired
	cs := uhci.Word(td, uhci.TDCtrlStatus)
	assert.Zero(t, cs&uhci.TDStatusActive)
	assert.Equal(t, 8, uhci.StatusActLen(cs))
	assert.NotZero(t, uhci.Word(qh.Bytes, uhci.QHELink)&uhci.LinkTerminate)
	assert.Equal(t, 1, fired)

	got := c.Endpoint(1, 1, false).Received()
	require.Len(t, got, 1)
	assert.Equal(t, payload.Bytes, got[0])

	assert.Equal(t, uint16(1), c.Read16(uhci.RegFrameNumber))
}

func TestScriptedBehaviors(t *testing.T) {
	tests := []struct {
		name    string
		kind    BehaviorKind
		errBits uint32
	}{
		{"stall", Stall, uhci.TDStatusStalled},
		{"crc timeout", CRCTimeout, uhci.TDStatusCRCTimeout | uhci.TDStatusStalled},
		{"babble", Babble, uhci.TDStatusBabble | uhci.TDStatusStalled},
		{"bitstuff", Bitstuff, uhci.TDStatusBitstuff | uhci.TDStatusStalled},
		{"data buffer", DataBuffer, uhci.TDStatusDataBuffer | uhci.TDStatusStalled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			mem := c.Mem

			fl, err := mem.AllocBlock(uhci.FrameListBytes)
			require.NoError(t, err)
			td, tdPhys := buildTD(t, mem, uhci.PIDIn, 2, 1, 0,
				uhci.InitialCtrlStatus(3))
			for f := 0; f < uhci.NumFrames; f++ {
				uhci.PutWord(fl.Bytes, f*4, tdPhys&uhci.LinkAddrMask)
			}

			c.Endpoint(2, 1, true).Queue(Behavior{Kind: tt.kind})
			c.Write32(uhci.RegFrameBase, fl.Phys)
			c.Write16(uhci.RegCommand, uhci.CmdRunStop)
			c.Step(1)

			cs := uhci.Word(td, uhci.TDCtrlStatus)
			assert.Zero(t, cs&uhci.TDStatusActive)
			assert.Equal(t, tt.errBits, cs&uhci.TDStatusErrorMask)
			assert.NotZero(t, c.Read16(uhci.RegStatus)&uhci.StatusErrInterrupt)
		})
	}
}

func TestStepStopsWhenHalted(t *testing.T) {
	c := New()
	c.Step(5)
	assert.Zero(t, c.Read16(uhci.RegFrameNumber))
	assert.NotZero(t, c.Read16(uhci.RegStatus)&uhci.StatusHalted)
}

func TestEndpointDefaultsToAck(t *testing.T) {
	e := &Endpoint{}
	b := e.next()
	assert.Equal(t, Ack, b.Kind)
	assert.Nil(t, b.Data)
}
