// Package hal declares the hardware-facing interfaces the transfer engine
// is written against: register access, interrupt delivery and DMA memory.
// Real PCI glue and the simulated controller both satisfy these.
package hal

// Direction is the bus-relative direction of a data transfer.
type Direction int

const (
	DirOut Direction = iota // host to device
	DirIn                   // device to host
)

func (d Direction) String() string {
	switch d {
	case DirOut:
		return "out"
	case DirIn:
		return "in"
	default:
		return "invalid"
	}
}

// RegisterIO provides access to the controller's I/O register file.
// Offsets are relative to the controller base; access width matters and
// callers must use the width the register defines.
type RegisterIO interface {
	Read16(offset uint16) uint16
	Write16(offset uint16, value uint16)
	Read32(offset uint16) uint32
	Write32(offset uint16, value uint32)
}

// InterruptSource delivers hardware interrupts. The registered filter
// runs in interrupt context: it must not block, allocate, or take any
// lock shared with code that can be interrupted by it.
type InterruptSource interface {
	SetFilter(fn func())
}

// MemBlock is a page of physically contiguous memory visible to both
// the CPU and the controller.
type MemBlock struct {
	Bytes []byte
	Phys  uint32
}

// Segment is one physically contiguous run of a prepared buffer.
type Segment struct {
	Phys uint32
	Len  int
}

// Mapping is a caller buffer prepared for controller access. Complete is
// the teardown phase: for device-to-host mappings it makes retired data
// visible in the caller's buffer, then runs any deferred work queued with
// Defer, in order. Complete must be called exactly once, outside
// interrupt context, after the hardware can no longer reach the buffer.
type Mapping interface {
	Segments() []Segment
	Defer(fn func())
	Complete()
}

// DMA allocates controller-visible memory and prepares caller buffers
// for transfers.
type DMA interface {
	AllocBlock(size int) (*MemBlock, error)
	PrepareMapping(buf []byte, dir Direction) (Mapping, error)
}

// Controller bundles everything the transfer engine needs from a piece
// of UHCI hardware.
type Controller interface {
	RegisterIO
	InterruptSource
	DMA
}
