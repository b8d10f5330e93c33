// Package uhci defines the UHCI register file and the hardware layout of
// frame list entries, transfer descriptors and queue heads.
//
// Everything hardware-visible is a little-endian 32-bit word; the helpers
// here encode and decode those words so the transfer engine never touches
// raw bit offsets. Register access widths are fixed by the controller and
// must be preserved exactly.
package uhci

import "encoding/binary"

// I/O register offsets from the controller base.
const (
	RegCommand     = 0x00 // 16-bit
	RegStatus      = 0x02 // 16-bit, write 1 to clear
	RegInterrupt   = 0x04 // 16-bit
	RegFrameNumber = 0x06 // 16-bit
	RegFrameBase   = 0x08 // 32-bit
	RegSOFModify   = 0x0C // 8-bit
	RegPortSC1     = 0x10 // 16-bit
	RegPortSC2     = 0x12 // 16-bit
)

// Command register bits.
const (
	CmdRunStop       = 0x0001
	CmdHCReset       = 0x0002
	CmdGlobalReset   = 0x0004
	CmdGlobalSuspend = 0x0008
	CmdForceResume   = 0x0010
	CmdSWDebug       = 0x0020
	CmdConfigured    = 0x0040
	CmdMaxPacket64   = 0x0080
)

// Status register bits.
const (
	StatusInterrupt    = 0x0001
	StatusErrInterrupt = 0x0002
	StatusResumeDetect = 0x0004
	StatusHostError    = 0x0008
	StatusProcessError = 0x0010
	StatusHalted       = 0x0020
)

// Interrupt enable register bits.
const (
	IntrTimeoutCRC  = 0x0001
	IntrResume      = 0x0002
	IntrComplete    = 0x0004
	IntrShortPacket = 0x0008
)

// Port status/control bits.
const (
	PortConnect       = 0x0001
	PortConnectChange = 0x0002
	PortEnable        = 0x0004
	PortEnableChange  = 0x0008
	PortResumeDetect  = 0x0040
	PortLowSpeed      = 0x0100
	PortReset         = 0x0200
	PortSuspend       = 0x1000
)

// Frame list geometry. The frame number register counts 2048 frames but
// the schedule wraps on the 1024-entry frame list.
const (
	NumFrames        = 1024
	FrameNumberMask  = 0x7FF
	FrameNumberCount = 0x800
	FrameListBytes   = NumFrames * 4
)

// Link pointer bits, shared by frame list entries, TD links and both QH
// link words. Pointers are 16-byte aligned so the low nibble carries flags.
const (
	LinkTerminate  = 0x00000001
	LinkQH         = 0x00000002
	LinkDepthFirst = 0x00000004
	LinkAddrMask   = 0xFFFFFFF0
)

// Descriptor sizes within arena memory. A QH only uses two words but is
// padded to the TD stride so blocks carve uniformly.
const (
	TDBytes = 16
	QHBytes = 16
)

// TD control/status word bits.
const (
	TDStatusActLenMask = 0x000007FF
	TDStatusBitstuff   = 0x00020000
	TDStatusCRCTimeout = 0x00040000
	TDStatusNAK        = 0x00080000
	TDStatusBabble     = 0x00100000
	TDStatusDataBuffer = 0x00200000
	TDStatusStalled    = 0x00400000
	TDStatusActive     = 0x00800000
	TDStatusIOC        = 0x01000000
	TDStatusIsoch      = 0x02000000
	TDStatusLowSpeed   = 0x04000000
	TDStatusSPD        = 0x20000000

	TDStatusErrCountShift = 27
	TDStatusErrCountMask  = 0x18000000

	TDStatusErrorMask = TDStatusBitstuff | TDStatusCRCTimeout |
		TDStatusBabble | TDStatusDataBuffer | TDStatusStalled
)

// TD token word fields.
const (
	TokenPIDMask       = 0x000000FF
	TokenDeviceShift   = 8
	TokenDeviceMask    = 0x00007F00
	TokenEndpointShift = 15
	TokenEndpointMask  = 0x00078000
	TokenDataToggle    = 0x00080000
	TokenMaxLenShift   = 21

	// Packet lengths are encoded n-1; the all-ones value means zero bytes.
	lenNull = 0x7FF
)

// Packet identifiers.
const (
	PIDIn    = 0x69
	PIDOut   = 0xE1
	PIDSetup = 0x2D
)

// Word offsets within a TD.
const (
	TDLink       = 0
	TDCtrlStatus = 4
	TDToken      = 8
	TDBuffer     = 12
)

// Word offsets within a QH.
const (
	QHHLink = 0
	QHELink = 4
)

// Word reads a little-endian 32-bit word from descriptor memory.
func Word(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// PutWord writes a little-endian 32-bit word into descriptor memory.
func PutWord(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// EncodeLen packs a byte count into the n-1 field encoding used by both
// the token maximum-length field and the status actual-length field.
func EncodeLen(n int) uint32 {
	return uint32(n-1) & lenNull
}

// DecodeLen unpacks an n-1 length field back to a byte count.
func DecodeLen(f uint32) int {
	return int((f + 1) & lenNull)
}

// EncodeToken builds a TD token word.
func EncodeToken(pid, device, endpoint uint8, toggle bool, length int) uint32 {
	t := uint32(pid) |
		uint32(device)<<TokenDeviceShift&TokenDeviceMask |
		uint32(endpoint)<<TokenEndpointShift&TokenEndpointMask |
		EncodeLen(length)<<TokenMaxLenShift
	if toggle {
		t |= TokenDataToggle
	}
	return t
}

// TokenPID extracts the packet identifier from a token word.
func TokenPID(token uint32) uint8 {
	return uint8(token & TokenPIDMask)
}

// TokenDevice extracts the device address from a token word.
func TokenDevice(token uint32) uint8 {
	return uint8(token & TokenDeviceMask >> TokenDeviceShift)
}

// TokenEndpoint extracts the endpoint number from a token word.
func TokenEndpoint(token uint32) uint8 {
	return uint8(token & TokenEndpointMask >> TokenEndpointShift)
}

// TokenToggle reports the data toggle carried in a token word.
func TokenToggle(token uint32) bool {
	return token&TokenDataToggle != 0
}

// TokenMaxLen returns the byte count requested by a token word.
func TokenMaxLen(token uint32) int {
	return DecodeLen(token >> TokenMaxLenShift)
}

// StatusActLen returns the byte count the controller reported in a
// control/status word.
func StatusActLen(ctrlStatus uint32) int {
	return DecodeLen(ctrlStatus & TDStatusActLenMask)
}

// InitialCtrlStatus builds the control/status word for a freshly queued
// TD: active, full error counter, and a null actual length so a TD the
// controller never reaches reports zero bytes transferred.
func InitialCtrlStatus(errCount int) uint32 {
	return TDStatusActive |
		uint32(errCount)<<TDStatusErrCountShift&TDStatusErrCountMask |
		EncodeLen(0)
}
