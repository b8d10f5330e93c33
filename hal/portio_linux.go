//go:build linux

package hal

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// PortIO implements RegisterIO over x86 I/O port space via /dev/port.
// Register accesses have no failure path, matching real port I/O; an
// access against a vanished fd reads as all ones, which the liveness
// check upstream treats as a dead bus.
type PortIO struct {
	base int64
	fd   int
}

// OpenPortIO opens the port space window at base. Requires CAP_SYS_RAWIO.
func OpenPortIO(base uint16) (*PortIO, error) {
	fd, err := unix.Open("/dev/port", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/port: %w", err)
	}
	return &PortIO{base: int64(base), fd: fd}, nil
}

func (p *PortIO) Read16(offset uint16) uint16 {
	var b [2]byte
	if n, err := unix.Pread(p.fd, b[:], p.base+int64(offset)); err != nil || n != len(b) {
		return 0xFFFF
	}
	return binary.LittleEndian.Uint16(b[:])
}

func (p *PortIO) Write16(offset uint16, value uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], value)
	unix.Pwrite(p.fd, b[:], p.base+int64(offset))
}

func (p *PortIO) Read32(offset uint16) uint32 {
	var b [4]byte
	if n, err := unix.Pread(p.fd, b[:], p.base+int64(offset)); err != nil || n != len(b) {
		return 0xFFFFFFFF
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (p *PortIO) Write32(offset uint16, value uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	unix.Pwrite(p.fd, b[:], p.base+int64(offset))
}

// Close releases the port space fd.
func (p *PortIO) Close() error {
	return unix.Close(p.fd)
}
