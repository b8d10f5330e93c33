package hcd

import (
	"fmt"

	"github.com/hostctl/uhci/hal"
	"github.com/hostctl/uhci/uhci"
)

// TD is a transfer descriptor: a 16-byte hardware view carved out of an
// arena block, plus the software bookkeeping the hardware never sees.
// The hardware fields are only ever accessed through the accessors so
// endianness stays in one place.
type TD struct {
	hw   []byte
	phys uint32

	logicalNext *TD
	qh          *QH
	xfer        *Transfer
	alignBuf    *AlignBuffer
	direction   hal.Direction
	lastTD      bool // final TD of its transaction

	freeNext *TD
}

func (td *TD) Phys() uint32 { return td.phys }

func (td *TD) Link() uint32        { return uhci.Word(td.hw, uhci.TDLink) }
func (td *TD) SetLink(v uint32)    { uhci.PutWord(td.hw, uhci.TDLink, v) }
func (td *TD) CtrlStatus() uint32  { return uhci.Word(td.hw, uhci.TDCtrlStatus) }
func (td *TD) SetCtrlStatus(v uint32) {
	uhci.PutWord(td.hw, uhci.TDCtrlStatus, v)
}
func (td *TD) Token() uint32     { return uhci.Word(td.hw, uhci.TDToken) }
func (td *TD) SetToken(v uint32) { uhci.PutWord(td.hw, uhci.TDToken, v) }
func (td *TD) Buffer() uint32    { return uhci.Word(td.hw, uhci.TDBuffer) }
func (td *TD) SetBuffer(v uint32) {
	uhci.PutWord(td.hw, uhci.TDBuffer, v)
}

func (td *TD) Active() bool {
	return td.CtrlStatus()&uhci.TDStatusActive != 0
}

func (td *TD) String() string {
	return fmt.Sprintf("TD@%08x link=%08x cs=%08x token=%08x buf=%08x",
		td.phys, td.Link(), td.CtrlStatus(), td.Token(), td.Buffer())
}

// ITD is an isochronous TD. It shares the TD hardware layout but is
// linked into frame list slots directly, never behind a queue head.
type ITD struct {
	hw   []byte
	phys uint32

	ep          *IsochEndpoint
	req         *isochRequest
	frameIndex  int    // index into the request's frame records
	frameNumber uint64 // absolute frame this descriptor was scheduled in
	alignBuf    *AlignBuffer

	slotNext    *ITD // next descriptor in the same frame slot
	doneNext    *ITD // producer-ordered done queue link
	logicalNext *ITD // reversed, chronological consumer chain

	freeNext *ITD
}

func (itd *ITD) Phys() uint32 { return itd.phys }

func (itd *ITD) Link() uint32     { return uhci.Word(itd.hw, uhci.TDLink) }
func (itd *ITD) SetLink(v uint32) { uhci.PutWord(itd.hw, uhci.TDLink, v) }
func (itd *ITD) CtrlStatus() uint32 {
	return uhci.Word(itd.hw, uhci.TDCtrlStatus)
}
func (itd *ITD) SetCtrlStatus(v uint32) {
	uhci.PutWord(itd.hw, uhci.TDCtrlStatus, v)
}
func (itd *ITD) Token() uint32     { return uhci.Word(itd.hw, uhci.TDToken) }
func (itd *ITD) SetToken(v uint32) { uhci.PutWord(itd.hw, uhci.TDToken, v) }
func (itd *ITD) Buffer() uint32    { return uhci.Word(itd.hw, uhci.TDBuffer) }
func (itd *ITD) SetBuffer(v uint32) {
	uhci.PutWord(itd.hw, uhci.TDBuffer, v)
}

func (itd *ITD) Active() bool {
	return itd.CtrlStatus()&uhci.TDStatusActive != 0
}

// QHKind classifies how a queue head is scheduled and scavenged.
type QHKind uint8

const (
	KindControl QHKind = iota
	KindBulk
	KindInterrupt
	KindAnchor // static schedule skeleton, never carries TDs
)

func (k QHKind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindBulk:
		return "bulk"
	case KindInterrupt:
		return "interrupt"
	case KindAnchor:
		return "anchor"
	default:
		return "invalid"
	}
}

// QH is a queue head: two hardware link words plus the software picture
// of the endpoint it serves. firstTD is the oldest unretired descriptor,
// lastTD the newest queued one; both are nil when the queue is empty.
type QH struct {
	hw   []byte
	phys uint32

	logicalNext *QH
	firstTD     *TD
	lastTD      *TD

	kind      QHKind
	function  uint8
	endpoint  uint8
	direction hal.Direction
	lowSpeed  bool
	maxPacket int
	interval  int // interrupt polling interval in frames

	toggle  bool // next data toggle for bulk/interrupt
	stalled bool

	freeNext *QH
}

func (qh *QH) Phys() uint32 { return qh.phys }

func (qh *QH) HLink() uint32     { return uhci.Word(qh.hw, uhci.QHHLink) }
func (qh *QH) SetHLink(v uint32) { uhci.PutWord(qh.hw, uhci.QHHLink, v) }
func (qh *QH) ELink() uint32     { return uhci.Word(qh.hw, uhci.QHELink) }
func (qh *QH) SetELink(v uint32) { uhci.PutWord(qh.hw, uhci.QHELink, v) }

// PhysLink is this QH's address as a link pointer value.
func (qh *QH) PhysLink() uint32 { return qh.phys | uhci.LinkQH }

// Stalled reports whether the endpoint halted on an error and is waiting
// for ClearEndpointStall.
func (qh *QH) Stalled() bool { return qh.stalled }

func (qh *QH) String() string {
	return fmt.Sprintf("QH@%08x %s dev=%d ep=%d hlink=%08x elink=%08x",
		qh.phys, qh.kind, qh.function, qh.endpoint, qh.HLink(), qh.ELink())
}
