package simhc

import "sync"

// BehaviorKind is how a simulated endpoint answers one packet.
type BehaviorKind int

const (
	Ack BehaviorKind = iota
	Nak
	Stall
	CRCTimeout
	Babble
	Bitstuff
	DataBuffer
)

// Behavior scripts one packet's outcome. For IN packets an Ack returns
// Data (truncated to the token's length); nil Data means a full-length
// packet of zeros. Returning fewer bytes than the token asked for is how
// a short packet is scripted.
type Behavior struct {
	Kind BehaviorKind
	Data []byte
}

// DataIn scripts an Ack that returns the given payload.
func DataIn(data []byte) Behavior {
	return Behavior{Kind: Ack, Data: data}
}

// Endpoint is one simulated device endpoint direction. Behaviors queue
// in order, one per packet; an empty queue answers Ack.
type Endpoint struct {
	mu       sync.Mutex
	queue    []Behavior
	received [][]byte
}

// Queue appends scripted behaviors.
func (e *Endpoint) Queue(behaviors ...Behavior) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, behaviors...)
}

func (e *Endpoint) next() Behavior {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return Behavior{Kind: Ack}
	}
	b := e.queue[0]
	e.queue = e.queue[1:]
	return b
}

func (e *Endpoint) accept(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received = append(e.received, append([]byte(nil), data...))
}

// Received returns every payload the endpoint accepted, in order.
func (e *Endpoint) Received() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.received))
	copy(out, e.received)
	return out
}

type epKey struct {
	device   uint8
	endpoint uint8
	in       bool
}
