package hcd

import (
	"fmt"
	"time"

	"github.com/hostctl/uhci/hal"
	"github.com/hostctl/uhci/uhci"
)

// EndpointConfig describes a class endpoint to open a queue for.
type EndpointConfig struct {
	Function  uint8
	Endpoint  uint8
	Direction hal.Direction
	Kind      QHKind
	LowSpeed  bool
	MaxPacket int
	Interval  int // polling interval in frames, interrupt endpoints only
}

// CreateEndpoint allocates a queue head for the endpoint and links it
// into the schedule. The returned QH is the handle for submissions.
func (c *Controller) CreateEndpoint(cfg EndpointConfig) (*QH, error) {
	switch {
	case cfg.Kind != KindControl && cfg.Kind != KindBulk && cfg.Kind != KindInterrupt:
		return nil, fmt.Errorf("%w: kind %s", errBadRequest, cfg.Kind)
	case cfg.MaxPacket < 1 || cfg.MaxPacket > 1023:
		return nil, fmt.Errorf("%w: max packet %d", errBadRequest, cfg.MaxPacket)
	}

	var qh *QH
	err := c.gated(func() error {
		var err error
		qh, err = c.arena.AllocateQH()
		if err != nil {
			return err
		}
		qh.kind = cfg.Kind
		qh.function = cfg.Function
		qh.endpoint = cfg.Endpoint
		qh.direction = cfg.Direction
		qh.lowSpeed = cfg.LowSpeed
		qh.maxPacket = cfg.MaxPacket
		qh.interval = cfg.Interval
		if err := c.sched.Link(qh); err != nil {
			c.arena.DeallocateQH(qh)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return qh, nil
}

// RemoveEndpoint cancels everything queued on the endpoint, unlinks its
// queue head from the schedule and frees it. The QH must not be used
// afterwards.
func (c *Controller) RemoveEndpoint(qh *QH) error {
	if qh == nil || qh.kind == KindAnchor {
		return errBadRequest
	}
	return c.gated(func() error {
		c.abortLocked(qh)
		if err := c.sched.Unlink(qh); err != nil {
			return err
		}
		c.arena.DeallocateQH(qh)
		return nil
	})
}

// AbortEndpoint cancels everything queued on the endpoint. Each pending
// transaction gets exactly one completion with ErrCancelled. The
// endpoint itself stays linked and usable.
func (c *Controller) AbortEndpoint(qh *QH) error {
	if qh == nil || qh.kind == KindAnchor {
		return errBadRequest
	}
	return c.gated(func() error {
		c.abortLocked(qh)
		return nil
	})
}

// abortLocked runs on the work loop. It parks the element link so the
// controller stops fetching from this queue, waits out any packet in
// flight, then hands every pending transaction back with ErrCancelled.
func (c *Controller) abortLocked(qh *QH) {
	qh.SetELink(uhci.LinkTerminate)

	// Two frame times for the controller to finish a packet it already
	// fetched. The park above keeps it from starting another.
	if c.running.Load() {
		time.Sleep(2 * time.Millisecond)
	}

	td := qh.firstTD
	qh.firstTD = nil
	qh.lastTD = nil

	shortfall := 0
	for td != nil {
		shortfall += uhci.TokenMaxLen(td.Token()) - uhci.StatusActLen(td.CtrlStatus())
		if td.alignBuf != nil {
			c.pool.Release(td.alignBuf)
		}
		next := td.logicalNext
		if td.lastTD {
			t := td.xfer
			c.arena.DeallocateTD(td)
			c.finishTransaction(t, qh, ErrCancelled, shortfall)
			shortfall = 0
		} else {
			c.arena.DeallocateTD(td)
		}
		td = next
	}
}

// ClearEndpointStall re-arms a halted endpoint: the halt flag and data
// toggle are reset, pending transactions get fresh toggles starting at
// DATA0, and the element link is re-primed at the oldest pending TD.
func (c *Controller) ClearEndpointStall(qh *QH) error {
	if qh == nil || qh.kind == KindAnchor {
		return errBadRequest
	}
	return c.gated(func() error {
		qh.stalled = false
		qh.toggle = false

		// Control transactions carry their own fixed toggle pattern;
		// only streaming queues get re-sequenced.
		if qh.kind != KindControl {
			toggle := false
			for td := qh.firstTD; td != nil; td = td.logicalNext {
				token := td.Token() &^ uhci.TokenDataToggle
				if toggle {
					token |= uhci.TokenDataToggle
				}
				td.SetToken(token)
				toggle = !toggle
			}
			qh.toggle = toggle
		}

		if qh.firstTD != nil {
			qh.SetELink(qh.firstTD.phys)
		} else {
			qh.SetELink(uhci.LinkTerminate)
		}
		c.log.Debug("endpoint stall cleared", "qh", qh.String())
		return nil
	})
}
