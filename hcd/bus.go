package hcd

import (
	"fmt"
	"time"

	"github.com/hostctl/uhci/uhci"
)

// BusState is the engine's view of the controller.
type BusState int32

const (
	BusOff BusState = iota
	BusRunning
	BusHalted
	BusDead
)

func (s BusState) String() string {
	switch s {
	case BusOff:
		return "off"
	case BusRunning:
		return "running"
	case BusHalted:
		return "halted"
	case BusDead:
		return "dead"
	default:
		return "invalid"
	}
}

// BusState reports the current bus state.
func (c *Controller) BusState() BusState {
	return BusState(c.busState.Load())
}

// BabbleSeen reports whether any transfer has retired with a babble
// condition since the last call, clearing the latch.
func (c *Controller) BabbleSeen() bool {
	return c.babbled.Swap(false)
}

// setRunning flips the run/stop bit and waits, bounded, for the halted
// status bit to agree.
func (c *Controller) setRunning(run bool) error {
	cmd := c.regs.Read16(uhci.RegCommand)
	if run {
		cmd |= uhci.CmdRunStop
	} else {
		cmd &^= uhci.CmdRunStop
	}
	c.regs.Write16(uhci.RegCommand, cmd)

	for i := 0; i < 20; i++ {
		halted := c.regs.Read16(uhci.RegStatus)&uhci.StatusHalted != 0
		if halted != run {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	if run {
		return fmt.Errorf("controller refused to run: %w", ErrDeadBus)
	}
	return fmt.Errorf("controller refused to halt: %w", ErrDeadBus)
}

// hcReset pulses the host controller reset bit and waits for it to
// self-clear.
func (c *Controller) hcReset() error {
	c.regs.Write16(uhci.RegCommand, uhci.CmdHCReset)
	for i := 0; i < 10; i++ {
		if c.regs.Read16(uhci.RegCommand)&uhci.CmdHCReset == 0 {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return fmt.Errorf("reset did not complete: %w", ErrDeadBus)
}

// globalReset drives bus-wide reset signaling, then releases it.
func (c *Controller) globalReset() {
	c.regs.Write16(uhci.RegCommand, uhci.CmdGlobalReset)
	time.Sleep(5 * time.Millisecond)
	c.regs.Write16(uhci.RegCommand, 0)
}

// frameAdvancing probes whether the controller is consuming frames.
func (c *Controller) frameAdvancing() bool {
	before := c.regs.Read16(uhci.RegFrameNumber) & uhci.FrameNumberMask
	time.Sleep(3 * time.Millisecond)
	after := c.regs.Read16(uhci.RegFrameNumber) & uhci.FrameNumberMask
	return before != after
}

// CheckLiveness verifies the controller is consuming frames. A stuck
// frame counter gets a bounded number of re-probes, then exactly one
// reset-and-restart attempt; if the counter still does not move the bus
// is declared dead and further submissions fail with ErrDeadBus.
func (c *Controller) CheckLiveness() error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	for i := 0; i < c.cfg.LivenessRetries; i++ {
		if c.frameAdvancing() {
			c.busState.Store(int32(BusRunning))
			return nil
		}
	}
	c.log.Warn("frame counter stuck, attempting recovery")
	return c.gated(func() error {
		c.recoverBus()
		if c.BusState() == BusDead {
			return ErrDeadBus
		}
		return nil
	})
}

// recoverBus re-initializes a wedged controller in place: reset, restore
// schedule pointers and interrupt mask, restart. Work loop only.
func (c *Controller) recoverBus() {
	frnum := c.regs.Read16(uhci.RegFrameNumber)
	if err := c.hcReset(); err != nil {
		c.busState.Store(int32(BusDead))
		c.log.Error("bus recovery failed", "err", err)
		return
	}
	c.regs.Write32(uhci.RegFrameBase, c.sched.FrameBase())
	c.regs.Write16(uhci.RegFrameNumber, frnum&uhci.FrameNumberMask)
	c.regs.Write16(uhci.RegInterrupt,
		uhci.IntrTimeoutCRC|uhci.IntrResume|uhci.IntrComplete|uhci.IntrShortPacket)
	c.regs.Write16(uhci.RegCommand, uhci.CmdConfigured|uhci.CmdMaxPacket64)
	if err := c.setRunning(true); err != nil {
		c.busState.Store(int32(BusDead))
		c.log.Error("bus recovery failed", "err", err)
		return
	}
	if !c.frameAdvancing() {
		c.busState.Store(int32(BusDead))
		c.log.Error("bus recovery failed, frame counter still stuck")
		return
	}
	c.busState.Store(int32(BusRunning))
	c.log.Info("bus recovered")
}

type savedState struct {
	frnum uint16
	base  uint32
	intr  uint16
	valid bool
}

// Suspend halts the schedule and captures the register state needed to
// resume. Queued work stays queued.
func (c *Controller) Suspend() error {
	return c.gated(func() error {
		if err := c.setRunning(false); err != nil {
			return err
		}
		c.saved = savedState{
			frnum: c.regs.Read16(uhci.RegFrameNumber),
			base:  c.regs.Read32(uhci.RegFrameBase),
			intr:  c.regs.Read16(uhci.RegInterrupt),
			valid: true,
		}
		c.busState.Store(int32(BusHalted))
		c.log.Info("controller suspended")
		return nil
	})
}

// Resume restores the state captured by Suspend and restarts the
// schedule.
func (c *Controller) Resume() error {
	return c.gated(func() error {
		if !c.saved.valid {
			return fmt.Errorf("resume without suspend")
		}
		c.regs.Write32(uhci.RegFrameBase, c.saved.base)
		c.regs.Write16(uhci.RegFrameNumber, c.saved.frnum&uhci.FrameNumberMask)
		c.regs.Write16(uhci.RegInterrupt, c.saved.intr)
		c.regs.Write16(uhci.RegCommand, uhci.CmdConfigured|uhci.CmdMaxPacket64)
		c.saved.valid = false
		if err := c.setRunning(true); err != nil {
			return err
		}
		c.busState.Store(int32(BusRunning))
		c.log.Info("controller resumed")
		return nil
	})
}
