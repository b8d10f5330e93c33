package hcd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hostctl/uhci/hal"
	"github.com/hostctl/uhci/internal/log"
	"github.com/hostctl/uhci/uhci"
)

// Config tunes engine behavior. Zero values take defaults.
type Config struct {
	// IsochLookahead is how many frames ahead each isochronous endpoint
	// is provisioned in the schedule.
	IsochLookahead int

	// LivenessRetries is how many frame-advance probes CheckLiveness
	// makes before declaring the bus stuck.
	LivenessRetries int

	// ErrorRetries is the per-TD hardware retry budget (0-3).
	ErrorRetries int
}

// DefaultConfig returns the tuning a real controller runs with.
func DefaultConfig() Config {
	return Config{
		IsochLookahead:  128,
		LivenessRetries: 3,
		ErrorRetries:    3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IsochLookahead <= 0 {
		c.IsochLookahead = d.IsochLookahead
	}
	if c.IsochLookahead > uhci.NumFrames/2 {
		c.IsochLookahead = uhci.NumFrames / 2
	}
	if c.LivenessRetries <= 0 {
		c.LivenessRetries = d.LivenessRetries
	}
	if c.ErrorRetries <= 0 || c.ErrorRetries > 3 {
		c.ErrorRetries = d.ErrorRetries
	}
	return c
}

type gatedCall struct {
	fn   func() error
	done chan error
}

// Controller is the transfer engine for one UHCI controller. All queue
// manipulation happens on a single work loop goroutine; public
// operations are closures handed to that loop through the gate channel,
// so nothing here needs a queue-wide lock. The interrupt filter is the
// one exception: it only acknowledges hardware status and moves retired
// isochronous descriptors onto the software done queue.
type Controller struct {
	cfg  Config
	log  *slog.Logger
	regs hal.RegisterIO
	dma  hal.DMA
	irq  hal.InterruptSource

	arena   *Arena
	pool    *BufferPool
	sched   *Schedule
	metrics *Metrics

	// done queue handoff, shared with the interrupt filter
	doneMu        sync.Mutex
	doneHead      *ITD
	producerCount uint32

	consumerCount uint32 // work loop only
	lastScanned   uint16 // filter only: raw frame already scavenged up to

	hcError atomic.Bool // host/process error seen by the filter
	babbled atomic.Bool // set when any transfer retires with babble

	wake chan struct{}
	gate chan gatedCall

	// lifeMu guards quit/loopDone, which are replaced on every Start so
	// a stopped controller can be started again.
	lifeMu   sync.Mutex
	quit     chan struct{}
	loopDone chan struct{}

	running  atomic.Bool
	busState atomic.Int32

	// work loop only
	controlBulkOutstanding int
	isochEPs               []*IsochEndpoint

	saved savedState // work loop only

	frameMu   sync.Mutex
	frameHigh uint64
	frameLast uint16
}

// New wires a controller around hardware access interfaces. The
// hardware is untouched until Start.
func New(hw hal.Controller, cfg Config, logger *slog.Logger) (*Controller, error) {
	return NewParts(hw, hw, hw, cfg, logger)
}

// NewParts is New for callers whose register, interrupt and DMA access
// come from different providers.
func NewParts(regs hal.RegisterIO, irq hal.InterruptSource, dma hal.DMA, cfg Config, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Controller{
		cfg:  cfg.withDefaults(),
		log:  logger,
		regs: regs,
		dma:  dma,
		irq:  irq,
		wake: make(chan struct{}, 1),
		gate: make(chan gatedCall),
	}
	// quit starts closed so gated operations fail with ErrNotRunning
	// until Start installs a work loop.
	c.quit = make(chan struct{})
	close(c.quit)
	c.arena = NewArena(dma, logger)
	pool, err := NewBufferPool(dma, logger)
	if err != nil {
		return nil, err
	}
	c.pool = pool
	c.sched, err = NewSchedule(c.arena, dma, logger)
	if err != nil {
		return nil, err
	}
	c.metrics = newMetrics(c)
	c.busState.Store(int32(BusOff))
	return c, nil
}

// Metrics exposes the controller's metrics registry.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// trace emits descriptor-level diagnostics below debug. Hot paths check
// traceEnabled first so descriptor dumps are only rendered when someone
// is listening.
func (c *Controller) trace(msg string, args ...any) {
	c.log.Log(context.Background(), log.LevelTrace, msg, args...)
}

func (c *Controller) traceEnabled() bool {
	return c.log.Enabled(context.Background(), log.LevelTrace)
}

// Start resets the controller, installs the schedule and begins
// processing frames.
func (c *Controller) Start() error {
	if c.running.Load() {
		return fmt.Errorf("start: already running")
	}

	c.globalReset()
	if err := c.hcReset(); err != nil {
		return err
	}

	c.regs.Write32(uhci.RegFrameBase, c.sched.FrameBase())
	c.regs.Write16(uhci.RegFrameNumber, 0)
	c.lastScanned = 0
	c.frameLast = 0
	c.frameHigh = 0

	c.irq.SetFilter(c.interruptFilter)
	c.regs.Write16(uhci.RegInterrupt,
		uhci.IntrTimeoutCRC|uhci.IntrResume|uhci.IntrComplete|uhci.IntrShortPacket)
	c.regs.Write16(uhci.RegCommand, uhci.CmdConfigured|uhci.CmdMaxPacket64)

	c.lifeMu.Lock()
	c.quit = make(chan struct{})
	c.loopDone = make(chan struct{})
	quit, loopDone := c.quit, c.loopDone
	c.lifeMu.Unlock()
	go c.workLoop(quit, loopDone)

	if err := c.setRunning(true); err != nil {
		close(quit)
		<-loopDone
		return err
	}
	c.running.Store(true)
	c.busState.Store(int32(BusRunning))
	c.log.Info("controller started", "framebase", fmt.Sprintf("%08x", c.sched.FrameBase()))
	return nil
}

// Stop halts the schedule and shuts the work loop down. Outstanding
// transfers are not completed; callers that care abort endpoints first.
func (c *Controller) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := c.setRunning(false); err != nil {
		c.log.Warn("controller did not halt cleanly", "err", err)
	}
	c.regs.Write16(uhci.RegInterrupt, 0)
	c.busState.Store(int32(BusOff))
	c.lifeMu.Lock()
	close(c.quit)
	loopDone := c.loopDone
	c.lifeMu.Unlock()
	<-loopDone
	c.log.Info("controller stopped")
	return nil
}

func (c *Controller) workLoop(quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case <-c.wake:
			c.processCompletions()
		case call := <-c.gate:
			call.done <- call.fn()
		}
	}
}

// gated runs fn on the work loop and waits for its result. Everything
// touching queue heads or endpoint state funnels through here.
func (c *Controller) gated(fn func() error) error {
	c.lifeMu.Lock()
	quit := c.quit
	c.lifeMu.Unlock()

	done := make(chan error, 1)
	select {
	case c.gate <- gatedCall{fn: fn, done: done}:
		return <-done
	case <-quit:
		return ErrNotRunning
	}
}

// Drain synchronously runs a completion pass on the work loop. Callers
// that pace the controller themselves use this to settle retired work
// without waiting on interrupt delivery.
func (c *Controller) Drain() error {
	return c.gated(func() error {
		c.processCompletions()
		return nil
	})
}

func (c *Controller) processCompletions() {
	if c.hcError.Swap(false) {
		c.log.Error("host controller error interrupt")
		c.recoverBus()
	}
	c.reapIsoch()
	c.scavengeQueueHeads()
}

// interruptFilter runs in interrupt context. It acknowledges hardware
// status, moves retired isochronous descriptors from passed frame slots
// onto the software done queue, and pokes the work loop. It never walks
// queue head chains and never allocates.
func (c *Controller) interruptFilter() {
	sts := c.regs.Read16(uhci.RegStatus)
	ack := sts & (uhci.StatusInterrupt | uhci.StatusErrInterrupt |
		uhci.StatusResumeDetect | uhci.StatusHostError | uhci.StatusProcessError)
	if ack == 0 {
		return // shared line, not ours
	}
	c.regs.Write16(uhci.RegStatus, ack)

	if sts&(uhci.StatusHostError|uhci.StatusProcessError) != 0 {
		c.hcError.Store(true)
	}

	// Scavenge every frame the controller has moved past since last
	// time. The current frame is still in flight and is left alone.
	cur := c.regs.Read16(uhci.RegFrameNumber) & uhci.FrameNumberMask
	for f := c.lastScanned; f != cur; f = (f + 1) & uhci.FrameNumberMask {
		done := c.sched.DetachRetiredITDs(int(f) & (uhci.NumFrames - 1))
		if done == nil {
			continue
		}
		c.doneMu.Lock()
		tail := done
		for {
			c.producerCount++
			if tail.ep != nil {
				tail.ep.onProducerQ++
			}
			if tail.doneNext == nil {
				break
			}
			tail = tail.doneNext
		}
		tail.doneNext = c.doneHead
		c.doneHead = done
		c.doneMu.Unlock()
	}
	c.lastScanned = cur

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// FrameNumber folds the controller's 11-bit frame counter into a
// monotonic 64-bit frame number. Returns 0 when the schedule is halted,
// since the counter is meaningless then.
func (c *Controller) FrameNumber() uint64 {
	if c.regs.Read16(uhci.RegStatus)&uhci.StatusHalted != 0 {
		return 0
	}
	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	raw := c.regs.Read16(uhci.RegFrameNumber) & uhci.FrameNumberMask
	if raw < c.frameLast {
		c.frameHigh += uhci.FrameNumberCount
	}
	c.frameLast = raw
	return c.frameHigh + uint64(raw)
}
