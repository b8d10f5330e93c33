package hcd

import "github.com/rcrowley/go-metrics"

// Metrics collects per-controller transfer engine counters in a private
// registry so multiple controllers do not trample each other.
type Metrics struct {
	reg metrics.Registry

	Submissions    metrics.Counter
	Completions    metrics.Counter
	ShortPackets   metrics.Counter
	Stalls         metrics.Counter
	TransferErrors metrics.Counter
	IsochFrames    metrics.Counter
}

func newMetrics(c *Controller) *Metrics {
	reg := metrics.NewRegistry()
	m := &Metrics{
		reg:            reg,
		Submissions:    metrics.GetOrRegisterCounter("transfers.submitted", reg),
		Completions:    metrics.GetOrRegisterCounter("transfers.completed", reg),
		ShortPackets:   metrics.GetOrRegisterCounter("transfers.short", reg),
		Stalls:         metrics.GetOrRegisterCounter("transfers.stalled", reg),
		TransferErrors: metrics.GetOrRegisterCounter("transfers.errors", reg),
		IsochFrames:    metrics.GetOrRegisterCounter("isoch.frames", reg),
	}
	reg.Register("arena.blocks", metrics.NewFunctionalGauge(func() int64 {
		return int64(c.arena.Blocks())
	}))
	reg.Register("alignbuf.class.inuse", metrics.NewFunctionalGauge(func() int64 {
		cbi, _ := c.pool.InUse()
		return int64(cbi)
	}))
	reg.Register("alignbuf.isoch.inuse", metrics.NewFunctionalGauge(func() int64 {
		_, iso := c.pool.InUse()
		return int64(iso)
	}))
	reg.Register("alignbuf.class.highwater", metrics.NewFunctionalGauge(func() int64 {
		cbi, _ := c.pool.HighWater()
		return int64(cbi)
	}))
	reg.Register("alignbuf.isoch.highwater", metrics.NewFunctionalGauge(func() int64 {
		_, iso := c.pool.HighWater()
		return int64(iso)
	}))
	return m
}

// Registry exposes the underlying registry for reporters.
func (m *Metrics) Registry() metrics.Registry { return m.reg }
