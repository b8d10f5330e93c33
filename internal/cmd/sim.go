package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/hostctl/uhci/hal"
	"github.com/hostctl/uhci/hal/simhc"
	"github.com/hostctl/uhci/hcd"
	"github.com/hostctl/uhci/internal/log"
)

// Sim runs a scripted workload against the simulated controller.
type Sim struct {
	Workload       string        `arg:"" optional:"" help:"Workload file (YAML) describing devices and transfers"`
	FramePeriod    time.Duration `help:"Wall-clock period per simulated frame" default:"100us" env:"UHCISIM_FRAME_PERIOD"`
	Timeout        time.Duration `help:"Give up if the workload has not settled" default:"30s" env:"UHCISIM_TIMEOUT"`
	IsochLookahead int           `help:"Frames provisioned ahead per isochronous endpoint" default:"128"`
	SegmentSize    int           `help:"Fragment DMA mappings into runs of this many bytes (0 = contiguous)" default:"0"`
	NoSummary      bool          `help:"Skip the metrics summary on exit"`
}

type workload struct {
	Devices []struct {
		Address   uint8 `yaml:"address"`
		Endpoints []struct {
			Number    uint8  `yaml:"number"`
			Direction string `yaml:"direction"`
			Behaviors []struct {
				Kind string `yaml:"kind"`
				Hex  string `yaml:"hex"`
			} `yaml:"behaviors"`
		} `yaml:"endpoints"`
	} `yaml:"devices"`

	Transfers []struct {
		Device    uint8  `yaml:"device"`
		Endpoint  uint8  `yaml:"endpoint"`
		Direction string `yaml:"direction"`
		Kind      string `yaml:"kind"`
		LowSpeed  bool   `yaml:"lowSpeed"`
		MaxPacket int    `yaml:"maxPacket"`
		Interval  int    `yaml:"interval"`
		Length    int    `yaml:"length"`
		Hex       string `yaml:"hex"`
		SetupHex  string `yaml:"setupHex"`
		Repeat    int    `yaml:"repeat"`
	} `yaml:"transfers"`

	Isoch []struct {
		Device      uint8  `yaml:"device"`
		Endpoint    uint8  `yaml:"endpoint"`
		Direction   string `yaml:"direction"`
		MaxPacket   int    `yaml:"maxPacket"`
		Frames      int    `yaml:"frames"`
		FrameLength int    `yaml:"frameLength"`
	} `yaml:"isoch"`
}

// Run is called by kong when the sim command is executed.
func (s *Sim) Run(logger *slog.Logger, busLogger log.BusLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wl workload
	if s.Workload != "" {
		raw, err := os.ReadFile(s.Workload)
		if err != nil {
			return fmt.Errorf("reading workload: %w", err)
		}
		if err := yaml.Unmarshal(raw, &wl); err != nil {
			return fmt.Errorf("parsing workload: %w", err)
		}
	} else {
		wl = defaultWorkload()
		logger.Info("no workload given, running built-in demo")
	}

	sim := simhc.New()
	sim.DMA.SegmentSize = s.SegmentSize

	ctrl, err := hcd.New(sim, hcd.Config{IsochLookahead: s.IsochLookahead}, logger)
	if err != nil {
		return fmt.Errorf("building controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("starting controller: %w", err)
	}
	defer ctrl.Stop()

	stopFrames := sim.RunFrames(s.FramePeriod)
	defer stopFrames()

	if err := scriptDevices(sim, wl); err != nil {
		return err
	}

	var wg sync.WaitGroup
	failures := 0
	var mu sync.Mutex

	for i := range wl.Transfers {
		tr := wl.Transfers[i]
		dir, err := parseDirection(tr.Direction)
		if err != nil {
			return err
		}
		kind, err := parseKind(tr.Kind)
		if err != nil {
			return err
		}
		maxPacket := tr.MaxPacket
		if maxPacket == 0 {
			maxPacket = 64
		}
		qh, err := ctrl.CreateEndpoint(hcd.EndpointConfig{
			Function:  tr.Device,
			Endpoint:  tr.Endpoint,
			Direction: dir,
			Kind:      kind,
			LowSpeed:  tr.LowSpeed,
			MaxPacket: maxPacket,
			Interval:  tr.Interval,
		})
		if err != nil {
			return fmt.Errorf("creating endpoint %d.%d: %w", tr.Device, tr.Endpoint, err)
		}

		repeat := tr.Repeat
		if repeat < 1 {
			repeat = 1
		}
		for r := 0; r < repeat; r++ {
			data, setup, err := transferBuffers(tr.Length, tr.Hex, tr.SetupHex, kind)
			if err != nil {
				return err
			}
			if dir == hal.DirOut {
				busLogger.Log(false, data)
			}
			wg.Add(1)
			_, err = ctrl.Submit(hcd.TransferRequest{
				Endpoint:  qh,
				Setup:     setup,
				Data:      data,
				Direction: dir,
				Complete: func(err error, shortfall int) {
					defer wg.Done()
					if err != nil {
						logger.Warn("transfer failed",
							"device", tr.Device, "endpoint", tr.Endpoint, "err", err)
						mu.Lock()
						failures++
						mu.Unlock()
						return
					}
					if dir == hal.DirIn {
						busLogger.Log(true, data[:len(data)-shortfall])
					}
					logger.Info("transfer complete",
						"device", tr.Device, "endpoint", tr.Endpoint,
						"bytes", len(data)-shortfall, "shortfall", shortfall)
				},
			})
			if err != nil {
				wg.Done()
				return fmt.Errorf("submitting transfer: %w", err)
			}
		}
	}

	for i := range wl.Isoch {
		iso := wl.Isoch[i]
		dir, err := parseDirection(iso.Direction)
		if err != nil {
			return err
		}
		ep, err := ctrl.CreateIsochEndpoint(iso.Device, iso.Endpoint, dir, iso.MaxPacket)
		if err != nil {
			return fmt.Errorf("creating isoch endpoint %d.%d: %w", iso.Device, iso.Endpoint, err)
		}
		frames := make([]hcd.IsochFrame, iso.Frames)
		for f := range frames {
			frames[f].Length = iso.FrameLength
		}
		buf := make([]byte, iso.Frames*iso.FrameLength)
		for b := range buf {
			buf[b] = byte(b)
		}
		wg.Add(1)
		err = ctrl.SubmitIsoch(ep, buf, frames, func(frames []hcd.IsochFrame) {
			defer wg.Done()
			bad := 0
			for _, fr := range frames {
				if fr.Status != nil {
					bad++
				}
			}
			logger.Info("isoch request complete",
				"device", iso.Device, "endpoint", iso.Endpoint,
				"frames", len(frames), "errors", bad)
			if bad > 0 {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			return fmt.Errorf("submitting isoch request: %w", err)
		}
	}

	settled := make(chan struct{})
	go func() {
		wg.Wait()
		close(settled)
	}()

	select {
	case <-settled:
	case <-ctx.Done():
		logger.Warn("interrupted, abandoning workload")
	case <-time.After(s.Timeout):
		logger.Error("workload did not settle before timeout")
	}

	if !s.NoSummary {
		printSummary(ctrl)
	}
	if failures > 0 {
		return fmt.Errorf("%d transfer(s) failed", failures)
	}
	return nil
}

func scriptDevices(sim *simhc.Controller, wl workload) error {
	for _, dev := range wl.Devices {
		for _, ep := range dev.Endpoints {
			dir, err := parseDirection(ep.Direction)
			if err != nil {
				return err
			}
			target := sim.Endpoint(dev.Address, ep.Number, dir == hal.DirIn)
			for _, b := range ep.Behaviors {
				var beh simhc.Behavior
				switch b.Kind {
				case "ack", "":
					beh = simhc.Behavior{Kind: simhc.Ack}
				case "data":
					payload, err := hex.DecodeString(b.Hex)
					if err != nil {
						return fmt.Errorf("behavior hex: %w", err)
					}
					beh = simhc.DataIn(payload)
				case "nak":
					beh = simhc.Behavior{Kind: simhc.Nak}
				case "stall":
					beh = simhc.Behavior{Kind: simhc.Stall}
				case "crc":
					beh = simhc.Behavior{Kind: simhc.CRCTimeout}
				case "babble":
					beh = simhc.Behavior{Kind: simhc.Babble}
				default:
					return fmt.Errorf("unknown behavior kind %q", b.Kind)
				}
				target.Queue(beh)
			}
		}
	}
	return nil
}

func parseDirection(s string) (hal.Direction, error) {
	switch s {
	case "in":
		return hal.DirIn, nil
	case "out", "":
		return hal.DirOut, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

func parseKind(s string) (hcd.QHKind, error) {
	switch s {
	case "control":
		return hcd.KindControl, nil
	case "bulk", "":
		return hcd.KindBulk, nil
	case "interrupt":
		return hcd.KindInterrupt, nil
	default:
		return 0, fmt.Errorf("unknown transfer kind %q", s)
	}
}

func transferBuffers(length int, dataHex, setupHex string, kind hcd.QHKind) (data, setup []byte, err error) {
	if dataHex != "" {
		if data, err = hex.DecodeString(dataHex); err != nil {
			return nil, nil, fmt.Errorf("transfer hex: %w", err)
		}
	} else if length > 0 {
		data = make([]byte, length)
		for i := range data {
			data[i] = byte(i)
		}
	}
	if kind == hcd.KindControl {
		if setupHex != "" {
			if setup, err = hex.DecodeString(setupHex); err != nil {
				return nil, nil, fmt.Errorf("setup hex: %w", err)
			}
		} else {
			// GET_DESCRIPTOR(DEVICE) sized to the data buffer
			setup = []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, byte(len(data)), byte(len(data) >> 8)}
		}
	}
	return data, setup, nil
}

func printSummary(ctrl *hcd.Controller) {
	type row struct {
		name  string
		value int64
	}
	var rows []row
	ctrl.Metrics().Registry().Each(func(name string, v any) {
		switch m := v.(type) {
		case metrics.Counter:
			rows = append(rows, row{name, m.Count()})
		case metrics.Gauge:
			rows = append(rows, row{name, m.Value()})
		}
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })

	w := os.Stdout
	bold, reset := "", ""
	if term.IsTerminal(int(w.Fd())) {
		bold, reset = "\033[1m", "\033[0m"
	}
	fmt.Fprintf(w, "%s%-32s %12s%s\n", bold, "metric", "value", reset)
	for _, r := range rows {
		fmt.Fprintf(w, "%-32s %12d\n", r.name, r.value)
	}
}

func defaultWorkload() workload {
	var wl workload
	raw := `
devices:
  - address: 1
    endpoints:
      - number: 1
        direction: in
        behaviors:
          - kind: data
            hex: "0123456789abcdef"
transfers:
  - device: 1
    endpoint: 2
    direction: out
    kind: bulk
    length: 192
    repeat: 2
  - device: 1
    endpoint: 1
    direction: in
    kind: bulk
    length: 64
isoch:
  - device: 1
    endpoint: 3
    direction: out
    maxPacket: 64
    frames: 16
    frameLength: 32
`
	// The built-in demo is static; a parse failure is a programming error.
	if err := yaml.Unmarshal([]byte(raw), &wl); err != nil {
		panic(err)
	}
	return wl
}
