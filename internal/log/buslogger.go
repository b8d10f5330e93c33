package log

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

// BusLogger handles raw transfer payload logging with optional file output.
type BusLogger interface {
	Log(in bool, data []byte)
}

// busLogger implements BusLogger with thread-safe log.
type busLogger struct {
	w  io.Writer
	mu sync.Mutex
}

// NewBus creates a new BusLogger. If writer is nil, returns a no-op logger.
func NewBus(w io.Writer) BusLogger {
	return &busLogger{w: w}
}

// Log emits a single-line payload log with timestamp and hex dump.
// in=true means device->host, in=false means host->device.
func (r *busLogger) Log(in bool, data []byte) {
	if len(data) == 0 {
		return
	}
	if r.w == nil {
		return
	}

	dir := "H->D"
	if in {
		dir = "D->H"
	}

	var hexbuf bytes.Buffer
	const hexdigits = "0123456789abcdef"
	for i, b := range data {
		if i > 0 {
			hexbuf.WriteByte(' ')
		}
		hexbuf.WriteByte(hexdigits[b>>4])
		hexbuf.WriteByte(hexdigits[b&0x0f])
	}

	line := fmt.Sprintf("%s %s transfer: %d bytes, hex: %s\n",
		time.Now().Format("2006/01/02 15:04:05"),
		dir,
		len(data),
		hexbuf.String())

	r.mu.Lock()
	_, _ = r.w.Write([]byte(line))
	r.mu.Unlock()
}
