// monitor.go - class 0x20, the framebuffer device

package device

import (
	"context"
	"time"

	"github.com/deagahelio/vm/internal/vm"
)

// MonitorBackend renders a raw framebuffer somewhere: a window
// (monitor_ebiten.go, default build) or nowhere (monitor_headless.go,
// build tag headless). Exactly one is linked into any given binary.
type MonitorBackend interface {
	Start() error
	Stop() error
	UpdateFrame(pixels []byte, width, height int)
}

const pollIntervalMonitor = 16 * time.Millisecond // ~60Hz

// Monitor owns a raw framebuffer window at base_1..base_1+limit_1 in
// a host-defined pixel format (RGBA here) and pushes it to a backend
// at a fixed cadence.
type Monitor struct {
	rec     Record
	width   int
	height  int
	backend MonitorBackend
}

// NewMonitor returns a Monitor covering a width*height*4 byte RGBA
// framebuffer mapped at base1..base1+limit1 (limit1 must be at least
// width*height*4).
func NewMonitor(id, line byte, base1, limit1 uint32, width, height int, backend MonitorBackend) *Monitor {
	return &Monitor{
		rec: Record{
			ID:            id,
			Class:         ClassMonitor,
			InterruptLine: line,
			Base1:         base1,
			Limit1:        limit1,
		},
		width:   width,
		height:  height,
		backend: backend,
	}
}

func (m *Monitor) Record() Record { return m.rec }

func (m *Monitor) Run(ctx context.Context, mem *vm.Memory, cpu *vm.CPU) {
	if err := m.backend.Start(); err != nil {
		return
	}

	ticker := time.NewTicker(pollIntervalMonitor)
	defer ticker.Stop()

	frameSize := m.width * m.height * 4
	for {
		select {
		case <-ctx.Done():
			m.backend.Stop()
			return
		case <-ticker.C:
		}

		pixels, err := mem.RawWindow(m.rec.Base1, frameSize)
		if err != nil {
			continue
		}
		m.backend.UpdateFrame(pixels, m.width, m.height)
	}
}

// Close implements Closer.
func (m *Monitor) Close() error {
	return m.backend.Stop()
}
