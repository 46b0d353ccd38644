//go:build headless

// monitor_headless.go - no-op monitor backend for headless hosts and
// tests, adapted from the teacher's HeadlessVideoOutput.

package device

import "sync/atomic"

type headlessBackend struct {
	started    bool
	frameCount uint64
	lastFrame  []byte
}

// NewMonitorBackend returns a MonitorBackend that renders nowhere but
// still counts frames, for tests and non-interactive hosts.
func NewMonitorBackend(width, height int) MonitorBackend {
	return &headlessBackend{}
}

func (h *headlessBackend) Start() error {
	h.started = true
	return nil
}

func (h *headlessBackend) Stop() error {
	h.started = false
	return nil
}

func (h *headlessBackend) UpdateFrame(pixels []byte, width, height int) {
	atomic.AddUint64(&h.frameCount, 1)
	h.lastFrame = pixels
}

// FrameCount reports how many frames have been pushed, for tests.
func (h *headlessBackend) FrameCount() uint64 {
	return atomic.LoadUint64(&h.frameCount)
}
