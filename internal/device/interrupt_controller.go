// interrupt_controller.go - class 0x3, the hardware interrupt gate

package device

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/deagahelio/vm/internal/vm"
)

// InterruptController exposes the enable byte and 16-bit line mask at
// its record's base_0, and gates the interrupt delivery of every
// device constructed with it (the timer and keyboard take one; the disk
// does not) through Allows so the memory-mapped registers have an
// observable effect rather than being inert bytes.
type InterruptController struct {
	rec Record

	mu      sync.Mutex
	enabled bool
	mask    uint16
}

// NewInterruptController returns a controller with hardware
// interrupts enabled and no lines masked. Once Run is polling, the
// state mirrors the mapped registers, so a window firmware hasn't
// touched (enable byte 0) disables hardware interrupts.
func NewInterruptController(id, line byte, base0, limit0 uint32) *InterruptController {
	return &InterruptController{
		rec: Record{
			ID:            id,
			Class:         ClassInterruptController,
			InterruptLine: line,
			Base0:         base0,
			Limit0:        limit0,
		},
		enabled: true,
	}
}

func (c *InterruptController) Record() Record { return c.rec }

// Allows reports whether line is currently permitted to interrupt:
// the controller must be enabled and the line unmasked.
func (c *InterruptController) Allows(line byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled && c.mask&(1<<uint(line)) == 0
}

const pollIntervalController = 500 * time.Microsecond

// Run polls the mapped register window and mirrors it into the
// controller's internal state. Byte 0 is the enable flag; bytes 1-2
// are the little-endian line mask (0 unmasks every line).
func (c *InterruptController) Run(ctx context.Context, mem *vm.Memory, cpu *vm.CPU) {
	ticker := time.NewTicker(pollIntervalController)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		enableByte, err := mem.ReadU8(c.rec.Base0)
		if err != nil {
			continue
		}
		maskLow, err := mem.ReadU8(c.rec.Base0 + 1)
		if err != nil {
			continue
		}
		maskHigh, err := mem.ReadU8(c.rec.Base0 + 2)
		if err != nil {
			continue
		}

		c.mu.Lock()
		c.enabled = enableByte != 0
		c.mask = binary.LittleEndian.Uint16([]byte{maskLow, maskHigh})
		c.mu.Unlock()
	}
}
