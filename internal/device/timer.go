// timer.go - class 0x4, a periodic interrupt source

/*
The spec names the timer class and its interrupt line but, unlike the
interrupt controller, keyboard and disk, does not spell out a register
layout for it. This register layout is modeled on the teacher's own
timerPeriod/timerCount fields (cpu_ie32.go): a 32-bit period in
base_0+0 and a live countdown in base_0+4 that firmware can read but
not write.
*/

package device

import (
	"context"
	"time"

	"github.com/deagahelio/vm/internal/vm"
)

const (
	timerPeriodOffset  = 0
	timerCountOffset   = 4
	timerTickInterval  = time.Millisecond
)

// Timer counts down its period register in millisecond ticks and
// raises its interrupt line each time it reaches zero, reloading from
// the period register for the next cycle. A period of zero disables
// the timer.
type Timer struct {
	rec        Record
	controller *InterruptController
}

// NewTimer returns a Timer. controller may be nil, in which case the
// timer's interrupt line is never gated.
func NewTimer(id, line byte, base0, limit0 uint32, controller *InterruptController) *Timer {
	return &Timer{
		rec: Record{
			ID:            id,
			Class:         ClassTimer,
			InterruptLine: line,
			Base0:         base0,
			Limit0:        limit0,
		},
		controller: controller,
	}
}

func (t *Timer) Record() Record { return t.rec }

func (t *Timer) Run(ctx context.Context, mem *vm.Memory, cpu *vm.CPU) {
	ticker := time.NewTicker(timerTickInterval)
	defer ticker.Stop()

	var count uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		period, err := mem.ReadU32(t.rec.Base0 + timerPeriodOffset)
		if err != nil || period == 0 {
			count = 0
			mem.WriteU32(t.rec.Base0+timerCountOffset, 0)
			continue
		}

		if count == 0 {
			count = period
		}
		count--
		mem.WriteU32(t.rec.Base0+timerCountOffset, count)

		if count == 0 {
			if t.controller == nil || t.controller.Allows(t.rec.InterruptLine) {
				cpu.Interrupt(t.rec.InterruptLine)
			}
		}
	}
}
