// power.go - class 0x5, the power manager

/*
Like the timer, the spec names this class without a register layout.
Modeled on GVM's powerController (devices.go): a single command byte
that the power manager polls, interpreting 0x01 as restart and 0x02 as
power-off.
*/

package device

import (
	"context"
	"time"

	"github.com/deagahelio/vm/internal/vm"
)

const (
	powerCmdOffset = 0

	powerCmdRestart  = 0x01
	powerCmdPowerOff = 0x02

	pollIntervalPower = time.Millisecond
)

// Power services the restart/power-off command register. Restart
// reloads the boot image; power-off invokes Shutdown, which the host
// wires to its own termination path (see cmd/vm).
type Power struct {
	rec      Record
	Shutdown func()
	bootImage []byte
}

// NewPower returns a Power device. bootImage is re-loaded on restart;
// shutdown is called (if non-nil) on power-off.
func NewPower(id, line byte, base0, limit0 uint32, bootImage []byte, shutdown func()) *Power {
	return &Power{
		rec: Record{
			ID:            id,
			Class:         ClassPower,
			InterruptLine: line,
			Base0:         base0,
			Limit0:        limit0,
		},
		Shutdown:  shutdown,
		bootImage: bootImage,
	}
}

func (p *Power) Record() Record { return p.rec }

func (p *Power) Run(ctx context.Context, mem *vm.Memory, cpu *vm.CPU) {
	ticker := time.NewTicker(pollIntervalPower)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cmd, err := mem.ReadU8(p.rec.Base0 + powerCmdOffset)
		if err != nil || cmd == 0 {
			continue
		}

		switch cmd {
		case powerCmdRestart:
			mem.LoadBoot(p.bootImage)
		case powerCmdPowerOff:
			if p.Shutdown != nil {
				p.Shutdown()
			}
		}
		mem.WriteU8(p.rec.Base0+powerCmdOffset, 0)
	}
}
