// enumeration.go - the 0xF0000/0xF0001 device-enumeration port

package device

import (
	"context"
	"time"

	"github.com/deagahelio/vm/internal/vm"
)

// Enumeration port addresses, per the external interfaces contract.
const (
	portCommandStatus = 0xF0000
	portRecord        = 0xF0001

	cmdQueryByID = 0x01

	statusAbsent  = 0x00
	statusPresent = 0x01
	statusBusy    = 0x02
)

// pollInterval is how often the server checks for a new firmware
// query. The port is intentionally racy (see the concurrency model);
// this is a practical poll cadence, not a correctness requirement.
const pollInterval = 200 * time.Microsecond

// serveEnumerationPort answers firmware's device-by-id queries. A
// query is "new" when the id byte at portRecord differs from the one
// last served while the command register reads cmdQueryByID: the
// command value doubles as the "present" status value, so the port
// cannot distinguish a repeat write of the same id from a stale read
// by address alone.
func (h *Host) serveEnumerationPort(ctx context.Context) {
	var lastID byte
	haveLastID := false

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cmd, err := h.mem.ReadU8(portCommandStatus)
		if err != nil || cmd != cmdQueryByID {
			continue
		}
		id, err := h.mem.ReadU8(portRecord)
		if err != nil {
			continue
		}
		if haveLastID && id == lastID {
			continue
		}
		haveLastID, lastID = true, id

		h.mem.WriteU8(portCommandStatus, statusBusy)
		dev, ok := h.Lookup(id)
		if !ok {
			h.mem.WriteU8(portCommandStatus, statusAbsent)
			continue
		}
		writeRecord(h.mem, dev.Record())
		h.mem.WriteU8(portCommandStatus, statusPresent)
	}
}

func writeRecord(mem *vm.Memory, rec Record) {
	buf := rec.Marshal()
	for i, b := range buf {
		mem.WriteU8(portRecord+uint32(i), b)
	}
}
