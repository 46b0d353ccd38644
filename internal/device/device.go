// device.go - device records and the device host registry

/*
device.go defines the 19-byte device record firmware discovers devices
through, the Device interface every concrete peripheral implements, and
Host, which owns the registry and supervises one goroutine per device
plus the enumeration-port server.

Thread Safety:
Host's registry is built once at startup (Register calls) before Start
is called, so no lock guards it; Start launches one goroutine per
device and the enumeration-port server, all of which only ever read
the registry afterward.
*/

package device

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/deagahelio/vm/internal/vm"
)

// Record is the 19-byte, packed, little-endian device descriptor
// firmware reads back from the enumeration port.
type Record struct {
	ID            uint8
	Class         uint8
	InterruptLine uint8
	Base0         uint32
	Limit0        uint32
	Base1         uint32
	Limit1        uint32
}

// RecordSize is the wire size of a marshaled Record.
const RecordSize = 1 + 1 + 1 + 4 + 4 + 4 + 4

// Class codes from the device record layout.
const (
	ClassMemory             = 0x1
	ClassDisk               = 0x2
	ClassInterruptController = 0x3
	ClassTimer              = 0x4
	ClassPower              = 0x5
	ClassMouse              = 0x10
	ClassKeyboard           = 0x11
	ClassMonitor            = 0x20
)

// Marshal encodes the record into its 19-byte wire form.
func (r Record) Marshal() []byte {
	buf := make([]byte, RecordSize)
	buf[0] = r.ID
	buf[1] = r.Class
	buf[2] = r.InterruptLine
	binary.LittleEndian.PutUint32(buf[3:7], r.Base0)
	binary.LittleEndian.PutUint32(buf[7:11], r.Limit0)
	binary.LittleEndian.PutUint32(buf[11:15], r.Base1)
	binary.LittleEndian.PutUint32(buf[15:19], r.Limit1)
	return buf
}

// Device is implemented by every concrete peripheral. Run is called
// on its own goroutine and must return when ctx is canceled.
type Device interface {
	Record() Record
	Run(ctx context.Context, mem *vm.Memory, cpu *vm.CPU)
}

// Closer is implemented by devices holding host resources (a raw
// terminal, a window) that must be released on shutdown.
type Closer interface {
	Close() error
}

// Host owns the device registry, the shared Memory and CPU, and
// drives the enumeration port plus one goroutine per registered
// device. Devices hold no reference back to Host; they receive mem
// and cpu directly from Run, breaking the cyclic device<->CPU
// reference by construction rather than by a lookup handle.
type Host struct {
	mem *vm.Memory
	cpu *vm.CPU

	devices []Device
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHost returns a Host wired to the given Memory and CPU.
func NewHost(mem *vm.Memory, cpu *vm.CPU) *Host {
	return &Host{mem: mem, cpu: cpu}
}

// Register adds a device to the host. Must be called before Start.
func (h *Host) Register(d Device) {
	h.devices = append(h.devices, d)
}

// Lookup finds a registered device by its record's id.
func (h *Host) Lookup(id uint8) (Device, bool) {
	for _, d := range h.devices {
		if d.Record().ID == id {
			return d, true
		}
	}
	return nil, false
}

// Start launches one goroutine per registered device and the
// enumeration-port server, all derived from ctx.
func (h *Host) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.serveEnumerationPort(ctx)
	}()

	for _, d := range h.devices {
		d := d
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			d.Run(ctx, h.mem, h.cpu)
		}()
	}
}

// Stop cancels every device goroutine and the enumeration-port
// server, waits for them to exit, and closes any device holding host
// resources.
func (h *Host) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	for _, d := range h.devices {
		if c, ok := d.(Closer); ok {
			c.Close()
		}
	}
}
