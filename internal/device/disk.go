// disk.go - class 0x2, the sector-addressable disk controller

package device

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/deagahelio/vm/internal/vm"
)

const (
	diskCmdOffset    = 0 // command byte
	diskIndexOffset  = 1 // disk index, or the present-disk bitmap after a count query
	diskSectorOffset = 1 // 32-bit sector number for reads, overlapping index

	diskCmdReadSector  = 0x01
	diskCmdSelectDisk  = 0x04
	diskCmdGetCount    = 0x08

	sectorSize = 512

	pollIntervalDisk = time.Millisecond
)

// Disk backs the disk-controller contract with one or more files
// opened read-only, each treated as a flat array of 512-byte sectors.
// Firmware writes a command byte to base_0, and the controller
// answers by writing the status/bitmap byte or filling the 512-byte
// sector buffer at base_1.
type Disk struct {
	rec   Record
	files []*os.File

	selected int
}

// NewDisk returns a Disk serving the given backing files as disk
// indices 0..len(files)-1. base_0/limit_0 is the command/status
// window; base_1/limit_1 is the 512-byte sector buffer.
func NewDisk(id, line byte, base0, limit0, base1, limit1 uint32, files []*os.File) *Disk {
	return &Disk{
		rec: Record{
			ID:            id,
			Class:         ClassDisk,
			InterruptLine: line,
			Base0:         base0,
			Limit0:        limit0,
			Base1:         base1,
			Limit1:        limit1,
		},
		files: files,
	}
}

func (d *Disk) Record() Record { return d.rec }

func (d *Disk) Run(ctx context.Context, mem *vm.Memory, cpu *vm.CPU) {
	ticker := time.NewTicker(pollIntervalDisk)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cmd, err := mem.ReadU8(d.rec.Base0 + diskCmdOffset)
		if err != nil || cmd == 0 {
			continue
		}

		switch cmd {
		case diskCmdSelectDisk:
			idx, err := mem.ReadU8(d.rec.Base0 + diskIndexOffset)
			if err == nil && int(idx) < len(d.files) {
				d.selected = int(idx)
			}

		case diskCmdGetCount:
			mem.WriteU8(d.rec.Base0+diskIndexOffset, d.presentBitmap())

		case diskCmdReadSector:
			sector, err := mem.ReadU32(d.rec.Base0 + diskSectorOffset)
			if err == nil {
				d.readSector(mem, sector)
			}
			if d.rec.InterruptLine != 0 {
				cpu.Interrupt(d.rec.InterruptLine)
			}
		}

		mem.WriteU8(d.rec.Base0+diskCmdOffset, 0)
	}
}

// presentBitmap reports which disk indices 0..7 have a backing file.
func (d *Disk) presentBitmap() byte {
	var bitmap byte
	for i := 0; i < len(d.files) && i < 8; i++ {
		if d.files[i] != nil {
			bitmap |= 1 << uint(i)
		}
	}
	return bitmap
}

func (d *Disk) readSector(mem *vm.Memory, sector uint32) {
	if d.selected < 0 || d.selected >= len(d.files) || d.files[d.selected] == nil {
		return
	}
	buf := make([]byte, sectorSize)
	_, err := d.files[d.selected].ReadAt(buf, int64(sector)*sectorSize)
	if err != nil && err != io.EOF {
		return
	}
	for i, b := range buf {
		mem.WriteU8(d.rec.Base1+uint32(i), b)
	}
}
