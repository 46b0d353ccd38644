// main.go - composition root: wires Memory, CPU and the device host
// together, loads a boot image and drives the fetch-decode-execute
// loop. All the hard logic lives in internal/vm and internal/device;
// this is the thin part.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/deagahelio/vm/internal/device"
	"github.com/deagahelio/vm/internal/vm"
)

const (
	defaultMemorySize = 128 << 20

	interruptLineTimer    = 3
	interruptLineKeyboard = 4
	interruptLineDisk     = 5

	deviceIDInterruptController = 1
	deviceIDTimer               = 2
	deviceIDPowerManager        = 3
	deviceIDKeyboard            = 4
	deviceIDMonitor             = 5
	deviceIDDisk                = 6

	monitorWidth  = 320
	monitorHeight = 200

	interruptControllerBase0 = 0xF0100
	timerBase0               = 0xF0110
	powerBase0               = 0xF0120
	keyboardBase0            = 0xF0130
	diskBase0                = 0xF0140
	diskBase1                = 0xF0200

	// The framebuffer is deliberately placed well clear of
	// IVTBase..IVTBase+IVTSize (0xF2000..0xF2040, see vm.IVTBase):
	// monitorLimit1 alone (320*200*4 = 0x3E800 bytes) would otherwise
	// straddle the IVT if based anywhere in the 0xF0000 device window.
	monitorBase1  = 0x200000
	monitorLimit1 = monitorWidth * monitorHeight * 4
)

func main() {
	bootPath, memSize := parseArgs(os.Args[1:])
	if bootPath == "" {
		fmt.Fprintln(os.Stderr, "usage: vm -b<path-to-boot-image> [file.img ...]")
		os.Exit(1)
	}

	image, err := os.ReadFile(bootPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vm: failed to read boot image %q: %v\n", bootPath, err)
		os.Exit(1)
	}

	mem := vm.NewMemory(memSize)
	if err := mem.LoadBoot(image); err != nil {
		fmt.Fprintf(os.Stderr, "vm: failed to load boot image: %v\n", err)
		os.Exit(1)
	}

	cpu := vm.New(mem)
	host := device.NewHost(mem, cpu)

	ic := device.NewInterruptController(deviceIDInterruptController, 0, interruptControllerBase0, 4)
	host.Register(ic)
	host.Register(device.NewTimer(deviceIDTimer, interruptLineTimer, timerBase0, 8, ic))

	shutdown := make(chan struct{})
	host.Register(device.NewPower(deviceIDPowerManager, 0, powerBase0, 4, image, func() {
		close(shutdown)
	}))

	kbd := device.NewKeyboard(deviceIDKeyboard, interruptLineKeyboard, keyboardBase0, 8, ic)
	host.Register(kbd)
	feed := device.NewTerminalFeed(kbd)

	backend := device.NewMonitorBackend(monitorWidth, monitorHeight)
	host.Register(device.NewMonitor(deviceIDMonitor, 0, monitorBase1, monitorLimit1, monitorWidth, monitorHeight, backend))

	var diskFiles []*os.File
	for _, path := range extraDiskImages(os.Args[1:]) {
		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vm: failed to open disk image %q: %v\n", path, err)
			continue
		}
		defer f.Close()
		diskFiles = append(diskFiles, f)
	}
	host.Register(device.NewDisk(deviceIDDisk, interruptLineDisk, diskBase0, 8, diskBase1, sectorWindowSize, diskFiles))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed.Start()
	host.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	done := make(chan struct{})
	go run(cpu, done)

	select {
	case <-done:
	case <-shutdown:
		fmt.Println("vm: powered off")
	case <-sigCh:
		fmt.Println("vm: interrupted")
	}

	cancel()
	host.Stop()
	feed.Stop()
}

const sectorWindowSize = 512

// run drives Step in a tight loop until a fault halts the CPU.
func run(cpu *vm.CPU, done chan<- struct{}) {
	defer close(done)
	for {
		if err := cpu.Step(); err != nil {
			var fault *vm.Fault
			if errors.As(err, &fault) {
				fmt.Fprintf(os.Stderr, "vm: halted at ip=0x%08X: %v\n", cpu.IP(), fault)
			} else {
				fmt.Fprintf(os.Stderr, "vm: halted: %v\n", err)
			}
			return
		}
	}
}

// parseArgs hand-parses os.Args the way the teacher's own main.go
// handles its -ie32/-m68k switches: no separating space between a
// flag and its value. Only the first -b<path> wins; later ones are
// ignored with a diagnostic. Unknown flags are reported and skipped.
func parseArgs(args []string) (bootPath string, memSize int) {
	memSize = defaultMemorySize
	for _, arg := range args {
		switch {
		case len(arg) > 2 && arg[:2] == "-b":
			if bootPath != "" {
				fmt.Fprintf(os.Stderr, "vm: ignoring extra -b flag %q\n", arg)
				continue
			}
			bootPath = arg[2:]
		case len(arg) > 0 && arg[0] == '-':
			fmt.Fprintf(os.Stderr, "vm: ignoring unknown flag %q\n", arg)
		}
	}
	return bootPath, memSize
}

// extraDiskImages returns every positional (non-flag) argument, each
// treated as a disk image to back a disk-controller slot in order.
func extraDiskImages(args []string) []string {
	var paths []string
	for _, arg := range args {
		if len(arg) == 0 || arg[0] == '-' {
			continue
		}
		paths = append(paths, arg)
	}
	return paths
}
