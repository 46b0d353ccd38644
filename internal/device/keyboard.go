// keyboard.go - class 0x11, the scan-code latch

package device

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/deagahelio/vm/internal/vm"
)

const (
	keyboardAckOffset      = 0
	keyboardScanCodeOffset = 2

	pollIntervalKeyboard = time.Millisecond
)

// Keyboard latches one 16-bit scan code at a time into its mapped
// registers and raises its interrupt line. Firmware acknowledges by
// writing 1 to the ack byte; the device won't latch a new code until
// the previous one has been acknowledged. Keys arrive through Inject,
// fed either by a TerminalFeed (interactive host) or directly by
// tests/headless callers.
type Keyboard struct {
	rec        Record
	controller *InterruptController

	mu      sync.Mutex
	pending []uint16
	cond    *sync.Cond
}

// NewKeyboard returns a Keyboard. controller may be nil, in which
// case the keyboard's interrupt line is never gated.
func NewKeyboard(id, line byte, base0, limit0 uint32, controller *InterruptController) *Keyboard {
	k := &Keyboard{
		rec: Record{
			ID:            id,
			Class:         ClassKeyboard,
			InterruptLine: line,
			Base0:         base0,
			Limit0:        limit0,
		},
		controller: controller,
	}
	k.cond = sync.NewCond(&k.mu)
	return k
}

func (k *Keyboard) Record() Record { return k.rec }

// Inject queues a scan code for delivery to firmware.
func (k *Keyboard) Inject(code uint16) {
	k.mu.Lock()
	k.pending = append(k.pending, code)
	k.mu.Unlock()
	k.cond.Signal()
}

func (k *Keyboard) nextPending(ctx context.Context) (uint16, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for len(k.pending) == 0 {
		if ctx.Err() != nil {
			return 0, false
		}
		// Cond.Wait has no context support; the goroutine started in
		// Run wakes it on cancellation with a one-shot Broadcast.
		k.cond.Wait()
	}
	code := k.pending[0]
	k.pending = k.pending[1:]
	return code, true
}

func (k *Keyboard) Run(ctx context.Context, mem *vm.Memory, cpu *vm.CPU) {
	go func() {
		<-ctx.Done()
		k.cond.Broadcast()
	}()

	for {
		code, ok := k.nextPending(ctx)
		if !ok {
			return
		}

		mem.WriteU16(k.rec.Base0+keyboardScanCodeOffset, code)
		mem.WriteU8(k.rec.Base0+keyboardAckOffset, 0)

		if k.controller == nil || k.controller.Allows(k.rec.InterruptLine) {
			cpu.Interrupt(k.rec.InterruptLine)
		}

		ticker := time.NewTicker(pollIntervalKeyboard)
		for acked := false; !acked; {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
			}
			ack, err := mem.ReadU8(k.rec.Base0 + keyboardAckOffset)
			if err == nil && ack != 0 {
				mem.WriteU8(k.rec.Base0+keyboardAckOffset, 0)
				acked = true
			}
		}
		ticker.Stop()
	}
}

// TerminalFeed reads raw stdin byte-by-byte and injects each byte as a
// scan code into a Keyboard, adapted from the teacher's TerminalHost:
// raw mode via golang.org/x/term, non-blocking reads with an
// EAGAIN/EWOULDBLOCK sleep-backoff loop.
type TerminalFeed struct {
	kbd          *Keyboard
	stopCh       chan struct{}
	done         chan struct{}
	stopped      sync.Once
	fd           int
	nonblockSet  bool
	oldTermState *term.State
}

// NewTerminalFeed returns a feed that will inject bytes read from
// stdin into kbd.
func NewTerminalFeed(kbd *Keyboard) *TerminalFeed {
	return &TerminalFeed{
		kbd:    kbd,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start puts stdin into raw, non-blocking mode and begins feeding
// bytes into the keyboard in a goroutine. Call Stop to restore stdin.
func (f *TerminalFeed) Start() {
	f.fd = int(os.Stdin.Fd())

	oldState, err := term.MakeRaw(f.fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keyboard: failed to set raw mode: %v\n", err)
		close(f.done)
		return
	}
	f.oldTermState = oldState

	if err := syscall.SetNonblock(f.fd, true); err != nil {
		fmt.Fprintf(os.Stderr, "keyboard: failed to set nonblocking stdin: %v\n", err)
		_ = term.Restore(f.fd, f.oldTermState)
		f.oldTermState = nil
		close(f.done)
		return
	}
	f.nonblockSet = true

	go func() {
		defer close(f.done)
		buf := make([]byte, 1)
		for {
			select {
			case <-f.stopCh:
				return
			default:
			}

			n, err := syscall.Read(f.fd, buf)
			if n > 0 {
				f.kbd.Inject(uint16(buf[0]))
			}
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if err != nil {
				return
			}
			if n == 0 {
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
}

// Stop terminates the stdin-reading goroutine and restores the
// terminal to its prior state.
func (f *TerminalFeed) Stop() {
	f.stopped.Do(func() {
		close(f.stopCh)
	})
	<-f.done
	if f.nonblockSet {
		_ = syscall.SetNonblock(f.fd, false)
		f.nonblockSet = false
	}
	if f.oldTermState != nil {
		_ = term.Restore(f.fd, f.oldTermState)
		f.oldTermState = nil
	}
}

// Close implements Closer by calling Stop. TerminalFeed is not a
// Device, so Host.Stop does not reach it; cmd/vm stops the feed itself
// after Host.Stop.
func (f *TerminalFeed) Close() error {
	f.Stop()
	return nil
}
