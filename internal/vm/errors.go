// errors.go - fault kinds raised by the vm core

package vm

import "fmt"

// Sentinel fault kinds. Callers should use errors.Is against these,
// not type-assert on *Fault, since *Fault only carries diagnostics.
var (
	// ErrInvalidOpcode is returned when the primary opcode or a
	// sub-opcode is unrecognized, or when fetching the opcode byte or
	// an operand went out of bounds.
	ErrInvalidOpcode = fmt.Errorf("vm: invalid opcode")

	// ErrProtectionFault is returned when a data-side memory access
	// (as opposed to an instruction fetch) goes out of bounds.
	ErrProtectionFault = fmt.Errorf("vm: protection fault")

	// ErrArithmeticFault is returned on division by zero. The source
	// behavior this core is modeled on leaves this undefined; this
	// core raises a distinct fault instead.
	ErrArithmeticFault = fmt.Errorf("vm: arithmetic fault")
)

// Fault wraps one of the sentinel errors above with the address or
// opcode involved, for diagnostics at the host boundary.
type Fault struct {
	Op   string // the operation that faulted, e.g. "read_u32", "decode"
	Addr uint32 // the address or, for decode faults, the instruction pointer
	Err  error  // one of ErrInvalidOpcode, ErrProtectionFault, ErrArithmeticFault
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s at 0x%08X: %v", f.Op, f.Addr, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}
