package vm

import (
	"errors"
	"testing"
)

func newTestCPU(memSize int) (*CPU, *Memory) {
	m := NewMemory(memSize)
	return New(m), m
}

func load(t *testing.T, m *Memory, addr uint32, bytes ...byte) {
	t.Helper()
	for i, b := range bytes {
		if err := m.WriteU8(addr+uint32(i), b); err != nil {
			t.Fatalf("load at 0x%X: %v", addr+uint32(i), err)
		}
	}
}

func TestMOVIThenHalt(t *testing.T) {
	cpu, m := newTestCPU(1 << 20)
	// MOVI #42, r1
	load(t, m, 0x200, 0x30, 0x11, 0x2A, 0x00, 0x00, 0x00)
	// JI 0x200
	load(t, m, 0x206, 0x23, 0x00, 0x02, 0x00, 0x00)

	if err := cpu.Step(); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if err := cpu.Step(); err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if got := cpu.Register(1); got != 42 {
		t.Fatalf("r1 = %d, want 42", got)
	}
	if got := cpu.IP(); got != 0x200 {
		t.Fatalf("ip = 0x%X, want 0x200", got)
	}
}

func TestStackRoundTrip(t *testing.T) {
	cpu, m := newTestCPU(1 << 20)
	load(t, m, 0x200, 0x30, 0x1F, 0x00, 0x10, 0x00, 0x00) // MOVI 0x1000, r15
	load(t, m, 0x206, 0x30, 0x11, 0x07, 0x00, 0x00, 0x00) // MOVI 7, r1
	load(t, m, 0x20C, 0x20, 0x11)                         // PUSH r1
	load(t, m, 0x20E, 0x20, 0x22)                         // POP r2

	for i := 0; i < 4; i++ {
		if err := cpu.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if got := cpu.Register(2); got != 7 {
		t.Fatalf("r2 = %d, want 7", got)
	}
	if got := cpu.Register(15); got != 0x1000 {
		t.Fatalf("r15 = 0x%X, want 0x1000", got)
	}
}

func TestCallRet(t *testing.T) {
	cpu, m := newTestCPU(1 << 20)
	// CALLI 0x300
	load(t, m, 0x200, 0x29, 0x00, 0x03, 0x00, 0x00)
	// at 0x300: MOVI 0x99, r3 ; RET
	load(t, m, 0x300, 0x30, 0x13, 0x99, 0x00, 0x00, 0x00)
	load(t, m, 0x306, 0x35)

	cpu.SetRegister(15, 0x2000)
	startSP := cpu.Register(15)
	for i := 0; i < 3; i++ {
		if err := cpu.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if got := cpu.Register(3); got != 0x99 {
		t.Fatalf("r3 = 0x%X, want 0x99", got)
	}
	if got := cpu.IP(); got != 0x205 {
		t.Fatalf("ip = 0x%X, want 0x205 (instruction after CALLI)", got)
	}
	if got := cpu.Register(15); got != startSP {
		t.Fatalf("r15 = 0x%X, want restored 0x%X", got, startSP)
	}
}

func TestCompareAndBranch(t *testing.T) {
	cpu, m := newTestCPU(1 << 20)
	load(t, m, 0x200, 0x30, 0x11, 0x05, 0x00, 0x00, 0x00) // MOVI 5, r1
	load(t, m, 0x206, 0x30, 0x12, 0x05, 0x00, 0x00, 0x00) // MOVI 5, r2
	load(t, m, 0x20C, 0x2C, 0x12)                          // CEQ r1 r2
	load(t, m, 0x20E, 0x24, 0x00, 0x09, 0x00, 0x00)        // JTI 0x900

	for i := 0; i < 4; i++ {
		if err := cpu.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if got := cpu.IP(); got != 0x900 {
		t.Fatalf("ip = 0x%X, want 0x900 (taken)", got)
	}

	cpu2, m2 := newTestCPU(1 << 20)
	load(t, m2, 0x200, 0x30, 0x11, 0x05, 0x00, 0x00, 0x00) // MOVI 5, r1
	load(t, m2, 0x206, 0x30, 0x12, 0x06, 0x00, 0x00, 0x00) // MOVI 6, r2
	load(t, m2, 0x20C, 0x2C, 0x12)                          // CEQ r1 r2
	load(t, m2, 0x20E, 0x24, 0x00, 0x09, 0x00, 0x00)        // JTI 0x900

	for i := 0; i < 4; i++ {
		if err := cpu2.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if got := cpu2.IP(); got != 0x213 {
		t.Fatalf("ip = 0x%X, want 0x213 (not taken, advanced past JTI by 5)", got)
	}
}

func TestInterruptDelivery(t *testing.T) {
	cpu, m := newTestCPU(1 << 20)
	// IVT entry 3 = 0x400
	if err := m.WriteU32(IVTBase+4*3, 0x400); err != nil {
		t.Fatalf("ivt write: %v", err)
	}
	// handler at 0x400: IRET
	load(t, m, 0x400, 0x41)

	cpu.SetRegister(15, 0x2000)
	cpu.SetFlag(FlagInterrupt, true)

	preIP := cpu.IP()
	preSP := cpu.Register(15)

	if !cpu.Interrupt(3) {
		t.Fatalf("interrupt should have been delivered")
	}
	if got := cpu.IP(); got != 0x400 {
		t.Fatalf("ip = 0x%X, want handler at 0x400", got)
	}
	if flagTest(cpu.Flags(), FlagInterrupt) {
		t.Fatalf("flags.interrupt should be false inside the handler")
	}

	if err := cpu.Step(); err != nil { // executes IRET
		t.Fatalf("iret step: %v", err)
	}
	if got := cpu.IP(); got != preIP {
		t.Fatalf("ip after iret = 0x%X, want restored 0x%X", got, preIP)
	}
	if got := cpu.Register(15); got != preSP {
		t.Fatalf("r15 after iret = 0x%X, want restored 0x%X", got, preSP)
	}
	if !flagTest(cpu.Flags(), FlagInterrupt) {
		t.Fatalf("flags.interrupt should be true (restored from the saved, pre-entry flags)")
	}
}

func TestSyscallFrameFaultIsAtomic(t *testing.T) {
	cpu, m := newTestCPU(1 << 20)
	load(t, m, 0x200, 0x40) // SYSCALL

	cpu.SetFlag(FlagInterrupt, true)
	cpu.SetRegister(15, 0) // newSP = 0-16 wraps to 0xFFFFFFF0, out of bounds
	cpu.SetRegister(1, 0xAAAAAAAA)

	preIP := cpu.IP()
	preSP := cpu.Register(15)
	preFlags := cpu.Flags()
	preR1 := cpu.Register(1)

	err := cpu.Step()
	if err == nil {
		t.Fatalf("expected a protection fault from the frame push")
	}
	if !errors.Is(err, ErrProtectionFault) {
		t.Fatalf("got %v, want ErrProtectionFault", err)
	}
	if got := cpu.IP(); got != preIP {
		t.Fatalf("ip changed despite fault: got 0x%X, want unchanged 0x%X", got, preIP)
	}
	if got := cpu.Register(15); got != preSP {
		t.Fatalf("r15 changed despite fault: got 0x%X, want unchanged 0x%X", got, preSP)
	}
	if got := cpu.Flags(); got != preFlags {
		t.Fatalf("flags changed despite fault: got 0x%X, want unchanged 0x%X", got, preFlags)
	}
	if got := cpu.Register(1); got != preR1 {
		t.Fatalf("r1 changed despite fault: got 0x%X, want unchanged 0x%X", got, preR1)
	}
}

func TestSyscallMaskedIsANoOp(t *testing.T) {
	cpu, m := newTestCPU(1 << 20)
	load(t, m, 0x200, 0x40) // SYSCALL

	cpu.SetFlag(FlagInterrupt, false)
	cpu.SetRegister(15, 0x2000)
	preSP := cpu.Register(15)

	if err := cpu.Step(); err != nil {
		t.Fatalf("masked syscall should not fault: %v", err)
	}
	if got := cpu.IP(); got != 0x201 {
		t.Fatalf("ip = 0x%X, want 0x201 (advanced past the masked syscall)", got)
	}
	if got := cpu.Register(15); got != preSP {
		t.Fatalf("r15 = 0x%X, want unchanged 0x%X (masked syscall must not push a frame)", got, preSP)
	}
}

func TestProtectionFault(t *testing.T) {
	cpu, m := newTestCPU(1 << 20)
	// LDDI 0xFFFFFFFC, r1 -> RI load group, sub=LDD, register a=1
	load(t, m, 0x200, 0x10, 0xF1, 0xFC, 0xFF, 0xFF, 0xFF)

	preR1 := cpu.Register(1)
	preIP := cpu.IP()

	err := cpu.Step()
	if err == nil {
		t.Fatalf("expected a protection fault, state: %s", cpu)
	}
	if !errors.Is(err, ErrProtectionFault) {
		t.Fatalf("got %v, want ErrProtectionFault, state: %s", err, cpu)
	}
	if got := cpu.Register(1); got != preR1 {
		t.Fatalf("r1 changed despite fault: got %d, want unchanged %d, state: %s", got, preR1, cpu)
	}
	if got := cpu.IP(); got != preIP {
		t.Fatalf("ip changed despite fault: got 0x%X, want unchanged 0x%X, state: %s", got, preIP, cpu)
	}
}

func TestMULBoundary(t *testing.T) {
	cpu, m := newTestCPU(1 << 20)
	cpu.SetRegister(1, 0xFFFFFFFF)
	cpu.SetRegister(2, 0xFFFFFFFF)
	load(t, m, 0x200, 0x03, 0x12) // MUL r1 r2 -> p = r2 * r1

	if err := cpu.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := cpu.Register(13); got != 0x00000001 {
		t.Fatalf("r13 (low) = 0x%X, want 0x00000001", got)
	}
	if got := cpu.Register(14); got != 0xFFFFFFFE {
		t.Fatalf("r14 (high) = 0x%X, want 0xFFFFFFFE", got)
	}
}

func TestWrappingArithmetic(t *testing.T) {
	cpu, m := newTestCPU(1 << 20)
	cpu.SetRegister(1, 1)
	cpu.SetRegister(2, 0)
	load(t, m, 0x200, 0x02, 0x12) // SUB r1 r2 -> r2 = r2 - r1 = 0-1

	if err := cpu.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := cpu.Register(2); got != 0xFFFFFFFF {
		t.Fatalf("r2 = 0x%X, want 0xFFFFFFFF", got)
	}
}

func TestShiftByThirtyTwoOrMoreYieldsZero(t *testing.T) {
	cpu, m := newTestCPU(1 << 20)
	cpu.SetRegister(1, 32)
	cpu.SetRegister(2, 0xFFFFFFFF)
	load(t, m, 0x200, 0x08, 0x12) // SHL r1 r2 -> r2 <<= r1 (32)

	if err := cpu.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := cpu.Register(2); got != 0 {
		t.Fatalf("r2 = 0x%X, want 0", got)
	}
}

func TestDivisionByZeroIsArithmeticFault(t *testing.T) {
	cpu, m := newTestCPU(1 << 20)
	cpu.SetRegister(1, 0)
	cpu.SetRegister(2, 10)
	load(t, m, 0x200, 0x04, 0x12) // DIV r1 r2 -> r2 / r1, r1 == 0

	err := cpu.Step()
	if !errors.Is(err, ErrArithmeticFault) {
		t.Fatalf("got %v, want ErrArithmeticFault", err)
	}
}

func TestR0IsHardWiredZero(t *testing.T) {
	cpu, m := newTestCPU(1 << 20)
	load(t, m, 0x200, 0x30, 0x10, 0x2A, 0x00, 0x00, 0x00) // MOVI 42, r0

	if err := cpu.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := cpu.Register(0); got != 0 {
		t.Fatalf("r0 = %d, want 0 (force-zeroed after every step)", got)
	}
}
