// cpu.go - the 32-bit RISC-like CPU core

/*
cpu.go implements the fetch-decode-execute cycle over the ISA's
multi-format opcode space: RR (two registers), RI (register +
immediate), R (single register, branch/stack group), I (single
immediate), II (two immediates), and nullary forms.

Thread Safety:
A CPU's registers, ip and flags are shared state: the CPU goroutine
mutates them from Step, and device goroutines observe them indirectly
and deliver interrupts via Interrupt. A single mutex guards all of it,
matching the memory subsystem's per-access atomicity and the
concurrency model's requirement that interrupt delivery race safely
against Step.

Atomicity:
Step is atomic: on ErrProtectionFault or ErrArithmeticFault, no
register, flag or ip change is observable. Every case below performs
its fault-prone memory access (if any) before touching registers, ip
or flags, so there is nothing to roll back on failure; the stack,
call and return cases that both read-or-write memory and move ip
(PUSH/POP/CALL/CALLI/RET/IRET) compute the new value first and assign
it to the register file only after the access has already succeeded.
*/

package vm

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// CPU holds the sixteen general-purpose registers, the instruction
// pointer and the flags word, driven by repeated calls to Step.
type CPU struct {
	mutex sync.Mutex

	registers [16]uint32
	ip        uint32
	flags     uint32

	// Debug, when set, prints a one-line trace of faults to stdout.
	// Mirrors the teacher's cpu.Debug flag.
	Debug bool

	mem *Memory
}

// New returns a CPU with ip at the boot entry point and all registers
// and flags zeroed, wired to mem.
func New(mem *Memory) *CPU {
	return &CPU{
		ip:  BootOffset,
		mem: mem,
	}
}

// IP returns the current instruction pointer.
func (cpu *CPU) IP() uint32 {
	cpu.mutex.Lock()
	defer cpu.mutex.Unlock()
	return cpu.ip
}

// Register returns the current value of register r (0..15).
func (cpu *CPU) Register(r int) uint32 {
	cpu.mutex.Lock()
	defer cpu.mutex.Unlock()
	return cpu.registers[r&0xF]
}

// SetRegister sets register r (0..15) to v. Intended for test setup
// and firmware bootstrapping, not for use mid-instruction.
func (cpu *CPU) SetRegister(r int, v uint32) {
	cpu.mutex.Lock()
	defer cpu.mutex.Unlock()
	cpu.registers[r&0xF] = v
}

// Flags returns the current packed flags word.
func (cpu *CPU) Flags() uint32 {
	cpu.mutex.Lock()
	defer cpu.mutex.Unlock()
	return cpu.flags
}

// SetFlag sets or clears a single flag bit.
func (cpu *CPU) SetFlag(bit uint32, on bool) {
	cpu.mutex.Lock()
	defer cpu.mutex.Unlock()
	cpu.flags = flagSet(cpu.flags, bit, on)
}

// String renders a disassembly-lite snapshot of ip, flags and the
// register file, e.g. for a failing test's fault message. Not used on
// any hot path; takes the mutex like any other accessor.
func (cpu *CPU) String() string {
	cpu.mutex.Lock()
	defer cpu.mutex.Unlock()
	return cpu.formatState()
}

// formatState is the unlocked half of String, reusable by callers
// that already hold cpu.mutex (none currently do, but keeps the lock
// discipline the same shape as the rest of the file).
func (cpu *CPU) formatState() string {
	s := fmt.Sprintf("ip=0x%08X flags=0x%02X", cpu.ip, cpu.flags&flagsMask)
	for i, r := range cpu.registers {
		s += fmt.Sprintf(" r%d=0x%08X", i, r)
	}
	return s
}

// fetchU8 reads one byte from the instruction stream at addr. A fault
// here is always InvalidOpcode: the opcode byte or an operand byte
// could not be fetched.
func (cpu *CPU) fetchU8(addr uint32) (byte, error) {
	b, err := cpu.mem.ReadU8(addr)
	if err != nil {
		return 0, &Fault{Op: "fetch", Addr: addr, Err: ErrInvalidOpcode}
	}
	return b, nil
}

// fetchU32 reads a little-endian 32-bit immediate from the
// instruction stream at addr. Same fault mapping as fetchU8.
func (cpu *CPU) fetchU32(addr uint32) (uint32, error) {
	v, err := cpu.mem.ReadU32(addr)
	if err != nil {
		return 0, &Fault{Op: "fetch", Addr: addr, Err: ErrInvalidOpcode}
	}
	return v, nil
}

// Step performs exactly one instruction per the step contract: fetch,
// decode, execute with staged memory access, advance ip, and force
// r0 back to zero.
func (cpu *CPU) Step() error {
	cpu.mutex.Lock()
	defer cpu.mutex.Unlock()

	startIP := cpu.ip

	opcode, err := cpu.fetchU8(startIP)
	if err != nil {
		return err
	}

	if err := cpu.execute(opcode, startIP); err != nil {
		if cpu.Debug {
			fmt.Printf("vm: fault at ip=0x%08X opcode=0x%02X: %v\n", startIP, opcode, err)
		}
		return err
	}

	cpu.registers[0] = 0
	return nil
}

// execute dispatches on the primary opcode. startIP is the
// instruction's own address (== cpu.ip on entry); every case below
// reads it instead of cpu.ip so that a fault leaves cpu.ip untouched.
func (cpu *CPU) execute(opcode byte, startIP uint32) error {
	switch {
	case opcode == opNOP:
		cpu.ip = startIP + 1

	case opcode >= opADD && opcode <= opSHR:
		mode, err := cpu.fetchU8(startIP + 1)
		if err != nil {
			return err
		}
		a, b := mode>>4, mode&0xF
		if err := cpu.execRRArith(opcode, a, b); err != nil {
			return err
		}
		cpu.ip = startIP + 2

	case opcode >= opSTB && opcode <= opSTD:
		mode, err := cpu.fetchU8(startIP + 1)
		if err != nil {
			return err
		}
		a, b := mode>>4, mode&0xF
		width := storeWidth(opcode)
		if err := cpu.mem.writeTruncated(cpu.registers[b&0xF], cpu.registers[a&0xF], width); err != nil {
			return err
		}
		cpu.ip = startIP + 2

	case opcode >= opLDB && opcode <= opLDD:
		mode, err := cpu.fetchU8(startIP + 1)
		if err != nil {
			return err
		}
		a, b := mode>>4, mode&0xF
		width := loadWidth(opcode)
		v, err := cpu.mem.readZeroExtended(cpu.registers[a&0xF], width)
		if err != nil {
			return err
		}
		cpu.registers[b&0xF] = v
		cpu.ip = startIP + 2

	case opcode == opRIArith:
		return cpu.execRIArith(startIP)

	case opcode == opRegGroup:
		return cpu.execRegGroup(startIP)

	case opcode == opPUSHI:
		imm, err := cpu.fetchU32(startIP + 1)
		if err != nil {
			return err
		}
		newSP := cpu.registers[15] - 4
		if err := cpu.mem.WriteU32(newSP, imm); err != nil {
			return err
		}
		cpu.registers[15] = newSP
		cpu.ip = startIP + 5

	case opcode == opJI:
		imm, err := cpu.fetchU32(startIP + 1)
		if err != nil {
			return err
		}
		cpu.ip = imm

	case opcode == opJTI:
		imm, err := cpu.fetchU32(startIP + 1)
		if err != nil {
			return err
		}
		if flagTest(cpu.flags, FlagCompare) {
			cpu.ip = imm
		} else {
			cpu.ip = startIP + 5
		}

	case opcode == opJFI:
		imm, err := cpu.fetchU32(startIP + 1)
		if err != nil {
			return err
		}
		if !flagTest(cpu.flags, FlagCompare) {
			cpu.ip = imm
		} else {
			cpu.ip = startIP + 5
		}

	case opcode == opCALLI:
		imm, err := cpu.fetchU32(startIP + 1)
		if err != nil {
			return err
		}
		newSP := cpu.registers[15] - 4
		if err := cpu.mem.WriteU32(newSP, startIP+5); err != nil {
			return err
		}
		cpu.registers[15] = newSP
		cpu.ip = imm

	case opcode >= opCGTQ && opcode <= opCLT:
		mode, err := cpu.fetchU8(startIP + 1)
		if err != nil {
			return err
		}
		a, b := mode>>4, mode&0xF
		cpu.flags = flagSet(cpu.flags, FlagCompare, compare(opcode, cpu.registers[a&0xF], cpu.registers[b&0xF]))
		cpu.ip = startIP + 2

	case opcode == opRICompareMove:
		return cpu.execRICompareMove(startIP)

	case opcode == opMOV:
		mode, err := cpu.fetchU8(startIP + 1)
		if err != nil {
			return err
		}
		a, b := mode>>4, mode&0xF
		cpu.registers[b&0xF] = cpu.registers[a&0xF]
		cpu.ip = startIP + 2

	case opcode >= opSTBII && opcode <= opSTDII:
		imm1, err := cpu.fetchU32(startIP + 1)
		if err != nil {
			return err
		}
		imm2, err := cpu.fetchU32(startIP + 5)
		if err != nil {
			return err
		}
		width := storeWidth(opSTB + (opcode - opSTBII))
		if err := cpu.mem.writeTruncated(imm2, imm1, width); err != nil {
			return err
		}
		cpu.ip = startIP + 9

	case opcode == opRET:
		target, err := cpu.mem.ReadU32(cpu.registers[15])
		if err != nil {
			return err
		}
		cpu.registers[15] += 4
		cpu.ip = target

	case opcode == opSYSCALL:
		delivered, err := cpu.deliverInterrupt(15, startIP+1)
		if err != nil {
			return err
		}
		if !delivered {
			cpu.ip = startIP + 1
		}

	case opcode == opIRET:
		ip, sp, flags, err := cpu.readIretFrame(cpu.registers[15])
		if err != nil {
			return err
		}
		cpu.ip = ip
		cpu.registers[15] = sp
		cpu.flags = flags

	case opcode == opCLI:
		cpu.flags = flagSet(cpu.flags, FlagInterrupt, false)
		cpu.ip = startIP + 1

	case opcode == opSTI:
		cpu.flags = flagSet(cpu.flags, FlagInterrupt, true)
		cpu.ip = startIP + 1

	default:
		return &Fault{Op: "decode", Addr: startIP, Err: ErrInvalidOpcode}
	}
	return nil
}

// execRRArith handles the 0x01..0x09 RR arithmetic/logic group:
// r[b] = r[b] <op> r[a], all wrapping modulo 2^32.
func (cpu *CPU) execRRArith(opcode, a, b byte) error {
	ra, rb := cpu.registers[a&0xF], cpu.registers[b&0xF]
	switch opcode {
	case opADD:
		cpu.registers[b&0xF] = rb + ra
	case opSUB:
		cpu.registers[b&0xF] = rb - ra
	case opMUL:
		p := uint64(rb) * uint64(ra)
		cpu.registers[14] = uint32(p >> 32)
		cpu.registers[13] = uint32(p)
	case opDIV:
		if ra == 0 {
			return &Fault{Op: "div", Addr: 0, Err: ErrArithmeticFault}
		}
		cpu.registers[14] = rb / ra
		cpu.registers[13] = rb % ra
	case opAND:
		cpu.registers[b&0xF] = rb & ra
	case opOR:
		cpu.registers[b&0xF] = rb | ra
	case opXOR:
		cpu.registers[b&0xF] = rb ^ ra
	case opSHL:
		cpu.registers[b&0xF] = shiftLeft(rb, ra)
	case opSHR:
		cpu.registers[b&0xF] = shiftRight(rb, ra)
	}
	return nil
}

func shiftLeft(v, count uint32) uint32 {
	if count >= 32 {
		return 0
	}
	return v << count
}

func shiftRight(v, count uint32) uint32 {
	if count >= 32 {
		return 0
	}
	return v >> count
}

// compare evaluates a C-prefixed RR compare opcode. CGTQ/CLTQ read
// "greater/less than or equal" despite the Q suffix, per the source's
// historical naming.
func compare(opcode byte, a, b uint32) bool {
	switch opcode {
	case opCGTQ:
		return a >= b
	case opCLTQ:
		return a <= b
	case opCEQ:
		return a == b
	case opCNQ:
		return a != b
	case opCGT:
		return a > b
	case opCLT:
		return a < b
	}
	return false
}

// execRIArith handles the 0x10 RI arithmetic/mem group: mode byte at
// ip+1, sub-opcode in its high nibble, register a in its low nibble,
// a 32-bit little-endian immediate at ip+2. Total length 6.
func (cpu *CPU) execRIArith(startIP uint32) error {
	mode, err := cpu.fetchU8(startIP + 1)
	if err != nil {
		return err
	}
	sub, a := mode>>4, mode&0xF
	imm, err := cpu.fetchU32(startIP + 2)
	if err != nil {
		return err
	}

	ra := cpu.registers[a&0xF]
	switch sub {
	case subRIADD:
		cpu.registers[a&0xF] = ra + imm
	case subRISUB:
		cpu.registers[a&0xF] = ra - imm
	case subRIMUL:
		p := uint64(ra) * uint64(imm)
		cpu.registers[14] = uint32(p >> 32)
		cpu.registers[13] = uint32(p)
	case subRIDIV:
		if imm == 0 {
			return &Fault{Op: "divi", Addr: 0, Err: ErrArithmeticFault}
		}
		cpu.registers[14] = ra / imm
		cpu.registers[13] = ra % imm
	case subRIAND:
		cpu.registers[a&0xF] = ra & imm
	case subRIOR:
		cpu.registers[a&0xF] = ra | imm
	case subRIXOR:
		cpu.registers[a&0xF] = ra ^ imm
	case subRISHL:
		cpu.registers[a&0xF] = shiftLeft(ra, imm)
	case subRISHR:
		cpu.registers[a&0xF] = shiftRight(ra, imm)
	case subRISTB, subRISTW, subRISTD:
		width := riStoreWidth(sub)
		if err := cpu.mem.writeTruncated(imm, ra, width); err != nil {
			return err
		}
	case subRILDB, subRILDW, subRILDD:
		width := riLoadWidth(sub)
		v, err := cpu.mem.readZeroExtended(imm, width)
		if err != nil {
			return err
		}
		cpu.registers[a&0xF] = v
	default:
		return &Fault{Op: "decode", Addr: startIP, Err: ErrInvalidOpcode}
	}
	cpu.ip = startIP + 6
	return nil
}

// execRICompareMove handles the 0x30 RI compare/move group: sub 0x1
// is MOVI, subs 0xA..0xF compare r[a] against the immediate.
func (cpu *CPU) execRICompareMove(startIP uint32) error {
	mode, err := cpu.fetchU8(startIP + 1)
	if err != nil {
		return err
	}
	sub, a := mode>>4, mode&0xF
	imm, err := cpu.fetchU32(startIP + 2)
	if err != nil {
		return err
	}

	switch sub {
	case subMOVI:
		cpu.registers[a&0xF] = imm
	case subCGTQI:
		cpu.flags = flagSet(cpu.flags, FlagCompare, cpu.registers[a&0xF] >= imm)
	case subCLTQI:
		cpu.flags = flagSet(cpu.flags, FlagCompare, cpu.registers[a&0xF] <= imm)
	case subCEQI:
		cpu.flags = flagSet(cpu.flags, FlagCompare, cpu.registers[a&0xF] == imm)
	case subCNQI:
		cpu.flags = flagSet(cpu.flags, FlagCompare, cpu.registers[a&0xF] != imm)
	case subCGTI:
		cpu.flags = flagSet(cpu.flags, FlagCompare, cpu.registers[a&0xF] > imm)
	case subCLTI:
		cpu.flags = flagSet(cpu.flags, FlagCompare, cpu.registers[a&0xF] < imm)
	default:
		return &Fault{Op: "decode", Addr: startIP, Err: ErrInvalidOpcode}
	}
	cpu.ip = startIP + 6
	return nil
}

// execRegGroup handles the 0x20 R-form branch/stack group: mode byte
// at ip+1, sub-opcode in its high nibble, register a in its low
// nibble. The branch variants overwrite ip directly instead of
// advancing by the instruction's own length.
func (cpu *CPU) execRegGroup(startIP uint32) error {
	mode, err := cpu.fetchU8(startIP + 1)
	if err != nil {
		return err
	}
	sub, a := mode>>4, mode&0xF

	switch sub {
	case subPUSH:
		newSP := cpu.registers[15] - 4
		if err := cpu.mem.WriteU32(newSP, cpu.registers[a&0xF]); err != nil {
			return err
		}
		cpu.registers[15] = newSP
		cpu.ip = startIP + 2

	case subPOP:
		v, err := cpu.mem.ReadU32(cpu.registers[15])
		if err != nil {
			return err
		}
		cpu.registers[a&0xF] = v
		cpu.registers[15] += 4
		cpu.ip = startIP + 2

	case subJ:
		cpu.ip = cpu.registers[a&0xF]

	case subJT:
		if flagTest(cpu.flags, FlagCompare) {
			cpu.ip = cpu.registers[a&0xF]
		} else {
			cpu.ip = startIP + 2
		}

	case subJF:
		if !flagTest(cpu.flags, FlagCompare) {
			cpu.ip = cpu.registers[a&0xF]
		} else {
			cpu.ip = startIP + 2
		}

	case subCALL:
		newSP := cpu.registers[15] - 4
		if err := cpu.mem.WriteU32(newSP, startIP+2); err != nil {
			return err
		}
		cpu.registers[15] = newSP
		cpu.ip = cpu.registers[a&0xF]

	default:
		return &Fault{Op: "decode", Addr: startIP, Err: ErrInvalidOpcode}
	}
	return nil
}

// readIretFrame reads the three words IRET restores from, without
// mutating any CPU state, so a fault on any of the three leaves
// everything untouched.
func (cpu *CPU) readIretFrame(sp uint32) (ip, savedSP, flags uint32, err error) {
	ip, err = cpu.mem.ReadU32(sp)
	if err != nil {
		return 0, 0, 0, err
	}
	savedSP, err = cpu.mem.ReadU32(sp + 4)
	if err != nil {
		return 0, 0, 0, err
	}
	rawFlags, err := cpu.mem.ReadU32(sp + 8)
	if err != nil {
		return 0, 0, 0, err
	}
	return ip, savedSP, rawFlags & flagsMask, nil
}

// Interrupt delivers interrupt line from a device goroutine. It
// returns true if the interrupt was delivered, false if it was
// dropped because flags.interrupt was clear at observation time or
// because the interrupt-frame push faulted against memory — an
// asynchronous device interrupt has nowhere to surface a fault, so a
// faulting push is treated the same as a masked one: no frame is
// written (deliverInterrupt/WriteBlock is all-or-nothing) and the CPU
// carries on as if the interrupt never arrived. The spec allows an
// optional error_code parameter on interrupt delivery; the interrupt
// frame itself has no field for it, so it is not part of this
// signature.
func (cpu *CPU) Interrupt(line byte) bool {
	cpu.mutex.Lock()
	defer cpu.mutex.Unlock()
	delivered, _ := cpu.deliverInterrupt(line, cpu.ip)
	return delivered
}

// deliverInterrupt is the interrupt-entry sequence shared by the
// SYSCALL opcode and the externally-callable Interrupt. returnIP is
// the ip value saved for the handler's eventual IRET: the next
// instruction after SYSCALL, or the CPU's current ip for an
// asynchronous device interrupt. Must be called with mutex held.
//
// The two failure modes are distinct and returned separately:
// delivered=false, err=nil means interrupts are masked (flags.interrupt
// clear) — a no-op, not a fault. delivered=false, err!=nil means the
// frame push itself faulted (newSP out of bounds); the caller decides
// whether that's surfaceable (SYSCALL propagates it; an asynchronous
// Interrupt() call has no instruction to fault and drops it, matching
// a masked interrupt).
func (cpu *CPU) deliverInterrupt(line byte, returnIP uint32) (delivered bool, err error) {
	if !flagTest(cpu.flags, FlagInterrupt) {
		return false, nil
	}

	sp := cpu.registers[15]
	newSP := sp - 16

	// Entry writes the frame IRET reads: word0=return ip, word1=saved
	// sp, word2=saved flags, word3=reserved. This normalizes the
	// source's inconsistent entry sequence so IRET is the ground
	// truth (see DESIGN.md Open Question decisions). The four words
	// are built up in a local buffer and written with one bounds
	// check via WriteBlock so a fault never leaves 1-3 of them
	// already committed to memory.
	var frame [16]byte
	binary.LittleEndian.PutUint32(frame[0:4], returnIP)
	binary.LittleEndian.PutUint32(frame[4:8], sp)
	binary.LittleEndian.PutUint32(frame[8:12], cpu.flags)
	binary.LittleEndian.PutUint32(frame[12:16], 0)
	if err := cpu.mem.WriteBlock(newSP, frame[:]); err != nil {
		return false, err
	}

	cpu.registers[15] = newSP
	cpu.flags = flagSet(cpu.flags, FlagUser, false)
	cpu.flags = flagSet(cpu.flags, FlagInterrupt, false)

	vector, err := cpu.mem.ReadU32(IVTBase + 4*uint32(line))
	if err != nil {
		cpu.ip = 0
		return true, nil
	}
	cpu.ip = vector
	return true, nil
}

func storeWidth(opcode byte) int {
	switch opcode {
	case opSTB:
		return 1
	case opSTW:
		return 2
	default:
		return 4
	}
}

func loadWidth(opcode byte) int {
	switch opcode {
	case opLDB:
		return 1
	case opLDW:
		return 2
	default:
		return 4
	}
}

func riStoreWidth(sub byte) int {
	switch sub {
	case subRISTB:
		return 1
	case subRISTW:
		return 2
	default:
		return 4
	}
}

func riLoadWidth(sub byte) int {
	switch sub {
	case subRILDB:
		return 1
	case subRILDW:
		return 2
	default:
		return 4
	}
}
