// opcodes.go - primary opcode and RI/R sub-opcode constants

package vm

// Primary opcodes, per the authoritative opcode table. Unlisted values
// in 0x00..0xFF are invalid and cause ErrInvalidOpcode.
const (
	opNOP = 0x00

	opADD = 0x01
	opSUB = 0x02
	opMUL = 0x03
	opDIV = 0x04
	opAND = 0x05
	opOR  = 0x06
	opXOR = 0x07
	opSHL = 0x08
	opSHR = 0x09

	opSTB = 0x0A
	opSTW = 0x0B
	opSTD = 0x0C
	opLDB = 0x0D
	opLDW = 0x0E
	opLDD = 0x0F

	opRIArith = 0x10 // RI arithmetic/mem group, sub-opcode in mode>>4

	opRegGroup = 0x20 // R-form branch/stack group, sub-opcode in mode>>4
	opPUSHI    = 0x21
	opJI       = 0x23
	opJTI      = 0x24
	opJFI      = 0x25
	opCALLI    = 0x29

	opCGTQ = 0x2A
	opCLTQ = 0x2B
	opCEQ  = 0x2C
	opCNQ  = 0x2D
	opCGT  = 0x2E
	opCLT  = 0x2F

	opRICompareMove = 0x30 // RI compare/move group, sub-opcode in mode>>4
	opMOV           = 0x31
	opSTBII         = 0x32
	opSTWII         = 0x33
	opSTDII         = 0x34
	opRET           = 0x35

	opSYSCALL = 0x40
	opIRET    = 0x41
	opCLI     = 0x42
	opSTI     = 0x43
)

// Sub-opcodes of the 0x20 R-form branch/stack group (mode byte high
// nibble); the register operand occupies the low nibble.
const (
	subPUSH = 0x1
	subPOP  = 0x2
	subJ    = 0x3
	subJT   = 0x4
	subJF   = 0x5
	subCALL = 0x9
)

// Sub-opcodes of the 0x10 RI arithmetic/mem group (mode byte high
// nibble). Each value matches the corresponding RR opcode's low
// nibble, so ADD=1 mirrors opADD=0x01, STB=0xA mirrors opSTB=0x0A, and
// so on, keeping the two encodings in lockstep.
const (
	subRIADD = 0x1
	subRISUB = 0x2
	subRIMUL = 0x3
	subRIDIV = 0x4
	subRIAND = 0x5
	subRIOR  = 0x6
	subRIXOR = 0x7
	subRISHL = 0x8
	subRISHR = 0x9
	subRISTB = 0xA
	subRISTW = 0xB
	subRISTD = 0xC
	subRILDB = 0xD
	subRILDW = 0xE
	subRILDD = 0xF
)

// Sub-opcodes of the 0x30 RI compare/move group (mode byte high
// nibble). MOVI is sub 0x1; the compare subs reuse the RR compare
// opcodes' low nibble (CGTQ=0x2A -> 0xA, ... CLT=0x2F -> 0xF), an
// independent namespace from the 0x10 group above.
const (
	subMOVI  = 0x1
	subCGTQI = 0xA
	subCLTQI = 0xB
	subCEQI  = 0xC
	subCNQI  = 0xD
	subCGTI  = 0xE
	subCLTI  = 0xF
)
