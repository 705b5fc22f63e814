// Package decoder turns a stream of instruction bytes into a structured
// Instruction value: an Opcode plus up to four typed Operands and the
// byte length consumed. It is deliberately independent of the register
// file and memory controller (it depends only on the small ByteFetcher
// interface below) so that it can be unit-tested against a plain byte
// slice without constructing a CPU, generalizing the teacher's fused
// fetch-decode-execute Step() in cpu_x86.go into two separable stages.
package decoder

import "fmt"

// Width is an operand's bit width.
type Width byte

const (
	W8 Width = 8
	W16 Width = 16
	W32 Width = 32
	W64 Width = 64
)

// Reg is a register identity in the same numbering as registers.Reg.
// Duplicated here (rather than importing the registers package) so the
// decoder has zero dependency on the register-file representation,
// mirroring the teacher's bus-interface pattern (X86Bus in cpu_x86.go)
// of depending on a narrow local interface rather than a concrete type.
type Reg byte

// OperandKind tags which variant of Operand is populated.
type OperandKind byte

const (
	OperandRegister OperandKind = iota
	OperandImmediate
	OperandIndirect
	OperandRelative
)

// MemOperand is the decoded form of an IndirectOperand: an effective
// address expressed as base + index*scale + disp, with RIP-relative
// addressing encoded as HasBase with Base==RIPPseudoReg.
type MemOperand struct {
	HasBase  bool
	Base     Reg
	HasIndex bool
	Index    Reg
	Scale    byte // 1, 2, 4, or 8
	Disp     int64
	Seg      SegReg
	Size     Width // width of the value at this address, not of the address itself
}

// RIPPseudoReg marks MemOperand.Base as RIP-relative; never a valid
// general-purpose register identity (those run 0..15).
const RIPPseudoReg Reg = 0xFF

// SegReg mirrors registers.SegReg without importing it.
type SegReg byte

const (
	SegES SegReg = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
)

// Operand is one decoded instruction operand. Exactly one of the
// variant-specific fields is meaningful, selected by Kind — a tagged
// union expressed as a flat struct, the same "sum type of four width
// variants rather than a string-keyed lookup" approach spec.md's design
// notes call for.
type Operand struct {
	Kind OperandKind

	// OperandRegister
	Reg   Reg
	Width Width
	// HighByte selects AH/CH/DH/BH for the historical 8-bit high aliases.
	HighByte bool

	// OperandImmediate
	Imm uint64

	// OperandIndirect
	Mem MemOperand

	// OperandRelative: signed displacement applied to RIP at execution.
	RelDisp int64
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandRegister:
		return fmt.Sprintf("reg%d:%d", o.Reg, o.Width)
	case OperandImmediate:
		return fmt.Sprintf("imm:0x%x", o.Imm)
	case OperandIndirect:
		return "mem"
	case OperandRelative:
		return fmt.Sprintf("rel:%d", o.RelDisp)
	default:
		return "?"
	}
}

// Opcode names a decoded operation. Values are descriptive strings
// rather than a dense byte enum: the decode tables already key off raw
// opcode bytes, so naming the result as text keeps decoder.go and
// executor_ops.go readable without a second numeric mapping to keep in
// sync, mirroring the teacher's func-pointer-per-opcode dispatch style
// (baseOps[256]) but surfacing a name for the executor and for tests.
type Opcode string

const (
	OpNOP    Opcode = "NOP"
	OpMOV    Opcode = "MOV"
	OpMOVABS Opcode = "MOVABS"
	OpLEA    Opcode = "LEA"
	OpADD    Opcode = "ADD"
	OpSUB    Opcode = "SUB"
	OpCMP    Opcode = "CMP"
	OpXOR    Opcode = "XOR"
	OpAND    Opcode = "AND"
	OpTEST   Opcode = "TEST"
	OpSHR    Opcode = "SHR"
	OpSAR    Opcode = "SAR"
	OpSHL    Opcode = "SHL"
	OpPUSH   Opcode = "PUSH"
	OpPOP    Opcode = "POP"
	OpCALL   Opcode = "CALL"
	OpRET    Opcode = "RET"
	OpJMP    Opcode = "JMP"
	OpJcc    Opcode = "Jcc"
	OpCMOVcc Opcode = "CMOVcc"
	OpENDBR64 Opcode = "ENDBR64"
	OpHLT    Opcode = "HLT"
)

// Condition is one of the 16 x86 condition codes used by Jcc/CMOVcc,
// numbered exactly as the low nibble of their opcode byte (0x0=O,
// 0x1=NO, ... 0xF=G), per the x86 encoding the teacher's initExtendedOps
// table switches on for its Jcc-family handling.
type Condition byte

const (
	CondO Condition = iota
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG
)

// Instruction is the decoder's output: an operation, up to four typed
// operands, and the number of bytes consumed. For Jcc/CMOVcc, Cond
// carries the condition code; a Jcc's target is Operands[0], a CMOVcc's
// destination register is Operands[0] and its source Operands[1].
type Instruction struct {
	Op      Opcode
	Operands [4]Operand
	NumOperands int
	Cond    Condition
	Width   Width // operand width governing the whole instruction (ADD/SUB/.../shift width)
	Length  int   // bytes consumed
}
