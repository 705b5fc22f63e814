package decoder

// ByteFetcher is the minimal sequential-byte source the decoder needs:
// four little-endian fetch widths, each advancing the underlying
// position by the width consumed. Defined locally (rather than reusing
// a concrete memory/register type) so the decoder package imports
// nothing from the rest of this module and can be driven by a plain
// byte-slice fetcher in tests, the same "accept interfaces" shape as the
// teacher's X86Bus in cpu_x86.go.
type ByteFetcher interface {
	Fetch8() (byte, error)
	Fetch16() (uint16, error)
	Fetch32() (uint32, error)
	Fetch64() (uint64, error)
}

// countingFetcher wraps a ByteFetcher and tallies the bytes consumed,
// so Decode can report Instruction.Length without the underlying
// fetcher exposing its own position.
type countingFetcher struct {
	f   ByteFetcher
	len int
}

func (c *countingFetcher) Fetch8() (byte, error) {
	v, err := c.f.Fetch8()
	if err == nil {
		c.len++
	}
	return v, err
}

func (c *countingFetcher) Fetch16() (uint16, error) {
	v, err := c.f.Fetch16()
	if err == nil {
		c.len += 2
	}
	return v, err
}

func (c *countingFetcher) Fetch32() (uint32, error) {
	v, err := c.f.Fetch32()
	if err == nil {
		c.len += 4
	}
	return v, err
}

func (c *countingFetcher) Fetch64() (uint64, error) {
	v, err := c.f.Fetch64()
	if err == nil {
		c.len += 8
	}
	return v, err
}

// segOverrideOf maps a legacy segment-override prefix byte to the
// segment it selects.
func segOverrideOf(b byte) (SegReg, bool) {
	switch b {
	case 0x2E:
		return SegCS, true
	case 0x36:
		return SegSS, true
	case 0x3E:
		return SegDS, true
	case 0x26:
		return SegES, true
	case 0x64:
		return SegFS, true
	case 0x65:
		return SegGS, true
	default:
		return 0, false
	}
}

// isLegacyPrefixByte reports whether b is one of the legacy operand-size,
// address-size, LOCK, REP/REPNE, or segment-override prefix bytes.
func isLegacyPrefixByte(b byte) bool {
	switch b {
	case 0x66, 0x67, 0xF0, 0xF2, 0xF3:
		return true
	}
	_, isSeg := segOverrideOf(b)
	return isSeg
}

// Decode consumes one instruction from f and returns its decoded form.
// f's position advances by exactly Instruction.Length bytes on success;
// on failure the position has advanced by however many bytes were
// consumed before the error (the caller decides whether to resync).
func Decode(f ByteFetcher) (Instruction, error) {
	cf := &countingFetcher{f: f}

	var seg SegReg = SegDS
	sizeOverride16 := false
	var rx rex

	// Legacy prefixes: operand-size (0x66), address-size (0x67, a no-op
	// in this core since effective addresses are always 64-bit), LOCK
	// (0xF0) and REP/REPNE (0xF2/0xF3, consumed and otherwise ignored
	// except as the mandatory prefix distinguishing ENDBR64), and
	// segment overrides.
	var opByte byte
	var repF3 bool
	for {
		b, err := cf.Fetch8()
		if err != nil {
			return Instruction{}, err
		}
		switch {
		case b == 0x66:
			sizeOverride16 = true
			continue
		case b == 0x67, b == 0xF0:
			continue
		case b == 0xF2:
			continue
		case b == 0xF3:
			repF3 = true
			continue
		default:
			if s, ok := segOverrideOf(b); ok {
				seg = s
				continue
			}
		}
		opByte = b
		break
	}

	// REX prefix, 0x40-0x4F, must immediately precede the opcode.
	if opByte >= 0x40 && opByte <= 0x4F {
		rx = rex{
			present: true,
			W:       opByte&0x08 != 0,
			R:       opByte&0x04 != 0,
			X:       opByte&0x02 != 0,
			B:       opByte&0x01 != 0,
		}
		b, err := cf.Fetch8()
		if err != nil {
			return Instruction{}, err
		}
		opByte = b
	}

	// A legacy or segment-override prefix byte immediately after REX is
	// invalid encoding — REX must be the last prefix before the opcode —
	// so it is reported distinctly from an opcode this core simply
	// doesn't implement.
	if isLegacyPrefixByte(opByte) {
		return Instruction{}, &DecodeError{Kind: UnrecognizedPrefix, Bytes: []byte{opByte}}
	}

	width := W32
	if sizeOverride16 {
		width = W16
	}
	if rx.W {
		width = W64
	}

	inst, err := decodeOne(cf, opByte, rx, width, seg, repF3)
	if err != nil {
		return Instruction{}, err
	}
	inst.Length = cf.len
	return inst, nil
}

func decodeOne(cf *countingFetcher, op byte, rx rex, width Width, seg SegReg, repF3 bool) (Instruction, error) {
	switch {
	case op == 0x90:
		return Instruction{Op: OpNOP, Width: width}, nil
	case op == 0xF4:
		return Instruction{Op: OpHLT}, nil
	case op == 0xC3:
		return Instruction{Op: OpRET}, nil
	case op == 0x0F:
		return decodeTwoByte(cf, rx, width, seg, repF3)
	case op >= 0x50 && op <= 0x57:
		num := op - 0x50
		if rx.B {
			num |= 8
		}
		inst := Instruction{Op: OpPUSH, Width: W64}
		inst.Operands[0] = Operand{Kind: OperandRegister, Reg: Reg(num), Width: W64}
		inst.NumOperands = 1
		return inst, nil
	case op >= 0x58 && op <= 0x5F:
		num := op - 0x58
		if rx.B {
			num |= 8
		}
		inst := Instruction{Op: OpPOP, Width: W64}
		inst.Operands[0] = Operand{Kind: OperandRegister, Reg: Reg(num), Width: W64}
		inst.NumOperands = 1
		return inst, nil
	case op == 0x68:
		imm, err := cf.Fetch32()
		if err != nil {
			return Instruction{}, err
		}
		inst := Instruction{Op: OpPUSH, Width: W64}
		inst.Operands[0] = Operand{Kind: OperandImmediate, Imm: uint64(int64(int32(imm))), Width: W64}
		inst.NumOperands = 1
		return inst, nil
	case op == 0x6A:
		imm, err := cf.Fetch8()
		if err != nil {
			return Instruction{}, err
		}
		inst := Instruction{Op: OpPUSH, Width: W64}
		inst.Operands[0] = Operand{Kind: OperandImmediate, Imm: uint64(int64(int8(imm))), Width: W64}
		inst.NumOperands = 1
		return inst, nil
	case op == 0xE8:
		rel, err := cf.Fetch32()
		if err != nil {
			return Instruction{}, err
		}
		inst := Instruction{Op: OpCALL}
		inst.Operands[0] = Operand{Kind: OperandRelative, RelDisp: int64(int32(rel))}
		inst.NumOperands = 1
		return inst, nil
	case op == 0xE9:
		rel, err := cf.Fetch32()
		if err != nil {
			return Instruction{}, err
		}
		inst := Instruction{Op: OpJMP}
		inst.Operands[0] = Operand{Kind: OperandRelative, RelDisp: int64(int32(rel))}
		inst.NumOperands = 1
		return inst, nil
	case op == 0xEB:
		rel, err := cf.Fetch8()
		if err != nil {
			return Instruction{}, err
		}
		inst := Instruction{Op: OpJMP}
		inst.Operands[0] = Operand{Kind: OperandRelative, RelDisp: int64(int8(rel))}
		inst.NumOperands = 1
		return inst, nil
	case op >= 0x70 && op <= 0x7F:
		rel, err := cf.Fetch8()
		if err != nil {
			return Instruction{}, err
		}
		inst := Instruction{Op: OpJcc, Cond: Condition(op - 0x70)}
		inst.Operands[0] = Operand{Kind: OperandRelative, RelDisp: int64(int8(rel))}
		inst.NumOperands = 1
		return inst, nil
	case op == 0x88:
		return decodeALUModRM(cf, rx, W8, seg, OpMOV, true)
	case op == 0x89:
		return decodeALUModRM(cf, rx, width, seg, OpMOV, true)
	case op == 0x8A:
		return decodeALUModRM(cf, rx, W8, seg, OpMOV, false)
	case op == 0x8B:
		return decodeALUModRM(cf, rx, width, seg, OpMOV, false)
	case op == 0x8D:
		reg, rm, err := decodeModRM(cf, rx, width, seg)
		if err != nil {
			return Instruction{}, err
		}
		if rm.Kind != OperandIndirect {
			return Instruction{}, &DecodeError{Kind: ReservedOpcode, Bytes: []byte{0x8D}}
		}
		inst := Instruction{Op: OpLEA, Width: width}
		inst.Operands[0] = Operand{Kind: OperandRegister, Reg: reg, Width: width}
		inst.Operands[1] = rm
		inst.NumOperands = 2
		return inst, nil
	case op >= 0xB0 && op <= 0xB7:
		num := op - 0xB0
		if rx.B {
			num |= 8
		}
		imm, err := cf.Fetch8()
		if err != nil {
			return Instruction{}, err
		}
		inst := Instruction{Op: OpMOV, Width: W8}
		inst.Operands[0] = gprOperand(num, W8, rx.present)
		inst.Operands[1] = Operand{Kind: OperandImmediate, Imm: uint64(imm), Width: W8}
		inst.NumOperands = 2
		return inst, nil
	case op >= 0xB8 && op <= 0xBF:
		num := op - 0xB8
		if rx.B {
			num |= 8
		}
		inst := Instruction{Width: width}
		inst.Operands[0] = Operand{Kind: OperandRegister, Reg: Reg(num), Width: width}
		if rx.W {
			imm, err := cf.Fetch64()
			if err != nil {
				return Instruction{}, err
			}
			inst.Op = OpMOVABS
			inst.Operands[1] = Operand{Kind: OperandImmediate, Imm: imm, Width: W64}
		} else {
			imm, err := cf.Fetch32()
			if err != nil {
				return Instruction{}, err
			}
			inst.Op = OpMOV
			inst.Operands[1] = Operand{Kind: OperandImmediate, Imm: uint64(imm), Width: width}
		}
		inst.NumOperands = 2
		return inst, nil
	case op == 0xC6:
		return decodeImmGroup(cf, rx, W8, seg, OpMOV, 0)
	case op == 0xC7:
		return decodeImmGroup(cf, rx, width, seg, OpMOV, 0)
	case op == 0x00:
		return decodeALUModRM(cf, rx, W8, seg, OpADD, true)
	case op == 0x01:
		return decodeALUModRM(cf, rx, width, seg, OpADD, true)
	case op == 0x02:
		return decodeALUModRM(cf, rx, W8, seg, OpADD, false)
	case op == 0x03:
		return decodeALUModRM(cf, rx, width, seg, OpADD, false)
	case op == 0x28:
		return decodeALUModRM(cf, rx, W8, seg, OpSUB, true)
	case op == 0x29:
		return decodeALUModRM(cf, rx, width, seg, OpSUB, true)
	case op == 0x2A:
		return decodeALUModRM(cf, rx, W8, seg, OpSUB, false)
	case op == 0x2B:
		return decodeALUModRM(cf, rx, width, seg, OpSUB, false)
	case op == 0x30:
		return decodeALUModRM(cf, rx, W8, seg, OpXOR, true)
	case op == 0x31:
		return decodeALUModRM(cf, rx, width, seg, OpXOR, true)
	case op == 0x32:
		return decodeALUModRM(cf, rx, W8, seg, OpXOR, false)
	case op == 0x33:
		return decodeALUModRM(cf, rx, width, seg, OpXOR, false)
	case op == 0x20:
		return decodeALUModRM(cf, rx, W8, seg, OpAND, true)
	case op == 0x21:
		return decodeALUModRM(cf, rx, width, seg, OpAND, true)
	case op == 0x22:
		return decodeALUModRM(cf, rx, W8, seg, OpAND, false)
	case op == 0x23:
		return decodeALUModRM(cf, rx, width, seg, OpAND, false)
	case op == 0x38:
		return decodeALUModRM(cf, rx, W8, seg, OpCMP, true)
	case op == 0x39:
		return decodeALUModRM(cf, rx, width, seg, OpCMP, true)
	case op == 0x3A:
		return decodeALUModRM(cf, rx, W8, seg, OpCMP, false)
	case op == 0x3B:
		return decodeALUModRM(cf, rx, width, seg, OpCMP, false)
	case op == 0x84:
		return decodeALUModRM(cf, rx, W8, seg, OpTEST, true)
	case op == 0x85:
		return decodeALUModRM(cf, rx, width, seg, OpTEST, true)
	case op == 0x80:
		return decodeGrp1(cf, rx, W8, seg, 1)
	case op == 0x81:
		return decodeGrp1(cf, rx, width, seg, 4)
	case op == 0x83:
		return decodeGrp1(cf, rx, width, seg, 1)
	case op == 0xC0:
		return decodeGrp2(cf, rx, W8, seg, grp2CountImm8)
	case op == 0xC1:
		return decodeGrp2(cf, rx, width, seg, grp2CountImm8)
	case op == 0xD0:
		return decodeGrp2(cf, rx, W8, seg, grp2CountOne)
	case op == 0xD1:
		return decodeGrp2(cf, rx, width, seg, grp2CountOne)
	case op == 0xD2:
		return decodeGrp2(cf, rx, W8, seg, grp2CountCL)
	case op == 0xD3:
		return decodeGrp2(cf, rx, width, seg, grp2CountCL)
	case op == 0xFF:
		return decodeGrp5(cf, rx, width, seg)
	case op == 0x8F:
		return decodeGrp1Pop(cf, rx, width, seg)
	}
	return Instruction{}, &DecodeError{Kind: UnknownOpcode, Bytes: []byte{op}}
}

// decodeTwoByte handles the 0x0F escape table: Jcc near, CMOVcc, and
// ENDBR64 (the F3 0F 1E FA sequence).
func decodeTwoByte(cf *countingFetcher, rx rex, width Width, seg SegReg, repF3 bool) (Instruction, error) {
	op2, err := cf.Fetch8()
	if err != nil {
		return Instruction{}, err
	}
	switch {
	case op2 == 0x1E:
		b, err := cf.Fetch8()
		if err != nil {
			return Instruction{}, err
		}
		if repF3 && b == 0xFA {
			return Instruction{Op: OpENDBR64}, nil
		}
		return Instruction{}, &DecodeError{Kind: ReservedOpcode, Bytes: []byte{0x0F, 0x1E, b}}
	case op2 >= 0x80 && op2 <= 0x8F:
		rel, err := cf.Fetch32()
		if err != nil {
			return Instruction{}, err
		}
		inst := Instruction{Op: OpJcc, Cond: Condition(op2 - 0x80)}
		inst.Operands[0] = Operand{Kind: OperandRelative, RelDisp: int64(int32(rel))}
		inst.NumOperands = 1
		return inst, nil
	case op2 >= 0x40 && op2 <= 0x4F:
		reg, rm, err := decodeModRM(cf, rx, width, seg)
		if err != nil {
			return Instruction{}, err
		}
		inst := Instruction{Op: OpCMOVcc, Cond: Condition(op2 - 0x40), Width: width}
		inst.Operands[0] = Operand{Kind: OperandRegister, Reg: reg, Width: width}
		inst.Operands[1] = rm
		inst.NumOperands = 2
		return inst, nil
	}
	return Instruction{}, &DecodeError{Kind: UnknownOpcode, Bytes: []byte{0x0F, op2}}
}

// decodeALUModRM handles the two-operand register/memory forms shared
// by MOV/ADD/SUB/XOR/AND/CMP/TEST: regIsDest selects whether the ModR/M
// reg field is the destination (the 0x*1/0x*9/0x*8/0x*0/... "store"
// forms) or the source (the 0x*3/0x*B/0x*A/... "load" forms).
func decodeALUModRM(cf *countingFetcher, rx rex, width Width, seg SegReg, op Opcode, regIsDest bool) (Instruction, error) {
	reg, rm, err := decodeModRM(cf, rx, width, seg)
	if err != nil {
		return Instruction{}, err
	}
	regOp := Operand{Kind: OperandRegister, Reg: reg, Width: width}
	if width == W8 && !rx.present && byte(reg) >= 4 && byte(reg) <= 7 {
		regOp = Operand{Kind: OperandRegister, Reg: Reg(byte(reg) - 4), Width: W8, HighByte: true}
	}
	inst := Instruction{Op: op, Width: width, NumOperands: 2}
	if regIsDest {
		inst.Operands[0] = rm
		inst.Operands[1] = regOp
	} else {
		inst.Operands[0] = regOp
		inst.Operands[1] = rm
	}
	return inst, nil
}

// decodeImmGroup decodes a single r/m,imm form used by MOV r/m,imm
// (reg field must be the given requiredDigit, conventionally 0).
func decodeImmGroup(cf *countingFetcher, rx rex, width Width, seg SegReg, op Opcode, requiredDigit byte) (Instruction, error) {
	reg, rm, err := decodeModRM(cf, rx, width, seg)
	if err != nil {
		return Instruction{}, err
	}
	if byte(reg)&7 != requiredDigit {
		return Instruction{}, &DecodeError{Kind: ReservedOpcode, Bytes: []byte{byte(reg)}}
	}
	var imm uint64
	if width == W8 {
		v, err := cf.Fetch8()
		if err != nil {
			return Instruction{}, err
		}
		imm = uint64(v)
	} else {
		v, err := cf.Fetch32()
		if err != nil {
			return Instruction{}, err
		}
		if width == W64 {
			imm = uint64(int64(int32(v)))
		} else {
			imm = uint64(v)
		}
	}
	inst := Instruction{Op: op, Width: width, NumOperands: 2}
	inst.Operands[0] = rm
	inst.Operands[1] = Operand{Kind: OperandImmediate, Imm: imm, Width: width}
	return inst, nil
}

// grp1Digits maps a Group-1 ALU /digit to the opcode this core
// implements; OR/ADC/SBB (/1,/2,/3) are architecturally valid but
// outside this core's supported arithmetic (no carry-in modeling), so
// they decode as ReservedOpcode.
var grp1Digits = map[byte]Opcode{
	0: OpADD,
	4: OpAND,
	5: OpSUB,
	6: OpXOR,
	7: OpCMP,
}

// decodeGrp1 decodes opcodes 0x80/0x81/0x83 (ALU r/m, imm), immBytes
// giving the immediate's encoded width in bytes (1 or 4; sign-extended
// to 64 bits here, at decode time).
func decodeGrp1(cf *countingFetcher, rx rex, width Width, seg SegReg, immBytes int) (Instruction, error) {
	reg, rm, err := decodeModRM(cf, rx, width, seg)
	if err != nil {
		return Instruction{}, err
	}
	op, ok := grp1Digits[byte(reg)&7]
	if !ok {
		return Instruction{}, &DecodeError{Kind: ReservedOpcode, Bytes: []byte{byte(reg)}}
	}
	var imm int64
	if immBytes == 1 {
		v, err := cf.Fetch8()
		if err != nil {
			return Instruction{}, err
		}
		imm = int64(int8(v))
	} else {
		v, err := cf.Fetch32()
		if err != nil {
			return Instruction{}, err
		}
		imm = int64(int32(v))
	}
	inst := Instruction{Op: op, Width: width, NumOperands: 2}
	inst.Operands[0] = rm
	inst.Operands[1] = Operand{Kind: OperandImmediate, Imm: uint64(imm), Width: width}
	return inst, nil
}

type grp2CountKind int

const (
	grp2CountOne grp2CountKind = iota
	grp2CountCL
	grp2CountImm8
)

var grp2Digits = map[byte]Opcode{
	4: OpSHL,
	5: OpSHR,
	7: OpSAR,
}

// decodeGrp2 decodes the shift-group opcodes (0xC0/0xC1/0xD0/0xD1/0xD2/
// 0xD3): reg field selects SHL/SHR/SAR (ROL/ROR/RCL/RCR are outside
// this core's scope and decode as ReservedOpcode); the count operand is
// either a literal 1, CL, or a following imm8.
func decodeGrp2(cf *countingFetcher, rx rex, width Width, seg SegReg, kind grp2CountKind) (Instruction, error) {
	reg, rm, err := decodeModRM(cf, rx, width, seg)
	if err != nil {
		return Instruction{}, err
	}
	op, ok := grp2Digits[byte(reg)&7]
	if !ok {
		return Instruction{}, &DecodeError{Kind: ReservedOpcode, Bytes: []byte{byte(reg)}}
	}
	inst := Instruction{Op: op, Width: width, NumOperands: 2}
	inst.Operands[0] = rm
	switch kind {
	case grp2CountOne:
		inst.Operands[1] = Operand{Kind: OperandImmediate, Imm: 1, Width: W8}
	case grp2CountCL:
		inst.Operands[1] = Operand{Kind: OperandRegister, Reg: Reg(1) /* RCX */, Width: W8, HighByte: false}
	case grp2CountImm8:
		v, err := cf.Fetch8()
		if err != nil {
			return Instruction{}, err
		}
		inst.Operands[1] = Operand{Kind: OperandImmediate, Imm: uint64(v), Width: W8}
	}
	return inst, nil
}

// decodeGrp5 decodes opcode 0xFF: CALL r/m (/2), JMP r/m (/4) and
// PUSH r/m (/6). INC/DEC r/m (/0,/1) and the far forms (/3,/5) are
// outside this core's scope.
func decodeGrp5(cf *countingFetcher, rx rex, width Width, seg SegReg) (Instruction, error) {
	reg, rm, err := decodeModRM(cf, rx, W64, seg)
	if err != nil {
		return Instruction{}, err
	}
	switch byte(reg) & 7 {
	case 2:
		inst := Instruction{Op: OpCALL, NumOperands: 1}
		inst.Operands[0] = rm
		return inst, nil
	case 4:
		inst := Instruction{Op: OpJMP, NumOperands: 1}
		inst.Operands[0] = rm
		return inst, nil
	case 6:
		inst := Instruction{Op: OpPUSH, Width: W64, NumOperands: 1}
		inst.Operands[0] = rm
		return inst, nil
	}
	return Instruction{}, &DecodeError{Kind: ReservedOpcode, Bytes: []byte{0xFF, byte(reg)}}
}

// decodeGrp1Pop decodes opcode 0x8F /0: POP r/m.
func decodeGrp1Pop(cf *countingFetcher, rx rex, width Width, seg SegReg) (Instruction, error) {
	reg, rm, err := decodeModRM(cf, rx, W64, seg)
	if err != nil {
		return Instruction{}, err
	}
	if byte(reg)&7 != 0 {
		return Instruction{}, &DecodeError{Kind: ReservedOpcode, Bytes: []byte{0x8F, byte(reg)}}
	}
	inst := Instruction{Op: OpPOP, Width: W64, NumOperands: 1}
	inst.Operands[0] = rm
	return inst, nil
}
