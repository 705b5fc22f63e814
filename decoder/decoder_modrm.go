package decoder

// rex holds the four REX bits relevant to decode, or all false when no
// REX prefix was present (rex.W defaults to the caller's legacy operand
// width in that case — see decoder.go's prefix handling).
type rex struct {
	present    bool
	W, R, X, B bool
}

// gprOperand builds a register operand, applying the AH/CH/DH/BH
// high-byte aliasing rule spec.md §4.4 calls out: an 8-bit register
// number in 4..7 names a high-byte alias only when no REX prefix is
// present; with REX present those numbers instead name SPL/BPL/SIL/DIL
// (registers.HasHighByte's inverse case), which this core represents as
// an ordinary low-byte register with extended identity num&^4 is NOT
// applied — num is used as-is, since SPL..DIL are genuinely distinct
// register slots 4..7, not aliases of AX..BX.
func gprOperand(num byte, width Width, hasREX bool) Operand {
	if width == W8 && !hasREX && num >= 4 && num <= 7 {
		return Operand{Kind: OperandRegister, Reg: Reg(num - 4), Width: W8, HighByte: true}
	}
	return Operand{Kind: OperandRegister, Reg: Reg(num), Width: width}
}

// decodeModRM consumes the ModR/M byte and, if present, the SIB byte
// and displacement, returning the /reg field (extended by REX.R) and
// the r/m operand (register-direct or an IndirectOperand), following
// the special cases spec.md §4.4 enumerates: mod=00,rm=101 is
// RIP-relative; SIB base=101,mod=00 has no base register; SIB index=100
// (after REX.X extension) has no index register. seg carries whatever
// segment-override prefix (or the SegDS default) the caller already
// decoded, and is stamped onto the resulting memory operand unchanged.
func decodeModRM(f ByteFetcher, rx rex, width Width, seg SegReg) (regField Reg, rm Operand, err error) {
	b, err := f.Fetch8()
	if err != nil {
		return 0, Operand{}, err
	}
	mod := b >> 6
	regBits := (b >> 3) & 7
	rmBits := b & 7

	reg := regBits
	if rx.R {
		reg |= 8
	}
	regField = Reg(reg)

	if mod == 3 {
		num := rmBits
		if rx.B {
			num |= 8
		}
		rm = gprOperand(num, width, rx.present)
		return regField, rm, nil
	}

	mem := MemOperand{Size: width, Seg: seg}

	if rmBits == 4 {
		sib, err := f.Fetch8()
		if err != nil {
			return 0, Operand{}, err
		}
		scale := byte(1) << ((sib >> 6) & 3)
		indexBits := (sib >> 3) & 7
		baseBits := sib & 7

		extIndex := indexBits
		if rx.X {
			extIndex |= 8
		}
		if extIndex != 4 {
			mem.HasIndex = true
			mem.Index = Reg(extIndex)
			mem.Scale = scale
		}

		if baseBits == 5 && mod == 0 {
			disp, err := f.Fetch32()
			if err != nil {
				return 0, Operand{}, err
			}
			mem.Disp = int64(int32(disp))
		} else {
			extBase := baseBits
			if rx.B {
				extBase |= 8
			}
			mem.HasBase = true
			mem.Base = Reg(extBase)
		}
	} else if rmBits == 5 && mod == 0 {
		disp, err := f.Fetch32()
		if err != nil {
			return 0, Operand{}, err
		}
		mem.HasBase = true
		mem.Base = RIPPseudoReg
		mem.Disp = int64(int32(disp))
	} else {
		num := rmBits
		if rx.B {
			num |= 8
		}
		mem.HasBase = true
		mem.Base = Reg(num)
	}

	switch mod {
	case 1:
		d, err := f.Fetch8()
		if err != nil {
			return 0, Operand{}, err
		}
		mem.Disp += int64(int8(d))
	case 2:
		d, err := f.Fetch32()
		if err != nil {
			return 0, Operand{}, err
		}
		mem.Disp += int64(int32(d))
	}

	rm = Operand{Kind: OperandIndirect, Mem: mem, Width: width}
	return regField, rm, nil
}
