package cpu

import (
	"github.com/otley-emu/x64core/decoder"
	"github.com/otley-emu/x64core/registers"
)

// parity reports the 8086 parity flag: true iff the low byte has an
// even number of set bits. Transcribed from the teacher's parity()
// helper in cpu_x86.go, which PF is always computed from regardless of
// operand width (x86 parity only ever looks at the low 8 bits).
func parity(b byte) bool {
	v := b
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1
	return (v & 1) == 0
}

func maskFor(w decoder.Width) uint64 {
	if w == decoder.W64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(w)) - 1
}

func signBitFor(w decoder.Width) uint64 {
	return uint64(1) << (uint(w) - 1)
}

// setFlagsArith sets CF,ZF,SF,PF,OF,AF after an ADD/SUB/CMP-shaped
// operation at the given width, generalizing the teacher's
// setFlagsArith8/16/32 (cpu_x86.go) from three fixed widths to all four,
// using unsigned-wraparound comparisons for CF instead of a wider
// integer container since width can now reach 64 bits.
func setFlagsArith(f *registers.File, a, b, result uint64, width decoder.Width, sub bool) {
	mask := maskFor(width)
	am, bm, r := a&mask, b&mask, result&mask
	sign := signBitFor(width)

	var cf, of, af bool
	if sub {
		cf = am < bm
		of = (am^bm)&(am^r)&sign != 0
		af = (am & 0xF) < (bm & 0xF)
	} else {
		cf = r < am
		of = (^(am ^ bm))&(am^r)&sign != 0
		af = (am&0xF)+(bm&0xF) > 0xF
	}

	f.SetFlag(registers.CF, cf)
	f.SetFlag(registers.ZF, r == 0)
	f.SetFlag(registers.SF, r&sign != 0)
	f.SetFlag(registers.PF, parity(byte(r)))
	f.SetFlag(registers.OF, of)
	f.SetFlag(registers.AF, af)
}

// setFlagsLogic sets flags after an XOR/AND/TEST-shaped operation:
// CF=OF=0, ZF/SF/PF from the result, AF cleared to 0 (undefined by
// Intel).
func setFlagsLogic(f *registers.File, result uint64, width decoder.Width) {
	mask := maskFor(width)
	r := result & mask
	f.SetFlag(registers.CF, false)
	f.SetFlag(registers.OF, false)
	f.SetFlag(registers.AF, false)
	f.SetFlag(registers.ZF, r == 0)
	f.SetFlag(registers.SF, r&signBitFor(width) != 0)
	f.SetFlag(registers.PF, parity(byte(r)))
}

// shiftCountMask returns the mask applied to a shift count before use:
// 63 for 64-bit operands, 31 otherwise, per spec.md's per-opcode table.
func shiftCountMask(width decoder.Width) byte {
	if width == decoder.W64 {
		return 63
	}
	return 31
}

// setFlagsShift sets flags after a SHL/SHR/SAR, leaving every flag
// untouched when the masked count is 0 (the resolved open question in
// SPEC_FULL.md) and leaving OF untouched except for single-bit shifts,
// where Intel defines it precisely.
func setFlagsShift(f *registers.File, op decoder.Opcode, original, result uint64, maskedCount byte, width decoder.Width) {
	if maskedCount == 0 {
		return
	}
	mask := maskFor(width)
	orig := original & mask
	r := result & mask
	sign := signBitFor(width)
	bits := uint(width)

	var cf bool
	switch op {
	case decoder.OpSHR, decoder.OpSAR:
		cf = (orig>>(maskedCount-1))&1 != 0
	case decoder.OpSHL:
		cf = (orig>>(bits-uint(maskedCount)))&1 != 0
	}

	f.SetFlag(registers.CF, cf)
	f.SetFlag(registers.ZF, r == 0)
	f.SetFlag(registers.SF, r&sign != 0)
	f.SetFlag(registers.PF, parity(byte(r)))

	if maskedCount == 1 {
		var of bool
		switch op {
		case decoder.OpSHR:
			of = orig&sign != 0
		case decoder.OpSAR:
			of = false
		case decoder.OpSHL:
			of = (r&sign != 0) != cf
		}
		f.SetFlag(registers.OF, of)
	}
}
