package cpu

import (
	"github.com/otley-emu/x64core/decoder"
	"github.com/otley-emu/x64core/registers"
)

func (e *Executor) execMov(inst decoder.Instruction) error {
	v, err := e.readOperand(inst.Operands[1])
	if err != nil {
		return err
	}
	return e.writeOperand(inst.Operands[0], v)
}

func (e *Executor) execLea(inst decoder.Instruction) error {
	mem := inst.Operands[1].Mem
	addr := e.effectiveAddress(mem)
	return e.writeOperand(inst.Operands[0], addr)
}

func (e *Executor) execArith(inst decoder.Instruction, sub bool) error {
	width := inst.Width
	a, err := e.readOperand(inst.Operands[0])
	if err != nil {
		return err
	}
	b, err := e.readOperand(inst.Operands[1])
	if err != nil {
		return err
	}
	var result uint64
	if sub {
		result = a - b
	} else {
		result = a + b
	}
	setFlagsArith(e.regs, a, b, result, width, sub)
	return e.writeOperand(inst.Operands[0], result)
}

func (e *Executor) execCmp(inst decoder.Instruction) error {
	width := inst.Width
	a, err := e.readOperand(inst.Operands[0])
	if err != nil {
		return err
	}
	b, err := e.readOperand(inst.Operands[1])
	if err != nil {
		return err
	}
	setFlagsArith(e.regs, a, b, a-b, width, true)
	return nil
}

func (e *Executor) execLogic(inst decoder.Instruction, fn func(a, b uint64) uint64, store bool) error {
	width := inst.Width
	a, err := e.readOperand(inst.Operands[0])
	if err != nil {
		return err
	}
	b, err := e.readOperand(inst.Operands[1])
	if err != nil {
		return err
	}
	result := fn(a, b)
	setFlagsLogic(e.regs, result, width)
	if !store {
		return nil
	}
	return e.writeOperand(inst.Operands[0], result)
}

func (e *Executor) execShift(inst decoder.Instruction) error {
	width := inst.Width
	dst := inst.Operands[0]
	original, err := e.readOperand(dst)
	if err != nil {
		return err
	}
	count, err := e.readOperand(inst.Operands[1])
	if err != nil {
		return err
	}
	maskedCount := byte(count) & shiftCountMask(width)
	mask := maskFor(width)
	orig := original & mask

	var result uint64
	switch inst.Op {
	case decoder.OpSHR:
		result = orig >> maskedCount
	case decoder.OpSHL:
		result = orig << maskedCount
	case decoder.OpSAR:
		result = arithShiftRight(orig, maskedCount, width)
	}

	setFlagsShift(e.regs, inst.Op, orig, result, maskedCount, width)
	return e.writeOperand(dst, result)
}

// arithShiftRight shifts a width-masked value right preserving its sign
// bit, since Go's >> on a uint64 is always logical.
func arithShiftRight(v uint64, count byte, width decoder.Width) uint64 {
	sign := signBitFor(width)
	if v&sign == 0 || count == 0 {
		return v >> count
	}
	// sign-extend v to a full int64, shift arithmetically, then mask
	// back down to width.
	mask := maskFor(width)
	ext := int64(v | ^mask)
	return uint64(ext>>count) & mask
}

func (e *Executor) execPush(inst decoder.Instruction) error {
	v, err := e.readOperand(inst.Operands[0])
	if err != nil {
		return err
	}
	return e.push(v)
}

func (e *Executor) execPop(inst decoder.Instruction) error {
	v, err := e.pop()
	if err != nil {
		return err
	}
	return e.writeOperand(inst.Operands[0], v)
}

func (e *Executor) execCall(inst decoder.Instruction) error {
	returnAddr := e.regs.RIP()
	target, err := e.resolveControlTarget(inst.Operands[0])
	if err != nil {
		return err
	}
	if err := e.push(returnAddr); err != nil {
		return err
	}
	e.regs.SetRIP(target)
	return nil
}

func (e *Executor) execRet() error {
	sp := e.regs.Get64(registers.RSP)
	v, err := e.mem.ReadU64(sp)
	if err != nil {
		return err
	}
	if v == 0 {
		// The loader's stack-bottom sentinel (spec.md §4.6): RSP is
		// deliberately left pointing at the sentinel rather than past
		// it, so a spurious extra RET still observes zero.
		e.halt()
		e.regs.SetRIP(0)
		return nil
	}
	e.regs.Set64(registers.RSP, sp+8)
	e.regs.SetRIP(v)
	return nil
}

func (e *Executor) execJmp(inst decoder.Instruction) error {
	target, err := e.resolveControlTarget(inst.Operands[0])
	if err != nil {
		return err
	}
	e.regs.SetRIP(target)
	return nil
}

func (e *Executor) execJcc(inst decoder.Instruction) error {
	if !evalCondition(e.regs, inst.Cond) {
		return nil
	}
	target, err := e.resolveControlTarget(inst.Operands[0])
	if err != nil {
		return err
	}
	e.regs.SetRIP(target)
	return nil
}

func (e *Executor) execCmovcc(inst decoder.Instruction) error {
	if !evalCondition(e.regs, inst.Cond) {
		return nil
	}
	v, err := e.readOperand(inst.Operands[1])
	if err != nil {
		return err
	}
	return e.writeOperand(inst.Operands[0], v)
}

// resolveControlTarget turns a CALL/JMP/Jcc operand into an absolute
// target address: register-indirect and memory-indirect forms read
// their value directly; RelativeOffset is added to RIP, which already
// holds ip_of_next by the time any handler runs.
func (e *Executor) resolveControlTarget(op decoder.Operand) (uint64, error) {
	if op.Kind == decoder.OperandRelative {
		return uint64(int64(e.regs.RIP()) + op.RelDisp), nil
	}
	return e.readOperand(op)
}

// evalCondition evaluates one of the 16 x86 condition codes against
// RFLAGS, exhaustively (spec.md's minimum requirement is just JE, but
// the teacher's initExtendedOps implements the full Jcc/SETcc range —
// see SPEC_FULL.md's supplemented-features note).
func evalCondition(f *registers.File, c decoder.Condition) bool {
	cf := f.IsSet(registers.CF)
	zf := f.IsSet(registers.ZF)
	sf := f.IsSet(registers.SF)
	of := f.IsSet(registers.OF)
	pf := f.IsSet(registers.PF)
	switch c {
	case decoder.CondO:
		return of
	case decoder.CondNO:
		return !of
	case decoder.CondB:
		return cf
	case decoder.CondAE:
		return !cf
	case decoder.CondE:
		return zf
	case decoder.CondNE:
		return !zf
	case decoder.CondBE:
		return cf || zf
	case decoder.CondA:
		return !cf && !zf
	case decoder.CondS:
		return sf
	case decoder.CondNS:
		return !sf
	case decoder.CondP:
		return pf
	case decoder.CondNP:
		return !pf
	case decoder.CondL:
		return sf != of
	case decoder.CondGE:
		return sf == of
	case decoder.CondLE:
		return zf || sf != of
	case decoder.CondG:
		return !zf && sf == of
	default:
		return false
	}
}
