package cpu

import (
	"fmt"

	"github.com/otley-emu/x64core/decoder"
	"github.com/otley-emu/x64core/registers"
)

// effectiveAddress resolves an IndirectOperand per spec.md §4.5:
// ea = (base==RIP ? ip_of_next : base) + index*scale + sign_extend(disp),
// all arithmetic modulo 2^64. RIP already holds ip_of_next by the time
// any handler runs (dispatch sets it before the switch), so reading RIP
// here is exactly the "ip_of_next" the formula calls for.
func (e *Executor) effectiveAddress(m decoder.MemOperand) uint64 {
	var addr uint64
	if m.HasBase {
		if m.Base == decoder.RIPPseudoReg {
			addr = e.regs.RIP()
		} else {
			addr = e.regs.Get64(registers.Reg(m.Base))
		}
	}
	if m.HasIndex {
		addr += e.regs.Get64(registers.Reg(m.Index)) * uint64(m.Scale)
	}
	addr += uint64(m.Disp)
	return addr
}

func (e *Executor) readReg(op decoder.Operand) uint64 {
	r := registers.Reg(op.Reg)
	if op.HighByte {
		return uint64(e.regs.Get8High(r))
	}
	switch op.Width {
	case decoder.W8:
		return uint64(e.regs.Get8Low(r))
	case decoder.W16:
		return uint64(e.regs.Get16(r))
	case decoder.W32:
		return uint64(e.regs.Get32(r))
	default:
		return e.regs.Get64(r)
	}
}

func (e *Executor) writeReg(op decoder.Operand, v uint64) {
	r := registers.Reg(op.Reg)
	if op.HighByte {
		e.regs.Set8High(r, byte(v))
		return
	}
	switch op.Width {
	case decoder.W8:
		e.regs.Set8Low(r, byte(v))
	case decoder.W16:
		e.regs.Set16(r, uint16(v))
	case decoder.W32:
		e.regs.Set32(r, uint32(v))
	default:
		e.regs.Set64(r, v)
	}
}

func (e *Executor) readMem(addr uint64, width decoder.Width) (uint64, error) {
	switch width {
	case decoder.W8:
		v, err := e.mem.Read(addr)
		return uint64(v), err
	case decoder.W16:
		v, err := e.mem.ReadU16(addr)
		return uint64(v), err
	case decoder.W32:
		v, err := e.mem.ReadU32(addr)
		return uint64(v), err
	default:
		return e.mem.ReadU64(addr)
	}
}

func (e *Executor) writeMem(addr, v uint64, width decoder.Width) error {
	switch width {
	case decoder.W8:
		return e.mem.Write(addr, byte(v))
	case decoder.W16:
		return e.mem.WriteU16(addr, uint16(v))
	case decoder.W32:
		return e.mem.WriteU32(addr, uint32(v))
	default:
		return e.mem.WriteU64(addr, v)
	}
}

// readOperand returns an operand's value as a uint64: register and
// memory values are zero-extended, immediates are returned exactly as
// the decoder stored them (sign-extended where the encoding says so).
func (e *Executor) readOperand(op decoder.Operand) (uint64, error) {
	switch op.Kind {
	case decoder.OperandRegister:
		return e.readReg(op), nil
	case decoder.OperandImmediate:
		return op.Imm, nil
	case decoder.OperandIndirect:
		return e.readMem(e.effectiveAddress(op.Mem), op.Mem.Size)
	default:
		return 0, fmt.Errorf("cpu: operand kind %d is not readable", op.Kind)
	}
}

// writeOperand stores v into a register or memory operand.
func (e *Executor) writeOperand(op decoder.Operand, v uint64) error {
	switch op.Kind {
	case decoder.OperandRegister:
		e.writeReg(op, v)
		return nil
	case decoder.OperandIndirect:
		return e.writeMem(e.effectiveAddress(op.Mem), v, op.Mem.Size)
	default:
		return fmt.Errorf("cpu: operand kind %d is not writable", op.Kind)
	}
}

// push writes v to [RSP-8] and decrements RSP, per spec.md's PUSH row.
func (e *Executor) push(v uint64) error {
	sp := e.regs.Get64(registers.RSP) - 8
	if err := e.mem.WriteU64(sp, v); err != nil {
		return err
	}
	e.regs.Set64(registers.RSP, sp)
	return nil
}

// pop reads [RSP] and increments RSP, per spec.md's POP row.
func (e *Executor) pop() (uint64, error) {
	sp := e.regs.Get64(registers.RSP)
	v, err := e.mem.ReadU64(sp)
	if err != nil {
		return 0, err
	}
	e.regs.Set64(registers.RSP, sp+8)
	return v, nil
}
