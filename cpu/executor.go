// Package cpu implements the executor that drives a register file and
// memory controller through decoded instructions: the fetch/decode/
// execute loop, effective-address resolution, and per-opcode semantics.
// Grounded on the teacher's CPU_X86.Step()/op* family in cpu_x86.go and
// cpu_x86_ops.go, generalized from a fixed 32-bit flat model to the
// four-width x86-64 register model decoder.Instruction describes.
package cpu

import (
	"fmt"

	"github.com/otley-emu/x64core/decoder"
	"github.com/otley-emu/x64core/memory"
	"github.com/otley-emu/x64core/registers"
)

// State is the executor's on/off latch.
type State int

const (
	Running State = iota
	Halted
)

// UnsupportedInstructionError reports a successfully decoded
// instruction this executor has no semantics for (e.g. a Group-1 digit
// the decoder let through as a known Opcode constant but whose handler
// is absent), matching spec.md §4.5's "Undefined or unsupported
// opcodes: UnsupportedInstruction(inst) — fatal to the current run."
type UnsupportedInstructionError struct {
	Inst decoder.Instruction
}

func (e *UnsupportedInstructionError) Error() string {
	return fmt.Sprintf("cpu: unsupported instruction %s", e.Inst.Op)
}

// Executor owns a register file and memory controller and interprets
// decoded instructions against them.
type Executor struct {
	regs    *registers.File
	mem     *memory.Controller
	fetcher *Fetcher
	state   State
}

// NewExecutor returns an Executor in the Halted state; call
// SetEntryPoint to make it Running.
func NewExecutor(regs *registers.File, mem *memory.Controller) *Executor {
	return &Executor{
		regs:    regs,
		mem:     mem,
		fetcher: NewFetcher(regs, mem),
		state:   Halted,
	}
}

// SetEntryPoint writes RIP and transitions the executor to Running.
func (e *Executor) SetEntryPoint(addr uint64) {
	e.regs.SetRIP(addr)
	e.state = Running
}

// State reports whether the executor is Running or Halted.
func (e *Executor) State() State { return e.state }

// Registers returns the live register file. Callers outside this
// package should treat it as a read-only view, per spec.md §4.5's
// "registers() — immutable view"; Go has no const-reference mechanism
// cheap enough to justify copying 16 GPRs on every call.
func (e *Executor) Registers() *registers.File { return e.regs }

// halt forces the executor into the Halted state, used by HLT and by a
// RET that pops the zero stack sentinel.
func (e *Executor) halt() { e.state = Halted }

// ExecuteOne fetches one instruction via the decoder and interprets it.
// If state is not Running, it is a no-op.
func (e *Executor) ExecuteOne() error {
	if e.state != Running {
		return nil
	}
	inst, err := decoder.Decode(e.fetcher)
	if err != nil {
		e.state = Halted
		return err
	}
	// The Fetcher advances RIP byte-by-byte as Decode consumes the
	// instruction, so RIP already equals ip_of_next here.
	return e.dispatch(inst, e.regs.RIP())
}

// ExecuteInstruction interprets a single already-decoded instruction
// without fetching, per spec.md §4.5's execute_one(inst). RIP is
// advanced by inst.Length before dispatch, so relative control transfer
// and RIP-relative effective addresses resolve against ip_of_next the
// same way the fetch path does.
func (e *Executor) ExecuteInstruction(inst decoder.Instruction) error {
	if e.state != Running {
		return nil
	}
	ipOfNext := e.regs.RIP() + uint64(inst.Length)
	return e.dispatch(inst, ipOfNext)
}

// Execute runs ExecuteOne in a loop until the executor halts or an
// error occurs.
func (e *Executor) Execute() error {
	for e.state == Running {
		if err := e.ExecuteOne(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) dispatch(inst decoder.Instruction, ipOfNext uint64) error {
	e.regs.SetRIP(ipOfNext)
	switch inst.Op {
	case decoder.OpNOP, decoder.OpENDBR64:
		return nil
	case decoder.OpHLT:
		e.halt()
		return nil
	case decoder.OpMOV, decoder.OpMOVABS:
		return e.execMov(inst)
	case decoder.OpLEA:
		return e.execLea(inst)
	case decoder.OpADD:
		return e.execArith(inst, false)
	case decoder.OpSUB:
		return e.execArith(inst, true)
	case decoder.OpCMP:
		return e.execCmp(inst)
	case decoder.OpXOR:
		return e.execLogic(inst, func(a, b uint64) uint64 { return a ^ b }, true)
	case decoder.OpAND:
		return e.execLogic(inst, func(a, b uint64) uint64 { return a & b }, true)
	case decoder.OpTEST:
		return e.execLogic(inst, func(a, b uint64) uint64 { return a & b }, false)
	case decoder.OpSHR, decoder.OpSAR, decoder.OpSHL:
		return e.execShift(inst)
	case decoder.OpPUSH:
		return e.execPush(inst)
	case decoder.OpPOP:
		return e.execPop(inst)
	case decoder.OpCALL:
		return e.execCall(inst)
	case decoder.OpRET:
		return e.execRet()
	case decoder.OpJMP:
		return e.execJmp(inst)
	case decoder.OpJcc:
		return e.execJcc(inst)
	case decoder.OpCMOVcc:
		return e.execCmovcc(inst)
	}
	e.state = Halted
	return &UnsupportedInstructionError{Inst: inst}
}
