package elf

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/otley-emu/x64core/cpu"
	"github.com/otley-emu/x64core/memory"
	"github.com/otley-emu/x64core/registers"
)

// Params parameterizes one Load call: spec.md §4.6's
// load(elf, cpu, base_addr, base_stack_addr, stack_size,
// stack_bottom_sentinel, argv, envp).
type Params struct {
	BaseAddr            uint64
	BaseStackAddr       uint64
	StackSize           uint64
	StackBottomSentinel uint64
	Argv                []string
	Envp                []string
}

// Loader installs a parsed ELF File into a memory controller and drives
// an executor through its initializers. Warn receives a line of text
// for each non-fatal skip (an .init or .fini with no .symtab to find
// its functions; an absent .init or .fini is skipped silently), mirroring the
// teacher's "log to stderr and keep going" diagnostics (terminal_host.go)
// rather than silently swallowing the condition.
type Loader struct {
	Warn io.Writer
}

// NewLoader returns a Loader that reports skips to os.Stderr.
func NewLoader() *Loader {
	return &Loader{Warn: os.Stderr}
}

func (l *Loader) warnf(format string, args ...any) {
	w := l.Warn
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, "elf loader: "+format+"\n", args...)
}

// Load installs ef into mem, sets up ex's stack and argv/envp, and runs
// the image's preinit/init arrays and .init function to completion,
// following spec.md §4.6 steps 1-5. It does not set RIP to the entry
// point or call Execute — step 6 is the caller's responsibility, since
// spec.md leaves "caller typically sets RIP ... and calls execute()"
// outside Load's own contract.
func (l *Loader) Load(ef *File, ex *cpu.Executor, mem *memory.Controller, p Params) error {
	if err := l.installSegments(ef, mem, p.BaseAddr); err != nil {
		return err
	}
	if err := l.installSections(ef, mem, p.BaseAddr); err != nil {
		return err
	}
	sp, err := l.setupStack(mem, ex.Registers(), p)
	if err != nil {
		return err
	}
	sp, argvAddr, envpAddr, err := l.layoutArgvEnvp(mem, sp, p.Argv, p.Envp)
	if err != nil {
		return err
	}
	regs := ex.Registers()
	regs.Set64(registers.RSP, sp)
	regs.Set64(registers.RDI, uint64(len(p.Argv)))
	regs.Set64(registers.RSI, argvAddr)
	regs.Set64(registers.RDX, envpAddr)

	return l.runInitializers(ef, ex, mem, p.BaseAddr)
}

func (l *Loader) installSegments(ef *File, mem *memory.Controller, base uint64) error {
	for _, ph := range ef.ProgramHeaders {
		if ph.Type != PTLoad {
			continue
		}
		lo := base + ph.VAddr
		hi := lo + ph.MemSz
		if err := mem.SetPermissions(lo, hi, ph.R, ph.W, ph.X); err != nil {
			return &LoaderError{Reason: "installing PT_LOAD permissions", Err: err}
		}
	}
	return nil
}

func (l *Loader) installSections(ef *File, mem *memory.Controller, base uint64) error {
	for _, sec := range ef.Sections {
		if !sec.Header.Alloc {
			continue
		}
		addr := base + sec.Header.VAddr
		if !l.sectionWithinLoad(ef, base, addr, sec.Header.Size) {
			return &LoaderError{Reason: fmt.Sprintf("section %q at 0x%x falls outside every PT_LOAD range", sec.Header.Name, addr)}
		}
		if sec.Content.NoBits {
			mem.InitializeFill(addr, int(sec.Header.Size), 0)
			continue
		}
		mem.Initialize(addr, sec.Content.Bytes)
	}
	return nil
}

func (l *Loader) sectionWithinLoad(ef *File, base, addr, size uint64) bool {
	if size == 0 {
		return true
	}
	end := addr + size
	for _, ph := range ef.ProgramHeaders {
		if ph.Type != PTLoad {
			continue
		}
		lo := base + ph.VAddr
		hi := lo + ph.MemSz
		if addr >= lo && end <= hi {
			return true
		}
	}
	return false
}

const stackAlign = 16

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

// setupStack grants R+W (no X) over the stack region, zero-initializes
// it, and pushes the two stack-bottom sentinel words, returning the
// resulting RSP.
func (l *Loader) setupStack(mem *memory.Controller, regs *registers.File, p Params) (uint64, error) {
	top := alignUp(p.BaseStackAddr, stackAlign)
	bottom := top - p.StackSize
	if err := mem.SetPermissions(bottom, top, true, true, false); err != nil {
		return 0, &LoaderError{Reason: "installing stack permissions", Err: err}
	}
	mem.InitializeFill(bottom, int(p.StackSize), 0)

	sp := top
	sp -= 8
	if err := mem.WriteU64(sp, p.StackBottomSentinel); err != nil {
		return 0, &LoaderError{Reason: "writing stack sentinel", Err: err}
	}
	sp -= 8
	if err := mem.WriteU64(sp, p.StackBottomSentinel); err != nil {
		return 0, &LoaderError{Reason: "writing stack sentinel", Err: err}
	}
	regs.Set64(registers.RSP, sp)
	return sp, nil
}

// layoutArgvEnvp writes the System V AMD64 initial-stack layout (argc,
// argv pointers, NULL, envp pointers, NULL, an empty AT_NULL auxv, then
// the string blobs) below sp, per spec.md §6's memory-layout diagram,
// and returns the new stack pointer (pointing at argc) plus the
// argv/envp pointer-table addresses.
func (l *Loader) layoutArgvEnvp(mem *memory.Controller, sp uint64, argv, envp []string) (newSP, argvAddr, envpAddr uint64, err error) {
	var stringsBuf []byte
	argvStrAddrPlaceholders := make([]int, len(argv))
	envpStrAddrPlaceholders := make([]int, len(envp))
	for i, s := range argv {
		argvStrAddrPlaceholders[i] = len(stringsBuf)
		stringsBuf = append(stringsBuf, []byte(s)...)
		stringsBuf = append(stringsBuf, 0)
	}
	for i, s := range envp {
		envpStrAddrPlaceholders[i] = len(stringsBuf)
		stringsBuf = append(stringsBuf, []byte(s)...)
		stringsBuf = append(stringsBuf, 0)
	}
	for len(stringsBuf)%8 != 0 {
		stringsBuf = append(stringsBuf, 0)
	}

	const auxvSize = 16 // one AT_NULL (type, value) pair
	argvPtrsSize := uint64(len(argv)+1) * 8
	envpPtrsSize := uint64(len(envp)+1) * 8
	total := uint64(len(stringsBuf)) + auxvSize + envpPtrsSize + argvPtrsSize + 8

	blockTop := sp
	stringsBase := blockTop - total
	if err := mem.SetPermissions(stringsBase, blockTop, true, true, false); err != nil {
		return 0, 0, 0, &LoaderError{Reason: "installing argv/envp region permissions", Err: err}
	}
	mem.Initialize(stringsBase, stringsBuf)

	auxvAddr := stringsBase + uint64(len(stringsBuf))
	if err := mem.WriteU64(auxvAddr, 0); err != nil {
		return 0, 0, 0, &LoaderError{Reason: "writing auxv terminator", Err: err}
	}
	if err := mem.WriteU64(auxvAddr+8, 0); err != nil {
		return 0, 0, 0, &LoaderError{Reason: "writing auxv terminator", Err: err}
	}

	envpAddr = auxvAddr + auxvSize
	for i, off := range envpStrAddrPlaceholders {
		if err := mem.WriteU64(envpAddr+uint64(i)*8, stringsBase+uint64(off)); err != nil {
			return 0, 0, 0, &LoaderError{Reason: "writing envp pointer", Err: err}
		}
	}
	if err := mem.WriteU64(envpAddr+uint64(len(envp))*8, 0); err != nil {
		return 0, 0, 0, &LoaderError{Reason: "writing envp NULL terminator", Err: err}
	}

	argvAddr = envpAddr + envpPtrsSize
	for i, off := range argvStrAddrPlaceholders {
		if err := mem.WriteU64(argvAddr+uint64(i)*8, stringsBase+uint64(off)); err != nil {
			return 0, 0, 0, &LoaderError{Reason: "writing argv pointer", Err: err}
		}
	}
	if err := mem.WriteU64(argvAddr+uint64(len(argv))*8, 0); err != nil {
		return 0, 0, 0, &LoaderError{Reason: "writing argv NULL terminator", Err: err}
	}

	argcAddr := argvAddr + argvPtrsSize
	if err := mem.WriteU64(argcAddr, uint64(len(argv))); err != nil {
		return 0, 0, 0, &LoaderError{Reason: "writing argc", Err: err}
	}

	return argcAddr, argvAddr, envpAddr, nil
}

// runToHalt synthesizes a CALL to target by pushing sentinel (callers
// pass 0, the value RET halts on) as a fake return address, running the
// executor to Halted,
// and restoring RSP, so each initializer entry runs to completion
// independent of whatever it left on the stack.
func (l *Loader) runToHalt(ex *cpu.Executor, mem *memory.Controller, target, sentinel uint64) error {
	regs := ex.Registers()
	origSP := regs.Get64(registers.RSP)
	sp := origSP - 8
	if err := mem.WriteU64(sp, sentinel); err != nil {
		return &LoaderError{Reason: "pushing initializer return sentinel", Err: err}
	}
	regs.Set64(registers.RSP, sp)
	ex.SetEntryPoint(target)
	if err := ex.Execute(); err != nil {
		return &LoaderError{Reason: "running initializer", Err: err}
	}
	regs.Set64(registers.RSP, origSP)
	return nil
}

func readPointerArray(b []byte) []uint64 {
	n := len(b) / 8
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint64(b[i*8 : i*8+8])
	}
	return out
}

// runInitializers runs .preinit_array, .init_array (both in file
// order), then .init's STT_FUNC symbols, per spec.md §4.6 step 5.
func (l *Loader) runInitializers(ef *File, ex *cpu.Executor, mem *memory.Controller, base uint64) error {
	sentinel := uint64(0)
	for _, name := range []string{".preinit_array", ".init_array"} {
		sec, ok := ef.Section(name)
		if !ok {
			continue
		}
		for _, ptr := range readPointerArray(sec.Content.Bytes) {
			if err := l.runToHalt(ex, mem, base+ptr, sentinel); err != nil {
				return err
			}
		}
	}

	initSec, hasInit := ef.Section(".init")
	if !hasInit {
		return nil
	}
	if len(ef.Symbols) == 0 {
		l.warnf("no .symtab present; skipping .init function dispatch")
		return nil
	}
	for _, sym := range ef.funcSymbolsIn(initSec.Header.VAddr, initSec.Header.Size) {
		if err := l.runToHalt(ex, mem, base+sym.Value, sentinel); err != nil {
			return err
		}
	}
	return nil
}

// Unload mirrors Load's initialization in reverse: .fini_array in
// reverse order, then .fini's STT_FUNC symbols, then .dtors. No memory
// is released, matching spec.md §4.6's "No memory is released."
func (l *Loader) Unload(ef *File, ex *cpu.Executor, mem *memory.Controller, base uint64) error {
	sentinel := uint64(0)

	if sec, ok := ef.Section(".fini_array"); ok {
		ptrs := readPointerArray(sec.Content.Bytes)
		for i := len(ptrs) - 1; i >= 0; i-- {
			if err := l.runToHalt(ex, mem, base+ptrs[i], sentinel); err != nil {
				return err
			}
		}
	}

	if finiSec, ok := ef.Section(".fini"); ok {
		if len(ef.Symbols) == 0 {
			l.warnf("no .symtab present; skipping .fini function dispatch")
		} else {
			for _, sym := range ef.funcSymbolsIn(finiSec.Header.VAddr, finiSec.Header.Size) {
				if err := l.runToHalt(ex, mem, base+sym.Value, sentinel); err != nil {
					return err
				}
			}
		}
	}

	if sec, ok := ef.Section(".dtors"); ok {
		ptrs := readPointerArray(sec.Content.Bytes)
		for i := len(ptrs) - 1; i >= 0; i-- {
			if err := l.runToHalt(ex, mem, base+ptrs[i], sentinel); err != nil {
				return err
			}
		}
	}
	return nil
}
