// Package x64core wires the register file, memory controller, decoder,
// executor, and ELF loader into the single-threaded cooperative runner
// described by the configuration table below. It plays the role the
// teacher's *Runner types (cpu_x86_runner.go, cpu_z80_runner.go) play
// for their own CPU cores: own the pieces, apply defaults, and expose a
// small load/run surface to a host program.
package x64core

import (
	"fmt"

	"github.com/otley-emu/x64core/cpu"
	"github.com/otley-emu/x64core/decoder"
	"github.com/otley-emu/x64core/elf"
	"github.com/otley-emu/x64core/memory"
	"github.com/otley-emu/x64core/registers"
)

const (
	// DefaultBaseAddress is where PT_LOAD vaddr 0 maps.
	DefaultBaseAddress uint64 = 0x5a5a000000000000
	// DefaultStackSize is the default amount of R/W stack reserved.
	DefaultStackSize uint64 = 8 * 1024 * 1024
	// defaultStackOffset places the stack a comfortable distance above
	// the base address, clear of any plausible PT_LOAD range, absent an
	// explicit BaseStackAddress.
	defaultStackOffset uint64 = 0x10000000
)

// Config holds the options an embedder sets before starting an
// Emulator, matching spec.md §6's configuration table.
type Config struct {
	// MemoryInitializer controls how never-written bytes read back.
	// Nil selects memory.NewRandomInitializer(0), matching the "Random"
	// default; pass memory.ZeroInitializer{} for deterministic zero
	// fill instead.
	MemoryInitializer memory.Initializer

	// BaseAddress is where PT_LOAD vaddr 0 maps in the guest address
	// space. Defaults to DefaultBaseAddress.
	BaseAddress uint64

	// StackSize is the number of R/W bytes reserved for the stack.
	// Defaults to DefaultStackSize.
	StackSize uint64

	// BaseStackAddress is the highest address of the stack region,
	// aligned up to 16 bytes by the loader. Zero selects BaseAddress +
	// defaultStackOffset.
	BaseStackAddress uint64

	// CheckInstructions runs a linear pre-execution decode pass over
	// every executable PT_LOAD range before the entry point is reached,
	// surfacing a DecodeError up front instead of mid-run.
	CheckInstructions bool

	// StackBottomSentinel is the 64-bit value the loader writes twice at
	// the top of the stack, just above argc; a RET executed once argc has
	// been popped reads it. RET halts only when it pops zero, so only the
	// default 0 makes that RET halt.
	StackBottomSentinel uint64
}

func (c Config) withDefaults() Config {
	if c.MemoryInitializer == nil {
		c.MemoryInitializer = memory.NewRandomInitializer(0)
	}
	if c.BaseAddress == 0 {
		c.BaseAddress = DefaultBaseAddress
	}
	if c.StackSize == 0 {
		c.StackSize = DefaultStackSize
	}
	if c.BaseStackAddress == 0 {
		c.BaseStackAddress = c.BaseAddress + defaultStackOffset
	}
	return c
}

// Emulator owns one register file, one memory controller, one executor,
// and the loader that installed the current image — exactly the
// resource graph spec.md §5 describes as exclusively owned and
// single-threaded.
type Emulator struct {
	cfg    Config
	regs   *registers.File
	mem    *memory.Controller
	exec   *cpu.Executor
	loader *elf.Loader
}

// New constructs an Emulator from cfg, applying defaults for any zero
// fields.
func New(cfg Config) *Emulator {
	cfg = cfg.withDefaults()
	regs := registers.New()
	mem := memory.NewController(cfg.MemoryInitializer)
	return &Emulator{
		cfg:    cfg,
		regs:   regs,
		mem:    mem,
		exec:   cpu.NewExecutor(regs, mem),
		loader: elf.NewLoader(),
	}
}

// Registers returns the live register file.
func (e *Emulator) Registers() *registers.File { return e.regs }

// Memory returns the live memory controller.
func (e *Emulator) Memory() *memory.Controller { return e.mem }

// State reports whether the executor is Running or Halted.
func (e *Emulator) State() cpu.State { return e.exec.State() }

// LoadELF installs ef into the emulator's memory, sets up argv/envp,
// runs the image's initializers to completion, and — unless
// CheckInstructions finds a problem first — sets RIP to the entry
// point, leaving the executor Running and ready for Run/Step.
func (e *Emulator) LoadELF(ef *elf.File, argv, envp []string) error {
	params := elf.Params{
		BaseAddr:            e.cfg.BaseAddress,
		BaseStackAddr:       e.cfg.BaseStackAddress,
		StackSize:           e.cfg.StackSize,
		StackBottomSentinel: e.cfg.StackBottomSentinel,
		Argv:                argv,
		Envp:                envp,
	}
	if err := e.loader.Load(ef, e.exec, e.mem, params); err != nil {
		return err
	}
	if e.cfg.CheckInstructions {
		if err := e.checkInstructions(ef); err != nil {
			return err
		}
	}
	e.exec.SetEntryPoint(e.cfg.BaseAddress + ef.Header.EntryVAddr)
	return nil
}

// checkInstructions linearly decodes every executable PT_LOAD range
// before entry is reached, so a malformed image fails LoadELF instead
// of faulting mid-run on whatever path happens to reach the bad bytes.
// It does not execute anything; a decode reaching the end of a range
// without error, or landing past it, both count as a pass over that
// range.
func (e *Emulator) checkInstructions(ef *elf.File) error {
	for _, ph := range ef.ProgramHeaders {
		if ph.Type != elf.PTLoad || !ph.X {
			continue
		}
		lo := e.cfg.BaseAddress + ph.VAddr
		hi := lo + ph.MemSz
		f := &rangeFetcher{mem: e.mem, pos: lo}
		for f.pos < hi {
			if _, err := decoder.Decode(f); err != nil {
				return fmt.Errorf("x64core: instruction check failed at 0x%x: %w", f.pos, err)
			}
		}
	}
	return nil
}

// rangeFetcher adapts a bare memory.Controller to decoder.ByteFetcher
// for checkInstructions, independent of any register file: the
// validation pass walks addresses directly rather than through RIP.
type rangeFetcher struct {
	mem *memory.Controller
	pos uint64
}

func (f *rangeFetcher) Fetch8() (byte, error) {
	b, err := f.mem.ReadCode(f.pos)
	if err != nil {
		return 0, err
	}
	f.pos++
	return b, nil
}

func (f *rangeFetcher) Fetch16() (uint16, error) {
	lo, err := f.Fetch8()
	if err != nil {
		return 0, err
	}
	hi, err := f.Fetch8()
	if err != nil {
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

func (f *rangeFetcher) Fetch32() (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := f.Fetch8()
		if err != nil {
			return 0, err
		}
		v |= uint32(b) << (8 * i)
	}
	return v, nil
}

func (f *rangeFetcher) Fetch64() (uint64, error) {
	var v uint64
	for i := 0; i < 8; i++ {
		b, err := f.Fetch8()
		if err != nil {
			return 0, err
		}
		v |= uint64(b) << (8 * i)
	}
	return v, nil
}

var _ decoder.ByteFetcher = (*rangeFetcher)(nil)

// Step executes a single instruction. It is a no-op once Halted.
func (e *Emulator) Step() error {
	return e.exec.ExecuteOne()
}

// Run executes until the program halts or a fatal error occurs.
func (e *Emulator) Run() error {
	return e.exec.Execute()
}

// Unload runs ef's finalizers (.fini_array, .fini, .dtors) against the
// emulator's current memory and executor state. No memory is released.
func (e *Emulator) Unload(ef *elf.File) error {
	return e.loader.Unload(ef, e.exec, e.mem, e.cfg.BaseAddress)
}
