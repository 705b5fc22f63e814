package x64core

import (
	"testing"

	"github.com/otley-emu/x64core/cpu"
	"github.com/otley-emu/x64core/elf"
	"github.com/otley-emu/x64core/memory"
	"github.com/otley-emu/x64core/registers"
)

func trivialProgram() (*elf.File, uint64) {
	// mov eax, 0x2A ; pop rcx (argc) ; ret (pops the zero stack sentinel)
	code := []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0x59, 0xC3}
	const vaddr = 0x1000
	return &elf.File{
		Header: elf.FileHeader{LittleEndian: true, EntryVAddr: vaddr},
		ProgramHeaders: []elf.ProgramHeader{
			{Type: elf.PTLoad, R: true, X: true, VAddr: vaddr, FileSz: uint64(len(code)), MemSz: uint64(len(code))},
		},
		Sections: []elf.Section{
			{
				Header:  elf.SectionHeader{Name: ".text", Type: elf.SHTProgBits, Alloc: true, Exec: true, VAddr: vaddr, Size: uint64(len(code))},
				Content: elf.SectionContent{Bytes: code},
			},
		},
	}, vaddr
}

func TestNewAppliesDefaults(t *testing.T) {
	e := New(Config{})
	if e.cfg.BaseAddress != DefaultBaseAddress {
		t.Errorf("BaseAddress = 0x%x, want default 0x%x", e.cfg.BaseAddress, DefaultBaseAddress)
	}
	if e.cfg.StackSize != DefaultStackSize {
		t.Errorf("StackSize = %d, want default %d", e.cfg.StackSize, DefaultStackSize)
	}
	if e.cfg.MemoryInitializer == nil {
		t.Errorf("MemoryInitializer should default to a non-nil Random initializer")
	}
	if e.State() != cpu.Halted {
		t.Errorf("state before LoadELF = %v, want Halted", e.State())
	}
}

func TestLoadELFAndRunHalts(t *testing.T) {
	ef, vaddr := trivialProgram()
	e := New(Config{
		MemoryInitializer: memory.ZeroInitializer{},
		BaseAddress:       0, // zero selects DefaultBaseAddress
		StackSize:         0x1000,
		BaseStackAddress:  0x9000,
	})
	if err := e.LoadELF(ef, []string{"prog"}, nil); err != nil {
		t.Fatalf("LoadELF: %v", err)
	}
	if want := DefaultBaseAddress + vaddr; e.Registers().RIP() != want {
		t.Fatalf("RIP after LoadELF = 0x%x, want 0x%x", e.Registers().RIP(), want)
	}
	if e.State() != cpu.Running {
		t.Fatalf("state after LoadELF = %v, want Running", e.State())
	}
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if e.State() != cpu.Halted {
		t.Errorf("state after Run = %v, want Halted", e.State())
	}
	if got := e.Registers().Get32(registers.RAX); got != 0x2A {
		t.Errorf("RAX = 0x%x, want 0x2A", got)
	}
}

func TestCheckInstructionsCatchesBadOpcode(t *testing.T) {
	code := []byte{0x0F, 0x0B, 0xFF, 0xFF} // UD2-ish nonsense this decoder doesn't know
	const vaddr = 0x2000
	ef := &elf.File{
		Header: elf.FileHeader{LittleEndian: true, EntryVAddr: vaddr},
		ProgramHeaders: []elf.ProgramHeader{
			{Type: elf.PTLoad, R: true, X: true, VAddr: vaddr, FileSz: uint64(len(code)), MemSz: uint64(len(code))},
		},
		Sections: []elf.Section{
			{
				Header:  elf.SectionHeader{Name: ".text", Type: elf.SHTProgBits, Alloc: true, Exec: true, VAddr: vaddr, Size: uint64(len(code))},
				Content: elf.SectionContent{Bytes: code},
			},
		},
	}
	e := New(Config{
		MemoryInitializer: memory.ZeroInitializer{},
		BaseAddress:       0,
		StackSize:         0x1000,
		BaseStackAddress:  0x9000,
		CheckInstructions: true,
	})
	if err := e.LoadELF(ef, nil, nil); err == nil {
		t.Fatalf("expected LoadELF to fail the instruction check on an unrecognized opcode")
	}
}
