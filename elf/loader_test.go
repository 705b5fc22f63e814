package elf

import (
	"encoding/binary"
	"testing"

	"github.com/otley-emu/x64core/cpu"
	"github.com/otley-emu/x64core/memory"
	"github.com/otley-emu/x64core/registers"
)

func newLoadParams() Params {
	return Params{
		BaseAddr:            0,
		BaseStackAddr:       0x7FFF_0000,
		StackSize:           0x1000,
		StackBottomSentinel: 0,
		Argv:                []string{"prog", "hello"},
		Envp:                []string{"PATH=/bin"},
	}
}

func TestLoadInstallsPTLoadSegmentAndBytes(t *testing.T) {
	code := []byte{0x90, 0x90, 0xC3} // nop; nop; ret
	ef := &File{
		ProgramHeaders: []ProgramHeader{
			{Type: PTLoad, R: true, X: true, VAddr: 0x1000, FileSz: uint64(len(code)), MemSz: uint64(len(code))},
		},
		Sections: []Section{
			{
				Header:  SectionHeader{Name: ".text", Type: SHTProgBits, Alloc: true, Exec: true, VAddr: 0x1000, Size: uint64(len(code))},
				Content: SectionContent{Bytes: code},
			},
		},
	}

	regs := registers.New()
	mem := memory.NewController(nil)
	ex := cpu.NewExecutor(regs, mem)
	loader := NewLoader()

	if err := loader.Load(ef, ex, mem, newLoadParams()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	for i, want := range code {
		got, err := mem.ReadCode(0x1000 + uint64(i))
		if err != nil {
			t.Fatalf("ReadCode(0x%x): %v", 0x1000+i, err)
		}
		if got != want {
			t.Errorf("byte %d = 0x%x, want 0x%x", i, got, want)
		}
	}

	if err := mem.Write(0x1000, 0x00); err == nil {
		t.Errorf("expected write to a R+X-only PT_LOAD segment to fail")
	}
}

func TestLoadSectionOutsidePTLoadIsError(t *testing.T) {
	ef := &File{
		ProgramHeaders: []ProgramHeader{
			{Type: PTLoad, R: true, X: true, VAddr: 0x1000, FileSz: 4, MemSz: 4},
		},
		Sections: []Section{
			{
				Header:  SectionHeader{Name: ".data", Type: SHTProgBits, Alloc: true, Write: true, VAddr: 0x9000, Size: 8},
				Content: SectionContent{Bytes: make([]byte, 8)},
			},
		},
	}

	regs := registers.New()
	mem := memory.NewController(nil)
	ex := cpu.NewExecutor(regs, mem)
	loader := NewLoader()

	err := loader.Load(ef, ex, mem, newLoadParams())
	if err == nil {
		t.Fatalf("expected an error for a section outside every PT_LOAD range")
	}
	var lerr *LoaderError
	if !asLoaderError(err, &lerr) {
		t.Fatalf("error = %v, want *LoaderError", err)
	}
}

func asLoaderError(err error, target **LoaderError) bool {
	if le, ok := err.(*LoaderError); ok {
		*target = le
		return true
	}
	return false
}

func TestLoadRunsInitArrayToHalt(t *testing.T) {
	// .init_array holds one 8-byte pointer to a single-RET function at
	// 0x2000. The loader must run it to completion (HLT-on-zero-sentinel)
	// and leave the executor Halted, without disturbing the real stack
	// pointer it installed for argv/envp.
	retFn := []byte{0xC3}
	initArrayPtr := make([]byte, 8)
	binary.LittleEndian.PutUint64(initArrayPtr, 0x2000)

	ef := &File{
		ProgramHeaders: []ProgramHeader{
			{Type: PTLoad, R: true, X: true, VAddr: 0x2000, FileSz: uint64(len(retFn)), MemSz: uint64(len(retFn))},
			{Type: PTLoad, R: true, VAddr: 0x3000, FileSz: 8, MemSz: 8},
		},
		Sections: []Section{
			{
				Header:  SectionHeader{Name: ".text", Type: SHTProgBits, Alloc: true, Exec: true, VAddr: 0x2000, Size: uint64(len(retFn))},
				Content: SectionContent{Bytes: retFn},
			},
			{
				Header:  SectionHeader{Name: ".init_array", Type: SHTInitArray, Alloc: true, VAddr: 0x3000, Size: 8},
				Content: SectionContent{Bytes: initArrayPtr},
			},
		},
	}

	regs := registers.New()
	mem := memory.NewController(nil)
	ex := cpu.NewExecutor(regs, mem)
	loader := NewLoader()
	params := newLoadParams()

	if err := loader.Load(ef, ex, mem, params); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if ex.State() != cpu.Halted {
		t.Errorf("state after Load = %v, want Halted (runToHalt leaves the executor halted between initializers)", ex.State())
	}

	sp := regs.Get64(registers.RSP)
	top := alignUp(params.BaseStackAddr, stackAlign)
	if sp >= top || sp < top-params.StackSize {
		t.Errorf("RSP after Load = 0x%x, want within the argv/envp region below 0x%x", sp, top)
	}
}
