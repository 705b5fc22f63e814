package cpu

import (
	"testing"

	"github.com/otley-emu/x64core/decoder"
	"github.com/otley-emu/x64core/memory"
	"github.com/otley-emu/x64core/registers"
)

// newTestExecutor builds an Executor with code loaded at codeAddr
// (granted execute permission) and a stack region granted read+write
// permission, mirroring the loader's own permission split (§4.6) so
// these scenarios exercise the same memory-controller contract the
// real loader relies on.
func newTestExecutor(t *testing.T, codeAddr uint64, code []byte) (*Executor, *memory.Controller, *registers.File) {
	t.Helper()
	regs := registers.New()
	mem := memory.NewController(nil)
	if err := mem.SetPermissions(codeAddr, codeAddr+uint64(len(code))+16, false, false, true); err != nil {
		t.Fatalf("SetPermissions(code): %v", err)
	}
	mem.Initialize(codeAddr, code)
	const stackTop = 0x7FFF_FFF0
	const stackBottom = stackTop - 0x1000
	if err := mem.SetPermissions(stackBottom, stackTop, true, true, false); err != nil {
		t.Fatalf("SetPermissions(stack): %v", err)
	}
	regs.Set64(registers.RSP, stackTop)
	ex := NewExecutor(regs, mem)
	ex.SetEntryPoint(codeAddr)
	return ex, mem, regs
}

func TestScenarioNOP(t *testing.T) {
	ex, _, regs := newTestExecutor(t, 0x1000, []byte{0x90})
	if err := ex.ExecuteOne(); err != nil {
		t.Fatalf("ExecuteOne: %v", err)
	}
	if regs.RIP() != 0x1001 {
		t.Errorf("RIP = 0x%x, want 0x1001", regs.RIP())
	}
	if ex.State() != Running {
		t.Errorf("state = %v, want Running", ex.State())
	}
}

func TestScenarioMovRegReg(t *testing.T) {
	ex, _, regs := newTestExecutor(t, 0x1000, []byte{0x48, 0x89, 0xD8})
	regs.Set64(registers.RBX, 0x1122334455667788)
	if err := ex.ExecuteOne(); err != nil {
		t.Fatalf("ExecuteOne: %v", err)
	}
	if regs.Get64(registers.RAX) != 0x1122334455667788 {
		t.Errorf("RAX = 0x%x, want 0x1122334455667788", regs.Get64(registers.RAX))
	}
	if regs.RIP() != 0x1003 {
		t.Errorf("RIP = 0x%x, want 0x1003", regs.RIP())
	}
}

func TestScenarioMovabs(t *testing.T) {
	ex, _, regs := newTestExecutor(t, 0x1000, []byte{0x48, 0xB8, 0x78, 0x56, 0x34, 0x12, 0, 0, 0, 0})
	if err := ex.ExecuteOne(); err != nil {
		t.Fatalf("ExecuteOne: %v", err)
	}
	if regs.Get64(registers.RAX) != 0x12345678 {
		t.Errorf("RAX = 0x%x, want 0x12345678", regs.Get64(registers.RAX))
	}
	if regs.RIP() != 0x100A {
		t.Errorf("RIP = 0x%x, want 0x100A", regs.RIP())
	}
}

func TestScenarioLeaRIPRelative(t *testing.T) {
	ex, _, regs := newTestExecutor(t, 0x1000, []byte{0x48, 0x8D, 0x05, 0, 0, 0, 0})
	if err := ex.ExecuteOne(); err != nil {
		t.Fatalf("ExecuteOne: %v", err)
	}
	if regs.Get64(registers.RAX) != 0x1007 {
		t.Errorf("RAX = 0x%x, want 0x1007", regs.Get64(registers.RAX))
	}
	if regs.RIP() != 0x1007 {
		t.Errorf("RIP = 0x%x, want 0x1007", regs.RIP())
	}
}

func TestScenarioXorZeroing(t *testing.T) {
	ex, _, regs := newTestExecutor(t, 0x1000, []byte{0x31, 0xC0})
	regs.Set64(registers.RAX, 0xFFFFFFFFFFFFFFFF)
	if err := ex.ExecuteOne(); err != nil {
		t.Fatalf("ExecuteOne: %v", err)
	}
	if regs.Get64(registers.RAX) != 0 {
		t.Errorf("RAX = 0x%x, want 0", regs.Get64(registers.RAX))
	}
	if !regs.IsSet(registers.ZF) || regs.IsSet(registers.SF) || !regs.IsSet(registers.PF) ||
		regs.IsSet(registers.CF) || regs.IsSet(registers.OF) {
		t.Errorf("flags after xor eax,eax wrong: ZF=%v SF=%v PF=%v CF=%v OF=%v",
			regs.IsSet(registers.ZF), regs.IsSet(registers.SF), regs.IsSet(registers.PF),
			regs.IsSet(registers.CF), regs.IsSet(registers.OF))
	}
	if regs.RIP() != 0x1002 {
		t.Errorf("RIP = 0x%x, want 0x1002", regs.RIP())
	}
}

func TestScenarioPushPop(t *testing.T) {
	ex, mem, regs := newTestExecutor(t, 0x1000, []byte{0x50, 0x58})
	regs.Set64(registers.RAX, 0xDEADBEEFCAFEBABE)
	regs.Set64(registers.RSP, 0x7FFF_FFF0)
	if err := mem.SetPermissions(0x7FFF_FFF0-0x1000, 0x7FFF_FFF0, true, true, false); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
	if err := ex.ExecuteOne(); err != nil { // PUSH rax
		t.Fatalf("ExecuteOne(push): %v", err)
	}
	got, err := mem.ReadU64(0x7FFF_FFE8)
	if err != nil || got != 0xDEADBEEFCAFEBABE {
		t.Fatalf("mem[0x7FFFFFE8] = (0x%x, %v), want (0xDEADBEEFCAFEBABE, nil)", got, err)
	}
	for a := uint64(0x7FFF_FFE8); a < 0x7FFF_FFF0; a++ {
		if !mem.IsInitialized(a) {
			t.Errorf("byte at 0x%x not marked initialized after PUSH", a)
		}
	}
	if err := ex.ExecuteOne(); err != nil { // POP rax
		t.Fatalf("ExecuteOne(pop): %v", err)
	}
	if regs.Get64(registers.RAX) != 0xDEADBEEFCAFEBABE {
		t.Errorf("RAX after pop = 0x%x, want 0xDEADBEEFCAFEBABE", regs.Get64(registers.RAX))
	}
	if regs.Get64(registers.RSP) != 0x7FFF_FFF0 {
		t.Errorf("RSP after push+pop = 0x%x, want 0x7FFFFFF0", regs.Get64(registers.RSP))
	}
}

func TestScenarioRetHaltsOnSentinel(t *testing.T) {
	ex, mem, regs := newTestExecutor(t, 0x1000, []byte{0xC3})
	sentinelAddr := uint64(0x7FFF_FFE8)
	if err := mem.SetPermissions(sentinelAddr, sentinelAddr+8, true, true, false); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
	mem.Initialize(sentinelAddr, make([]byte, 8))
	regs.Set64(registers.RSP, sentinelAddr)
	if err := ex.ExecuteOne(); err != nil {
		t.Fatalf("ExecuteOne(ret): %v", err)
	}
	if ex.State() != Halted {
		t.Errorf("state = %v, want Halted", ex.State())
	}
	if regs.RIP() != 0 {
		t.Errorf("RIP = 0x%x, want 0 (sentinel)", regs.RIP())
	}
}

func TestRIPMonotonicAcrossInstructions(t *testing.T) {
	ex, _, regs := newTestExecutor(t, 0x1000, []byte{0x90, 0x90, 0x90})
	prev := regs.RIP()
	for i := 0; i < 3; i++ {
		if err := ex.ExecuteOne(); err != nil {
			t.Fatalf("ExecuteOne: %v", err)
		}
		if regs.RIP() <= prev {
			t.Fatalf("RIP did not advance monotonically: prev=0x%x now=0x%x", prev, regs.RIP())
		}
		prev = regs.RIP()
	}
}

func TestCmovccSkipsWhenConditionFalse(t *testing.T) {
	// 0F 44 C1 -> cmove eax, ecx
	ex, _, regs := newTestExecutor(t, 0x1000, []byte{0x0F, 0x44, 0xC1})
	regs.Set32(registers.RAX, 0x11)
	regs.Set32(registers.RCX, 0x22)
	regs.SetFlag(registers.ZF, false)
	if err := ex.ExecuteOne(); err != nil {
		t.Fatalf("ExecuteOne: %v", err)
	}
	if regs.Get32(registers.RAX) != 0x11 {
		t.Errorf("RAX = 0x%x, want unchanged 0x11 (ZF clear)", regs.Get32(registers.RAX))
	}
	regs.SetRIP(0x1000)
	regs.SetFlag(registers.ZF, true)
	if err := ex.ExecuteOne(); err != nil {
		t.Fatalf("ExecuteOne: %v", err)
	}
	if regs.Get32(registers.RAX) != 0x22 {
		t.Errorf("RAX = 0x%x, want 0x22 (ZF set)", regs.Get32(registers.RAX))
	}
}

func TestShiftByMaskedZeroLeavesFlagsUnchanged(t *testing.T) {
	// C1 E0 00 -> shl eax, 0
	ex, _, regs := newTestExecutor(t, 0x1000, []byte{0xC1, 0xE0, 0x00})
	regs.Set32(registers.RAX, 0x1234)
	regs.SetFlag(registers.CF, true)
	regs.SetFlag(registers.ZF, true)
	if err := ex.ExecuteOne(); err != nil {
		t.Fatalf("ExecuteOne: %v", err)
	}
	if !regs.IsSet(registers.CF) || !regs.IsSet(registers.ZF) {
		t.Errorf("flags changed after shift-by-zero: CF=%v ZF=%v", regs.IsSet(registers.CF), regs.IsSet(registers.ZF))
	}
	if regs.Get32(registers.RAX) != 0x1234 {
		t.Errorf("RAX = 0x%x, want unchanged 0x1234", regs.Get32(registers.RAX))
	}
}

func TestUnsupportedInstructionHalts(t *testing.T) {
	ex := NewExecutor(registers.New(), memory.NewController(nil))
	ex.state = Running
	err := ex.dispatch(decoder.Instruction{Op: "BOGUS"}, 0x1000)
	if err == nil {
		t.Fatalf("dispatch of an unknown Opcode should return an error")
	}
	if ex.State() != Halted {
		t.Errorf("state = %v, want Halted after an unsupported instruction", ex.State())
	}
}
