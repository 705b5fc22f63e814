package cpu

import (
	"github.com/otley-emu/x64core/decoder"
	"github.com/otley-emu/x64core/memory"
	"github.com/otley-emu/x64core/registers"
)

// Fetcher implements decoder.ByteFetcher over a register file and
// memory controller: its position is an alias for RIP, and every read
// goes through the memory controller's execute-permitted path, so
// fetching from non-executable memory fails exactly like a real CPU's
// instruction fetch would. Grounded on the teacher's fetch8/16/32
// trio (cpu_x86.go) generalized to all four widths and to a pluggable
// bus rather than a fixed flat array.
type Fetcher struct {
	Regs *registers.File
	Mem  *memory.Controller
}

// NewFetcher returns a Fetcher reading through regs and mem.
func NewFetcher(regs *registers.File, mem *memory.Controller) *Fetcher {
	return &Fetcher{Regs: regs, Mem: mem}
}

func (f *Fetcher) Fetch8() (byte, error) {
	addr := f.Regs.RIP()
	v, err := f.Mem.ReadCode(addr)
	if err != nil {
		return 0, err
	}
	f.Regs.SetRIP(addr + 1)
	return v, nil
}

func (f *Fetcher) Fetch16() (uint16, error) {
	addr := f.Regs.RIP()
	lo, err := f.Mem.ReadCode(addr)
	if err != nil {
		return 0, err
	}
	hi, err := f.Mem.ReadCode(addr + 1)
	if err != nil {
		return 0, err
	}
	f.Regs.SetRIP(addr + 2)
	return uint16(lo) | uint16(hi)<<8, nil
}

func (f *Fetcher) Fetch32() (uint32, error) {
	addr := f.Regs.RIP()
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := f.Mem.ReadCode(addr + uint64(i))
		if err != nil {
			return 0, err
		}
		v |= uint32(b) << (8 * i)
	}
	f.Regs.SetRIP(addr + 4)
	return v, nil
}

func (f *Fetcher) Fetch64() (uint64, error) {
	addr := f.Regs.RIP()
	var v uint64
	for i := 0; i < 8; i++ {
		b, err := f.Mem.ReadCode(addr + uint64(i))
		if err != nil {
			return 0, err
		}
		v |= uint64(b) << (8 * i)
	}
	f.Regs.SetRIP(addr + 8)
	return v, nil
}

var _ decoder.ByteFetcher = (*Fetcher)(nil)
