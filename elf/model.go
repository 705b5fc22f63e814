// Package elf defines the minimal parsed-ELF model the loader consumes
// (spec.md §6: "Consumed, not produced, by the core") and the Loader
// that installs it into a memory controller and drives an executor
// through a statically linked image's initializers. No ELF file is
// actually parsed from bytes by this module — building a File value is
// the caller's job (a real ELF reader, or a test fixture); this package
// only knows what to do with one once it has it.
package elf

// SegmentType identifies a program header's p_type. Only PT_LOAD drives
// loader behavior; every other type is recorded but ignored.
type SegmentType int

const (
	PTNull SegmentType = iota
	PTLoad
	PTDynamic
	PTInterp
	PTOther
)

// ProgramHeader is one program header table entry.
type ProgramHeader struct {
	Type             SegmentType
	R, W, X          bool
	Offset           uint64
	VAddr            uint64
	FileSz           uint64
	MemSz            uint64
	Align            uint64
}

// SectionType identifies a section header's sh_type.
type SectionType int

const (
	SHTNull SectionType = iota
	SHTProgBits
	SHTNoBits
	SHTSymTab
	SHTStrTab
	SHTInitArray
	SHTFiniArray
	SHTOther
)

// SectionHeader is one section header table entry, minus the fields
// (sh_link, sh_info) this core never consults.
type SectionHeader struct {
	Name       string
	Type       SectionType
	Alloc      bool // SHF_ALLOC
	Write      bool // SHF_WRITE
	Exec       bool // SHF_EXECINSTR
	VAddr      uint64
	FileOffset uint64
	Size       uint64
	EntrySize  uint64
}

// SectionContent is either the section's loadable bytes (SHT_PROGBITS
// and friends) or a NOBITS marker (.bss-shaped: occupies memory but has
// no file image).
type SectionContent struct {
	NoBits bool
	Bytes  []byte
}

// Section pairs a header with its content.
type Section struct {
	Header  SectionHeader
	Content SectionContent
}

// SymbolBinding is a symbol's st_info binding (local/global/weak); the
// loader does not distinguish them, but the field is kept for
// completeness of the consumed model.
type SymbolBinding byte

// SymbolType is a symbol's st_info type; only STT_FUNC is consulted.
type SymbolType byte

const (
	STTNoType SymbolType = iota
	STTObject
	STTFunc
	STTOther
)

// SymbolTableEntry is one .symtab entry.
type SymbolTableEntry struct {
	Name    string
	Value   uint64
	Size    uint64
	Type    SymbolType
	Binding SymbolBinding
}

// FileHeader is the subset of the ELF file header the loader needs.
type FileHeader struct {
	Is32Bit      bool
	LittleEndian bool
	EntryVAddr   uint64
}

// File is the complete parsed model the loader installs.
type File struct {
	Header         FileHeader
	ProgramHeaders []ProgramHeader
	Sections       []Section
	Symbols        []SymbolTableEntry
}

// Section looks up a loaded section by name, returning ok=false if
// absent (the caller treats a missing .preinit_array/.init/.fini/etc
// as "nothing to run here", not an error).
func (f *File) Section(name string) (*Section, bool) {
	for i := range f.Sections {
		if f.Sections[i].Header.Name == name {
			return &f.Sections[i], true
		}
	}
	return nil, false
}

// funcSymbolsIn returns the STT_FUNC symbols whose value falls within
// [lo, lo+size).
func (f *File) funcSymbolsIn(lo, size uint64) []SymbolTableEntry {
	hi := lo + size
	var out []SymbolTableEntry
	for _, sym := range f.Symbols {
		if sym.Type == STTFunc && sym.Value >= lo && sym.Value < hi {
			out = append(out, sym)
		}
	}
	return out
}
