// Package memory implements the sparse, byte-addressable, permission-
// checked memory model spec.md §4.3 describes: byte-granular read/write/
// execute permission bits, an independent "has this byte ever been
// written" bitmap, and a pluggable Initializer for the value an
// unwritten-but-permitted read observes.
//
// Storage is page-backed (4096-byte pages allocated on first touch) so a
// 64-bit address space costs nothing until something is actually loaded
// into it, mirroring the teacher's on-demand device/bus allocation style
// in cpu_x86_runner.go without committing to the teacher's fixed small
// address space.
package memory

import (
	"encoding/binary"
	"fmt"
)

const pageSize = 4096

type page [pageSize]byte

// PermissionKind names which permission bit a PermissionError was about.
type PermissionKind int

const (
	PermRead PermissionKind = iota
	PermWrite
	PermExec
)

func (k PermissionKind) String() string {
	switch k {
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	case PermExec:
		return "execute"
	default:
		return "unknown"
	}
}

// PermissionError reports an access to an address range lacking the
// required permission bit somewhere in the range.
type PermissionError struct {
	Kind PermissionKind
	Addr uint64
	Size int
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("memory: %s permission denied at 0x%x (size %d)", e.Kind, e.Addr, e.Size)
}

// ErrInvalidRangeError reports lo >= hi passed to SetPermissions.
type ErrInvalidRangeError struct {
	Lo, Hi uint64
}

func (e *ErrInvalidRangeError) Error() string {
	return fmt.Sprintf("memory: invalid range [0x%x, 0x%x)", e.Lo, e.Hi)
}

// Controller is the sparse address space: page-backed byte storage plus
// four IntervalArrays tracking read/write/execute permission and
// initialization state, as spec.md §4.3 requires.
type Controller struct {
	pages map[uint64]*page
	r, w, x, init intervalSet
	initializer   Initializer
}

// NewController returns an empty address space. init supplies the value
// observed by a permitted read of a never-written byte; a nil init
// defaults to ZeroInitializer.
func NewController(init Initializer) *Controller {
	if init == nil {
		init = ZeroInitializer{}
	}
	return &Controller{
		pages:       make(map[uint64]*page),
		initializer: init,
	}
}

func pageKey(addr uint64) uint64 { return addr &^ (pageSize - 1) }

func (c *Controller) pageFor(addr uint64, create bool) *page {
	key := pageKey(addr)
	p, ok := c.pages[key]
	if !ok {
		if !create {
			return nil
		}
		p = &page{}
		c.pages[key] = p
	}
	return p
}

// SetPermissions installs or clears the read/write/execute bits over
// [lo, hi). All three bits are replaced: each is set or cleared from its
// own argument, whatever it was before.
func (c *Controller) SetPermissions(lo, hi uint64, r, w, x bool) error {
	if lo >= hi {
		return &ErrInvalidRangeError{lo, hi}
	}
	setBit := func(s *intervalSet, v bool) {
		if v {
			s.Set(lo, hi)
		} else {
			s.Reset(lo, hi)
		}
	}
	setBit(&c.r, r)
	setBit(&c.w, w)
	setBit(&c.x, x)
	return nil
}

// Initialize installs data starting at addr, bypassing the write-
// permission check (this is how the ELF loader populates segment
// contents before the program ever runs) and marking every written byte
// as initialized. It does not alter permission bits; call SetPermissions
// separately.
func (c *Controller) Initialize(addr uint64, data []byte) {
	for i, b := range data {
		a := addr + uint64(i)
		p := c.pageFor(a, true)
		p[a&(pageSize-1)] = b
	}
	if len(data) > 0 {
		c.init.Set(addr, addr+uint64(len(data)))
	}
}

// InitializeFill installs size bytes of fill starting at addr, the
// bulk-fill counterpart to Initialize's explicit byte slice (spec.md
// §4.3's initialize(addr, size, fill)). Like Initialize, it bypasses
// the write-permission check and marks every touched byte initialized.
func (c *Controller) InitializeFill(addr uint64, size int, fill byte) {
	for i := 0; i < size; i++ {
		a := addr + uint64(i)
		p := c.pageFor(a, true)
		p[a&(pageSize-1)] = fill
	}
	if size > 0 {
		c.init.Set(addr, addr+uint64(size))
	}
}

// IsInitialized reports whether addr has ever been written via
// Initialize or Write.
func (c *Controller) IsInitialized(addr uint64) bool { return c.init.Get(addr) }

func (c *Controller) rawByte(addr uint64) byte {
	p := c.pageFor(addr, false)
	if p == nil {
		return c.initializer.Sample(addr)
	}
	if !c.init.Get(addr) {
		return c.initializer.Sample(addr)
	}
	return p[addr&(pageSize-1)]
}

func (c *Controller) checkRange(s *intervalSet, kind PermissionKind, addr uint64, size int) error {
	if !s.AllSet(addr, addr+uint64(size)) {
		return &PermissionError{Kind: kind, Addr: addr, Size: size}
	}
	return nil
}

// Read returns one byte from addr, requiring read permission.
func (c *Controller) Read(addr uint64) (byte, error) {
	if err := c.checkRange(&c.r, PermRead, addr, 1); err != nil {
		return 0, err
	}
	return c.rawByte(addr), nil
}

// ReadCode returns one byte from addr, requiring execute permission.
// This is the path the decoder/fetcher use, kept distinct from Read so
// an instruction fetch from non-executable memory fails even if the
// page happens to be readable.
func (c *Controller) ReadCode(addr uint64) (byte, error) {
	if err := c.checkRange(&c.x, PermExec, addr, 1); err != nil {
		return 0, err
	}
	return c.rawByte(addr), nil
}

// ReadU16 reads a little-endian uint16 starting at addr, requiring read
// permission on the whole 2-byte range before returning any bytes.
func (c *Controller) ReadU16(addr uint64) (uint16, error) {
	if err := c.checkRange(&c.r, PermRead, addr, 2); err != nil {
		return 0, err
	}
	buf := [2]byte{c.rawByte(addr), c.rawByte(addr + 1)}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadU32 reads a little-endian uint32 starting at addr.
func (c *Controller) ReadU32(addr uint64) (uint32, error) {
	if err := c.checkRange(&c.r, PermRead, addr, 4); err != nil {
		return 0, err
	}
	var buf [4]byte
	for i := range buf {
		buf[i] = c.rawByte(addr + uint64(i))
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadU64 reads a little-endian uint64 starting at addr.
func (c *Controller) ReadU64(addr uint64) (uint64, error) {
	if err := c.checkRange(&c.r, PermRead, addr, 8); err != nil {
		return 0, err
	}
	var buf [8]byte
	for i := range buf {
		buf[i] = c.rawByte(addr + uint64(i))
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (c *Controller) writeRaw(addr uint64, data []byte) {
	for i, b := range data {
		a := addr + uint64(i)
		p := c.pageFor(a, true)
		p[a&(pageSize-1)] = b
	}
	if len(data) > 0 {
		c.init.Set(addr, addr+uint64(len(data)))
	}
}

// Write stores one byte at addr, requiring write permission.
func (c *Controller) Write(addr uint64, v byte) error {
	if err := c.checkRange(&c.w, PermWrite, addr, 1); err != nil {
		return err
	}
	c.writeRaw(addr, []byte{v})
	return nil
}

// WriteU16 stores a little-endian uint16 at addr, validating write
// permission over the whole 2-byte range before touching any byte so a
// failed write has no partial side effect, per spec.md §9's resolved
// partial-failure policy.
func (c *Controller) WriteU16(addr uint64, v uint16) error {
	if err := c.checkRange(&c.w, PermWrite, addr, 2); err != nil {
		return err
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	c.writeRaw(addr, buf[:])
	return nil
}

// WriteU32 stores a little-endian uint32 at addr.
func (c *Controller) WriteU32(addr uint64, v uint32) error {
	if err := c.checkRange(&c.w, PermWrite, addr, 4); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	c.writeRaw(addr, buf[:])
	return nil
}

// WriteU64 stores a little-endian uint64 at addr.
func (c *Controller) WriteU64(addr uint64, v uint64) error {
	if err := c.checkRange(&c.w, PermWrite, addr, 8); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	c.writeRaw(addr, buf[:])
	return nil
}
