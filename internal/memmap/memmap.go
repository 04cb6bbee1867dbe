/*
 * x86emu - Address space map: named, permissioned memory regions.
 *
 * Copyright 2025, x86emu contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package memmap implements the emulated process's address space: named
// regions with advisory or enforced permissions, typed reads/writes, a
// first-fit allocator, and a single-slot TLB accelerating address lookup.
package memmap

import (
	"crypto/md5" //nolint:gosec // parity checksum, not a security use.
	"errors"
	"fmt"
	"sort"
)

// Perm is a set of region permission bits.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// ErrNotPresent is returned by typed reads/writes that miss every region,
// or that would cross a region boundary. Banzai mode downgrades what would
// otherwise be a host-side panic or access-violation fault into this
// sentinel so speculative probes (REP prefixes reading ahead, heuristic
// scanners) can keep going.
var ErrNotPresent = errors.New("memmap: address not present")

// AccessViolation is raised when permission enforcement is on and a read,
// write, or fetch does not hold the required permission bit.
type AccessViolation struct {
	Addr  uint64
	Width int
	Need  Perm
}

func (e *AccessViolation) Error() string {
	return fmt.Sprintf("memmap: access violation at %#x (width %d, need %d)", e.Addr, e.Width, e.Need)
}

// Region is a named span of the address space backed by a byte buffer.
type Region struct {
	Name  string
	Base  uint64
	Len   uint64
	Perm  Perm
	Bytes []byte
}

func (r *Region) end() uint64 { return r.Base + r.Len }

func (r *Region) contains(addr uint64) bool {
	return addr >= r.Base && addr < r.end()
}

// tlbEntry memoizes the last region resolved, mirroring the teacher's
// single-slot channel-address cache in spirit: one comparison before
// falling back to the bisect search.
type tlbEntry struct {
	valid bool
	base  uint64
	end   uint64
	rgn   *Region
}

// Space is the emulated process's address space.
type Space struct {
	byBase     []*Region // sorted by Base, for bisect lookup
	byName     map[string]*Region
	tlb        tlbEntry
	Banzai     bool // downgrade faults to ErrNotPresent instead of propagating
	EnforcePerm bool // when true, missing R/W/X raises AccessViolation
	limit32    bool // base+len must stay within 2^32 (32-bit mode)
}

// New creates an empty address space. limit32 enforces the 32-bit mode
// invariant that base+length never exceeds 2^32.
func New(limit32 bool) *Space {
	return &Space{
		byName:  make(map[string]*Region),
		limit32: limit32,
	}
}

func (s *Space) invalidateTLB() {
	s.tlb = tlbEntry{}
}

// CreateRegion adds a new named region. Regions must not overlap and names
// must be unique within the space.
func (s *Space) CreateRegion(name string, base, length uint64, perm Perm) (*Region, error) {
	if _, ok := s.byName[name]; ok {
		return nil, errors.New("memmap: duplicate region name " + name)
	}
	if s.limit32 {
		if base+length < base || base+length > 1<<32 {
			return nil, errors.New("memmap: region exceeds 32-bit address space")
		}
	}
	rgn := &Region{Name: name, Base: base, Len: length, Perm: perm, Bytes: make([]byte, length)}

	idx := sort.Search(len(s.byBase), func(i int) bool { return s.byBase[i].Base >= base })
	if idx < len(s.byBase) && s.byBase[idx].Base < rgn.end() {
		return nil, errors.New("memmap: region " + name + " overlaps " + s.byBase[idx].Name)
	}
	if idx > 0 && s.byBase[idx-1].end() > base {
		return nil, errors.New("memmap: region " + name + " overlaps " + s.byBase[idx-1].Name)
	}

	s.byBase = append(s.byBase, nil)
	copy(s.byBase[idx+1:], s.byBase[idx:])
	s.byBase[idx] = rgn
	s.byName[name] = rgn

	s.invalidateTLB()
	return rgn, nil
}

// SetPerm changes a region's permission bits in place (VirtualProtect's
// underlying primitive). Returns false if name is not a known region.
func (s *Space) SetPerm(name string, perm Perm) bool {
	rgn, ok := s.byName[name]
	if !ok {
		return false
	}
	rgn.Perm = perm
	return true
}

// Free removes a region by name.
func (s *Space) Free(name string) {
	rgn, ok := s.byName[name]
	if !ok {
		return
	}
	delete(s.byName, name)
	idx := sort.Search(len(s.byBase), func(i int) bool { return s.byBase[i].Base >= rgn.Base })
	if idx < len(s.byBase) && s.byBase[idx] == rgn {
		s.byBase = append(s.byBase[:idx], s.byBase[idx+1:]...)
	}
	s.invalidateTLB()
}

// lowAddrBandTop bounds the first-fit allocator to the architectural
// low-address band (which is also where winenv's PEB/TEB/LDR structures and
// thread stacks come from), leaving the addresses above it to regions
// callers create at fixed bases, such as module images.
const lowAddrBandTop = 0x6FFF0000

const pageSize = 0x1000

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Alloc finds the first free, page-aligned gap of size in the low-address
// band and creates a region "alloc_<base>" there.
func (s *Space) Alloc(size uint64) (uint64, error) {
	size = alignUp(size, pageSize)
	cursor := uint64(pageSize)
	for _, rgn := range s.byBase {
		if rgn.Base >= lowAddrBandTop {
			break
		}
		if cursor+size <= rgn.Base {
			break
		}
		if rgn.end() > cursor {
			cursor = alignUp(rgn.end(), pageSize)
		}
	}
	if cursor+size > lowAddrBandTop {
		return 0, errors.New("memmap: out of low-address space")
	}
	name := "alloc_" + hex64(cursor)
	if _, err := s.CreateRegion(name, cursor, size, PermRead|PermWrite); err != nil {
		return 0, err
	}
	return cursor, nil
}

func hex64(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for v > 0 {
		buf = append([]byte{digits[v&0xf]}, buf...)
		v >>= 4
	}
	return string(buf)
}

// GetRegion returns the region containing addr, consulting the TLB first.
func (s *Space) GetRegion(addr uint64) *Region {
	if t := s.tlb; t.valid && addr >= t.base && addr < t.end {
		return t.rgn
	}
	idx := sort.Search(len(s.byBase), func(i int) bool { return s.byBase[i].Base > addr }) - 1
	if idx < 0 || idx >= len(s.byBase) {
		return nil
	}
	rgn := s.byBase[idx]
	if !rgn.contains(addr) {
		return nil
	}
	s.tlb = tlbEntry{valid: true, base: rgn.Base, end: rgn.end(), rgn: rgn}
	return rgn
}

// GetRegionByName looks a region up by its unique name.
func (s *Space) GetRegionByName(name string) *Region {
	return s.byName[name]
}

// Regions returns every region in base-address order, for callers (the
// serialized-state contract, diagnostics) that need to enumerate the
// whole address space rather than look up one address or name.
func (s *Space) Regions() []*Region {
	out := make([]*Region, len(s.byBase))
	copy(out, s.byBase)
	return out
}

// IsAllocated reports whether any region contains addr.
func (s *Space) IsAllocated(addr uint64) bool {
	return s.GetRegion(addr) != nil
}

func (s *Space) checkAccess(rgn *Region, need Perm, addr uint64, width int) error {
	if !s.EnforcePerm {
		return nil
	}
	if rgn.Perm&need == 0 {
		return &AccessViolation{Addr: addr, Width: width, Need: need}
	}
	return nil
}

// region validates that [addr, addr+n) lies entirely within one region and
// returns it, honoring banzai mode: in banzai mode an unmapped or
// boundary-crossing access downgrades to the ErrNotPresent sentinel so a
// speculative probe can keep going; otherwise it is a real access
// violation the caller is expected to route to internal/exception.
func (s *Space) region(addr uint64, n int, need Perm) (*Region, error) {
	rgn := s.GetRegion(addr)
	if rgn == nil || addr+uint64(n) > rgn.end() {
		if s.Banzai {
			return nil, ErrNotPresent
		}
		return nil, &AccessViolation{Addr: addr, Width: n * 8, Need: need}
	}
	if err := s.checkAccess(rgn, need, addr, n*8); err != nil {
		return nil, err
	}
	return rgn, nil
}

func off(rgn *Region, addr uint64) uint64 { return addr - rgn.Base }

// ReadByte/ReadWord/ReadDword/ReadQword/ReadOword/ReadYmm are the typed
// reads named in the component design. When the address is unmapped or the
// read would cross a region boundary, each returns ErrNotPresent in banzai
// mode and an *AccessViolation otherwise.

func (s *Space) ReadByte(addr uint64) (uint8, error) {
	rgn, err := s.region(addr, 1, PermRead)
	if err != nil {
		return 0, err
	}
	return rgn.Bytes[off(rgn, addr)], nil
}

func (s *Space) ReadWord(addr uint64) (uint16, error) {
	rgn, err := s.region(addr, 2, PermRead)
	if err != nil {
		return 0, err
	}
	o := off(rgn, addr)
	return uint16(rgn.Bytes[o]) | uint16(rgn.Bytes[o+1])<<8, nil
}

func (s *Space) ReadDword(addr uint64) (uint32, error) {
	rgn, err := s.region(addr, 4, PermRead)
	if err != nil {
		return 0, err
	}
	o := off(rgn, addr)
	b := rgn.Bytes[o : o+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (s *Space) ReadQword(addr uint64) (uint64, error) {
	rgn, err := s.region(addr, 8, PermRead)
	if err != nil {
		return 0, err
	}
	o := off(rgn, addr)
	b := rgn.Bytes[o : o+8]
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

// ReadOword reads a 128-bit (XMM-sized) value as two little-endian u64 limbs.
func (s *Space) ReadOword(addr uint64) (lo, hi uint64, err error) {
	lo, err = s.ReadQword(addr)
	if err != nil {
		return 0, 0, err
	}
	hi, err = s.ReadQword(addr + 8)
	return lo, hi, err
}

// ReadYmm reads a 256-bit (YMM-sized) value as four little-endian u64 limbs.
func (s *Space) ReadYmm(addr uint64) ([4]uint64, error) {
	var out [4]uint64
	for i := range out {
		v, err := s.ReadQword(addr + uint64(i)*8)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *Space) ReadBytes(addr uint64, n int) ([]byte, error) {
	rgn, err := s.region(addr, n, PermRead)
	if err != nil {
		return nil, err
	}
	o := off(rgn, addr)
	out := make([]byte, n)
	copy(out, rgn.Bytes[o:o+uint64(n)])
	return out, nil
}

// ReadUTF8 reads a NUL-terminated UTF-8 string starting at addr, up to max
// bytes.
func (s *Space) ReadUTF8(addr uint64, max int) (string, error) {
	rgn := s.GetRegion(addr)
	if rgn == nil {
		if s.Banzai {
			return "", ErrNotPresent
		}
		return "", &AccessViolation{Addr: addr, Width: 8, Need: PermRead}
	}
	o := off(rgn, addr)
	end := o
	for end < uint64(len(rgn.Bytes)) && (int(end-o) < max) && rgn.Bytes[end] != 0 {
		end++
	}
	return string(rgn.Bytes[o:end]), nil
}

// ReadUTF16 reads a NUL-terminated UTF-16LE string starting at addr, up to
// max code units.
func (s *Space) ReadUTF16(addr uint64, max int) (string, error) {
	units := make([]uint16, 0, 32)
	for i := 0; i < max; i++ {
		u, err := s.ReadWord(addr + uint64(i)*2)
		if err != nil {
			return "", err
		}
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return utf16ToString(units), nil
}

func utf16ToString(units []uint16) string {
	runes := make([]rune, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		if u >= 0xD800 && u <= 0xDBFF && i+1 < len(units) {
			u2 := units[i+1]
			if u2 >= 0xDC00 && u2 <= 0xDFFF {
				r := (rune(u-0xD800)<<10 | rune(u2-0xDC00)) + 0x10000
				runes = append(runes, r)
				i++
				continue
			}
		}
		runes = append(runes, rune(u))
	}
	return string(runes)
}

// WriteByte/WriteWord/WriteDword/WriteQword/WriteOword/WriteYmm are the
// typed writes. All honor permission enforcement and region-boundary
// checks symmetrically with the reads above.

func (s *Space) WriteByte(addr uint64, v uint8) error {
	rgn, err := s.region(addr, 1, PermWrite)
	if err != nil {
		return err
	}
	rgn.Bytes[off(rgn, addr)] = v
	return nil
}

func (s *Space) WriteWord(addr uint64, v uint16) error {
	rgn, err := s.region(addr, 2, PermWrite)
	if err != nil {
		return err
	}
	o := off(rgn, addr)
	rgn.Bytes[o] = byte(v)
	rgn.Bytes[o+1] = byte(v >> 8)
	return nil
}

func (s *Space) WriteDword(addr uint64, v uint32) error {
	rgn, err := s.region(addr, 4, PermWrite)
	if err != nil {
		return err
	}
	o := off(rgn, addr)
	rgn.Bytes[o] = byte(v)
	rgn.Bytes[o+1] = byte(v >> 8)
	rgn.Bytes[o+2] = byte(v >> 16)
	rgn.Bytes[o+3] = byte(v >> 24)
	return nil
}

func (s *Space) WriteQword(addr uint64, v uint64) error {
	rgn, err := s.region(addr, 8, PermWrite)
	if err != nil {
		return err
	}
	o := off(rgn, addr)
	for i := 0; i < 8; i++ {
		rgn.Bytes[o+uint64(i)] = byte(v >> (8 * i))
	}
	return nil
}

func (s *Space) WriteOword(addr uint64, lo, hi uint64) error {
	if err := s.WriteQword(addr, lo); err != nil {
		return err
	}
	return s.WriteQword(addr+8, hi)
}

func (s *Space) WriteYmm(addr uint64, v [4]uint64) error {
	for i, limb := range v {
		if err := s.WriteQword(addr+uint64(i)*8, limb); err != nil {
			return err
		}
	}
	return nil
}

func (s *Space) WriteBytes(addr uint64, data []byte) error {
	rgn, err := s.region(addr, len(data), PermWrite)
	if err != nil {
		return err
	}
	o := off(rgn, addr)
	copy(rgn.Bytes[o:o+uint64(len(data))], data)
	return nil
}

// Memcpy copies n bytes from src to dst within the address space, reading
// the whole source span first so overlapping copies behave like memmove.
func (s *Space) Memcpy(dst, src uint64, n int) error {
	buf, err := s.ReadBytes(src, n)
	if err != nil {
		return err
	}
	return s.WriteBytes(dst, buf)
}

// Memset fills n bytes at dst with b.
func (s *Space) Memset(dst uint64, b byte, n int) error {
	rgn, err := s.region(dst, n, PermWrite)
	if err != nil {
		return err
	}
	o := off(rgn, dst)
	for i := uint64(0); i < uint64(n); i++ {
		rgn.Bytes[o+i] = b
	}
	return nil
}

// MD5 hashes the full contents of a region, for parity testing against the
// bytes that were originally loaded.
func (s *Space) MD5(name string) ([16]byte, error) {
	rgn, ok := s.byName[name]
	if !ok {
		return [16]byte{}, errors.New("memmap: no such region " + name)
	}
	return md5.Sum(rgn.Bytes), nil
}
