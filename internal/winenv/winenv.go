/*
 * x86emu - Synthetic Windows user-mode environment: PEB/TEB/LDR graph,
 * loaded-module records, and export resolution.
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

// Package winenv builds the synthetic PEB/TEB/LDR graph every loaded
// module is enumerable through, the same graph real Windows user-mode
// code walks to find kernel32 and friends. Structure offsets for the
// 64-bit LDR_DATA_TABLE_ENTRY's load_count field deliberately follow the
// offsets observed in the reference implementation rather than Microsoft's
// published layout; see DESIGN.md's internal/winenv entry.
package winenv

import (
	"fmt"
	"strings"

	"github.com/hollowbyte/x86emu/internal/memmap"
)

// Module describes one loaded DLL: its in-guest base, size, and export
// table (name -> RVA). entryPoint is informational only.
type Module struct {
	Name       string // base DLL name, e.g. "kernel32.dll"
	Base       uint64
	Size       uint32
	EntryPoint uint64
	Exports    map[string]uint32
	ldrAddr    uint64 // address of this module's LDR_DATA_TABLE_ENTRY
}

// Export looks up name (case-sensitive, matching the export directory)
// and returns its absolute address.
func (m *Module) Export(name string) (uint64, bool) {
	rva, ok := m.Exports[name]
	if !ok {
		return 0, false
	}
	return m.Base + uint64(rva), true
}

// Environment owns the PEB/TEB/LDR region and the module list, for one
// bitness (32 or 64).
type Environment struct {
	Is64    bool
	mem     *memmap.Space
	pebAddr uint64
	ldrAddr uint64
	tebAddr uint64
	modules []*Module
	tebs    map[int]uint64 // thread id -> that thread's TEB base
}

// NT_TIB field offsets, identical in shape for both bitnesses (only field
// width differs): exception_list is the SEH chain head a walk of [FS:0]/
// [GS:0x30] on real Windows would find, self_pointer closes the TIB loop
// real code relies on to find its own TEB through the segment base.
const (
	tibExceptionList32 = 0x00
	tibStackBase32     = 0x04
	tibStackLimit32    = 0x08
	tibSelfPointer32   = 0x18
	tibSize32          = 0x1C

	tibExceptionList64 = 0x00
	tibStackBase64     = 0x08
	tibStackLimit64    = 0x10
	tibSelfPointer64   = 0x30
	tibSize64          = 0x38
)

// TEB fields immediately following the NT_TIB, at the well-known Microsoft
// offsets for 32-bit (no teb32 struct is present in the reference
// implementation to ground these against, unlike teb64.rs) and at the
// offsets teb64.rs documents for 64-bit.
const (
	tebProcessID32  = 0x20
	tebThreadID32   = 0x24
	tebTLSArray32   = 0x2C
	tebPEBPtr32     = 0x30
	tebLastError32  = 0x34

	tebProcessID64  = 0x40
	tebThreadID64   = 0x48
	tebTLSArray64   = 0x58
	tebPEBPtr64     = 0x60
	tebLastError64  = 0x68
)

// list entry / module-entry struct sizes by bitness.
const (
	listEntrySize32 = 8
	listEntrySize64 = 16
	ldrEntrySize32  = 72   // ldr_data_table_entry.rs::size()
	ldrEntrySize64  = 0x100 // ldr_data_table_entry64.rs::size()
	ldrHeadSize     = 48   // PebLdrData::size()
)

// Offsets within LdrEntry for the three list-entry fields, identical in
// shape for 32 and 64 bit (only the field width differs).
const (
	offInLoadOrder   = 0x00
	offInMemoryOrder32 = 0x08
	offInMemoryOrder64 = 0x10
	offInInitOrder32   = 0x10
	offInInitOrder64   = 0x20
	offDllBase32       = 0x18
	offDllBase64       = 0x30
	offSizeOfImage32   = 0x20
	offSizeOfImage64   = 0x40
	// load_count: 32-bit keeps the documented Microsoft offset (+0x38);
	// 64-bit reproduces the observed +0x7b quirk rather than the
	// documented +0x38, per the reference implementation this behavior
	// was carried over from.
	offLoadCount32 = 0x38
	offLoadCount64 = 0x7b
)

// New builds an empty PEB/TEB/LDR graph inside mem, allocating the head
// structures but no modules.
func New(mem *memmap.Space, is64 bool) (*Environment, error) {
	e := &Environment{Is64: is64, mem: mem}

	ldrSize := uint64(ldrHeadSize)
	if is64 {
		ldrSize = 0x58 // 64-bit PEB_LDR_DATA, wide enough for heads at +0x10/+0x20/+0x30
	}
	pebSize := uint64(0x1000) // synthetic PEB region, generously sized
	tebSize := uint64(0x1000)

	var err error
	if e.pebAddr, err = mem.Alloc(pebSize); err != nil {
		return nil, fmt.Errorf("winenv: alloc PEB: %w", err)
	}
	mem.Free(fmt.Sprintf("alloc_%x", e.pebAddr))
	if _, err = mem.CreateRegion("PEB", e.pebAddr, pebSize, memmap.PermRead|memmap.PermWrite); err != nil {
		return nil, err
	}
	if e.ldrAddr, err = mem.Alloc(ldrSize); err != nil {
		return nil, fmt.Errorf("winenv: alloc PEB_LDR_DATA: %w", err)
	}
	mem.Free(fmt.Sprintf("alloc_%x", e.ldrAddr))
	if _, err = mem.CreateRegion("PEB_LDR_DATA", e.ldrAddr, ldrSize, memmap.PermRead|memmap.PermWrite); err != nil {
		return nil, err
	}
	if e.tebAddr, err = mem.Alloc(tebSize); err != nil {
		return nil, fmt.Errorf("winenv: alloc TEB: %w", err)
	}
	mem.Free(fmt.Sprintf("alloc_%x", e.tebAddr))
	if _, err = mem.CreateRegion("TEB", e.tebAddr, tebSize, memmap.PermRead|memmap.PermWrite); err != nil {
		return nil, err
	}
	e.tebs = map[int]uint64{0: e.tebAddr}
	if err := e.populateTEB(e.tebAddr, 0); err != nil {
		return nil, err
	}

	// Self-terminating circular lists: head flink/blink point to the head
	// itself until modules are loaded.
	for _, headField := range e.headListFields() {
		if err := e.writeListEntry(headField, headField, headField); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// tibOffsets returns the (exceptionList, stackBase, stackLimit,
// selfPointer, size) NT_TIB offsets for this bitness.
func (e *Environment) tibOffsets() (exceptionList, stackBase, stackLimit, selfPtr, size uint64) {
	if e.Is64 {
		return tibExceptionList64, tibStackBase64, tibStackLimit64, tibSelfPointer64, tibSize64
	}
	return tibExceptionList32, tibStackBase32, tibStackLimit32, tibSelfPointer32, tibSize32
}

// tebOffsets returns the (processID, threadID, tlsArray, pebPtr,
// lastError) TEB-proper offsets for this bitness.
func (e *Environment) tebOffsets() (processID, threadID, tlsArray, pebPtr, lastError uint64) {
	if e.Is64 {
		return tebProcessID64, tebThreadID64, tebTLSArray64, tebPEBPtr64, tebLastError64
	}
	return tebProcessID32, tebThreadID32, tebTLSArray32, tebPEBPtr32, tebLastError32
}

func (e *Environment) writeWidth(addr, v uint64) error {
	if e.Is64 {
		return e.mem.WriteQword(addr, v)
	}
	return e.mem.WriteDword(addr, uint32(v))
}

// populateTEB fills in the TEB fields spec.md section 4.7 names: self-
// pointer, TIB exception list (null until a SEH frame is installed), a
// zeroed stack base/limit (a caller wires the real guest stack bounds in
// separately, since winenv does not own stack allocation), the PEB
// pointer, the thread id, a zeroed last-error, and a fresh TLS slot array.
func (e *Environment) populateTEB(tebAddr uint64, threadID int) error {
	exL, stkBase, stkLimit, selfPtr, _ := e.tibOffsets()
	if err := e.writeWidth(tebAddr+exL, 0); err != nil {
		return err
	}
	if err := e.writeWidth(tebAddr+stkBase, 0); err != nil {
		return err
	}
	if err := e.writeWidth(tebAddr+stkLimit, 0); err != nil {
		return err
	}
	if err := e.writeWidth(tebAddr+selfPtr, tebAddr); err != nil {
		return err
	}

	procID, thrID, tlsArray, pebPtr, lastErr := e.tebOffsets()
	if err := e.writeWidth(tebAddr+procID, 1); err != nil {
		return err
	}
	if err := e.writeWidth(tebAddr+thrID, uint64(threadID)); err != nil {
		return err
	}
	if err := e.writeWidth(tebAddr+pebPtr, e.pebAddr); err != nil {
		return err
	}
	if err := e.writeWidth(tebAddr+lastErr, 0); err != nil {
		return err
	}

	const tlsSlotCount = 64
	tlsWidth := uint64(4)
	if e.Is64 {
		tlsWidth = 8
	}
	tlsAddr, err := e.mem.Alloc(tlsSlotCount * tlsWidth)
	if err != nil {
		return fmt.Errorf("winenv: alloc TLS array for thread %d: %w", threadID, err)
	}
	e.mem.Free(fmt.Sprintf("alloc_%x", tlsAddr))
	if _, err := e.mem.CreateRegion(fmt.Sprintf("TLS_%d", threadID), tlsAddr, tlsSlotCount*tlsWidth, memmap.PermRead|memmap.PermWrite); err != nil {
		return err
	}
	return e.writeWidth(tebAddr+tlsArray, tlsAddr)
}

// NewTEB allocates and populates a TEB for a newly created guest thread
// (spec.md section 4.7: "one [TEB] per thread"), returning its base
// address. The caller (internal/emu, on CreateThread) is responsible for
// pointing that thread's FS (32-bit) or GS (64-bit) segment base at it.
func (e *Environment) NewTEB(threadID int) (uint64, error) {
	_, _, _, _, size := e.tibOffsets()
	tebSize := uint64(0x1000)
	if size > tebSize {
		tebSize = size
	}
	addr, err := e.mem.Alloc(tebSize)
	if err != nil {
		return 0, fmt.Errorf("winenv: alloc TEB for thread %d: %w", threadID, err)
	}
	e.mem.Free(fmt.Sprintf("alloc_%x", addr))
	if _, err := e.mem.CreateRegion(fmt.Sprintf("TEB_%d", threadID), addr, tebSize, memmap.PermRead|memmap.PermWrite); err != nil {
		return 0, err
	}
	if err := e.populateTEB(addr, threadID); err != nil {
		return 0, err
	}
	if e.tebs == nil {
		e.tebs = make(map[int]uint64)
	}
	e.tebs[threadID] = addr
	return addr, nil
}

// TEBForThread returns the TEB base previously assigned to threadID by
// New (id 0) or NewTEB, or 0 if none was assigned.
func (e *Environment) TEBForThread(threadID int) uint64 {
	return e.tebs[threadID]
}

// LastError reads a thread's TEB.LastErrorValue field.
func (e *Environment) LastError(threadID int) (uint32, error) {
	teb := e.TEBForThread(threadID)
	_, _, _, _, lastErr := e.tebOffsets()
	return e.mem.ReadDword(teb + lastErr)
}

// SetLastError writes a thread's TEB.LastErrorValue field, the model for
// SetLastError/GetLastError Win32 handlers.
func (e *Environment) SetLastError(threadID int, code uint32) error {
	teb := e.TEBForThread(threadID)
	_, _, _, _, lastErr := e.tebOffsets()
	return e.mem.WriteDword(teb+lastErr, code)
}

// TLSArray returns the base address of a thread's TLS slot array, as
// pointed to by its TEB.ThreadLocalStoragePointer field.
func (e *Environment) TLSArray(threadID int) (uint64, error) {
	teb := e.TEBForThread(threadID)
	_, _, tlsArray, _, _ := e.tebOffsets()
	if e.Is64 {
		return e.mem.ReadQword(teb + tlsArray)
	}
	v, err := e.mem.ReadDword(teb + tlsArray)
	return uint64(v), err
}

// SetExceptionList updates a thread's TIB.ExceptionList head, keeping the
// TEB-visible SEH chain pointer in sync with internal/exception's
// per-thread SEH bookkeeping.
func (e *Environment) SetExceptionList(threadID int, head uint64) error {
	teb := e.TEBForThread(threadID)
	exL, _, _, _, _ := e.tibOffsets()
	return e.writeWidth(teb+exL, head)
}

// SetStackBounds records a thread's guest stack base/limit into its TIB,
// since winenv itself does not own stack allocation.
func (e *Environment) SetStackBounds(threadID int, base, limit uint64) error {
	teb := e.TEBForThread(threadID)
	_, stkBase, stkLimit, _, _ := e.tibOffsets()
	if err := e.writeWidth(teb+stkBase, base); err != nil {
		return err
	}
	return e.writeWidth(teb+stkLimit, limit)
}

func (e *Environment) listEntrySize() uint64 {
	if e.Is64 {
		return listEntrySize64
	}
	return listEntrySize32
}

func (e *Environment) ldrEntrySize() uint64 {
	if e.Is64 {
		return ldrEntrySize64
	}
	return ldrEntrySize32
}

// headListFields returns the addresses of the three list heads inside
// PEB_LDR_DATA: InLoadOrder, InMemoryOrder, InInitializationOrder, at
// +0x0C/+0x14/+0x1C on 32-bit and +0x10/+0x20/+0x30 on 64-bit, so that
// the 16-byte 64-bit list heads do not overlap one another.
func (e *Environment) headListFields() [3]uint64 {
	if e.Is64 {
		return [3]uint64{e.ldrAddr + 0x10, e.ldrAddr + 0x20, e.ldrAddr + 0x30}
	}
	return [3]uint64{e.ldrAddr + 0x0C, e.ldrAddr + 0x14, e.ldrAddr + 0x1C}
}

func (e *Environment) writeListEntry(selfAddr, flink, blink uint64) error {
	if e.Is64 {
		if err := e.mem.WriteQword(selfAddr, flink); err != nil {
			return err
		}
		return e.mem.WriteQword(selfAddr+8, blink)
	}
	if err := e.mem.WriteDword(selfAddr, uint32(flink)); err != nil {
		return err
	}
	return e.mem.WriteDword(selfAddr+4, uint32(blink))
}

func (e *Environment) readListEntryFlink(selfAddr uint64) (uint64, error) {
	if e.Is64 {
		return e.mem.ReadQword(selfAddr)
	}
	v, err := e.mem.ReadDword(selfAddr)
	return uint64(v), err
}

// entryOffsets returns (inLoadOrder, inMemoryOrder, inInitOrder,
// dllBase, sizeOfImage, loadCount) field offsets for this bitness.
func (e *Environment) entryOffsets() (inLoad, inMem, inInit, dllBase, sizeOfImage, loadCount uint64) {
	if e.Is64 {
		return offInLoadOrder, offInMemoryOrder64, offInInitOrder64, offDllBase64, offSizeOfImage64, offLoadCount64
	}
	return offInLoadOrder, offInMemoryOrder32, offInInitOrder32, offDllBase32, offSizeOfImage32, offLoadCount32
}

// LoadModule allocates an LDR_DATA_TABLE_ENTRY for m, links it onto the
// tail of all three loader lists (in load order, matching typical loader
// behavior), and records the module for export resolution.
func (e *Environment) LoadModule(m *Module) error {
	addr, err := e.mem.Alloc(e.ldrEntrySize())
	if err != nil {
		return fmt.Errorf("winenv: alloc LDR entry for %s: %w", m.Name, err)
	}
	name := fmt.Sprintf("LDR_%s", m.Name)
	e.mem.Free(fmt.Sprintf("alloc_%x", addr))
	if _, err := e.mem.CreateRegion(name, addr, e.ldrEntrySize(), memmap.PermRead|memmap.PermWrite); err != nil {
		return err
	}
	m.ldrAddr = addr

	inLoad, inMem, inInit, dllBase, sizeOfImage, loadCount := e.entryOffsets()
	if e.Is64 {
		if err := e.mem.WriteQword(addr+dllBase, m.Base); err != nil {
			return err
		}
	} else if err := e.mem.WriteDword(addr+dllBase, uint32(m.Base)); err != nil {
		return err
	}
	if err := e.mem.WriteDword(addr+sizeOfImage, m.Size); err != nil {
		return err
	}
	if err := e.mem.WriteWord(addr+loadCount, 1); err != nil {
		return err
	}

	heads := e.headListFields()
	fieldOffsets := [3]uint64{inLoad, inMem, inInit}
	for i, head := range heads {
		if err := e.linkOntoTail(head, addr+fieldOffsets[i]); err != nil {
			return err
		}
	}

	e.modules = append(e.modules, m)
	return nil
}

// linkOntoTail inserts the list-entry node at nodeAddr just before head,
// i.e. at the tail of the circular list rooted at head.
func (e *Environment) linkOntoTail(head, nodeAddr uint64) error {
	// head.blink currently points at the prior tail (or head itself when empty).
	var priorTail uint64
	var err error
	if e.Is64 {
		priorTail, err = e.mem.ReadQword(head + 8)
	} else {
		var v uint32
		v, err = e.mem.ReadDword(head + 4)
		priorTail = uint64(v)
	}
	if err != nil {
		return err
	}

	if err := e.writeListEntry(nodeAddr, head, priorTail); err != nil {
		return err
	}
	// priorTail.flink = nodeAddr
	if e.Is64 {
		if err := e.mem.WriteQword(priorTail, nodeAddr); err != nil {
			return err
		}
		if err := e.mem.WriteQword(head+8, nodeAddr); err != nil {
			return err
		}
	} else {
		if err := e.mem.WriteDword(priorTail, uint32(nodeAddr)); err != nil {
			return err
		}
		if err := e.mem.WriteDword(head+4, uint32(nodeAddr)); err != nil {
			return err
		}
	}
	return nil
}

// ErrModuleNotFound signals that no loaded module matched the lookup.
var ErrModuleNotFound = fmt.Errorf("winenv: module not found")

// FindModuleByName walks InLoadOrder (conceptually; the in-memory model
// list here is a plain slice, equivalent to the walk since both are built
// from the same LoadModule calls) for a case-insensitive base-DLL-name
// match.
func (e *Environment) FindModuleByName(name string) (*Module, error) {
	for _, m := range e.modules {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return nil, ErrModuleNotFound
}

// FindModuleByAddr returns the module whose [Base, Base+Size) contains addr.
func (e *Environment) FindModuleByAddr(addr uint64) (*Module, error) {
	for _, m := range e.modules {
		if addr >= m.Base && addr < m.Base+uint64(m.Size) {
			return m, nil
		}
	}
	return nil, ErrModuleNotFound
}

// ResolveExport finds moduleName's export named exportName and returns its
// absolute address, reproducing the "PEB walk resolves kernel32!GetProcAddress"
// scenario: find the module, scan its export table.
func (e *Environment) ResolveExport(moduleName, exportName string) (uint64, error) {
	m, err := e.FindModuleByName(moduleName)
	if err != nil {
		return 0, err
	}
	addr, ok := m.Export(exportName)
	if !ok {
		return 0, fmt.Errorf("winenv: %s has no export %q", moduleName, exportName)
	}
	return addr, nil
}

// LDRIntegrityOffset returns the architecture-specific constant the
// InMemoryOrder.flink - InLoadOrder.flink difference must equal for every
// non-terminal entry: 8 on 32-bit, 16 on 64-bit.
func (e *Environment) LDRIntegrityOffset() uint64 {
	if e.Is64 {
		return offInMemoryOrder64 - offInLoadOrder
	}
	return offInMemoryOrder32 - offInLoadOrder
}

// CheckLDRIntegrity verifies the invariant above for every loaded module
// whose in-load-order flink does not point back at the list head.
func (e *Environment) CheckLDRIntegrity() error {
	inLoad, inMem, _, _, _, _ := e.entryOffsets()
	want := e.LDRIntegrityOffset()
	for _, m := range e.modules {
		loadFlink, err := e.readListEntryFlink(m.ldrAddr + inLoad)
		if err != nil {
			return err
		}
		if loadFlink == e.headListFields()[0] {
			continue // terminal entry, wraps to the list head
		}
		memFlink, err := e.readListEntryFlink(m.ldrAddr + inMem)
		if err != nil {
			return err
		}
		if memFlink-loadFlink != want {
			return fmt.Errorf("winenv: LDR integrity violated for %s: memFlink-loadFlink=%d want %d",
				m.Name, memFlink-loadFlink, want)
		}
	}
	return nil
}

// PEBAddr / LdrAddr / TEBAddr expose the base addresses for handlers that
// need to synthesize FS:[0x30]/GS:[0x60]-style lookups elsewhere.
func (e *Environment) PEBAddr() uint64 { return e.pebAddr }
func (e *Environment) LdrAddr() uint64 { return e.ldrAddr }
func (e *Environment) TEBAddr() uint64 { return e.tebAddr }
