/*
 * x86emu - In-memory address-space snapshot/restore.
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

package emu

import (
	"fmt"

	"github.com/hollowbyte/x86emu/internal/memmap"
)

// RegionSnapshot is one region's serialized form: name, base, length,
// permission and a copy of its backing bytes.
type RegionSnapshot struct {
	Name  string
	Base  uint64
	Len   uint64
	Perm  memmap.Perm
	Bytes []byte
}

// Snapshot is the in-memory serialized-state contract: every region in
// the address space, the bitness and the instruction count, at the
// instant it was taken. Emu.Snapshot does not fill Threads; it stays empty
// and no thread state is captured. Turning this into bytes on disk (the magic,
// version, region-list wire encoding) is left to the caller; this core
// hands back the data, not a codec.
type Snapshot struct {
	Is64       bool
	InstrCount uint64
	Regions    []RegionSnapshot
	Threads    []ThreadSnapshot
}

// ThreadSnapshot is one thread's saved architectural state.
type ThreadSnapshot struct {
	ID        int
	GPR       [16]uint64
	RIP       uint64
	Flags     uint32
	Suspended int
}

// Snapshot captures the current address space; it does not record any
// thread's architectural state (Threads is left empty). The active
// thread's in-flight register state is flushed to its scheduler slot first.
func (e *Emu) Snapshot() *Snapshot {
	if t := e.Sched.Current(); t != nil {
		e.saveThread(t)
	}

	regions := e.Mem.Regions()
	snap := &Snapshot{
		Is64:       e.Is64,
		InstrCount: e.InstrCount,
		Regions:    make([]RegionSnapshot, len(regions)),
	}
	for i, r := range regions {
		b := make([]byte, len(r.Bytes))
		copy(b, r.Bytes)
		snap.Regions[i] = RegionSnapshot{Name: r.Name, Base: r.Base, Len: r.Len, Perm: r.Perm, Bytes: b}
	}
	return snap
}

// Restore replaces the emulator's address space with the one recorded in
// snap, by recreating each region at its recorded base with its recorded
// bytes. Thread state restoration is the caller's responsibility once
// per-thread snapshot/restore plumbing lands in the scheduler package;
// Restore focuses on the part spec.md section 6 actually names (the
// region list).
func (e *Emu) Restore(snap *Snapshot) error {
	fresh := memmap.New(!snap.Is64)
	for _, r := range snap.Regions {
		rgn, err := fresh.CreateRegion(r.Name, r.Base, r.Len, r.Perm)
		if err != nil {
			return fmt.Errorf("emu: restoring region %s: %w", r.Name, err)
		}
		copy(rgn.Bytes, r.Bytes)
	}
	e.Mem = fresh
	e.InstrCount = snap.InstrCount
	e.op.Mem = fresh
	e.Gateway.Mem = fresh
	e.Exception.Mem = fresh
	return nil
}
