/*
 * x86emu - Win32 API gateway: process-wide handle table.
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

package win32

// Resource is whatever a handle names: a *scheduler.Thread, a
// *scheduler.CriticalSection's owning mutex wrapper, a heap, a file. The
// gateway does not care about the concrete type, only that handlers agree
// on what they stored under a given kind.
type Resource struct {
	Kind  string
	Value any
}

// HandleTable is the process-wide numeric id -> named-resource table
// spec.md's design notes call out as global mutable state that belongs on
// the top-level emulator struct, not a package-level global: "model as
// fields of the top-level emulator struct... the one dispatch thread owns
// them exclusively." One HandleTable is shared by every Win32 handler
// through the Gateway that owns it.
type HandleTable struct {
	next    uint64
	entries map[uint64]Resource
}

// firstHandle is the base value real Windows handles start counting up
// from in practice (small values like 0/1/2 collide with std handle
// sentinels); chosen to be visibly distinct from a null/invalid handle.
const firstHandle = 0x40

// NewHandleTable returns an empty table.
func NewHandleTable() *HandleTable {
	return &HandleTable{next: firstHandle, entries: make(map[uint64]Resource)}
}

// New allocates the next handle value for kind/value and returns it.
func (h *HandleTable) New(kind string, value any) uint64 {
	id := h.next
	h.next += 4 // real handles are always a multiple of 4; match the texture
	h.entries[id] = Resource{Kind: kind, Value: value}
	return id
}

// Get returns the resource registered under handle, if any.
func (h *HandleTable) Get(handle uint64) (Resource, bool) {
	r, ok := h.entries[handle]
	return r, ok
}

// Close removes handle from the table. Reports whether it was present.
func (h *HandleTable) Close(handle uint64) bool {
	if _, ok := h.entries[handle]; !ok {
		return false
	}
	delete(h.entries, handle)
	return true
}
