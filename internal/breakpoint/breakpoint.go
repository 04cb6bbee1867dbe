/*
 * x86emu - Breakpoints: address, instruction-count, mem-read, mem-write.
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

// Package breakpoint holds the four breakpoint categories the dispatch
// loop checks every instruction: execute address, instruction count,
// memory read address, memory write address. Each category is a small
// vector searched linearly; counts are typically under eight, so a map
// would be overkill.
package breakpoint

// Single is one breakpoint slot of each of the four categories, all
// initially unset (zero means "no breakpoint" the same way mwemu's single
// struct treats zero as absent).
type Single struct {
	addr          uint64
	instruction   uint64
	memReadAddr   uint64
	memWriteAddr  uint64
}

func (s *Single) clear() {
	s.addr = 0
	s.instruction = 0
	s.memReadAddr = 0
	s.memWriteAddr = 0
}

func (s *Single) SetAddr(addr uint64)        { s.clear(); s.addr = addr }
func (s *Single) SetMemRead(addr uint64)     { s.clear(); s.memReadAddr = addr }
func (s *Single) SetMemWrite(addr uint64)    { s.clear(); s.memWriteAddr = addr }
func (s *Single) SetInstruction(count uint64) { s.clear(); s.instruction = count }

func (s *Single) Addr() uint64        { return s.addr }
func (s *Single) MemRead() uint64     { return s.memReadAddr }
func (s *Single) MemWrite() uint64    { return s.memWriteAddr }
func (s *Single) Instruction() uint64 { return s.instruction }

// Set is the vector form: zero or more addresses per category.
type Set struct {
	Addr        []uint64
	Instruction []uint64
	MemRead     []uint64
	MemWrite    []uint64
}

// New returns an empty breakpoint set with the small capacity hint the
// typical case (under eight per category) calls for.
func New() *Set {
	return &Set{
		Addr:        make([]uint64, 0, 8),
		Instruction: make([]uint64, 0, 8),
		MemRead:     make([]uint64, 0, 8),
		MemWrite:    make([]uint64, 0, 8),
	}
}

func contains(v []uint64, x uint64) bool {
	for _, e := range v {
		if e == x {
			return true
		}
	}
	return false
}

func (s *Set) IsBreak(addr uint64) bool          { return contains(s.Addr, addr) }
func (s *Set) IsBreakMemRead(addr uint64) bool   { return contains(s.MemRead, addr) }
func (s *Set) IsBreakMemWrite(addr uint64) bool  { return contains(s.MemWrite, addr) }
func (s *Set) IsBreakInstruction(n uint64) bool  { return contains(s.Instruction, n) }

func (s *Set) AddAddr(addr uint64)        { s.Addr = append(s.Addr, addr) }
func (s *Set) AddMemRead(addr uint64)     { s.MemRead = append(s.MemRead, addr) }
func (s *Set) AddMemWrite(addr uint64)    { s.MemWrite = append(s.MemWrite, addr) }
func (s *Set) AddInstruction(n uint64)    { s.Instruction = append(s.Instruction, n) }

func remove(v []uint64, pos int) []uint64 {
	return append(v[:pos], v[pos+1:]...)
}

func (s *Set) DeleteAddr(pos int)        { s.Addr = remove(s.Addr, pos) }
func (s *Set) DeleteMemRead(pos int)     { s.MemRead = remove(s.MemRead, pos) }
func (s *Set) DeleteMemWrite(pos int)    { s.MemWrite = remove(s.MemWrite, pos) }
func (s *Set) DeleteInstruction(pos int) { s.Instruction = remove(s.Instruction, pos) }

// Clear empties every category.
func (s *Set) Clear() {
	s.Addr = s.Addr[:0]
	s.Instruction = s.Instruction[:0]
	s.MemRead = s.MemRead[:0]
	s.MemWrite = s.MemWrite[:0]
}
