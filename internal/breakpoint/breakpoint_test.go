/*
 * x86emu - Breakpoint tests.
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

package breakpoint

import "testing"

func TestSingleSetClearsOthers(t *testing.T) {
	var s Single
	s.SetAddr(0x1000)
	s.SetMemRead(0x2000)
	if s.Addr() != 0 {
		t.Fatalf("setting mem-read should clear addr")
	}
	if s.MemRead() != 0x2000 {
		t.Fatalf("mem-read not set")
	}
}

func TestSetAddDeleteAddr(t *testing.T) {
	s := New()
	s.AddAddr(0x400000)
	s.AddAddr(0x400010)
	if !s.IsBreak(0x400000) || !s.IsBreak(0x400010) {
		t.Fatalf("expected both addresses to be breakpoints")
	}
	s.DeleteAddr(0)
	if s.IsBreak(0x400000) {
		t.Fatalf("deleted breakpoint still present")
	}
	if !s.IsBreak(0x400010) {
		t.Fatalf("remaining breakpoint should survive delete")
	}
}

func TestSetClear(t *testing.T) {
	s := New()
	s.AddAddr(1)
	s.AddMemRead(2)
	s.AddMemWrite(3)
	s.AddInstruction(4)
	s.Clear()
	if s.IsBreak(1) || s.IsBreakMemRead(2) || s.IsBreakMemWrite(3) || s.IsBreakInstruction(4) {
		t.Fatalf("Clear should empty every category")
	}
}
