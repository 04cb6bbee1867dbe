/*
 * x86emu - Exception delivery tests.
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

package exception

import (
	"testing"

	"github.com/hollowbyte/x86emu/internal/memmap"
	"github.com/hollowbyte/x86emu/internal/registers"
	"github.com/hollowbyte/x86emu/internal/scheduler"
)

func newDispatcher(t *testing.T, is64 bool) (*Dispatcher, *memmap.Space, *registers.File) {
	t.Helper()
	mem := memmap.New(!is64)
	if _, err := mem.CreateRegion("stack", 0x200000, 0x10000, memmap.PermRead|memmap.PermWrite); err != nil {
		t.Fatal(err)
	}
	regs := registers.New()
	regs.WriteGPR64(registers.RSP, 0x20FFF0)
	return &Dispatcher{Mem: mem, Regs: regs, Is64: is64}, mem, regs
}

func TestDeliverNoHandlerReturnsErrUnhandled(t *testing.T) {
	d, _, _ := newDispatcher(t, false)
	th := &scheduler.Thread{}
	if err := d.Deliver(th, Div0); err != ErrUnhandled {
		t.Fatalf("expected ErrUnhandled, got %v", err)
	}
}

func TestDeliverHookCanCancel(t *testing.T) {
	d, _, _ := newDispatcher(t, false)
	d.OnException = func(ip uint64, exType int) bool { return false }
	th := &scheduler.Thread{UEF: 0x500000}
	if err := d.Deliver(th, Int3); err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

// TestSEHUnlinkOnAccessViolation walks a 32-bit SEH chain: the current
// frame's handler is dispatched to and the thread's SEH pointer is
// unlinked to the next frame in the chain before the handler runs.
func TestSEHUnlinkOnAccessViolation(t *testing.T) {
	d, mem, regs := newDispatcher(t, false)
	regs.WriteEIP(0x401111)

	frameCur := uint64(0x20F000)
	frameNext := uint64(0x20F100)
	handler := uint64(0x403000)
	if err := mem.WriteDword(frameCur, uint32(frameNext)); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteDword(frameCur+4, uint32(handler)); err != nil {
		t.Fatal(err)
	}

	th := &scheduler.Thread{SEH: frameCur}
	if err := d.Deliver(th, BadAddressDereferencing); err != nil {
		t.Fatal(err)
	}
	if th.SEH != frameNext {
		t.Fatalf("expected SEH unlinked to next frame 0x%x, got 0x%x", frameNext, th.SEH)
	}
	if regs.EIP() != uint32(handler) {
		t.Fatalf("expected EIP redirected to handler 0x%x, got 0x%x", handler, regs.EIP())
	}
	if th.EHCtx == 0 {
		t.Fatalf("expected a context region to have been recorded")
	}
}

func TestSEH64IsUnsupportedNotPanic(t *testing.T) {
	d, _, _ := newDispatcher(t, true)
	th := &scheduler.Thread{SEH: 0x140001000}
	if err := d.Deliver(th, Div0); err != ErrSEH64Unsupported {
		t.Fatalf("expected ErrSEH64Unsupported, got %v", err)
	}
}

func TestVEHTakesPriorityOverSEH(t *testing.T) {
	d, _, regs := newDispatcher(t, false)
	regs.WriteEIP(0x401111)
	th := &scheduler.Thread{VEH: 0x404000, SEH: 0x20F000}
	if err := d.Deliver(th, Int3); err != nil {
		t.Fatal(err)
	}
	if regs.EIP() != 0x404000 {
		t.Fatalf("expected VEH to take priority, EIP=0x%x", regs.EIP())
	}
	if th.SEH != 0x20F000 {
		t.Fatalf("SEH chain should be untouched when VEH handles the exception")
	}
}

func TestEnterExitRoundTripsRegisters(t *testing.T) {
	d, _, regs := newDispatcher(t, false)
	regs.WriteGPR64(registers.RBX, 0xCAFEBABE)
	regs.WriteEIP(0x401234)

	th := &scheduler.Thread{UEF: 0x500000}
	if err := d.Deliver(th, Div0); err != nil {
		t.Fatal(err)
	}
	regs.WriteGPR64(registers.RBX, 0)

	if err := d.Exit(th); err != nil {
		t.Fatal(err)
	}
	if regs.GPR64(registers.RBX) != 0xCAFEBABE {
		t.Fatalf("expected RBX restored from saved context, got 0x%x", regs.GPR64(registers.RBX))
	}
	if th.EHCtx != 0 {
		t.Fatalf("expected EHCtx cleared after Exit")
	}
}
