/*
 * x86emu - SEH/VEH/UEF exception delivery.
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

// Package exception implements the VEH -> SEH -> UEF delivery chain: a
// thread's vectored handler fires first if registered, then its
// structured (frame-based) handler, then its process-wide unhandled
// filter. Entering a handler snapshots the interrupted context to a
// scratch memory region so the handler's eventual return can restore it.
package exception

import (
	"errors"
	"fmt"

	"github.com/hollowbyte/x86emu/internal/memmap"
	"github.com/hollowbyte/x86emu/internal/registers"
	"github.com/hollowbyte/x86emu/internal/scheduler"
)

// Type identifies the fault that triggered delivery.
type Type int

const (
	Int3 Type = iota
	Div0
	SignChangeOnDivision
	PopfCannotReadStack
	WritingWord
	SettingRipToNonMappedAddr
	QWordDereferencing
	DWordDereferencing
	WordDereferencing
	ByteDereferencing
	BadAddressDereferencing
	SettingXMMOperand
	ReadingXMMOperand
	UserInterrupt // explicit INT n, n != 3
)

func (t Type) String() string {
	switch t {
	case Int3:
		return "int 3"
	case Div0:
		return "division by zero"
	case SignChangeOnDivision:
		return "sign change exception on division"
	case PopfCannotReadStack:
		return "popf cannot read stack"
	case WritingWord:
		return "exception writing word"
	case SettingRipToNonMappedAddr:
		return "setting rip to non mapped addr"
	case QWordDereferencing:
		return "error dereferencing qword"
	case DWordDereferencing:
		return "error dereferencing dword"
	case WordDereferencing:
		return "error dereferencing word"
	case ByteDereferencing:
		return "error dereferencing byte"
	case BadAddressDereferencing:
		return "exception dereferencing bad address"
	case SettingXMMOperand:
		return "exception setting xmm operand"
	case ReadingXMMOperand:
		return "exception reading xmm operand"
	case UserInterrupt:
		return "user-defined interrupt"
	default:
		return "unknown exception"
	}
}

// Fault is returned by anything below the dispatch loop (arithmetic
// handlers, the operand layer) that detects a condition internal/emu must
// route through Dispatcher.Deliver rather than abort the run outright.
// It lives here, not in internal/cpu, so internal/operand can construct
// one too without an import cycle back through internal/cpu.
type Fault struct {
	Kind   Type
	Vector int // the INT n vector number, meaningful only for UserInterrupt
}

func (f *Fault) Error() string { return "exception: " + f.Kind.String() }

// Code returns the NTSTATUS-style value a real Windows exception record
// would carry. STATUS_BREAKPOINT, STATUS_INTEGER_DIVIDE_BY_ZERO and
// STATUS_ACCESS_VIOLATION are real, documented NTSTATUS values; the
// per-dereferencing-width codes have no individual NTSTATUS names on
// real Windows (a processor #GP/#PF collapses them all to
// STATUS_ACCESS_VIOLATION), so they are modeled here as that one code.
func (t Type) Code() uint32 {
	switch t {
	case Int3:
		return 0x80000003 // STATUS_BREAKPOINT
	case Div0:
		return 0xC0000094 // STATUS_INTEGER_DIVIDE_BY_ZERO
	case SignChangeOnDivision:
		return 0xC0000095 // STATUS_INTEGER_OVERFLOW
	default:
		return 0xC0000005 // STATUS_ACCESS_VIOLATION
	}
}

// ErrUnhandled is returned when no VEH, SEH or UEF is registered on the
// delivering thread; the caller decides whether that is fatal.
var ErrUnhandled = errors.New("exception: no handler registered")

// ErrCancelled is returned when a trace hook vetoes delivery.
var ErrCancelled = errors.New("exception: delivery cancelled by hook")

// ErrSEH64Unsupported is returned for 64-bit SEH delivery. Real Windows
// x64 SEH is table-driven from each module's .pdata/.xdata, which this
// core does not parse (out of scope for an image loader that only hands
// back section descriptors); the Rust implementation this is grounded on
// panics here (`unimplemented!("check .pdata if exists")`). A panic
// cannot cross a Go API boundary, so this is reported as an ordinary
// error instead - the one deliberate behavioral deviation from the
// original for this path.
var ErrSEH64Unsupported = errors.New("exception: 64-bit SEH requires .pdata, not supported")

const ctxRegionSize = 0x1000

// ctxLayout: [0:4] exception code, [4:4+16*8] GPRs, [then] RIP (8), then
// 4 bytes at offFlags reserved for EFLAGS, which Enter does not write and
// Exit does not read. Simplified relative to a full Windows CONTEXT record, which
// this core has no reason to lay out byte-for-byte since nothing consumes
// it except Enter/Exit below.
const (
	offCode  = 0
	offGPR   = 4
	offRIP   = offGPR + 16*8
	offFlags = offRIP + 8
	ctxUsed  = offFlags + 4
)

// Dispatcher owns the address space and register file exception delivery
// reads and writes; OnException, when set, mirrors trace.Hooks'
// OnException field and may veto delivery.
type Dispatcher struct {
	Mem         *memmap.Space
	Regs        *registers.File
	Is64        bool
	OnException func(ip uint64, exType int) bool
}

func (d *Dispatcher) fireHook(ex Type) bool {
	if d.OnException == nil {
		return true
	}
	return d.OnException(d.Regs.RIP(), int(ex))
}

// Deliver runs the VEH -> SEH -> UEF chain for t. On success, RIP/EIP has
// been redirected to the handler and the interrupted context saved to a
// scratch region reachable via t.EHCtx.
func (d *Dispatcher) Deliver(t *scheduler.Thread, ex Type) error {
	if !d.fireHook(ex) {
		return ErrCancelled
	}
	if t.VEH == 0 && t.SEH == 0 && t.UEF == 0 {
		return ErrUnhandled
	}

	if t.VEH != 0 {
		addr := t.VEH
		if err := d.enter(t, ex); err != nil {
			return err
		}
		d.redirect(addr)
		return nil
	}

	if t.SEH != 0 {
		if d.Is64 {
			return ErrSEH64Unsupported
		}
		next, err := d.Mem.ReadDword(t.SEH)
		if err != nil {
			return fmt.Errorf("exception: reading SEH frame: %w", err)
		}
		addr, err := d.Mem.ReadDword(t.SEH + 4)
		if err != nil {
			return fmt.Errorf("exception: reading SEH handler: %w", err)
		}
		t.SEH = uint64(next) // unlink to the next frame before dispatch
		if err := d.enter(t, ex); err != nil {
			return err
		}
		d.redirect(uint64(addr))
		return nil
	}

	addr := t.UEF
	if err := d.enter(t, ex); err != nil {
		return err
	}
	d.redirect(addr)
	return nil
}

func (d *Dispatcher) redirect(addr uint64) {
	if d.Is64 {
		d.Regs.WriteRIP(addr)
	} else {
		d.Regs.WriteEIP(uint32(addr))
	}
}

// enter snapshots the interrupted context into a freshly allocated
// region, pushes a return path for the handler to unwind through, and
// records the region's base in t.EHCtx.
func (d *Dispatcher) enter(t *scheduler.Thread, ex Type) error {
	ctxAddr, err := d.Mem.Alloc(ctxRegionSize)
	if err != nil {
		return fmt.Errorf("exception: allocating context region: %w", err)
	}

	retIP := d.Regs.RIP()
	if d.Is64 {
		rsp := d.Regs.GPR64(registers.RSP)
		rsp -= 8
		if err := d.Mem.WriteQword(rsp, retIP); err != nil {
			return err
		}
		rsp -= 8
		if err := d.Mem.WriteQword(rsp, ctxAddr); err != nil {
			return err
		}
		d.Regs.WriteGPR64(registers.RSP, rsp)
	} else {
		rsp := d.Regs.GPR64(registers.RSP)
		rsp -= 4
		if err := d.Mem.WriteDword(rsp, uint32(retIP)); err != nil {
			return err
		}
		rsp -= 4
		if err := d.Mem.WriteDword(rsp, uint32(ctxAddr)); err != nil {
			return err
		}
		d.Regs.WriteGPR64(registers.RSP, rsp)
	}

	if err := d.Mem.WriteDword(ctxAddr+offCode, ex.Code()); err != nil {
		return err
	}
	for i := registers.RAX; i <= registers.R15; i++ {
		if err := d.Mem.WriteQword(ctxAddr+offGPR+uint64(i)*8, d.Regs.GPR64(i)); err != nil {
			return err
		}
	}
	if err := d.Mem.WriteQword(ctxAddr+offRIP, retIP); err != nil {
		return err
	}

	t.EHCtx = ctxAddr
	return nil
}

// Exit restores the context saved by the most recent enter and frees its
// scratch region, handing control back to whatever the handler chose to
// resume (the caller is responsible for reading the restored RIP and
// continuing the dispatch loop from there).
func (d *Dispatcher) Exit(t *scheduler.Thread) error {
	if t.EHCtx == 0 {
		return fmt.Errorf("exception: Exit called with no active context")
	}
	ctxAddr := t.EHCtx
	for i := registers.RAX; i <= registers.R15; i++ {
		v, err := d.Mem.ReadQword(ctxAddr + offGPR + uint64(i)*8)
		if err != nil {
			return err
		}
		d.Regs.WriteGPR64(i, v)
	}
	rip, err := d.Mem.ReadQword(ctxAddr + offRIP)
	if err != nil {
		return err
	}
	if d.Is64 {
		d.Regs.WriteRIP(rip)
	} else {
		d.Regs.WriteEIP(uint32(rip))
	}
	d.Mem.Free(fmt.Sprintf("alloc_%x", ctxAddr))
	t.EHCtx = 0
	return nil
}
