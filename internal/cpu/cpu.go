/*
 * x86emu - Instruction dispatcher: one handler per mnemonic, selected from
 * a static table rather than virtual dispatch.
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

// Package cpu is the instruction dispatcher: a static table from decoded
// mnemonic to handler, one handler per x86 instruction form. Handlers read
// operands through internal/operand, update flags through exactly one
// internal/flags call, write results back through internal/operand, and
// report whether the step completed or the instruction must be re-entered
// (mid-REP) or faulted. IP is mutated only through Context.SetIP, which
// delegates to the Win32 gateway so branch targets landing in a loaded
// module's export region are routed through the modeled API handlers.
//
// Decoding raw instruction bytes into a mnemonic and an operand list is the
// province of an iced-x86-style external decoder (the operand layer is
// explicitly specified as consuming "iced-x86-style operand descriptors");
// this package consumes that already-decoded form as an *Instruction.
package cpu

import (
	"fmt"

	"github.com/hollowbyte/x86emu/internal/flags"
	"github.com/hollowbyte/x86emu/internal/operand"
	"github.com/hollowbyte/x86emu/internal/win32"
	"github.com/hollowbyte/x86emu/util/logger"
)

// RepPrefix tags the repetition prefix, if any, decoded on a string-
// primitive instruction.
type RepPrefix int

const (
	RepNone RepPrefix = iota
	Rep               // unconditional (MOVS/STOS/LODS)
	Repe              // REPE/REPZ (CMPS/SCAS): continue while ZF=1
	Repne             // REPNE/REPNZ (CMPS/SCAS): continue while ZF=0
)

// Instruction is a decoded instruction: mnemonic, its operands in
// destination-then-source order (matching Intel syntax), the default
// operand width in bits, its encoded length for IP advance, and any
// repetition prefix.
type Instruction struct {
	Mnemonic string
	Ops      []operand.Operand
	Bits     int // 8/16/32/64: default arithmetic/flag width for this form
	Len      int // encoded length in bytes
	Rep      RepPrefix
	Raw      []byte // encoded bytes, for hooks/trace; may be nil
}

// Op returns the i'th operand, or a zero Operand if fewer were decoded.
func (ins *Instruction) Op(i int) operand.Operand {
	if i < len(ins.Ops) {
		return ins.Ops[i]
	}
	return operand.Operand{}
}

// Context bundles everything a handler needs beyond the Instruction: the
// operand-layer state (registers/memory/FPU), the flag engine, the current
// bitness, and the Win32 gateway that owns IP mutation. Gateway may be nil
// for bare-CPU tests with no Windows environment wired; SetIP then writes
// RIP/EIP directly.
type Context struct {
	Op      *operand.Context
	Flags   *flags.Flags
	Bits    int // 32 or 64: current execution mode, not per-instruction width
	Gateway *win32.Gateway
	Log     *logger.Logger // nil is valid; handlers must guard before use
}

// logf logs a warning if a logger is configured, a no-op otherwise.
func (c *Context) logf(format string, args ...any) {
	if c.Log != nil {
		c.Log.Warnf(format, args...)
	}
}

func fw(bits int) flags.Width {
	switch bits {
	case 8:
		return flags.W8
	case 16:
		return flags.W16
	case 32:
		return flags.W32
	default:
		return flags.W64
	}
}

func mask(bits int) uint64 {
	switch bits {
	case 8:
		return 0xFF
	case 16:
		return 0xFFFF
	case 32:
		return 0xFFFFFFFF
	default:
		return 0xFFFFFFFFFFFFFFFF
	}
}

// IP returns the current instruction pointer for the active bitness.
func (c *Context) IP() uint64 {
	if c.Bits == 64 {
		return c.Op.Regs.RIP()
	}
	return uint64(c.Op.Regs.EIP())
}

// SetIP is the sole entry point for any non-sequential IP change. It
// delegates to the Win32 gateway, which handles the RETURN_THREAD
// sentinel, library-floor detection, and dispatch into modeled API
// handlers before falling back to a direct write.
func (c *Context) SetIP(addr uint64) error {
	if c.Gateway != nil {
		handled, err := c.Gateway.SetRIP(addr)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}
	if c.Bits == 64 {
		c.Op.Regs.WriteRIP(addr)
	} else {
		c.Op.Regs.WriteEIP(uint32(addr))
	}
	return nil
}

// advanceIP moves IP past the just-executed instruction; only ever called
// for non-branching mnemonics.
func (c *Context) advanceIP(length int) {
	if c.Bits == 64 {
		c.Op.Regs.WriteRIP(c.Op.Regs.RIP() + uint64(length))
	} else {
		c.Op.Regs.WriteEIP(c.Op.Regs.EIP() + uint32(length))
	}
}

// Handler is the per-mnemonic contract: read operands via Context.Op,
// update flags via exactly one width-matching Context.Flags call, write
// the destination, and report completion. The returned bool is only
// meaningful when err is nil: true means the instruction finished and
// Step should advance IP past it (for non-branching mnemonics); false
// with a nil error means a multi-iteration instruction (REP-prefixed
// string op) needs to be re-entered at the same IP on the next dispatch
// cycle. A non-nil error always means an architectural fault has already
// been (or still needs to be) routed to internal/exception by the caller;
// Step does not advance IP in that case either.
type Handler func(c *Context, ins *Instruction) (done bool, err error)

// Table is the static mnemonic -> handler dispatch table, built once at
// package init rather than reconstructed per Context. Mnemonics are
// upper-case, matching iced-x86's Mnemonic.String() convention.
var Table = map[string]Handler{}

func register(names []string, h Handler) {
	for _, n := range names {
		Table[n] = h
	}
}

// branchMnemonics never advance IP themselves; Step always defers to the
// handler, which calls Context.SetIP on every path (taken or not, so a
// not-taken Jcc still advances past itself via SetIP).
var branchMnemonics = map[string]bool{}

func markBranch(names ...string) {
	for _, n := range names {
		branchMnemonics[n] = true
	}
}

// ErrUnsupported is returned by Step for a mnemonic with no registered
// handler.
type ErrUnsupported string

func (e ErrUnsupported) Error() string { return fmt.Sprintf("cpu: unsupported mnemonic %q", string(e)) }

// Step dispatches one Instruction: looks up its handler, runs it, and
// advances IP unless the mnemonic owns IP mutation itself (branches,
// calls, returns) or the instruction asked to be re-entered (mid-REP).
// The caller (internal/emu's run loop) is responsible for pre/post-
// instruction hooks, breakpoint checks and scheduler ticks around Step;
// this function implements only the dispatch-and-advance contract of
// section 4.5.
func Step(c *Context, ins *Instruction) (bool, error) {
	h, ok := Table[ins.Mnemonic]
	if !ok {
		return false, ErrUnsupported(ins.Mnemonic)
	}
	done, err := h(c, ins)
	if err != nil {
		return false, err
	}
	if !done {
		return false, nil // mid-REP: caller re-invokes Step at the same IP
	}
	if !branchMnemonics[ins.Mnemonic] {
		c.advanceIP(ins.Len)
	}
	return true, nil
}
