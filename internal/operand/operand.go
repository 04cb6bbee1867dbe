/*
 * x86emu - Operand layer: decodes operand descriptors into typed
 * reads/writes against registers, memory and the FPU.
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

// Package operand decodes iced-x86-style operand descriptors — a tagged
// kind plus a width and a location — into reads and writes against the
// register file, the address space and the FPU, so instruction handlers
// never touch those packages directly.
package operand

import (
	"errors"
	"fmt"

	"github.com/hollowbyte/x86emu/internal/exception"
	"github.com/hollowbyte/x86emu/internal/fpu"
	"github.com/hollowbyte/x86emu/internal/memmap"
	"github.com/hollowbyte/x86emu/internal/registers"
)

// WrapMemoryError translates a memmap access error into a routable
// exception.Fault so internal/emu's handleFault can deliver it through
// VEH -> SEH -> UEF (spec.md section 7: "memory-access fault... routed to
// C7 as access violation"). memmap.ErrNotPresent is left untouched: it is
// only ever returned in banzai mode, where an unmapped or boundary-
// crossing access is meant to stay a swallowed sentinel for a speculative
// probe rather than become a hard fault. Exported so internal/cpu handlers
// that reach c.Op.Mem directly (CMPXCHG, PUSH/POP, FPU memory operands,
// string primitives) can route the same way without duplicating the
// memmap.AccessViolation check.
func WrapMemoryError(err error, kind exception.Type) error {
	if err == nil {
		return nil
	}
	var av *memmap.AccessViolation
	if errors.As(err, &av) {
		return &exception.Fault{Kind: kind}
	}
	return err
}

// derefKind picks the width-specific dereferencing exception.Type for a
// scalar memory read of the given bit width.
func derefKind(bits int) exception.Type {
	switch bits {
	case 8:
		return exception.ByteDereferencing
	case 16:
		return exception.WordDereferencing
	case 32:
		return exception.DWordDereferencing
	default:
		return exception.QWordDereferencing
	}
}

// Kind tags the location an Operand resolves to.
type Kind int

const (
	KindRegister Kind = iota
	KindReg8High             // AH/CH/DH/BH, a distinct kind since it aliases bits 8-15
	KindMemory
	KindImmediate
	KindXMM
	KindYMM
	KindST // x87 stack-relative, ST(i)
)

// Operand is a decoded reference to one instruction operand. Exactly the
// fields relevant to Kind are meaningful; the others are zero.
type Operand struct {
	Kind  Kind
	Reg   registers.Reg
	Bits  int    // operand width in bits: 8/16/32/64/128/256
	Addr  uint64 // effective address, for KindMemory
	Imm   uint64 // immediate value, for KindImmediate
	Index int    // vector/ST register index, for KindXMM/KindYMM/KindST
}

// Context groups the three state stores an operand read/write touches.
// Instruction handlers hold one of these (normally the Emu's own state)
// and pass it to every Operand.Read/Write call.
type Context struct {
	Regs *registers.File
	Mem  *memmap.Space
	FPU  *fpu.State
}

// Reg makes a general-purpose-register operand at the given width.
func Reg(r registers.Reg, bits int) Operand {
	return Operand{Kind: KindRegister, Reg: r, Bits: bits}
}

// Reg8High makes an AH/CH/DH/BH-style high-byte operand.
func Reg8High(r registers.Reg) Operand {
	return Operand{Kind: KindReg8High, Reg: r, Bits: 8}
}

// Mem makes a memory operand at the given effective address and width.
func Mem(addr uint64, bits int) Operand {
	return Operand{Kind: KindMemory, Addr: addr, Bits: bits}
}

// Imm makes an immediate operand; Write on an immediate returns an
// error, matching the architectural rule that immediates are
// never instruction destinations.
func Imm(v uint64, bits int) Operand {
	return Operand{Kind: KindImmediate, Imm: v, Bits: bits}
}

// Xmm makes an XMM[n] operand (the low 128 bits of YMM[n]).
func Xmm(n int) Operand { return Operand{Kind: KindXMM, Index: n, Bits: 128} }

// Ymm makes a full YMM[n] operand.
func Ymm(n int) Operand { return Operand{Kind: KindYMM, Index: n, Bits: 256} }

// St makes an ST(i) operand.
func St(i int) Operand { return Operand{Kind: KindST, Index: i, Bits: 80} }

// Read resolves the operand to its current 64-bit value. For 128/256-bit
// and ST operands use ReadVector/ReadST instead.
func (o Operand) Read(c *Context) (uint64, error) {
	switch o.Kind {
	case KindRegister:
		switch o.Bits {
		case 64:
			return c.Regs.GPR64(o.Reg), nil
		case 32:
			return uint64(c.Regs.GPR32(o.Reg)), nil
		case 16:
			return uint64(c.Regs.GPR16(o.Reg)), nil
		case 8:
			return uint64(c.Regs.GPR8Low(o.Reg)), nil
		}
		return 0, fmt.Errorf("operand: unsupported register width %d", o.Bits)
	case KindReg8High:
		return uint64(c.Regs.GPR8High(o.Reg)), nil
	case KindMemory:
		switch o.Bits {
		case 8:
			v, err := c.Mem.ReadByte(o.Addr)
			return uint64(v), WrapMemoryError(err, derefKind(o.Bits))
		case 16:
			v, err := c.Mem.ReadWord(o.Addr)
			return uint64(v), WrapMemoryError(err, derefKind(o.Bits))
		case 32:
			v, err := c.Mem.ReadDword(o.Addr)
			return uint64(v), WrapMemoryError(err, derefKind(o.Bits))
		case 64:
			v, err := c.Mem.ReadQword(o.Addr)
			return v, WrapMemoryError(err, derefKind(o.Bits))
		}
		return 0, fmt.Errorf("operand: use ReadVector for %d-bit memory operand", o.Bits)
	case KindImmediate:
		return o.Imm, nil
	default:
		return 0, fmt.Errorf("operand: use ReadVector/ReadST for kind %d", o.Kind)
	}
}

// Write stores a 64-bit value to the operand's location. Writing an
// immediate is a programming error.
func (o Operand) Write(c *Context, v uint64) error {
	switch o.Kind {
	case KindRegister:
		switch o.Bits {
		case 64:
			c.Regs.WriteGPR64(o.Reg, v)
		case 32:
			c.Regs.WriteGPR32(o.Reg, uint32(v))
		case 16:
			c.Regs.WriteGPR16(o.Reg, uint16(v))
		case 8:
			c.Regs.WriteGPR8Low(o.Reg, uint8(v))
		default:
			return fmt.Errorf("operand: unsupported register width %d", o.Bits)
		}
		return nil
	case KindReg8High:
		c.Regs.WriteGPR8High(o.Reg, uint8(v))
		return nil
	case KindMemory:
		switch o.Bits {
		case 8:
			return WrapMemoryError(c.Mem.WriteByte(o.Addr, uint8(v)), exception.WritingWord)
		case 16:
			return WrapMemoryError(c.Mem.WriteWord(o.Addr, uint16(v)), exception.WritingWord)
		case 32:
			return WrapMemoryError(c.Mem.WriteDword(o.Addr, uint32(v)), exception.WritingWord)
		case 64:
			return WrapMemoryError(c.Mem.WriteQword(o.Addr, v), exception.WritingWord)
		}
		return fmt.Errorf("operand: use WriteVector for %d-bit memory operand", o.Bits)
	case KindImmediate:
		return fmt.Errorf("operand: cannot write an immediate operand")
	default:
		return fmt.Errorf("operand: use WriteVector/WriteST for kind %d", o.Kind)
	}
}

// ReadVector resolves an XMM, YMM, or 128/256-bit memory operand to four
// 64-bit limbs (only the first two are meaningful for XMM/128-bit memory).
func (o Operand) ReadVector(c *Context) ([4]uint64, error) {
	switch o.Kind {
	case KindXMM:
		lo, hi := c.Regs.XMM(o.Index)
		return [4]uint64{lo, hi, 0, 0}, nil
	case KindYMM:
		return c.Regs.YMM(o.Index), nil
	case KindMemory:
		if o.Bits == 128 {
			lo, hi, err := c.Mem.ReadOword(o.Addr)
			return [4]uint64{lo, hi, 0, 0}, WrapMemoryError(err, exception.ReadingXMMOperand)
		}
		if o.Bits == 256 {
			v, err := c.Mem.ReadYmm(o.Addr)
			return v, WrapMemoryError(err, exception.ReadingXMMOperand)
		}
		return [4]uint64{}, fmt.Errorf("operand: ReadVector on %d-bit memory operand", o.Bits)
	default:
		return [4]uint64{}, fmt.Errorf("operand: ReadVector unsupported for kind %d", o.Kind)
	}
}

// WriteVector stores four 64-bit limbs to an XMM, YMM, or 128/256-bit
// memory operand.
func (o Operand) WriteVector(c *Context, v [4]uint64) error {
	switch o.Kind {
	case KindXMM:
		c.Regs.WriteXMM(o.Index, v[0], v[1])
		return nil
	case KindYMM:
		c.Regs.WriteYMM(o.Index, v)
		return nil
	case KindMemory:
		if o.Bits == 128 {
			return WrapMemoryError(c.Mem.WriteOword(o.Addr, v[0], v[1]), exception.SettingXMMOperand)
		}
		if o.Bits == 256 {
			return WrapMemoryError(c.Mem.WriteYmm(o.Addr, v), exception.SettingXMMOperand)
		}
		return fmt.Errorf("operand: WriteVector on %d-bit memory operand", o.Bits)
	default:
		return fmt.Errorf("operand: WriteVector unsupported for kind %d", o.Kind)
	}
}

// ReadST resolves an ST(i) operand via the FPU stack.
func (o Operand) ReadST(c *Context) (fpu.F80, error) {
	if o.Kind != KindST {
		return fpu.F80{}, fmt.Errorf("operand: ReadST on non-ST operand")
	}
	return c.FPU.ST(o.Index), nil
}

// WriteST overwrites an ST(i) operand in place via the FPU stack.
func (o Operand) WriteST(c *Context, v fpu.F80) error {
	if o.Kind != KindST {
		return fmt.Errorf("operand: WriteST on non-ST operand")
	}
	c.FPU.WriteST(o.Index, v)
	return nil
}
