/*
 * x86emu - Implicit-accumulator helpers for MUL/IMUL/DIV/IDIV.
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

package cpu

import "github.com/hollowbyte/x86emu/internal/registers"

// readAccumulator reads AL/AX/EAX/RAX, the single-operand MUL/IMUL's
// implicit first factor.
func readAccumulator(c *Context, bits int) (uint64, error) {
	switch bits {
	case 8:
		return uint64(c.Op.Regs.GPR8Low(registers.RAX)), nil
	case 16:
		return uint64(c.Op.Regs.GPR16(registers.RAX)), nil
	case 32:
		return uint64(c.Op.Regs.GPR32(registers.RAX)), nil
	default:
		return c.Op.Regs.GPR64(registers.RAX), nil
	}
}

// writeMulResult stores MUL/IMUL's (lo, hi) pair into the implicit
// destination: AX for the 8-bit form, DX:AX/EDX:EAX/RDX:RAX otherwise.
func writeMulResult(c *Context, bits int, lo, hi uint64) error {
	switch bits {
	case 8:
		c.Op.Regs.WriteGPR16(registers.RAX, uint16((hi<<8)|(lo&0xFF)))
	case 16:
		c.Op.Regs.WriteGPR16(registers.RAX, uint16(lo))
		c.Op.Regs.WriteGPR16(registers.RDX, uint16(hi))
	case 32:
		c.Op.Regs.WriteGPR32(registers.RAX, uint32(lo))
		c.Op.Regs.WriteGPR32(registers.RDX, uint32(hi))
	default:
		c.Op.Regs.WriteGPR64(registers.RAX, lo)
		c.Op.Regs.WriteGPR64(registers.RDX, hi)
	}
	return nil
}

// readWideAccumulator reads DIV/IDIV's double-width dividend: AX,
// DX:AX, EDX:EAX, or RDX:RAX. The 64-bit form assumes RDX is the sign/
// zero extension of RAX (true 128-bit dividends are not modeled).
func readWideAccumulator(c *Context, bits int) (uint64, error) {
	switch bits {
	case 8:
		return uint64(c.Op.Regs.GPR16(registers.RAX)), nil
	case 16:
		ax := uint64(c.Op.Regs.GPR16(registers.RAX))
		dx := uint64(c.Op.Regs.GPR16(registers.RDX))
		return (dx << 16) | ax, nil
	case 32:
		eax := uint64(c.Op.Regs.GPR32(registers.RAX))
		edx := uint64(c.Op.Regs.GPR32(registers.RDX))
		return (edx << 32) | eax, nil
	default:
		return c.Op.Regs.GPR64(registers.RAX), nil
	}
}

// writeDivResult stores DIV/IDIV's (quotient, remainder) pair into the
// implicit destination pair matching readWideAccumulator's layout.
func writeDivResult(c *Context, bits int, q, r uint64) error {
	switch bits {
	case 8:
		c.Op.Regs.WriteGPR8Low(registers.RAX, uint8(q))
		c.Op.Regs.WriteGPR8High(registers.RAX, uint8(r))
	case 16:
		c.Op.Regs.WriteGPR16(registers.RAX, uint16(q))
		c.Op.Regs.WriteGPR16(registers.RDX, uint16(r))
	case 32:
		c.Op.Regs.WriteGPR32(registers.RAX, uint32(q))
		c.Op.Regs.WriteGPR32(registers.RDX, uint32(r))
	default:
		c.Op.Regs.WriteGPR64(registers.RAX, q)
		c.Op.Regs.WriteGPR64(registers.RDX, r)
	}
	return nil
}

// signExtendWide sign-extends a double-width dividend (bits*2 wide, or
// 64-bit for the RDX:RAX case) to int64.
func signExtendWide(v uint64, bits int) int64 {
	switch bits {
	case 8:
		return int64(int16(v))
	case 16:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

// signExtendOperand sign-extends a single-width value to int64.
func signExtendOperand(v uint64, bits int) int64 {
	switch bits {
	case 8:
		return int64(int8(v))
	case 16:
		return int64(int16(v))
	case 32:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

// overflowsOperand reports whether v does not fit back into a signed
// value of the given width, the IDIV "#DE on signed overflow" condition.
// The 64-bit case cannot be detected with int64 arithmetic alone and is
// never flagged.
func overflowsOperand(v int64, bits int) bool {
	switch bits {
	case 8:
		return v < -128 || v > 127
	case 16:
		return v < -32768 || v > 32767
	case 32:
		return v < -2147483648 || v > 2147483647
	default:
		return false
	}
}
