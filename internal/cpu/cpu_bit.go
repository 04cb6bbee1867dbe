/*
 * x86emu - Bit-manipulation and atomic-compare handlers: BSF/BSR/TZCNT/
 * LZCNT, BSWAP, CMPXCHG/CMPXCHG8B/CMPXCHG16B, CRC32.
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

import (
	"math/bits"

	"github.com/hollowbyte/x86emu/internal/exception"
	"github.com/hollowbyte/x86emu/internal/operand"
	"github.com/hollowbyte/x86emu/internal/registers"
)

func init() {
	register([]string{"BSF"}, bitScan(false))
	register([]string{"BSR"}, bitScan(true))
	register([]string{"TZCNT"}, countOp(true))
	register([]string{"LZCNT"}, countOp(false))
	register([]string{"BSWAP"}, opBswap)
	register([]string{"CMPXCHG"}, opCmpxchg)
	register([]string{"CMPXCHG8B"}, opCmpxchg8b)
	register([]string{"CMPXCHG16B"}, opCmpxchg16b)
	register([]string{"CRC32"}, opCrc32)
}

// bitScan implements BSF (reverse=false) and BSR (reverse=true): a zero
// source leaves the destination undefined (left untouched here) but sets
// ZF; a non-zero source clears ZF and writes the bit index.
func bitScan(reverse bool) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		src, err := ins.Op(1).Read(c.Op)
		if err != nil {
			return false, err
		}
		v := src & mask(ins.Bits)
		if v == 0 {
			c.Flags.ZF = true
			return true, nil
		}
		c.Flags.ZF = false
		var idx uint64
		if reverse {
			idx = uint64(ins.Bits) - 1 - uint64(leadingZeros(v, ins.Bits))
		} else {
			idx = uint64(bits.TrailingZeros64(v))
		}
		return true, ins.Op(0).Write(c.Op, idx)
	}
}

func leadingZeros(v uint64, width int) int {
	switch width {
	case 8:
		return bits.LeadingZeros8(uint8(v))
	case 16:
		return bits.LeadingZeros16(uint16(v))
	case 32:
		return bits.LeadingZeros32(uint32(v))
	default:
		return bits.LeadingZeros64(v)
	}
}

// countOp implements TZCNT (trailing=true) and LZCNT (trailing=false):
// unlike BSF/BSR, a zero source yields the operand width rather than an
// undefined destination, and CF (not just ZF) reports an all-zero source.
func countOp(trailing bool) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		src, err := ins.Op(1).Read(c.Op)
		if err != nil {
			return false, err
		}
		v := src & mask(ins.Bits)
		var n int
		if trailing {
			if v == 0 {
				n = ins.Bits
			} else {
				n = bits.TrailingZeros64(v)
			}
		} else {
			n = leadingZeros(v, ins.Bits)
		}
		c.Flags.CF = v == 0
		c.Flags.ZF = n == 0
		return true, ins.Op(0).Write(c.Op, uint64(n))
	}
}

// opBswap reverses the byte order of a 32- or 64-bit register. 16-bit
// BSWAP is architecturally undefined; this engine writes zero and logs,
// rather than raising #UD, matching the behavior carried forward from
// the reference implementation.
func opBswap(c *Context, ins *Instruction) (bool, error) {
	d := ins.Op(0)
	switch d.Bits {
	case 16:
		c.logf("BSWAP on 16-bit operand is undefined; writing zero")
		return true, d.Write(c.Op, 0)
	case 32:
		v, err := d.Read(c.Op)
		if err != nil {
			return false, err
		}
		return true, d.Write(c.Op, uint64(bits.ReverseBytes32(uint32(v))))
	default:
		v, err := d.Read(c.Op)
		if err != nil {
			return false, err
		}
		return true, d.Write(c.Op, bits.ReverseBytes64(v))
	}
}

// opCmpxchg compares the accumulator (AL/AX/EAX/RAX) against the
// destination: equal writes the source to the destination and sets ZF;
// not-equal loads the accumulator from the destination and clears ZF.
func opCmpxchg(c *Context, ins *Instruction) (bool, error) {
	dst, src := ins.Op(0), ins.Op(1)
	acc, err := readAccumulator(c, dst.Bits)
	if err != nil {
		return false, err
	}
	cur, err := dst.Read(c.Op)
	if err != nil {
		return false, err
	}
	c.Flags.Cmp(acc, cur, fw(dst.Bits))
	if acc == cur&mask(dst.Bits) {
		sv, err := src.Read(c.Op)
		if err != nil {
			return false, err
		}
		return true, dst.Write(c.Op, sv)
	}
	return true, writeAccumulatorLow(c, dst.Bits, cur)
}

// opCmpxchg8b compares EDX:EAX against an 8-byte memory operand: equal
// writes ECX:EBX and sets ZF; not-equal loads EDX:EAX from memory and
// clears ZF.
func opCmpxchg8b(c *Context, ins *Instruction) (bool, error) {
	addr := ins.Op(0).Addr
	cur, err := c.Op.Mem.ReadQword(addr)
	if err != nil {
		return false, operand.WrapMemoryError(err, exception.QWordDereferencing)
	}
	edx := uint64(c.Op.Regs.GPR32(registers.RDX))
	eax := uint64(c.Op.Regs.GPR32(registers.RAX))
	cmp := (edx << 32) | eax
	if cur == cmp {
		c.Flags.ZF = true
		ecx := uint64(c.Op.Regs.GPR32(registers.RCX))
		ebx := uint64(c.Op.Regs.GPR32(registers.RBX))
		return true, operand.WrapMemoryError(c.Op.Mem.WriteQword(addr, (ecx<<32)|ebx), exception.WritingWord)
	}
	c.Flags.ZF = false
	c.Op.Regs.WriteGPR32(registers.RDX, uint32(cur>>32))
	c.Op.Regs.WriteGPR32(registers.RAX, uint32(cur))
	return true, nil
}

// opCmpxchg16b is CMPXCHG8B's 128-bit form: RDX:RAX compared against a
// 16-byte memory operand, RCX:RBX written on match.
func opCmpxchg16b(c *Context, ins *Instruction) (bool, error) {
	addr := ins.Op(0).Addr
	curLo, err := c.Op.Mem.ReadQword(addr)
	if err != nil {
		return false, operand.WrapMemoryError(err, exception.QWordDereferencing)
	}
	curHi, err := c.Op.Mem.ReadQword(addr + 8)
	if err != nil {
		return false, operand.WrapMemoryError(err, exception.QWordDereferencing)
	}
	rax := c.Op.Regs.GPR64(registers.RAX)
	rdx := c.Op.Regs.GPR64(registers.RDX)
	if curLo == rax && curHi == rdx {
		c.Flags.ZF = true
		rbx := c.Op.Regs.GPR64(registers.RBX)
		rcx := c.Op.Regs.GPR64(registers.RCX)
		if err := c.Op.Mem.WriteQword(addr, rbx); err != nil {
			return false, operand.WrapMemoryError(err, exception.WritingWord)
		}
		return true, operand.WrapMemoryError(c.Op.Mem.WriteQword(addr+8, rcx), exception.WritingWord)
	}
	c.Flags.ZF = false
	c.Op.Regs.WriteGPR64(registers.RAX, curLo)
	c.Op.Regs.WriteGPR64(registers.RDX, curHi)
	return true, nil
}

// crc32Table is the reflected Castagnoli (0x1EDC6F41) CRC-32C table.
var crc32Table = buildCRC32CTable()

func buildCRC32CTable() [256]uint32 {
	const poly = 0x82F63B78 // bit-reflected 0x1EDC6F41
	var t [256]uint32
	for i := 0; i < 256; i++ {
		crc := uint32(i)
		for b := 0; b < 8; b++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}

// opCrc32 accumulates a CRC-32C over the source operand's bytes,
// reflected input/output, into the low bits of the destination.
func opCrc32(c *Context, ins *Instruction) (bool, error) {
	dst, src := ins.Op(0), ins.Op(1)
	sv, err := src.Read(c.Op)
	if err != nil {
		return false, err
	}
	dv, err := dst.Read(c.Op)
	if err != nil {
		return false, err
	}
	crc := uint32(dv)
	n := src.Bits / 8
	for i := 0; i < n; i++ {
		b := byte(sv >> (8 * i))
		crc = crc32Table[byte(crc)^b] ^ (crc >> 8)
	}
	return true, dst.Write(c.Op, uint64(crc))
}
