/*
 * x86emu - REP-prefixed string primitives: MOVS/CMPS/SCAS/STOS/LODS.
 * Each dispatch cycle performs exactly one iteration; the REP driver
 * decrements the counter, honors the DF direction flag, and reports
 * whether Step should re-enter the same instruction on the next cycle
 * (mid-REP) rather than advance IP.
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
	"github.com/hollowbyte/x86emu/internal/exception"
	"github.com/hollowbyte/x86emu/internal/operand"
	"github.com/hollowbyte/x86emu/internal/registers"
)

func init() {
	register([]string{"MOVSB", "MOVSW", "MOVSD", "MOVSQ"}, repHandler(movsIter))
	register([]string{"CMPSB", "CMPSW", "CMPSD", "CMPSQ"}, repHandler(cmpsIter))
	register([]string{"SCASB", "SCASW", "SCASD", "SCASQ"}, repHandler(scasIter))
	register([]string{"STOSB", "STOSW", "STOSD", "STOSQ"}, repHandler(stosIter))
	register([]string{"LODSB", "LODSW", "LODSD", "LODSQ"}, repHandler(lodsIter))
}

// stringIter performs one REP iteration's memory work and reports the
// ZF-style condition (true = "equal"/"match") that REPE/REPNE test to
// decide whether to continue.
type stringIter func(c *Context, ins *Instruction) (zCond bool, err error)

func (c *Context) indexReg(r registers.Reg) uint64 {
	if c.Bits == 64 {
		return c.Op.Regs.GPR64(r)
	}
	return uint64(c.Op.Regs.GPR32(r))
}

func (c *Context) writeIndexReg(r registers.Reg, v uint64) {
	if c.Bits == 64 {
		c.Op.Regs.WriteGPR64(r, v)
	} else {
		c.Op.Regs.WriteGPR32(r, uint32(v))
	}
}

func derefKindForBits(bits int) exception.Type {
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

func (c *Context) readMem(addr uint64, bits int) (uint64, error) {
	var v uint64
	var err error
	switch bits {
	case 8:
		var v8 uint8
		v8, err = c.Op.Mem.ReadByte(addr)
		v = uint64(v8)
	case 16:
		var v16 uint16
		v16, err = c.Op.Mem.ReadWord(addr)
		v = uint64(v16)
	case 32:
		var v32 uint32
		v32, err = c.Op.Mem.ReadDword(addr)
		v = uint64(v32)
	default:
		v, err = c.Op.Mem.ReadQword(addr)
	}
	return v, operand.WrapMemoryError(err, derefKindForBits(bits))
}

func (c *Context) writeMem(addr uint64, bits int, v uint64) error {
	var err error
	switch bits {
	case 8:
		err = c.Op.Mem.WriteByte(addr, uint8(v))
	case 16:
		err = c.Op.Mem.WriteWord(addr, uint16(v))
	case 32:
		err = c.Op.Mem.WriteDword(addr, uint32(v))
	default:
		err = c.Op.Mem.WriteQword(addr, v)
	}
	return operand.WrapMemoryError(err, exception.WritingWord)
}

func (c *Context) step(bits int) uint64 {
	delta := uint64(bits / 8)
	if c.Flags.DF {
		return ^delta + 1 // -delta, two's complement
	}
	return delta
}

func movsIter(c *Context, ins *Instruction) (bool, error) {
	si, di := c.indexReg(registers.RSI), c.indexReg(registers.RDI)
	v, err := c.readMem(si, ins.Bits)
	if err != nil {
		return false, err
	}
	if err := c.writeMem(di, ins.Bits, v); err != nil {
		return false, err
	}
	delta := c.step(ins.Bits)
	c.writeIndexReg(registers.RSI, si+delta)
	c.writeIndexReg(registers.RDI, di+delta)
	return true, nil
}

func cmpsIter(c *Context, ins *Instruction) (bool, error) {
	si, di := c.indexReg(registers.RSI), c.indexReg(registers.RDI)
	a, err := c.readMem(si, ins.Bits)
	if err != nil {
		return false, err
	}
	b, err := c.readMem(di, ins.Bits)
	if err != nil {
		return false, err
	}
	c.Flags.Cmp(a, b, fw(ins.Bits))
	delta := c.step(ins.Bits)
	c.writeIndexReg(registers.RSI, si+delta)
	c.writeIndexReg(registers.RDI, di+delta)
	return c.Flags.ZF, nil
}

func scasIter(c *Context, ins *Instruction) (bool, error) {
	di := c.indexReg(registers.RDI)
	acc, err := readAccumulator(c, ins.Bits)
	if err != nil {
		return false, err
	}
	v, err := c.readMem(di, ins.Bits)
	if err != nil {
		return false, err
	}
	c.Flags.Cmp(acc, v, fw(ins.Bits))
	c.writeIndexReg(registers.RDI, di+c.step(ins.Bits))
	return c.Flags.ZF, nil
}

func stosIter(c *Context, ins *Instruction) (bool, error) {
	di := c.indexReg(registers.RDI)
	acc, err := readAccumulator(c, ins.Bits)
	if err != nil {
		return false, err
	}
	if err := c.writeMem(di, ins.Bits, acc); err != nil {
		return false, err
	}
	c.writeIndexReg(registers.RDI, di+c.step(ins.Bits))
	return true, nil
}

func lodsIter(c *Context, ins *Instruction) (bool, error) {
	si := c.indexReg(registers.RSI)
	v, err := c.readMem(si, ins.Bits)
	if err != nil {
		return false, err
	}
	if err := writeAccumulatorLow(c, ins.Bits, v); err != nil {
		return false, err
	}
	c.writeIndexReg(registers.RSI, si+c.step(ins.Bits))
	return true, nil
}

// writeAccumulatorLow writes AL/AX/EAX/RAX, LODS's implicit destination.
func writeAccumulatorLow(c *Context, bits int, v uint64) error {
	switch bits {
	case 8:
		c.Op.Regs.WriteGPR8Low(registers.RAX, uint8(v))
	case 16:
		c.Op.Regs.WriteGPR16(registers.RAX, uint16(v))
	case 32:
		c.Op.Regs.WriteGPR32(registers.RAX, uint32(v))
	default:
		c.Op.Regs.WriteGPR64(registers.RAX, v)
	}
	return nil
}

// repHandler adapts a stringIter into the ordinary Handler contract,
// driving the REP/REPE/REPNE loop one iteration per dispatch cycle.
func repHandler(iter stringIter) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		if ins.Rep == RepNone {
			_, err := iter(c, ins)
			return err == nil, err
		}
		cx := c.indexReg(registers.RCX)
		if cx == 0 {
			return true, nil
		}
		zCond, err := iter(c, ins)
		if err != nil {
			return false, err
		}
		cx--
		c.writeIndexReg(registers.RCX, cx)
		if cx == 0 {
			return true, nil
		}
		switch ins.Rep {
		case Repe:
			if !zCond {
				return true, nil
			}
		case Repne:
			if zCond {
				return true, nil
			}
		}
		return false, nil
	}
}
