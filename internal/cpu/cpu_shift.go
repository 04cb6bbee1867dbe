/*
 * x86emu - Shift and rotate instruction handlers.
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

func init() {
	register([]string{"SHL", "SAL"}, opShl)
	register([]string{"SHR"}, opShr)
	register([]string{"SAR"}, opSar)
	register([]string{"ROL"}, opRol)
	register([]string{"ROR"}, opRor)
	register([]string{"RCL"}, opRcl)
	register([]string{"RCR"}, opRcr)
}

// shiftArgs reads the destination and the shift count, the second operand
// (an immediate or CL), masked the way the architecture masks it: 5 bits
// for 8/16/32-bit forms, 6 bits for 64-bit.
func shiftArgs(c *Context, ins *Instruction) (dst uint64, count uint, bits int, err error) {
	d := ins.Op(0)
	dst, err = d.Read(c.Op)
	if err != nil {
		return 0, 0, 0, err
	}
	cnt, err := ins.Op(1).Read(c.Op)
	if err != nil {
		return 0, 0, 0, err
	}
	if d.Bits == 64 {
		count = uint(cnt & 0x3F)
	} else {
		count = uint(cnt & 0x1F)
	}
	return dst, count, d.Bits, nil
}

func opShl(c *Context, ins *Instruction) (bool, error) {
	dst, count, bits, err := shiftArgs(c, ins)
	if err != nil {
		return false, err
	}
	r := c.Flags.Shl(dst, count, fw(bits))
	return true, ins.Op(0).Write(c.Op, r)
}

func opShr(c *Context, ins *Instruction) (bool, error) {
	dst, count, bits, err := shiftArgs(c, ins)
	if err != nil {
		return false, err
	}
	r := c.Flags.Shr(dst, count, fw(bits))
	return true, ins.Op(0).Write(c.Op, r)
}

func opSar(c *Context, ins *Instruction) (bool, error) {
	dst, count, bits, err := shiftArgs(c, ins)
	if err != nil {
		return false, err
	}
	r := c.Flags.Sar(dst, count, fw(bits))
	return true, ins.Op(0).Write(c.Op, r)
}

func opRol(c *Context, ins *Instruction) (bool, error) {
	dst, count, bits, err := shiftArgs(c, ins)
	if err != nil {
		return false, err
	}
	r := c.Flags.Rol(dst, count, fw(bits))
	return true, ins.Op(0).Write(c.Op, r)
}

func opRor(c *Context, ins *Instruction) (bool, error) {
	dst, count, bits, err := shiftArgs(c, ins)
	if err != nil {
		return false, err
	}
	r := c.Flags.Ror(dst, count, fw(bits))
	return true, ins.Op(0).Write(c.Op, r)
}

func opRcl(c *Context, ins *Instruction) (bool, error) {
	dst, count, bits, err := shiftArgs(c, ins)
	if err != nil {
		return false, err
	}
	r := c.Flags.Rcl(dst, count, fw(bits))
	return true, ins.Op(0).Write(c.Op, r)
}

func opRcr(c *Context, ins *Instruction) (bool, error) {
	dst, count, bits, err := shiftArgs(c, ins)
	if err != nil {
		return false, err
	}
	r := c.Flags.Rcr(dst, count, fw(bits))
	return true, ins.Op(0).Write(c.Op, r)
}
