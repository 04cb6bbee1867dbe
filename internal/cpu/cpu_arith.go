/*
 * x86emu - Arithmetic and logical instruction handlers.
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
)

func init() {
	register([]string{"ADD"}, opAdd)
	register([]string{"ADC"}, opAdc)
	register([]string{"SUB"}, opSub)
	register([]string{"SBB"}, opSbb)
	register([]string{"CMP"}, opCmp)
	register([]string{"AND"}, opAnd)
	register([]string{"OR"}, opOr)
	register([]string{"XOR"}, opXor)
	register([]string{"TEST"}, opTest)
	register([]string{"NOT"}, opNot)
	register([]string{"NEG"}, opNeg)
	register([]string{"INC"}, opInc)
	register([]string{"DEC"}, opDec)
	register([]string{"MUL"}, opMul)
	register([]string{"IMUL"}, opIMul)
	register([]string{"DIV"}, opDiv)
	register([]string{"IDIV"}, opIDiv)
}

// Fault is returned by arithmetic handlers that need internal/emu to route
// a typed exception.Type to the exception dispatcher rather than abort the
// whole run; Step still treats it as a normal Go error (IP does not
// advance), but the caller can unwrap it to decide whether to call
// exception.Dispatcher.Deliver and continue past the faulting instruction.
// It is an alias for exception.Fault (rather than a distinct type) so that
// internal/operand, which cannot import internal/cpu, can construct the
// same routable fault for memory-access errors and have handleFault's
// errors.As(*Fault) pick it up uniformly.
type Fault = exception.Fault

func readTwo(c *Context, ins *Instruction) (dst, src uint64, bits int, err error) {
	d := ins.Op(0)
	s := ins.Op(1)
	dst, err = d.Read(c.Op)
	if err != nil {
		return 0, 0, 0, err
	}
	src, err = s.Read(c.Op)
	if err != nil {
		return 0, 0, 0, err
	}
	return dst, src, d.Bits, nil
}

func opAdd(c *Context, ins *Instruction) (bool, error) {
	dst, src, bits, err := readTwo(c, ins)
	if err != nil {
		return false, err
	}
	r := c.Flags.Add(dst, src, fw(bits))
	if err := ins.Op(0).Write(c.Op, r); err != nil {
		return false, err
	}
	return true, nil
}

func opAdc(c *Context, ins *Instruction) (bool, error) {
	dst, src, bits, err := readTwo(c, ins)
	if err != nil {
		return false, err
	}
	cin := uint64(0)
	if c.Flags.CF {
		cin = 1
	}
	r := c.Flags.Add(dst, src+cin, fw(bits))
	if err := ins.Op(0).Write(c.Op, r); err != nil {
		return false, err
	}
	return true, nil
}

func opSub(c *Context, ins *Instruction) (bool, error) {
	dst, src, bits, err := readTwo(c, ins)
	if err != nil {
		return false, err
	}
	r := c.Flags.Sub(dst, src, fw(bits))
	if err := ins.Op(0).Write(c.Op, r); err != nil {
		return false, err
	}
	return true, nil
}

func opSbb(c *Context, ins *Instruction) (bool, error) {
	dst, src, bits, err := readTwo(c, ins)
	if err != nil {
		return false, err
	}
	cin := uint64(0)
	if c.Flags.CF {
		cin = 1
	}
	r := c.Flags.Sub(dst, src+cin, fw(bits))
	if err := ins.Op(0).Write(c.Op, r); err != nil {
		return false, err
	}
	return true, nil
}

func opCmp(c *Context, ins *Instruction) (bool, error) {
	dst, src, bits, err := readTwo(c, ins)
	if err != nil {
		return false, err
	}
	c.Flags.Cmp(dst, src, fw(bits))
	return true, nil
}

func opAnd(c *Context, ins *Instruction) (bool, error) {
	dst, src, bits, err := readTwo(c, ins)
	if err != nil {
		return false, err
	}
	r := c.Flags.And(dst, src, fw(bits))
	if err := ins.Op(0).Write(c.Op, r); err != nil {
		return false, err
	}
	return true, nil
}

func opOr(c *Context, ins *Instruction) (bool, error) {
	dst, src, bits, err := readTwo(c, ins)
	if err != nil {
		return false, err
	}
	r := c.Flags.Or(dst, src, fw(bits))
	if err := ins.Op(0).Write(c.Op, r); err != nil {
		return false, err
	}
	return true, nil
}

func opXor(c *Context, ins *Instruction) (bool, error) {
	dst, src, bits, err := readTwo(c, ins)
	if err != nil {
		return false, err
	}
	r := c.Flags.Xor(dst, src, fw(bits))
	if err := ins.Op(0).Write(c.Op, r); err != nil {
		return false, err
	}
	return true, nil
}

func opTest(c *Context, ins *Instruction) (bool, error) {
	dst, src, bits, err := readTwo(c, ins)
	if err != nil {
		return false, err
	}
	c.Flags.And(dst, src, fw(bits))
	return true, nil
}

func opNot(c *Context, ins *Instruction) (bool, error) {
	d := ins.Op(0)
	v, err := d.Read(c.Op)
	if err != nil {
		return false, err
	}
	r := (^v) & mask(d.Bits)
	return true, d.Write(c.Op, r)
}

func opNeg(c *Context, ins *Instruction) (bool, error) {
	d := ins.Op(0)
	v, err := d.Read(c.Op)
	if err != nil {
		return false, err
	}
	r := c.Flags.Sub(0, v, fw(d.Bits))
	c.Flags.CF = v != 0
	return true, d.Write(c.Op, r)
}

func opInc(c *Context, ins *Instruction) (bool, error) {
	d := ins.Op(0)
	v, err := d.Read(c.Op)
	if err != nil {
		return false, err
	}
	r := c.Flags.Inc(v, fw(d.Bits))
	return true, d.Write(c.Op, r)
}

func opDec(c *Context, ins *Instruction) (bool, error) {
	d := ins.Op(0)
	v, err := d.Read(c.Op)
	if err != nil {
		return false, err
	}
	r := c.Flags.Dec(v, fw(d.Bits))
	return true, d.Write(c.Op, r)
}

// opMul/opIMul implement the single-operand form: AL/AX/EAX/RAX (or
// AH:AL etc.) times the operand, high half into the implicit register.
func opMul(c *Context, ins *Instruction) (bool, error) {
	d := ins.Op(0)
	src, err := d.Read(c.Op)
	if err != nil {
		return false, err
	}
	acc, err := readAccumulator(c, d.Bits)
	if err != nil {
		return false, err
	}
	lo, hi := c.Flags.Mul(acc, src, fw(d.Bits))
	return true, writeMulResult(c, d.Bits, lo, hi)
}

func opIMul(c *Context, ins *Instruction) (bool, error) {
	if len(ins.Ops) >= 2 {
		return imulMultiOperand(c, ins)
	}
	d := ins.Op(0)
	src, err := d.Read(c.Op)
	if err != nil {
		return false, err
	}
	acc, err := readAccumulator(c, d.Bits)
	if err != nil {
		return false, err
	}
	lo, hi := c.Flags.IMul(acc, src, fw(d.Bits))
	return true, writeMulResult(c, d.Bits, lo, hi)
}

// imulMultiOperand handles the two- and three-operand IMUL forms, which
// discard the high half entirely (CF/OF still reflect truncation).
func imulMultiOperand(c *Context, ins *Instruction) (bool, error) {
	dst := ins.Op(0)
	var src1, src2 operand.Operand
	if len(ins.Ops) == 3 {
		src1, src2 = ins.Op(1), ins.Op(2)
	} else {
		src1, src2 = dst, ins.Op(1)
	}
	a, err := src1.Read(c.Op)
	if err != nil {
		return false, err
	}
	b, err := src2.Read(c.Op)
	if err != nil {
		return false, err
	}
	lo, _ := c.Flags.IMul(a, b, fw(dst.Bits))
	return true, dst.Write(c.Op, lo)
}

func opDiv(c *Context, ins *Instruction) (bool, error) {
	return divide(c, ins, false)
}

func opIDiv(c *Context, ins *Instruction) (bool, error) {
	return divide(c, ins, true)
}

func divide(c *Context, ins *Instruction, signed bool) (bool, error) {
	d := ins.Op(0)
	src, err := d.Read(c.Op)
	if err != nil {
		return false, err
	}
	src &= mask(d.Bits)
	if src == 0 {
		return false, &Fault{Kind: exception.Div0}
	}
	dividend, err := readWideAccumulator(c, d.Bits)
	if err != nil {
		return false, err
	}
	var q, r uint64
	if signed {
		sd := signExtendWide(dividend, d.Bits)
		sv := signExtendOperand(src, d.Bits)
		if sv == 0 {
			return false, &Fault{Kind: exception.Div0}
		}
		sq := sd / sv
		sr := sd % sv
		if overflowsOperand(sq, d.Bits) {
			return false, &Fault{Kind: exception.SignChangeOnDivision}
		}
		q, r = uint64(sq), uint64(sr)
	} else {
		q = dividend / src
		r = dividend % src
		if d.Bits < 64 && q > mask(d.Bits) {
			return false, &Fault{Kind: exception.SignChangeOnDivision}
		}
	}
	return true, writeDivResult(c, d.Bits, q, r)
}
