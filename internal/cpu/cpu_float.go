/*
 * x86emu - x87 FPU instruction handlers: load/store, arithmetic,
 * transcendentals, comparisons, and environment save/restore, wired
 * against internal/fpu's 80-bit register stack.
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
	"fmt"
	"math"

	"github.com/hollowbyte/x86emu/internal/exception"
	"github.com/hollowbyte/x86emu/internal/fpu"
	"github.com/hollowbyte/x86emu/internal/operand"
)

func init() {
	register([]string{"FLD"}, opFld)
	register([]string{"FST"}, opFst)
	register([]string{"FSTP"}, opFstp)

	register([]string{"FADD"}, fpBinary(fpAdd, false, false))
	register([]string{"FADDP"}, fpBinary(fpAdd, false, true))
	register([]string{"FSUB"}, fpBinary(fpSub, false, false))
	register([]string{"FSUBP"}, fpBinary(fpSub, false, true))
	register([]string{"FSUBR"}, fpBinary(fpSub, true, false))
	register([]string{"FSUBRP"}, fpBinary(fpSub, true, true))
	register([]string{"FMUL"}, fpBinary(fpMul, false, false))
	register([]string{"FMULP"}, fpBinary(fpMul, false, true))
	register([]string{"FDIV"}, fpBinary(fpDiv, false, false))
	register([]string{"FDIVP"}, fpBinary(fpDiv, false, true))
	register([]string{"FDIVR"}, fpBinary(fpDiv, true, false))
	register([]string{"FDIVRP"}, fpBinary(fpDiv, true, true))

	register([]string{"FSQRT"}, opFsqrt)
	register([]string{"FSIN"}, opFsin)
	register([]string{"FCOS"}, opFcos)
	register([]string{"FYL2X"}, opFyl2x)
	register([]string{"FYL2XP1"}, opFyl2xp1)
	register([]string{"F2XM1"}, opF2xm1)
	register([]string{"FPTAN"}, opFptan)
	register([]string{"FXCH"}, opFxch)

	register([]string{"FINIT", "FNINIT"}, opFinit)
	register([]string{"FLDCW"}, opFldcw)
	register([]string{"FSTCW", "FNSTCW"}, opFstcw)
	register([]string{"FSTSW", "FNSTSW"}, opFstsw)
	register([]string{"FSAVE", "FNSAVE"}, opFsave)
	register([]string{"FRSTOR"}, opFrstor)
	register([]string{"FXSAVE"}, opFxsave)
	register([]string{"FXRSTOR"}, opFxrstor)
	register([]string{"FBSTP"}, opFbstp)
	register([]string{"FBLD"}, opFbld)

	register([]string{"FCOM"}, fcomOp(0))
	register([]string{"FCOMP"}, fcomOp(1))
	register([]string{"FCOMPP"}, fcomOp(2))
	register([]string{"FUCOMI"}, fucomiOp(false))
	register([]string{"FUCOMIP"}, fucomiOp(true))
	register([]string{"FXAM"}, opFxam)
	register([]string{"FABS"}, opFabs)
	register([]string{"FCHS"}, opFchs)

	register([]string{"FLD1"}, fldConst(1))
	register([]string{"FLDZ"}, fldConst(0))
	register([]string{"FLDPI"}, fldConst(math.Pi))
	register([]string{"FLDL2E"}, fldConst(math.Log2E))
	register([]string{"FLDL2T"}, fldConst(math.Log2(10)))
	register([]string{"FLDLG2"}, fldConst(math.Log10(2)))
	register([]string{"FLDLN2"}, fldConst(math.Ln2))
}

// readF80 and writeF80 handle the 10-byte in-memory extended-precision
// image FLD/FSTP/FSAVE use for m80 operands: 8 mantissa bytes, then a
// sign bit packed with the 15-bit exponent.
func (c *Context) readF80(addr uint64) (fpu.F80, error) {
	mant, err := c.Op.Mem.ReadQword(addr)
	if err != nil {
		return fpu.F80{}, operand.WrapMemoryError(err, exception.QWordDereferencing)
	}
	se, err := c.Op.Mem.ReadWord(addr + 8)
	if err != nil {
		return fpu.F80{}, operand.WrapMemoryError(err, exception.WordDereferencing)
	}
	return fpu.F80{Sign: se&0x8000 != 0, Exponent: se & 0x7FFF, Mantissa: mant}, nil
}

func (c *Context) writeF80(addr uint64, v fpu.F80) error {
	if err := c.Op.Mem.WriteQword(addr, v.Mantissa); err != nil {
		return operand.WrapMemoryError(err, exception.WritingWord)
	}
	se := v.Exponent & 0x7FFF
	if v.Sign {
		se |= 0x8000
	}
	return operand.WrapMemoryError(c.Op.Mem.WriteWord(addr+8, se), exception.WritingWord)
}

// fpOperandValue resolves an ST or m32/m64/m80 operand to an F80.
func (c *Context) fpOperandValue(o operand.Operand) (fpu.F80, error) {
	switch o.Kind {
	case operand.KindST:
		return o.ReadST(c.Op)
	case operand.KindMemory:
		switch o.Bits {
		case 32:
			v, err := c.Op.Mem.ReadDword(o.Addr)
			if err != nil {
				return fpu.F80{}, operand.WrapMemoryError(err, exception.DWordDereferencing)
			}
			return fpu.FromF64(float64(math.Float32frombits(v))), nil
		case 64:
			v, err := c.Op.Mem.ReadQword(o.Addr)
			if err != nil {
				return fpu.F80{}, operand.WrapMemoryError(err, exception.QWordDereferencing)
			}
			return fpu.FromF64(math.Float64frombits(v)), nil
		case 80:
			return c.readF80(o.Addr)
		}
	}
	return fpu.F80{}, fmt.Errorf("cpu: unsupported x87 operand (kind %d, %d bits)", o.Kind, o.Bits)
}

// fpStoreOperand writes an F80 to an ST or m32/m64/m80 destination,
// narrowing for the memory forms.
func (c *Context) fpStoreOperand(o operand.Operand, v fpu.F80) error {
	switch o.Kind {
	case operand.KindST:
		return o.WriteST(c.Op, v)
	case operand.KindMemory:
		switch o.Bits {
		case 32:
			return operand.WrapMemoryError(c.Op.Mem.WriteDword(o.Addr, math.Float32bits(float32(v.ToF64()))), exception.WritingWord)
		case 64:
			return operand.WrapMemoryError(c.Op.Mem.WriteQword(o.Addr, math.Float64bits(v.ToF64())), exception.WritingWord)
		case 80:
			return c.writeF80(o.Addr, v)
		}
	}
	return fmt.Errorf("cpu: unsupported x87 destination (kind %d, %d bits)", o.Kind, o.Bits)
}

func opFld(c *Context, ins *Instruction) (bool, error) {
	v, err := c.fpOperandValue(ins.Op(0))
	if err != nil {
		return false, err
	}
	c.Op.FPU.Push(v)
	return true, nil
}

func opFst(c *Context, ins *Instruction) (bool, error) {
	return true, c.fpStoreOperand(ins.Op(0), c.Op.FPU.ST(0))
}

// opFstp stores ST(0) to the destination, then pops. The value is
// captured before the store so "FSTP ST(i)" reads the pre-pop index.
func opFstp(c *Context, ins *Instruction) (bool, error) {
	v := c.Op.FPU.ST(0)
	if err := c.fpStoreOperand(ins.Op(0), v); err != nil {
		return false, err
	}
	c.Op.FPU.Pop()
	return true, nil
}

func fpAdd(a, b float64) float64 { return a + b }
func fpSub(a, b float64) float64 { return a - b }
func fpMul(a, b float64) float64 { return a * b }
func fpDiv(a, b float64) float64 { return a / b }

// fpBinary builds the FADD/FSUB/FMUL/FDIV family. A single memory
// operand means the implicit "ST(0) op= m32/m64" form; two operands are
// the ST(i)-relative register forms, optionally popping (the P suffix).
// reverse swaps the operand order for the R (reversed) suffix.
func fpBinary(op func(a, b float64) float64, reverse, pop bool) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		if len(ins.Ops) == 1 {
			st0 := c.Op.FPU.ST(0)
			other, err := c.fpOperandValue(ins.Op(0))
			if err != nil {
				return false, err
			}
			a, b := st0.ToF64(), other.ToF64()
			if reverse {
				a, b = b, a
			}
			c.Op.FPU.WriteST(0, fpu.FromF64(op(a, b)))
			return true, nil
		}
		dst, src := ins.Op(0), ins.Op(1)
		dv, err := c.fpOperandValue(dst)
		if err != nil {
			return false, err
		}
		sv, err := c.fpOperandValue(src)
		if err != nil {
			return false, err
		}
		a, b := dv.ToF64(), sv.ToF64()
		if reverse {
			a, b = b, a
		}
		if err := c.fpStoreOperand(dst, fpu.FromF64(op(a, b))); err != nil {
			return false, err
		}
		if pop {
			c.Op.FPU.Pop()
		}
		return true, nil
	}
}

func opFsqrt(c *Context, ins *Instruction) (bool, error) {
	c.Op.FPU.WriteST(0, fpu.Sqrt(c.Op.FPU.ST(0)))
	return true, nil
}

func opFsin(c *Context, ins *Instruction) (bool, error) {
	c.Op.FPU.WriteST(0, fpu.Sin(c.Op.FPU.ST(0)))
	return true, nil
}

func opFcos(c *Context, ins *Instruction) (bool, error) {
	c.Op.FPU.WriteST(0, fpu.Cos(c.Op.FPU.ST(0)))
	return true, nil
}

func opF2xm1(c *Context, ins *Instruction) (bool, error) {
	c.Op.FPU.WriteST(0, fpu.F2XM1(c.Op.FPU.ST(0)))
	return true, nil
}

// opFptan replaces ST(0) with tan(ST(0)) then pushes 1.0, per FPTAN's
// architectural stack-push contract.
func opFptan(c *Context, ins *Instruction) (bool, error) {
	tan, one := fpu.Ptan(c.Op.FPU.ST(0))
	c.Op.FPU.WriteST(0, tan)
	c.Op.FPU.Push(one)
	return true, nil
}

// opFyl2x computes ST(1)*log2(ST(0)), pops, and leaves the result in the
// new ST(0).
func opFyl2x(c *Context, ins *Instruction) (bool, error) {
	x, y := c.Op.FPU.ST(0), c.Op.FPU.ST(1)
	r := fpu.Yl2x(x, y)
	c.Op.FPU.Pop()
	c.Op.FPU.WriteST(0, r)
	return true, nil
}

func opFyl2xp1(c *Context, ins *Instruction) (bool, error) {
	x, y := c.Op.FPU.ST(0), c.Op.FPU.ST(1)
	r := fpu.Yl2xp1(x, y)
	c.Op.FPU.Pop()
	c.Op.FPU.WriteST(0, r)
	return true, nil
}

func opFxch(c *Context, ins *Instruction) (bool, error) {
	idx := 1
	if len(ins.Ops) > 0 {
		idx = ins.Op(0).Index
	}
	a, b := c.Op.FPU.ST(0), c.Op.FPU.ST(idx)
	c.Op.FPU.WriteST(0, b)
	c.Op.FPU.WriteST(idx, a)
	return true, nil
}

func opFinit(c *Context, ins *Instruction) (bool, error) {
	c.Op.FPU.Init()
	return true, nil
}

func opFldcw(c *Context, ins *Instruction) (bool, error) {
	v, err := ins.Op(0).Read(c.Op)
	if err != nil {
		return false, err
	}
	c.Op.FPU.WriteControl(uint16(v))
	return true, nil
}

func opFstcw(c *Context, ins *Instruction) (bool, error) {
	return true, ins.Op(0).Write(c.Op, uint64(c.Op.FPU.Control()))
}

// opFstsw implements both FSTSW and FNSTSW; this core has no pending-
// exception producer, so they read identically (see fpu.FStatusWord).
func opFstsw(c *Context, ins *Instruction) (bool, error) {
	return true, ins.Op(0).Write(c.Op, uint64(c.Op.FPU.FStatusWord()))
}

const f80MemSize = 10

// opFsave serializes the full FPU state to memory (control/status/tag
// words, the last-IP/data pointers, and the 8 ST slots) and reinitializes
// the stack, matching FSAVE's documented side effect.
func opFsave(c *Context, ins *Instruction) (bool, error) {
	addr := ins.Op(0).Addr
	area := c.Op.FPU.Save()
	writes := []struct {
		off uint64
		v   uint16
	}{{0, area.Control}, {2, area.Status}, {4, area.Tag}, {24, area.OpWord}}
	for _, w := range writes {
		if err := c.Op.Mem.WriteWord(addr+w.off, w.v); err != nil {
			return false, operand.WrapMemoryError(err, exception.WritingWord)
		}
	}
	if err := c.Op.Mem.WriteQword(addr+8, area.LastIP); err != nil {
		return false, operand.WrapMemoryError(err, exception.WritingWord)
	}
	if err := c.Op.Mem.WriteQword(addr+16, area.LastData); err != nil {
		return false, operand.WrapMemoryError(err, exception.WritingWord)
	}
	for i := 0; i < 8; i++ {
		if err := c.writeF80(addr+28+uint64(i*f80MemSize), area.Registers[i]); err != nil {
			return false, err
		}
	}
	return true, nil
}

func opFrstor(c *Context, ins *Instruction) (bool, error) {
	addr := ins.Op(0).Addr
	var area fpu.SaveArea
	var err error
	if area.Control, err = c.Op.Mem.ReadWord(addr); err != nil {
		return false, operand.WrapMemoryError(err, exception.WordDereferencing)
	}
	if area.Status, err = c.Op.Mem.ReadWord(addr + 2); err != nil {
		return false, operand.WrapMemoryError(err, exception.WordDereferencing)
	}
	if area.Tag, err = c.Op.Mem.ReadWord(addr + 4); err != nil {
		return false, operand.WrapMemoryError(err, exception.WordDereferencing)
	}
	if area.OpWord, err = c.Op.Mem.ReadWord(addr + 24); err != nil {
		return false, operand.WrapMemoryError(err, exception.WordDereferencing)
	}
	if area.LastIP, err = c.Op.Mem.ReadQword(addr + 8); err != nil {
		return false, operand.WrapMemoryError(err, exception.QWordDereferencing)
	}
	if area.LastData, err = c.Op.Mem.ReadQword(addr + 16); err != nil {
		return false, operand.WrapMemoryError(err, exception.QWordDereferencing)
	}
	for i := 0; i < 8; i++ {
		v, err := c.readF80(addr + 28 + uint64(i*f80MemSize))
		if err != nil {
			return false, err
		}
		area.Registers[i] = v
	}
	c.Op.FPU.Restore(area)
	return true, nil
}

// opFxsave writes a compact save image: control/status/tag/MXCSR, the 8
// ST slots (16-byte aligned), then XMM0-15. This is this engine's own
// internal layout, not the architectural 512-byte FXSAVE image, since
// nothing outside the process consumes it.
func opFxsave(c *Context, ins *Instruction) (bool, error) {
	addr := ins.Op(0).Addr
	if err := c.Op.Mem.WriteWord(addr, c.Op.FPU.Control()); err != nil {
		return false, operand.WrapMemoryError(err, exception.WritingWord)
	}
	if err := c.Op.Mem.WriteWord(addr+2, c.Op.FPU.Status()); err != nil {
		return false, operand.WrapMemoryError(err, exception.WritingWord)
	}
	if err := c.Op.Mem.WriteWord(addr+4, c.Op.FPU.Tag()); err != nil {
		return false, operand.WrapMemoryError(err, exception.WritingWord)
	}
	if err := c.Op.Mem.WriteDword(addr+8, c.Op.FPU.MXCSR()); err != nil {
		return false, operand.WrapMemoryError(err, exception.WritingWord)
	}
	for i := 0; i < 8; i++ {
		if err := c.writeF80(addr+16+uint64(i*16), c.Op.FPU.ST(i)); err != nil {
			return false, err
		}
	}
	for i := 0; i < 16; i++ {
		lo, hi := c.Op.Regs.XMM(i)
		if err := c.Op.Mem.WriteOword(addr+144+uint64(i*16), lo, hi); err != nil {
			return false, operand.WrapMemoryError(err, exception.SettingXMMOperand)
		}
	}
	return true, nil
}

func opFxrstor(c *Context, ins *Instruction) (bool, error) {
	addr := ins.Op(0).Addr
	ctrl, err := c.Op.Mem.ReadWord(addr)
	if err != nil {
		return false, operand.WrapMemoryError(err, exception.WordDereferencing)
	}
	c.Op.FPU.WriteControl(ctrl)
	mxcsr, err := c.Op.Mem.ReadDword(addr + 8)
	if err != nil {
		return false, operand.WrapMemoryError(err, exception.DWordDereferencing)
	}
	c.Op.FPU.WriteMXCSR(mxcsr)
	for i := 0; i < 8; i++ {
		v, err := c.readF80(addr + 16 + uint64(i*16))
		if err != nil {
			return false, err
		}
		c.Op.FPU.WriteST(i, v)
	}
	for i := 0; i < 16; i++ {
		lo, hi, err := c.Op.Mem.ReadOword(addr + 144 + uint64(i*16))
		if err != nil {
			return false, operand.WrapMemoryError(err, exception.ReadingXMMOperand)
		}
		c.Op.Regs.WriteXMM(i, lo, hi)
	}
	return true, nil
}

func opFbstp(c *Context, ins *Instruction) (bool, error) {
	v := c.Op.FPU.Pop()
	bcd := fpu.ToBCD(int64(v.ToF64()))
	return true, operand.WrapMemoryError(c.Op.Mem.WriteBytes(ins.Op(0).Addr, bcd[:]), exception.BadAddressDereferencing)
}

func opFbld(c *Context, ins *Instruction) (bool, error) {
	raw, err := c.Op.Mem.ReadBytes(ins.Op(0).Addr, f80MemSize)
	if err != nil {
		return false, operand.WrapMemoryError(err, exception.BadAddressDereferencing)
	}
	var bcd fpu.BCD10
	copy(bcd[:], raw)
	iv, err := fpu.FromBCD(bcd)
	if err != nil {
		return false, err
	}
	c.Op.FPU.Push(fpu.FromF64(float64(iv)))
	return true, nil
}

// fpCompare reports ST(0) op other's ordering, treating a NaN operand on
// either side as unordered.
func fpCompare(a, b fpu.F80) (lt, eq, unordered bool) {
	af, bf := a.ToF64(), b.ToF64()
	if math.IsNaN(af) || math.IsNaN(bf) {
		return false, false, true
	}
	return af < bf, af == bf, false
}

// fcomOp implements FCOM/FCOMP/FCOMPP, setting C0/C2/C3 and popping pop
// times (0, 1, or 2).
func fcomOp(pop int) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		var other fpu.F80
		var err error
		if len(ins.Ops) > 0 {
			other, err = c.fpOperandValue(ins.Op(0))
		} else {
			other = c.Op.FPU.ST(1)
		}
		if err != nil {
			return false, err
		}
		lt, eq, unordered := fpCompare(c.Op.FPU.ST(0), other)
		var c0, c2, c3 bool
		switch {
		case unordered:
			c0, c2, c3 = true, true, true
		case lt:
			c0 = true
		case eq:
			c3 = true
		}
		c.Op.FPU.SetCondition(c0, false, c2, c3)
		for i := 0; i < pop; i++ {
			c.Op.FPU.Pop()
		}
		return true, nil
	}
}

// fucomiOp implements FUCOMI/FUCOMIP: comparison result lands directly
// in EFLAGS ZF/PF/CF (OF/SF/AF cleared) rather than the FPU condition
// codes, so branches can test it without an intervening FSTSW/SAHF.
func fucomiOp(pop bool) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		other, err := c.fpOperandValue(ins.Op(0))
		if err != nil {
			return false, err
		}
		lt, eq, unordered := fpCompare(c.Op.FPU.ST(0), other)
		switch {
		case unordered:
			c.Flags.ZF, c.Flags.PF, c.Flags.CF = true, true, true
		case lt:
			c.Flags.ZF, c.Flags.PF, c.Flags.CF = false, false, true
		case eq:
			c.Flags.ZF, c.Flags.PF, c.Flags.CF = true, false, false
		default:
			c.Flags.ZF, c.Flags.PF, c.Flags.CF = false, false, false
		}
		c.Flags.OF, c.Flags.SF, c.Flags.AF = false, false, false
		if pop {
			c.Op.FPU.Pop()
		}
		return true, nil
	}
}

// opFxam classifies ST(0) into the C0/C2/C3 table (empty handling is
// left to the tag word, not modeled at the handler level) with C1
// carrying the sign bit.
func opFxam(c *Context, ins *Instruction) (bool, error) {
	st0 := c.Op.FPU.ST(0)
	c1 := st0.Sign
	var c0, c2, c3 bool
	switch {
	case st0.Exponent == 0 && st0.Mantissa == 0:
		c3 = true
	case st0.Exponent == 0x7FFF:
		c0 = true
		if st0.Mantissa == uint64(1)<<63 {
			c2 = true // infinity; NaN leaves C2 clear
		}
	default:
		c2 = true
	}
	c.Op.FPU.SetCondition(c0, c1, c2, c3)
	return true, nil
}

func opFabs(c *Context, ins *Instruction) (bool, error) {
	v := c.Op.FPU.ST(0)
	v.Sign = false
	c.Op.FPU.WriteST(0, v)
	return true, nil
}

func opFchs(c *Context, ins *Instruction) (bool, error) {
	v := c.Op.FPU.ST(0)
	v.Sign = !v.Sign
	c.Op.FPU.WriteST(0, v)
	return true, nil
}

func fldConst(v float64) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		c.Op.FPU.Push(fpu.FromF64(v))
		return true, nil
	}
}
