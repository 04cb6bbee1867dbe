/*
 * x86emu - Data-movement instruction handlers: MOV family, stack ops,
 * sign/zero extension, and EFLAGS/register convenience forms.
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
	register([]string{"MOV", "MOVABS"}, opMov)
	register([]string{"LEA"}, opLea)
	register([]string{"PUSH"}, opPush)
	register([]string{"POP"}, opPop)
	register([]string{"XCHG"}, opXchg)
	register([]string{"MOVZX"}, opMovzx)
	register([]string{"MOVSX", "MOVSXD"}, opMovsx)
	register([]string{"CWDE", "CDQE"}, opCwde)
	register([]string{"CDQ", "CWD", "CQO"}, opCdq)
	register([]string{"PUSHFQ", "PUSHFD", "PUSHF"}, opPushf)
	register([]string{"POPFQ", "POPFD", "POPF"}, opPopf)
	register([]string{"SETE", "SETZ"}, condSet(func(f flagsView) bool { return f.ZF }))
	register([]string{"SETNE", "SETNZ"}, condSet(func(f flagsView) bool { return !f.ZF }))
	register([]string{"SETC", "SETB"}, condSet(func(f flagsView) bool { return f.CF }))
	register([]string{"SETNC", "SETNB", "SETAE"}, condSet(func(f flagsView) bool { return !f.CF }))
	register([]string{"SETS"}, condSet(func(f flagsView) bool { return f.SF }))
	register([]string{"SETNS"}, condSet(func(f flagsView) bool { return !f.SF }))
	register([]string{"SETO"}, condSet(func(f flagsView) bool { return f.OF }))
	register([]string{"SETNO"}, condSet(func(f flagsView) bool { return !f.OF }))
	register([]string{"SETL"}, condSet(func(f flagsView) bool { return f.SF != f.OF }))
	register([]string{"SETGE"}, condSet(func(f flagsView) bool { return f.SF == f.OF }))
	register([]string{"SETLE"}, condSet(func(f flagsView) bool { return f.ZF || f.SF != f.OF }))
	register([]string{"SETG"}, condSet(func(f flagsView) bool { return !f.ZF && f.SF == f.OF }))
	register([]string{"CMOVE", "CMOVZ"}, condMov(func(f flagsView) bool { return f.ZF }))
	register([]string{"CMOVNE", "CMOVNZ"}, condMov(func(f flagsView) bool { return !f.ZF }))
	register([]string{"CMOVC", "CMOVB"}, condMov(func(f flagsView) bool { return f.CF }))
	register([]string{"CMOVNC", "CMOVAE"}, condMov(func(f flagsView) bool { return !f.CF }))
	register([]string{"CMOVS"}, condMov(func(f flagsView) bool { return f.SF }))
	register([]string{"CMOVNS"}, condMov(func(f flagsView) bool { return !f.SF }))
	register([]string{"CMOVL"}, condMov(func(f flagsView) bool { return f.SF != f.OF }))
	register([]string{"CMOVGE"}, condMov(func(f flagsView) bool { return f.SF == f.OF }))
	register([]string{"NOP"}, opNop)
}

func opMov(c *Context, ins *Instruction) (bool, error) {
	v, err := ins.Op(1).Read(c.Op)
	if err != nil {
		return false, err
	}
	return true, ins.Op(0).Write(c.Op, v)
}

// opLea writes the operand's effective address rather than dereferencing
// it; the decoder hands LEA's source operand with Kind memory but an
// address that is never read.
func opLea(c *Context, ins *Instruction) (bool, error) {
	src := ins.Op(1)
	return true, ins.Op(0).Write(c.Op, src.Addr)
}

func stackWidth(c *Context) int {
	if c.Bits == 64 {
		return 64
	}
	return 32
}

func (c *Context) pushValue(v uint64) error {
	w := stackWidth(c) / 8
	sp := c.Op.Regs.GPR64(registers.RSP) - uint64(w)
	c.Op.Regs.WriteGPR64(registers.RSP, sp)
	if w == 8 {
		return operand.WrapMemoryError(c.Op.Mem.WriteQword(sp, v), exception.WritingWord)
	}
	return operand.WrapMemoryError(c.Op.Mem.WriteDword(sp, uint32(v)), exception.WritingWord)
}

func (c *Context) popValue() (uint64, error) {
	w := stackWidth(c) / 8
	sp := c.Op.Regs.GPR64(registers.RSP)
	var v uint64
	var err error
	if w == 8 {
		v, err = c.Op.Mem.ReadQword(sp)
		err = operand.WrapMemoryError(err, exception.QWordDereferencing)
	} else {
		var v32 uint32
		v32, err = c.Op.Mem.ReadDword(sp)
		v = uint64(v32)
		err = operand.WrapMemoryError(err, exception.DWordDereferencing)
	}
	if err != nil {
		return 0, err
	}
	c.Op.Regs.WriteGPR64(registers.RSP, sp+uint64(w))
	return v, nil
}

func opPush(c *Context, ins *Instruction) (bool, error) {
	v, err := ins.Op(0).Read(c.Op)
	if err != nil {
		return false, err
	}
	return true, c.pushValue(v)
}

func opPop(c *Context, ins *Instruction) (bool, error) {
	v, err := c.popValue()
	if err != nil {
		return false, err
	}
	return true, ins.Op(0).Write(c.Op, v)
}

func opXchg(c *Context, ins *Instruction) (bool, error) {
	a, b := ins.Op(0), ins.Op(1)
	va, err := a.Read(c.Op)
	if err != nil {
		return false, err
	}
	vb, err := b.Read(c.Op)
	if err != nil {
		return false, err
	}
	if err := a.Write(c.Op, vb); err != nil {
		return false, err
	}
	return true, b.Write(c.Op, va)
}

func opMovzx(c *Context, ins *Instruction) (bool, error) {
	v, err := ins.Op(1).Read(c.Op)
	if err != nil {
		return false, err
	}
	return true, ins.Op(0).Write(c.Op, v&mask(ins.Op(1).Bits))
}

func opMovsx(c *Context, ins *Instruction) (bool, error) {
	src := ins.Op(1)
	v, err := src.Read(c.Op)
	if err != nil {
		return false, err
	}
	sv := signExtendOperand(v, src.Bits)
	return true, ins.Op(0).Write(c.Op, uint64(sv))
}

// opCwde implements the widen-accumulator family (CWDE: AX -> EAX sign
// extended; CDQE: EAX -> RAX sign extended).
func opCwde(c *Context, ins *Instruction) (bool, error) {
	if ins.Mnemonic == "CDQE" {
		eax := c.Op.Regs.GPR32(registers.RAX)
		c.Op.Regs.WriteGPR64(registers.RAX, uint64(int64(int32(eax))))
		return true, nil
	}
	ax := c.Op.Regs.GPR16(registers.RAX)
	c.Op.Regs.WriteGPR32(registers.RAX, uint32(int32(int16(ax))))
	return true, nil
}

// opCdq implements the sign-extend-into-high-half family (CWD: AX -> DX:AX;
// CDQ: EAX -> EDX:EAX; CQO: RAX -> RDX:RAX).
func opCdq(c *Context, ins *Instruction) (bool, error) {
	switch ins.Mnemonic {
	case "CWD":
		ax := int16(c.Op.Regs.GPR16(registers.RAX))
		hi := uint16(0)
		if ax < 0 {
			hi = 0xFFFF
		}
		c.Op.Regs.WriteGPR16(registers.RDX, hi)
	case "CQO":
		rax := int64(c.Op.Regs.GPR64(registers.RAX))
		hi := uint64(0)
		if rax < 0 {
			hi = 0xFFFFFFFFFFFFFFFF
		}
		c.Op.Regs.WriteGPR64(registers.RDX, hi)
	default: // CDQ
		eax := int32(c.Op.Regs.GPR32(registers.RAX))
		hi := uint32(0)
		if eax < 0 {
			hi = 0xFFFFFFFF
		}
		c.Op.Regs.WriteGPR32(registers.RDX, hi)
	}
	return true, nil
}

func opPushf(c *Context, ins *Instruction) (bool, error) {
	return true, c.pushValue(uint64(c.Flags.Dump()))
}

func opPopf(c *Context, ins *Instruction) (bool, error) {
	v, err := c.popValue()
	if err != nil {
		return false, err
	}
	c.Flags.Load(uint32(v))
	return true, nil
}

func opNop(c *Context, ins *Instruction) (bool, error) { return true, nil }

// flagsView exposes the subset of flags.Flags the SETcc/CMOVcc condition
// predicates read; defined locally to avoid every predicate importing
// internal/flags just for four booleans.
type flagsView struct {
	ZF, CF, SF, OF bool
}

func (c *Context) flagsView() flagsView {
	return flagsView{ZF: c.Flags.ZF, CF: c.Flags.CF, SF: c.Flags.SF, OF: c.Flags.OF}
}

func condSet(pred func(flagsView) bool) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		v := uint64(0)
		if pred(c.flagsView()) {
			v = 1
		}
		return true, ins.Op(0).Write(c.Op, v)
	}
}

func condMov(pred func(flagsView) bool) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		if !pred(c.flagsView()) {
			return true, nil
		}
		v, err := ins.Op(1).Read(c.Op)
		if err != nil {
			return false, err
		}
		return true, ins.Op(0).Write(c.Op, v)
	}
}
