/*
 * x86emu - Control-transfer instruction handlers: JMP/Jcc/CALL/RET/LOOP.
 * Every path calls Context.SetIP, the sole IP mutator, including the
 * not-taken side of conditional branches (which still must advance past
 * itself); none of these mnemonics are auto-advanced by Step.
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

func init() {
	markBranch(
		"JMP", "CALL", "RET", "RETF", "SYSCALL",
		"JE", "JZ", "JNE", "JNZ", "JC", "JB", "JNAE", "JNC", "JAE", "JNB",
		"JS", "JNS", "JO", "JNO", "JP", "JPE", "JNP", "JPO",
		"JL", "JNGE", "JGE", "JNL", "JLE", "JNG", "JG", "JNLE",
		"JA", "JNBE", "JBE", "JNA",
		"LOOP", "LOOPE", "LOOPZ", "LOOPNE", "LOOPNZ", "JCXZ", "JECXZ", "JRCXZ",
	)

	register([]string{"JMP"}, opJmp)
	register([]string{"CALL"}, opCall)
	register([]string{"RET", "RETF"}, opRet)

	register([]string{"JE", "JZ"}, jcc(func(f flagsView) bool { return f.ZF }))
	register([]string{"JNE", "JNZ"}, jcc(func(f flagsView) bool { return !f.ZF }))
	register([]string{"JC", "JB", "JNAE"}, jcc(func(f flagsView) bool { return f.CF }))
	register([]string{"JNC", "JAE", "JNB"}, jcc(func(f flagsView) bool { return !f.CF }))
	register([]string{"JS"}, jcc(func(f flagsView) bool { return f.SF }))
	register([]string{"JNS"}, jcc(func(f flagsView) bool { return !f.SF }))
	register([]string{"JO"}, jcc(func(f flagsView) bool { return f.OF }))
	register([]string{"JNO"}, jcc(func(f flagsView) bool { return !f.OF }))
	register([]string{"JL", "JNGE"}, jcc(func(f flagsView) bool { return f.SF != f.OF }))
	register([]string{"JGE", "JNL"}, jcc(func(f flagsView) bool { return f.SF == f.OF }))
	register([]string{"JLE", "JNG"}, jcc(func(f flagsView) bool { return f.ZF || f.SF != f.OF }))
	register([]string{"JG", "JNLE"}, jcc(func(f flagsView) bool { return !f.ZF && f.SF == f.OF }))
	register([]string{"JA", "JNBE"}, jcc(func(f flagsView) bool { return !f.CF && !f.ZF }))
	register([]string{"JBE", "JNA"}, jcc(func(f flagsView) bool { return f.CF || f.ZF }))

	register([]string{"LOOP"}, loopOp(func(flagsView) bool { return true }))
	register([]string{"LOOPE", "LOOPZ"}, loopOp(func(f flagsView) bool { return f.ZF }))
	register([]string{"LOOPNE", "LOOPNZ"}, loopOp(func(f flagsView) bool { return !f.ZF }))
	register([]string{"JCXZ"}, jrcxz(16))
	register([]string{"JECXZ"}, jrcxz(32))
	register([]string{"JRCXZ"}, jrcxz(64))
}

func branchTarget(c *Context, ins *Instruction) (uint64, error) {
	return ins.Op(0).Read(c.Op)
}

// fallthroughAddr is the address just past the current instruction,
// computed from IP (not yet advanced, since branch mnemonics are never
// auto-advanced by Step).
func (c *Context) fallthroughAddr(ins *Instruction) uint64 {
	return c.IP() + uint64(ins.Len)
}

func opJmp(c *Context, ins *Instruction) (bool, error) {
	target, err := branchTarget(c, ins)
	if err != nil {
		return false, err
	}
	return true, c.SetIP(target)
}

func opCall(c *Context, ins *Instruction) (bool, error) {
	target, err := branchTarget(c, ins)
	if err != nil {
		return false, err
	}
	ret := c.fallthroughAddr(ins)
	if err := c.pushValue(ret); err != nil {
		return false, err
	}
	return true, c.SetIP(target)
}

func opRet(c *Context, ins *Instruction) (bool, error) {
	ret, err := c.popValue()
	if err != nil {
		return false, err
	}
	if len(ins.Ops) > 0 {
		imm, err := ins.Op(0).Read(c.Op)
		if err == nil {
			sp := c.Op.Regs.GPR64(registers.RSP)
			c.Op.Regs.WriteGPR64(registers.RSP, sp+imm)
		}
	}
	return true, c.SetIP(ret)
}

func jcc(pred func(flagsView) bool) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		if !pred(c.flagsView()) {
			return true, c.SetIP(c.fallthroughAddr(ins))
		}
		target, err := branchTarget(c, ins)
		if err != nil {
			return false, err
		}
		return true, c.SetIP(target)
	}
}

func loopOp(cond func(flagsView) bool) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		cx := c.Op.Regs.GPR64(registers.RCX)
		cx--
		c.Op.Regs.WriteGPR64(registers.RCX, cx)
		var width int
		if c.Bits == 64 {
			width = 64
		} else {
			width = 32
		}
		takeable := cx&mask(width) != 0 && cond(c.flagsView())
		if !takeable {
			return true, c.SetIP(c.fallthroughAddr(ins))
		}
		target, err := branchTarget(c, ins)
		if err != nil {
			return false, err
		}
		return true, c.SetIP(target)
	}
}

func jrcxz(bits int) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		cx := c.Op.Regs.GPR64(registers.RCX) & mask(bits)
		if cx != 0 {
			return true, c.SetIP(c.fallthroughAddr(ins))
		}
		target, err := branchTarget(c, ins)
		if err != nil {
			return false, err
		}
		return true, c.SetIP(target)
	}
}
