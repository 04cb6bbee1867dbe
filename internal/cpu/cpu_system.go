/*
 * x86emu - System and privileged-adjacent handlers: CPUID, RDTSC,
 * SYSCALL, INT3/INT n, the single-bit flag instructions, and HLT.
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
	"github.com/hollowbyte/x86emu/internal/registers"
)

func init() {
	register([]string{"CPUID"}, opCpuid)
	register([]string{"RDTSC"}, opRdtsc)
	register([]string{"SYSCALL"}, opSyscall)
	register([]string{"INT3"}, opInt3)
	register([]string{"INT"}, opInt)
	register([]string{"CLC"}, flagClear(func(f *flagsMut) { f.CF = false }))
	register([]string{"STC"}, flagClear(func(f *flagsMut) { f.CF = true }))
	register([]string{"CMC"}, flagClear(func(f *flagsMut) { f.CF = !f.CF }))
	register([]string{"CLD"}, flagClear(func(f *flagsMut) { f.DF = false }))
	register([]string{"STD"}, flagClear(func(f *flagsMut) { f.DF = true }))
	register([]string{"CLI"}, flagClear(func(f *flagsMut) { f.IF = false }))
	register([]string{"STI"}, flagClear(func(f *flagsMut) { f.IF = true }))
	register([]string{"HLT"}, opHlt)
}

// flagsMut is the subset of flags.Flags the single-bit flag instructions
// toggle; a local alias keeps their handlers from depending on the field
// layout of internal/flags.Flags beyond these three bits.
type flagsMut struct {
	CF, DF, IF bool
}

func flagClear(mutate func(*flagsMut)) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		m := flagsMut{CF: c.Flags.CF, DF: c.Flags.DF, IF: c.Flags.IF}
		mutate(&m)
		c.Flags.CF, c.Flags.DF, c.Flags.IF = m.CF, m.DF, m.IF
		return true, nil
	}
}

// cpuidVendor is the pinned vendor string ("GenuineIntel"), EBX/EDX/ECX
// order per the CPUID leaf-0 encoding.
const (
	cpuidVendorEBX = 0x756e6547 // "Genu"
	cpuidVendorEDX = 0x49656e69 // "ineI"
	cpuidVendorECX = 0x6c65746e // "ntel"
)

// Feature bits returned at leaf 1 (EDX): mandatory SSE/SSE2 plus MMX, the
// minimum a post-2001 feature probe expects to see set.
const (
	featEDX_MMX  = 1 << 23
	featEDX_SSE  = 1 << 25
	featEDX_SSE2 = 1 << 26
)

// opCpuid answers the leaf selected by EAX (and, for leaf 7, the subleaf
// in ECX) into EAX/EBX/ECX/EDX. Leaves 0x07..0x6D return identical
// non-zero feature words, a deliberately preserved quirk carried forward
// from the reference this core is grounded on. Leaf 0x40000000
// (hypervisor range) reports absent by returning all zeros.
func opCpuid(c *Context, ins *Instruction) (bool, error) {
	eax := c.Op.Regs.GPR32(registers.RAX)
	var a, b, cx, d uint32
	switch {
	case eax == 0:
		a, b, cx, d = 0x10, cpuidVendorEBX, cpuidVendorECX, cpuidVendorEDX
	case eax == 1:
		a = 0x000906EA // family/model/stepping chosen to satisfy common probes
		b = 0
		cx = 0
		d = featEDX_MMX | featEDX_SSE | featEDX_SSE2
	case eax == 0x40000000:
		a, b, cx, d = 0, 0, 0, 0
	case eax >= 0x07 && eax <= 0x6D:
		a, b, cx, d = 0xDEADBEEF, 0xDEADBEEF, 0xDEADBEEF, 0xDEADBEEF
	default:
		a, b, cx, d = 0, 0, 0, 0
	}
	c.Op.Regs.WriteGPR32(registers.RAX, a)
	c.Op.Regs.WriteGPR32(registers.RBX, b)
	c.Op.Regs.WriteGPR32(registers.RCX, cx)
	c.Op.Regs.WriteGPR32(registers.RDX, d)
	return true, nil
}

// rdtscCounter is a monotonically increasing cycle counter, advanced one
// tick per RDTSC rather than sourced from a real clock so traces stay
// reproducible across runs.
var rdtscCounter uint64

func opRdtsc(c *Context, ins *Instruction) (bool, error) {
	rdtscCounter++
	c.Op.Regs.WriteGPR32(registers.RAX, uint32(rdtscCounter))
	c.Op.Regs.WriteGPR32(registers.RDX, uint32(rdtscCounter>>32))
	return true, nil
}

// opSyscall acts like RET, preserving RAX, matching an unhooked syscall
// gateway stub. internal/emu does not pass SYSCALL to the OnInterrupt hook
// before this handler runs, so this RET-like behavior is the only one.
func opSyscall(c *Context, ins *Instruction) (bool, error) {
	ret, err := c.popValue()
	if err != nil {
		return false, err
	}
	return true, c.SetIP(ret)
}

func opInt3(c *Context, ins *Instruction) (bool, error) {
	return false, &Fault{Kind: exception.Int3}
}

// opInt implements INT n for n != 3 (INT3 has its own one-byte encoding
// and handler); the vector is the instruction's immediate operand.
func opInt(c *Context, ins *Instruction) (bool, error) {
	imm, err := ins.Op(0).Read(c.Op)
	if err != nil {
		return false, err
	}
	if imm == 3 {
		return false, &Fault{Kind: exception.Int3}
	}
	return false, &Fault{Kind: exception.UserInterrupt, Vector: int(imm)}
}

// opHlt only reports completion: the dispatcher has no thread-state
// authority, and internal/emu's run loop treats HLT like any other
// non-branching instruction, so the thread is not suspended or halted.
func opHlt(c *Context, ins *Instruction) (bool, error) {
	return true, nil
}
