/*
 * x86emu - Operand layer tests.
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

package operand

import (
	"testing"

	"github.com/hollowbyte/x86emu/internal/fpu"
	"github.com/hollowbyte/x86emu/internal/memmap"
	"github.com/hollowbyte/x86emu/internal/registers"
)

func newContext(t *testing.T) *Context {
	t.Helper()
	mem := memmap.New(true)
	if _, err := mem.CreateRegion("data", 0x1000, 0x100, memmap.PermRead|memmap.PermWrite); err != nil {
		t.Fatal(err)
	}
	return &Context{Regs: registers.New(), Mem: mem, FPU: fpu.New()}
}

func TestRegisterOperandRoundTrip(t *testing.T) {
	c := newContext(t)
	op := Reg(registers.RAX, 32)
	if err := op.Write(c, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	got, err := op.Read(c)
	if err != nil || got != 0xDEADBEEF {
		t.Fatalf("register round trip: got %x, %v", got, err)
	}
	if c.Regs.GPR64(registers.RAX) != 0xDEADBEEF {
		t.Fatalf("32-bit write should zero-extend into the 64-bit parent")
	}
}

func TestReg8HighOperand(t *testing.T) {
	c := newContext(t)
	c.Regs.WriteGPR64(registers.RAX, 0)
	op := Reg8High(registers.RAX)
	if err := op.Write(c, 0xAB); err != nil {
		t.Fatal(err)
	}
	got, err := op.Read(c)
	if err != nil || got != 0xAB {
		t.Fatalf("reg8high round trip: got %x, %v", got, err)
	}
	if c.Regs.GPR64(registers.RAX) != 0xAB00 {
		t.Fatalf("high-byte write landed in the wrong bit position: %x", c.Regs.GPR64(registers.RAX))
	}
}

func TestMemoryOperandRoundTrip(t *testing.T) {
	c := newContext(t)
	op := Mem(0x1000, 32)
	if err := op.Write(c, 0x11223344); err != nil {
		t.Fatal(err)
	}
	got, err := op.Read(c)
	if err != nil || got != 0x11223344 {
		t.Fatalf("memory round trip: got %x, %v", got, err)
	}
}

func TestImmediateWriteFails(t *testing.T) {
	c := newContext(t)
	op := Imm(5, 32)
	if got, err := op.Read(c); err != nil || got != 5 {
		t.Fatalf("immediate read: got %x, %v", got, err)
	}
	if err := op.Write(c, 1); err == nil {
		t.Fatalf("expected error writing to an immediate operand")
	}
}

func TestXMMVectorRoundTrip(t *testing.T) {
	c := newContext(t)
	op := Xmm(2)
	v := [4]uint64{1, 2, 0, 0}
	if err := op.WriteVector(c, v); err != nil {
		t.Fatal(err)
	}
	got, err := op.ReadVector(c)
	if err != nil || got[0] != 1 || got[1] != 2 {
		t.Fatalf("xmm vector round trip: got %v, %v", got, err)
	}
}

func TestSTOperand(t *testing.T) {
	c := newContext(t)
	c.FPU.Push(fpu.FromF64(3.5))
	op := St(0)
	v, err := op.ReadST(c)
	if err != nil || v.ToF64() != 3.5 {
		t.Fatalf("ST(0) read: got %v, %v", v, err)
	}
	if err := op.WriteST(c, fpu.FromF64(7.0)); err != nil {
		t.Fatal(err)
	}
	v, _ = op.ReadST(c)
	if v.ToF64() != 7.0 {
		t.Fatalf("ST(0) write did not take effect")
	}
}
