/*
 * x86emu - Instruction dispatcher tests: end-to-end scenarios plus
 * per-family unit coverage.
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
	"errors"
	"math"
	"testing"

	"github.com/hollowbyte/x86emu/internal/exception"
	"github.com/hollowbyte/x86emu/internal/flags"
	"github.com/hollowbyte/x86emu/internal/fpu"
	"github.com/hollowbyte/x86emu/internal/memmap"
	"github.com/hollowbyte/x86emu/internal/operand"
	"github.com/hollowbyte/x86emu/internal/registers"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	mem := memmap.New(true)
	if _, err := mem.CreateRegion("data", 0x10000, 0x10000, memmap.PermRead|memmap.PermWrite); err != nil {
		t.Fatal(err)
	}
	return &Context{
		Op:    &operand.Context{Regs: registers.New(), Mem: mem, FPU: fpu.New()},
		Flags: &flags.Flags{},
		Bits:  64,
	}
}

func mustFault(t *testing.T, err error) *Fault {
	t.Helper()
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("expected *Fault, got %v (%T)", err, err)
	}
	return f
}

// TestBswap64RoundTrip exercises BSWAP on a 64-bit register: reversing
// twice must return the original value.
func TestBswap64RoundTrip(t *testing.T) {
	c := newTestContext(t)
	c.Op.Regs.WriteGPR64(registers.RAX, 0x0102030405060708)
	ins := &Instruction{Mnemonic: "BSWAP", Ops: []operand.Operand{operand.Reg(registers.RAX, 64)}, Bits: 64, Len: 2}

	if _, err := Step(c, ins); err != nil {
		t.Fatal(err)
	}
	if got := c.Op.Regs.GPR64(registers.RAX); got != 0x0807060504030201 {
		t.Fatalf("first bswap: got %#x", got)
	}
	if _, err := Step(c, ins); err != nil {
		t.Fatal(err)
	}
	if got := c.Op.Regs.GPR64(registers.RAX); got != 0x0102030405060708 {
		t.Fatalf("round trip: got %#x", got)
	}
}

// TestBswap16WritesZeroAndLogs matches the spec-preserved 16-bit quirk:
// no fault, destination zeroed, a warning logged if a logger is set.
func TestBswap16WritesZeroAndLogs(t *testing.T) {
	c := newTestContext(t)
	c.Op.Regs.WriteGPR16(registers.RAX, 0xBEEF)
	ins := &Instruction{Mnemonic: "BSWAP", Ops: []operand.Operand{operand.Reg(registers.RAX, 16)}, Bits: 16, Len: 2}
	if _, err := Step(c, ins); err != nil {
		t.Fatal(err)
	}
	if got := c.Op.Regs.GPR16(registers.RAX); got != 0 {
		t.Fatalf("expected zeroed 16-bit bswap result, got %#x", got)
	}
}

// TestRepMovsb64 exercises the REP MOVSB loop end to end: each Step call
// performs one byte and re-enters until RCX reaches zero.
func TestRepMovsb64(t *testing.T) {
	c := newTestContext(t)
	src, dst := uint64(0x10000), uint64(0x10100)
	msg := []byte("hello, world!!!!")
	for i, b := range msg {
		if err := c.Op.Mem.WriteByte(src+uint64(i), b); err != nil {
			t.Fatal(err)
		}
	}
	c.Op.Regs.WriteGPR64(registers.RSI, src)
	c.Op.Regs.WriteGPR64(registers.RDI, dst)
	c.Op.Regs.WriteGPR64(registers.RCX, uint64(len(msg)))
	c.Op.Regs.WriteRIP(0x1000)

	ins := &Instruction{Mnemonic: "MOVSB", Bits: 8, Len: 1, Rep: Rep}
	for i := 0; i < len(msg)+1; i++ {
		done, err := Step(c, ins)
		if err != nil {
			t.Fatal(err)
		}
		if done {
			break
		}
	}
	if got := c.Op.Regs.GPR64(registers.RCX); got != 0 {
		t.Fatalf("expected RCX to reach zero, got %d", got)
	}
	if got := c.Op.Regs.RIP(); got != 0x1001 {
		t.Fatalf("expected IP to advance only once the REP completed, got %#x", got)
	}
	for i := range msg {
		b, err := c.Op.Mem.ReadByte(dst + uint64(i))
		if err != nil {
			t.Fatal(err)
		}
		if b != msg[i] {
			t.Fatalf("byte %d: got %q want %q", i, b, msg[i])
		}
	}
}

// TestDivByZeroFaults exercises the DIV-by-zero scenario: the handler
// must not advance IP and must report a Div0 Fault for internal/emu to
// route to internal/exception.
func TestDivByZeroFaults(t *testing.T) {
	c := newTestContext(t)
	c.Op.Regs.WriteGPR32(registers.RAX, 42)
	c.Op.Regs.WriteGPR32(registers.RDX, 0)
	c.Op.Regs.WriteRIP(0x2000)
	ins := &Instruction{
		Mnemonic: "DIV",
		Ops:      []operand.Operand{operand.Reg(registers.RCX, 32)},
		Bits:     32,
		Len:      2,
	}
	c.Op.Regs.WriteGPR32(registers.RCX, 0)

	_, err := Step(c, ins)
	f := mustFault(t, err)
	if f.Kind != exception.Div0 {
		t.Fatalf("expected Div0, got %v", f.Kind)
	}
	if got := c.Op.Regs.RIP(); got != 0x2000 {
		t.Fatalf("IP must not advance past a faulting DIV, got %#x", got)
	}
}

func TestIntNFaultsWithVector(t *testing.T) {
	c := newTestContext(t)
	ins := &Instruction{Mnemonic: "INT", Ops: []operand.Operand{operand.Imm(0x2E, 8)}, Bits: 8, Len: 2}
	_, err := Step(c, ins)
	f := mustFault(t, err)
	if f.Kind != exception.UserInterrupt || f.Vector != 0x2E {
		t.Fatalf("expected UserInterrupt vector 0x2E, got kind=%v vector=%#x", f.Kind, f.Vector)
	}
}

func TestInt3FaultsAsInt3(t *testing.T) {
	c := newTestContext(t)
	_, err := Step(c, &Instruction{Mnemonic: "INT3", Bits: 8, Len: 1})
	f := mustFault(t, err)
	if f.Kind != exception.Int3 {
		t.Fatalf("expected Int3, got %v", f.Kind)
	}
}

func TestAddSetsFlagsAndWritesResult(t *testing.T) {
	c := newTestContext(t)
	c.Op.Regs.WriteGPR32(registers.RAX, 0xFFFFFFFF)
	ins := &Instruction{
		Mnemonic: "ADD",
		Ops:      []operand.Operand{operand.Reg(registers.RAX, 32), operand.Imm(1, 32)},
		Bits:     32,
		Len:      3,
	}
	if _, err := Step(c, ins); err != nil {
		t.Fatal(err)
	}
	if got := c.Op.Regs.GPR32(registers.RAX); got != 0 {
		t.Fatalf("expected wraparound to zero, got %#x", got)
	}
	if !c.Flags.CF || !c.Flags.ZF {
		t.Fatalf("expected CF and ZF set, got CF=%v ZF=%v", c.Flags.CF, c.Flags.ZF)
	}
}

func TestShlMasksCountTo32(t *testing.T) {
	c := newTestContext(t)
	c.Op.Regs.WriteGPR32(registers.RAX, 1)
	ins := &Instruction{
		Mnemonic: "SHL",
		Ops:      []operand.Operand{operand.Reg(registers.RAX, 32), operand.Imm(33, 8)}, // masked to 1
		Bits:     32,
		Len:      3,
	}
	if _, err := Step(c, ins); err != nil {
		t.Fatal(err)
	}
	if got := c.Op.Regs.GPR32(registers.RAX); got != 2 {
		t.Fatalf("expected shift count masked to 0x1F (shift by 1), got %#x", got)
	}
}

// TestJccTakenAndNotTaken checks that both paths of a conditional branch
// call SetIP themselves (Step never calls advanceIP for a registered
// branch mnemonic).
func TestJccTakenAndNotTaken(t *testing.T) {
	c := newTestContext(t)
	c.Op.Regs.WriteRIP(0x400)

	c.Flags.ZF = true
	ins := &Instruction{Mnemonic: "JE", Ops: []operand.Operand{operand.Imm(0x500, 64)}, Bits: 64, Len: 2}
	if _, err := Step(c, ins); err != nil {
		t.Fatal(err)
	}
	if got := c.Op.Regs.RIP(); got != 0x500 {
		t.Fatalf("expected taken branch to jump, got %#x", got)
	}

	c.Op.Regs.WriteRIP(0x400)
	c.Flags.ZF = false
	if _, err := Step(c, ins); err != nil {
		t.Fatal(err)
	}
	if got := c.Op.Regs.RIP(); got != 0x402 {
		t.Fatalf("expected not-taken branch to fall through past itself, got %#x", got)
	}
}

func TestLoopDecrementsAndStops(t *testing.T) {
	c := newTestContext(t)
	c.Op.Regs.WriteRIP(0x700)
	c.Op.Regs.WriteGPR64(registers.RCX, 1)
	ins := &Instruction{Mnemonic: "LOOP", Ops: []operand.Operand{operand.Imm(0x600, 64)}, Bits: 64, Len: 2}
	if _, err := Step(c, ins); err != nil {
		t.Fatal(err)
	}
	if got := c.Op.Regs.GPR64(registers.RCX); got != 0 {
		t.Fatalf("expected RCX decremented to 0, got %d", got)
	}
	if got := c.Op.Regs.RIP(); got != 0x702 {
		t.Fatalf("expected loop to fall through once RCX hits zero, got %#x", got)
	}
}

func TestPxorZerosRegister(t *testing.T) {
	c := newTestContext(t)
	c.Op.Regs.WriteXMM(0, 0xDEADBEEFCAFEBABE, 0x0102030405060708)
	ins := &Instruction{Mnemonic: "PXOR", Ops: []operand.Operand{operand.Xmm(0), operand.Xmm(0)}, Bits: 128, Len: 4}
	if _, err := Step(c, ins); err != nil {
		t.Fatal(err)
	}
	lo, hi := c.Op.Regs.XMM(0)
	if lo != 0 || hi != 0 {
		t.Fatalf("expected xmm0 ^ xmm0 == 0, got lo=%#x hi=%#x", lo, hi)
	}
}

func TestPaddbWrapsPerByteLane(t *testing.T) {
	c := newTestContext(t)
	c.Op.Regs.WriteXMM(0, 0x00000000000000FF, 0)
	c.Op.Regs.WriteXMM(1, 0x0000000000000001, 0)
	ins := &Instruction{Mnemonic: "PADDB", Ops: []operand.Operand{operand.Xmm(0), operand.Xmm(1)}, Bits: 128, Len: 4}
	if _, err := Step(c, ins); err != nil {
		t.Fatal(err)
	}
	lo, _ := c.Op.Regs.XMM(0)
	if byte(lo) != 0 {
		t.Fatalf("expected low byte to wrap to 0, got %#x", byte(lo))
	}
}

// TestVfmadd231pdAccumulates checks the 231 form: dst = src1*src2 + dst.
func TestVfmadd231pdAccumulates(t *testing.T) {
	c := newTestContext(t)
	c.Op.Regs.WriteXMM(0, math.Float64bits(1.5), math.Float64bits(0)) // dst lane0 = 1.5 (addend)
	c.Op.Regs.WriteXMM(1, math.Float64bits(2.0), math.Float64bits(0))
	c.Op.Regs.WriteXMM(2, math.Float64bits(3.0), math.Float64bits(0))
	ins := &Instruction{
		Mnemonic: "VFMADD231PD",
		Ops:      []operand.Operand{operand.Xmm(0), operand.Xmm(1), operand.Xmm(2)},
		Bits:     128, Len: 5,
	}
	if _, err := Step(c, ins); err != nil {
		t.Fatal(err)
	}
	lo, _ := c.Op.Regs.XMM(0)
	got := math.Float64frombits(lo)
	if got != 7.5 { // 2.0*3.0 + 1.5
		t.Fatalf("expected 7.5, got %v", got)
	}
}

func TestAesencLastSkipsMixColumns(t *testing.T) {
	c := newTestContext(t)
	// All-zero state and key is a degenerate but well-defined case:
	// SubBytes(0) = 0x63 for every byte, ShiftRows is a no-op on a
	// uniform state, and the last round skips MixColumns entirely.
	ins := &Instruction{Mnemonic: "AESENCLAST", Ops: []operand.Operand{operand.Xmm(0), operand.Xmm(1)}, Bits: 128, Len: 4}
	if _, err := Step(c, ins); err != nil {
		t.Fatal(err)
	}
	lo, hi := c.Op.Regs.XMM(0)
	want := uint64(0x6363636363636363)
	if lo != want || hi != want {
		t.Fatalf("expected uniform 0x63 state, got lo=%#x hi=%#x", lo, hi)
	}
}
