/*
 * x86emu - Top-level dispatch loop tests.
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

package emu

import (
	"strings"
	"testing"

	"github.com/hollowbyte/x86emu/internal/cpu"
	"github.com/hollowbyte/x86emu/internal/memmap"
	"github.com/hollowbyte/x86emu/internal/operand"
	"github.com/hollowbyte/x86emu/internal/registers"
)

const codeBase = 0x400000

func newTestEmu(t *testing.T) *Emu {
	t.Helper()
	e, err := New(true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Mem.CreateRegion("code", codeBase, 0x1000, memmap.PermRead|memmap.PermExec); err != nil {
		t.Fatal(err)
	}
	const stackBase = 0x7F0000
	const stackSize = 0x10000
	if _, err := e.Mem.CreateRegion("stack", stackBase, stackSize, memmap.PermRead|memmap.PermWrite); err != nil {
		t.Fatal(err)
	}
	e.op.Regs.WriteRIP(codeBase)
	e.op.Regs.WriteGPR64(registers.RSP, stackBase+stackSize-0x100)
	return e
}

// fixedDecoder ignores the underlying bytes and always returns ins; good
// enough for exercising the dispatch loop without a real x86 decoder.
func fixedDecoder(ins *cpu.Instruction) Decoder {
	return func(mem *memmap.Space, ip uint64, bits int) (*cpu.Instruction, error) {
		return ins, nil
	}
}

func TestRunOneBswapAdvancesIPAndSwapsBytes(t *testing.T) {
	e := newTestEmu(t)
	e.op.Regs.WriteGPR64(registers.RAX, 0x0102030405060708)
	e.Decode = fixedDecoder(&cpu.Instruction{
		Mnemonic: "BSWAP",
		Ops:      []operand.Operand{operand.Reg(registers.RAX, 64)},
		Bits:     64,
		Len:      2,
	})

	reason, err := e.RunOne()
	if err != nil {
		t.Fatal(err)
	}
	if reason != StopNone {
		t.Fatalf("reason = %v", reason)
	}
	if got := e.op.Regs.GPR64(registers.RAX); got != 0x0807060504030201 {
		t.Fatalf("RAX = %#x", got)
	}
	if got := e.op.Regs.RIP(); got != codeBase+2 {
		t.Fatalf("RIP = %#x, want %#x", got, codeBase+2)
	}
	if e.InstrCount != 1 {
		t.Fatalf("InstrCount = %d", e.InstrCount)
	}
}

func TestRunOneMaxInstructionsStops(t *testing.T) {
	e := newTestEmu(t)
	e.MaxInstr = 1
	e.InstrCount = 1
	e.Decode = fixedDecoder(&cpu.Instruction{Mnemonic: "NOP", Bits: 64, Len: 1})

	reason, err := e.RunOne()
	if err != nil {
		t.Fatal(err)
	}
	if reason != StopMaxInstructions {
		t.Fatalf("reason = %v, want StopMaxInstructions", reason)
	}
}

func TestRunOneAddressBreakpointStops(t *testing.T) {
	e := newTestEmu(t)
	e.BP.AddAddr(codeBase)
	e.Decode = fixedDecoder(&cpu.Instruction{Mnemonic: "NOP", Bits: 64, Len: 1})

	reason, err := e.RunOne()
	if err != nil {
		t.Fatal(err)
	}
	if reason != StopBreakpointAddr {
		t.Fatalf("reason = %v, want StopBreakpointAddr", reason)
	}
	if e.InstrCount != 0 {
		t.Fatal("instruction must not execute once the address breakpoint fires")
	}
}

func TestRunOneDivByZeroWithNoHandlerLogsAndAdvances(t *testing.T) {
	e := newTestEmu(t)
	e.op.Regs.WriteGPR32(registers.RAX, 42)
	e.op.Regs.WriteGPR32(registers.RDX, 0)
	e.op.Regs.WriteGPR32(registers.RCX, 0)
	e.Decode = fixedDecoder(&cpu.Instruction{
		Mnemonic: "DIV",
		Ops:      []operand.Operand{operand.Reg(registers.RCX, 32)},
		Bits:     32,
		Len:      2,
	})

	reason, err := e.RunOne()
	if err != nil {
		t.Fatal(err)
	}
	if reason != StopNone {
		t.Fatalf("reason = %v, want StopNone (unhandled fault logs and continues)", reason)
	}
	if got := e.op.Regs.RIP(); got != codeBase+2 {
		t.Fatalf("RIP = %#x, want past the 2-byte faulting instruction (%#x)", got, codeBase+2)
	}
}

func TestRunOneDivByZeroDeliveredToVEH(t *testing.T) {
	e := newTestEmu(t)
	const vehAddr = codeBase + 0x100
	e.Sched.Current().VEH = vehAddr
	e.op.Regs.WriteGPR32(registers.RAX, 42)
	e.op.Regs.WriteGPR32(registers.RDX, 0)
	e.op.Regs.WriteGPR32(registers.RCX, 0)
	e.Decode = fixedDecoder(&cpu.Instruction{
		Mnemonic: "DIV",
		Ops:      []operand.Operand{operand.Reg(registers.RCX, 32)},
		Bits:     32,
		Len:      2,
	})

	reason, err := e.RunOne()
	if err != nil {
		t.Fatal(err)
	}
	if reason != StopNone {
		t.Fatalf("reason = %v", reason)
	}
	if got := e.op.Regs.RIP(); got != vehAddr {
		t.Fatalf("RIP = %#x, want VEH entry %#x", got, vehAddr)
	}
}

func TestCreateThreadRoundRobin(t *testing.T) {
	e := newTestEmu(t)
	first := e.Sched.Current()
	second, err := e.CreateThread()
	if err != nil {
		t.Fatal(err)
	}
	second.State.Regs.WriteRIP(codeBase)

	e.Decode = fixedDecoder(&cpu.Instruction{Mnemonic: "NOP", Bits: 64, Len: 1})

	if _, err := e.RunOne(); err != nil {
		t.Fatal(err)
	}
	if e.Sched.Current() != second {
		t.Fatal("Advance should round-robin onto the newly created thread")
	}
	_ = first
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	e := newTestEmu(t)
	if err := e.Mem.WriteByte(codeBase, 0xAB); err != nil {
		t.Fatal(err)
	}
	e.InstrCount = 7

	snap := e.Snapshot()

	if err := e.Mem.WriteByte(codeBase, 0xCD); err != nil {
		t.Fatal(err)
	}
	e.InstrCount = 99

	if err := e.Restore(snap); err != nil {
		t.Fatal(err)
	}
	b, err := e.Mem.ReadByte(codeBase)
	if err != nil {
		t.Fatal(err)
	}
	if b != 0xAB {
		t.Fatalf("restored byte = %#x, want 0xAB", b)
	}
	if e.InstrCount != 7 {
		t.Fatalf("InstrCount = %d, want 7", e.InstrCount)
	}
}

func TestDumpRegistersIncludesSetValues(t *testing.T) {
	e := newTestEmu(t)
	e.op.Regs.WriteGPR64(registers.RAX, 0x1122334455667788)

	out := e.DumpRegisters()
	if !strings.Contains(out, "RAX=1122334455667788") {
		t.Fatalf("dump missing RAX line: %s", out)
	}
	if !strings.Contains(out, "RIP=") {
		t.Fatalf("dump missing RIP line: %s", out)
	}
	if !strings.Contains(out, "EFLAGS=") {
		t.Fatalf("dump missing EFLAGS line: %s", out)
	}
}

func TestNoDecoderConfiguredIsReportedAsAFault(t *testing.T) {
	e := newTestEmu(t)
	reason, err := e.RunOne()
	if reason != StopFault {
		t.Fatalf("reason = %v, want StopFault", reason)
	}
	if err != ErrNoDecoder {
		t.Fatalf("err = %v, want ErrNoDecoder", err)
	}
}
