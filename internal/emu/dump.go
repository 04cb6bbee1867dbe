/*
 * x86emu - Human-readable register/flags dump for logging and tracing.
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

	"github.com/hollowbyte/x86emu/internal/registers"
	"github.com/hollowbyte/x86emu/util/hex"
)

var gprDumpOrder = [...]struct {
	name string
	reg  registers.Reg
}{
	{"RAX", registers.RAX}, {"RBX", registers.RBX}, {"RCX", registers.RCX}, {"RDX", registers.RDX},
	{"RSI", registers.RSI}, {"RDI", registers.RDI}, {"RBP", registers.RBP}, {"RSP", registers.RSP},
	{"R8", registers.R8}, {"R9", registers.R9}, {"R10", registers.R10}, {"R11", registers.R11},
	{"R12", registers.R12}, {"R13", registers.R13}, {"R14", registers.R14}, {"R15", registers.R15},
}

func toBytesBE(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// DumpRegisters renders every GPR, RIP and the packed EFLAGS word for the
// currently active thread as one line per register, in the teacher's
// hex.Format* style rather than fmt's %x (kept so a register trace reads
// like the rest of this core's diagnostic output).
func (e *Emu) DumpRegisters() string {
	var b strings.Builder
	for _, g := range gprDumpOrder {
		b.WriteString(g.name)
		b.WriteByte('=')
		hex.FormatBytes(&b, false, toBytesBE(e.op.Regs.GPR64(g.reg)))
		b.WriteByte('\n')
	}
	b.WriteString("RIP=")
	hex.FormatBytes(&b, false, toBytesBE(e.currentIP()))
	b.WriteByte('\n')

	b.WriteString("EFLAGS=")
	hex.FormatWord(&b, []uint32{e.cpuCtx.Flags.Dump()})
	return strings.TrimRight(b.String(), " ")
}
