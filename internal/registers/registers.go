/*
 * x86emu - Register file: GPRs, segments, control/debug regs, XMM/YMM.
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

// Package registers models the x86-64 architectural register file: 16
// general-purpose registers with the full sub-register aliasing ladder
// (AL/AH/AX/EAX/RAX, R8B..R15), segment selectors, control/debug registers,
// 16 YMM vectors (XMM is their low 128 bits), and 8 AVX-512-style mask
// registers (k0..k7, unused by AVX/AVX2 handlers but reserved per the
// vibe67 mask-register naming this core's AVX tests borrow).
package registers

// Reg is a canonical register name, compatible in spirit with iced-x86's
// Register enum: one tag per named view, not per physical slot.
type Reg int

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP
)

const gprCount = 16

var gprNames = [gprCount]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// byName8 maps the legacy 8-bit register names to (index, isHigh).
var byName8 = map[string]struct {
	idx  int
	high bool
}{
	"al": {0, false}, "ah": {0, true},
	"cl": {1, false}, "ch": {1, true},
	"dl": {2, false}, "dh": {2, true},
	"bl": {3, false}, "bh": {3, true},
	"spl": {4, false}, "bpl": {5, false}, "sil": {6, false}, "dil": {7, false},
	"r8b": {8, false}, "r9b": {9, false}, "r10b": {10, false}, "r11b": {11, false},
	"r12b": {12, false}, "r13b": {13, false}, "r14b": {14, false}, "r15b": {15, false},
}

// Seg identifies a segment register.
type Seg int

const (
	SegES Seg = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	segCount
)

// File is the complete architectural register file for one logical CPU
// (or, for the scheduler, one guest thread).
type File struct {
	gpr   [gprCount]uint64
	rip   uint64
	seg   [segCount]uint16
	segBase [segCount]uint64 // synthetic flat base, used for FS/GS TEB access
	cr    [16]uint64
	dr    [8]uint64
	msr   map[uint32]uint64

	// ymm[i] holds the 256-bit value as four little-endian 64-bit limbs;
	// limbs 0-1 are the XMM view.
	ymm [16][4]uint64
	k   [8]uint64 // AVX-512 mask registers

	// Pre/post-op shadow copies, compared by hooks, the trace sink, and
	// tests across a single instruction.
	pre  *Snapshot
	post *Snapshot
}

// Snapshot is an immutable copy of the register file at one instant.
type Snapshot struct {
	GPR [gprCount]uint64
	RIP uint64
	YMM [16][4]uint64
}

// New returns a zeroed register file with MSR scratch ready for use.
func New() *File {
	return &File{msr: make(map[uint32]uint64)}
}

// GPR64/Write64 access the full 64-bit register.
func (f *File) GPR64(r Reg) uint64 {
	if r == RIP {
		return f.rip
	}
	return f.gpr[r]
}

func (f *File) WriteGPR64(r Reg, v uint64) {
	if r == RIP {
		f.rip = v
		return
	}
	f.gpr[r] = v
}

// GPR32/WriteGPR32: a 32-bit write zero-extends into the 64-bit parent; a
// 32-bit read simply masks.
func (f *File) GPR32(r Reg) uint32 { return uint32(f.GPR64(r)) }

func (f *File) WriteGPR32(r Reg, v uint32) {
	f.WriteGPR64(r, uint64(v))
}

// GPR16/WriteGPR16: a 16-bit write preserves the upper 48 bits.
func (f *File) GPR16(r Reg) uint16 { return uint16(f.GPR64(r)) }

func (f *File) WriteGPR16(r Reg, v uint16) {
	cur := f.GPR64(r)
	f.WriteGPR64(r, (cur &^ 0xFFFF) | uint64(v))
}

// GPR8Low/High and WriteGPR8Low/High implement the legacy AL/AH-style
// byte aliasing: writing a low or high byte preserves every other bit.
func (f *File) GPR8Low(r Reg) uint8 { return uint8(f.GPR64(r)) }

func (f *File) WriteGPR8Low(r Reg, v uint8) {
	cur := f.GPR64(r)
	f.WriteGPR64(r, (cur &^ 0xFF) | uint64(v))
}

func (f *File) GPR8High(r Reg) uint8 { return uint8(f.GPR64(r) >> 8) }

func (f *File) WriteGPR8High(r Reg, v uint8) {
	cur := f.GPR64(r)
	f.WriteGPR64(r, (cur &^ 0xFF00) | uint64(v)<<8)
}

// RIP / WriteRIP are convenience accessors; EIP / WriteEIP read and
// replace only the low 32 bits for 32-bit mode callers.
func (f *File) RIP() uint64     { return f.rip }
func (f *File) WriteRIP(v uint64) { f.rip = v }
func (f *File) EIP() uint32     { return uint32(f.rip) }
func (f *File) WriteEIP(v uint32) { f.rip = (f.rip &^ 0xFFFFFFFF) | uint64(v) }

// Named resolves a canonical x86 register name (case sensitive, lowercase)
// to an access, mirroring "duck typing by name" with an explicit tagged
// lookup instead.
func (f *File) Named(name string) (get func() uint64, set func(uint64), width int, ok bool) {
	for i, n := range gprNames {
		if n == name {
			r := Reg(i)
			return func() uint64 { return f.GPR64(r) },
				func(v uint64) { f.WriteGPR64(r, v) }, 64, true
		}
		name32 := "e" + n[1:] // rax -> eax, rbx -> ebx, ...
		if i >= 8 {
			name32 = n + "d" // r8 -> r8d, r9 -> r9d, ...
		}
		if name32 == name {
			r := Reg(i)
			return func() uint64 { return uint64(f.GPR32(r)) },
				func(v uint64) { f.WriteGPR32(r, uint32(v)) }, 32, true
		}
	}
	if name == "rip" {
		return f.RIP, f.WriteRIP, 64, true
	}
	if b, ok := byName8[name]; ok {
		r := Reg(b.idx)
		if b.high {
			return func() uint64 { return uint64(f.GPR8High(r)) },
				func(v uint64) { f.WriteGPR8High(r, uint8(v)) }, 8, true
		}
		return func() uint64 { return uint64(f.GPR8Low(r)) },
			func(v uint64) { f.WriteGPR8Low(r, uint8(v)) }, 8, true
	}
	return nil, nil, 0, false
}

// Segment / WriteSegment access selector values; SegmentBase / WriteSegmentBase
// carry the synthetic flat base winenv assigns to FS/GS for TEB access.
func (f *File) Segment(s Seg) uint16       { return f.seg[s] }
func (f *File) WriteSegment(s Seg, v uint16) { f.seg[s] = v }
func (f *File) SegmentBase(s Seg) uint64    { return f.segBase[s] }
func (f *File) WriteSegmentBase(s Seg, v uint64) { f.segBase[s] = v }

// Control / WriteControl and Debug / WriteDebug access CR0-CR15, DR0-DR7.
func (f *File) Control(n int) uint64       { return f.cr[n] }
func (f *File) WriteControl(n int, v uint64) { f.cr[n] = v }
func (f *File) Debug(n int) uint64         { return f.dr[n] }
func (f *File) WriteDebug(n int, v uint64)  { f.dr[n] = v }

// MSR / WriteMSR access the scratch model-specific-register map.
func (f *File) MSR(n uint32) uint64       { return f.msr[n] }
func (f *File) WriteMSR(n uint32, v uint64) { f.msr[n] = v }

// XMM returns the low 128 bits of a YMM register as two u64 limbs.
func (f *File) XMM(n int) (lo, hi uint64) {
	return f.ymm[n][0], f.ymm[n][1]
}

// WriteXMM replaces the low 128 bits of YMM[n], preserving the high 128.
func (f *File) WriteXMM(n int, lo, hi uint64) {
	f.ymm[n][0] = lo
	f.ymm[n][1] = hi
}

// YMM returns all 256 bits of YMM[n].
func (f *File) YMM(n int) [4]uint64 { return f.ymm[n] }

// WriteYMM replaces all 256 bits of YMM[n].
func (f *File) WriteYMM(n int, v [4]uint64) { f.ymm[n] = v }

// Mask / WriteMask access k0..k7.
func (f *File) Mask(n int) uint64       { return f.k[n] }
func (f *File) WriteMask(n int, v uint64) { f.k[n] = v }

// SnapshotPre / SnapshotPost capture a Snapshot before and after a single
// instruction's execution, so hooks/trace/tests can diff architectural
// state across exactly one step.
func (f *File) SnapshotPre()  { f.pre = f.snapshot() }
func (f *File) SnapshotPost() { f.post = f.snapshot() }
func (f *File) Pre() *Snapshot  { return f.pre }
func (f *File) Post() *Snapshot { return f.post }

func (f *File) snapshot() *Snapshot {
	s := &Snapshot{GPR: f.gpr, RIP: f.rip, YMM: f.ymm}
	return s
}
