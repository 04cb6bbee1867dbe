/*
 * x86emu - EFLAGS derivation for arithmetic, logical and shift/rotate ops.
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

// Package flags derives CF/OF/SF/ZF/AF/PF from arithmetic, logical and
// shift/rotate results at operand widths 8, 16, 32 and 64, and holds the
// remaining EFLAGS bits (TF/IF/DF plus the reserved-bit mask) that do not
// derive from a result but are set directly by instructions or the OS
// environment.
package flags

// Width is an arithmetic operand width in bits.
type Width int

const (
	W8  Width = 8
	W16 Width = 16
	W32 Width = 32
	W64 Width = 64
)

// bit positions within EFLAGS.
const (
	bitCF = 1 << 0
	bitPF = 1 << 2
	bitAF = 1 << 4
	bitZF = 1 << 6
	bitSF = 1 << 7
	bitTF = 1 << 8
	bitIF = 1 << 9
	bitDF = 1 << 10
	bitOF = 1 << 11
)

// definedMask covers every bit this engine models; EFLAGS.Load masks writes
// to it and leaves every other (reserved) bit as the architectural default.
const definedMask = bitCF | bitPF | bitAF | bitZF | bitSF | bitTF | bitIF | bitDF | bitOF

// reservedBit1 is always 1 per the x86 architecture (bit 1 of EFLAGS).
const reservedBit1 = 1 << 1

// parityTable[b] is true when the population count of byte b is even.
var parityTable [256]bool

func init() {
	for b := 0; b < 256; b++ {
		c := 0
		for v := b; v != 0; v >>= 1 {
			c += v & 1
		}
		parityTable[b] = c%2 == 0
	}
}

// Flags holds CF/PF/AF/ZF/SF/TF/IF/DF/OF as independent booleans.
type Flags struct {
	CF, PF, AF, ZF, SF, TF, IF, DF, OF bool
}

// Dump packs the flag set into a 32-bit EFLAGS image; reserved bits other
// than bit 1 read as zero.
func (f *Flags) Dump() uint32 {
	var v uint32 = reservedBit1
	if f.CF {
		v |= bitCF
	}
	if f.PF {
		v |= bitPF
	}
	if f.AF {
		v |= bitAF
	}
	if f.ZF {
		v |= bitZF
	}
	if f.SF {
		v |= bitSF
	}
	if f.TF {
		v |= bitTF
	}
	if f.IF {
		v |= bitIF
	}
	if f.DF {
		v |= bitDF
	}
	if f.OF {
		v |= bitOF
	}
	return v
}

// Load unpacks a 32-bit EFLAGS image, ignoring every bit this engine does
// not model.
func (f *Flags) Load(v uint32) {
	v &= definedMask
	f.CF = v&bitCF != 0
	f.PF = v&bitPF != 0
	f.AF = v&bitAF != 0
	f.ZF = v&bitZF != 0
	f.SF = v&bitSF != 0
	f.TF = v&bitTF != 0
	f.IF = v&bitIF != 0
	f.DF = v&bitDF != 0
	f.OF = v&bitOF != 0
}

func mask(w Width) uint64 {
	switch w {
	case W8:
		return 0xFF
	case W16:
		return 0xFFFF
	case W32:
		return 0xFFFFFFFF
	default:
		return 0xFFFFFFFFFFFFFFFF
	}
}

func msb(w Width) uint64 {
	switch w {
	case W8:
		return 0x80
	case W16:
		return 0x8000
	case W32:
		return 0x80000000
	default:
		return 0x8000000000000000
	}
}

func signExtend(v uint64, w Width) int64 {
	m := msb(w)
	mv := v & mask(w)
	if mv&m != 0 {
		return int64(mv | ^mask(w))
	}
	return int64(mv)
}

func (f *Flags) setCommon(result uint64, w Width) uint64 {
	r := result & mask(w)
	f.ZF = r == 0
	f.SF = r&msb(w) != 0
	f.PF = parityTable[byte(r)]
	return r
}

// Add sets flags for an unsigned/signed addition at width w and returns
// the masked sum; src1/src2 are the raw (unmasked) operands.
func (f *Flags) Add(src1, src2 uint64, w Width) uint64 {
	full := src1 + src2
	r := f.setCommon(full, w)
	f.CF = (full & mask(w)) < (src1 & mask(w))
	f.AF = (src1&0xF)+(src2&0xF) > 0xF
	s1, s2 := signExtend(src1, w), signExtend(src2, w)
	sr := signExtend(r, w)
	f.OF = (s1 >= 0) == (s2 >= 0) && (sr >= 0) != (s1 >= 0)
	return r
}

// Sub sets flags for src1 - src2 at width w and returns the masked
// difference. Cmp is Sub without the caller writing the result back.
func (f *Flags) Sub(src1, src2 uint64, w Width) uint64 {
	full := src1 - src2
	r := f.setCommon(full, w)
	f.CF = (src1 & mask(w)) < (src2 & mask(w))
	f.AF = (src1 & 0xF) < (src2 & 0xF)
	s1, s2 := signExtend(src1, w), signExtend(src2, w)
	sr := signExtend(r, w)
	f.OF = (s1 >= 0) != (s2 >= 0) && (sr >= 0) != (s1 >= 0)
	return r
}

// Cmp sets flags identically to Sub without exposing the difference, for
// callers that only want the comparison side effect.
func (f *Flags) Cmp(src1, src2 uint64, w Width) {
	f.Sub(src1, src2, w)
}

// And/Or/Xor set flags for bitwise ops: OF and CF are always cleared, AF is
// undefined (cleared here), ZF/SF/PF come from the masked result.
func (f *Flags) And(src1, src2 uint64, w Width) uint64 { return f.logical(src1 & src2, w) }
func (f *Flags) Or(src1, src2 uint64, w Width) uint64  { return f.logical(src1 | src2, w) }
func (f *Flags) Xor(src1, src2 uint64, w Width) uint64 { return f.logical(src1 ^ src2, w) }

func (f *Flags) logical(result uint64, w Width) uint64 {
	r := f.setCommon(result, w)
	f.CF = false
	f.OF = false
	f.AF = false
	return r
}

// Mul sets flags for an unsigned multiply; returns (low, high) halves at
// width w. CF=OF=1 unless the high half is zero.
func (f *Flags) Mul(src1, src2 uint64, w Width) (lo, hi uint64) {
	full := (src1 & mask(w)) * (src2 & mask(w))
	lo = full & mask(w)
	hi = (full >> uint(w)) & mask(w)
	f.CF = hi != 0
	f.OF = hi != 0
	return lo, hi
}

// IMul sets flags for a signed multiply; returns (low, high) halves at
// width w. CF=OF=1 unless the high half is the sign extension of low.
func (f *Flags) IMul(src1, src2 uint64, w Width) (lo, hi uint64) {
	s1, s2 := signExtend(src1, w), signExtend(src2, w)
	full := uint64(s1 * s2)
	lo = full & mask(w)
	hi = (full >> uint(w)) & mask(w)
	signExtLow := uint64(0)
	if signExtend(lo, w) < 0 {
		signExtLow = mask(w)
	}
	f.CF = hi != signExtLow
	f.OF = f.CF
	return lo, hi
}

// Inc/Dec set every flag Add/Sub would except CF, which INC/DEC leave
// untouched by architectural definition.
func (f *Flags) Inc(src uint64, w Width) uint64 {
	saved := f.CF
	r := f.Add(src, 1, w)
	f.CF = saved
	return r
}

func (f *Flags) Dec(src uint64, w Width) uint64 {
	saved := f.CF
	r := f.Sub(src, 1, w)
	f.CF = saved
	return r
}

// Shl shifts left by count, the standard SHL/SAL family. A zero count
// leaves every flag untouched. CF is the last bit shifted out; OF is
// defined only for count==1 (XOR of the two top result bits before/after).
func (f *Flags) Shl(src uint64, count uint, w Width) uint64 {
	if count == 0 {
		return src & mask(w)
	}
	v := src & mask(w)
	var lastOut uint64
	if count <= uint(w) {
		lastOut = (v >> (uint(w) - count)) & 1
	}
	r := (v << count) & mask(w)
	f.setCommon(r, w)
	f.CF = lastOut != 0
	if count == 1 {
		f.OF = (r&msb(w) != 0) != f.CF
	}
	return r
}

// Shr is the logical right shift (SHR); high bits feed in as zero.
func (f *Flags) Shr(src uint64, count uint, w Width) uint64 {
	if count == 0 {
		return src & mask(w)
	}
	v := src & mask(w)
	topBefore := v&msb(w) != 0
	var lastOut uint64
	if count >= 1 && count <= uint(w) {
		lastOut = (v >> (count - 1)) & 1
	}
	r := v >> count
	f.setCommon(r, w)
	f.CF = lastOut != 0
	if count == 1 {
		f.OF = topBefore
	}
	return r
}

// Sar is the arithmetic right shift; the sign bit is replicated in.
func (f *Flags) Sar(src uint64, count uint, w Width) uint64 {
	if count == 0 {
		return src & mask(w)
	}
	s := signExtend(src, w)
	var lastOut uint64
	if count >= 1 {
		shiftCount := count
		if shiftCount > 63 {
			shiftCount = 63
		}
		lastOut = uint64(s>>(shiftCount-1)) & 1
	}
	shiftCount := count
	if shiftCount > 63 {
		shiftCount = 63
	}
	r := uint64(s>>shiftCount) & mask(w)
	f.setCommon(r, w)
	f.CF = lastOut != 0
	if count == 1 {
		f.OF = false
	}
	return r
}

// Rol rotates left by count mod w; OF is defined only for count==1.
func (f *Flags) Rol(src uint64, count uint, w Width) uint64 {
	n := uint(w)
	c := count % n
	v := src & mask(w)
	if c == 0 {
		f.CF = v&1 != 0
		return v
	}
	r := ((v << c) | (v >> (n - c))) & mask(w)
	f.CF = r&1 != 0
	if count == 1 {
		f.OF = (r&msb(w) != 0) != f.CF
	}
	return r
}

// Ror rotates right by count mod w; OF is defined only for count==1.
func (f *Flags) Ror(src uint64, count uint, w Width) uint64 {
	n := uint(w)
	c := count % n
	v := src & mask(w)
	if c == 0 {
		f.CF = v&msb(w) != 0
		return v
	}
	r := ((v >> c) | (v << (n - c))) & mask(w)
	f.CF = r&msb(w) != 0
	if count == 1 {
		top1 := r&msb(w) != 0
		top2 := (r<<1)&msb(w) != 0
		f.OF = top1 != top2
	}
	return r
}

// Rcl rotates left through carry by count mod (w+1).
func (f *Flags) Rcl(src uint64, count uint, w Width) uint64 {
	n := uint(w)
	v := src & mask(w)
	cin := f.CF
	c := count % (n + 1)
	for i := uint(0); i < c; i++ {
		newCin := v&msb(w) != 0
		v = (v << 1) & mask(w)
		if cin {
			v |= 1
		}
		cin = newCin
	}
	f.CF = cin
	if count == 1 {
		f.OF = (v&msb(w) != 0) != f.CF
	}
	return v
}

// Rcr rotates right through carry by count mod (w+1).
func (f *Flags) Rcr(src uint64, count uint, w Width) uint64 {
	n := uint(w)
	v := src & mask(w)
	cin := f.CF
	c := count % (n + 1)
	if count == 1 {
		f.OF = (v&msb(w) != 0) != cin
	}
	for i := uint(0); i < c; i++ {
		newCin := v&1 != 0
		v >>= 1
		if cin {
			v |= msb(w)
		}
		cin = newCin
	}
	f.CF = cin
	return v
}
