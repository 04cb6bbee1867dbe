/*
 * x86emu - x87 FPU: 80-bit extended-precision register stack.
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

// Package fpu models the x87 floating point unit: an 8-slot rotating
// register stack of 80-bit extended values, control/status/tag words, and
// the f64<->f80 and BCD10<->f80 conversions FLD/FSTP/FBLD/FBSTP need.
// Transcendentals are computed at f64 precision via the standard math
// package and re-widened to f80, per the tolerance this core's callers are
// expected to accept on the last few mantissa bits.
package fpu

import (
	"fmt"
	"math"
)

const stackDepth = 8

// F80 is an IEEE 754 double-extended value: sign, 15-bit exponent, an
// explicit integer bit, and a 63-bit fraction (bit 63 of Mantissa is the
// integer bit; bits 62..0 are the fraction).
type F80 struct {
	Sign     bool
	Exponent uint16 // biased, 15 bits
	Mantissa uint64 // includes explicit integer bit at bit 63
}

const f80Bias = 16383
const f64Bias = 1023

// FromF64 widens a float64 to the f80 encoding, rebiasing the exponent and
// setting the explicit integer bit. Subnormal f64 inputs flush to zero.
func FromF64(v float64) F80 {
	bits := math.Float64bits(v)
	sign := bits>>63 != 0
	exp := int64((bits >> 52) & 0x7FF)
	frac := bits & 0xFFFFFFFFFFFFF

	switch {
	case exp == 0x7FF:
		// Inf or NaN: carry the payload, exponent goes to all-ones.
		mant := uint64(1) << 63
		if frac != 0 {
			mant |= frac << 11 // NaN payload, keep leading bits
			mant |= 1 << 62    // ensure quiet-NaN-shaped payload is non-zero
		}
		return F80{Sign: sign, Exponent: 0x7FFF, Mantissa: mant}
	case exp == 0:
		// Zero or subnormal: flush to signed zero.
		return F80{Sign: sign, Exponent: 0, Mantissa: 0}
	default:
		newExp := exp - f64Bias + f80Bias
		mant := (uint64(1) << 63) | (frac << 11)
		return F80{Sign: sign, Exponent: uint16(newExp), Mantissa: mant}
	}
}

// ToF64 narrows an f80 value to float64, with round-to-nearest on the
// dropped low 11 mantissa bits.
func (v F80) ToF64() float64 {
	if v.Exponent == 0 && v.Mantissa == 0 {
		return signedZero(v.Sign)
	}
	if v.Exponent == 0x7FFF {
		if v.Mantissa == 1<<63 {
			return signedInf(v.Sign)
		}
		return math.NaN()
	}

	exp := int64(v.Exponent) - f80Bias + f64Bias
	frac := (v.Mantissa &^ (uint64(1) << 63)) >> 11
	// round to nearest from the 11 dropped bits
	roundBit := (v.Mantissa >> 10) & 1
	if roundBit != 0 {
		frac++
		if frac > 0xFFFFFFFFFFFFF {
			frac = 0
			exp++
		}
	}
	if exp <= 0 {
		return signedZero(v.Sign)
	}
	if exp >= 0x7FF {
		return signedInf(v.Sign)
	}

	bits := uint64(exp) << 52
	bits |= frac
	if v.Sign {
		bits |= 1 << 63
	}
	return math.Float64frombits(bits)
}

func signedZero(neg bool) float64 {
	if neg {
		return math.Copysign(0, -1)
	}
	return 0
}

func signedInf(neg bool) float64 {
	if neg {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// Tag values for the tag word, two bits per stack slot.
const (
	TagValid   = 0
	TagZero    = 1
	TagSpecial = 2 // NaN, infinity, denormal
	TagEmpty   = 3
)

// ControlWord bit layout.
const (
	CtrlIM = 1 << 0
	CtrlDM = 1 << 1
	CtrlZM = 1 << 2
	CtrlOM = 1 << 3
	CtrlUM = 1 << 4
	CtrlPM = 1 << 5
	// Precision control, bits 8-9: 00=single 10=double 11=extended.
	PrecSingle   = 0
	PrecDouble   = 2
	PrecExtended = 3
	// Rounding control, bits 10-11: 00=nearest 01=down 10=up 11=chop.
	RoundNearest   = 0
	RoundDown      = 1
	RoundUp        = 2
	RoundTruncate  = 3
)

// StatusWord bit layout (condition codes live at bits 8,9,10,14).
const (
	StatIE = 1 << 0
	StatDE = 1 << 1
	StatZE = 1 << 2
	StatOE = 1 << 3
	StatUE = 1 << 4
	StatPE = 1 << 5
	StatSF = 1 << 6
	StatES = 1 << 7
	StatC0 = 1 << 8
	StatC1 = 1 << 9
	StatC2 = 1 << 10
	StatTopShift = 11
	StatTopMask  = 0x7 << StatTopShift
	StatC3 = 1 << 14
	StatB  = 1 << 15
)

// State is the complete x87 FPU architectural state.
type State struct {
	stack [stackDepth]F80
	top   int
	tag   uint16 // 2 bits per slot, slot i at bits [2i:2i+2)
	ctrl  uint16
	stat  uint16 // TOP lives inside stat per StatTopMask; top mirrors it
	opWord uint16
	lastIP uint64
	lastDataPtr uint64
	xmmMXCSR uint32
}

// New returns an FPU state post-FINIT.
func New() *State {
	s := &State{}
	s.Init()
	return s
}

// Init implements FINIT: control=0x037F, status=0, tag=all-empty (0xFFFF).
func (s *State) Init() {
	s.ctrl = 0x037F
	s.stat = 0
	s.tag = 0xFFFF
	s.top = 0
	s.opWord = 0
	s.lastIP = 0
	s.lastDataPtr = 0
}

func (s *State) tagSlot(i int) uint16 {
	return (s.tag >> uint(2*i)) & 0x3
}

func (s *State) setTagSlot(i int, v uint16) {
	s.tag = (s.tag &^ (0x3 << uint(2*i))) | (v&0x3)<<uint(2*i)
}

func (s *State) syncTop() {
	s.stat = (s.stat &^ uint16(StatTopMask)) | uint16(s.top&0x7)<<StatTopShift
}

// Push implements the register-stack push used by every FLD-family op:
// TOP decrements (mod 8) then the new value lands in ST(0), tagged from the
// value alone. The previous tag of the slot is not checked: pushing onto a
// slot already tagged valid overwrites it and raises no stack fault.
func (s *State) Push(v F80) {
	s.top = (s.top - 1 + stackDepth) % stackDepth
	s.stack[s.top] = v
	tag := TagValid
	switch {
	case v.Exponent == 0 && v.Mantissa == 0:
		tag = TagZero
	case v.Exponent == 0x7FFF:
		tag = TagSpecial
	}
	s.setTagSlot(s.top, uint16(tag))
	s.syncTop()
}

// Pop implements the register-stack pop used by every FSTP-family op:
// returns ST(0), tags that slot empty, and advances TOP.
func (s *State) Pop() F80 {
	v := s.stack[s.top]
	s.setTagSlot(s.top, TagEmpty)
	s.top = (s.top + 1) % stackDepth
	s.syncTop()
	return v
}

// ST returns ST(i) without popping.
func (s *State) ST(i int) F80 {
	return s.stack[(s.top+i)%stackDepth]
}

// WriteST overwrites ST(i) in place (used by FADD/FMUL-with-writeback etc).
func (s *State) WriteST(i int, v F80) {
	idx := (s.top + i) % stackDepth
	s.stack[idx] = v
	tag := TagValid
	switch {
	case v.Exponent == 0 && v.Mantissa == 0:
		tag = TagZero
	case v.Exponent == 0x7FFF:
		tag = TagSpecial
	}
	s.setTagSlot(idx, uint16(tag))
}

func (s *State) Top() int    { return s.top }
func (s *State) Tag() uint16 { return s.tag }
func (s *State) Control() uint16       { return s.ctrl }
func (s *State) WriteControl(v uint16) { s.ctrl = v }
func (s *State) Status() uint16        { return s.stat }

// FSTSW differs from FNSTSW only in that the former observes pending
// unmasked exceptions before reading; this core has no pending-exception
// producer yet so both return the same status word.
func (s *State) FStatusWord() uint16 { return s.stat }

func (s *State) SetCondition(c0, c1, c2, c3 bool) {
	set := func(bit uint16, v bool) {
		if v {
			s.stat |= bit
		} else {
			s.stat &^= bit
		}
	}
	set(StatC0, c0)
	set(StatC1, c1)
	set(StatC2, c2)
	set(StatC3, c3)
}

// MXCSR / WriteMXCSR back FXSAVE/FXRSTOR's MXCSR field.
func (s *State) MXCSR() uint32       { return s.xmmMXCSR }
func (s *State) WriteMXCSR(v uint32) { s.xmmMXCSR = v }

// SaveArea is the FSAVE state as a struct rather than a byte image
// (control/status/tag words, last instruction and data pointers, opcode,
// plus the 8 ST slots). MXCSR is not part of it (State holds it, see
// MXCSR), and the XMM bank lives in the registers package.
type SaveArea struct {
	Control   uint16
	Status    uint16
	Tag       uint16
	LastIP    uint64
	LastData  uint64
	OpWord    uint16
	Registers [stackDepth]F80
}

// Save implements FSAVE: captures the full state then reinitializes, per
// the documented FSAVE semantics (unlike FSTENV, which does not reinit).
func (s *State) Save() SaveArea {
	area := SaveArea{
		Control:  s.ctrl,
		Status:   s.stat,
		Tag:      s.tag,
		LastIP:   s.lastIP,
		LastData: s.lastDataPtr,
		OpWord:   s.opWord,
	}
	for i := 0; i < stackDepth; i++ {
		area.Registers[i] = s.stack[i]
	}
	s.Init()
	return area
}

// Restore implements FRSTOR: reloads a previously-saved area verbatim.
func (s *State) Restore(area SaveArea) {
	s.ctrl = area.Control
	s.stat = area.Status
	s.tag = area.Tag
	s.lastIP = area.LastIP
	s.lastDataPtr = area.LastData
	s.opWord = area.OpWord
	s.top = int(area.Status&StatTopMask) >> StatTopShift
	s.stack = area.Registers
}

// BCD10 is the 10-byte packed-BCD memory image FBSTP writes and FBLD reads:
// 9 bytes of BCD-paired decimal digits (18 digits) plus a sign byte.
type BCD10 [10]byte

// ErrInvalidBCD signals a nibble outside 0-9 during FBLD.
var ErrInvalidBCD = fmt.Errorf("invalid BCD nibble")

// ToBCD packs a signed integer magnitude |v| <= 999999999999999999 into the
// ten-byte FBSTP image. v's sign selects the sign byte (0x00 or 0x80).
func ToBCD(v int64) BCD10 {
	var out BCD10
	neg := v < 0
	mag := v
	if neg {
		mag = -mag
	}
	for i := 0; i < 9; i++ {
		lo := byte(mag % 10)
		mag /= 10
		hi := byte(mag % 10)
		mag /= 10
		out[i] = lo | hi<<4
	}
	if neg {
		out[9] = 0x80
	}
	return out
}

// FromBCD unpacks a ten-byte FBLD image into a signed integer, rejecting
// any nibble outside 0-9.
func FromBCD(b BCD10) (int64, error) {
	var mag int64
	for i := 8; i >= 0; i-- {
		hi := b[i] >> 4
		lo := b[i] & 0xF
		if hi > 9 || lo > 9 {
			return 0, ErrInvalidBCD
		}
		mag = mag*10 + int64(hi)
		mag = mag*10 + int64(lo)
	}
	if b[9]&0x80 != 0 {
		mag = -mag
	}
	return mag, nil
}

// Transcendentals, computed at f64 precision and re-widened to f80.

func F2XM1(v F80) F80  { return FromF64(math.Exp2(v.ToF64()) - 1) }
func Sin(v F80) F80    { return FromF64(math.Sin(v.ToF64())) }
func Cos(v F80) F80    { return FromF64(math.Cos(v.ToF64())) }
func Sqrt(v F80) F80   { return FromF64(math.Sqrt(v.ToF64())) }

// Ptan returns (tan(v), 1.0), matching FPTAN's stack-push-of-1.0 contract.
func Ptan(v F80) (tan, one F80) {
	return FromF64(math.Tan(v.ToF64())), FromF64(1.0)
}

// Yl2x computes y * log2(x), as used by FYL2X.
func Yl2x(x, y F80) F80 {
	return FromF64(y.ToF64() * math.Log2(x.ToF64()))
}

// Yl2xp1 computes y * log2(x+1), as used by FYL2XP1.
func Yl2xp1(x, y F80) F80 {
	return FromF64(y.ToF64() * math.Log2(x.ToF64()+1))
}
