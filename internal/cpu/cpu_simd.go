/*
 * x86emu - SIMD handlers: SSE/SSE2/SSE3/SSE4 moves and packed arithmetic,
 * AVX/AVX2 lane operations, the FMA family, and AES-NI.
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

import "math"

func init() {
	register([]string{"MOVDQA", "MOVDQU", "MOVAPS", "MOVAPD", "MOVUPS", "MOVUPD"}, opVecMove)
	register([]string{"PXOR"}, vecBinary(func(a, b uint64) uint64 { return a ^ b }))
	register([]string{"PAND"}, vecBinary(func(a, b uint64) uint64 { return a & b }))
	register([]string{"POR"}, vecBinary(func(a, b uint64) uint64 { return a | b }))
	register([]string{"PANDN"}, vecBinary(func(a, b uint64) uint64 { return ^a & b }))

	register([]string{"PADDB"}, packedArith(8, func(a, b uint64) uint64 { return (a + b) & 0xFF }))
	register([]string{"PADDW"}, packedArith(16, func(a, b uint64) uint64 { return (a + b) & 0xFFFF }))
	register([]string{"PADDD"}, packedArith(32, func(a, b uint64) uint64 { return (a + b) & 0xFFFFFFFF }))
	register([]string{"PADDQ"}, packedArith(64, func(a, b uint64) uint64 { return a + b }))
	register([]string{"PSUBB"}, packedArith(8, func(a, b uint64) uint64 { return (a - b) & 0xFF }))
	register([]string{"PSUBW"}, packedArith(16, func(a, b uint64) uint64 { return (a - b) & 0xFFFF }))
	register([]string{"PSUBD"}, packedArith(32, func(a, b uint64) uint64 { return (a - b) & 0xFFFFFFFF }))
	register([]string{"PSUBQ"}, packedArith(64, func(a, b uint64) uint64 { return a - b }))

	register([]string{"PSHUFB"}, opPshufb)
	register([]string{"PACKSSWB"}, opPacksswb)
	register([]string{"PACKUSDW"}, opPackusdw)
	register([]string{"PUNPCKLBW"}, unpack(8, false))
	register([]string{"PUNPCKHBW"}, unpack(8, true))
	register([]string{"PUNPCKLWD"}, unpack(16, false))
	register([]string{"PUNPCKHWD"}, unpack(16, true))
	register([]string{"PUNPCKLDQ"}, unpack(32, false))
	register([]string{"PUNPCKHDQ"}, unpack(32, true))
	register([]string{"PUNPCKLQDQ"}, unpack(64, false))
	register([]string{"PUNPCKHQDQ"}, unpack(64, true))

	register([]string{"VPERMD"}, opVpermd)
	register([]string{"VPERM2I128"}, opVperm2i128)
	register([]string{"VINSERTI128"}, opVinserti128)

	registerFMAFamily()

	register([]string{"AESENC"}, aesRound(false, false))
	register([]string{"AESENCLAST"}, aesRound(false, true))
	register([]string{"AESDEC"}, aesRound(true, false))
	register([]string{"AESDECLAST"}, aesRound(true, true))
	register([]string{"AESIMC"}, opAesimc)
	register([]string{"AESKEYGENASSIST"}, opAeskeygenassist)
}

// opVecMove is MOVDQA/MOVDQU/MOVAPS/MOVAPD/MOVUPS/MOVUPD: a bit-for-bit
// 128- or 256-bit copy. The A-suffixed forms do not fault on a misaligned
// address, here or in internal/memmap, which accepts any byte address;
// nothing distinguishes aligned from unaligned forms beyond the width the
// decoder already resolved.
func opVecMove(c *Context, ins *Instruction) (bool, error) {
	src := ins.Op(1)
	v, err := src.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	return true, ins.Op(0).WriteVector(c.Op, v)
}

// vecBinary applies a 64-bit-lane bitwise op across all four limbs,
// covering PXOR/PAND/POR/PANDN at both 128 and 256 bits.
func vecBinary(op func(a, b uint64) uint64) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		dst, src := ins.Op(0), ins.Op(1)
		a, err := dst.ReadVector(c.Op)
		if err != nil {
			return false, err
		}
		b, err := src.ReadVector(c.Op)
		if err != nil {
			return false, err
		}
		var out [4]uint64
		for i := range out {
			out[i] = op(a[i], b[i])
		}
		return true, dst.WriteVector(c.Op, out)
	}
}

// laneCount returns how many lanes of the given width fit in a vector of
// the given total bit width.
func laneCount(totalBits, laneBits int) int { return totalBits / laneBits }

// getLane reads the i'th laneBits-wide little-endian lane out of the
// 4-limb vector representation.
func getLane(v [4]uint64, i, laneBits int) uint64 {
	bitOff := i * laneBits
	limb := v[bitOff/64]
	shift := uint(bitOff % 64)
	m := uint64(1)<<uint(laneBits) - 1
	if laneBits == 64 {
		m = ^uint64(0)
	}
	return (limb >> shift) & m
}

// setLane writes val into the i'th laneBits-wide lane of v.
func setLane(v *[4]uint64, i, laneBits int, val uint64) {
	bitOff := i * laneBits
	limbIdx := bitOff / 64
	shift := uint(bitOff % 64)
	m := uint64(1)<<uint(laneBits) - 1
	if laneBits == 64 {
		m = ^uint64(0)
	}
	v[limbIdx] = (v[limbIdx] &^ (m << shift)) | ((val & m) << shift)
}

// packedArith applies a lane-width integer op (add/sub, wrapping) across
// every lane of the operand's actual width (128 or 256 bits).
func packedArith(laneBits int, op func(a, b uint64) uint64) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		dst, src := ins.Op(0), ins.Op(1)
		a, err := dst.ReadVector(c.Op)
		if err != nil {
			return false, err
		}
		b, err := src.ReadVector(c.Op)
		if err != nil {
			return false, err
		}
		n := laneCount(dst.Bits, laneBits)
		var out [4]uint64
		for i := 0; i < n; i++ {
			setLane(&out, i, laneBits, op(getLane(a, i, laneBits), getLane(b, i, laneBits)))
		}
		return true, dst.WriteVector(c.Op, out)
	}
}

// opPshufb shuffles bytes of the destination according to the control
// mask in the source: a control byte with bit 7 set zeroes that output
// byte; otherwise the low 4 bits select one of the 16 source bytes,
// operating lane-local per the 128-bit lanes of a 256-bit operand.
func opPshufb(c *Context, ins *Instruction) (bool, error) {
	dst, src := ins.Op(0), ins.Op(1)
	a, err := dst.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	ctl, err := src.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	n := laneCount(dst.Bits, 8)
	lanes := n / 16 // number of independent 128-bit shuffle lanes
	var out [4]uint64
	for lane := 0; lane < lanes; lane++ {
		base := lane * 16
		for i := 0; i < 16; i++ {
			c8 := byte(getLane(ctl, base+i, 8))
			if c8&0x80 != 0 {
				setLane(&out, base+i, 8, 0)
				continue
			}
			idx := base + int(c8&0x0F)
			setLane(&out, base+i, 8, getLane(a, idx, 8))
		}
	}
	return true, dst.WriteVector(c.Op, out)
}

func clampS16(v int32) uint64 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return uint64(uint16(0x8000))
	}
	return uint64(uint16(int16(v)))
}

// opPacksswb packs signed words from dst and src into signed saturated
// bytes: dst's words first, then src's, matching Intel's operand order.
func opPacksswb(c *Context, ins *Instruction) (bool, error) {
	dst, src := ins.Op(0), ins.Op(1)
	a, err := dst.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	b, err := src.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	words := laneCount(dst.Bits, 16)
	lanes := words / 8
	var out [4]uint64
	for lane := 0; lane < lanes; lane++ {
		wbase := lane * 8
		bbase := lane * 16
		for i := 0; i < 8; i++ {
			w := int16(getLane(a, wbase+i, 16))
			setLane(&out, bbase+i, 8, clampS8(int32(w)))
		}
		for i := 0; i < 8; i++ {
			w := int16(getLane(b, wbase+i, 16))
			setLane(&out, bbase+8+i, 8, clampS8(int32(w)))
		}
	}
	return true, dst.WriteVector(c.Op, out)
}

func clampS8(v int32) uint64 {
	if v > 127 {
		return 127
	}
	if v < -128 {
		return uint64(uint8(0x80))
	}
	return uint64(uint8(int8(v)))
}

func clampU16(v int64) uint64 {
	if v > 65535 {
		return 65535
	}
	if v < 0 {
		return 0
	}
	return uint64(uint16(v))
}

// opPackusdw packs signed dwords from dst and src into unsigned saturated
// words, clamping negative values to zero.
func opPackusdw(c *Context, ins *Instruction) (bool, error) {
	dst, src := ins.Op(0), ins.Op(1)
	a, err := dst.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	b, err := src.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	dwords := laneCount(dst.Bits, 32)
	lanes := dwords / 4
	var out [4]uint64
	for lane := 0; lane < lanes; lane++ {
		dbase := lane * 4
		wbase := lane * 8
		for i := 0; i < 4; i++ {
			d := int32(getLane(a, dbase+i, 32))
			setLane(&out, wbase+i, 16, clampU16(int64(d)))
		}
		for i := 0; i < 4; i++ {
			d := int32(getLane(b, dbase+i, 32))
			setLane(&out, wbase+4+i, 16, clampU16(int64(d)))
		}
	}
	return true, dst.WriteVector(c.Op, out)
}

// unpack implements the PUNPCKL*/PUNPCKH* family: interleave the low (or
// high) half-lanes of dst and src, lane-local per 128-bit lane.
func unpack(laneBits int, high bool) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		dst, src := ins.Op(0), ins.Op(1)
		a, err := dst.ReadVector(c.Op)
		if err != nil {
			return false, err
		}
		b, err := src.ReadVector(c.Op)
		if err != nil {
			return false, err
		}
		total := laneCount(dst.Bits, laneBits)
		perLane := 128 / laneBits
		lanes := total / perLane
		var out [4]uint64
		for lane := 0; lane < lanes; lane++ {
			base := lane * perLane
			half := perLane / 2
			start := 0
			if high {
				start = half
			}
			for i := 0; i < half; i++ {
				setLane(&out, base+2*i, laneBits, getLane(a, base+start+i, laneBits))
				setLane(&out, base+2*i+1, laneBits, getLane(b, base+start+i, laneBits))
			}
		}
		return true, dst.WriteVector(c.Op, out)
	}
}

// opVpermd permutes the eight dwords of a YMM source according to the
// low 3 bits of each dword in the index vector.
func opVpermd(c *Context, ins *Instruction) (bool, error) {
	dst, idx, src := ins.Op(0), ins.Op(1), ins.Op(2)
	iv, err := idx.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	sv, err := src.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	var out [4]uint64
	for i := 0; i < 8; i++ {
		sel := int(getLane(iv, i, 32) & 0x7)
		setLane(&out, i, 32, getLane(sv, sel, 32))
	}
	return true, dst.WriteVector(c.Op, out)
}

// opVperm2i128 selects two of the four possible 128-bit lanes (dst's low/
// high, src's low/high, or zero) into the destination's two lanes,
// controlled by the low nibble of each half of the immediate.
func opVperm2i128(c *Context, ins *Instruction) (bool, error) {
	dst, src1, src2, immOp := ins.Op(0), ins.Op(1), ins.Op(2), ins.Op(3)
	a, err := src1.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	b, err := src2.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	imm, err := immOp.Read(c.Op)
	if err != nil {
		return false, err
	}
	pick := func(sel uint64) [2]uint64 {
		if sel&0x8 != 0 {
			return [2]uint64{0, 0}
		}
		switch sel & 0x3 {
		case 0:
			return [2]uint64{a[0], a[1]}
		case 1:
			return [2]uint64{a[2], a[3]}
		case 2:
			return [2]uint64{b[0], b[1]}
		default:
			return [2]uint64{b[2], b[3]}
		}
	}
	lo := pick(imm & 0xF)
	hi := pick((imm >> 4) & 0xF)
	return true, dst.WriteVector(c.Op, [4]uint64{lo[0], lo[1], hi[0], hi[1]})
}

// opVinserti128 inserts a 128-bit source into one of the two lanes of a
// YMM destination, selected by bit 0 of the immediate; the unselected
// lane is copied from the first source operand.
func opVinserti128(c *Context, ins *Instruction) (bool, error) {
	dst, src1, src2, immOp := ins.Op(0), ins.Op(1), ins.Op(2), ins.Op(3)
	a, err := src1.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	b, err := src2.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	imm, err := immOp.Read(c.Op)
	if err != nil {
		return false, err
	}
	out := a
	if imm&1 == 0 {
		out[0], out[1] = b[0], b[1]
	} else {
		out[2], out[3] = b[0], b[1]
	}
	return true, dst.WriteVector(c.Op, out)
}

// --- FMA family -------------------------------------------------------
//
// VFMADD/VFMSUB/VFNMADD/VFNMSUB x {132,213,231} x {PS,PD,SS,SD}: a single-
// rounded fused multiply-add over f32 or f64 lanes. The numeric suffix
// names which operand position plays the addend: for operand order
// (op0, op1, op2) with op0 also read as an implicit third source,
//
//	132: op0 = op0*op2 + op1
//	213: op0 = op1*op0 + op2
//	231: op0 = op1*op2 + op0
//
// matching the accumulator-form convention used across the pack's own
// FMA emitters (dst is always one of the two multiplicands, never purely
// a write-only destination).
func registerFMAFamily() {
	type signing struct{ negProduct, negAddend bool }
	ops := map[string]signing{
		"FMADD":  {false, false},
		"FMSUB":  {false, true},
		"FNMADD": {true, false},
		"FNMSUB": {true, true},
	}
	forms := []string{"132", "213", "231"}
	types := []struct {
		suffix   string
		laneBits int
		scalar   bool
	}{
		{"PD", 64, false},
		{"PS", 32, false},
		{"SD", 64, true},
		{"SS", 32, true},
	}
	for opName, sign := range ops {
		for _, form := range forms {
			for _, t := range types {
				name := "V" + opName + form + t.suffix
				register([]string{name}, fmaOp(form, sign.negProduct, sign.negAddend, t.scalar, t.laneBits))
			}
		}
	}
}

func f64Lanes(v [4]uint64, totalBits, laneBits int) []float64 {
	n := laneCount(totalBits, laneBits)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		raw := getLane(v, i, laneBits)
		if laneBits == 64 {
			out[i] = math.Float64frombits(raw)
		} else {
			out[i] = float64(math.Float32frombits(uint32(raw)))
		}
	}
	return out
}

func f64LanesToVector(lanes []float64, laneBits int) [4]uint64 {
	var out [4]uint64
	for i, f := range lanes {
		if laneBits == 64 {
			setLane(&out, i, 64, math.Float64bits(f))
		} else {
			setLane(&out, i, 32, uint64(math.Float32bits(float32(f))))
		}
	}
	return out
}

// fmaOp builds the Handler for one (form, sign, type) combination. The
// destination operand is read first since, for every form, it also
// supplies one of the three logical operands (multiplicand or addend).
func fmaOp(form string, negProduct, negAddend, scalar bool, laneBits int) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		dst, op1, op2 := ins.Op(0), ins.Op(1), ins.Op(2)
		dv, err := dst.ReadVector(c.Op)
		if err != nil {
			return false, err
		}
		v1, err := op1.ReadVector(c.Op)
		if err != nil {
			return false, err
		}
		v2, err := op2.ReadVector(c.Op)
		if err != nil {
			return false, err
		}
		width := dst.Bits
		d := f64Lanes(dv, width, laneBits)
		l1 := f64Lanes(v1, width, laneBits)
		l2 := f64Lanes(v2, width, laneBits)

		n := len(d)
		if scalar {
			n = 1
		}
		out := make([]float64, len(d))
		copy(out, d)
		for i := 0; i < n; i++ {
			var a, b, addend float64
			switch form {
			case "132":
				a, b, addend = d[i], l2[i], l1[i]
			case "213":
				a, b, addend = l1[i], d[i], l2[i]
			default: // 231
				a, b, addend = l1[i], l2[i], d[i]
			}
			prod := a * b
			if negProduct {
				prod = -prod
			}
			if negAddend {
				out[i] = prod - addend
			} else {
				out[i] = prod + addend
			}
		}
		return true, dst.WriteVector(c.Op, f64LanesToVector(out, laneBits))
	}
}

// --- AES-NI -------------------------------------------------------------

// aesSBox and aesInvSBox are the standard Rijndael S-box and its inverse.
var aesSBox = [256]byte{
	0x63, 0x7c, 0x77, 0x7b, 0xf2, 0x6b, 0x6f, 0xc5, 0x30, 0x01, 0x67, 0x2b, 0xfe, 0xd7, 0xab, 0x76,
	0xca, 0x82, 0xc9, 0x7d, 0xfa, 0x59, 0x47, 0xf0, 0xad, 0xd4, 0xa2, 0xaf, 0x9c, 0xa4, 0x72, 0xc0,
	0xb7, 0xfd, 0x93, 0x26, 0x36, 0x3f, 0xf7, 0xcc, 0x34, 0xa5, 0xe5, 0xf1, 0x71, 0xd8, 0x31, 0x15,
	0x04, 0xc7, 0x23, 0xc3, 0x18, 0x96, 0x05, 0x9a, 0x07, 0x12, 0x80, 0xe2, 0xeb, 0x27, 0xb2, 0x75,
	0x09, 0x83, 0x2c, 0x1a, 0x1b, 0x6e, 0x5a, 0xa0, 0x52, 0x3b, 0xd6, 0xb3, 0x29, 0xe3, 0x2f, 0x84,
	0x53, 0xd1, 0x00, 0xed, 0x20, 0xfc, 0xb1, 0x5b, 0x6a, 0xcb, 0xbe, 0x39, 0x4a, 0x4c, 0x58, 0xcf,
	0xd0, 0xef, 0xaa, 0xfb, 0x43, 0x4d, 0x33, 0x85, 0x45, 0xf9, 0x02, 0x7f, 0x50, 0x3c, 0x9f, 0xa8,
	0x51, 0xa3, 0x40, 0x8f, 0x92, 0x9d, 0x38, 0xf5, 0xbc, 0xb6, 0xda, 0x21, 0x10, 0xff, 0xf3, 0xd2,
	0xcd, 0x0c, 0x13, 0xec, 0x5f, 0x97, 0x44, 0x17, 0xc4, 0xa7, 0x7e, 0x3d, 0x64, 0x5d, 0x19, 0x73,
	0x60, 0x81, 0x4f, 0xdc, 0x22, 0x2a, 0x90, 0x88, 0x46, 0xee, 0xb8, 0x14, 0xde, 0x5e, 0x0b, 0xdb,
	0xe0, 0x32, 0x3a, 0x0a, 0x49, 0x06, 0x24, 0x5c, 0xc2, 0xd3, 0xac, 0x62, 0x91, 0x95, 0xe4, 0x79,
	0xe7, 0xc8, 0x37, 0x6d, 0x8d, 0xd5, 0x4e, 0xa9, 0x6c, 0x56, 0xf4, 0xea, 0x65, 0x7a, 0xae, 0x08,
	0xba, 0x78, 0x25, 0x2e, 0x1c, 0xa6, 0xb4, 0xc6, 0xe8, 0xdd, 0x74, 0x1f, 0x4b, 0xbd, 0x8b, 0x8a,
	0x70, 0x3e, 0xb5, 0x66, 0x48, 0x03, 0xf6, 0x0e, 0x61, 0x35, 0x57, 0xb9, 0x86, 0xc1, 0x1d, 0x9e,
	0xe1, 0xf8, 0x98, 0x11, 0x69, 0xd9, 0x8e, 0x94, 0x9b, 0x1e, 0x87, 0xe9, 0xce, 0x55, 0x28, 0xdf,
	0x8c, 0xa1, 0x89, 0x0d, 0xbf, 0xe6, 0x42, 0x68, 0x41, 0x99, 0x2d, 0x0f, 0xb0, 0x54, 0xbb, 0x16,
}

var aesInvSBox = buildAesInvSBox()

func buildAesInvSBox() [256]byte {
	var t [256]byte
	for i, v := range aesSBox {
		t[v] = byte(i)
	}
	return t
}

func gmul(a, b byte) byte {
	var p byte
	for i := 0; i < 8; i++ {
		if b&1 != 0 {
			p ^= a
		}
		hi := a & 0x80
		a <<= 1
		if hi != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

// vectorToAesBytes lays out the 16 bytes of an XMM register in AES's column-major
// 4x4 state order: byte i occupies row i%4, column i/4.
func vectorToAesBytes(v [4]uint64) [16]byte {
	var b [16]byte
	for i := 0; i < 16; i++ {
		b[i] = byte(getLane(v, i, 8))
	}
	return b
}

func aesBytesToVector(b [16]byte) [4]uint64 {
	var v [4]uint64
	for i := 0; i < 16; i++ {
		setLane(&v, i, 8, uint64(b[i]))
	}
	return v
}

func subBytes(b [16]byte, inv bool) [16]byte {
	var out [16]byte
	box := &aesSBox
	if inv {
		box = &aesInvSBox
	}
	for i, v := range b {
		out[i] = box[v]
	}
	return out
}

// shiftRows / invShiftRows operate on the column-major state where byte
// index = row + 4*col.
func shiftRows(b [16]byte) [16]byte {
	var out [16]byte
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			srcCol := (col + row) % 4
			out[row+4*col] = b[row+4*srcCol]
		}
	}
	return out
}

func invShiftRows(b [16]byte) [16]byte {
	var out [16]byte
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			srcCol := (col - row + 4) % 4
			out[row+4*col] = b[row+4*srcCol]
		}
	}
	return out
}

func mixColumns(b [16]byte) [16]byte {
	var out [16]byte
	for col := 0; col < 4; col++ {
		a0, a1, a2, a3 := b[4*col], b[4*col+1], b[4*col+2], b[4*col+3]
		out[4*col] = gmul(a0, 2) ^ gmul(a1, 3) ^ a2 ^ a3
		out[4*col+1] = a0 ^ gmul(a1, 2) ^ gmul(a2, 3) ^ a3
		out[4*col+2] = a0 ^ a1 ^ gmul(a2, 2) ^ gmul(a3, 3)
		out[4*col+3] = gmul(a0, 3) ^ a1 ^ a2 ^ gmul(a3, 2)
	}
	return out
}

func invMixColumns(b [16]byte) [16]byte {
	var out [16]byte
	for col := 0; col < 4; col++ {
		a0, a1, a2, a3 := b[4*col], b[4*col+1], b[4*col+2], b[4*col+3]
		out[4*col] = gmul(a0, 0x0e) ^ gmul(a1, 0x0b) ^ gmul(a2, 0x0d) ^ gmul(a3, 0x09)
		out[4*col+1] = gmul(a0, 0x09) ^ gmul(a1, 0x0e) ^ gmul(a2, 0x0b) ^ gmul(a3, 0x0d)
		out[4*col+2] = gmul(a0, 0x0d) ^ gmul(a1, 0x09) ^ gmul(a2, 0x0e) ^ gmul(a3, 0x0b)
		out[4*col+3] = gmul(a0, 0x0b) ^ gmul(a1, 0x0d) ^ gmul(a2, 0x09) ^ gmul(a3, 0x0e)
	}
	return out
}

func xorBytes(a, b [16]byte) [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// aesRound implements one AES round (AESENC/AESDEC and their *LAST
// variants): dst holds the state, src the round key. Last-round forms
// skip Mix/InvMixColumns, matching the architectural definition of the
// final round.
func aesRound(decrypt, last bool) Handler {
	return func(c *Context, ins *Instruction) (bool, error) {
		dst, src := ins.Op(0), ins.Op(1)
		dv, err := dst.ReadVector(c.Op)
		if err != nil {
			return false, err
		}
		sv, err := src.ReadVector(c.Op)
		if err != nil {
			return false, err
		}
		state := vectorToAesBytes(dv)
		key := vectorToAesBytes(sv)
		if decrypt {
			state = invShiftRows(state)
			state = subBytes(state, true)
			if !last {
				state = invMixColumns(state)
			}
		} else {
			state = shiftRows(state)
			state = subBytes(state, false)
			if !last {
				state = mixColumns(state)
			}
		}
		state = xorBytes(state, key)
		return true, dst.WriteVector(c.Op, aesBytesToVector(state))
	}
}

// opAesimc applies InvMixColumns to the source, used to convert an
// encryption round key into the form AESDEC expects.
func opAesimc(c *Context, ins *Instruction) (bool, error) {
	dst, src := ins.Op(0), ins.Op(1)
	sv, err := src.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	out := invMixColumns(vectorToAesBytes(sv))
	return true, dst.WriteVector(c.Op, aesBytesToVector(out))
}

// opAeskeygenassist produces the next round-key material per the
// architectural definition: the S-box of source dwords 1 and 3 goes to
// destination dwords 0 and 2, and the same values rotated and XORed with
// the round constant (the immediate) go to destination dwords 1 and 3.
func opAeskeygenassist(c *Context, ins *Instruction) (bool, error) {
	dst, src, immOp := ins.Op(0), ins.Op(1), ins.Op(2)
	sv, err := src.ReadVector(c.Op)
	if err != nil {
		return false, err
	}
	imm, err := immOp.Read(c.Op)
	if err != nil {
		return false, err
	}
	rcon := byte(imm)
	sub := func(d uint32) uint32 {
		b0 := aesSBox[byte(d)]
		b1 := aesSBox[byte(d>>8)]
		b2 := aesSBox[byte(d>>16)]
		b3 := aesSBox[byte(d>>24)]
		return uint32(b0) | uint32(b1)<<8 | uint32(b2)<<16 | uint32(b3)<<24
	}
	rotWord := func(d uint32) uint32 { return d>>8 | d<<24 }

	x1 := uint32(getLane(sv, 1, 32))
	x3 := uint32(getLane(sv, 3, 32))
	s1 := sub(x1)
	s3 := sub(x3)
	var out [4]uint64
	setLane(&out, 0, 32, uint64(s1))
	setLane(&out, 1, 32, uint64(rotWord(s1)^uint32(rcon)))
	setLane(&out, 2, 32, uint64(s3))
	setLane(&out, 3, 32, uint64(rotWord(s3)^uint32(rcon)))
	return true, dst.WriteVector(c.Op, out)
}
