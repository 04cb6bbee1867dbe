/*
 * x86emu - Register file tests.
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

package registers

import "testing"

func TestSubRegisterAliasing(t *testing.T) {
	f := New()
	f.WriteGPR32(RAX, 0x12345678)
	if got := f.GPR64(RAX); got != 0x12345678 {
		t.Fatalf("write_eax should zero-extend: got 0x%x", got)
	}
	if got := f.GPR8High(RAX); got != 0x56 {
		t.Fatalf("read_ah: got 0x%x want 0x56", got)
	}

	f.WriteGPR64(RAX, 0xFFFFFFFFFFFFFFFF)
	f.WriteGPR16(RAX, 0x1234)
	if got := f.GPR64(RAX); got != 0xFFFFFFFFFFFF1234 {
		t.Fatalf("16-bit write should preserve upper 48 bits: got 0x%x", got)
	}

	f.WriteGPR64(RAX, 0xFFFFFFFFFFFFFFFF)
	f.WriteGPR8Low(RAX, 0xAB)
	if got := f.GPR64(RAX); got != 0xFFFFFFFFFFFFFFAB {
		t.Fatalf("8-bit low write should preserve other bytes: got 0x%x", got)
	}

	f.WriteGPR64(RAX, 0xFFFFFFFFFFFFFFFF)
	f.WriteGPR8High(RAX, 0xCD)
	if got := f.GPR64(RAX); got != 0xFFFFFFFFFFFFCDFF {
		t.Fatalf("8-bit high write should preserve other bytes: got 0x%x", got)
	}
}

func TestXMMYMMAliasing(t *testing.T) {
	f := New()
	f.WriteYMM(0, [4]uint64{1, 2, 3, 4})
	f.WriteXMM(0, 0xAA, 0xBB)
	got := f.YMM(0)
	if got != [4]uint64{0xAA, 0xBB, 3, 4} {
		t.Fatalf("XMM write should preserve high 128 bits of YMM: got %v", got)
	}

	f.WriteYMM(1, [4]uint64{9, 9, 9, 9})
	lo, hi := f.XMM(1)
	if lo != 9 || hi != 9 {
		t.Fatalf("XMM should read low 128 of YMM: got %x %x", lo, hi)
	}
}

func TestNamedAccess(t *testing.T) {
	f := New()
	get, set, width, ok := f.Named("eax")
	if !ok || width != 32 {
		t.Fatalf("Named(eax) failed: ok=%v width=%d", ok, width)
	}
	set(0x1000)
	if f.GPR64(RAX) != 0x1000 {
		t.Fatalf("Named(eax) set didn't write through")
	}
	if get() != 0x1000 {
		t.Fatalf("Named(eax) get mismatch")
	}

	_, set8, width8, ok8 := f.Named("ah")
	if !ok8 || width8 != 8 {
		t.Fatalf("Named(ah) failed")
	}
	set8(0xFF)
	if f.GPR8High(RAX) != 0xFF {
		t.Fatalf("Named(ah) set didn't write through")
	}
}

func TestSnapshotDiff(t *testing.T) {
	f := New()
	f.WriteGPR64(RAX, 1)
	f.SnapshotPre()
	f.WriteGPR64(RAX, 2)
	f.SnapshotPost()

	if f.Pre().GPR[RAX] != 1 || f.Post().GPR[RAX] != 2 {
		t.Fatalf("pre/post snapshots did not capture the single-step change")
	}
}
