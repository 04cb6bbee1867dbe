/*
 * x86emu - FPU tests.
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

package fpu

import (
	"math"
	"testing"
)

func TestF64RoundTrip(t *testing.T) {
	vals := []float64{0, 1, -1, 3.14159265358979, 1e300, -1e-300, 123456.789}
	for _, v := range vals {
		got := FromF64(v).ToF64()
		if got != v {
			t.Fatalf("round trip mismatch for %v: got %v", v, got)
		}
	}
}

func TestF64SpecialValues(t *testing.T) {
	if got := FromF64(math.Inf(1)).ToF64(); !math.IsInf(got, 1) {
		t.Fatalf("+Inf round trip: got %v", got)
	}
	if got := FromF64(math.Inf(-1)).ToF64(); !math.IsInf(got, -1) {
		t.Fatalf("-Inf round trip: got %v", got)
	}
	if got := FromF64(math.NaN()).ToF64(); !math.IsNaN(got) {
		t.Fatalf("NaN round trip: got %v", got)
	}
}

func TestPushPopRestoresTopAndTag(t *testing.T) {
	s := New()
	top0 := s.Top()
	tag0 := s.Tag()
	s.Push(FromF64(1.5))
	if s.Top() == top0 {
		t.Fatalf("push must move TOP")
	}
	if s.tagSlot(s.Top()) != TagValid {
		t.Fatalf("pushed slot should tag valid")
	}
	v := s.Pop()
	if v.ToF64() != 1.5 {
		t.Fatalf("pop returned wrong value: %v", v.ToF64())
	}
	if s.Top() != top0 {
		t.Fatalf("push then pop should restore TOP: got %d want %d", s.Top(), top0)
	}
	if s.Tag() != tag0 {
		t.Fatalf("push then pop should restore the tag word: got %#x want %#x", s.Tag(), tag0)
	}
}

func TestFinitResetsState(t *testing.T) {
	s := New()
	s.Push(FromF64(1))
	s.ctrl = 0
	s.Init()
	if s.ctrl != 0x037F || s.stat != 0 || s.tag != 0xFFFF {
		t.Fatalf("FINIT did not reset control/status/tag: ctrl=%x stat=%x tag=%x", s.ctrl, s.stat, s.tag)
	}
}

func TestSaveReinitializesRestoreReloads(t *testing.T) {
	s := New()
	s.Push(FromF64(42))
	area := s.Save()
	if s.tag != 0xFFFF {
		t.Fatalf("FSAVE should reinitialize the live state")
	}
	s.Restore(area)
	if s.ST(0).ToF64() != 42 {
		t.Fatalf("FRSTOR did not reload the saved ST(0)")
	}
}

func TestBCDRoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 999999999999999999, -999999999999999999, 123456789}
	for _, v := range cases {
		b := ToBCD(v)
		got, err := FromBCD(b)
		if err != nil {
			t.Fatalf("FromBCD(%d) error: %v", v, err)
		}
		if got != v {
			t.Fatalf("BCD round trip mismatch: got %d want %d", got, v)
		}
	}
}

func TestFromBCDRejectsInvalidNibble(t *testing.T) {
	var b BCD10
	b[0] = 0xAB
	if _, err := FromBCD(b); err != ErrInvalidBCD {
		t.Fatalf("expected ErrInvalidBCD, got %v", err)
	}
}

func TestTranscendentalsWithinTolerance(t *testing.T) {
	x := FromF64(0.5)
	got := Sin(x).ToF64()
	want := math.Sin(0.5)
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("FSIN tolerance exceeded: got %v want %v", got, want)
	}

	tan, one := Ptan(FromF64(0.25))
	if math.Abs(tan.ToF64()-math.Tan(0.25)) > 1e-12 {
		t.Fatalf("FPTAN tolerance exceeded")
	}
	if one.ToF64() != 1.0 {
		t.Fatalf("FPTAN must push 1.0 alongside tan")
	}
}
