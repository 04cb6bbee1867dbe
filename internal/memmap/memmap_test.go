/*
 * x86emu - Address space map tests.
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

package memmap

import (
	"crypto/md5" //nolint:gosec
	"errors"
	"testing"
)

func TestCreateRegionAndLookup(t *testing.T) {
	sp := New(true)
	rgn, err := sp.CreateRegion("code", 0x1000, 0x100, PermRead|PermExec)
	if err != nil {
		t.Fatalf("CreateRegion failed: %v", err)
	}

	for a := uint64(0x1000); a < 0x1100; a++ {
		if sp.GetRegion(a) != rgn {
			t.Fatalf("GetRegion(0x%x) did not return code region", a)
		}
		if !sp.IsAllocated(a) {
			t.Fatalf("IsAllocated(0x%x) should be true", a)
		}
	}
	if sp.IsAllocated(0x2000) {
		t.Fatalf("IsAllocated(0x2000) should be false")
	}
}

func TestOverlapRejected(t *testing.T) {
	sp := New(true)
	if _, err := sp.CreateRegion("a", 0x1000, 0x100, PermRead); err != nil {
		t.Fatal(err)
	}
	if _, err := sp.CreateRegion("b", 0x1050, 0x100, PermRead); err == nil {
		t.Fatal("expected overlap error")
	}
}

func TestTypedRoundTrip(t *testing.T) {
	sp := New(true)
	if _, err := sp.CreateRegion("data", 0x2000, 0x100, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}

	if err := sp.WriteByte(0x2000, 0xAB); err != nil {
		t.Fatal(err)
	}
	if v, err := sp.ReadByte(0x2000); err != nil || v != 0xAB {
		t.Fatalf("byte round trip: got %x, %v", v, err)
	}

	if err := sp.WriteDword(0x2010, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	if v, err := sp.ReadDword(0x2010); err != nil || v != 0xDEADBEEF {
		t.Fatalf("dword round trip: got %x, %v", v, err)
	}

	if err := sp.WriteQword(0x2020, 0x0102030405060708); err != nil {
		t.Fatal(err)
	}
	if v, err := sp.ReadQword(0x2020); err != nil || v != 0x0102030405060708 {
		t.Fatalf("qword round trip: got %x, %v", v, err)
	}

	if err := sp.WriteOword(0x2030, 1, 2); err != nil {
		t.Fatal(err)
	}
	if lo, hi, err := sp.ReadOword(0x2030); err != nil || lo != 1 || hi != 2 {
		t.Fatalf("oword round trip: got %x %x, %v", lo, hi, err)
	}

	if err := sp.WriteYmm(0x2040, [4]uint64{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if v, err := sp.ReadYmm(0x2040); err != nil || v != [4]uint64{1, 2, 3, 4} {
		t.Fatalf("ymm round trip: got %v, %v", v, err)
	}
}

func TestBanzaiDowngradesFault(t *testing.T) {
	sp := New(true)
	sp.Banzai = true
	if _, err := sp.ReadByte(0xFFFFFFF); !errors.Is(err, ErrNotPresent) {
		t.Fatalf("expected ErrNotPresent, got %v", err)
	}
}

func TestPermissionEnforcement(t *testing.T) {
	sp := New(true)
	sp.EnforcePerm = true
	if _, err := sp.CreateRegion("ro", 0x3000, 0x10, PermRead); err != nil {
		t.Fatal(err)
	}
	if err := sp.WriteByte(0x3000, 1); err == nil {
		t.Fatal("expected access violation on write to read-only region")
	}
	var av *AccessViolation
	if err := sp.WriteByte(0x3000, 1); !errors.As(err, &av) {
		t.Fatalf("expected *AccessViolation, got %T", err)
	}
}

func TestMD5Parity(t *testing.T) {
	sp := New(true)
	rgn, err := sp.CreateRegion("img", 0x4000, 16, PermRead|PermWrite)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("0123456789ABCDEF")
	copy(rgn.Bytes, payload)

	want := md5.Sum(payload) //nolint:gosec
	got, err := sp.MD5("img")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("md5 mismatch: got %x want %x", got, want)
	}
}

func TestAllocFirstFit(t *testing.T) {
	sp := New(true)
	a, err := sp.Alloc(0x100)
	if err != nil {
		t.Fatal(err)
	}
	b, err := sp.Alloc(0x100)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatalf("expected distinct allocations, got a=b=0x%x", a)
	}
	if !sp.IsAllocated(a) || !sp.IsAllocated(b) {
		t.Fatal("allocated regions should be allocated")
	}
}

func TestCrossBoundaryReadIsNotPresent(t *testing.T) {
	sp := New(true)
	sp.Banzai = true
	if _, err := sp.CreateRegion("small", 0x5000, 4, PermRead); err != nil {
		t.Fatal(err)
	}
	if _, err := sp.ReadDword(0x5001); !errors.Is(err, ErrNotPresent) {
		t.Fatalf("expected ErrNotPresent for cross-boundary read, got %v", err)
	}
}

func TestStringReads(t *testing.T) {
	sp := New(true)
	if _, err := sp.CreateRegion("str", 0x6000, 0x40, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}
	if err := sp.WriteBytes(0x6000, []byte("hello\x00")); err != nil {
		t.Fatal(err)
	}
	s, err := sp.ReadUTF8(0x6000, 32)
	if err != nil || s != "hello" {
		t.Fatalf("ReadUTF8: got %q, %v", s, err)
	}

	// "hi" in UTF-16LE, nul-terminated.
	if err := sp.WriteBytes(0x6010, []byte{'h', 0, 'i', 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	s, err = sp.ReadUTF16(0x6010, 32)
	if err != nil || s != "hi" {
		t.Fatalf("ReadUTF16: got %q, %v", s, err)
	}
}
