/*
 * x86emu - Windows environment tests.
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

package winenv

import (
	"testing"

	"github.com/hollowbyte/x86emu/internal/memmap"
)

func TestPEBWalkResolvesKernel32GetProcAddress(t *testing.T) {
	mem := memmap.New(true)
	env, err := New(mem, true)
	if err != nil {
		t.Fatal(err)
	}

	k32 := &Module{
		Name: "kernel32.dll",
		Base: 0x77000000,
		Size: 0x100000,
		Exports: map[string]uint32{
			"GetProcAddress": 0x1234,
			"GetModuleHandleA": 0x5678,
		},
	}
	if err := env.LoadModule(k32); err != nil {
		t.Fatal(err)
	}

	found, err := env.FindModuleByName("KERNEL32.DLL")
	if err != nil {
		t.Fatalf("case-insensitive lookup failed: %v", err)
	}
	if found != k32 {
		t.Fatalf("expected to find the loaded module")
	}

	addr, err := env.ResolveExport("kernel32.dll", "GetProcAddress")
	if err != nil {
		t.Fatal(err)
	}
	if addr != k32.Base+0x1234 {
		t.Fatalf("resolved export address mismatch: got 0x%x want 0x%x", addr, k32.Base+0x1234)
	}
}

func TestLDRIntegrityInvariant64(t *testing.T) {
	mem := memmap.New(true)
	env, err := New(mem, true)
	if err != nil {
		t.Fatal(err)
	}
	a := &Module{Name: "a.dll", Base: 0x10000000, Size: 0x1000, Exports: map[string]uint32{}}
	b := &Module{Name: "b.dll", Base: 0x20000000, Size: 0x1000, Exports: map[string]uint32{}}
	if err := env.LoadModule(a); err != nil {
		t.Fatal(err)
	}
	if err := env.LoadModule(b); err != nil {
		t.Fatal(err)
	}
	if err := env.CheckLDRIntegrity(); err != nil {
		t.Fatalf("LDR integrity check failed: %v", err)
	}
	if env.LDRIntegrityOffset() != 16 {
		t.Fatalf("64-bit LDR integrity offset should be 16, got %d", env.LDRIntegrityOffset())
	}
}

func TestLDRIntegrityInvariant32(t *testing.T) {
	mem := memmap.New(true)
	env, err := New(mem, false)
	if err != nil {
		t.Fatal(err)
	}
	a := &Module{Name: "a.dll", Base: 0x10000000, Size: 0x1000, Exports: map[string]uint32{}}
	if err := env.LoadModule(a); err != nil {
		t.Fatal(err)
	}
	if err := env.CheckLDRIntegrity(); err != nil {
		t.Fatalf("LDR integrity check failed: %v", err)
	}
	if env.LDRIntegrityOffset() != 8 {
		t.Fatalf("32-bit LDR integrity offset should be 8, got %d", env.LDRIntegrityOffset())
	}
}

func TestFindModuleByAddr(t *testing.T) {
	mem := memmap.New(true)
	env, err := New(mem, true)
	if err != nil {
		t.Fatal(err)
	}
	m := &Module{Name: "x.dll", Base: 0x30000000, Size: 0x2000, Exports: map[string]uint32{}}
	if err := env.LoadModule(m); err != nil {
		t.Fatal(err)
	}
	if got, err := env.FindModuleByAddr(0x30000100); err != nil || got != m {
		t.Fatalf("FindModuleByAddr failed: %v %v", got, err)
	}
	if _, err := env.FindModuleByAddr(0x99999999); err != ErrModuleNotFound {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
}
