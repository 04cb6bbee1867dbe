/*
 * x86emu - Loader tests.
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

package loader

import (
	"testing"

	"github.com/hollowbyte/x86emu/internal/memmap"
	"github.com/hollowbyte/x86emu/internal/winenv"
)

func TestMapImagePlacesSectionsAtImageBaseRVA(t *testing.T) {
	mem := memmap.New(true)
	img := &Image{
		EntryRVA:  0x10,
		ImageBase: 0x400000,
		Sections: []SectionDescriptor{
			{Name: "text", RVA: 0, Size: 0x1000, Perm: memmap.PermRead | memmap.PermExec, Bytes: []byte{0x90, 0x90}},
		},
	}
	entry, err := MapImage(mem, "target", img)
	if err != nil {
		t.Fatal(err)
	}
	if entry != 0x400010 {
		t.Fatalf("entry = %#x, want 0x400010", entry)
	}
	b, err := mem.ReadByte(0x400000)
	if err != nil || b != 0x90 {
		t.Fatalf("section bytes not copied: %v %#x", err, b)
	}
}

func TestLoadModuleImageWiresExports(t *testing.T) {
	mem := memmap.New(true)
	env, err := winenv.New(mem, false)
	if err != nil {
		t.Fatal(err)
	}
	image := make([]byte, 0x2000)
	m, err := LoadModuleImage(mem, env, "kernel32.dll", 0x70000000, image, 0x2000, 0x100,
		[]ExportEntry{{Name: "GetProcAddress", RVA: 0x1234}})
	if err != nil {
		t.Fatal(err)
	}
	addr, ok := m.Export("GetProcAddress")
	if !ok || addr != 0x70001234 {
		t.Fatalf("export not wired: ok=%v addr=%#x", ok, addr)
	}
	found, err := env.FindModuleByName("kernel32.dll")
	if err != nil || found != m {
		t.Fatalf("module not registered with environment: %v", err)
	}
}

func TestResolveImportsPatchesIATSlot(t *testing.T) {
	mem := memmap.New(true)
	if _, err := mem.CreateRegion("image", 0x400000, 0x1000, memmap.PermRead|memmap.PermWrite); err != nil {
		t.Fatal(err)
	}
	env, err := winenv.New(mem, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModuleImage(mem, env, "kernel32.dll", 0x70000000, make([]byte, 0x1000), 0x1000, 0,
		[]ExportEntry{{Name: "Sleep", RVA: 0x50}}); err != nil {
		t.Fatal(err)
	}

	img := &Image{
		ImageBase: 0x400000,
		Imports: []ImportEntry{
			{DLLName: "kernel32.dll", FunctionName: "Sleep", IATSlotRVA: 0x100},
		},
	}
	if err := ResolveImports(mem, env, img, false); err != nil {
		t.Fatal(err)
	}
	v, err := mem.ReadDword(0x400100)
	if err != nil {
		t.Fatal(err)
	}
	if uint64(v) != 0x70000050 {
		t.Fatalf("IAT slot = %#x, want 0x70000050", v)
	}
}

func TestResolveImportsLeavesUnloadedSlotUntouched(t *testing.T) {
	mem := memmap.New(true)
	if _, err := mem.CreateRegion("image", 0x400000, 0x1000, memmap.PermRead|memmap.PermWrite); err != nil {
		t.Fatal(err)
	}
	env, err := winenv.New(mem, false)
	if err != nil {
		t.Fatal(err)
	}
	img := &Image{
		ImageBase: 0x400000,
		Imports: []ImportEntry{
			{DLLName: "notloaded.dll", FunctionName: "Foo", IATSlotRVA: 0x100},
		},
	}
	if err := ResolveImports(mem, env, img, false); err != nil {
		t.Fatal(err)
	}
	v, err := mem.ReadDword(0x400100)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("slot should be left untouched, got %#x", v)
	}
}
