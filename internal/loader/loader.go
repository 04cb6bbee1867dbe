/*
 * x86emu - Image loader: consumes already-parsed PE/ELF section,
 * import and export data into the address space and Windows environment.
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

// Package loader defines the parsed-image contract the core consumes:
// section descriptors, import/export directories and TLS callbacks
// already extracted by an external PE32/PE64/ELF32/ELF64 parser, plus the
// glue that copies a DLL image's bytes into internal/memmap and wires its
// exports into internal/winenv. Parsing the file formats themselves
// stays outside this core.
package loader

import (
	"fmt"

	"github.com/hollowbyte/x86emu/internal/memmap"
	"github.com/hollowbyte/x86emu/internal/winenv"
)

// SectionDescriptor is one section of a parsed image: name, its RVA and
// size within the image, the permission set it should be mapped with, and
// the raw bytes backing it (already paged/aligned by the parser).
type SectionDescriptor struct {
	Name  string
	RVA   uint32
	Size  uint32
	Perm  memmap.Perm
	Bytes []byte
}

// ImportEntry is one resolved (or not-yet-resolved) IAT slot: the DLL it
// names, the function by name or ordinal, and the RVA of the IAT slot
// itself so the loader can patch it once the target module is mapped.
type ImportEntry struct {
	DLLName      string
	FunctionName string
	Ordinal      uint16 // meaningful only when FunctionName == ""
	IATSlotRVA   uint32
}

// ExportEntry is one entry of a module's export directory.
type ExportEntry struct {
	Name    string
	RVA     uint32
	Ordinal uint16
}

// TLSCallback is one entry of an image's TLS callback list, given as an
// RVA into the image.
type TLSCallback struct {
	RVA uint32
}

// Image is the full parsed-image contract from spec.md section 6: entry
// point, image base, sections, imports, exports and TLS callbacks. A
// loader never constructs this struct's field values itself — an
// external PE/ELF parser does — it only consumes them.
type Image struct {
	EntryRVA    uint32
	ImageBase   uint64
	Sections    []SectionDescriptor
	Imports     []ImportEntry
	Exports     []ExportEntry
	TLSCallback []TLSCallback
}

// MapImage lays out img's sections as regions in mem, each named
// "<regionName>.<section>" so multiple images can be mapped without name
// collisions, and returns img's absolute entry point.
func MapImage(mem *memmap.Space, regionName string, img *Image) (entry uint64, err error) {
	for _, sec := range img.Sections {
		name := fmt.Sprintf("%s.%s", regionName, sec.Name)
		base := img.ImageBase + uint64(sec.RVA)
		length := uint64(len(sec.Bytes))
		if uint64(sec.Size) > length {
			length = uint64(sec.Size)
		}
		rgn, err := mem.CreateRegion(name, base, length, sec.Perm)
		if err != nil {
			return 0, fmt.Errorf("loader: mapping section %s: %w", sec.Name, err)
		}
		copy(rgn.Bytes, sec.Bytes)
	}
	return img.ImageBase + uint64(img.EntryRVA), nil
}

// LoadModuleImage maps a DLL's already-obtained image bytes (sourced from
// the maps32/maps64 bundle by any external means - the HTTP/zip fetch
// itself is not this core's concern) at base inside mem, and registers it
// with env under name with the given exports, so set_rip's library-floor
// and export-matching logic (internal/win32) can find it. imageSize is
// the module's reported image size; it may exceed len(image) when the
// bundle stores an unpadded image.
func LoadModuleImage(mem *memmap.Space, env *winenv.Environment, name string, base uint64, image []byte, imageSize uint32, entryRVA uint32, exports []ExportEntry) (*winenv.Module, error) {
	length := uint64(len(image))
	if uint64(imageSize) > length {
		length = uint64(imageSize)
	}
	rgn, err := mem.CreateRegion(name, base, length, memmap.PermRead|memmap.PermExec)
	if err != nil {
		return nil, fmt.Errorf("loader: mapping module %s: %w", name, err)
	}
	copy(rgn.Bytes, image)

	exportMap := make(map[string]uint32, len(exports))
	for _, e := range exports {
		if e.Name == "" {
			continue // ordinal-only export: no name to key the gateway's lookup on
		}
		exportMap[e.Name] = e.RVA
	}

	m := &winenv.Module{
		Name:       name,
		Base:       base,
		Size:       imageSize,
		EntryPoint: base + uint64(entryRVA),
		Exports:    exportMap,
	}
	if err := env.LoadModule(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ResolveImports patches each IAT slot of img with the absolute address
// of its matching export in env, once the naming module has been loaded.
// Slots whose target module is not yet loaded are left untouched - the
// Win32 gateway's "not_loaded" fallback (internal/win32) is what handles
// a call through an unresolved slot at run time. is64 selects whether a
// slot is a qword (x64 IAT) or dword (x86 IAT) pointer.
func ResolveImports(mem *memmap.Space, env *winenv.Environment, img *Image, is64 bool) error {
	for _, imp := range img.Imports {
		mod, err := env.FindModuleByName(imp.DLLName)
		if err != nil {
			continue // not loaded yet; leave the slot for the gateway's fallback
		}
		var addr uint64
		var ok bool
		if imp.FunctionName != "" {
			addr, ok = mod.Export(imp.FunctionName)
		}
		if !ok {
			continue
		}
		slot := img.ImageBase + uint64(imp.IATSlotRVA)
		if is64 {
			if err := mem.WriteQword(slot, addr); err != nil {
				return fmt.Errorf("loader: patching IAT slot for %s!%s: %w", imp.DLLName, imp.FunctionName, err)
			}
			continue
		}
		if err := mem.WriteDword(slot, uint32(addr)); err != nil {
			return fmt.Errorf("loader: patching IAT slot for %s!%s: %w", imp.DLLName, imp.FunctionName, err)
		}
	}
	return nil
}
