/*
 * x86emu - Configuration parser tests.
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

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "x86emu.cfg")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesAllKeys(t *testing.T) {
	path := writeTemp(t, `
# comment line
BITS 32
MEMSIZE 256M
MAPSDIR /opt/maps32
BANZAI off
ENFORCEPERM on
MAXINSTR 1000000
TRACEFILE /tmp/trace.bin
ENTRY 0x401000
LOGLEVEL debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Is64 {
		t.Fatal("BITS 32 should clear Is64")
	}
	if cfg.MemSize != 256<<20 {
		t.Fatalf("MemSize = %d, want %d", cfg.MemSize, 256<<20)
	}
	if cfg.MapsDir != "/opt/maps32" {
		t.Fatalf("MapsDir = %q", cfg.MapsDir)
	}
	if cfg.Banzai {
		t.Fatal("BANZAI off should clear Banzai")
	}
	if !cfg.EnforcePerm {
		t.Fatal("ENFORCEPERM on should set EnforcePerm")
	}
	if cfg.MaxInstr != 1000000 {
		t.Fatalf("MaxInstr = %d", cfg.MaxInstr)
	}
	if cfg.TraceFile != "/tmp/trace.bin" {
		t.Fatalf("TraceFile = %q", cfg.TraceFile)
	}
	if cfg.EntryOverride != 0x401000 {
		t.Fatalf("EntryOverride = %#x", cfg.EntryOverride)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeTemp(t, "BOGUSKEY 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestDefaultIs64BitWithBanzaiOn(t *testing.T) {
	cfg := Default()
	if !cfg.Is64 || !cfg.Banzai {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestParseSizeSuffixes(t *testing.T) {
	cases := map[string]uint64{
		"1024":  1024,
		"4K":    4 << 10,
		"16m":   16 << 20,
		"1G":    1 << 30,
	}
	for in, want := range cases {
		got, err := parseSize(in)
		if err != nil {
			t.Fatalf("parseSize(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestLevelFromEnvFallsBackToInfo(t *testing.T) {
	t.Setenv("X86EMU_LOG", "")
	if lvl := LevelFromEnv(); lvl != slog.LevelInfo {
		t.Fatalf("got %v, want Info", lvl)
	}
	t.Setenv("X86EMU_LOG", "warn")
	if lvl := LevelFromEnv(); lvl != slog.LevelWarn {
		t.Fatalf("got %v, want Warn", lvl)
	}
}
