/*
 * x86emu - Configuration file parser.
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

// Package config is a small hand-rolled line-oriented configuration file
// parser, in the shape of the teacher's config/configparser: one
// "KEY value" pair per line, '#' starts a trailing comment, blank lines
// are ignored. Unlike the teacher's device-model registry, the keys here
// are the emulator's own ambient settings (memory size, maps directory,
// banzai/permission-enforcement toggles, instruction budget, trace
// file) rather than device records, but the registration pattern -
// pluggable per-key setters registered once at init time - is kept.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds every ambient setting the emulator core reads at startup.
// The zero value means 32-bit mode with banzai off; Default returns the
// usual starting point: 64-bit mode, banzai on, permissions advisory, no
// instruction limit, no trace file.
type Config struct {
	Is64          bool
	MemSize       uint64
	MapsDir       string
	Banzai        bool
	EnforcePerm   bool
	MaxInstr      uint64 // 0 means unlimited
	TraceFile     string
	EntryOverride uint64 // 0 means use the image's own entry point
	LogLevel      slog.Level
}

// Default returns the zero-value-equivalent Config with the settings that
// make sense as defaults rather than zero values (64-bit, banzai on, a
// generous default memory size).
func Default() *Config {
	return &Config{
		Is64:     true,
		MemSize:  256 << 20,
		Banzai:   true,
		LogLevel: slog.LevelInfo,
	}
}

// setter mutates cfg from a line's value string.
type setter func(cfg *Config, value string) error

// registry maps an upper-cased key to the setter that applies it. Built
// once at init time, mirroring the teacher's RegisterOption/RegisterFile
// calls, but over this emulator's own keys instead of device models.
var registry = map[string]setter{}

func register(key string, fn setter) {
	registry[strings.ToUpper(key)] = fn
}

func init() {
	register("BITS", func(c *Config, v string) error {
		switch v {
		case "32":
			c.Is64 = false
		case "64":
			c.Is64 = true
		default:
			return fmt.Errorf("config: BITS must be 32 or 64, got %q", v)
		}
		return nil
	})
	register("MEMSIZE", func(c *Config, v string) error {
		n, err := parseSize(v)
		if err != nil {
			return fmt.Errorf("config: MEMSIZE: %w", err)
		}
		c.MemSize = n
		return nil
	})
	register("MAPSDIR", func(c *Config, v string) error {
		c.MapsDir = v
		return nil
	})
	register("BANZAI", func(c *Config, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("config: BANZAI: %w", err)
		}
		c.Banzai = b
		return nil
	})
	register("ENFORCEPERM", func(c *Config, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("config: ENFORCEPERM: %w", err)
		}
		c.EnforcePerm = b
		return nil
	})
	register("MAXINSTR", func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return fmt.Errorf("config: MAXINSTR: %w", err)
		}
		c.MaxInstr = n
		return nil
	})
	register("TRACEFILE", func(c *Config, v string) error {
		c.TraceFile = v
		return nil
	})
	register("ENTRY", func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return fmt.Errorf("config: ENTRY: %w", err)
		}
		c.EntryOverride = n
		return nil
	})
	register("LOGLEVEL", func(c *Config, v string) error {
		lvl, err := ParseLogLevel(v)
		if err != nil {
			return err
		}
		c.LogLevel = lvl
		return nil
	})
}

// parseBool accepts the small set of spellings a hand-edited config file
// is likely to contain, beyond strconv.ParseBool's true/false/1/0.
func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "true", "on", "yes", "1":
		return true, nil
	case "false", "off", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", v)
}

// parseSize accepts a plain byte count or a K/M/G-suffixed shorthand
// (e.g. "256M"), matching the teacher's address shorthand for device
// sizes generalized to memory size.
func parseSize(v string) (uint64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("empty value")
	}
	mult := uint64(1)
	switch suffix := v[len(v)-1]; suffix {
	case 'k', 'K':
		mult = 1 << 10
		v = v[:len(v)-1]
	case 'm', 'M':
		mult = 1 << 20
		v = v[:len(v)-1]
	case 'g', 'G':
		mult = 1 << 30
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

// ParseLogLevel maps the case-insensitive level names accepted by
// X86EMU_LOG (the functional equivalent of the teacher's RUST_LOG) to a
// slog.Level.
func ParseLogLevel(v string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", v)
	}
}

// LevelFromEnv reads X86EMU_LOG and falls back to slog.LevelInfo if unset
// or unrecognized.
func LevelFromEnv() slog.Level {
	v, ok := os.LookupEnv("X86EMU_LOG")
	if !ok {
		return slog.LevelInfo
	}
	lvl, err := ParseLogLevel(v)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Load reads a configuration file of "KEY value" lines into a fresh
// Config seeded from Default.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f, Default())
}

func parse(f *os.File, cfg *Config) (*Config, error) {
	scanner := bufio.NewScanner(f)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		key := fields[0]
		value := ""
		if len(fields) == 2 {
			value = strings.TrimSpace(fields[1])
		}
		setFn, ok := registry[strings.ToUpper(key)]
		if !ok {
			return nil, fmt.Errorf("config: line %d: unknown key %q", lineNumber, key)
		}
		if err := setFn(cfg, value); err != nil {
			return nil, fmt.Errorf("config: line %d: %w", lineNumber, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}
