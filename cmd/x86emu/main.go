/*
 * x86emu - Thin command-line front end.
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

// Command x86emu is a thin front end over internal/emu: it parses a
// configuration file and a handful of flags, wires up an Emu, and runs
// it. It is deliberately not a REPL or a disassembler; decoding guest
// bytes into cpu.Instruction values is an external concern (an
// iced-x86-style decoder), so this front end wires everything up to the
// point of calling Run and reports whatever the embedder's decoder
// produces. Anyone embedding this core in a larger tool is expected to
// set Emu.Decode before calling Run themselves; this command shows the
// wiring, not a full disassembler.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	getopt "github.com/pborman/getopt/v2"

	"github.com/hollowbyte/x86emu/config"
	"github.com/hollowbyte/x86emu/internal/emu"
	"github.com/hollowbyte/x86emu/internal/trace"
	"github.com/hollowbyte/x86emu/util/debug"
	"github.com/hollowbyte/x86emu/util/logger"
)

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file")
	optLog := getopt.StringLong("log", 'l', "", "Log file")
	optDebug := getopt.StringLong("debug", 'd', "", "Enable subsystem debug output, comma-separated NAME=MASK pairs")
	optEntry := getopt.Uint64Long("entry", 'e', 0, "Override the entry RIP/EIP before running")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	cfg := config.Default()
	if *optConfig != "" {
		loaded, err := config.Load(*optConfig)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	var logFile *os.File
	if *optLog != "" {
		f, err := os.Create(*optLog)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logFile = f
	}
	debugOn := cfg.LogLevel <= slog.LevelDebug
	handler := logger.NewHandler(logFile, &slog.HandlerOptions{Level: cfg.LogLevel}, &debugOn)
	log := logger.New(handler)
	log.Infof("x86emu starting, bits=%d memsize=%d banzai=%v", bitsOf(cfg.Is64), cfg.MemSize, cfg.Banzai)

	if logFile != nil {
		debug.SetFile(logFile)
	}
	for _, spec := range strings.Split(*optDebug, ",") {
		if spec == "" {
			continue
		}
		name, mask, ok := splitDebugSpec(spec)
		if !ok {
			log.Warnf("x86emu: ignoring malformed --debug value %q, want NAME=MASK", spec)
			continue
		}
		debug.Enable(name, mask)
	}

	e, err := emu.New(cfg.Is64, log)
	if err != nil {
		log.Errorf("x86emu: building emulator: %v", err)
		os.Exit(1)
	}
	e.MaxInstr = cfg.MaxInstr
	e.Mem.Banzai = cfg.Banzai
	e.Mem.EnforcePerm = cfg.EnforcePerm
	e.BP.Clear()

	if cfg.TraceFile != "" {
		tf, err := os.Create(cfg.TraceFile)
		if err != nil {
			log.Errorf("x86emu: creating trace file: %v", err)
			os.Exit(1)
		}
		defer tf.Close()
		e.Trace = trace.NewWriter(tf, log)
		defer e.Trace.Close()
	}

	entry := cfg.EntryOverride
	if *optEntry != 0 {
		entry = *optEntry
	}
	if entry != 0 {
		if e.Is64 {
			e.CPUContext().Op.Regs.WriteRIP(entry)
		} else {
			e.CPUContext().Op.Regs.WriteEIP(uint32(entry))
		}
	}

	if e.Decode == nil {
		log.Warnf("x86emu: no instruction decoder wired in; this front end only demonstrates configuration, memory and Windows-environment setup. Link a decoder into Emu.Decode to actually run guest code.")
		os.Exit(0)
	}

	reason, runErr := e.Run()
	if runErr != nil {
		log.Errorf("x86emu: stopped: %v (%s)", runErr, reason)
		os.Exit(1)
	}
	log.Infof("x86emu: stopped after %d instructions: %s", e.InstrCount, reason)
}

func bitsOf(is64 bool) int {
	if is64 {
		return 64
	}
	return 32
}

// splitDebugSpec parses "NAME=MASK", where MASK is a base-0 integer
// (accepts 0x-prefixed hex, matching the teacher's address/mask shorthand).
func splitDebugSpec(spec string) (name string, mask int, ok bool) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '=' {
			n, err := strconv.ParseInt(spec[i+1:], 0, 64)
			if err != nil {
				return "", 0, false
			}
			return spec[:i], int(n), true
		}
	}
	return "", 0, false
}
