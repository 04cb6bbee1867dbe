/*
 * x86emu - Win32 API gateway: the sole IP-mutator for non-sequential
 * control transfer into modeled API handlers.
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

// Package win32 implements SetRIP: the gateway function that owns
// every non-sequential control transfer and is the sole entry point into
// modeled Win32 API handlers. Every jump, call or return target is routed
// through here so library-floor and IAT fallback logic lives in one place.
package win32

import (
	"fmt"

	"github.com/hollowbyte/x86emu/internal/memmap"
	"github.com/hollowbyte/x86emu/internal/registers"
	"github.com/hollowbyte/x86emu/internal/scheduler"
	"github.com/hollowbyte/x86emu/internal/winenv"
	"github.com/hollowbyte/x86emu/util/logger"
)

// RETURN_THREAD is the sentinel IP a thread's cooperative-scheduler exit
// path targets to hand control back to the main thread.
const ReturnThread uint64 = 0xFFFFFFFF

// Library-floor constants: any call target at or above this address is
// assumed to be inside a loaded library's region rather than the
// analyzed binary's own code, and is routed through the gateway instead
// of executed directly.
const (
	Libs32Min uint64 = 0x6FFF0000
	Libs64Min uint64 = 0x00007FF000000000
)

// Args gives a Handler stdcall- or Microsoft-x64-ABI access to its
// arguments without the handler needing to know which convention is in
// play; Arg(i) reads the i'th argument per the active bitness.
type Args struct {
	mem    *memmap.Space
	regs   *registers.File
	is64   bool
	esp    uint64 // 32-bit: stack args start at [ESP+4] (return addr at [ESP])
	gw     *Gateway
	thread *scheduler.Thread
}

// Arg returns the i'th (0-based) argument.
func (a *Args) Arg(i int) (uint64, error) {
	if !a.is64 {
		v, err := a.mem.ReadDword(a.esp + 4 + uint64(i)*4)
		return uint64(v), err
	}
	switch i {
	case 0:
		return a.regs.GPR64(registers.RCX), nil
	case 1:
		return a.regs.GPR64(registers.RDX), nil
	case 2:
		return a.regs.GPR64(registers.R8), nil
	case 3:
		return a.regs.GPR64(registers.R9), nil
	default:
		// shadow-space stack args start at RSP+0x20 for the 5th argument on.
		rsp := a.regs.GPR64(registers.RSP)
		return a.mem.ReadQword(rsp + 0x20 + uint64(i-4)*8)
	}
}

// Cleanup pops argc stack words the callee is responsible for under the
// stdcall convention (32-bit only; 64-bit Microsoft x64 is caller-cleanup
// and this is a no-op there), mirroring the explicit per-argument
// stack_pop32 calls each modeled handler makes in the reference
// implementation this gateway is grounded on.
func (a *Args) Cleanup(argc int) {
	if a.is64 || argc == 0 {
		return
	}
	a.regs.WriteGPR64(registers.RSP, a.regs.GPR64(registers.RSP)+uint64(argc)*4)
}

// Mem exposes the address space for handlers that need to read/write
// strings or buffers beyond their argument list.
func (a *Args) Mem() *memmap.Space { return a.mem }

// Regs exposes the register file for handlers that need something beyond
// Arg/Cleanup (e.g. reading the current thread's own identity).
func (a *Args) Regs() *registers.File { return a.regs }

// Is64 reports which ABI this call is using.
func (a *Args) Is64() bool { return a.is64 }

// Gateway exposes the owning gateway, for handlers that need the
// environment, scheduler, or handle table.
func (a *Args) Gateway() *Gateway { return a.gw }

// ThreadID returns the calling guest thread's id, or -1 if no scheduler
// is wired in (e.g. a handler invoked directly from a test).
func (a *Args) ThreadID() int {
	if a.thread == nil {
		return -1
	}
	return a.thread.ID
}

// Thread returns the calling guest thread itself.
func (a *Args) Thread() *scheduler.Thread { return a.thread }

// ArgString reads argument i as a NUL-terminated ASCII string.
func (a *Args) ArgString(i int, max int) (string, error) {
	p, err := a.Arg(i)
	if err != nil {
		return "", err
	}
	if p == 0 {
		return "", nil
	}
	return a.mem.ReadUTF8(p, max)
}

// ArgWString reads argument i as a NUL-terminated UTF-16 string.
func (a *Args) ArgWString(i int, max int) (string, error) {
	p, err := a.Arg(i)
	if err != nil {
		return "", err
	}
	if p == 0 {
		return "", nil
	}
	return a.mem.ReadUTF16(p, max)
}

// Handler models one Win32 API: read arguments via Args, return the
// result value placed into RAX/EAX.
type Handler func(args *Args) (result uint64, err error)

// Gateway owns the loaded-module environment, the handler registry, and
// the import-address-table fallback used when a call target has not been
// resolved to a loaded module (IAT "not_loaded" case).
type Gateway struct {
	Env            *winenv.Environment
	Mem            *memmap.Space
	Regs           *registers.File
	Sched          *scheduler.Scheduler
	Handles        *HandleTable
	Is64           bool
	Log            *logger.Logger
	Handlers       map[string]Handler // keyed "module!Export", case as-loaded
	NotLoaded      Handler             // fallback for IAT entries with no resolved module
	MainThreadCont uint64              // RIP to resume when ReturnThread fires
	// OnWinAPICall, when non-nil, may cancel native dispatch (causing
	// control to fall through to the raw export target instead).
	OnWinAPICall func(callerIP, target uint64) (deliverNative bool)

	// criticalSections and tlsInUse back the kernel32 critical-section and
	// TLS handler families; lazily initialized since most gateways (tests
	// exercising only dispatch mechanics) never touch them.
	criticalSections map[uint64]*scheduler.CriticalSection
	tlsInUse         [64]bool
}

// Register installs a handler for "module!Export" (case-insensitive on
// the module name, exact on the export name, matching PE export-table
// lookup semantics).
func (g *Gateway) Register(module, export string, h Handler) {
	if g.Handlers == nil {
		g.Handlers = make(map[string]Handler)
	}
	g.Handlers[key(module, export)] = h
}

func key(module, export string) string {
	return fmt.Sprintf("%s!%s", normalizeModule(module), export)
}

func normalizeModule(m string) string {
	b := []byte(m)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// stackPop pops one return-address-width value off the stack, advancing
// RSP/ESP.
func (g *Gateway) stackPop() (uint64, error) {
	if g.Is64 {
		rsp := g.Regs.GPR64(registers.RSP)
		v, err := g.Mem.ReadQword(rsp)
		if err != nil {
			return 0, err
		}
		g.Regs.WriteGPR64(registers.RSP, rsp+8)
		return v, nil
	}
	esp := g.Regs.GPR64(registers.RSP)
	v, err := g.Mem.ReadDword(esp)
	if err != nil {
		return 0, err
	}
	g.Regs.WriteGPR64(registers.RSP, esp+4)
	return uint64(v), nil
}

// currentThread returns the scheduler's active thread, or nil if this
// Gateway was built without a scheduler wired in (unit tests that only
// exercise the dispatch mechanics).
func (g *Gateway) currentThread() *scheduler.Thread {
	if g.Sched == nil {
		return nil
	}
	return g.Sched.Current()
}

func (g *Gateway) libsMin() uint64 {
	if g.Is64 {
		return Libs64Min
	}
	return Libs32Min
}

// SetRIP redirects execution to addr, the single entry point for every
// non-sequential control transfer (call/jmp/ret targets). Returns true
// when the IP change is complete and the interpreter should not also
// execute whatever was at the old IP.
func (g *Gateway) SetRIP(addr uint64) (bool, error) {
	if addr == ReturnThread {
		g.Regs.WriteRIP(g.MainThreadCont)
		if g.Sched != nil {
			if t := g.Sched.Current(); t != nil {
				g.Sched.TerminateThread(t)
			}
		}
		return true, nil
	}

	if m, err := g.Env.FindModuleByAddr(addr); err == nil {
		if addr < g.libsMin() {
			g.Regs.WriteRIP(addr)
			return true, nil
		}
		return true, g.dispatch(m, addr)
	}

	// Not inside any loaded module: when NotLoaded is set, every such
	// target is treated as a not-yet-resolved IAT slot value (the
	// "not_loaded" fallback); no IAT lookup is made.
	if g.NotLoaded != nil {
		ret, err := g.stackPop()
		if err != nil {
			return false, err
		}
		g.Regs.WriteRIP(ret)
		result, err := g.NotLoaded(&Args{mem: g.Mem, regs: g.Regs, is64: g.Is64, esp: g.Regs.GPR64(registers.RSP) - 4, gw: g, thread: g.currentThread()})
		if err != nil {
			return false, err
		}
		g.writeResult(result)
		return true, nil
	}

	return false, fmt.Errorf("win32: SetRIP target 0x%x is not mapped to any loaded module", addr)
}

func (g *Gateway) dispatch(m *winenv.Module, addr uint64) error {
	ret, err := g.stackPop()
	if err != nil {
		return err
	}
	g.Regs.WriteRIP(ret)

	exportName := ""
	for name, rva := range m.Exports {
		if m.Base+uint64(rva) == addr {
			exportName = name
			break
		}
	}

	deliverNative := true
	if g.OnWinAPICall != nil {
		deliverNative = g.OnWinAPICall(ret, addr)
	}
	if !deliverNative {
		g.Regs.WriteRIP(addr)
		return nil
	}

	h, ok := g.Handlers[key(m.Name, exportName)]
	if !ok {
		if g.Log != nil {
			g.Log.Warnf("win32: no modeled handler for %s!%s, returning 0", m.Name, exportName)
		}
		return nil
	}
	esp := g.Regs.GPR64(registers.RSP)
	result, err := h(&Args{mem: g.Mem, regs: g.Regs, is64: g.Is64, esp: esp - 4, gw: g, thread: g.currentThread()})
	if err != nil {
		return err
	}
	g.writeResult(result)
	return nil
}

func (g *Gateway) writeResult(v uint64) {
	if g.Is64 {
		g.Regs.WriteGPR64(registers.RAX, v)
		return
	}
	g.Regs.WriteGPR32(registers.RAX, uint32(v))
}
