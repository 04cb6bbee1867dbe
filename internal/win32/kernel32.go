/*
 * x86emu - Modeled kernel32 API handlers.
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

// kernel32.go models the subset of kernel32.dll real-world shellcode and
// small PE/ELF samples call most often: module/export resolution, virtual
// memory, the process heap, threads, critical sections, TLS and
// last-error bookkeeping. Each handler is grounded on the corresponding
// crates/libmwemu/src/winapi/winapi32|64/kernel32/*.rs file, generalized
// from mwemu's single shared register file (one emu, swapped in place per
// thread) to this gateway's Args/HandleTable/scheduler plumbing.
package win32

import (
	"fmt"

	"github.com/hollowbyte/x86emu/internal/fpu"
	"github.com/hollowbyte/x86emu/internal/memmap"
	"github.com/hollowbyte/x86emu/internal/registers"
	"github.com/hollowbyte/x86emu/internal/scheduler"
)

// Creation-flag and allocation-type bits named in the reference
// implementation's constants module, reproduced here since this core
// does not carry that module over verbatim.
const (
	createSuspended = 0x00000004
	memCommit       = 0x00001000
	memReserve      = 0x00002000
)

const defaultThreadStackSize = 0x100000 // 1 MiB, the common Windows default

// RegisterKernel32 installs the modeled kernel32 handler set on gw. Call
// once per Gateway (internal/emu.New does this automatically).
func RegisterKernel32(gw *Gateway) {
	gw.Register("kernel32.dll", "GetProcAddress", hGetProcAddress)
	gw.Register("kernel32.dll", "LoadLibraryA", hLoadLibraryA)
	gw.Register("kernel32.dll", "LoadLibraryW", hLoadLibraryW)
	gw.Register("kernel32.dll", "GetModuleHandleA", hGetModuleHandleA)
	gw.Register("kernel32.dll", "VirtualAlloc", hVirtualAlloc)
	gw.Register("kernel32.dll", "VirtualAllocEx", hVirtualAllocEx)
	gw.Register("kernel32.dll", "VirtualFree", hVirtualFree)
	gw.Register("kernel32.dll", "VirtualProtect", hVirtualProtect)
	gw.Register("kernel32.dll", "GetProcessHeap", hGetProcessHeap)
	gw.Register("kernel32.dll", "HeapAlloc", hHeapAlloc)
	gw.Register("kernel32.dll", "HeapFree", hHeapFree)
	gw.Register("kernel32.dll", "ExitProcess", hExitProcess)
	gw.Register("kernel32.dll", "ExitThread", hExitThread)
	gw.Register("kernel32.dll", "CreateThread", hCreateThread)
	gw.Register("kernel32.dll", "Sleep", hSleep)
	gw.Register("kernel32.dll", "GetCurrentThreadId", hGetCurrentThreadId)
	gw.Register("kernel32.dll", "GetCurrentProcessId", hGetCurrentProcessId)
	gw.Register("kernel32.dll", "GetCurrentProcess", hGetCurrentProcess)
	gw.Register("kernel32.dll", "GetLastError", hGetLastError)
	gw.Register("kernel32.dll", "SetLastError", hSetLastError)
	gw.Register("kernel32.dll", "CloseHandle", hCloseHandle)
	gw.Register("kernel32.dll", "InitializeCriticalSection", hInitializeCriticalSection)
	gw.Register("kernel32.dll", "EnterCriticalSection", hEnterCriticalSection)
	gw.Register("kernel32.dll", "LeaveCriticalSection", hLeaveCriticalSection)
	gw.Register("kernel32.dll", "DeleteCriticalSection", hDeleteCriticalSection)
	gw.Register("kernel32.dll", "TlsAlloc", hTlsAlloc)
	gw.Register("kernel32.dll", "TlsGetValue", hTlsGetValue)
	gw.Register("kernel32.dll", "TlsSetValue", hTlsSetValue)
	gw.Register("kernel32.dll", "SuspendThread", hSuspendThread)
	gw.Register("kernel32.dll", "ResumeThread", hResumeThread)
	gw.Register("kernel32.dll", "GetTickCount", hGetTickCount)
	gw.Register("kernel32.dll", "lstrlenA", hLstrlenA)
}

// argc tracks how many stdcall stack words each handler consumes, so
// every handler ends with `defer args.Cleanup(N)`-equivalent bookkeeping
// without each one having to remember the exact magic number inline. A
// plain constant read at the call site keeps handlers grounded in the
// original's literal `for _ in 0..N { emu.stack_pop32(false); }` loops.

// hGetProcAddress mirrors kernel32/get_proc_address.rs: resolve a module
// handle (its base address, which is what GetModuleHandle/LoadLibrary
// hand back here) plus an export name to that export's address.
func hGetProcAddress(a *Args) (uint64, error) {
	defer a.Cleanup(2)
	hModule, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	name, err := a.ArgString(1, 256)
	if err != nil {
		return 0, err
	}
	env := a.gw.Env
	m, err := env.FindModuleByAddr(hModule)
	if err != nil {
		return 0, nil
	}
	addr, ok := m.Export(name)
	if !ok {
		return 0, nil
	}
	return addr, nil
}

func loadLibraryByName(a *Args, name string) (uint64, error) {
	env := a.gw.Env
	m, err := env.FindModuleByName(name)
	if err != nil {
		if a.gw.Log != nil {
			a.gw.Log.Warnf("win32: LoadLibrary %q is not present in the loaded-module set", name)
		}
		return 0, nil
	}
	return m.Base, nil
}

// hLoadLibraryA mirrors LoadLibraryA: the maps-bundle fetch/mapping step
// stays external (spec.md section 1), so this only resolves a module
// already wired in through internal/loader.LoadModuleImage.
func hLoadLibraryA(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	name, err := a.ArgString(0, 260)
	if err != nil {
		return 0, err
	}
	return loadLibraryByName(a, name)
}

func hLoadLibraryW(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	p, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	name, err := a.mem.ReadUTF16(p, 260)
	if err != nil {
		return 0, err
	}
	return loadLibraryByName(a, name)
}

// hGetModuleHandleA returns the base of an already-loaded module by name.
func hGetModuleHandleA(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	p, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	if p == 0 {
		// NULL asks for the caller's own module; winenv has no single
		// "main image" slot of its own (every module, including the
		// analyzed binary, is loaded the same way), so without a
		// dedicated main-module marker this resolves to nothing.
		return 0, nil
	}
	name, err := a.mem.ReadUTF8(p, 260)
	if err != nil {
		return 0, err
	}
	return loadLibraryByName(a, name)
}

func pageAlign(v uint64) uint64 {
	const pageSize = 0x1000
	return (v + pageSize - 1) &^ (pageSize - 1)
}

// hVirtualAlloc mirrors kernel32/virtual_alloc.rs: reserve/commit a new
// region, or, when MEM_COMMIT is requested against an address already
// allocated, succeed in place.
func hVirtualAlloc(a *Args) (uint64, error) {
	defer a.Cleanup(4)
	return virtualAllocCommon(a, 0)
}

// hVirtualAllocEx is VirtualAlloc with a leading process-handle argument
// this single-process core ignores (kernel32/virtual_alloc_ex.rs).
func hVirtualAllocEx(a *Args) (uint64, error) {
	defer a.Cleanup(5)
	return virtualAllocCommon(a, 1)
}

func virtualAllocCommon(a *Args, base int) (uint64, error) {
	addr, err := a.Arg(base + 0)
	if err != nil {
		return 0, err
	}
	size, err := a.Arg(base + 1)
	if err != nil {
		return 0, err
	}
	atype, err := a.Arg(base + 2)
	if err != nil {
		return 0, err
	}
	size = pageAlign(size)
	reserve := atype&memReserve != 0
	commit := atype&memCommit != 0

	if reserve {
		if commit && addr != 0 {
			return addr, nil
		}
		return a.mem.Alloc(size)
	}
	if commit && a.mem.IsAllocated(addr) {
		return addr, nil
	}
	return 0, nil
}

// hVirtualFree frees the region covering lpAddress. Real VirtualFree can
// decommit without releasing; this core models only the release path
// since internal/memmap has no separate commit/reserve state per region.
func hVirtualFree(a *Args) (uint64, error) {
	defer a.Cleanup(3)
	addr, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	rgn := a.mem.GetRegion(addr)
	if rgn == nil {
		return 0, nil
	}
	a.mem.Free(rgn.Name)
	return 1, nil
}

// hVirtualProtect changes a region's permission bits in place and reports
// the previous protection through the out-pointer argument, matching the
// real API's contract.
func hVirtualProtect(a *Args) (uint64, error) {
	defer a.Cleanup(4)
	addr, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	newProtect, err := a.Arg(2)
	if err != nil {
		return 0, err
	}
	oldProtectPtr, err := a.Arg(3)
	if err != nil {
		return 0, err
	}
	rgn := a.mem.GetRegion(addr)
	if rgn == nil {
		return 0, nil
	}
	old := uint32(rgn.Perm)
	a.mem.SetPerm(rgn.Name, memmap.Perm(newProtect))
	if oldProtectPtr != 0 {
		if err := a.mem.WriteDword(oldProtectPtr, old); err != nil {
			return 0, err
		}
	}
	return 1, nil
}

// processHeapHandle is the fixed pseudo-handle GetProcessHeap hands back;
// HeapAlloc/HeapFree accept it without a HandleTable round trip since it
// never needs a Close.
const processHeapHandle = 0x10000

func hGetProcessHeap(a *Args) (uint64, error) {
	return processHeapHandle, nil
}

// hHeapAlloc backs the process heap with the same allocator VirtualAlloc
// uses; real Windows heaps sub-allocate from larger reserved regions, but
// nothing in this core's callers distinguishes the two.
func hHeapAlloc(a *Args) (uint64, error) {
	defer a.Cleanup(3)
	size, err := a.Arg(2)
	if err != nil {
		return 0, err
	}
	addr, err := a.mem.Alloc(size)
	if err != nil {
		return 0, nil
	}
	return addr, nil
}

func hHeapFree(a *Args) (uint64, error) {
	defer a.Cleanup(3)
	addr, err := a.Arg(2)
	if err != nil {
		return 0, err
	}
	rgn := a.mem.GetRegion(addr)
	if rgn == nil {
		return 0, nil
	}
	a.mem.Free(rgn.Name)
	return 1, nil
}

// hExitProcess has no host-visible "the process stopped" effect at the
// handler layer (internal/emu owns the dispatch loop, not win32); it logs
// and leaves RIP exactly where the gateway left it after the call, the
// same way an unimplemented export falls through today. An embedder that
// wants ExitProcess to actually stop Run does so from OnWinAPICall, which
// already observes every call before this handler runs.
func hExitProcess(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	code, _ := a.Arg(0)
	if a.gw.Log != nil {
		a.gw.Log.Infof("win32: ExitProcess(%d)", code)
	}
	return code, nil
}

// hExitThread terminates the calling thread via the scheduler, the
// handler-level half of spec.md's RETURN_THREAD machinery for a thread
// that exits voluntarily rather than falling off the end of its function.
func hExitThread(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	code, _ := a.Arg(0)
	if a.gw.Sched != nil && a.thread != nil {
		a.gw.Sched.TerminateThread(a.thread)
	}
	return code, nil
}

// hSleep defers the calling thread's next runnable quantum by ms ticks
// (spec.md section 4.9: "Sleep(ms) sets wake_tick := global_tick + ms").
func hSleep(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	ms, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	if a.gw.Sched != nil && a.thread != nil {
		a.gw.Sched.Sleep(a.thread, ms)
	}
	return 0, nil
}

func hGetCurrentThreadId(a *Args) (uint64, error) {
	return uint64(a.ThreadID()), nil
}

// processID is a fixed, plausible-looking PID; nothing in this single-
// process core distinguishes multiple guest processes.
const processID = 3240

func hGetCurrentProcessId(a *Args) (uint64, error) { return processID, nil }

// hGetCurrentProcess returns the well-known -1 (0xFFFFFFFF...) pseudo
// handle, as real GetCurrentProcess() does.
func hGetCurrentProcess(a *Args) (uint64, error) {
	if a.is64 {
		return ^uint64(0), nil
	}
	return 0xFFFFFFFF, nil
}

func hGetLastError(a *Args) (uint64, error) {
	code, err := a.gw.Env.LastError(a.ThreadID())
	return uint64(code), err
}

func hSetLastError(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	code, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	return 0, a.gw.Env.SetLastError(a.ThreadID(), uint32(code))
}

func hCloseHandle(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	h, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	if a.gw.Handles == nil || !a.gw.Handles.Close(h) {
		return 0, nil
	}
	return 1, nil
}

// criticalSection resolves the guest-address key a CRITICAL_SECTION
// struct is identified by into the scheduler.CriticalSection backing it,
// lazily creating a Gateway-owned table the first time any of the four
// EnterCriticalSection-family calls touches that address. Real Windows
// callers always call Initialize first; this tolerates first use via any
// of the four, matching real-world samples that sometimes skip it.
func (g *Gateway) criticalSection(addr uint64) *scheduler.CriticalSection {
	if g.criticalSections == nil {
		g.criticalSections = make(map[uint64]*scheduler.CriticalSection)
	}
	cs, ok := g.criticalSections[addr]
	if !ok {
		cs = scheduler.NewCriticalSection()
		g.criticalSections[addr] = cs
	}
	return cs
}

func hInitializeCriticalSection(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	addr, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	a.gw.criticalSection(addr) // force creation
	return 0, nil
}

func hEnterCriticalSection(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	addr, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	if a.gw.Sched != nil && a.thread != nil {
		a.gw.Sched.EnterCriticalSection(a.thread, a.gw.criticalSection(addr))
	}
	return 0, nil
}

func hLeaveCriticalSection(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	addr, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	if a.gw.Sched != nil && a.thread != nil {
		a.gw.Sched.LeaveCriticalSection(a.thread, a.gw.criticalSection(addr))
	}
	return 0, nil
}

func hDeleteCriticalSection(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	addr, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	delete(a.gw.criticalSections, addr)
	return 0, nil
}

// tlsSlotCount matches winenv's per-thread TLS array allocation.
const tlsSlotCount = 64

// hTlsAlloc hands out the next unused process-wide TLS slot index.
func hTlsAlloc(a *Args) (uint64, error) {
	for i := 0; i < tlsSlotCount; i++ {
		if !a.gw.tlsInUse[i] {
			a.gw.tlsInUse[i] = true
			return uint64(i), nil
		}
	}
	return 0xFFFFFFFF, nil // TLS_OUT_OF_INDEXES
}

func (a *Args) tlsSlotAddr(index uint64) (uint64, uint64, error) {
	base, err := a.gw.Env.TLSArray(a.ThreadID())
	if err != nil {
		return 0, 0, err
	}
	width := uint64(4)
	if a.is64 {
		width = 8
	}
	return base + index*width, width, nil
}

func hTlsGetValue(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	idx, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	addr, width, err := a.tlsSlotAddr(idx)
	if err != nil {
		return 0, err
	}
	if width == 8 {
		return a.mem.ReadQword(addr)
	}
	v, err := a.mem.ReadDword(addr)
	return uint64(v), err
}

func hTlsSetValue(a *Args) (uint64, error) {
	defer a.Cleanup(2)
	idx, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	val, err := a.Arg(1)
	if err != nil {
		return 0, err
	}
	addr, width, err := a.tlsSlotAddr(idx)
	if err != nil {
		return 0, err
	}
	if width == 8 {
		return 1, a.mem.WriteQword(addr, val)
	}
	return 1, a.mem.WriteDword(addr, uint32(val))
}

// hCreateThread mirrors kernel32/create_thread.rs, minus the reference
// implementation's interactive "continue emulating? y/n" console prompt
// (the console is an external collaborator per spec.md section 1): it
// always spins up a real scheduler thread with its own stack and TEB,
// honoring CREATE_SUSPENDED.
func hCreateThread(a *Args) (uint64, error) {
	defer a.Cleanup(6)
	stackSize, err := a.Arg(1)
	if err != nil {
		return 0, err
	}
	startAddr, err := a.Arg(2)
	if err != nil {
		return 0, err
	}
	param, err := a.Arg(3)
	if err != nil {
		return 0, err
	}
	flags, err := a.Arg(4)
	if err != nil {
		return 0, err
	}
	tidPtr, err := a.Arg(5)
	if err != nil {
		return 0, err
	}
	if stackSize == 0 {
		stackSize = defaultThreadStackSize
	}

	if a.gw.Sched == nil {
		return 0, fmt.Errorf("win32: CreateThread called with no scheduler wired into the gateway")
	}

	regs := registers.New()
	t := a.gw.Sched.CreateThread(regs, fpu.New())

	tebAddr, err := a.gw.Env.NewTEB(t.ID)
	if err != nil {
		return 0, err
	}
	if a.is64 {
		regs.WriteSegmentBase(registers.SegGS, tebAddr)
	} else {
		regs.WriteSegmentBase(registers.SegFS, tebAddr)
	}

	stackBase, err := a.mem.Alloc(pageAlign(stackSize))
	if err != nil {
		return 0, err
	}
	stackTop := stackBase + pageAlign(stackSize)
	if err := a.gw.Env.SetStackBounds(t.ID, stackBase, stackTop); err != nil {
		return 0, err
	}

	if a.is64 {
		regs.WriteRIP(startAddr)
		regs.WriteGPR64(registers.RCX, param)
		regs.WriteGPR64(registers.RSP, stackTop-0x28)
		if err := a.mem.WriteQword(stackTop-0x28, ReturnThread); err != nil {
			return 0, err
		}
	} else {
		regs.WriteEIP(uint32(startAddr))
		regs.WriteGPR64(registers.RSP, stackTop-8)
		if err := a.mem.WriteDword(stackTop-8, uint32(ReturnThread)); err != nil {
			return 0, err
		}
		if err := a.mem.WriteDword(stackTop-4, uint32(param)); err != nil {
			return 0, err
		}
	}

	if flags&createSuspended != 0 {
		a.gw.Sched.SuspendThread(t)
	}

	if tidPtr != 0 {
		if err := a.mem.WriteDword(tidPtr, uint32(t.ID)); err != nil {
			return 0, err
		}
	}

	handle := uint64(t.ID*4 + firstHandle)
	if a.gw.Handles != nil {
		handle = a.gw.Handles.New("thread", t)
	}
	return handle, nil
}

func threadFromHandle(a *Args, h uint64) *scheduler.Thread {
	if a.gw.Handles == nil {
		return nil
	}
	r, ok := a.gw.Handles.Get(h)
	if !ok || r.Kind != "thread" {
		return nil
	}
	t, _ := r.Value.(*scheduler.Thread)
	return t
}

func hSuspendThread(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	h, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	t := threadFromHandle(a, h)
	if t == nil || a.gw.Sched == nil {
		return 0xFFFFFFFF, nil
	}
	prev := uint64(t.Suspended)
	a.gw.Sched.SuspendThread(t)
	return prev, nil
}

func hResumeThread(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	h, err := a.Arg(0)
	if err != nil {
		return 0, err
	}
	t := threadFromHandle(a, h)
	if t == nil || a.gw.Sched == nil {
		return 0xFFFFFFFF, nil
	}
	prev := uint64(t.Suspended)
	a.gw.Sched.ResumeThread(t)
	return prev, nil
}

// hGetTickCount exposes the scheduler's own tick counter rather than a
// wall-clock read, keeping results reproducible across runs the same way
// internal/cpu's RDTSC does.
func hGetTickCount(a *Args) (uint64, error) {
	if a.gw.Sched == nil {
		return 0, nil
	}
	return a.gw.Sched.GlobalTick(), nil
}

func hLstrlenA(a *Args) (uint64, error) {
	defer a.Cleanup(1)
	s, err := a.ArgString(0, 1<<16)
	if err != nil {
		return 0, err
	}
	return uint64(len(s)), nil
}
