/*
 * x86emu - Top-level Emu: wires C1-C12 into one dispatch loop.
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

// Package emu assembles C1-C12 (internal/memmap, internal/registers,
// internal/flags, internal/fpu, internal/operand, internal/cpu,
// internal/exception, internal/scheduler, internal/winenv,
// internal/win32, internal/trace, internal/breakpoint) into the single
// Emu struct the dispatch loop drives. Decoding raw bytes into a
// cpu.Instruction is an external concern (an iced-x86-style decoder);
// Emu.Decode is the pluggable seam a caller wires one in through.
package emu

import (
	"errors"
	"fmt"

	"github.com/hollowbyte/x86emu/internal/breakpoint"
	"github.com/hollowbyte/x86emu/internal/cpu"
	"github.com/hollowbyte/x86emu/internal/exception"
	"github.com/hollowbyte/x86emu/internal/flags"
	"github.com/hollowbyte/x86emu/internal/fpu"
	"github.com/hollowbyte/x86emu/internal/memmap"
	"github.com/hollowbyte/x86emu/internal/operand"
	"github.com/hollowbyte/x86emu/internal/registers"
	"github.com/hollowbyte/x86emu/internal/scheduler"
	"github.com/hollowbyte/x86emu/internal/trace"
	"github.com/hollowbyte/x86emu/internal/win32"
	"github.com/hollowbyte/x86emu/internal/winenv"
	"github.com/hollowbyte/x86emu/util/logger"
)

// Decoder turns the bytes at ip into one decoded Instruction. The core
// ships no decoder of its own (spec.md names an iced-x86-style external
// decoder as the operand layer's input); an embedder wires a real one in
// through Emu.Decode before calling Run.
type Decoder func(mem *memmap.Space, ip uint64, bits int) (*cpu.Instruction, error)

// ErrNoDecoder is returned by Run/RunOne when no Decoder has been wired in.
var ErrNoDecoder = errors.New("emu: no instruction decoder configured")

// StopReason explains why Run stopped looping.
type StopReason int

const (
	StopNone StopReason = iota
	StopMaxInstructions
	StopBreakpointAddr
	StopBreakpointInstruction
	StopPreInstructionHookVeto
	StopFault
	StopNoRunnableThread
)

func (r StopReason) String() string {
	switch r {
	case StopMaxInstructions:
		return "max instruction count reached"
	case StopBreakpointAddr:
		return "address breakpoint"
	case StopBreakpointInstruction:
		return "instruction-count breakpoint"
	case StopPreInstructionHookVeto:
		return "pre-instruction hook vetoed execution"
	case StopFault:
		return "unrecoverable fault"
	case StopNoRunnableThread:
		return "no runnable thread"
	default:
		return "running"
	}
}

// Emu is the single top-level struct every component is a field of, per
// this corpus's "model as fields of the top-level emulator struct, not
// as true globals" rule: the handle table, critical-section table and
// trace writer all live here, owned exclusively by whichever goroutine
// drives Run.
type Emu struct {
	Is64 bool

	Mem       *memmap.Space
	Sched     *scheduler.Scheduler
	Env       *winenv.Environment
	Gateway   *win32.Gateway
	Exception *exception.Dispatcher
	Hooks     *trace.Hooks
	Trace     *trace.Writer
	BP        *breakpoint.Set
	Log       *logger.Logger

	Decode Decoder

	// MaxInstr, when non-zero, is the instruction-count budget from
	// spec.md section 5 ("timeouts are expressed as instruction-count
	// limits, not wall time").
	MaxInstr uint64

	// InstrCount is the process-wide instruction counter: REP iterations
	// each count as one, matching "REP iteration: a single pass of a
	// string-primitive instruction... observable from outside the
	// interpreter as one step."
	InstrCount uint64

	// running is the host-settable atomic-in-spirit abort flag from
	// spec.md section 5; the dispatch loop checks it at every
	// instruction boundary.
	running bool

	cpuCtx *cpu.Context
	op     *operand.Context
}

// New builds an Emu with a fresh address space, scheduler, Windows
// environment and Win32 gateway for the given bitness, and creates
// thread 0 (the main thread) as spec.md section 3 requires ("thread 0 =
// main").
func New(is64 bool, log *logger.Logger) (*Emu, error) {
	if log == nil {
		log = logger.NewDiscard()
	}
	mem := memmap.New(!is64)
	env, err := winenv.New(mem, is64)
	if err != nil {
		return nil, fmt.Errorf("emu: building windows environment: %w", err)
	}
	sched := scheduler.New()
	regs := registers.New()
	fst := fpu.New()
	sched.CreateThread(regs, fst) // thread 0, the main thread
	wireTEB(regs, is64, env.TEBForThread(0))

	gw := &win32.Gateway{Env: env, Mem: mem, Regs: regs, Sched: sched, Handles: win32.NewHandleTable(), Is64: is64, Log: log}
	ed := &exception.Dispatcher{Mem: mem, Regs: regs, Is64: is64}
	hooks := &trace.Hooks{}
	gw.OnWinAPICall = hooks.FireWinAPICall
	ed.OnException = hooks.FireException
	win32.RegisterKernel32(gw)

	op := &operand.Context{Regs: regs, Mem: mem, FPU: fst}
	cpuCtx := &cpu.Context{Op: op, Flags: &flags.Flags{}, Bits: bitsOf(is64), Gateway: gw, Log: log}

	e := &Emu{
		Is64:      is64,
		Mem:       mem,
		Sched:     sched,
		Env:       env,
		Gateway:   gw,
		Exception: ed,
		Hooks:     hooks,
		BP:        breakpoint.New(),
		Log:       log,
		running:   true,
		cpuCtx:    cpuCtx,
		op:        op,
	}
	return e, nil
}

// wireTEB points a thread's segment base at its TEB, the same way real
// Windows user-mode code resolves its own TEB through FS (32-bit) or GS
// (64-bit) without walking the PEB loader list.
func wireTEB(regs *registers.File, is64 bool, tebAddr uint64) {
	if is64 {
		regs.WriteSegmentBase(registers.SegGS, tebAddr)
		return
	}
	regs.WriteSegmentBase(registers.SegFS, tebAddr)
}

func bitsOf(is64 bool) int {
	if is64 {
		return 64
	}
	return 32
}

// CPUContext exposes the dispatcher context Run drives, for callers that
// want to single-step by hand (tests, a debugger front-end) rather than
// go through Run.
func (e *Emu) CPUContext() *cpu.Context { return e.cpuCtx }

// Stop requests that Run return at the next instruction boundary,
// modeling spec.md section 5's host-settable "is_running = 0" abort flag.
func (e *Emu) Stop() { e.running = false }

// Resume clears a prior Stop so Run can be called again.
func (e *Emu) Resume() { e.running = true }

func (e *Emu) currentIP() uint64 {
	if e.Is64 {
		return e.op.Regs.RIP()
	}
	return uint64(e.op.Regs.EIP())
}

// syncThread installs t's private register/FPU state as the active
// state every component (cpu.Context, win32.Gateway, exception.Dispatcher)
// reads and writes, and loads its packed EFLAGS into the shared flags
// engine. This is the context-switch load half of section 4.9.
func (e *Emu) syncThread(t *scheduler.Thread) {
	e.op.Regs = t.State.Regs
	e.op.FPU = t.State.FPU
	e.cpuCtx.Flags.Load(t.State.Flags)
	e.Gateway.Regs = t.State.Regs
	e.Exception.Regs = t.State.Regs
}

// saveThread captures the active state back into t's private slot: the
// context-switch save half of section 4.9.
func (e *Emu) saveThread(t *scheduler.Thread) {
	t.State.Flags = e.cpuCtx.Flags.Dump()
}

// RunOne executes exactly one dispatch cycle (one instruction, or one
// REP iteration) on the current thread and returns the reason execution
// should not continue, or StopNone to keep going.
func (e *Emu) RunOne() (StopReason, error) {
	if !e.running {
		return StopNoRunnableThread, nil
	}
	t := e.Sched.Current()
	if t == nil {
		return StopNoRunnableThread, nil
	}
	e.syncThread(t)

	if e.MaxInstr != 0 && e.InstrCount >= e.MaxInstr {
		return StopMaxInstructions, nil
	}
	ip := e.currentIP()
	if e.BP.IsBreak(ip) {
		return StopBreakpointAddr, nil
	}
	if e.BP.IsBreakInstruction(e.InstrCount) {
		return StopBreakpointInstruction, nil
	}

	if e.Decode == nil {
		return StopFault, ErrNoDecoder
	}
	ins, err := e.Decode(e.Mem, ip, e.cpuCtx.Bits)
	if err != nil {
		return StopFault, fmt.Errorf("emu: decode at %#x: %w", ip, err)
	}

	if !e.Hooks.FirePreInstruction(ip, ins.Raw, ins.Len) {
		return StopPreInstructionHookVeto, nil
	}

	done, stepErr := cpu.Step(e.cpuCtx, ins)
	e.Hooks.FirePostInstruction(ip, ins.Raw, ins.Len, stepErr == nil)

	if stepErr != nil {
		reason, err := e.handleFault(t, stepErr, ins.Len)
		e.saveThread(t)
		if reason != StopNone {
			return reason, err
		}
	} else {
		e.saveThread(t)
	}

	e.InstrCount++
	e.Sched.Tick()

	if e.Trace != nil {
		e.writeTraceRecord(t)
	}

	_ = done // Step already advanced IP for completed, non-branch instructions

	if advErr := e.Sched.Advance(); advErr != nil {
		return StopNoRunnableThread, nil
	}
	return StopNone, nil
}

// handleFault routes a *cpu.Fault through the exception dispatcher
// (VEH -> SEH -> UEF). A fault with no installed handler is logged and
// execution continues past the faulting instruction, per spec.md
// section 7 ("failure invokes exception(kind) which either dispatches to
// user code or... logs and continues"). Any other error is a
// configuration fault and is non-recoverable.
func (e *Emu) handleFault(t *scheduler.Thread, stepErr error, insLen int) (StopReason, error) {
	var f *cpu.Fault
	if !errors.As(stepErr, &f) {
		return StopFault, stepErr
	}
	if err := e.Exception.Deliver(t, f.Kind); err != nil {
		if errors.Is(err, exception.ErrCancelled) {
			return StopNone, nil // hook vetoed delivery; IP stays put, caller decides
		}
		if errors.Is(err, exception.ErrUnhandled) {
			e.Log.Warnf("emu: unhandled %s at %#x, continuing past the faulting instruction", f.Kind, e.currentIP())
			e.advancePastFault(insLen)
			return StopNone, nil
		}
		return StopFault, err
	}
	return StopNone, nil
}

// advancePastFault advances IP by the faulting instruction's length when no
// exception chain is installed, so the dispatch loop does not spin forever
// re-faulting on the same instruction.
func (e *Emu) advancePastFault(insLen int) {
	if insLen <= 0 {
		insLen = 1
	}
	if e.Is64 {
		e.op.Regs.WriteRIP(e.op.Regs.RIP() + uint64(insLen))
		return
	}
	e.op.Regs.WriteEIP(e.op.Regs.EIP() + uint32(insLen))
}

func (e *Emu) writeTraceRecord(t *scheduler.Thread) {
	r := trace.Record{
		InstructionCount: e.InstrCount,
		RIP:              e.currentIP(),
		RFLAGS:           uint64(e.cpuCtx.Flags.Dump()),
	}
	gprOrder := []registers.Reg{
		registers.RAX, registers.RBX, registers.RCX, registers.RDX,
		registers.RSI, registers.RDI, registers.RBP, registers.RSP,
		registers.R8, registers.R9, registers.R10, registers.R11,
		registers.R12, registers.R13, registers.R14, registers.R15,
	}
	for i, reg := range gprOrder {
		r.GPR[i] = e.op.Regs.GPR64(reg)
	}
	if err := e.Trace.Write(r); err != nil {
		e.Log.Warnf("emu: trace write failed: %v", err)
	}
}

// Run dispatches instructions until a stop condition is reached: the
// breakpoint/hook/fault reasons RunOne reports, MaxInstr, or the host
// calling Stop.
func (e *Emu) Run() (StopReason, error) {
	for {
		reason, err := e.RunOne()
		if reason != StopNone || err != nil {
			return reason, err
		}
	}
}

// CreateThread spawns a new cooperatively scheduled guest thread with its
// own private register/FPU state and its own TEB (spec.md section 4.7:
// "one [TEB] per thread"), runnable immediately.
func (e *Emu) CreateThread() (*scheduler.Thread, error) {
	regs := registers.New()
	t := e.Sched.CreateThread(regs, fpu.New())
	tebAddr, err := e.Env.NewTEB(t.ID)
	if err != nil {
		return nil, fmt.Errorf("emu: creating TEB for thread %d: %w", t.ID, err)
	}
	wireTEB(regs, e.Is64, tebAddr)
	return t, nil
}
