/*
 * x86emu - Cooperative thread scheduler.
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

// Package scheduler implements cooperative round-robin multithreading with
// a one-instruction quantum: no futures, no executors, one instruction is
// an indivisible unit of work and context switches happen only at
// instruction boundaries. This is the single coroutine substitute the
// interpreter loop needs.
package scheduler

import (
	"fmt"

	"github.com/hollowbyte/x86emu/internal/fpu"
	"github.com/hollowbyte/x86emu/internal/registers"
)

// ThreadState is the architectural snapshot saved and restored across a
// context switch: registers, flags (as a raw EFLAGS image, owned by the
// caller's flags.Flags.Dump/Load) and FPU state.
type ThreadState struct {
	Regs  *registers.File
	FPU   *fpu.State
	Flags uint32
}

// Thread is one cooperatively scheduled guest thread.
type Thread struct {
	ID        int
	State     ThreadState
	Suspended int // suspend count; runnable only when zero
	WakeTick  uint64
	BlockedOn *CriticalSection
	OSHandle  uintptr

	// Exception handler chain, owned per-thread since SEH/VEH/UEF
	// registration is thread-local on real Windows. Zero means unset.
	VEH   uint64
	SEH   uint64
	UEF   uint64
	EHCtx uint64
}

func (t *Thread) runnable(globalTick uint64) bool {
	return t.Suspended == 0 && t.BlockedOn == nil && t.WakeTick <= globalTick
}

// CriticalSection is a single lock with an owner and a FIFO wait queue.
type CriticalSection struct {
	owner *Thread
	queue []*Thread
}

// Scheduler owns the thread vector, the current index, and the global
// tick count Sleep/wake_tick compare against.
type Scheduler struct {
	threads    []*Thread
	current    int
	globalTick uint64
	nextID     int
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// CreateThread appends a new thread, runnable by default, and returns it.
func (s *Scheduler) CreateThread(regs *registers.File, f *fpu.State) *Thread {
	t := &Thread{ID: s.nextID, State: ThreadState{Regs: regs, FPU: f}}
	s.nextID++
	s.threads = append(s.threads, t)
	return t
}

// Current returns the thread whose quantum is active.
func (s *Scheduler) Current() *Thread {
	if len(s.threads) == 0 {
		return nil
	}
	return s.threads[s.current]
}

// GlobalTick returns the scheduler's tick counter.
func (s *Scheduler) GlobalTick() uint64 { return s.globalTick }

// Tick advances the global tick counter by one; callers increment it once
// per dispatched instruction.
func (s *Scheduler) Tick() { s.globalTick++ }

// ErrNoRunnableThread signals that every thread is suspended, sleeping, or
// blocked on a critical section.
var ErrNoRunnableThread = fmt.Errorf("scheduler: no runnable thread")

// Advance moves to the next runnable thread after the current quantum,
// scanning round-robin from the thread after Current. Returns
// ErrNoRunnableThread if none qualifies.
func (s *Scheduler) Advance() error {
	n := len(s.threads)
	if n == 0 {
		return ErrNoRunnableThread
	}
	for i := 1; i <= n; i++ {
		idx := (s.current + i) % n
		if s.threads[idx].runnable(s.globalTick) {
			s.current = idx
			return nil
		}
	}
	return ErrNoRunnableThread
}

// Sleep sets the given thread's wake_tick to globalTick + ms, deferring
// its next runnable quantum.
func (s *Scheduler) Sleep(t *Thread, ms uint64) {
	t.WakeTick = s.globalTick + ms
}

// SuspendThread increments the suspend count; ResumeThread decrements it.
// A thread is runnable only once its suspend count reaches zero.
func (s *Scheduler) SuspendThread(t *Thread) { t.Suspended++ }

func (s *Scheduler) ResumeThread(t *Thread) {
	if t.Suspended > 0 {
		t.Suspended--
	}
}

// TerminateThread removes t from the runnable set, the scheduler-side
// half of the RETURN_THREAD sentinel (spec.md section 4.6: "the current
// thread terminates... the scheduler is notified"). Advance will no
// longer consider t a candidate. A no-op if t is not (or no longer)
// tracked by this scheduler.
func (s *Scheduler) TerminateThread(t *Thread) {
	for i, th := range s.threads {
		if th != t {
			continue
		}
		s.threads = append(s.threads[:i], s.threads[i+1:]...)
		switch {
		case len(s.threads) == 0:
			s.current = 0
		case s.current > i:
			s.current--
		case s.current >= len(s.threads):
			s.current = len(s.threads) - 1
		}
		return
	}
}

// NewCriticalSection returns an unowned lock.
func NewCriticalSection() *CriticalSection { return &CriticalSection{} }

// EnterCriticalSection acquires cs for t. If cs is already owned by
// another thread, t is appended to the FIFO and marked not runnable until
// a matching Leave transfers ownership to it.
func (s *Scheduler) EnterCriticalSection(t *Thread, cs *CriticalSection) {
	if cs.owner == nil {
		cs.owner = t
		return
	}
	if cs.owner == t {
		return
	}
	t.BlockedOn = cs
	cs.queue = append(cs.queue, t)
}

// LeaveCriticalSection releases cs from t's ownership and transfers it to
// the FIFO head, marking that thread runnable.
func (s *Scheduler) LeaveCriticalSection(t *Thread, cs *CriticalSection) {
	if cs.owner != t {
		return
	}
	if len(cs.queue) == 0 {
		cs.owner = nil
		return
	}
	next := cs.queue[0]
	cs.queue = cs.queue[1:]
	cs.owner = next
	next.BlockedOn = nil
}
