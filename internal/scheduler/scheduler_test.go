/*
 * x86emu - Scheduler tests.
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

package scheduler

import (
	"testing"

	"github.com/hollowbyte/x86emu/internal/fpu"
	"github.com/hollowbyte/x86emu/internal/registers"
)

func newThreadPair(s *Scheduler) (t1, t2 *Thread) {
	t1 = s.CreateThread(registers.New(), fpu.New())
	t2 = s.CreateThread(registers.New(), fpu.New())
	return
}

// TestCooperativeSchedulerFairness reproduces the six-scenario cooperative
// fairness check: T2 starts suspended, so T1 alone runs for 10 steps; once
// T2 resumes the two threads alternate strictly.
func TestCooperativeSchedulerFairness(t *testing.T) {
	s := New()
	t1, t2 := newThreadPair(s)
	s.SuspendThread(t2)

	t1Count := 0
	for i := 0; i < 10; i++ {
		if s.Current() == t1 {
			t1Count++
		}
		s.Tick()
		if err := s.Advance(); err != nil {
			t.Fatalf("advance failed: %v", err)
		}
	}
	if t1Count != 10 {
		t.Fatalf("expected T1 to run all 10 steps while T2 suspended, got %d", t1Count)
	}
	if t2.WakeTick != 0 {
		t.Fatalf("T2 wake_tick should be untouched while suspended")
	}

	s.ResumeThread(t2)
	counts := map[*Thread]int{t1: 0, t2: 0}
	var last *Thread
	alternated := true
	for i := 0; i < 10; i++ {
		cur := s.Current()
		counts[cur]++
		if last != nil && last == cur {
			alternated = false
		}
		last = cur
		s.Tick()
		if err := s.Advance(); err != nil {
			t.Fatalf("advance failed: %v", err)
		}
	}
	if counts[t1] != 5 || counts[t2] != 5 {
		t.Fatalf("expected 5/5 alternation, got t1=%d t2=%d", counts[t1], counts[t2])
	}
	if !alternated {
		t.Fatalf("expected strict alternation between T1 and T2")
	}
}

func TestSleepDefersRunnability(t *testing.T) {
	s := New()
	t1, t2 := newThreadPair(s)
	s.Sleep(t2, 5)
	for i := 0; i < 3; i++ {
		if err := s.Advance(); err != nil {
			t.Fatalf("advance failed: %v", err)
		}
		if s.Current() != t1 {
			t.Fatalf("t2 should still be asleep at tick %d", s.GlobalTick())
		}
		s.Tick()
	}
}

func TestCriticalSectionFIFO(t *testing.T) {
	s := New()
	t1, t2 := newThreadPair(s)
	cs := NewCriticalSection()

	s.EnterCriticalSection(t1, cs)
	s.EnterCriticalSection(t2, cs)
	if t2.BlockedOn != cs {
		t.Fatalf("t2 should block on the contended critical section")
	}

	s.LeaveCriticalSection(t1, cs)
	if t2.BlockedOn != nil {
		t.Fatalf("leaving should unblock the FIFO head")
	}
	if cs.owner != t2 {
		t.Fatalf("ownership should transfer to t2")
	}
}

func TestNoRunnableThreadError(t *testing.T) {
	s := New()
	t1, _ := newThreadPair(s)
	s.SuspendThread(t1)
	s.SuspendThread(s.threads[1])
	if err := s.Advance(); err != ErrNoRunnableThread {
		t.Fatalf("expected ErrNoRunnableThread, got %v", err)
	}
}
