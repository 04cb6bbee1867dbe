/*
 * x86emu - Win32 API gateway tests.
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

package win32

import (
	"testing"

	"github.com/hollowbyte/x86emu/internal/memmap"
	"github.com/hollowbyte/x86emu/internal/registers"
	"github.com/hollowbyte/x86emu/internal/winenv"
)

func newGateway(t *testing.T, is64 bool) (*Gateway, *memmap.Space, *registers.File) {
	t.Helper()
	mem := memmap.New(!is64)
	env, err := winenv.New(mem, is64)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.CreateRegion("stack", 0x200000, 0x10000, memmap.PermRead|memmap.PermWrite); err != nil {
		t.Fatal(err)
	}
	regs := registers.New()
	return &Gateway{Env: env, Mem: mem, Regs: regs, Is64: is64}, mem, regs
}

func TestSetRIPDispatchesToRegisteredHandler(t *testing.T) {
	g, mem, regs := newGateway(t, false)
	k32 := &winenv.Module{
		Name: "kernel32.dll",
		Base: 0x77000000,
		Size: 0x100000,
		Exports: map[string]uint32{
			"GetTickCount": 0x100,
		},
	}
	if err := g.Env.LoadModule(k32); err != nil {
		t.Fatal(err)
	}

	called := false
	g.Register("kernel32.dll", "GetTickCount", func(args *Args) (uint64, error) {
		called = true
		return 0x1234, nil
	})

	callerRet := uint64(0x401000)
	esp := uint64(0x20FFF0)
	regs.WriteGPR64(registers.RSP, esp)
	if err := mem.WriteDword(esp, uint32(callerRet)); err != nil {
		t.Fatal(err)
	}

	handled, err := g.SetRIP(k32.Base + 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if !handled {
		t.Fatalf("expected SetRIP to report handled")
	}
	if !called {
		t.Fatalf("expected the registered handler to run")
	}
	if regs.RIP() != callerRet {
		t.Fatalf("expected RIP restored to caller's return address, got 0x%x", regs.RIP())
	}
	if regs.GPR32(registers.RAX) != 0x1234 {
		t.Fatalf("expected result in EAX, got 0x%x", regs.GPR32(registers.RAX))
	}
}

func TestSetRIPReturnThreadSentinel(t *testing.T) {
	g, _, regs := newGateway(t, true)
	g.MainThreadCont = 0x400500

	handled, err := g.SetRIP(ReturnThread)
	if err != nil {
		t.Fatal(err)
	}
	if !handled {
		t.Fatalf("expected ReturnThread to be handled")
	}
	if regs.RIP() != 0x400500 {
		t.Fatalf("expected RIP redirected to main thread continuation, got 0x%x", regs.RIP())
	}
}

func TestSetRIPBelowLibraryFloorExecutesDirectly(t *testing.T) {
	g, _, regs := newGateway(t, false)
	m := &winenv.Module{Name: "app.exe", Base: 0x00400000, Size: 0x10000, Exports: map[string]uint32{}}
	if err := g.Env.LoadModule(m); err != nil {
		t.Fatal(err)
	}

	handled, err := g.SetRIP(0x00401000)
	if err != nil {
		t.Fatal(err)
	}
	if !handled {
		t.Fatalf("expected direct execution to be reported handled")
	}
	if regs.RIP() != 0x00401000 {
		t.Fatalf("expected direct jump, RIP=0x%x", regs.RIP())
	}
}

func TestSetRIPNotLoadedFallback(t *testing.T) {
	g, mem, regs := newGateway(t, false)
	fellBack := false
	g.NotLoaded = func(args *Args) (uint64, error) {
		fellBack = true
		return 0, nil
	}

	callerRet := uint64(0x401500)
	esp := uint64(0x20FFF0)
	regs.WriteGPR64(registers.RSP, esp)
	if err := mem.WriteDword(esp, uint32(callerRet)); err != nil {
		t.Fatal(err)
	}

	handled, err := g.SetRIP(0x6FFF1234)
	if err != nil {
		t.Fatal(err)
	}
	if !handled || !fellBack {
		t.Fatalf("expected not_loaded fallback to run")
	}
	if regs.RIP() != callerRet {
		t.Fatalf("expected RIP restored to caller, got 0x%x", regs.RIP())
	}
}

func TestSetRIPOnWinAPICallCanCancelNativeDispatch(t *testing.T) {
	g, mem, regs := newGateway(t, false)
	m := &winenv.Module{
		Name:    "user32.dll",
		Base:    0x75000000,
		Size:    0x10000,
		Exports: map[string]uint32{"MessageBoxA": 0x50},
	}
	if err := g.Env.LoadModule(m); err != nil {
		t.Fatal(err)
	}
	g.Register("user32.dll", "MessageBoxA", func(args *Args) (uint64, error) {
		t.Fatalf("handler should not run when native dispatch is cancelled")
		return 0, nil
	})
	g.OnWinAPICall = func(callerIP, target uint64) bool { return false }

	esp := uint64(0x20FFF0)
	regs.WriteGPR64(registers.RSP, esp)
	if err := mem.WriteDword(esp, 0x401800); err != nil {
		t.Fatal(err)
	}

	handled, err := g.SetRIP(m.Base + 0x50)
	if err != nil {
		t.Fatal(err)
	}
	if !handled {
		t.Fatalf("expected dispatch to report handled")
	}
	if regs.RIP() != m.Base+0x50 {
		t.Fatalf("expected RIP left at the raw export target, got 0x%x", regs.RIP())
	}
}
