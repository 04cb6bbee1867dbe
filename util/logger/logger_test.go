/*
 * x86emu - Logger wrapper tests.
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

package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerInfofWritesThroughHandler(t *testing.T) {
	var buf bytes.Buffer
	debug := false
	l := New(NewHandler(&buf, nil, &debug))
	l.Infof("loaded module %s at 0x%x", "kernel32.dll", 0x77000000)

	out := buf.String()
	if !strings.Contains(out, "loaded module kernel32.dll at 0x77000000") {
		t.Fatalf("expected formatted message in output, got %q", out)
	}
}

func TestNewDiscardDoesNotPanic(t *testing.T) {
	l := NewDiscard()
	l.Debugf("x=%d", 1)
	l.Warnf("y")
	l.Errorf("z: %v", nil)
}
