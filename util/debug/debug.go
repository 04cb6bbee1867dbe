/*
 * x86emu - Masked subsystem debug logging.
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

// Package debug is a masked, per-subsystem debug sink: each call site
// names the subsystem ("CPU", "MEM", "WIN32", ...) and a bitmask; a
// message is written only when that mask intersects the subsystem's
// currently enabled bits. This is the teacher's DebugDevf/DebugChanf
// idiom (a bitmask gate in front of an *os.File) generalized from
// per-device-number and per-channel-number gates to per-subsystem-name
// gates, since this core has named components (C1-C12) rather than
// device/channel numbers.
package debug

import (
	"fmt"
	"os"
	"sync"
)

var (
	mu      sync.Mutex
	logFile *os.File
	masks   = map[string]int{}
)

// SetFile directs subsystem debug output at file, replacing whatever was
// configured before. Passing nil disables output entirely.
func SetFile(file *os.File) {
	mu.Lock()
	defer mu.Unlock()
	logFile = file
}

// Enable sets the enabled bitmask for subsystem, matching the teacher's
// per-device mask field but keyed by subsystem name instead of device
// number.
func Enable(subsystem string, mask int) {
	mu.Lock()
	defer mu.Unlock()
	masks[subsystem] = mask
}

// Debugf writes a message for subsystem if level intersects the mask
// Enable last set for it (zero, the default, means nothing is enabled).
func Debugf(subsystem string, level int, format string, a ...any) {
	mu.Lock()
	file := logFile
	enabled := masks[subsystem]
	mu.Unlock()
	if file == nil || enabled&level == 0 {
		return
	}
	fmt.Fprintf(file, subsystem+": "+format+"\n", a...)
}
