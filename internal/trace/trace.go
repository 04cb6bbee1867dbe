/*
 * x86emu - Hooks and the fixed-width binary trace sink.
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

// Package trace holds the nullable user hook functions for interrupt/
// exception/memory-read/memory-write/pre-instruction/post-instruction/
// API-call points, plus a buffered fixed-width binary trace sink.
// internal/emu consults the pre-instruction, post-instruction, exception
// and API-call hooks; it never calls OnInterrupt, OnMemoryRead or
// OnMemoryWrite.
package trace

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/hollowbyte/x86emu/util/logger"
)

// Hooks is a set of nullable callbacks. Every field may be left nil, in
// which case the dispatcher behaves as if the hook were absent (native
// dispatch/delivery proceeds unmodified).
type Hooks struct {
	OnInterrupt       func(ip uint64, intNo int) (cont bool)
	OnException       func(ip uint64, exType int) (deliver bool)
	OnMemoryRead      func(ip, addr uint64, size int)
	OnMemoryWrite     func(ip, addr uint64, size int, value uint64) uint64
	OnPreInstruction  func(ip uint64, ins []byte, size int) (execute bool)
	OnPostInstruction func(ip uint64, ins []byte, size int, ok bool)
	OnWinAPICall      func(callerIP, target uint64) (deliverNative bool)
}

// FireInterrupt returns true (continue) when no hook is installed.
func (h *Hooks) FireInterrupt(ip uint64, intNo int) bool {
	if h.OnInterrupt == nil {
		return true
	}
	return h.OnInterrupt(ip, intNo)
}

// FireException returns true (deliver) when no hook is installed.
func (h *Hooks) FireException(ip uint64, exType int) bool {
	if h.OnException == nil {
		return true
	}
	return h.OnException(ip, exType)
}

func (h *Hooks) FireMemoryRead(ip, addr uint64, size int) {
	if h.OnMemoryRead != nil {
		h.OnMemoryRead(ip, addr, size)
	}
}

// FireMemoryWrite returns the (possibly rewritten) value to actually store.
func (h *Hooks) FireMemoryWrite(ip, addr uint64, size int, value uint64) uint64 {
	if h.OnMemoryWrite == nil {
		return value
	}
	return h.OnMemoryWrite(ip, addr, size, value)
}

// FirePreInstruction returns true (execute) when no hook is installed.
func (h *Hooks) FirePreInstruction(ip uint64, ins []byte, size int) bool {
	if h.OnPreInstruction == nil {
		return true
	}
	return h.OnPreInstruction(ip, ins, size)
}

func (h *Hooks) FirePostInstruction(ip uint64, ins []byte, size int, ok bool) {
	if h.OnPostInstruction != nil {
		h.OnPostInstruction(ip, ins, size, ok)
	}
}

// FireWinAPICall returns true (native dispatch proceeds) when no hook is
// installed.
func (h *Hooks) FireWinAPICall(callerIP, target uint64) bool {
	if h.OnWinAPICall == nil {
		return true
	}
	return h.OnWinAPICall(callerIP, target)
}

// recordSize is the fixed 152-byte trace record: instruction_count, RIP,
// RFLAGS, then 16 GPRs, all little-endian u64.
const recordSize = 19 * 8

const flushEvery = 1_000_000

// Record is one trace entry's architectural snapshot.
type Record struct {
	InstructionCount uint64
	RIP              uint64
	RFLAGS           uint64
	GPR              [16]uint64 // RAX,RBX,RCX,RDX,RSI,RDI,RBP,RSP,R8..R15
}

// Writer is the buffered binary trace sink: no header, no footer, fixed
// 152-byte records, flushed every 1M records.
type Writer struct {
	w       *bufio.Writer
	closer  io.Closer
	count   uint64
	log     *logger.Logger
}

// NewWriter wraps dst in a buffered writer. The caller owns dst's
// lifetime; Close flushes and, if dst implements io.Closer, closes it too.
func NewWriter(dst io.Writer, log *logger.Logger) *Writer {
	w := &Writer{w: bufio.NewWriterSize(dst, recordSize*4096), log: log}
	if c, ok := dst.(io.Closer); ok {
		w.closer = c
	}
	return w
}

// Write appends one record, flushing every flushEvery records and logging
// the running record count at that cadence (no instructions-per-second
// rate is computed).
func (w *Writer) Write(r Record) error {
	var buf [recordSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], r.InstructionCount)
	binary.LittleEndian.PutUint64(buf[8:16], r.RIP)
	binary.LittleEndian.PutUint64(buf[16:24], r.RFLAGS)
	for i, v := range r.GPR {
		off := 24 + i*8
		binary.LittleEndian.PutUint64(buf[off:off+8], v)
	}
	if _, err := w.w.Write(buf[:]); err != nil {
		return err
	}
	w.count++
	if w.count%flushEvery == 0 {
		if err := w.w.Flush(); err != nil {
			return err
		}
		if w.log != nil {
			w.log.Infof("trace: flushed %d records", w.count)
		}
	}
	return nil
}

// Close flushes any buffered records and closes the underlying writer if
// it supports it.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
