// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package framing turns arbitrary byte chunks read from a socket into
// complete text lines.
//
// A Framer keeps a per-socket accumulator. Each Push appends the chunk and
// strips every complete line from the front: a line ends at LF, with an
// optional CR immediately before it, and is emitted without its terminator.
// A lone CR does not terminate a line. Partial trailing bytes stay buffered
// until a later chunk completes them.
package framing

import "bytes"

// Framer accumulates bytes for one socket and emits complete lines in order.
// The zero value is ready to use. A Framer is not safe for concurrent use;
// each socket reader owns exactly one.
type Framer struct {
	buf []byte
}

// Push appends a chunk and returns every line completed by it, in order.
// Returns nil when the chunk completes no line.
func (f *Framer) Push(p []byte) []string {
	f.buf = append(f.buf, p...)

	var lines []string
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := f.buf[:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		lines = append(lines, string(line))
		f.buf = f.buf[i+1:]
	}
	return lines
}

// Buffered returns the number of partial-line bytes currently held.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
