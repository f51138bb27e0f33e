// BSD 3-Clause License
//
// Copyright (c) 2024, Xendit
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package hexdump renders relayed chunks as hex and ASCII text and serializes
// that text into shared sinks.
package hexdump

import (
	"fmt"
	"strings"
)

const (
	bytesPerLine = 16
	groupSize    = 8
)

// Label returns the line prefix used for a chunk flowing from one side to the other,
// e.g. "[CLIENT → SERVER] ".
func Label(from, to string) string {
	return "[" + from + " → " + to + "] "
}

// Format renders chunk as one line per 16 bytes. Each line carries the label, the offset
// of its first byte within the chunk, the bytes in hex (grouped 8+8) and the printable
// characters between pipes. Offsets start at zero for every chunk.
func Format(chunk []byte, label string) string {
	if len(chunk) == 0 {
		return ""
	}
	lines := (len(chunk) + bytesPerLine - 1) / bytesPerLine
	// label + "oooo  " + 16*"hh " + group space + padding + " |" + 16 chars + "|\n"
	var sb strings.Builder
	sb.Grow(lines * (len(label) + 6 + 3*bytesPerLine + 2 + 2 + bytesPerLine + 2))

	for offset := 0; offset < len(chunk); offset += bytesPerLine {
		end := min(offset+bytesPerLine, len(chunk))
		writeLine(&sb, chunk[offset:end], offset, label)
	}
	return sb.String()
}

func writeLine(sb *strings.Builder, window []byte, offset int, label string) {
	sb.WriteString(label)
	fmt.Fprintf(sb, "%04x  ", offset)

	for i, b := range window {
		fmt.Fprintf(sb, "%02x ", b)
		if i == groupSize-1 {
			sb.WriteByte(' ')
		}
	}

	if missing := bytesPerLine - len(window); missing > 0 {
		sb.WriteString(strings.Repeat("   ", missing))
		if len(window) <= groupSize {
			sb.WriteByte(' ')
		}
	}

	sb.WriteString(" |")
	for _, b := range window {
		if b >= 32 && b <= 126 {
			sb.WriteByte(b)
		} else {
			sb.WriteByte('.')
		}
	}
	sb.WriteString("|\n")
}
