// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package lifecycle

import "bytes"

// condenseStack trims a stack trace down to the goroutine header and the
// function frames, dropping the file-position lines, so that a panic stays
// readable inside a single log entry.
func condenseStack(buf []byte) []byte {
	var out []byte
	for _, line := range bytes.Split(buf, []byte{'\n'}) {
		if len(line) > 0 && line[0] == '\t' {
			continue
		}
		if n := bytes.LastIndexByte(line, '('); n > 0 {
			line = line[:n]
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	return bytes.TrimRight(out, "\n")
}
