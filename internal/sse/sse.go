// Package sse splits a Server-Sent Events byte stream into lines and reads
// their data payloads. It does no I/O.
package sse

import (
	"bytes"
	"strings"
)

// DoneSentinel is the payload that ends an OpenAI-style stream.
const DoneSentinel = "[DONE]"

// Accumulator buffers bytes that arrive in arbitrary pieces and hands back
// complete lines. The zero value is ready to use.
type Accumulator struct {
	buf []byte
}

// Append adds a piece of the stream and returns every line it completes,
// without the trailing "\n" or "\r\n". Incomplete input stays buffered.
func (a *Accumulator) Append(p []byte) []string {
	a.buf = append(a.buf, p...)

	var lines []string
	for {
		i := bytes.IndexByte(a.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimSuffix(string(a.buf[:i]), "\r"))
		a.buf = a.buf[i+1:]
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return lines
}

// Flush returns any buffered partial line and resets the accumulator.
func (a *Accumulator) Flush() (string, bool) {
	if len(a.buf) == 0 {
		return "", false
	}
	line := strings.TrimSuffix(string(a.buf), "\r")
	a.buf = nil
	return line, true
}

// Pending reports how many bytes are buffered.
func (a *Accumulator) Pending() int {
	return len(a.buf)
}

// Data returns the payload of a "data:" line. One space after the colon is
// optional and stripped.
func Data(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(rest, " "), true
}

// IsDone reports whether a payload is the end-of-stream sentinel.
func IsDone(payload string) bool {
	return strings.TrimSpace(payload) == DoneSentinel
}
