package sse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAccumulatorSplitsLines(t *testing.T) {
	t.Parallel()

	var acc Accumulator
	assert.Empty(t, acc.Append([]byte("data: {\"a\"")))
	assert.Equal(t, 10, acc.Pending())

	lines := acc.Append([]byte(":1}\r\n\r\ndata: [DONE]\n"))
	assert.Equal(t, []string{`data: {"a":1}`, "", "data: [DONE]"}, lines)
	assert.Zero(t, acc.Pending())
}

func TestAccumulatorFlush(t *testing.T) {
	t.Parallel()

	var acc Accumulator
	acc.Append([]byte("data: tail\r"))
	line, ok := acc.Flush()
	require.True(t, ok)
	assert.Equal(t, "data: tail", line)

	_, ok = acc.Flush()
	assert.False(t, ok)
}

func TestData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{"data: hello", "hello", true},
		{"data:hello", "hello", true},
		{"data:  two spaces", " two spaces", true},
		{"data:", "", true},
		{"event: message_stop", "", false},
		{": keepalive", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := Data(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestIsDone(t *testing.T) {
	t.Parallel()

	assert.True(t, IsDone("[DONE]"))
	assert.True(t, IsDone(" [DONE] "))
	assert.False(t, IsDone(`{"done":true}`))
}

// Any way of cutting the byte stream yields the same lines.
func TestAccumulatorChunkingInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lines := rapid.SliceOfN(rapid.StringMatching(`[a-z:{}" \[\]]{0,12}`), 1, 20).Draw(t, "lines")
		crlf := rapid.Bool().Draw(t, "crlf")
		sep := "\n"
		if crlf {
			sep = "\r\n"
		}
		stream := []byte(strings.Join(lines, sep) + sep)

		var acc Accumulator
		var got []string
		for len(stream) > 0 {
			n := rapid.IntRange(1, len(stream)).Draw(t, "n")
			got = append(got, acc.Append(stream[:n])...)
			stream = stream[n:]
		}

		assert.Equal(t, lines, got)
		assert.Zero(t, acc.Pending())
	})
}
