package runner

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterruptProtocol(t *testing.T) {
	in := strings.NewReader("watch the error paths\n")
	var out bytes.Buffer
	exited := -1
	h := NewInterrupts(in, &out, func(code int) { exited = code })

	h.Interrupt()
	assert.Equal(t, "watch the error paths", h.TakeNote())
	assert.Equal(t, "", h.TakeNote(), "notes are consumed once")
	assert.False(t, h.TakeSkip())

	h.Interrupt()
	assert.True(t, h.TakeSkip())
	assert.False(t, h.TakeSkip(), "skip is consumed once")
	assert.Equal(t, -1, exited)

	h.Interrupt()
	assert.Equal(t, 130, exited)
}

func TestInterruptEmptyNoteIsIgnored(t *testing.T) {
	in := strings.NewReader("\n")
	var out bytes.Buffer
	h := NewInterrupts(in, &out, func(int) {})

	h.Interrupt()
	assert.Equal(t, "", h.TakeNote())
}
