package runner

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
)

// Interrupts implements the three-step SIGINT protocol: the first interrupt
// captures an optional operator note, the second skips the current file,
// the third terminates the process with exit status 130.
type Interrupts struct {
	mu    sync.Mutex
	count int
	note  string
	skip  bool

	in   io.Reader
	out  io.Writer
	exit func(code int)

	ch   chan os.Signal
	done chan struct{}
}

// NewInterrupts creates a handler reading notes from in and prompting on
// out. exit is injectable for tests and defaults to os.Exit.
func NewInterrupts(in io.Reader, out io.Writer, exit func(int)) *Interrupts {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	if exit == nil {
		exit = os.Exit
	}
	return &Interrupts{in: in, out: out, exit: exit}
}

// Listen installs the SIGINT handler. Call Close to remove it.
func (h *Interrupts) Listen() {
	h.ch = make(chan os.Signal, 3)
	h.done = make(chan struct{})
	signal.Notify(h.ch, syscall.SIGINT)
	go func() {
		for {
			select {
			case <-h.done:
				return
			case <-h.ch:
				h.Interrupt()
			}
		}
	}()
}

// Close removes the signal handler and stops the goroutine.
func (h *Interrupts) Close() {
	if h.ch == nil {
		return
	}
	signal.Stop(h.ch)
	close(h.done)
	h.ch = nil
}

// Interrupt advances the protocol by one step.
func (h *Interrupts) Interrupt() {
	h.mu.Lock()
	h.count++
	count := h.count
	h.mu.Unlock()

	switch {
	case count == 1:
		fmt.Fprint(h.out, "\ninterrupted; note for the run (empty to continue): ")
		line, _ := bufio.NewReader(h.in).ReadString('\n')
		h.mu.Lock()
		h.note = strings.TrimSpace(line)
		h.mu.Unlock()
	case count == 2:
		fmt.Fprintln(h.out, "\ninterrupted again; skipping the current file")
		h.mu.Lock()
		h.skip = true
		h.mu.Unlock()
	default:
		fmt.Fprintln(h.out, "\nthird interrupt; terminating")
		h.exit(130)
	}
}

// TakeNote consumes a pending operator note, "" when none.
func (h *Interrupts) TakeNote() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	note := h.note
	h.note = ""
	return note
}

// TakeSkip consumes a pending skip request.
func (h *Interrupts) TakeSkip() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	skip := h.skip
	h.skip = false
	return skip
}
