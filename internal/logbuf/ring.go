// Package logbuf captures process output line by line.
package logbuf

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// DefaultLines is the capacity used when New is given a non-positive size.
const DefaultLines = 200

// Ring keeps the last N complete lines written to it. It implements
// io.Writer so a child's stdout and stderr can be pointed straight at it.
//
// Besides the retained history, the ring tracks how many lines have arrived
// since the last Drain, which lets a supervisor forward fresh output to its
// logger each time it polls the process.
type Ring struct {
	mu      sync.Mutex
	lines   []string
	size    int
	pos     int
	full    bool
	unread  int
	partial bytes.Buffer
}

// New creates a ring that retains the last n lines.
func New(n int) *Ring {
	if n <= 0 {
		n = DefaultLines
	}
	return &Ring{
		lines: make([]string, n),
		size:  n,
	}
}

// Write splits p on newlines and stores every complete line. A trailing
// fragment is held until its newline arrives.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	splitLines(&r.partial, p, r.push)
	return len(p), nil
}

// splitLines appends p to buf and emits every complete line, leaving the
// trailing fragment in buf.
func splitLines(buf *bytes.Buffer, p []byte, emit func(string)) {
	buf.Write(p)
	for {
		line, err := buf.ReadString('\n')
		if err != nil {
			buf.Reset()
			buf.WriteString(line)
			return
		}
		emit(strings.TrimRight(line, "\r\n"))
	}
}

// Flush stores any held fragment as a line of its own. Call it once the
// writer has gone away, e.g. after the process has exited.
func (r *Ring) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.partial.Len() == 0 {
		return
	}
	r.push(r.partial.String())
	r.partial.Reset()
}

// Writer is a line writer into a Ring with its own fragment buffer. Several
// processes can share one ring through their own writers without splicing
// each other's partial lines.
type Writer struct {
	ring    *Ring
	mu      sync.Mutex
	partial bytes.Buffer
}

// Writer returns a new writer feeding r.
func (r *Ring) Writer() *Writer {
	return &Writer{ring: r}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var lines []string
	splitLines(&w.partial, p, func(line string) { lines = append(lines, line) })
	if len(lines) > 0 {
		w.ring.mu.Lock()
		for _, line := range lines {
			w.ring.push(line)
		}
		w.ring.mu.Unlock()
	}
	return len(p), nil
}

// Flush stores any held fragment as a line of its own.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.partial.Len() == 0 {
		return
	}
	w.ring.mu.Lock()
	w.ring.push(w.partial.String())
	w.ring.mu.Unlock()
	w.partial.Reset()
}

func (r *Ring) push(line string) {
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
	if r.unread < r.size {
		r.unread++
	}
}

// snapshot returns the retained lines oldest first. Callers hold mu.
func (r *Ring) snapshot() []string {
	if !r.full {
		out := make([]string, r.pos)
		copy(out, r.lines[:r.pos])
		return out
	}
	out := make([]string, r.size)
	copy(out, r.lines[r.pos:])
	copy(out[r.size-r.pos:], r.lines[:r.pos])
	return out
}

// Lines returns all retained lines, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

// Last returns up to n of the most recent lines.
func (r *Ring) Last(n int) []string {
	all := r.Lines()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Drain returns the lines written since the previous Drain and marks them
// read. Lines that were overwritten before being drained are lost.
func (r *Ring) Drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unread == 0 {
		return nil
	}
	all := r.snapshot()
	fresh := all[len(all)-r.unread:]
	r.unread = 0
	return fresh
}

// Reader returns an io.Reader over the retained lines.
func (r *Ring) Reader() io.Reader {
	return strings.NewReader(strings.Join(r.Lines(), "\n"))
}
