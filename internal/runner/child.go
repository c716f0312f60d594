package runner

import (
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/benaskins/warden/internal/logbuf"
)

const (
	// waitDelay bounds how long Wait keeps copying output after the process
	// itself has exited.
	waitDelay = 2 * time.Second

	// killWait bounds how long a forced destroy waits for the exit.
	killWait = 5 * time.Second
)

// child is one spawned process. A single goroutine waits on it and closes
// done once the exit code is known.
type child struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time
	done    chan struct{}
	code    int

	stdout *logbuf.Writer
	stderr *logbuf.Writer
}

// spawn starts the process described by ls. Its output goes to the rings
// through writers of its own, so a restart candidate and the process it
// replaces never splice partial lines.
func spawn(ls *LaunchSpec, stdout, stderr *logbuf.Ring) (*child, error) {
	outw, errw := stdout.Writer(), stderr.Writer()

	cmd := exec.Command(ls.Executable, ls.Args...)
	cmd.Dir = ls.Dir
	cmd.Env = ls.Env
	cmd.Stdout = outw
	cmd.Stderr = errw
	cmd.WaitDelay = waitDelay
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &child{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		done:    make(chan struct{}),
		stdout:  outw,
		stderr:  errw,
	}
	go c.wait()
	return c, nil
}

func (c *child) wait() {
	err := c.cmd.Wait()
	c.code = exitStatus(c.cmd.ProcessState, err)
	close(c.done)
}

// flush stores any unterminated output. Call it once the process has exited.
func (c *child) flush() {
	c.stdout.Flush()
	c.stderr.Flush()
}

// exited is the non-blocking liveness probe.
func (c *child) exited() (int, bool) {
	select {
	case <-c.done:
		return c.code, true
	default:
		return 0, false
	}
}

func (c *child) alive() bool {
	_, gone := c.exited()
	return !gone
}

func (c *child) signal(sig os.Signal) error {
	if !c.alive() {
		return ErrNoProcess
	}
	return signalGroup(c.cmd.Process, sig)
}

// destroy kills the process (and its group where supported) and waits a
// bounded time for the exit to be observed.
func (c *child) destroy() bool {
	if !c.alive() {
		return true
	}
	if err := killGroup(c.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = c.cmd.Process.Kill()
	}

	t := time.NewTimer(killWait)
	defer t.Stop()
	select {
	case <-c.done:
		return true
	case <-t.C:
		return false
	}
}

func exitStatus(ps *os.ProcessState, err error) int {
	if ps == nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ProcessState != nil {
			ps = exitErr.ProcessState
		} else {
			return -1
		}
	}
	return encodeExit(ps)
}
