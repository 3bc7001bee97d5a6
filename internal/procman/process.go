package procman

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/canal-dev/canal/internal/vterm"
)

// Status is the externally visible snapshot of one process.
type Status struct {
	PID              int               `json:"pid"`
	Command          string            `json:"command"`
	Args             []string          `json:"args"`
	Cwd              string            `json:"cwd"`
	Env              map[string]string `json:"env"`
	ExitCode         *int              `json:"exit_code,omitempty"`
	ExitSignal       *string           `json:"exit_signal,omitempty"`
	DurationMS       int64             `json:"duration_ms"`
	OutputTotalLines int               `json:"output_total_lines"`
}

// backend is the I/O variant a process was spawned with, fixed at
// spawn time: a PTY master, or a pipe bridge feeding the same
// terminal abstraction so callers cannot tell the difference.
type backend struct {
	pty *os.File // nil for the pipe bridge

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// A Process is one spawned command together with its terminal buffer
// and exit state. Exit fields are set exactly once; afterwards the
// process is dead but stays queryable until the manager drops it.
type Process struct {
	manager *Manager

	pid       int
	command   string
	args      []string
	cwd       string
	env       map[string]string
	startTime time.Time

	cmd  *exec.Cmd
	back backend
	term vterm.Terminal

	mu         sync.Mutex
	exitCode   *int
	exitSignal *string
	endTime    time.Time
	// outputNotify is closed and replaced every time a chunk finishes
	// committing to the terminal; Wait's idle timer keys off it
	outputNotify chan struct{}

	done chan struct{}
}

func (p *Process) PID() int { return p.pid }

// Terminal exposes the process's terminal buffer.
func (p *Process) Terminal() vterm.Terminal { return p.term }

// Done closes once the process has exited and its last output chunk
// is committed to the terminal buffer.
func (p *Process) Done() <-chan struct{} { return p.done }

// Status snapshots the process.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	end := p.endTime
	if end.IsZero() {
		end = time.Now()
	}
	env := make(map[string]string, len(p.env))
	for k, v := range p.env {
		env[k] = v
	}
	return Status{
		PID:              p.pid,
		Command:          p.command,
		Args:             append([]string(nil), p.args...),
		Cwd:              p.cwd,
		Env:              env,
		ExitCode:         p.exitCode,
		ExitSignal:       p.exitSignal,
		DurationMS:       end.Sub(p.startTime).Milliseconds(),
		OutputTotalLines: p.trimmedLineCount(),
	}
}

func (p *Process) trimmedLineCount() int {
	if vt, ok := p.term.(*vterm.VTerm); ok {
		return vt.TrimmedLineCount()
	}
	return p.term.LineCount()
}

func (p *Process) dead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode != nil || p.exitSignal != nil
}

// SendInput forwards raw bytes to the process's stdin (the PTY master
// or the stdin pipe).
func (p *Process) SendInput(data []byte) error {
	if p.back.pty != nil {
		_, err := p.back.pty.Write(data)
		return err
	}
	if p.back.stdin == nil {
		return errors.New("process has no input channel")
	}
	_, err := p.back.stdin.Write(data)
	return err
}

// Signal sends a named signal ("SIGTERM", "SIGKILL", ...) to the
// process. Empty means SIGTERM.
func (p *Process) Signal(name string) error {
	if name == "" {
		name = "SIGTERM"
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return errors.New("unknown signal " + name)
	}
	if p.dead() {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

// outputWait returns a channel closed when the next output chunk has
// been committed.
func (p *Process) outputWait() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outputNotify
}

// commit writes one output chunk into the terminal buffer, then wakes
// waiters and fans the raw bytes out to notification sinks. The
// terminal write happens before any observer learns of the chunk.
func (p *Process) commit(chunk []byte) {
	_, _ = p.term.Write(chunk)

	p.mu.Lock()
	notify := p.outputNotify
	p.outputNotify = make(chan struct{})
	p.mu.Unlock()
	close(notify)

	p.manager.fanoutOutput(p.pid, chunk)
}

// runPTY drains the PTY master, committing every chunk, then reaps
// the process. Exit state is only set after the final chunk is
// committed, so no reader ever observes a dead process with
// incomplete output.
func (p *Process) runPTY() {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.back.pty.Read(buf)
		if n > 0 {
			p.commit(buf[:n])
		}
		if err != nil {
			// Linux surfaces EIO on the master once the child side
			// closes; treat it like EOF.
			if err != io.EOF && !errors.Is(err, syscall.EIO) {
				log.Debugf("pty read for pid %v: %v", p.pid, err)
			}
			break
		}
	}
	_ = p.back.pty.Close()
	p.reap()
}

// runPipes bridges stdout and stderr into the terminal. LF becomes
// CRLF on the way in so the grid looks identical to the PTY backend,
// where the line discipline does that conversion.
func (p *Process) runPipes() {
	var wg sync.WaitGroup
	for _, r := range []io.ReadCloser{p.back.stdout, p.back.stderr} {
		if r == nil {
			continue
		}
		wg.Add(1)
		go func(r io.ReadCloser) {
			defer wg.Done()
			buf := make([]byte, 32*1024)
			for {
				n, err := r.Read(buf)
				if n > 0 {
					p.commit(bytes.ReplaceAll(buf[:n], []byte("\n"), []byte("\r\n")))
				}
				if err != nil {
					return
				}
			}
		}(r)
	}
	wg.Wait()
	p.reap()
}

func (p *Process) reap() {
	err := p.cmd.Wait()

	var code *int
	var signal *string
	if err == nil {
		zero := 0
		code = &zero
	} else {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				name := unix.SignalName(ws.Signal())
				signal = &name
			} else {
				c := exitErr.ExitCode()
				code = &c
			}
		} else {
			log.Debugf("waiting on pid %v: %v", p.pid, err)
			c := -1
			code = &c
		}
	}

	p.mu.Lock()
	p.exitCode = code
	p.exitSignal = signal
	p.endTime = time.Now()
	p.mu.Unlock()
	close(p.done)

	switch {
	case signal != nil:
		log.Debugf("pid %v killed by %v", p.pid, *signal)
	case code != nil:
		log.Debugf("pid %v exited with code %v", p.pid, *code)
	}
	p.manager.fanoutStatus(p.Status())
	p.manager.journalExit(p)
}
