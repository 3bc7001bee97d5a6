// Package procman spawns OS processes under a pseudo-terminal (or a
// pipe bridge when no PTY is available), captures their output
// through a virtual terminal buffer, and answers status, paginated
// read, input and kill operations. It is independent of the transport
// layers; handlers.go exposes it over the rpc package.
package procman

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	log "github.com/sirupsen/logrus"

	"github.com/canal-dev/canal/internal/vterm"
)

var ErrProcessNotFound = errors.New("no such process")
var ErrManagerClosed = errors.New("process manager closed")

// A Sink receives manager-wide notifications: raw output chunks as
// they arrive (independent of the buffered, queryable view) and
// status updates on exit.
type Sink struct {
	Output func(pid int, chunk []byte)
	Status func(status Status)
}

type Config struct {
	// DisablePTY forces the pipe bridge backend even where a PTY is
	// available.
	DisablePTY bool

	// NewTerminal builds the terminal buffer for each process. Nil
	// means the stock 80×24 VTerm with default scrollback.
	NewTerminal func() vterm.Terminal

	// Journal, when set, records executions durably.
	Journal *Journal
}

// ExecOptions modify one spawn.
type ExecOptions struct {
	// Env entries override the manager's default environment.
	Env map[string]string
	// EnvFile names a KEY=VALUE file loaded below Env.
	EnvFile string
	Cwd     string
}

// Manager owns every spawned process, the process-wide default
// environment, and the notification sinks.
type Manager struct {
	config Config

	mu         sync.Mutex
	processes  map[int]*Process
	defaultEnv map[string]string
	sinks      map[int]Sink
	nextSink   int
	closed     bool
}

func NewManager(config Config) *Manager {
	if config.NewTerminal == nil {
		config.NewTerminal = func() vterm.Terminal {
			return vterm.New(vterm.DefaultWidth, vterm.DefaultHeight, vterm.DefaultScrollback)
		}
	}
	return &Manager{
		config:     config,
		processes:  map[int]*Process{},
		defaultEnv: map[string]string{},
		sinks:      map[int]Sink{},
	}
}

// SetEnv merges env into the default environment applied to
// subsequent spawns. An empty-string value deletes the key.
func (manager *Manager) SetEnv(env map[string]string) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	for k, v := range env {
		if v == "" {
			delete(manager.defaultEnv, k)
		} else {
			manager.defaultEnv[k] = v
		}
	}
}

// AttachSink registers a notification sink and returns its handle.
func (manager *Manager) AttachSink(sink Sink) int {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	id := manager.nextSink
	manager.nextSink++
	manager.sinks[id] = sink
	return id
}

// DetachSink removes the sink registered under id.
func (manager *Manager) DetachSink(id int) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	delete(manager.sinks, id)
}

// Execute spawns command. A PTY backend is preferred; when the PTY
// cannot be allocated the process runs on plain pipes bridged into
// the same terminal abstraction, so callers observe identical
// semantics either way.
func (manager *Manager) Execute(command string, args []string, opts ExecOptions) (*Process, error) {
	manager.mu.Lock()
	if manager.closed {
		manager.mu.Unlock()
		return nil, ErrManagerClosed
	}
	env := make(map[string]string, len(manager.defaultEnv))
	for k, v := range manager.defaultEnv {
		env[k] = v
	}
	manager.mu.Unlock()

	if opts.EnvFile != "" {
		fileEnv, err := loadEnvFile(opts.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for k, v := range opts.Env {
		env[k] = v
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = append(os.Environ(), flattenEnv(env)...)

	p := &Process{
		manager:      manager,
		command:      command,
		args:         args,
		cwd:          opts.Cwd,
		env:          env,
		startTime:    time.Now(),
		cmd:          cmd,
		term:         manager.config.NewTerminal(),
		outputNotify: make(chan struct{}),
		done:         make(chan struct{}),
	}

	if manager.config.DisablePTY {
		if err := startPipes(p); err != nil {
			return nil, err
		}
	} else if err := startPTY(p); err != nil {
		log.Debugf("pty unavailable (%v), falling back to pipes", err)
		if err := startPipes(p); err != nil {
			return nil, err
		}
	}

	p.pid = cmd.Process.Pid
	manager.mu.Lock()
	manager.processes[p.pid] = p
	manager.mu.Unlock()

	log.Infof("spawned pid %v: %v %v", p.pid, command, strings.Join(args, " "))
	manager.journalStart(p)

	if p.back.pty != nil {
		go p.runPTY()
	} else {
		go p.runPipes()
	}
	return p, nil
}

func startPTY(p *Process) error {
	master, err := pty.StartWithSize(p.cmd, &pty.Winsize{
		Rows: uint16(vterm.DefaultHeight),
		Cols: uint16(vterm.DefaultWidth),
	})
	if err != nil {
		return err
	}
	p.back = backend{pty: master}
	return nil
}

func startPipes(p *Process) error {
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := p.cmd.Start(); err != nil {
		return err
	}
	p.back = backend{stdin: stdin, stdout: stdout, stderr: stderr}
	return nil
}

// Get returns the process registered under pid.
func (manager *Manager) Get(pid int) (*Process, error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	p, ok := manager.processes[pid]
	if !ok {
		return nil, fmt.Errorf("pid %v: %w", pid, ErrProcessNotFound)
	}
	return p, nil
}

// List snapshots every process; dead ones only when includeDead.
func (manager *Manager) List(includeDead bool) []Status {
	manager.mu.Lock()
	processes := make([]*Process, 0, len(manager.processes))
	for _, p := range manager.processes {
		processes = append(processes, p)
	}
	manager.mu.Unlock()

	statuses := make([]Status, 0, len(processes))
	for _, p := range processes {
		if !includeDead && p.dead() {
			continue
		}
		statuses = append(statuses, p.Status())
	}
	return statuses
}

// PlainOutput is one paginated slice of a process's terminal lines.
type PlainOutput struct {
	Lines      []string `json:"lines"`
	TotalLines int      `json:"total_lines"`
}

// ReadPlainOutput returns lines startLine..endLine (1-based,
// inclusive; zero means default: line 1 and the last line). The total
// excludes the synthetic empty tail produced by the fixed terminal
// height, and is returned for pagination even when the requested
// range lies entirely past the end.
func (manager *Manager) ReadPlainOutput(pid, startLine, endLine int) (PlainOutput, error) {
	p, err := manager.Get(pid)
	if err != nil {
		return PlainOutput{}, err
	}

	total := p.trimmedLineCount()
	start := startLine - 1
	if startLine <= 0 {
		start = 0
	}
	end := endLine - 1
	if endLine <= 0 || end > total-1 {
		end = total - 1
	}

	out := PlainOutput{Lines: []string{}, TotalLines: total}
	for i := start; i <= end && i < total; i++ {
		out.Lines = append(out.Lines, p.term.Line(i))
	}
	return out, nil
}

// ReadANSIOutput serialises the process's terminal buffer back into
// raw ANSI text, with at most scrollback history lines (negative for
// all).
func (manager *Manager) ReadANSIOutput(pid, scrollback int) (string, error) {
	p, err := manager.Get(pid)
	if err != nil {
		return "", err
	}
	return p.term.SerializeANSI(scrollback), nil
}

// SendInput forwards raw bytes to the process.
func (manager *Manager) SendInput(pid int, data []byte) error {
	p, err := manager.Get(pid)
	if err != nil {
		return err
	}
	return p.SendInput(data)
}

// Kill sends the named signal, SIGTERM by default.
func (manager *Manager) Kill(pid int, signal string) error {
	p, err := manager.Get(pid)
	if err != nil {
		return err
	}
	return p.Signal(signal)
}

// WaitResult is what Wait observed when it returned: the status at
// that moment plus whether a timeout cut the wait short.
type WaitResult struct {
	Status   Status
	TimedOut bool
	Idle     bool
}

// Wait blocks until the process exits, the hard deadline elapses, the
// output goes quiet for idleTimeout, or ctx is cancelled. The two
// timers run independently: the hard deadline ignores activity, the
// idle timer resets on every newly committed output chunk. Zero
// disables either. On timeout the result carries the partial state
// captured so far, exit fields unset if the process still runs.
func (manager *Manager) Wait(ctx context.Context, pid int, idleTimeout, hardTimeout time.Duration) (WaitResult, error) {
	p, err := manager.Get(pid)
	if err != nil {
		return WaitResult{}, err
	}

	var hardCh, idleCh <-chan time.Time
	if hardTimeout > 0 {
		hard := time.NewTimer(hardTimeout)
		defer hard.Stop()
		hardCh = hard.C
	}
	var idle *time.Timer
	if idleTimeout > 0 {
		idle = time.NewTimer(idleTimeout)
		defer idle.Stop()
		idleCh = idle.C
	}

	for {
		output := p.outputWait()
		select {
		case <-p.done:
			return WaitResult{Status: p.Status()}, nil
		case <-hardCh:
			return WaitResult{Status: p.Status(), TimedOut: true}, nil
		case <-idleCh:
			return WaitResult{Status: p.Status(), TimedOut: true, Idle: true}, nil
		case <-output:
			if idle != nil {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(idleTimeout)
			}
		case <-ctx.Done():
			return WaitResult{}, context.Cause(ctx)
		}
	}
}

// Close kills every live process with SIGKILL and stops the manager.
func (manager *Manager) Close() error {
	manager.mu.Lock()
	if manager.closed {
		manager.mu.Unlock()
		return nil
	}
	manager.closed = true
	processes := make([]*Process, 0, len(manager.processes))
	for _, p := range manager.processes {
		processes = append(processes, p)
	}
	manager.processes = map[int]*Process{}
	manager.sinks = map[int]Sink{}
	manager.mu.Unlock()

	for _, p := range processes {
		if !p.dead() {
			_ = p.Signal("SIGKILL")
		}
	}
	if manager.config.Journal != nil {
		return manager.config.Journal.Close()
	}
	return nil
}

func (manager *Manager) fanoutOutput(pid int, chunk []byte) {
	manager.mu.Lock()
	sinks := make([]Sink, 0, len(manager.sinks))
	for _, sink := range manager.sinks {
		sinks = append(sinks, sink)
	}
	manager.mu.Unlock()
	for _, sink := range sinks {
		if sink.Output != nil {
			sink.Output(pid, chunk)
		}
	}
}

func (manager *Manager) fanoutStatus(status Status) {
	manager.mu.Lock()
	sinks := make([]Sink, 0, len(manager.sinks))
	for _, sink := range manager.sinks {
		sinks = append(sinks, sink)
	}
	manager.mu.Unlock()
	for _, sink := range sinks {
		if sink.Status != nil {
			sink.Status(status)
		}
	}
}

func (manager *Manager) journalStart(p *Process) {
	if manager.config.Journal == nil {
		return
	}
	if err := manager.config.Journal.RecordStart(p.Status()); err != nil {
		log.Debugf("journalling start of pid %v: %v", p.pid, err)
	}
}

func (manager *Manager) journalExit(p *Process) {
	if manager.config.Journal == nil {
		return
	}
	if err := manager.config.Journal.RecordExit(p.Status()); err != nil {
		log.Debugf("journalling exit of pid %v: %v", p.pid, err)
	}
}

func flattenEnv(env map[string]string) []string {
	flat := make([]string, 0, len(env))
	for k, v := range env {
		flat = append(flat, k+"="+v)
	}
	return flat
}
