package procman

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canal-dev/canal/internal/rpc"
)

type executePayload struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	EnvFile string            `json:"env_file,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

type pidPayload struct {
	PID int `json:"pid"`
}

type sendInputPayload struct {
	PID  int    `json:"pid"`
	Data string `json:"data"`
}

type waitPayload struct {
	PID                 int   `json:"pid"`
	OutputIdleTimeoutMS int64 `json:"output_idle_timeout_ms,omitempty"`
	TimeoutMS           int64 `json:"timeout_ms,omitempty"`
}

type waitResult struct {
	Status
	ANSIOutput  string      `json:"ansi_output"`
	PlainOutput PlainOutput `json:"plain_output"`
}

type listPayload struct {
	IncludeDead bool `json:"include_dead,omitempty"`
}

type readPlainPayload struct {
	PID       int `json:"pid"`
	StartLine int `json:"start_line,omitempty"`
	EndLine   int `json:"end_line,omitempty"`
}

type readPlainResult struct {
	Lines      []string `json:"lines"`
	TotalLines int      `json:"total_lines"`
	DurationMS int64    `json:"duration_ms"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	ExitSignal *string  `json:"exit_signal,omitempty"`
}

type killPayload struct {
	PID    int    `json:"pid"`
	Signal string `json:"signal,omitempty"`
}

type setEnvPayload struct {
	Env map[string]string `json:"env"`
}

type filePayload struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Handlers exposes the manager as an rpc handler registry. Operation
// names and field semantics are the protocol surface; keep them
// stable.
func Handlers(manager *Manager) map[string]rpc.HandlerFunc {
	return map[string]rpc.HandlerFunc{
		"process_execute":           manager.handleExecute,
		"process_send_input":        manager.handleSendInput,
		"process_wait":              manager.handleWait,
		"process_list":              manager.handleList,
		"process_read_plain_output": manager.handleReadPlain,
		"process_kill":              manager.handleKill,
		"set_env":                   manager.handleSetEnv,
		"read_file":                 handleReadFile,
		"write_file":                handleWriteFile,
		"read_directory":            handleReadDirectory,
	}
}

// NotifySink builds a Sink pushing process_output and process_status
// notifications through the given rpc server. Attach it to the
// manager for the lifetime of the server's channel.
func NotifySink(server *rpc.Server) Sink {
	return Sink{
		Output: func(pid int, chunk []byte) {
			err := server.Notify("process_output", map[string]interface{}{
				"pid":    pid,
				"output": string(chunk),
			})
			if err != nil {
				log.Tracef("process_output notification for pid %v: %v", pid, err)
			}
		},
		Status: func(status Status) {
			err := server.Notify("process_status", map[string]interface{}{
				"status": status,
			})
			if err != nil {
				log.Tracef("process_status notification for pid %v: %v", status.PID, err)
			}
		},
	}
}

func (manager *Manager) handleExecute(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var req executePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if req.Command == "" {
		return nil, fmt.Errorf("command must not be empty")
	}
	p, err := manager.Execute(req.Command, req.Args, ExecOptions{
		Env:     req.Env,
		EnvFile: req.EnvFile,
		Cwd:     req.Cwd,
	})
	if err != nil {
		return nil, err
	}
	return pidPayload{PID: p.PID()}, nil
}

func (manager *Manager) handleSendInput(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var req sendInputPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return nil, manager.SendInput(req.PID, []byte(req.Data))
}

func (manager *Manager) handleWait(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req waitPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	result, err := manager.Wait(ctx, req.PID,
		time.Duration(req.OutputIdleTimeoutMS)*time.Millisecond,
		time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}

	ansi, err := manager.ReadANSIOutput(req.PID, -1)
	if err != nil {
		return nil, err
	}
	plain, err := manager.ReadPlainOutput(req.PID, 0, 0)
	if err != nil {
		return nil, err
	}
	return waitResult{Status: result.Status, ANSIOutput: ansi, PlainOutput: plain}, nil
}

func (manager *Manager) handleList(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var req listPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{"processes": manager.List(req.IncludeDead)}, nil
}

func (manager *Manager) handleReadPlain(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var req readPlainPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	p, err := manager.Get(req.PID)
	if err != nil {
		return nil, err
	}
	out, err := manager.ReadPlainOutput(req.PID, req.StartLine, req.EndLine)
	if err != nil {
		return nil, err
	}
	status := p.Status()
	return readPlainResult{
		Lines:      out.Lines,
		TotalLines: out.TotalLines,
		DurationMS: status.DurationMS,
		ExitCode:   status.ExitCode,
		ExitSignal: status.ExitSignal,
	}, nil
}

func (manager *Manager) handleKill(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var req killPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return nil, manager.Kill(req.PID, req.Signal)
}

func (manager *Manager) handleSetEnv(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var req setEnvPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	manager.SetEnv(req.Env)
	return nil, nil
}

func handleReadFile(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var req filePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, err
	}
	return map[string]string{"content": string(content)}, nil
}

func handleWriteFile(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var req filePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return nil, os.WriteFile(req.Path, []byte(req.Content), 0644)
}

func handleReadDirectory(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var req filePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(req.Path)
	if err != nil {
		return nil, err
	}
	entries := make([]dirEntry, 0, len(dirents))
	for _, d := range dirents {
		entry := dirEntry{Name: d.Name(), IsDir: d.IsDir()}
		if info, err := d.Info(); err == nil {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}
	return map[string]interface{}{"entries": entries}, nil
}
