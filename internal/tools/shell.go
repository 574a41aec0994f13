package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultShellTimeout = 60 * time.Second
	maxShellOutput      = 100_000
)

type execShellParams struct {
	Command        string `json:"command" jsonschema:"description=Shell command to execute"`
	Cwd            string `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the workspace"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"minimum=0,description=Timeout in seconds"`
}

// ExecShellTool runs shell commands in the workspace.
type ExecShellTool struct {
	resolver resolver
}

// NewExecShellTool creates a shell tool rooted at the workspace
// directory.
func NewExecShellTool(workspace string) *ExecShellTool {
	return &ExecShellTool{resolver: resolver{root: workspace}}
}

func (t *ExecShellTool) Name() string { return "exec_shell" }

func (t *ExecShellTool) Description() string {
	return "Run a shell command in the workspace and return its combined output."
}

func (t *ExecShellTool) Schema() json.RawMessage {
	return inputSchema(&execShellParams{})
}

func (t *ExecShellTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input execShellParams
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return errorResult("command is required"), nil
	}

	cwd, err := t.resolver.resolve(".")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if input.Cwd != "" {
		cwd, err = t.resolver.resolve(input.Cwd)
		if err != nil {
			return errorResult(err.Error()), nil
		}
	}

	timeout := defaultShellTimeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = cwd
	cmd.Env = os.Environ()

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	output := out.String()
	if len(output) > maxShellOutput {
		output = output[:maxShellOutput] + "\n... (output truncated)"
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return errorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, output)), nil
	}
	if runErr != nil {
		return errorResult(fmt.Sprintf("command failed: %v\n%s", runErr, output)), nil
	}
	if output == "" {
		return textResult("(no output)"), nil
	}
	return textResult(output), nil
}
