package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"unicode/utf8"

	"github.com/loquilabs/loqui/pkg/types"
)

// Caps on captured subprocess output, stdout and stderr respectively.
const (
	maxStdoutBytes = 8000
	maxStderrBytes = 2000
)

// capBytes truncates s to at most n bytes without splitting a UTF-8 rune.
func capBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// NewRunCommand returns the run_command tool. When allowed is false the tool
// stays registered but refuses every call, so the model learns why instead
// of seeing the tool vanish.
func NewRunCommand(allowed bool) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "run_command",
			Description: "Execute a shell command and return its exit code and output. Disabled unless TOOLS_ALLOW_SHELL=true.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "The shell command to execute.",
					},
				},
				"required": []string{"command"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			if !allowed {
				return "", errors.New("shell commands are disabled, set TOOLS_ALLOW_SHELL=true to enable")
			}
			var p struct {
				Command string `json:"command"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			if p.Command == "" {
				return "", errors.New("no command provided")
			}

			cmd := exec.CommandContext(ctx, "/bin/sh", "-c", p.Command)
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			runErr := cmd.Run()
			if runErr != nil {
				var exitErr *exec.ExitError
				if !errors.As(runErr, &exitErr) {
					return "", fmt.Errorf("command error: %v", runErr)
				}
			}

			code := cmd.ProcessState.ExitCode()
			var sb strings.Builder
			fmt.Fprintf(&sb, "exit code: %d\n", code)
			if out := capBytes(stdout.String(), maxStdoutBytes); out != "" {
				fmt.Fprintf(&sb, "stdout:\n%s\n", out)
			}
			if errOut := capBytes(stderr.String(), maxStderrBytes); errOut != "" {
				fmt.Fprintf(&sb, "stderr:\n%s\n", errOut)
			}

			if code != 0 {
				return "", errors.New(sb.String())
			}
			return sb.String(), nil
		},
	}
}

// NewRunPython returns the run_python tool.
func NewRunPython(enabled bool) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "run_python",
			Description: "Execute Python code and return its output. Useful for data processing, file manipulation, and anything else Python can do. Print results with print(). Disabled unless PYTHON_EXEC_ENABLED=true.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"code": map[string]any{
						"type":        "string",
						"description": "The Python code to execute. Output results with print().",
					},
				},
				"required": []string{"code"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			if !enabled {
				return "", errors.New("python execution is disabled, set PYTHON_EXEC_ENABLED=true to enable")
			}
			var p struct {
				Code string `json:"code"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			if p.Code == "" {
				return "", errors.New("no code provided")
			}

			python, err := exec.LookPath("python3")
			if err != nil {
				return "", errors.New("python3 not found in PATH")
			}

			cmd := exec.CommandContext(ctx, python, "-c", p.Code)
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			runErr := cmd.Run()
			if runErr != nil {
				var exitErr *exec.ExitError
				if !errors.As(runErr, &exitErr) {
					return "", fmt.Errorf("execution error: %v", runErr)
				}
			}

			code := cmd.ProcessState.ExitCode()
			result := capBytes(stdout.String(), maxStdoutBytes)
			if errOut := capBytes(stderr.String(), maxStderrBytes); errOut != "" {
				if result != "" {
					result += "\n[stderr]\n" + errOut
				} else {
					result = "[stderr]\n" + errOut
				}
			}
			if code != 0 {
				result += fmt.Sprintf("\n[exit code: %d]", code)
			}
			result = strings.TrimSpace(result)
			if result == "" {
				result = "(no output)"
			}

			if code != 0 {
				return "", errors.New(result)
			}
			return result, nil
		},
	}
}
