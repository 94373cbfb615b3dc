// Package shell provides the built-in desktop tools a post-processing prompt
// can use to act on a dictated command:
//
//   - "open_terminal" opens the user's terminal emulator.
//   - "execute_shell_command" runs a command through the system shell.
//   - "open_path" opens a file, directory or URL with the default
//     application.
//
// Every handler returns a JSON [CommandResult]. A command that runs but
// fails is reported with success=false rather than as a Go error; Go errors
// are reserved for bad arguments and processes that cannot be started.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/MrWong99/murmur/internal/mcp/tools"
	"github.com/MrWong99/murmur/pkg/types"
)

// CommandResult is the JSON payload every shell tool returns.
type CommandResult struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// maxOutputBytes caps captured stdout and stderr each.
const maxOutputBytes = 64 << 10

// Config selects the programs the tools launch. Zero values pick platform
// defaults.
type Config struct {
	// Shell runs execute_shell_command, e.g. "bash". Defaults to "sh" or
	// "cmd" on Windows.
	Shell string

	// Terminal is the terminal emulator for open_terminal. When empty a list
	// of common emulators is tried.
	Terminal string

	// GOOS overrides runtime.GOOS; used by tests.
	GOOS string
}

type runner struct {
	cfg Config

	// lookPath and start are swapped in tests.
	lookPath func(string) (string, error)
	start    func(*exec.Cmd) error
}

func newRunner(cfg Config) *runner {
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	return &runner{
		cfg:      cfg,
		lookPath: exec.LookPath,
		start:    func(c *exec.Cmd) error { return c.Start() },
	}
}

func (r *runner) shell() (name, flag string) {
	if r.cfg.Shell != "" {
		if r.cfg.GOOS == "windows" && strings.EqualFold(r.cfg.Shell, "cmd") {
			return r.cfg.Shell, "/C"
		}
		return r.cfg.Shell, "-c"
	}
	if r.cfg.GOOS == "windows" {
		return "cmd", "/C"
	}
	return "sh", "-c"
}

type executeArgs struct {
	Command          string `json:"command"`
	WorkingDirectory string `json:"working_directory"`
	CaptureOutput    bool   `json:"capture_output"`
}

func (r *runner) execute(ctx context.Context, args string) (string, error) {
	var a executeArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("shell: execute_shell_command: parse arguments: %w", err)
	}
	if strings.TrimSpace(a.Command) == "" {
		return "", errors.New("shell: execute_shell_command: command must not be empty")
	}

	name, flag := r.shell()
	cmd := exec.CommandContext(ctx, name, flag, a.Command)
	cmd.Dir = a.WorkingDirectory

	var stdout, stderr limitedBuffer
	if a.CaptureOutput {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
	case ctx.Err() != nil:
		return "", fmt.Errorf("shell: execute_shell_command: %w", ctx.Err())
	default:
		return "", fmt.Errorf("shell: execute_shell_command: run %s: %w", name, err)
	}

	code := cmd.ProcessState.ExitCode()
	res := CommandResult{Success: code == 0, ExitCode: &code}
	if a.CaptureOutput {
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
	} else if code == 0 {
		res.Message = "Command executed successfully"
	} else {
		res.Message = fmt.Sprintf("Command exited with code %d", code)
	}
	return encode(res)
}

type terminalArgs struct {
	WorkingDirectory string `json:"working_directory"`
}

// linuxTerminals are tried in order when no terminal is configured.
var linuxTerminals = []string{"x-terminal-emulator", "gnome-terminal", "konsole", "xfce4-terminal", "alacritty", "kitty", "xterm"}

func (r *runner) openTerminal(_ context.Context, args string) (string, error) {
	var a terminalArgs
	if args != "" {
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("shell: open_terminal: parse arguments: %w", err)
		}
	}

	var candidates [][]string
	switch {
	case r.cfg.Terminal != "":
		candidates = [][]string{strings.Fields(r.cfg.Terminal)}
	case r.cfg.GOOS == "darwin":
		dir := a.WorkingDirectory
		if dir == "" {
			dir = "."
		}
		candidates = [][]string{{"open", "-a", "Terminal", dir}}
	case r.cfg.GOOS == "windows":
		candidates = [][]string{{"cmd", "/c", "start", "cmd"}}
	default:
		for _, t := range linuxTerminals {
			candidates = append(candidates, []string{t})
		}
	}

	for _, argv := range candidates {
		path, err := r.lookPath(argv[0])
		if err != nil {
			continue
		}
		// The terminal outlives the tool call, so it is not bound to ctx.
		cmd := exec.Command(path, argv[1:]...)
		cmd.Dir = a.WorkingDirectory
		if err := r.start(cmd); err != nil {
			continue
		}
		if cmd.Process != nil {
			go func() { _ = cmd.Wait() }()
		}
		return encode(CommandResult{Success: true, Message: "Opened " + argv[0]})
	}
	return "", errors.New("shell: open_terminal: no supported terminal emulator found")
}

type openPathArgs struct {
	Path string `json:"path"`
}

func (r *runner) openPath(_ context.Context, args string) (string, error) {
	var a openPathArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("shell: open_path: parse arguments: %w", err)
	}
	if strings.TrimSpace(a.Path) == "" {
		return "", errors.New("shell: open_path: path must not be empty")
	}

	var argv []string
	switch r.cfg.GOOS {
	case "darwin":
		argv = []string{"open", a.Path}
	case "windows":
		argv = []string{"rundll32", "url.dll,FileProtocolHandler", a.Path}
	default:
		argv = []string{"xdg-open", a.Path}
	}
	path, err := r.lookPath(argv[0])
	if err != nil {
		return "", fmt.Errorf("shell: open_path: %s not available: %w", argv[0], err)
	}
	cmd := exec.Command(path, argv[1:]...)
	if err := r.start(cmd); err != nil {
		return "", fmt.Errorf("shell: open_path: %w", err)
	}
	if cmd.Process != nil {
		go func() { _ = cmd.Wait() }()
	}
	return encode(CommandResult{Success: true, Message: "Opened: " + a.Path})
}

func encode(res CommandResult) (string, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("shell: encode result: %w", err)
	}
	return string(b), nil
}

// limitedBuffer keeps the first maxOutputBytes written and discards the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := maxOutputBytes - b.buf.Len(); room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

// NewTools returns the shell tool set.
func NewTools(cfg Config) []tools.Tool {
	return newTools(newRunner(cfg))
}

func newTools(r *runner) []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "open_terminal",
				Description: "Open the user's terminal application, optionally in a given directory.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"working_directory": map[string]any{
							"type":        "string",
							"description": "Directory the terminal should start in.",
						},
					},
				},
				MaxDurationMs: 5000,
			},
			Handler: r.openTerminal,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "execute_shell_command",
				Description: "Run a command with the system shell and report its exit status. Set capture_output to receive stdout and stderr.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command": map[string]any{
							"type":        "string",
							"description": "The command line to run.",
						},
						"working_directory": map[string]any{
							"type":        "string",
							"description": "Directory to run the command in.",
						},
						"capture_output": map[string]any{
							"type":        "boolean",
							"description": "Return stdout and stderr in the result.",
						},
					},
					"required": []string{"command"},
				},
				MaxDurationMs: 60000,
			},
			Handler: r.execute,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "open_path",
				Description: "Open a file, folder or URL with the default application.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{
							"type":        "string",
							"description": "File path, directory or URL to open.",
						},
					},
					"required": []string{"path"},
				},
				MaxDurationMs: 5000,
			},
			Handler: r.openPath,
		},
	}
}
