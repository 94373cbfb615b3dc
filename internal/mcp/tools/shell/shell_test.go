package shell

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"
)

func decode(t *testing.T, s string) CommandResult {
	t.Helper()
	var res CommandResult
	if err := json.Unmarshal([]byte(s), &res); err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return res
}

func requireUnixShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecute(t *testing.T) {
	t.Parallel()
	requireUnixShell(t)

	r := newRunner(Config{})
	tests := []struct {
		name        string
		args        string
		wantSuccess bool
		wantCode    int
		wantStdout  string
		wantMessage string
	}{
		{"captured", `{"command":"echo hello","capture_output":true}`, true, 0, "hello\n", ""},
		{"uncaptured", `{"command":"true"}`, true, 0, "", "Command executed successfully"},
		{"non-zero exit", `{"command":"exit 3"}`, false, 3, "", "Command exited with code 3"},
		{"working directory", `{"command":"pwd","working_directory":"/","capture_output":true}`, true, 0, "/\n", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := r.execute(context.Background(), tc.args)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			res := decode(t, out)
			if res.Success != tc.wantSuccess || res.ExitCode == nil || *res.ExitCode != tc.wantCode {
				t.Errorf("result = %+v", res)
			}
			if res.Stdout != tc.wantStdout || res.Message != tc.wantMessage {
				t.Errorf("stdout=%q message=%q", res.Stdout, res.Message)
			}
		})
	}
}

func TestExecute_BadArguments(t *testing.T) {
	t.Parallel()

	r := newRunner(Config{})
	for _, args := range []string{`not json`, `{"command":"  "}`} {
		if _, err := r.execute(context.Background(), args); err == nil {
			t.Errorf("execute(%s): expected error", args)
		}
	}
}

func TestExecute_Cancelled(t *testing.T) {
	t.Parallel()
	requireUnixShell(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newRunner(Config{}).execute(ctx, `{"command":"sleep 5"}`); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestLimitedBuffer(t *testing.T) {
	t.Parallel()

	var b limitedBuffer
	_, _ = b.Write([]byte(strings.Repeat("a", maxOutputBytes-1)))
	n, err := b.Write([]byte("bcd"))
	if n != 3 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	s := b.String()
	if !strings.HasSuffix(s, "ab\n[output truncated]") {
		t.Errorf("tail = %q", s[len(s)-25:])
	}
}

// fakeLauncher records the commands a runner would start.
type fakeLauncher struct {
	available map[string]bool
	startErr  error
	started   [][]string
}

func (f *fakeLauncher) install(r *runner) {
	r.lookPath = func(name string) (string, error) {
		if f.available[name] {
			return "/usr/bin/" + name, nil
		}
		return "", exec.ErrNotFound
	}
	r.start = func(c *exec.Cmd) error {
		f.started = append(f.started, c.Args)
		return f.startErr
	}
}

func TestOpenTerminal(t *testing.T) {
	t.Parallel()

	t.Run("first available emulator", func(t *testing.T) {
		f := &fakeLauncher{available: map[string]bool{"konsole": true, "xterm": true}}
		r := newRunner(Config{GOOS: "linux"})
		f.install(r)

		out, err := r.openTerminal(context.Background(), `{"working_directory":"/tmp"}`)
		if err != nil {
			t.Fatalf("openTerminal: %v", err)
		}
		if res := decode(t, out); !res.Success || res.Message != "Opened konsole" {
			t.Errorf("result = %+v", res)
		}
		if len(f.started) != 1 {
			t.Errorf("started = %v", f.started)
		}
	})

	t.Run("configured terminal", func(t *testing.T) {
		f := &fakeLauncher{available: map[string]bool{"wezterm": true}}
		r := newRunner(Config{GOOS: "linux", Terminal: "wezterm start"})
		f.install(r)

		if _, err := r.openTerminal(context.Background(), ""); err != nil {
			t.Fatalf("openTerminal: %v", err)
		}
		if got := strings.Join(f.started[0], " "); got != "/usr/bin/wezterm start" {
			t.Errorf("started %q", got)
		}
	})

	t.Run("none available", func(t *testing.T) {
		f := &fakeLauncher{}
		r := newRunner(Config{GOOS: "linux"})
		f.install(r)
		if _, err := r.openTerminal(context.Background(), "{}"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("start failure tries next", func(t *testing.T) {
		f := &fakeLauncher{available: map[string]bool{"xterm": true}, startErr: errors.New("no display")}
		r := newRunner(Config{GOOS: "linux"})
		f.install(r)
		if _, err := r.openTerminal(context.Background(), "{}"); err == nil {
			t.Fatal("expected error when every start fails")
		}
	})
}

func TestOpenPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		goos   string
		opener string
		want   string
	}{
		{"linux", "xdg-open", "/usr/bin/xdg-open https://example.com"},
		{"darwin", "open", "/usr/bin/open https://example.com"},
		{"windows", "rundll32", "/usr/bin/rundll32 url.dll,FileProtocolHandler https://example.com"},
	}
	for _, tc := range tests {
		t.Run(tc.goos, func(t *testing.T) {
			f := &fakeLauncher{available: map[string]bool{tc.opener: true}}
			r := newRunner(Config{GOOS: tc.goos})
			f.install(r)

			out, err := r.openPath(context.Background(), `{"path":"https://example.com"}`)
			if err != nil {
				t.Fatalf("openPath: %v", err)
			}
			if res := decode(t, out); !res.Success {
				t.Errorf("result = %+v", res)
			}
			if got := strings.Join(f.started[0], " "); got != tc.want {
				t.Errorf("started %q, want %q", got, tc.want)
			}
		})
	}

	r := newRunner(Config{GOOS: "linux"})
	(&fakeLauncher{}).install(r)
	if _, err := r.openPath(context.Background(), `{"path":""}`); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := r.openPath(context.Background(), `{"path":"/tmp"}`); err == nil {
		t.Error("expected error when no opener is installed")
	}
}

func TestNewTools(t *testing.T) {
	t.Parallel()

	want := []string{"open_terminal", "execute_shell_command", "open_path"}
	ts := NewTools(Config{})
	if len(ts) != len(want) {
		t.Fatalf("got %d tools", len(ts))
	}
	for i, tool := range ts {
		if tool.Definition.Name != want[i] || tool.Handler == nil || tool.Definition.MaxDurationMs == 0 {
			t.Errorf("tool %d = %+v", i, tool.Definition)
		}
	}
}
