package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"mvdan.cc/sh/v3/syntax"
)

const (
	DefaultBashTimeout = 120 * time.Second
	MaxBashTimeout     = 10 * time.Minute
	SigkillTimeout     = 200 * time.Millisecond

	// bashUpdateInterval paces incremental output snapshots.
	bashUpdateInterval = 250 * time.Millisecond
)

const bashDescription = `Executes a shell command.

Usage:
- Command is required
- Optional timeout in milliseconds (max 600000)
- Output is captured from stdout and stderr, interleaved
- Commands run in their own process group; cancellation kills the tree`

// BashTool implements shell command execution.
type BashTool struct {
	workDir string
	shell   string
}

// BashInput represents the input for the bash tool.
type BashInput struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"` // milliseconds
}

// NewBashTool creates a new bash tool.
func NewBashTool(workDir string) *BashTool {
	return &BashTool{workDir: workDir, shell: detectShell()}
}

func detectShell() string {
	if s := os.Getenv("SHELL"); s != "" && !strings.HasSuffix(s, "fish") && !strings.HasSuffix(s, "nu") {
		return s
	}
	if runtime.GOOS == "darwin" {
		return "/bin/zsh"
	}
	if bash, err := exec.LookPath("bash"); err == nil {
		return bash
	}
	return "/bin/sh"
}

func (t *BashTool) ID() string          { return "bash" }
func (t *BashTool) Description() string { return bashDescription }

func (t *BashTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "The command to execute"
			},
			"timeout": {
				"type": "integer",
				"description": "Optional timeout in milliseconds (max 600000)"
			}
		},
		"required": ["command"]
	}`)
}

func (t *BashTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params BashInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(params.Command) == "" {
		return Errorf("command is required"), nil
	}

	timeout := DefaultBashTimeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
		if timeout > MaxBashTimeout {
			timeout = MaxBashTimeout
		}
	}

	cmd := exec.Command(t.shell, "-c", params.Command)
	if toolCtx != nil && toolCtx.WorkDir != "" {
		cmd.Dir = toolCtx.WorkDir
	} else if t.workDir != "" {
		cmd.Dir = t.workDir
	}
	cmd.Env = os.Environ()
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Errorf("failed to start command: %v", err), nil
	}

	// Reader goroutine streams interleaved output into a shared buffer.
	var mu sync.Mutex
	var buf strings.Builder
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		chunk := make([]byte, 8192)
		for {
			n, err := stdout.Read(chunk)
			if n > 0 {
				mu.Lock()
				buf.Write(chunk[:n])
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	// Update goroutine pushes incremental snapshots to subscribers.
	updateStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(bashUpdateInterval)
		defer ticker.Stop()
		last := 0
		for {
			select {
			case <-updateStop:
				return
			case <-ticker.C:
				mu.Lock()
				out := buf.String()
				mu.Unlock()
				if len(out) != last {
					last = len(out)
					snapshot, _ := Truncate(out)
					toolCtx.Update(snapshot, map[string]any{
						"command": params.Command,
						"running": true,
					})
				}
			}
		}
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var abortCh <-chan struct{}
	if toolCtx != nil {
		abortCh = toolCtx.AbortCh
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	cancelled := false
	timedOut := false
	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-abortCh:
		cancelled = true
		t.killProcess(cmd)
		waitErr = <-waitDone
	case <-ctx.Done():
		cancelled = true
		t.killProcess(cmd)
		waitErr = <-waitDone
	case <-timer.C:
		timedOut = true
		t.killProcess(cmd)
		waitErr = <-waitDone
	}
	close(updateStop)
	<-readDone

	mu.Lock()
	output := buf.String()
	mu.Unlock()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	if timedOut {
		output += fmt.Sprintf("\n\n(Command timed out after %v)", timeout)
	}
	if cancelled {
		output += "\n\n(Command cancelled)"
	}

	content, truncated := Truncate(output)
	details := map[string]any{
		"command":   params.Command,
		"exit":      exitCode,
		"duration":  time.Since(start).Milliseconds(),
		"truncated": truncated,
		"cancelled": cancelled,
		"timedOut":  timedOut,
	}
	if words := CommandWords(params.Command); len(words) > 0 {
		details["commands"] = words
	}

	return &Result{
		Content: content,
		Details: details,
		IsError: cancelled || timedOut || exitCode != 0,
	}, nil
}

func (t *BashTool) killProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	if runtime.GOOS == "windows" {
		exec.Command("taskkill", "/pid", fmt.Sprint(pid), "/f", "/t").Run()
		return
	}

	// Kill the process group, then escalate.
	syscall.Kill(-pid, syscall.SIGTERM)
	time.Sleep(SigkillTimeout)
	if cmd.ProcessState == nil {
		syscall.Kill(-pid, syscall.SIGKILL)
	}
}

// CommandWords parses a shell command line and returns the command names it
// invokes, in order. Used for tool details and by the guard extension.
func CommandWords(command string) []string {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil
	}

	var words []string
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok && len(call.Args) > 0 {
			if name := wordToString(call.Args[0]); name != "" {
				words = append(words, name)
			}
		}
		return true
	})
	return words
}

// wordToString flattens the literal parts of a syntax.Word.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		if lit, ok := part.(*syntax.Lit); ok {
			sb.WriteString(lit.Value)
		}
	}
	return sb.String()
}
