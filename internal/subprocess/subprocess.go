// Package subprocess launches one task's Code as a child process, enforces
// its timeout with a process-group signal escalation, and parses the task
// result protocol off its last non-empty stdout line.
package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kaptinlin/jsonrepair"

	stackerrors "stackrunner/internal/errors"
	"stackrunner/internal/logging"
)

// Kind mirrors catalog.Kind without importing the catalog package, keeping
// this package usable independent of how a LaunchSpec gets built.
type Kind string

const (
	KindShellCommand  Kind = "shell-command"
	KindInlineScriptA Kind = "inline-script-A"
	KindScriptFileA   Kind = "script-file-A"
	KindInlineScriptB Kind = "inline-script-B"
)

// LaunchSpec is everything needed to spawn one task attempt.
type LaunchSpec struct {
	Kind       Kind
	Code       string
	WorkingDir string
	Env        map[string]string
	Timeout    time.Duration
}

// ChildSpec is one entry of a result's pushed_children list: a task the
// running node asked the engine to push onto the stack above it.
type ChildSpec struct {
	TaskID     string         `json:"task_id"`
	Parameters map[string]any `json:"parameters"`
	Reason     string         `json:"reason"`
}

// Request bundles the launch spec with the parameters and folded context
// handed to the child process on stdin.
type Request struct {
	Spec       LaunchSpec
	Parameters map[string]any
	Context    map[string]any
}

// Result is the parsed task result protocol: the last non-empty stdout line,
// decoded as JSON (repaired if malformed) into the fields the engine folds
// into the stack's accumulated context.
type Result struct {
	Output         any            `json:"output"`
	Variables      map[string]any `json:"variables"`
	Decisions      []string       `json:"decisions"`
	Errors         []string       `json:"errors"`
	Metadata       map[string]any `json:"metadata"`
	PushedChildren []ChildSpec    `json:"pushed_children"`
	Abort          bool           `json:"abort"`
	RawStdout      string         `json:"-"`
	RawStderr      string         `json:"-"`
	Repaired       bool           `json:"-"`
}

// Runner launches a task attempt and returns its parsed result.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// ProcessRunner runs each request as a real OS subprocess, one process group
// per attempt so a timeout can be escalated to the whole tree.
type ProcessRunner struct {
	logger     logging.Logger
	killGrace  time.Duration
	maxOutput  int
	scriptRoot string
}

// NewProcessRunner builds a ProcessRunner. scriptRoot is where inline-script-B
// temp files are written; if empty, os.TempDir() is used.
func NewProcessRunner(scriptRoot string) *ProcessRunner {
	return &ProcessRunner{
		logger:     logging.New("subprocess"),
		killGrace:  5 * time.Second,
		maxOutput:  8 << 20, // 8MiB, guards against a runaway task flooding memory
		scriptRoot: scriptRoot,
	}
}

func (r *ProcessRunner) Run(ctx context.Context, req Request) (Result, error) {
	cmd, cleanup, err := r.buildCommand(ctx, req.Spec)
	if err != nil {
		return Result{}, stackerrors.NewDomainError(stackerrors.KindSubprocessFailure, err)
	}
	defer cleanup()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, stackerrors.NewDomainError(stackerrors.KindSubprocessFailure, fmt.Errorf("stdin pipe: %w", err))
	}
	var stdout, stderr limitedBuffer
	stdout.limit = r.maxOutput
	stderr.limit = r.maxOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Result{}, stackerrors.NewDomainError(stackerrors.KindSubprocessFailure, fmt.Errorf("start subprocess for task: %w", err))
	}

	payload, err := json.Marshal(struct {
		Parameters map[string]any `json:"parameters"`
		Context    map[string]any `json:"context"`
	}{req.Parameters, req.Context})
	if err != nil {
		_ = stdin.Close()
		return Result{}, fmt.Errorf("marshal task input: %w", err)
	}
	_, writeErr := stdin.Write(payload)
	_ = stdin.Close() // the child sees EOF on stdin whether or not the write succeeded

	pgid, pgidErr := syscall.Getpgid(cmd.Process.Pid)
	if pgidErr != nil {
		pgid = cmd.Process.Pid
	}

	timeout := req.Spec.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	var timedOut bool
	select {
	case waitErr = <-waitDone:
	case <-timer.C:
		timedOut = true
		waitErr = r.escalate(pgid, waitDone)
	case <-ctx.Done():
		waitErr = r.escalate(pgid, waitDone)
	}

	if writeErr != nil {
		r.logger.Warn("task stdin write error (process may have exited early): %v", writeErr)
	}

	if timedOut {
		return Result{RawStdout: stdout.String(), RawStderr: stderr.String()},
			stackerrors.NewDomainError(stackerrors.KindSubprocessFailure, fmt.Errorf("task exceeded timeout %s", timeout))
	}
	if ctx.Err() != nil {
		return Result{RawStdout: stdout.String(), RawStderr: stderr.String()}, ctx.Err()
	}

	result := parseResult(stdout.String())
	result.RawStdout = stdout.String()
	result.RawStderr = stderr.String()
	if waitErr != nil {
		result.Errors = append(result.Errors, waitErr.Error())
		return result, stackerrors.NewDomainError(stackerrors.KindSubprocessFailure, waitErr)
	}
	return result, nil
}

// escalate sends SIGTERM to the whole process group and, if it hasn't exited
// within the kill grace period, follows with SIGKILL.
func (r *ProcessRunner) escalate(pgid int, waitDone <-chan error) error {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case err := <-waitDone:
		return err
	case <-time.After(r.killGrace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return <-waitDone
	}
}

func (r *ProcessRunner) buildCommand(ctx context.Context, spec LaunchSpec) (*exec.Cmd, func(), error) {
	cleanup := func() {}
	var cmd *exec.Cmd

	switch spec.Kind {
	case KindShellCommand:
		cmd = exec.Command("/bin/sh", "-c", spec.Code)
	case KindScriptFileA:
		cmd = exec.Command(spec.Code)
	case KindInlineScriptA:
		cmd = exec.Command("/bin/sh", "-c", spec.Code)
	case KindInlineScriptB:
		root := r.scriptRoot
		if root == "" {
			root = os.TempDir()
		}
		f, err := os.CreateTemp(root, "stackrunner-task-*.sh")
		if err != nil {
			return nil, cleanup, fmt.Errorf("create temp script: %w", err)
		}
		if _, err := f.WriteString(spec.Code); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, cleanup, fmt.Errorf("write temp script: %w", err)
		}
		f.Close()
		if err := os.Chmod(f.Name(), 0o700); err != nil {
			os.Remove(f.Name())
			return nil, cleanup, fmt.Errorf("chmod temp script: %w", err)
		}
		cmd = exec.Command(f.Name())
		cleanup = func() { os.Remove(f.Name()) }
	default:
		return nil, cleanup, fmt.Errorf("unknown task kind %q", spec.Kind)
	}

	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}
	if len(spec.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range spec.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return cmd, cleanup, nil
}

// markerField is the fixed, documented field name a task's last stdout line
// must carry, set truthy, before the engine honors its delta. Anything else
// — no marker, marker false, invalid JSON, no output at all — is raw-string
// output with an empty delta, never an error.
const markerField = "task_result"

// parseResult takes the full stdout buffer and decodes its last non-empty
// line as the task result protocol, repairing malformed JSON via jsonrepair
// before giving up on structured parsing. A line lacking a truthy
// markerField, or stdout with no parseable line at all, always falls back
// to Result{Output: stdout} rather than an error: a task that never emits
// the marker is not malfunctioning, it's just not returning structured data.
func parseResult(stdout string) Result {
	line := lastNonEmptyLine(stdout)
	if line != "" {
		if result, ok := markedResult(line); ok {
			return result
		}
	}
	return Result{Output: stdout}
}

// markedResult decodes line as JSON (repairing it once if needed) and
// returns it as a Result only when the decoded object carries a truthy
// markerField.
func markedResult(line string) (Result, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		repaired, err := jsonrepair.JSONRepair(line)
		if err != nil {
			return Result{}, false
		}
		if err := json.Unmarshal([]byte(repaired), &fields); err != nil {
			return Result{}, false
		}
		if !truthy(fields[markerField]) {
			return Result{}, false
		}
		result := decodeResultFields(fields)
		result.Repaired = true
		return result, true
	}
	if !truthy(fields[markerField]) {
		return Result{}, false
	}
	return decodeResultFields(fields), true
}

func decodeResultFields(fields map[string]any) Result {
	var result Result
	b, err := json.Marshal(fields)
	if err != nil {
		return Result{}
	}
	_ = json.Unmarshal(b, &result)
	return result
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func lastNonEmptyLine(s string) string {
	scanner := bufio.NewScanner(strings.NewReader(s))
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	var last string
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	return last
}

// limitedBuffer caps how much of a stream it retains, discarding the
// overflow instead of growing without bound.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) < b.limit {
		room := b.limit - len(b.buf)
		if room > len(p) {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

var _ io.Writer = (*limitedBuffer)(nil)
