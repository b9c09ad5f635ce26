package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime/debug"
	"strings"
	"time"

	"github.com/dyluth/kiln/internal/loader"
	"github.com/dyluth/kiln/pkg/candidates"
)

const (
	// DefaultTimeout bounds a single smoke test.
	DefaultTimeout = 10 * time.Second

	// maxOutputSize is the maximum number of bytes kept from child stdout/stderr (1MB)
	maxOutputSize = 1024 * 1024

	// SmokeCommand is the hidden subcommand that serves one smoke test as a child.
	SmokeCommand = "smoke"

	// RequestEnv carries the smoke Request when the child has no usable stdin.
	RequestEnv = "KILN_SMOKE_REQUEST"

	// loadSettle is how long a load-only child lingers after the load so
	// goroutines the unit started get to run before the result is reported.
	loadSettle = 200 * time.Millisecond
)

// Sandbox runs one smoke test with an enforced deadline.
type Sandbox interface {
	Smoke(ctx context.Context, kind candidates.Kind, path string) Result
}

// LoadChecker loads an artifact outside the calling process, without
// checking its contract or running its self-check. A unit that crashes or
// hangs while loading fails the check instead of the caller.
type LoadChecker interface {
	CheckLoad(ctx context.Context, kind candidates.Kind, path string) Result
}

// InProcess runs the smoke test on a separate goroutine. When the deadline
// passes the goroutine is abandoned and a timeout failure is returned; a
// hung self-check keeps its goroutine but never blocks the caller.
type InProcess struct {
	Loader  *loader.Loader
	Timeout time.Duration
}

// Smoke implements Sandbox.
func (s *InProcess) Smoke(ctx context.Context, kind candidates.Kind, path string) Result {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l := s.Loader
	if l == nil {
		l = loader.New()
	}

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{OK: false, Details: fmt.Sprintf("smoke test panicked: %v\n%s", r, debug.Stack())}
			}
		}()
		done <- Smoke(ctx, l, kind, path)
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timeoutResult(timeout)
		}
		return cancelledResult(ctx.Err())
	}
}

// Process runs the smoke test in a child process that is killed at the
// deadline. The child is Command (default: this executable with the smoke
// subcommand), fed a JSON request on stdin and expected to print a JSON
// Result on stdout.
type Process struct {
	Command []string
	Env     []string // extra environment for the child
	Timeout time.Duration
}

// Request is the JSON document a smoke child reads from stdin. LoadOnly
// asks the child to load the unit and report whether it survived.
type Request struct {
	Kind     candidates.Kind `json:"kind"`
	Path     string          `json:"path"`
	LoadOnly bool            `json:"load_only,omitempty"`
}

// SelfCommand returns the command that re-executes the running binary in
// smoke mode.
func SelfCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return []string{exe, SmokeCommand}, nil
}

// Smoke implements Sandbox.
func (p *Process) Smoke(ctx context.Context, kind candidates.Kind, path string) Result {
	return p.run(ctx, Request{Kind: kind, Path: path})
}

// CheckLoad implements LoadChecker.
func (p *Process) CheckLoad(ctx context.Context, kind candidates.Kind, path string) Result {
	return p.run(ctx, Request{Kind: kind, Path: path, LoadOnly: true})
}

func (p *Process) run(ctx context.Context, req Request) Result {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	command := p.Command
	if len(command) == 0 {
		self, err := SelfCommand()
		if err != nil {
			return Result{OK: false, Details: err.Error()}
		}
		command = self
	}

	input, err := json.Marshal(req)
	if err != nil {
		return Result{OK: false, Details: fmt.Sprintf("failed to marshal smoke request: %v", err)}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, command[0], command[1:]...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = time.Second

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: maxOutputSize}

	err = cmd.Run()
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return timeoutResult(timeout)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return cancelledResult(ctxErr)
	}
	if err != nil {
		details := fmt.Sprintf("smoke child failed: %v", err)
		if stderr := strings.TrimSpace(stderrBuf.String()); stderr != "" {
			details += "\n" + stderr
		}
		return Result{OK: false, Details: details}
	}

	return parseChildOutput(stdoutBuf.Bytes())
}

func parseChildOutput(stdout []byte) Result {
	var r Result
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &r); err != nil {
		return Result{OK: false, Details: fmt.Sprintf("smoke child produced invalid output: %v\nstdout: %s", err, truncate(string(stdout), 200))}
	}
	return r
}

// ChildInput returns the request source for a smoke child: the RequestEnv
// variable when set, stdin otherwise.
func ChildInput(stdin io.Reader) io.Reader {
	if req := os.Getenv(RequestEnv); req != "" {
		return strings.NewReader(req)
	}
	return stdin
}

// ServeChild answers one smoke request: it reads a Request from in, runs
// the smoke test and writes the Result as JSON to out. The parent process
// owns the deadline.
func ServeChild(ctx context.Context, in io.Reader, out io.Writer) error {
	var req Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("failed to decode smoke request: %w", err)
	}
	if err := req.Kind.Validate(); err != nil {
		return err
	}

	var r Result
	if req.LoadOnly {
		r = LoadCheck(ctx, loader.New(), req.Kind, req.Path, loadSettle)
	} else {
		r = Smoke(ctx, loader.New(), req.Kind, req.Path)
	}
	return json.NewEncoder(out).Encode(r)
}

func timeoutResult(timeout time.Duration) Result {
	return Result{OK: false, Details: fmt.Sprintf("smoke test timed out after %s", timeout)}
}

func cancelledResult(err error) Result {
	return Result{OK: false, Details: fmt.Sprintf("smoke test cancelled: %v", err)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// limitedWriter wraps an io.Writer and limits the total bytes written.
// Once the limit is reached, further writes are discarded.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err = lw.w.Write(toWrite)
	lw.written += n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
