package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"audio-analyzer/internal/analysis"
	"audio-analyzer/internal/models"
)

var commandContext = exec.CommandContext

const childStopTimeout = 5 * time.Second

// SubprocessOptions describes how to launch a child worker process. The
// child must speak the ServeChild protocol on stdin and stdout.
type SubprocessOptions struct {
	Path   string // defaults to the running executable
	Args   []string
	Env    []string // appended to the parent environment
	Stderr io.Writer
}

// Subprocess returns a factory that runs each slot in its own long-lived
// child process.
func Subprocess(opts SubprocessOptions) Factory {
	return func(ctx context.Context, slot int) (Runner, error) {
		return startChild(ctx, opts, slot)
	}
}

type childRunner struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *json.Encoder
	dec   *json.Decoder

	waitOnce sync.Once
	waitErr  error
	waited   chan struct{}
}

func startChild(ctx context.Context, opts SubprocessOptions, slot int) (*childRunner, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}

	cmd := commandContext(ctx, path, opts.Args...) //nolint:gosec
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("ANALYZER_WORKER_SLOT=%d", slot))
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	return &childRunner{
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		dec:    json.NewDecoder(stdout),
		waited: make(chan struct{}),
	}, nil
}

func (r *childRunner) Run(ctx context.Context, job models.JobDescriptor) (analysis.Result, error) {
	stop := context.AfterFunc(ctx, func() { _ = r.cmd.Process.Kill() })
	defer stop()

	if err := r.enc.Encode(job); err != nil {
		return analysis.Result{}, r.exitError(ctx, fmt.Errorf("send job: %w", err))
	}
	var res analysis.Result
	if err := r.dec.Decode(&res); err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			// Protocol garbage from a live process; stop it before waiting.
			_ = r.cmd.Process.Kill()
			_ = r.wait()
			return analysis.Result{}, fmt.Errorf("read result: %w", err)
		}
		return analysis.Result{}, r.exitError(ctx, fmt.Errorf("read result: %w", err))
	}
	return res, nil
}

// exitError explains why the child went away. A SIGKILL we did not send is
// almost always the kernel OOM killer.
func (r *childRunner) exitError(ctx context.Context, cause error) error {
	waitErr := r.wait()
	if ctx.Err() != nil {
		return fmt.Errorf("worker process cancelled: %w", cause)
	}
	if state := r.cmd.ProcessState; state != nil && strings.Contains(state.String(), "killed") {
		return fmt.Errorf("worker process %s, possible out of memory", state)
	}
	if waitErr != nil {
		return fmt.Errorf("worker process exited: %w", waitErr)
	}
	return cause
}

func (r *childRunner) wait() error {
	r.waitOnce.Do(func() {
		r.waitErr = r.cmd.Wait()
		close(r.waited)
	})
	return r.waitErr
}

// Close asks the child to exit by closing its stdin and kills it if it does
// not comply in time.
func (r *childRunner) Close() error {
	_ = r.stdin.Close()
	go r.wait() //nolint:errcheck
	select {
	case <-r.waited:
	case <-time.After(childStopTimeout):
		_ = r.cmd.Process.Kill()
		<-r.waited
	}
	return nil
}
