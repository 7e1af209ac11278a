// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"
)

// bootstrapScript is the Python entry point the worker subprocess runs. It
// activates packageSpec in its own interpreter, then blocks reading framed
// requests from stdin and writing framed responses to stdout, exactly the
// shape described in spec.md §6 ("Worker protocol"). It's passed to the
// interpreter via -c the same way pkg/kb/discover.go's discovery script is.
const bootstrapScript = `
import struct, sys, json, io, contextlib, traceback

def _read_frame(stream):
    header = stream.read(8)
    if len(header) < 8:
        return None
    n = struct.unpack(">Q", header)[0]
    return stream.read(n)

def _write_frame(stream, obj):
    body = json.dumps(obj).encode("utf-8")
    stream.write(struct.pack(">Q", len(body)))
    stream.write(body)
    stream.flush()

def main():
    stdin = sys.stdin.buffer
    stdout = sys.stdout.buffer

    setup_raw = _read_frame(stdin)
    if setup_raw is None:
        return
    setup = json.loads(setup_raw)
    spec = setup.get("package_spec", "")
    try:
        if spec:
            name = spec.split("==")[0]
            __import__(name.replace("-", "_"))
    except Exception as exc:
        _write_frame(stdout, {"status": "FATAL", "error": str(exc)})
        return
    _write_frame(stdout, {"status": "READY"})

    while True:
        raw = _read_frame(stdin)
        if raw is None:
            return
        msg = json.loads(raw)
        if msg.get("type") == "shutdown":
            return
        if msg.get("type") != "execute":
            continue
        task_id = msg.get("task_id", "")
        code = msg.get("code", "")
        out_buf, err_buf = io.StringIO(), io.StringIO()
        try:
            with contextlib.redirect_stdout(out_buf), contextlib.redirect_stderr(err_buf):
                exec(code, {"__name__": "__omnipkg_worker__"})
            _write_frame(stdout, {
                "status": "COMPLETED", "task_id": task_id,
                "stdout": out_buf.getvalue(), "stderr": err_buf.getvalue(),
            })
        except Exception:
            _write_frame(stdout, {
                "status": "ERROR", "task_id": task_id,
                "stdout": out_buf.getvalue(), "stderr": err_buf.getvalue(),
                "error": traceback.format_exc(),
            })

main()
`

// Worker is a persistent Python subprocess with one package's bubble
// activated, communicating over the framed stdio protocol. It satisfies
// pkg/activate's CodeExecutor interface, the fallback path for packages in
// activate.UnreloadableNativeCores.
type Worker struct {
	cmd    *dexec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	mu       sync.Mutex
	closed   bool
	taskSeq  int
}

// Start launches pythonExe with env, activates packageSpec (e.g.
// "torch==2.1.0") inside it, and blocks until the worker reports READY or
// FATAL.
func Start(ctx context.Context, pythonExe string, env []string, packageSpec string) (*Worker, error) {
	cmd := dexec.CommandContext(ctx, pythonExe, "-u", "-c", bootstrapScript)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", errWorkerStartFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", errWorkerStartFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", errWorkerStartFailed, err)
	}

	w := &Worker{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}

	if err := WriteFrame(w.stdin, Request{PackageSpec: packageSpec}); err != nil {
		_ = w.cmd.Process.Kill()
		return nil, fmt.Errorf("%w: sending setup frame: %v", errWorkerStartFailed, err)
	}

	var resp Response
	if err := ReadFrame(w.stdout, &resp); err != nil {
		_ = w.cmd.Process.Kill()
		return nil, fmt.Errorf("%w: reading setup response: %v", errWorkerStartFailed, err)
	}
	if resp.Status != "READY" {
		_ = w.cmd.Process.Kill()
		return nil, fmt.Errorf("%w: worker reported %s for %s: %s", errWorkerStartFailed, resp.Status, packageSpec, resp.Error)
	}

	dlog.Infof(ctx, "worker: %s ready", packageSpec)
	return w, nil
}

// errWorkerStartFailed is wrapped into every Start failure; callers in
// pkg/activate match against it (or against activate.ErrWorkerUnavailable,
// which they construct from it) to decide there is no local recovery.
var errWorkerStartFailed = errors.New("worker: failed to start")

// ErrStartFailed exposes errWorkerStartFailed for errors.Is checks from
// other packages without forcing them to import an unexported symbol.
var ErrStartFailed = errWorkerStartFailed

// Execute sends one execute request and waits for the matching response,
// satisfying activate.CodeExecutor.
func (w *Worker) Execute(ctx context.Context, code string) (stdout, stderr string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", "", fmt.Errorf("worker: Execute called after Shutdown")
	}

	w.taskSeq++
	taskID := fmt.Sprintf("task-%d", w.taskSeq)

	if err := WriteFrame(w.stdin, Request{Type: "execute", TaskID: taskID, Code: code}); err != nil {
		return "", "", fmt.Errorf("worker: sending execute frame: %w", err)
	}

	type frameResult struct {
		resp Response
		err  error
	}
	done := make(chan frameResult, 1)
	go func() {
		var resp Response
		readErr := ReadFrame(w.stdout, &resp)
		done <- frameResult{resp, readErr}
	}()

	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			return "", "", fmt.Errorf("worker: reading execute response: %w", r.err)
		}
		if r.resp.Status == "ERROR" {
			return r.resp.Stdout, r.resp.Stderr, fmt.Errorf("worker: remote execution failed: %s", r.resp.Error)
		}
		return r.resp.Stdout, r.resp.Stderr, nil
	}
}

// Shutdown sends the shutdown message and waits (up to timeout) for the
// subprocess to exit on its own before killing it.
func (w *Worker) Shutdown(timeout time.Duration) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	_ = WriteFrame(w.stdin, Request{Type: "shutdown"})
	_ = w.stdin.Close()

	waitDone := make(chan error, 1)
	go func() { waitDone <- w.cmd.Wait() }()

	select {
	case err := <-waitDone:
		if err != nil {
			var exitErr *dexec.ExitError
			if errors.As(err, &exitErr) {
				return nil // a nonzero exit after a deliberate shutdown isn't an error
			}
			return err
		}
		return nil
	case <-time.After(timeout):
		return w.cmd.Process.Kill()
	}
}
