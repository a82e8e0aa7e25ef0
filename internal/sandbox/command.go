package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/org/templatetrust/pkg/models"
)

// memoryPollInterval is how often a running command's memory is sampled.
const memoryPollInterval = 50 * time.Millisecond

var errMemoryExceeded = errors.New("memory limit exceeded")

func defaultShell() []string {
	if runtime.GOOS == "windows" {
		return []string{"powershell", "-NoProfile", "-NonInteractive", "-Command"}
	}
	return []string{"sh", "-c"}
}

// runCommand runs a shell or code operation with the job root as working
// directory. Code operations receive their payload on stdin.
func (e *Executor) runCommand(ctx context.Context, r *run, op models.Operation) Result {
	before, err := scanTree(r.root)
	if err != nil {
		return Result{Outcome: Violation, ExitCode: -1, Detail: fmt.Sprintf("scanning root: %v", err)}
	}

	mctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	args := append(append([]string{}, e.opts.Shell[1:]...), op.Target)
	cmd := exec.CommandContext(mctx, e.opts.Shell[0], args...)
	cmd.Dir = r.root
	cmd.Env = e.env(r)
	if op.Type == models.OpCodeExecute && op.Payload != "" {
		cmd.Stdin = strings.NewReader(op.Payload)
	}
	stdout := &limitedBuffer{limit: e.opts.MaxOutput}
	stderr := &limitedBuffer{limit: e.opts.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return Result{Outcome: Completed, ExitCode: -1, Detail: fmt.Sprintf("starting command: %v", err)}
	}

	done := make(chan struct{})
	go watchMemory(cmd.Process.Pid, r.limits.MaxMemoryBytes, done, stop)
	err = cmd.Wait()
	close(done)

	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: cmd.ProcessState.ExitCode()}
	switch {
	case errors.Is(context.Cause(mctx), errMemoryExceeded):
		res.Outcome = ResourceExceeded
		res.Detail = fmt.Sprintf("memory use above %d bytes", r.limits.MaxMemoryBytes)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Outcome = TimedOut
		res.Detail = fmt.Sprintf("killed after %s", r.limits.Timeout())
	case ctx.Err() != nil:
		res.Outcome = TimedOut
		res.Detail = "cancelled"
	}
	if res.Outcome != "" {
		// Killed commands keep their partial output; report it.
		if after, err := scanTree(r.root); err == nil {
			for _, path := range changed(before, after) {
				r.track(path)
			}
		}
		return res
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		res.ExitCode = -1
		res.Detail = err.Error()
	}
	if stdout.truncated || stderr.truncated {
		res.Detail = strings.TrimSpace(res.Detail + " output truncated")
	}

	// Check what the command left behind.
	after, err := scanTree(r.root)
	if err != nil {
		res.Outcome = Violation
		res.Detail = fmt.Sprintf("scanning root: %v", err)
		return res
	}
	res.Outcome = Completed
	for _, path := range changed(before, after) {
		fi := after.files[path]
		if fi.Mode()&fs.ModeSymlink != 0 {
			if dest, err := filepath.EvalSymlinks(path); err != nil || !contains(r.root, dest) {
				res.Outcome = Violation
				res.Detail = fmt.Sprintf("symlink %s points outside the target directory", rel(r.root, path))
				return res
			}
		}
		if fi.Size() > r.limits.MaxFileSizeBytes {
			res.Outcome = ResourceExceeded
			res.Detail = fmt.Sprintf("%s is %d bytes, limit %d", rel(r.root, path), fi.Size(), r.limits.MaxFileSizeBytes)
			return res
		}
		if !r.written[path] {
			if len(r.written) >= r.limits.MaxFileCount {
				res.Outcome = ResourceExceeded
				res.Detail = fmt.Sprintf("more than %d files written", r.limits.MaxFileCount)
				return res
			}
			r.track(path)
		}
	}
	return res
}

// changed lists the files in after that are new or modified since before.
func changed(before, after tree) []string {
	var out []string
	for _, path := range after.order {
		fi := after.files[path]
		if prev, ok := before.files[path]; ok && prev.ModTime().Equal(fi.ModTime()) && prev.Size() == fi.Size() {
			continue
		}
		out = append(out, path)
	}
	return out
}

func watchMemory(pid int, limit int64, done <-chan struct{}, stop context.CancelCauseFunc) {
	if limit <= 0 {
		return
	}
	t := time.NewTicker(memoryPollInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if rss, ok := groupRSS(pid); ok && rss > limit {
				stop(errMemoryExceeded)
				return
			}
		}
	}
}

type tree struct {
	files map[string]fs.FileInfo
	order []string
}

// scanTree lists regular files and symlinks under root without following links.
func scanTree(root string) (tree, error) {
	t := tree{files: map[string]fs.FileInfo{}}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		t.files[path] = fi
		t.order = append(t.order, path)
		return nil
	})
	return t, err
}

func (r *run) track(path string) {
	if !r.written[path] {
		r.written[path] = true
		r.order = append(r.order, path)
	}
}

func rel(root, path string) string {
	if p, err := filepath.Rel(root, path); err == nil {
		return p
	}
	return path
}

type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	remaining := l.limit - l.buf.Len()
	if remaining <= 0 {
		l.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		l.truncated = true
		_, _ = l.buf.Write(p[:remaining])
		return len(p), nil
	}
	return l.buf.Write(p)
}

func (l *limitedBuffer) String() string {
	return l.buf.String()
}

var _ io.Writer = (*limitedBuffer)(nil)

// contains reports whether path is root or below it. Both must be absolute and clean.
func contains(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(root, string(os.PathSeparator))+string(os.PathSeparator))
}
