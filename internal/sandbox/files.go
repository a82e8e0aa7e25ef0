package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/org/templatetrust/pkg/models"
)

// confine resolves target against root and rejects anything that leaves it,
// including through symlinks in existing parent directories.
func confine(root, target string) (string, error) {
	p := target
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	if !contains(root, p) {
		return "", fmt.Errorf("path %s escapes the target directory", target)
	}
	// Resolve the deepest existing ancestor.
	existing := p
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", target, err)
	}
	if !contains(root, resolved) {
		return "", fmt.Errorf("path %s escapes the target directory through a symlink", target)
	}
	return p, nil
}

func (e *Executor) readOnly(p string) bool {
	for _, ro := range e.opts.ReadOnlyPaths {
		abs, err := filepath.Abs(ro)
		if err != nil {
			continue
		}
		if contains(abs, p) {
			return true
		}
	}
	return false
}

func violation(format string, args ...any) Result {
	return Result{Outcome: Violation, ExitCode: -1, Detail: fmt.Sprintf(format, args...)}
}

func exceeded(format string, args ...any) Result {
	return Result{Outcome: ResourceExceeded, ExitCode: -1, Detail: fmt.Sprintf(format, args...)}
}

// writeFile writes the payload (or appends it, for template_inject) to a
// path inside the root. Size and count limits are checked before writing.
func (e *Executor) writeFile(r *run, op models.Operation) Result {
	p, err := confine(r.root, op.Target)
	if err != nil {
		return violation("%v", err)
	}
	if e.readOnly(p) {
		return violation("path %s is read-only", op.Target)
	}
	if p == r.root {
		return violation("cannot write the target directory itself")
	}

	size := int64(len(op.Payload))
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if op.Type == models.OpTemplateInject {
		fi, err := os.Stat(p)
		if err != nil {
			return Result{Outcome: Completed, ExitCode: 1, Detail: fmt.Sprintf("inject target: %v", err)}
		}
		size += fi.Size()
		flags = os.O_WRONLY | os.O_APPEND
	}
	if size > r.limits.MaxFileSizeBytes {
		return exceeded("%s would be %d bytes, limit %d", op.Target, size, r.limits.MaxFileSizeBytes)
	}
	if !r.written[p] && len(r.written) >= r.limits.MaxFileCount {
		return exceeded("more than %d files written", r.limits.MaxFileCount)
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Result{Outcome: Completed, ExitCode: 1, Detail: err.Error()}
	}
	f, err := os.OpenFile(p, flags, 0o644)
	if err != nil {
		return Result{Outcome: Completed, ExitCode: 1, Detail: err.Error()}
	}
	_, werr := io.WriteString(f, op.Payload)
	cerr := f.Close()
	r.track(p)
	if err := errors.Join(werr, cerr); err != nil {
		return Result{Outcome: Completed, ExitCode: 1, Detail: err.Error()}
	}
	return Result{Outcome: Completed}
}

// readFile reads a file inside the root or on the read-only list.
func (e *Executor) readFile(r *run, op models.Operation) Result {
	p := op.Target
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.root, p)
	}
	p = filepath.Clean(p)
	if !e.readOnly(p) {
		var err error
		if p, err = confine(r.root, op.Target); err != nil {
			return violation("%v", err)
		}
	}
	f, err := os.Open(p)
	if err != nil {
		return Result{Outcome: Completed, ExitCode: 1, Detail: err.Error()}
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, r.limits.MaxFileSizeBytes+1))
	if err != nil {
		return Result{Outcome: Completed, ExitCode: 1, Detail: err.Error()}
	}
	if int64(len(data)) > r.limits.MaxFileSizeBytes {
		return exceeded("%s is larger than %d bytes", op.Target, r.limits.MaxFileSizeBytes)
	}
	return Result{Outcome: Completed, Stdout: string(data)}
}

// deleteFile removes a path inside the root. The root itself cannot be removed.
func (e *Executor) deleteFile(r *run, op models.Operation) Result {
	p, err := confine(r.root, op.Target)
	if err != nil {
		return violation("%v", err)
	}
	if p == r.root {
		return violation("cannot delete the target directory itself")
	}
	if e.readOnly(p) {
		return violation("path %s is read-only", op.Target)
	}
	fi, err := os.Lstat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Result{Outcome: Completed}
	case err != nil:
		return Result{Outcome: Completed, ExitCode: 1, Detail: err.Error()}
	case fi.IsDir() && !op.Recursive:
		err = os.Remove(p)
	case fi.IsDir():
		err = os.RemoveAll(p)
	default:
		err = os.Remove(p)
	}
	if err != nil {
		return Result{Outcome: Completed, ExitCode: 1, Detail: err.Error()}
	}
	return Result{Outcome: Completed}
}

// fetch performs a GET for a network operation, bounded by the file size limit.
func (e *Executor) fetch(ctx context.Context, r *run, op models.Operation) Result {
	u, err := url.Parse(op.Target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return violation("unsupported network target %q", op.Target)
	}
	if len(e.opts.AllowedHosts) > 0 && !hostAllowed(e.opts.AllowedHosts, u.Hostname()) {
		return violation("host %s is not on the allow-list", u.Hostname())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return violation("%v", err)
	}
	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, errHostNotAllowed) {
			return violation("redirect: %v", errors.Unwrap(err))
		}
		if ctx.Err() != nil {
			return Result{Outcome: TimedOut, ExitCode: -1, Detail: fmt.Sprintf("killed after %s", r.limits.Timeout())}
		}
		return Result{Outcome: Completed, ExitCode: 1, Detail: err.Error()}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, r.limits.MaxFileSizeBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: TimedOut, ExitCode: -1, Detail: fmt.Sprintf("killed after %s", r.limits.Timeout())}
		}
		return Result{Outcome: Completed, ExitCode: 1, Detail: err.Error()}
	}
	if int64(len(body)) > r.limits.MaxFileSizeBytes {
		return exceeded("response larger than %d bytes", r.limits.MaxFileSizeBytes)
	}
	res := Result{Outcome: Completed, Stdout: string(body)}
	if resp.StatusCode >= 400 {
		res.ExitCode = 1
		res.Detail = resp.Status
	}
	return res
}

var errHostNotAllowed = errors.New("host is not on the allow-list")

// confineRedirects returns a copy of c whose redirects are held to the same
// host allow-list as the initial request. A nil c starts from a zero client.
func confineRedirects(c *http.Client, allowed []string) *http.Client {
	var cc http.Client
	if c != nil {
		cc = *c
	}
	next := cc.CheckRedirect
	cc.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(allowed) > 0 && !hostAllowed(allowed, req.URL.Hostname()) {
			return fmt.Errorf("%w: %s", errHostNotAllowed, req.URL.Hostname())
		}
		if next != nil {
			return next(req, via)
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}
	return &cc
}

func hostAllowed(patterns []string, host string) bool {
	host = strings.ToLower(host)
	for _, p := range patterns {
		if ok, _ := path.Match(strings.ToLower(p), host); ok {
			return true
		}
	}
	return false
}
