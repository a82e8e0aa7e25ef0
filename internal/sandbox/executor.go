// Package sandbox runs template operations under resource limits, a
// restricted environment and a confined filesystem root. It has no notion of
// trust: it enforces whatever limits it is given.
//
// Partial effects of a failed or killed job are left in place. Results list
// the files written so callers can clean up.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/org/templatetrust/internal/config"
	"github.com/org/templatetrust/pkg/models"
	"github.com/rs/zerolog/log"
)

// Outcome classifies how a sandboxed operation ended.
type Outcome string

const (
	Completed        Outcome = "completed"
	TimedOut         Outcome = "timedOut"
	ResourceExceeded Outcome = "resourceExceeded"
	Violation        Outcome = "violation"
)

// DefaultMaxOutput caps captured stdout and stderr per operation.
const DefaultMaxOutput = 1 << 20

// ErrInvalidJob is returned for jobs the executor cannot start.
var ErrInvalidJob = errors.New("invalid sandbox job")

// Recorder receives a violation entry for every operation that does not complete.
type Recorder interface {
	Record(ctx context.Context, entry models.AuditEntry) (models.AuditEntry, error)
}

// Options configures an Executor.
type Options struct {
	// EnvAllowList names the host variables passed to commands.
	EnvAllowList []string
	// ReadOnlyPaths may be read but never written.
	ReadOnlyPaths []string
	// AllowedHosts restricts network operations when non-empty.
	AllowedHosts []string
	MaxOutput    int
	HTTPClient   *http.Client
	// Shell runs command lines; defaults to "sh -c" ("powershell -Command" on Windows).
	Shell []string
}

// OptionsFromConfig maps the sandbox configuration section to Options.
func OptionsFromConfig(cfg config.SandboxConfig) Options {
	return Options{
		EnvAllowList:  cfg.EnvAllowList,
		ReadOnlyPaths: cfg.ReadOnlyPaths,
		AllowedHosts:  cfg.AllowedHosts,
	}
}

// Executor runs jobs.
type Executor struct {
	opts  Options
	audit Recorder
}

// New creates an Executor. rec may be nil in tests that do not audit.
func New(opts Options, rec Recorder) *Executor {
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = DefaultMaxOutput
	}
	opts.HTTPClient = confineRedirects(opts.HTTPClient, opts.AllowedHosts)
	if len(opts.Shell) == 0 {
		opts.Shell = defaultShell()
	}
	return &Executor{opts: opts, audit: rec}
}

// Job is a batch of operations for one creator, confined to Root.
type Job struct {
	CreatorID  string
	Root       string
	Operations []models.Operation
}

// Result is the outcome of one operation.
type Result struct {
	Operation models.Operation `json:"operation"`
	Outcome   Outcome          `json:"outcome"`
	ExitCode  int              `json:"exit_code"`
	Stdout    string           `json:"stdout,omitempty"`
	Stderr    string           `json:"stderr,omitempty"`
	Duration  time.Duration    `json:"duration"`
	Detail    string           `json:"detail,omitempty"`
}

// OK reports whether the operation completed with a zero exit code.
func (r Result) OK() bool { return r.Outcome == Completed && r.ExitCode == 0 }

// Report is the outcome of a job. Execution stops at the first operation
// that does not complete; FilesWritten lists what was written up to then.
type Report struct {
	Results      []Result `json:"results"`
	FilesWritten []string `json:"files_written,omitempty"`
	Violations   []string `json:"violations,omitempty"`
}

// Outcome returns the outcome of the last operation run, or Completed.
func (r Report) Outcome() Outcome {
	if n := len(r.Results); n > 0 {
		return r.Results[n-1].Outcome
	}
	return Completed
}

// Failed reports whether any operation failed to complete successfully.
func (r Report) Failed() bool {
	for _, res := range r.Results {
		if !res.OK() {
			return true
		}
	}
	return false
}

// run tracks per-job limits.
type run struct {
	job     Job
	root    string
	limits  models.ResourceLimits
	written map[string]bool
	order   []string
}

// Run executes job under limits. Every operation gets the full time limit;
// the file count limit spans the whole job.
func (e *Executor) Run(ctx context.Context, job Job, limits models.ResourceLimits) (Report, error) {
	if job.Root == "" {
		return Report{}, fmt.Errorf("%w: root directory is required", ErrInvalidJob)
	}
	root, err := filepath.Abs(job.Root)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Report{}, fmt.Errorf("creating sandbox root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	r := &run{job: job, root: root, limits: limits.WithDefaults(), written: map[string]bool{}}

	var report Report
	for _, op := range job.Operations {
		res := e.runOne(ctx, r, op)
		report.Results = append(report.Results, res)
		if res.Outcome != Completed {
			report.Violations = append(report.Violations, fmt.Sprintf("%s: %s", op.Describe(), res.Detail))
			if err := e.recordViolation(ctx, job.CreatorID, res); err != nil {
				report.FilesWritten = r.order
				return report, err
			}
			break
		}
		if res.ExitCode != 0 {
			break
		}
	}
	report.FilesWritten = r.order
	return report, nil
}

func (e *Executor) runOne(ctx context.Context, r *run, op models.Operation) Result {
	start := time.Now()
	var res Result
	if err := op.Validate(); err != nil {
		res = Result{Outcome: Violation, ExitCode: -1, Detail: err.Error()}
	} else {
		octx, cancel := context.WithTimeout(ctx, r.limits.Timeout())
		switch op.Type {
		case models.OpShellExecute, models.OpCodeExecute:
			res = e.runCommand(octx, r, op)
		case models.OpFileWrite, models.OpTemplateInject:
			res = e.writeFile(r, op)
		case models.OpFileRead:
			res = e.readFile(r, op)
		case models.OpFileDelete:
			res = e.deleteFile(r, op)
		case models.OpEnvAccess:
			res = e.readEnv(op)
		case models.OpNetworkAccess:
			res = e.fetch(octx, r, op)
		}
		cancel()
	}
	res.Operation = op
	res.Duration = time.Since(start)

	ev := log.Debug()
	if res.Outcome != Completed {
		ev = log.Warn()
	}
	ev.Str("creator", r.job.CreatorID).
		Str("op", op.Describe()).
		Str("outcome", string(res.Outcome)).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Str("detail", res.Detail).
		Msg("sandbox operation")
	return res
}

func (e *Executor) recordViolation(ctx context.Context, creatorID string, res Result) error {
	if e.audit == nil {
		return nil
	}
	// The caller's context may already be expired after a timeout.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := e.audit.Record(actx, models.AuditEntry{
		CreatorID:  creatorID,
		Action:     models.ActionViolation,
		Resolution: models.ResolutionSandboxed,
		GrantedBy:  models.GrantedBySystem,
		Context:    fmt.Sprintf("%s %s: %s: %s", res.Operation.Type, res.Operation.Target, res.Outcome, res.Detail),
	})
	if err != nil {
		return fmt.Errorf("recording sandbox violation: %w", err)
	}
	return nil
}

func (e *Executor) env(r *run) []string {
	env := make([]string, 0, len(e.opts.EnvAllowList)+1)
	for _, name := range e.opts.EnvAllowList {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return append(env, "TEMPLATETRUST_SANDBOX=1", "TEMPLATETRUST_TARGET="+r.root)
}

func (e *Executor) envAllowed(name string) bool {
	for _, n := range e.opts.EnvAllowList {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

func (e *Executor) readEnv(op models.Operation) Result {
	if !e.envAllowed(op.Target) {
		return Result{Outcome: Violation, ExitCode: -1, Detail: fmt.Sprintf("environment variable %s is not on the allow-list", op.Target)}
	}
	return Result{Outcome: Completed, Stdout: os.Getenv(op.Target)}
}
