// Package policy is the security enforcer: it turns a creator's trust level
// into a permission boundary and authorizes each operation of a template's
// generation plan against it.
package policy

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/org/templatetrust/internal/config"
	"github.com/org/templatetrust/pkg/models"
	"github.com/rs/zerolog/log"
)

// Recorder is where authorization decisions are audited.
type Recorder interface {
	RecordAll(ctx context.Context, entries []models.AuditEntry) ([]models.AuditEntry, error)
}

// TrustLookup reports a creator's current trust.
type TrustLookup interface {
	Status(ctx context.Context, creatorID string) (models.TrustStatus, error)
}

// ConfirmFunc resolves a confirm verdict. It returns true to allow the operation.
type ConfirmFunc func(ctx context.Context, a Authorization) (bool, error)

// Engine authorizes operations.
type Engine struct {
	sandboxEnabled  bool
	forceSandbox    bool
	readOnly        []string
	allowedCommands map[string]bool
	deniedCommands  []*regexp.Regexp
	allowedHosts    []string
	audit           Recorder
}

// NewEngine builds an Engine from the sandbox section of the configuration.
func NewEngine(cfg config.SandboxConfig, rec Recorder) (*Engine, error) {
	e := &Engine{
		sandboxEnabled:  cfg.Enabled,
		forceSandbox:    cfg.Force,
		allowedCommands: make(map[string]bool, len(cfg.AllowedCommands)),
		audit:           rec,
	}
	for _, p := range cfg.ReadOnlyPaths {
		e.readOnly = append(e.readOnly, filepath.ToSlash(filepath.Clean(p)))
	}
	for _, c := range cfg.AllowedCommands {
		e.allowedCommands[c] = true
	}
	for _, pat := range cfg.DeniedCommandPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("%w: denied command pattern %q: %v", models.ErrValidation, pat, err)
		}
		e.deniedCommands = append(e.deniedCommands, re)
	}
	for _, h := range cfg.AllowedHosts {
		e.allowedHosts = append(e.allowedHosts, strings.ToLower(h))
	}
	return e, nil
}

// SandboxEnabled reports whether sandbox verdicts can be issued.
func (e *Engine) SandboxEnabled() bool { return e.sandboxEnabled }

// DeriveSecurityLevel maps a trust level to its security level.
func DeriveSecurityLevel(l models.TrustLevel) models.SecurityLevel {
	return l.SecurityLevel()
}

// PermissionsFor returns the permissions granted directly at a security
// level. Operations outside the set are sandboxed or denied.
func PermissionsFor(level models.SecurityLevel) models.PermissionSet {
	switch level {
	case models.SecurityTrusted:
		return models.NewPermissionSet(models.AllPermissions...)
	case models.SecurityUntrusted, models.SecurityUnknown:
		return models.NewPermissionSet(models.PermFileRead, models.PermFileWrite)
	default:
		return models.NewPermissionSet()
	}
}

// ResolveLevel looks up the security level of a creator. Any lookup failure
// yields BLOCKED together with the error.
func (e *Engine) ResolveLevel(ctx context.Context, t TrustLookup, creatorID string) (models.SecurityLevel, error) {
	st, err := t.Status(ctx, creatorID)
	if err != nil {
		log.Error().Err(err).Str("creator", creatorID).Msg("trust lookup failed; treating creator as blocked")
		return models.SecurityBlocked, err
	}
	return DeriveSecurityLevel(st.TrustLevel), nil
}

// Request is one operation to authorize.
type Request struct {
	CreatorID string
	Level     models.SecurityLevel
	Operation models.Operation
	// TargetDir is the generation target directory. Relative operation
	// targets are resolved against it.
	TargetDir    string
	ForceSandbox bool
}

// Authorization is the verdict for one operation.
type Authorization struct {
	Operation  models.Operation  `json:"operation"`
	Permission models.Permission `json:"permission,omitempty"`
	Verdict    models.Verdict    `json:"verdict"`
	Reason     string            `json:"reason"`
	// Confirmed is set when a confirm verdict was resolved by a ConfirmFunc.
	Confirmed bool `json:"confirmed,omitempty"`
}

// Evaluate computes the verdict for req without side effects.
func (e *Engine) Evaluate(req Request) Authorization {
	op := req.Operation
	a := Authorization{Operation: op}
	if err := op.Validate(); err != nil {
		return deny(a, err.Error())
	}
	a.Permission, _ = op.Type.Permission()

	if req.Level == models.SecurityBlocked {
		return deny(a, "creator is blocked")
	}

	if why := e.destructive(op, req.TargetDir); why != "" {
		if req.Level == models.SecurityTrusted {
			a.Verdict = models.VerdictConfirm
			a.Reason = why + "; confirmation required"
			return a
		}
		return deny(a, why)
	}

	force := req.ForceSandbox || e.forceSandbox
	if req.Level == models.SecurityTrusted {
		if force && sandboxable(op.Type) {
			return e.sandbox(a, "sandbox forced")
		}
		a.Verdict = models.VerdictAllow
		a.Reason = "trusted creator"
		return a
	}

	// Untrusted or unknown.
	switch op.Type {
	case models.OpFileRead:
		if within(req.TargetDir, op.Target) || e.readOnlyAllowed(req.TargetDir, op.Target) {
			return allow(a, "read inside allowed paths")
		}
		return deny(a, "read outside target directory")
	case models.OpFileWrite:
		if !within(req.TargetDir, op.Target) {
			return deny(a, "write outside target directory")
		}
		if force {
			return e.sandbox(a, "sandbox forced")
		}
		return allow(a, "write inside target directory")
	case models.OpFileDelete:
		if !within(req.TargetDir, op.Target) {
			return deny(a, "delete outside target directory")
		}
		return e.sandbox(a, "delete requires "+string(models.PermFileDelete))
	case models.OpShellExecute, models.OpCodeExecute:
		if op.Type == models.OpShellExecute {
			if name := commandName(op.Target); !e.allowedCommands[name] {
				return deny(a, fmt.Sprintf("command %q is not on the allow-list", name))
			}
		}
		return e.sandbox(a, "requires "+string(a.Permission))
	case models.OpNetworkAccess:
		if len(e.allowedHosts) > 0 && !e.hostAllowed(op.Target) {
			return deny(a, "host is not on the allow-list")
		}
		return e.sandbox(a, "requires "+string(a.Permission))
	case models.OpEnvAccess:
		return e.sandbox(a, "requires "+string(a.Permission))
	default:
		return deny(a, "requires "+string(a.Permission))
	}
}

// Authorize evaluates req, resolves a confirm verdict through confirm (nil
// denies it) and audits the final decision.
func (e *Engine) Authorize(ctx context.Context, req Request, confirm ConfirmFunc) (Authorization, error) {
	out, err := e.AuthorizeAll(ctx, req.CreatorID, req.Level, req.TargetDir, req.ForceSandbox, []models.Operation{req.Operation}, confirm)
	if len(out) == 0 {
		return deny(Authorization{Operation: req.Operation}, "authorization failed"), err
	}
	return out[0], err
}

// AuthorizeAll authorizes every operation of a plan and records one audit
// entry per operation in a single write. If the audit write fails every
// verdict is turned into a denial.
func (e *Engine) AuthorizeAll(ctx context.Context, creatorID string, level models.SecurityLevel, targetDir string, force bool, ops []models.Operation, confirm ConfirmFunc) ([]Authorization, error) {
	out := make([]Authorization, len(ops))
	entries := make([]models.AuditEntry, len(ops))
	for i, op := range ops {
		a := e.Evaluate(Request{CreatorID: creatorID, Level: level, Operation: op, TargetDir: targetDir, ForceSandbox: force})
		if a.Verdict == models.VerdictConfirm {
			a = resolveConfirm(ctx, a, confirm)
		}
		out[i] = a
		entries[i] = auditEntry(creatorID, level, a)
	}
	if e.audit == nil {
		return out, nil
	}
	if _, err := e.audit.RecordAll(ctx, entries); err != nil {
		for i := range out {
			out[i] = deny(out[i], "authorization could not be audited")
		}
		return out, err
	}
	return out, nil
}

func resolveConfirm(ctx context.Context, a Authorization, confirm ConfirmFunc) Authorization {
	if confirm == nil {
		return deny(a, a.Reason+"; no confirmation available")
	}
	ok, err := confirm(ctx, a)
	a.Confirmed = true
	switch {
	case err != nil:
		return deny(a, fmt.Sprintf("%s; confirmation failed: %v", a.Reason, err))
	case !ok:
		return deny(a, "destructive operation declined")
	}
	return allow(a, "destructive operation confirmed")
}

func auditEntry(creatorID string, level models.SecurityLevel, a Authorization) models.AuditEntry {
	entry := models.AuditEntry{
		CreatorID: creatorID,
		Action:    models.ActionCheck,
		GrantedBy: models.GrantedByPolicy,
		Context:   fmt.Sprintf("%s %s [%s]: %s", a.Operation.Type, redact(a.Operation), level, a.Reason),
	}
	switch a.Verdict {
	case models.VerdictAllow:
		entry.Resolution = models.ResolutionApproved
	case models.VerdictSandbox:
		entry.Resolution = models.ResolutionSandboxed
	default:
		entry.Resolution = models.ResolutionDenied
		if level == models.SecurityBlocked {
			entry.Resolution = models.ResolutionBlocked
		}
	}
	if a.Confirmed {
		entry.GrantedBy = models.GrantedByUser
	}
	return entry
}

// redact drops payloads and URL credentials so audit context never carries secrets.
func redact(op models.Operation) string {
	if op.Type != models.OpNetworkAccess {
		return op.Target
	}
	u, err := url.Parse(op.Target)
	if err != nil || u.Host == "" {
		return op.Target
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func (e *Engine) sandbox(a Authorization, reason string) Authorization {
	if !e.sandboxEnabled {
		return deny(a, reason+"; sandbox unavailable")
	}
	a.Verdict = models.VerdictSandbox
	a.Reason = reason
	return a
}

func allow(a Authorization, reason string) Authorization {
	a.Verdict = models.VerdictAllow
	a.Reason = reason
	return a
}

func deny(a Authorization, reason string) Authorization {
	a.Verdict = models.VerdictDeny
	a.Reason = reason
	return a
}

func sandboxable(t models.OperationType) bool {
	switch t {
	case models.OpShellExecute, models.OpCodeExecute, models.OpNetworkAccess,
		models.OpEnvAccess, models.OpFileDelete, models.OpFileWrite:
		return true
	}
	return false
}

// destructive returns why op is destructive, or "" if it is not. Recursive
// deletes outside the target and commands matching a denied pattern are
// destructive.
func (e *Engine) destructive(op models.Operation, targetDir string) string {
	switch op.Type {
	case models.OpFileDelete:
		if op.Recursive && !within(targetDir, op.Target) {
			return "recursive delete outside target directory"
		}
	case models.OpShellExecute, models.OpCodeExecute:
		for _, re := range e.deniedCommands {
			if re.MatchString(op.Target) {
				return fmt.Sprintf("command matches denied pattern %s", re)
			}
		}
	}
	return ""
}

func (e *Engine) readOnlyAllowed(targetDir, p string) bool {
	abs := filepath.ToSlash(resolve(targetDir, p))
	for _, pattern := range e.readOnly {
		if pattern == abs || strings.HasPrefix(abs, strings.TrimSuffix(pattern, "/")+"/") || matchPath(pattern, abs) {
			return true
		}
	}
	return false
}

func (e *Engine) hostAllowed(target string) bool {
	host := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	host = strings.ToLower(host)
	for _, pattern := range e.allowedHosts {
		if matchPath(pattern, host) {
			return true
		}
	}
	return false
}

// commandName returns the program a shell command line starts with, skipping
// leading VAR=value assignments.
func commandName(cmdline string) string {
	for _, f := range strings.Fields(cmdline) {
		if strings.Contains(f, "=") && !strings.HasPrefix(f, "=") {
			continue
		}
		return filepath.Base(f)
	}
	return ""
}

func resolve(root, p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	return filepath.Clean(p)
}

// Within reports whether p, resolved against root, stays inside root.
func Within(root, p string) bool { return within(root, p) }

func within(root, p string) bool {
	if root == "" {
		return false
	}
	root = filepath.Clean(root)
	rel, err := filepath.Rel(root, resolve(root, p))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// matchPath matches a slash-separated value against a glob pattern.
//   - "/usr/share/*"  matches one additional segment
//   - "/usr/**"       matches any number of segments
//   - "*.npmjs.org"   matches one host label prefix
//   - "*"             matches anything
func matchPath(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if strings.Contains(pattern, "**") {
		parts := strings.SplitN(pattern, "**", 2)
		prefix, suffix := parts[0], parts[1]
		if !strings.HasPrefix(value, prefix) {
			return false
		}
		rest := value[len(prefix):]
		if suffix == "" || suffix == "/" {
			return true
		}
		return strings.HasSuffix(rest, strings.TrimPrefix(suffix, "/"))
	}
	matched, err := path.Match(pattern, value)
	if err != nil {
		return false
	}
	return matched
}
