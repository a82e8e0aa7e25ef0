// Package core wires the trust manager, decision workflow, security
// enforcer and sandbox into the single entry point used by the CLI and the
// query service.
package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/org/templatetrust/internal/decision"
	"github.com/org/templatetrust/internal/policy"
	"github.com/org/templatetrust/internal/sandbox"
	"github.com/org/templatetrust/internal/trust"
	"github.com/org/templatetrust/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds parallel trust lookups in CheckMany.
const DefaultConcurrency = 8

// Observer is notified of decisions, authorizations and sandbox outcomes.
// All methods must be safe for concurrent use.
type Observer interface {
	TrustChecked(level models.SecurityLevel)
	Decided(out decision.Outcome)
	Authorized(a policy.Authorization)
	SandboxFinished(res sandbox.Result)
}

// Options configures a Guard.
type Options struct {
	Limits      models.ResourceLimits
	Concurrency int
	// Confirm resolves confirm verdicts. Nil denies them.
	Confirm  policy.ConfirmFunc
	Observer Observer
}

// Guard is the facade over the trust subsystem.
type Guard struct {
	trust     *trust.Manager
	decisions *decision.Workflow
	policy    *policy.Engine
	sandbox   *sandbox.Executor
	opts      Options
}

// NewGuard creates a Guard.
func NewGuard(t *trust.Manager, wf *decision.Workflow, eng *policy.Engine, ex *sandbox.Executor, opts Options) *Guard {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	opts.Limits = opts.Limits.WithDefaults()
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Guard{trust: t, decisions: wf, policy: eng, sandbox: ex, opts: opts}
}

// Trust returns the underlying trust manager.
func (g *Guard) Trust() *trust.Manager { return g.trust }

// Policy returns the security enforcer.
func (g *Guard) Policy() *policy.Engine { return g.policy }

// CheckTrust reports the trust and security level of a creator. A store
// failure reports BLOCKED together with the error. Malformed ids are
// validation errors.
func (g *Guard) CheckTrust(ctx context.Context, creatorID string) (models.TrustStatus, error) {
	st, err := g.trust.Status(ctx, creatorID)
	if err != nil {
		if errors.Is(err, models.ErrInvalidCreatorID) {
			return models.TrustStatus{}, err
		}
		log.Error().Err(err).Str("creator", creatorID).Msg("trust check failed; reporting blocked")
		st = models.TrustStatus{CreatorID: creatorID, TrustLevel: models.TrustBlocked}
	}
	st.SecurityLevel = policy.DeriveSecurityLevel(st.TrustLevel)
	g.opts.Observer.TrustChecked(st.SecurityLevel)
	return st, err
}

// CheckMany checks several creators concurrently. Results keep the order of
// ids; failed lookups are reported BLOCKED and their errors joined.
func (g *Guard) CheckMany(ctx context.Context, ids []string) ([]models.TrustStatus, error) {
	out := make([]models.TrustStatus, len(ids))
	errs := make([]error, len(ids))

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.Concurrency)
	for i, id := range ids {
		eg.Go(func() error {
			out[i], errs[i] = g.CheckTrust(ectx, id)
			if out[i].CreatorID == "" {
				out[i] = models.TrustStatus{CreatorID: id, TrustLevel: models.TrustBlocked, SecurityLevel: models.SecurityBlocked}
			}
			// Individual failures are reported per creator, not by cancelling the rest.
			return nil
		})
	}
	_ = eg.Wait()
	return out, errors.Join(errs...)
}

// TemplateEvaluation is the decision and per-operation verdicts for one template.
type TemplateEvaluation struct {
	Template       models.Template        `json:"template"`
	CreatorID      string                 `json:"creator_id"`
	Decision       decision.Outcome       `json:"decision"`
	SecurityLevel  models.SecurityLevel   `json:"security_level"`
	Authorizations []policy.Authorization `json:"authorizations,omitempty"`
}

// Count returns how many operations got verdict v.
func (t TemplateEvaluation) Count(v models.Verdict) int {
	n := 0
	for _, a := range t.Authorizations {
		if a.Verdict == v {
			n++
		}
	}
	return n
}

// Evaluation is the result of evaluating a plan.
type Evaluation struct {
	TargetDir string               `json:"target_dir"`
	Templates []TemplateEvaluation `json:"templates"`
}

// Denied reports whether any template or operation was denied.
func (e Evaluation) Denied() bool {
	for _, t := range e.Templates {
		if !t.Decision.Allowed || t.Count(models.VerdictDeny) > 0 {
			return true
		}
	}
	return false
}

// Evaluate resolves trust for every template creator (prompting for unknown
// ones) and authorizes each operation. Templates whose creator was declined
// get no authorizations; blocked ones get a deny for every operation.
func (g *Guard) Evaluate(ctx context.Context, plan Plan) (Evaluation, error) {
	if err := plan.Validate(); err != nil {
		return Evaluation{}, err
	}
	reqs := make([]decision.Request, len(plan.Templates))
	for i, tpl := range plan.Templates {
		c, err := tpl.Creator()
		if err != nil {
			return Evaluation{}, fmt.Errorf("template %d: %w", i, err)
		}
		reqs[i] = decision.Request{Creator: c, Operations: tpl.Operations}
	}

	outcomes, derr := g.decisions.DecideMany(ctx, reqs)
	ev := Evaluation{TargetDir: plan.TargetDir}
	var errs []error
	if derr != nil {
		errs = append(errs, derr)
	}
	// One level per creator, so templates sharing a creator agree.
	levels := map[string]models.SecurityLevel{}
	decided := map[string]bool{}
	for i, tpl := range plan.Templates {
		out := outcomes[i]
		if !decided[out.CreatorID] {
			decided[out.CreatorID] = true
			g.opts.Observer.Decided(out)
		}
		te := TemplateEvaluation{
			Template:      tpl,
			CreatorID:     out.CreatorID,
			Decision:      out,
			SecurityLevel: models.SecurityBlocked,
		}
		switch {
		case out.Allowed:
			level, ok := levels[out.CreatorID]
			if !ok {
				var err error
				level, err = g.policy.ResolveLevel(ctx, g.trust, out.CreatorID)
				if err != nil {
					errs = append(errs, err)
				}
				levels[out.CreatorID] = level
			}
			te.SecurityLevel = level
			if err := g.authorize(ctx, &te, plan.TargetDir); err != nil {
				errs = append(errs, err)
			}
		case out.TrustLevel == models.TrustBlocked:
			// Blocked templates still get a recorded deny per operation.
			if err := g.authorize(ctx, &te, plan.TargetDir); err != nil {
				errs = append(errs, err)
			}
		}
		ev.Templates = append(ev.Templates, te)
	}
	return ev, errors.Join(errs...)
}

func (g *Guard) authorize(ctx context.Context, te *TemplateEvaluation, targetDir string) error {
	auths, err := g.policy.AuthorizeAll(ctx, te.CreatorID, te.SecurityLevel, targetDir, te.Template.ForceSandbox, te.Template.Operations, g.opts.Confirm)
	for _, a := range auths {
		g.opts.Observer.Authorized(a)
	}
	te.Authorizations = auths
	return err
}

// TemplateRun is the sandbox report for one template.
type TemplateRun struct {
	CreatorID string         `json:"creator_id"`
	Report    sandbox.Report `json:"report"`
}

// Execution is the result of running the sandboxed operations of a plan.
type Execution struct {
	Runs []TemplateRun `json:"runs"`
}

// Violations lists every non-completed sandbox outcome.
func (x Execution) Violations() []string {
	var out []string
	for _, r := range x.Runs {
		for _, v := range r.Report.Violations {
			out = append(out, r.CreatorID+": "+v)
		}
	}
	return out
}

// Failed reports whether any sandboxed operation failed.
func (x Execution) Failed() bool {
	for _, r := range x.Runs {
		if r.Report.Failed() {
			return true
		}
	}
	return false
}

// Execute runs the operations of ev that were given the sandbox verdict,
// one sandbox job per template, in plan order. Allowed operations are left
// to the renderer; denied ones are skipped. Files written by a failed job
// are not rolled back.
func (g *Guard) Execute(ctx context.Context, ev Evaluation) (Execution, error) {
	var x Execution
	for _, te := range ev.Templates {
		var ops []models.Operation
		for _, a := range te.Authorizations {
			if a.Verdict == models.VerdictSandbox {
				ops = append(ops, a.Operation)
			}
		}
		if len(ops) == 0 {
			continue
		}
		rep, err := g.sandbox.Run(ctx, sandbox.Job{CreatorID: te.CreatorID, Root: ev.TargetDir, Operations: ops}, g.opts.Limits)
		for _, res := range rep.Results {
			g.opts.Observer.SandboxFinished(res)
		}
		x.Runs = append(x.Runs, TemplateRun{CreatorID: te.CreatorID, Report: rep})
		if err != nil {
			return x, err
		}
	}
	return x, nil
}

type nopObserver struct{}

func (nopObserver) TrustChecked(models.SecurityLevel) {}
func (nopObserver) Decided(decision.Outcome)          {}
func (nopObserver) Authorized(policy.Authorization)   {}
func (nopObserver) SandboxFinished(sandbox.Result)    {}
