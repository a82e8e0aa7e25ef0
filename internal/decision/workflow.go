// Package decision turns an unknown trust state into a decision. The pure
// decision logic lives here; rendering prompts and reading answers is the job
// of a Source supplied by the caller.
package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/org/templatetrust/internal/audit"
	"github.com/org/templatetrust/internal/config"
	"github.com/org/templatetrust/internal/trust"
	"github.com/org/templatetrust/pkg/models"
	"github.com/rs/zerolog/log"
)

var (
	// ErrCancelled is returned by a Source when the user dismisses the prompt.
	ErrCancelled = errors.New("decision cancelled")

	// ErrDeclined marks an execution the decision denied.
	ErrDeclined = errors.New("execution declined")
)

// Choice is an answer to a trust prompt.
type Choice string

const (
	ApprovePermanent Choice = "approve"
	ApproveOnce      Choice = "once"
	Deny             Choice = "deny"
	Block            Choice = "block"
)

// ParseChoice accepts the long names and the single-letter shortcuts shown in prompts.
func ParseChoice(s string) (Choice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "approve", "always", "y", "yes":
		return ApprovePermanent, nil
	case "o", "once":
		return ApproveOnce, nil
	case "d", "deny", "n", "no":
		return Deny, nil
	case "b", "block":
		return Block, nil
	}
	return "", fmt.Errorf("%w: unknown choice %q", models.ErrValidation, s)
}

// Prompt is everything a Source needs to present one decision.
type Prompt struct {
	Creator     models.Creator
	Current     models.TrustLevel
	Risk        Risk
	RiskReasons []string
	Operations  []models.Operation
}

// Source obtains a decision. Implementations must honour ctx cancellation
// and return ErrCancelled when the user cancels.
type Source interface {
	Decide(ctx context.Context, p Prompt) (Choice, error)
}

// BulkAnswer is the reply to a bulk prompt. PerCreator entries win over All;
// creators covered by neither are asked individually.
type BulkAnswer struct {
	All        *Choice
	PerCreator map[string]Choice
}

// BulkSource can answer for several unknown creators at once.
type BulkSource interface {
	Source
	DecideBulk(ctx context.Context, prompts []Prompt) (BulkAnswer, error)
}

// PolicyFunc adapts a plain function into a Source.
type PolicyFunc func(Prompt) Choice

func (f PolicyFunc) Decide(_ context.Context, p Prompt) (Choice, error) {
	return f(p), nil
}

// Trust is the subset of the trust manager the workflow writes through.
type Trust interface {
	Status(ctx context.Context, creatorID string) (models.TrustStatus, error)
	Grant(ctx context.Context, creatorID string, opts trust.GrantOptions) (models.TrustEntry, error)
	BlockBy(ctx context.Context, creatorID, reason string, by models.GrantedBy) (models.TrustEntry, error)
	List(ctx context.Context, f trust.ListFilter) ([]models.TrustStatus, error)
}

// Recorder records decision outcomes that do not change a trust entry.
type Recorder interface {
	Record(ctx context.Context, entry models.AuditEntry) (models.AuditEntry, error)
}

// Request asks for a decision about one template's creator.
type Request struct {
	Creator    models.Creator
	Operations []models.Operation
}

// Outcome is the decision for one creator.
type Outcome struct {
	CreatorID  string            `json:"creator_id"`
	TrustLevel models.TrustLevel `json:"trust_level"`
	Allowed    bool              `json:"allowed"`
	Choice     Choice            `json:"choice,omitempty"`
	Resolution models.Resolution `json:"resolution"`
	Prompted   bool              `json:"prompted"`
	Risk       Risk              `json:"risk,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

// Err returns ErrDeclined (or trust.ErrCreatorBlocked) for denied outcomes.
func (o Outcome) Err() error {
	switch {
	case o.Allowed:
		return nil
	case o.TrustLevel == models.TrustBlocked:
		return fmt.Errorf("%w: %s: %s", trust.ErrCreatorBlocked, o.CreatorID, o.Reason)
	default:
		return fmt.Errorf("%w: %s: %s", ErrDeclined, o.CreatorID, o.Reason)
	}
}

// Workflow orchestrates trust decisions.
type Workflow struct {
	trust  Trust
	audit  Recorder
	source Source
	cfg    config.DecisionConfig

	// promptMu keeps at most one prompt open per process; nothing else
	// decides while a prompt waits for input.
	promptMu sync.Mutex
}

// New creates a Workflow. source may be nil, which forces non-interactive mode.
func New(t Trust, rec Recorder, source Source, cfg config.DecisionConfig) *Workflow {
	return &Workflow{trust: t, audit: rec, source: source, cfg: cfg}
}

// Interactive reports whether prompts will be shown.
func (w *Workflow) Interactive() bool {
	return w.cfg.Interactive && w.source != nil
}

// Decide resolves the trust of req.Creator, prompting if it is unknown.
// Blocked creators are denied without a prompt. The returned error is set
// only for infrastructure failures; the outcome is then always denied.
func (w *Workflow) Decide(ctx context.Context, req Request) (Outcome, error) {
	w.promptMu.Lock()
	defer w.promptMu.Unlock()

	st, out, done, err := w.resolveKnown(ctx, req)
	if done || err != nil {
		return out, err
	}
	prompt, err := w.buildPrompt(ctx, req, st)
	if err != nil {
		return denied(out, "trust store unavailable"), err
	}
	out.Risk = prompt.Risk
	return w.ask(ctx, prompt, out)
}

// DecideMany resolves several requests. Requests for the same creator are
// decided once, with their operations merged, and share the outcome. When
// more than one creator is unknown and the source supports it, a single bulk
// prompt is offered; every creator still gets its own decision and audit entry.
func (w *Workflow) DecideMany(ctx context.Context, reqs []Request) ([]Outcome, error) {
	w.promptMu.Lock()
	defer w.promptMu.Unlock()

	merged, members := groupByCreator(reqs)
	outcomes, err := w.decideGrouped(ctx, merged)
	result := make([]Outcome, len(reqs))
	for g, idxs := range members {
		for _, i := range idxs {
			result[i] = outcomes[g]
		}
	}
	return result, err
}

// groupByCreator merges requests by creator id in order of first appearance.
// members[g] lists the indexes in reqs that merged[g] stands for.
func groupByCreator(reqs []Request) (merged []Request, members [][]int) {
	index := map[string]int{}
	for i, req := range reqs {
		id := req.Creator.ID()
		g, ok := index[id]
		if !ok {
			g = len(merged)
			index[id] = g
			merged = append(merged, Request{Creator: req.Creator})
			members = append(members, nil)
		}
		merged[g].Operations = append(merged[g].Operations, req.Operations...)
		members[g] = append(members[g], i)
	}
	return merged, members
}

func (w *Workflow) decideGrouped(ctx context.Context, reqs []Request) ([]Outcome, error) {
	outcomes := make([]Outcome, len(reqs))
	var (
		pending []int
		prompts []Prompt
		errs    []error
	)
	for i, req := range reqs {
		st, out, done, err := w.resolveKnown(ctx, req)
		outcomes[i] = out
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if done {
			continue
		}
		p, err := w.buildPrompt(ctx, req, st)
		if err != nil {
			outcomes[i] = denied(out, "trust store unavailable")
			errs = append(errs, err)
			continue
		}
		outcomes[i].Risk = p.Risk
		pending = append(pending, i)
		prompts = append(prompts, p)
	}

	var answer BulkAnswer
	bulk, ok := w.source.(BulkSource)
	if w.Interactive() && ok && len(prompts) > 1 {
		pctx, cancel := w.promptContext(ctx)
		a, err := bulk.DecideBulk(pctx, prompts)
		cancel()
		if err != nil {
			// Fall through to individual prompts, which apply their own
			// timeout and cancel defaults.
			log.Debug().Err(err).Msg("bulk prompt not answered")
		} else {
			answer = a
		}
	}

	for n, i := range pending {
		p := prompts[n]
		id := p.Creator.ID()
		choice, hasChoice := answer.PerCreator[id]
		if !hasChoice && answer.All != nil {
			choice, hasChoice = *answer.All, true
		}
		var (
			out Outcome
			err error
		)
		if hasChoice {
			out, err = w.applyChoice(ctx, p, outcomes[i], choice)
		} else {
			out, err = w.ask(ctx, p, outcomes[i])
		}
		outcomes[i] = out
		if err != nil {
			errs = append(errs, err)
		}
	}
	return outcomes, errors.Join(errs...)
}

// resolveKnown handles every case that needs no decision. done is false
// only for unknown creators.
func (w *Workflow) resolveKnown(ctx context.Context, req Request) (models.TrustStatus, Outcome, bool, error) {
	id := req.Creator.ID()
	out := Outcome{CreatorID: id, TrustLevel: models.TrustUnknown}

	st, err := w.trust.Status(ctx, id)
	if err != nil {
		return st, denied(out, "trust store unavailable"), true, fmt.Errorf("checking trust for %s: %w", id, err)
	}
	out.TrustLevel = st.TrustLevel
	switch st.TrustLevel {
	case models.TrustBlocked:
		out.Resolution = models.ResolutionBlocked
		out.Reason = "creator is blocked"
		return st, out, true, nil
	case models.TrustTrusted, models.TrustUntrusted:
		// Untrusted creators proceed to enforcement, which sandboxes them.
		out.Allowed = true
		out.Resolution = models.ResolutionApproved
		out.Reason = "existing " + string(st.TrustLevel) + " decision"
		return st, out, true, nil
	}
	return st, out, false, nil
}

func (w *Workflow) buildPrompt(ctx context.Context, req Request, st models.TrustStatus) (Prompt, error) {
	var trusted []string
	if !hasHighRisk(req.Operations) {
		list, err := w.trust.List(ctx, trust.ListFilter{Level: models.TrustTrusted})
		if err != nil {
			return Prompt{}, err
		}
		for _, s := range list {
			trusted = append(trusted, s.CreatorID)
		}
	}
	risk, reasons := Classify(req.Creator, req.Operations, trusted)
	return Prompt{
		Creator:     req.Creator,
		Current:     st.TrustLevel,
		Risk:        risk,
		RiskReasons: reasons,
		Operations:  req.Operations,
	}, nil
}

func hasHighRisk(ops []models.Operation) bool {
	r, _ := Classify(models.LocalCreator{}, ops, nil)
	return r == RiskHigh
}

func (w *Workflow) promptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, w.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// ask prompts for one creator or applies the non-interactive default.
func (w *Workflow) ask(ctx context.Context, p Prompt, out Outcome) (Outcome, error) {
	if !w.Interactive() {
		return w.applyDefault(ctx, p, out, w.cfg.DefaultOnTimeout, models.ResolutionPolicyDefault, "non-interactive mode")
	}

	pctx, cancel := w.promptContext(ctx)
	start := time.Now()
	choice, err := w.source.Decide(pctx, p)
	expired := errors.Is(pctx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case err == nil:
		out.Prompted = true
		return w.applyChoice(ctx, p, out, choice)
	case expired && ctx.Err() == nil:
		out.Prompted = true
		return w.applyDefault(ctx, p, out, w.cfg.DefaultOnTimeout, models.ResolutionTimeout,
			fmt.Sprintf("prompt timed out after %s", time.Since(start).Round(time.Second)))
	case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
		out.Prompted = true
		return w.applyDefault(ctx, p, out, w.cfg.DefaultOnCancel, models.ResolutionTimeout, "prompt cancelled")
	default:
		return denied(out, "decision source failed"), fmt.Errorf("prompting for %s: %w", p.Creator.ID(), err)
	}
}

func (w *Workflow) applyChoice(ctx context.Context, p Prompt, out Outcome, choice Choice) (Outcome, error) {
	id := p.Creator.ID()
	out.Choice = choice
	var err error
	switch choice {
	case ApprovePermanent:
		_, err = w.trust.Grant(ctx, id, trust.GrantOptions{GrantedBy: models.GrantedByUser, Reason: "approved at prompt"})
		out = allowed(out, models.ResolutionApproved, "approved permanently")
	case ApproveOnce:
		_, err = w.trust.Grant(ctx, id, trust.GrantOptions{Temporary: true, GrantedBy: models.GrantedByUser, Reason: "approved once"})
		out = allowed(out, models.ResolutionApproved, "approved for this session")
	case Block:
		_, err = w.trust.BlockBy(ctx, id, "blocked at prompt", models.GrantedByUser)
		out.TrustLevel = models.TrustBlocked
		out.Allowed = false
		out.Resolution = models.ResolutionBlocked
		out.Reason = "blocked at prompt"
	case Deny:
		out.Allowed = false
		out.Resolution = models.ResolutionDenied
		out.Reason = "denied at prompt"
		err = w.record(ctx, id, models.ResolutionDenied, models.GrantedByUser, "execution denied at prompt")
	default:
		return denied(out, "unrecognised choice"), fmt.Errorf("%w: unknown choice %q", models.ErrValidation, choice)
	}
	if err != nil {
		return w.failClosed(out, err)
	}
	return out, nil
}

// applyDefault applies a configured default outcome and audits why it was used.
func (w *Workflow) applyDefault(ctx context.Context, p Prompt, out Outcome, def config.DefaultOutcome, res models.Resolution, why string) (Outcome, error) {
	id := p.Creator.ID()
	switch def {
	case config.DefaultTemporaryTrust:
		if _, err := w.trust.Grant(ctx, id, trust.GrantOptions{Temporary: true, GrantedBy: models.GrantedByPolicy, Reason: why}); err != nil {
			return w.failClosed(out, err)
		}
		out = allowed(out, res, why+": temporary trust")
	default:
		if w.cfg.PersistDefaultBlock {
			if _, err := w.trust.BlockBy(ctx, id, why, models.GrantedByPolicy); err != nil {
				return w.failClosed(out, err)
			}
			out.TrustLevel = models.TrustBlocked
		}
		out.Allowed = false
		out.Resolution = res
		out.Reason = why + ": denied"
	}
	if err := w.record(ctx, id, res, models.GrantedByPolicy, fmt.Sprintf("default %s applied (%s)", def, why)); err != nil {
		return w.failClosed(out, err)
	}
	log.Info().Str("creator", id).Str("default", string(def)).Str("resolution", string(res)).Msg(why)
	return out, nil
}

func (w *Workflow) record(ctx context.Context, id string, res models.Resolution, by models.GrantedBy, text string) error {
	if w.audit == nil {
		return nil
	}
	_, err := w.audit.Record(ctx, models.AuditEntry{
		CreatorID:  id,
		Action:     models.ActionCheck,
		Resolution: res,
		GrantedBy:  by,
		Context:    text,
	})
	return err
}

// failClosed turns a failed write into a denied execution.
func (w *Workflow) failClosed(out Outcome, err error) (Outcome, error) {
	log.Error().Err(err).Str("creator", out.CreatorID).Msg("could not persist trust decision; denying execution")
	return denied(out, "decision could not be persisted"), fmt.Errorf("persisting decision for %s: %w", out.CreatorID, err)
}

func denied(out Outcome, reason string) Outcome {
	out.Allowed = false
	out.Resolution = models.ResolutionDenied
	out.Reason = reason
	return out
}

func allowed(out Outcome, res models.Resolution, reason string) Outcome {
	out.Allowed = true
	out.TrustLevel = models.TrustTrusted
	out.Resolution = res
	out.Reason = reason
	return out
}

var _ Recorder = (*audit.Logger)(nil)
var _ Trust = (*trust.Manager)(nil)
