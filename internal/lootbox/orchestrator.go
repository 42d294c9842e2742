package lootbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/lootcore/internal/anomaly"
	"github.com/mbd888/lootcore/internal/audit"
	"github.com/mbd888/lootcore/internal/balance"
	"github.com/mbd888/lootcore/internal/idgen"
	"github.com/mbd888/lootcore/internal/logging"
	"github.com/mbd888/lootcore/internal/privilege"
	"github.com/mbd888/lootcore/internal/protocol"
	"github.com/mbd888/lootcore/internal/ratelimit"
	"github.com/mbd888/lootcore/internal/security"
	"github.com/mbd888/lootcore/internal/syncutil"
	"github.com/mbd888/lootcore/internal/validation"
)

type actorState struct {
	state    State
	inFlight bool
	last     *Outcome
	outcomes map[string]*Outcome // by reward ID
}

// Orchestrator owns all per-session fair-play state. Create one per client
// session or process; instances share nothing.
type Orchestrator struct {
	backend  Backend
	cfg      Config
	limiter  *ratelimit.Limiter
	detector *anomaly.Detector
	tracker  *security.Tracker
	policy   privilege.Policy
	balances *balance.Reconciler
	audit    audit.Logger
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	actors   map[string]*actorState
	settled  map[string]*Settlement // by settleKey
	settleMu syncutil.ShardedMutex
}

// New creates an orchestrator talking to backend.
func New(backend Backend, cfg Config) *Orchestrator {
	if cfg.MaxRewardValue <= 0 {
		cfg.MaxRewardValue = protocol.DefaultMaxRewardValue
	}
	if cfg.ResyncTimeout <= 0 {
		cfg.ResyncTimeout = 5 * time.Second
	}
	return &Orchestrator{
		backend:  backend,
		cfg:      cfg,
		limiter:  ratelimit.New(ratelimit.DefaultConfig()),
		detector: anomaly.NewDetector(),
		tracker:  security.NewTracker(),
		policy:   privilege.NewStaticPolicy(),
		balances: balance.NewReconciler(backend),
		audit:    audit.Nop{},
		logger:   logging.Discard(),
		now:      time.Now,
		actors:   make(map[string]*actorState),
		settled:  make(map[string]*Settlement),
	}
}

// WithLimiter replaces the rate limiter. The previous one is stopped.
func (o *Orchestrator) WithLimiter(l *ratelimit.Limiter) *Orchestrator {
	o.limiter.Stop()
	o.limiter = l
	return o
}

// WithDetector replaces the anomaly detector.
func (o *Orchestrator) WithDetector(d *anomaly.Detector) *Orchestrator {
	o.detector = d
	return o
}

// WithPolicy sets the privilege policy.
func (o *Orchestrator) WithPolicy(p privilege.Policy) *Orchestrator {
	o.policy = p
	return o
}

// WithAudit sets the audit collaborator.
func (o *Orchestrator) WithAudit(a audit.Logger) *Orchestrator {
	o.audit = a
	return o
}

// WithLogger sets the logger.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.logger = l
	o.balances.WithLogger(l)
	return o
}

// WithClock replaces the time source for outcome timestamps and
// violation records.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Close releases background resources.
func (o *Orchestrator) Close() {
	o.limiter.Stop()
}

// actor returns the state entry for id. Caller holds o.mu.
func (o *Orchestrator) actor(id string) *actorState {
	a, ok := o.actors[id]
	if !ok {
		a = &actorState{state: StateIdle, outcomes: make(map[string]*Outcome)}
		o.actors[id] = a
	}
	return a
}

func (o *Orchestrator) setState(actorID string, s State) {
	o.mu.Lock()
	o.actor(actorID).state = s
	o.mu.Unlock()
}

// OpenContainer resolves one container open. On success the outcome is also
// kept as the actor's last outcome for the animation driver.
func (o *Orchestrator) OpenContainer(ctx context.Context, req RewardRequest) (*Outcome, error) {
	// Single-flight: claim the actor before anything else.
	o.mu.Lock()
	st := o.actor(req.ActorID)
	if st.inFlight {
		o.mu.Unlock()
		return nil, &Error{Kind: KindBusy, Op: ActionOpen, Message: "an open is already in progress"}
	}
	st.inFlight = true
	st.state = StateValidating
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.actor(req.ActorID).inFlight = false
		o.mu.Unlock()
	}()

	if errs := validation.Validate(
		validation.ValidIdentifier("actor_id", req.ActorID),
		validation.ValidIdentifier("container_id", req.ContainerID),
		validPaymentMode(req.PaymentMode),
	); len(errs) > 0 {
		o.setState(req.ActorID, StateFailed)
		return nil, &Error{Kind: KindInvalidInput, Op: ActionOpen, Message: errs.Error(), Err: errs}
	}

	ctx = logging.WithActor(ctx, req.ActorID)
	tier := o.policy.TierOf(ctx, req.ActorID)
	if err := o.guard(ctx, tier, req.ActorID, ActionOpen, o.cfg.OpenLimit, 0); err != nil {
		o.setState(req.ActorID, StateRateLimited)
		return nil, err
	}

	o.setState(req.ActorID, StateRequesting)
	requestKey := idgen.RequestKey()
	resp, err := o.backend.OpenContainer(ctx, protocol.OpenRequest{
		ActorID:     req.ActorID,
		ContainerID: req.ContainerID,
		PaymentMode: req.PaymentMode,
		RequestKey:  requestKey,
	})
	if err == nil && !resp.Success {
		err = protocol.FailureFromOpen(resp)
	}
	if err != nil {
		e := fromBackend(ActionOpen, err)
		e.RequestKey = requestKey
		if e.Kind == KindNetworkFailure {
			o.confirmOpen(ctx, tier, req, e)
			o.resyncAfterAmbiguity(ctx, req.ActorID, e)
		}
		if e.Kind == KindRateLimited {
			o.recordViolation(tier, req.ActorID)
		}
		if e.Outcome == nil {
			o.setState(req.ActorID, StateFailed)
		}
		o.audit.Record(ctx, audit.New(audit.EventOpenFailed, req.ActorID, map[string]any{
			"container_id": req.ContainerID, "kind": e.Kind.String(), "code": e.Code, "request_key": requestKey,
			"committed": e.Committed.String(),
		}))
		logging.L(ctx).Info("open failed", "container_id", req.ContainerID, "kind", e.Kind.String(), "code", e.Code,
			"committed", e.Committed.String())
		return nil, e
	}

	out, verr := o.outcomeFrom(req.ContainerID, requestKey, resp)
	if verr != nil {
		// The server committed something we cannot render; trust only its balance.
		o.resyncAfterAmbiguity(ctx, req.ActorID, verr)
		o.setState(req.ActorID, StateFailed)
		logging.L(ctx).Error("backend returned an inconsistent outcome", "request_key", requestKey, "error", verr)
		return nil, verr
	}

	if err := o.balances.Reconcile(req.ActorID, out.NewBalance); err != nil {
		logging.L(ctx).Warn("reconcile after open failed", "error", err)
	}

	o.remember(req.ActorID, out)
	o.inspectDraw(ctx, tier, req.ActorID, out)

	o.audit.Record(ctx, audit.New(audit.EventOpenSucceeded, req.ActorID, map[string]any{
		"container_id": req.ContainerID,
		"reward_id":    out.RewardID,
		"reward_key":   out.Reward.Key(),
		"payment_mode": string(req.PaymentMode),
		"new_balance":  out.NewBalance,
	}))
	return out, nil
}

// guard applies the rate limiter and anomaly detector for non-exempt tiers.
func (o *Orchestrator) guard(ctx context.Context, tier privilege.Tier, actorID, action string, limit Limit, value int64) error {
	if tier.Exempt() {
		return nil
	}

	d := o.limiter.CheckAndConsume(actorID, action, limit.MaxAttempts, limit.Window)
	if !d.Allowed {
		now := o.now()
		o.tracker.RecordViolation(actorID, now)
		o.audit.Record(ctx, audit.New(audit.EventRateLimited, actorID, map[string]any{
			"action": action, "reason": d.Reason, "reset_at": d.ResetAt,
		}))
		return &Error{
			Kind:       KindRateLimited,
			Op:         action,
			Code:       d.Reason,
			RetryAfter: d.ResetAt.Sub(now),
			ResetAt:    d.ResetAt,
		}
	}

	o.report(ctx, o.detector.Evaluate(actorID, action, value))
	return nil
}

// inspectDraw checks the value of a resolved reward. The open was already
// counted by guard, so no frequency event is recorded.
func (o *Orchestrator) inspectDraw(ctx context.Context, tier privilege.Tier, actorID string, out *Outcome) {
	if tier.Exempt() {
		return
	}
	o.report(ctx, o.detector.EvaluateValue(actorID, ActionRewardDrawn, out.Reward.Value()))
}

func (o *Orchestrator) report(ctx context.Context, sig *anomaly.Signal) {
	if !sig.Anomalous {
		return
	}
	o.tracker.RecordSuspicious(sig.ActorID)
	o.audit.Record(ctx, audit.New(audit.EventAnomaly, sig.ActorID, map[string]any{
		"action": sig.Action, "reasons": sig.Reasons, "count": sig.Count, "value": sig.Value,
	}))
}

// remember stores a resolved outcome as the actor's last one and makes it
// available to keep and liquidate.
func (o *Orchestrator) remember(actorID string, out *Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.actor(actorID)
	st.last = out
	st.outcomes[out.RewardID] = out
	st.state = StateResolved
}

// confirmOpen asks the backend whether an open that failed in transit was
// committed. It looks the request key up and never opens again. A
// committed, renderable outcome is adopted as if the open had resolved.
func (o *Orchestrator) confirmOpen(ctx context.Context, tier privilege.Tier, req RewardRequest, e *Error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ResyncTimeout)
	defer cancel()

	resp, err := o.backend.LookupOutcome(rctx, req.ActorID, e.RequestKey)
	if err == nil && !resp.Success {
		err = protocol.FailureFromOpen(resp)
	}
	if err != nil {
		var f *protocol.Failure
		if errors.As(err, &f) && f.Code == protocol.CodeNotFound {
			e.Committed = CommitNone
		}
		return
	}

	e.Committed = CommitApplied
	out, verr := o.outcomeFrom(req.ContainerID, e.RequestKey, resp)
	if verr != nil {
		logging.L(ctx).Error("committed outcome is inconsistent", "request_key", e.RequestKey, "error", verr)
		return
	}
	out.Replayed = true
	e.Outcome = out
	o.remember(req.ActorID, out)
	o.inspectDraw(ctx, tier, req.ActorID, out)
	o.audit.Record(ctx, audit.New(audit.EventOutcomeRecovered, req.ActorID, map[string]any{
		"request_key": e.RequestKey, "reward_id": out.RewardID,
	}))
}

func (o *Orchestrator) recordViolation(tier privilege.Tier, actorID string) {
	if !tier.Exempt() {
		o.tracker.RecordViolation(actorID, o.now())
	}
}

// resyncAfterAmbiguity re-reads the authoritative balance after a call whose
// outcome is unknown. It runs even if ctx was cancelled.
func (o *Orchestrator) resyncAfterAmbiguity(ctx context.Context, actorID string, e *Error) {
	before, known := o.balances.Balance(actorID)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ResyncTimeout)
	defer cancel()
	after, err := o.balances.Resync(rctx, actorID)
	if err != nil {
		return
	}
	e.BalanceChanged = known && after != before
}

func (o *Orchestrator) outcomeFrom(containerID, requestKey string, resp *protocol.OpenResponse) (*Outcome, *Error) {
	reject := func(msg string) *Error {
		return &Error{Kind: KindServerRejected, Op: ActionOpen, Code: "invalid_response", Message: msg, RequestKey: requestKey}
	}
	if resp.Reward == nil {
		return nil, reject("missing reward")
	}
	if err := resp.Reward.Validate(o.cfg.MaxRewardValue); err != nil {
		return nil, reject(err.Error())
	}
	if resp.NewBalance < 0 {
		return nil, reject("negative balance")
	}
	if !protocol.ScriptConsistent(resp.RouletteItems, resp.WinnerPosition, *resp.Reward) {
		return nil, reject("winner position does not match reward")
	}
	return &Outcome{
		RewardID:    resp.RewardID,
		RequestKey:  requestKey,
		ContainerID: containerID,
		Reward:      *resp.Reward,
		NewBalance:  resp.NewBalance,
		Script:      append([]protocol.DisplayItem(nil), resp.RouletteItems...),
		WinnerIndex: resp.WinnerPosition,
		Replayed:    resp.Replayed,
		ResolvedAt:  o.now(),
	}, nil
}

func validPaymentMode(m protocol.PaymentMode) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		if !m.Valid() {
			return &validation.ValidationError{Field: "payment_mode", Message: "must be one of owned, free, ad_viewed"}
		}
		return nil
	}
}

// RecoverOutcome fetches the committed result of an open that previously
// ended in a network failure. It never opens anything.
func (o *Orchestrator) RecoverOutcome(ctx context.Context, actorID, requestKey string) (*Outcome, error) {
	if errs := validation.Validate(
		validation.ValidIdentifier("actor_id", actorID),
		validation.ValidIdentifier("request_key", requestKey),
	); len(errs) > 0 {
		return nil, &Error{Kind: KindInvalidInput, Op: "recover_outcome", Message: errs.Error(), Err: errs}
	}
	ctx = logging.WithActor(ctx, actorID)

	resp, err := o.backend.LookupOutcome(ctx, actorID, requestKey)
	if err == nil && !resp.Success {
		err = protocol.FailureFromOpen(resp)
	}
	if err != nil {
		return nil, fromBackend("recover_outcome", err)
	}

	o.mu.Lock()
	container := ""
	if st := o.actor(actorID); st.last != nil && st.last.RequestKey == requestKey {
		container = st.last.ContainerID
	}
	o.mu.Unlock()

	out, verr := o.outcomeFrom(container, requestKey, resp)
	if verr != nil {
		return nil, verr
	}
	out.Replayed = true

	// The stored balance is historical; read the current one.
	rctx, cancel := context.WithTimeout(ctx, o.cfg.ResyncTimeout)
	defer cancel()
	_, _ = o.balances.Resync(rctx, actorID)

	o.mu.Lock()
	st := o.actor(actorID)
	st.last = out
	st.outcomes[out.RewardID] = out
	if !st.inFlight {
		st.state = StateResolved
	}
	o.mu.Unlock()

	o.audit.Record(ctx, audit.New(audit.EventOutcomeRecovered, actorID, map[string]any{
		"request_key": requestKey, "reward_id": out.RewardID,
	}))
	return out, nil
}

// State returns the actor's current orchestration state.
func (o *Orchestrator) State(actorID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.actors[actorID]; ok {
		return st.state
	}
	return StateIdle
}

// LastOutcome returns the most recent resolved outcome for the actor.
func (o *Orchestrator) LastOutcome(actorID string) (*Outcome, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.actors[actorID]; ok && st.last != nil {
		return st.last, true
	}
	return nil, false
}

// Balance returns the cached (advisory) balance.
func (o *Orchestrator) Balance(actorID string) (int64, bool) {
	return o.balances.Balance(actorID)
}

// RefreshBalance re-reads the authoritative balance.
func (o *Orchestrator) RefreshBalance(ctx context.Context, actorID string) (int64, error) {
	if !validation.IsValidIdentifier(actorID) {
		return 0, &Error{Kind: KindInvalidInput, Op: "refresh_balance", Message: "actor_id must be a valid identifier"}
	}
	b, err := o.balances.Resync(ctx, actorID)
	if err != nil {
		return 0, &Error{Kind: KindNetworkFailure, Op: "refresh_balance", Err: err}
	}
	return b, nil
}

// GetSecurityMetrics returns the actor's session security metrics.
func (o *Orchestrator) GetSecurityMetrics(actorID string) security.Metrics {
	return o.tracker.Metrics(actorID)
}

// RateLimitStatus is the read-only view of one limiter key.
type RateLimitStatus struct {
	ratelimit.State
	EffectiveMax int  `json:"effective_max"`
	Blocked      bool `json:"blocked"`
}

// GetRateLimitStatus reports the limiter state for actor and action without
// consuming an attempt.
func (o *Orchestrator) GetRateLimitStatus(actorID, action string) RateLimitStatus {
	s, _ := o.limiter.Status(actorID, action)
	return RateLimitStatus{
		State:        s,
		EffectiveMax: s.EffectiveMax(o.limitFor(action).MaxAttempts),
		Blocked:      s.Blocked(o.now()),
	}
}

func (o *Orchestrator) limitFor(action string) Limit {
	switch action {
	case ActionKeep:
		return o.cfg.KeepLimit
	case ActionLiquidate:
		return o.cfg.LiquidateLimit
	default:
		return o.cfg.OpenLimit
	}
}

// SignOut clears every piece of session state held for the actor.
func (o *Orchestrator) SignOut(actorID string) {
	o.limiter.Reset(actorID)
	o.detector.Reset(actorID)
	o.tracker.Reset(actorID)
	o.balances.Invalidate(actorID)

	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.actors[actorID]
	if !ok {
		return
	}
	for id := range st.outcomes {
		delete(o.settled, settleKey(actorID, id))
	}
	if st.inFlight {
		// The running open will still reconcile; keep its slot.
		st.last, st.outcomes = nil, make(map[string]*Outcome)
		return
	}
	delete(o.actors, actorID)
}

// CanAfford is an advisory hint from the cached balance.
func (o *Orchestrator) CanAfford(actorID string, price int64) bool {
	return o.balances.CanAfford(actorID, price)
}
