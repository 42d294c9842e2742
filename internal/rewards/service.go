package rewards

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/lootcore/internal/anomaly"
	"github.com/mbd888/lootcore/internal/audit"
	"github.com/mbd888/lootcore/internal/idgen"
	"github.com/mbd888/lootcore/internal/logging"
	"github.com/mbd888/lootcore/internal/metrics"
	"github.com/mbd888/lootcore/internal/pagination"
	"github.com/mbd888/lootcore/internal/protocol"
	"github.com/mbd888/lootcore/internal/ratelimit"
	"github.com/mbd888/lootcore/internal/realtime"
	"github.com/mbd888/lootcore/internal/traces"
	"github.com/mbd888/lootcore/internal/validation"
)

// Actions used for throttling, anomaly detection and settlement.
const (
	ActionOpen        = "open_container"
	ActionKeep        = "keep_reward"
	ActionLiquidate   = "liquidate_reward"
	ActionAutoKeep    = "auto_keep"
	ActionRewardDrawn = "reward_drawn"
)

// DropFeed receives committed drops for the public live feed.
type DropFeed interface {
	BroadcastDrop(d realtime.Drop)
	BroadcastSettled(d realtime.Drop)
}

// Limits configures the authoritative throttle.
type Limits struct {
	Open   int
	Settle int
	Window time.Duration
}

// DefaultLimits mirrors the client defaults with headroom.
func DefaultLimits() Limits {
	return Limits{Open: 10, Settle: 30, Window: time.Minute}
}

// OpenResult is a committed (or replayed) open.
type OpenResult struct {
	Record   *Record
	Replayed bool
}

// Response renders the wire response.
func (r *OpenResult) Response() *protocol.OpenResponse {
	reward := r.Record.Reward
	return &protocol.OpenResponse{
		Success:        true,
		RewardID:       r.Record.ID,
		Reward:         &reward,
		NewBalance:     r.Record.BalanceAfter,
		RouletteItems:  r.Record.Script,
		WinnerPosition: r.Record.WinnerPosition,
		Replayed:       r.Replayed,
	}
}

// SettleResult is a committed keep or liquidate.
type SettleResult struct {
	Record    *Record
	Balance   int64
	Credited  int64
	Duplicate bool
}

// Service implements the reward business logic.
type Service struct {
	store           Store
	catalog         *Catalog
	selector        *Selector
	throttle        ratelimit.Throttle
	limits          Limits
	detector        *anomaly.Detector
	audit           audit.Logger
	feed            DropFeed
	logger          *slog.Logger
	now             func() time.Time
	startingBalance int64
	maxValue        int64
}

// NewService creates a reward service over store and catalog.
func NewService(store Store, catalog *Catalog) *Service {
	return &Service{
		store:    store,
		catalog:  catalog,
		selector: NewSelector(DefaultScriptLength, DefaultWinnerPosition),
		limits:   DefaultLimits(),
		audit:    audit.Nop{},
		logger:   logging.Discard(),
		now:      time.Now,
		maxValue: protocol.DefaultMaxRewardValue,
	}
}

// WithSelector replaces the prize selector.
func (s *Service) WithSelector(sel *Selector) *Service {
	s.selector = sel
	return s
}

// WithThrottle enables the authoritative throttle.
func (s *Service) WithThrottle(t ratelimit.Throttle, limits Limits) *Service {
	s.throttle = t
	s.limits = limits
	return s
}

// WithDetector adds server-side anomaly detection.
func (s *Service) WithDetector(d *anomaly.Detector) *Service {
	s.detector = d
	return s
}

// WithAudit sets the audit sink.
func (s *Service) WithAudit(a audit.Logger) *Service {
	s.audit = a
	return s
}

// WithFeed publishes drops to the live feed.
func (s *Service) WithFeed(f DropFeed) *Service {
	s.feed = f
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithStartingBalance sets the balance granted to new accounts.
func (s *Service) WithStartingBalance(n int64) *Service {
	s.startingBalance = n
	return s
}

// WithMaxRewardValue sets the sanity bound for reward values.
func (s *Service) WithMaxRewardValue(n int64) *Service {
	if n > 0 {
		s.maxValue = n
	}
	return s
}

// Containers lists the public catalog.
func (s *Service) Containers() []ContainerView {
	return s.catalog.List()
}

func invalid(errs validation.ValidationErrors) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, errs.Error())
}

func (s *Service) allow(ctx context.Context, actorID, action string, limit int) error {
	if s.throttle == nil || limit <= 0 {
		return nil
	}
	ok, wait, err := s.throttle.Allow(ctx, actorID+":"+action, limit, s.limits.Window)
	if err != nil {
		// Throttle outages must not block the economy; the store still
		// enforces every balance invariant.
		logging.L(ctx).Warn("throttle unavailable", "action", action, "error", err)
		return nil
	}
	if !ok {
		metrics.RateLimitDenialsTotal.WithLabelValues(action).Inc()
		s.audit.Record(ctx, audit.New(audit.EventRateLimited, actorID, map[string]any{
			"action": action, "retry_after_ms": wait.Milliseconds(), "layer": "server",
		}))
		return &ThrottleError{RetryAfter: wait}
	}
	return nil
}

func (s *Service) inspect(ctx context.Context, actorID, action string, value int64) {
	if s.detector == nil {
		return
	}
	s.report(ctx, s.detector.Evaluate(actorID, action, value))
}

// inspectDraw checks the value of a drawn reward. The open itself was
// already counted, so no frequency event is recorded.
func (s *Service) inspectDraw(ctx context.Context, actorID string, value int64) {
	if s.detector == nil {
		return
	}
	s.report(ctx, s.detector.EvaluateValue(actorID, ActionRewardDrawn, value))
}

func (s *Service) report(ctx context.Context, sig *anomaly.Signal) {
	if !sig.Anomalous {
		return
	}
	for _, r := range sig.Reasons {
		metrics.AnomalyFlagsTotal.WithLabelValues(r).Inc()
	}
	s.audit.Record(ctx, audit.New(audit.EventAnomaly, sig.ActorID, map[string]any{
		"action": sig.Action, "reasons": sig.Reasons, "count": sig.Count, "value": sig.Value,
	}))
}

// OpenContainer charges the actor and draws a reward in one transaction.
// Repeating a request key returns the committed outcome without charging.
func (s *Service) OpenContainer(ctx context.Context, req protocol.OpenRequest) (_ *OpenResult, retErr error) {
	ctx, span := traces.StartSpan(ctx, "rewards.OpenContainer",
		traces.ActorID(req.ActorID),
		traces.ContainerID(req.ContainerID),
		attribute.String("payment_mode", string(req.PaymentMode)),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
			code := "error"
			if f := Failure(retErr); f != nil {
				code = f.Code
			}
			observeOpen(req.ContainerID, code)
			s.audit.Record(ctx, audit.New(audit.EventOpenFailed, req.ActorID, map[string]any{
				"container_id": req.ContainerID, "request_key": req.RequestKey, "code": code,
			}))
		}
		span.End()
	}()

	if errs := validation.Validate(
		validation.ValidIdentifier("actor_id", req.ActorID),
		validation.ValidIdentifier("container_id", req.ContainerID),
		validation.ValidIdentifier("request_key", req.RequestKey),
	); len(errs) > 0 {
		return nil, invalid(errs)
	}
	if !req.PaymentMode.Valid() {
		return nil, fmt.Errorf("%w: unknown payment mode %q", ErrInvalidInput, req.PaymentMode)
	}
	ctx = logging.WithActor(ctx, req.ActorID)

	// Retries of a committed open are answered before throttling.
	if rec, err := s.store.RewardByRequestKey(ctx, req.ActorID, req.RequestKey); err == nil {
		metrics.OpenReplaysTotal.Inc()
		return &OpenResult{Record: rec, Replayed: true}, nil
	}

	container, ok := s.catalog.Get(req.ContainerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContainer, req.ContainerID)
	}

	if err := s.allow(ctx, req.ActorID, ActionOpen, s.limits.Open); err != nil {
		return nil, err
	}
	s.inspect(ctx, req.ActorID, ActionOpen, 0)

	if _, err := s.store.EnsureAccount(ctx, req.ActorID, s.startingBalance); err != nil {
		return nil, err
	}

	reward, script, winner, err := s.selector.Draw(container)
	if err != nil {
		return nil, err
	}
	if err := reward.Validate(s.maxValue); err != nil {
		return nil, fmt.Errorf("drawn reward failed validation: %w", err)
	}

	price := container.Price
	if req.PaymentMode != protocol.PaymentOwned {
		price = 0
	}
	rec := &Record{
		ID:             idgen.RewardID(),
		ActorID:        req.ActorID,
		ContainerID:    container.ID,
		RequestKey:     req.RequestKey,
		PaymentMode:    req.PaymentMode,
		Price:          price,
		Reward:         reward,
		Script:         script,
		WinnerPosition: winner,
		CreatedAt:      s.now(),
	}

	stored, replayed, err := s.store.Open(ctx, rec)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.RewardID(stored.ID), attribute.Bool("replayed", replayed))

	if replayed {
		metrics.OpenReplaysTotal.Inc()
		return &OpenResult{Record: stored, Replayed: true}, nil
	}

	observeOpen(container.ID, "ok")
	metrics.RewardValue.Observe(float64(stored.Reward.Value()))
	s.inspectDraw(ctx, req.ActorID, stored.Reward.Value())

	s.audit.Record(ctx, audit.New(audit.EventOpenSucceeded, req.ActorID, map[string]any{
		"container_id": container.ID,
		"reward_id":    stored.ID,
		"reward_key":   stored.Reward.Key(),
		"payment_mode": string(req.PaymentMode),
		"price":        price,
		"new_balance":  stored.BalanceAfter,
	}))
	if s.feed != nil {
		s.feed.BroadcastDrop(s.drop(stored, container.Price, ""))
	}
	logging.L(ctx).Info("container opened",
		"container_id", container.ID, "reward_id", stored.ID, "reward", stored.Reward.Key())

	return &OpenResult{Record: stored}, nil
}

func (s *Service) drop(rec *Record, price int64, action string) realtime.Drop {
	return realtime.Drop{
		ContainerID: rec.ContainerID,
		ActorTag:    realtime.MaskActor(rec.ActorID),
		RewardKey:   rec.Reward.Key(),
		RewardName:  validation.Sanitize(rec.Reward.Name()),
		Tier:        rec.Reward.Tier,
		Value:       rec.Reward.Value(),
		Price:       price,
		Action:      action,
	}
}

// KeepReward keeps a pending reward. Currency rewards are credited.
func (s *Service) KeepReward(ctx context.Context, req protocol.KeepRequest) (*SettleResult, error) {
	return s.settle(ctx, ActionKeep, req.ActorID, req.RewardRef, nil)
}

// LiquidateReward converts a pending reward into coins. ExpectedValue must
// match the reward's liquidation value.
func (s *Service) LiquidateReward(ctx context.Context, req protocol.LiquidateRequest) (*SettleResult, error) {
	if !validation.IsValidAmount(req.ExpectedValue, s.maxValue) {
		return nil, fmt.Errorf("%w: expected_value out of range", ErrInvalidInput)
	}
	expected := req.ExpectedValue
	return s.settle(ctx, ActionLiquidate, req.ActorID, req.RewardRef, &expected)
}

// AutoKeep keeps a reward the actor never settled.
func (s *Service) AutoKeep(ctx context.Context, rec *Record) (*SettleResult, error) {
	return s.settle(ctx, ActionAutoKeep, rec.ActorID, rec.ID, nil)
}

func (s *Service) settle(ctx context.Context, action, actorID, rewardID string, expected *int64) (_ *SettleResult, retErr error) {
	ctx, span := traces.StartSpan(ctx, "rewards.Settle",
		traces.ActorID(actorID),
		traces.RewardID(rewardID),
		attribute.String("action", action),
	)
	var res *SettleResult
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
		if res != nil {
			observeSettle(action, nil, res.Duplicate, res.Credited)
		} else {
			observeSettle(action, retErr, false, 0)
		}
	}()

	if errs := validation.Validate(
		validation.ValidIdentifier("actor_id", actorID),
		validation.ValidIdentifier("reward_ref", rewardID),
	); len(errs) > 0 {
		return nil, invalid(errs)
	}

	rec, err := s.store.Reward(ctx, rewardID)
	if err != nil {
		return nil, err
	}
	if rec.ActorID != actorID {
		return nil, ErrRewardNotFound
	}
	if expected != nil && *expected != rec.Reward.Value() {
		return nil, fmt.Errorf("%w: expected %d, actual %d", ErrValueMismatch, *expected, rec.Reward.Value())
	}

	if action != ActionAutoKeep {
		if err := s.allow(ctx, actorID, action, s.limits.Settle); err != nil {
			return nil, err
		}
		s.inspect(ctx, actorID, action, rec.Reward.Value())
	}

	status, credit := StatusKept, int64(0)
	switch action {
	case ActionLiquidate:
		status, credit = StatusLiquidated, rec.Reward.Value()
	case ActionAutoKeep:
		status = StatusAutoKept
	}
	if status.Kept() && rec.Reward.Type == protocol.RewardCurrency {
		credit = rec.Reward.Amount
	}

	settled, acct, duplicate, err := s.store.Settle(ctx, SettleParams{
		RewardID: rewardID,
		ActorID:  actorID,
		Status:   status,
		Credit:   credit,
		At:       s.now(),
	})
	if err != nil {
		return nil, err
	}

	res = &SettleResult{Record: settled, Balance: acct.Balance, Credited: settled.Credited, Duplicate: duplicate}
	if duplicate {
		return res, nil
	}

	evt := audit.EventRewardKept
	switch action {
	case ActionLiquidate:
		evt = audit.EventRewardLiquidated
	case ActionAutoKeep:
		evt = audit.EventRewardAutoKept
	}
	s.audit.Record(ctx, audit.New(evt, actorID, map[string]any{
		"reward_id": rewardID, "reward_key": settled.Reward.Key(), "credited": settled.Credited, "new_balance": acct.Balance,
	}))
	if s.feed != nil && action == ActionLiquidate {
		s.feed.BroadcastSettled(s.drop(settled, 0, action))
	}
	return res, nil
}

// Balance returns the actor's account, creating it on first sight.
func (s *Service) Balance(ctx context.Context, actorID string) (*Account, error) {
	if !validation.IsValidIdentifier(actorID) {
		return nil, fmt.Errorf("%w: actor_id", ErrInvalidInput)
	}
	return s.store.EnsureAccount(ctx, actorID, s.startingBalance)
}

// LookupOutcome returns the committed outcome for a request key.
func (s *Service) LookupOutcome(ctx context.Context, actorID, requestKey string) (*Record, error) {
	if errs := validation.Validate(
		validation.ValidIdentifier("actor_id", actorID),
		validation.ValidIdentifier("request_key", requestKey),
	); len(errs) > 0 {
		return nil, invalid(errs)
	}
	return s.store.RewardByRequestKey(ctx, actorID, requestKey)
}

// ListRewards returns one page of the actor's rewards, newest first.
// cursor is the NextCursor of the previous page, or empty for the first.
func (s *Service) ListRewards(ctx context.Context, actorID, cursor string, limit int) (pagination.Page[*Record], error) {
	if !validation.IsValidIdentifier(actorID) {
		return pagination.Page[*Record]{}, fmt.Errorf("%w: actor_id", ErrInvalidInput)
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*Record]{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if limit <= 0 {
		limit = 50
	}
	recs, err := s.store.ListByActor(ctx, actorID, after, limit+1)
	if err != nil {
		return pagination.Page[*Record]{}, err
	}
	return pagination.Trim(recs, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	}), nil
}

// Credit adjusts an actor's balance (admin top-up or correction).
func (s *Service) Credit(ctx context.Context, actorID string, amount int64) (*Account, error) {
	if !validation.IsValidIdentifier(actorID) {
		return nil, fmt.Errorf("%w: actor_id", ErrInvalidInput)
	}
	if amount == 0 || amount > s.maxValue || amount < -s.maxValue {
		return nil, fmt.Errorf("%w: amount out of range", ErrInvalidInput)
	}
	if _, err := s.store.EnsureAccount(ctx, actorID, s.startingBalance); err != nil {
		return nil, err
	}
	acct, err := s.store.Credit(ctx, actorID, amount)
	if err != nil {
		return nil, err
	}
	if amount > 0 {
		metrics.CoinsCreditedTotal.WithLabelValues("admin").Add(float64(amount))
	}
	s.audit.Record(ctx, audit.New(audit.EventCredit, actorID, map[string]any{
		"amount": amount, "new_balance": acct.Balance,
	}))
	return acct, nil
}

// GrantAllowance adds free opens or ad credits.
func (s *Service) GrantAllowance(ctx context.Context, actorID string, mode protocol.PaymentMode, n int64) (*Account, error) {
	if !validation.IsValidIdentifier(actorID) {
		return nil, fmt.Errorf("%w: actor_id", ErrInvalidInput)
	}
	if mode != protocol.PaymentFree && mode != protocol.PaymentAdViewed {
		return nil, fmt.Errorf("%w: allowance mode must be free or ad_viewed", ErrInvalidInput)
	}
	if n <= 0 || n > 1000 {
		return nil, fmt.Errorf("%w: count out of range", ErrInvalidInput)
	}
	if _, err := s.store.EnsureAccount(ctx, actorID, s.startingBalance); err != nil {
		return nil, err
	}
	acct, err := s.store.GrantAllowance(ctx, actorID, mode, n)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.New(audit.EventCredit, actorID, map[string]any{
		"allowance": string(mode), "count": n,
	}))
	return acct, nil
}
