package lootbox

import (
	"context"

	"github.com/mbd888/lootcore/internal/audit"
	"github.com/mbd888/lootcore/internal/logging"
	"github.com/mbd888/lootcore/internal/protocol"
	"github.com/mbd888/lootcore/internal/validation"
)

// KeepReward adds the reward to the actor's collection. Currency rewards
// are credited to the balance. Repeating a completed keep returns the first
// settlement without another backend call.
func (o *Orchestrator) KeepReward(ctx context.Context, actorID, rewardID string) (*Settlement, error) {
	return o.settle(ctx, ActionKeep, actorID, rewardID, func(ctx context.Context, _ *Outcome) (int64, int64, error) {
		resp, err := o.backend.KeepReward(ctx, protocol.KeepRequest{ActorID: actorID, RewardRef: rewardID})
		if err != nil {
			return 0, 0, err
		}
		if !resp.Success {
			return 0, 0, failure(resp.Error, resp.Message, resp.RetryAfterMs)
		}
		return resp.NewBalance, resp.Credited, nil
	})
}

// LiquidateReward converts the reward into its liquidation value. The
// expected value comes from the resolved outcome, so the reward must have
// been opened or recovered through this orchestrator.
func (o *Orchestrator) LiquidateReward(ctx context.Context, actorID, rewardID string) (*Settlement, error) {
	return o.settle(ctx, ActionLiquidate, actorID, rewardID, func(ctx context.Context, out *Outcome) (int64, int64, error) {
		resp, err := o.backend.LiquidateReward(ctx, protocol.LiquidateRequest{
			ActorID:       actorID,
			RewardRef:     rewardID,
			ExpectedValue: out.Reward.Value(),
		})
		if err != nil {
			return 0, 0, err
		}
		if !resp.Success {
			return 0, 0, failure(resp.Error, resp.Message, resp.RetryAfterMs)
		}
		return resp.NewBalance, resp.Credited, nil
	})
}

func failure(code, msg string, retryMs int64) *protocol.Failure {
	f := protocol.FailureFromOpen(&protocol.OpenResponse{Error: code, Message: msg, RetryAfterMs: retryMs})
	if f.Code == "" {
		f.Code = protocol.CodeInternal
	}
	return f
}

// settleKey scopes a cached settlement to the actor that made it.
func settleKey(actorID, rewardID string) string {
	return actorID + "/" + rewardID
}

type settleFunc func(ctx context.Context, out *Outcome) (newBalance, credited int64, err error)

func (o *Orchestrator) settle(ctx context.Context, action, actorID, rewardID string, call settleFunc) (*Settlement, error) {
	if errs := validation.Validate(
		validation.ValidIdentifier("actor_id", actorID),
		validation.ValidIdentifier("reward_id", rewardID),
	); len(errs) > 0 {
		return nil, &Error{Kind: KindInvalidInput, Op: action, Message: errs.Error(), Err: errs}
	}

	unlock := o.settleMu.Lock(rewardID)
	defer unlock()

	key := settleKey(actorID, rewardID)
	o.mu.Lock()
	prev, done := o.settled[key]
	var out *Outcome
	if st, ok := o.actors[actorID]; ok {
		out = st.outcomes[rewardID]
	}
	o.mu.Unlock()

	if done {
		if prev.Action != action {
			return nil, &Error{
				Kind:    KindServerRejected,
				Op:      action,
				Code:    protocol.CodeAlreadyClaimed,
				Message: "reward was already settled by " + prev.Action,
			}
		}
		dup := *prev
		dup.Duplicate = true
		return &dup, nil
	}
	if out == nil {
		return nil, &Error{Kind: KindInvalidInput, Op: action, Code: protocol.CodeNotFound, Message: "no resolved outcome for reward " + rewardID}
	}

	ctx = logging.WithActor(ctx, actorID)
	tier := o.policy.TierOf(ctx, actorID)
	var value int64
	if action == ActionLiquidate {
		value = out.Reward.Value()
	}
	if err := o.guard(ctx, tier, actorID, action, o.limitFor(action), value); err != nil {
		return nil, err
	}

	newBalance, credited, err := call(ctx, out)
	if err != nil {
		e := fromBackend(action, err)
		if e.Kind == KindNetworkFailure {
			o.resyncAfterAmbiguity(ctx, actorID, e)
		}
		if e.Kind == KindRateLimited {
			o.recordViolation(tier, actorID)
		}
		logging.L(ctx).Info("settle failed", "action", action, "reward_id", rewardID, "kind", e.Kind.String(), "code", e.Code)
		return nil, e
	}

	if err := o.balances.Reconcile(actorID, newBalance); err != nil {
		logging.L(ctx).Warn("reconcile after settle failed", "error", err)
	}

	s := &Settlement{RewardID: rewardID, Action: action, NewBalance: newBalance, Credited: credited}
	o.mu.Lock()
	o.settled[key] = s
	o.mu.Unlock()

	evt := audit.EventRewardKept
	if action == ActionLiquidate {
		evt = audit.EventRewardLiquidated
	}
	o.audit.Record(ctx, audit.New(evt, actorID, map[string]any{
		"reward_id": rewardID, "reward_key": out.Reward.Key(), "credited": credited, "new_balance": newBalance,
	}))

	cp := *s
	return &cp, nil
}
