// Command opener is a terminal client for the reward service. It drives the
// client-side orchestrator against a running server: open containers, watch
// the reveal, then keep or liquidate each reward.
//
// Usage:
//
//	go run ./cmd/opener -actor player_01 -container starter_crate -count 3 -then liquidate
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbd888/lootcore/internal/animation"
	"github.com/mbd888/lootcore/internal/audit"
	"github.com/mbd888/lootcore/internal/config"
	"github.com/mbd888/lootcore/internal/logging"
	"github.com/mbd888/lootcore/internal/lootbox"
	"github.com/mbd888/lootcore/internal/privilege"
	"github.com/mbd888/lootcore/internal/protocol"
	"github.com/mbd888/lootcore/internal/remote"
)

func main() {
	var (
		backend   = flag.String("backend", envOr("BACKEND_URL", "http://localhost:8080"), "reward service base URL")
		actor     = flag.String("actor", "player_01", "actor id")
		container = flag.String("container", "starter_crate", "container id")
		mode      = flag.String("mode", string(protocol.PaymentOwned), "payment mode: owned, free, ad_viewed")
		count     = flag.Int("count", 1, "number of opens")
		then      = flag.String("then", "keep", "after each reveal: keep, liquidate or none")
		spin      = flag.Duration("spin", 800*time.Millisecond, "reveal scroll duration")
		timeout   = flag.Duration("timeout", remote.DefaultTimeout, "per-request timeout")
		list      = flag.Bool("list", false, "list containers and exit")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := remote.New(remote.Config{BaseURL: *backend, Timeout: *timeout})
	if *list {
		containers, err := client.Containers(ctx)
		if err != nil {
			logger.Error("list containers failed", "error", err)
			os.Exit(1)
		}
		printJSON(containers)
		return
	}

	orch := lootbox.New(client, lootbox.Config{
		OpenLimit:      lootbox.Limit{MaxAttempts: cfg.OpenRateLimit, Window: cfg.OpenRateWindow},
		KeepLimit:      lootbox.Limit{MaxAttempts: cfg.SettleRateLimit, Window: cfg.OpenRateWindow},
		LiquidateLimit: lootbox.Limit{MaxAttempts: cfg.SettleRateLimit, Window: cfg.OpenRateWindow},
		MaxRewardValue: cfg.MaxRewardValue,
	}).
		WithPolicy(privilege.ParseAdmins(cfg.AdminActors)).
		WithAudit(audit.NewSlogSink(logger, "lootcore-opener")).
		WithLogger(logger)
	defer orch.Close()

	if bal, err := orch.RefreshBalance(ctx, *actor); err == nil {
		fmt.Printf("%s has %d coins\n", *actor, bal)
	}

	done := make(chan animation.Reveal, 1)
	machine := animation.NewMachine(animation.DefaultGeometry(),
		animation.Timing{ScrollDuration: *spin, SettlePause: *spin / 4},
		animation.OnTransition(func(from, to animation.Phase) {
			logger.Debug("reveal", "from", from.String(), "to", to.String())
		}),
		animation.OnComplete(func(r animation.Reveal) { done <- r }),
	)
	defer machine.Teardown()

	req := lootbox.RewardRequest{ActorID: *actor, ContainerID: *container, PaymentMode: protocol.PaymentMode(*mode)}
	for i := 0; i < *count && ctx.Err() == nil; i++ {
		if err := machine.Begin(); err != nil {
			logger.Error("reveal busy", "error", err)
			break
		}

		out, err := orch.OpenContainer(ctx, req)
		if err != nil {
			machine.Fail(err)
			out = handleOpenError(ctx, orch, *actor, err)
			if out == nil {
				continue
			}
			if err := machine.Begin(); err != nil {
				continue
			}
		}

		if err := machine.Start(out.Reveal()); err != nil {
			fmt.Println("cannot reveal:", err)
			continue
		}
		fmt.Print("spinning... ")
		select {
		case r := <-done:
			fmt.Printf("%s (%s, worth %d)\n", r.Reward.Name(), r.Reward.Tier, r.Reward.Value())
		case <-ctx.Done():
			machine.Teardown()
			fmt.Println("interrupted")
		}

		settle(ctx, orch, *then, *actor, out)
	}

	bal, _ := orch.Balance(*actor)
	printJSON(map[string]any{
		"actor":      *actor,
		"balance":    bal,
		"security":   orch.GetSecurityMetrics(*actor),
		"rate_limit": orch.GetRateLimitStatus(*actor, lootbox.ActionOpen),
	})
}

// handleOpenError reports a failed open. An ambiguous network failure that
// turned out to be committed yields its outcome; one whose state is still
// unknown is looked up once more before giving up.
func handleOpenError(ctx context.Context, orch *lootbox.Orchestrator, actor string, err error) *lootbox.Outcome {
	var e *lootbox.Error
	if !errors.As(err, &e) {
		fmt.Println("open failed:", err)
		return nil
	}
	fmt.Println(e.UserMessage())
	if e.Kind != lootbox.KindNetworkFailure || e.RequestKey == "" {
		return nil
	}
	switch e.Committed {
	case lootbox.CommitNone:
		return nil
	case lootbox.CommitApplied:
		if e.Outcome != nil {
			return e.Outcome
		}
	}
	out, rerr := orch.RecoverOutcome(ctx, actor, e.RequestKey)
	if rerr != nil {
		fmt.Printf("could not confirm open %s yet: %v\n", e.RequestKey, rerr)
		return nil
	}
	return out
}

func settle(ctx context.Context, orch *lootbox.Orchestrator, then, actor string, out *lootbox.Outcome) {
	var (
		s   *lootbox.Settlement
		err error
	)
	switch then {
	case "keep":
		s, err = orch.KeepReward(ctx, actor, out.RewardID)
	case "liquidate":
		s, err = orch.LiquidateReward(ctx, actor, out.RewardID)
	default:
		return
	}
	if err != nil {
		var e *lootbox.Error
		if errors.As(err, &e) {
			fmt.Println(e.UserMessage())
		} else {
			fmt.Println(then, "failed:", err)
		}
		return
	}
	fmt.Printf("%s: +%d, balance %d\n", s.Action, s.Credited, s.NewBalance)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
