package lootbox

import (
	"context"

	"github.com/mbd888/lootcore/internal/protocol"
)

// Backend is the authoritative reward service. Business failures are
// returned as *protocol.Failure; every other error is treated as a
// transport failure whose outcome is unknown. Implementations must issue
// exactly one request per call and never retry.
type Backend interface {
	OpenContainer(ctx context.Context, req protocol.OpenRequest) (*protocol.OpenResponse, error)
	KeepReward(ctx context.Context, req protocol.KeepRequest) (*protocol.KeepResponse, error)
	LiquidateReward(ctx context.Context, req protocol.LiquidateRequest) (*protocol.LiquidateResponse, error)
	LookupOutcome(ctx context.Context, actorID, requestKey string) (*protocol.OpenResponse, error)
	FetchBalance(ctx context.Context, actorID string) (int64, error)
}
