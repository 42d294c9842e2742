package rewards

import (
	"context"

	"github.com/mbd888/lootcore/internal/protocol"
)

// Direct calls the service in-process with the same contract as the HTTP
// API: business rejections come back as *protocol.Failure, anything else
// as a plain error.
type Direct struct {
	service *Service
}

// NewDirect wraps service.
func NewDirect(service *Service) *Direct {
	return &Direct{service: service}
}

func asFailure(err error) error {
	if f := Failure(err); f != nil {
		return f
	}
	return err
}

func (d *Direct) OpenContainer(ctx context.Context, req protocol.OpenRequest) (*protocol.OpenResponse, error) {
	res, err := d.service.OpenContainer(ctx, req)
	if err != nil {
		return nil, asFailure(err)
	}
	return res.Response(), nil
}

func (d *Direct) KeepReward(ctx context.Context, req protocol.KeepRequest) (*protocol.KeepResponse, error) {
	res, err := d.service.KeepReward(ctx, req)
	if err != nil {
		return nil, asFailure(err)
	}
	return &protocol.KeepResponse{Success: true, NewBalance: res.Balance, Credited: res.Credited}, nil
}

func (d *Direct) LiquidateReward(ctx context.Context, req protocol.LiquidateRequest) (*protocol.LiquidateResponse, error) {
	res, err := d.service.LiquidateReward(ctx, req)
	if err != nil {
		return nil, asFailure(err)
	}
	return &protocol.LiquidateResponse{Success: true, NewBalance: res.Balance, Credited: res.Credited}, nil
}

func (d *Direct) LookupOutcome(ctx context.Context, actorID, requestKey string) (*protocol.OpenResponse, error) {
	rec, err := d.service.LookupOutcome(ctx, actorID, requestKey)
	if err != nil {
		return nil, asFailure(err)
	}
	return (&OpenResult{Record: rec, Replayed: true}).Response(), nil
}

func (d *Direct) FetchBalance(ctx context.Context, actorID string) (int64, error) {
	acct, err := d.service.Balance(ctx, actorID)
	if err != nil {
		return 0, asFailure(err)
	}
	return acct.Balance, nil
}
