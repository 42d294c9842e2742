package rewards

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/lootcore/internal/pagination"
	"github.com/mbd888/lootcore/internal/protocol"
)

// PostgresStore persists accounts and rewards in PostgreSQL. Every
// balance-changing operation runs in a SERIALIZABLE transaction holding a
// row lock on the account.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `actor_id, balance, free_opens, ad_credits, updated_at`

const recordColumns = `id, actor_id, container_id, request_key, payment_mode, price,
		       reward, script, winner_position, balance_after, status, credited,
		       created_at, settled_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	a := &Account{}
	if err := row.Scan(&a.ActorID, &a.Balance, &a.FreeOpens, &a.AdCredits, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r          Record
		mode       string
		status     string
		rewardJSON []byte
		scriptJSON []byte
		settledAt  sql.NullTime
	)
	err := row.Scan(&r.ID, &r.ActorID, &r.ContainerID, &r.RequestKey, &mode, &r.Price,
		&rewardJSON, &scriptJSON, &r.WinnerPosition, &r.BalanceAfter, &status, &r.Credited,
		&r.CreatedAt, &settledAt)
	if err != nil {
		return nil, err
	}
	r.PaymentMode = protocol.PaymentMode(mode)
	r.Status = Status(status)
	if err := json.Unmarshal(rewardJSON, &r.Reward); err != nil {
		return nil, fmt.Errorf("decode reward %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(scriptJSON, &r.Script); err != nil {
		return nil, fmt.Errorf("decode script %s: %w", r.ID, err)
	}
	if settledAt.Valid {
		t := settledAt.Time
		r.SettledAt = &t
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) EnsureAccount(ctx context.Context, actorID string, startingBalance int64) (*Account, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (actor_id, balance, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (actor_id) DO NOTHING`, actorID, startingBalance)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}
	return p.Account(ctx, actorID)
}

func (p *PostgresStore) Account(ctx context.Context, actorID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE actor_id = $1`, actorID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) Credit(ctx context.Context, actorID string, amount int64) (*Account, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE actor_id = $1 FOR UPDATE`, actorID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if current+amount < 0 {
		return nil, &FundsError{Err: ErrInsufficientFunds, Required: -amount, Current: current}
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO accounts (actor_id, balance, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (actor_id) DO UPDATE SET
			balance    = accounts.balance + $2,
			updated_at = NOW()
		RETURNING `+accountColumns, actorID, amount)
	a, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("failed to credit account: %w", err)
	}
	return a, tx.Commit()
}

func (p *PostgresStore) GrantAllowance(ctx context.Context, actorID string, mode protocol.PaymentMode, n int64) (*Account, error) {
	var column string
	switch mode {
	case protocol.PaymentFree:
		column = "free_opens"
	case protocol.PaymentAdViewed:
		column = "ad_credits"
	default:
		return nil, ErrInvalidInput
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO accounts (actor_id, `+column+`, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (actor_id) DO UPDATE SET
			`+column+` = accounts.`+column+` + $2,
			updated_at = NOW()
		RETURNING `+accountColumns, actorID, n)
	return scanAccount(row)
}

func (p *PostgresStore) Open(ctx context.Context, rec *Record) (*Record, bool, error) {
	stored, replayed, err := p.open(ctx, rec)
	if err != nil && isUniqueViolation(err) {
		// A concurrent open with the same request key committed first.
		existing, lerr := p.RewardByRequestKey(ctx, rec.ActorID, rec.RequestKey)
		if lerr != nil {
			return nil, false, err
		}
		return existing, true, nil
	}
	return stored, replayed, err
}

func (p *PostgresStore) open(ctx context.Context, rec *Record) (*Record, bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM reward_outcomes WHERE actor_id = $1 AND request_key = $2`,
		rec.ActorID, rec.RequestKey))
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	current := Account{ActorID: rec.ActorID}
	err = tx.QueryRowContext(ctx,
		`SELECT balance, free_opens, ad_credits FROM accounts WHERE actor_id = $1 FOR UPDATE`,
		rec.ActorID).Scan(&current.Balance, &current.FreeOpens, &current.AdCredits)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	next, err := charge(current, rec.PaymentMode, rec.Price)
	if err != nil {
		return nil, false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (actor_id, balance, free_opens, ad_credits, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (actor_id) DO UPDATE SET
			balance    = $2,
			free_opens = $3,
			ad_credits = $4,
			updated_at = NOW()`,
		rec.ActorID, next.Balance, next.FreeOpens, next.AdCredits)
	if err != nil {
		return nil, false, fmt.Errorf("failed to charge account: %w", err)
	}

	rewardJSON, err := json.Marshal(rec.Reward)
	if err != nil {
		return nil, false, err
	}
	scriptJSON, err := json.Marshal(rec.Script)
	if err != nil {
		return nil, false, err
	}

	stored := copyRecord(rec)
	stored.Status = StatusPending
	stored.BalanceAfter = next.Balance
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reward_outcomes (
			id, actor_id, container_id, request_key, payment_mode, price,
			reward, script, winner_position, balance_after, status, credited, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12)`,
		stored.ID, stored.ActorID, stored.ContainerID, stored.RequestKey, string(stored.PaymentMode), stored.Price,
		rewardJSON, scriptJSON, stored.WinnerPosition, stored.BalanceAfter, string(stored.Status), stored.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record reward: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (p *PostgresStore) Settle(ctx context.Context, sp SettleParams) (*Record, *Account, bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM reward_outcomes WHERE id = $1 FOR UPDATE`, sp.RewardID))
	if errors.Is(err, sql.ErrNoRows) || (err == nil && r.ActorID != sp.ActorID) {
		return nil, nil, false, ErrRewardNotFound
	}
	if err != nil {
		return nil, nil, false, err
	}

	if r.Status != StatusPending {
		if !sameSettlement(r.Status, sp.Status) {
			return nil, nil, false, ErrAlreadyClaimed
		}
		a, err := scanAccount(tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE actor_id = $1`, sp.ActorID))
		if err != nil {
			return nil, nil, false, err
		}
		return r, a, true, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE reward_outcomes SET status = $1, credited = $2, settled_at = $3
		WHERE id = $4`, string(sp.Status), sp.Credit, sp.At, sp.RewardID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to settle reward: %w", err)
	}

	a, err := scanAccount(tx.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = NOW()
		WHERE actor_id = $2
		RETURNING `+accountColumns, sp.Credit, sp.ActorID))
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to credit account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, false, err
	}
	at := sp.At
	r.Status, r.Credited, r.SettledAt = sp.Status, sp.Credit, &at
	return r, a, false, nil
}

func (p *PostgresStore) Reward(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM reward_outcomes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRewardNotFound
	}
	return r, err
}

func (p *PostgresStore) RewardByRequestKey(ctx context.Context, actorID, requestKey string) (*Record, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM reward_outcomes WHERE actor_id = $1 AND request_key = $2`,
		actorID, requestKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRewardNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByActor(ctx context.Context, actorID string, after *pagination.Cursor, limit int) ([]*Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+recordColumns+`
			FROM reward_outcomes
			WHERE actor_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, actorID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+recordColumns+`
			FROM reward_outcomes
			WHERE actor_id = $1
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, actorID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM reward_outcomes
		WHERE status = 'pending'
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}
