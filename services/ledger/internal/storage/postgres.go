package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AfshinJalili/paycore/services/ledger/internal/bucket"
)

//go:embed schema.sql
var Schema string

const defaultLockTimeout = 2 * time.Second

// LedgerTx is the set of statements a single engine attempt may run. Every
// method participates in the same database transaction.
type LedgerTx interface {
	FindScheduledLedger(ctx context.Context, accountID uuid.UUID, start, end time.Time) (*ScheduledLedger, error)
	LatestScheduledLedger(ctx context.Context, ledgerID uuid.UUID) (*ScheduledLedger, error)
	InsertScheduledLedger(ctx context.Context, sl *ScheduledLedger) error
	CloseScheduledLedgers(ctx context.Context, ledgerID uuid.UUID, at time.Time) (int64, error)

	FindOpenLedger(ctx context.Context, accountID uuid.UUID) (*Ledger, error)
	GetLedgerForUpdate(ctx context.Context, ledgerID uuid.UUID) (*Ledger, error)
	InsertLedger(ctx context.Context, l *Ledger) error
	AddToBalance(ctx context.Context, ledgerID uuid.UUID, delta int64, at time.Time) (*Ledger, error)
	UpdateLedger(ctx context.Context, l *Ledger) error

	FindTransaction(ctx context.Context, accountID uuid.UUID, idempotencyKey string) (*Transaction, error)
	InsertTransaction(ctx context.Context, txn *Transaction) error
}

type Store struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	lockTimeout time.Duration
}

func New(pool *pgxpool.Pool, logger *slog.Logger, lockTimeout time.Duration) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &Store{
		pool:        pool,
		logger:      logger,
		lockTimeout: lockTimeout,
	}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn inside one database transaction with a local lock_timeout so
// row lock waits fail fast as ErrLockNotAvailable. The transaction commits
// only if fn returns nil; any failure rolls back every statement fn issued.
func (s *Store) InTx(ctx context.Context, fn func(LedgerTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	committed = true
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

const ledgerColumns = `id, account_id, currency, state, balance, amount_paid, created_at, updated_at, submitted_at, finalized_at, rolled_to_ledger_id`

func scanLedger(row pgx.Row) (*Ledger, error) {
	var l Ledger
	var state string
	if err := row.Scan(&l.ID, &l.AccountID, &l.Currency, &state, &l.Balance, &l.AmountPaid, &l.CreatedAt, &l.UpdatedAt, &l.SubmittedAt, &l.FinalizedAt, &l.RolledToLedgerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	l.State = LedgerState(state)
	return &l, nil
}

const scheduledColumns = `id, account_id, ledger_id, interval_type, start_time, end_time, closed_at, created_at`

func scanScheduled(row pgx.Row) (*ScheduledLedger, error) {
	var sl ScheduledLedger
	var interval string
	if err := row.Scan(&sl.ID, &sl.AccountID, &sl.LedgerID, &interval, &sl.StartTime, &sl.EndTime, &sl.ClosedAt, &sl.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	sl.Interval = bucket.Interval(interval)
	return &sl, nil
}

const transactionColumns = `id, account_id, ledger_id, amount, currency, idempotency_key, routing_key, target_type, target_id, created_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	if err := row.Scan(&t.ID, &t.AccountID, &t.LedgerID, &t.Amount, &t.Currency, &t.IdempotencyKey, &t.RoutingKey, &t.TargetType, &t.TargetID, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	return &t, nil
}

func (p *pgTx) FindScheduledLedger(ctx context.Context, accountID uuid.UUID, start, end time.Time) (*ScheduledLedger, error) {
	row := p.tx.QueryRow(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_ledgers
		WHERE account_id = $1 AND start_time = $2 AND end_time = $3 AND closed_at IS NULL
	`, accountID, start, end)
	return scanScheduled(row)
}

func (p *pgTx) LatestScheduledLedger(ctx context.Context, ledgerID uuid.UUID) (*ScheduledLedger, error) {
	row := p.tx.QueryRow(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_ledgers
		WHERE ledger_id = $1
		ORDER BY end_time DESC
		LIMIT 1
	`, ledgerID)
	return scanScheduled(row)
}

func (p *pgTx) InsertScheduledLedger(ctx context.Context, sl *ScheduledLedger) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO scheduled_ledgers (id, account_id, ledger_id, interval_type, start_time, end_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sl.ID, sl.AccountID, sl.LedgerID, string(sl.Interval), sl.StartTime, sl.EndTime, sl.CreatedAt)
	return classify(err)
}

func (p *pgTx) CloseScheduledLedgers(ctx context.Context, ledgerID uuid.UUID, at time.Time) (int64, error) {
	tag, err := p.tx.Exec(ctx, `
		UPDATE scheduled_ledgers
		SET closed_at = $2
		WHERE ledger_id = $1 AND closed_at IS NULL
	`, ledgerID, at)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (p *pgTx) FindOpenLedger(ctx context.Context, accountID uuid.UUID) (*Ledger, error) {
	row := p.tx.QueryRow(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledgers
		WHERE account_id = $1 AND state = 'OPEN'
		ORDER BY created_at
		LIMIT 1
	`, accountID)
	return scanLedger(row)
}

func (p *pgTx) GetLedgerForUpdate(ctx context.Context, ledgerID uuid.UUID) (*Ledger, error) {
	row := p.tx.QueryRow(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledgers
		WHERE id = $1
		FOR UPDATE
	`, ledgerID)
	return scanLedger(row)
}

func (p *pgTx) InsertLedger(ctx context.Context, l *Ledger) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO ledgers (id, account_id, currency, state, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, l.ID, l.AccountID, l.Currency, string(l.State), l.Balance, l.CreatedAt)
	return classify(err)
}

// AddToBalance applies delta atomically and returns the updated row.
func (p *pgTx) AddToBalance(ctx context.Context, ledgerID uuid.UUID, delta int64, at time.Time) (*Ledger, error) {
	row := p.tx.QueryRow(ctx, `
		UPDATE ledgers
		SET balance = balance + $2, updated_at = $3
		WHERE id = $1
		RETURNING `+ledgerColumns, ledgerID, delta, at)
	return scanLedger(row)
}

func (p *pgTx) UpdateLedger(ctx context.Context, l *Ledger) error {
	tag, err := p.tx.Exec(ctx, `
		UPDATE ledgers
		SET state = $2, amount_paid = $3, updated_at = $4, submitted_at = $5, finalized_at = $6, rolled_to_ledger_id = $7
		WHERE id = $1
	`, l.ID, string(l.State), l.AmountPaid, l.UpdatedAt, l.SubmittedAt, l.FinalizedAt, l.RolledToLedgerID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgTx) FindTransaction(ctx context.Context, accountID uuid.UUID, idempotencyKey string) (*Transaction, error) {
	row := p.tx.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, idempotencyKey)
	return scanTransaction(row)
}

func (p *pgTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO transactions (id, account_id, ledger_id, amount, currency, idempotency_key, routing_key, target_type, target_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, txn.ID, txn.AccountID, txn.LedgerID, txn.Amount, txn.Currency, txn.IdempotencyKey, txn.RoutingKey, txn.TargetType, txn.TargetID, txn.CreatedAt)
	return classify(err)
}

func (s *Store) GetLedger(ctx context.Context, ledgerID uuid.UUID) (*Ledger, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM ledgers WHERE id = $1`, ledgerID)
	return scanLedger(row)
}

func (s *Store) ListTransactions(ctx context.Context, ledgerID uuid.UUID, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE ledger_id = $1
		ORDER BY created_at, id
		LIMIT $2
	`, ledgerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListDueLedgers returns ledgers ready for settlement: OPEN ledgers whose
// open scheduled windows have all ended before the cutoff, and PROCESSING
// ledgers a previous run left behind.
func (s *Store) ListDueLedgers(ctx context.Context, before time.Time, limit int) ([]Ledger, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledgers l
		WHERE (
			l.state = 'OPEN'
			AND EXISTS (SELECT 1 FROM scheduled_ledgers s WHERE s.ledger_id = l.id AND s.closed_at IS NULL)
			AND NOT EXISTS (
				SELECT 1 FROM scheduled_ledgers s
				WHERE s.ledger_id = l.id AND s.closed_at IS NULL AND s.end_time > $1
			)
		) OR l.state = 'PROCESSING'
		ORDER BY l.created_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Ledger
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}
