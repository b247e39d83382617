package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AfshinJalili/paycore/libs/dblock"
	"github.com/AfshinJalili/paycore/services/ledger/internal/bucket"
	"github.com/AfshinJalili/paycore/services/ledger/internal/engine"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
	"github.com/google/uuid"
	"log/slog"
)

const (
	statusSuccess    = "success"
	statusValidation = "validation"
	statusContention = "contention"
	statusError      = "error"

	defaultListLimit = 100
	maxListLimit     = 500

	defaultPayoutLockTTL = 30 * time.Second
)

type Engine interface {
	CreateTransaction(ctx context.Context, req engine.CreateTransactionRequest) (*engine.CreateTransactionResult, error)
	Process(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error)
	Submit(ctx context.Context, ledgerID uuid.UUID) (*engine.SubmitResult, error)
	Fail(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error)
	Reverse(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error)
	Rollover(ctx context.Context, ledgerID uuid.UUID) (*engine.RolloverResult, error)
}

type LedgerReader interface {
	GetLedger(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error)
	ListTransactions(ctx context.Context, ledgerID uuid.UUID, limit int) ([]storage.Transaction, error)
}

// Locker serializes payout dispatch per ledger across replicas.
type Locker interface {
	WithLock(ctx context.Context, lockID string, ttl time.Duration, fn func(ctx context.Context) error, opts ...dblock.Option) error
}

type Config struct {
	EventsTopic   string
	PayoutLockTTL time.Duration
}

type LedgerService struct {
	engine    Engine
	reader    LedgerReader
	publisher EventPublisher
	payouts   PayoutDispatcher
	locker    Locker
	logger    *slog.Logger
	metrics   *Metrics
	topic     string
	lockTTL   time.Duration
}

type CreateTransactionInput struct {
	AccountID      uuid.UUID
	Amount         int64
	Currency       string
	IdempotencyKey string
	RoutingKey     time.Time
	Interval       string
	TargetType     string
	TargetID       string
}

func NewLedgerService(eng Engine, reader LedgerReader, publisher EventPublisher, payouts PayoutDispatcher, locker Locker, logger *slog.Logger, metrics *Metrics, cfg Config) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	if payouts == nil {
		payouts = NewLoggingPayoutDispatcher(logger)
	}
	if cfg.PayoutLockTTL <= 0 {
		cfg.PayoutLockTTL = defaultPayoutLockTTL
	}
	return &LedgerService{
		engine:    eng,
		reader:    reader,
		publisher: publisher,
		payouts:   payouts,
		locker:    locker,
		logger:    logger,
		metrics:   metrics,
		topic:     strings.TrimSpace(cfg.EventsTopic),
		lockTTL:   cfg.PayoutLockTTL,
	}
}

func (s *LedgerService) CreateTransaction(ctx context.Context, input CreateTransactionInput) (*engine.CreateTransactionResult, error) {
	start := time.Now()
	interval, err := parseInterval(input.Interval)
	if err != nil {
		s.observe(engine.OpCreate, err, start)
		return nil, err
	}

	result, err := s.engine.CreateTransaction(ctx, engine.CreateTransactionRequest{
		AccountID:      input.AccountID,
		Amount:         input.Amount,
		Currency:       input.Currency,
		IdempotencyKey: input.IdempotencyKey,
		RoutingKey:     input.RoutingKey,
		Interval:       interval,
		TargetType:     input.TargetType,
		TargetID:       input.TargetID,
	})
	s.observe(engine.OpCreate, err, start)
	if err != nil {
		return nil, err
	}

	if result.Created {
		s.publishTransaction(ctx, result.Transaction, result.Ledger)
	}
	return result, nil
}

func (s *LedgerService) ProcessLedger(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error) {
	start := time.Now()
	ledger, err := s.engine.Process(ctx, ledgerID)
	s.observe(engine.OpProcess, err, start)
	if err != nil {
		return nil, err
	}
	s.publishLedger(ctx, ledger)
	return ledger, nil
}

// SubmitLedger moves a PROCESSING ledger to SUBMITTED, PAID or ROLLED. A
// SUBMITTED ledger is handed to the payout dispatcher once the state change
// has committed; a dispatch failure does not undo the submission.
func (s *LedgerService) SubmitLedger(ctx context.Context, ledgerID uuid.UUID) (*engine.SubmitResult, error) {
	start := time.Now()
	result, err := s.engine.Submit(ctx, ledgerID)
	s.observe(engine.OpSubmit, err, start)
	if err != nil {
		return nil, err
	}

	s.publishLedger(ctx, result.Ledger)
	if result.Rollover != nil {
		s.publishTransaction(ctx, result.Rollover.Transaction, result.Rollover.Destination)
	}
	if result.Ledger.State == storage.StateSubmitted {
		s.dispatchPayout(ctx, result.Ledger)
	}
	return result, nil
}

func (s *LedgerService) FailLedger(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error) {
	start := time.Now()
	ledger, err := s.engine.Fail(ctx, ledgerID)
	s.observe(engine.OpFail, err, start)
	if err != nil {
		return nil, err
	}
	s.publishLedger(ctx, ledger)
	return ledger, nil
}

func (s *LedgerService) ReverseLedger(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error) {
	start := time.Now()
	ledger, err := s.engine.Reverse(ctx, ledgerID)
	s.observe(engine.OpReverse, err, start)
	if err != nil {
		return nil, err
	}
	s.publishLedger(ctx, ledger)
	return ledger, nil
}

func (s *LedgerService) RolloverLedger(ctx context.Context, ledgerID uuid.UUID) (*engine.RolloverResult, error) {
	start := time.Now()
	result, err := s.engine.Rollover(ctx, ledgerID)
	s.observe(engine.OpRollover, err, start)
	if err != nil {
		return nil, err
	}
	s.publishLedger(ctx, result.Source)
	s.publishTransaction(ctx, result.Transaction, result.Destination)
	return result, nil
}

func (s *LedgerService) GetLedger(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error) {
	if s.reader == nil {
		return nil, errors.New("ledger reader not configured")
	}
	ledger, err := s.reader.GetLedger(ctx, ledgerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", engine.ErrLedgerNotFound, ledgerID)
		}
		return nil, err
	}
	return ledger, nil
}

func (s *LedgerService) ListTransactions(ctx context.Context, ledgerID uuid.UUID, limit int) ([]storage.Transaction, error) {
	if _, err := s.GetLedger(ctx, ledgerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.reader.ListTransactions(ctx, ledgerID, limit)
}

func (s *LedgerService) dispatchPayout(ctx context.Context, ledger *storage.Ledger) {
	dispatch := func(ctx context.Context) error {
		return s.payouts.DispatchPayout(ctx, ledger)
	}

	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, PayoutLockID(ledger.ID), s.lockTTL, dispatch, dblock.WithHeartbeat(s.lockTTL/3))
	} else {
		err = dispatch(ctx)
	}

	switch {
	case err == nil:
		s.metrics.IncPayout(statusSuccess)
	case errors.Is(err, dblock.ErrLockHeld):
		s.metrics.IncPayout("skipped")
		s.logger.Info("payout already in flight", "ledger_id", ledger.ID.String())
	default:
		s.metrics.IncPayout(statusError)
		s.logger.Error("payout dispatch failed", "ledger_id", ledger.ID.String(), "error", err)
	}
}

func PayoutLockID(ledgerID uuid.UUID) string {
	return "ledger-payout:" + ledgerID.String()
}

func (s *LedgerService) observe(op string, err error, start time.Time) {
	s.metrics.ObserveOperation(op, operationStatus(err), time.Since(start))
	if err != nil && !engine.IsValidation(err) {
		s.logger.Error("ledger operation failed", "op", op, "error", err)
	}
}

func operationStatus(err error) string {
	var contention *engine.ContentionError
	switch {
	case err == nil:
		return statusSuccess
	case engine.IsValidation(err):
		return statusValidation
	case errors.As(err, &contention):
		return statusContention
	default:
		return statusError
	}
}

func parseInterval(raw string) (bucket.Interval, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return bucket.Daily, nil
	}
	interval, err := bucket.ParseInterval(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err)
	}
	return interval, nil
}
