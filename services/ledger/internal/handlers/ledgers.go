package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AfshinJalili/paycore/libs/auth"
	"github.com/AfshinJalili/paycore/services/ledger/internal/engine"
	"github.com/AfshinJalili/paycore/services/ledger/internal/service"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"log/slog"
)

const (
	RoleRead  = "ledger:read"
	RoleWrite = "ledger:write"
)

type LedgerService interface {
	CreateTransaction(ctx context.Context, input service.CreateTransactionInput) (*engine.CreateTransactionResult, error)
	ProcessLedger(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error)
	SubmitLedger(ctx context.Context, ledgerID uuid.UUID) (*engine.SubmitResult, error)
	FailLedger(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error)
	ReverseLedger(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error)
	RolloverLedger(ctx context.Context, ledgerID uuid.UUID) (*engine.RolloverResult, error)
	GetLedger(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error)
	ListTransactions(ctx context.Context, ledgerID uuid.UUID, limit int) ([]storage.Transaction, error)
}

type Handler struct {
	Service LedgerService
	Logger  *slog.Logger
}

type createTransactionRequest struct {
	AccountID      string `json:"account_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
	RoutingKey     string `json:"routing_key"`
	Interval       string `json:"interval"`
	TargetType     string `json:"target_type"`
	TargetID       string `json:"target_id"`
}

type ledgerResponse struct {
	LedgerID         string  `json:"ledger_id"`
	AccountID        string  `json:"account_id"`
	Currency         string  `json:"currency"`
	State            string  `json:"state"`
	Balance          string  `json:"balance"`
	BalanceMinor     int64   `json:"balance_minor"`
	AmountPaid       *string `json:"amount_paid,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
	SubmittedAt      *string `json:"submitted_at,omitempty"`
	FinalizedAt      *string `json:"finalized_at,omitempty"`
	RolledToLedgerID *string `json:"rolled_to_ledger_id,omitempty"`
}

type transactionItem struct {
	TransactionID  string `json:"transaction_id"`
	AccountID      string `json:"account_id"`
	LedgerID       string `json:"ledger_id"`
	Amount         string `json:"amount"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
	RoutingKey     string `json:"routing_key"`
	TargetType     string `json:"target_type,omitempty"`
	TargetID       string `json:"target_id,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type createTransactionResponse struct {
	Transaction transactionItem `json:"transaction"`
	Ledger      *ledgerResponse `json:"ledger,omitempty"`
	Created     bool            `json:"created"`
}

type rolloverResponse struct {
	Source      ledgerResponse  `json:"source"`
	Destination ledgerResponse  `json:"destination"`
	Transaction transactionItem `json:"transaction"`
}

type submitResponse struct {
	Ledger   ledgerResponse    `json:"ledger"`
	Rollover *rolloverResponse `json:"rollover,omitempty"`
}

type listTransactionsResponse struct {
	Transactions []transactionItem `json:"transactions"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(service LedgerService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: service, Logger: logger}
}

// Register mounts the API under /v1. writeGuards run on mutating routes
// after the role check, e.g. a per-operator rate limit.
func (h *Handler) Register(r *gin.Engine, jwtSecret []byte, writeGuards ...gin.HandlerFunc) {
	group := r.Group("/v1", auth.Middleware(jwtSecret))

	read := group.Group("", auth.RequireRole(RoleRead))
	read.GET("/ledgers/:id", h.GetLedger)
	read.GET("/ledgers/:id/transactions", h.ListTransactions)

	write := group.Group("", append([]gin.HandlerFunc{auth.RequireRole(RoleWrite)}, writeGuards...)...)
	write.POST("/transactions", h.CreateTransaction)
	write.POST("/ledgers/:id/process", h.transition(h.Service.ProcessLedger))
	write.POST("/ledgers/:id/submit", h.SubmitLedger)
	write.POST("/ledgers/:id/fail", h.transition(h.Service.FailLedger))
	write.POST("/ledgers/:id/reverse", h.transition(h.Service.ReverseLedger))
	write.POST("/ledgers/:id/rollover", h.RolloverLedger)
}

func (h *Handler) CreateTransaction(c *gin.Context) {
	var req createTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	accountID, err := uuid.Parse(strings.TrimSpace(req.AccountID))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid account_id")
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	amount, err := toMinorUnits(req.Amount, currency)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	var routingKey time.Time
	if raw := strings.TrimSpace(req.RoutingKey); raw != "" {
		routingKey, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "routing_key must be RFC3339")
			return
		}
	}

	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if headerKey := strings.TrimSpace(c.GetHeader("Idempotency-Key")); headerKey != "" {
		idempotencyKey = headerKey
	}

	result, err := h.Service.CreateTransaction(c.Request.Context(), service.CreateTransactionInput{
		AccountID:      accountID,
		Amount:         amount,
		Currency:       currency,
		IdempotencyKey: idempotencyKey,
		RoutingKey:     routingKey,
		Interval:       req.Interval,
		TargetType:     strings.TrimSpace(req.TargetType),
		TargetID:       strings.TrimSpace(req.TargetID),
	})
	if err != nil {
		h.writeServiceError(c, "create transaction", err)
		return
	}

	resp := createTransactionResponse{
		Transaction: toTransactionItem(result.Transaction),
		Created:     result.Created,
	}
	if result.Ledger != nil {
		ledger := toLedgerResponse(result.Ledger)
		resp.Ledger = &ledger
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, resp)
}

func (h *Handler) GetLedger(c *gin.Context) {
	ledgerID, ok := ledgerIDParam(c)
	if !ok {
		return
	}
	ledger, err := h.Service.GetLedger(c.Request.Context(), ledgerID)
	if err != nil {
		h.writeServiceError(c, "get ledger", err)
		return
	}
	c.JSON(http.StatusOK, toLedgerResponse(ledger))
}

func (h *Handler) ListTransactions(c *gin.Context) {
	ledgerID, ok := ledgerIDParam(c)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
			return
		}
		limit = parsed
	}

	txns, err := h.Service.ListTransactions(c.Request.Context(), ledgerID, limit)
	if err != nil {
		h.writeServiceError(c, "list transactions", err)
		return
	}
	resp := listTransactionsResponse{Transactions: make([]transactionItem, 0, len(txns))}
	for i := range txns {
		resp.Transactions = append(resp.Transactions, toTransactionItem(&txns[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) SubmitLedger(c *gin.Context) {
	ledgerID, ok := ledgerIDParam(c)
	if !ok {
		return
	}
	result, err := h.Service.SubmitLedger(c.Request.Context(), ledgerID)
	if err != nil {
		h.writeServiceError(c, "submit ledger", err)
		return
	}
	resp := submitResponse{Ledger: toLedgerResponse(result.Ledger)}
	if result.Rollover != nil {
		rollover := toRolloverResponse(result.Rollover)
		resp.Rollover = &rollover
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) RolloverLedger(c *gin.Context) {
	ledgerID, ok := ledgerIDParam(c)
	if !ok {
		return
	}
	result, err := h.Service.RolloverLedger(c.Request.Context(), ledgerID)
	if err != nil {
		h.writeServiceError(c, "rollover ledger", err)
		return
	}
	c.JSON(http.StatusOK, toRolloverResponse(result))
}

func (h *Handler) transition(fn func(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ledgerID, ok := ledgerIDParam(c)
		if !ok {
			return
		}
		ledger, err := fn(c.Request.Context(), ledgerID)
		if err != nil {
			h.writeServiceError(c, "ledger transition", err)
			return
		}
		c.JSON(http.StatusOK, toLedgerResponse(ledger))
	}
}

func (h *Handler) writeServiceError(c *gin.Context, action string, err error) {
	var contention *engine.ContentionError
	switch {
	case errors.Is(err, engine.ErrLedgerNotFound):
		writeError(c, http.StatusNotFound, "LEDGER_NOT_FOUND", "ledger not found")
	case errors.Is(err, engine.ErrInvalidState):
		writeError(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, engine.ErrRolloverBlocked):
		writeError(c, http.StatusConflict, "ROLLOVER_BLOCKED", err.Error())
	case errors.Is(err, engine.ErrCurrencyMismatch):
		writeError(c, http.StatusBadRequest, "CURRENCY_MISMATCH", err.Error())
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, storage.ErrBalanceOutOfRange):
		writeError(c, http.StatusBadRequest, "BALANCE_OUT_OF_RANGE", "amount would overflow the ledger balance")
	case errors.As(err, &contention):
		c.Header("Retry-After", "1")
		writeError(c, http.StatusServiceUnavailable, "CONTENTION", "ledger busy, retry")
	default:
		h.Logger.Error(action+" failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func ledgerIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid ledger id")
		return uuid.Nil, false
	}
	return id, true
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Message: message})
}

func toLedgerResponse(l *storage.Ledger) ledgerResponse {
	resp := ledgerResponse{
		LedgerID:     l.ID.String(),
		AccountID:    l.AccountID.String(),
		Currency:     l.Currency,
		State:        string(l.State),
		Balance:      formatMinorUnits(l.Balance, l.Currency),
		BalanceMinor: l.Balance,
		CreatedAt:    formatTime(l.CreatedAt),
		UpdatedAt:    formatTime(l.UpdatedAt),
		SubmittedAt:  formatTimePtr(l.SubmittedAt),
		FinalizedAt:  formatTimePtr(l.FinalizedAt),
	}
	if l.AmountPaid != nil {
		paid := formatMinorUnits(*l.AmountPaid, l.Currency)
		resp.AmountPaid = &paid
	}
	if l.RolledToLedgerID != nil {
		id := l.RolledToLedgerID.String()
		resp.RolledToLedgerID = &id
	}
	return resp
}

func toTransactionItem(t *storage.Transaction) transactionItem {
	return transactionItem{
		TransactionID:  t.ID.String(),
		AccountID:      t.AccountID.String(),
		LedgerID:       t.LedgerID.String(),
		Amount:         formatMinorUnits(t.Amount, t.Currency),
		AmountMinor:    t.Amount,
		Currency:       t.Currency,
		IdempotencyKey: t.IdempotencyKey,
		RoutingKey:     formatTime(t.RoutingKey),
		TargetType:     t.TargetType,
		TargetID:       t.TargetID,
		CreatedAt:      formatTime(t.CreatedAt),
	}
}

func toRolloverResponse(r *engine.RolloverResult) rolloverResponse {
	return rolloverResponse{
		Source:      toLedgerResponse(r.Source),
		Destination: toLedgerResponse(r.Destination),
		Transaction: toTransactionItem(r.Transaction),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
