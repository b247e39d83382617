package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest   = "INVALID_REQUEST"
	ErrorCodeUnauthorized     = "UNAUTHORIZED"
	ErrorCodeForbidden        = "FORBIDDEN"
	ErrorCodeLedgerNotFound   = "LEDGER_NOT_FOUND"
	ErrorCodeInvalidState     = "INVALID_STATE"
	ErrorCodeCurrencyMismatch = "CURRENCY_MISMATCH"
	ErrorCodeBalanceRange     = "BALANCE_OUT_OF_RANGE"
	ErrorCodeRolloverBlocked  = "ROLLOVER_BLOCKED"
	ErrorCodeRateLimited      = "RATE_LIMITED"
	ErrorCodeContention       = "CONTENTION"
	ErrorCodeInternalError    = "INTERNAL_ERROR"
)

var errorStatus = map[string]int{
	ErrorCodeInvalidRequest:   http.StatusBadRequest,
	ErrorCodeCurrencyMismatch: http.StatusBadRequest,
	ErrorCodeBalanceRange:     http.StatusBadRequest,
	ErrorCodeRolloverBlocked:  http.StatusConflict,
	ErrorCodeUnauthorized:     http.StatusUnauthorized,
	ErrorCodeForbidden:        http.StatusForbidden,
	ErrorCodeLedgerNotFound:   http.StatusNotFound,
	ErrorCodeInvalidState:     http.StatusConflict,
	ErrorCodeRateLimited:      http.StatusTooManyRequests,
	ErrorCodeContention:       http.StatusServiceUnavailable,
	ErrorCodeInternalError:    http.StatusInternalServerError,
}

// AssertErrorCode checks both the HTTP status implied by code and the code
// carried in the JSON error body.
func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, code string) {
	t.Helper()
	want, ok := errorStatus[code]
	if !ok {
		t.Fatalf("unknown error code %q", code)
	}
	if resp.Code != want {
		t.Fatalf("expected status %d for %s, got %d: %s", want, code, resp.Code, resp.Body.String())
	}

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if body.Code != code {
		t.Fatalf("expected error code %q, got %q (%s)", code, body.Code, body.Message)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.Code, resp.Body.String())
	}
}
