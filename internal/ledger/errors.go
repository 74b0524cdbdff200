package ledger

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mbd888/walletgate/internal/money"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidTable         = errors.New("invalid table name")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrRefundExceedsBalance = errors.New("refund amount exceeds effective balance")
	ErrDisputeSuspended     = errors.New("wallet suspended: unresolved payment dispute")
	ErrDuplicateEvent       = errors.New("webhook event already processed")
	ErrDuplicateDispute     = errors.New("dispute already recorded")
	ErrEscrowNotFound       = errors.New("escrow not found")
	ErrDisputeNotFound      = errors.New("dispute not found")
	ErrResetNotAllowed      = errors.New("credit reset is only available in development")
)

// InsufficientFundsError carries the numbers behind a rejected reservation.
// It matches ErrInsufficientFunds under errors.Is.
type InsufficientFundsError struct {
	AvailableUnits int64
	NeededUnits    int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance for escrow: available %s cents, needed %s cents",
		money.ToCents(e.AvailableUnits).String(), money.ToCents(e.NeededUnits).String())
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// StatusCode maps a ledger error onto the HTTP status returned to callers.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidTable),
		errors.Is(err, ErrRefundExceedsBalance), errors.Is(err, money.ErrNegative),
		errors.Is(err, money.ErrOverflow), errors.Is(err, money.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrDisputeSuspended), errors.Is(err, ErrResetNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, ErrEscrowNotFound), errors.Is(err, ErrDisputeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateEvent), errors.Is(err, ErrDuplicateDispute):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode is the machine-readable code sent alongside StatusCode.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrDisputeSuspended):
		return "wallet_suspended"
	case errors.Is(err, ErrDuplicateEvent), errors.Is(err, ErrDuplicateDispute):
		return "conflict"
	}
	switch StatusCode(err) {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	default:
		return "internal_error"
	}
}
