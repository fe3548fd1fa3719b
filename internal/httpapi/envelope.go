package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"vtu-ledger/internal/gateway"
	"vtu-ledger/internal/reporting"
	"vtu-ledger/internal/risk"
	"vtu-ledger/internal/settlement"
	"vtu-ledger/internal/vtu"
	"vtu-ledger/internal/wallet"
	"vtu-ledger/pkg/logger"
)

// envelope is the uniform response body: {success, message, data?}.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func ok(c *gin.Context, status int, message string, data any) {
	c.JSON(status, envelope{Success: true, Message: message, Data: data})
}

func reject(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, envelope{Success: false, Message: message})
}

// fail maps a service error onto a status and a user-facing message.
// Unknown errors are logged and answered with a generic 500.
func fail(c *gin.Context, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		_ = c.Error(err)
	}
	reject(c, status, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, wallet.ErrInvalidAmount):
		return http.StatusBadRequest, "Amount must be greater than zero with at most two decimals"
	case errors.Is(err, wallet.ErrSelfTransfer):
		return http.StatusBadRequest, "Cannot transfer to yourself"
	case errors.Is(err, wallet.ErrInvalidArgument),
		errors.Is(err, settlement.ErrInvalidRequest),
		errors.Is(err, vtu.ErrInvalidRequest),
		errors.Is(err, reporting.ErrInvalidRequest):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "Insufficient wallet balance"
	case errors.Is(err, wallet.ErrSpendingLimitExceeded):
		return http.StatusUnprocessableEntity, "Spending limit exceeded"
	case errors.Is(err, wallet.ErrWalletFrozen):
		return http.StatusForbidden, "Wallet is frozen"
	case errors.Is(err, wallet.ErrRecipientNotFound):
		return http.StatusNotFound, "Recipient not found"
	case errors.Is(err, wallet.ErrNotFound), errors.Is(err, settlement.ErrPaymentNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, wallet.ErrDuplicateReference):
		return http.StatusConflict, "Reference already used"
	case errors.Is(err, settlement.ErrAmountMismatch), errors.Is(err, settlement.ErrReferenceMismatch):
		return http.StatusUnprocessableEntity, "Payment verification failed"
	case errors.Is(err, gateway.ErrInvalidSignature):
		return http.StatusUnauthorized, "Invalid signature"
	case errors.Is(err, gateway.ErrRejected):
		return http.StatusBadGateway, "Payment gateway rejected the request"
	case errors.Is(err, gateway.ErrUnavailable):
		return http.StatusServiceUnavailable, "Payment gateway unavailable, please retry"
	case errors.Is(err, wallet.ErrStoreConflict), errors.Is(err, risk.ErrUnavailable):
		return http.StatusServiceUnavailable, "Temporarily unavailable, please retry"
	case errors.Is(err, vtu.ErrDisabled):
		return http.StatusServiceUnavailable, "Purchases are not available"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
