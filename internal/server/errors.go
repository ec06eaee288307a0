package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/meterbill/meterbill/internal/account/domain"
	billingdomain "github.com/meterbill/meterbill/internal/billing/domain"
	ledgerdomain "github.com/meterbill/meterbill/internal/ledger/domain"
	reconciledomain "github.com/meterbill/meterbill/internal/reconcile/domain"
	"gorm.io/gorm"
)

var ErrInvalidRequest = errors.New("invalid_request")

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, billingdomain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, payload("insufficient_balance", err)
	case errors.Is(err, billingdomain.ErrNonMonotonicUsage):
		return http.StatusConflict, payload("non_monotonic_usage_report", err)
	case errors.Is(err, billingdomain.ErrResourceFinalized):
		return http.StatusConflict, payload("post_finalization_billing_attempt", err)
	case errors.Is(err, billingdomain.ErrResourceOwnerMismatch):
		return http.StatusConflict, payload("resource_owner_mismatch", err)
	case errors.Is(err, billingdomain.ErrWriteConflict):
		return http.StatusServiceUnavailable, payload("concurrent_write_conflict", err)
	case errors.Is(err, billingdomain.ErrUnknownResource),
		errors.Is(err, accountdomain.ErrAccountNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, payload("not_found", err)
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ledgerdomain.ErrInvalidResourceRef),
		errors.Is(err, ledgerdomain.ErrZeroDelta),
		errors.Is(err, ledgerdomain.ErrInvalidKind),
		errors.Is(err, ledgerdomain.ErrInvalidFilter),
		errors.Is(err, ledgerdomain.ErrInvalidPageToken),
		errors.Is(err, ledgerdomain.ErrInvalidAccount),
		errors.Is(err, accountdomain.ErrInvalidAccount),
		errors.Is(err, billingdomain.ErrInvalidElapsed),
		errors.Is(err, billingdomain.ErrInvalidUnit),
		errors.Is(err, billingdomain.ErrInvalidRate),
		errors.Is(err, reconciledomain.ErrInvalidScope):
		return http.StatusBadRequest, payload("invalid_request", err)
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal error"}
	}
}

func payload(kind string, err error) errorPayload {
	return errorPayload{Type: kind, Message: err.Error()}
}
