package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sautistream/ledgercore/internal/authorization"
	ledgerdomain "github.com/sautistream/ledgercore/internal/ledger/domain"
	paymentdomain "github.com/sautistream/ledgercore/internal/payment/domain"
	revenuedomain "github.com/sautistream/ledgercore/internal/revenue/domain"
	royaltydomain "github.com/sautistream/ledgercore/internal/royalty/domain"
	saccodomain "github.com/sautistream/ledgercore/internal/sacco/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var ErrInvalidRequest = errors.New("invalid_request")

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
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, saccodomain.ErrNotAccountOwner):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "insufficient_funds",
			Message: "insufficient funds",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ledgerdomain.ErrInvalidOwner),
		errors.Is(err, ledgerdomain.ErrInvalidKind),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidReference),
		errors.Is(err, revenuedomain.ErrInvalidPlay),
		errors.Is(err, revenuedomain.ErrInvalidRevenue),
		errors.Is(err, revenuedomain.ErrInvalidReference),
		errors.Is(err, royaltydomain.ErrInvalidSplit),
		errors.Is(err, paymentdomain.ErrInvalidPayment),
		errors.Is(err, saccodomain.ErrInvalidAccount),
		errors.Is(err, saccodomain.ErrInvalidLoan):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ledgerdomain.ErrDuplicateReference),
		errors.Is(err, paymentdomain.ErrDuplicateReference),
		errors.Is(err, paymentdomain.ErrInvalidStateTransition),
		errors.Is(err, royaltydomain.ErrSplitOverAllocation),
		errors.Is(err, saccodomain.ErrAccountExists),
		errors.Is(err, saccodomain.ErrInvalidLoanState):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ledgerdomain.ErrEntryNotFound),
		errors.Is(err, royaltydomain.ErrSplitNotFound),
		errors.Is(err, royaltydomain.ErrAccrualNotFound),
		errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, saccodomain.ErrAccountNotFound),
		errors.Is(err, saccodomain.ErrLoanNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}
