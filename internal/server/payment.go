package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/sautistream/ledgercore/internal/payment/domain"
	"github.com/shopspring/decimal"
)

type paymentResponse struct {
	ID                    string     `json:"id"`
	UserID                string     `json:"user_id"`
	PayableKind           string     `json:"payable_kind"`
	PayableID             string     `json:"payable_id"`
	Status                string     `json:"status"`
	Amount                string     `json:"amount"`
	Currency              string     `json:"currency"`
	Provider              string     `json:"provider"`
	ProviderTransactionID string     `json:"provider_transaction_id,omitempty"`
	FailureReason         string     `json:"failure_reason,omitempty"`
	Reference             string     `json:"reference"`
	InitiatedAt           *time.Time `json:"initiated_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	FailedAt              *time.Time `json:"failed_at,omitempty"`
	RefundedAt            *time.Time `json:"refunded_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

func toPaymentResponse(p *paymentdomain.Payment) paymentResponse {
	return paymentResponse{
		ID:                    p.ID().String(),
		UserID:                p.UserID().String(),
		PayableKind:           string(p.PayableKind()),
		PayableID:             p.PayableID().String(),
		Status:                string(p.Status()),
		Amount:                p.Amount().String(),
		Currency:              p.Currency(),
		Provider:              p.Provider(),
		ProviderTransactionID: p.ProviderTransactionID(),
		FailureReason:         p.FailureReason(),
		Reference:             p.Reference(),
		InitiatedAt:           p.InitiatedAt(),
		CompletedAt:           p.CompletedAt(),
		FailedAt:              p.FailedAt(),
		RefundedAt:            p.RefundedAt(),
		CreatedAt:             p.CreatedAt(),
	}
}

type createPaymentRequest struct {
	UserID      string `json:"user_id"`
	PayableKind string `json:"payable_kind"`
	PayableID   string `json:"payable_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Provider    string `json:"provider"`
	Reference   string `json:"reference"`
}

func (s *Server) CreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	userID, err := snowflake.ParseString(req.UserID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	payableID, err := snowflake.ParseString(req.PayableID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	payable, err := paymentdomain.NewPayable(paymentdomain.PayableKind(req.PayableKind), payableID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.paymentSvc.Create(c.Request.Context(), paymentdomain.CreateInput{
		UserID:    userID,
		Payable:   payable,
		Amount:    amount,
		Currency:  req.Currency,
		Provider:  req.Provider,
		Reference: req.Reference,
	})
	if err != nil {
		// A replayed reference returns the existing payment rather than a bare
		// conflict so retrying clients can reconcile.
		if payment != nil {
			c.JSON(http.StatusOK, gin.H{"data": toPaymentResponse(payment)})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": toPaymentResponse(payment)})
}

func (s *Server) GetPayment(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	payment, err := s.paymentSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toPaymentResponse(payment)})
}

func (s *Server) MarkPaymentProcessing(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	payment, err := s.paymentSvc.MarkProcessing(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toPaymentResponse(payment)})
}

type completePaymentRequest struct {
	ProviderTransactionID string         `json:"provider_transaction_id"`
	ProviderData          map[string]any `json:"provider_data"`
}

func (s *Server) MarkPaymentCompleted(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req completePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	payment, err := s.paymentSvc.MarkCompleted(c.Request.Context(), id, req.ProviderTransactionID, req.ProviderData)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toPaymentResponse(payment)})
}

type failPaymentRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) MarkPaymentFailed(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req failPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	payment, err := s.paymentSvc.MarkFailed(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toPaymentResponse(payment)})
}

func (s *Server) MarkPaymentCancelled(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	payment, err := s.paymentSvc.MarkCancelled(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toPaymentResponse(payment)})
}

func (s *Server) MarkPaymentRefunded(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	payment, err := s.paymentSvc.MarkRefunded(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toPaymentResponse(payment)})
}
