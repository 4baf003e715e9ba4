package server

import (
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/sautistream/ledgercore/internal/authorization"
	ledgerdomain "github.com/sautistream/ledgercore/internal/ledger/domain"
	"github.com/shopspring/decimal"
)

func parseID(c *gin.Context, param string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param(param))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return 0, false
	}
	return id, true
}

type balanceResponse struct {
	OwnerID  string `json:"owner_id"`
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
}

func (s *Server) GetBalance(c *gin.Context) {
	ownerID, ok := parseID(c, "id")
	if !ok {
		return
	}

	balance, err := s.ledgerSvc.Balance(c.Request.Context(), ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balanceResponse{
		OwnerID:  ownerID.String(),
		Balance:  balance.String(),
		Currency: s.cfg.Ledger.Currency,
	}})
}

func (s *Server) ListEntries(c *gin.Context) {
	ownerID, ok := parseID(c, "id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := s.ledgerSvc.Entries(c.Request.Context(), ownerID, limit, offset)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}

func (s *Server) ReconcileBalance(c *gin.Context) {
	ownerID, ok := parseID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := s.authzSvc.Authorize(ctx, actorFrom(c), authorization.ObjectWallet, authorization.ActionWalletReconcile); err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.ledgerSvc.Reconcile(ctx, ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balanceResponse{
		OwnerID:  ownerID.String(),
		Balance:  balance.String(),
		Currency: s.cfg.Ledger.Currency,
	}})
}

type transferRequest struct {
	FromOwnerID string `json:"from_owner_id"`
	ToOwnerID   string `json:"to_owner_id"`
	Amount      string `json:"amount"`
	Source      string `json:"source"`
	Reference   string `json:"reference"`
}

func (s *Server) Transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	from, err := snowflake.ParseString(req.FromOwnerID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	to, err := snowflake.ParseString(req.ToOwnerID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	if err := s.authzSvc.Authorize(ctx, actorFrom(c), authorization.ObjectWallet, authorization.ActionWalletTransfer); err != nil {
		AbortWithError(c, err)
		return
	}

	outEntry, inEntry, err := s.ledgerSvc.Transfer(ctx, ledgerdomain.TransferInput{
		FromOwnerID: from,
		ToOwnerID:   to,
		Amount:      amount,
		Source:      req.Source,
		Reference:   req.Reference,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"out": outEntry,
		"in":  inEntry,
	}})
}
