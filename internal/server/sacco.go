package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	saccodomain "github.com/sautistream/ledgercore/internal/sacco/domain"
	"github.com/shopspring/decimal"
)

type openAccountRequest struct {
	MemberID string `json:"member_id"`
	Type     string `json:"type"`
}

func (s *Server) OpenSaccoAccount(c *gin.Context) {
	var req openAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	memberID, err := snowflake.ParseString(req.MemberID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	account, err := s.saccoSvc.OpenAccount(c.Request.Context(), actorFrom(c), memberID, saccodomain.AccountType(req.Type))
	if err != nil {
		// Opening an account the member already holds returns the existing
		// one; idempotent for mobile clients that retry.
		if errors.Is(err, saccodomain.ErrAccountExists) && account != nil {
			c.JSON(http.StatusOK, gin.H{"data": account})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": account})
}

func (s *Server) GetSaccoBalance(c *gin.Context) {
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}

	balance, err := s.saccoSvc.AccountBalance(c.Request.Context(), actorFrom(c), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"account_id": accountID.String(),
		"balance":    balance.String(),
		"currency":   s.cfg.Ledger.Currency,
	}})
}

type saccoMovementRequest struct {
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

func (s *Server) SaccoDeposit(c *gin.Context) {
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req saccoMovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entry, err := s.saccoSvc.Deposit(c.Request.Context(), actorFrom(c), accountID, amount, req.Reference)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entry})
}

func (s *Server) SaccoWithdraw(c *gin.Context) {
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req saccoMovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entry, err := s.saccoSvc.Withdraw(c.Request.Context(), actorFrom(c), accountID, amount, req.Reference)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entry})
}

type loanApplicationRequest struct {
	MemberID          string    `json:"member_id"`
	PrincipalAmount   string    `json:"principal_amount"`
	InterestRate      string    `json:"interest_rate"`
	InstallmentsTotal int       `json:"installments_total"`
	DueDate           time.Time `json:"due_date"`
}

func (s *Server) ApplyForLoan(c *gin.Context) {
	var req loanApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	memberID, err := snowflake.ParseString(req.MemberID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	principal, err := decimal.NewFromString(req.PrincipalAmount)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	rate, err := decimal.NewFromString(req.InterestRate)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	loan, err := s.saccoSvc.ApplyForLoan(c.Request.Context(), actorFrom(c), saccodomain.LoanApplication{
		MemberID:          memberID,
		PrincipalAmount:   principal,
		InterestRate:      rate,
		InstallmentsTotal: req.InstallmentsTotal,
		DueDate:           req.DueDate,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": loan})
}

func (s *Server) ApproveLoan(c *gin.Context) {
	loanID, ok := parseID(c, "id")
	if !ok {
		return
	}

	loan, err := s.saccoSvc.ApproveLoan(c.Request.Context(), actorFrom(c), loanID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": loan})
}

type disburseLoanRequest struct {
	Reference string `json:"reference"`
}

func (s *Server) DisburseLoan(c *gin.Context) {
	loanID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req disburseLoanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	loan, err := s.saccoSvc.DisburseLoan(c.Request.Context(), actorFrom(c), loanID, req.Reference)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": loan})
}

func (s *Server) RepayLoan(c *gin.Context) {
	loanID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req saccoMovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	loan, err := s.saccoSvc.RepayLoan(c.Request.Context(), actorFrom(c), loanID, amount, req.Reference)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": loan})
}

func (s *Server) GetLoanStanding(c *gin.Context) {
	loanID, ok := parseID(c, "id")
	if !ok {
		return
	}

	standing, err := s.saccoSvc.LoanStanding(c.Request.Context(), actorFrom(c), loanID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": standing})
}
