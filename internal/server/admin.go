package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/sautistream/ledgercore/internal/audit/domain"
)

// RunPayoutSweep triggers a sweep outside the scheduler cadence, typically
// from an operator console. The payout service enforces who may run it.
func (s *Server) RunPayoutSweep(c *gin.Context) {
	result, err := s.payoutSvc.RunSweep(c.Request.Context(), actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"examined":   result.Examined,
		"paid":       result.Paid,
		"total_paid": result.TotalPaid.String(),
	}})
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var query struct {
		Action     string `form:"action"`
		TargetType string `form:"target_type"`
		TargetID   string `form:"target_id"`
		StartAt    string `form:"start_at"`
		EndAt      string `form:"end_at"`
		Limit      string `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	filter := auditdomain.ListFilter{
		Action:     query.Action,
		TargetType: query.TargetType,
		TargetID:   query.TargetID,
	}
	if query.StartAt != "" {
		at, err := time.Parse(time.RFC3339, query.StartAt)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		filter.StartAt = &at
	}
	if query.EndAt != "" {
		at, err := time.Parse(time.RFC3339, query.EndAt)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		filter.EndAt = &at
	}
	if query.Limit != "" {
		limit, err := strconv.Atoi(query.Limit)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		filter.Limit = limit
	}

	logs, err := s.auditSvc.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": logs})
}
