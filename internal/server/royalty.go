package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/sautistream/ledgercore/internal/authorization"
	royaltydomain "github.com/sautistream/ledgercore/internal/royalty/domain"
	"github.com/shopspring/decimal"
)

type createSplitRequest struct {
	SongID      string `json:"song_id"`
	RecipientID string `json:"recipient_id"`
	Role        string `json:"role"`
	SplitType   string `json:"split_type"`
	Percentage  string `json:"percentage"`
	FixedAmount string `json:"fixed_amount"`

	AppliesToStreams       bool `json:"applies_to_streams"`
	AppliesToDownloads     bool `json:"applies_to_downloads"`
	AppliesToDistributions bool `json:"applies_to_distributions"`
	AppliesToTips          bool `json:"applies_to_tips"`
	AppliesToSales         bool `json:"applies_to_sales"`

	TerritorialScope string `json:"territorial_scope"`

	MinimumPayoutAmount string `json:"minimum_payout_amount"`
	PayoutFrequency     string `json:"payout_frequency"`
	MinimumPlays        int64  `json:"minimum_plays"`
	MinimumRevenue      string `json:"minimum_revenue"`
	AutoPayoutEnabled   bool   `json:"auto_payout_enabled"`

	EffectiveFrom *time.Time `json:"effective_from"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func (s *Server) CreateSplit(c *gin.Context) {
	var req createSplitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	songID, err := snowflake.ParseString(req.SongID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	recipientID, err := snowflake.ParseString(req.RecipientID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	percentage, err := parseDecimal(req.Percentage)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	fixedAmount, err := parseDecimal(req.FixedAmount)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	minimumPayout, err := parseDecimal(req.MinimumPayoutAmount)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	minimumRevenue, err := parseDecimal(req.MinimumRevenue)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	if err := s.authzSvc.Authorize(ctx, actorFrom(c), authorization.ObjectRoyaltySplit, authorization.ActionRoyaltyManage); err != nil {
		AbortWithError(c, err)
		return
	}

	in := royaltydomain.CreateSplitInput{
		SongID:                 songID,
		RecipientID:            recipientID,
		Role:                   royaltydomain.Role(req.Role),
		SplitType:              royaltydomain.SplitType(req.SplitType),
		Percentage:             percentage,
		FixedAmount:            fixedAmount,
		AppliesToStreams:       req.AppliesToStreams,
		AppliesToDownloads:     req.AppliesToDownloads,
		AppliesToDistributions: req.AppliesToDistributions,
		AppliesToTips:          req.AppliesToTips,
		AppliesToSales:         req.AppliesToSales,
		TerritorialScope:       req.TerritorialScope,
		MinimumPayoutAmount:    minimumPayout,
		PayoutFrequency:        royaltydomain.PayoutFrequency(req.PayoutFrequency),
		MinimumPlays:           req.MinimumPlays,
		MinimumRevenue:         minimumRevenue,
		AutoPayoutEnabled:      req.AutoPayoutEnabled,
		ExpiresAt:              req.ExpiresAt,
	}
	if req.EffectiveFrom != nil {
		in.EffectiveFrom = *req.EffectiveFrom
	}

	split, err := s.royaltySvc.CreateSplit(ctx, in)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": split})
}

func (s *Server) splitTransition(c *gin.Context, apply func(ctx *gin.Context, id snowflake.ID) (*royaltydomain.RoyaltySplit, error)) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := s.authzSvc.Authorize(c.Request.Context(), actorFrom(c), authorization.ObjectRoyaltySplit, authorization.ActionRoyaltyManage); err != nil {
		AbortWithError(c, err)
		return
	}

	split, err := apply(c, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": split})
}

func (s *Server) ApproveSplit(c *gin.Context) {
	s.splitTransition(c, func(c *gin.Context, id snowflake.ID) (*royaltydomain.RoyaltySplit, error) {
		return s.royaltySvc.ApproveSplit(c.Request.Context(), id)
	})
}

func (s *Server) SuspendSplit(c *gin.Context) {
	s.splitTransition(c, func(c *gin.Context, id snowflake.ID) (*royaltydomain.RoyaltySplit, error) {
		return s.royaltySvc.SuspendSplit(c.Request.Context(), id)
	})
}

func (s *Server) TerminateSplit(c *gin.Context) {
	s.splitTransition(c, func(c *gin.Context, id snowflake.ID) (*royaltydomain.RoyaltySplit, error) {
		return s.royaltySvc.TerminateSplit(c.Request.Context(), id)
	})
}

// GetSongRoyalties returns the song's splits and its cumulative revenue
// summary in one response.
func (s *Server) GetSongRoyalties(c *gin.Context) {
	songID, ok := parseID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	splits, err := s.royaltySvc.SongSplits(ctx, songID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	summary, err := s.royaltySvc.SongSummary(ctx, songID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"splits":  splits,
		"summary": summary,
	}})
}
