package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	revenuedomain "github.com/sautistream/ledgercore/internal/revenue/domain"
	"github.com/shopspring/decimal"
)

type enqueuePlayRequest struct {
	SongID          string `json:"song_id"`
	ArtistID        string `json:"artist_id"`
	ListenerID      string `json:"listener_id"`
	PremiumListener bool   `json:"premium_listener"`
	Country         string `json:"country"`
	ListenedSeconds int    `json:"listened_seconds"`
	DurationSeconds int    `json:"duration_seconds"`
	Reference       string `json:"reference"`
}

// EnqueuePlay stages a tracked play; the accrual itself happens on the next
// scheduler tick so the hot path stays one insert.
func (s *Server) EnqueuePlay(c *gin.Context) {
	var req enqueuePlayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	songID, err := snowflake.ParseString(req.SongID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	artistID, err := snowflake.ParseString(req.ArtistID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	listenerID, err := snowflake.ParseString(req.ListenerID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	if s.playLimiter.Enabled() {
		allowed, err := s.playLimiter.AllowGlobal(ctx)
		if err == nil && allowed {
			allowed, err = s.playLimiter.AllowListener(ctx, listenerID.String())
		}
		// A broken limiter fails open.
		if err == nil && !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{
				"type":    "rate_limited",
				"message": "too many plays",
			}})
			return
		}
	}

	if err := s.revenueSvc.Enqueue(ctx, revenuedomain.PlayInput{
		SongID:          songID,
		ArtistID:        artistID,
		ListenerID:      listenerID,
		PremiumListener: req.PremiumListener,
		Country:         req.Country,
		ListenedSeconds: req.ListenedSeconds,
		DurationSeconds: req.DurationSeconds,
		Reference:       req.Reference,
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type directRevenueRequest struct {
	SongID      string `json:"song_id"`
	ArtistID    string `json:"artist_id"`
	RevenueType string `json:"revenue_type"`
	GrossAmount string `json:"gross_amount"`
	Territory   string `json:"territory"`
	Reference   string `json:"reference"`
}

func (s *Server) RecordDirectRevenue(c *gin.Context) {
	var req directRevenueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	songID, err := snowflake.ParseString(req.SongID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	artistID, err := snowflake.ParseString(req.ArtistID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	gross, err := decimal.NewFromString(req.GrossAmount)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	accrual, err := s.revenueSvc.RecordDirect(c.Request.Context(), revenuedomain.DirectInput{
		SongID:      songID,
		ArtistID:    artistID,
		RevenueType: revenuedomain.RevenueType(req.RevenueType),
		GrossAmount: gross,
		Territory:   req.Territory,
		Reference:   req.Reference,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": accrual})
}
