package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"strategy-engine/internal/backtest"
	"strategy-engine/internal/engine"
	"strategy-engine/internal/engineerr"
	"strategy-engine/pkg/db"
)

type createBacktestRequest struct {
	Strategy       string         `json:"strategy" binding:"required,min=1"`
	Parameters     map[string]any `json:"parameters"`
	Symbol         string         `json:"symbol" binding:"required,min=1"`
	Timeframe      string         `json:"timeframe" binding:"required,min=1"`
	StartDate      string         `json:"start_date" binding:"required"`
	EndDate        string         `json:"end_date" binding:"required"`
	InitialCapital float64        `json:"initial_capital" binding:"gte=0"`
	FeeRate        *float64       `json:"fee_rate" binding:"omitempty,gte=0,lt=1"`
	SlippageBps    *float64       `json:"slippage_bps" binding:"omitempty,gte=0,lte=1000"`
	OrderSize      float64        `json:"order_size" binding:"gte=0"`
}

type listBacktestsQuery struct {
	Status   string `form:"status"`
	Strategy string `form:"strategy"`
	Symbol   string `form:"symbol"`
	Limit    int    `form:"limit"`
	Offset   int    `form:"offset"`
}

type listOrdersQuery struct {
	State string `form:"state"` // comma separated
	Limit int    `form:"limit"`
}

func (q *listBacktestsQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine error classes onto HTTP codes.
func (s *Server) respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrSubscriptionNotFound):
		respondError(c, http.StatusNotFound, "SUBSCRIPTION_NOT_FOUND", err.Error())
	case errors.Is(err, backtest.ErrNotFound):
		respondError(c, http.StatusNotFound, "BACKTEST_NOT_FOUND", err.Error())
	case errors.Is(err, engineerr.ErrConfiguration):
		respondError(c, http.StatusBadRequest, "INVALID_CONFIGURATION", err.Error())
	default:
		s.logger.Error("engine call failed", zap.String("path", c.FullPath()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
	}
}

func subscriptionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "INVALID_ID", "subscription id must be a positive integer")
		return 0, false
	}
	return id, true
}

// parseDate accepts RFC3339 timestamps and plain YYYY-MM-DD dates (UTC midnight).
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q must be RFC3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func (s *Server) getStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.Engine.Strategies()})
}

// Subscriptions

func (s *Server) listSubscriptions(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	subs, err := s.Engine.ListSubscriptions(c.Request.Context(), activeOnly)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (s *Server) getSubscriptionStatus(c *gin.Context) {
	id, ok := subscriptionID(c)
	if !ok {
		return
	}
	st, err := s.Engine.Status(c.Request.Context(), id)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getSubscriptionOrders(c *gin.Context) {
	id, ok := subscriptionID(c)
	if !ok {
		return
	}
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()

	f := db.OrderFilter{Limit: uint64(q.Limit)}
	for _, st := range strings.Split(q.State, ",") {
		if st = strings.TrimSpace(st); st != "" {
			f.States = append(f.States, db.OrderState(st))
		}
	}
	orders, err := s.Engine.ListOrders(c.Request.Context(), id, f)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) startSubscription(c *gin.Context) {
	id, ok := subscriptionID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := s.Engine.Start(ctx, id); err != nil {
		s.respondEngineError(c, err)
		return
	}
	s.logger.Info("subscription start requested", zap.Int64("subscription_id", id), zap.String("operator", CurrentOperator(c)))

	st, err := s.Engine.Status(ctx, id)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started", "runner": st})
}

func (s *Server) stopSubscription(c *gin.Context) {
	id, ok := subscriptionID(c)
	if !ok {
		return
	}
	if err := s.Engine.Stop(c.Request.Context(), id); err != nil {
		s.respondEngineError(c, err)
		return
	}
	s.logger.Info("subscription stop requested", zap.Int64("subscription_id", id), zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// Backtests

func (s *Server) createBacktest(c *gin.Context) {
	var req createBacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_DATE", err.Error())
		return
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_DATE", err.Error())
		return
	}

	id, err := s.Engine.RunBacktest(c.Request.Context(), backtest.Request{
		Strategy:       req.Strategy,
		Parameters:     req.Parameters,
		Symbol:         strings.ToUpper(req.Symbol),
		Timeframe:      req.Timeframe,
		Start:          start,
		End:            end,
		InitialCapital: req.InitialCapital,
		FeeRate:        req.FeeRate,
		SlippageBps:    req.SlippageBps,
		OrderSize:      req.OrderSize,
	})
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": backtest.StatusQueued})
}

func (s *Server) getBacktest(c *gin.Context) {
	st, err := s.Engine.GetBacktest(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) listBacktests(c *gin.Context) {
	var q listBacktestsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()

	runs, err := s.Engine.ListBacktests(c.Request.Context(), db.BacktestFilter{
		Status:   q.Status,
		Strategy: q.Strategy,
		Symbol:   strings.ToUpper(q.Symbol),
		Limit:    uint64(q.Limit),
		Offset:   uint64(q.Offset),
	})
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backtests": runs, "limit": q.Limit, "offset": q.Offset})
}

// System

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

// getMetrics returns system performance metrics.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}
