package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gridtrader/manager"
)

func (s *Server) handleListAlerts(c *gin.Context) {
	alerts, err := s.alerts.List(currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (s *Server) handleCreateAlert(c *gin.Context) {
	var req manager.CreateAlertInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a, err := s.alerts.Create(currentUserID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) handleDeleteAlert(c *gin.Context) {
	if err := s.alerts.Delete(currentUserID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "alert deleted"})
}

// ==================== Backtest ====================

// handleBacktest simulates a grid over supplied prices or provider history
func (s *Server) handleBacktest(c *gin.Context) {
	var req manager.BacktestInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	result, err := s.backtests.Run(c.Request.Context(), currentUserID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListBacktests(c *gin.Context) {
	runs, err := s.backtests.List(currentUserID(c), queryInt(c, "limit", 50))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}
