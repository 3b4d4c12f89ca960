package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gridtrader/manager"
)

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleListPortfolios(c *gin.Context) {
	portfolios, err := s.portfolios.List(currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, portfolios)
}

func (s *Server) handleCreatePortfolio(c *gin.Context) {
	var req manager.CreatePortfolioInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := s.portfolios.Create(currentUserID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// handleGetPortfolio returns the portfolio valued at the last stored prices
func (s *Server) handleGetPortfolio(c *gin.Context) {
	summary, err := s.portfolios.Summary(currentUserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleUpdatePortfolio(c *gin.Context) {
	var req manager.UpdatePortfolioInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := s.portfolios.Update(currentUserID(c), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleDeletePortfolio(c *gin.Context) {
	if err := s.portfolios.Delete(currentUserID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "portfolio deleted"})
}

func (s *Server) handleHoldings(c *gin.Context) {
	holdings, err := s.portfolios.Holdings(currentUserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, holdings)
}

func (s *Server) handleListTransactions(c *gin.Context) {
	txs, err := s.portfolios.Transactions(currentUserID(c), c.Param("id"), queryInt(c, "limit", 100))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txs)
}

func (s *Server) handleCreateTransaction(c *gin.Context) {
	var req manager.TransactionInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	tx, err := s.portfolios.RecordTransaction(currentUserID(c), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

func (s *Server) handlePerformance(c *gin.Context) {
	perf, err := s.portfolios.Performance(currentUserID(c), c.Param("id"), queryInt(c, "limit", 500))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, perf)
}

// handleRefreshPortfolio revalues holdings from live quotes
func (s *Server) handleRefreshPortfolio(c *gin.Context) {
	summary, err := s.portfolios.Refresh(c.Request.Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
