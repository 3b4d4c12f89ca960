package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gridtrader/manager"
	"gridtrader/store"
)

func (s *Server) handleListGrids(c *gin.Context) {
	grids, err := s.grids.List(currentUserID(c), c.Query("portfolio_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, grids)
}

// handlePreviewGrid resolves the plan at the live price without funding it
func (s *Server) handlePreviewGrid(c *gin.Context) {
	var req manager.CreateGridInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	preview, err := s.grids.Preview(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (s *Server) handleCreateGrid(c *gin.Context) {
	var req manager.CreateGridInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	g, err := s.grids.Create(c.Request.Context(), currentUserID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

// handleGetGrid returns the grid with its order statistics
func (s *Server) handleGetGrid(c *gin.Context) {
	userID, id := currentUserID(c), c.Param("id")
	g, err := s.grids.Get(userID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	stats, err := s.grids.Statistics(userID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"grid": g, "statistics": stats})
}

func (s *Server) handlePauseGrid(c *gin.Context) {
	s.respondGrid(c)(s.grids.Pause(currentUserID(c), c.Param("id")))
}

func (s *Server) handleResumeGrid(c *gin.Context) {
	s.respondGrid(c)(s.grids.Resume(currentUserID(c), c.Param("id")))
}

func (s *Server) handleCancelGrid(c *gin.Context) {
	s.respondGrid(c)(s.grids.Cancel(currentUserID(c), c.Param("id")))
}

func (s *Server) handleRebalanceGrid(c *gin.Context) {
	s.respondGrid(c)(s.grids.Rebalance(c.Request.Context(), currentUserID(c), c.Param("id")))
}

func (s *Server) respondGrid(c *gin.Context) func(*store.Grid, error) {
	return func(g *store.Grid, err error) {
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, g)
	}
}

func (s *Server) handleGridOrders(c *gin.Context) {
	orders, err := s.grids.Orders(currentUserID(c), c.Param("id"), c.Query("status"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}
