package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.catalog.Current().Plans()})
}

func (s *Server) ListCreditPackages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.catalog.Current().CreditPackages()})
}
