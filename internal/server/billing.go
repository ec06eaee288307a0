package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/meterbill/meterbill/internal/billing/domain"
	ledgerdomain "github.com/meterbill/meterbill/internal/ledger/domain"
)

func (s *Server) ReportUsage(c *gin.Context) {
	var req billingdomain.BillUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.billingSvc.BillUsage(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ApplyAdjustment(c *gin.Context) {
	var req billingdomain.AdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entry, err := s.billingSvc.ApplyAdjustment(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, entry)
}

func (s *Server) FinalizeResource(c *gin.Context) {
	var ref ledgerdomain.ResourceRef
	if err := c.ShouldBindJSON(&ref); err != nil {
		AbortWithError(c, ledgerdomain.ErrInvalidResourceRef)
		return
	}

	if err := s.billingSvc.FinalizeResource(c.Request.Context(), ref); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"finalized": true})
}
