package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/meterbill/meterbill/internal/ledger/domain"
)

func (s *Server) ListLedger(c *gin.Context) {
	var req ledgerdomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.Resource = ledgerdomain.ResourceRef{
		Type: strings.TrimSpace(c.Query("resource_type")),
		ID:   strings.TrimSpace(c.Query("resource_id")),
	}

	resp, err := s.ledgerSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func parseAccountID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, ErrInvalidRequest
	}
	return id, nil
}
