package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/meterbill/meterbill/internal/ledger/domain"
	reconciledomain "github.com/meterbill/meterbill/internal/reconcile/domain"
)

func (s *Server) GetConsistencyReport(c *gin.Context) {
	var scope reconciledomain.Scope
	if raw := strings.TrimSpace(c.Query("account_id")); raw != "" {
		accountID, err := parseAccountID(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		scope.AccountID = accountID
	}
	scope.Resource = ledgerdomain.ResourceRef{
		Type: strings.TrimSpace(c.Query("resource_type")),
		ID:   strings.TrimSpace(c.Query("resource_id")),
	}

	report, err := s.verifier.Verify(c.Request.Context(), scope)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}
