package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	purchasedomain "github.com/smallbiznis/hotspotd/internal/purchase/domain"
)

// SubmitPurchase records a completed payment and returns the voucher it
// produced. Replaying an order id returns the original result.
func (s *Server) SubmitPurchase(c *gin.Context) {
	var req purchasedomain.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.purchases.Submit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}
