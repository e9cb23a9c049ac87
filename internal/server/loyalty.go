package server

import (
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	loyaltydomain "github.com/smallbiznis/hotspotd/internal/loyalty/domain"
)

type redeemPointsRequest struct {
	RewardID   string `json:"reward_id"`
	PointsCost int64  `json:"points_cost"`
}

type approveRedemptionRequest struct {
	AssignedTo string `json:"assigned_to"`
}

func (s *Server) GetLoyaltyBalance(c *gin.Context) {
	phone := c.Param("phone")
	balance, err := s.loyalty.Balance(c.Request.Context(), phone)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"phone_number": phone,
		"balance":      balance,
	})
}

func (s *Server) ListLoyaltyHistory(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
		return
	}

	txs, err := s.loyalty.History(c.Request.Context(), c.Param("phone"), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": txs})
}

func (s *Server) RedeemPoints(c *gin.Context) {
	var req redeemPointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tx, err := s.loyalty.OnRedeem(c.Request.Context(), c.Param("phone"), req.RewardID, req.PointsCost)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, tx)
}

func (s *Server) ListPointRules(c *gin.Context) {
	rules, err := s.loyalty.ListRules(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rules})
}

func (s *Server) CreatePointRule(c *gin.Context) {
	var req loyaltydomain.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	rule, err := s.loyalty.CreateRule(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, rule)
}

func (s *Server) DeactivatePointRule(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		AbortWithError(c, newValidationError("id", "invalid_rule_id", "rule id must be a positive integer"))
		return
	}

	rule, err := s.loyalty.DeactivateRule(c.Request.Context(), snowflake.ID(id))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, rule)
}

func (s *Server) GetLoyaltyTier(c *gin.Context) {
	tier, err := s.loyalty.Tier(c.Request.Context(), c.Param("phone"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, tier)
}

func (s *Server) ListLoyaltyTiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.loyalty.Tiers(c.Request.Context())})
}

func (s *Server) ListPendingRedemptions(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
		return
	}

	txs, err := s.loyalty.PendingRedemptions(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": txs})
}

func (s *Server) ApproveRedemption(c *gin.Context) {
	var req approveRedemptionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	tx, err := s.loyalty.ApproveRedemption(c.Request.Context(), c.Param("id"), req.AssignedTo)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, tx)
}

func (s *Server) DeliverRedemption(c *gin.Context) {
	tx, err := s.loyalty.MarkRedemptionDelivered(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, tx)
}
