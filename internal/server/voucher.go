package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type activateVoucherRequest struct {
	MACAddress string `json:"mac_address"`
}

func (s *Server) ActivateVoucher(c *gin.Context) {
	var req activateVoucherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.MACAddress) == "" {
		AbortWithError(c, newValidationError("mac_address", "required", "mac_address is required"))
		return
	}

	v, err := s.vouchers.Activate(c.Request.Context(), c.Param("code"), req.MACAddress)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, v)
}

func (s *Server) CancelVoucher(c *gin.Context) {
	v, err := s.vouchers.Cancel(c.Request.Context(), c.Param("code"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, v)
}

func (s *Server) GetVoucherStatus(c *gin.Context) {
	status, err := s.vouchers.Status(c.Request.Context(), c.Param("code"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) ListDevices(c *gin.Context) {
	bindings, err := s.devices.List(c.Request.Context(), c.Param("code"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": bindings})
}

func (s *Server) RevokeDevice(c *gin.Context) {
	if err := s.devices.Revoke(c.Request.Context(), c.Param("code"), c.Param("mac")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
