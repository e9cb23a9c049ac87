package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountingdomain "github.com/smallbiznis/hotspotd/internal/accounting/domain"
	devicedomain "github.com/smallbiznis/hotspotd/internal/device/domain"
	loyaltydomain "github.com/smallbiznis/hotspotd/internal/loyalty/domain"
	purchasedomain "github.com/smallbiznis/hotspotd/internal/purchase/domain"
	sessiondomain "github.com/smallbiznis/hotspotd/internal/session/domain"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// domainErrors maps engine sentinels to a status and error type. The
// sentinel text is returned as the error code.
var domainErrors = []struct {
	err     error
	status  int
	errType string
}{
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{voucherdomain.ErrVoucherNotFound, http.StatusNotFound, "not_found"},
	{sessiondomain.ErrSessionNotFound, http.StatusNotFound, "not_found"},
	{devicedomain.ErrBindingNotFound, http.StatusNotFound, "not_found"},
	{loyaltydomain.ErrRuleNotFound, http.StatusNotFound, "not_found"},
	{loyaltydomain.ErrRedemptionNotFound, http.StatusNotFound, "not_found"},

	{voucherdomain.ErrAlreadyUsed, http.StatusConflict, "conflict"},
	{voucherdomain.ErrExpired, http.StatusConflict, "conflict"},
	{voucherdomain.ErrCancelled, http.StatusConflict, "conflict"},
	{voucherdomain.ErrNotActive, http.StatusConflict, "conflict"},
	{devicedomain.ErrConflict, http.StatusConflict, "conflict"},
	{devicedomain.ErrDeviceLimit, http.StatusConflict, "conflict"},
	{sessiondomain.ErrAlreadyOnline, http.StatusConflict, "conflict"},
	{sessiondomain.ErrDuplicateSession, http.StatusConflict, "conflict"},
	{sessiondomain.ErrSessionClosed, http.StatusConflict, "conflict"},
	{loyaltydomain.ErrRedemptionTransition, http.StatusConflict, "conflict"},

	{loyaltydomain.ErrInsufficientPoints, http.StatusUnprocessableEntity, "unprocessable"},
	{loyaltydomain.ErrOutOfStock, http.StatusUnprocessableEntity, "unprocessable"},

	{ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{voucherdomain.ErrCodeSpaceBusy, http.StatusServiceUnavailable, "service_unavailable"},
	{ErrServiceUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
}

var validationSentinels = []error{
	ErrInvalidRequest,
	accountingdomain.ErrInvalidEvent,
	purchasedomain.ErrInvalidPurchase,
	voucherdomain.ErrInvalidOrder,
	voucherdomain.ErrInvalidPackage,
	voucherdomain.ErrInvalidUsage,
	voucherdomain.ErrInvalidReason,
	devicedomain.ErrInvalidMAC,
	loyaltydomain.ErrInvalidPointsCost,
	loyaltydomain.ErrInvalidPhoneNumber,
	loyaltydomain.ErrInvalidOrder,
	loyaltydomain.ErrInvalidRule,
	loyaltydomain.ErrInvalidReward,
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if code, ok := validationErrorCode(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    code,
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(err, code),
				},
			},
		}
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	}

	for _, d := range domainErrors {
		if errors.Is(err, d.err) {
			return d.status, errorPayload{
				Type:    d.errType,
				Code:    d.err.Error(),
				Message: strings.ReplaceAll(d.err.Error(), "_", " "),
			}
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

// classifyErrorForLog feeds the request log with the mapped type and code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if code == "" {
		code = payload.Type
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func validationErrorCode(err error) (string, bool) {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error(), true
		}
	}
	return "", false
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	return strings.TrimPrefix(code, "invalid_")
}

func validationErrorMessage(err error, code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "invalid_purchase":
		// Carries the validator detail.
		return err.Error()
	default:
		return "invalid value"
	}
}
