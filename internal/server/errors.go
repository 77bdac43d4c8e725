package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/soloventures/advai/internal/gateway/asaas"
	"github.com/soloventures/advai/internal/identity"
	ledgerdomain "github.com/soloventures/advai/internal/ledger/domain"
	plandomain "github.com/soloventures/advai/internal/plan/domain"
	purchasedomain "github.com/soloventures/advai/internal/purchase/domain"
	reconciledomain "github.com/soloventures/advai/internal/reconcile/domain"
	teamdomain "github.com/soloventures/advai/internal/team/domain"
	"gorm.io/gorm"
)

var errInvalidRequest = errors.New("invalid request")

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
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

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	switch {
	case errors.Is(err, identity.ErrUnauthenticated):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "unauthorized"}
	case errors.Is(err, identity.ErrNoTeam):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "no team resolved"}
	case errors.Is(err, teamdomain.ErrTeamNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, ledgerdomain.ErrTransactionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}
	case errors.Is(err, purchasedomain.ErrInvalidCredits),
		errors.Is(err, purchasedomain.ErrInvalidPaymentMethod),
		errors.Is(err, purchasedomain.ErrMissingTaxID),
		errors.Is(err, reconciledomain.ErrInvalidEvent),
		errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}
	case errors.Is(err, purchasedomain.ErrInvoiceTimeout):
		return http.StatusGatewayTimeout, errorPayload{Type: "gateway_timeout", Message: err.Error()}
	}

	var apiErr *asaas.APIError
	if errors.As(err, &apiErr) {
		message := "payment gateway rejected the request"
		if len(apiErr.Descriptions) > 0 {
			message = strings.Join(apiErr.Descriptions, "; ")
		}
		return http.StatusBadGateway, errorPayload{Type: "gateway_error", Message: message}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}
