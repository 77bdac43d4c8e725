package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	reconciledomain "github.com/soloventures/advai/internal/reconcile/domain"
	"go.uber.org/zap"
)

// HandleGatewayWebhook ingests Asaas payment events. The gateway retries on
// anything but 2xx, so every resolvable-or-ignorable delivery is acknowledged
// and only genuine internal failures surface as 500.
func (s *Server) HandleGatewayWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read body failed"})
		return
	}

	event, err := reconciledomain.ParseEvent(payload)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	outcome, err := s.reconcile.Process(c.Request.Context(), event)
	if err != nil {
		s.log.Error("webhook processing failed",
			zap.String("event", string(event.Kind)),
			zap.String("payment_id", event.Payment.ID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.log.Debug("webhook processed",
		zap.String("event", string(event.Kind)),
		zap.String("outcome", string(outcome)),
	)
	c.JSON(http.StatusOK, gin.H{"received": true})
}
