package server

import (
	"fmt"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	purchasedomain "github.com/soloventures/advai/internal/purchase/domain"
)

func parseSnowflake(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: bad id %q", errInvalidRequest, raw)
	}
	return id, nil
}

type purchaseCreditsRequest struct {
	Credits       int64  `json:"credits"`
	PaymentMethod string `json:"paymentMethod"`
	CardToken     string `json:"cardToken"`
}

func (s *Server) HandlePurchaseCredits(c *gin.Context) {
	teamID, err := s.identity.ResolveTeam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req purchaseCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, purchasedomain.ErrInvalidCredits)
		return
	}

	resp, err := s.purchaseSvc.PurchaseCredits(c.Request.Context(), teamID, purchasedomain.PurchaseCreditsRequest{
		Credits:       req.Credits,
		PaymentMethod: req.PaymentMethod,
		CardToken:     req.CardToken,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactionId": resp.TransactionID.String(),
		"paymentId":     resp.PaymentID,
		"invoiceUrl":    resp.InvoiceURL,
		"amount":        resp.Amount,
		"pixQrCode":     resp.PixQRCode,
		"pixCopyPaste":  resp.PixCopyPaste,
	})
}

type subscribeRequest struct {
	PlanID    string `json:"planId"`
	CardToken string `json:"cardToken"`
}

func (s *Server) HandleSubscribe(c *gin.Context) {
	teamID, err := s.identity.ResolveTeam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errInvalidRequest)
		return
	}
	planID, err := parseSnowflake(req.PlanID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.purchaseSvc.Subscribe(c.Request.Context(), teamID, purchasedomain.SubscribeRequest{
		PlanID:    planID,
		CardToken: req.CardToken,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscriptionId": resp.SubscriptionID,
		"status":         resp.Status,
		"invoiceUrl":     resp.InvoiceURL,
	})
}

func (s *Server) HandleListPlans(c *gin.Context) {
	plans, err := s.plans.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]gin.H, 0, len(plans))
	for _, p := range plans {
		out = append(out, gin.H{
			"id":           p.ID.String(),
			"name":         p.Name,
			"monthlyPrice": p.MonthlyPrice,
			"creditLimit":  p.CreditLimit,
		})
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

func (s *Server) HandleListTransactions(c *gin.Context) {
	teamID, err := s.identity.ResolveTeam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	trns, err := s.ledger.ListByTeam(c.Request.Context(), teamID, 50)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]gin.H, 0, len(trns))
	for _, trn := range trns {
		out = append(out, gin.H{
			"id":          trn.ID.String(),
			"kind":        trn.Kind,
			"amount":      trn.Amount,
			"status":      trn.Status,
			"description": trn.Description,
			"invoiceUrl":  trn.InvoiceURL,
			"paidAt":      trn.PaidAt,
			"createdAt":   trn.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}
