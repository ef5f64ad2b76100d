package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/meterline/meterline/internal/subscription"
)

const headerPSPSignature = "Psp-Signature"

// HandlePSPWebhook verifies the provider signature before touching the
// payload; unverified bodies are never parsed.
func (s *Server) HandlePSPWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.webhookSvc.Verify(body, c.GetHeader(headerPSPSignature)); err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.webhookSvc.Handle(c.Request.Context(), body); err != nil {
		// Event types outside the subscription contract are acknowledged so
		// the provider stops retrying them.
		if errors.Is(err, subscription.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
