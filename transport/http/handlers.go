package http

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/ports"
)

// maxProofSize bounds redemption request bodies.
const maxProofSize = 64 << 10

// GateHandlers contains HTTP handlers for payment endpoints
type GateHandlers struct {
	gate   ports.Gate
	policy core.Policy
}

// NewGateHandlers creates new payment handlers
func NewGateHandlers(gate ports.Gate, policy core.Policy) *GateHandlers {
	return &GateHandlers{
		gate:   gate,
		policy: policy,
	}
}

// Challenge issues a fresh challenge
func (h *GateHandlers) Challenge(c *gin.Context) {
	result := h.gate.IssueChallenge(c.Request.Context(), h.policy)
	if result.Challenge == nil {
		abortWithResult(c, result)
		return
	}

	header, err := ChallengeHeader(result.Challenge)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to render challenge"})
		return
	}

	c.Header("WWW-Authenticate", header)
	c.JSON(http.StatusOK, gin.H{"challenge": toChallengeResponse(result.Challenge)})
}

// Redeem settles a challenge-bound proof posted as the JSON envelope
// {"id": ..., "payload": {...}}
func (h *GateHandlers) Redeem(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxProofSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	proof, err := core.DecodeProof(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   string(core.CodeMalformedCredential),
			"message": err.Error(),
		})
		return
	}

	result := h.gate.Redeem(c.Request.Context(), proof)
	if !result.IsAuthorized() {
		abortWithResult(c, result)
		return
	}

	if result.Receipt != "" {
		c.Header(HeaderReceipt, result.Receipt)
	}
	c.JSON(http.StatusOK, gin.H{
		"authorized":   true,
		"reference":    result.Reference.Hex(),
		"challenge_id": result.ChallengeID,
		"receipt":      result.Receipt,
	})
}

// Receipt verifies a receipt token sent in the Payment-Receipt header
func (h *GateHandlers) Receipt(c *gin.Context) {
	token := strings.TrimSpace(c.GetHeader(HeaderReceipt))
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing receipt"})
		return
	}

	receipt, err := h.gate.Receipt(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid receipt"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":           receipt.ID,
		"reference":    receipt.Reference.Hex(),
		"challenge_id": receipt.ChallengeID,
		"realm":        receipt.Realm,
		"issued_at":    receipt.IssuedAt.UTC(),
		"expires_at":   receipt.ExpiresAt.UTC(),
	})
}

// Resource is the protected example resource
func (h *GateHandlers) Resource(c *gin.Context) {
	// The reference is set by the payment middleware
	reference, exists := c.Get(ContextReference)
	if !exists {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Payment not found in context"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authorized": true,
		"reference":  reference,
	})
}

// Health reports liveness
func (h *GateHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
