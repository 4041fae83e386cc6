package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/paygate/core"
)

const (
	// HeaderReceipt carries the signed receipt of an authorized payment.
	HeaderReceipt = "Payment-Receipt"

	// ContextReference is the gin context key holding the paying transaction hash.
	ContextReference = "paymentReference"
)

// ChallengeResponse is the JSON form of an issued challenge.
type ChallengeResponse struct {
	ID        string          `json:"id"`
	Realm     string          `json:"realm"`
	Method    string          `json:"method"`
	Request   RequestResponse `json:"request"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// RequestResponse is the JSON form of a payment request. Amounts are decimal
// strings in token base units.
type RequestResponse struct {
	Amount      string    `json:"amount"`
	Asset       string    `json:"asset"`
	Destination string    `json:"destination"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func toChallengeResponse(ch *core.Challenge) ChallengeResponse {
	return ChallengeResponse{
		ID:     ch.ID,
		Realm:  ch.Realm,
		Method: ch.Method,
		Request: RequestResponse{
			Amount:      ch.Request.Amount.String(),
			Asset:       ch.Request.Asset.Hex(),
			Destination: ch.Request.Destination.Hex(),
			ExpiresAt:   ch.Request.ExpiresAt.UTC(),
		},
		ExpiresAt: ch.ExpiresAt.UTC(),
	}
}

// StatusFor maps a gate result to an HTTP status code.
func StatusFor(result core.GateResult) int {
	switch result.Outcome {
	case core.OutcomeAuthorized:
		return http.StatusOK
	case core.OutcomeUnavailable:
		return http.StatusServiceUnavailable
	case core.OutcomeChallengeRequired:
		if result.Code == core.CodeMalformedCredential {
			return http.StatusBadRequest
		}
		return http.StatusPaymentRequired
	}

	switch result.Code {
	case core.CodeMalformedCredential, core.CodeInvalidReference, core.CodeProofMismatch:
		return http.StatusBadRequest
	case core.CodeUnknownChallenge:
		return http.StatusUnauthorized
	case core.CodeInfrastructure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusPaymentRequired
	}
}

// ChallengeHeader renders a WWW-Authenticate value for ch.
func ChallengeHeader(ch *core.Challenge) (string, error) {
	request, err := json.Marshal(toChallengeResponse(ch).Request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	return fmt.Sprintf(`%s id="%s", realm="%s", method="%s", request="%s", expires="%s"`,
		core.Scheme,
		ch.ID,
		ch.Realm,
		ch.Method,
		base64.RawURLEncoding.EncodeToString(request),
		ch.ExpiresAt.UTC().Format(time.RFC3339),
	), nil
}

// abortWithResult writes a non-authorized result and stops the chain.
func abortWithResult(c *gin.Context, result core.GateResult) {
	body := gin.H{
		"error":   string(result.Code),
		"message": result.Message,
	}

	if result.Challenge != nil {
		header, err := ChallengeHeader(result.Challenge)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to render challenge"})
			return
		}
		c.Header("WWW-Authenticate", header)
		body["challenge"] = toChallengeResponse(result.Challenge)
	}
	if result.Outcome == core.OutcomeUnavailable {
		c.Header("Retry-After", "1")
	}

	c.AbortWithStatusJSON(StatusFor(result), body)
}
