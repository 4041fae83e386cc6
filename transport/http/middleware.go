package http

import (
	"github.com/gin-gonic/gin"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/ports"
)

// PaymentMiddleware admits requests whose Authorization header proves
// payment under policy. Everything else receives the gate's decision.
func PaymentMiddleware(gate ports.Gate, policy core.Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		result := gate.Authorize(c.Request.Context(), c.GetHeader("Authorization"), policy)
		if !result.IsAuthorized() {
			abortWithResult(c, result)
			return
		}

		c.Set(ContextReference, result.Reference.Hex())
		if result.Receipt != "" {
			c.Header(HeaderReceipt, result.Receipt)
		}

		c.Next()
	}
}
