package auth

import (
	"bytes"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	headerAgentAddress   = "X-Agent-Address"
	headerAgentSignature = "X-Agent-Signature"

	// ContextKeyAgent is where the middleware stores the verified caller
	// address for downstream handlers.
	ContextKeyAgent = "agent_address"

	maxBodyBytes = 1 << 20
)

// Middleware validates that the request body was signed by the address the
// caller claims. When require is false, unsigned requests pass through with
// no agent identity attached; signed requests are still checked.
func Middleware(require bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.GetHeader(headerAgentAddress)
		sigHex := c.GetHeader(headerAgentSignature)

		if addr == "" && sigHex == "" {
			if require {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signed request required"})
				return
			}
			c.Next()
			return
		}
		if addr == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "both " + headerAgentAddress + " and " + headerAgentSignature + " are required"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "read body"})
			return
		}
		// Hand the body back for the gating handler.
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}

		signer, err := RecoverSigner(body, sig)
		if err != nil || !strings.EqualFold(signer.Hex(), addr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signature does not match claimed address"})
			return
		}

		c.Set(ContextKeyAgent, signer.Hex())
		c.Next()
	}
}
