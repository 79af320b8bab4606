package security

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// CallbackTokenHeader carries the shared secret on provider callbacks.
const CallbackTokenHeader = "X-Callback-Token"

// TokenEqual compares secrets in constant time.
func TokenEqual(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// RequireCallbackToken rejects callbacks whose header does not match token.
// An empty token disables the check, which is only acceptable in development.
func RequireCallbackToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if !TokenEqual(c.GetHeader(CallbackTokenHeader), token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_callback_token",
				"message": "Callback token missing or invalid",
			})
			return
		}
		c.Next()
	}
}
