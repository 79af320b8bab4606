package apperr

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gigmarket/orderflow/internal/logging"
)

// Respond writes err as the standard {"error","message"} JSON body with the
// status mapped from its Kind. Internal errors are logged with the request
// id and never echoed.
func Respond(c *gin.Context, err error) {
	status := HTTPStatus(err)
	if KindOf(err) == Internal {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.FullPath(),
			"error", err,
		)
	}
	c.JSON(status, gin.H{
		"error":   Code(err),
		"message": Message(err),
	})
}

// BadBody responds 400 for a request body that failed to bind.
func BadBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}
