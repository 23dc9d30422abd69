// Package httperr maps domain errors onto HTTP responses.
package httperr

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"livemarket/internal/liveerrors"
)

type ErrorResponse struct {
	Error string `json:"error"`
} // @name ErrorResponse

// Status returns the HTTP status for err.
func Status(err error) int {
	switch liveerrors.Code(err) {
	case "validation":
		return http.StatusBadRequest
	case "unauthenticated":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "bidding_closed":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Abort writes err as {"error": ...} and stops the handler chain.
func Abort(c *gin.Context, err error) {
	status := Status(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("http.request_failed",
			zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: liveerrors.Message(err)})
}
