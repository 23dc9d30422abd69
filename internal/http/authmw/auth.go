// Package authmw authenticates REST requests with the same bearer tokens
// the websocket handshake accepts.
package authmw

import (
	"context"

	"github.com/gin-gonic/gin"

	"livemarket/internal/http/httperr"
	"livemarket/internal/identity"
	"livemarket/internal/models"
)

const userKey = "auth.user"

type Resolver interface {
	Resolve(ctx context.Context, token string) (models.User, error)
}

func Require(r Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := r.Resolve(c.Request.Context(), identity.Credential(c.Request))
		if err != nil {
			httperr.Abort(c, err)
			return
		}
		c.Set(userKey, u)
		c.Next()
	}
}

// User returns the authenticated user. It must only be called behind
// Require.
func User(c *gin.Context) models.User {
	return c.MustGet(userKey).(models.User)
}
