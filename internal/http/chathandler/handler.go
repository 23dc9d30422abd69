package chathandler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"livemarket/internal/http/authmw"
	"livemarket/internal/http/httperr"
	"livemarket/internal/models"
)

// Reader is the read side of the conversation coordinator.
type Reader interface {
	Conversations(ctx context.Context, userID string) ([]models.Conversation, error)
	Messages(ctx context.Context, conversationID, userID string) ([]models.Message, error)
	UnseenCounts(ctx context.Context, userID string) (map[string]int64, error)
}

type Handler struct {
	svc Reader
}

func New(svc Reader) *Handler { return &Handler{svc: svc} }

// Register mounts the routes. r must already run authmw.Require.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/conversations", h.conversations)
	r.GET("/conversations/:id/messages", h.messages)
	r.GET("/users/me/unseen", h.unseen)
}

// @Summary		List my conversations
// @Tags			Chat
// @Security		BearerAuth
// @Success		200	{array}		models.Conversation
// @Failure		401	{object}	httperr.ErrorResponse
// @Router			/conversations [get]
func (h *Handler) conversations(c *gin.Context) {
	out, err := h.svc.Conversations(c.Request.Context(), authmw.User(c).ID)
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		Conversation history
// @Description	Messages oldest first. Only participants may read them.
// @Tags			Chat
// @Security		BearerAuth
// @Param			id	path		string	true	"Conversation ID"
// @Success		200	{array}		models.Message
// @Failure		403	{object}	httperr.ErrorResponse
// @Failure		404	{object}	httperr.ErrorResponse
// @Router			/conversations/{id}/messages [get]
func (h *Handler) messages(c *gin.Context) {
	out, err := h.svc.Messages(c.Request.Context(), c.Param("id"), authmw.User(c).ID)
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		Unseen message counts
// @Description	Conversation id to number of messages from others not yet seen.
// @Tags			Chat
// @Security		BearerAuth
// @Success		200	{object}	map[string]int64
// @Router			/users/me/unseen [get]
func (h *Handler) unseen(c *gin.Context) {
	out, err := h.svc.UnseenCounts(c.Request.Context(), authmw.User(c).ID)
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
