package auctionhandler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"livemarket/internal/http/httperr"
	"livemarket/internal/models"
)

// Reader is the read side of the auction coordinator.
type Reader interface {
	Snapshot(ctx context.Context, entityID string) (models.EntityCache, error)
	RankedBids(ctx context.Context, entityID string, kind models.EntityKind) ([]models.Bid, error)
}

type Handler struct {
	svc Reader
}

func New(svc Reader) *Handler { return &Handler{svc: svc} }

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/entities/:id", h.info)
	r.GET("/entities/:id/bids", h.bids)
}

type BidsQuery struct {
	Kind string `form:"kind,default=product" binding:"oneof=product demand"`
} // @name BidsQuery

// @Summary		Get the highest-bid snapshot
// @Description	Returns the cached highest bid and bid count of a product or demand.
// @Tags			Entities
// @Param			id	path		string	true	"Entity ID"	default(p1)
// @Success		200	{object}	models.EntityCache
// @Failure		404	{object}	httperr.ErrorResponse
// @Router			/entities/{id} [get]
func (h *Handler) info(c *gin.Context) {
	snap, err := h.svc.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// @Summary		List ranked bids
// @Description	Bids of an entity, highest first; ties go to the earliest bid.
// @Tags			Entities
// @Param			id		path		string	true	"Entity ID"	default(p1)
// @Param			kind	query		string	false	"Entity kind"	Enums(product,demand)	default(product)
// @Success		200		{array}		models.Bid
// @Failure		400		{object}	httperr.ErrorResponse
// @Router			/entities/{id}/bids [get]
func (h *Handler) bids(c *gin.Context) {
	var q BidsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{Error: err.Error()})
		return
	}
	out, err := h.svc.RankedBids(c.Request.Context(), c.Param("id"), models.EntityKind(q.Kind))
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
