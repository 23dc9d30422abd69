// Package auction arbitrates bid submissions for products and demands and
// keeps every watcher of an entity room in sync with its ranked bid list.
package auction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"livemarket/internal/liveerrors"
	"livemarket/internal/models"
	"livemarket/internal/store"
)

const (
	EventUpdateBids       = "updateBids"
	EventUpdateDemandBids = "updateDemandBids"

	// commitTimeout bounds the persistence work of one bid once it reached
	// its lane; it is independent of the submitter's context.
	commitTimeout = 5 * time.Second
)

// EntityRoom is the room key of an entity's watchers. The kind prefix keeps
// entity rooms apart from conversation and personal rooms.
func EntityRoom(kind models.EntityKind, entityID string) string {
	return string(kind) + ":" + entityID
}

// BidsEvent names the room event carrying the ranked bids of kind.
func BidsEvent(kind models.EntityKind) string {
	if kind == models.KindDemand {
		return EventUpdateDemandBids
	}
	return EventUpdateBids
}

type Store interface {
	GetEntity(ctx context.Context, id string) (models.EntityCache, error)
	CreateBid(ctx context.Context, arg store.CreateBidParams) (store.CreateBidResult, error)
	ListBidsByEntity(ctx context.Context, entityID string, kind models.EntityKind) ([]models.Bid, error)
}

// Snapshots is the read-optimised copy of each entity cache.
type Snapshots interface {
	Put(ctx context.Context, e models.EntityCache) (bool, error)
	Get(ctx context.Context, entityID string) (models.EntityCache, bool, error)
}

type Rooms interface {
	Join(memberID, roomKey string) error
	Leave(memberID, roomKey string)
	Multicast(roomKey, event string, payload any) int
	Send(memberID, event string, payload any) bool
}

// Lanes runs fn exclusively for key.
type Lanes interface {
	Do(ctx context.Context, key string, fn func()) error
}

type Options struct {
	// EnforceWindow rejects bids placed after an entity's bid end.
	EnforceWindow bool
}

type BidSubmission struct {
	EntityID string
	Kind     models.EntityKind
	Bidder   models.User
	Amount   float64
	Note     string
	Images   []string
}

type Coordinator struct {
	store  Store
	mirror Snapshots
	rooms  Rooms
	lanes  Lanes
	opts   Options
	now    func() time.Time
}

// NewCoordinator wires the coordinator. mirror may be nil, in which case
// snapshots are always read from the store.
func NewCoordinator(st Store, mirror Snapshots, rooms Rooms, lanes Lanes, opts Options) *Coordinator {
	return &Coordinator{
		store:  st,
		mirror: mirror,
		rooms:  rooms,
		lanes:  lanes,
		opts:   opts,
		now:    time.Now,
	}
}

func validate(sub BidSubmission) error {
	if sub.Bidder.ID == "" {
		return fmt.Errorf("bidder: %w", liveerrors.ErrUnauthenticated)
	}
	if sub.EntityID == "" {
		return fmt.Errorf("entity id is required: %w", liveerrors.ErrValidation)
	}
	if !sub.Kind.Valid() {
		return fmt.Errorf("unknown entity kind %q: %w", sub.Kind, liveerrors.ErrValidation)
	}
	if math.IsNaN(sub.Amount) || math.IsInf(sub.Amount, 0) || sub.Amount <= 0 {
		return fmt.Errorf("amount must be a positive number: %w", liveerrors.ErrValidation)
	}
	return nil
}

// SubmitBid records the bid, refreshes the entity cache and multicasts the
// ranked bid list to the entity room. Commits for one entity never overlap.
func (c *Coordinator) SubmitBid(ctx context.Context, sub BidSubmission) (store.CreateBidResult, error) {
	if err := validate(sub); err != nil {
		return store.CreateBidResult{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return store.CreateBidResult{}, fmt.Errorf("bid id: %w", err)
	}

	bid := models.Bid{
		ID:       id.String(),
		EntityID: sub.EntityID,
		Kind:     sub.Kind,
		BidderID: sub.Bidder.ID,
		Amount:   sub.Amount,
	}
	if sub.Kind == models.KindDemand {
		bid.Note = sub.Note
		bid.Images = sub.Images
	}

	var (
		res       store.CreateBidResult
		commitErr error
	)
	err = c.lanes.Do(ctx, sub.EntityID, func() {
		res, commitErr = c.commit(ctx, bid)
	})
	if err != nil {
		return store.CreateBidResult{}, err
	}
	return res, commitErr
}

// commit runs on the entity's lane.
func (c *Coordinator) commit(parent context.Context, bid models.Bid) (store.CreateBidResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), commitTimeout)
	defer cancel()

	bid.CreatedAt = c.now().UTC()
	res, err := c.store.CreateBid(ctx, store.CreateBidParams{Bid: bid, EnforceWindow: c.opts.EnforceWindow})
	if err != nil {
		if liveerrors.Public(err) {
			return store.CreateBidResult{}, err
		}
		zap.L().Error("auction.persist_failed",
			zap.String("entity", bid.EntityID), zap.String("bidder", bid.BidderID),
			zap.Float64("amount", bid.Amount), zap.Error(err))
		if errors.Is(err, liveerrors.ErrLostUpdate) {
			return store.CreateBidResult{}, fmt.Errorf("bid %s: %w", bid.ID, liveerrors.ErrPersistence)
		}
		return store.CreateBidResult{}, err
	}

	if c.mirror != nil {
		if _, err := c.mirror.Put(ctx, res.Entity); err != nil {
			zap.L().Warn("auction.mirror_put", zap.String("entity", bid.EntityID), zap.Error(err))
		}
	}

	c.publish(ctx, bid.EntityID, bid.Kind)
	return res, nil
}

func (c *Coordinator) publish(ctx context.Context, entityID string, kind models.EntityKind) {
	bids, err := c.store.ListBidsByEntity(ctx, entityID, kind)
	if err != nil {
		zap.L().Error("auction.list_bids", zap.String("entity", entityID), zap.Error(err))
		return
	}
	n := c.rooms.Multicast(EntityRoom(kind, entityID), BidsEvent(kind), bids)
	zap.L().Debug("auction.published", zap.String("entity", entityID),
		zap.Int("bids", len(bids)), zap.Int("delivered", n))
}

// RankedBids lists the entity's bids, highest first, earliest first on ties.
func (c *Coordinator) RankedBids(ctx context.Context, entityID string, kind models.EntityKind) ([]models.Bid, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown entity kind %q: %w", kind, liveerrors.ErrValidation)
	}
	return c.store.ListBidsByEntity(ctx, entityID, kind)
}

// Snapshot serves the entity cache from the mirror, falling back to the
// store on a miss and warming the mirror with the result.
func (c *Coordinator) Snapshot(ctx context.Context, entityID string) (models.EntityCache, error) {
	if c.mirror != nil {
		e, ok, err := c.mirror.Get(ctx, entityID)
		if err != nil {
			zap.L().Warn("auction.mirror_get", zap.String("entity", entityID), zap.Error(err))
		}
		if ok {
			return e, nil
		}
	}

	e, err := c.store.GetEntity(ctx, entityID)
	if err != nil {
		return models.EntityCache{}, err
	}
	if c.mirror != nil {
		if _, err := c.mirror.Put(ctx, e); err != nil {
			zap.L().Warn("auction.mirror_warm", zap.String("entity", entityID), zap.Error(err))
		}
	}
	return e, nil
}

// JoinEntity subscribes memberID to the entity room and sends it the current
// ranked list privately. It runs on the entity's lane, so the private list
// is ordered against every broadcast.
func (c *Coordinator) JoinEntity(ctx context.Context, memberID, entityID string, kind models.EntityKind) error {
	if entityID == "" {
		return fmt.Errorf("entity id is required: %w", liveerrors.ErrValidation)
	}
	if !kind.Valid() {
		return fmt.Errorf("unknown entity kind %q: %w", kind, liveerrors.ErrValidation)
	}
	var joinErr error
	err := c.lanes.Do(ctx, entityID, func() {
		joinErr = c.join(ctx, memberID, entityID, kind)
	})
	if err != nil {
		return err
	}
	return joinErr
}

func (c *Coordinator) join(parent context.Context, memberID, entityID string, kind models.EntityKind) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), commitTimeout)
	defer cancel()

	e, err := c.store.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if e.Kind != kind {
		return fmt.Errorf("entity %s is a %s: %w", entityID, e.Kind, liveerrors.ErrNotFound)
	}
	if err := c.rooms.Join(memberID, EntityRoom(kind, entityID)); err != nil {
		return err
	}
	bids, err := c.store.ListBidsByEntity(ctx, entityID, kind)
	if err != nil {
		return err
	}
	c.rooms.Send(memberID, BidsEvent(kind), bids)
	return nil
}

func (c *Coordinator) LeaveEntity(memberID, entityID string, kind models.EntityKind) {
	c.rooms.Leave(memberID, EntityRoom(kind, entityID))
}
