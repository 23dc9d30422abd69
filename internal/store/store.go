package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"livemarket/internal/models"
)

// Store is the persistence gateway used by the coordinators.
type Store interface {
	Ping(ctx context.Context) error

	GetUser(ctx context.Context, id string) (models.User, error)

	GetEntity(ctx context.Context, id string) (models.EntityCache, error)
	CreateBid(ctx context.Context, arg CreateBidParams) (CreateBidResult, error)
	ListBidsByEntity(ctx context.Context, entityID string, kind models.EntityKind) ([]models.Bid, error)
	RebuildEntityCache(ctx context.Context, entityID string) (models.EntityCache, error)

	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	FindConversationByParticipants(ctx context.Context, a, b string) (models.Conversation, error)
	CreateDirectConversation(ctx context.Context, arg CreateConversationParams) (CreateConversationResult, error)

	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	MarkMessagesSeen(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error)
	UnseenCounts(ctx context.Context, userID string) (map[string]int64, error)
}

// CreateBidParams appends Bid to the ledger. When EnforceWindow is set the
// bid is rejected if it was placed after the entity's bid end.
type CreateBidParams struct {
	Bid           models.Bid
	EnforceWindow bool
}

type CreateBidResult struct {
	Bid    models.Bid         `json:"bid"`
	Entity models.EntityCache `json:"entity"`
	// Promoted is true when Bid became the entity's highest bid.
	Promoted bool `json:"promoted"`
}

type CreateConversationParams struct {
	ID        string
	UserA     string
	UserB     string
	CreatedAt time.Time
}

type CreateConversationResult struct {
	Conversation models.Conversation
	// Created is false when a concurrent writer won the pair key.
	Created bool
}

// PairKey is the unique key of the direct conversation between a and b,
// independent of argument order.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

// RankBids orders bids by amount descending, then by earliest creation.
func RankBids(bids []models.Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].Amount != bids[j].Amount {
			return bids[i].Amount > bids[j].Amount
		}
		if !bids[i].CreatedAt.Equal(bids[j].CreatedAt) {
			return bids[i].CreatedAt.Before(bids[j].CreatedAt)
		}
		return bids[i].ID < bids[j].ID
	})
}
