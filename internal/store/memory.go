package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"livemarket/internal/liveerrors"
	"livemarket/internal/models"
)

// MemoryStore is a concurrency-safe in-memory Store. It backs local runs
// (STORE_DRIVER=memory) and the coordinator tests.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]models.User
	entities      map[string]models.EntityCache
	bids          map[string][]models.Bid // entityID -> ledger
	conversations map[string]models.Conversation
	pairs         map[string]string // pair key -> conversationID
	messages      map[string][]models.Message
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]models.User),
		entities:      make(map[string]models.EntityCache),
		bids:          make(map[string][]models.Bid),
		conversations: make(map[string]models.Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string][]models.Message),
	}
}

// AddUser seeds a user record.
func (m *MemoryStore) AddUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// AddEntity seeds an auction entity with an empty cache.
func (m *MemoryStore) AddEntity(id string, kind models.EntityKind, bidEnd *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[id] = models.EntityCache{EntityID: id, Kind: kind, BidEnd: bidEnd}
}

// AddGroupConversation seeds a group conversation.
func (m *MemoryStore) AddGroupConversation(id string, participants ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := append([]string(nil), participants...)
	sort.Strings(ids)
	m.conversations[id] = models.Conversation{ID: id, ParticipantIDs: ids, IsGroup: true, CreatedAt: time.Now().UTC()}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) GetUser(_ context.Context, id string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, liveerrors.ErrNotFound)
	}
	return u, nil
}

func (m *MemoryStore) GetEntity(_ context.Context, id string) (models.EntityCache, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return models.EntityCache{}, fmt.Errorf("entity %s: %w", id, liveerrors.ErrNotFound)
	}
	return e, nil
}

func (m *MemoryStore) CreateBid(_ context.Context, arg CreateBidParams) (CreateBidResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bid := arg.Bid
	e, ok := m.entities[bid.EntityID]
	if !ok {
		return CreateBidResult{}, fmt.Errorf("entity %s: %w", bid.EntityID, liveerrors.ErrNotFound)
	}
	if err := checkBidTarget(e, bid, arg.EnforceWindow); err != nil {
		return CreateBidResult{}, err
	}

	bid.Images = append([]string(nil), bid.Images...)
	m.bids[bid.EntityID] = append(m.bids[bid.EntityID], bid)

	promoted := bid.Amount > e.HighestBidAmount
	e.TotalBidCount++
	if promoted {
		at := bid.CreatedAt
		e.HighestBidAmount = bid.Amount
		e.HighestBidderID = bid.BidderID
		e.HighestBidAt = &at
	}
	m.entities[bid.EntityID] = e
	return CreateBidResult{Bid: bid, Entity: e, Promoted: promoted}, nil
}

func (m *MemoryStore) ListBidsByEntity(_ context.Context, entityID string, kind models.EntityKind) ([]models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Bid, 0, len(m.bids[entityID]))
	for _, b := range m.bids[entityID] {
		if b.Kind != kind {
			continue
		}
		bidder := m.users[b.BidderID]
		bidder.ID = b.BidderID
		bidder.Role = ""
		b.Bidder = &bidder
		out = append(out, b)
	}
	RankBids(out)
	return out, nil
}

func (m *MemoryStore) RebuildEntityCache(_ context.Context, entityID string) (models.EntityCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[entityID]
	if !ok {
		return models.EntityCache{}, fmt.Errorf("entity %s: %w", entityID, liveerrors.ErrNotFound)
	}
	ledger := append([]models.Bid(nil), m.bids[entityID]...)
	RankBids(ledger)

	e.TotalBidCount = int64(len(ledger))
	e.HighestBidAmount, e.HighestBidderID, e.HighestBidAt = 0, "", nil
	if len(ledger) > 0 {
		at := ledger[0].CreatedAt
		e.HighestBidAmount = ledger[0].Amount
		e.HighestBidderID = ledger[0].BidderID
		e.HighestBidAt = &at
	}
	m.entities[entityID] = e
	return e, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, liveerrors.ErrNotFound)
	}
	return c, nil
}

func (m *MemoryStore) ListConversations(_ context.Context, userID string) ([]models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Conversation, 0)
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) FindConversationByParticipants(_ context.Context, a, b string) (models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.pairs[PairKey(a, b)]
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", PairKey(a, b), liveerrors.ErrNotFound)
	}
	return m.conversations[id], nil
}

func (m *MemoryStore) CreateDirectConversation(_ context.Context, arg CreateConversationParams) (CreateConversationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := PairKey(arg.UserA, arg.UserB)
	if id, ok := m.pairs[key]; ok {
		return CreateConversationResult{Conversation: m.conversations[id]}, nil
	}
	participants := []string{arg.UserA, arg.UserB}
	sort.Strings(participants)
	c := models.Conversation{ID: arg.ID, ParticipantIDs: participants, CreatedAt: arg.CreatedAt.UTC()}
	m.conversations[c.ID] = c
	m.pairs[key] = c.ID
	return CreateConversationResult{Conversation: c, Created: true}, nil
}

func (m *MemoryStore) CreateMessage(_ context.Context, msg models.Message) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return models.Message{}, fmt.Errorf("conversation %s: %w", msg.ConversationID, liveerrors.ErrNotFound)
	}
	msg.SeenBy = []string{msg.SenderID}
	msg.SeenAt = map[string]time.Time{msg.SenderID: msg.CreatedAt}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	c.LastMessageID = msg.ID
	m.conversations[c.ID] = c
	return copyMessage(msg), nil
}

func (m *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Message, 0, len(m.messages[conversationID]))
	for _, msg := range m.messages[conversationID] {
		msg = copyMessage(msg)
		sender := m.users[msg.SenderID]
		sender.ID = msg.SenderID
		sender.Role = ""
		msg.Sender = &sender
		out = append(out, msg)
	}
	return out, nil
}

func (m *MemoryStore) MarkMessagesSeen(_ context.Context, conversationID, userID string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0)
	msgs := m.messages[conversationID]
	for i := range msgs {
		if _, seen := msgs[i].SeenAt[userID]; seen {
			continue
		}
		msgs[i].SeenBy = append(msgs[i].SeenBy, userID)
		msgs[i].SeenAt[userID] = at
		ids = append(ids, msgs[i].ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) UnseenCounts(_ context.Context, userID string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int64)
	for id, c := range m.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		for _, msg := range m.messages[id] {
			if msg.SenderID == userID {
				continue
			}
			if _, seen := msg.SeenAt[userID]; !seen {
				counts[id]++
			}
		}
	}
	return counts, nil
}

func copyMessage(msg models.Message) models.Message {
	msg.SeenBy = append([]string(nil), msg.SeenBy...)
	seenAt := make(map[string]time.Time, len(msg.SeenAt))
	for k, v := range msg.SeenAt {
		seenAt[k] = v
	}
	msg.SeenAt = seenAt
	return msg
}
