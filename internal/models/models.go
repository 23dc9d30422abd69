package models

import "time"

// EntityKind distinguishes the two biddable listings.
type EntityKind string

const (
	KindProduct EntityKind = "product"
	KindDemand  EntityKind = "demand"
)

func (k EntityKind) Valid() bool {
	return k == KindProduct || k == KindDemand
}

// User is the display identity of a participant.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Bid is an immutable ledger entry.
type Bid struct {
	ID        string     `json:"id"`
	EntityID  string     `json:"entityId"`
	Kind      EntityKind `json:"kind"`
	BidderID  string     `json:"bidderId"`
	Bidder    *User      `json:"user,omitempty"`
	Amount    float64    `json:"amount"`
	Note      string     `json:"note,omitempty"`
	Images    []string   `json:"images,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// EntityCache is the highest-bid state derived from the bid ledger.
type EntityCache struct {
	EntityID         string     `json:"entityId"`
	Kind             EntityKind `json:"kind"`
	BidEnd           *time.Time `json:"bidEnd,omitempty"`
	HighestBidAmount float64    `json:"highestBidAmount"`
	HighestBidderID  string     `json:"highestBidderId,omitempty"`
	HighestBidAt     *time.Time `json:"highestBidAt,omitempty"`
	TotalBidCount    int64      `json:"totalBidCount"`
}

type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs []string  `json:"participants"`
	IsGroup        bool      `json:"isGroup"`
	LastMessageID  string    `json:"lastMessageId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type Message struct {
	ID             string               `json:"id"`
	ConversationID string               `json:"conversationId"`
	SenderID       string               `json:"senderId"`
	Sender         *User                `json:"sender,omitempty"`
	Text           string               `json:"text"`
	CreatedAt      time.Time            `json:"createdAt"`
	SeenBy         []string             `json:"seenBy"`
	SeenAt         map[string]time.Time `json:"seenAt"`
}

// SeenUpdate lists the messages a user acknowledged in one MarkSeen call.
type SeenUpdate struct {
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	MessageIDs     []string `json:"messageIds"`
}
