package ws

import (
	"bytes"
	"encoding/json"
)

// Envelope wraps every WS frame.
type Envelope struct {
	Event string          `json:"event"`          // e.g. "placeBid"
	Body  json.RawMessage `json:"body,omitempty"` // arbitrary JSON
}

// ──────────────────────────── Request / Response DTOs ─────────────────────────

// BidBody is the offer inside placeBid and placeDemandBid.
type BidBody struct {
	Price  float64  `json:"price" validate:"gt=0"`
	Note   string   `json:"note,omitempty" validate:"max=1000"`
	Images []string `json:"images,omitempty" validate:"max=10,dive,max=2048"`
}

// PlaceBidRequest is the body of "placeBid" and "placeDemandBid". Demands
// are addressed through productId as well.
type PlaceBidRequest struct {
	ProductID string  `json:"productId" validate:"required"`
	Bid       BidBody `json:"bid"`
}

type PlaceBidAck struct {
	BidID            string  `json:"bidId"`
	HighestBidAmount float64 `json:"highestBidAmount"`
	TotalBidCount    int64   `json:"totalBidCount"`
	Promoted         bool    `json:"promoted"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId"`
	Text           string `json:"text"`
	// Message is the legacy nesting {"message": {"text": ...}}.
	Message *struct {
		Text string `json:"text"`
	} `json:"message,omitempty"`
}

func (r SendMessageRequest) text() string {
	if r.Text == "" && r.Message != nil {
		return r.Message.Text
	}
	return r.Text
}

type SendMessageAck struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Created        bool   `json:"created"`
}

type OnlineAck struct {
	Online int `json:"online"`
}

// Empty ACK body (useful for many handlers).
type AckBody struct{}

// ErrorBody is returned for failures.
type ErrorBody struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// IDRef is the body of the join/leave events: either a bare JSON string
// ("p1") or an object carrying one of the id fields.
type IDRef string

func (r *IDRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = IDRef(s)
		return nil
	}
	var obj struct {
		ID             string `json:"id"`
		ProductID      string `json:"productId"`
		DemandID       string `json:"demandId"`
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	for _, v := range []string{obj.ID, obj.ProductID, obj.DemandID, obj.ConversationID, obj.UserID} {
		if v != "" {
			*r = IDRef(v)
			return nil
		}
	}
	*r = ""
	return nil
}
