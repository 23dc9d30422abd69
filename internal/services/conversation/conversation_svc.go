// Package conversation fans chat messages, typing signals and read receipts
// out to conversation rooms and the personal rooms of their participants.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"livemarket/internal/liveerrors"
	"livemarket/internal/models"
	"livemarket/internal/rooms"
	"livemarket/internal/store"
)

const (
	EventReceiveMessage  = "receiveMessage"
	EventNewConversation = "newConversation"
	EventTyping          = "typing"
	EventStopTyping      = "stopTyping"
	EventSeenUpdate      = "seenUpdate"

	// NewConversationID asks SendMessage to find or create the direct
	// conversation with the receiver.
	NewConversationID = "new"

	maxTextLen    = 4000
	commitTimeout = 5 * time.Second
)

type Store interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	FindConversationByParticipants(ctx context.Context, a, b string) (models.Conversation, error)
	CreateDirectConversation(ctx context.Context, arg store.CreateConversationParams) (store.CreateConversationResult, error)
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	MarkMessagesSeen(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error)
	UnseenCounts(ctx context.Context, userID string) (map[string]int64, error)
}

type Rooms interface {
	Join(memberID, roomKey string) error
	Leave(memberID, roomKey string)
	MulticastRooms(roomKeys []string, event string, payload any) int
}

type Lanes interface {
	Do(ctx context.Context, key string, fn func()) error
}

type SendMessageInput struct {
	ConversationID string
	ReceiverID     string
	Sender         models.User
	Text           string
}

type SendMessageResult struct {
	Message      models.Message      `json:"message"`
	Conversation models.Conversation `json:"conversation"`
	// Created is true when this call opened the conversation.
	Created bool `json:"created"`
}

// TypingSignal is relayed verbatim to the conversation's listeners.
type TypingSignal struct {
	ConversationID string      `json:"conversationId"`
	User           models.User `json:"user"`
}

type Coordinator struct {
	store Store
	rooms Rooms
	lanes Lanes
	now   func() time.Time
}

func NewCoordinator(st Store, rooms Rooms, lanes Lanes) *Coordinator {
	return &Coordinator{store: st, rooms: rooms, lanes: lanes, now: time.Now}
}

func display(u models.User) *models.User {
	u.Role = ""
	return &u
}

func isNew(id string) bool {
	return id == "" || id == NewConversationID
}

// SendMessage stores the message and delivers it to the conversation room
// and to every participant's personal room. When the conversation is
// created by this call each participant first receives newConversation.
func (c *Coordinator) SendMessage(ctx context.Context, in SendMessageInput) (SendMessageResult, error) {
	if in.Sender.ID == "" {
		return SendMessageResult{}, fmt.Errorf("sender: %w", liveerrors.ErrUnauthenticated)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return SendMessageResult{}, fmt.Errorf("text is required: %w", liveerrors.ErrValidation)
	}
	if len(text) > maxTextLen {
		return SendMessageResult{}, fmt.Errorf("text longer than %d bytes: %w", maxTextLen, liveerrors.ErrValidation)
	}

	conv, created, err := c.resolve(ctx, in)
	if err != nil {
		return SendMessageResult{}, err
	}
	if !conv.HasParticipant(in.Sender.ID) {
		return SendMessageResult{}, fmt.Errorf("sender %s is not in conversation %s: %w",
			in.Sender.ID, conv.ID, liveerrors.ErrValidation)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return SendMessageResult{}, fmt.Errorf("message id: %w", err)
	}
	msg, err := c.store.CreateMessage(ctx, models.Message{
		ID:             id.String(),
		ConversationID: conv.ID,
		SenderID:       in.Sender.ID,
		Text:           text,
		CreatedAt:      c.now().UTC(),
	})
	if err != nil {
		if !liveerrors.Public(err) {
			zap.L().Error("conversation.persist_failed",
				zap.String("conversation", conv.ID), zap.String("sender", in.Sender.ID), zap.Error(err))
		}
		return SendMessageResult{}, err
	}
	msg.Sender = display(in.Sender)
	conv.LastMessageID = msg.ID

	n := c.rooms.MulticastRooms(append([]string{conv.ID}, personalRooms(conv)...), EventReceiveMessage, msg)
	zap.L().Debug("conversation.delivered", zap.String("conversation", conv.ID),
		zap.String("message", msg.ID), zap.Int("delivered", n))

	return SendMessageResult{Message: msg, Conversation: conv, Created: created}, nil
}

// resolve loads the target conversation. First contact between two users is
// serialized per pair so both sides converge on one conversation.
func (c *Coordinator) resolve(ctx context.Context, in SendMessageInput) (models.Conversation, bool, error) {
	if !isNew(in.ConversationID) {
		conv, err := c.store.GetConversation(ctx, in.ConversationID)
		return conv, false, err
	}
	if in.ReceiverID == "" {
		return models.Conversation{}, false, fmt.Errorf("receiver is required for a new conversation: %w", liveerrors.ErrValidation)
	}
	if in.ReceiverID == in.Sender.ID {
		return models.Conversation{}, false, fmt.Errorf("cannot open a conversation with yourself: %w", liveerrors.ErrValidation)
	}
	if _, err := c.store.GetUser(ctx, in.ReceiverID); err != nil {
		return models.Conversation{}, false, err
	}

	var (
		conv    models.Conversation
		created bool
		opErr   error
	)
	err := c.lanes.Do(ctx, "pair:"+store.PairKey(in.Sender.ID, in.ReceiverID), func() {
		conv, created, opErr = c.findOrCreate(ctx, in.Sender.ID, in.ReceiverID)
	})
	if err != nil {
		return models.Conversation{}, false, err
	}
	return conv, created, opErr
}

func (c *Coordinator) findOrCreate(parent context.Context, a, b string) (models.Conversation, bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), commitTimeout)
	defer cancel()

	conv, err := c.store.FindConversationByParticipants(ctx, a, b)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, liveerrors.ErrNotFound) {
		return models.Conversation{}, false, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("conversation id: %w", err)
	}
	res, err := c.store.CreateDirectConversation(ctx, store.CreateConversationParams{
		ID: id.String(), UserA: a, UserB: b, CreatedAt: c.now().UTC(),
	})
	if err != nil {
		return models.Conversation{}, false, err
	}
	if res.Created {
		// still on the pair lane, so this precedes every message of the pair
		for _, key := range personalRooms(res.Conversation) {
			c.rooms.MulticastRooms([]string{key}, EventNewConversation, res.Conversation)
		}
	}
	return res.Conversation, res.Created, nil
}

func personalRooms(conv models.Conversation) []string {
	keys := make([]string, 0, len(conv.ParticipantIDs))
	for _, id := range conv.ParticipantIDs {
		keys = append(keys, rooms.UserRoom(id))
	}
	return keys
}

// Typing relays a typing signal to the conversation room and the sender's
// other devices. Nothing is stored. Only participants may signal.
func (c *Coordinator) Typing(ctx context.Context, conversationID string, sender models.User) error {
	return c.relay(ctx, EventTyping, conversationID, sender)
}

func (c *Coordinator) StopTyping(ctx context.Context, conversationID string, sender models.User) error {
	return c.relay(ctx, EventStopTyping, conversationID, sender)
}

func (c *Coordinator) relay(ctx context.Context, event, conversationID string, sender models.User) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required: %w", liveerrors.ErrValidation)
	}
	conv, err := c.participantOf(ctx, conversationID, sender.ID)
	if err != nil {
		return err
	}
	c.rooms.MulticastRooms([]string{conv.ID, rooms.UserRoom(sender.ID)}, event,
		TypingSignal{ConversationID: conv.ID, User: *display(sender)})
	return nil
}

// MarkSeen marks every message of the conversation as seen by userID and
// tells the conversation which ids changed. Repeating the call is harmless
// and yields an empty update.
func (c *Coordinator) MarkSeen(ctx context.Context, conversationID, userID string) (models.SeenUpdate, error) {
	conv, err := c.participantOf(ctx, conversationID, userID)
	if err != nil {
		return models.SeenUpdate{}, err
	}
	ids, err := c.store.MarkMessagesSeen(ctx, conv.ID, userID, c.now().UTC())
	if err != nil {
		return models.SeenUpdate{}, err
	}
	update := models.SeenUpdate{ConversationID: conv.ID, UserID: userID, MessageIDs: ids}
	c.rooms.MulticastRooms(append([]string{conv.ID}, personalRooms(conv)...), EventSeenUpdate, update)
	return update, nil
}

// UnseenCounts maps each conversation to the number of messages from other
// users that userID has not seen. Conversations with none are omitted.
func (c *Coordinator) UnseenCounts(ctx context.Context, userID string) (map[string]int64, error) {
	return c.store.UnseenCounts(ctx, userID)
}

// JoinConversation subscribes memberID to the conversation room. Only
// participants may listen.
func (c *Coordinator) JoinConversation(ctx context.Context, memberID, conversationID, userID string) error {
	if _, err := c.participantOf(ctx, conversationID, userID); err != nil {
		return err
	}
	return c.rooms.Join(memberID, conversationID)
}

func (c *Coordinator) LeaveConversation(memberID, conversationID string) {
	c.rooms.Leave(memberID, conversationID)
}

func (c *Coordinator) Conversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	return c.store.ListConversations(ctx, userID)
}

// Messages returns the conversation history, oldest first.
func (c *Coordinator) Messages(ctx context.Context, conversationID, userID string) ([]models.Message, error) {
	if _, err := c.participantOf(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return c.store.ListMessages(ctx, conversationID)
}

func (c *Coordinator) participantOf(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	if isNew(conversationID) {
		return models.Conversation{}, fmt.Errorf("conversation id is required: %w", liveerrors.ErrValidation)
	}
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, fmt.Errorf("user %s is not in conversation %s: %w",
			userID, conversationID, liveerrors.ErrForbidden)
	}
	return conv, nil
}
