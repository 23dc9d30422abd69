package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"livemarket/internal/liveerrors"
	"livemarket/internal/models"
)

const conversationSelect = `
	SELECT c.id, c.is_group, coalesce(c.last_message_id, ''), c.created_at,
	       string_agg(p.user_id, ',' ORDER BY p.user_id)
	  FROM conversations c
	  JOIN conversation_participants p ON p.conversation_id = c.id`

func scanConversation(row rowScanner) (models.Conversation, error) {
	var (
		c            models.Conversation
		participants string
	)
	if err := row.Scan(&c.ID, &c.IsGroup, &c.LastMessageID, &c.CreatedAt, &participants); err != nil {
		return models.Conversation{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	if participants != "" {
		c.ParticipantIDs = strings.Split(participants, ",")
	}
	return c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		conversationSelect+` WHERE c.id = $1 GROUP BY c.id`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, liveerrors.ErrNotFound)
	}
	if err != nil {
		return models.Conversation{}, persistErr("get conversation", err)
	}
	return c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, conversationSelect+`
	 WHERE c.id IN (SELECT conversation_id FROM conversation_participants WHERE user_id = $1)
	 GROUP BY c.id
	 ORDER BY c.created_at DESC`, userID)
	if err != nil {
		return nil, persistErr("list conversations", err)
	}
	defer rows.Close()

	out := make([]models.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, persistErr("scan conversation", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list conversations", err)
	}
	return out, nil
}

func (s *PostgresStore) FindConversationByParticipants(ctx context.Context, a, b string) (models.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		conversationSelect+` WHERE c.pair_key = $1 AND NOT c.is_group GROUP BY c.id`, PairKey(a, b)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", PairKey(a, b), liveerrors.ErrNotFound)
	}
	if err != nil {
		return models.Conversation{}, persistErr("find conversation", err)
	}
	return c, nil
}

// CreateDirectConversation inserts the conversation for the pair unless one
// already exists. The unique pair_key makes concurrent first contact from
// both sides converge on a single row.
func (s *PostgresStore) CreateDirectConversation(ctx context.Context, arg CreateConversationParams) (CreateConversationResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreateConversationResult{}, persistErr("begin conversation tx", err)
	}
	defer tx.Rollback()

	const insConv = `
	  INSERT INTO conversations (id, is_group, pair_key, created_at, updated_at)
	       VALUES ($1, false, $2, $3, $3)
	  ON CONFLICT (pair_key) DO NOTHING`
	res, err := tx.ExecContext(ctx, insConv, arg.ID, PairKey(arg.UserA, arg.UserB), arg.CreatedAt)
	if err != nil {
		return CreateConversationResult{}, persistErr("insert conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return CreateConversationResult{}, persistErr("insert conversation", err)
	}
	if n == 0 {
		_ = tx.Rollback()
		existing, err := s.FindConversationByParticipants(ctx, arg.UserA, arg.UserB)
		if err != nil {
			return CreateConversationResult{}, err
		}
		return CreateConversationResult{Conversation: existing}, nil
	}

	const insPart = `INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)`
	participants := []string{arg.UserA, arg.UserB}
	sort.Strings(participants)
	for _, uid := range participants {
		if _, err := tx.ExecContext(ctx, insPart, arg.ID, uid); err != nil {
			return CreateConversationResult{}, persistErr("insert participant", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return CreateConversationResult{}, persistErr("commit conversation", err)
	}
	return CreateConversationResult{
		Conversation: models.Conversation{
			ID:             arg.ID,
			ParticipantIDs: participants,
			CreatedAt:      arg.CreatedAt.UTC(),
		},
		Created: true,
	}, nil
}

// CreateMessage stores the message, the sender's own seen mark and the
// conversation's last message pointer atomically.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, persistErr("begin message tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = $2, updated_at = $3 WHERE id = $1`,
		msg.ConversationID, msg.ID, msg.CreatedAt)
	if err != nil {
		return models.Message{}, persistErr("update last message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Message{}, fmt.Errorf("conversation %s: %w", msg.ConversationID, liveerrors.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, text, created_at) VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Text, msg.CreatedAt); err != nil {
		return models.Message{}, persistErr("insert message", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_seen (message_id, user_id, seen_at) VALUES ($1, $2, $3)`,
		msg.ID, msg.SenderID, msg.CreatedAt); err != nil {
		return models.Message{}, persistErr("insert sender seen", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, persistErr("commit message", err)
	}

	msg.SeenBy = []string{msg.SenderID}
	msg.SeenAt = map[string]time.Time{msg.SenderID: msg.CreatedAt}
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	const q = `
	  SELECT m.id, m.conversation_id, m.sender_id, m.text, m.created_at,
	         coalesce(u.name, ''), coalesce(u.image, '')
	    FROM messages m
	    LEFT JOIN users u ON u.id = m.sender_id
	   WHERE m.conversation_id = $1
	   ORDER BY m.created_at ASC, m.id ASC`
	rows, err := s.db.QueryContext(ctx, q, conversationID)
	if err != nil {
		return nil, persistErr("list messages", err)
	}
	defer rows.Close()

	msgs := make([]models.Message, 0)
	index := make(map[string]int)
	for rows.Next() {
		var (
			m      models.Message
			sender models.User
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.CreatedAt,
			&sender.Name, &sender.Image); err != nil {
			return nil, persistErr("scan message", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		sender.ID = m.SenderID
		m.Sender = &sender
		m.SeenBy = []string{}
		m.SeenAt = map[string]time.Time{}
		index[m.ID] = len(msgs)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list messages", err)
	}
	rows.Close()

	const seenQ = `
	  SELECT s.message_id, s.user_id, s.seen_at
	    FROM message_seen s
	    JOIN messages m ON m.id = s.message_id
	   WHERE m.conversation_id = $1
	   ORDER BY s.seen_at ASC`
	seenRows, err := s.db.QueryContext(ctx, seenQ, conversationID)
	if err != nil {
		return nil, persistErr("list seen", err)
	}
	defer seenRows.Close()
	for seenRows.Next() {
		var (
			msgID, userID string
			at            time.Time
		)
		if err := seenRows.Scan(&msgID, &userID, &at); err != nil {
			return nil, persistErr("scan seen", err)
		}
		i, ok := index[msgID]
		if !ok {
			continue
		}
		msgs[i].SeenBy = append(msgs[i].SeenBy, userID)
		msgs[i].SeenAt[userID] = at.UTC()
	}
	if err := seenRows.Err(); err != nil {
		return nil, persistErr("list seen", err)
	}
	return msgs, nil
}

// MarkMessagesSeen records userID on every message of the conversation it
// has not seen yet and returns the ids that changed.
func (s *PostgresStore) MarkMessagesSeen(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error) {
	const q = `
	  INSERT INTO message_seen (message_id, user_id, seen_at)
	       SELECT id, $2, $3 FROM messages WHERE conversation_id = $1
	  ON CONFLICT (message_id, user_id) DO NOTHING
	  RETURNING message_id`
	rows, err := s.db.QueryContext(ctx, q, conversationID, userID, at)
	if err != nil {
		return nil, persistErr("mark seen", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistErr("scan seen id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("mark seen", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *PostgresStore) UnseenCounts(ctx context.Context, userID string) (map[string]int64, error) {
	const q = `
	  SELECT m.conversation_id, count(*)
	    FROM messages m
	    JOIN conversation_participants p
	      ON p.conversation_id = m.conversation_id AND p.user_id = $1
	   WHERE m.sender_id <> $1
	     AND NOT EXISTS (
	         SELECT 1 FROM message_seen s WHERE s.message_id = m.id AND s.user_id = $1)
	   GROUP BY m.conversation_id`
	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, persistErr("unseen counts", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			id string
			n  int64
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, persistErr("scan unseen count", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("unseen counts", err)
	}
	return counts, nil
}
