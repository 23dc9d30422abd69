// Package rooms keeps the in-process membership of ephemeral broadcast
// groups and fans frames out to their members.
package rooms

import (
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrUnknownMember = errors.New("member not attached")
	ErrClosed        = errors.New("room manager closed")
)

// Member is one live connection. Enqueue must not block: it reports false
// when the frame was dropped.
type Member interface {
	ID() string
	Enqueue(frame []byte) bool
}

// UserRoom is the personal room every device of a user joins.
func UserRoom(userID string) string { return "user_" + userID }

// Encode wraps payload into the wire envelope {"event": ..., "body": ...}.
func Encode(event string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Event string          `json:"event"`
		Body  json.RawMessage `json:"body,omitempty"`
	}{event, body})
}

type attached struct {
	member Member
	rooms  map[string]struct{}
}

type Manager struct {
	mu      sync.RWMutex
	members map[string]*attached
	rooms   map[string]map[string]Member // roomKey -> memberID -> member
	closed  bool
}

func NewManager() *Manager {
	return &Manager{
		members: make(map[string]*attached),
		rooms:   make(map[string]map[string]Member),
	}
}

// Attach registers a live connection. Attaching an existing id replaces the
// member but keeps its rooms.
func (m *Manager) Attach(member Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if a, ok := m.members[member.ID()]; ok {
		a.member = member
		for key := range a.rooms {
			m.rooms[key][member.ID()] = member
		}
		return nil
	}
	m.members[member.ID()] = &attached{member: member, rooms: make(map[string]struct{})}
	return nil
}

// Detach removes the member from every room it joined.
func (m *Manager) Detach(memberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.members[memberID]
	if !ok {
		return
	}
	for key := range a.rooms {
		m.removeLocked(key, memberID)
	}
	delete(m.members, memberID)
}

func (m *Manager) Join(memberID, roomKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.members[memberID]
	if !ok {
		return ErrUnknownMember
	}
	room, ok := m.rooms[roomKey]
	if !ok {
		room = make(map[string]Member)
		m.rooms[roomKey] = room
	}
	room[memberID] = a.member
	a.rooms[roomKey] = struct{}{}
	return nil
}

func (m *Manager) Leave(memberID, roomKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.members[memberID]; ok {
		delete(a.rooms, roomKey)
	}
	m.removeLocked(roomKey, memberID)
}

func (m *Manager) removeLocked(roomKey, memberID string) {
	room, ok := m.rooms[roomKey]
	if !ok {
		return
	}
	delete(room, memberID)
	if len(room) == 0 {
		delete(m.rooms, roomKey)
	}
}

// Multicast delivers event to every current member of roomKey and returns
// how many members accepted the frame. Delivery is at-most-once.
func (m *Manager) Multicast(roomKey, event string, payload any) int {
	frame, err := Encode(event, payload)
	if err != nil {
		zap.L().Error("rooms.encode_failed", zap.String("event", event), zap.Error(err))
		return 0
	}

	// Take a quick snapshot of the current members
	m.mu.RLock()
	targets := make([]Member, 0, len(m.rooms[roomKey]))
	for _, mb := range m.rooms[roomKey] {
		targets = append(targets, mb)
	}
	m.mu.RUnlock()

	return deliver(targets, frame, event)
}

// MulticastRooms delivers event once to every member of any of roomKeys,
// even when a member has joined several of them.
func (m *Manager) MulticastRooms(roomKeys []string, event string, payload any) int {
	frame, err := Encode(event, payload)
	if err != nil {
		zap.L().Error("rooms.encode_failed", zap.String("event", event), zap.Error(err))
		return 0
	}

	m.mu.RLock()
	seen := make(map[string]struct{})
	targets := make([]Member, 0)
	for _, key := range roomKeys {
		for id, mb := range m.rooms[key] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, mb)
		}
	}
	m.mu.RUnlock()

	return deliver(targets, frame, event)
}

// Send delivers event to a single member.
func (m *Manager) Send(memberID, event string, payload any) bool {
	frame, err := Encode(event, payload)
	if err != nil {
		zap.L().Error("rooms.encode_failed", zap.String("event", event), zap.Error(err))
		return false
	}
	m.mu.RLock()
	a, ok := m.members[memberID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return deliver([]Member{a.member}, frame, event) == 1
}

// Broadcast delivers event to every attached member.
func (m *Manager) Broadcast(event string, payload any) int {
	frame, err := Encode(event, payload)
	if err != nil {
		zap.L().Error("rooms.encode_failed", zap.String("event", event), zap.Error(err))
		return 0
	}
	m.mu.RLock()
	targets := make([]Member, 0, len(m.members))
	for _, a := range m.members {
		targets = append(targets, a.member)
	}
	m.mu.RUnlock()
	return deliver(targets, frame, event)
}

func deliver(targets []Member, frame []byte, event string) int {
	n := 0
	for _, mb := range targets {
		if mb.Enqueue(frame) {
			n++
			continue
		}
		zap.L().Debug("rooms.frame_dropped", zap.String("member", mb.ID()), zap.String("event", event))
	}
	return n
}

// Members lists the ids joined to roomKey.
func (m *Manager) Members(roomKey string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms[roomKey]))
	for id := range m.rooms[roomKey] {
		ids = append(ids, id)
	}
	return ids
}

// Rooms lists the rooms memberID has joined.
func (m *Manager) Rooms(memberID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.members[memberID]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(a.rooms))
	for key := range a.rooms {
		keys = append(keys, key)
	}
	return keys
}

// Close drops all membership and rejects further attaches.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.members = make(map[string]*attached)
	m.rooms = make(map[string]map[string]Member)
}
