// Package presence tracks which users currently hold a live, announced
// connection.
package presence

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"livemarket/internal/models"
)

const EventOnlineUsers = "onlineUsers"

// Broadcaster delivers an event to every connected client.
type Broadcaster interface {
	Broadcast(event string, payload any) int
}

type entry struct {
	user  models.User
	conns map[string]struct{}
}

// Registry is reference counted: a user stays online while at least one of
// its announced connections is live.
type Registry struct {
	mu    sync.Mutex
	out   Broadcaster
	conns map[string]string // connectionID -> userID
	users map[string]*entry
}

func NewRegistry(out Broadcaster) *Registry {
	return &Registry{
		out:   out,
		conns: make(map[string]string),
		users: make(map[string]*entry),
	}
}

// Announce marks user online through connID and broadcasts the new snapshot.
// A connection that re-announces as another user moves to that user.
func (r *Registry) Announce(connID string, user models.User) []models.User {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[connID]; ok && prev != user.ID {
		r.dropLocked(connID, prev)
	}
	e, ok := r.users[user.ID]
	if !ok {
		e = &entry{conns: make(map[string]struct{})}
		r.users[user.ID] = e
	}
	e.user = user
	e.conns[connID] = struct{}{}
	r.conns[connID] = user.ID

	return r.publishLocked()
}

// Withdraw forgets connID. It returns false when the connection never
// announced, in which case nothing is broadcast.
func (r *Registry) Withdraw(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.conns[connID]
	if !ok {
		return false
	}
	r.dropLocked(connID, userID)
	r.publishLocked()
	return true
}

func (r *Registry) dropLocked(connID, userID string) {
	delete(r.conns, connID)
	e, ok := r.users[userID]
	if !ok {
		return
	}
	delete(e.conns, connID)
	if len(e.conns) == 0 {
		delete(r.users, userID)
	}
}

// publishLocked runs under the lock so snapshots reach clients in the order
// they were taken. Broadcast only enqueues.
func (r *Registry) publishLocked() []models.User {
	snap := r.snapshotLocked()
	if r.out != nil {
		n := r.out.Broadcast(EventOnlineUsers, snap)
		zap.L().Debug("presence.broadcast", zap.Int("online", len(snap)), zap.Int("delivered", n))
	}
	return snap
}

func (r *Registry) snapshotLocked() []models.User {
	out := make([]models.User, 0, len(r.users))
	for _, e := range r.users {
		out = append(out, e.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Online returns the current presence set sorted by user id.
func (r *Registry) Online() []models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// IsOnline reports whether userID has a live announced connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok
}

func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = make(map[string]string)
	r.users = make(map[string]*entry)
}
