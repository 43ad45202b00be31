package client

import (
	"sync"

	"github.com/npezzotti/go-chatsync/internal/types"
)

// PresenceTracker maintains the set of users currently connected to the
// chat server. The set is authoritative only after a snapshot has been
// applied; between a disconnect and the next snapshot all lookups report
// offline.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
	valid  bool
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		online: make(map[string]struct{}),
	}
}

// ApplySnapshot replaces the entire online set with the server's
// authoritative list.
func (pt *PresenceTracker) ApplySnapshot(ids []string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.online = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		pt.online[id] = struct{}{}
	}
	pt.valid = true
}

// ApplyDelta adds or removes a single user. It is idempotent: marking an
// online user online, or an absent user offline, is a no-op. It reports
// whether the set changed.
func (pt *PresenceTracker) ApplyDelta(userId string, status types.UserStatus) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	switch status {
	case types.UserStatusOnline:
		if _, ok := pt.online[userId]; ok {
			return false
		}
		pt.online[userId] = struct{}{}
		return true
	case types.UserStatusOffline:
		if _, ok := pt.online[userId]; !ok {
			return false
		}
		delete(pt.online, userId)
		return true
	default:
		return false
	}
}

func (pt *PresenceTracker) IsOnline(userId string) bool {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	if !pt.valid {
		return false
	}
	_, ok := pt.online[userId]
	return ok
}

// OnlineUsers returns the current online set. It returns nil until a
// snapshot has been applied.
func (pt *PresenceTracker) OnlineUsers() []string {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	if !pt.valid {
		return nil
	}

	ids := make([]string, 0, len(pt.online))
	for id := range pt.online {
		ids = append(ids, id)
	}
	return ids
}

// Invalidate marks the set as untrusted until the next snapshot. Called
// on disconnect.
func (pt *PresenceTracker) Invalidate() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.valid = false
}
