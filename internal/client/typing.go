package client

import (
	"sync"
	"time"
)

// TypingIndicator tracks which remote user is composing a message in
// each conversation. An indicator auto-clears after the configured
// timeout unless refreshed, and is replaced wholesale when another user
// starts typing (last writer wins). Expiry is enforced both by a
// per-conversation timer and by a lazy check on read, so IsTyping never
// reports true past the deadline even if the timer has not fired yet.
type TypingIndicator struct {
	mu       sync.Mutex
	selfId   string
	timeout  time.Duration
	entries  map[string]*typingEntry
	seq      uint64
	onExpire func(conversationId string)
	stopped  bool
}

type typingEntry struct {
	userId    string
	expiresAt time.Time
	timer     *time.Timer
	seq       uint64
}

// NewTypingIndicator creates a typing tracker for the given local user.
// onExpire, if non-nil, is invoked from a timer goroutine whenever an
// indicator times out.
func NewTypingIndicator(selfId string, timeout time.Duration, onExpire func(conversationId string)) *TypingIndicator {
	return &TypingIndicator{
		selfId:   selfId,
		timeout:  timeout,
		entries:  make(map[string]*typingEntry),
		onExpire: onExpire,
	}
}

// OnTypingEvent sets or refreshes the indicator for a conversation.
// Events from the local user are ignored: a user's own typing must never
// render as "they are typing" to themselves. It reports whether an
// indicator was set.
func (ti *TypingIndicator) OnTypingEvent(conversationId, userId string, now time.Time) bool {
	if userId == ti.selfId {
		return false
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()

	if ti.stopped {
		return false
	}

	if prev, ok := ti.entries[conversationId]; ok {
		// replace any pending expiry so only one timer is live per
		// conversation
		prev.timer.Stop()
	}

	ti.seq++
	e := &typingEntry{
		userId:    userId,
		expiresAt: now.Add(ti.timeout),
		seq:       ti.seq,
	}
	e.timer = time.AfterFunc(ti.timeout, func() {
		ti.expire(conversationId, e.seq)
	})
	ti.entries[conversationId] = e

	return true
}

// expire removes the entry if it is still the one the timer was armed
// for. A stale timer that lost a race with a refresh or a clear is a
// no-op.
func (ti *TypingIndicator) expire(conversationId string, seq uint64) {
	ti.mu.Lock()
	e, ok := ti.entries[conversationId]
	if !ok || e.seq != seq {
		ti.mu.Unlock()
		return
	}
	delete(ti.entries, conversationId)
	onExpire := ti.onExpire
	ti.mu.Unlock()

	if onExpire != nil {
		onExpire(conversationId)
	}
}

// IsTyping reports whether a remote user is composing a message in the
// conversation as of now.
func (ti *TypingIndicator) IsTyping(conversationId string, now time.Time) bool {
	_, ok := ti.TypingUser(conversationId, now)
	return ok
}

// TypingUser returns the id of the user currently composing a message in
// the conversation, if any.
func (ti *TypingIndicator) TypingUser(conversationId string, now time.Time) (string, bool) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	e, ok := ti.entries[conversationId]
	if !ok || !now.Before(e.expiresAt) {
		return "", false
	}
	return e.userId, true
}

// ClearSender removes the indicator for a conversation if it belongs to
// the given user. A new message from the typing sender implicitly ends
// their typing.
func (ti *TypingIndicator) ClearSender(conversationId, userId string) bool {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	e, ok := ti.entries[conversationId]
	if !ok || e.userId != userId {
		return false
	}

	e.timer.Stop()
	delete(ti.entries, conversationId)
	return true
}

// Stop cancels all pending timers. No expiry callback fires after Stop
// returns the indicator to a torn-down state.
func (ti *TypingIndicator) Stop() {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	for id, e := range ti.entries {
		e.timer.Stop()
		delete(ti.entries, id)
	}
	ti.stopped = true
}
