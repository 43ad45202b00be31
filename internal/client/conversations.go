package client

import (
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-chatsync/internal/types"
)

// ConversationIndex keeps a conversation list ordered by most recent
// activity. The list itself is owned by the external fetch layer and
// installed with SetAll; last-message events update entries in place and
// re-sort without refetching. The sort is descending by last-message
// timestamp and stable, so entries with equal timestamps keep their
// relative order. A zero timestamp sorts as oldest.
type ConversationIndex struct {
	mu        sync.RWMutex
	summaries []types.ConversationSummary
}

func NewConversationIndex() *ConversationIndex {
	return &ConversationIndex{}
}

// SetAll replaces the conversation list, typically after the fetch layer
// has loaded it from the server.
func (ci *ConversationIndex) SetAll(summaries []types.ConversationSummary) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	ci.summaries = make([]types.ConversationSummary, len(summaries))
	copy(ci.summaries, summaries)
	ci.sortLocked()
}

// ApplyLastMessage updates the matching summary's last-message fields
// and re-sorts the list. Events for conversations not in the list are
// ignored. It reports whether an entry was updated.
func (ci *ConversationIndex) ApplyLastMessage(conversationId, text string, timestamp time.Time, senderId string) bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	for i := range ci.summaries {
		if ci.summaries[i].Id != conversationId {
			continue
		}

		ci.summaries[i].LastMessage = text
		ci.summaries[i].LastMessageAt = timestamp
		ci.summaries[i].LastSenderId = senderId
		ci.sortLocked()
		return true
	}

	return false
}

// Snapshot returns a copy of the list in its current order.
func (ci *ConversationIndex) Snapshot() []types.ConversationSummary {
	ci.mu.RLock()
	defer ci.mu.RUnlock()

	summaries := make([]types.ConversationSummary, len(ci.summaries))
	copy(summaries, ci.summaries)
	return summaries
}

// Get returns the summary for a conversation, if present.
func (ci *ConversationIndex) Get(conversationId string) (types.ConversationSummary, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()

	for _, s := range ci.summaries {
		if s.Id == conversationId {
			return s, true
		}
	}
	return types.ConversationSummary{}, false
}

func (ci *ConversationIndex) sortLocked() {
	sort.SliceStable(ci.summaries, func(i, j int) bool {
		return ci.summaries[i].LastMessageAt.After(ci.summaries[j].LastMessageAt)
	})
}
