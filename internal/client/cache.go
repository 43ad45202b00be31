package client

import (
	"sync"
)

// Cache key helpers for the two entry kinds the sync client invalidates.
func MessagesKey(conversationId string) string {
	return "messages:" + conversationId
}

func ConversationMetaKey(conversationId string) string {
	return "conversation-meta:" + conversationId
}

// InvalidationRegistry tracks which cached entries are stale. Each key
// carries a version counter alongside its stale flag: Invalidate bumps
// the version, and MarkRead only clears the flag when the caller proves
// it read at the current version. A re-fetch that started before the
// latest invalidation therefore cannot clear a flag set after it
// started, so no invalidation is ever lost. Repeated invalidations of
// the same key before a read collapse into a single pending flag.
type InvalidationRegistry struct {
	mu      sync.Mutex
	entries map[string]*invalidationEntry
}

type invalidationEntry struct {
	version uint64
	stale   bool
}

func NewInvalidationRegistry() *InvalidationRegistry {
	return &InvalidationRegistry{
		entries: make(map[string]*invalidationEntry),
	}
}

// Invalidate marks the key stale and returns the new version.
func (ir *InvalidationRegistry) Invalidate(key string) uint64 {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	e, ok := ir.entries[key]
	if !ok {
		e = &invalidationEntry{}
		ir.entries[key] = e
	}
	e.version++
	e.stale = true
	return e.version
}

// IsStale reports whether the key has a pending invalidation.
func (ir *InvalidationRegistry) IsStale(key string) bool {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	e, ok := ir.entries[key]
	return ok && e.stale
}

// Version returns the key's current version. The fetch layer records it
// before re-reading and passes it back to MarkRead afterwards.
func (ir *InvalidationRegistry) Version(key string) uint64 {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	e, ok := ir.entries[key]
	if !ok {
		return 0
	}
	return e.version
}

// MarkRead clears the stale flag if the key is still at the given
// version. It reports whether the flag was cleared; a false return means
// a newer invalidation arrived while the read was in flight and the key
// remains stale.
func (ir *InvalidationRegistry) MarkRead(key string, version uint64) bool {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	e, ok := ir.entries[key]
	if !ok || e.version != version {
		return false
	}
	e.stale = false
	return true
}
