package admission

import "sync"

// SlotManager tracks, per user_id, how many jobs the current process has
// admitted beyond pending but not yet terminal. Admission blocks when the
// counter equals that user's max_parallel_queries.
type SlotManager struct {
	mu    sync.Mutex
	inUse map[string]int
}

// NewSlotManager builds an empty slot manager.
func NewSlotManager() *SlotManager {
	return &SlotManager{inUse: make(map[string]int)}
}

// TryAcquire admits one more in-flight job for userID if it has a free slot
// under limit, incrementing its counter and returning true; otherwise it
// leaves state untouched and returns false.
func (s *SlotManager) TryAcquire(userID string, limit int) bool {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[userID] >= limit {
		return false
	}
	s.inUse[userID]++
	return true
}

// Release decrements userID's in-flight counter. Safe to call exactly once
// per successful TryAcquire; a no-op once the counter reaches zero.
func (s *SlotManager) Release(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[userID] <= 0 {
		return
	}
	s.inUse[userID]--
	if s.inUse[userID] == 0 {
		delete(s.inUse, userID)
	}
}

// InUse returns userID's current in-flight count, for observability.
func (s *SlotManager) InUse(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse[userID]
}

// HasFreeSlot reports whether userID currently has headroom under limit,
// without acquiring a slot.
func (s *SlotManager) HasFreeSlot(userID string, limit int) bool {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse[userID] < limit
}
