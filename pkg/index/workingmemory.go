package index

import "time"

// WorkingMemoryEntry is one session-scoped note that never reaches the
// durable store.
type WorkingMemoryEntry struct {
	Content    string    `json:"content"`
	Topic      string    `json:"topic,omitempty"`
	Importance float64   `json:"importance"`
	Tokens     int       `json:"tokens"`
	CreatedAt  time.Time `json:"created_at"`
}

// PushWorkingMemory appends an entry to the session's working memory and
// evicts from the front until the token ceiling holds. Oldest entries with
// importance <= 0.8 go first; high-importance entries survive until the
// whole list has rotated past them.
func (ix *Index) PushWorkingMemory(sessionID string, entry WorkingMemoryEntry) {
	if ix.config.Disabled || sessionID == "" {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = ix.now()
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	list := append(ix.wm[sessionID], entry)

	total := 0
	for _, e := range list {
		total += e.Tokens
	}

	for total > ix.config.WMMaxTokens && len(list) > 1 {
		evicted := false
		for i, e := range list[:len(list)-1] {
			if e.Importance <= 0.8 {
				total -= e.Tokens
				list = append(list[:i], list[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			// Everything old is high-importance; rotate the oldest out.
			total -= list[0].Tokens
			list = list[1:]
		}
	}

	ix.wm[sessionID] = list
}

// WorkingMemory returns the session's entries in insertion order.
func (ix *Index) WorkingMemory(sessionID string) []WorkingMemoryEntry {
	if ix.config.Disabled {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	list := ix.wm[sessionID]
	if len(list) == 0 {
		return nil
	}
	out := make([]WorkingMemoryEntry, len(list))
	copy(out, list)
	return out
}

// ClearWorkingMemory drops the session's working memory.
func (ix *Index) ClearWorkingMemory(sessionID string) {
	if ix.config.Disabled {
		return
	}
	ix.mu.Lock()
	delete(ix.wm, sessionID)
	ix.mu.Unlock()
}
