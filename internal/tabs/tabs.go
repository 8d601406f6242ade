// Package tabs tracks browser tabs spawned on behalf of an origin. The
// single predicate CanOriginControlTab gates every non-active-tab browser
// operation; a page's own active tab never consults this package and is
// gated by scope checks alone.
package tabs

import (
	"log/slog"
	"sync"
	"time"
)

// SpawnedTab records which origin created a tab. Ownership is set once at
// creation and never transfers, even if the owning origin disappears.
type SpawnedTab struct {
	Origin      string    `json:"origin"`
	URL         string    `json:"url"`
	ParentTabID int       `json:"parentTabId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Manager is the spawned-tab ownership table.
type Manager struct {
	mu      sync.RWMutex
	spawned map[int]SpawnedTab
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates an empty tab manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		spawned: make(map[int]SpawnedTab),
		logger:  logger,
		now:     time.Now,
	}
}

// Register records a freshly created tab for origin. Registration happens
// only at creation; re-registering an existing tab is rejected so ownership
// can never be hijacked.
func (m *Manager) Register(tabID int, origin, url string, parentTabID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.spawned[tabID]; exists {
		m.logger.Warn("refusing to re-register spawned tab", "tab_id", tabID, "origin", origin)
		return false
	}
	m.spawned[tabID] = SpawnedTab{
		Origin:      origin,
		URL:         url,
		ParentTabID: parentTabID,
		CreatedAt:   m.now(),
	}
	return true
}

// CanOriginControlTab is the authorization predicate for spawned-tab
// operations. Unknown tabs are uncontrollable by everyone.
func (m *Manager) CanOriginControlTab(origin string, tabID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tab, ok := m.spawned[tabID]
	return ok && tab.Origin == origin
}

// Get returns the spawned-tab record, if tracked.
func (m *Manager) Get(tabID int) (SpawnedTab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tab, ok := m.spawned[tabID]
	return tab, ok
}

// Remove deregisters a closed tab. Closing is the only ownership release.
func (m *Manager) Remove(tabID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spawned, tabID)
}

// ListByOrigin returns the tab IDs spawned by origin.
func (m *Manager) ListByOrigin(origin string) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for id, tab := range m.spawned {
		if tab.Origin == origin {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of tracked spawned tabs.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.spawned)
}
