package coordinator

import (
	"sort"
	"strings"
	"sync"
)

// Membership records which agents joined which rooms. Entries are only
// ever added.
type Membership struct {
	mu      sync.RWMutex
	byAgent map[string]map[int64]struct{}
	byRoom  map[int64]map[string]struct{}
}

// NewMembership returns an empty table.
func NewMembership() *Membership {
	return &Membership{
		byAgent: make(map[string]map[int64]struct{}),
		byRoom:  make(map[int64]map[string]struct{}),
	}
}

// Add records agent in room. It reports false if the pair already existed.
func (m *Membership) Add(agent string, room int64) bool {
	key := agentKey(agent)

	m.mu.Lock()
	defer m.mu.Unlock()

	rooms, ok := m.byAgent[key]
	if !ok {
		rooms = make(map[int64]struct{})
		m.byAgent[key] = rooms
	}
	if _, ok := rooms[room]; ok {
		return false
	}
	rooms[room] = struct{}{}

	agents, ok := m.byRoom[room]
	if !ok {
		agents = make(map[string]struct{})
		m.byRoom[room] = agents
	}
	agents[key] = struct{}{}
	return true
}

// Has reports whether agent is a member of room.
func (m *Membership) Has(agent string, room int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byAgent[agentKey(agent)][room]
	return ok
}

// Count returns the number of members of room.
func (m *Membership) Count(room int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byRoom[room])
}

// Members returns the members of room, sorted.
func (m *Membership) Members(room int64) []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.byRoom[room]))
	for agent := range m.byRoom[room] {
		out = append(out, agent)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Rooms returns the rooms agent joined, sorted.
func (m *Membership) Rooms(agent string) []int64 {
	m.mu.RLock()
	out := make([]int64, 0, len(m.byAgent[agentKey(agent)]))
	for room := range m.byAgent[agentKey(agent)] {
		out = append(out, room)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func agentKey(agent string) string {
	return strings.ToLower(strings.TrimSpace(agent))
}
