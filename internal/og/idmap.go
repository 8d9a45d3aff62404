package og

import (
	"sync"

	"venuelink/internal/schema"
)

// LiveOrder pairs a local order id with the venue's id for it.
type LiveOrder struct {
	ID      schema.OrderID
	VenueID string
}

// IDMap tracks which venue id belongs to each working order. The
// request pump writes it, the status poller reads it. Lock order:
// a delegator's HTTP mutex before this one, never the reverse.
type IDMap struct {
	mu  sync.Mutex
	ids map[schema.OrderID]string
}

func NewIDMap() *IDMap {
	return &IDMap{ids: make(map[schema.OrderID]string)}
}

func (m *IDMap) Put(id schema.OrderID, venueID string) {
	m.mu.Lock()
	m.ids[id] = venueID
	m.mu.Unlock()
}

func (m *IDMap) Get(id schema.OrderID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	venueID, ok := m.ids[id]
	return venueID, ok
}

func (m *IDMap) Drop(id schema.OrderID) {
	m.mu.Lock()
	delete(m.ids, id)
	m.mu.Unlock()
}

// Snapshot appends every live pair, for one polling cycle.
func (m *IDMap) Snapshot(dst []LiveOrder) []LiveOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, venueID := range m.ids {
		dst = append(dst, LiveOrder{ID: id, VenueID: venueID})
	}
	return dst
}

func (m *IDMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}
