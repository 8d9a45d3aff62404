package websocket

import (
	"sort"
	"sync"
)

// ModeGroup is the set of desired topics sharing one subscription mode.
type ModeGroup struct {
	Mode   string
	Topics []TopicID
}

// Subscriptions tracks desired and active topic states per session.
type Subscriptions struct {
	mu      sync.Mutex
	desired map[TopicID]string
	active  map[TopicID]struct{}
}

// NewSubscriptions creates a subscription tracker.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		desired: make(map[TopicID]string),
		active:  make(map[TopicID]struct{}),
	}
}

// Add registers a desired topic with its mode.
// Returns true if the topic was new or its mode changed.
func (s *Subscriptions) Add(topic TopicID, mode string) bool {
	s.mu.Lock()
	prev, exists := s.desired[topic]
	changed := !exists || prev != mode
	if changed {
		s.desired[topic] = mode
	}
	s.mu.Unlock()
	return changed
}

// Remove deletes a desired topic.
// Returns true if the topic was present.
func (s *Subscriptions) Remove(topic TopicID) bool {
	s.mu.Lock()
	_, ok := s.desired[topic]
	if ok {
		delete(s.desired, topic)
		delete(s.active, topic)
	}
	s.mu.Unlock()
	return ok
}

// Mode returns the desired mode for a topic.
func (s *Subscriptions) Mode(topic TopicID) (string, bool) {
	s.mu.Lock()
	mode, ok := s.desired[topic]
	s.mu.Unlock()
	return mode, ok
}

// MarkActive marks a topic as active on the current connection.
func (s *Subscriptions) MarkActive(topic TopicID) {
	s.mu.Lock()
	s.active[topic] = struct{}{}
	s.mu.Unlock()
}

// Active reports whether the topic was subscribed on the current
// connection.
func (s *Subscriptions) Active(topic TopicID) bool {
	s.mu.Lock()
	_, ok := s.active[topic]
	s.mu.Unlock()
	return ok
}

// ClearActive clears all active topics.
func (s *Subscriptions) ClearActive() {
	s.mu.Lock()
	for topic := range s.active {
		delete(s.active, topic)
	}
	s.mu.Unlock()
}

// DesiredGroups returns desired topics grouped by mode. Groups come out
// sorted by mode and topics ascending, so replay order is stable.
func (s *Subscriptions) DesiredGroups(dst []ModeGroup) []ModeGroup {
	s.mu.Lock()
	byMode := make(map[string][]TopicID, 4)
	for topic, mode := range s.desired {
		byMode[mode] = append(byMode[mode], topic)
	}
	s.mu.Unlock()

	if dst == nil {
		dst = make([]ModeGroup, 0, len(byMode))
	} else {
		dst = dst[:0]
	}
	for mode, topics := range byMode {
		sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
		dst = append(dst, ModeGroup{Mode: mode, Topics: topics})
	}
	sort.Slice(dst, func(i, j int) bool { return dst[i].Mode < dst[j].Mode })
	return dst
}

// Count returns the number of desired topics.
func (s *Subscriptions) Count() int {
	s.mu.Lock()
	count := len(s.desired)
	s.mu.Unlock()
	return count
}
