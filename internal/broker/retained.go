package broker

import (
	"sync"
	"time"

	"github.com/bdelacey/mqttd/internal/proto"
)

// Retained is the stored form of a retained PUBLISH: the payload plus
// everything a later Subscribe needs to redeliver it faithfully.
type Retained struct {
	Topic    string
	Payload  []byte
	QoS      proto.QoSLevel
	Props    proto.Properties
	StoredAt time.Time
	ExpireAt *time.Time
}

// RetainedStore holds the single most recent retained message per topic,
// evicting on Message-Expiry-Interval the same way the teacher evicts
// stale sessions — via a QueueRunner rather than a timer per message.
type RetainedStore struct {
	mu       sync.RWMutex
	messages map[string]*Retained
	expiry   *QueueRunner[string]
}

// NewRetainedStore creates an empty store and starts its background expiry
// loop. Call Close to stop it.
func NewRetainedStore() *RetainedStore {
	s := &RetainedStore{messages: make(map[string]*Retained)}
	s.expiry = NewQueueRunner(s.expire)
	go s.expiry.Start()
	return s
}

// Close stops the background expiry loop.
func (s *RetainedStore) Close() {
	s.expiry.Stop()
}

// Put stores a retained message for topic, or clears any retained message
// there if payload is empty — the standard MQTT "empty retained payload
// clears retention" rule.
func (s *RetainedStore) Put(topic string, payload []byte, qos proto.QoSLevel, props proto.Properties) {
	if len(payload) == 0 {
		s.Clear(topic)
		return
	}
	r := &Retained{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Props:    props,
		StoredAt: time.Now(),
	}
	if props.MessageExpiryInterval != nil {
		exp := r.StoredAt.Add(time.Duration(*props.MessageExpiryInterval) * time.Second)
		r.ExpireAt = &exp
	}

	s.mu.Lock()
	s.messages[topic] = r
	s.mu.Unlock()

	if r.ExpireAt != nil {
		s.expiry.Schedule(topic, *r.ExpireAt)
	} else {
		s.expiry.Cancel(topic)
	}
}

// Count returns the number of topics currently holding a retained message,
// for the $SYS retained messages/count stat.
func (s *RetainedStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Clear removes any retained message at topic.
func (s *RetainedStore) Clear(topic string) {
	s.mu.Lock()
	delete(s.messages, topic)
	s.mu.Unlock()
	s.expiry.Cancel(topic)
}

func (s *RetainedStore) expire(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.messages[topic]
	if !ok {
		return
	}
	if r.ExpireAt == nil || time.Now().Before(*r.ExpireAt) {
		return
	}
	delete(s.messages, topic)
}

// Match returns every retained message whose topic matches filter. It
// scans the whole topic map and tests each topic with topicMatchesFilter,
// which applies the same '+'/'#' segment rules as SubTree.
func (s *RetainedStore) Match(filter string) []*Retained {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Retained
	for topic, r := range s.messages {
		if topicMatchesFilter(topic, filter) {
			out = append(out, r)
		}
	}
	return out
}

// topicMatchesFilter reports whether a concrete topic matches an MQTT
// subscription filter, honoring '+' (single level) and '#' (trailing,
// multi-level, including zero levels).
func topicMatchesFilter(topic, filter string) bool {
	ts := splitSegments(topic)
	fs := splitSegments(filter)
	i := 0
	for i < len(fs) {
		seg := fs[i]
		if seg == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if seg != "+" && seg != ts[i] {
			return false
		}
		i++
	}
	return i == len(ts)
}
