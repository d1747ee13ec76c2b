package broker

import (
	"sync"

	"github.com/bdelacey/mqttd/internal/proto"
)

// SubMap is the leaf value stored in the subscription SubTree: every
// session subscribed at a given filter, with the options it subscribed
// with. It implements Merger so two Subscribe calls against the same
// filter combine instead of clobbering each other.
type SubMap map[SessionID]proto.SubOptions

// Merge returns a copy of m with every entry of other applied on top —
// re-subscribing a session at a filter it already holds replaces that
// session's options rather than stacking them.
func (m SubMap) Merge(other SubMap) SubMap {
	out := make(SubMap, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

func (m SubMap) without(id SessionID) SubMap {
	if _, ok := m[id]; !ok {
		return m
	}
	out := make(SubMap, len(m))
	for k, v := range m {
		if k != id {
			out[k] = v
		}
	}
	return out
}

// MatchedSub is one subscriber's view of a filter that matched a published
// topic.
type MatchedSub struct {
	Session SessionID
	Opts    proto.SubOptions
}

// SubscriptionIndex is the broker-wide map from topic filter to the
// sessions subscribed at it, backed by a SubTree so publish-time matching
// walks the trie once per publish rather than scanning every filter.
type SubscriptionIndex struct {
	mu   sync.RWMutex
	tree *SubTree[SubMap]
}

// NewSubscriptionIndex creates an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{tree: NewSubTree[SubMap]()}
}

// Subscribe records sess as subscribed at filter with opts, replacing any
// prior options sess held at that exact filter.
func (idx *SubscriptionIndex) Subscribe(sess SessionID, filter string, opts proto.SubOptions) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tree.Add(filter, SubMap{sess: opts})
}

// Unsubscribe removes sess from filter. Reports whether sess had actually
// been subscribed there, which becomes the UNSUBACK reason code.
func (idx *SubscriptionIndex) Unsubscribe(sess SessionID, filter string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	existed := false
	empty := false
	idx.tree.Modify(filter, func(m SubMap) SubMap {
		if _, ok := m[sess]; ok {
			existed = true
		}
		remaining := m.without(sess)
		empty = len(remaining) == 0
		return remaining
	})
	if empty {
		idx.tree.Remove(filter)
	}
	return existed
}

// Match returns every session subscribed at a filter matching topic, along
// with the options it subscribed with.
func (idx *SubscriptionIndex) Match(topic string) []MatchedSub {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return FindMap(idx.tree, topic, func(m SubMap) []MatchedSub {
		out := make([]MatchedSub, 0, len(m))
		for sess, opts := range m {
			out = append(out, MatchedSub{Session: sess, Opts: opts})
		}
		return out
	})
}

// Count returns the total number of (session, filter) subscription entries
// held across the whole index, for the $SYS subscriptions/count stat.
func (idx *SubscriptionIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	idx.tree.Walk(func(m SubMap) { n += len(m) })
	return n
}

// RemoveSession unsubscribes sess from every filter it holds, per the
// caller-supplied filter list (a session's own Session.subs keys).
func (idx *SubscriptionIndex) RemoveSession(sess SessionID, filters []string) {
	for _, f := range filters {
		idx.Unsubscribe(sess, f)
	}
}
