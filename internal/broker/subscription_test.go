package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdelacey/mqttd/internal/proto"
)

func TestSubscriptionIndexSubscribeAndMatch(t *testing.T) {
	idx := NewSubscriptionIndex()
	idx.Subscribe("s1", "a/b", proto.SubOptions{QoS: proto.QoS1})

	matches := idx.Match("a/b")
	require.Len(t, matches, 1)
	assert.Equal(t, SessionID("s1"), matches[0].Session)
	assert.Equal(t, proto.QoS1, matches[0].Opts.QoS)
}

func TestSubscriptionIndexResubscribeReplacesOptions(t *testing.T) {
	idx := NewSubscriptionIndex()
	idx.Subscribe("s1", "a/b", proto.SubOptions{QoS: proto.QoS0})
	idx.Subscribe("s1", "a/b", proto.SubOptions{QoS: proto.QoS2})

	matches := idx.Match("a/b")
	require.Len(t, matches, 1)
	assert.Equal(t, proto.QoS2, matches[0].Opts.QoS)
}

func TestSubscriptionIndexMultipleSessionsAtSameFilter(t *testing.T) {
	idx := NewSubscriptionIndex()
	idx.Subscribe("s1", "a/b", proto.SubOptions{})
	idx.Subscribe("s2", "a/b", proto.SubOptions{})

	matches := idx.Match("a/b")
	assert.Len(t, matches, 2)
}

func TestSubscriptionIndexUnsubscribeReportsExisted(t *testing.T) {
	idx := NewSubscriptionIndex()
	idx.Subscribe("s1", "a/b", proto.SubOptions{})

	assert.True(t, idx.Unsubscribe("s1", "a/b"))
	assert.False(t, idx.Unsubscribe("s1", "a/b"), "second unsubscribe of the same filter has nothing to remove")
	assert.Empty(t, idx.Match("a/b"))
}

func TestSubscriptionIndexUnsubscribeUnknownFilterReportsFalse(t *testing.T) {
	idx := NewSubscriptionIndex()
	assert.False(t, idx.Unsubscribe("s1", "never/subscribed"))
}

func TestSubscriptionIndexUnsubscribeOneSessionLeavesOthers(t *testing.T) {
	idx := NewSubscriptionIndex()
	idx.Subscribe("s1", "a/b", proto.SubOptions{})
	idx.Subscribe("s2", "a/b", proto.SubOptions{})

	idx.Unsubscribe("s1", "a/b")

	matches := idx.Match("a/b")
	require.Len(t, matches, 1)
	assert.Equal(t, SessionID("s2"), matches[0].Session)
}

func TestSubscriptionIndexRemoveSessionClearsAllItsFilters(t *testing.T) {
	idx := NewSubscriptionIndex()
	idx.Subscribe("s1", "a/b", proto.SubOptions{})
	idx.Subscribe("s1", "c/d", proto.SubOptions{})
	idx.Subscribe("s2", "a/b", proto.SubOptions{})

	idx.RemoveSession("s1", []string{"a/b", "c/d"})

	assert.Empty(t, idx.Match("c/d"))
	matches := idx.Match("a/b")
	require.Len(t, matches, 1)
	assert.Equal(t, SessionID("s2"), matches[0].Session)
}

func TestSubscriptionIndexMatchWildcardFilter(t *testing.T) {
	idx := NewSubscriptionIndex()
	idx.Subscribe("s1", "sensors/+/temp", proto.SubOptions{})

	matches := idx.Match("sensors/kitchen/temp")
	require.Len(t, matches, 1)
	assert.Equal(t, SessionID("s1"), matches[0].Session)

	assert.Empty(t, idx.Match("sensors/kitchen/humidity"))
}
