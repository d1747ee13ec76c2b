package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdelacey/mqttd/internal/proto"
)

func TestRouterRouteFansOutToMatchingSubscribers(t *testing.T) {
	b := newTestBroker(t, time.Hour)
	conn1 := newFakeConn("a")
	conn2 := newFakeConn("b")
	s1 := connectSession(b, "s1", conn1, 10)
	s2 := connectSession(b, "s2", conn2, 10)
	b.subs.Subscribe(s1.ID, "a/b", proto.SubOptions{QoS: proto.QoS0})
	b.subs.Subscribe(s2.ID, "a/b", proto.SubOptions{QoS: proto.QoS0})

	b.router.Route("publisher", &proto.PublishRequest{Topic: "a/b", Payload: []byte("hi"), QoS: proto.QoS0})

	require.Len(t, conn1.publish, 1)
	require.Len(t, conn2.publish, 1)
	assert.Equal(t, "a/b", conn1.publish[0].Topic)
}

func TestRouterRouteHonorsNoLocal(t *testing.T) {
	b := newTestBroker(t, time.Hour)
	conn := newFakeConn("a")
	sess := connectSession(b, "s1", conn, 10)
	b.subs.Subscribe(sess.ID, "a/b", proto.SubOptions{QoS: proto.QoS0, NoLocal: true})

	b.router.Route(sess.ID, &proto.PublishRequest{Topic: "a/b", QoS: proto.QoS0})

	assert.Empty(t, conn.publish, "a NoLocal subscriber should not receive its own publish")
}

func TestRouterRouteDeliversToOtherSessionsDespiteNoLocal(t *testing.T) {
	b := newTestBroker(t, time.Hour)
	publisher := connectSession(b, "pub", newFakeConn("a"), 10)
	subConn := newFakeConn("b")
	sub := connectSession(b, "sub", subConn, 10)
	b.subs.Subscribe(sub.ID, "a/b", proto.SubOptions{QoS: proto.QoS0, NoLocal: true})

	b.router.Route(publisher.ID, &proto.PublishRequest{Topic: "a/b", QoS: proto.QoS0})

	assert.Len(t, subConn.publish, 1, "NoLocal only suppresses delivery back to the publishing session itself")
}

func TestRouterRoutePublishesRetainedMessageToStore(t *testing.T) {
	b := newTestBroker(t, time.Hour)
	b.router.Route("pub", &proto.PublishRequest{Topic: "a/b", Payload: []byte("v1"), QoS: proto.QoS0, Retain: true})

	matches := b.retained.Match("a/b")
	require.Len(t, matches, 1)
	assert.Equal(t, []byte("v1"), matches[0].Payload)
}

func TestRouterDeliverRetainedSendsMatchingMessages(t *testing.T) {
	b := newTestBroker(t, time.Hour)
	b.retained.Put("a/b", []byte("retained"), proto.QoS0, proto.Properties{})

	conn := newFakeConn("a")
	sess := connectSession(b, "s1", conn, 10)

	b.router.DeliverRetained(sess, "a/b", proto.SubOptions{QoS: proto.QoS0, RetainHandling: proto.SendOnSubscribe}, true)

	require.Len(t, conn.publish, 1)
	assert.True(t, conn.publish[0].Retain)
}

func TestRouterDeliverRetainedDoNotSendOnSubscribeSuppressesDelivery(t *testing.T) {
	b := newTestBroker(t, time.Hour)
	b.retained.Put("a/b", []byte("retained"), proto.QoS0, proto.Properties{})

	conn := newFakeConn("a")
	sess := connectSession(b, "s1", conn, 10)
	b.router.DeliverRetained(sess, "a/b", proto.SubOptions{RetainHandling: proto.DoNotSendOnSubscribe}, true)

	assert.Empty(t, conn.publish)
}

func TestRouterDeliverRetainedSendIfNewSubscriptionSkipsResubscribe(t *testing.T) {
	b := newTestBroker(t, time.Hour)
	b.retained.Put("a/b", []byte("retained"), proto.QoS0, proto.Properties{})

	conn := newFakeConn("a")
	sess := connectSession(b, "s1", conn, 10)
	b.router.DeliverRetained(sess, "a/b", proto.SubOptions{RetainHandling: proto.SendIfNewSubscription}, false)

	assert.Empty(t, conn.publish, "not a new subscription, so SendIfNewSubscription should skip redelivery")
}

func TestRouterRouteSkipsSessionsWithoutALiveConnection(t *testing.T) {
	b := newTestBroker(t, time.Hour)
	sess := connectSession(b, "s1", nil, 10)
	sess.mu.Lock()
	sess.conn = nil
	sess.connected = false
	sess.mu.Unlock()
	b.subs.Subscribe(sess.ID, "a/b", proto.SubOptions{QoS: proto.QoS1})

	assert.NotPanics(t, func() {
		b.router.Route("pub", &proto.PublishRequest{Topic: "a/b", QoS: proto.QoS1})
	})
}
