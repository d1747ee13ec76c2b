package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdelacey/mqttd/internal/proto"
)

// fakeConn is a ClientConn that records what was sent to it instead of
// writing wire bytes, for driving the broker core directly in tests.
type fakeConn struct {
	addr    string
	closed  bool
	publish []*proto.PublishRequest
}

func newFakeConn(addr string) *fakeConn { return &fakeConn{addr: addr} }

func (c *fakeConn) SendPublish(pr *proto.PublishRequest) error {
	c.publish = append(c.publish, pr)
	return nil
}
func (c *fakeConn) SendPubAck(uint16, byte) error               { return nil }
func (c *fakeConn) SendPubRec(uint16, byte) error               { return nil }
func (c *fakeConn) SendPubRel(uint16) error                     { return nil }
func (c *fakeConn) SendPubComp(uint16, byte) error              { return nil }
func (c *fakeConn) SendSubAck(*proto.SubscribeResult) error     { return nil }
func (c *fakeConn) SendUnsubAck(*proto.UnsubscribeResult) error { return nil }
func (c *fakeConn) SendPingResp() error                         { return nil }
func (c *fakeConn) SendDisconnect(byte) error                   { c.closed = true; return nil }
func (c *fakeConn) Close() error                                { c.closed = true; return nil }
func (c *fakeConn) RemoteAddr() string                          { return c.addr }

func newTestRegistry(t *testing.T) *Registry {
	r := NewRegistry(func(*Session) {}, 300)
	t.Cleanup(r.Close)
	return r
}

func TestRegistryRegisterFreshSession(t *testing.T) {
	r := newTestRegistry(t)
	conn := newFakeConn("1.2.3.4")
	result := r.Register(&proto.ConnectRequest{ClientID: "c1", CleanStart: true}, conn)

	assert.False(t, result.Resumed)
	assert.Nil(t, result.PriorConn)
	require.NotNil(t, result.Session)
	assert.Equal(t, SessionID("c1"), result.Session.ID)
}

func TestRegistryTakeoverEvictsPriorConnection(t *testing.T) {
	r := newTestRegistry(t)
	first := newFakeConn("first")
	r.Register(&proto.ConnectRequest{ClientID: "c1", CleanStart: false}, first)

	second := newFakeConn("second")
	result := r.Register(&proto.ConnectRequest{ClientID: "c1", CleanStart: false}, second)

	require.NotNil(t, result.PriorConn)
	assert.Same(t, first, result.PriorConn)
	assert.True(t, result.Resumed)
}

func TestRegistryCleanStartDoesNotResume(t *testing.T) {
	r := newTestRegistry(t)
	conn := newFakeConn("a")
	first := r.Register(&proto.ConnectRequest{ClientID: "c1", CleanStart: false}, conn)
	first.Session.subs["topic/a"] = proto.SubOptions{}

	second := r.Register(&proto.ConnectRequest{ClientID: "c1", CleanStart: true}, newFakeConn("b"))
	assert.False(t, second.Resumed)
	assert.Empty(t, second.Session.subs)
}

func TestRegistryDisconnectWithZeroExpiryRemovesImmediately(t *testing.T) {
	r := newTestRegistry(t)
	conn := newFakeConn("a")
	zero := uint32(0)
	result := r.Register(&proto.ConnectRequest{ClientID: "c1", CleanStart: false, Props: proto.Properties{SessionExpiryInterval: &zero}}, conn)

	r.Disconnect(result.Session)

	require.Eventually(t, func() bool {
		_, ok := r.Lookup("c1")
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRegistryDisconnectWithMissingExpiryUsesConfiguredDefault(t *testing.T) {
	r := newTestRegistry(t)
	conn := newFakeConn("a")
	result := r.Register(&proto.ConnectRequest{ClientID: "c1", CleanStart: false}, conn)
	assert.Equal(t, uint32(300), result.Session.expiryInterval, "absent Session-Expiry-Interval should take the registry's configured default")

	r.Disconnect(result.Session)

	_, ok := r.Lookup("c1")
	assert.True(t, ok, "session should survive immediately after disconnect under the default grace window")
}

func TestRegistryDisconnectWithQoSSubscriptionIsNeverReapedWhileHeld(t *testing.T) {
	r := newTestRegistry(t)
	conn := newFakeConn("a")
	zero := uint32(0)
	result := r.Register(&proto.ConnectRequest{ClientID: "c1", CleanStart: false, Props: proto.Properties{SessionExpiryInterval: &zero}}, conn)
	result.Session.subs["topic/a"] = proto.SubOptions{QoS: proto.QoS1}

	r.Disconnect(result.Session)

	time.Sleep(200 * time.Millisecond)
	_, ok := r.Lookup("c1")
	assert.True(t, ok, "a session holding a QoS>0 subscription must not be reaped")
}

func TestRegistryDisconnectWithGraceWindowKeepsSessionUntilExpiry(t *testing.T) {
	r := newTestRegistry(t)
	conn := newFakeConn("a")
	interval := uint32(1)
	result := r.Register(&proto.ConnectRequest{ClientID: "c1", CleanStart: false, Props: proto.Properties{SessionExpiryInterval: &interval}}, conn)

	r.Disconnect(result.Session)

	_, ok := r.Lookup("c1")
	assert.True(t, ok, "session should survive within its grace window")

	require.Eventually(t, func() bool {
		_, ok := r.Lookup("c1")
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRegistryTakeoverCancelsPendingExpiry(t *testing.T) {
	r := newTestRegistry(t)
	interval := uint32(2)
	conn := newFakeConn("a")
	result := r.Register(&proto.ConnectRequest{ClientID: "c1", CleanStart: false, Props: proto.Properties{SessionExpiryInterval: &interval}}, conn)
	r.Disconnect(result.Session)

	// Reconnect within the grace window: the session should resume, not expire under us later.
	second := r.Register(&proto.ConnectRequest{ClientID: "c1", CleanStart: false}, newFakeConn("b"))
	assert.True(t, second.Resumed)

	time.Sleep(2200 * time.Millisecond)
	_, ok := r.Lookup("c1")
	assert.True(t, ok, "reconnecting should have canceled the earlier expiry")
}
