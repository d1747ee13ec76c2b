package broker

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bdelacey/mqttd/internal/proto"
)

// Stats tracks broker-wide counters and periodically publishes them under
// $SYS topics, the same way a production broker exposes liveness metrics
// to any client subscribed to them rather than requiring a side-channel
// metrics endpoint.
type Stats struct {
	broker *Broker
	ticker *time.Ticker
	stop   chan struct{}

	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	bytesReceived    atomic.Int64
	bytesSent        atomic.Int64
}

// NewStats creates a stats collector that publishes every interval.
func NewStats(b *Broker, interval time.Duration) *Stats {
	return &Stats{broker: b, ticker: time.NewTicker(interval), stop: make(chan struct{})}
}

// Start begins the publish loop in the background.
func (s *Stats) Start() {
	go s.loop()
}

// Stop halts the publish loop.
func (s *Stats) Stop() {
	close(s.stop)
	s.ticker.Stop()
}

func (s *Stats) loop() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.ticker.C:
			s.publish()
		}
	}
}

func (s *Stats) publish() {
	sessions := s.broker.registry.All()
	connected := 0
	for _, sess := range sessions {
		sess.mu.Lock()
		if sess.connected {
			connected++
		}
		sess.mu.Unlock()
	}

	entries := map[string]string{
		"$SYS/broker/clients/total":           fmt.Sprintf("%d", len(sessions)),
		"$SYS/broker/clients/connected":       fmt.Sprintf("%d", connected),
		"$SYS/broker/messages/received":       fmt.Sprintf("%d", s.messagesReceived.Load()),
		"$SYS/broker/messages/sent":           fmt.Sprintf("%d", s.messagesSent.Load()),
		"$SYS/broker/bytes/received":          fmt.Sprintf("%d", s.bytesReceived.Load()),
		"$SYS/broker/bytes/sent":              fmt.Sprintf("%d", s.bytesSent.Load()),
		"$SYS/broker/retained messages/count": fmt.Sprintf("%d", s.broker.retained.Count()),
		"$SYS/broker/subscriptions/count":     fmt.Sprintf("%d", s.broker.subs.Count()),
	}

	expiry := statsMessageExpiry
	for topic, payload := range entries {
		s.broker.router.Route("", &proto.PublishRequest{
			Topic:   topic,
			Payload: []byte(payload),
			QoS:     proto.QoS2,
			Retain:  true,
			Props:   proto.Properties{MessageExpiryInterval: &expiry},
		})
	}
}

// statsMessageExpiry is the Message-Expiry-Interval (seconds) carried on
// every $SYS stats publish, so a stale broker's last-known counters don't
// linger as retained messages forever.
var statsMessageExpiry uint32 = 60

// RecordInbound counts one received PUBLISH of n payload bytes.
func (s *Stats) RecordInbound(n int) {
	s.messagesReceived.Add(1)
	s.bytesReceived.Add(int64(n))
}

// RecordOutbound counts one delivered PUBLISH of n payload bytes.
func (s *Stats) RecordOutbound(n int) {
	s.messagesSent.Add(1)
	s.bytesSent.Add(int64(n))
}
