package broker

import (
	"time"

	"github.com/bdelacey/mqttd/internal/proto"
	"github.com/bdelacey/mqttd/pkg/er"
)

// Engine runs the per-session QoS 1/2 state machines and topic alias
// bookkeeping: everything that depends on a single session's in-flight
// window rather than on the subscription index or retained store. It's
// kept as its own type (rather than methods directly on *Session) so the
// retransmit scheduler can be wired in independently of Session's data
// layout.
type Engine struct {
	retryAfter time.Duration
	retries    *QueueRunner[retryKey]
	broker     *Broker
}

type retryKey struct {
	session  SessionID
	packetID uint16
}

// NewEngine creates an engine that retransmits un-acked QoS 1/2 deliveries
// after retryAfter, via b for session lookup.
func NewEngine(b *Broker, retryAfter time.Duration) *Engine {
	e := &Engine{retryAfter: retryAfter, broker: b}
	e.retries = NewQueueRunner(e.retry)
	go e.retries.Start()
	return e
}

// Close stops the retransmit scheduler.
func (e *Engine) Close() {
	e.retries.Stop()
}

// ResolveInboundTopic applies a publisher's topic alias: if topic is
// non-empty and alias is set, the alias is (re)bound to that topic; if
// only alias is set, the topic bound to it previously is returned. A
// zero-length topic with no previously bound alias returns
// er.ErrUnknownTopicAlias.
func (e *Engine) ResolveInboundTopic(sess *Session, topic string, alias *uint16) (string, error) {
	if alias == nil {
		return topic, nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if topic != "" {
		sess.inboundAliases[*alias] = topic
		return topic, nil
	}
	bound, ok := sess.inboundAliases[*alias]
	if !ok {
		return "", &er.Err{Context: "ResolveInboundTopic", Message: er.ErrUnknownTopicAlias}
	}
	return bound, nil
}

// PrepareOutbound decides the topic alias and QoS a PUBLISH should carry
// when delivered to sess as a subscriber, mutating pr in place. It never
// mutates the router's shared copy of the message — callers pass a
// Clone()'d request.
func (e *Engine) PrepareOutbound(sess *Session, pr *proto.PublishRequest, opts proto.SubOptions) {
	if pr.QoS > opts.QoS {
		pr.QoS = opts.QoS
	}
	if !opts.RetainAsPublished {
		pr.Retain = false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.outAliasMax == 0 {
		return
	}
	if alias, ok := sess.outboundAliases[pr.Topic]; ok {
		a := alias
		pr.Props.TopicAlias = &a
		pr.Topic = ""
		return
	}
	if sess.nextOutAlias < sess.outAliasMax {
		sess.nextOutAlias++
		alias := sess.nextOutAlias
		sess.outboundAliases[pr.Topic] = alias
		a := alias
		pr.Props.TopicAlias = &a
	}
}

// Deliver hands pr to sess: QoS 0 is fire-and-forget, QoS 1/2 consumes an
// in-flight token (or queues to the backlog if the session's
// Receive-Maximum window is full) and arms the retransmit timer.
func (e *Engine) Deliver(sess *Session, pr *proto.PublishRequest) error {
	if pr.QoS == proto.QoS0 {
		sess.mu.Lock()
		conn := sess.conn
		sess.mu.Unlock()
		if conn == nil {
			return nil
		}
		return conn.SendPublish(pr)
	}

	sess.mu.Lock()
	if len(sess.inflightOut) >= int(sess.receiveMax) || sess.receiveMax == 0 {
		sess.backlog = append(sess.backlog, pr)
		sess.mu.Unlock()
		return nil
	}
	pid := sess.nextPacketID
	sess.nextPacketID++
	if sess.nextPacketID == 0 {
		sess.nextPacketID = 1
	}
	pr.PacketID = pid
	sess.inflightOut[pid] = &inflightPub{msg: pr, sentAt: time.Now()}
	conn := sess.conn
	id := sess.ID
	sess.mu.Unlock()

	e.retries.Schedule(retryKey{session: id, packetID: pid}, time.Now().Add(e.retryAfter))

	if conn == nil {
		return nil
	}
	return conn.SendPublish(pr)
}

func (e *Engine) retry(k retryKey) {
	sess, ok := e.broker.registry.Lookup(k.session)
	if !ok {
		return
	}
	sess.mu.Lock()
	in, ok := sess.inflightOut[k.packetID]
	conn := sess.conn
	sess.mu.Unlock()
	if !ok || conn == nil {
		return
	}
	in.msg.Dup = true
	if in.pubrecked {
		conn.SendPubRel(k.packetID)
	} else {
		conn.SendPublish(in.msg)
	}
	e.retries.Schedule(k, time.Now().Add(e.retryAfter))
}

// drainBacklog attempts to move queued messages into the in-flight window
// after an ack frees up a slot.
func (e *Engine) drainBacklog(sess *Session) {
	for {
		sess.mu.Lock()
		if len(sess.backlog) == 0 || len(sess.inflightOut) >= int(sess.receiveMax) {
			sess.mu.Unlock()
			return
		}
		next := sess.backlog[0]
		sess.backlog = sess.backlog[1:]
		sess.mu.Unlock()
		e.Deliver(sess, next)
	}
}

// HandlePubAck completes a QoS 1 delivery.
func (e *Engine) HandlePubAck(sess *Session, packetID uint16) {
	sess.mu.Lock()
	delete(sess.inflightOut, packetID)
	sess.mu.Unlock()
	e.retries.Cancel(retryKey{session: sess.ID, packetID: packetID})
	e.drainBacklog(sess)
}

// HandlePubRec advances a QoS 2 delivery to its second handshake leg.
func (e *Engine) HandlePubRec(sess *Session, packetID uint16) error {
	sess.mu.Lock()
	in, ok := sess.inflightOut[packetID]
	conn := sess.conn
	if ok {
		in.pubrecked = true
	}
	sess.mu.Unlock()
	if !ok {
		return &er.Err{Context: "HandlePubRec", Message: er.ErrPacketIDNotFound}
	}
	e.retries.Schedule(retryKey{session: sess.ID, packetID: packetID}, time.Now().Add(e.retryAfter))
	if conn == nil {
		return nil
	}
	return conn.SendPubRel(packetID)
}

// HandlePubComp completes a QoS 2 delivery.
func (e *Engine) HandlePubComp(sess *Session, packetID uint16) {
	sess.mu.Lock()
	delete(sess.inflightOut, packetID)
	sess.mu.Unlock()
	e.retries.Cancel(retryKey{session: sess.ID, packetID: packetID})
	e.drainBacklog(sess)
}

// StoreInboundPublish records pr as an inbound QoS 2 PUBLISH awaiting its
// publisher's PUBREL, keyed by pr.PacketID. The broker does not route pr
// to subscribers until that PUBREL arrives — HandleInboundPubRel is what
// hands it back for broadcast.
func (e *Engine) StoreInboundPublish(sess *Session, pr *proto.PublishRequest) {
	sess.mu.Lock()
	sess.inflightIn[pr.PacketID] = pr
	sess.mu.Unlock()
}

// HandleInboundPubRel releases the QoS 2 publish stored under packetID,
// forgetting the packet ID for dup suppression, and returns it so the
// caller can broadcast it. ok is false if no publish was pending under
// packetID, e.g. a PUBREL the broker never got a matching PUBLISH for.
func (e *Engine) HandleInboundPubRel(sess *Session, packetID uint16) (pr *proto.PublishRequest, ok bool) {
	sess.mu.Lock()
	pr, ok = sess.inflightIn[packetID]
	delete(sess.inflightIn, packetID)
	sess.mu.Unlock()
	return pr, ok
}

// SeenInbound reports whether packetID already has a QoS 2 PUBLISH
// pending PUBREL — the broker uses this to suppress re-storing (and
// re-routing on eventual PUBREL) a duplicate PUBLISH while still
// re-sending PUBREC.
func (e *Engine) SeenInbound(sess *Session, packetID uint16) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	_, ok := sess.inflightIn[packetID]
	return ok
}
