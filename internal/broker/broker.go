package broker

import (
	"log/slog"
	"time"

	"github.com/bdelacey/mqttd/internal/logger"
	"github.com/bdelacey/mqttd/internal/proto"
	"github.com/bdelacey/mqttd/pkg/er"
)

// Options configures a Broker at construction time.
type Options struct {
	Logger               *logger.Logger
	Authorizer           *Authorizer
	Persistence          Persistence
	RetryInterval        time.Duration // QoS 1/2 retransmit interval
	StatsInterval        time.Duration // 0 disables the $SYS stats publisher
	SessionExpiryDefault uint32        // seconds; grace window for a CONNECT with no Session-Expiry-Interval, default 300
}

// Broker is the in-memory MQTT v5 broker core: it owns the session
// registry, subscription index, retained store, and per-session QoS
// engine, and exposes the operations a transport (or a test) drives it
// with in terms of internal/proto values rather than wire bytes.
type Broker struct {
	log     *logger.Logger
	authz   *Authorizer
	persist Persistence

	registry *Registry
	subs     *SubscriptionIndex
	retained *RetainedStore
	engine   *Engine
	router   *Router
	stats    *Stats
}

// New creates a broker and starts its background workers (retransmit
// scheduler, retained-message expiry, session expiry, stats publisher).
// Call Close to stop them all.
func New(opts Options) *Broker {
	if opts.Logger == nil {
		opts.Logger = logger.New(logger.Config{Component: "broker"})
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 5 * time.Second
	}
	if opts.Authorizer == nil {
		opts.Authorizer = NewAuthorizer(nil, nil, true)
	}
	if opts.SessionExpiryDefault == 0 {
		opts.SessionExpiryDefault = 300
	}

	b := &Broker{
		log:      opts.Logger,
		authz:    opts.Authorizer,
		persist:  opts.Persistence,
		subs:     NewSubscriptionIndex(),
		retained: NewRetainedStore(),
	}
	b.registry = NewRegistry(b.onSessionExpired, opts.SessionExpiryDefault)
	b.engine = NewEngine(b, opts.RetryInterval)
	b.router = NewRouter(b)

	if opts.StatsInterval > 0 {
		b.stats = NewStats(b, opts.StatsInterval)
		b.stats.Start()
	}

	if b.persist != nil {
		for _, sess := range b.persist.RestoreSessions() {
			b.registry.sessions[sess.ID] = sess
			for filter, subOpts := range sess.subs {
				b.subs.Subscribe(sess.ID, filter, subOpts)
			}
			deadline := sess.connectedAt.Add(time.Duration(sess.expiryInterval) * time.Second)
			b.registry.expiry.Schedule(sess.ID, deadline)
		}
		for _, ret := range b.persist.RestoreRetained() {
			b.retained.messages[ret.Topic] = ret
		}
	}

	return b
}

// Close stops every background worker. The broker is unusable afterward.
func (b *Broker) Close() {
	if b.stats != nil {
		b.stats.Stop()
	}
	b.engine.Close()
	b.registry.Close()
	b.retained.Close()
}

// ConnectResult is what the transport needs to build a CONNACK.
type ConnectResult struct {
	SessionPresent bool
	Reason         byte
	PriorConn      ClientConn
	Session        *Session
}

// Connect authenticates req and registers (or resumes) its session on
// conn, evicting any connection already live for the same client ID.
func (b *Broker) Connect(req *proto.ConnectRequest, conn ClientConn) *ConnectResult {
	if err := b.authz.Authenticate(req); err != nil {
		b.log.LogAuth(req.ClientID, b.authz.username(req), false, err.Error())
		return &ConnectResult{Reason: proto.ReasonNotAuthorized}
	}

	takeover := b.registry.Register(req, conn)
	if takeover.PriorConn != nil {
		takeover.PriorConn.Close()
	}
	b.log.LogClientConnection(req.ClientID, conn.RemoteAddr(), "connected", slog.Bool("session_present", takeover.Resumed))

	return &ConnectResult{SessionPresent: takeover.Resumed, Reason: proto.ReasonSuccess, Session: takeover.Session}
}

// Publish routes an inbound PUBLISH from sess, resolving any topic alias,
// checking authorization, and acking as required by its QoS.
func (b *Broker) Publish(sess *Session, pr *proto.PublishRequest) error {
	topic, err := b.engine.ResolveInboundTopic(sess, pr.Topic, pr.Props.TopicAlias)
	if err != nil {
		return err
	}
	pr.Topic = topic

	sess.mu.Lock()
	conn := sess.conn
	sess.mu.Unlock()

	if !b.authz.CanPublish(b.sessionUser(sess), pr.Topic) {
		if conn != nil && pr.QoS == proto.QoS1 {
			conn.SendPubAck(pr.PacketID, proto.ReasonNotAuthorized)
		} else if conn != nil && pr.QoS == proto.QoS2 {
			conn.SendPubRec(pr.PacketID, proto.ReasonNotAuthorized)
		}
		return &er.Err{Context: "Publish", Message: er.ErrNotAuthorized}
	}

	b.log.LogPublish(string(sess.ID), pr.Topic, int(pr.QoS), pr.Retain, len(pr.Payload))
	if b.stats != nil {
		b.stats.RecordInbound(len(pr.Payload))
	}

	switch pr.QoS {
	case proto.QoS0:
		b.router.Route(sess.ID, pr)
	case proto.QoS1:
		b.router.Route(sess.ID, pr)
		if conn != nil {
			conn.SendPubAck(pr.PacketID, proto.ReasonSuccess)
		}
	case proto.QoS2:
		if b.engine.SeenInbound(sess, pr.PacketID) {
			if conn != nil {
				conn.SendPubRec(pr.PacketID, proto.ReasonSuccess)
			}
			return nil
		}
		// Held until the publisher's PUBREL confirms the flow; PubRel is
		// what actually routes it to subscribers.
		b.engine.StoreInboundPublish(sess, pr)
		if conn != nil {
			conn.SendPubRec(pr.PacketID, proto.ReasonSuccess)
		}
		return nil
	}

	if b.persist != nil {
		b.persist.SaveRetained(b.retained)
	}

	return nil
}

// PubRel completes the inbound half of a QoS 2 flow: the session that
// published to us has released the message, so we route it to
// subscribers now (not before) and answer with PUBCOMP.
func (b *Broker) PubRel(sess *Session, packetID uint16) {
	pr, ok := b.engine.HandleInboundPubRel(sess, packetID)
	reason := proto.ReasonPacketIDNotFound
	if ok {
		b.router.Route(sess.ID, pr)
		if b.persist != nil {
			b.persist.SaveRetained(b.retained)
		}
		reason = proto.ReasonSuccess
	}

	sess.mu.Lock()
	conn := sess.conn
	sess.mu.Unlock()
	if conn != nil {
		conn.SendPubComp(packetID, reason)
	}
}

// PubAck, PubRec, and PubComp complete the outbound half of a QoS 1/2
// flow: a subscriber has acknowledged a message we delivered to it.
func (b *Broker) PubAck(sess *Session, packetID uint16) { b.engine.HandlePubAck(sess, packetID) }

func (b *Broker) PubRec(sess *Session, packetID uint16) error {
	return b.engine.HandlePubRec(sess, packetID)
}

func (b *Broker) PubComp(sess *Session, packetID uint16) { b.engine.HandlePubComp(sess, packetID) }

// Subscribe adds sess's filters to the subscription index, delivers any
// matching retained messages, and returns one reason code per filter.
func (b *Broker) Subscribe(sess *Session, req *proto.SubscribeRequest) *proto.SubscribeResult {
	reasons := make([]byte, len(req.Filters))
	user := b.sessionUser(sess)

	for i, f := range req.Filters {
		if !b.authz.CanSubscribe(user, f.Filter) {
			reasons[i] = proto.ReasonNotAuthorized
			continue
		}

		sess.mu.Lock()
		_, already := sess.subs[f.Filter]
		sess.subs[f.Filter] = f.Opts
		sess.mu.Unlock()

		b.subs.Subscribe(sess.ID, f.Filter, f.Opts)
		b.log.LogSubscription(string(sess.ID), f.Filter, int(f.Opts.QoS), "subscribed")
		reasons[i] = byte(f.Opts.QoS)

		b.router.DeliverRetained(sess, f.Filter, f.Opts, !already)
	}

	return &proto.SubscribeResult{PacketID: req.PacketID, Reasons: reasons}
}

// Unsubscribe removes sess's filters from the subscription index and
// returns one reason code per filter.
func (b *Broker) Unsubscribe(sess *Session, req *proto.UnsubscribeRequest) *proto.UnsubscribeResult {
	reasons := make([]byte, len(req.Filters))
	for i, filter := range req.Filters {
		existed := b.subs.Unsubscribe(sess.ID, filter)
		sess.mu.Lock()
		delete(sess.subs, filter)
		sess.mu.Unlock()
		if existed {
			reasons[i] = proto.UnsubSuccess
			b.log.LogSubscription(string(sess.ID), filter, 0, "unsubscribed")
		} else {
			reasons[i] = proto.UnsubNoSubscriptionExisted
		}
	}
	return &proto.UnsubscribeResult{PacketID: req.PacketID, Reasons: reasons}
}

// Ping answers a PINGREQ.
func (b *Broker) Ping(sess *Session) {
	sess.mu.Lock()
	conn := sess.conn
	sess.mu.Unlock()
	if conn != nil {
		conn.SendPingResp()
	}
}

// Disconnect ends sess's connection. graceful distinguishes a client-sent
// DISCONNECT (no Will) from a transport-detected drop (runs the Will, if
// any).
func (b *Broker) Disconnect(sess *Session, graceful bool, newExpiry *uint32) {
	sess.mu.Lock()
	will := sess.will
	if newExpiry != nil {
		sess.expiryInterval = *newExpiry
	}
	sess.will = nil
	filters := make([]string, 0, len(sess.subs))
	for f := range sess.subs {
		filters = append(filters, f)
	}
	sess.mu.Unlock()

	b.log.LogClientConnection(string(sess.ID), "", "disconnected", slog.Bool("graceful", graceful))

	if !graceful && will != nil {
		b.router.Route(sess.ID, &proto.PublishRequest{
			Topic:   will.Topic,
			Payload: will.Payload,
			QoS:     will.QoS,
			Retain:  will.Retain,
			Props:   will.Props,
		})
	}

	b.registry.Disconnect(sess)

	if sess.cleanStart {
		b.subs.RemoveSession(sess.ID, filters)
	}

	if b.persist != nil {
		b.persist.SaveSession(sess)
	}
}

func (b *Broker) onSessionExpired(sess *Session) {
	sess.mu.Lock()
	filters := make([]string, 0, len(sess.subs))
	for f := range sess.subs {
		filters = append(filters, f)
	}
	sess.mu.Unlock()
	b.subs.RemoveSession(sess.ID, filters)
	b.log.LogClientConnection(string(sess.ID), "", "session_expired")
}

// recordOutbound counts a delivered PUBLISH, if the stats publisher is
// enabled.
func (b *Broker) recordOutbound(n int) {
	if b.stats != nil {
		b.stats.RecordOutbound(n)
	}
}

func (b *Broker) sessionUser(sess *Session) string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.username
}

// Registry exposes the session registry for the transport layer (session
// takeover needs to look a client up before Connect runs) and for tests.
func (b *Broker) Registry() *Registry { return b.registry }
