package broker

import (
	"sync"
	"time"

	"github.com/bdelacey/mqttd/internal/proto"
)

// SessionID is a client identifier. MQTT client IDs are themselves byte
// strings, so a plain Go string is the natural representation.
type SessionID string

// ClientConn is everything the broker core needs to push protocol events
// back out to a connected client, without knowing anything about TCP or
// wire encoding. internal/transport implements this over a real socket;
// tests implement it over a channel.
type ClientConn interface {
	SendPublish(*proto.PublishRequest) error
	SendPubAck(packetID uint16, reason byte) error
	SendPubRec(packetID uint16, reason byte) error
	SendPubRel(packetID uint16) error
	SendPubComp(packetID uint16, reason byte) error
	SendSubAck(*proto.SubscribeResult) error
	SendUnsubAck(*proto.UnsubscribeResult) error
	SendPingResp() error
	SendDisconnect(reason byte) error
	Close() error
	RemoteAddr() string
}

// inflightPub is a QoS 1/2 message awaiting acknowledgement from a
// subscriber, keyed by the packet ID the broker assigned on delivery.
type inflightPub struct {
	msg       *proto.PublishRequest
	sentAt    time.Time
	pubrecked bool // QoS 2 only: PUBREC seen, waiting on PUBCOMP after PUBREL
}

// Session is a client's durable MQTT state: its subscriptions, undelivered
// and in-flight messages, and topic alias tables. It outlives any single
// TCP connection when CleanStart is false and the grace window hasn't
// elapsed yet.
type Session struct {
	ID       SessionID
	username string // empty for anonymous connections

	mu          sync.Mutex
	conn        ClientConn // nil while disconnected
	connected   bool
	connectedAt time.Time

	cleanStart     bool
	expiryInterval uint32 // seconds; 0 means session dies with the connection
	will           *proto.WillMessage

	subs map[string]proto.SubOptions // filter -> options, this session's view of the subscription index

	receiveMax   uint16
	inflightOut  map[uint16]*inflightPub // messages the broker sent, awaiting subscriber ack
	nextPacketID uint16
	backlog      []*proto.PublishRequest // queued because inflightOut is at receiveMax

	inflightIn map[uint16]*proto.PublishRequest // QoS2 inbound publishes awaiting PUBREL, keyed by packet ID

	outboundAliases map[string]uint16 // topic -> alias this broker assigned when sending to this client
	nextOutAlias    uint16
	outAliasMax     uint16

	inboundAliases map[uint16]string // alias -> topic this client registered when publishing to us
}

// NewSession creates a fresh session for clientID. Connection-specific
// fields (conn, receiveMax, alias limits) are filled in by Registry.Register.
func NewSession(id SessionID) *Session {
	return &Session{
		ID:              id,
		subs:            make(map[string]proto.SubOptions),
		inflightOut:     make(map[uint16]*inflightPub),
		inflightIn:      make(map[uint16]*proto.PublishRequest),
		outboundAliases: make(map[string]uint16),
		inboundAliases:  make(map[uint16]string),
		nextPacketID:    1,
	}
}

// Registry owns the set of known sessions, keyed by client ID, plus the
// grace-window scheduling that expires a disconnected session once its
// Session-Expiry-Interval has passed.
type Registry struct {
	mu            sync.Mutex
	sessions      map[SessionID]*Session
	expiry        *QueueRunner[SessionID]
	onExpire      func(*Session)
	expiryDefault uint32 // seconds; applied when CONNECT carries no Session-Expiry-Interval
}

// NewRegistry creates an empty registry. onExpire is invoked when a
// session's grace window elapses and it is removed for good — the broker
// uses it to release the session's subscriptions. expiryDefault is the grace
// window (seconds) applied to a session whose CONNECT omitted
// Session-Expiry-Interval entirely.
func NewRegistry(onExpire func(*Session), expiryDefault uint32) *Registry {
	r := &Registry{
		sessions:      make(map[SessionID]*Session),
		onExpire:      onExpire,
		expiryDefault: expiryDefault,
	}
	r.expiry = NewQueueRunner(r.expireOne)
	go r.expiry.Start()
	return r
}

// Close stops the registry's background expiry loop.
func (r *Registry) Close() {
	r.expiry.Stop()
}

// Lookup returns the session for id, if any.
func (r *Registry) Lookup(id SessionID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// TakeoverResult reports what Register did with any pre-existing session
// for the same client ID, so the caller can decide what to resend.
type TakeoverResult struct {
	Session   *Session
	Resumed   bool       // true if an existing, non-clean session was reused
	PriorConn ClientConn // non-nil if a live connection was evicted by this takeover
}

// Register associates conn with req.ClientID, creating a new session or
// resuming an existing one per CleanStart, and evicting any connection
// already live for that client ID — session takeover.
func (r *Registry) Register(req *proto.ConnectRequest, conn ClientConn) *TakeoverResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := SessionID(req.ClientID)
	existing, had := r.sessions[id]

	result := &TakeoverResult{}

	if had {
		existing.mu.Lock()
		if existing.connected {
			result.PriorConn = existing.conn
		}
		existing.mu.Unlock()
		r.expiry.Cancel(id)
	}

	var sess *Session
	if had && !req.CleanStart {
		sess = existing
		result.Resumed = true
	} else {
		sess = NewSession(id)
		r.sessions[id] = sess
	}

	sess.mu.Lock()
	sess.conn = conn
	sess.connected = true
	sess.connectedAt = time.Now()
	sess.cleanStart = req.CleanStart
	sess.will = req.Will
	if req.Username != nil {
		sess.username = *req.Username
	}
	if req.Props.SessionExpiryInterval != nil {
		sess.expiryInterval = *req.Props.SessionExpiryInterval
	} else {
		sess.expiryInterval = r.expiryDefault
	}
	if req.Props.ReceiveMaximum != nil {
		sess.receiveMax = *req.Props.ReceiveMaximum
	} else {
		sess.receiveMax = 65535
	}
	if req.Props.TopicAliasMaximum != nil {
		sess.outAliasMax = *req.Props.TopicAliasMaximum
	}
	sess.mu.Unlock()

	result.Session = sess
	return result
}

// Disconnect marks sess as no longer connected and schedules it for
// expiry after its grace window — expiryInterval seconds, which Register
// already defaulted per the registry's configured expiryDefault if the
// connecting client never set Session-Expiry-Interval. Only
// expiryInterval governs the grace window; CleanStart has no bearing on
// it, per the Session-Expiry-Interval lifecycle rules. A zero interval
// still goes through the same expiry path, so a session holding a QoS>0
// subscription is not reaped out from under it.
func (r *Registry) Disconnect(sess *Session) {
	sess.mu.Lock()
	sess.conn = nil
	sess.connected = false
	interval := sess.expiryInterval
	sess.mu.Unlock()

	r.expiry.Schedule(sess.ID, time.Now().Add(time.Duration(interval)*time.Second))
}

// sessionHasQoSSubscription reports whether sess currently holds any
// subscription at QoS 1 or 2. Caller must hold sess.mu.
func sessionHasQoSSubscription(sess *Session) bool {
	for _, opts := range sess.subs {
		if opts.QoS > proto.QoS0 {
			return true
		}
	}
	return false
}

// expireOne reaps a disconnected session once its grace window has
// elapsed, unless it still holds a QoS>0 subscription — such a session
// is not reapable (it retains messages for its grace window) and has its
// expiry rescheduled rather than deleted.
func (r *Registry) expireOne(id SessionID) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	sess.mu.Lock()
	stillDisconnected := !sess.connected
	holdsQoSSub := sessionHasQoSSubscription(sess)
	interval := sess.expiryInterval
	sess.mu.Unlock()

	reap := stillDisconnected && !holdsQoSSub
	if reap {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !reap {
		if stillDisconnected && holdsQoSSub {
			r.expiry.Schedule(id, time.Now().Add(time.Duration(interval)*time.Second))
		}
		return
	}

	if r.onExpire != nil {
		r.onExpire(sess)
	}
}

// All returns a snapshot of every currently registered session. Used by
// the stats collector.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Remove deletes id from the registry unconditionally, canceling any
// pending expiry. It does not touch the subscription index or run
// onExpire.
func (r *Registry) Remove(id SessionID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	r.expiry.Cancel(id)
}
