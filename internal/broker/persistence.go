package broker

import (
	"github.com/bdelacey/mqttd/internal/persistence"
	"github.com/bdelacey/mqttd/internal/proto"
)

// Persistence is the broker's view of its durability layer: enough to
// restore sessions and retained messages at startup, and to flush them
// back out as they change. A nil Persistence means the broker runs
// purely in memory.
type Persistence interface {
	RestoreSessions() []*Session
	RestoreRetained() []*Retained
	SaveSession(sess *Session)
	SaveRetained(store *RetainedStore)
}

// SQLitePersistence backs Persistence with internal/persistence's sqlite
// store, writing in the background through a queue of 100 pending writes.
// When that queue is full, the write runs on the caller's goroutine, so
// Publish and Disconnect then block on disk I/O.
type SQLitePersistence struct {
	store   *persistence.Store
	writeCh chan func()
	done    chan struct{}
}

// NewSQLitePersistence wraps store and starts its write-behind worker.
func NewSQLitePersistence(store *persistence.Store) *SQLitePersistence {
	p := &SQLitePersistence{
		store:   store,
		writeCh: make(chan func(), 100),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

// Close stops the write-behind worker after draining pending writes.
func (p *SQLitePersistence) Close() {
	close(p.writeCh)
	<-p.done
}

func (p *SQLitePersistence) loop() {
	defer close(p.done)
	for fn := range p.writeCh {
		fn()
	}
}

func (p *SQLitePersistence) enqueue(fn func()) {
	select {
	case p.writeCh <- fn:
	default:
		// Backlog full: run inline rather than drop a durability write.
		fn()
	}
}

// RestoreSessions loads every session sqlite knows about, rebuilding the
// in-memory Session and its own subscription map. The caller
// (Broker.New) is responsible for also re-adding each filter to the
// broker's SubscriptionIndex.
func (p *SQLitePersistence) RestoreSessions() []*Session {
	recs, err := p.store.ListSessions()
	if err != nil {
		return nil
	}
	out := make([]*Session, 0, len(recs))
	for _, rec := range recs {
		sess := NewSession(SessionID(rec.ClientID))
		sess.expiryInterval = rec.ExpiryInterval
		sess.connectedAt = rec.UpdatedAt
		if rec.Will != nil {
			sess.will = &proto.WillMessage{
				Topic:   rec.Will.Topic,
				Payload: rec.Will.Payload,
				QoS:     proto.QoSLevel(rec.Will.QoS),
				Retain:  rec.Will.Retain,
			}
		}
		for _, sub := range rec.Subs {
			sess.subs[sub.Filter] = proto.SubOptions{
				QoS:               proto.QoSLevel(sub.QoS),
				NoLocal:           sub.NoLocal,
				RetainAsPublished: sub.RetainAsPublished,
				RetainHandling:    proto.RetainHandling(sub.RetainHandling),
			}
		}
		out = append(out, sess)
	}
	return out
}

// RestoreRetained loads every retained message sqlite knows about.
func (p *SQLitePersistence) RestoreRetained() []*Retained {
	recs, err := p.store.ListRetained()
	if err != nil {
		return nil
	}
	out := make([]*Retained, 0, len(recs))
	for _, rec := range recs {
		out = append(out, &Retained{
			Topic:    rec.Topic,
			Payload:  rec.Payload,
			QoS:      proto.QoSLevel(rec.QoS),
			StoredAt: rec.StoredAt,
			ExpireAt: rec.ExpireAt,
		})
	}
	return out
}

// SaveSession enqueues sess's current state for a background upsert.
func (p *SQLitePersistence) SaveSession(sess *Session) {
	sess.mu.Lock()
	rec := persistence.SessionRecord{
		ClientID:       string(sess.ID),
		ExpiryInterval: sess.expiryInterval,
		UpdatedAt:      sess.connectedAt,
	}
	if sess.will != nil {
		rec.Will = &persistence.WillRecord{
			Topic:   sess.will.Topic,
			Payload: sess.will.Payload,
			QoS:     byte(sess.will.QoS),
			Retain:  sess.will.Retain,
		}
	}
	for f, o := range sess.subs {
		rec.Subs = append(rec.Subs, persistence.SubRecord{
			Filter:            f,
			QoS:               byte(o.QoS),
			NoLocal:           o.NoLocal,
			RetainAsPublished: o.RetainAsPublished,
			RetainHandling:    byte(o.RetainHandling),
		})
	}
	sess.mu.Unlock()

	p.enqueue(func() { p.store.SaveSession(rec) })
}

// SaveRetained enqueues every message currently in store for a background
// upsert. Broker calls this after every retained Publish, so the set of
// changed topics is usually one — a small inefficiency traded for a
// simple facade, matching the spec's "write-behind queue" without a diff
// mechanism.
func (p *SQLitePersistence) SaveRetained(store *RetainedStore) {
	store.mu.RLock()
	recs := make([]persistence.RetainedRecord, 0, len(store.messages))
	for _, r := range store.messages {
		recs = append(recs, persistence.RetainedRecord{
			Topic:    r.Topic,
			Payload:  r.Payload,
			QoS:      byte(r.QoS),
			StoredAt: r.StoredAt,
			ExpireAt: r.ExpireAt,
		})
	}
	store.mu.RUnlock()

	p.enqueue(func() {
		for _, rec := range recs {
			p.store.SaveRetained(rec)
		}
	})
}
