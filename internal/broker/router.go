package broker

import "github.com/bdelacey/mqttd/internal/proto"

// Router fans a published message out to every matching subscriber,
// honoring No-Local, per-subscriber maximum QoS, and Retain-As-Published,
// and updates the retained store for messages published with Retain set.
type Router struct {
	broker *Broker
}

// NewRouter creates a router bound to b for subscription and session
// lookups.
func NewRouter(b *Broker) *Router {
	return &Router{broker: b}
}

// Route delivers pr to every session subscribed at a filter matching
// pr.Topic. publisher is the session that sent it (empty for broker-
// originated messages such as $SYS stats), used only to honor No-Local.
func (r *Router) Route(publisher SessionID, pr *proto.PublishRequest) {
	if pr.Retain {
		r.broker.retained.Put(pr.Topic, pr.Payload, pr.QoS, pr.Props)
	}

	matches := r.broker.subs.Match(pr.Topic)
	for _, m := range matches {
		if m.Opts.NoLocal && m.Session == publisher {
			continue
		}
		sess, ok := r.broker.registry.Lookup(m.Session)
		if !ok {
			continue
		}
		out := pr.Clone()
		r.broker.engine.PrepareOutbound(sess, out, m.Opts)
		r.broker.engine.Deliver(sess, out)
		r.broker.recordOutbound(len(out.Payload))
	}
}

// DeliverRetained sends every retained message matching filter to sess —
// called right after a successful Subscribe, per the RetainHandling option
// requested.
func (r *Router) DeliverRetained(sess *Session, filter string, opts proto.SubOptions, newSubscription bool) {
	switch opts.RetainHandling {
	case proto.DoNotSendOnSubscribe:
		return
	case proto.SendIfNewSubscription:
		if !newSubscription {
			return
		}
	}

	for _, ret := range r.broker.retained.Match(filter) {
		pr := &proto.PublishRequest{
			Topic:   ret.Topic,
			Payload: ret.Payload,
			QoS:     ret.QoS,
			Retain:  true,
			Props:   ret.Props,
		}
		r.broker.engine.PrepareOutbound(sess, pr, opts)
		r.broker.engine.Deliver(sess, pr)
		r.broker.recordOutbound(len(pr.Payload))
	}
}
