package broker

import (
	"github.com/bdelacey/mqttd/internal/auth"
	"github.com/bdelacey/mqttd/internal/proto"
)

// ACLAction is the permission an ACL rule grants.
type ACLAction int

const (
	ACLDeny ACLAction = iota
	ACLRead
	ACLWrite
	ACLReadWrite
)

// ACLRule grants action on topics matching Filter to a specific user, or
// to every connection when User is empty.
type ACLRule struct {
	User   string
	Filter string
	Action ACLAction
}

// Authorizer gates CONNECT, Publish, and Subscribe against the
// configured credential store and ACL rule list. It is the broker core's
// only dependency on internal/auth, keeping session/engine/router free of
// SQL and bcrypt concerns.
type Authorizer struct {
	store       *auth.Store
	rules       []ACLRule
	defaultOpen bool // when true, a topic with no matching rule is allowed
}

// NewAuthorizer creates an authorizer backed by store. A nil store allows
// every CONNECT (used in tests and for a broker run with auth disabled).
func NewAuthorizer(store *auth.Store, rules []ACLRule, defaultOpen bool) *Authorizer {
	return &Authorizer{store: store, rules: rules, defaultOpen: defaultOpen}
}

// Authenticate checks a CONNECT's credentials.
func (a *Authorizer) Authenticate(req *proto.ConnectRequest) error {
	if a.store == nil {
		return nil
	}
	return a.store.Authenticate(req.Username, req.Password)
}

func (a *Authorizer) username(req *proto.ConnectRequest) string {
	if req == nil || req.Username == nil {
		return ""
	}
	return *req.Username
}

// CanPublish reports whether user may publish to topic.
func (a *Authorizer) CanPublish(user, topic string) bool {
	return a.allows(user, topic, ACLWrite)
}

// CanSubscribe reports whether user may subscribe to filter.
func (a *Authorizer) CanSubscribe(user, filter string) bool {
	return a.allows(user, filter, ACLRead)
}

// allows applies the ACL rules in order and returns the verdict of the
// first one that matches both user and topicOrFilter — first match wins,
// so a narrower deny listed before a broader allow still takes effect.
// A connection matched by no rule at all falls back to defaultOpen.
func (a *Authorizer) allows(user, topicOrFilter string, want ACLAction) bool {
	for _, rule := range a.rules {
		if rule.User != "" && rule.User != user {
			continue
		}
		if !topicMatchesFilter(topicOrFilter, rule.Filter) {
			continue
		}
		return rule.Action == ACLReadWrite || rule.Action == want
	}
	return a.defaultOpen
}
