package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorizerDefaultOpenAllowsUnmatchedTopic(t *testing.T) {
	a := NewAuthorizer(nil, nil, true)
	assert.True(t, a.CanPublish("alice", "anything/goes"))
	assert.True(t, a.CanSubscribe("alice", "anything/goes"))
}

func TestAuthorizerDefaultClosedDeniesUnmatchedTopic(t *testing.T) {
	a := NewAuthorizer(nil, nil, false)
	assert.False(t, a.CanPublish("alice", "anything/goes"))
}

func TestAuthorizerWildcardRuleAppliesToEveryUser(t *testing.T) {
	a := NewAuthorizer(nil, []ACLRule{{Filter: "public/#", Action: ACLRead}}, false)
	assert.True(t, a.CanSubscribe("alice", "public/news"))
	assert.True(t, a.CanSubscribe("bob", "public/news"))
	assert.False(t, a.CanPublish("alice", "public/news"), "rule only grants read")
}

func TestAuthorizerUserSpecificRuleDoesNotApplyToOtherUsers(t *testing.T) {
	a := NewAuthorizer(nil, []ACLRule{{User: "alice", Filter: "private/alice/#", Action: ACLReadWrite}}, false)
	assert.True(t, a.CanPublish("alice", "private/alice/inbox"))
	assert.False(t, a.CanPublish("bob", "private/alice/inbox"))
}

func TestAuthorizerMatchedRuleWithWrongActionDeniesEvenWithDefaultOpen(t *testing.T) {
	a := NewAuthorizer(nil, []ACLRule{{Filter: "metrics/#", Action: ACLRead}}, true)
	assert.False(t, a.CanPublish("alice", "metrics/cpu"), "an explicit read-only rule should override the open default")
	assert.True(t, a.CanSubscribe("alice", "metrics/cpu"))
}

func TestAuthorizerReadWriteRuleGrantsBoth(t *testing.T) {
	a := NewAuthorizer(nil, []ACLRule{{Filter: "scratch/#", Action: ACLReadWrite}}, false)
	assert.True(t, a.CanPublish("alice", "scratch/x"))
	assert.True(t, a.CanSubscribe("alice", "scratch/x"))
}

func TestAuthorizerFirstMatchingRuleWins(t *testing.T) {
	a := NewAuthorizer(nil, []ACLRule{
		{Filter: "a/#", Action: ACLDeny},
		{Filter: "a/#", Action: ACLReadWrite},
	}, false)
	assert.False(t, a.CanPublish("alice", "a/x"), "the first matching rule denies; a later matching rule must not override it")
	assert.False(t, a.CanSubscribe("alice", "a/x"))
}
