package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdelacey/mqttd/internal/persistence"
)

func ptr(s string) *string { return &s }

func newTestStore(t *testing.T, allowAnonymous bool) *Store {
	t.Helper()
	p, err := persistence.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return New(p.DB(), allowAnonymous)
}

func TestAuthenticateAnonymousAllowed(t *testing.T) {
	s := newTestStore(t, true)
	assert.NoError(t, s.Authenticate(nil, nil))
}

func TestAuthenticateAnonymousRejected(t *testing.T) {
	s := newTestStore(t, false)
	assert.Error(t, s.Authenticate(nil, nil))
}

func TestAuthenticateUnknownUser(t *testing.T) {
	s := newTestStore(t, false)
	err := s.Authenticate(ptr("ghost"), ptr("whatever"))
	assert.Error(t, err)
}

func TestAuthenticateCorrectPassword(t *testing.T) {
	s := newTestStore(t, false)
	require.NoError(t, s.CreateUser("alice", "correct-horse", 4))

	assert.NoError(t, s.Authenticate(ptr("alice"), ptr("correct-horse")))
}

func TestAuthenticateWrongPassword(t *testing.T) {
	s := newTestStore(t, false)
	require.NoError(t, s.CreateUser("alice", "correct-horse", 4))

	err := s.Authenticate(ptr("alice"), ptr("wrong-password"))
	assert.Error(t, err)
}

func TestAuthenticateNilPasswordAgainstRealUserFails(t *testing.T) {
	s := newTestStore(t, false)
	require.NoError(t, s.CreateUser("alice", "correct-horse", 4))

	err := s.Authenticate(ptr("alice"), nil)
	assert.Error(t, err)
}

func TestCreateUserThenAuthenticateRoundTrip(t *testing.T) {
	s := newTestStore(t, false)
	require.NoError(t, s.CreateUser("bob", "hunter2", 4))

	assert.NoError(t, s.Authenticate(ptr("bob"), ptr("hunter2")))
	assert.Error(t, s.Authenticate(ptr("bob"), ptr("hunter3")))
}
