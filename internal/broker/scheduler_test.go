package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T) (*QueueRunner[string], *fireLog) {
	fl := &fireLog{}
	q := NewQueueRunner[string](fl.record)
	go q.Start()
	t.Cleanup(q.Stop)
	return q, fl
}

type fireLog struct {
	mu   sync.Mutex
	keys []string
}

func (f *fireLog) record(k string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, k)
}

func (f *fireLog) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

func TestQueueRunnerFiresAtDeadline(t *testing.T) {
	q, fl := newTestRunner(t)
	q.Schedule("a", time.Now().Add(20*time.Millisecond))

	require.Eventually(t, func() bool {
		return len(fl.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a"}, fl.snapshot())
}

func TestQueueRunnerFiresInDeadlineOrder(t *testing.T) {
	q, fl := newTestRunner(t)
	now := time.Now()
	q.Schedule("late", now.Add(60*time.Millisecond))
	q.Schedule("early", now.Add(10*time.Millisecond))
	q.Schedule("mid", now.Add(35*time.Millisecond))

	require.Eventually(t, func() bool {
		return len(fl.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"early", "mid", "late"}, fl.snapshot())
}

func TestQueueRunnerCancel(t *testing.T) {
	q, fl := newTestRunner(t)
	q.Schedule("a", time.Now().Add(20*time.Millisecond))
	q.Cancel("a")

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, fl.snapshot())
}

func TestQueueRunnerRescheduleReplacesDeadline(t *testing.T) {
	q, fl := newTestRunner(t)
	q.Schedule("a", time.Now().Add(200*time.Millisecond))
	q.Schedule("a", time.Now().Add(10*time.Millisecond))

	require.Eventually(t, func() bool {
		return len(fl.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a"}, fl.snapshot())
}

func TestQueueRunnerIndexStaysConsistentAcrossManyEntries(t *testing.T) {
	q, fl := newTestRunner(t)
	now := time.Now()
	for i := 0; i < 50; i++ {
		q.Schedule(string(rune('a'+i%26))+string(rune(i)), now.Add(time.Duration(i)*time.Millisecond))
	}

	require.Eventually(t, func() bool {
		return len(fl.snapshot()) == 50
	}, 2*time.Second, 10*time.Millisecond)
}
