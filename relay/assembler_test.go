package relay

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/pkg/debounce"
)

type utteranceRecorder struct {
	mu         sync.Mutex
	utterances []string
	users      []string
}

func (r *utteranceRecorder) sink(userID, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	r.utterances = append(r.utterances, text)
}

func (r *utteranceRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.utterances...)
}

func newAssembler(t *testing.T, cfg debounce.Config) (*UtteranceAssembler, *utteranceRecorder) {
	t.Helper()
	rec := &utteranceRecorder{}
	a, err := NewUtteranceAssembler(cfg, rec.sink, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, rec
}

func TestAssemblerRejectsBadConfig(t *testing.T) {
	_, err := NewUtteranceAssembler(debounce.Config{}, func(string, string) {}, nil)
	assert.Error(t, err)
}

func TestFinalSegmentEmitsImmediately(t *testing.T) {
	a, rec := newAssembler(t, debounce.Config{
		PauseTimeout: time.Minute,
		ForceTimeout: time.Hour,
	})

	a.AddSegment("alice", "hello", false)
	a.AddSegment("alice", "world", true)

	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "hello world", got[0])
}

func TestPauseEmitsWithoutFinalMarker(t *testing.T) {
	a, rec := newAssembler(t, debounce.Config{
		PauseTimeout: 20 * time.Millisecond,
		ForceTimeout: time.Second,
	})

	a.AddSegment("alice", "just", false)
	a.AddSegment("alice", "pausing", false)

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "just pausing", rec.snapshot()[0])
}

func TestForceTimeoutCapsContinuousSpeech(t *testing.T) {
	a, rec := newAssembler(t, debounce.Config{
		PauseTimeout: 40 * time.Millisecond,
		ForceTimeout: 100 * time.Millisecond,
	})

	// Keep signaling faster than the pause timeout; only the force timeout
	// can end the span.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.AddSegment("alice", "word", false)
			}
		}
	}()

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)
	close(stop)
}

func TestUsersAreIndependent(t *testing.T) {
	a, rec := newAssembler(t, debounce.Config{
		PauseTimeout: time.Minute,
		ForceTimeout: time.Hour,
	})

	a.AddSegment("alice", "alice speaking", false)
	a.AddSegment("bob", "bob speaking", true)

	// Bob's final marker must not flush Alice's buffer.
	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "bob speaking", got[0])

	a.Flush("alice")
	got = rec.snapshot()
	require.Len(t, got, 2)
	assert.Contains(t, got, "alice speaking")
}

func TestSegmentDuringSlowSinkIsNotStranded(t *testing.T) {
	release := make(chan struct{})
	rec := &utteranceRecorder{}
	var calls int32
	slowSink := func(userID, text string) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
		}
		rec.sink(userID, text)
	}

	a, err := NewUtteranceAssembler(debounce.Config{
		PauseTimeout: 20 * time.Millisecond,
		ForceTimeout: time.Second,
	}, slowSink, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	a.AddSegment("alice", "first", false)

	// The sink is still blocked on the first utterance when more speech
	// arrives. It must come through as its own utterance without waiting
	// for later input or shutdown.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, time.Millisecond)
	a.AddSegment("alice", "second", false)
	close(release)

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, rec.snapshot())
}

func TestEmptyFlushEmitsNothing(t *testing.T) {
	a, rec := newAssembler(t, debounce.Config{
		PauseTimeout: time.Minute,
		ForceTimeout: time.Hour,
	})

	a.Flush("nobody")
	a.AddSegment("alice", "", true)
	assert.Empty(t, rec.snapshot())
}

func TestCloseFlushesAllUsers(t *testing.T) {
	rec := &utteranceRecorder{}
	a, err := NewUtteranceAssembler(debounce.Config{
		PauseTimeout: time.Minute,
		ForceTimeout: time.Hour,
	}, rec.sink, nil)
	require.NoError(t, err)

	a.AddSegment("alice", "one", false)
	a.AddSegment("bob", "two", false)
	a.Close()

	assert.Len(t, rec.snapshot(), 2)
}
