package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/daemon/internal/envelope"
	"github.com/agentchat/daemon/internal/relay"
	"github.com/agentchat/daemon/internal/statestore"
)

type fakeSession struct {
	mode   relay.Mode
	events chan relay.Event
	errs   chan error
	closed bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		mode:   relay.ModeLivePush,
		events: make(chan relay.Event, 8),
		errs:   make(chan error, 1),
	}
}

func (f *fakeSession) Events() <-chan relay.Event      { return f.events }
func (f *fakeSession) Errs() <-chan error              { return f.errs }
func (f *fakeSession) Mode() relay.Mode                { return f.mode }
func (f *fakeSession) Start(ctx context.Context) error { return nil }
func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type fakeRelay struct {
	inbox []*envelope.Envelope
}

func (f *fakeRelay) FetchInbox(ctx context.Context, after string) ([]*envelope.Envelope, error) {
	return f.inbox, nil
}

type fakeProcessor struct {
	processed []relay.Event
	catchUps  []bool
}

func (f *fakeProcessor) Process(ctx context.Context, ev relay.Event, catchUp bool) error {
	f.processed = append(f.processed, ev)
	f.catchUps = append(f.catchUps, catchUp)
	return nil
}

func newStore(t *testing.T) *statestore.Store {
	t.Helper()
	store, err := statestore.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.AcquireLock())
	require.NoError(t, store.LoadDedup())
	return store
}

func TestRunDrainsCatchUpThenLivePushEvents(t *testing.T) {
	store := newStore(t)
	proc := &fakeProcessor{}
	r := &fakeRelay{inbox: []*envelope.Envelope{{ID: "m-1"}}}
	sess := newFakeSession()

	sv := New(Config{
		Store: store,
		Pipe:  proc,
		Relay: r,
		NewSession: func() session { return sess },
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- sv.Run(ctx) }()

	sess.events <- relay.Event{Message: &envelope.Envelope{ID: "m-2"}}
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Len(t, proc.processed, 2)
	assert.Equal(t, "m-1", proc.processed[0].Message.ID)
	assert.True(t, proc.catchUps[0])
	assert.Equal(t, "m-2", proc.processed[1].Message.ID)
	assert.False(t, proc.catchUps[1])
}

func TestRunReconnectsAfterSessionError(t *testing.T) {
	store := newStore(t)
	proc := &fakeProcessor{}
	r := &fakeRelay{}

	first := newFakeSession()
	second := newFakeSession()
	sessions := []session{first, second}

	sv := New(Config{
		Store:      store,
		Pipe:       proc,
		Relay:      r,
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
		NewSession: func() session {
			s := sessions[0]
			sessions = sessions[1:]
			return s
		},
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- sv.Run(ctx) }()

	first.errs <- errors.New("connection reset")
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.True(t, first.closed)
}

func TestRunResetsBackoffOnSuccessfulReconnect(t *testing.T) {
	store := newStore(t)
	proc := &fakeProcessor{}
	r := &fakeRelay{}
	var warnings []string

	first := newFakeSession()
	second := newFakeSession()
	third := newFakeSession()
	sessions := []session{first, second, third}

	sv := New(Config{
		Store:       store,
		Pipe:        proc,
		Relay:       r,
		MinBackoff:  5 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
		WarnBackoff: 7 * time.Millisecond,
		Warn:        func(msg string) { warnings = append(warnings, msg) },
		NewSession: func() session {
			s := sessions[0]
			sessions = sessions[1:]
			return s
		},
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- sv.Run(ctx) }()

	// first session drops: backoff (5ms) is below WarnBackoff, no warning.
	first.errs <- errors.New("connection reset")
	time.Sleep(20 * time.Millisecond)

	// second session connects successfully, then drops again. Without a
	// backoff reset on reconnect, the carried-over doubled backoff
	// (10ms) would cross WarnBackoff (7ms) and emit a warning here.
	second.errs <- errors.New("connection reset")
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, warnings)
}

func TestReconnectWaitWarnsAboveThreshold(t *testing.T) {
	store := newStore(t)
	var warnings []string

	sv := New(Config{
		Store:       store,
		Pipe:        &fakeProcessor{},
		Relay:       &fakeRelay{},
		MinBackoff:  20 * time.Millisecond,
		MaxBackoff:  40 * time.Millisecond,
		WarnBackoff: 10 * time.Millisecond,
		Warn:        func(msg string) { warnings = append(warnings, msg) },
	})

	next := sv.reconnectWait(t.Context(), 20*time.Millisecond)
	require.Len(t, warnings, 1)
	assert.Equal(t, 40*time.Millisecond, next)
}

func TestReconnectWaitCapsAtMaxBackoff(t *testing.T) {
	store := newStore(t)
	sv := New(Config{
		Store:      store,
		Pipe:       &fakeProcessor{},
		Relay:      &fakeRelay{},
		MinBackoff: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	})

	next := sv.reconnectWait(t.Context(), 4*time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, next)
}
