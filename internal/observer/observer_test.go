package observer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/okkerhart/printwatch/internal/octoprint"
	"github.com/okkerhart/printwatch/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream is a scriptable StreamClient.
type fakeStream struct {
	events chan octoprint.StreamEvent

	mu        sync.Mutex
	connected bool
	closed    bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan octoprint.StreamEvent, 16)}
}

func (f *fakeStream) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeStream) Events() <-chan octoprint.StreamEvent { return f.events }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeStream) push(snapshot types.PrinterStateSnapshot) {
	f.events <- octoprint.StreamEvent{Snapshot: &snapshot}
}

type fakeResolver struct {
	mu  sync.Mutex
	def *types.PrinterEndpoint
}

func (r *fakeResolver) Default() *types.PrinterEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.def
}

type dialRecorder struct {
	mu      sync.Mutex
	streams map[string][]*fakeStream
}

func newDialRecorder() *dialRecorder {
	return &dialRecorder{streams: make(map[string][]*fakeStream)}
}

func (d *dialRecorder) dialer() octoprint.StreamDialer {
	return func(endpoint types.PrinterEndpoint) (octoprint.StreamClient, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		stream := newFakeStream()
		d.streams[endpoint.ID] = append(d.streams[endpoint.ID], stream)
		return stream, nil
	}
}

func (d *dialRecorder) dialCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams[id])
}

func (d *dialRecorder) stream(id string, i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[id][i]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

var (
	defaultPrinter = types.PrinterEndpoint{ID: "p1", Name: "Voron", IsDefault: true}
	otherPrinter   = types.PrinterEndpoint{ID: "p2", Name: "Prusa"}
)

func TestObserverSharedConnection(t *testing.T) {
	dials := newDialRecorder()
	resolver := &fakeResolver{def: &defaultPrinter}
	manager := NewManager(dials.dialer(), resolver, nil)

	var mu sync.Mutex
	var got1, got2 []types.PrinterStateSnapshot

	obs1 := manager.NewObserver(func(s types.PrinterStateSnapshot) {
		mu.Lock()
		got1 = append(got1, s)
		mu.Unlock()
	})
	obs2 := manager.NewObserver(func(s types.PrinterStateSnapshot) {
		mu.Lock()
		got2 = append(got2, s)
		mu.Unlock()
	})

	require.NoError(t, obs1.ConnectToServer(defaultPrinter))
	require.NoError(t, obs2.ConnectToServer(defaultPrinter))

	// Both observers of the default printer share one dial.
	assert.Equal(t, 1, dials.dialCount("p1"))

	dials.stream("p1", 0).push(types.PrinterStateSnapshot{PrinterID: "p1", Status: types.StatusPrinting})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got1) == 1 && len(got2) == 1
	})

	// First disconnect keeps the shared connection alive for the other.
	obs1.DisconnectFromServer()
	assert.False(t, dials.stream("p1", 0).isClosed())

	obs2.DisconnectFromServer()
	waitFor(t, func() bool { return dials.stream("p1", 0).isClosed() })
}

func TestObserverDedicatedConnection(t *testing.T) {
	dials := newDialRecorder()
	resolver := &fakeResolver{def: &defaultPrinter}
	manager := NewManager(dials.dialer(), resolver, nil)

	obs1 := manager.NewObserver(func(types.PrinterStateSnapshot) {})
	obs2 := manager.NewObserver(func(types.PrinterStateSnapshot) {})

	require.NoError(t, obs1.ConnectToServer(otherPrinter))
	require.NoError(t, obs2.ConnectToServer(otherPrinter))

	// Non-default printers never share: one dial per observer.
	assert.Equal(t, 2, dials.dialCount("p2"))

	// Closing one dedicated connection leaves the other untouched.
	obs1.DisconnectFromServer()
	waitFor(t, func() bool { return dials.stream("p2", 0).isClosed() })
	assert.False(t, dials.stream("p2", 1).isClosed())

	obs2.DisconnectFromServer()
}

func TestObserverDisconnectIdempotent(t *testing.T) {
	dials := newDialRecorder()
	manager := NewManager(dials.dialer(), &fakeResolver{}, nil)

	obs := manager.NewObserver(func(types.PrinterStateSnapshot) {})

	// Never connected: safe.
	obs.DisconnectFromServer()
	assert.Equal(t, StateDisconnected, obs.State())

	require.NoError(t, obs.ConnectToServer(otherPrinter))
	obs.DisconnectFromServer()
	obs.DisconnectFromServer()

	waitFor(t, func() bool { return dials.stream("p2", 0).isClosed() })
}

func TestObserverNoCallbackAfterDisconnect(t *testing.T) {
	dials := newDialRecorder()
	resolver := &fakeResolver{def: &defaultPrinter}
	manager := NewManager(dials.dialer(), resolver, nil)

	var mu sync.Mutex
	var calls int

	obs1 := manager.NewObserver(func(types.PrinterStateSnapshot) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	obs2 := manager.NewObserver(func(types.PrinterStateSnapshot) {})

	require.NoError(t, obs1.ConnectToServer(defaultPrinter))
	require.NoError(t, obs2.ConnectToServer(defaultPrinter))

	obs1.DisconnectFromServer()

	// Shared connection is still live for obs2; obs1 must not hear this.
	dials.stream("p1", 0).push(types.PrinterStateSnapshot{PrinterID: "p1", Status: types.StatusPrinting})

	waitFor(t, func() bool {
		last := obs2.LastSnapshot()
		return last != nil && last.Status == types.StatusPrinting
	})

	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()

	obs2.DisconnectFromServer()
}

func TestObserverStateMachine(t *testing.T) {
	dials := newDialRecorder()
	manager := NewManager(dials.dialer(), &fakeResolver{}, nil)

	obs := manager.NewObserver(func(types.PrinterStateSnapshot) {})
	require.NoError(t, obs.ConnectToServer(otherPrinter))

	assert.Equal(t, StateConnecting, obs.State())

	stream := dials.stream("p2", 0)
	stream.push(types.PrinterStateSnapshot{PrinterID: "p2", Status: types.StatusOperational})
	waitFor(t, func() bool { return obs.State() == StateConnected })

	// Transport drop: silently back to connecting while the wire client
	// retries underneath.
	stream.events <- octoprint.StreamEvent{Dropped: true}
	waitFor(t, func() bool { return obs.State() == StateConnecting })

	stream.push(types.PrinterStateSnapshot{PrinterID: "p2", Status: types.StatusOperational})
	waitFor(t, func() bool { return obs.State() == StateConnected })

	obs.DisconnectFromServer()
	assert.Equal(t, StateDisconnected, obs.State())
}
