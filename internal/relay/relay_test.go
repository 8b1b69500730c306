package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/okkerhart/printwatch/internal/config"
	"github.com/okkerhart/printwatch/internal/octoprint"
	"github.com/okkerhart/printwatch/internal/transport"
	"github.com/okkerhart/printwatch/internal/types"
)

type fakePeer struct {
	mu        sync.Mutex
	reachable bool
	reply     *transport.Reply
	err       error
	requests  []transport.Request
}

func (f *fakePeer) SendRequest(ctx context.Context, req transport.Request) (*transport.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	reply := *f.reply
	reply.RequestID = req.ID
	return &reply, nil
}

func (f *fakePeer) BroadcastContext(update transport.ContextUpdate) error  { return nil }
func (f *fakePeer) QueueLowPriorityInfo(info transport.ProgressInfo) error { return nil }
func (f *fakePeer) BroadcastPrinterList(list transport.PrinterList) error  { return nil }

func (f *fakePeer) IsReachableNow() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reachable
}

func (f *fakePeer) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeClient struct {
	mu       sync.Mutex
	calls    []string
	err      error
	snapshot *types.PrinterStateSnapshot
	frame    []byte
}

func (f *fakeClient) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeClient) CurrentJob(ctx context.Context) (*types.PrinterStateSnapshot, error) {
	f.record("job")
	return f.snapshot, f.err
}

func (f *fakeClient) PauseJob(ctx context.Context) error  { f.record("pause"); return f.err }
func (f *fakeClient) ResumeJob(ctx context.Context) error { f.record("resume"); return f.err }
func (f *fakeClient) CancelJob(ctx context.Context) error { f.record("cancel"); return f.err }

func (f *fakeClient) Snapshot(ctx context.Context, url string) ([]byte, error) {
	f.record("snapshot " + url)
	return f.frame, f.err
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestRelay(peer *fakePeer, client *fakeClient) (*Relay, *int) {
	built := 0
	r := NewRelay(peer, config.BackendConfig{FallbackTimeout: time.Second}, zap.NewNop())
	r.newClient = func(endpoint types.PrinterEndpoint, timeout time.Duration) octoprint.CommandClient {
		built++
		return client
	}
	return r, &built
}

func relayPrinter() types.PrinterEndpoint {
	return types.PrinterEndpoint{ID: "prn-1", Name: "Voron", URL: "http://voron.local", APIKey: "key"}
}

func TestRelayPeerFirst(t *testing.T) {
	t.Run("ReachablePeerServesTheCommand", func(t *testing.T) {
		peer := &fakePeer{reachable: true, reply: &transport.Reply{}}
		client := &fakeClient{}
		relay, built := newTestRelay(peer, client)

		result := relay.Pause(context.Background(), relayPrinter())

		assert.True(t, result.OK)
		assert.Equal(t, 1, peer.requestCount())
		assert.Zero(t, *built, "direct client must not be built when the peer answered")
	})

	t.Run("UnreachablePeerIsNeverAsked", func(t *testing.T) {
		peer := &fakePeer{reachable: false}
		client := &fakeClient{}
		relay, _ := newTestRelay(peer, client)

		result := relay.Pause(context.Background(), relayPrinter())

		assert.True(t, result.OK)
		assert.Zero(t, peer.requestCount())
		assert.Equal(t, 1, client.callCount())
	})

	t.Run("PeerErrorReplyIsFinal", func(t *testing.T) {
		peer := &fakePeer{reachable: true, reply: &transport.Reply{Error: "printer is busy"}}
		client := &fakeClient{}
		relay, built := newTestRelay(peer, client)

		result := relay.Cancel(context.Background(), relayPrinter())

		assert.False(t, result.OK)
		assert.Equal(t, "printer is busy", result.Message)
		assert.Zero(t, *built, "a peer answer must not be retried directly")
	})

	t.Run("PeerTimeoutFallsBackToDirect", func(t *testing.T) {
		peer := &fakePeer{reachable: true, err: transport.ErrPeerUnreachable}
		client := &fakeClient{}
		relay, _ := newTestRelay(peer, client)

		result := relay.Resume(context.Background(), relayPrinter())

		assert.True(t, result.OK)
		assert.Equal(t, 1, peer.requestCount())
		assert.Equal(t, []string{"resume"}, client.calls)
	})
}

func TestRelayJobInfo(t *testing.T) {
	t.Run("PeerReplySnapshot", func(t *testing.T) {
		snapshot := &types.PrinterStateSnapshot{PrinterID: "prn-1", Status: types.StatusPrinting}
		peer := &fakePeer{reachable: true, reply: &transport.Reply{Snapshot: snapshot}}
		relay, _ := newTestRelay(peer, &fakeClient{})

		result := relay.JobInfo(context.Background(), relayPrinter())

		require.True(t, result.OK)
		assert.Equal(t, types.StatusPrinting, result.Snapshot.Status)
	})

	t.Run("DirectFallbackSnapshot", func(t *testing.T) {
		snapshot := &types.PrinterStateSnapshot{PrinterID: "prn-1", Status: types.StatusPaused}
		peer := &fakePeer{reachable: false}
		relay, _ := newTestRelay(peer, &fakeClient{snapshot: snapshot})

		result := relay.JobInfo(context.Background(), relayPrinter())

		require.True(t, result.OK)
		assert.Equal(t, types.StatusPaused, result.Snapshot.Status)
	})
}

func TestRelayCameraFrame(t *testing.T) {
	t.Run("StreamingURLRejectedBeforeAnyTraffic", func(t *testing.T) {
		peer := &fakePeer{reachable: true, reply: &transport.Reply{}}
		client := &fakeClient{}
		relay, built := newTestRelay(peer, client)

		result := relay.CameraFrame(context.Background(), relayPrinter(), "http://voron.local/hls/stream.m3u8")

		assert.False(t, result.OK)
		assert.Equal(t, "Camera stream format is not supported", result.Message)
		assert.Zero(t, peer.requestCount())
		assert.Zero(t, *built)
	})

	t.Run("StillFrameOverPeer", func(t *testing.T) {
		peer := &fakePeer{reachable: true, reply: &transport.Reply{Frame: []byte{0xff, 0xd8}}}
		relay, _ := newTestRelay(peer, &fakeClient{})

		result := relay.CameraFrame(context.Background(), relayPrinter(), "http://voron.local/webcam/snapshot")

		require.True(t, result.OK)
		assert.Equal(t, []byte{0xff, 0xd8}, result.Frame)
	})
}

func TestRelayConflictStatusPreserved(t *testing.T) {
	peer := &fakePeer{reachable: false}
	client := &fakeClient{err: &octoprint.StatusError{Code: 409}}
	relay, _ := newTestRelay(peer, client)

	result := relay.Pause(context.Background(), relayPrinter())

	assert.False(t, result.OK)
	assert.Equal(t, 409, result.StatusCode)
	assert.NotEmpty(t, result.Message)
}

type fakeResolver struct {
	printers map[string]types.PrinterEndpoint
}

func (f *fakeResolver) Get(id string) *types.PrinterEndpoint {
	p, ok := f.printers[id]
	if !ok {
		return nil
	}
	return &p
}

func TestExecutorHandle(t *testing.T) {
	newExecutor := func(client *fakeClient) *Executor {
		e := NewExecutor(&fakeResolver{printers: map[string]types.PrinterEndpoint{
			"prn-1": relayPrinter(),
		}}, config.BackendConfig{RequestTimeout: time.Second}, zap.NewNop())
		e.newClient = func(endpoint types.PrinterEndpoint, timeout time.Duration) octoprint.CommandClient {
			return client
		}
		return e
	}

	t.Run("UnknownPrinter", func(t *testing.T) {
		e := newExecutor(&fakeClient{})

		reply := e.Handle(transport.Request{ID: "req-1", Command: transport.CommandPause, PrinterID: "missing"})

		assert.Equal(t, "req-1", reply.RequestID)
		assert.Contains(t, reply.Error, "unknown printer")
	})

	t.Run("PauseRunsAgainstBackend", func(t *testing.T) {
		client := &fakeClient{}
		e := newExecutor(client)

		reply := e.Handle(transport.Request{ID: "req-2", Command: transport.CommandPause, PrinterID: "prn-1"})

		assert.Equal(t, "req-2", reply.RequestID)
		assert.Empty(t, reply.Error)
		assert.Equal(t, []string{"pause"}, client.calls)
	})

	t.Run("JobInfoReturnsSnapshot", func(t *testing.T) {
		client := &fakeClient{snapshot: &types.PrinterStateSnapshot{Status: types.StatusPrinting}}
		e := newExecutor(client)

		reply := e.Handle(transport.Request{ID: "req-3", Command: transport.CommandJobInfo, PrinterID: "prn-1"})

		require.NotNil(t, reply.Snapshot)
		assert.Equal(t, types.StatusPrinting, reply.Snapshot.Status)
	})

	t.Run("StreamingCameraRejected", func(t *testing.T) {
		client := &fakeClient{}
		e := newExecutor(client)

		reply := e.Handle(transport.Request{
			ID:        "req-4",
			Command:   transport.CommandCameraFrame,
			PrinterID: "prn-1",
			CameraURL: "http://voron.local/webcam/stream.m3u8",
		})

		assert.Equal(t, "Camera stream format is not supported", reply.Error)
		assert.Zero(t, client.callCount())
	})

	t.Run("UnsupportedCommand", func(t *testing.T) {
		e := newExecutor(&fakeClient{})

		reply := e.Handle(transport.Request{ID: "req-5", Command: "reboot", PrinterID: "prn-1"})

		assert.Contains(t, reply.Error, "unsupported command")
	})
}
