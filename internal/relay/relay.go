package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/okkerhart/printwatch/internal/config"
	"github.com/okkerhart/printwatch/internal/octoprint"
	"github.com/okkerhart/printwatch/internal/transport"
	"github.com/okkerhart/printwatch/internal/types"
)

// Result is the single outcome of a relayed command. StatusCode carries the
// printer backend's HTTP status when the direct path produced one, so a 409
// (command rejected in the printer's current state) stays distinguishable
// from a plain failure.
type Result struct {
	OK         bool
	Message    string
	StatusCode int
	Snapshot   *types.PrinterStateSnapshot
	Frame      []byte
}

// ClientFactory builds a direct backend client for an endpoint. Swappable in
// tests.
type ClientFactory func(endpoint types.PrinterEndpoint, timeout time.Duration) octoprint.CommandClient

// Relay executes printer commands on behalf of a companion surface: it
// prefers the peer channel and falls back to talking to the printer backend
// directly when the peer cannot serve the request. Every call produces
// exactly one Result.
type Relay struct {
	transport transport.PeerTransport
	cfg       config.BackendConfig
	newClient ClientFactory
	logger    *zap.Logger
}

// NewRelay creates a relay over the given peer transport.
func NewRelay(peer transport.PeerTransport, cfg config.BackendConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		transport: peer,
		cfg:       cfg,
		newClient: func(endpoint types.PrinterEndpoint, timeout time.Duration) octoprint.CommandClient {
			return octoprint.NewRESTClient(endpoint, timeout, logger)
		},
		logger: logger.With(zap.String("component", "relay")),
	}
}

// Pause pauses the printer's current job.
func (r *Relay) Pause(ctx context.Context, printer types.PrinterEndpoint) Result {
	return r.execute(ctx, printer, transport.CommandPause, "",
		func(ctx context.Context, client octoprint.CommandClient) error {
			return client.PauseJob(ctx)
		})
}

// Resume resumes the printer's paused job.
func (r *Relay) Resume(ctx context.Context, printer types.PrinterEndpoint) Result {
	return r.execute(ctx, printer, transport.CommandResume, "",
		func(ctx context.Context, client octoprint.CommandClient) error {
			return client.ResumeJob(ctx)
		})
}

// Cancel cancels the printer's current job.
func (r *Relay) Cancel(ctx context.Context, printer types.PrinterEndpoint) Result {
	return r.execute(ctx, printer, transport.CommandCancel, "",
		func(ctx context.Context, client octoprint.CommandClient) error {
			return client.CancelJob(ctx)
		})
}

// JobInfo fetches the printer's current job snapshot.
func (r *Relay) JobInfo(ctx context.Context, printer types.PrinterEndpoint) Result {
	if r.transport != nil && r.transport.IsReachableNow() {
		if reply, ok := r.sendToPeer(ctx, printer, transport.CommandJobInfo, ""); ok {
			return replyResult(reply)
		}
	}

	client := r.newClient(printer, r.fallbackTimeout())
	snapshot, err := client.CurrentJob(ctx)
	if err != nil {
		return errorResult(err)
	}
	return Result{OK: true, Snapshot: snapshot}
}

// CameraFrame fetches a single frame from the given camera. Streaming-only
// camera URLs cannot yield a still frame on either path, so they fail before
// any network traffic.
func (r *Relay) CameraFrame(ctx context.Context, printer types.PrinterEndpoint, cameraURL string) Result {
	if octoprint.IsStreamingURL(cameraURL) {
		return Result{Message: "Camera stream format is not supported"}
	}

	if r.transport != nil && r.transport.IsReachableNow() {
		if reply, ok := r.sendToPeer(ctx, printer, transport.CommandCameraFrame, cameraURL); ok {
			return replyResult(reply)
		}
	}

	client := r.newClient(printer, r.fallbackTimeout())
	frame, err := client.Snapshot(ctx, cameraURL)
	if err != nil {
		return errorResult(err)
	}
	return Result{OK: true, Frame: frame}
}

// execute runs a fire-style command: peer first, direct fallback.
func (r *Relay) execute(ctx context.Context, printer types.PrinterEndpoint, command transport.Command, cameraURL string, direct func(context.Context, octoprint.CommandClient) error) Result {
	if r.transport != nil && r.transport.IsReachableNow() {
		if reply, ok := r.sendToPeer(ctx, printer, command, cameraURL); ok {
			return replyResult(reply)
		}
	}

	client := r.newClient(printer, r.fallbackTimeout())
	if err := direct(ctx, client); err != nil {
		return errorResult(err)
	}
	return Result{OK: true}
}

// sendToPeer attempts the peer channel. It returns ok=false when the peer
// gave no answer at all, which means the direct path still gets its turn. A
// reply carrying an application error is an answer: it is returned as-is and
// never retried directly, so the caller sees exactly one outcome.
func (r *Relay) sendToPeer(ctx context.Context, printer types.PrinterEndpoint, command transport.Command, cameraURL string) (*transport.Reply, bool) {
	req := transport.Request{
		ID:        uuid.NewString(),
		Command:   command,
		PrinterID: printer.ID,
		CameraURL: cameraURL,
	}

	reply, err := r.transport.SendRequest(ctx, req)
	if err != nil {
		r.logger.Debug("Peer path unavailable, falling back to direct request",
			zap.String("command", string(command)),
			zap.String("printer", printer.Name),
			zap.Error(err))
		return nil, false
	}
	return reply, true
}

func (r *Relay) fallbackTimeout() time.Duration {
	if r.cfg.FallbackTimeout > 0 {
		return r.cfg.FallbackTimeout
	}
	return 10 * time.Second
}

func replyResult(reply *transport.Reply) Result {
	if reply.Error != "" {
		return Result{Message: reply.Error}
	}
	return Result{OK: true, Snapshot: reply.Snapshot, Frame: reply.Frame}
}

func errorResult(err error) Result {
	result := Result{Message: err.Error()}
	var statusErr *octoprint.StatusError
	if errors.As(err, &statusErr) {
		result.StatusCode = statusErr.Code
		if statusErr.Conflict() {
			result.Message = "Printer rejected the command in its current state"
		}
	}
	return result
}
