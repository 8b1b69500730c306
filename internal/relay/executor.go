package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/okkerhart/printwatch/internal/config"
	"github.com/okkerhart/printwatch/internal/octoprint"
	"github.com/okkerhart/printwatch/internal/transport"
	"github.com/okkerhart/printwatch/internal/types"
)

// Resolver looks an endpoint up by identifier.
type Resolver interface {
	Get(id string) *types.PrinterEndpoint
}

// Executor serves incoming peer requests on the primary device: it resolves
// the target printer and runs the command against its backend directly.
type Executor struct {
	resolver  Resolver
	newClient ClientFactory
	timeout   time.Duration
	logger    *zap.Logger
}

// NewExecutor creates an executor backed by the given endpoint resolver.
func NewExecutor(resolver Resolver, cfg config.BackendConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		resolver: resolver,
		newClient: func(endpoint types.PrinterEndpoint, timeout time.Duration) octoprint.CommandClient {
			return octoprint.NewRESTClient(endpoint, timeout, logger)
		},
		timeout: timeout,
		logger:  logger.With(zap.String("component", "executor")),
	}
}

// Handle executes one peer request and always produces a reply carrying the
// request's id.
func (e *Executor) Handle(req transport.Request) transport.Reply {
	reply := transport.Reply{RequestID: req.ID}

	endpoint := e.resolver.Get(req.PrinterID)
	if endpoint == nil {
		reply.Error = fmt.Sprintf("unknown printer %q", req.PrinterID)
		return reply
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	client := e.newClient(*endpoint, e.timeout)

	var err error
	switch req.Command {
	case transport.CommandPause:
		err = client.PauseJob(ctx)
	case transport.CommandResume:
		err = client.ResumeJob(ctx)
	case transport.CommandCancel:
		err = client.CancelJob(ctx)
	case transport.CommandJobInfo:
		reply.Snapshot, err = client.CurrentJob(ctx)
	case transport.CommandCameraFrame:
		if octoprint.IsStreamingURL(req.CameraURL) {
			reply.Error = "Camera stream format is not supported"
			return reply
		}
		reply.Frame, err = client.Snapshot(ctx, req.CameraURL)
	default:
		reply.Error = fmt.Sprintf("unsupported command %q", req.Command)
		return reply
	}

	if err != nil {
		e.logger.Warn("Peer command failed against backend",
			zap.String("command", string(req.Command)),
			zap.String("printer", endpoint.Name),
			zap.Error(err))
		reply.Error = err.Error()
	}
	return reply
}
