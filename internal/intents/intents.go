package intents

import (
	"context"

	"go.uber.org/zap"

	"github.com/okkerhart/printwatch/internal/relay"
	"github.com/okkerhart/printwatch/internal/types"
)

// Response classifies the outcome of a dispatched intent for the invoking
// surface.
type Response string

const (
	ResponseSuccess       Response = "success"
	ResponseFailure       Response = "failure"
	ResponseNoSuchPrinter Response = "no_such_printer"
)

// Outcome is what an intent invocation hands back to the platform shell.
type Outcome struct {
	Response Response
	Message  string
	Snapshot *types.PrinterStateSnapshot
}

// Commander is the relay surface intents dispatch onto.
type Commander interface {
	Pause(ctx context.Context, printer types.PrinterEndpoint) relay.Result
	Resume(ctx context.Context, printer types.PrinterEndpoint) relay.Result
	Cancel(ctx context.Context, printer types.PrinterEndpoint) relay.Result
	JobInfo(ctx context.Context, printer types.PrinterEndpoint) relay.Result
}

// Resolver looks endpoints up by identifier or display name.
type Resolver interface {
	Get(id string) *types.PrinterEndpoint
	GetByName(name string) *types.PrinterEndpoint
}

// Dispatcher maps voice and shortcut intents onto relay commands. It holds
// no state of its own; printer resolution tries identifier first, then
// display name, since shortcuts store either.
type Dispatcher struct {
	resolver Resolver
	relay    Commander
	logger   *zap.Logger
}

// NewDispatcher creates an intent dispatcher.
func NewDispatcher(resolver Resolver, commander Commander, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		resolver: resolver,
		relay:    commander,
		logger:   logger.With(zap.String("component", "intents")),
	}
}

// Pause pauses the referenced printer's job.
func (d *Dispatcher) Pause(ctx context.Context, printerRef string) Outcome {
	return d.dispatch(ctx, printerRef, d.relay.Pause)
}

// Resume resumes the referenced printer's job.
func (d *Dispatcher) Resume(ctx context.Context, printerRef string) Outcome {
	return d.dispatch(ctx, printerRef, d.relay.Resume)
}

// Cancel cancels the referenced printer's job.
func (d *Dispatcher) Cancel(ctx context.Context, printerRef string) Outcome {
	return d.dispatch(ctx, printerRef, d.relay.Cancel)
}

// JobInfo fetches the referenced printer's job snapshot.
func (d *Dispatcher) JobInfo(ctx context.Context, printerRef string) Outcome {
	return d.dispatch(ctx, printerRef, d.relay.JobInfo)
}

func (d *Dispatcher) dispatch(ctx context.Context, printerRef string, op func(context.Context, types.PrinterEndpoint) relay.Result) Outcome {
	printer := d.resolve(printerRef)
	if printer == nil {
		d.logger.Info("Intent referenced unknown printer", zap.String("printer", printerRef))
		return Outcome{Response: ResponseNoSuchPrinter, Message: "No printer named " + printerRef}
	}

	result := op(ctx, *printer)
	if !result.OK {
		return Outcome{Response: ResponseFailure, Message: result.Message}
	}
	return Outcome{Response: ResponseSuccess, Snapshot: result.Snapshot}
}

func (d *Dispatcher) resolve(ref string) *types.PrinterEndpoint {
	if printer := d.resolver.Get(ref); printer != nil {
		return printer
	}
	return d.resolver.GetByName(ref)
}
