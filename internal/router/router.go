package router

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/okkerhart/printwatch/internal/config"
	"github.com/okkerhart/printwatch/internal/notify"
	"github.com/okkerhart/printwatch/internal/transport"
	"github.com/okkerhart/printwatch/internal/types"
)

// EndpointResolver is the registry surface the router needs: endpoint lookup
// by identifier (push payloads) and by name (live observer events).
type EndpointResolver interface {
	Get(id string) *types.PrinterEndpoint
	GetByName(name string) *types.PrinterEndpoint
}

// SnapshotFetcher downloads a camera snapshot for use as a notification
// attachment.
type SnapshotFetcher func(ctx context.Context, url string) ([]byte, error)

// Options configures a Router.
type Options struct {
	Config    config.RouterConfig
	Resolver  EndpointResolver
	Transport transport.PeerTransport
	Notifier  notify.Notifier
	Widgets   notify.WidgetSurface
	Scheduler *Scheduler
	Fetch     SnapshotFetcher
	Logger    *zap.Logger
}

// Router turns printer state observations into local notifications, peer
// context pushes, throttled progress relays and widget refreshes. Events for
// a single printer must be delivered in observation order; the last-known
// record is only written after an event has been fully classified.
type Router struct {
	cfg       config.RouterConfig
	resolver  EndpointResolver
	transport transport.PeerTransport
	notifier  notify.Notifier
	widgets   notify.WidgetSurface
	scheduler *Scheduler
	fetch     SnapshotFetcher
	logger    *zap.Logger
	now       func() time.Time

	mu   sync.RWMutex
	last map[string]types.LastKnownState
}

// Statuses that get a last-value-wins context push on transition.
var routedStates = map[string]bool{
	types.StatusOffline:     true,
	types.StatusOperational: true,
	types.StatusPrinting:    true,
	types.StatusPaused:      true,
}

// NewRouter creates a router. Zero tunables fall back to the built-in
// policy defaults.
func NewRouter(opts Options) *Router {
	cfg := opts.Config
	if cfg.ProgressStep <= 0 {
		cfg.ProgressStep = 10
	}
	if cfg.ProgressDebounce <= 0 {
		cfg.ProgressDebounce = 10 * time.Minute
	}
	if cfg.WidgetSampleStep <= 0 {
		cfg.WidgetSampleStep = 5
	}
	if cfg.ActiveRefreshInterval <= 0 {
		cfg.ActiveRefreshInterval = 15 * time.Minute
	}
	if cfg.IdleRefreshInterval <= 0 {
		cfg.IdleRefreshInterval = 60 * time.Minute
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Router{
		cfg:       cfg,
		resolver:  opts.Resolver,
		transport: opts.Transport,
		notifier:  opts.Notifier,
		widgets:   opts.Widgets,
		scheduler: opts.Scheduler,
		fetch:     opts.Fetch,
		logger:    logger.With(zap.String("component", "router")),
		now:       time.Now,
		last:      make(map[string]types.LastKnownState),
	}
}

// Route processes one state observation.
func (r *Router) Route(event types.StateEvent) {
	if event.IsTest {
		r.post(event, "Test notification", "Notifications are working")
		return
	}

	pushState := types.NormalizeStatus(event.Status)

	r.mu.RLock()
	prev, known := r.last[event.PrinterName]
	r.mu.RUnlock()

	switch {
	case !known || prev.State != event.Status:
		r.handleTransition(event, pushState, prev, known)
	case pushState == types.StatusPrinting && event.Completion != nil:
		r.handleProgress(event, prev)
	}
}

// HandlePush ingests a remote push payload. It reports whether any data was
// processed; an unresolvable printer identifier processes nothing.
func (r *Router) HandlePush(payload types.PushPayload) bool {
	endpoint := r.resolver.Get(payload.PrinterID)
	if endpoint == nil {
		r.logger.Info("Push for unknown printer, no data processed",
			zap.String("printer_id", payload.PrinterID))
		return false
	}

	r.Route(types.StateEvent{
		PrinterName:             endpoint.Name,
		Status:                  payload.PrinterState,
		Completion:              payload.ProgressCompletion,
		SnapshotURL:             payload.MediaURL,
		IsTest:                  payload.Test,
		ForceComplicationUpdate: payload.ForceComplicationUpdate,
	})
	return true
}

// ResetKnownState drops all per-printer records. Called when the printer
// list or the default printer changes, so stale transitions are not detected
// against records for endpoints that no longer apply.
func (r *Router) ResetKnownState() {
	r.mu.Lock()
	r.last = make(map[string]types.LastKnownState)
	r.mu.Unlock()
	r.logger.Debug("Cleared last-known printer state")
}

// LastKnown returns a copy of the record for the named printer, if any.
func (r *Router) LastKnown(printerName string) (types.LastKnownState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.last[printerName]
	return rec, ok
}

func (r *Router) handleTransition(event types.StateEvent, pushState string, prev types.LastKnownState, known bool) {
	endpoint := r.resolver.GetByName(event.PrinterName)
	pluginInstalled := endpoint != nil && endpoint.PluginInstalled

	if !pluginInstalled && event.Completion != nil && r.completionEligible(event, prev, known) {
		r.post(event, event.PrinterName, "Print complete")
	}

	// A Printing transition without a known completion would burn push
	// budget on a payload the receiver cannot render. Drop it and wait for
	// the next observation, which carries progress.
	if pushState == types.StatusPrinting && event.Completion == nil {
		r.logger.Debug("Suppressing printing push without completion",
			zap.String("printer", event.PrinterName))
		if r.widgets != nil {
			r.widgets.RefreshAll()
		}
		return
	}

	now := r.now()
	record := types.LastKnownState{State: event.Status, Completion: event.Completion}

	if routedStates[pushState] {
		update := transport.ContextUpdate{
			PrinterName:      event.PrinterName,
			State:            pushState,
			Completion:       event.Completion,
			AttemptImmediate: true,
			SentAt:           now,
		}
		if err := r.transport.BroadcastContext(update); err != nil {
			r.logger.Warn("Failed to push context update",
				zap.String("printer", event.PrinterName),
				zap.String("state", pushState),
				zap.Error(err))
		} else {
			record.RelayedProgress = event.Completion
			record.RelayedAt = now
		}
		r.scheduleWake(event.Completion)
	}

	r.mu.Lock()
	r.last[event.PrinterName] = record
	r.mu.Unlock()

	if r.widgets != nil {
		r.widgets.RefreshAll()
	}
}

// completionEligible reports whether a transition is the edge that completes
// a print job. Unknown prior completion is treated as "not yet complete", so
// the first observed 100 fires and replays of it do not.
func (r *Router) completionEligible(event types.StateEvent, prev types.LastKnownState, known bool) bool {
	if !known || prev.State == types.StatusOperational {
		return false
	}
	if event.Status != types.StatusFinishing && event.Status != types.StatusOperational {
		return false
	}
	if prev.Completion != nil && *prev.Completion == 100 {
		return false
	}
	return *event.Completion == 100
}

func (r *Router) handleProgress(event types.StateEvent, prev types.LastKnownState) {
	completion := *event.Completion
	now := r.now()

	advanced := prev.RelayedProgress == nil ||
		completion-*prev.RelayedProgress >= r.cfg.ProgressStep

	relayed := false
	if event.ForceComplicationUpdate {
		if advanced {
			r.relayForced(event, completion, now)
			relayed = true
		}
	} else if advanced && r.debounceElapsed(prev, now) {
		r.queueProgress(event, completion, now)
		relayed = true
	}

	record := prev
	record.Completion = event.Completion
	if relayed {
		record.RelayedProgress = types.Float64(completion)
		record.RelayedAt = now
	}
	if relayed || !sameCompletion(prev.Completion, event.Completion) {
		r.mu.Lock()
		r.last[event.PrinterName] = record
		r.mu.Unlock()
	}

	if relayed {
		r.scheduleWake(event.Completion)
	}

	if r.widgets != nil && math.Mod(completion, r.cfg.WidgetSampleStep) == 0 {
		r.widgets.RefreshAll()
	}
}

// relayForced pushes a progress sample on the immediate channel, falling
// back to the budget-queued channel when the peer cannot be reached.
func (r *Router) relayForced(event types.StateEvent, completion float64, now time.Time) {
	update := transport.ContextUpdate{
		PrinterName:      event.PrinterName,
		State:            types.StatusPrinting,
		Completion:       types.Float64(completion),
		AttemptImmediate: true,
		SentAt:           now,
	}

	if r.transport.IsReachableNow() {
		err := r.transport.BroadcastContext(update)
		if err == nil {
			return
		}
		r.logger.Debug("Immediate progress push failed, queueing",
			zap.String("printer", event.PrinterName),
			zap.Error(err))
	}

	r.queueProgress(event, completion, now)
}

func (r *Router) queueProgress(event types.StateEvent, completion float64, now time.Time) {
	info := transport.ProgressInfo{
		PrinterName: event.PrinterName,
		State:       types.StatusPrinting,
		Completion:  completion,
		SentAt:      now,
	}
	if err := r.transport.QueueLowPriorityInfo(info); err != nil {
		r.logger.Warn("Failed to queue progress sample",
			zap.String("printer", event.PrinterName),
			zap.Error(err))
	}
}

func (r *Router) debounceElapsed(prev types.LastKnownState, now time.Time) bool {
	return prev.RelayedAt.IsZero() || now.Sub(prev.RelayedAt) >= r.cfg.ProgressDebounce
}

// AttachScheduler installs the wake-up scheduler after construction. The
// daemon builds the router first so the scheduler's callback can hold a
// fully constructed router; the lock makes the late attach safe against a
// wake-up already in flight.
func (r *Router) AttachScheduler(s *Scheduler) {
	r.mu.Lock()
	r.scheduler = s
	r.mu.Unlock()
}

// scheduleWake arms the background refresh. A job mid-print warrants the
// short interval; anything else can wait for the long one.
func (r *Router) scheduleWake(completion *float64) {
	r.mu.RLock()
	sched := r.scheduler
	r.mu.RUnlock()
	if sched == nil {
		return
	}
	interval := r.cfg.IdleRefreshInterval
	if completion != nil && *completion > 0 && *completion < 100 {
		interval = r.cfg.ActiveRefreshInterval
	}
	sched.ScheduleIn(interval)
}

func (r *Router) post(event types.StateEvent, title, body string) {
	if r.notifier == nil {
		return
	}

	n := notify.Notification{Title: title, Body: body}
	if event.SnapshotURL != "" && r.fetch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		image, err := r.fetch(ctx, event.SnapshotURL)
		cancel()
		if err != nil {
			r.logger.Warn("Failed to fetch notification snapshot",
				zap.String("url", event.SnapshotURL),
				zap.Error(err))
		} else {
			n.Image = image
		}
	}

	if err := r.notifier.Post(n); err != nil {
		r.logger.Error("Failed to post notification",
			zap.String("printer", event.PrinterName),
			zap.Error(err))
	}
}

func sameCompletion(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
