package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/okkerhart/printwatch/internal/notify"
	"github.com/okkerhart/printwatch/internal/observer"
	"github.com/okkerhart/printwatch/internal/octoprint"
	"github.com/okkerhart/printwatch/internal/registry"
	"github.com/okkerhart/printwatch/internal/relay"
	"github.com/okkerhart/printwatch/internal/router"
	"github.com/okkerhart/printwatch/internal/transport"
	"github.com/okkerhart/printwatch/internal/types"
)

// newDaemonCmd wires the full pipeline: registry, peer transport, observer,
// router and command executor, then runs until interrupted.
func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the printer sync and notification daemon",
		Long: `Run the daemon that observes the default printer's state stream,
routes state changes into notifications and cross-device pushes, serves
relayed commands from peer devices, and keeps the printer registry in
sync over the peer channel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Info("Starting printwatch daemon",
				zap.String("device_id", cfg.DeviceID),
				zap.String("device_name", cfg.DeviceName))

			reg, store, err := openRegistry()
			if err != nil {
				return err
			}
			defer store.Close()

			// Peer transport. The daemon stays useful without a broker:
			// local observation and notifications keep working, peer
			// pushes fail and get logged.
			peer := transport.NewMQTTTransport(cfg.Broker, cfg.DeviceID, store, logger)
			if err := peer.Connect(); err != nil {
				logger.Warn("Peer transport unavailable, continuing without it",
					zap.String("broker", cfg.Broker.URL),
					zap.Error(err))
			} else {
				defer peer.Disconnect()
			}

			// Serve commands relayed by peer devices.
			executor := relay.NewExecutor(reg, cfg.Backend, logger)
			peer.SetRequestHandler(executor.Handle)

			notifier := notify.NewLogNotifier(logger)
			widgets := notify.NewLogWidget(logger)
			direct := relay.NewRelay(nil, cfg.Backend, logger)

			rtr := router.NewRouter(router.Options{
				Config:    cfg.Router,
				Resolver:  reg,
				Transport: peer,
				Notifier:  notifier,
				Widgets:   widgets,
				Fetch: func(ctx context.Context, url string) ([]byte, error) {
					def := reg.Default()
					if def == nil {
						return nil, fmt.Errorf("no default printer")
					}
					client := octoprint.NewRESTClient(*def, cfg.Backend.RequestTimeout, logger)
					return client.Snapshot(ctx, url)
				},
				Logger: logger,
			})

			// The scheduler's wake-up polls the default printer once and
			// feeds the result through the router, standing in for the
			// live stream between pushes. The router exists before the
			// scheduler, since a persisted wake-up can fire as soon as
			// the scheduler is constructed.
			sched := router.NewScheduler(store, func() {
				def := reg.Default()
				if def == nil {
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Backend.RequestTimeout)
				defer cancel()
				result := direct.JobInfo(ctx, *def)
				if !result.OK || result.Snapshot == nil {
					logger.Debug("Scheduled poll failed", zap.String("error", result.Message))
					return
				}
				rtr.Route(stateEvent(def.Name, *result.Snapshot))
			}, logger)
			defer sched.Stop()
			rtr.AttachScheduler(sched)

			// Inbound peer traffic. Context and progress updates refresh
			// the glanceable surfaces; the authoritative printer list
			// replaces the local registry, which is a no-op when nothing
			// changed.
			peer.SetContextHandler(func(update transport.ContextUpdate) {
				logger.Debug("Peer context update",
					zap.String("printer", update.PrinterName),
					zap.String("state", update.State))
				widgets.RefreshAll()
			})
			peer.SetInfoHandler(func(info transport.ProgressInfo) {
				logger.Debug("Peer progress sample",
					zap.String("printer", info.PrinterName),
					zap.Float64("completion", info.Completion))
				widgets.RefreshAll()
			})
			peer.SetPrinterListHandler(func(list transport.PrinterList) {
				if err := reg.ReplaceAll(list.Printers); err != nil {
					logger.Error("Failed to apply peer printer list", zap.Error(err))
				}
			})

			// Observe the default printer's live stream.
			manager := observer.NewManager(octoprint.NewStreamDialer(logger), reg, logger)
			obs := manager.NewObserver(func(snapshot types.PrinterStateSnapshot) {
				endpoint := reg.Get(snapshot.PrinterID)
				if endpoint == nil {
					return
				}
				rtr.Route(stateEvent(endpoint.Name, snapshot))
			})
			defer obs.DisconnectFromServer()

			if def := reg.Default(); def != nil {
				if err := obs.ConnectToServer(*def); err != nil {
					logger.Error("Failed to connect to default printer", zap.Error(err))
				}
			} else {
				logger.Info("No default printer configured, waiting for registry updates")
			}

			// Registry changes invalidate routing state, re-publish the
			// authoritative list, and retarget the observer.
			sub := reg.Subscribe(func(event registry.Event) {
				rtr.ResetKnownState()
				if err := peer.BroadcastPrinterList(transport.PrinterList{
					Printers: event.Printers,
					SentAt:   time.Now(),
				}); err != nil {
					logger.Warn("Failed to broadcast printer list", zap.Error(err))
				}

				if event.Kind == registry.EventDefaultChanged {
					obs.DisconnectFromServer()
					if event.Default != nil {
						if err := obs.ConnectToServer(*event.Default); err != nil {
							logger.Error("Failed to connect to new default printer", zap.Error(err))
						}
					}
				}
			})
			defer sub.Close()

			logger.Info("Daemon running, press Ctrl+C to stop")
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			logger.Info("Shutting down")
			return nil
		},
	}
}

func stateEvent(printerName string, snapshot types.PrinterStateSnapshot) types.StateEvent {
	return types.StateEvent{
		PrinterName: printerName,
		Status:      snapshot.Status,
		Completion:  snapshot.Completion,
	}
}
