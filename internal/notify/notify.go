// Package notify declares the platform notification and widget surfaces the
// router fans out to, plus logging-backed implementations for headless runs.
package notify

import (
	"go.uber.org/zap"
)

// Notification is one local user-facing alert. Image is optional; Payload is
// the opaque blob routed back when the user interacts with the notification.
type Notification struct {
	Title   string
	Body    string
	Image   []byte
	Payload map[string]string
}

// Notifier posts local notifications.
type Notifier interface {
	Post(n Notification) error
}

// WidgetSurface asks the platform to repaint all widget timelines. Calls are
// idempotent and safe to issue redundantly; the platform decides the actual
// repaint timing.
type WidgetSurface interface {
	RefreshAll()
}

// LogNotifier writes notifications to the log. Used when no platform
// notification surface is attached.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

// Post implements Notifier.
func (n *LogNotifier) Post(notification Notification) error {
	n.logger.Info("Notification posted",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Bool("has_image", len(notification.Image) > 0))
	return nil
}

// LogWidget logs widget refresh requests.
type LogWidget struct {
	logger *zap.Logger
}

// NewLogWidget creates a log-backed widget surface.
func NewLogWidget(logger *zap.Logger) *LogWidget {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogWidget{logger: logger.With(zap.String("component", "widget"))}
}

// RefreshAll implements WidgetSurface.
func (w *LogWidget) RefreshAll() {
	w.logger.Debug("Widget refresh requested")
}
