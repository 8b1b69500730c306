package octoprint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/okkerhart/printwatch/internal/types"
)

const (
	streamReconnectMin = time.Second
	streamReconnectMax = 30 * time.Second
	streamReadTimeout  = 90 * time.Second
)

// currentMessage is the push frame OctoPrint sends on its sockjs channel.
// Only the fields the observer cares about are decoded.
type currentMessage struct {
	Current *struct {
		State struct {
			Text string `json:"text"`
		} `json:"state"`
		Progress struct {
			Completion    *float64 `json:"completion"`
			PrintTime     *int     `json:"printTime"`
			PrintTimeLeft *int     `json:"printTimeLeft"`
		} `json:"progress"`
		Job struct {
			File struct {
				Name string `json:"name"`
			} `json:"file"`
		} `json:"job"`
	} `json:"current"`
}

// WebSocketStream is a StreamClient over the printer backend's push socket.
// It reconnects with backoff on its own; each drop surfaces as one event
// with Dropped set, and the next decoded state frame follows once the
// socket is back.
var _ StreamClient = (*WebSocketStream)(nil)

type WebSocketStream struct {
	endpoint types.PrinterEndpoint
	logger   *zap.Logger

	events chan StreamEvent
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// NewStreamDialer returns a dialer producing websocket stream clients.
func NewStreamDialer(logger *zap.Logger) StreamDialer {
	return func(endpoint types.PrinterEndpoint) (StreamClient, error) {
		return NewWebSocketStream(endpoint, logger)
	}
}

// NewWebSocketStream creates a stream client for one endpoint.
func NewWebSocketStream(endpoint types.PrinterEndpoint, logger *zap.Logger) (*WebSocketStream, error) {
	if endpoint.URL == "" {
		return nil, fmt.Errorf("endpoint %s has no URL", endpoint.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketStream{
		endpoint: endpoint,
		logger:   logger.With(zap.String("component", "octoprint_stream"), zap.String("printer", endpoint.Name)),
		events:   make(chan StreamEvent, 16),
		done:     make(chan struct{}),
	}, nil
}

// Connect starts the read loop. It returns immediately; connection errors
// surface on the event channel as drop markers while the loop retries.
func (s *WebSocketStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("stream for %s already connected", s.endpoint.Name)
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(ctx)
	return nil
}

// Events returns the stream's event channel. It is closed when the stream
// shuts down.
func (s *WebSocketStream) Events() <-chan StreamEvent {
	return s.events
}

// Close stops the read loop and closes the event channel. Safe to call more
// than once.
func (s *WebSocketStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.started = true
		close(s.events)
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		<-s.done
	}
	return nil
}

func (s *WebSocketStream) run(ctx context.Context) {
	defer close(s.events)
	defer close(s.done)

	backoff := streamReconnectMin
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("Stream dial failed, retrying", zap.Duration("backoff", backoff), zap.Error(err))
			s.emit(ctx, StreamEvent{Dropped: true})
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, streamReconnectMax)
			continue
		}

		backoff = streamReconnectMin
		s.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.emit(ctx, StreamEvent{Dropped: true})
	}
}

func (s *WebSocketStream) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := pushSocketURL(s.endpoint.URL)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial push socket: %w", err)
	}
	return conn, nil
}

func (s *WebSocketStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("Push socket read failed", zap.Error(err))
			}
			return
		}

		snapshot := s.parse(data)
		if snapshot == nil {
			continue
		}
		if !s.emit(ctx, StreamEvent{Snapshot: snapshot}) {
			return
		}
	}
}

func (s *WebSocketStream) parse(data []byte) *types.PrinterStateSnapshot {
	var msg currentMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Current == nil {
		return nil
	}
	if msg.Current.State.Text == "" {
		return nil
	}
	return &types.PrinterStateSnapshot{
		PrinterID:        s.endpoint.ID,
		Status:           msg.Current.State.Text,
		Completion:       msg.Current.Progress.Completion,
		ElapsedSeconds:   msg.Current.Progress.PrintTime,
		RemainingSeconds: msg.Current.Progress.PrintTimeLeft,
		FileName:         msg.Current.Job.File.Name,
	}
}

func (s *WebSocketStream) emit(ctx context.Context, event StreamEvent) bool {
	select {
	case s.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// pushSocketURL maps a backend base URL onto its websocket push endpoint.
func pushSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/sockjs/websocket"
	return u.String(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
