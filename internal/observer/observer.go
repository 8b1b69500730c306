// Package observer subscribes to live printer event streams and hands
// normalized state snapshots to local listeners. Observers watching the
// default printer share one connection; any other endpoint gets a dedicated,
// independently-lifecycled connection so a dashboard can watch several
// printers without disturbing the primary stream.
package observer

import (
	"context"
	"fmt"
	"sync"

	"github.com/okkerhart/printwatch/internal/octoprint"
	"github.com/okkerhart/printwatch/internal/types"

	"go.uber.org/zap"
)

// ConnectionState is one printer connection's lifecycle position.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// DefaultResolver reports the current process-wide default printer, used to
// decide whether a connection can be shared.
type DefaultResolver interface {
	Default() *types.PrinterEndpoint
}

// SnapshotHandler receives state snapshots from a connection.
type SnapshotHandler func(types.PrinterStateSnapshot)

// Manager owns printer connections and the shared-connection cache.
type Manager struct {
	dialer   octoprint.StreamDialer
	resolver DefaultResolver
	logger   *zap.Logger

	mu     sync.Mutex
	shared *connection
}

// NewManager creates a connection manager.
func NewManager(dialer octoprint.StreamDialer, resolver DefaultResolver, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dialer:   dialer,
		resolver: resolver,
		logger:   logger.With(zap.String("component", "observer")),
	}
}

// NewObserver creates an unconnected observer delivering snapshots to handler.
func (m *Manager) NewObserver(handler SnapshotHandler) *Observer {
	return &Observer{manager: m, handler: handler}
}

// connection is one live stream to a printer backend, possibly shared by
// several observers.
type connection struct {
	endpoint types.PrinterEndpoint
	client   octoprint.StreamClient
	cancel   context.CancelFunc
	logger   *zap.Logger

	mu        sync.RWMutex
	state     ConnectionState
	last      *types.PrinterStateSnapshot
	refs      int
	nextSubID uint64
	listeners map[uint64]*connListener
}

type connListener struct {
	mu      sync.Mutex
	active  bool
	handler SnapshotHandler
}

func (l *connListener) deliver(snapshot types.PrinterStateSnapshot) {
	l.mu.Lock()
	active := l.active
	l.mu.Unlock()
	if active {
		l.handler(snapshot)
	}
}

func (m *Manager) dial(endpoint types.PrinterEndpoint) (*connection, error) {
	client, err := m.dialer(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial printer %s: %w", endpoint.Name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	conn := &connection{
		endpoint:  endpoint,
		client:    client,
		cancel:    cancel,
		logger:    m.logger.With(zap.String("printer", endpoint.Name)),
		state:     StateConnecting,
		listeners: make(map[uint64]*connListener),
	}

	if err := client.Connect(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to printer %s: %w", endpoint.Name, err)
	}

	go conn.run(ctx)

	return conn, nil
}

func (c *connection) run(ctx context.Context) {
	defer c.setState(StateDisconnected)

	for {
		select {
		case event, ok := <-c.client.Events():
			if !ok {
				return
			}
			if event.Dropped {
				// Underlying wire client is reconnecting on its own.
				c.setState(StateConnecting)
				continue
			}
			if event.Snapshot == nil {
				continue
			}
			c.setState(StateConnected)
			c.emit(*event.Snapshot)
		case <-ctx.Done():
			return
		}
	}
}

func (c *connection) emit(snapshot types.PrinterStateSnapshot) {
	c.mu.Lock()
	c.last = &snapshot
	listeners := make([]*connListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l.deliver(snapshot)
	}
}

func (c *connection) setState(state ConnectionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *connection) attach(handler SnapshotHandler) (uint64, *connListener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refs++
	c.nextSubID++
	l := &connListener{active: true, handler: handler}
	c.listeners[c.nextSubID] = l
	return c.nextSubID, l
}

// detach removes one listener and reports whether the connection has no
// users left.
func (c *connection) detach(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.listeners[id]; !ok {
		return false
	}
	delete(c.listeners, id)
	c.refs--
	return c.refs == 0
}

func (c *connection) close() {
	c.cancel()
	if err := c.client.Close(); err != nil {
		c.logger.Warn("Failed to close stream client", zap.Error(err))
	}
	c.setState(StateDisconnected)
}

// acquire returns a connection for the endpoint: the shared one when the
// endpoint is the current default printer, a dedicated one otherwise.
func (m *Manager) acquire(endpoint types.PrinterEndpoint, handler SnapshotHandler) (*connection, uint64, *connListener, error) {
	isDefault := false
	if def := m.resolver.Default(); def != nil && def.ID == endpoint.ID {
		isDefault = true
	}

	if !isDefault {
		conn, err := m.dial(endpoint)
		if err != nil {
			return nil, 0, nil, err
		}
		id, l := conn.attach(handler)
		m.logger.Debug("Dedicated connection opened", zap.String("printer", endpoint.Name))
		return conn, id, l, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shared != nil && m.shared.endpoint.ID == endpoint.ID {
		id, l := m.shared.attach(handler)
		m.logger.Debug("Shared connection reused", zap.String("printer", endpoint.Name))
		return m.shared, id, l, nil
	}

	conn, err := m.dial(endpoint)
	if err != nil {
		return nil, 0, nil, err
	}
	m.shared = conn
	id, l := conn.attach(handler)
	m.logger.Debug("Shared connection opened", zap.String("printer", endpoint.Name))
	return conn, id, l, nil
}

func (m *Manager) release(conn *connection, id uint64) {
	if !conn.detach(id) {
		return
	}

	m.mu.Lock()
	if m.shared == conn {
		m.shared = nil
	}
	m.mu.Unlock()

	conn.close()
	m.logger.Debug("Connection closed", zap.String("printer", conn.endpoint.Name))
}

// Observer is one consumer of a printer's state stream.
type Observer struct {
	manager *Manager
	handler SnapshotHandler

	mu       sync.Mutex
	conn     *connection
	subID    uint64
	listener *connListener
}

// ConnectToServer attaches the observer to the endpoint's stream, reusing
// the shared connection when the endpoint is the default printer. Connecting
// an already-connected observer detaches it from its previous stream first.
func (o *Observer) ConnectToServer(endpoint types.PrinterEndpoint) error {
	o.DisconnectFromServer()

	conn, id, listener, err := o.manager.acquire(endpoint, o.handler)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.conn = conn
	o.subID = id
	o.listener = listener
	o.mu.Unlock()

	return nil
}

// DisconnectFromServer detaches the observer. Idempotent; safe on an
// observer that was never connected. A snapshot callback already in flight
// becomes a no-op.
func (o *Observer) DisconnectFromServer() {
	o.mu.Lock()
	conn := o.conn
	id := o.subID
	listener := o.listener
	o.conn = nil
	o.subID = 0
	o.listener = nil
	o.mu.Unlock()

	if conn == nil {
		return
	}

	listener.mu.Lock()
	listener.active = false
	listener.mu.Unlock()

	o.manager.release(conn, id)
}

// State returns the connection state, or disconnected when not attached.
func (o *Observer) State() ConnectionState {
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()

	if conn == nil {
		return StateDisconnected
	}

	conn.mu.RLock()
	defer conn.mu.RUnlock()
	return conn.state
}

// LastSnapshot returns the most recent snapshot seen on the attached
// connection, or nil.
func (o *Observer) LastSnapshot() *types.PrinterStateSnapshot {
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()

	if conn == nil {
		return nil
	}

	conn.mu.RLock()
	defer conn.mu.RUnlock()
	if conn.last == nil {
		return nil
	}
	snapshot := *conn.last
	return &snapshot
}
