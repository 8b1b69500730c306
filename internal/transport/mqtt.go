package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okkerhart/printwatch/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// RequestHandler executes a peer-originated command and produces its reply.
type RequestHandler func(Request) Reply

// BudgetStore persists the low-priority channel's daily usage counter across
// process restarts.
type BudgetStore interface {
	SaveInfoBudget(day string, used int) error
	LoadInfoBudget() (string, int, error)
}

// Presence is the retained heartbeat each device publishes so its peer can
// evaluate reachability.
type Presence struct {
	DeviceID string    `cbor:"device_id"`
	SentAt   time.Time `cbor:"sent_at"`
}

// MQTTTransport implements PeerTransport over an MQTT broker. Context and
// printer-list broadcasts use retained messages for last-value-wins delivery;
// request/reply uses per-device topics with correlation ids.
type MQTTTransport struct {
	client   mqtt.Client
	logger   *zap.Logger
	deviceID string
	peerID   string

	requestTimeout time.Duration
	presenceWindow time.Duration

	budget *infoBudget
	store  BudgetStore

	mu          sync.Mutex
	isConnected bool

	pendingMu sync.Mutex
	pending   map[string]chan *Reply

	presenceMu   sync.RWMutex
	peerLastSeen time.Time

	handlerMu       sync.RWMutex
	requestHandler  RequestHandler
	contextHandler  func(ContextUpdate)
	infoHandler     func(ProgressInfo)
	printersHandler func(PrinterList)

	stopPresence chan struct{}
	presenceOnce sync.Once
}

// NewMQTTTransport creates a transport for the given device pair. The store
// is optional; without it the daily budget resets on restart.
func NewMQTTTransport(cfg config.BrokerConfig, deviceID string, store BudgetStore, logger *zap.Logger) *MQTTTransport {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &MQTTTransport{
		logger:         logger.With(zap.String("component", "peer_transport")),
		deviceID:       deviceID,
		peerID:         cfg.PeerID,
		requestTimeout: cfg.RequestTimeout,
		presenceWindow: cfg.PresenceWindow,
		budget:         newInfoBudget(cfg.DailyInfoBudget),
		store:          store,
		pending:        make(map[string]chan *Reply),
		stopPresence:   make(chan struct{}),
	}

	if t.requestTimeout <= 0 {
		t.requestTimeout = 5 * time.Second
	}
	if t.presenceWindow <= 0 {
		t.presenceWindow = 2 * time.Minute
	}

	if store != nil {
		if day, used, err := store.LoadInfoBudget(); err != nil {
			t.logger.Warn("Failed to restore info budget", zap.Error(err))
		} else if day != "" {
			t.budget.restore(day, used)
		}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(deviceID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost)

	t.client = mqtt.NewClient(opts)

	return t
}

// Connect establishes the broker session, subscribes the inbound topics and
// starts the presence heartbeat.
func (t *MQTTTransport) Connect() error {
	token := t.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to broker: %w", token.Error())
	}
	t.setConnected(true)

	go t.presenceLoop()

	return nil
}

// Disconnect tears down the broker session.
func (t *MQTTTransport) Disconnect() {
	t.presenceOnce.Do(func() { close(t.stopPresence) })
	t.client.Disconnect(250)
	t.setConnected(false)
}

// SetRequestHandler installs the handler serving peer-originated commands.
func (t *MQTTTransport) SetRequestHandler(handler RequestHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.requestHandler = handler
}

// SetContextHandler installs the handler for incoming context broadcasts.
func (t *MQTTTransport) SetContextHandler(handler func(ContextUpdate)) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.contextHandler = handler
}

// SetInfoHandler installs the handler for incoming low-priority samples.
func (t *MQTTTransport) SetInfoHandler(handler func(ProgressInfo)) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.infoHandler = handler
}

// SetPrinterListHandler installs the handler for printer list broadcasts.
func (t *MQTTTransport) SetPrinterListHandler(handler func(PrinterList)) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.printersHandler = handler
}

// SendRequest implements PeerTransport. It fails fast when the peer is not
// reachable and otherwise waits for the correlated reply until the context
// deadline or the configured request timeout, whichever comes first.
func (t *MQTTTransport) SendRequest(ctx context.Context, req Request) (*Reply, error) {
	if !t.IsReachableNow() {
		return nil, ErrPeerUnreachable
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload, err := Encode(KindRequest, req)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan *Reply, 1)
	t.pendingMu.Lock()
	t.pending[req.ID] = replyCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
	}()

	topic := fmt.Sprintf("printwatch/%s/request", t.peerID)
	token := t.client.Publish(topic, 1, false, payload)
	if token.WaitTimeout(t.requestTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("failed to publish request: %w", token.Error())
	}

	timer := time.NewTimer(t.requestTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %s timed out after %s", req.ID, t.requestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BroadcastContext implements PeerTransport using a retained publish so the
// peer picks up the latest value on its next activation.
func (t *MQTTTransport) BroadcastContext(update ContextUpdate) error {
	payload, err := Encode(KindContext, update)
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("printwatch/%s/context", t.peerID)
	token := t.client.Publish(topic, 1, true, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to broadcast context: %w", token.Error())
	}

	t.logger.Debug("Context broadcast",
		zap.String("printer", update.PrinterName),
		zap.String("state", update.State),
		zap.Bool("immediate", update.AttemptImmediate))

	return nil
}

// QueueLowPriorityInfo implements PeerTransport. Samples past today's budget
// are held locally and drained once the window resets; queuing never fails
// for budget reasons.
func (t *MQTTTransport) QueueLowPriorityInfo(info ProgressInfo) error {
	now := time.Now()

	for _, held := range t.budget.drain(now) {
		if err := t.publishInfo(held); err != nil {
			t.logger.Warn("Failed to publish deferred info", zap.Error(err))
		}
	}

	if !t.budget.consume(now) {
		t.budget.hold(info)
		t.persistBudget()
		t.logger.Debug("Info budget exhausted, sample deferred",
			zap.String("printer", info.PrinterName))
		return nil
	}
	t.persistBudget()

	return t.publishInfo(info)
}

func (t *MQTTTransport) publishInfo(info ProgressInfo) error {
	payload, err := Encode(KindProgressInfo, info)
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("printwatch/%s/info", t.peerID)
	token := t.client.Publish(topic, 1, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish info: %w", token.Error())
	}
	return nil
}

func (t *MQTTTransport) persistBudget() {
	if t.store == nil {
		return
	}
	day, used := t.budget.snapshot()
	if err := t.store.SaveInfoBudget(day, used); err != nil {
		t.logger.Warn("Failed to persist info budget", zap.Error(err))
	}
}

// BroadcastPrinterList implements PeerTransport with a retained publish.
func (t *MQTTTransport) BroadcastPrinterList(list PrinterList) error {
	payload, err := Encode(KindPrinterList, list)
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("printwatch/%s/printers", t.peerID)
	token := t.client.Publish(topic, 1, true, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to broadcast printer list: %w", token.Error())
	}
	return nil
}

// IsReachableNow implements PeerTransport: the broker session is up and the
// peer announced itself within the presence window.
func (t *MQTTTransport) IsReachableNow() bool {
	t.mu.Lock()
	connected := t.isConnected
	t.mu.Unlock()
	if !connected {
		return false
	}

	t.presenceMu.RLock()
	defer t.presenceMu.RUnlock()
	return !t.peerLastSeen.IsZero() && time.Since(t.peerLastSeen) < t.presenceWindow
}

func (t *MQTTTransport) onConnect(client mqtt.Client) {
	t.logger.Info("Connected to broker")
	t.setConnected(true)

	subscriptions := map[string]mqtt.MessageHandler{
		fmt.Sprintf("printwatch/%s/request", t.deviceID):  t.handleRequest,
		fmt.Sprintf("printwatch/%s/reply", t.deviceID):    t.handleReply,
		fmt.Sprintf("printwatch/%s/context", t.deviceID):  t.handleContext,
		fmt.Sprintf("printwatch/%s/info", t.deviceID):     t.handleInfo,
		fmt.Sprintf("printwatch/%s/printers", t.deviceID): t.handlePrinterList,
		fmt.Sprintf("printwatch/%s/presence", t.peerID):   t.handlePresence,
	}
	for topic, handler := range subscriptions {
		if token := t.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			t.logger.Error("Failed to subscribe",
				zap.String("topic", topic),
				zap.Error(token.Error()))
		}
	}

	t.announcePresence()
}

func (t *MQTTTransport) onConnectionLost(client mqtt.Client, err error) {
	t.logger.Error("Broker connection lost", zap.Error(err))
	t.setConnected(false)
}

func (t *MQTTTransport) presenceLoop() {
	ticker := time.NewTicker(t.presenceWindow / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.announcePresence()
		case <-t.stopPresence:
			return
		}
	}
}

func (t *MQTTTransport) announcePresence() {
	payload, err := Encode(KindPresence, Presence{DeviceID: t.deviceID, SentAt: time.Now()})
	if err != nil {
		t.logger.Error("Failed to encode presence", zap.Error(err))
		return
	}

	topic := fmt.Sprintf("printwatch/%s/presence", t.deviceID)
	if token := t.client.Publish(topic, 1, true, payload); token.Wait() && token.Error() != nil {
		t.logger.Warn("Failed to announce presence", zap.Error(token.Error()))
	}
}

func (t *MQTTTransport) handleRequest(client mqtt.Client, msg mqtt.Message) {
	var req Request
	if err := t.decodeInto(msg.Payload(), KindRequest, &req); err != nil {
		t.logger.Error("Failed to decode request", zap.Error(err))
		return
	}

	t.handlerMu.RLock()
	handler := t.requestHandler
	t.handlerMu.RUnlock()
	if handler == nil {
		t.logger.Warn("No request handler registered", zap.String("command", string(req.Command)))
		return
	}

	reply := handler(req)
	reply.RequestID = req.ID

	payload, err := Encode(KindReply, reply)
	if err != nil {
		t.logger.Error("Failed to encode reply", zap.Error(err))
		return
	}

	topic := fmt.Sprintf("printwatch/%s/reply", t.peerID)
	if token := t.client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
		t.logger.Error("Failed to publish reply", zap.Error(token.Error()))
	}
}

func (t *MQTTTransport) handleReply(client mqtt.Client, msg mqtt.Message) {
	var reply Reply
	if err := t.decodeInto(msg.Payload(), KindReply, &reply); err != nil {
		t.logger.Error("Failed to decode reply", zap.Error(err))
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[reply.RequestID]
	if ok {
		delete(t.pending, reply.RequestID)
	}
	t.pendingMu.Unlock()

	if !ok {
		// Late reply for a request that timed out; drop it.
		t.logger.Debug("Dropping unmatched reply", zap.String("request_id", reply.RequestID))
		return
	}
	ch <- &reply
}

func (t *MQTTTransport) handleContext(client mqtt.Client, msg mqtt.Message) {
	var update ContextUpdate
	if err := t.decodeInto(msg.Payload(), KindContext, &update); err != nil {
		t.logger.Error("Failed to decode context update", zap.Error(err))
		return
	}

	t.handlerMu.RLock()
	handler := t.contextHandler
	t.handlerMu.RUnlock()
	if handler != nil {
		handler(update)
	}
}

func (t *MQTTTransport) handleInfo(client mqtt.Client, msg mqtt.Message) {
	var info ProgressInfo
	if err := t.decodeInto(msg.Payload(), KindProgressInfo, &info); err != nil {
		t.logger.Error("Failed to decode progress info", zap.Error(err))
		return
	}

	t.handlerMu.RLock()
	handler := t.infoHandler
	t.handlerMu.RUnlock()
	if handler != nil {
		handler(info)
	}
}

func (t *MQTTTransport) handlePrinterList(client mqtt.Client, msg mqtt.Message) {
	var list PrinterList
	if err := t.decodeInto(msg.Payload(), KindPrinterList, &list); err != nil {
		t.logger.Error("Failed to decode printer list", zap.Error(err))
		return
	}

	t.handlerMu.RLock()
	handler := t.printersHandler
	t.handlerMu.RUnlock()
	if handler != nil {
		handler(list)
	}
}

func (t *MQTTTransport) handlePresence(client mqtt.Client, msg mqtt.Message) {
	var presence Presence
	if err := t.decodeInto(msg.Payload(), KindPresence, &presence); err != nil {
		t.logger.Error("Failed to decode presence", zap.Error(err))
		return
	}

	t.presenceMu.Lock()
	t.peerLastSeen = time.Now()
	t.presenceMu.Unlock()
}

func (t *MQTTTransport) decodeInto(data []byte, want Kind, dst any) error {
	env, err := Decode(data)
	if err != nil {
		return err
	}
	if env.Kind != want {
		return fmt.Errorf("unexpected payload kind %q, want %q", env.Kind, want)
	}
	return env.DecodePayload(dst)
}

func (t *MQTTTransport) setConnected(status bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isConnected = status
}
