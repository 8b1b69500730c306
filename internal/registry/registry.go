// Package registry holds the canonical, ordered list of configured printer
// endpoints and tracks which one is the default. On the primary device the
// registry is authoritative; companion devices hold a read-only mirror fed by
// ReplaceAll and may only ask for the default to change.
package registry

import (
	"fmt"
	"sync"

	"github.com/okkerhart/printwatch/internal/types"

	"go.uber.org/zap"
)

// EventKind classifies a registry change notification.
type EventKind string

const (
	// EventPrintersChanged fires when the endpoint list materially changed.
	EventPrintersChanged EventKind = "printers_changed"
	// EventDefaultChanged fires when the default endpoint's identity
	// changed, including transitions to and from none.
	EventDefaultChanged EventKind = "default_changed"
)

// Event is one registry change notification. Printers is a snapshot copy;
// Default is nil when no endpoint is default.
type Event struct {
	Kind     EventKind
	Printers []types.PrinterEndpoint
	Default  *types.PrinterEndpoint
}

// Store is the durable cache the registry reads at startup and writes on
// every successful mutation.
type Store interface {
	SavePrinters(printers []types.PrinterEndpoint) error
	LoadPrinters() ([]types.PrinterEndpoint, error)
}

// Subscription is a handle for one registered listener. Closing it is the
// only way to deregister, so a forgotten listener cannot linger by accident.
type Subscription struct {
	id       uint64
	registry *Registry

	mu     sync.Mutex
	active bool
}

// Close deregisters the listener. Safe to call more than once; a callback
// already in flight becomes a no-op.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.registry.unsubscribe(s.id)
}

func (s *Subscription) deliver(fn func(Event), event Event) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active {
		fn(event)
	}
}

// Registry is the printer endpoint registry.
type Registry struct {
	store  Store
	logger *zap.Logger

	mu       sync.RWMutex
	printers []types.PrinterEndpoint

	subMu  sync.RWMutex
	nextID uint64
	subs   map[uint64]subscriber
}

type subscriber struct {
	sub *Subscription
	fn  func(Event)
}

// NewRegistry creates a registry backed by store, reading any persisted list
// before live sync can deliver one.
func NewRegistry(store Store, logger *zap.Logger) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	printers, err := store.LoadPrinters()
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted printers: %w", err)
	}

	r := &Registry{
		store:    store,
		logger:   logger.With(zap.String("component", "registry")),
		printers: normalizeDefault(printers),
		subs:     make(map[uint64]subscriber),
	}

	r.logger.Debug("Registry initialized", zap.Int("printers", len(printers)))

	return r, nil
}

// List returns the endpoints in their stable user-defined order.
func (r *Registry) List() []types.PrinterEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyPrinters(r.printers)
}

// Default returns the endpoint flagged default, or nil when the list is empty.
func (r *Registry) Default() *types.PrinterEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return findDefault(r.printers)
}

// Get returns the endpoint with the given id, or nil.
func (r *Registry) Get(id string) *types.PrinterEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.printers {
		if r.printers[i].ID == id {
			p := r.printers[i]
			return &p
		}
	}
	return nil
}

// GetByName returns the endpoint with the given display name, or nil.
func (r *Registry) GetByName(name string) *types.PrinterEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.printers {
		if r.printers[i].Name == name {
			p := r.printers[i]
			return &p
		}
	}
	return nil
}

// SetDefault flags exactly the endpoint with the given id as default. An
// unknown id leaves the registry unchanged.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()

	found := false
	for i := range r.printers {
		if r.printers[i].ID == id {
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		r.logger.Debug("SetDefault ignored for unknown id", zap.String("id", id))
		return nil
	}

	oldDefault := findDefault(r.printers)
	if oldDefault != nil && oldDefault.ID == id {
		r.mu.Unlock()
		return nil
	}

	for i := range r.printers {
		r.printers[i].IsDefault = r.printers[i].ID == id
	}

	if err := r.persistLocked(); err != nil {
		r.mu.Unlock()
		return err
	}

	newDefault := findDefault(r.printers)
	printers := copyPrinters(r.printers)
	r.mu.Unlock()

	r.logger.Info("Default printer changed", zap.String("id", id))
	r.notify(Event{Kind: EventDefaultChanged, Printers: printers, Default: newDefault})

	return nil
}

// ReplaceAll swaps in an authoritative endpoint list, as received from the
// primary device. A value-equal replacement is a no-op: no persistence write,
// no listener callbacks.
func (r *Registry) ReplaceAll(newList []types.PrinterEndpoint) error {
	normalized := normalizeDefault(copyPrinters(newList))

	r.mu.Lock()

	if printersEqual(r.printers, normalized) {
		r.mu.Unlock()
		r.logger.Debug("ReplaceAll ignored identical list", zap.Int("printers", len(normalized)))
		return nil
	}

	oldDefault := findDefault(r.printers)
	r.printers = normalized

	if err := r.persistLocked(); err != nil {
		r.mu.Unlock()
		return err
	}

	newDefault := findDefault(r.printers)
	printers := copyPrinters(r.printers)
	r.mu.Unlock()

	r.logger.Info("Printer list replaced", zap.Int("printers", len(printers)))
	r.notify(Event{Kind: EventPrintersChanged, Printers: printers, Default: newDefault})
	if defaultIdentityChanged(oldDefault, newDefault) {
		r.notify(Event{Kind: EventDefaultChanged, Printers: printers, Default: newDefault})
	}

	return nil
}

// Add appends an endpoint. The first endpoint added becomes the default.
// Primary-device operation.
func (r *Registry) Add(printer types.PrinterEndpoint) error {
	r.mu.Lock()

	for i := range r.printers {
		if r.printers[i].ID == printer.ID {
			r.mu.Unlock()
			return fmt.Errorf("printer %s already registered", printer.ID)
		}
	}

	oldDefault := findDefault(r.printers)
	if len(r.printers) == 0 {
		printer.IsDefault = true
	} else if printer.IsDefault {
		for i := range r.printers {
			r.printers[i].IsDefault = false
		}
	}
	r.printers = append(r.printers, printer)

	if err := r.persistLocked(); err != nil {
		r.mu.Unlock()
		return err
	}

	newDefault := findDefault(r.printers)
	printers := copyPrinters(r.printers)
	r.mu.Unlock()

	r.logger.Info("Printer added", zap.String("id", printer.ID), zap.String("name", printer.Name))
	r.notify(Event{Kind: EventPrintersChanged, Printers: printers, Default: newDefault})
	if defaultIdentityChanged(oldDefault, newDefault) {
		r.notify(Event{Kind: EventDefaultChanged, Printers: printers, Default: newDefault})
	}

	return nil
}

// Remove deletes an endpoint by id. Removing the default promotes the first
// remaining endpoint. Primary-device operation.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()

	index := -1
	for i := range r.printers {
		if r.printers[i].ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		r.mu.Unlock()
		return nil
	}

	oldDefault := findDefault(r.printers)
	r.printers = append(r.printers[:index], r.printers[index+1:]...)
	r.printers = normalizeDefault(r.printers)

	if err := r.persistLocked(); err != nil {
		r.mu.Unlock()
		return err
	}

	newDefault := findDefault(r.printers)
	printers := copyPrinters(r.printers)
	r.mu.Unlock()

	r.logger.Info("Printer removed", zap.String("id", id))
	r.notify(Event{Kind: EventPrintersChanged, Printers: printers, Default: newDefault})
	if defaultIdentityChanged(oldDefault, newDefault) {
		r.notify(Event{Kind: EventDefaultChanged, Printers: printers, Default: newDefault})
	}

	return nil
}

// Update replaces the endpoint with printer.ID in place. Primary-device
// operation.
func (r *Registry) Update(printer types.PrinterEndpoint) error {
	r.mu.Lock()

	index := -1
	for i := range r.printers {
		if r.printers[i].ID == printer.ID {
			index = i
			break
		}
	}
	if index < 0 {
		r.mu.Unlock()
		return fmt.Errorf("printer %s not registered", printer.ID)
	}

	if r.printers[index].Equal(&printer) {
		r.mu.Unlock()
		return nil
	}

	oldDefault := findDefault(r.printers)
	r.printers[index] = printer
	r.printers = normalizeDefault(r.printers)

	if err := r.persistLocked(); err != nil {
		r.mu.Unlock()
		return err
	}

	newDefault := findDefault(r.printers)
	printers := copyPrinters(r.printers)
	r.mu.Unlock()

	r.logger.Info("Printer updated", zap.String("id", printer.ID))
	r.notify(Event{Kind: EventPrintersChanged, Printers: printers, Default: newDefault})
	if defaultIdentityChanged(oldDefault, newDefault) {
		r.notify(Event{Kind: EventDefaultChanged, Printers: printers, Default: newDefault})
	}

	return nil
}

// Subscribe registers a listener and returns its handle.
func (r *Registry) Subscribe(fn func(Event)) *Subscription {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.nextID++
	sub := &Subscription{id: r.nextID, registry: r, active: true}
	r.subs[sub.id] = subscriber{sub: sub, fn: fn}

	r.logger.Debug("Listener subscribed", zap.Int("total", len(r.subs)))

	return sub
}

func (r *Registry) unsubscribe(id uint64) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	delete(r.subs, id)
}

func (r *Registry) notify(event Event) {
	r.subMu.RLock()
	subscribers := make([]subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		subscribers = append(subscribers, s)
	}
	r.subMu.RUnlock()

	for _, s := range subscribers {
		s.sub.deliver(s.fn, event)
	}
}

func (r *Registry) persistLocked() error {
	if err := r.store.SavePrinters(r.printers); err != nil {
		return fmt.Errorf("failed to persist printers: %w", err)
	}
	return nil
}

func copyPrinters(printers []types.PrinterEndpoint) []types.PrinterEndpoint {
	out := make([]types.PrinterEndpoint, len(printers))
	copy(out, printers)
	return out
}

func findDefault(printers []types.PrinterEndpoint) *types.PrinterEndpoint {
	for i := range printers {
		if printers[i].IsDefault {
			p := printers[i]
			return &p
		}
	}
	return nil
}

// normalizeDefault enforces the invariant that a non-empty list has exactly
// one default: the first flagged endpoint wins, and when none is flagged the
// first endpoint is promoted.
func normalizeDefault(printers []types.PrinterEndpoint) []types.PrinterEndpoint {
	if len(printers) == 0 {
		return printers
	}

	defaultIndex := -1
	for i := range printers {
		if printers[i].IsDefault {
			defaultIndex = i
			break
		}
	}
	if defaultIndex < 0 {
		defaultIndex = 0
	}

	for i := range printers {
		printers[i].IsDefault = i == defaultIndex
	}
	return printers
}

func printersEqual(a, b []types.PrinterEndpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(&b[i]) {
			return false
		}
	}
	return true
}

func defaultIdentityChanged(old, new *types.PrinterEndpoint) bool {
	if old == nil || new == nil {
		return old != nil || new != nil
	}
	return old.ID != new.ID
}
