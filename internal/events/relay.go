package events

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

const defaultRemoteOrigin = "relay"

var (
	errMissingBus    = errors.New("events: bus is required")
	errMissingBridge = errors.New("events: bridge is required")
)

// Bridge carries events to and from a separate execution context.
type Bridge interface {
	Send(ctx context.Context, event Event) error
	Receive() <-chan Event
	Close() error
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	Bus    *Bus
	Bridge Bridge
	// RemoteOrigin stamps inbound events that arrive without an origin or
	// with the local bus origin.
	RemoteOrigin string
	// AcceptInbound filters inbound events. Nil accepts every known type.
	AcceptInbound func(Type) bool
	Logger        *zap.Logger
}

// Relay forwards locally originated bus events to a bridge and publishes
// accepted inbound events on the bus.
type Relay struct {
	bus          *Bus
	bridge       Bridge
	remoteOrigin string
	accept       func(Type) bool
	logger       *zap.Logger
}

// NewRelay validates the configuration and returns a Relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	if cfg.Bridge == nil {
		return nil, errMissingBridge
	}
	remoteOrigin := cfg.RemoteOrigin
	if remoteOrigin == "" {
		remoteOrigin = defaultRemoteOrigin
	}
	accept := cfg.AcceptInbound
	if accept == nil {
		accept = func(Type) bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		bus:          cfg.Bus,
		bridge:       cfg.Bridge,
		remoteOrigin: remoteOrigin,
		accept:       accept,
		logger:       logger,
	}, nil
}

// Run pumps events in both directions until ctx is done, the bus closes or
// the bridge stops delivering. It does not close the bridge.
func (r *Relay) Run(ctx context.Context) error {
	local, cleanup := r.bus.Subscribe(ctx)
	defer cleanup()
	inbound := r.bridge.Receive()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-local:
			if !ok {
				return nil
			}
			if event.Origin != r.bus.Origin() {
				continue
			}
			if err := r.bridge.Send(ctx, event); err != nil {
				return err
			}
		case event, ok := <-inbound:
			if !ok {
				return nil
			}
			if !event.Type.Known() || !r.accept(event.Type) {
				r.logger.Debug("inbound event ignored", zap.String("type", string(event.Type)))
				continue
			}
			if event.Origin == "" || event.Origin == r.bus.Origin() {
				event.Origin = r.remoteOrigin
			}
			r.bus.Publish(event)
		}
	}
}
