// Package hidlink manages the HID transport of the keyboard: connection
// state, bonding, and the host request surface shared by the BT classic and
// LE wires.
package hidlink

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hidcore/dualkb-agent/internal/kbcore"
	"github.com/hidcore/dualkb-agent/internal/retained"
	"github.com/hidcore/dualkb-agent/pkg/bus"
)

var ErrNotConnected = errors.New("hidlink: not connected")

type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDiscoverable
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDiscoverable:
		return "discoverable"
	default:
		return "disconnected"
	}
}

// Event is published on every link state change.
type Event struct {
	State State
	Addr  string
}

// EventBus carries link state changes to interested services.
type EventBus = bus.Bus[State, Event]

func NewEventBus(log *zap.Logger) *EventBus {
	return bus.NewBus[State, Event](log)
}

// Handler is the application side of host requests arriving on the
// transport. The keyboard core satisfies it.
type Handler interface {
	ReportPayload(reportID uint8) ([]byte, bool)
	ProcessLEDReport(state uint8)
	SetProtocol(p kbcore.Protocol)
	GetProtocol() kbcore.Protocol
	SetIdleRate(rate uint8)
	RequestPoll()
	ConnectFailed()
}

// BondedHost is the pairing record kept across restarts.
type BondedHost struct {
	Addr string `json:"addr"`
}

const keyBondedHost = "hidlink.host"

type Config struct {
	// ReconnectInterval spaces out connection attempts to the bonded
	// host.
	ReconnectInterval time.Duration `yaml:"reconnectInterval" json:"reconnectInterval"`
}

func DefaultConfig() Config {
	return Config{ReconnectInterval: 2 * time.Second}
}

// Service is the link between the keyboard core and one HID transport. It
// implements the core's Link interface.
type Service struct {
	log       *zap.Logger
	cfg       Config
	transport Transport
	db        *retained.DB
	events    *EventBus

	mu           sync.Mutex
	state        State
	hostAddr     string
	handler      Handler
	lastActivity time.Time

	connectRequested chan struct{}
	ready            chan struct{}
}

func New(log *zap.Logger, cfg Config, transport Transport, db *retained.DB, events *EventBus) *Service {
	return &Service{
		log:              log,
		cfg:              cfg,
		transport:        transport,
		db:               db,
		events:           events,
		connectRequested: make(chan struct{}, 1),
		ready:            make(chan struct{}),
	}
}

// SetHandler wires the application side. Must be called before Start.
func (s *Service) SetHandler(h Handler) {
	s.handler = h
}

func (s *Service) Start(ctx context.Context) error {
	if s.handler == nil {
		return errors.New("hidlink: no handler wired")
	}
	var host BondedHost
	if s.db != nil {
		found, err := s.db.GetJSON(keyBondedHost, &host)
		if err != nil {
			s.log.Warn("Failed to load bonded host", zap.Error(err))
		} else if found {
			s.mu.Lock()
			s.hostAddr = host.Addr
			s.mu.Unlock()
			s.log.Info("Bonded host restored", zap.String("addr", host.Addr))
			// Reconnect to the bonded host right away.
			s.Connect()
		}
	}
	close(s.ready)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.transport.Run(ctx, s)
	})
	g.Go(func() error {
		return s.connectLoop(ctx)
	})
	return g.Wait()
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) connectLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.connectRequested:
		}
		for {
			if s.State() == StateConnected {
				break
			}
			s.setState(StateConnecting, "")
			err := s.transport.Connect(ctx)
			if err == nil {
				break
			}
			s.log.Warn("Connection attempt failed", zap.Error(err))
			s.handler.ConnectFailed()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.ReconnectInterval):
			}
		}
	}
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(state State, addr string) {
	s.mu.Lock()
	if s.state == state && s.hostAddr == addr {
		s.mu.Unlock()
		return
	}
	s.state = state
	if addr != "" {
		s.hostAddr = addr
	}
	addr = s.hostAddr
	s.mu.Unlock()
	s.log.Info("Link state changed", zap.Stringer("state", state), zap.String("addr", addr))
	if s.events != nil {
		s.events.Publish(context.Background(), state, Event{State: state, Addr: addr})
	}
}

// TransportConnected is called by the transport when a host attaches.
func (s *Service) TransportConnected(addr string) {
	s.setState(StateConnected, addr)
	if s.db != nil && addr != "" {
		if err := s.db.PutJSON(keyBondedHost, BondedHost{Addr: addr}); err != nil {
			s.log.Warn("Failed to persist bonded host", zap.Error(err))
		}
	}
	// Drain anything buffered while the link was down.
	s.handler.RequestPoll()
}

// TransportDisconnected is called by the transport when the host goes away.
func (s *Service) TransportDisconnected() {
	s.setState(StateDisconnected, "")
}

// Handler accessors used by transports while pumping host requests.

func (s *Service) ReportPayload(reportID uint8) ([]byte, bool) {
	return s.handler.ReportPayload(reportID)
}

func (s *Service) ProcessLEDReport(state uint8) {
	s.handler.ProcessLEDReport(state)
}

func (s *Service) SetProtocol(p kbcore.Protocol) {
	s.handler.SetProtocol(p)
}

func (s *Service) GetProtocol() kbcore.Protocol {
	return s.handler.GetProtocol()
}

func (s *Service) SetIdleRate(rate uint8) {
	s.handler.SetIdleRate(rate)
}

func (s *Service) RequestPoll() {
	s.handler.RequestPoll()
}

func (s *Service) ConnectFailed() {
	s.handler.ConnectFailed()
}

// kbcore.Link implementation.

func (s *Service) Transport() kbcore.Transport {
	return s.transport.Kind()
}

func (s *Service) Connected() bool {
	return s.State() == StateConnected
}

func (s *Service) BufferUtilization() int {
	return s.transport.BufferUtilization()
}

func (s *Service) SendReport(reportID uint8, payload []byte) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	return s.transport.SendReport(reportID, payload)
}

func (s *Service) ActivityDetected() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Service) Connect() {
	select {
	case s.connectRequested <- struct{}{}:
	default:
	}
}

func (s *Service) Disconnect() {
	if err := s.transport.Disconnect(); err != nil {
		s.log.Warn("Disconnect failed", zap.Error(err))
	}
	s.setState(StateDisconnected, "")
}

// VirtualCableUnplug drops the bond with the current host. The host address
// is forgotten so reconnect attempts stop targeting it.
func (s *Service) VirtualCableUnplug() {
	s.mu.Lock()
	s.hostAddr = ""
	s.mu.Unlock()
	if s.db != nil {
		if err := s.db.Delete(keyBondedHost); err != nil {
			s.log.Warn("Failed to forget bonded host", zap.Error(err))
		}
	}
	if err := s.transport.Disconnect(); err != nil {
		s.log.Warn("Disconnect failed", zap.Error(err))
	}
	s.log.Info("Virtual cable unplugged")
}

func (s *Service) EnterPairing() {
	s.setState(StateDiscoverable, "")
	if err := s.transport.EnterPairing(); err != nil {
		s.log.Warn("Failed to enter pairing", zap.Error(err))
	}
}

func (s *Service) SubmitPinCode(pin []byte) {
	if err := s.transport.SubmitPinCode(pin); err != nil {
		s.log.Warn("Failed to submit pin code", zap.Error(err))
	}
}

func (s *Service) SubmitPassCode(code []byte) {
	if err := s.transport.SubmitPassCode(code); err != nil {
		s.log.Warn("Failed to submit pass code", zap.Error(err))
	}
}
