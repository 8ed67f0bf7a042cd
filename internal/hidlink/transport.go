package hidlink

import (
	"context"
	"sync"

	"github.com/hidcore/dualkb-agent/internal/kbcore"
)

// ConnectionSink receives connection lifecycle callbacks from a transport.
// The link service implements it.
type ConnectionSink interface {
	Handler
	TransportConnected(addr string)
	TransportDisconnected()
}

// Transport is one HID wire. Run pumps host requests until ctx is
// cancelled, the remaining methods are driven by the link service.
type Transport interface {
	Kind() kbcore.Transport
	Run(ctx context.Context, sink ConnectionSink) error
	Connect(ctx context.Context) error
	Disconnect() error
	EnterPairing() error
	SendReport(reportID uint8, payload []byte) error
	BufferUtilization() int
	SubmitPinCode(pin []byte) error
	SubmitPassCode(code []byte) error
}

// Loopback is an in-process transport. It attaches instantly and keeps the
// sent reports, which makes it the transport of choice for tests and for
// running the agent without any HID backend.
type Loopback struct {
	kind kbcore.Transport

	mu        sync.Mutex
	sink      ConnectionSink
	connected bool
	util      int
	reports   []LoopbackReport
	pins      [][]byte
	passes    [][]byte
}

type LoopbackReport struct {
	ReportID uint8
	Payload  []byte
}

func NewLoopback(kind kbcore.Transport) *Loopback {
	return &Loopback{kind: kind}
}

func (l *Loopback) Kind() kbcore.Transport {
	return l.kind
}

func (l *Loopback) Run(ctx context.Context, sink ConnectionSink) error {
	l.mu.Lock()
	l.sink = sink
	connected := l.connected
	l.mu.Unlock()
	// Connect may have won the race against Run, deliver the callback now.
	if connected {
		sink.TransportConnected("loopback")
	}
	<-ctx.Done()
	return nil
}

func (l *Loopback) Connect(ctx context.Context) error {
	l.mu.Lock()
	l.connected = true
	sink := l.sink
	l.mu.Unlock()
	if sink != nil {
		sink.TransportConnected("loopback")
	}
	return nil
}

func (l *Loopback) Disconnect() error {
	l.mu.Lock()
	l.connected = false
	sink := l.sink
	l.mu.Unlock()
	if sink != nil {
		sink.TransportDisconnected()
	}
	return nil
}

func (l *Loopback) EnterPairing() error {
	return nil
}

func (l *Loopback) SendReport(reportID uint8, payload []byte) error {
	p := make([]byte, len(payload))
	copy(p, payload)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, LoopbackReport{ReportID: reportID, Payload: p})
	return nil
}

func (l *Loopback) BufferUtilization() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.util
}

// SetBufferUtilization simulates transmit backpressure.
func (l *Loopback) SetBufferUtilization(util int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.util = util
}

func (l *Loopback) SubmitPinCode(pin []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pins = append(l.pins, pin)
	return nil
}

func (l *Loopback) SubmitPassCode(code []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.passes = append(l.passes, code)
	return nil
}

// Reports returns a copy of everything sent so far.
func (l *Loopback) Reports() []LoopbackReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LoopbackReport, len(l.reports))
	copy(out, l.reports)
	return out
}
