package hidlink

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hidcore/dualkb-agent/internal/kbcore"
	"github.com/hidcore/dualkb-agent/internal/retained"
	"github.com/hidcore/dualkb-agent/pkg/bus"
)

type fakeHandler struct {
	mu       sync.Mutex
	polls    int
	protocol kbcore.Protocol
	idleRate uint8
	ledState uint8
}

func (h *fakeHandler) ReportPayload(reportID uint8) ([]byte, bool) {
	return []byte{0, 0}, reportID == kbcore.ReportIDStd
}
func (h *fakeHandler) ProcessLEDReport(state uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ledState = state
}
func (h *fakeHandler) SetProtocol(p kbcore.Protocol) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.protocol = p
}
func (h *fakeHandler) GetProtocol() kbcore.Protocol {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.protocol
}
func (h *fakeHandler) SetIdleRate(rate uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idleRate = rate
}
func (h *fakeHandler) RequestPoll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.polls++
}
func (h *fakeHandler) ConnectFailed() {}

func (h *fakeHandler) pollCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.polls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startService(t *testing.T, db *retained.DB, events *EventBus) (*Service, *Loopback, *fakeHandler) {
	t.Helper()
	transport := NewLoopback(kbcore.TransportClassic)
	svc := New(zap.NewNop(), DefaultConfig(), transport, db, events)
	handler := &fakeHandler{}
	svc.SetHandler(handler)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := svc.Start(ctx); err != nil {
			t.Error(err)
		}
	}()
	<-svc.Ready()
	return svc, transport, handler
}

func TestConnectFlow(t *testing.T) {
	svc, transport, handler := startService(t, nil, nil)

	if err := svc.SendReport(kbcore.ReportIDStd, []byte{0, 0}); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	svc.Connect()
	waitFor(t, "connection", svc.Connected)
	if handler.pollCount() == 0 {
		t.Fatal("connecting should request an immediate poll")
	}

	if err := svc.SendReport(kbcore.ReportIDStd, []byte{0, 0, 4}); err != nil {
		t.Fatal(err)
	}
	reports := transport.Reports()
	if len(reports) != 1 || reports[0].ReportID != kbcore.ReportIDStd {
		t.Fatalf("reports = %+v", reports)
	}

	svc.Disconnect()
	waitFor(t, "disconnection", func() bool { return !svc.Connected() })
}

func TestBondPersistence(t *testing.T) {
	db, err := retained.Open(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	svc, _, _ := startService(t, db, nil)
	svc.TransportConnected("AA:BB:CC:DD:EE:FF")

	var host BondedHost
	found, err := db.GetJSON("hidlink.host", &host)
	if err != nil {
		t.Fatal(err)
	}
	if !found || host.Addr != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("host = %+v found = %v", host, found)
	}

	svc.VirtualCableUnplug()
	found, err = db.GetJSON("hidlink.host", &host)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("unplug should forget the bonded host")
	}
}

func TestStateEvents(t *testing.T) {
	events := bus.NewBus[State, Event](zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := events.Start(ctx); err != nil {
		t.Fatal(err)
	}
	ch := events.Subscribe(ctx, StateConnected)

	svc, _, _ := startService(t, nil, events)
	svc.Connect()

	select {
	case msg := <-ch:
		if msg.Message.State != StateConnected {
			t.Fatalf("event = %+v", msg.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state event")
	}
}

func TestPinCodesReachTransport(t *testing.T) {
	svc, transport, _ := startService(t, nil, nil)
	svc.SubmitPinCode([]byte("1234"))
	svc.SubmitPassCode([]byte("5678"))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.pins) != 1 || string(transport.pins[0]) != "1234" {
		t.Fatalf("pins = %q", transport.pins)
	}
	if len(transport.passes) != 1 || string(transport.passes[0]) != "5678" {
		t.Fatalf("passes = %q", transport.passes)
	}
}
