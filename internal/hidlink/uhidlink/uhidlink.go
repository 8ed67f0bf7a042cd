// Package uhidlink exposes the keyboard as a HID device on the local kernel
// through /dev/uhid. It stands in for a real Bluetooth wire during
// development: the machine running the agent sees a keyboard attach.
package uhidlink

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/psanford/uhid"
	"go.uber.org/zap"

	"github.com/hidcore/dualkb-agent/internal/hidlink"
	"github.com/hidcore/dualkb-agent/internal/kbcore"
)

type Config struct {
	Name      string `yaml:"name" json:"name"`
	VendorID  uint16 `yaml:"vendorId" json:"vendorId"`
	ProductID uint16 `yaml:"productId" json:"productId"`
}

func DefaultConfig() Config {
	return Config{
		Name:      "dualkb",
		VendorID:  0x1d50,
		ProductID: 0x6190,
	}
}

// reportDescriptor declares the standard keyboard report with LED output,
// the bit mapped consumer report and the scroll report.
var reportDescriptor = []byte{
	// Keyboard, report ID 1.
	0x05, 0x01, 0x09, 0x06, 0xA1, 0x01, 0x85, 0x01,
	0x05, 0x07, 0x19, 0xE0, 0x29, 0xE7, 0x15, 0x00,
	0x25, 0x01, 0x75, 0x01, 0x95, 0x08, 0x81, 0x02,
	0x75, 0x08, 0x95, 0x01, 0x81, 0x01,
	0x05, 0x08, 0x19, 0x01, 0x29, 0x05, 0x75, 0x01,
	0x95, 0x05, 0x91, 0x02, 0x75, 0x03, 0x95, 0x01,
	0x91, 0x01,
	0x05, 0x07, 0x19, 0x00, 0x2A, 0xFF, 0x00, 0x15,
	0x00, 0x26, 0xFF, 0x00, 0x75, 0x08, 0x95, 0x06,
	0x81, 0x00, 0xC0,
	// Consumer bit mapped keys, report ID 2.
	0x05, 0x0C, 0x09, 0x01, 0xA1, 0x01, 0x85, 0x02,
	0x19, 0x00, 0x2A, 0xFF, 0x00, 0x15, 0x00, 0x25,
	0x01, 0x75, 0x01, 0x95, 0x10, 0x81, 0x02, 0xC0,
	// Scroll as volume keys, report ID 6.
	0x05, 0x0C, 0x09, 0x01, 0xA1, 0x01, 0x85, 0x06,
	0x09, 0xE9, 0x09, 0xEA, 0x15, 0x00, 0x25, 0x01,
	0x75, 0x01, 0x95, 0x02, 0x81, 0x02, 0x75, 0x06,
	0x95, 0x01, 0x81, 0x01, 0xC0,
}

type reportType uint8

const (
	reportTypeFeature reportType = 0
	reportTypeOutput  reportType = 1
	reportTypeInput   reportType = 2
)

const reportBufSize = 4096

type getReportRequest struct {
	RequestID  uint32
	ReportID   uint8
	ReportType reportType
}

type getReportReply struct {
	EventType uhid.EventType
	RequestID uint32
	Error     uint16
	Size      uint16
	Data      [reportBufSize]byte
}

type setReportRequest struct {
	RequestID  uint32
	ReportID   uint8
	ReportType reportType
	Size       uint16
	Data       [reportBufSize]byte
}

type setReportReply struct {
	EventType uhid.EventType
	RequestID uint32
	Error     uint16
}

// Transport implements the hidlink transport on a kernel uhid device.
type Transport struct {
	log *zap.Logger
	cfg Config

	mu     sync.Mutex
	sink   hidlink.ConnectionSink
	dev    *uhid.Device
	cancel context.CancelFunc
}

func New(log *zap.Logger, cfg Config) *Transport {
	return &Transport{log: log, cfg: cfg}
}

// Kind reports classic framing, the kernel expects the report ID inside the
// data stream.
func (t *Transport) Kind() kbcore.Transport {
	return kbcore.TransportClassic
}

func (t *Transport) Run(ctx context.Context, sink hidlink.ConnectionSink) error {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
	<-ctx.Done()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

// Connect creates the uhid device. The kernel attaches it immediately, so a
// successful create is a connection.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev != nil {
		return nil
	}
	dev, err := uhid.NewDevice(t.cfg.Name, reportDescriptor)
	if err != nil {
		return fmt.Errorf("failed to create uhid device: %w", err)
	}
	dev.Data.Bus = 0x03
	dev.Data.VendorID = uint32(t.cfg.VendorID)
	dev.Data.ProductID = uint32(t.cfg.ProductID)

	devCtx, cancel := context.WithCancel(context.Background())
	events, err := dev.Open(devCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open uhid device: %w", err)
	}
	t.dev = dev
	t.cancel = cancel
	go t.pump(devCtx, events)

	if t.sink != nil {
		go t.sink.TransportConnected("uhid:" + t.cfg.Name)
	}
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	sink := t.sink
	t.closeLocked()
	t.mu.Unlock()
	if sink != nil {
		sink.TransportDisconnected()
	}
	return nil
}

func (t *Transport) closeLocked() {
	if t.dev == nil {
		return
	}
	t.cancel()
	if err := t.dev.Close(); err != nil {
		t.log.Warn("Failed to close uhid device", zap.Error(err))
	}
	t.dev = nil
	t.cancel = nil
}

// EnterPairing is a no-op, uhid devices have no pairing.
func (t *Transport) EnterPairing() error {
	return nil
}

func (t *Transport) SendReport(reportID uint8, payload []byte) error {
	t.mu.Lock()
	dev := t.dev
	t.mu.Unlock()
	if dev == nil {
		return hidlink.ErrNotConnected
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = reportID
	copy(buf[1:], payload)
	return dev.InjectEvent(buf)
}

// BufferUtilization is always zero, the kernel drains injected events
// synchronously.
func (t *Transport) BufferUtilization() int {
	return 0
}

func (t *Transport) SubmitPinCode(pin []byte) error {
	t.log.Debug("Pin code ignored on uhid transport")
	return nil
}

func (t *Transport) SubmitPassCode(code []byte) error {
	t.log.Debug("Pass code ignored on uhid transport")
	return nil
}

// pump handles host requests arriving on the uhid event channel.
func (t *Transport) pump(ctx context.Context, events chan uhid.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Type {
			case uhid.Output:
				t.handleOutput(event.Data)
			case uhid.GetReport:
				t.handleGetReport(event.Data)
			case uhid.SetReport:
				t.handleSetReport(event.Data)
			}
		}
	}
}

// handleOutput applies LED output reports written by the host.
func (t *Transport) handleOutput(data []byte) {
	if len(data) < 2 || data[0] != kbcore.ReportIDLED {
		return
	}
	t.sink.ProcessLEDReport(data[1])
}

func (t *Transport) handleGetReport(data []byte) {
	var req getReportRequest
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &req); err != nil {
		t.log.Error("Failed to read GetReport request", zap.Error(err))
		return
	}
	reply := getReportReply{
		EventType: uhid.GetReportReply,
		RequestID: req.RequestID,
	}
	payload, ok := t.sink.ReportPayload(req.ReportID)
	if !ok || req.ReportType == reportTypeOutput {
		reply.Error = 1
	} else {
		reply.Size = uint16(len(payload))
		copy(reply.Data[:], payload)
	}
	t.writeReply(reply)
}

func (t *Transport) handleSetReport(data []byte) {
	var req setReportRequest
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &req); err != nil {
		t.log.Error("Failed to read SetReport request", zap.Error(err))
		return
	}
	reply := setReportReply{
		EventType: uhid.SetReportReply,
		RequestID: req.RequestID,
	}
	if req.ReportType == reportTypeOutput && req.ReportID == kbcore.ReportIDLED && req.Size >= 1 {
		t.sink.ProcessLEDReport(req.Data[0])
	} else {
		reply.Error = 1
	}
	t.writeReply(reply)
}

func (t *Transport) writeReply(reply any) {
	t.mu.Lock()
	dev := t.dev
	t.mu.Unlock()
	if dev == nil {
		return
	}
	if err := dev.WriteEvent(reply); err != nil {
		t.log.Error("Failed to write uhid reply", zap.Error(err))
	}
}
