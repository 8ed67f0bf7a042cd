package kbcore

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hidcore/dualkb-agent/internal/keyscan"
	"github.com/hidcore/dualkb-agent/pkg/usages"
)

type sentReport struct {
	id      uint8
	payload []byte
}

type fakeLink struct {
	transport   Transport
	connected   bool
	util        int
	sent        []sentReport
	connects    int
	disconnects int
	unplugs     int
	pairings    int
	activity    int
	pins        [][]byte
	passes      [][]byte
}

func (l *fakeLink) Transport() Transport { return l.transport }
func (l *fakeLink) Connected() bool      { return l.connected }
func (l *fakeLink) BufferUtilization() int {
	return l.util
}
func (l *fakeLink) SendReport(id uint8, payload []byte) error {
	p := make([]byte, len(payload))
	copy(p, payload)
	l.sent = append(l.sent, sentReport{id: id, payload: p})
	return nil
}
func (l *fakeLink) ActivityDetected()          { l.activity++ }
func (l *fakeLink) Connect()                   { l.connects++ }
func (l *fakeLink) Disconnect()                { l.disconnects++ }
func (l *fakeLink) VirtualCableUnplug()        { l.unplugs++ }
func (l *fakeLink) EnterPairing()              { l.pairings++ }
func (l *fakeLink) SubmitPinCode(pin []byte)   { l.pins = append(l.pins, pin) }
func (l *fakeLink) SubmitPassCode(code []byte) { l.passes = append(l.passes, code) }

func (l *fakeLink) sentWithID(id uint8) []sentReport {
	var out []sentReport
	for _, r := range l.sent {
		if r.id == id {
			out = append(out, r)
		}
	}
	return out
}

type fakeMatrix struct {
	batches [][]keyscan.KeyEvent
}

func (m *fakeMatrix) PollKeys() []keyscan.KeyEvent {
	if len(m.batches) == 0 {
		return nil
	}
	b := m.batches[0]
	m.batches = m.batches[1:]
	return b
}

func (m *fakeMatrix) batch(events ...keyscan.KeyEvent) {
	m.batches = append(m.batches, events)
}

func down(scanCode uint8) keyscan.KeyEvent { return keyscan.KeyEvent{ScanCode: scanCode, Down: true} }
func up(scanCode uint8) keyscan.KeyEvent   { return keyscan.KeyEvent{ScanCode: scanCode} }

type fakeWheel struct {
	deltas []int16
}

func (w *fakeWheel) PollDelta() int16 {
	if len(w.deltas) == 0 {
		return 0
	}
	d := w.deltas[0]
	w.deltas = w.deltas[1:]
	return d
}

type fakeHW struct {
	resets int
}

func (h *fakeHW) Reset() { h.resets++ }

// Scan code layout used by the tests.
const (
	scanN1 uint8 = iota
	scanN2
	scanN3
	scanShift
	scanBitMapped
	scanSleep
	scanFuncLock
	scanFuncLockDep
	scanNone
	scanConnect
	scanA
	scanB
	scanC
	scanD
	scanEnter
	scanBackspace
	scanEscape
)

func testKeymap() *Keymap {
	connect := scanConnect
	return &Keymap{
		ConnectButton: &connect,
		Keys: []KeyConfig{
			scanN1:          {Type: KeyTypeStd, Code: usages.Key1},
			scanN2:          {Type: KeyTypeStd, Code: usages.Key2},
			scanN3:          {Type: KeyTypeStd, Code: usages.Key3},
			scanShift:       {Type: KeyTypeModifier, Code: usages.ModLeftShift},
			scanBitMapped:   {Type: KeyTypeBitMapped, Code: PackRowCol(0, 4)},
			scanSleep:       {Type: KeyTypeSleep, Code: 1},
			scanFuncLock:    {Type: KeyTypeFuncLock},
			scanFuncLockDep: {Type: KeyTypeFuncLockDep, DepStdCode: usages.KeyF1, DepBitCode: PackRowCol(1, 0)},
			scanNone:        {Type: KeyTypeNone},
			scanConnect:     {Type: KeyTypeNone},
			scanA:           {Type: KeyTypeStd, Code: usages.KeyA},
			scanB:           {Type: KeyTypeStd, Code: usages.KeyB},
			scanC:           {Type: KeyTypeStd, Code: usages.KeyC},
			scanD:           {Type: KeyTypeStd, Code: usages.KeyD},
			scanEnter:       {Type: KeyTypeStd, Code: usages.KeyEnter},
			scanBackspace:   {Type: KeyTypeStd, Code: usages.KeyBackspace},
			scanEscape:      {Type: KeyTypeStd, Code: usages.KeyEscape},
		},
	}
}

func newTestApp(t *testing.T, opts ...Option) (*App, *fakeLink, *fakeMatrix, *fakeWheel) {
	t.Helper()
	link := &fakeLink{transport: TransportClassic, connected: true}
	matrix := &fakeMatrix{}
	wheel := &fakeWheel{}
	cfg := DefaultConfig()
	cfg.EventQueueSize = 16
	app := New(zap.NewNop(), cfg, testKeymap(), link, matrix, wheel, opts...)
	return app, link, matrix, wheel
}

func TestKeyPressAndRelease(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	matrix.batch(down(scanN1))
	app.poll()

	reports := link.sentWithID(ReportIDStd)
	if len(reports) != 1 {
		t.Fatalf("got %d std reports, want 1", len(reports))
	}
	want := []byte{0, 0, usages.Key1, 0, 0, 0, 0, 0}
	if string(reports[0].payload) != string(want) {
		t.Fatalf("payload = %v, want %v", reports[0].payload, want)
	}
	if link.activity != 1 {
		t.Fatalf("activity = %d, want 1", link.activity)
	}

	matrix.batch(up(scanN1))
	app.poll()
	reports = link.sentWithID(ReportIDStd)
	if len(reports) != 2 {
		t.Fatalf("got %d std reports, want 2", len(reports))
	}
	for _, b := range reports[1].payload {
		if b != 0 {
			t.Fatalf("release payload not empty: %v", reports[1].payload)
		}
	}
}

func TestModifierAndKeyInOneCycle(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	matrix.batch(down(scanShift), down(scanA))
	app.poll()

	reports := link.sentWithID(ReportIDStd)
	if len(reports) != 1 {
		t.Fatalf("got %d std reports, want 1", len(reports))
	}
	if reports[0].payload[0] != usages.ModLeftShift {
		t.Fatalf("modifiers = %#x, want %#x", reports[0].payload[0], usages.ModLeftShift)
	}
	if reports[0].payload[2] != usages.KeyA {
		t.Fatalf("key = %#x, want %#x", reports[0].payload[2], usages.KeyA)
	}
}

func TestNoReportWithoutChanges(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	// A cycle of down and up for a key already up changes nothing.
	matrix.batch(up(scanN1))
	app.poll()
	if len(link.sent) != 0 {
		t.Fatalf("sent %d reports, want 0", len(link.sent))
	}
}

func TestReportOverflowTriggersRecovery(t *testing.T) {
	hw := &fakeHW{}
	app, link, matrix, _ := newTestApp(t, WithKeyscanHardware(hw))
	matrix.batch(down(scanN1), down(scanN2), down(scanN3), down(scanA), down(scanB), down(scanC))
	app.poll()
	if len(link.sentWithID(ReportIDStd)) != 1 {
		t.Fatal("six keys should fit in the report")
	}

	link.sent = nil
	matrix.batch(down(scanD))
	app.poll()

	reports := link.sentWithID(ReportIDStd)
	if len(reports) != 1 {
		t.Fatalf("got %d std reports, want exactly one roll over", len(reports))
	}
	for _, b := range reports[0].payload[2:] {
		if b != usages.ErrorRollOver {
			t.Fatalf("payload = %v, want roll over codes", reports[0].payload)
		}
	}
	if hw.resets != 1 {
		t.Fatalf("hardware resets = %d, want 1", hw.resets)
	}
	if app.queue.Count() != 0 {
		t.Fatal("event queue should be flushed")
	}
	if app.recoveryInProgress == 0 {
		t.Fatal("recovery window should be armed")
	}
}

func TestGhostScanCodeTriggersRecoveryOnce(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	matrix.batch(down(60))
	app.poll()

	reports := link.sentWithID(ReportIDStd)
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want one roll over", len(reports))
	}

	// More errors inside the recovery window do not resend roll over.
	link.sent = nil
	matrix.batch(down(61))
	app.poll()
	if len(link.sent) != 0 {
		t.Fatalf("sent %d reports during recovery, want 0", len(link.sent))
	}
}

func TestBatchWithoutTerminator(t *testing.T) {
	app, link, _, _ := newTestApp(t)
	// Inject a key event with no end of cycle behind it, as if the
	// scanner dropped the terminator.
	app.queue.Push(keyscan.Event{Type: keyscan.KeyStateChange, Key: down(scanN1)})
	app.generateAndTxReports()

	reports := link.sentWithID(ReportIDStd)
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want one roll over", len(reports))
	}
	for _, b := range reports[0].payload[2:] {
		if b != usages.ErrorRollOver {
			t.Fatalf("payload = %v, want roll over codes", reports[0].payload)
		}
	}
}

func TestRecoveryWindowFlushesDirtyReports(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	matrix.batch(down(60))
	app.poll()
	link.sent = nil

	// Drain the recovery window with idle polls. The final poll of the
	// window resends the cleared reports.
	for i := 0; i < app.cfg.RecoveryPollCount; i++ {
		if len(link.sent) != 0 {
			t.Fatalf("reports sent before recovery expired: %v", link.sent)
		}
		app.poll()
	}
	if len(link.sentWithID(ReportIDStd)) != 1 {
		t.Fatal("standard report should be resent after recovery")
	}
	if len(link.sentWithID(ReportIDBitMapped)) != 1 {
		t.Fatal("bit mapped report should be resent after recovery")
	}
	if len(link.sentWithID(ReportIDSleep)) != 1 {
		t.Fatal("sleep report should be resent after recovery")
	}
	if app.recoveryInProgress != 0 {
		t.Fatal("recovery should be over")
	}
}

func TestConnectButton(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	matrix.batch(down(scanConnect))
	app.poll()

	if link.unplugs != 1 || link.pairings != 1 {
		t.Fatalf("unplugs = %d pairings = %d, want 1 and 1", link.unplugs, link.pairings)
	}
	// Connect button cycles never reach the host.
	if len(link.sent) != 0 {
		t.Fatalf("sent %d reports, want 0", len(link.sent))
	}
	if app.queue.Count() != 0 {
		t.Fatal("connect button must not enter the event queue")
	}

	matrix.batch(up(scanConnect))
	app.poll()
	if link.pairings != 1 {
		t.Fatal("release must not re-enter pairing")
	}
}

func TestConnectButtonIgnoredDuringRecovery(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	matrix.batch(down(60))
	app.poll()
	matrix.batch(down(scanConnect))
	app.poll()
	if link.pairings != 0 {
		t.Fatal("connect button must be ignored during recovery")
	}
}

func TestActivityOnDownLinkRequestsConnect(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	link.connected = false
	matrix.batch(down(scanN1))
	app.poll()
	if link.connects != 1 {
		t.Fatalf("connects = %d, want 1", link.connects)
	}
	if len(link.sent) != 0 {
		t.Fatal("no reports may be sent while disconnected")
	}

	// Idle polls do not hammer the link.
	app.poll()
	if link.connects != 1 {
		t.Fatalf("connects = %d after idle poll, want 1", link.connects)
	}
}

func TestScrollReportClassic(t *testing.T) {
	app, link, _, wheel := newTestApp(t)
	wheel.deltas = []int16{-2}
	app.poll()
	reports := link.sentWithID(ReportIDScroll)
	if len(reports) != 1 {
		t.Fatalf("got %d scroll reports, want 1", len(reports))
	}
	if int8(reports[0].payload[0]) != -2 {
		t.Fatalf("motion = %d, want -2", int8(reports[0].payload[0]))
	}
}

func TestScrollReportLE(t *testing.T) {
	app, link, _, wheel := newTestApp(t)
	link.transport = TransportLE
	wheel.deltas = []int16{3}
	app.poll()
	reports := link.sentWithID(ReportIDScroll)
	if len(reports) != 2 {
		t.Fatalf("got %d scroll reports, want press and release", len(reports))
	}
	if reports[0].payload[0] != scrollLEVolumeUp || reports[1].payload[0] != 0 {
		t.Fatalf("payloads = %v %v", reports[0].payload, reports[1].payload)
	}
}

func TestScrollCombining(t *testing.T) {
	app, link, _, _ := newTestApp(t)
	app.queue.Push(keyscan.Event{Type: keyscan.MotionAxis, Motion: 2})
	app.queue.Push(keyscan.Event{Type: keyscan.MotionAxis, Motion: 3})
	app.generateAndTxReports()
	reports := link.sentWithID(ReportIDScroll)
	if len(reports) != 1 {
		t.Fatalf("got %d scroll reports, want 1", len(reports))
	}
	if int8(reports[0].payload[0]) != 5 {
		t.Fatalf("motion = %d, want 5", int8(reports[0].payload[0]))
	}
}

func TestIdleRateRepeatsHeldKeys(t *testing.T) {
	now := time.Unix(100, 0)
	app, link, matrix, _ := newTestApp(t, WithClock(func() time.Time { return now }))
	app.SetIdleRate(100) // 400ms

	matrix.batch(down(scanN1))
	app.poll()
	if len(link.sentWithID(ReportIDStd)) != 1 {
		t.Fatal("expected initial report")
	}

	// Idle polls inside the interval stay quiet.
	now = now.Add(200 * time.Millisecond)
	app.poll()
	if len(link.sentWithID(ReportIDStd)) != 1 {
		t.Fatal("report repeated too early")
	}

	now = now.Add(300 * time.Millisecond)
	app.poll()
	if len(link.sentWithID(ReportIDStd)) != 2 {
		t.Fatal("held key should repeat after the idle interval")
	}

	// Releasing the key stops the repeats.
	matrix.batch(up(scanN1))
	app.poll()
	count := len(link.sentWithID(ReportIDStd))
	now = now.Add(time.Second)
	app.poll()
	if len(link.sentWithID(ReportIDStd)) != count {
		t.Fatal("no repeats once all keys are up")
	}
}

func TestBackpressureHoldsEvents(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	link.util = 90
	matrix.batch(down(scanN1))
	app.poll()
	if len(link.sent) != 0 {
		t.Fatal("no reports may be generated under backpressure")
	}
	if app.queue.Count() == 0 {
		t.Fatal("events must stay queued under backpressure")
	}

	link.util = 10
	app.poll()
	if len(link.sentWithID(ReportIDStd)) != 1 {
		t.Fatal("queued events should drain once the buffer clears")
	}
}

func TestBootProtocolSuppressesAuxReports(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	app.SetProtocol(ProtocolBoot)
	matrix.batch(down(scanBitMapped), down(scanN1))
	app.poll()
	if len(link.sentWithID(ReportIDBitMapped)) != 0 {
		t.Fatal("bit mapped report must not be sent in boot protocol")
	}
	if len(link.sentWithID(ReportIDStd)) != 1 {
		t.Fatal("standard report still flows in boot protocol")
	}
}

func TestSwitchToReportProtocolClearsAuxReports(t *testing.T) {
	app, _, matrix, _ := newTestApp(t)
	app.SetProtocol(ProtocolBoot)
	matrix.batch(down(scanBitMapped), down(scanSleep))
	app.poll()

	app.SetProtocol(ProtocolReport)
	if !app.bitRpt.IsEmpty() || app.sleepRpt != 0 {
		t.Fatal("aux report state must be wiped on protocol switch")
	}
	if app.bitRptChanged || app.sleepRptChanged {
		t.Fatal("aux changed flags must be cleared on protocol switch")
	}
}

func TestLEDReport(t *testing.T) {
	app, _, _, _ := newTestApp(t)
	app.ProcessLEDReport(LEDCapsLock)
	if !app.CapsLockLEDOn() {
		t.Fatal("caps lock LED should be on")
	}
	app.ProcessLEDReport(0)
	if app.CapsLockLEDOn() {
		t.Fatal("caps lock LED should be off")
	}
}

func TestReportPayload(t *testing.T) {
	app, _, matrix, _ := newTestApp(t)
	matrix.batch(down(scanN1))
	app.poll()

	payload, ok := app.ReportPayload(ReportIDStd)
	if !ok {
		t.Fatal("standard report payload should be available")
	}
	if payload[2] != usages.Key1 {
		t.Fatalf("payload = %v", payload)
	}
	if _, ok := app.ReportPayload(0x42); ok {
		t.Fatal("unknown report ID should not resolve")
	}
}

func TestFuncLockReportStatusByte(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	matrix.batch(down(scanFuncLock))
	app.poll()

	reports := link.sentWithID(ReportIDFuncLock)
	if len(reports) != 1 || reports[0].payload[0] != 0x03 {
		t.Fatalf("reports = %v, want status 0x03 (lock on with event flag)", reports)
	}
	payload, ok := app.ReportPayload(ReportIDFuncLock)
	if !ok || payload[0] != 0x03 {
		t.Fatalf("payload = %v, %v", payload, ok)
	}

	// A second press toggles the lock off, the event flag stays set.
	matrix.batch(up(scanFuncLock))
	app.poll()
	matrix.batch(down(scanFuncLock))
	app.poll()
	reports = link.sentWithID(ReportIDFuncLock)
	if len(reports) != 2 || reports[1].payload[0] != 0x02 {
		t.Fatalf("reports = %v, want second status 0x02 (lock off with event flag)", reports)
	}
}

func TestBatteryReport(t *testing.T) {
	app, link, _, _ := newTestApp(t)
	app.BatteryRptSend(87)
	reports := link.sentWithID(ReportIDBattery)
	if len(reports) != 1 || reports[0].payload[0] != 87 {
		t.Fatalf("battery reports = %v", reports)
	}

	// Boot protocol hosts never see the battery report.
	app.SetProtocol(ProtocolBoot)
	app.BatteryRptSend(50)
	if len(link.sentWithID(ReportIDBattery)) != 1 {
		t.Fatal("battery report must be suppressed in boot protocol")
	}

	// GetReport still serves the latest level.
	payload, ok := app.ReportPayload(ReportIDBattery)
	if !ok || payload[0] != 50 {
		t.Fatalf("battery payload = %v, %v", payload, ok)
	}
}

func TestBatteryCritical(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	link.util = 100 // keep the press queued
	matrix.batch(down(scanN1))
	app.poll()

	app.BatteryCritical()
	if app.queue.Count() != 0 {
		t.Fatal("critical battery should flush pending input")
	}
	if link.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", link.disconnects)
	}
}

func TestConnectFailedFlushesInput(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	link.connected = false
	matrix.batch(down(scanN1))
	app.poll()
	if app.queue.Count() == 0 {
		t.Fatal("events should be queued while disconnected")
	}
	app.ConnectFailed()
	if app.queue.Count() != 0 || app.keysInStdRpt != 0 {
		t.Fatal("connect failure should drop typed-ahead input")
	}
}

func TestUserDefinedKey(t *testing.T) {
	var gotCode uint8
	var gotDown bool
	handler := func(code uint8, isDown bool) {
		gotCode = code
		gotDown = isDown
	}
	link := &fakeLink{transport: TransportClassic, connected: true}
	matrix := &fakeMatrix{}
	cfg := DefaultConfig()
	cfg.EventQueueSize = 16
	keymap := testKeymap()
	keymap.Keys[scanNone] = KeyConfig{Type: KeyTypeUserDefined, Code: 7}
	app := New(zap.NewNop(), cfg, keymap, link, matrix, nil, WithUserEventHandler(handler))

	matrix.batch(down(scanNone))
	app.poll()
	if gotCode != 7 || !gotDown {
		t.Fatalf("handler got code=%d down=%v", gotCode, gotDown)
	}
}

func TestSetKeymapFlushesState(t *testing.T) {
	app, _, matrix, _ := newTestApp(t)
	matrix.batch(down(scanN1))
	app.poll()
	if app.keysInStdRpt != 1 {
		t.Fatal("expected one key down")
	}
	app.SetKeymap(testKeymap())
	if app.keysInStdRpt != 0 || app.queue.Count() != 0 {
		t.Fatal("keymap reload must flush pending input")
	}
}
