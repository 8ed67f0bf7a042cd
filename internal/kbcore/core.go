package kbcore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hidcore/dualkb-agent/internal/keyscan"
)

// bufferBackpressureLimit stops event processing when the link's transmit
// buffer fills past this percentage.
const bufferBackpressureLimit = 80

// idleRateUnit is the resolution of the HID idle rate.
const idleRateUnit = 4 * time.Millisecond

// Run drives the poll loop until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	close(a.ready)
	a.log.Info("Keyboard core started",
		zap.Duration("pollInterval", a.cfg.PollInterval),
		zap.Int("eventQueueSize", a.cfg.EventQueueSize))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.poll()
		case <-a.pollNow:
			a.pollPending.Store(false)
			a.poll()
		}
	}
}

func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// RequestPoll schedules an immediate poll outside the regular interval, used
// by the link when it becomes ready to transmit.
func (a *App) RequestPoll() {
	if a.pollPending.CompareAndSwap(false, true) {
		select {
		case a.pollNow <- struct{}{}:
		default:
		}
	}
}

// poll is one pass of the activity loop: gather matrix and scroll activity
// into the event queue, then drain the queue into reports if the link is up.
// A poll with activity on a down link asks the link to reconnect instead.
func (a *App) poll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pollSeqn++
	keyActivity := a.pollActivityKey()
	scrollActivity := a.pollActivityScroll()
	if a.link.Connected() {
		a.generateAndTxReports()
	} else if keyActivity || scrollActivity {
		a.link.Connect()
	}
}

// pollActivityKey drains the key matrix into the event queue and terminates
// the batch with an end of cycle event. Connect button transitions bypass
// the queue entirely and do not produce a cycle of their own.
func (a *App) pollActivityKey() bool {
	events := a.matrix.PollKeys()
	if len(events) == 0 {
		return false
	}
	pushed := false
	for _, ke := range events {
		if a.keymap.IsConnectButton(ke.ScanCode) {
			a.handleConnectButton(ke.Down)
			continue
		}
		a.queue.Push(keyscan.Event{
			Type:     keyscan.KeyStateChange,
			Key:      ke,
			PollSeqn: a.pollSeqn,
		})
		pushed = true
	}
	if pushed {
		a.queue.Push(keyscan.EndOfCycle(a.pollSeqn))
	}
	return pushed
}

// handleConnectButton reacts to the dedicated pairing button. Presses during
// error recovery are dropped so a host flooded by recovery traffic is not
// additionally unplugged.
func (a *App) handleConnectButton(down bool) {
	if a.recoveryInProgress > 0 {
		return
	}
	if down == a.connectButtonDown {
		return
	}
	a.connectButtonDown = down
	if down {
		a.log.Info("Connect button pressed, entering pairing")
		a.link.VirtualCableUnplug()
		a.link.EnterPairing()
	}
}

func (a *App) pollActivityScroll() bool {
	if a.wheel == nil {
		return false
	}
	motion, ok := a.scroll.Fold(a.wheel.PollDelta())
	if !ok {
		a.scroll.Idle()
		return false
	}
	a.queue.Push(keyscan.Event{
		Type:     keyscan.MotionAxis,
		Motion:   motion,
		PollSeqn: a.pollSeqn,
	})
	return true
}

// generateAndTxReports drains the event queue into reports. During pin or
// pass code entry the queue feeds the entry buffer instead. During recovery
// the queue is left alone until the recovery window expires.
func (a *App) generateAndTxReports() {
	if a.pin.mode != pinEntryNone {
		a.handlePinEntry()
		return
	}
	if a.recoveryInProgress > 0 {
		a.recoveryInProgress--
		if a.recoveryInProgress == 0 {
			a.txModifiedKeyReports()
		}
	}
	for a.link.BufferUtilization() < bufferBackpressureLimit {
		ev, ok := a.queue.PeekCurrent()
		if !ok {
			break
		}
		switch ev.Type {
		case keyscan.KeyStateChange:
			a.procEvtKey()
		case keyscan.MotionAxis:
			a.procEvtScroll()
		case keyscan.QueueOverflow:
			a.procErrEvtQueue()
		default:
			a.procEvtUserDefined(ev)
		}
	}
	a.idleRateProc()
}

// procEvtKey consumes key events up to and including the end of cycle
// terminator. A batch that ends without a terminator, or contains a scan
// code outside the keymap, means scanner and queue are out of sync and
// triggers error recovery.
func (a *App) procEvtKey() {
	for {
		ev, ok := a.queue.PeekCurrent()
		if !ok || ev.Type != keyscan.KeyStateChange {
			a.procErrEvtQueue()
			return
		}
		if ev.Key.ScanCode == keyscan.EndOfScanCycle {
			a.txModifiedKeyReports()
			a.link.ActivityDetected()
			a.queue.PopCurrent()
			return
		}
		kc, known := a.keymap.Lookup(ev.Key.ScanCode)
		if !known {
			a.procErrKeyscan(ev.Key.ScanCode)
			return
		}
		recovery := a.recoveryInProgress
		a.dispatchKey(kc, ev.Key.Down)
		if a.recoveryInProgress > recovery {
			// The handler hit an error and flushed the queue, the rest of
			// the batch is gone.
			return
		}
		a.queue.PopCurrent()
	}
}

// procEvtScroll folds adjacent motion events into one scroll report.
func (a *App) procEvtScroll() {
	a.scrollRpt = 0
	for {
		ev, ok := a.queue.PeekCurrent()
		if !ok || ev.Type != keyscan.MotionAxis {
			break
		}
		a.scrollRpt += ev.Motion
		a.queue.PopCurrent()
		if !a.cfg.ScrollCombining {
			break
		}
	}
	if a.scrollRpt != 0 {
		a.scrollRptChanged = true
	}
	a.txModifiedKeyReports()
}

func (a *App) procEvtUserDefined(ev keyscan.Event) {
	if a.userHandler != nil {
		a.userHandler(ev.Key.ScanCode, ev.Key.Down)
	}
	a.queue.PopCurrent()
}

func (a *App) procErrKeyscan(scanCode uint8) {
	a.log.Warn("Ghost scan code, starting recovery", zap.Uint8("scanCode", scanCode))
	a.stdErrRespWithFwHwReset()
}

func (a *App) procErrEvtQueue() {
	a.log.Warn("Event queue out of sync, starting recovery")
	a.stdErrRespWithFwHwReset()
}

// stdErrResp is the first tier of error recovery: report state is wiped, the
// host is told all keys are in roll over, and transmission is suppressed for
// the recovery window. The roll over report is only sent once per window.
func (a *App) stdErrResp() {
	a.clearAllReports()
	a.funcLockDown = false
	if a.recoveryInProgress == 0 {
		a.txRolloverReport()
	}
	a.recoveryInProgress = a.cfg.RecoveryPollCount
	a.stdRptChanged = true
	a.bitRptChanged = true
	a.sleepRptChanged = true
	a.connectButtonDown = false
}

// stdErrRespWithFwHwReset is the second tier: on top of stdErrResp the event
// queue is flushed and the scanner hardware is reset.
func (a *App) stdErrRespWithFwHwReset() {
	a.stdErrResp()
	a.queue.Flush()
	if a.hw != nil {
		a.hw.Reset()
	}
}

// clearAllReports wipes report contents and all changed flags.
func (a *App) clearAllReports() {
	a.stdModifiers = 0
	for i := range a.stdKeys {
		a.stdKeys[i] = 0
	}
	a.keysInStdRpt = 0
	a.modKeysInStdRpt = 0
	a.stdRptChanged = false

	a.bitRpt.ClearAll()
	a.keysInBitRpt = 0
	a.bitRptChanged = false

	a.sleepRpt = 0
	a.sleepRptChanged = false

	a.funcLockRptChanged = false

	a.scrollRpt = 0
	a.scrollRptChanged = false
}

// flushUserInput discards every trace of pending user input.
func (a *App) flushUserInput() {
	a.scroll.Reset()
	a.recoveryInProgress = 0
	a.clearAllReports()
	a.queue.Flush()
}

// txModifiedKeyReports sends every report with pending changes. Nothing is
// sent during recovery, and only the standard report exists in boot
// protocol.
func (a *App) txModifiedKeyReports() {
	if a.recoveryInProgress > 0 {
		return
	}
	if a.stdRptChanged {
		a.stdRptSend()
	}
	if a.protocol != ProtocolReport {
		return
	}
	if a.bitRptChanged {
		a.bitRptSend()
	}
	if a.sleepRptChanged {
		a.sleepRptSend()
	}
	if a.funcLockRptChanged {
		a.funcLockRptSend()
	}
	if a.scrollRptChanged {
		a.scrollRptSend()
	}
}

// idleRateProc resends the standard report when the host asked for an idle
// rate and keys are being held with nothing else going on.
func (a *App) idleRateProc() {
	if a.idleRate == 0 || a.recoveryInProgress > 0 {
		return
	}
	if a.keysInStdRpt == 0 && a.modKeysInStdRpt == 0 {
		return
	}
	if a.queue.Count() != 0 {
		return
	}
	if a.link.BufferUtilization() >= bufferBackpressureLimit {
		return
	}
	if a.now().Sub(a.stdRptTxInstant) >= a.idleRate {
		a.stdRptSend()
	}
}

func (a *App) stdRptSend() {
	a.sendReport(ReportIDStd, stdReportPayload(a.stdModifiers, a.stdKeys))
	a.stdRptChanged = false
	a.stdRptTxInstant = a.now()
}

func (a *App) txRolloverReport() {
	a.sendReport(ReportIDStd, rolloverReportPayload(len(a.stdKeys)))
	a.stdRptTxInstant = a.now()
}

func (a *App) bitRptSend() {
	a.sendReport(ReportIDBitMapped, a.bitRpt.Bytes())
	a.bitRptChanged = false
}

func (a *App) sleepRptSend() {
	a.sendReport(ReportIDSleep, []byte{a.sleepRpt})
	a.sleepRptChanged = false
}

func (a *App) funcLockRptSend() {
	a.sendReport(ReportIDFuncLock, []byte{a.funcLockStatus()})
	a.funcLockRptChanged = false
}

func (a *App) funcLockStatus() uint8 {
	status := funcLockEventFlag
	if a.funcLockOn {
		status |= 1
	}
	return status
}

// scrollRptSend sends the accumulated scroll motion. LE hosts see scroll as
// a volume key press and release pair, classic hosts get the scroll report.
func (a *App) scrollRptSend() {
	if a.link.Transport() == TransportLE {
		pulse := scrollLEVolumeUp
		if a.scrollRpt < 0 {
			pulse = scrollLEVolumeDown
		}
		a.sendReport(ReportIDScroll, []byte{pulse})
		a.sendReport(ReportIDScroll, []byte{0})
	} else {
		a.sendReport(ReportIDScroll, []byte{uint8(a.scrollRpt)})
	}
	a.scrollRpt = 0
	a.scrollRptChanged = false
}

// BatteryRptSend reports the battery level to the host. Boot protocol hosts
// have no battery report.
func (a *App) BatteryRptSend(level uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batteryLevel = level
	if a.protocol != ProtocolReport {
		return
	}
	a.sendReport(ReportIDBattery, []byte{level})
}

// BatteryCritical shuts user input down ahead of a power loss: pending input
// is dropped and the host is disconnected.
func (a *App) BatteryCritical() {
	a.mu.Lock()
	a.flushUserInput()
	connected := a.link.Connected()
	a.mu.Unlock()
	a.log.Warn("Battery critical, dropping input")
	if connected {
		a.link.Disconnect()
	}
}

// ConnectFailed drops everything the user typed while the link was trying to
// come up.
func (a *App) ConnectFailed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushUserInput()
}

func (a *App) sendReport(id uint8, payload []byte) {
	if err := a.link.SendReport(id, payload); err != nil {
		a.log.Warn("Failed to send report", zap.Uint8("reportID", id), zap.Error(err))
	}
}

// SetProtocol applies a protocol switch from the host. Entering report
// protocol wipes the reports that do not exist in boot protocol so stale
// state from before the switch is never transmitted.
func (a *App) SetProtocol(p Protocol) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p == a.protocol {
		return
	}
	a.log.Info("Protocol changed", zap.Stringer("protocol", p))
	a.protocol = p
	if p == ProtocolReport {
		a.bitRpt.ClearAll()
		a.keysInBitRpt = 0
		a.bitRptChanged = false
		a.sleepRpt = 0
		a.sleepRptChanged = false
		a.scrollRpt = 0
		a.scrollRptChanged = false
		a.funcLockDown = false
	}
}

func (a *App) GetProtocol() Protocol {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.protocol
}

// SetIdleRate applies the HID idle rate, given in 4ms units. Zero disables
// idle repeats.
func (a *App) SetIdleRate(rate uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.idleRate = time.Duration(rate) * idleRateUnit
}

// ProcessLEDReport applies an LED output report from the host.
func (a *App) ProcessLEDReport(state uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state != a.ledState {
		a.log.Debug("LED state changed", zap.Uint8("state", state))
	}
	a.ledState = state
}

// ReportPayload answers a GET_REPORT request from the host with the current
// contents of the requested report.
func (a *App) ReportPayload(id uint8) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch id {
	case ReportIDStd:
		return stdReportPayload(a.stdModifiers, a.stdKeys), true
	case ReportIDBitMapped:
		return a.bitRpt.Bytes(), true
	case ReportIDSleep:
		return []byte{a.sleepRpt}, true
	case ReportIDFuncLock:
		return []byte{a.funcLockStatus()}, true
	case ReportIDScroll:
		return []byte{uint8(a.scrollRpt)}, true
	case ReportIDBattery:
		return []byte{a.batteryLevel}, true
	default:
		return nil, false
	}
}
