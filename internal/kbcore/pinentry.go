package kbcore

import (
	"go.uber.org/zap"

	"github.com/hidcore/dualkb-agent/internal/keyscan"
	"github.com/hidcore/dualkb-agent/pkg/usages"
)

type pinEntryMode uint8

const (
	pinEntryNone pinEntryMode = iota
	pinEntryLegacyPin
	pinEntryPassKey
)

// Pin entry report event codes. Start and stop only exist for pass key
// entry.
const (
	pinEventStart     uint8 = 0
	pinEventChar      uint8 = 1
	pinEventBackspace uint8 = 2
	pinEventRestart   uint8 = 3
	pinEventStop      uint8 = 4
)

type pinEntryState struct {
	mode            pinEntryMode
	buf             []byte
	max             int
	enterKeyPressed uint8
}

// EnterPinCodeEntryMode routes key events into the legacy pin code buffer
// until the user confirms with enter. A request while entry is already in
// progress drops the connection instead, the pairing state machine is
// confused.
func (a *App) EnterPinCodeEntryMode() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enterEntryMode(pinEntryLegacyPin, a.cfg.MaxPinSize)
}

// EnterPassCodeEntryMode is the secure simple pairing variant of pin entry.
// Each keystroke additionally produces a pin entry report so the host can
// mirror progress.
func (a *App) EnterPassCodeEntryMode() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enterEntryMode(pinEntryPassKey, a.cfg.MaxPassSize) {
		a.pinEntryEvent(pinEventStart, 0)
	}
}

func (a *App) enterEntryMode(mode pinEntryMode, max int) bool {
	if a.pin.mode != pinEntryNone {
		a.log.Warn("Pin entry requested while entry already in progress")
		a.link.Disconnect()
		return false
	}
	a.log.Info("Entering pin entry mode", zap.Bool("passKey", mode == pinEntryPassKey))
	a.pin.enterKeyPressed = 0
	a.flushUserInput()
	a.pin.buf = a.pin.buf[:0]
	a.pin.max = max
	a.pin.mode = mode
	return true
}

// ExitPinAndPassCodeEntryMode abandons pin entry, for example on
// disconnect.
func (a *App) ExitPinAndPassCodeEntryMode() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pin.mode = pinEntryNone
}

// handlePinEntry drains key events into the pin buffer. Only standard keys
// participate: digits append, backspace and delete erase, escape restarts
// and enter latches. The code is submitted when the latched enter key comes
// back up.
func (a *App) handlePinEntry() {
	for {
		ev, ok := a.queue.PeekCurrent()
		if !ok {
			return
		}
		if ev.Type != keyscan.KeyStateChange || ev.Key.ScanCode == keyscan.EndOfScanCycle {
			a.queue.PopCurrent()
			continue
		}
		kc, known := a.keymap.Lookup(ev.Key.ScanCode)
		if !known {
			a.queue.PopCurrent()
			continue
		}
		if ev.Key.Down && a.pin.enterKeyPressed == 0 {
			if kc.Type == KeyTypeStd {
				a.pinEntryKeyDown(kc.Code)
			}
		} else if a.pin.enterKeyPressed != 0 && kc.Type == KeyTypeStd && kc.Code == a.pin.enterKeyPressed {
			a.commitPinEntry()
			return
		}
		a.queue.PopCurrent()
	}
}

func (a *App) pinEntryKeyDown(usage uint8) {
	switch {
	case usage == usages.KeyBackspace || usage == usages.KeyDelete:
		// Backspace on an empty buffer erases nothing and reports nothing.
		if len(a.pin.buf) > 0 {
			a.pin.buf = a.pin.buf[:len(a.pin.buf)-1]
			a.pinEntryEvent(pinEventBackspace, 0)
		}
	case usage == usages.KeyEscape:
		a.pin.buf = a.pin.buf[:0]
		a.pinEntryEvent(pinEventRestart, 0)
	case usage == usages.KeyEnter || usage == usages.KeyKpEnter:
		a.pin.enterKeyPressed = usage
	default:
		if digit, ok := usages.DigitValue(usage); ok && len(a.pin.buf) < a.pin.max {
			a.pin.buf = append(a.pin.buf, '0'+digit)
			a.pinEntryEvent(pinEventChar, '0'+digit)
		}
	}
}

// commitPinEntry submits the buffered code and leaves entry mode. The queue
// is flushed wholesale, so the confirming event is never popped
// individually.
func (a *App) commitPinEntry() {
	code := make([]byte, len(a.pin.buf))
	copy(code, a.pin.buf)
	if a.pin.mode == pinEntryLegacyPin {
		a.log.Info("Pin code entered", zap.Int("length", len(code)))
		a.link.SubmitPinCode(code)
	} else {
		a.pinEntryEvent(pinEventStop, 0)
		a.log.Info("Pass code entered", zap.Int("length", len(code)))
		a.link.SubmitPassCode(code)
	}
	a.pin.mode = pinEntryNone
	a.flushUserInput()
}

// pinEntryEvent mirrors entry progress to the host. Legacy pin entry
// predates the report, only pass key entry sends it.
func (a *App) pinEntryEvent(event uint8, char byte) {
	if a.pin.mode != pinEntryPassKey {
		return
	}
	a.sendReport(ReportIDPinEntry, []byte{event, char})
}
