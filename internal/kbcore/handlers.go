package kbcore

import "go.uber.org/zap"

// dispatchKey routes one key event to its handler by key type.
func (a *App) dispatchKey(kc KeyConfig, down bool) {
	switch kc.Type {
	case KeyTypeStd:
		if down {
			a.stdKeyDown(kc.Code)
		} else {
			a.stdKeyUp(kc.Code)
		}
	case KeyTypeModifier:
		a.modifierKey(kc.Code, down)
	case KeyTypeBitMapped:
		a.bitMappedKey(kc.Code, down)
	case KeyTypeSleep:
		a.sleepKey(kc.Code, down)
	case KeyTypeFuncLock:
		a.funcLockKey(down)
	case KeyTypeFuncLockDep:
		a.funcLockDepKey(kc, down)
	case KeyTypeUserDefined:
		if a.userHandler != nil {
			a.userHandler(kc.Code, down)
		}
	case KeyTypeNone:
	}
}

// stdKeyDown adds a usage to the standard report. A second down event for a
// usage already present is ignored. A down event with the report full means
// the core lost an up event somewhere, which triggers error recovery.
func (a *App) stdKeyDown(usage uint8) {
	for i := 0; i < a.keysInStdRpt; i++ {
		if a.stdKeys[i] == usage {
			return
		}
	}
	if a.keysInStdRpt >= len(a.stdKeys) {
		a.log.Warn("Standard report overflow", zap.Uint8("usage", usage))
		a.stdErrRespWithFwHwReset()
		return
	}
	a.stdKeys[a.keysInStdRpt] = usage
	a.keysInStdRpt++
	a.stdRptChanged = true
}

// stdKeyUp removes a usage from the standard report by swapping in the last
// slot. An up event for a usage that is not present is ignored.
func (a *App) stdKeyUp(usage uint8) {
	for i := 0; i < a.keysInStdRpt; i++ {
		if a.stdKeys[i] != usage {
			continue
		}
		a.keysInStdRpt--
		a.stdKeys[i] = a.stdKeys[a.keysInStdRpt]
		a.stdKeys[a.keysInStdRpt] = 0
		a.stdRptChanged = true
		return
	}
}

func (a *App) modifierKey(mask uint8, down bool) {
	if down {
		if a.stdModifiers&mask == 0 {
			a.stdModifiers |= mask
			a.modKeysInStdRpt++
			a.stdRptChanged = true
		}
	} else {
		if a.stdModifiers&mask != 0 {
			a.stdModifiers &^= mask
			a.modKeysInStdRpt--
			a.stdRptChanged = true
		}
	}
}

func (a *App) bitMappedKey(rowCol uint8, down bool) {
	if int(rowCol) >= a.cfg.NumBitMappedKeys {
		a.log.Warn("Bit mapped key out of range", zap.Uint8("rowCol", rowCol))
		return
	}
	if down {
		if a.bitRpt.Set(int(rowCol)) {
			a.keysInBitRpt++
			a.bitRptChanged = true
		}
	} else {
		if a.bitRpt.Clear(int(rowCol)) {
			a.keysInBitRpt--
			a.bitRptChanged = true
		}
	}
}

func (a *App) sleepKey(bit uint8, down bool) {
	mask := uint8(1) << bit
	if down {
		if a.sleepRpt&mask == 0 {
			a.sleepRpt |= mask
			a.sleepRptChanged = true
		}
	} else {
		if a.sleepRpt&mask != 0 {
			a.sleepRpt &^= mask
			a.sleepRptChanged = true
		}
	}
}

// funcLockKey toggles the function lock. Events are dropped during error
// recovery and in boot protocol, where the lock has no effect.
func (a *App) funcLockKey(down bool) {
	if a.recoveryInProgress > 0 || a.protocol == ProtocolBoot {
		return
	}
	if down {
		if a.funcLockDown {
			return
		}
		a.funcLockDown = true
		a.toggleFuncLock()
		a.funcLockToggleOnUp = false
	} else {
		if !a.funcLockDown {
			return
		}
		a.funcLockDown = false
		// A dependent key pressed while the lock key was held undoes
		// the toggle on release.
		if a.funcLockToggleOnUp {
			a.toggleFuncLock()
		}
	}
}

func (a *App) toggleFuncLock() {
	a.funcLockOn = !a.funcLockOn
	a.funcLockRptChanged = true
	if a.store != nil {
		if err := a.store.SaveFuncLock(a.funcLockOn); err != nil {
			a.log.Warn("Failed to persist function lock state", zap.Error(err))
		}
	}
}

// funcLockDepKey handles keys whose translation depends on the function
// lock. The down event goes to one translation, the up event to both, since
// the lock may have flipped while the key was held.
func (a *App) funcLockDepKey(kc KeyConfig, down bool) {
	if down {
		if a.funcLockOn || a.protocol == ProtocolBoot {
			a.stdKeyDown(kc.DepStdCode)
		} else {
			a.bitMappedKey(kc.DepBitCode, true)
		}
		a.funcLockToggleOnUp = true
		return
	}
	a.stdKeyUp(kc.DepStdCode)
	a.bitMappedKey(kc.DepBitCode, false)
}
