// Package usages holds the subset of the USB HID keyboard usage page used by
// the report pipeline: translation targets for standard keys, the rollover
// sentinel, and the keys the pin-entry mode needs to recognize.
package usages

import "fmt"

const (
	// ErrorRollOver is the phantom usage placed in every key slot of the
	// rollover report.
	ErrorRollOver uint8 = 0x01

	KeyA uint8 = 0x04
	KeyB uint8 = 0x05
	KeyC uint8 = 0x06
	KeyD uint8 = 0x07
	KeyE uint8 = 0x08
	KeyF uint8 = 0x09
	KeyG uint8 = 0x0A
	KeyH uint8 = 0x0B
	KeyI uint8 = 0x0C
	KeyJ uint8 = 0x0D
	KeyK uint8 = 0x0E
	KeyL uint8 = 0x0F
	KeyM uint8 = 0x10
	KeyN uint8 = 0x11
	KeyO uint8 = 0x12
	KeyP uint8 = 0x13
	KeyQ uint8 = 0x14
	KeyR uint8 = 0x15
	KeyS uint8 = 0x16
	KeyT uint8 = 0x17
	KeyU uint8 = 0x18
	KeyV uint8 = 0x19
	KeyW uint8 = 0x1A
	KeyX uint8 = 0x1B
	KeyY uint8 = 0x1C
	KeyZ uint8 = 0x1D

	Key1 uint8 = 0x1E
	Key2 uint8 = 0x1F
	Key3 uint8 = 0x20
	Key4 uint8 = 0x21
	Key5 uint8 = 0x22
	Key6 uint8 = 0x23
	Key7 uint8 = 0x24
	Key8 uint8 = 0x25
	Key9 uint8 = 0x26
	Key0 uint8 = 0x27

	KeyEnter     uint8 = 0x28
	KeyEscape    uint8 = 0x29
	KeyBackspace uint8 = 0x2A
	KeyTab       uint8 = 0x2B
	KeySpace     uint8 = 0x2C

	KeyF1  uint8 = 0x3A
	KeyF2  uint8 = 0x3B
	KeyF3  uint8 = 0x3C
	KeyF4  uint8 = 0x3D
	KeyF5  uint8 = 0x3E
	KeyF6  uint8 = 0x3F
	KeyF7  uint8 = 0x40
	KeyF8  uint8 = 0x41
	KeyF9  uint8 = 0x42
	KeyF10 uint8 = 0x43
	KeyF11 uint8 = 0x44
	KeyF12 uint8 = 0x45

	KeyDelete uint8 = 0x4C

	KeyKpEnter uint8 = 0x58
	KeyKp1     uint8 = 0x59
	KeyKp2     uint8 = 0x5A
	KeyKp3     uint8 = 0x5B
	KeyKp4     uint8 = 0x5C
	KeyKp5     uint8 = 0x5D
	KeyKp6     uint8 = 0x5E
	KeyKp7     uint8 = 0x5F
	KeyKp8     uint8 = 0x60
	KeyKp9     uint8 = 0x61
	KeyKp0     uint8 = 0x62

	KeyPower uint8 = 0x66
)

// Modifier bitmasks as laid out in byte 0 of the standard keyboard report.
const (
	ModLeftCtrl   uint8 = 0x01
	ModLeftShift  uint8 = 0x02
	ModLeftAlt    uint8 = 0x04
	ModLeftGUI    uint8 = 0x08
	ModRightCtrl  uint8 = 0x10
	ModRightShift uint8 = 0x20
	ModRightAlt   uint8 = 0x40
	ModRightGUI   uint8 = 0x80
)

var keyNameMap = map[string]uint8{
	"A": KeyA, "B": KeyB, "C": KeyC, "D": KeyD, "E": KeyE, "F": KeyF,
	"G": KeyG, "H": KeyH, "I": KeyI, "J": KeyJ, "K": KeyK, "L": KeyL,
	"M": KeyM, "N": KeyN, "O": KeyO, "P": KeyP, "Q": KeyQ, "R": KeyR,
	"S": KeyS, "T": KeyT, "U": KeyU, "V": KeyV, "W": KeyW, "X": KeyX,
	"Y": KeyY, "Z": KeyZ,

	"N1": Key1, "N2": Key2, "N3": Key3, "N4": Key4, "N5": Key5,
	"N6": Key6, "N7": Key7, "N8": Key8, "N9": Key9, "N0": Key0,

	"Enter": KeyEnter, "Escape": KeyEscape, "Backspace": KeyBackspace,
	"Tab": KeyTab, "Space": KeySpace, "Delete": KeyDelete,

	"F1": KeyF1, "F2": KeyF2, "F3": KeyF3, "F4": KeyF4, "F5": KeyF5,
	"F6": KeyF6, "F7": KeyF7, "F8": KeyF8, "F9": KeyF9, "F10": KeyF10,
	"F11": KeyF11, "F12": KeyF12,

	"KpEnter": KeyKpEnter,
	"Kp1":     KeyKp1, "Kp2": KeyKp2, "Kp3": KeyKp3, "Kp4": KeyKp4,
	"Kp5": KeyKp5, "Kp6": KeyKp6, "Kp7": KeyKp7, "Kp8": KeyKp8,
	"Kp9": KeyKp9, "Kp0": KeyKp0,

	"Power": KeyPower,
}

var modNameMap = map[string]uint8{
	"LeftCtrl":   ModLeftCtrl,
	"LeftShift":  ModLeftShift,
	"LeftAlt":    ModLeftAlt,
	"LeftGUI":    ModLeftGUI,
	"RightCtrl":  ModRightCtrl,
	"RightShift": ModRightShift,
	"RightAlt":   ModRightAlt,
	"RightGUI":   ModRightGUI,
}

var keyCodeNameMap = map[uint8]string{}

func init() {
	for name, code := range keyNameMap {
		keyCodeNameMap[code] = name
	}
}

// KeyCode resolves a key name into its usage code.
func KeyCode(name string) (uint8, bool) {
	code, ok := keyNameMap[name]
	return code, ok
}

// ModifierMask resolves a modifier name into its report bitmask.
func ModifierMask(name string) (uint8, bool) {
	mask, ok := modNameMap[name]
	return mask, ok
}

func KeyName(code uint8) string {
	name, ok := keyCodeNameMap[code]
	if !ok {
		return fmt.Sprintf("0x%02x", code)
	}
	return name
}

// DigitValue maps a usage code for 0-9 (keyboard row or keypad) to its numeric
// value. The second return is false for anything that is not a digit key.
func DigitValue(code uint8) (uint8, bool) {
	switch {
	case code == Key0 || code == KeyKp0:
		return 0, true
	case code >= Key1 && code <= Key9:
		return code - Key1 + 1, true
	case code >= KeyKp1 && code <= KeyKp9:
		return code - KeyKp1 + 1, true
	}
	return 0, false
}
