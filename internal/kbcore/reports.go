package kbcore

import "github.com/hidcore/dualkb-agent/pkg/usages"

// Report IDs on both transports. The LED report shares the standard report
// ID because it is the output direction of the same report.
const (
	ReportIDStd       uint8 = 1
	ReportIDBitMapped uint8 = 2
	ReportIDBattery   uint8 = 3
	ReportIDSleep     uint8 = 4
	ReportIDFuncLock  uint8 = 5
	ReportIDScroll    uint8 = 6
	ReportIDLED       uint8 = 1
	ReportIDPinEntry  uint8 = 0xFF
)

// LED output report bits.
const (
	LEDNumLock    uint8 = 0x01
	LEDCapsLock   uint8 = 0x02
	LEDScrollLock uint8 = 0x04
)

// funcLockEventFlag is always set in the func lock report status byte, the
// host distinguishes a report carrying an event from an idle poll by it.
const funcLockEventFlag uint8 = 0x02

// Scroll pulses on LE links are sent as consumer volume keys.
const (
	scrollLEVolumeUp   uint8 = 0x01
	scrollLEVolumeDown uint8 = 0x02
)

// stdReportPayload renders the standard keyboard report without the report
// ID: modifier byte, reserved byte, then the key array.
func stdReportPayload(modifiers uint8, keys []uint8) []byte {
	payload := make([]byte, 2+len(keys))
	payload[0] = modifiers
	copy(payload[2:], keys)
	return payload
}

// rolloverReportPayload is the standard report sent when the core loses
// track of key state, every key slot carrying the roll over code.
func rolloverReportPayload(numKeys int) []byte {
	payload := make([]byte, 2+numKeys)
	for i := 2; i < len(payload); i++ {
		payload[i] = usages.ErrorRollOver
	}
	return payload
}
