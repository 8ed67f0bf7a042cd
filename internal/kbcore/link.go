package kbcore

import "github.com/hidcore/dualkb-agent/internal/keyscan"

// Transport identifies the wire a report leaves on. Classic links carry the
// report ID inside the payload, LE links carry it per characteristic.
type Transport uint8

const (
	TransportLE Transport = iota
	TransportClassic
)

func (t Transport) String() string {
	if t == TransportClassic {
		return "classic"
	}
	return "le"
}

// Protocol is the HID protocol mode negotiated by the host.
type Protocol uint8

const (
	ProtocolBoot   Protocol = 0
	ProtocolReport Protocol = 1
)

func (p Protocol) String() string {
	if p == ProtocolBoot {
		return "boot"
	}
	return "report"
}

// Link is the transport the keyboard core sends reports through. It is
// implemented by the hidlink service.
type Link interface {
	Transport() Transport
	Connected() bool
	// BufferUtilization returns the transmit buffer fill level in percent.
	BufferUtilization() int
	SendReport(reportID uint8, payload []byte) error

	// ActivityDetected pokes the link's idle/disconnect timers.
	ActivityDetected()
	Connect()
	Disconnect()
	VirtualCableUnplug()
	EnterPairing()

	SubmitPinCode(pin []byte)
	SubmitPassCode(code []byte)
}

// KeyMatrix delivers key transitions observed since the previous poll.
type KeyMatrix interface {
	PollKeys() []keyscan.KeyEvent
}

// ScrollSource delivers the raw scroll delta accumulated since the previous
// poll.
type ScrollSource interface {
	PollDelta() int16
}

// KeyscanHardware allows the core to reset the scanner as part of error
// recovery.
type KeyscanHardware interface {
	Reset()
}

// FuncLockStore persists the function lock toggle across restarts.
type FuncLockStore interface {
	SaveFuncLock(on bool) error
	// LoadFuncLock reports the stored state and whether one was found.
	LoadFuncLock() (on bool, found bool, err error)
}
