// Package keyscan provides the event queue and scroll accumulation between a
// key matrix source and the keyboard report core.
package keyscan

// EndOfScanCycle is the sentinel scan code that terminates a batch of key
// events produced by one pass over the key matrix.
const EndOfScanCycle uint8 = 0xFE

type EventType uint8

const (
	KeyStateChange EventType = iota
	MotionAxis
	QueueOverflow
	User
)

func (t EventType) String() string {
	switch t {
	case KeyStateChange:
		return "key"
	case MotionAxis:
		return "motion"
	case QueueOverflow:
		return "overflow"
	default:
		return "user"
	}
}

// KeyEvent is a single key transition reported by the scanner.
type KeyEvent struct {
	ScanCode uint8
	Down     bool
}

// Event is one entry of the scan event queue.
type Event struct {
	Type     EventType
	Key      KeyEvent
	Motion   int16
	PollSeqn uint32
}

// EndOfCycle returns the terminator event for a scan pass.
func EndOfCycle(seqn uint32) Event {
	return Event{Type: KeyStateChange, Key: KeyEvent{ScanCode: EndOfScanCycle}, PollSeqn: seqn}
}
