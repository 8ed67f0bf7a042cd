package keyscan

import "sync"

// InjectMatrix is a key matrix fed by software. Transitions injected between
// polls are handed out in order on the next poll.
type InjectMatrix struct {
	mu      sync.Mutex
	pending []KeyEvent
}

func NewInjectMatrix() *InjectMatrix {
	return &InjectMatrix{}
}

func (m *InjectMatrix) Inject(events ...KeyEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, events...)
}

// PollKeys drains the injected transitions.
func (m *InjectMatrix) PollKeys() []KeyEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	out := m.pending
	m.pending = nil
	return out
}

// InjectWheel is a scroll source fed by software.
type InjectWheel struct {
	mu    sync.Mutex
	delta int16
}

func NewInjectWheel() *InjectWheel {
	return &InjectWheel{}
}

func (w *InjectWheel) Add(delta int16) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.delta += delta
}

// PollDelta drains the accumulated delta.
func (w *InjectWheel) PollDelta() int16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := w.delta
	w.delta = 0
	return d
}
