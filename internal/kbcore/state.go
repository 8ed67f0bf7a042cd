package kbcore

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/hidcore/dualkb-agent/internal/keyscan"
	"github.com/hidcore/dualkb-agent/pkg/bits"
)

// App is the keyboard application core. It folds key matrix and scroll
// activity into an event queue once per poll and turns queued events into
// HID reports when the link can take them.
//
// All state is owned by the poll loop. External entry points (protocol and
// report requests from the transport, pin entry mode switches) take the
// mutex.
type App struct {
	log    *zap.Logger
	cfg    Config
	link   Link
	matrix KeyMatrix
	wheel  ScrollSource
	hw     KeyscanHardware
	store  FuncLockStore
	now    func() time.Time

	mu     sync.Mutex
	keymap *Keymap
	queue  *keyscan.Queue
	scroll keyscan.ScrollAccumulator

	protocol Protocol
	idleRate time.Duration

	stdModifiers    uint8
	stdKeys         []uint8
	keysInStdRpt    int
	modKeysInStdRpt int
	stdRptChanged   bool
	stdRptTxInstant time.Time

	bitRpt        bits.Bits
	keysInBitRpt  int
	bitRptChanged bool

	sleepRpt        uint8
	sleepRptChanged bool

	funcLockDown       bool
	funcLockOn         bool
	funcLockToggleOnUp bool
	funcLockRptChanged bool

	scrollRpt        int16
	scrollRptChanged bool

	ledState     uint8
	batteryLevel uint8

	recoveryInProgress int

	connectButtonDown bool

	pin pinEntryState

	userHandler func(eventCode uint8, down bool)

	pollSeqn    uint32
	pollPending *atomic.Bool
	pollNow     chan struct{}

	ready chan struct{}
}

type Option func(*App)

// WithKeyscanHardware wires the scanner reset used during error recovery.
func WithKeyscanHardware(hw KeyscanHardware) Option {
	return func(a *App) { a.hw = hw }
}

// WithFuncLockStore wires persistence for the function lock toggle.
func WithFuncLockStore(store FuncLockStore) Option {
	return func(a *App) { a.store = store }
}

// WithUserEventHandler wires the handler for user defined keys.
func WithUserEventHandler(fn func(eventCode uint8, down bool)) Option {
	return func(a *App) { a.userHandler = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

func New(log *zap.Logger, cfg Config, keymap *Keymap, link Link, matrix KeyMatrix, wheel ScrollSource, opts ...Option) *App {
	app := &App{
		log:    log,
		cfg:    cfg,
		link:   link,
		matrix: matrix,
		wheel:  wheel,
		now:    time.Now,

		keymap:   keymap,
		queue:    keyscan.NewQueue(cfg.EventQueueSize),
		protocol: ProtocolReport,

		stdKeys: make([]uint8, cfg.MaxKeysInStdReport),
		bitRpt:  bits.New(cfg.NumBitMappedKeys),

		pollPending: atomic.NewBool(false),
		pollNow:     make(chan struct{}, 1),
		ready:       make(chan struct{}),
	}
	app.scroll = keyscan.ScrollAccumulator{
		Negate:        cfg.ScrollNegate,
		Scale:         cfg.ScrollScale,
		KeepFracPolls: cfg.PollsToKeepFracScrollData,
	}
	for _, opt := range opts {
		opt(app)
	}
	app.restoreFuncLock()
	return app
}

func (a *App) restoreFuncLock() {
	if a.store == nil {
		return
	}
	on, found, err := a.store.LoadFuncLock()
	if err != nil {
		a.log.Warn("Failed to restore function lock state", zap.Error(err))
		return
	}
	if found {
		a.funcLockOn = on
	}
}

// SetKeymap replaces the key translation table, used on keymap file reload.
// In-flight events and reports are flushed so stale translations never make
// it to the host.
func (a *App) SetKeymap(keymap *Keymap) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keymap = keymap
	a.flushUserInput()
}

// FuncLockOn reports the function lock toggle state.
func (a *App) FuncLockOn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.funcLockOn
}

// CapsLockLEDOn reports the caps lock LED state last written by the host.
func (a *App) CapsLockLEDOn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledState&LEDCapsLock != 0
}
