package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/hidcore/dualkb-agent/internal/configsvc"
	"github.com/hidcore/dualkb-agent/internal/hidlink"
	"github.com/hidcore/dualkb-agent/internal/hidlink/uhidlink"
	"github.com/hidcore/dualkb-agent/internal/kbcore"
	"github.com/hidcore/dualkb-agent/internal/keyscan"
	"github.com/hidcore/dualkb-agent/internal/retained"
)

// Agent wires the keyboard core, its transport and the configuration
// services together.
type Agent struct {
	config Config
	log    *zap.Logger

	db        *retained.DB
	configSvc *configsvc.Service
	events    *hidlink.EventBus
	matrix    *keyscan.InjectMatrix
	wheel     *keyscan.InjectWheel

	mu   sync.Mutex
	app  *kbcore.App
	link *hidlink.Service
}

func NewAgent(config Config) (*Agent, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	db, err := retained.Open(logger, filepath.Join(config.DataDir, "db"))
	if err != nil {
		return nil, err
	}

	return &Agent{
		config:    config,
		log:       logger,
		db:        db,
		configSvc: configsvc.New(logger.Named("config")),
		events:    hidlink.NewEventBus(logger.Named("events")),
		matrix:    keyscan.NewInjectMatrix(),
		wheel:     keyscan.NewInjectWheel(),
	}, nil
}

func (a *Agent) Close() error {
	return a.db.Close()
}

// Run starts the agent and blocks until the context is cancelled. Startup
// fails on invalid configuration; configuration that turns invalid later is
// logged and the last valid one stays in effect.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.writeDefaultConfigs(); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return a.events.Start(groupCtx)
	})
	group.Go(func() error {
		<-a.configSvc.Ready()
		return a.runKeyboard(groupCtx)
	})

	err := group.Wait()
	if err != nil {
		return fmt.Errorf("agent failed: %w", err)
	}
	return nil
}

func (a *Agent) writeDefaultConfigs() error {
	if err := configsvc.WriteDefault(a.config.SettingsConfig, DefaultSettings()); err != nil {
		return fmt.Errorf("failed to write default settings: %w", err)
	}
	if _, err := os.Stat(a.config.KeymapConfig); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(a.config.KeymapConfig), 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := os.WriteFile(a.config.KeymapConfig, []byte(DefaultKeymap), 0644); err != nil {
			return fmt.Errorf("failed to write default keymap: %w", err)
		}
	}
	return nil
}

func (a *Agent) runKeyboard(ctx context.Context) error {
	settings, err := configsvc.Register(a.configSvc, a.config.SettingsConfig, DefaultSettings(), func(s Settings, err error) {
		if err != nil {
			a.log.Error("Settings file is invalid", zap.Error(err))
			return
		}
		a.log.Warn("Settings changed, restart to apply")
	})
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	keymapData, err := a.configSvc.RegisterRaw(a.config.KeymapConfig, a.onKeymapChange)
	if err != nil {
		return fmt.Errorf("failed to load keymap: %w", err)
	}
	keymap, err := kbcore.ParseKeymap(keymapData)
	if err != nil {
		return fmt.Errorf("failed to parse keymap: %w", err)
	}

	transport, err := a.buildTransport(settings)
	if err != nil {
		return err
	}

	link := hidlink.New(a.log.Named("hidlink"), settings.Link, transport, a.db, a.events)
	app := kbcore.New(a.log.Named("kbcore"), settings.Core, keymap, link, a.matrix, a.wheel,
		kbcore.WithFuncLockStore(a.db))
	link.SetHandler(app)

	a.mu.Lock()
	a.app = app
	a.link = link
	a.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return link.Start(groupCtx)
	})
	group.Go(func() error {
		<-link.Ready()
		return app.Run(groupCtx)
	})
	return group.Wait()
}

func (a *Agent) buildTransport(settings Settings) (hidlink.Transport, error) {
	switch settings.Transport {
	case "uhid":
		return uhidlink.New(a.log.Named("uhid"), settings.Uhid), nil
	case "loopback":
		return hidlink.NewLoopback(kbcore.TransportClassic), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", settings.Transport)
	}
}

func (a *Agent) onKeymapChange(data []byte, err error) {
	if err != nil {
		a.log.Error("Failed to read keymap file", zap.Error(err))
		return
	}
	keymap, err := kbcore.ParseKeymap(data)
	if err != nil {
		a.log.Error("Keymap file is invalid", zap.Error(err))
		return
	}
	a.mu.Lock()
	app := a.app
	a.mu.Unlock()
	if app == nil {
		return
	}
	app.SetKeymap(keymap)
	a.log.Info("Keymap reloaded")
}

// App returns the keyboard core, or nil before Run has wired it.
func (a *Agent) App() *kbcore.App {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.app
}

// Link returns the link service, or nil before Run has wired it.
func (a *Agent) Link() *hidlink.Service {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link
}

// Retained returns the persistent state store.
func (a *Agent) Retained() *retained.DB {
	return a.db
}

// InjectKeys feeds key transitions into the matrix, as if scanned from
// hardware.
func (a *Agent) InjectKeys(events ...keyscan.KeyEvent) {
	a.matrix.Inject(events...)
}

// InjectScroll feeds raw scroll motion.
func (a *Agent) InjectScroll(delta int16) {
	a.wheel.Add(delta)
}
