package agent

import (
	"github.com/hidcore/dualkb-agent/internal/hidlink"
	"github.com/hidcore/dualkb-agent/internal/hidlink/uhidlink"
	"github.com/hidcore/dualkb-agent/internal/kbcore"
)

// Config points to the data directory and the user-driven configuration
// files. Live reload only applies to the keymap file; settings changes
// require a restart.
type Config struct {
	DataDir        string `json:"dataDir"`
	SettingsConfig string `json:"settingsConfig"`
	KeymapConfig   string `json:"keymapConfig"`
}

// Settings is the content of settings.yml.
type Settings struct {
	// Transport selects the HID wire: "uhid" or "loopback".
	Transport string          `json:"transport"`
	Core      kbcore.Config   `json:"core"`
	Link      hidlink.Config  `json:"link"`
	Uhid      uhidlink.Config `json:"uhid"`
}

func DefaultSettings() Settings {
	return Settings{
		Transport: "uhid",
		Core:      kbcore.DefaultConfig(),
		Link:      hidlink.DefaultConfig(),
		Uhid:      uhidlink.DefaultConfig(),
	}
}

// DefaultKeymap is written to the keymap file on first start. The layout is
// a small function row keyboard: digits, modifiers, media keys behind the
// function lock and a pairing button on the last scan code.
const DefaultKeymap = `connectButton: 15
keys:
  - std(N1)
  - std(N2)
  - std(N3)
  - std(N4)
  - std(N5)
  - std(Enter)
  - std(Backspace)
  - std(Escape)
  - mod(LeftShift)
  - mod(LeftCtrl)
  - bitmap(0, 0)
  - bitmap(0, 1)
  - sleep(0)
  - funcLock()
  - funcLockDep(F1, 1, 0)
  - none()
`
