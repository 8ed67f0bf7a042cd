package kbcore

import (
	"fmt"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/hidcore/dualkb-agent/internal/kbcore/keymapdsl"
	"github.com/hidcore/dualkb-agent/pkg/usages"
)

type KeyType uint8

const (
	KeyTypeNone KeyType = iota
	KeyTypeStd
	KeyTypeModifier
	KeyTypeBitMapped
	KeyTypeSleep
	KeyTypeFuncLock
	KeyTypeFuncLockDep
	KeyTypeUserDefined
)

// KeyConfig is the translation entry for one scan code.
type KeyConfig struct {
	Type KeyType
	// Code holds the usage for std keys, the modifier mask for modifier
	// keys, the packed row/column for bit mapped keys, the bit index for
	// sleep keys and the event code for user defined keys.
	Code uint8
	// DepStdCode and DepBitCode are the two translations of a function
	// lock dependent key.
	DepStdCode uint8
	DepBitCode uint8
}

// PackRowCol packs a bit mapped report position into a single byte, three
// bits of column and five bits of row.
func PackRowCol(row, col uint8) uint8 {
	return row<<3 | col&7
}

// Keymap translates scan codes into key configurations.
type Keymap struct {
	Keys          []KeyConfig
	ConnectButton *uint8
}

// Lookup returns the configuration for a scan code. Scan codes beyond the
// keymap are ghosts and report false.
func (m *Keymap) Lookup(scanCode uint8) (KeyConfig, bool) {
	if int(scanCode) >= len(m.Keys) {
		return KeyConfig{}, false
	}
	return m.Keys[scanCode], true
}

// IsConnectButton reports whether the scan code is bound to the connect
// button.
func (m *Keymap) IsConnectButton(scanCode uint8) bool {
	return m.ConnectButton != nil && *m.ConnectButton == scanCode
}

type keymapFile struct {
	Keys          []string `yaml:"keys"`
	ConnectButton *uint8   `yaml:"connectButton"`
}

// ParseKeymap parses the keymap YAML file. Each entry of keys is a binding
// expression, indexed by scan code.
func ParseKeymap(data []byte) (*Keymap, error) {
	var file keymapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse keymap: %w", err)
	}
	if len(file.Keys) == 0 {
		return nil, fmt.Errorf("keymap has no keys")
	}
	keymap := &Keymap{
		Keys:          make([]KeyConfig, len(file.Keys)),
		ConnectButton: file.ConnectButton,
	}
	for i, binding := range file.Keys {
		kc, err := parseBinding(binding)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		keymap.Keys[i] = kc
	}
	return keymap, nil
}

func parseBinding(binding string) (KeyConfig, error) {
	expr, err := keymapdsl.Parse(binding)
	if err != nil {
		return KeyConfig{}, err
	}
	switch expr.Func {
	case "std":
		if err := expr.WantArgs(1); err != nil {
			return KeyConfig{}, err
		}
		name, err := expr.IdentArg(0)
		if err != nil {
			return KeyConfig{}, err
		}
		code, ok := usages.KeyCode(name)
		if !ok {
			return KeyConfig{}, fmt.Errorf("std: unknown key %q", name)
		}
		return KeyConfig{Type: KeyTypeStd, Code: code}, nil
	case "mod":
		if err := expr.WantArgs(1); err != nil {
			return KeyConfig{}, err
		}
		name, err := expr.IdentArg(0)
		if err != nil {
			return KeyConfig{}, err
		}
		mask, ok := usages.ModifierMask(name)
		if !ok {
			return KeyConfig{}, fmt.Errorf("mod: unknown modifier %q", name)
		}
		return KeyConfig{Type: KeyTypeModifier, Code: mask}, nil
	case "bitmap":
		row, col, err := rowColArgs(expr)
		if err != nil {
			return KeyConfig{}, err
		}
		return KeyConfig{Type: KeyTypeBitMapped, Code: PackRowCol(row, col)}, nil
	case "sleep":
		if err := expr.WantArgs(1); err != nil {
			return KeyConfig{}, err
		}
		bit, err := expr.NumberArg(0)
		if err != nil {
			return KeyConfig{}, err
		}
		if bit < 0 || bit > 7 {
			return KeyConfig{}, fmt.Errorf("sleep: bit %d out of range", bit)
		}
		return KeyConfig{Type: KeyTypeSleep, Code: uint8(bit)}, nil
	case "funcLock":
		if err := expr.WantArgs(0); err != nil {
			return KeyConfig{}, err
		}
		return KeyConfig{Type: KeyTypeFuncLock}, nil
	case "funcLockDep":
		if err := expr.WantArgs(3); err != nil {
			return KeyConfig{}, err
		}
		name, err := expr.IdentArg(0)
		if err != nil {
			return KeyConfig{}, err
		}
		code, ok := usages.KeyCode(name)
		if !ok {
			return KeyConfig{}, fmt.Errorf("funcLockDep: unknown key %q", name)
		}
		row, errRow := expr.NumberArg(1)
		col, errCol := expr.NumberArg(2)
		if errRow != nil || errCol != nil || row < 0 || row > 31 || col < 0 || col > 7 {
			return KeyConfig{}, fmt.Errorf("funcLockDep: invalid report position")
		}
		return KeyConfig{
			Type:       KeyTypeFuncLockDep,
			DepStdCode: code,
			DepBitCode: PackRowCol(uint8(row), uint8(col)),
		}, nil
	case "user":
		if err := expr.WantArgs(1); err != nil {
			return KeyConfig{}, err
		}
		event, err := expr.NumberArg(0)
		if err != nil {
			return KeyConfig{}, err
		}
		return KeyConfig{Type: KeyTypeUserDefined, Code: uint8(event)}, nil
	case "none":
		if err := expr.WantArgs(0); err != nil {
			return KeyConfig{}, err
		}
		return KeyConfig{Type: KeyTypeNone}, nil
	default:
		return KeyConfig{}, fmt.Errorf("unknown binding %q", expr.Func)
	}
}

func rowColArgs(expr *keymapdsl.Expr) (uint8, uint8, error) {
	if err := expr.WantArgs(2); err != nil {
		return 0, 0, err
	}
	row, err := expr.NumberArg(0)
	if err != nil {
		return 0, 0, err
	}
	col, err := expr.NumberArg(1)
	if err != nil {
		return 0, 0, err
	}
	if row < 0 || row > 31 || col < 0 || col > 7 {
		return 0, 0, fmt.Errorf("%s: position (%d, %d) out of range", expr.Func, row, col)
	}
	return uint8(row), uint8(col), nil
}

// Config carries the tunables of the keyboard core.
type Config struct {
	PollInterval       time.Duration `yaml:"pollInterval" json:"pollInterval"`
	EventQueueSize     int           `yaml:"eventQueueSize" json:"eventQueueSize"`
	MaxKeysInStdReport int           `yaml:"maxKeysInStdReport" json:"maxKeysInStdReport"`
	NumBitMappedKeys   int           `yaml:"numBitMappedKeys" json:"numBitMappedKeys"`
	RecoveryPollCount  int           `yaml:"recoveryPollCount" json:"recoveryPollCount"`

	ScrollNegate              bool  `yaml:"scrollNegate" json:"scrollNegate"`
	ScrollScale               uint8 `yaml:"scrollScale" json:"scrollScale"`
	ScrollCombining           bool  `yaml:"scrollCombining" json:"scrollCombining"`
	PollsToKeepFracScrollData uint8 `yaml:"pollsToKeepFracScrollData" json:"pollsToKeepFracScrollData"`

	MaxPinSize  int `yaml:"maxPinSize" json:"maxPinSize"`
	MaxPassSize int `yaml:"maxPassSize" json:"maxPassSize"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:              20 * time.Millisecond,
		EventQueueSize:            44,
		MaxKeysInStdReport:        6,
		NumBitMappedKeys:          16,
		RecoveryPollCount:         3,
		ScrollScale:               0,
		ScrollCombining:           true,
		PollsToKeepFracScrollData: 50,
		MaxPinSize:                16,
		MaxPassSize:               16,
	}
}
