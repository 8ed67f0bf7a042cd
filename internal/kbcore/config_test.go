package kbcore

import (
	"testing"

	"github.com/hidcore/dualkb-agent/pkg/usages"
)

const sampleKeymap = `
connectButton: 5
keys:
  - std(A)
  - mod(LeftShift)
  - bitmap(2, 5)
  - sleep(3)
  - funcLock()
  - none()
  - funcLockDep(F1, 1, 0)
  - user(9)
`

func TestParseKeymap(t *testing.T) {
	keymap, err := ParseKeymap([]byte(sampleKeymap))
	if err != nil {
		t.Fatal(err)
	}
	if len(keymap.Keys) != 8 {
		t.Fatalf("got %d keys, want 8", len(keymap.Keys))
	}
	tests := []struct {
		scanCode uint8
		want     KeyConfig
	}{
		{0, KeyConfig{Type: KeyTypeStd, Code: usages.KeyA}},
		{1, KeyConfig{Type: KeyTypeModifier, Code: usages.ModLeftShift}},
		{2, KeyConfig{Type: KeyTypeBitMapped, Code: PackRowCol(2, 5)}},
		{3, KeyConfig{Type: KeyTypeSleep, Code: 3}},
		{4, KeyConfig{Type: KeyTypeFuncLock}},
		{5, KeyConfig{Type: KeyTypeNone}},
		{6, KeyConfig{Type: KeyTypeFuncLockDep, DepStdCode: usages.KeyF1, DepBitCode: PackRowCol(1, 0)}},
		{7, KeyConfig{Type: KeyTypeUserDefined, Code: 9}},
	}
	for _, tt := range tests {
		kc, ok := keymap.Lookup(tt.scanCode)
		if !ok {
			t.Fatalf("scan code %d not found", tt.scanCode)
		}
		if kc != tt.want {
			t.Errorf("scan code %d = %+v, want %+v", tt.scanCode, kc, tt.want)
		}
	}
	if !keymap.IsConnectButton(5) || keymap.IsConnectButton(0) {
		t.Fatal("connect button binding wrong")
	}
}

func TestParseKeymapGhostLookup(t *testing.T) {
	keymap, err := ParseKeymap([]byte(sampleKeymap))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := keymap.Lookup(200); ok {
		t.Fatal("scan code beyond the keymap must not resolve")
	}
}

func TestParseKeymapErrors(t *testing.T) {
	bad := []string{
		"keys: []",
		"keys:\n  - bogus(A)",
		"keys:\n  - std(NotAKey)",
		"keys:\n  - mod(7)",
		"keys:\n  - bitmap(2, 9)",
		"keys:\n  - sleep(12)",
		"keys:\n  - std(A, B)",
		"keys:\n  - std(A",
	}
	for _, doc := range bad {
		if _, err := ParseKeymap([]byte(doc)); err == nil {
			t.Errorf("expected error for %q", doc)
		}
	}
}

func TestPackRowCol(t *testing.T) {
	if PackRowCol(2, 5) != 2<<3|5 {
		t.Fatalf("PackRowCol(2, 5) = %d", PackRowCol(2, 5))
	}
}
