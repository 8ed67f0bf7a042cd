package kbcore

import "testing"

func TestPassCodeEntry(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	app.EnterPassCodeEntryMode()

	events := link.sentWithID(ReportIDPinEntry)
	if len(events) != 1 || events[0].payload[0] != pinEventStart {
		t.Fatalf("entry events = %v, want start", events)
	}

	matrix.batch(down(scanN1))
	app.poll()
	matrix.batch(up(scanN1), down(scanN2))
	app.poll()
	matrix.batch(up(scanN2), down(scanEnter))
	app.poll()
	matrix.batch(up(scanEnter))
	app.poll()

	if len(link.passes) != 1 || string(link.passes[0]) != "12" {
		t.Fatalf("passes = %q, want [\"12\"]", link.passes)
	}
	events = link.sentWithID(ReportIDPinEntry)
	want := []uint8{pinEventStart, pinEventChar, pinEventChar, pinEventStop}
	if len(events) != len(want) {
		t.Fatalf("got %d entry events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.payload[0] != want[i] {
			t.Fatalf("event %d = %d, want %d", i, ev.payload[0], want[i])
		}
	}
	if events[1].payload[1] != '1' || events[2].payload[1] != '2' {
		t.Fatal("char events should echo the typed digit")
	}

	// No standard reports leak out during entry.
	if len(link.sentWithID(ReportIDStd)) != 0 {
		t.Fatal("key reports must be suppressed during pin entry")
	}
}

func TestLegacyPinEntry(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	app.EnterPinCodeEntryMode()
	if len(link.sent) != 0 {
		t.Fatal("legacy pin entry has no progress report")
	}

	matrix.batch(down(scanN1))
	app.poll()
	matrix.batch(up(scanN1), down(scanN2))
	app.poll()
	// Backspace erases the 2, then type 3 and confirm.
	matrix.batch(up(scanN2), down(scanBackspace))
	app.poll()
	matrix.batch(up(scanBackspace), down(scanN3))
	app.poll()
	matrix.batch(up(scanN3), down(scanEnter))
	app.poll()
	matrix.batch(up(scanEnter))
	app.poll()

	if len(link.pins) != 1 || string(link.pins[0]) != "13" {
		t.Fatalf("pins = %q, want [\"13\"]", link.pins)
	}
	if len(link.sentWithID(ReportIDPinEntry)) != 0 {
		t.Fatal("legacy pin entry must not send entry reports")
	}
}

func TestPinEntryEscapeRestarts(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	app.EnterPassCodeEntryMode()

	matrix.batch(down(scanN1))
	app.poll()
	matrix.batch(up(scanN1), down(scanEscape))
	app.poll()
	matrix.batch(up(scanEscape), down(scanN2))
	app.poll()
	matrix.batch(up(scanN2), down(scanEnter))
	app.poll()
	matrix.batch(up(scanEnter))
	app.poll()

	if len(link.passes) != 1 || string(link.passes[0]) != "2" {
		t.Fatalf("passes = %q, want [\"2\"]", link.passes)
	}
	var sawRestart bool
	for _, ev := range link.sentWithID(ReportIDPinEntry) {
		if ev.payload[0] == pinEventRestart {
			sawRestart = true
		}
	}
	if !sawRestart {
		t.Fatal("escape should produce a restart event")
	}
}

func TestPinEntryMaxLength(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	app.cfg.MaxPinSize = 2
	app.EnterPinCodeEntryMode()

	for i := 0; i < 4; i++ {
		matrix.batch(down(scanN1))
		app.poll()
		matrix.batch(up(scanN1))
		app.poll()
	}
	matrix.batch(down(scanEnter))
	app.poll()
	matrix.batch(up(scanEnter))
	app.poll()

	if len(link.pins) != 1 || string(link.pins[0]) != "11" {
		t.Fatalf("pins = %q, want buffer capped at two digits", link.pins)
	}
}

func TestPinEntryBackspaceOnEmptyBuffer(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	app.EnterPassCodeEntryMode()

	matrix.batch(down(scanBackspace))
	app.poll()
	matrix.batch(up(scanBackspace))
	app.poll()

	// Nothing was erased, so the host sees the start event only.
	events := link.sentWithID(ReportIDPinEntry)
	if len(events) != 1 || events[0].payload[0] != pinEventStart {
		t.Fatalf("entry events = %v, want start only", events)
	}

	// With a digit buffered the erase is reported.
	matrix.batch(down(scanN1))
	app.poll()
	matrix.batch(up(scanN1), down(scanBackspace))
	app.poll()
	events = link.sentWithID(ReportIDPinEntry)
	if len(events) != 3 || events[2].payload[0] != pinEventBackspace {
		t.Fatalf("entry events = %v, want char then backspace", events)
	}
}

func TestPinEntryIgnoresNonStdKeys(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	app.EnterPinCodeEntryMode()

	matrix.batch(down(scanShift), down(scanBitMapped), down(scanN1))
	app.poll()
	matrix.batch(up(scanShift), up(scanBitMapped), up(scanN1), down(scanEnter))
	app.poll()
	matrix.batch(up(scanEnter))
	app.poll()

	if len(link.pins) != 1 || string(link.pins[0]) != "1" {
		t.Fatalf("pins = %q, want [\"1\"]", link.pins)
	}
}

func TestPinEntryWhileActiveDisconnects(t *testing.T) {
	app, link, _, _ := newTestApp(t)
	app.EnterPinCodeEntryMode()
	app.EnterPassCodeEntryMode()
	if link.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", link.disconnects)
	}
}

func TestExitPinEntryRestoresReporting(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	app.EnterPinCodeEntryMode()
	app.ExitPinAndPassCodeEntryMode()

	matrix.batch(down(scanN1))
	app.poll()
	if len(link.sentWithID(ReportIDStd)) != 1 {
		t.Fatal("key reporting should resume after leaving pin entry")
	}
}

func TestLatchedEnterSuppressesFurtherDigits(t *testing.T) {
	app, link, matrix, _ := newTestApp(t)
	app.EnterPinCodeEntryMode()

	matrix.batch(down(scanN1))
	app.poll()
	// Enter goes down, another digit is typed before enter is released.
	// The digit must not make it into the code.
	matrix.batch(up(scanN1), down(scanEnter))
	app.poll()
	matrix.batch(down(scanN2))
	app.poll()
	matrix.batch(up(scanN2), up(scanEnter))
	app.poll()

	if len(link.pins) != 1 || string(link.pins[0]) != "1" {
		t.Fatalf("pins = %q, want [\"1\"]", link.pins)
	}
}
