package core

import (
	"testing"
)

func setupHX711(t *testing.T, gainChannel uint32) *HX71xSensor {
	t.Helper()
	callHandler(t, handleConfigHX711, 0, gainChannel, 2, 3)
	s, ok := hx711Sensors[0]
	if !ok {
		t.Fatal("sensor not configured")
	}
	return s
}

// hx711Script plays one single-chip acquisition: ready poll, 24 data
// bits, then the line state seen during the gain pulses.
func hx711Script(gpio *mockGPIO, raw uint32, duringGain bool) {
	n := 0
	gpio.readHook = func(pin GPIOPin) bool {
		if pin != 2 {
			return gpio.levels[pin]
		}
		n++
		switch {
		case n == 1:
			return false
		case n <= 25:
			return raw>>(23-uint(n-2))&1 == 1
		default:
			return duringGain
		}
	}
}

func TestHX711GainValidation(t *testing.T) {
	resetTestState()
	callHandler(t, handleConfigHX711, 0, 0, 2, 3)
	if ShutdownReason() != "HX711 gain/channel out of range 1-4" {
		t.Errorf("gain_channel=0 reason = %q", ShutdownReason())
	}

	resetTestState()
	callHandler(t, handleConfigHX711, 0, 5, 2, 3)
	if ShutdownReason() != "HX711 gain/channel out of range 1-4" {
		t.Errorf("gain_channel=5 reason = %q", ShutdownReason())
	}
}

func TestHX711NormalSample(t *testing.T) {
	gpio, _ := resetTestState()
	s := setupHX711(t, 1)

	endstop := &recordingEndstop{}
	s.Endstop = endstop

	callHandler(t, handleQueryHX711, 0, 1000)
	hx711Script(gpio, 12345, true)

	fireHX71xTimer(s)
	startTime := GetTime()
	HX711CaptureTask()

	if IsShutdown() {
		t.Fatalf("unexpected shutdown: %s", ShutdownReason())
	}
	if s.Values[0] != 12345 {
		t.Errorf("value = %d, want 12345", s.Values[0])
	}
	if s.Buffer.Count != 4 {
		t.Fatalf("buffer count = %d, want 4", s.Buffer.Count)
	}
	want := []byte{0x39, 0x30, 0x00, 0x00}
	for i, b := range want {
		if s.Buffer.Data[i] != b {
			t.Errorf("buffer[%d] = %#x, want %#x", i, s.Buffer.Data[i], b)
		}
	}
	if len(endstop.samples) != 1 || endstop.samples[0] != 12345 {
		t.Fatalf("endstop samples = %v", endstop.samples)
	}
	if endstop.ticks[0] != startTime {
		t.Errorf("endstop timestamp = %d, want %d", endstop.ticks[0], startTime)
	}
	if !timerIsScheduled(&s.Timer) {
		t.Error("timer not rearmed")
	}
}

func TestHX711NegativeSample(t *testing.T) {
	gpio, _ := resetTestState()
	s := setupHX711(t, 1)
	callHandler(t, handleQueryHX711, 0, 1000)
	hx711Script(gpio, 0xFFFFF9, true) // -7

	fireHX71xTimer(s)
	HX711CaptureTask()

	if s.Values[0] != -7 {
		t.Errorf("value = %d, want -7", s.Values[0])
	}
}

func TestHX711ReassertDuringGainPulses(t *testing.T) {
	gpio, _ := resetTestState()
	s := setupHX711(t, 3)
	callHandler(t, handleQueryHX711, 0, 1000)

	// data-ready falls again right after the read finishes, so the chip
	// and the firmware disagree about where the bit stream starts
	hx711Script(gpio, 12345, false)

	fireHX71xTimer(s)
	HX711CaptureTask()

	if !IsShutdown() {
		t.Fatal("expected shutdown")
	}
	if ShutdownReason() != "HX711 data ready reasserted during gain pulses" {
		t.Errorf("reason = %q", ShutdownReason())
	}
	if s.Buffer.Count != 0 {
		t.Error("glitched cycle must not be buffered")
	}
	if timerIsScheduled(&s.Timer) {
		t.Error("timer still armed after fatal shutdown")
	}
}

func TestHX711HalfPeriodDeadline(t *testing.T) {
	gpio, _ := resetTestState()
	s := setupHX711(t, 1)

	// a 25 pulse read costs about 100 simulated ticks; 150 rest ticks put
	// the half-period budget at 75
	callHandler(t, handleQueryHX711, 0, 150)
	hx711Script(gpio, 0, true)

	fireHX71xTimer(s)
	HX711CaptureTask()

	if !IsShutdown() {
		t.Fatal("expected timing shutdown")
	}
	if ShutdownReason() != "HX711 read took too long" {
		t.Errorf("reason = %q", ShutdownReason())
	}
	if timerIsScheduled(&s.Timer) {
		t.Error("timer still armed after fatal shutdown")
	}
}

func TestHX711SaturatedSampleIsFatal(t *testing.T) {
	gpio, _ := resetTestState()
	s := setupHX711(t, 1)
	callHandler(t, handleQueryHX711, 0, 1000)

	// 0x800000 decodes to -0x800000, past the converters' output range
	hx711Script(gpio, 0x800000, true)

	fireHX71xTimer(s)
	HX711CaptureTask()

	if !IsShutdown() {
		t.Fatal("expected shutdown")
	}
	if ShutdownReason() != "HX711 value out of 24 bit range" {
		t.Errorf("reason = %q", ShutdownReason())
	}
	if s.Buffer.Count != 0 {
		t.Error("saturated sample must not be buffered")
	}
}

func TestHX711StatusCountsPendingBytes(t *testing.T) {
	gpio, _ := resetTestState()
	s := setupHX711(t, 1)

	gpio.levels[2] = false
	if !hx71xDataReady(s) {
		t.Fatal("expected data ready with line low")
	}
	gpio.levels[2] = true
	if hx71xDataReady(s) {
		t.Fatal("expected not ready with line high")
	}

	s.Buffer.Append(1, 2, 3, 4)
	callHandler(t, handleQueryHX711Status, 0)
	if s.Buffer.Count != 4 {
		t.Errorf("status mutated the buffer: %d bytes", s.Buffer.Count)
	}
}
