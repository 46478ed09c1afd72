package core

import (
	"testing"
)

// doutScript plays one acquisition on a data line: ready on the first
// read, then the 24 sample bits MSB first, then released high.
func doutScript(raw uint32) func() bool {
	n := 0
	return func() bool {
		n++
		switch {
		case n == 1:
			return false
		case n <= 25:
			return raw>>(23-uint(n-2))&1 == 1
		default:
			return true
		}
	}
}

// scriptDoutPins installs a per-pin read hook on the mock driver.
func scriptDoutPins(gpio *mockGPIO, scripts map[GPIOPin]func() bool) {
	gpio.readHook = func(pin GPIOPin) bool {
		if s, ok := scripts[pin]; ok {
			return s()
		}
		return gpio.levels[pin]
	}
}

func setupHX71x(t *testing.T, chipCount, gainChannel uint32) *HX71xSensor {
	t.Helper()
	// pin pairs: dout 2/4/6/8, sclk 3/5/7/9
	callHandler(t, handleConfigHX71x, 0, chipCount, gainChannel, 0,
		2, 3, 4, 5, 6, 7, 8, 9)
	s, ok := hx71xSensors[0]
	if !ok {
		t.Fatal("sensor not configured")
	}
	return s
}

func fireHX71xTimer(s *HX71xSensor) {
	SetTime(s.Timer.WakeTime)
	ProcessTimers()
}

func TestHX71xConfigValidation(t *testing.T) {
	resetTestState()
	callHandler(t, handleConfigHX71x, 0, 5, 1, 0, 2, 3, 4, 5, 6, 7, 8, 9)
	if ShutdownReason() != "HX71x only supports 1 to 4 sensors" {
		t.Errorf("chip_count=5 reason = %q", ShutdownReason())
	}

	resetTestState()
	callHandler(t, handleConfigHX71x, 0, 2, 5, 0, 2, 3, 4, 5, 6, 7, 8, 9)
	if ShutdownReason() != "HX71x gain/channel out of range 1-4" {
		t.Errorf("gain_channel=5 reason = %q", ShutdownReason())
	}
}

func TestHX71xConfigSyncPulse(t *testing.T) {
	gpio, _ := resetTestState()
	s := setupHX71x(t, 2, 1)

	if gpio.modes[s.Dout[0]] != "input_pullup" || gpio.modes[s.Dout[1]] != "input_pullup" {
		t.Error("dout pins not configured with pull-ups")
	}
	if gpio.modes[s.Sclk[0]] != "output" {
		t.Error("sclk pin not configured as output")
	}

	// the power-down pulse drives every clock high then low again
	var sawHigh, sawLow bool
	for _, w := range gpio.setCalls {
		if w.pin == s.Sclk[1] {
			if w.value {
				sawHigh = true
			} else if sawHigh {
				sawLow = true
			}
		}
	}
	if !sawHigh || !sawLow {
		t.Error("no restart pulse on secondary clock at configure time")
	}
}

func TestHX71xPartialReady(t *testing.T) {
	gpio, _ := resetTestState()
	s := setupHX71x(t, 3, 1)

	endstop := &recordingEndstop{}
	s.Endstop = endstop

	callHandler(t, handleQueryHX71x, 0, 1000)
	s.Values[1] = 42 // pretend a previous cycle captured chip 1

	// chips 0 and 2 have conversions waiting; chip 1 is mid-conversion
	scriptDoutPins(gpio, map[GPIOPin]func() bool{
		2: doutScript(42),
		4: func() bool { return true },
		6: doutScript(0xFFFFF9), // -7
	})

	writeMark := len(gpio.setCalls)
	fireHX71xTimer(s)
	startTime := GetTime()
	HX71xCaptureTask()

	if IsShutdown() {
		t.Fatalf("unexpected shutdown: %s", ShutdownReason())
	}
	// the busy chip's clock must stay untouched
	if n := gpio.wroteAfter(writeMark, s.Sclk[1]); n != 0 {
		t.Errorf("pulsed busy chip's clock %d times", n)
	}
	if n := gpio.wroteAfter(writeMark, s.Sclk[0]); n == 0 {
		t.Error("ready chip's clock never pulsed")
	}

	if s.Values[0] != 42 || s.Values[1] != 42 || s.Values[2] != -7 {
		t.Fatalf("values = %v", s.Values[:3])
	}

	// one aligned block: fresh chip 0, cached chip 1, fresh chip 2
	if s.Buffer.Count != 12 {
		t.Fatalf("buffer count = %d, want 12", s.Buffer.Count)
	}
	want := []byte{
		42, 0, 0, 0,
		42, 0, 0, 0,
		0xF9, 0xFF, 0xFF, 0xFF,
	}
	for i, b := range want {
		if s.Buffer.Data[i] != b {
			t.Errorf("buffer[%d] = %#x, want %#x", i, s.Buffer.Data[i], b)
		}
	}

	if len(endstop.samples) != 1 || endstop.samples[0] != 77 {
		t.Fatalf("endstop sum = %v, want [77]", endstop.samples)
	}
	if endstop.ticks[0] != startTime {
		t.Errorf("endstop timestamp = %d, want %d", endstop.ticks[0], startTime)
	}
	if !timerIsScheduled(&s.Timer) {
		t.Error("timer not rearmed")
	}
}

func TestHX71xAllBusyDefers(t *testing.T) {
	gpio, _ := resetTestState()
	s := setupHX71x(t, 2, 1)
	callHandler(t, handleQueryHX71x, 0, 1000)

	gpio.levels[2] = true
	gpio.levels[4] = true

	writeMark := len(gpio.setCalls)
	fireHX71xTimer(s)
	HX71xCaptureTask()

	if n := gpio.wroteAfter(writeMark, s.Sclk[0]); n != 0 {
		t.Error("clock pulsed with no chip ready")
	}
	if s.Buffer.Count != 0 {
		t.Error("buffer grew on a deferred cycle")
	}
	if !timerIsScheduled(&s.Timer) {
		t.Fatal("timer not rearmed after defer")
	}
	if s.Timer.WakeTime != GetTime()+1000 {
		t.Errorf("timer rearmed for %d, want %d", s.Timer.WakeTime, GetTime()+1000)
	}
}

func TestHX71xStuckDoutWarnsAndDefers(t *testing.T) {
	gpio, _ := resetTestState()
	s := setupHX71x(t, 1, 1)
	callHandler(t, handleQueryHX71x, 0, 1000)

	// the line never rises: ready poll, all data bits and the post-read
	// check all see it low
	gpio.levels[2] = false

	fireHX71xTimer(s)
	HX71xCaptureTask()

	if IsShutdown() {
		t.Fatalf("stuck dout must not shut down: %s", ShutdownReason())
	}
	if s.Buffer.Count != 0 {
		t.Error("stuck-line cycle must not be buffered")
	}
	if s.Values[0] != 0 {
		t.Errorf("stuck-line cycle updated values: %d", s.Values[0])
	}
	if !timerIsScheduled(&s.Timer) {
		t.Error("timer not rearmed after stuck-line warn")
	}
}

func TestHX71xDeadlineMiss(t *testing.T) {
	gpio, _ := resetTestState()
	s := setupHX71x(t, 1, 1)

	// 25 clock pulses cost roughly 100 ticks of simulated time, far past
	// this sample period
	callHandler(t, handleQueryHX71x, 0, 50)
	scriptDoutPins(gpio, map[GPIOPin]func() bool{2: doutScript(0)})

	fireHX71xTimer(s)
	HX71xCaptureTask()

	if !IsShutdown() {
		t.Fatal("expected timing shutdown")
	}
	if ShutdownReason() != "HX71x read took too long" {
		t.Errorf("reason = %q", ShutdownReason())
	}
	if timerIsScheduled(&s.Timer) {
		t.Error("timer still armed after fatal shutdown")
	}
	if s.Buffer.Count != 0 {
		t.Error("late cycle must not be buffered")
	}
}

func TestHX71xQueryZeroStops(t *testing.T) {
	_, _ = resetTestState()
	s := setupHX71x(t, 2, 1)
	callHandler(t, handleQueryHX71x, 0, 1000)
	s.Values[0] = 99
	s.Buffer.Append(1, 2, 3, 4)

	callHandler(t, handleQueryHX71x, 0, 0)

	if timerIsScheduled(&s.Timer) {
		t.Fatal("timer still armed after stop")
	}
	if s.State != sensorIdle {
		t.Errorf("state = %d, want idle", s.State)
	}
	if s.Values[0] != 0 {
		t.Error("cached values survive a stop")
	}
	// the partial buffer is kept for a later flush
	if s.Buffer.Count != 4 {
		t.Errorf("stop cleared the partial buffer: %d bytes", s.Buffer.Count)
	}
}

func TestHX71xFlushBoundary(t *testing.T) {
	gpio, _ := resetTestState()
	s := setupHX71x(t, 2, 1)
	callHandler(t, handleQueryHX71x, 0, 100000)

	// 8 byte blocks: six fit in the 52 byte buffer with 4 bytes spare,
	// the seventh forces a flush first
	for i := 0; i < 6; i++ {
		scriptDoutPins(gpio, map[GPIOPin]func() bool{
			2: doutScript(1),
			4: doutScript(2),
		})
		fireHX71xTimer(s)
		HX71xCaptureTask()
	}
	if s.Buffer.Count != 48 || s.Buffer.Sequence != 0 {
		t.Fatalf("count=%d sequence=%d, want 48/0", s.Buffer.Count, s.Buffer.Sequence)
	}

	scriptDoutPins(gpio, map[GPIOPin]func() bool{
		2: doutScript(1),
		4: doutScript(2),
	})
	fireHX71xTimer(s)
	HX71xCaptureTask()

	if s.Buffer.Sequence != 1 {
		t.Errorf("sequence = %d, want 1 after flush", s.Buffer.Sequence)
	}
	if s.Buffer.Count != 8 {
		t.Errorf("count = %d, want 8 after flush+append", s.Buffer.Count)
	}
}
