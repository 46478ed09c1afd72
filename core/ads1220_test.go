package core

import (
	"testing"
)

const (
	testADS1220OID   = 0
	testSPIOID       = 1
	testDataReadyPin = GPIOPin(6)
)

// setupADS1220 configures a sensor through its command handlers and
// starts sampling at restTicks.
func setupADS1220(t *testing.T, restTicks uint32) *ADS1220Sensor {
	t.Helper()
	callHandler(t, handleConfigSPIWithoutCS, testSPIOID)
	callHandler(t, handleSPISetBus, testSPIOID, 0, 1, 512000)
	callHandler(t, handleConfigADS1220, testADS1220OID, testSPIOID, uint32(testDataReadyPin))
	if restTicks > 0 {
		callHandler(t, handleQueryADS1220, testADS1220OID, restTicks)
	}
	s, ok := ads1220Sensors[testADS1220OID]
	if !ok {
		t.Fatal("sensor not configured")
	}
	return s
}

// fireTimer advances time to the sensor's wake time and runs the
// scheduler so the capture task sees a pending instance.
func fireTimer(s *ADS1220Sensor) {
	SetTime(s.Timer.WakeTime)
	ProcessTimers()
}

func TestSignExtend24(t *testing.T) {
	cases := []struct {
		raw  uint32
		want int32
	}{
		{0x000000, 0},
		{0x000001, 1},
		{0x7FFFFF, 0x7FFFFF},
		{0x800000, -0x800000},
		{0xFFFFFF, -1},
		{0xFFFFFE, -2},
	}
	for _, c := range cases {
		if got := signExtend24(c.raw); got != c.want {
			t.Errorf("signExtend24(%#x) = %d, want %d", c.raw, got, c.want)
		}
	}

	// re-truncating the decoded value recovers the raw bits
	for _, raw := range []uint32{0, 1, 0x400000, 0x7FFFFF, 0x800000, 0xABCDEF, 0xFFFFFF} {
		got := uint32(signExtend24(raw)) & 0xFFFFFF
		if got != raw {
			t.Errorf("round trip of %#x gave %#x", raw, got)
		}
	}
}

func TestADS1220DeferWhenNotReady(t *testing.T) {
	gpio, _ := resetTestState()
	s := setupADS1220(t, 1600)

	endstop := &recordingEndstop{}
	s.Endstop = endstop

	// data-ready idles high (no conversion waiting)
	gpio.levels[testDataReadyPin] = true

	fireTimer(s)
	ADS1220CaptureTask()

	if s.Buffer.Count != 0 {
		t.Errorf("buffer grew on a deferred read: %d bytes", s.Buffer.Count)
	}
	if len(endstop.samples) != 0 {
		t.Error("endstop invoked on a deferred read")
	}
	if !timerIsScheduled(&s.Timer) {
		t.Fatal("timer not rearmed after defer")
	}
	if s.Timer.WakeTime != GetTime()+1600 {
		t.Errorf("timer rearmed for %d, want %d", s.Timer.WakeTime, GetTime()+1600)
	}
	if IsShutdown() {
		t.Error("deferred read must not shut down")
	}
}

func TestADS1220SampleAndEndstop(t *testing.T) {
	gpio, spi := resetTestState()
	s := setupADS1220(t, 1600)

	endstop := &recordingEndstop{}
	s.Endstop = endstop

	gpio.levels[testDataReadyPin] = false // conversion ready
	spi.response = []byte{0x00, 0x30, 0x39} // 0x003039 = 12345
	spi.transferTicks = 100

	fireTimer(s)
	startTime := GetTime()
	ADS1220CaptureTask()

	if IsShutdown() {
		t.Fatalf("unexpected shutdown: %s", ShutdownReason())
	}
	if s.Buffer.Count != 4 {
		t.Fatalf("buffer count = %d, want 4", s.Buffer.Count)
	}
	want := []byte{0x39, 0x30, 0x00, 0x00} // little-endian 12345
	for i, b := range want {
		if s.Buffer.Data[i] != b {
			t.Errorf("buffer[%d] = %#x, want %#x", i, s.Buffer.Data[i], b)
		}
	}
	if len(endstop.samples) != 1 || endstop.samples[0] != 12345 {
		t.Fatalf("endstop samples = %v, want [12345]", endstop.samples)
	}
	if endstop.ticks[0] != startTime {
		t.Errorf("endstop timestamp = %d, want capture start %d", endstop.ticks[0], startTime)
	}
	if !timerIsScheduled(&s.Timer) {
		t.Error("timer not rearmed after a good sample")
	}
}

func TestADS1220BadReadSentinel(t *testing.T) {
	gpio, spi := resetTestState()
	s := setupADS1220(t, 1600)

	gpio.levels[testDataReadyPin] = false
	spi.response = []byte{0xFF, 0xFF, 0xFF} // decodes to -1

	fireTimer(s)
	ADS1220CaptureTask()

	if !IsShutdown() {
		t.Fatal("all-ones read must shut down")
	}
	if ShutdownReason() != "ADS1220: Possible bad read" {
		t.Errorf("reason = %q", ShutdownReason())
	}
	if s.Buffer.Count != 0 {
		t.Error("bad read must not be buffered")
	}
}

func TestADS1220DeadlineMiss(t *testing.T) {
	gpio, spi := resetTestState()
	s := setupADS1220(t, 1600) // threshold is 800 ticks

	gpio.levels[testDataReadyPin] = false
	spi.response = []byte{0x00, 0x00, 0x01}
	spi.transferTicks = 900 // slower than the threshold

	fireTimer(s)
	ADS1220CaptureTask()

	if !IsShutdown() {
		t.Fatal("expected timing shutdown")
	}
	if ShutdownReason() != "ADS1220 read timing error, read took too long" {
		t.Errorf("reason = %q", ShutdownReason())
	}
	if timerIsScheduled(&s.Timer) {
		t.Error("timer still armed after fatal shutdown")
	}
	if s.Buffer.Count != 0 {
		t.Error("late read must not be buffered")
	}

	// a second pass must not re-enter the fatal path
	transfers := spi.transfers
	ProcessTimers()
	ADS1220CaptureTask()
	if spi.transfers != transfers {
		t.Error("sensor read again after shutdown")
	}
}

func TestADS1220QueryZeroStops(t *testing.T) {
	gpio, spi := resetTestState()
	s := setupADS1220(t, 1600)
	gpio.levels[testDataReadyPin] = false
	spi.response = []byte{0x00, 0x00, 0x01}

	fireTimer(s)
	ADS1220CaptureTask()
	if s.Buffer.Count != 4 {
		t.Fatalf("expected one sample before stop, got %d bytes", s.Buffer.Count)
	}

	callHandler(t, handleQueryADS1220, testADS1220OID, 0)

	if timerIsScheduled(&s.Timer) {
		t.Fatal("timer still armed after stop")
	}
	if s.State != sensorIdle {
		t.Errorf("state = %d, want idle", s.State)
	}
	// the partial buffer is kept, not flushed
	if s.Buffer.Count != 4 {
		t.Errorf("stop cleared the partial buffer: %d bytes", s.Buffer.Count)
	}

	transfers := spi.transfers
	SetTime(GetTime() + 100000)
	ProcessTimers()
	ADS1220CaptureTask()
	if spi.transfers != transfers {
		t.Error("read occurred after stop")
	}
}

func TestADS1220BufferFlushBoundary(t *testing.T) {
	gpio, spi := resetTestState()
	s := setupADS1220(t, 100000)
	gpio.levels[testDataReadyPin] = false
	spi.response = []byte{0x00, 0x00, 0x01}

	// 13 samples fill the 52 byte buffer exactly, no flush
	for i := 0; i < 13; i++ {
		fireTimer(s)
		ADS1220CaptureTask()
	}
	if s.Buffer.Count != 52 {
		t.Fatalf("buffer count = %d, want 52", s.Buffer.Count)
	}
	if s.Buffer.Sequence != 0 {
		t.Fatalf("flushed early: sequence = %d", s.Buffer.Sequence)
	}

	// the 14th sample cannot fit, so the buffer flushes first
	fireTimer(s)
	ADS1220CaptureTask()
	if s.Buffer.Sequence != 1 {
		t.Errorf("sequence = %d, want 1 after flush", s.Buffer.Sequence)
	}
	if s.Buffer.Count != 4 {
		t.Errorf("buffer count = %d, want 4 after flush+append", s.Buffer.Count)
	}
}

func TestADS1220StatusReportsPendingBytes(t *testing.T) {
	gpio, _ := resetTestState()
	s := setupADS1220(t, 1600)

	gpio.levels[testDataReadyPin] = false
	if !ads1220DataReady(s) {
		t.Fatal("expected data ready with line low")
	}
	gpio.levels[testDataReadyPin] = true
	if ads1220DataReady(s) {
		t.Fatal("expected not ready with line high")
	}

	// status must not consume or mutate the buffer
	s.Buffer.Append(1, 2, 3, 4)
	callHandler(t, handleQueryADS1220Status, testADS1220OID)
	if s.Buffer.Count != 4 {
		t.Errorf("status mutated the buffer: %d bytes", s.Buffer.Count)
	}
}
