package core

import (
	"testing"

	"goscale/protocol"
)

// mockGPIO is a scripted GPIO driver. Tests set input levels directly or
// install a readHook for per-read behavior.
type mockGPIO struct {
	levels   map[GPIOPin]bool
	modes    map[GPIOPin]string
	setCalls []pinWrite

	readHook func(pin GPIOPin) bool
}

type pinWrite struct {
	pin   GPIOPin
	value bool
}

func newMockGPIO() *mockGPIO {
	return &mockGPIO{
		levels: make(map[GPIOPin]bool),
		modes:  make(map[GPIOPin]string),
	}
}

func (m *mockGPIO) ConfigureOutput(pin GPIOPin) error {
	m.modes[pin] = "output"
	return nil
}

func (m *mockGPIO) ConfigureInput(pin GPIOPin) error {
	m.modes[pin] = "input"
	return nil
}

func (m *mockGPIO) ConfigureInputPullUp(pin GPIOPin) error {
	m.modes[pin] = "input_pullup"
	return nil
}

func (m *mockGPIO) ConfigureInputPullDown(pin GPIOPin) error {
	m.modes[pin] = "input_pulldown"
	return nil
}

func (m *mockGPIO) SetPin(pin GPIOPin, value bool) error {
	m.levels[pin] = value
	m.setCalls = append(m.setCalls, pinWrite{pin, value})
	return nil
}

func (m *mockGPIO) GetPin(pin GPIOPin) (bool, error) {
	return m.ReadPin(pin), nil
}

func (m *mockGPIO) ReadPin(pin GPIOPin) bool {
	if m.readHook != nil {
		return m.readHook(pin)
	}
	return m.levels[pin]
}

// wroteAfter counts writes to pin recorded after position start.
func (m *mockGPIO) wroteAfter(start int, pin GPIOPin) int {
	count := 0
	for _, w := range m.setCalls[start:] {
		if w.pin == pin {
			count++
		}
	}
	return count
}

// mockSPI returns canned response bytes and advances simulated time per
// transfer, so tests can model slow reads.
type mockSPI struct {
	response      []byte
	transferTicks uint32
	transfers     int
}

func (m *mockSPI) ConfigureBus(config SPIConfig) (interface{}, error) {
	return m, nil
}

func (m *mockSPI) Transfer(busHandle interface{}, txData []byte, rxData []byte) error {
	m.transfers++
	copy(rxData, m.response)
	if m.transferTicks > 0 {
		advanceSystemTicks(m.transferTicks)
	}
	return nil
}

func (m *mockSPI) GetBusInfo() map[SPIBusID]string {
	return map[SPIBusID]string{0: "mock"}
}

// recordingEndstop captures ReportSample calls.
type recordingEndstop struct {
	samples []int32
	ticks   []uint32
}

func (r *recordingEndstop) ReportSample(counts int32, ticks uint32) {
	r.samples = append(r.samples, counts)
	r.ticks = append(r.ticks, ticks)
}

// resetTestState clears all global firmware state and installs fresh mock
// drivers. Every test starts here.
func resetTestState() (*mockGPIO, *mockSPI) {
	globalRegistry = NewCommandRegistry()
	globalState = &FirmwareState{moveCount: 16}
	globalTransport = nil
	resetTimers()
	setSystemTicks(0)

	ads1220Sensors = make(map[uint8]*ADS1220Sensor)
	hx71xSensors = make(map[uint8]*HX71xSensor)
	hx711Sensors = make(map[uint8]*HX71xSensor)
	spiDevices = make(map[uint8]*SPIDevice)
	digitalOutputs = make(map[uint8]*DigitalOut)
	triggerSyncs = make(map[uint8]*TriggerSync)
	loadCellEndstops = make(map[uint8]*LoadCellEndstop)
	ads1220Wake = false
	hx71xWake = false
	hx711Wake = false

	gpio := newMockGPIO()
	spi := &mockSPI{}
	SetGPIODriver(gpio)
	SetSPIDriver(spi)
	return gpio, spi
}

// encodeUints packs values as the VLQ argument stream a handler expects.
func encodeUints(vals ...uint32) []byte {
	out := protocol.NewScratchOutput()
	for _, v := range vals {
		protocol.EncodeVLQUint(out, v)
	}
	return append([]byte(nil), out.Result()...)
}

// callHandler invokes a command handler with VLQ-encoded uint arguments.
func callHandler(t *testing.T, h func(*[]byte) error, vals ...uint32) {
	t.Helper()
	data := encodeUints(vals...)
	if err := h(&data); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
}
