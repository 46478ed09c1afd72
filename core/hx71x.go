// HX711/HX717 load-cell converter support. One bit-bang engine serves the
// single-channel sensor and the synchronized multi-channel sensor; the two
// differ only in clock fan-out, deadline budget and anomaly policy.
package core

import (
	"goscale/protocol"
)

// hxVariant selects the engine policy fixed at configure time.
type hxVariant uint8

const (
	// hxSingle reads one chip, budgets half the sample period, and
	// treats a data-ready glitch during the gain pulses as fatal.
	hxSingle hxVariant = iota
	// hxMulti reads up to four chips in lockstep, budgets the full
	// period, and treats a stuck-low data line as a warning.
	hxMulti
)

const hxBytesPerSample = 4

// HX71xSensor is one configured converter group.
type HX71xSensor struct {
	OID     uint8
	Variant hxVariant

	ChipCount   uint8
	GainChannel uint8 // 1-4 extra clock pulses select the next gain/input

	Dout []GPIOPin
	Sclk []GPIOPin

	Timer     Timer
	RestTicks uint32
	State     sensorState

	Values  [4]int32 // last decoded sample per chip
	Buffer  SampleBuffer
	Endstop EndstopReporter
}

var hx71xSensors = make(map[uint8]*HX71xSensor)
var hx711Sensors = make(map[uint8]*HX71xSensor)

var hx71xWake bool
var hx711Wake bool

// InitHX71xCommands registers the commands for both converter layouts.
func InitHX71xCommands() {
	RegisterCommand("config_hx71x", "oid=%c chip_count=%c gain_channel=%c load_cell_endstop_oid=%c dout1_pin=%u sclk1_pin=%u dout2_pin=%u sclk2_pin=%u dout3_pin=%u sclk3_pin=%u dout4_pin=%u sclk4_pin=%u", handleConfigHX71x)
	RegisterCommand("query_hx71x", "oid=%c rest_ticks=%u", handleQueryHX71x)
	RegisterCommand("query_hx71x_status", "oid=%c", handleQueryHX71xStatus)

	RegisterCommand("config_hx711", "oid=%c gain_channel=%c dout_pin=%u sclk_pin=%u", handleConfigHX711)
	RegisterCommand("attach_endstop_hx711", "oid=%c load_cell_endstop_oid=%c", handleAttachEndstopHX711)
	RegisterCommand("query_hx711", "oid=%c rest_ticks=%u", handleQueryHX711)
	RegisterCommand("query_hx711_status", "oid=%c", handleQueryHX711Status)
}

func handleConfigHX71x(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	chipCount, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	gainChannel, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	endstopOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	var pins [8]uint32
	for i := range pins {
		pins[i], err = protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
	}

	if chipCount < 1 || chipCount > 4 {
		TryShutdown("HX71x only supports 1 to 4 sensors")
		return nil
	}
	if gainChannel < 1 || gainChannel > 4 {
		TryShutdown("HX71x gain/channel out of range 1-4")
		return nil
	}

	s := &HX71xSensor{
		OID:         uint8(oid),
		Variant:     hxMulti,
		ChipCount:   uint8(chipCount),
		GainChannel: uint8(gainChannel),
	}
	if endstopOID != 0 {
		lce, ok := GetLoadCellEndstop(uint8(endstopOID))
		if !ok {
			TryShutdown("HX71x unknown load_cell_endstop oid")
			return nil
		}
		s.Endstop = lce
	}

	gpio := MustGPIO()
	for chip := uint32(0); chip < chipCount; chip++ {
		dout := GPIOPin(pins[chip*2])
		sclk := GPIOPin(pins[chip*2+1])
		if err := gpio.ConfigureInputPullUp(dout); err != nil {
			return err
		}
		if err := gpio.ConfigureOutput(sclk); err != nil {
			return err
		}
		if err := gpio.SetPin(sclk, false); err != nil {
			return err
		}
		s.Dout = append(s.Dout, dout)
		s.Sclk = append(s.Sclk, sclk)
	}

	// power-down pulse so all chips restart in phase
	syncPulse(s.Sclk)

	hx71xSensors[uint8(oid)] = s
	return nil
}

func handleConfigHX711(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	gainChannel, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	doutPin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	sclkPin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	if gainChannel < 1 || gainChannel > 4 {
		TryShutdown("HX711 gain/channel out of range 1-4")
		return nil
	}

	s := &HX71xSensor{
		OID:         uint8(oid),
		Variant:     hxSingle,
		ChipCount:   1,
		GainChannel: uint8(gainChannel),
		Dout:        []GPIOPin{GPIOPin(doutPin)},
		Sclk:        []GPIOPin{GPIOPin(sclkPin)},
	}

	gpio := MustGPIO()
	if err := gpio.ConfigureInputPullUp(s.Dout[0]); err != nil {
		return err
	}
	if err := gpio.ConfigureOutput(s.Sclk[0]); err != nil {
		return err
	}
	if err := gpio.SetPin(s.Sclk[0], false); err != nil {
		return err
	}
	syncPulse(s.Sclk)

	hx711Sensors[uint8(oid)] = s
	return nil
}

func handleAttachEndstopHX711(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	endstopOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	s, exists := hx711Sensors[uint8(oid)]
	if !exists {
		TryShutdown("HX711 unknown oid")
		return nil
	}
	lce, ok := GetLoadCellEndstop(uint8(endstopOID))
	if !ok {
		TryShutdown("HX711 unknown load_cell_endstop oid")
		return nil
	}
	s.Endstop = lce
	return nil
}

// hx71xEvent runs in timer context. It marks the instance pending and
// wakes the family task.
func hx71xEvent(t *Timer) uint8 {
	for _, s := range hx71xSensors {
		if s != nil && &s.Timer == t {
			s.State = sensorPending
			hx71xWake = true
			return SF_DONE
		}
	}
	for _, s := range hx711Sensors {
		if s != nil && &s.Timer == t {
			s.State = sensorPending
			hx711Wake = true
			return SF_DONE
		}
	}
	return SF_DONE
}

// hx71xRescheduleTimer arms the next sample period.
func hx71xRescheduleTimer(s *HX71xSensor) {
	state := disableInterrupts()
	s.State = sensorArmed
	s.Timer.WakeTime = GetTime() + s.RestTicks
	s.Timer.Handler = hx71xEvent
	ScheduleTimer(&s.Timer)
	restoreInterrupts(state)
}

// hx71xDataReady reports whether the primary chip has a sample. The data
// line idles high and drops when a conversion completes.
func hx71xDataReady(s *HX71xSensor) bool {
	return !MustGPIO().ReadPin(s.Dout[0])
}

// hx71xDeadline is the elapsed-time budget for one read. The single-chip
// layout uses half the period; the multi-chip layout gets the full period
// because its chips may sit at different conversion phases.
func hx71xDeadline(s *HX71xSensor) uint32 {
	if s.Variant == hxSingle {
		return s.RestTicks / 2
	}
	return s.RestTicks
}

// hx71xReadADC performs one acquisition cycle for every ready chip.
func hx71xReadADC(s *HX71xSensor, oid uint8) {
	startTime := GetTime()
	gpio := MustGPIO()

	ready := make([]bool, s.ChipCount)
	anyReady := false
	for i := range ready {
		ready[i] = !gpio.ReadPin(s.Dout[i])
		anyReady = anyReady || ready[i]
	}
	if !anyReady {
		RecordTiming(EvtSampleDefer, oid, GetTime(), 0, 0)
		hx71xRescheduleTimer(s)
		return
	}

	RecordTiming(EvtSampleStart, oid, startTime, 0, 0)

	var raw [4]uint32
	for bit := 0; bit < 24; bit++ {
		pulseClocks(s.Sclk, ready)
		bitbangWait(GetTime(), minPulseTicks)
		for i := range ready {
			if ready[i] {
				b := uint32(0)
				if gpio.ReadPin(s.Dout[i]) {
					b = 1
				}
				raw[i] = raw[i]<<1 | b
			}
		}
	}

	// trailing pulses select gain and input channel for the next sample
	for g := uint8(0); g < s.GainChannel; g++ {
		pulseClocks(s.Sclk, ready)
		bitbangWait(GetTime(), minPulseTicks)
		if g == 0 && s.Variant == hxSingle && !gpio.ReadPin(s.Dout[0]) {
			// the chip should be mid-conversion here
			TryShutdown("HX711 data ready reasserted during gain pulses")
			return
		}
	}

	if GetTime()-startTime >= hx71xDeadline(s) {
		// an IRQ stretched the read past the point the chips can be trusted
		RecordTiming(EvtDeadlineMiss, oid, GetTime(), GetTime()-startTime, hx71xDeadline(s))
		if s.Variant == hxSingle {
			TryShutdown("HX711 read took too long")
		} else {
			TryShutdown("HX71x read took too long")
		}
		return
	}

	for i := range ready {
		if !ready[i] {
			continue
		}
		if s.Variant == hxMulti && !gpio.ReadPin(s.Dout[i]) {
			// dout stuck low after a full read usually means ESD hit the
			// chip; skip this cycle rather than poison the stream
			RecordTiming(EvtDoutStuck, oid, GetTime(), uint32(i), 0)
			DebugPrintln("HX71x dout pin is 0 on sensor " + utoa(uint32(i)))
			hx71xRescheduleTimer(s)
			return
		}
		counts := signExtend24(raw[i])
		if counts < -0x7FFFFF || counts > 0x7FFFFF {
			if s.Variant == hxSingle {
				TryShutdown("HX711 value out of 24 bit range")
			} else {
				TryShutdown("HX71x value out of 24 bit range")
			}
			return
		}
		s.Values[i] = counts
	}

	if s.Endstop != nil {
		total := int32(0)
		for i := uint8(0); i < s.ChipCount; i++ {
			total += s.Values[i]
		}
		s.Endstop.ReportSample(total, startTime)
	}

	// buffer a block only on the primary chip's cadence so every channel
	// stays aligned in the stream
	if ready[0] {
		blockSize := hxBytesPerSample * int(s.ChipCount)
		if !s.Buffer.CanAppend(blockSize) {
			s.Buffer.Report(oid)
		}
		for i := uint8(0); i < s.ChipCount; i++ {
			s.Buffer.AppendSample(s.Values[i])
		}
	}

	RecordTiming(EvtSampleDone, oid, GetTime(), 0, 0)
	hx71xRescheduleTimer(s)
}

// hx71xQuery starts or stops sampling. A zero period stops; the partial
// buffer is kept as-is.
func hx71xQuery(s *HX71xSensor, restTicks uint32) {
	DeleteTimer(&s.Timer)
	s.State = sensorIdle
	s.RestTicks = restTicks
	for i := range s.Values {
		s.Values[i] = 0
	}
	if restTicks == 0 {
		return
	}
	s.Buffer.Reset()
	hx71xRescheduleTimer(s)
}

// hx71xStatus measures readiness on demand and reports buffer state.
func hx71xStatus(s *HX71xSensor, oid uint8) {
	startT := GetTime()
	pendingBytes := uint32(0)
	if hx71xDataReady(s) {
		pendingBytes = uint32(hxBytesPerSample) * uint32(s.ChipCount)
	}
	endT := GetTime()
	s.Buffer.Status(oid, startT, endT-startT, pendingBytes)
}

func handleQueryHX71x(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	restTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	s, exists := hx71xSensors[uint8(oid)]
	if !exists {
		TryShutdown("HX71x unknown oid")
		return nil
	}
	hx71xQuery(s, restTicks)
	return nil
}

func handleQueryHX71xStatus(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	s, exists := hx71xSensors[uint8(oid)]
	if !exists {
		TryShutdown("HX71x unknown oid")
		return nil
	}
	hx71xStatus(s, uint8(oid))
	return nil
}

func handleQueryHX711(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	restTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	s, exists := hx711Sensors[uint8(oid)]
	if !exists {
		TryShutdown("HX711 unknown oid")
		return nil
	}
	hx71xQuery(s, restTicks)
	return nil
}

func handleQueryHX711Status(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	s, exists := hx711Sensors[uint8(oid)]
	if !exists {
		TryShutdown("HX711 unknown oid")
		return nil
	}
	hx71xStatus(s, uint8(oid))
	return nil
}

// HX71xCaptureTask services pending multi-chip sensors. Called from the
// main loop after a timer wake.
func HX71xCaptureTask() {
	state := disableInterrupts()
	woken := hx71xWake
	hx71xWake = false
	restoreInterrupts(state)
	if !woken {
		return
	}
	for oid, s := range hx71xSensors {
		if s != nil && s.State == sensorPending {
			hx71xReadADC(s, oid)
		}
	}
}

// HX711CaptureTask services pending single-chip sensors.
func HX711CaptureTask() {
	state := disableInterrupts()
	woken := hx711Wake
	hx711Wake = false
	restoreInterrupts(state)
	if !woken {
		return
	}
	for oid, s := range hx711Sensors {
		if s != nil && s.State == sensorPending {
			hx71xReadADC(s, oid)
		}
	}
}

// ShutdownAllHX71x disarms every multi-chip sensor.
func ShutdownAllHX71x() {
	for _, s := range hx71xSensors {
		if s != nil {
			DeleteTimer(&s.Timer)
			s.State = sensorIdle
		}
	}
}

// ShutdownAllHX711 disarms every single-chip sensor.
func ShutdownAllHX711() {
	for _, s := range hx711Sensors {
		if s != nil {
			DeleteTimer(&s.Timer)
			s.State = sensorIdle
		}
	}
}
