// ADS1220 delta-sigma converter support. The chip raises a data-ready
// line and the conversion result is read as a fixed 3 byte SPI transfer.
package core

import (
	"goscale/protocol"
)

const ads1220BytesPerSample = 4

// ADS1220Sensor is one configured converter.
type ADS1220Sensor struct {
	OID uint8

	SPI          *SPIDevice
	DataReadyPin GPIOPin

	Timer     Timer
	RestTicks uint32
	State     sensorState

	Buffer  SampleBuffer
	Endstop EndstopReporter
}

var ads1220Sensors = make(map[uint8]*ADS1220Sensor)
var ads1220Wake bool

// InitADS1220Commands registers the ADS1220 commands.
func InitADS1220Commands() {
	RegisterCommand("config_ads1220", "oid=%c spi_oid=%c data_ready_pin=%u", handleConfigADS1220)
	RegisterCommand("attach_endstop_ads1220", "oid=%c load_cell_endstop_oid=%c", handleAttachEndstopADS1220)
	RegisterCommand("query_ads1220", "oid=%c rest_ticks=%u", handleQueryADS1220)
	RegisterCommand("query_ads1220_status", "oid=%c", handleQueryADS1220Status)
}

func handleConfigADS1220(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	spiOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	dataReadyPin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	spi, ok := GetSPIDevice(uint8(spiOID))
	if !ok {
		TryShutdown("ADS1220 unknown spi oid")
		return nil
	}

	s := &ADS1220Sensor{
		OID:          uint8(oid),
		SPI:          spi,
		DataReadyPin: GPIOPin(dataReadyPin),
	}
	if err := MustGPIO().ConfigureInput(s.DataReadyPin); err != nil {
		return err
	}

	ads1220Sensors[uint8(oid)] = s
	return nil
}

func handleAttachEndstopADS1220(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	endstopOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	s, exists := ads1220Sensors[uint8(oid)]
	if !exists {
		TryShutdown("ADS1220 unknown oid")
		return nil
	}
	lce, ok := GetLoadCellEndstop(uint8(endstopOID))
	if !ok {
		TryShutdown("ADS1220 unknown load_cell_endstop oid")
		return nil
	}
	s.Endstop = lce
	return nil
}

// ads1220Event runs in timer context.
func ads1220Event(t *Timer) uint8 {
	for _, s := range ads1220Sensors {
		if s != nil && &s.Timer == t {
			s.State = sensorPending
			ads1220Wake = true
			break
		}
	}
	return SF_DONE
}

func ads1220RescheduleTimer(s *ADS1220Sensor) {
	state := disableInterrupts()
	s.State = sensorArmed
	s.Timer.WakeTime = GetTime() + s.RestTicks
	s.Timer.Handler = ads1220Event
	ScheduleTimer(&s.Timer)
	restoreInterrupts(state)
}

// ads1220DataReady reports whether a conversion result is waiting. The
// data-ready line is active low.
func ads1220DataReady(s *ADS1220Sensor) bool {
	return !MustGPIO().ReadPin(s.DataReadyPin)
}

// ads1220ReadADC performs one acquisition cycle.
func ads1220ReadADC(s *ADS1220Sensor, oid uint8) {
	if !ads1220DataReady(s) {
		RecordTiming(EvtSampleDefer, oid, GetTime(), 0, 0)
		ads1220RescheduleTimer(s)
		return
	}

	RecordTiming(EvtSampleStart, oid, GetTime(), 0, 0)

	msg := []byte{0, 0, 0}
	startTime := GetTime()
	if err := spiDeviceTransfer(s.SPI, true, msg); err != nil {
		TryShutdown("ADS1220 spi transfer failed")
		return
	}
	timeDiff := GetTime() - startTime

	if timeDiff >= s.RestTicks>>1 {
		// an IRQ delayed the read so much the result is unusable
		RecordTiming(EvtDeadlineMiss, oid, GetTime(), timeDiff, s.RestTicks>>1)
		TryShutdown("ADS1220 read timing error, read took too long")
		return
	}

	raw := uint32(msg[0])<<16 | uint32(msg[1])<<8 | uint32(msg[2])
	counts := signExtend24(raw)

	// all-ones is the chip's idle pattern, not a real conversion
	if counts == -1 {
		TryShutdown("ADS1220: Possible bad read")
		return
	}
	if counts >= 0x800000 {
		TryShutdown("ADS1220: Invalid Counts")
		return
	}

	// a stop decision wants the sample before it sits in the buffer
	if s.Endstop != nil {
		s.Endstop.ReportSample(counts, startTime)
	}

	if !s.Buffer.CanAppend(ads1220BytesPerSample) {
		s.Buffer.Report(oid)
	}
	s.Buffer.AppendSample(counts)

	RecordTiming(EvtSampleDone, oid, GetTime(), uint32(counts), 0)
	ads1220RescheduleTimer(s)
}

func handleQueryADS1220(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	restTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	s, exists := ads1220Sensors[uint8(oid)]
	if !exists {
		TryShutdown("ADS1220 unknown oid")
		return nil
	}

	DeleteTimer(&s.Timer)
	s.State = sensorIdle
	s.RestTicks = restTicks
	if restTicks == 0 {
		return nil
	}
	s.Buffer.Reset()
	ads1220RescheduleTimer(s)
	return nil
}

func handleQueryADS1220Status(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	s, exists := ads1220Sensors[uint8(oid)]
	if !exists {
		TryShutdown("ADS1220 unknown oid")
		return nil
	}

	startT := GetTime()
	pendingBytes := uint32(0)
	if ads1220DataReady(s) {
		pendingBytes = ads1220BytesPerSample
	}
	endT := GetTime()
	s.Buffer.Status(uint8(oid), startT, endT-startT, pendingBytes)
	return nil
}

// ADS1220CaptureTask services pending sensors after a timer wake.
func ADS1220CaptureTask() {
	state := disableInterrupts()
	woken := ads1220Wake
	ads1220Wake = false
	restoreInterrupts(state)
	if !woken {
		return
	}
	for oid, s := range ads1220Sensors {
		if s != nil && s.State == sensorPending {
			ads1220ReadADC(s, oid)
		}
	}
}

// ShutdownAllADS1220 disarms every sensor.
func ShutdownAllADS1220() {
	for _, s := range ads1220Sensors {
		if s != nil {
			DeleteTimer(&s.Timer)
			s.State = sensorIdle
		}
	}
}
