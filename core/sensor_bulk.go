// Bulk sample reporting shared by the ADC sensors. Samples accumulate in a
// small buffer and go to the host as numbered blocks so dropped frames are
// detectable.
package core

import "goscale/protocol"

// SampleBufferSize is the data area of one bulk block. It keeps the framed
// message comfortably inside a transport frame.
const SampleBufferSize = 52

// sensorState tracks one sensor instance's lifecycle. Transitions between
// Armed and Pending happen in interrupt-disabled sections; Idle means the
// timer is disarmed.
type sensorState uint8

const (
	sensorIdle sensorState = iota
	sensorArmed
	sensorPending
)

// SampleBuffer accumulates raw sample bytes for one sensor oid.
type SampleBuffer struct {
	Data              [SampleBufferSize]byte
	Count             uint8
	Sequence          uint16
	PossibleOverflows uint16
}

// InitSensorBulkResponses registers the shared bulk responses. Safe to call
// once per firmware init.
func InitSensorBulkResponses() {
	RegisterResponse("sensor_bulk_data", "oid=%c sequence=%hu data=%*s")
	RegisterResponse("sensor_bulk_status", "oid=%c clock=%u query_ticks=%u next_sequence=%hu buffered=%c possible_overflows=%hu")
}

// Reset clears the buffer and the sequence for a fresh query.
func (sb *SampleBuffer) Reset() {
	sb.Count = 0
	sb.Sequence = 0
	sb.PossibleOverflows = 0
}

// CanAppend reports whether n more bytes fit without a flush.
func (sb *SampleBuffer) CanAppend(n int) bool {
	return int(sb.Count)+n <= SampleBufferSize
}

// Append adds raw bytes. The caller must flush first when CanAppend says no.
func (sb *SampleBuffer) Append(bytes ...byte) {
	for _, b := range bytes {
		if int(sb.Count) >= SampleBufferSize {
			sb.PossibleOverflows++
			return
		}
		sb.Data[sb.Count] = b
		sb.Count++
	}
}

// AppendSample appends one signed sample as four little-endian bytes.
func (sb *SampleBuffer) AppendSample(v int32) {
	sb.Append(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// Report sends the buffered bytes as one numbered block and empties the
// buffer. An empty block is still sent; the host uses it to detect a live
// but idle sensor.
func (sb *SampleBuffer) Report(oid uint8) {
	data := append([]byte(nil), sb.Data[:sb.Count]...)
	seq := sb.Sequence
	RecordTiming(EvtBufferFlush, oid, GetTime(), uint32(seq), uint32(sb.Count))
	SendResponse("sensor_bulk_data", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, uint32(seq))
		protocol.EncodeVLQBytes(output, data)
	})
	sb.Count = 0
	sb.Sequence++
}

// Status sends the query status. time1 is when the status measurement
// started and queryTicks how long it took; fifo counts bytes still held
// outside the buffer (hardware fifos, unused here but kept for parity
// across sensors).
func (sb *SampleBuffer) Status(oid uint8, time1 uint32, queryTicks uint32, fifo uint32) {
	seq := sb.Sequence
	buffered := uint32(sb.Count) + fifo
	overflows := sb.PossibleOverflows
	SendResponse("sensor_bulk_status", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, time1)
		protocol.EncodeVLQUint(output, queryTicks)
		protocol.EncodeVLQUint(output, uint32(seq))
		protocol.EncodeVLQUint(output, buffered)
		protocol.EncodeVLQUint(output, uint32(overflows))
	})
}
