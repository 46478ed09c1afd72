package core

// DebugWriter writes one debug line to wherever the platform routes it
// (UART, USB console, test log).
type DebugWriter func(string)

// TimingEvent captures one acquisition event for post-mortem analysis.
// The ring is the only record of what the sensors were doing when a
// timing shutdown fires.
type TimingEvent struct {
	EventType uint8
	OID       uint8
	Clock     uint32
	Value1    uint32
	Value2    uint32
}

// Event type codes
const (
	EvtSampleStart  = 1 // acquisition began (data ready)
	EvtSampleDone   = 2 // sample decoded and buffered
	EvtSampleDefer  = 3 // data not ready, timer rearmed
	EvtDeadlineMiss = 4 // read exceeded its deadline
	EvtBufferFlush  = 5 // sample buffer reported to host
	EvtDoutStuck    = 6 // data line failed to clear after read
)

const TimingRingSize = 32

var (
	debugPrintln DebugWriter = func(s string) {}
	debugEnabled bool

	timingRing     [TimingRingSize]TimingEvent
	timingRingHead uint8
	timingEnabled  = true

	debugChan chan string
)

// SetDebugWriter routes debug output to a platform-specific writer.
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled toggles debug output. Off by default; pulse timing
// degrades measurably with a blocking writer attached.
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// IsDebugEnabled reports whether debug output is active.
func IsDebugEnabled() bool {
	return debugEnabled
}

// InitAsyncDebug starts the background debug drain. Call from main after
// SetDebugWriter.
func InitAsyncDebug() {
	debugChan = make(chan string, 16)
	go debugOutputWorker()
}

func debugOutputWorker() {
	for msg := range debugChan {
		if debugPrintln != nil {
			debugPrintln(msg)
		}
	}
}

// DebugPrintln writes one line through the platform writer. Blocks.
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// DebugAsync queues a line without blocking; drops when the queue is full.
func DebugAsync(msg string) {
	if debugChan != nil {
		select {
		case debugChan <- msg:
		default:
		}
	}
}

// RecordTiming stores one event in the ring. Non-blocking and cheap enough
// to call from read paths.
func RecordTiming(eventType, oid uint8, clock, value1, value2 uint32) {
	if !timingEnabled {
		return
	}
	idx := timingRingHead
	timingRing[idx] = TimingEvent{
		EventType: eventType,
		OID:       oid,
		Clock:     clock,
		Value1:    value1,
		Value2:    value2,
	}
	timingRingHead = (idx + 1) % TimingRingSize
}

// DumpTimingRing prints the ring oldest first. Call after a shutdown, not
// while acquisition is live.
func DumpTimingRing() {
	if debugPrintln == nil {
		return
	}

	debugPrintln("[TIMING] === acquisition event ring ===")
	start := timingRingHead
	for i := uint8(0); i < TimingRingSize; i++ {
		idx := (start + i) % TimingRingSize
		evt := &timingRing[idx]
		if evt.EventType == 0 {
			continue
		}

		var name string
		switch evt.EventType {
		case EvtSampleStart:
			name = "SAMPLE_START"
		case EvtSampleDone:
			name = "SAMPLE_DONE"
		case EvtSampleDefer:
			name = "SAMPLE_DEFER"
		case EvtDeadlineMiss:
			name = "DEADLINE_MISS"
		case EvtBufferFlush:
			name = "BUFFER_FLUSH"
		case EvtDoutStuck:
			name = "DOUT_STUCK"
		default:
			name = "UNKNOWN"
		}

		debugPrintln("[TIMING] " + name +
			" oid=" + itoa(int(evt.OID)) +
			" clock=" + utoa(evt.Clock) +
			" v1=" + utoa(evt.Value1) +
			" v2=" + utoa(evt.Value2))
	}
	debugPrintln("[TIMING] === end ===")
}

// ClearTimingRing empties the ring.
func ClearTimingRing() {
	for i := range timingRing {
		timingRing[i] = TimingEvent{}
	}
	timingRingHead = 0
}
