// Trigger synchronization. A trsync fans one trigger event out to every
// registered listener and keeps the host informed while a probing move is
// in flight, so a load-cell tap can stop motion promptly.
package core

import (
	"goscale/protocol"
)

// TriggerSync flags
const (
	TSF_CAN_TRIGGER = 1 << 0
	TSF_TRIGGERED   = 1 << 1
)

// TriggerSignal is one callback registered with a TriggerSync.
type TriggerSignal struct {
	Callback func(reason uint8)
	Next     *TriggerSignal
}

// TriggerSync coordinates trigger sources during a homing or probing move.
type TriggerSync struct {
	OID           uint8
	Flags         uint8
	TriggerReason uint8
	ExpireReason  uint8
	ReportTicks   uint32
	ReportTimer   Timer
	ExpireTimer   Timer
	Signals       *TriggerSignal
}

var triggerSyncs = make(map[uint8]*TriggerSync)

// InitTriggerSyncCommands registers the trsync commands.
func InitTriggerSyncCommands() {
	RegisterCommand("config_trsync", "oid=%c", handleConfigTriggerSync)
	RegisterCommand("trsync_start", "oid=%c report_clock=%u report_ticks=%u expire_reason=%c", handleTriggerSyncStart)
	RegisterCommand("trsync_set_timeout", "oid=%c clock=%u", handleTriggerSyncSetTimeout)
	RegisterCommand("trsync_trigger", "oid=%c reason=%c", handleTriggerSyncTrigger)
	RegisterResponse("trsync_state", "oid=%c can_trigger=%c trigger_reason=%c clock=%u")
}

func handleConfigTriggerSync(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	triggerSyncs[uint8(oid)] = &TriggerSync{OID: uint8(oid)}
	return nil
}

func handleTriggerSyncStart(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	reportClock, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	reportTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	expireReason, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	ts, exists := triggerSyncs[uint8(oid)]
	if !exists {
		ts = &TriggerSync{OID: uint8(oid)}
		triggerSyncs[uint8(oid)] = ts
	}

	ts.Flags = TSF_CAN_TRIGGER
	ts.TriggerReason = 0
	ts.ExpireReason = uint8(expireReason)
	ts.ReportTicks = reportTicks

	if reportTicks > 0 {
		DeleteTimer(&ts.ReportTimer)
		ts.ReportTimer.WakeTime = reportClock
		ts.ReportTimer.Handler = triggerSyncReportEvent
		ScheduleTimer(&ts.ReportTimer)
	}
	return nil
}

func handleTriggerSyncSetTimeout(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	clock, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	ts, exists := triggerSyncs[uint8(oid)]
	if !exists {
		return nil
	}

	DeleteTimer(&ts.ExpireTimer)
	ts.ExpireTimer.WakeTime = clock
	ts.ExpireTimer.Handler = triggerSyncExpireEvent
	ScheduleTimer(&ts.ExpireTimer)
	return nil
}

func handleTriggerSyncTrigger(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	reason, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	ts, exists := triggerSyncs[uint8(oid)]
	if !exists {
		return nil
	}
	TriggerSyncDoTrigger(ts, uint8(reason))
	return nil
}

// TriggerSyncDoTrigger fires the trigger once. Endstops call this from
// timer context when a trigger condition confirms.
func TriggerSyncDoTrigger(ts *TriggerSync, reason uint8) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if (ts.Flags & TSF_CAN_TRIGGER) == 0 {
		return
	}
	ts.Flags &^= TSF_CAN_TRIGGER
	ts.Flags |= TSF_TRIGGERED
	ts.TriggerReason = reason

	for signal := ts.Signals; signal != nil; signal = signal.Next {
		if signal.Callback != nil {
			signal.Callback(reason)
		}
	}
}

// TriggerSyncAddSignal registers a callback fired on trigger.
func TriggerSyncAddSignal(ts *TriggerSync, callback func(reason uint8)) *TriggerSignal {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	signal := &TriggerSignal{Callback: callback, Next: ts.Signals}
	ts.Signals = signal
	return signal
}

func triggerSyncReportEvent(t *Timer) uint8 {
	var ts *TriggerSync
	for _, tsPtr := range triggerSyncs {
		if tsPtr != nil && &tsPtr.ReportTimer == t {
			ts = tsPtr
			break
		}
	}
	if ts == nil {
		return SF_DONE
	}

	triggerSyncReport(ts)

	if (ts.Flags & TSF_CAN_TRIGGER) != 0 {
		t.WakeTime = GetTime() + ts.ReportTicks
		return SF_RESCHEDULE
	}
	return SF_DONE
}

func triggerSyncExpireEvent(t *Timer) uint8 {
	var ts *TriggerSync
	for _, tsPtr := range triggerSyncs {
		if tsPtr != nil && &tsPtr.ExpireTimer == t {
			ts = tsPtr
			break
		}
	}
	if ts == nil {
		return SF_DONE
	}

	TriggerSyncDoTrigger(ts, ts.ExpireReason)
	triggerSyncReport(ts)
	return SF_DONE
}

func triggerSyncReport(ts *TriggerSync) {
	canTrigger := uint32(0)
	if (ts.Flags & TSF_CAN_TRIGGER) != 0 {
		canTrigger = 1
	}
	clock := GetTime()

	SendResponse("trsync_state", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(ts.OID))
		protocol.EncodeVLQUint(output, canTrigger)
		protocol.EncodeVLQUint(output, uint32(ts.TriggerReason))
		protocol.EncodeVLQUint(output, clock)
	})
}

// GetTriggerSync retrieves a trigger sync by oid.
func GetTriggerSync(oid uint8) (*TriggerSync, bool) {
	ts, exists := triggerSyncs[oid]
	return ts, exists
}
