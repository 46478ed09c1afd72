// Load cell endstop. Consumes raw force samples from an ADC sensor in
// timer context and fires a trsync trigger once enough consecutive samples
// cross the threshold. Raw counts only; the host owns calibration.
package core

import (
	"errors"

	"goscale/protocol"
)

// EndstopReporter receives each raw sample the moment it is decoded.
// ticks is the capture start time of the sample.
type EndstopReporter interface {
	ReportSample(counts int32, ticks uint32)
}

// LoadCellEndstop watches a stream of raw counts for a trigger condition.
type LoadCellEndstop struct {
	OID uint8

	TriggerCountsMin int32 // trigger when sample <= min or >= max
	TriggerCountsMax int32
	TriggerReason    uint8
	SampleCount      uint8 // consecutive samples needed to confirm

	trsync       *TriggerSync
	homing       bool
	trailing     uint8 // consecutive out-of-range samples seen
	lastSample   int32
	lastTicks    uint32
	triggerTicks uint32
	triggered    bool
}

var loadCellEndstops = make(map[uint8]*LoadCellEndstop)

// InitLoadCellEndstopCommands registers the endstop commands.
func InitLoadCellEndstopCommands() {
	RegisterCommand("config_load_cell_endstop", "oid=%c", handleConfigLoadCellEndstop)
	RegisterCommand("load_cell_endstop_home", "oid=%c trsync_oid=%c trigger_reason=%c clock=%u sample_count=%c trigger_counts_min=%i trigger_counts_max=%i", handleLoadCellEndstopHome)
	RegisterCommand("load_cell_endstop_query_state", "oid=%c", handleLoadCellEndstopQueryState)
	RegisterResponse("load_cell_endstop_state", "oid=%c homing=%c homing_triggered=%c is_triggered=%c trigger_ticks=%u sample=%i sample_ticks=%u")
}

// GetLoadCellEndstop retrieves an endstop by oid.
func GetLoadCellEndstop(oid uint8) (*LoadCellEndstop, bool) {
	e, ok := loadCellEndstops[oid]
	return e, ok
}

func handleConfigLoadCellEndstop(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	loadCellEndstops[uint8(oid)] = &LoadCellEndstop{OID: uint8(oid)}
	return nil
}

func handleLoadCellEndstopHome(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	trsyncOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	triggerReason, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	clock, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	sampleCount, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	countsMin, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}
	countsMax, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	e, exists := loadCellEndstops[uint8(oid)]
	if !exists {
		return errors.New("load_cell_endstop_home: unknown oid")
	}

	state := disableInterrupts()
	defer restoreInterrupts(state)

	if sampleCount == 0 {
		// disarm
		e.homing = false
		e.trsync = nil
		e.trailing = 0
		return nil
	}

	ts, exists := GetTriggerSync(uint8(trsyncOID))
	if !exists {
		return errors.New("load_cell_endstop_home: unknown trsync oid")
	}

	e.trsync = ts
	e.TriggerReason = uint8(triggerReason)
	e.SampleCount = uint8(sampleCount)
	e.TriggerCountsMin = countsMin
	e.TriggerCountsMax = countsMax
	e.trailing = 0
	e.triggered = false
	e.triggerTicks = 0
	e.homing = true
	_ = clock // samples before clock still count; the sensor gates capture
	return nil
}

func handleLoadCellEndstopQueryState(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	e, exists := loadCellEndstops[uint8(oid)]
	if !exists {
		return errors.New("load_cell_endstop_query_state: unknown oid")
	}

	state := disableInterrupts()
	homing := boolArg(e.homing)
	homingTriggered := boolArg(e.homing && e.triggered)
	isTriggered := boolArg(e.triggered)
	triggerTicks := e.triggerTicks
	sample := e.lastSample
	sampleTicks := e.lastTicks
	restoreInterrupts(state)

	SendResponse("load_cell_endstop_state", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, oid)
		protocol.EncodeVLQUint(output, homing)
		protocol.EncodeVLQUint(output, homingTriggered)
		protocol.EncodeVLQUint(output, isTriggered)
		protocol.EncodeVLQUint(output, triggerTicks)
		protocol.EncodeVLQInt(output, sample)
		protocol.EncodeVLQUint(output, sampleTicks)
	})
	return nil
}

// ReportSample runs in timer context. A sample outside the configured
// band advances the confirmation counter; SampleCount in a row fires the
// trsync trigger. Any in-range sample resets the count.
func (e *LoadCellEndstop) ReportSample(counts int32, ticks uint32) {
	e.lastSample = counts
	e.lastTicks = ticks

	if !e.homing || e.triggered {
		return
	}

	if counts <= e.TriggerCountsMin || counts >= e.TriggerCountsMax {
		e.trailing++
		if e.trailing >= e.SampleCount {
			e.triggered = true
			e.triggerTicks = ticks
			if e.trsync != nil {
				TriggerSyncDoTrigger(e.trsync, e.TriggerReason)
			}
		}
	} else {
		e.trailing = 0
	}
}
