// Digital output support. Load-cell boards use these for excitation and
// power rails, which must fall back to a safe default on shutdown.
package core

import (
	"goscale/protocol"
)

// DigitalOut flags
const (
	DF_ON         = 1 << 0 // current pin state
	DF_CHECK_END  = 1 << 1 // enforce max_duration
	DF_DEFAULT_ON = 1 << 2 // state to restore on shutdown
)

// DigitalOut is one configured output pin.
type DigitalOut struct {
	OID   uint8
	Pin   GPIOPin
	Flags uint8

	Timer Timer

	EndTime     uint32 // when max_duration expires
	MaxDuration uint32 // max ticks in a non-default state, 0 disables
}

var digitalOutputs = make(map[uint8]*DigitalOut)

// InitGPIOCommands registers the digital output commands.
func InitGPIOCommands() {
	RegisterCommand("config_digital_out", "oid=%c pin=%u value=%c default_value=%c max_duration=%u", handleConfigDigitalOut)
	RegisterCommand("queue_digital_out", "oid=%c clock=%u on_ticks=%u", handleQueueDigitalOut)
	RegisterCommand("update_digital_out", "oid=%c value=%c", handleUpdateDigitalOut)
}

func handleConfigDigitalOut(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	pin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	value, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	defaultValue, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	maxDuration, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dout := &DigitalOut{
		OID:         uint8(oid),
		Pin:         GPIOPin(pin),
		MaxDuration: maxDuration,
	}
	if defaultValue != 0 {
		dout.Flags |= DF_DEFAULT_ON
	}

	if err := MustGPIO().ConfigureOutput(dout.Pin); err != nil {
		return err
	}
	initialState := value != 0
	if err := MustGPIO().SetPin(dout.Pin, initialState); err != nil {
		return err
	}
	if initialState {
		dout.Flags |= DF_ON
	}

	digitalOutputs[uint8(oid)] = dout
	return nil
}

// handleQueueDigitalOut schedules a pin change at a clock time.
func handleQueueDigitalOut(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	clock, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	onTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dout, exists := digitalOutputs[uint8(oid)]
	if !exists {
		return nil
	}

	if onTicks > 0 {
		dout.Flags |= DF_ON
	} else {
		dout.Flags &^= DF_ON
	}

	if dout.MaxDuration != 0 {
		newStateOn := (dout.Flags & DF_ON) != 0
		defaultOn := (dout.Flags & DF_DEFAULT_ON) != 0
		if newStateOn != defaultOn {
			dout.EndTime = clock + dout.MaxDuration
			dout.Flags |= DF_CHECK_END
		} else {
			dout.Flags &^= DF_CHECK_END
		}
	}

	DeleteTimer(&dout.Timer)
	dout.Timer.WakeTime = clock
	dout.Timer.Handler = digitalOutLoadEvent
	ScheduleTimer(&dout.Timer)
	return nil
}

// handleUpdateDigitalOut changes a pin immediately.
func handleUpdateDigitalOut(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	value, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dout, exists := digitalOutputs[uint8(oid)]
	if !exists {
		return nil
	}

	state := value != 0
	if err := MustGPIO().SetPin(dout.Pin, state); err != nil {
		return err
	}
	if state {
		dout.Flags |= DF_ON
	} else {
		dout.Flags &^= DF_ON
	}
	return nil
}

// digitalOutLoadEvent applies a scheduled pin change.
func digitalOutLoadEvent(t *Timer) uint8 {
	var dout *DigitalOut
	for _, d := range digitalOutputs {
		if d != nil && &d.Timer == t {
			dout = d
			break
		}
	}
	if dout == nil {
		return SF_DONE
	}

	state := (dout.Flags & DF_ON) != 0
	if err := MustGPIO().SetPin(dout.Pin, state); err != nil {
		return SF_DONE
	}

	if (dout.Flags & DF_CHECK_END) != 0 {
		t.WakeTime = dout.EndTime
		t.Handler = digitalOutEndEvent
		return SF_RESCHEDULE
	}
	return SF_DONE
}

// digitalOutEndEvent restores the default state when max_duration expires.
func digitalOutEndEvent(t *Timer) uint8 {
	var dout *DigitalOut
	for _, d := range digitalOutputs {
		if d != nil && &d.Timer == t {
			dout = d
			break
		}
	}
	if dout == nil {
		return SF_DONE
	}

	defaultState := (dout.Flags & DF_DEFAULT_ON) != 0
	if err := MustGPIO().SetPin(dout.Pin, defaultState); err != nil {
		return SF_DONE
	}
	if defaultState {
		dout.Flags |= DF_ON
	} else {
		dout.Flags &^= DF_ON
	}
	dout.Flags &^= DF_CHECK_END
	return SF_DONE
}

// ShutdownDigitalOut returns one pin to its default state.
func ShutdownDigitalOut(dout *DigitalOut) {
	defaultState := (dout.Flags & DF_DEFAULT_ON) != 0
	_ = MustGPIO().SetPin(dout.Pin, defaultState)

	if defaultState {
		dout.Flags |= DF_ON
	} else {
		dout.Flags &^= DF_ON
	}
	dout.Flags &^= DF_CHECK_END
	DeleteTimer(&dout.Timer)
}

// ShutdownAllDigitalOut returns every pin to its default state.
func ShutdownAllDigitalOut() {
	for _, dout := range digitalOutputs {
		if dout != nil {
			ShutdownDigitalOut(dout)
		}
	}
}
