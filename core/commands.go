package core

import (
	"sync/atomic"

	"goscale/protocol"
)

// FirmwareState holds the global firmware state.
type FirmwareState struct {
	configCRC      uint32 // atomic
	isShutdown     uint32 // atomic bool
	shutdownReason string // set once, before isShutdown
	moveCount      uint16
}

var globalState = &FirmwareState{
	moveCount: 16,
}

// InitCoreCommands registers the base protocol commands.
// Registration order matters for the first two entries: the host bootstrap
// dictionary hardcodes identify_response=0 and identify=1.
func InitCoreCommands() {
	RegisterResponse("identify_response", "offset=%u data=%*s")       // ID 0
	RegisterCommand("identify", "offset=%u count=%c", handleIdentify) // ID 1

	RegisterCommand("get_uptime", "", handleGetUptime)
	RegisterCommand("get_clock", "", handleGetClock)
	RegisterCommand("get_config", "", handleGetConfig)
	RegisterCommand("config_reset", "", handleConfigReset)
	RegisterCommand("finalize_config", "crc=%u", handleFinalizeConfig)
	RegisterCommand("allocate_oids", "count=%c", handleAllocateOids)
	RegisterCommand("emergency_stop", "", handleEmergencyStop)
	RegisterCommand("reset", "", handleReset)

	// Responses (MCU to host)
	RegisterResponse("clock", "clock=%u")
	RegisterResponse("uptime", "high=%u clock=%u")
	RegisterResponse("config", "is_config=%c crc=%u is_shutdown=%c move_count=%hu")
	RegisterResponse("shutdown", "clock=%u reason=%*s")

	RegisterConstant("CLOCK_FREQ", uint32(TimerFreq))
	RegisterConstant("STATS_SUMSQ_BASE", uint32(256))
}

// handleIdentify serves one chunk of the data dictionary.
func handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	chunk := GetGlobalDictionary().GetChunk(offset, uint8(count))

	SendResponse("identify_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})
	return nil
}

func handleGetUptime(data *[]byte) error {
	uptime := GetUptime()
	SendResponse("uptime", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(uptime>>32))
		protocol.EncodeVLQUint(output, uint32(uptime))
	})
	return nil
}

func handleGetClock(data *[]byte) error {
	clock := GetTime()
	SendResponse("clock", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, clock)
	})
	return nil
}

func handleGetConfig(data *[]byte) error {
	crc := atomic.LoadUint32(&globalState.configCRC)
	isShutdown := IsShutdown()
	isConfig := crc != 0

	SendResponse("config", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, boolArg(isConfig))
		protocol.EncodeVLQUint(output, crc)
		protocol.EncodeVLQUint(output, boolArg(isShutdown))
		protocol.EncodeVLQUint(output, uint32(globalState.moveCount))
	})
	return nil
}

func boolArg(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func handleConfigReset(data *[]byte) error {
	atomic.StoreUint32(&globalState.configCRC, 0)
	return nil
}

func handleFinalizeConfig(data *[]byte) error {
	crc, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	atomic.StoreUint32(&globalState.configCRC, crc)
	return nil
}

func handleAllocateOids(data *[]byte) error {
	_, err := protocol.DecodeVLQUint(data)
	return err
}

func handleEmergencyStop(data *[]byte) error {
	TryShutdown("emergency stop")
	return nil
}

// TryShutdown enters the fatal shutdown state with a reason. All sensor
// timers are disarmed, outputs return to their defaults, and the reason is
// reported to the host. A second call is a no-op; the first reason wins.
func TryShutdown(reason string) {
	if !atomic.CompareAndSwapUint32(&globalState.isShutdown, 0, 1) {
		return
	}
	globalState.shutdownReason = reason

	ShutdownAllADS1220()
	ShutdownAllHX71x()
	ShutdownAllHX711()
	ShutdownAllDigitalOut()
	ShutdownSPI()

	SendResponse("shutdown", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, GetTime())
		protocol.EncodeVLQBytes(output, []byte(reason))
	})
	DebugPrintln("shutdown: " + reason)
}

// IsShutdown reports whether the firmware is shut down.
func IsShutdown() bool {
	return atomic.LoadUint32(&globalState.isShutdown) != 0
}

// ShutdownReason returns the recorded fatal reason, or "".
func ShutdownReason() string {
	if !IsShutdown() {
		return ""
	}
	return globalState.shutdownReason
}

// ResetFirmwareState clears config and shutdown state for a reconnect.
func ResetFirmwareState() {
	atomic.StoreUint32(&globalState.configCRC, 0)
	atomic.StoreUint32(&globalState.isShutdown, 0)
	globalState.shutdownReason = ""
}

// SendResponse frames a pre-registered response message on the global
// transport, if one is attached.
func SendResponse(responseName string, args func(output protocol.OutputBuffer)) {
	if globalTransport == nil {
		return
	}
	cmd, ok := globalRegistry.GetCommandByName(responseName)
	if !ok {
		// All responses are registered during init; a miss is a firmware bug.
		panic("response not registered: " + responseName)
	}
	globalTransport.SendCommand(cmd.ID, args)
}

var globalTransport *protocol.Transport

// SetGlobalTransport attaches the transport used for responses.
func SetGlobalTransport(transport *protocol.Transport) {
	globalTransport = transport
}

var globalResetHandler func()

// resetPending defers the hardware reset until the ack has gone out.
var resetPending uint32 // atomic bool

// SetResetHandler registers the platform reset (watchdog trip, usually).
func SetResetHandler(handler func()) {
	globalResetHandler = handler
}

// handleReset schedules a hardware reset. The reset itself runs from the
// main loop after the ack for this command has been sent.
func handleReset(_ *[]byte) error {
	atomic.StoreUint32(&resetPending, 1)
	return nil
}

// CheckPendingReset executes a requested reset. Call from the main loop
// after flushing pending output.
func CheckPendingReset() {
	if atomic.LoadUint32(&resetPending) != 0 {
		if globalResetHandler != nil {
			globalResetHandler()
		}
	}
}
