package core

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"

	"goscale/protocol"
)

func TestCommandRegisterAndDispatch(t *testing.T) {
	resetTestState()

	var got uint32
	id := RegisterCommand("ping", "oid=%c", func(data *[]byte) error {
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		got = v
		return nil
	})

	data := encodeUints(42)
	if err := DispatchCommand(id, &data); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if got != 42 {
		t.Errorf("handler saw %d, want 42", got)
	}

	// re-registering a name keeps the original id
	if again := RegisterCommand("ping", "oid=%c", nil); again != id {
		t.Errorf("re-register returned %d, want %d", again, id)
	}
}

func TestCommandDispatchErrors(t *testing.T) {
	resetTestState()

	data := []byte{}
	if err := DispatchCommand(999, &data); err == nil {
		t.Error("unknown id must error")
	}

	id := RegisterResponse("pong", "clock=%u")
	if err := DispatchCommand(id, &data); err == nil {
		t.Error("dispatching a response must error")
	}
}

func TestCoreCommandBootstrapIDs(t *testing.T) {
	resetTestState()
	InitCoreCommands()

	// the host bootstrap hardcodes these two ids
	cmd, ok := globalRegistry.GetCommandByName("identify_response")
	if !ok || cmd.ID != 0 {
		t.Fatalf("identify_response id = %v, want 0", cmd)
	}
	cmd, ok = globalRegistry.GetCommandByName("identify")
	if !ok || cmd.ID != 1 {
		t.Fatalf("identify id = %v, want 1", cmd)
	}
}

func TestTryShutdownFirstReasonWins(t *testing.T) {
	resetTestState()

	TryShutdown("first fault")
	TryShutdown("second fault")

	if !IsShutdown() {
		t.Fatal("not shut down")
	}
	if ShutdownReason() != "first fault" {
		t.Errorf("reason = %q, want the first fault", ShutdownReason())
	}

	ResetFirmwareState()
	if IsShutdown() || ShutdownReason() != "" {
		t.Error("reset did not clear the shutdown state")
	}
}

func TestShutdownDisarmsSensors(t *testing.T) {
	resetTestState()
	setupADS1220(t, 1600)
	callHandler(t, handleConfigHX711, 5, 1, 2, 3)
	callHandler(t, handleQueryHX711, 5, 1000)

	a := ads1220Sensors[testADS1220OID]
	h := hx711Sensors[5]
	if !timerIsScheduled(&a.Timer) || !timerIsScheduled(&h.Timer) {
		t.Fatal("sensors not armed")
	}

	TryShutdown("test fault")

	if timerIsScheduled(&a.Timer) || timerIsScheduled(&h.Timer) {
		t.Error("sensor timers survive a shutdown")
	}
	if a.State != sensorIdle || h.State != sensorIdle {
		t.Error("sensor state not idled by shutdown")
	}
}

func TestShutdownRefusesSensorCommands(t *testing.T) {
	resetTestState()
	InitCoreCommands()
	InitSPICommands()
	InitADS1220Commands()

	s := setupADS1220(t, 0)
	TryShutdown("test fault")

	query, ok := globalRegistry.GetCommandByName("query_ads1220")
	if !ok {
		t.Fatal("query_ads1220 not registered")
	}
	data := encodeUints(testADS1220OID, 1600)
	if err := DispatchCommand(query.ID, &data); err == nil {
		t.Fatal("query_ads1220 accepted while shut down")
	}
	if timerIsScheduled(&s.Timer) {
		t.Error("sensor rearmed while shut down")
	}

	// the identify/config group stays reachable so the host can recover
	for _, name := range []string{"get_config", "config_reset"} {
		cmd, ok := globalRegistry.GetCommandByName(name)
		if !ok {
			t.Fatalf("%s not registered", name)
		}
		var args []byte
		if err := DispatchCommand(cmd.ID, &args); err != nil {
			t.Errorf("%s refused while shut down: %v", name, err)
		}
	}
}

func TestFinalizeConfig(t *testing.T) {
	resetTestState()

	callHandler(t, handleFinalizeConfig, 0xDEAD)
	if got := atomic.LoadUint32(&globalState.configCRC); got != 0xDEAD {
		t.Errorf("crc = %#x, want 0xdead", got)
	}
	callHandler(t, handleConfigReset)
	if got := atomic.LoadUint32(&globalState.configCRC); got != 0 {
		t.Errorf("crc = %#x after reset, want 0", got)
	}
}

type dictJSON struct {
	Version   string            `json:"version"`
	Config    map[string]string `json:"config"`
	Commands  map[string]int    `json:"commands"`
	Responses map[string]int    `json:"responses"`
}

func TestDictionaryRoundTrip(t *testing.T) {
	reg := NewCommandRegistry()
	reg.Register("query_sensor", "oid=%c rest_ticks=%u", func(*[]byte) error { return nil })
	reg.Register("sensor_data", "oid=%c data=%*s", nil)

	d := NewDictionary(reg)
	d.AddConstant("CLOCK_FREQ", uint32(TimerFreq))
	d.BuildDictionary()

	blob := d.Generate()
	r, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("dictionary is not zlib framed: %v", err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("inflate failed: %v", err)
	}

	var dict dictJSON
	if err := json.Unmarshal(raw, &dict); err != nil {
		t.Fatalf("dictionary is not valid JSON: %v\n%s", err, raw)
	}
	if id, ok := dict.Commands["query_sensor oid=%c rest_ticks=%u"]; !ok || id != 0 {
		t.Errorf("commands = %v", dict.Commands)
	}
	if id, ok := dict.Responses["sensor_data oid=%c data=%*s"]; !ok || id != 1 {
		t.Errorf("responses = %v", dict.Responses)
	}
	if dict.Config["CLOCK_FREQ"] != "12000000" {
		t.Errorf("CLOCK_FREQ = %q", dict.Config["CLOCK_FREQ"])
	}
}

func TestDictionaryChunking(t *testing.T) {
	reg := NewCommandRegistry()
	d := NewDictionary(reg)
	d.BuildDictionary()

	full := d.Generate()
	var rebuilt []byte
	for offset := uint32(0); ; {
		chunk := d.GetChunk(offset, 40)
		if len(chunk) == 0 {
			break
		}
		rebuilt = append(rebuilt, chunk...)
		offset += uint32(len(chunk))
	}
	if !bytes.Equal(rebuilt, full) {
		t.Errorf("chunked read differs: %d vs %d bytes", len(rebuilt), len(full))
	}
}
