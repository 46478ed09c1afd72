// loadcell-host connects to a sensor board over serial, configures one
// load-cell converter, and streams raw counts to stdout.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"goscale/host/mcu"
	"goscale/protocol"
)

var (
	device   = flag.String("device", "", "serial device (e.g. /dev/ttyACM0)")
	sensor   = flag.String("sensor", "hx711", "sensor type: ads1220, hx711 or hx71x")
	restMS   = flag.Uint("rest-ms", 10, "sample period in milliseconds")
	duration = flag.Uint("duration", 0, "capture duration in seconds (0 = until interrupted)")

	gain    = flag.Uint("gain", 1, "gain/channel selection (1-4)")
	dout    = flag.String("dout", "0", "data pin(s), comma separated for hx71x")
	sclk    = flag.String("sclk", "1", "clock pin(s), comma separated for hx71x")
	spiBus  = flag.Uint("spi-bus", 0, "SPI bus id (ads1220)")
	csPin   = flag.Uint("cs-pin", 5, "chip select pin (ads1220)")
	drdyPin = flag.Uint("drdy-pin", 6, "data ready pin (ads1220)")
)

// Tick rate the boards run their sample clocks at.
const clockFreq = 12000000

const (
	sensorOID = 0
	spiOID    = 1
)

func main() {
	flag.Parse()
	if *device == "" {
		fmt.Fprintln(os.Stderr, "-device is required")
		os.Exit(1)
	}

	m := mcu.NewMCU()
	if err := m.Connect(*device); err != nil {
		fatal(err)
	}
	defer m.Close()

	if err := m.RetrieveDictionary(); err != nil {
		fatal(err)
	}
	dict := m.GetDictionary()
	fmt.Printf("connected: %s (%d commands)\n", dict.Version, len(dict.Commands))

	bulkDataID, ok := m.ResponseID("sensor_bulk_data")
	if !ok {
		fatal(fmt.Errorf("board has no sensor_bulk_data response"))
	}
	shutdownID, _ := m.ResponseID("shutdown")

	samples := make(chan int32, 256)
	m.SetResponseHandler(func(cmdID uint16, data *[]byte) error {
		switch cmdID {
		case bulkDataID:
			return decodeBulkData(data, samples)
		case shutdownID:
			reason := decodeShutdown(data)
			fmt.Fprintf(os.Stderr, "board shutdown: %s\n", reason)
			os.Exit(1)
		}
		return nil
	})

	if err := configureSensor(m); err != nil {
		fatal(err)
	}
	if *sensor == "ads1220" {
		if err := initADS1220(mcuSPILink{m}); err != nil {
			fatal(err)
		}
	}

	restTicks := uint32(*restMS) * (clockFreq / 1000)
	if err := startSampling(m, restTicks); err != nil {
		fatal(err)
	}
	fmt.Printf("sampling %s every %dms\n", *sensor, *restMS)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(time.Duration(*duration) * time.Second)
	}

	count := 0
loop:
	for {
		select {
		case v := <-samples:
			count++
			fmt.Printf("%d\t%d\n", count, v)
		case <-stop:
			break loop
		case <-timeout:
			break loop
		}
	}

	// stop sampling before closing the link
	if err := startSampling(m, 0); err != nil {
		fmt.Fprintf(os.Stderr, "stop failed: %v\n", err)
	}
	fmt.Printf("captured %d samples\n", count)
}

func configureSensor(m *mcu.MCU) error {
	if err := m.SendCommand("allocate_oids", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, 8)
	}); err != nil {
		return err
	}

	switch *sensor {
	case "ads1220":
		if err := m.SendCommand("config_spi", func(out protocol.OutputBuffer) {
			protocol.EncodeVLQUint(out, spiOID)
			protocol.EncodeVLQUint(out, uint32(*csPin))
			protocol.EncodeVLQUint(out, 0)
		}); err != nil {
			return err
		}
		if err := m.SendCommand("spi_set_bus", func(out protocol.OutputBuffer) {
			protocol.EncodeVLQUint(out, spiOID)
			protocol.EncodeVLQUint(out, uint32(*spiBus))
			protocol.EncodeVLQUint(out, 1) // ADS1220 is a mode 1 device
			protocol.EncodeVLQUint(out, 512000)
		}); err != nil {
			return err
		}
		if err := m.SendCommand("config_ads1220", func(out protocol.OutputBuffer) {
			protocol.EncodeVLQUint(out, sensorOID)
			protocol.EncodeVLQUint(out, spiOID)
			protocol.EncodeVLQUint(out, uint32(*drdyPin))
		}); err != nil {
			return err
		}

	case "hx711":
		doutPins, err := parsePins(*dout, 1)
		if err != nil {
			return err
		}
		sclkPins, err := parsePins(*sclk, 1)
		if err != nil {
			return err
		}
		if err := m.SendCommand("config_hx711", func(out protocol.OutputBuffer) {
			protocol.EncodeVLQUint(out, sensorOID)
			protocol.EncodeVLQUint(out, uint32(*gain))
			protocol.EncodeVLQUint(out, doutPins[0])
			protocol.EncodeVLQUint(out, sclkPins[0])
		}); err != nil {
			return err
		}

	case "hx71x":
		doutPins, err := parsePins(*dout, 4)
		if err != nil {
			return err
		}
		sclkPins, err := parsePins(*sclk, 4)
		if err != nil {
			return err
		}
		if len(doutPins) != len(sclkPins) {
			return fmt.Errorf("dout and sclk pin counts differ")
		}
		chipCount := len(doutPins)
		if err := m.SendCommand("config_hx71x", func(out protocol.OutputBuffer) {
			protocol.EncodeVLQUint(out, sensorOID)
			protocol.EncodeVLQUint(out, uint32(chipCount))
			protocol.EncodeVLQUint(out, uint32(*gain))
			protocol.EncodeVLQUint(out, 0) // no endstop
			for i := 0; i < 4; i++ {
				if i < chipCount {
					protocol.EncodeVLQUint(out, doutPins[i])
					protocol.EncodeVLQUint(out, sclkPins[i])
				} else {
					protocol.EncodeVLQUint(out, 0)
					protocol.EncodeVLQUint(out, 0)
				}
			}
		}); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown sensor type %q", *sensor)
	}

	return m.SendCommand("finalize_config", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, 0)
	})
}

// ADS1220 serial interface command bytes.
const (
	ads1220Reset     = 0x06
	ads1220StartSync = 0x08
	ads1220RReg      = 0x20
	ads1220WReg      = 0x40
)

// ads1220Regs is the configuration image written after reset: AIN0/AIN1,
// gain 128, PGA enabled; 660 SPS in turbo mode, continuous conversion.
var ads1220Regs = [4]byte{0x0E, 0x94, 0x00, 0x00}

// ads1220Link is the SPI surface the chip bring-up needs. The real
// implementation goes through the board's spidev commands.
type ads1220Link interface {
	send(data []byte) error
	transfer(tx []byte) ([]byte, error)
}

type mcuSPILink struct {
	m *mcu.MCU
}

func (l mcuSPILink) send(data []byte) error {
	return l.m.SendCommand("spi_send", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, spiOID)
		protocol.EncodeVLQBytes(out, data)
	})
}

func (l mcuSPILink) transfer(tx []byte) ([]byte, error) {
	if err := l.m.SendCommand("spi_transfer", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, spiOID)
		protocol.EncodeVLQBytes(out, tx)
	}); err != nil {
		return nil, err
	}

	respID, ok := l.m.ResponseID("spi_transfer_response")
	if !ok {
		return nil, fmt.Errorf("board has no spi_transfer_response")
	}
	deadline := time.Now().Add(time.Second)
	for {
		resp, err := l.m.ReceiveResponse(time.Until(deadline))
		if err != nil {
			return nil, err
		}
		payload := resp.Payload
		cmdID, err := protocol.DecodeVLQUint(&payload)
		if err != nil || uint16(cmdID) != respID {
			continue
		}
		if _, err := protocol.DecodeVLQUint(&payload); err != nil { // oid
			return nil, err
		}
		rx, err := protocol.DecodeVLQBytes(&payload)
		if err != nil {
			return nil, err
		}
		if len(rx) != len(tx) {
			return nil, fmt.Errorf("short spi response: %d bytes, want %d", len(rx), len(tx))
		}
		return rx, nil
	}
}

// initADS1220 brings the chip out of its power-on single-shot mode:
// reset, verify the all-zero register state, write the configuration
// with readback, then START/SYNC so conversions run continuously.
func initADS1220(link ads1220Link) error {
	if err := link.send([]byte{ads1220Reset}); err != nil {
		return err
	}
	regs, err := ads1220ReadRegs(link, 0, 4)
	if err != nil {
		return err
	}
	for _, b := range regs {
		if b != 0 {
			return fmt.Errorf("bad ADS1220 reset state % x, want all zero (check wiring)", regs)
		}
	}

	for i, val := range ads1220Regs {
		if val == 0 {
			continue
		}
		if err := link.send([]byte{ads1220WReg | byte(i)<<2, val}); err != nil {
			return err
		}
		got, err := ads1220ReadRegs(link, byte(i), 1)
		if err != nil {
			return err
		}
		if got[0] != val {
			return fmt.Errorf("ADS1220 register %#x readback %#x, want %#x (check wiring)",
				i, got[0], val)
		}
	}

	return link.send([]byte{ads1220StartSync})
}

// ads1220ReadRegs reads count registers starting at reg.
func ads1220ReadRegs(link ads1220Link, reg byte, count int) ([]byte, error) {
	tx := make([]byte, 1+count)
	tx[0] = ads1220RReg | reg<<2 | byte(count-1)
	rx, err := link.transfer(tx)
	if err != nil {
		return nil, err
	}
	return rx[1:], nil
}

func startSampling(m *mcu.MCU, restTicks uint32) error {
	queryCmd := map[string]string{
		"ads1220": "query_ads1220",
		"hx711":   "query_hx711",
		"hx71x":   "query_hx71x",
	}[*sensor]

	return m.SendCommand(queryCmd, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, sensorOID)
		protocol.EncodeVLQUint(out, restTicks)
	})
}

// decodeBulkData unpacks one sensor_bulk_data block: oid, sequence, then
// little-endian 32-bit signed samples.
func decodeBulkData(data *[]byte, samples chan<- int32) error {
	if _, err := protocol.DecodeVLQUint(data); err != nil { // oid
		return err
	}
	if _, err := protocol.DecodeVLQUint(data); err != nil { // sequence
		return err
	}
	raw, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	for len(raw) >= 4 {
		v := int32(binary.LittleEndian.Uint32(raw[:4]))
		raw = raw[4:]
		select {
		case samples <- v:
		default: // drop rather than stall the reader
		}
	}
	return nil
}

func decodeShutdown(data *[]byte) string {
	if _, err := protocol.DecodeVLQUint(data); err != nil { // clock
		return "(unparseable)"
	}
	reason, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return "(unparseable)"
	}
	return string(reason)
}

func parsePins(s string, max int) ([]uint32, error) {
	parts := strings.Split(s, ",")
	if len(parts) == 0 || len(parts) > max {
		return nil, fmt.Errorf("expected 1-%d pins, got %q", max, s)
	}
	pins := make([]uint32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad pin %q: %w", p, err)
		}
		pins = append(pins, uint32(n))
	}
	return pins, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
