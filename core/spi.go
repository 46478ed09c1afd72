// SPI device management. Each spidev oid binds a bus, mode, rate and an
// optional chip select pin; sensors transfer through the device so the CS
// discipline stays in one place.
package core

import (
	"errors"

	"goscale/protocol"
)

// SPIDevice flags
const (
	SF_HAVE_PIN       = 1 << 0 // CS pin configured
	SF_CS_ACTIVE_HIGH = 1 << 1
	SF_HARDWARE       = 1 << 2 // bus assigned
)

// SPIDevice is one configured SPI peripheral.
type SPIDevice struct {
	OID   uint8
	Flags uint8

	CSPin GPIOPin

	Bus    SPIBusID
	Handle interface{} // driver bus handle

	ShutdownMsg []byte
}

var spiDevices = make(map[uint8]*SPIDevice)

// InitSPICommands registers the SPI device commands.
func InitSPICommands() {
	RegisterCommand("config_spi", "oid=%c pin=%u cs_active_high=%c", handleConfigSPI)
	RegisterCommand("config_spi_without_cs", "oid=%c", handleConfigSPIWithoutCS)
	RegisterCommand("spi_set_bus", "oid=%c spi_bus=%u mode=%u rate=%u", handleSPISetBus)
	RegisterCommand("config_spi_shutdown", "oid=%c spi_oid=%c shutdown_msg=%*s", handleConfigSPIShutdown)
	RegisterCommand("spi_transfer", "oid=%c data=%*s", handleSPITransfer)
	RegisterCommand("spi_send", "oid=%c data=%*s", handleSPISend)
	RegisterResponse("spi_transfer_response", "oid=%c response=%*s")
}

// GetSPIDevice looks up a configured device by oid.
func GetSPIDevice(oid uint8) (*SPIDevice, bool) {
	dev, ok := spiDevices[oid]
	return dev, ok
}

func handleConfigSPI(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	pin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	csActiveHigh, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev := &SPIDevice{
		OID:   uint8(oid),
		Flags: SF_HAVE_PIN,
		CSPin: GPIOPin(pin),
	}
	if csActiveHigh != 0 {
		dev.Flags |= SF_CS_ACTIVE_HIGH
	}

	if err := MustGPIO().ConfigureOutput(dev.CSPin); err != nil {
		return err
	}
	// park CS deasserted
	if err := MustGPIO().SetPin(dev.CSPin, csActiveHigh == 0); err != nil {
		return err
	}

	spiDevices[uint8(oid)] = dev
	return nil
}

func handleConfigSPIWithoutCS(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	spiDevices[uint8(oid)] = &SPIDevice{OID: uint8(oid)}
	return nil
}

func handleSPISetBus(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	bus, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	mode, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	rate, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists {
		return errors.New("spi_set_bus: unknown oid")
	}
	if dev.Flags&SF_HARDWARE != 0 {
		return errors.New("spi_set_bus: bus already set")
	}
	if mode > 3 {
		return errors.New("spi_set_bus: invalid mode")
	}

	handle, err := MustSPI().ConfigureBus(SPIConfig{
		BusID: SPIBusID(bus),
		Mode:  SPIMode(mode),
		Rate:  rate,
	})
	if err != nil {
		return err
	}
	dev.Bus = SPIBusID(bus)
	dev.Handle = handle
	dev.Flags |= SF_HARDWARE
	return nil
}

func handleConfigSPIShutdown(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	spiOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	msg, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(spiOID)]
	if !exists {
		return errors.New("config_spi_shutdown: unknown spi oid")
	}
	_ = oid
	dev.ShutdownMsg = append([]byte(nil), msg...)
	return nil
}

// spiDeviceTransfer runs one transaction with CS discipline. When receive
// is false the read data is discarded.
func spiDeviceTransfer(dev *SPIDevice, receive bool, buf []byte) error {
	if dev.Flags&SF_HARDWARE == 0 {
		return errors.New("spi device has no bus")
	}

	if dev.Flags&SF_HAVE_PIN != 0 {
		assert := dev.Flags&SF_CS_ACTIVE_HIGH != 0
		if err := MustGPIO().SetPin(dev.CSPin, assert); err != nil {
			return err
		}
		defer MustGPIO().SetPin(dev.CSPin, !assert)
	}

	var rx []byte
	if receive {
		rx = buf
	} else {
		rx = make([]byte, len(buf))
	}
	return MustSPI().Transfer(dev.Handle, buf, rx)
}

func handleSPITransfer(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	payload, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists {
		return errors.New("spi_transfer: unknown oid")
	}

	buf := append([]byte(nil), payload...)
	if err := spiDeviceTransfer(dev, true, buf); err != nil {
		return err
	}
	SendResponse("spi_transfer_response", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, oid)
		protocol.EncodeVLQBytes(out, buf)
	})
	return nil
}

func handleSPISend(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	payload, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists {
		return errors.New("spi_send: unknown oid")
	}

	buf := append([]byte(nil), payload...)
	return spiDeviceTransfer(dev, false, buf)
}

// ShutdownSPI sends each device's configured shutdown message.
func ShutdownSPI() {
	for _, dev := range spiDevices {
		if dev == nil || len(dev.ShutdownMsg) == 0 {
			continue
		}
		buf := append([]byte(nil), dev.ShutdownMsg...)
		_ = spiDeviceTransfer(dev, false, buf)
	}
}
