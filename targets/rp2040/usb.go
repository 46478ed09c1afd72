//go:build rp2040

package main

import (
	"machine"
)

// InitUSB configures the USB CDC serial port. On RP2040 machine.Serial
// is the USB CDC endpoint, not a hardware UART.
func InitUSB() {
	err := machine.Serial.Configure(machine.UARTConfig{})
	if err != nil {
		return
	}
}

// USBAvailable reports buffered input bytes.
func USBAvailable() int {
	return machine.Serial.Buffered()
}

// USBRead reads one byte from the USB serial port.
func USBRead() (byte, error) {
	return machine.Serial.ReadByte()
}

// USBWriteBytes writes data to the USB serial port.
func USBWriteBytes(data []byte) (int, error) {
	return machine.Serial.Write(data)
}
