// Package protocol implements the Klipper MCU wire protocol used between
// the goscale firmware and its host.
package protocol

// Version is the goscale firmware version reported in the data dictionary.
const Version = "0.1.0"

// MessageMax sizes the output scratch buffer; it holds several queued
// blocks between flushes.
const MessageMax = 512

// MessageSeqMask selects the rolling sequence bits of a block's sequence
// byte; the high bits carry MessageDest.
const MessageSeqMask = 0x0F
