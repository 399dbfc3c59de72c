package protocol

import (
	"fmt"
	"strconv"
)

// NodeAddress identifies a device on the TDMA network. It is learned once at
// boot and never changes for the life of the process.
type NodeAddress uint16

const (
	AddressNone      NodeAddress = 0x0000
	AddressBroadcast NodeAddress = 0xFFFF
)

// AddressFromSerial folds a hardware serial number into a node address using
// its two least significant bytes (serial[0] is the low byte).
func AddressFromSerial(serial []byte) NodeAddress {
	switch len(serial) {
	case 0:
		return AddressNone
	case 1:
		return NodeAddress(serial[0])
	}
	return NodeAddress(uint16(serial[1])<<8 | uint16(serial[0]))
}

func (a NodeAddress) String() string { return fmt.Sprintf("%04x", uint16(a)) }

// IsUnicast reports whether a can own a slot.
func (a NodeAddress) IsUnicast() bool { return a != AddressNone && a != AddressBroadcast }

// ParseAddress reads an address written in decimal or with a 0x prefix.
func ParseAddress(s string) (NodeAddress, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return AddressNone, fmt.Errorf("parse address %q: %w", s, err)
	}
	return NodeAddress(v), nil
}
