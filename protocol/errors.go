package protocol

import "errors"

var (
	ErrMalformed       = errors.New("malformed frame")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrBeaconFull      = errors.New("beacon record region full")
	ErrQueueFull       = errors.New("transmit queue full")
	ErrNotAssociated   = errors.New("node not associated")
	ErrInvalidChannel  = errors.New("invalid channel (valid range: 0-125)")
	ErrRadioClosed     = errors.New("radio closed")
)
