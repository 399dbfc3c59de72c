// Package appdata encodes the application payloads exchanged by the demo
// coordinator and nodes. A message is a CBOR array [type, payload] whose
// payload is a map with small integer keys.
package appdata

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	proto "github.com/ystepanoff/nrftdma/protocol"
)

const (
	MsgReading uint8 = 1
	MsgAck     uint8 = 2
)

var ErrUnknownMessage = errors.New("appdata: unknown message type")

// Reading is a node's periodic sensor report.
type Reading struct {
	Seq         uint32 `cbor:"0,keyasint"`
	Temperature int16  `cbor:"1,keyasint"` // centi-degrees Celsius
	BatteryMV   uint16 `cbor:"2,keyasint"`
	UptimeSec   uint32 `cbor:"3,keyasint,omitempty"`
}

// Ack confirms a Reading. It travels in a beacon record, so it must stay
// within proto.MaxCoordSendLength once encoded.
type Ack struct {
	Seq uint32 `cbor:"0,keyasint"`
}

type envelope struct {
	_       struct{} `cbor:",toarray"`
	Type    uint8
	Payload cbor.RawMessage
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("appdata: cbor enc mode: %v", err))
	}
	return em
}()

func encode(msgType uint8, v any, limit int) ([]byte, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("appdata: encode payload: %w", err)
	}
	data, err := encMode.Marshal(envelope{Type: msgType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("appdata: encode message: %w", err)
	}
	if len(data) > limit {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", proto.ErrPayloadTooLarge, len(data), limit)
	}
	return data, nil
}

// EncodeReading encodes r for a node's uplink.
func EncodeReading(r Reading) ([]byte, error) { return encode(MsgReading, r, proto.MaxPacketLength) }

// EncodeAck encodes a for a coordinator downlink record.
func EncodeAck(a Ack) ([]byte, error) { return encode(MsgAck, a, proto.MaxCoordSendLength) }

// Decode returns the message type and a *Reading or *Ack.
func Decode(data []byte) (uint8, any, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("appdata: empty message")
	}
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return 0, nil, fmt.Errorf("appdata: decode message: %w", err)
	}

	var v any
	switch env.Type {
	case MsgReading:
		v = &Reading{}
	case MsgAck:
		v = &Ack{}
	default:
		return env.Type, nil, fmt.Errorf("%w: %d", ErrUnknownMessage, env.Type)
	}
	if err := cbor.Unmarshal(env.Payload, v); err != nil {
		return env.Type, nil, fmt.Errorf("appdata: decode payload: %w", err)
	}
	return env.Type, v, nil
}
