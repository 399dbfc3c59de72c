package protocol

import (
	"encoding/binary"
	"fmt"
)

// Header is the common prefix of every frame exchanged on the air.
// Layout: DstAddr(2) | SrcAddr(2) | Type(1)
type Header struct {
	Dst  NodeAddress
	Src  NodeAddress
	Type byte
}

// DataFrame carries an application payload from a node to its coordinator.
type DataFrame struct {
	Header
	Payload []byte
}

// MgtFrame is a node-to-coordinator management request (attach or leave).
type MgtFrame struct {
	Header
	Command byte
}

func putHeader(data []byte, h Header) {
	binary.BigEndian.PutUint16(data[0:2], uint16(h.Dst))
	binary.BigEndian.PutUint16(data[2:4], uint16(h.Src))
	data[4] = h.Type
}

// DecodeHeader reads the frame header and checks the overall length bounds
// shared by all frame kinds.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < FrameHeaderLength || len(data) > MaxDataFrameLength {
		return Header{}, fmt.Errorf("%w: length %d", ErrMalformed, len(data))
	}
	return Header{
		Dst:  NodeAddress(binary.BigEndian.Uint16(data[0:2])),
		Src:  NodeAddress(binary.BigEndian.Uint16(data[2:4])),
		Type: data[4],
	}, nil
}

func decodeTyped(data []byte, want byte) (Header, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return h, err
	}
	if h.Type != want {
		return h, fmt.Errorf("%w: type %#x, want %#x", ErrMalformed, h.Type, want)
	}
	return h, nil
}

// EncodeData serialises a data frame. Payloads above MaxPacketLength are
// rejected rather than truncated.
func EncodeData(src, dst NodeAddress, payload []byte) ([]byte, error) {
	if len(payload) > MaxPacketLength {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPacketLength)
	}
	data := make([]byte, FrameHeaderLength+len(payload))
	putHeader(data, Header{Dst: dst, Src: src, Type: FrameTypeData})
	copy(data[FrameHeaderLength:], payload)
	return data, nil
}

func DecodeData(data []byte) (*DataFrame, error) {
	h, err := decodeTyped(data, FrameTypeData)
	if err != nil {
		return nil, err
	}
	f := &DataFrame{Header: h, Payload: make([]byte, len(data)-FrameHeaderLength)}
	copy(f.Payload, data[FrameHeaderLength:])
	return f, nil
}

func EncodeMgt(src, dst NodeAddress, command byte) []byte {
	data := make([]byte, MgtFrameLength)
	putHeader(data, Header{Dst: dst, Src: src, Type: FrameTypeMgt})
	data[FrameHeaderLength] = command
	return data
}

func DecodeMgt(data []byte) (*MgtFrame, error) {
	h, err := decodeTyped(data, FrameTypeMgt)
	if err != nil {
		return nil, err
	}
	if len(data) != MgtFrameLength {
		return nil, fmt.Errorf("%w: management frame length %d", ErrMalformed, len(data))
	}
	return &MgtFrame{Header: h, Command: data[FrameHeaderLength]}, nil
}
