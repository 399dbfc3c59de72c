// Package serialphy drives a radio modem attached over a serial line. The
// modem owns the RF front end; the host exchanges commands with it in
// byte-stuffed frames:
//
//	0x7E | stuffed(cmd, payload..., crc16 big-endian) | 0x7F
//
// The CRC is CRC-16-CCITT (poly 0x1021, init 0xFFFF) over cmd and payload.
// 0x7E, 0x7F and 0x7D inside a frame are sent as 0x7D followed by the byte
// XOR 0x20.
package serialphy

import "fmt"

const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Commands. TX, LISTEN, IDLE and CONFIG go to the modem; RX comes from it
// with the RSSI as the first payload byte.
const (
	CmdTx     byte = 0x01
	CmdRx     byte = 0x02
	CmdListen byte = 0x03
	CmdIdle   byte = 0x04
	CmdConfig byte = 0x05
)

// maxBody bounds cmd, RSSI, a maximal radio frame and the CRC.
const maxBody = 1 + 1 + 124 + 2

const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// CalculateCRC computes CRC-16-CCITT checksum for the given data
func CalculateCRC(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Frame is one decoded link frame.
type Frame struct {
	Cmd     byte
	Payload []byte
}

// EncodeFrame builds the wire form of a command.
func EncodeFrame(cmd byte, payload []byte) []byte {
	body := make([]byte, 0, len(payload)+3)
	body = append(body, cmd)
	body = append(body, payload...)
	crc := CalculateCRC(body)
	body = append(body, byte(crc>>8), byte(crc))

	out := make([]byte, 0, len(body)*2+2)
	out = append(out, StartByte)
	for _, b := range body {
		if b == StartByte || b == EndByte || b == EscByte {
			out = append(out, EscByte, b^EscXor)
		} else {
			out = append(out, b)
		}
	}
	return append(out, EndByte)
}

// Decoder reassembles frames from a byte stream. Bytes outside a frame are
// ignored; a START byte always begins a new frame.
type Decoder struct {
	buf     []byte
	inFrame bool
	escape  bool
}

func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, maxBody)}
}

func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.inFrame = false
	d.escape = false
}

// DecodeByte feeds one byte. It returns a frame when b completes one, and an
// error when a frame turns out to be corrupt.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	switch {
	case b == StartByte:
		d.Reset()
		d.inFrame = true
		return nil, nil
	case !d.inFrame:
		return nil, nil
	case b == EndByte:
		return d.finish()
	case b == EscByte:
		d.escape = true
		return nil, nil
	}

	if d.escape {
		b ^= EscXor
		d.escape = false
	}
	if len(d.buf) >= maxBody {
		d.Reset()
		return nil, fmt.Errorf("frame exceeds %d bytes", maxBody)
	}
	d.buf = append(d.buf, b)
	return nil, nil
}

func (d *Decoder) finish() (*Frame, error) {
	defer d.Reset()
	if d.escape {
		return nil, fmt.Errorf("frame ends inside an escape")
	}
	if len(d.buf) < 3 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(d.buf))
	}
	n := len(d.buf) - 2
	got := uint16(d.buf[n])<<8 | uint16(d.buf[n+1])
	if want := CalculateCRC(d.buf[:n]); got != want {
		return nil, fmt.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", want, got)
	}
	payload := make([]byte, n-1)
	copy(payload, d.buf[1:n])
	return &Frame{Cmd: d.buf[0], Payload: payload}, nil
}
