package protocol

import (
	"encoding/binary"
	"fmt"
)

// Record is a management record piggybacked on a beacon.
// Layout: Dest(2) | Length<<4 | Type (1) | Payload(Length)
type Record struct {
	Dest    NodeAddress
	Type    byte
	Payload []byte
}

// Beacon is a decoded beacon frame. Its records are walked lazily through
// Records.
type Beacon struct {
	Header
	ID      byte
	records []byte
}

// Records returns a fresh iterator over the beacon's management records in
// wire order.
func (b *Beacon) Records() *RecordIterator { return &RecordIterator{data: b.records} }

// RecordIterator walks a record region that DecodeBeacon has already
// validated. It is finite and cannot be restarted.
type RecordIterator struct {
	data []byte
	pos  int
}

// Next returns the next record, or false once the region is exhausted.
func (it *RecordIterator) Next() (Record, bool) {
	r, n, err := readRecord(it.data[it.pos:])
	if err != nil || n == 0 {
		it.pos = len(it.data)
		return Record{}, false
	}
	it.pos += n
	return r, true
}

func readRecord(data []byte) (Record, int, error) {
	if len(data) == 0 {
		return Record{}, 0, nil
	}
	if len(data) < RecordHeaderLength {
		return Record{}, 0, fmt.Errorf("%w: truncated record header", ErrMalformed)
	}
	tl := data[AddressSize]
	length := int(tl >> mgtLengthShift)
	end := RecordHeaderLength + length
	if end > len(data) {
		return Record{}, 0, fmt.Errorf("%w: record length %d overruns frame", ErrMalformed, length)
	}
	r := Record{
		Dest:    NodeAddress(binary.BigEndian.Uint16(data[0:2])),
		Type:    tl & mgtTypeMask,
		Payload: make([]byte, length),
	}
	copy(r.Payload, data[RecordHeaderLength:end])
	return r, end, nil
}

// DecodeBeacon validates a beacon frame, including a full walk of its record
// region, and returns it ready for iteration.
func DecodeBeacon(data []byte) (*Beacon, error) {
	if len(data) < BeaconHeaderLength || len(data) > MaxBeaconFrameLength {
		return nil, fmt.Errorf("%w: beacon length %d", ErrMalformed, len(data))
	}
	h, err := decodeTyped(data, FrameTypeBeacon)
	if err != nil {
		return nil, err
	}
	region := data[BeaconHeaderLength:]
	for rest := region; len(rest) > 0; {
		_, n, err := readRecord(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]
	}
	b := &Beacon{Header: h, ID: data[FrameHeaderLength], records: make([]byte, len(region))}
	copy(b.records, region)
	return b, nil
}

// BeaconBuilder accumulates management records for the next beacon. It never
// allocates beyond its fixed record region.
type BeaconBuilder struct {
	src  NodeAddress
	id   byte
	buf  [MaxBeaconDataLength]byte
	used int
}

func NewBeaconBuilder(src NodeAddress) *BeaconBuilder { return &BeaconBuilder{src: src} }

// Append adds a record. A record that does not fit in the remaining space is
// rejected with ErrBeaconFull and leaves the builder untouched.
func (b *BeaconBuilder) Append(dest NodeAddress, typ byte, payload []byte) error {
	if len(payload) > MaxRecordLength {
		return fmt.Errorf("%w: record payload %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxRecordLength)
	}
	if b.used+RecordHeaderLength+len(payload) > MaxBeaconDataLength {
		return ErrBeaconFull
	}
	binary.BigEndian.PutUint16(b.buf[b.used:], uint16(dest))
	b.buf[b.used+AddressSize] = typ&mgtTypeMask | byte(len(payload))<<mgtLengthShift
	copy(b.buf[b.used+RecordHeaderLength:], payload)
	b.used += RecordHeaderLength + len(payload)
	return nil
}

// Len returns the number of record bytes accumulated so far.
func (b *BeaconBuilder) Len() int { return b.used }

// ID returns the id the next encoded beacon will carry.
func (b *BeaconBuilder) ID() byte { return b.id }

// Encode serialises the pending beacon, then clears the record region and
// advances the beacon id (wrapping at 255).
func (b *BeaconBuilder) Encode() []byte {
	data := EncodeBeacon(b.src, b.id, b.buf[:b.used])
	b.used = 0
	b.id++
	return data
}

// EncodeBeacon serialises a broadcast beacon around an already encoded
// record region.
func EncodeBeacon(src NodeAddress, id byte, records []byte) []byte {
	data := make([]byte, BeaconHeaderLength+len(records))
	putHeader(data, Header{Dst: AddressBroadcast, Src: src, Type: FrameTypeBeacon})
	data[FrameHeaderLength] = id
	copy(data[BeaconHeaderLength:], records)
	return data
}
