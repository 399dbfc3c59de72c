package protocol

// Generic MAC framing constants shared by the coordinator and node roles.
const (
	// Header layout:
	//   DstAddr (2) | SrcAddr (2) | Type (1)
	// All multi-byte fields are big-endian.
	AddressSize       = 2
	FrameHeaderLength = 2*AddressSize + 1

	// Largest data payload a node may queue for the coordinator.
	MaxPacketLength = 119
	// Largest downlink payload the coordinator may piggyback on a beacon.
	MaxCoordSendLength = 15
	// Capacity of the beacon record region.
	MaxBeaconDataLength = 55

	MaxDataFrameLength   = FrameHeaderLength + MaxPacketLength
	MgtFrameLength       = FrameHeaderLength + 1
	BeaconHeaderLength   = FrameHeaderLength + 1 // header + beacon id
	MaxBeaconFrameLength = BeaconHeaderLength + MaxBeaconDataLength

	// Record layout: Dest (2) | Length<<4 | Type (1) | Payload (0-15)
	RecordHeaderLength = AddressSize + 1
	MaxRecordLength    = 0x0F

	// Frame types
	FrameTypeBeacon = 0x1
	FrameTypeMgt    = 0x2
	FrameTypeData   = 0x3

	// Management values, used both as record types and as the command byte of
	// management frames.
	MgtAssociate   = 0x1
	MgtDissociate  = 0x2
	MgtData        = 0x3
	mgtTypeMask    = 0x0F
	mgtLengthShift = 4

	// RF defaults
	DefaultChannel = 4
	MaxChannel     = 125
)
