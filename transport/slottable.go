package transport

import proto "github.com/ystepanoff/nrftdma/protocol"

// SlotTable maps node addresses to uplink slots. Slot numbers run from 1 to
// the table size; 0 means "no slot". An address occupies at most one entry.
type SlotTable struct {
	slots []proto.NodeAddress
}

func NewSlotTable(size int) *SlotTable {
	return &SlotTable{slots: make([]proto.NodeAddress, size)}
}

// Clear frees every slot.
func (t *SlotTable) Clear() {
	for i := range t.slots {
		t.slots[i] = proto.AddressNone
	}
}

// Add assigns the lowest free slot to addr. If addr already owns a slot that
// slot is returned unchanged. It returns 0 when the table is full or addr
// cannot own a slot.
func (t *SlotTable) Add(addr proto.NodeAddress) uint8 {
	if !addr.IsUnicast() {
		return 0
	}
	if pos := t.Position(addr); pos != 0 {
		return pos
	}
	for i, owner := range t.slots {
		if owner == proto.AddressNone {
			t.slots[i] = addr
			return uint8(i + 1)
		}
	}
	return 0
}

// Remove frees the slot owned by addr and returns it, or 0 if addr had none.
func (t *SlotTable) Remove(addr proto.NodeAddress) uint8 {
	pos := t.Position(addr)
	if pos != 0 {
		t.slots[pos-1] = proto.AddressNone
	}
	return pos
}

// Position returns the slot owned by addr, or 0.
func (t *SlotTable) Position(addr proto.NodeAddress) uint8 {
	if !addr.IsUnicast() {
		return 0
	}
	for i, owner := range t.slots {
		if owner == addr {
			return uint8(i + 1)
		}
	}
	return 0
}

// Owner returns the address holding slot, or AddressNone.
func (t *SlotTable) Owner(slot uint8) proto.NodeAddress {
	if slot == 0 || int(slot) > len(t.slots) {
		return proto.AddressNone
	}
	return t.slots[slot-1]
}

// Used counts the occupied slots.
func (t *SlotTable) Used() int {
	n := 0
	for _, owner := range t.slots {
		if owner != proto.AddressNone {
			n++
		}
	}
	return n
}

func (t *SlotTable) Size() int { return len(t.slots) }
