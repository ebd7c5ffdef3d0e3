// Package storage implements the paged storage engine: file layout, page
// allocator, page cache, and the typed page structures of spec §3-§4.2
// (L0/L1), plus the slotted data-page / overflow-chain layout of §4.5
// (L4).
package storage

import "encoding/binary"

// PageType identifies the role a page plays (spec §3).
type PageType byte

const (
	PageTypeEmpty      PageType = 0
	PageTypeHeader     PageType = 1
	PageTypeCollection PageType = 2
	PageTypeData       PageType = 3
	PageTypeIndex      PageType = 4
	PageTypeJournal    PageType = 5
	PageTypeExtension  PageType = 6
)

// PageHeaderSize is the fixed 32-byte header every page begins with
// (spec §3): type(1) reserved(1) pageId(4) prevPageId(4) nextPageId(4)
// freeBytes(2) itemCount(2) version(4) checksum(4) pad(6).
const PageHeaderSize = 32

const (
	offType       = 0
	offReserved   = 1
	offPageID     = 2
	offPrevPageID = 6
	offNextPageID = 10
	offFreeBytes  = 14
	offItemCount  = 16
	offVersion    = 18
	offChecksum   = 22
	// bytes [26:32) are the reserved pad.
)

// Page is a single page buffer. Its length is always the database's
// configured page size.
type Page struct {
	Data []byte
}

// NewPage allocates a zeroed page stamped with type and id, with
// FreeBytes initialized to the entire payload area after the header.
func NewPage(size int, ptype PageType, pageID uint32) *Page {
	p := &Page{Data: make([]byte, size)}
	p.Data[offType] = byte(ptype)
	binary.LittleEndian.PutUint32(p.Data[offPageID:], pageID)
	p.SetFreeBytes(uint16(size - PageHeaderSize))
	return p
}

func (p *Page) Type() PageType     { return PageType(p.Data[offType]) }
func (p *Page) SetType(t PageType) { p.Data[offType] = byte(t) }

func (p *Page) PageID() uint32      { return binary.LittleEndian.Uint32(p.Data[offPageID:]) }
func (p *Page) SetPageID(id uint32) { binary.LittleEndian.PutUint32(p.Data[offPageID:], id) }

func (p *Page) PrevPageID() uint32 { return binary.LittleEndian.Uint32(p.Data[offPrevPageID:]) }
func (p *Page) SetPrevPageID(id uint32) {
	binary.LittleEndian.PutUint32(p.Data[offPrevPageID:], id)
}

func (p *Page) NextPageID() uint32 { return binary.LittleEndian.Uint32(p.Data[offNextPageID:]) }
func (p *Page) SetNextPageID(id uint32) {
	binary.LittleEndian.PutUint32(p.Data[offNextPageID:], id)
}

func (p *Page) FreeBytes() uint16 { return binary.LittleEndian.Uint16(p.Data[offFreeBytes:]) }
func (p *Page) SetFreeBytes(n uint16) {
	binary.LittleEndian.PutUint16(p.Data[offFreeBytes:], n)
}

func (p *Page) ItemCount() uint16 { return binary.LittleEndian.Uint16(p.Data[offItemCount:]) }
func (p *Page) SetItemCount(n uint16) {
	binary.LittleEndian.PutUint16(p.Data[offItemCount:], n)
}

func (p *Page) Version() uint32     { return binary.LittleEndian.Uint32(p.Data[offVersion:]) }
func (p *Page) SetVersion(v uint32) { binary.LittleEndian.PutUint32(p.Data[offVersion:], v) }

func (p *Page) StoredChecksum() uint32 {
	return binary.LittleEndian.Uint32(p.Data[offChecksum:])
}
func (p *Page) SetStoredChecksum(c uint32) {
	binary.LittleEndian.PutUint32(p.Data[offChecksum:], c)
}

// Clone returns an independent deep copy, used for before-images kept
// by the transaction undo log and the WAL.
func (p *Page) Clone() *Page {
	cp := make([]byte, len(p.Data))
	copy(cp, p.Data)
	return &Page{Data: cp}
}

// ---------- slotted record layout (data & extension pages) ----------

// Slot state flags, stored in the flags byte (offset 10, after docID and
// dataLen) of a record slot header.
const (
	SlotFlagActive       byte = 0x00
	SlotFlagDeleted      byte = 0x01
	SlotFlagOverflow     byte = 0x02
	SlotFlagDelOverflow  byte = 0x03
	SlotFlagCompressed   byte = 0x04
	SlotFlagCompOverflow byte = 0x06
)

// RecordSlotHeaderSize is [docID:uint64][dataLen:uint16][flags:byte].
const RecordSlotHeaderSize = 8 + 2 + 1

// OverflowSlotSize is the fixed size of an overflow-pointer slot:
// [docID:8][dataLen=8:2][flags:1][totalLen:4][firstExtPage:4].
const OverflowSlotSize = 8 + 2 + 1 + 4 + 4

// FreeSpace returns the bytes still available for new slots.
func (p *Page) FreeSpace() int { return int(p.FreeBytes()) }

func (p *Page) slotAreaEnd() int { return len(p.Data) - p.FreeSpace() }

// AppendRecord appends an active record slot. Returns the slot's byte
// offset and false if there wasn't enough free space.
func (p *Page) AppendRecord(docID uint64, data []byte) (uint16, bool) {
	return p.AppendRecordWithFlag(docID, data, SlotFlagActive)
}

// AppendRecordWithFlag appends a record slot with a caller-chosen flag
// (e.g. SlotFlagCompressed).
func (p *Page) AppendRecordWithFlag(docID uint64, data []byte, flag byte) (uint16, bool) {
	needed := RecordSlotHeaderSize + len(data)
	if p.FreeSpace() < needed {
		return 0, false
	}
	off := p.slotAreaEnd()
	binary.LittleEndian.PutUint64(p.Data[off:], docID)
	binary.LittleEndian.PutUint16(p.Data[off+8:], uint16(len(data)))
	p.Data[off+10] = flag
	copy(p.Data[off+11:], data)

	p.SetFreeBytes(p.FreeBytes() - uint16(needed))
	p.SetItemCount(p.ItemCount() + 1)
	return uint16(off), true
}

// AppendOverflowPointer appends a slot describing a document whose
// bytes live in a chain of Extension pages (spec §4.5).
func (p *Page) AppendOverflowPointer(docID uint64, totalLen uint32, firstExtPage uint32) (uint16, bool) {
	if p.FreeSpace() < OverflowSlotSize {
		return 0, false
	}
	off := p.slotAreaEnd()
	binary.LittleEndian.PutUint64(p.Data[off:], docID)
	binary.LittleEndian.PutUint16(p.Data[off+8:], 8)
	p.Data[off+10] = SlotFlagOverflow
	binary.LittleEndian.PutUint32(p.Data[off+11:], totalLen)
	binary.LittleEndian.PutUint32(p.Data[off+15:], firstExtPage)

	p.SetFreeBytes(p.FreeBytes() - OverflowSlotSize)
	p.SetItemCount(p.ItemCount() + 1)
	return uint16(off), true
}

// WriteOverflowData writes raw bytes into an Extension page, after its
// header.
func (p *Page) WriteOverflowData(data []byte) { copy(p.Data[PageHeaderSize:], data) }

// OverflowCapacity is the payload bytes available per Extension page.
func (p *Page) OverflowCapacity() int { return len(p.Data) - PageHeaderSize }

// ReadOverflowData reads up to length raw bytes from an Extension page.
func (p *Page) ReadOverflowData(length int) []byte {
	cap := p.OverflowCapacity()
	if length > cap {
		length = cap
	}
	out := make([]byte, length)
	copy(out, p.Data[PageHeaderSize:])
	return out
}

// RecordSlot is a record read back out of a data page.
type RecordSlot struct {
	DocID      uint64
	Data       []byte
	Deleted    bool
	Overflow   bool
	Compressed bool
	Offset     uint16
}

// OverflowInfo extracts totalLen/firstExtPageID from an overflow slot's
// stored Data (which holds those two uint32s back to back).
func (s *RecordSlot) OverflowInfo() (totalLen uint32, firstPage uint32) {
	if len(s.Data) < 8 {
		return 0, 0
	}
	return binary.LittleEndian.Uint32(s.Data[0:4]), binary.LittleEndian.Uint32(s.Data[4:8])
}

// ReadRecords parses every slot (live or tombstoned) in a data page.
func (p *Page) ReadRecords() []RecordSlot {
	slots := make([]RecordSlot, 0, p.ItemCount())
	off := PageHeaderSize
	end := p.slotAreaEnd()

	for off < end {
		if off+RecordSlotHeaderSize > end {
			break
		}
		docID := binary.LittleEndian.Uint64(p.Data[off:])
		dlen := binary.LittleEndian.Uint16(p.Data[off+8:])
		flags := p.Data[off+10]

		dataStart := off + RecordSlotHeaderSize
		if dataStart+int(dlen) > len(p.Data) {
			break
		}
		dataCopy := make([]byte, dlen)
		copy(dataCopy, p.Data[dataStart:dataStart+int(dlen)])

		slots = append(slots, RecordSlot{
			DocID:      docID,
			Data:       dataCopy,
			Deleted:    flags == SlotFlagDeleted || flags == SlotFlagDelOverflow,
			Overflow:   flags == SlotFlagOverflow || flags == SlotFlagCompOverflow,
			Compressed: flags == SlotFlagCompressed || flags == SlotFlagCompOverflow,
			Offset:     uint16(off),
		})
		off = dataStart + int(dlen)
	}
	return slots
}

// MarkDeleted tombstones the slot at the given offset, preserving the
// overflow bit so the extension chain can still be freed.
func (p *Page) MarkDeleted(slotOffset uint16) {
	flag := p.Data[slotOffset+10]
	if flag == SlotFlagOverflow || flag == SlotFlagCompOverflow {
		p.Data[slotOffset+10] = SlotFlagDelOverflow
	} else {
		p.Data[slotOffset+10] = SlotFlagDeleted
	}
}

// SlotFlags returns the raw flag byte of the slot at the given offset.
func (p *Page) SlotFlags(slotOffset uint16) byte { return p.Data[slotOffset+10] }

// UpdateRecordInPlace rewrites a slot's payload only if newData is the
// same length as the slot's current payload (spec §4.5's in-place rule).
func (p *Page) UpdateRecordInPlace(slotOffset uint16, newData []byte) bool {
	oldLen := binary.LittleEndian.Uint16(p.Data[slotOffset+8:])
	if uint16(len(newData)) != oldLen {
		return false
	}
	copy(p.Data[slotOffset+RecordSlotHeaderSize:], newData)
	return true
}
