package storage

import (
	"errors"
	"fmt"

	"github.com/arlowright/stratadb/bsonval"
)

// ErrDocumentTooLarge names an encoded document too long for the 32-bit
// overflow length. No function in this package returns it.
var ErrDocumentTooLarge = errors.New("storage: document exceeds maximum overflow length")

// DocLocation pins a document to the data page and slot it currently
// lives at, the addressing spec §4.5 assumes every live document has.
type DocLocation struct {
	PageID uint32
	Slot   uint16
}

// InsertDocument places doc's encoded bytes into the first data page of
// collection with enough free space, extending the chain if none has
// room, overflowing into Extension pages if the document doesn't fit a
// single page at all. It returns the location the document was written
// to; the slot's flag (active/overflow, compressed or not) is recorded
// on the page and is not returned.
func (p *Pager) InsertDocument(meta *CollectionMeta, docID uint64, doc *bsonval.Document, txnID uint64) (DocLocation, error) {
	raw, err := doc.Encode()
	if err != nil {
		return DocLocation{}, fmt.Errorf("storage: encode document: %w", err)
	}
	payload, flag := CompressRecord(raw)

	if RecordSlotHeaderSize+len(payload) <= p.pageSize-PageHeaderSize {
		return p.insertInline(meta, docID, payload, flag, txnID)
	}
	return p.insertOverflow(meta, docID, raw, txnID)
}

// insertInline appends a record that fits whole onto one data page in
// the collection's chain, extending the chain if every page is full.
func (p *Pager) insertInline(meta *CollectionMeta, docID uint64, payload []byte, flag byte, txnID uint64) (DocLocation, error) {
	pageID := meta.FirstPageID
	var lastPageID uint32
	for pageID != noFreePage {
		page, err := p.ReadPage(pageID)
		if err != nil {
			return DocLocation{}, err
		}
		if off, ok := page.AppendRecordWithFlag(docID, payload, flag); ok {
			if err := p.WritePage(page, txnID); err != nil {
				return DocLocation{}, err
			}
			return DocLocation{PageID: pageID, Slot: off}, nil
		}
		lastPageID = pageID
		pageID = page.NextPageID()
	}

	newPage, err := p.AllocatePage(PageTypeData, txnID)
	if err != nil {
		return DocLocation{}, err
	}
	prev, err := p.ReadPage(lastPageID)
	if err != nil {
		return DocLocation{}, err
	}
	prev.SetNextPageID(newPage.PageID())
	newPage.SetPrevPageID(lastPageID)
	if err := p.WritePage(prev, txnID); err != nil {
		return DocLocation{}, err
	}

	off, ok := newPage.AppendRecordWithFlag(docID, payload, flag)
	if !ok {
		return DocLocation{}, fmt.Errorf("storage: record too large for a fresh page")
	}
	if err := p.WritePage(newPage, txnID); err != nil {
		return DocLocation{}, err
	}
	return DocLocation{PageID: newPage.PageID(), Slot: off}, nil
}

// insertOverflow writes raw (uncompressed; overflow chains aren't
// compressed, matching the teacher's record layer keeping compression a
// data-page-only concern) into a chain of Extension pages and appends a
// single overflow-pointer slot to the collection's chain referencing it.
func (p *Pager) insertOverflow(meta *CollectionMeta, docID uint64, raw []byte, txnID uint64) (DocLocation, error) {
	firstExt, err := p.writeOverflowChain(raw, txnID)
	if err != nil {
		return DocLocation{}, err
	}

	pageID := meta.FirstPageID
	var lastPageID uint32
	for pageID != noFreePage {
		page, err := p.ReadPage(pageID)
		if err != nil {
			return DocLocation{}, err
		}
		if off, ok := page.AppendOverflowPointer(docID, uint32(len(raw)), firstExt); ok {
			if err := p.WritePage(page, txnID); err != nil {
				return DocLocation{}, err
			}
			return DocLocation{PageID: pageID, Slot: off}, nil
		}
		lastPageID = pageID
		pageID = page.NextPageID()
	}

	newPage, err := p.AllocatePage(PageTypeData, txnID)
	if err != nil {
		return DocLocation{}, err
	}
	prev, err := p.ReadPage(lastPageID)
	if err != nil {
		return DocLocation{}, err
	}
	prev.SetNextPageID(newPage.PageID())
	newPage.SetPrevPageID(lastPageID)
	if err := p.WritePage(prev, txnID); err != nil {
		return DocLocation{}, err
	}
	off, ok := newPage.AppendOverflowPointer(docID, uint32(len(raw)), firstExt)
	if !ok {
		return DocLocation{}, fmt.Errorf("storage: overflow pointer too large for a fresh page")
	}
	if err := p.WritePage(newPage, txnID); err != nil {
		return DocLocation{}, err
	}
	return DocLocation{PageID: newPage.PageID(), Slot: off}, nil
}

func (p *Pager) writeOverflowChain(raw []byte, txnID uint64) (uint32, error) {
	firstPage, err := p.AllocatePage(PageTypeExtension, txnID)
	if err != nil {
		return 0, err
	}
	cap := firstPage.OverflowCapacity()

	page := firstPage
	remaining := raw
	for {
		chunk := remaining
		if len(chunk) > cap {
			chunk = remaining[:cap]
		}
		page.WriteOverflowData(chunk)
		remaining = remaining[len(chunk):]
		if len(remaining) == 0 {
			if err := p.WritePage(page, txnID); err != nil {
				return 0, err
			}
			break
		}
		next, err := p.AllocatePage(PageTypeExtension, txnID)
		if err != nil {
			return 0, err
		}
		page.SetNextPageID(next.PageID())
		if err := p.WritePage(page, txnID); err != nil {
			return 0, err
		}
		page = next
	}
	return firstPage.PageID(), nil
}

// readOverflowChain reassembles a document's raw bytes from its
// Extension page chain.
func (p *Pager) readOverflowChain(firstPage uint32, totalLen uint32) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	pageID := firstPage
	for pageID != noFreePage && uint32(len(out)) < totalLen {
		page, err := p.ReadPage(pageID)
		if err != nil {
			return nil, err
		}
		remaining := int(totalLen) - len(out)
		out = append(out, page.ReadOverflowData(remaining)...)
		pageID = page.NextPageID()
	}
	if uint32(len(out)) != totalLen {
		return nil, fmt.Errorf("storage: overflow chain from page %d truncated", firstPage)
	}
	return out, nil
}

// freeOverflowChain returns every page in an Extension chain to the
// free list, used when the document it backs is deleted or reinserted
// elsewhere.
func (p *Pager) freeOverflowChain(firstPage uint32, txnID uint64) error {
	pageID := firstPage
	for pageID != noFreePage {
		page, err := p.ReadPage(pageID)
		if err != nil {
			return err
		}
		next := page.NextPageID()
		if err := p.FreePage(pageID, txnID); err != nil {
			return err
		}
		pageID = next
	}
	return nil
}

// ReadDocument decodes the document stored at loc, following the
// overflow chain transparently if it was stored out of line.
func (p *Pager) ReadDocument(loc DocLocation) (*bsonval.Document, error) {
	page, err := p.ReadPage(loc.PageID)
	if err != nil {
		return nil, err
	}
	slot, err := findSlot(page, loc.Slot)
	if err != nil {
		return nil, err
	}
	if slot.Deleted {
		return nil, fmt.Errorf("storage: document at %d:%d is deleted", loc.PageID, loc.Slot)
	}

	var raw []byte
	if slot.Overflow {
		totalLen, firstExt := slot.OverflowInfo()
		raw, err = p.readOverflowChain(firstExt, totalLen)
		if err != nil {
			return nil, err
		}
	} else if slot.Compressed {
		raw, err = DecompressRecord(&slot)
		if err != nil {
			return nil, err
		}
	} else {
		raw = slot.Data
	}

	doc, err := bsonval.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("storage: decode document at %d:%d: %w", loc.PageID, loc.Slot, err)
	}
	return doc, nil
}

func findSlot(page *Page, slotOffset uint16) (RecordSlot, error) {
	for _, slot := range page.ReadRecords() {
		if slot.Offset == slotOffset {
			return slot, nil
		}
	}
	return RecordSlot{}, fmt.Errorf("storage: no slot at offset %d on page %d", slotOffset, page.PageID())
}

// DeleteDocument tombstones the slot at loc, freeing its overflow chain
// if it had one.
func (p *Pager) DeleteDocument(loc DocLocation, txnID uint64) error {
	page, err := p.ReadPage(loc.PageID)
	if err != nil {
		return err
	}
	slot, err := findSlot(page, loc.Slot)
	if err != nil {
		return err
	}
	if slot.Overflow {
		_, firstExt := slot.OverflowInfo()
		if err := p.freeOverflowChain(firstExt, txnID); err != nil {
			return err
		}
	}
	page.MarkDeleted(loc.Slot)
	return p.WritePage(page, txnID)
}

// UpdateDocument applies spec §4.5's in-place update rule: if the new
// encoding is the same length as an inline slot's current payload it is
// rewritten in place; otherwise (or if either image is an overflow
// document) it is deleted and reinserted, returning a new location.
func (p *Pager) UpdateDocument(meta *CollectionMeta, loc DocLocation, docID uint64, doc *bsonval.Document, txnID uint64) (DocLocation, error) {
	page, err := p.ReadPage(loc.PageID)
	if err != nil {
		return DocLocation{}, err
	}
	slot, err := findSlot(page, loc.Slot)
	if err != nil {
		return DocLocation{}, err
	}

	raw, err := doc.Encode()
	if err != nil {
		return DocLocation{}, fmt.Errorf("storage: encode document: %w", err)
	}
	payload, flag := CompressRecord(raw)

	fitsInline := RecordSlotHeaderSize+len(payload) <= p.pageSize-PageHeaderSize
	if !slot.Overflow && fitsInline && len(payload) == len(slot.Data) {
		if page.UpdateRecordInPlace(loc.Slot, payload) {
			page.Data[loc.Slot+10] = flag
			if err := p.WritePage(page, txnID); err != nil {
				return DocLocation{}, err
			}
			return loc, nil
		}
	}

	if err := p.DeleteDocument(loc, txnID); err != nil {
		return DocLocation{}, err
	}
	return p.InsertDocument(meta, docID, doc, txnID)
}

// ScanCollection streams every live document in a collection's data
// chain, calling fn with its location. Stopping early is done by fn
// returning a non-nil error, which ScanCollection then returns.
func (p *Pager) ScanCollection(meta *CollectionMeta, fn func(loc DocLocation, doc *bsonval.Document) error) error {
	pageID := meta.FirstPageID
	for pageID != noFreePage {
		page, err := p.ReadPage(pageID)
		if err != nil {
			return err
		}
		for _, slot := range page.ReadRecords() {
			if slot.Deleted {
				continue
			}
			loc := DocLocation{PageID: pageID, Slot: slot.Offset}
			doc, err := p.ReadDocument(loc)
			if err != nil {
				return err
			}
			if err := fn(loc, doc); err != nil {
				return err
			}
		}
		pageID = page.NextPageID()
	}
	return nil
}
