package btree

import (
	"encoding/binary"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/format"
	"github.com/FocuswithJustin/repairkit/core/repair/pager"
)

// PageType is the B-tree type of a page.
type PageType int

// Page types
const (
	TypeUnknown PageType = iota
	TypeInteriorIndex
	TypeInteriorTable
	TypeLeafIndex
	TypeLeafTable
)

func (t PageType) String() string {
	switch t {
	case TypeInteriorIndex:
		return "interior-index"
	case TypeInteriorTable:
		return "interior-table"
	case TypeLeafIndex:
		return "leaf-index"
	case TypeLeafTable:
		return "leaf-table"
	default:
		return "unknown"
	}
}

// IsInterior reports whether pages of type t have children.
func (t PageType) IsInterior() bool {
	return t == TypeInteriorIndex || t == TypeInteriorTable
}

// IsTable reports whether t belongs to a table B-tree.
func (t PageType) IsTable() bool {
	return t == TypeInteriorTable || t == TypeLeafTable
}

func typeOf(b byte) PageType {
	switch b {
	case format.PageTypeInteriorIndex:
		return TypeInteriorIndex
	case format.PageTypeInteriorTable:
		return TypeInteriorTable
	case format.PageTypeLeafIndex:
		return TypeLeafIndex
	case format.PageTypeLeafTable:
		return TypeLeafTable
	}
	return TypeUnknown
}

// Pager is the page source a Page reads from.
type Pager interface {
	AcquirePageData(pgno uint32) (*pager.Data, error)
	UsableSize() uint32
	PageCount() uint32
	TextEncoding() uint32
}

// Page is one page of the database.
type Page struct {
	Number uint32

	pager    Pager
	data     *pager.Data
	typ      PageType
	resolved bool
}

// AcquirePage reads page pgno. Release must be called when done.
func AcquirePage(p Pager, pgno uint32) (*Page, error) {
	data, err := p.AcquirePageData(pgno)
	if err != nil {
		return nil, err
	}
	return &Page{Number: pgno, pager: p, data: data}, nil
}

// Release releases the page image.
func (pg *Page) Release() {
	if pg.data != nil {
		pg.data.Release()
		pg.data = nil
	}
}

// Data returns the raw page image.
func (pg *Page) Data() []byte {
	if pg.data == nil {
		return nil
	}
	return pg.data.Bytes()
}

// FromWal reports whether the image came from a WAL frame.
func (pg *Page) FromWal() bool {
	return pg.data != nil && pg.data.FromWal
}

func (pg *Page) headerOffset() int {
	return format.PageHeaderOffset(pg.Number)
}

// Type returns the page type, resolving it on first use.
func (pg *Page) Type() PageType {
	if !pg.resolved {
		pg.typ = TypeUnknown
		data := pg.Data()
		if off := pg.headerOffset(); off < len(data) {
			pg.typ = typeOf(data[off])
		}
		pg.resolved = true
	}
	return pg.typ
}

// AcquireType returns the page type and whether it is a valid B-tree type.
func (pg *Page) AcquireType() (PageType, bool) {
	t := pg.Type()
	return t, t != TypeUnknown
}

func (pg *Page) headerSize() int {
	if pg.Type().IsInterior() {
		return format.BtreeHeaderSizeInterior
	}
	return format.BtreeHeaderSizeLeaf
}

// CellCount returns the number of cells. The cell pointer array must fit
// within the usable size.
func (pg *Page) CellCount() (int, error) {
	if _, ok := pg.AcquireType(); !ok {
		return 0, errors.Corrupt(pg.Number, "unknown page type")
	}
	data := pg.Data()
	off := pg.headerOffset()
	start := off + pg.headerSize()
	usable := int(pg.pager.UsableSize())
	if start > usable || start > len(data) {
		return 0, errors.Corrupt(pg.Number, "page header beyond usable size")
	}
	count := int(binary.BigEndian.Uint16(data[off+format.BtreeCellCount:]))
	if start+2*count > usable {
		return 0, errors.Corrupt(pg.Number, "cell pointer array of %d cells overflows page", count)
	}
	return count, nil
}

// cellOffset returns the offset of cell i within the page.
func (pg *Page) cellOffset(i int) (int, error) {
	count, err := pg.CellCount()
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= count {
		return 0, errors.Corrupt(pg.Number, "cell index %d out of range", i)
	}
	data := pg.Data()
	ptr := pg.headerOffset() + pg.headerSize() + 2*i
	offset := int(binary.BigEndian.Uint16(data[ptr:]))
	if offset < pg.headerOffset()+pg.headerSize()+2*count || offset >= int(pg.pager.UsableSize()) {
		return 0, errors.Corrupt(pg.Number, "cell %d offset %d out of page", i, offset)
	}
	return offset, nil
}

// RightMostPointer returns the right-most child of an interior page.
func (pg *Page) RightMostPointer() (uint32, error) {
	if !pg.Type().IsInterior() {
		return 0, errors.Corrupt(pg.Number, "not an interior page")
	}
	if _, err := pg.CellCount(); err != nil {
		return 0, err
	}
	off := pg.headerOffset() + format.BtreeRightmostPointer
	return binary.BigEndian.Uint32(pg.Data()[off:]), nil
}

// SubPageNumbers returns the children of an interior page in stored order
// followed by the right-most pointer.
func (pg *Page) SubPageNumbers() ([]uint32, error) {
	count, err := pg.CellCount()
	if err != nil {
		return nil, err
	}
	if !pg.Type().IsInterior() {
		return nil, errors.Corrupt(pg.Number, "not an interior page")
	}

	data := pg.Data()
	usable := int(pg.pager.UsableSize())
	children := make([]uint32, 0, count+1)
	for i := 0; i < count; i++ {
		offset, err := pg.cellOffset(i)
		if err != nil {
			return nil, err
		}
		if offset+4 > usable {
			return nil, errors.Corrupt(pg.Number, "child pointer of cell %d out of page", i)
		}
		children = append(children, binary.BigEndian.Uint32(data[offset:]))
	}
	right, err := pg.RightMostPointer()
	if err != nil {
		return nil, err
	}
	return append(children, right), nil
}

// CellAt returns leaf table cell i. A damaged cell only corrupts itself.
func (pg *Page) CellAt(i int) (*Cell, error) {
	if pg.Type() != TypeLeafTable {
		return nil, errors.Corrupt(pg.Number, "cells are only decoded on leaf table pages")
	}
	offset, err := pg.cellOffset(i)
	if err != nil {
		return nil, err
	}
	return parseLeafTableCell(pg, i, offset)
}
