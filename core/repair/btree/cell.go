package btree

import (
	"encoding/binary"
	"math"
	"strconv"

	"golang.org/x/text/encoding/unicode"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/format"
)

// ColumnType is the storage class of a value.
type ColumnType int

// Storage classes
const (
	ColumnNull ColumnType = iota
	ColumnInteger
	ColumnReal
	ColumnText
	ColumnBLOB
)

func (t ColumnType) String() string {
	switch t {
	case ColumnInteger:
		return "INTEGER"
	case ColumnReal:
		return "REAL"
	case ColumnText:
		return "TEXT"
	case ColumnBLOB:
		return "BLOB"
	default:
		return "NULL"
	}
}

// MaxPayloadSize is the largest record SQLite stores (SQLITE_MAX_LENGTH).
const MaxPayloadSize = 1000000000

// Cell is one row of a leaf table page.
type Cell struct {
	page        *Page
	index       int
	rowid       int64
	payloadSize uint64
	local       []byte
	overflow    uint32

	prepared bool
	payload  []byte
	types    []uint64
	offsets  []int
}

func parseLeafTableCell(pg *Page, index, offset int) (*Cell, error) {
	data := pg.Data()
	usable := int(pg.pager.UsableSize())
	if usable > len(data) {
		usable = len(data)
	}
	buf := data[offset:usable]

	payloadSize, n := format.GetVarint(buf)
	if n == 0 {
		return nil, errors.Corrupt(pg.Number, "cell %d payload size truncated", index)
	}
	buf = buf[n:]
	rowid, m := format.GetVarint(buf)
	if m == 0 {
		return nil, errors.Corrupt(pg.Number, "cell %d rowid truncated", index)
	}
	buf = buf[m:]

	if payloadSize > math.MaxUint32 {
		return nil, errors.Corrupt(pg.Number, "cell %d payload size %d too large", index, payloadSize)
	}
	local := format.LocalPayload(uint32(payloadSize), pg.pager.UsableSize(), true)
	c := &Cell{
		page:        pg,
		index:       index,
		rowid:       int64(rowid),
		payloadSize: payloadSize,
	}
	if int(local) > len(buf) {
		return nil, errors.Corrupt(pg.Number, "cell %d payload overflows page", index)
	}
	c.local = buf[:local]
	if uint64(local) < payloadSize {
		if int(local)+4 > len(buf) {
			return nil, errors.Corrupt(pg.Number, "cell %d overflow pointer out of page", index)
		}
		c.overflow = binary.BigEndian.Uint32(buf[local:])
	}
	return c, nil
}

// Page returns the page the cell lives on.
func (c *Cell) Page() *Page {
	return c.page
}

// Index returns the cell index within its page.
func (c *Cell) Index() int {
	return c.index
}

// Rowid returns the row id.
func (c *Cell) Rowid() int64 {
	return c.rowid
}

// PayloadSize returns the total record size, including overflow.
func (c *Cell) PayloadSize() uint64 {
	return c.payloadSize
}

// OverflowPage returns the first overflow page, or 0.
func (c *Cell) OverflowPage() uint32 {
	return c.overflow
}

func (c *Cell) corrupt(msg string, args ...interface{}) error {
	e := errors.Corrupt(c.page.Number, msg, args...)
	e.Message = "cell " + strconv.Itoa(c.index) + ": " + e.Message
	return e
}

// Prepare assembles the payload and decodes the record header. It is
// idempotent.
func (c *Cell) Prepare() error {
	if c.prepared {
		return nil
	}
	payload, err := c.assemblePayload()
	if err != nil {
		return err
	}
	if err := c.decodeHeader(payload); err != nil {
		return err
	}
	c.payload = payload
	c.prepared = true
	return nil
}

func (c *Cell) assemblePayload() ([]byte, error) {
	if c.overflow == 0 {
		if uint64(len(c.local)) != c.payloadSize {
			return nil, c.corrupt("payload of %d bytes but no overflow page", c.payloadSize)
		}
		return c.local, nil
	}

	p := c.page.pager
	pageCount := p.PageCount()
	chunk := int(p.UsableSize()) - 4
	if c.payloadSize > MaxPayloadSize {
		return nil, c.corrupt("payload of %d bytes exceeds the maximum record size", c.payloadSize)
	}
	if c.payloadSize-uint64(len(c.local)) > uint64(pageCount)*uint64(chunk) {
		return nil, c.corrupt("payload of %d bytes does not fit in %d pages", c.payloadSize, pageCount)
	}
	// Grown page by page so a lying size costs at most what the chain holds.
	payload := make([]byte, 0, len(c.local)+chunk)
	payload = append(payload, c.local...)
	seen := make(map[uint32]struct{})

	next := c.overflow
	for uint64(len(payload)) < c.payloadSize {
		if next == 0 {
			return nil, c.corrupt("overflow chain ends after %d of %d bytes", len(payload), c.payloadSize)
		}
		if next > pageCount {
			return nil, c.corrupt("overflow page %d out of range", next)
		}
		if _, ok := seen[next]; ok {
			return nil, c.corrupt("overflow chain revisits page %d", next)
		}
		if uint32(len(seen)) >= pageCount {
			return nil, c.corrupt("overflow chain longer than the database")
		}
		seen[next] = struct{}{}

		data, err := p.AcquirePageData(next)
		if err != nil {
			return nil, err
		}
		img := data.Bytes()
		if len(img) < chunk+4 {
			data.Release()
			return nil, c.corrupt("overflow page %d truncated", next)
		}
		n := int(c.payloadSize) - len(payload)
		if n > chunk {
			n = chunk
		}
		payload = append(payload, img[4:4+n]...)
		next = binary.BigEndian.Uint32(img)
		data.Release()
	}
	return payload, nil
}

func (c *Cell) decodeHeader(payload []byte) error {
	headerSize, n := format.GetVarint(payload)
	if n == 0 || headerSize < uint64(n) || headerSize > uint64(len(payload)) {
		return c.corrupt("record header size %d invalid", headerSize)
	}

	types := make([]uint64, 0, 8)
	offsets := make([]int, 0, 8)
	pos := n
	body := int(headerSize)
	for pos < int(headerSize) {
		st, m := format.GetVarint(payload[pos:headerSize])
		if m == 0 {
			return c.corrupt("serial type truncated")
		}
		pos += m
		size, ok := format.SerialTypeSize(st)
		if !ok {
			return c.corrupt("reserved serial type %d", st)
		}
		if uint64(body)+size > uint64(len(payload)) {
			return c.corrupt("record body overflows payload")
		}
		types = append(types, st)
		offsets = append(offsets, body)
		body += int(size)
	}
	c.types = types
	c.offsets = offsets
	return nil
}

// ColumnCount returns the number of values in the record.
func (c *Cell) ColumnCount() int {
	return len(c.types)
}

// ColumnType returns the storage class of value i.
func (c *Cell) ColumnType(i int) ColumnType {
	st := c.types[i]
	switch {
	case st == 0:
		return ColumnNull
	case st <= 6 || st == 8 || st == 9:
		return ColumnInteger
	case st == 7:
		return ColumnReal
	case st >= 12 && st%2 == 0:
		return ColumnBLOB
	case st >= 13:
		return ColumnText
	}
	return ColumnNull
}

func (c *Cell) raw(i int) []byte {
	size, _ := format.SerialTypeSize(c.types[i])
	off := c.offsets[i]
	return c.payload[off : off+int(size)]
}

// IntegerValue returns value i as an integer.
func (c *Cell) IntegerValue(i int) int64 {
	st := c.types[i]
	b := c.raw(i)
	switch st {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.BigEndian.Uint16(b)))
	case 3:
		return int64(int32(uint32(b[0])<<24|uint32(b[1])<<16|uint32(b[2])<<8) >> 8)
	case 4:
		return int64(int32(binary.BigEndian.Uint32(b)))
	case 5:
		v := uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(binary.BigEndian.Uint32(b[2:]))<<16
		return int64(v) >> 16
	case 6:
		return int64(binary.BigEndian.Uint64(b))
	case 7:
		return int64(c.DoubleValue(i))
	case 9:
		return 1
	}
	return 0
}

// DoubleValue returns value i as a float.
func (c *Cell) DoubleValue(i int) float64 {
	switch c.ColumnType(i) {
	case ColumnReal:
		return math.Float64frombits(binary.BigEndian.Uint64(c.raw(i)))
	case ColumnInteger:
		return float64(c.IntegerValue(i))
	}
	return 0
}

// TextValue returns value i as text, decoded from the database encoding.
func (c *Cell) TextValue(i int) string {
	switch c.ColumnType(i) {
	case ColumnText, ColumnBLOB:
	default:
		return ""
	}
	b := c.raw(i)
	var endian unicode.Endianness
	switch c.page.pager.TextEncoding() {
	case format.EncodingUTF16LE:
		endian = unicode.LittleEndian
	case format.EncodingUTF16BE:
		endian = unicode.BigEndian
	default:
		return string(b)
	}
	out, err := unicode.UTF16(endian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// BLOBValue returns a copy of value i as bytes.
func (c *Cell) BLOBValue(i int) []byte {
	b := c.raw(i)
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Value returns value i as nil, int64, float64, string or []byte.
func (c *Cell) Value(i int) any {
	switch c.ColumnType(i) {
	case ColumnInteger:
		return c.IntegerValue(i)
	case ColumnReal:
		return c.DoubleValue(i)
	case ColumnText:
		return c.TextValue(i)
	case ColumnBLOB:
		return c.BLOBValue(i)
	}
	return nil
}

// Values returns every value of the record.
func (c *Cell) Values() []any {
	out := make([]any, len(c.types))
	for i := range c.types {
		out[i] = c.Value(i)
	}
	return out
}
