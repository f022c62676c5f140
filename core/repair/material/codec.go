package material

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/FocuswithJustin/repairkit/core/errors"
)

// File format constants
const (
	Magic      = "RKMT"
	Version    = 1
	HeaderSize = 52

	FlagCompressed = 1 << 0

	// MaxBodySize bounds the raw body a decoder accepts.
	MaxBodySize = 1 << 30
)

// Body field numbers
const (
	fieldInfo    protowire.Number = 1
	fieldContent protowire.Number = 2

	infoPageSize protowire.Number = 1
	infoReserved protowire.Number = 2
	infoSalt1    protowire.Number = 3
	infoSalt2    protowire.Number = 4
	infoBackfill protowire.Number = 5
	infoWalFrame protowire.Number = 6
	contentName  protowire.Number = 1
	contentSQL   protowire.Number = 2
	contentSeq   protowire.Number = 3
	contentRoot  protowire.Number = 4
	contentAssoc protowire.Number = 5
	contentPages protowire.Number = 6
)

// Swappable for testing
var (
	xzNewWriter = xz.NewWriter
	xzNewReader = xz.NewReader
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func encodeInfo(info Info) []byte {
	var b []byte
	b = appendVarintField(b, infoPageSize, uint64(info.PageSize))
	b = appendVarintField(b, infoReserved, uint64(info.ReservedBytes))
	b = appendVarintField(b, infoSalt1, uint64(info.WalSalt[0]))
	b = appendVarintField(b, infoSalt2, uint64(info.WalSalt[1]))
	b = appendVarintField(b, infoBackfill, uint64(info.NBackfill))
	b = appendVarintField(b, infoWalFrame, uint64(info.WalFrame))
	return b
}

func encodeContent(c *Content) []byte {
	var b []byte
	b = appendBytesField(b, contentName, []byte(c.Name))
	if c.SQL != "" {
		b = appendBytesField(b, contentSQL, []byte(c.SQL))
	}
	if c.Sequence != 0 {
		b = appendVarintField(b, contentSeq, protowire.EncodeZigZag(c.Sequence))
	}
	if c.RootPage != 0 {
		b = appendVarintField(b, contentRoot, uint64(c.RootPage))
	}
	for _, sql := range c.Associated {
		b = appendBytesField(b, contentAssoc, []byte(sql))
	}
	if len(c.Pages) > 0 {
		packed := make([]byte, 0, 8*len(c.Pages))
		for _, p := range c.Pages {
			packed = protowire.AppendFixed32(packed, p.Number)
			packed = protowire.AppendFixed32(packed, p.Hash)
		}
		b = appendBytesField(b, contentPages, packed)
	}
	return b
}

// EncodeBody returns the raw body of m. Contents are sorted first.
func EncodeBody(m *Material) []byte {
	m.Sort()
	body := appendBytesField(nil, fieldInfo, encodeInfo(m.Info))
	for _, c := range m.Contents {
		body = appendBytesField(body, fieldContent, encodeContent(c))
	}
	return body
}

// Encode writes m in the file format, compressing the body when compress
// is set.
func Encode(w io.Writer, m *Material, compress bool) error {
	raw := EncodeBody(m)
	stored := raw
	var flags uint32
	if compress {
		var buf bytes.Buffer
		xw, err := xzNewWriter(&buf)
		if err != nil {
			return errors.Wrap(err, "failed to create xz writer")
		}
		if _, err := xw.Write(raw); err != nil {
			return errors.Wrap(err, "failed to compress material")
		}
		if err := xw.Close(); err != nil {
			return errors.Wrap(err, "failed to finish compression")
		}
		stored = buf.Bytes()
		flags |= FlagCompressed
	}

	header := make([]byte, HeaderSize)
	copy(header, Magic)
	binary.BigEndian.PutUint32(header[4:], Version)
	binary.BigEndian.PutUint32(header[8:], flags)
	binary.BigEndian.PutUint32(header[12:], uint32(len(raw)))
	binary.BigEndian.PutUint32(header[16:], uint32(len(stored)))
	digest := blake3.Sum256(raw)
	copy(header[20:], digest[:])

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(stored)
	return err
}

// Marshal returns the encoded material.
func Marshal(m *Material, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, m, compress); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func corrupt(format string, args ...interface{}) error {
	return errors.Newf(errors.CodeCorrupt, format, args...)
}

// Decode parses an encoded material. Any inconsistency is a Corrupt error.
func Decode(data []byte) (*Material, error) {
	if len(data) < HeaderSize {
		return nil, corrupt("material truncated: %d bytes", len(data))
	}
	if string(data[:4]) != Magic {
		return nil, corrupt("bad material magic %q", data[:4])
	}
	if v := binary.BigEndian.Uint32(data[4:]); v != Version {
		return nil, corrupt("unsupported material version %d", v)
	}
	flags := binary.BigEndian.Uint32(data[8:])
	rawSize := binary.BigEndian.Uint32(data[12:])
	storedSize := binary.BigEndian.Uint32(data[16:])
	if rawSize > MaxBodySize || int64(storedSize) != int64(len(data)-HeaderSize) {
		return nil, corrupt("material body size %d/%d does not match file", rawSize, storedSize)
	}
	stored := data[HeaderSize:]

	raw := stored
	if flags&FlagCompressed != 0 {
		xr, err := xzNewReader(bytes.NewReader(stored))
		if err != nil {
			return nil, corrupt("material body not xz: %v", err)
		}
		raw, err = io.ReadAll(io.LimitReader(xr, int64(rawSize)+1))
		if err != nil {
			return nil, corrupt("material body decompression: %v", err)
		}
	}
	if uint32(len(raw)) != rawSize {
		return nil, corrupt("material body is %d bytes, want %d", len(raw), rawSize)
	}
	digest := blake3.Sum256(raw)
	if !bytes.Equal(digest[:], data[20:52]) {
		return nil, corrupt("material digest mismatch")
	}
	return DecodeBody(raw)
}

// DecodeBody parses a raw body.
func DecodeBody(b []byte) (*Material, error) {
	m := &Material{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == fieldInfo && typ == protowire.BytesType:
			return decodeInfo(v, &m.Info)
		case num == fieldContent && typ == protowire.BytesType:
			c, err := decodeContent(v)
			if err != nil {
				return err
			}
			m.Contents = append(m.Contents, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// walkFields calls fn for every varint and length-delimited field of b.
// Other wire types are skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return corrupt("material field: %v", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return corrupt("material varint: %v", protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return corrupt("material bytes: %v", protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return corrupt("material field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func decodeInfo(b []byte, info *Info) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, _ []byte, u uint64) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case infoPageSize:
			info.PageSize = uint32(u)
		case infoReserved:
			info.ReservedBytes = uint32(u)
		case infoSalt1:
			info.WalSalt[0] = uint32(u)
		case infoSalt2:
			info.WalSalt[1] = uint32(u)
		case infoBackfill:
			info.NBackfill = uint32(u)
		case infoWalFrame:
			info.WalFrame = uint32(u)
		}
		return nil
	})
}

func decodeContent(b []byte) (*Content, error) {
	c := &Content{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case contentName:
			c.Name = string(v)
		case contentSQL:
			c.SQL = string(v)
		case contentSeq:
			c.Sequence = protowire.DecodeZigZag(u)
		case contentRoot:
			c.RootPage = uint32(u)
		case contentAssoc:
			c.Associated = append(c.Associated, string(v))
		case contentPages:
			if len(v)%8 != 0 {
				return corrupt("material page list of %d bytes", len(v))
			}
			for len(v) > 0 {
				number, _ := protowire.ConsumeFixed32(v)
				hash, _ := protowire.ConsumeFixed32(v[4:])
				c.Pages = append(c.Pages, Page{Number: number, Hash: hash})
				v = v[8:]
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.Name == "" {
		return nil, corrupt("material content without a name")
	}
	return c, nil
}
