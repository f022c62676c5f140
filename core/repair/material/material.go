package material

import (
	"sort"

	"github.com/zeebo/blake3"
)

// Info describes the database a material was taken from.
type Info struct {
	PageSize      uint32
	ReservedBytes uint32
	WalSalt       [2]uint32
	NBackfill     uint32
	WalFrame      uint32 // Authoritative WAL frames when the material was taken
}

// Page is one recorded B-tree page.
type Page struct {
	Number uint32
	Hash   uint32
}

// Content is the record of one table, or of schema objects grouped under a
// name that is not a table, such as a view. The latter have no SQL.
type Content struct {
	Name       string
	SQL        string
	Sequence   int64
	RootPage   uint32
	Associated []string
	Pages      []Page // Interior and leaf pages in crawl order
}

// HasTable reports whether the content describes a table.
func (c *Content) HasTable() bool {
	return c.SQL != "" && c.RootPage != 0
}

// Material is a backup snapshot.
type Material struct {
	Info     Info
	Contents []*Content
}

// Content returns the content named name, or nil.
func (m *Material) Content(name string) *Content {
	for _, c := range m.Contents {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ContentFor returns the content named name, adding an empty one when
// missing.
func (m *Material) ContentFor(name string) *Content {
	if c := m.Content(name); c != nil {
		return c
	}
	c := &Content{Name: name}
	m.Contents = append(m.Contents, c)
	return c
}

// Sort orders contents by name.
func (m *Material) Sort() {
	sort.Slice(m.Contents, func(i, j int) bool {
		return m.Contents[i].Name < m.Contents[j].Name
	})
}

// Sequences returns the recorded sequences by table name.
func (m *Material) Sequences() map[string]int64 {
	out := make(map[string]int64)
	for _, c := range m.Contents {
		if c.Sequence != 0 {
			out[c.Name] = c.Sequence
		}
	}
	return out
}

// PageHash returns the hash recorded for a page image: the first four
// bytes of its blake3 digest.
func PageHash(data []byte) uint32 {
	sum := blake3.Sum256(data)
	return uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
}
