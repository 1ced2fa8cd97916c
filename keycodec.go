package tabkv

import (
	"strings"
)

// Key families. The family tag is the first byte of every key, so rows,
// index entries and table metadata never interleave.
const (
	famMeta  byte = 'm'
	famRow   byte = 'r'
	famIndex byte = 'x'
)

// Component framing: 0x00 inside a value is written as 0x00 0xFF, and every
// complete component ends with 0x00 0x01. Escaped components compare in the
// same order as the raw strings, and a complete component is never a prefix
// of a different one.
const (
	escByte byte = 0x00
	escZero byte = 0xFF
	escEnd  byte = 0x01
)

func appendEscaped(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == escByte {
			buf = append(buf, escByte, escZero)
		} else {
			buf = append(buf, c)
		}
	}
	return buf
}

func appendComponent(buf []byte, s string) []byte {
	buf = appendEscaped(buf, s)
	return append(buf, escByte, escEnd)
}

func encodeKey(fam byte, comps ...string) []byte {
	n := 1
	for _, c := range comps {
		n += len(c) + 2
	}
	buf := make([]byte, 0, n)
	buf = append(buf, fam)
	for _, c := range comps {
		buf = appendComponent(buf, c)
	}
	return buf
}

// RowKey is the primary key of a row.
func RowKey(tenant, table, rowID string) []byte {
	return encodeKey(famRow, tenant, table, rowID)
}

func rowTablePrefix(tenant, table string) []byte {
	return encodeKey(famRow, tenant, table)
}

// RowRange covers every row of a table.
func RowRange(tenant, table string) IterOptions {
	return prefixRange(rowTablePrefix(tenant, table))
}

// RowRangeBetween covers the rows strictly after afterRowID (if non-empty) up
// to and including endRowID (if non-empty).
func RowRangeBetween(tenant, table, afterRowID, endRowID string) IterOptions {
	r := RowRange(tenant, table)
	if afterRowID != "" {
		r.Lower = successor(RowKey(tenant, table, afterRowID))
	}
	if endRowID != "" {
		r.Upper = successor(RowKey(tenant, table, endRowID))
	}
	return r
}

// IndexKey is the key of one secondary index entry. Index entries carry an
// empty value.
func IndexKey(tenant, table, index, indexKey, rowID string) []byte {
	return encodeKey(famIndex, tenant, table, index, indexKey, rowID)
}

// IndexPrefixRange covers the entries of one index whose composite key starts
// with prefix. An empty prefix covers the whole index.
func IndexPrefixRange(tenant, table, index, prefix string) IterOptions {
	p := encodeKey(famIndex, tenant, table, index)
	p = appendEscaped(p, prefix)
	return prefixRange(p)
}

// IndexTableRange covers the entries of every index of a table.
func IndexTableRange(tenant, table string) IterOptions {
	return prefixRange(encodeKey(famIndex, tenant, table))
}

// MetaKey is the key of a table's descriptor.
func MetaKey(tenant, table string) []byte {
	return encodeKey(famMeta, tenant, table)
}

// MetaTenantRange covers the descriptors of every table of a tenant.
func MetaTenantRange(tenant string) IterOptions {
	return prefixRange(encodeKey(famMeta, tenant))
}

func prefixRange(prefix []byte) IterOptions {
	return IterOptions{Lower: prefix, Upper: prefixEnd(prefix)}
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when there is none.
func prefixEnd(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xFF {
			end := make([]byte, i+1)
			copy(end, prefix)
			end[i]++
			return end
		}
	}
	return nil
}

// successor returns the smallest key greater than key.
func successor(key []byte) []byte {
	s := make([]byte, len(key)+1)
	copy(s, key)
	return s
}

type keyDecoder struct {
	orig []byte
	buf  []byte
}

func (d *keyDecoder) component() (string, error) {
	var sb strings.Builder
	for i := 0; i < len(d.buf); i++ {
		c := d.buf[i]
		if c != escByte {
			sb.WriteByte(c)
			continue
		}
		if i+1 >= len(d.buf) {
			break
		}
		switch d.buf[i+1] {
		case escZero:
			sb.WriteByte(escByte)
			i++
		case escEnd:
			d.buf = d.buf[i+2:]
			return sb.String(), nil
		default:
			return "", dataErrf(d.orig, len(d.orig)-len(d.buf)+i, nil, "invalid escape in key")
		}
	}
	return "", dataErrf(d.orig, len(d.orig), nil, "unterminated key component")
}

func decodeKey(key []byte, fam byte, n int) ([]string, error) {
	if len(key) == 0 || key[0] != fam {
		return nil, dataErrf(key, 0, nil, "wrong key family, wanted %q", fam)
	}
	d := keyDecoder{key, key[1:]}
	comps := make([]string, n)
	for i := range comps {
		var err error
		comps[i], err = d.component()
		if err != nil {
			return nil, err
		}
	}
	if len(d.buf) != 0 {
		return nil, dataErrf(key, len(key)-len(d.buf), nil, "trailing bytes in key")
	}
	return comps, nil
}

func DecodeRowKey(key []byte) (tenant, table, rowID string, err error) {
	comps, err := decodeKey(key, famRow, 3)
	if err != nil {
		return "", "", "", err
	}
	return comps[0], comps[1], comps[2], nil
}

func DecodeMetaKey(key []byte) (tenant, table string, err error) {
	comps, err := decodeKey(key, famMeta, 2)
	if err != nil {
		return "", "", err
	}
	return comps[0], comps[1], nil
}

// IndexKeyParts are the components of a decoded index key.
type IndexKeyParts struct {
	Tenant   string
	Table    string
	Index    string
	IndexKey string
	RowID    string
}

func DecodeIndexKey(key []byte) (IndexKeyParts, error) {
	comps, err := decodeKey(key, famIndex, 5)
	if err != nil {
		return IndexKeyParts{}, err
	}
	return IndexKeyParts{comps[0], comps[1], comps[2], comps[3], comps[4]}, nil
}
