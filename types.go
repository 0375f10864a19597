package binlog

import (
	"fmt"

	"github.com/juju/errors"
)

// ColumnType is the type tag of a column as written in TABLE_MAP_EVENT.
//
// https://dev.mysql.com/doc/internals/en/com-query-response.html#column-type
type ColumnType byte

const (
	MYSQL_TYPE_DECIMAL     ColumnType = 0x00
	MYSQL_TYPE_TINY        ColumnType = 0x01
	MYSQL_TYPE_SHORT       ColumnType = 0x02
	MYSQL_TYPE_LONG        ColumnType = 0x03
	MYSQL_TYPE_FLOAT       ColumnType = 0x04
	MYSQL_TYPE_DOUBLE      ColumnType = 0x05
	MYSQL_TYPE_NULL        ColumnType = 0x06
	MYSQL_TYPE_TIMESTAMP   ColumnType = 0x07
	MYSQL_TYPE_LONGLONG    ColumnType = 0x08
	MYSQL_TYPE_INT24       ColumnType = 0x09
	MYSQL_TYPE_DATE        ColumnType = 0x0a
	MYSQL_TYPE_TIME        ColumnType = 0x0b
	MYSQL_TYPE_DATETIME    ColumnType = 0x0c
	MYSQL_TYPE_YEAR        ColumnType = 0x0d
	MYSQL_TYPE_NEWDATE     ColumnType = 0x0e
	MYSQL_TYPE_VARCHAR     ColumnType = 0x0f
	MYSQL_TYPE_BIT         ColumnType = 0x10
	MYSQL_TYPE_TIMESTAMP2  ColumnType = 0x11
	MYSQL_TYPE_DATETIME2   ColumnType = 0x12
	MYSQL_TYPE_TIME2       ColumnType = 0x13
	MYSQL_TYPE_JSON        ColumnType = 0xf5
	MYSQL_TYPE_NEWDECIMAL  ColumnType = 0xf6
	MYSQL_TYPE_ENUM        ColumnType = 0xf7
	MYSQL_TYPE_SET         ColumnType = 0xf8
	MYSQL_TYPE_TINY_BLOB   ColumnType = 0xf9
	MYSQL_TYPE_MEDIUM_BLOB ColumnType = 0xfa
	MYSQL_TYPE_LONG_BLOB   ColumnType = 0xfb
	MYSQL_TYPE_BLOB        ColumnType = 0xfc
	MYSQL_TYPE_VAR_STRING  ColumnType = 0xfd
	MYSQL_TYPE_STRING      ColumnType = 0xfe
	MYSQL_TYPE_GEOMETRY    ColumnType = 0xff
)

var columnTypeNames = map[ColumnType]string{
	MYSQL_TYPE_DECIMAL:     "decimal",
	MYSQL_TYPE_TINY:        "tiny",
	MYSQL_TYPE_SHORT:       "short",
	MYSQL_TYPE_LONG:        "long",
	MYSQL_TYPE_FLOAT:       "float",
	MYSQL_TYPE_DOUBLE:      "double",
	MYSQL_TYPE_NULL:        "null",
	MYSQL_TYPE_TIMESTAMP:   "timestamp",
	MYSQL_TYPE_LONGLONG:    "longlong",
	MYSQL_TYPE_INT24:       "int24",
	MYSQL_TYPE_DATE:        "date",
	MYSQL_TYPE_TIME:        "time",
	MYSQL_TYPE_DATETIME:    "datetime",
	MYSQL_TYPE_YEAR:        "year",
	MYSQL_TYPE_NEWDATE:     "newdate",
	MYSQL_TYPE_VARCHAR:     "varchar",
	MYSQL_TYPE_BIT:         "bit",
	MYSQL_TYPE_TIMESTAMP2:  "timestamp2",
	MYSQL_TYPE_DATETIME2:   "datetime2",
	MYSQL_TYPE_TIME2:       "time2",
	MYSQL_TYPE_JSON:        "json",
	MYSQL_TYPE_NEWDECIMAL:  "newdecimal",
	MYSQL_TYPE_ENUM:        "enum",
	MYSQL_TYPE_SET:         "set",
	MYSQL_TYPE_TINY_BLOB:   "tinyblob",
	MYSQL_TYPE_MEDIUM_BLOB: "mediumblob",
	MYSQL_TYPE_LONG_BLOB:   "longblob",
	MYSQL_TYPE_BLOB:        "blob",
	MYSQL_TYPE_VAR_STRING:  "varstring",
	MYSQL_TYPE_STRING:      "string",
	MYSQL_TYPE_GEOMETRY:    "geometry",
}

func (t ColumnType) String() string {
	if s, ok := columnTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("0x%02x", uint8(t))
}

// Unsized is what FieldSize reports for a type it cannot size.
const Unsized = -1

// fixedSizes holds the storage size of types whose size never
// depends on metadata or data.
var fixedSizes = map[ColumnType]int{
	MYSQL_TYPE_NULL:      0,
	MYSQL_TYPE_TINY:      1,
	MYSQL_TYPE_YEAR:      1,
	MYSQL_TYPE_SHORT:     2,
	MYSQL_TYPE_INT24:     3,
	MYSQL_TYPE_LONG:      4,
	MYSQL_TYPE_LONGLONG:  8,
	MYSQL_TYPE_FLOAT:     4,
	MYSQL_TYPE_DOUBLE:    8,
	MYSQL_TYPE_DATE:      3,
	MYSQL_TYPE_NEWDATE:   3,
	MYSQL_TYPE_TIME:      3,
	MYSQL_TYPE_TIMESTAMP: 4,
	MYSQL_TYPE_DATETIME:  8,
}

// MetadataWidth reports how many bytes of the TABLE_MAP_EVENT metadata
// block belong to a column of type t.
func MetadataWidth(t ColumnType) int {
	switch t {
	case MYSQL_TYPE_FLOAT, MYSQL_TYPE_DOUBLE, MYSQL_TYPE_BLOB, MYSQL_TYPE_TINY_BLOB,
		MYSQL_TYPE_MEDIUM_BLOB, MYSQL_TYPE_LONG_BLOB, MYSQL_TYPE_GEOMETRY, MYSQL_TYPE_JSON,
		MYSQL_TYPE_TIME2, MYSQL_TYPE_DATETIME2, MYSQL_TYPE_TIMESTAMP2:
		return 1
	case MYSQL_TYPE_VARCHAR, MYSQL_TYPE_BIT, MYSQL_TYPE_NEWDECIMAL, MYSQL_TYPE_STRING,
		MYSQL_TYPE_VAR_STRING, MYSQL_TYPE_ENUM, MYSQL_TYPE_SET:
		return 2
	}
	return 0
}

// metadataWord assembles the metadata bytes of one column into a word.
// String and decimal types store the high byte first: real type and
// length for strings, precision and scale for decimals.
func metadataWord(t ColumnType, b []byte) uint16 {
	switch len(b) {
	case 1:
		return uint16(b[0])
	case 2:
		switch t {
		case MYSQL_TYPE_STRING, MYSQL_TYPE_ENUM, MYSQL_TYPE_SET, MYSQL_TYPE_NEWDECIMAL:
			return uint16(b[0])<<8 | uint16(b[1])
		}
		return uint16(b[0]) | uint16(b[1])<<8
	}
	return 0
}

// FieldSize returns the number of bytes the value of a column occupies
// at the start of b. For fixed-width types b is not consulted. Unknown
// types report Unsized with ErrUnknownFieldType; the caller cannot skip
// such a column since the offset of every later column depends on it.
func FieldSize(t ColumnType, meta uint16, b []byte) (int, error) {
	if n, ok := fixedSizes[t]; ok {
		return n, nil
	}
	switch t {
	case MYSQL_TYPE_DECIMAL, MYSQL_TYPE_VAR_STRING:
		return int(meta), nil
	case MYSQL_TYPE_NEWDECIMAL:
		precision, scale := int(meta>>8), int(meta&0xff)
		if precision == 0 || scale > precision {
			return Unsized, errors.Annotatef(ErrUnknownFieldType, "decimal(%d,%d)", precision, scale)
		}
		return decimalBinarySize(precision, scale), nil
	case MYSQL_TYPE_TIMESTAMP2:
		return 4 + (int(meta)+1)/2, nil
	case MYSQL_TYPE_DATETIME2:
		return 5 + (int(meta)+1)/2, nil
	case MYSQL_TYPE_TIME2:
		return 3 + (int(meta)+1)/2, nil
	case MYSQL_TYPE_BIT:
		bytes, bits := int(meta>>8), int(meta&0xff)
		if bits > 0 {
			bytes++
		}
		return bytes, nil
	case MYSQL_TYPE_VARCHAR:
		if meta > 255 {
			return prefixedSize(2, b)
		}
		return prefixedSize(1, b)
	case MYSQL_TYPE_ENUM, MYSQL_TYPE_SET:
		return int(meta & 0xff), nil
	case MYSQL_TYPE_STRING:
		switch realType := ColumnType(meta >> 8); realType {
		case MYSQL_TYPE_ENUM, MYSQL_TYPE_SET:
			return int(meta & 0xff), nil
		}
		if stringMaxLength(meta) > 255 {
			return prefixedSize(2, b)
		}
		return prefixedSize(1, b)
	case MYSQL_TYPE_BLOB, MYSQL_TYPE_TINY_BLOB, MYSQL_TYPE_MEDIUM_BLOB, MYSQL_TYPE_LONG_BLOB,
		MYSQL_TYPE_GEOMETRY, MYSQL_TYPE_JSON:
		if meta < 1 || meta > 4 {
			return Unsized, errors.Annotatef(ErrUnknownFieldType, "%s with length width %d", t, meta)
		}
		return prefixedSize(int(meta), b)
	}
	return Unsized, errors.Annotatef(ErrUnknownFieldType, "type %s", t)
}

// stringMaxLength decodes the declared length of a CHAR column. Lengths
// above 255 borrow two bits of the real type byte.
func stringMaxLength(meta uint16) int {
	b0, b1 := int(meta>>8), int(meta&0xff)
	if b0&0x30 != 0x30 {
		return b1 | ((b0&0x30)^0x30)<<4
	}
	return b1
}

// prefixedSize sizes a value stored as a little-endian length of
// width bytes followed by that many bytes.
func prefixedSize(width int, b []byte) (int, error) {
	if len(b) < width {
		return Unsized, errors.Annotatef(ErrTruncatedRecord, "length prefix needs %d bytes, have %d", width, len(b))
	}
	var n int
	for i := 0; i < width; i++ {
		n |= int(b[i]) << (8 * uint(i))
	}
	return width + n, nil
}

var dig2bytes = [10]int{0, 1, 1, 2, 2, 3, 3, 4, 4, 4}

const digitsPerInteger = 9

// decimalBinarySize is the storage size of DECIMAL(precision, scale)
// in the packed binary format: 4 bytes per 9 digits plus the leftovers.
func decimalBinarySize(precision, scale int) int {
	intg := precision - scale
	return intg/digitsPerInteger*4 + dig2bytes[intg%digitsPerInteger] +
		scale/digitsPerInteger*4 + dig2bytes[scale%digitsPerInteger]
}

// bitmap ---

// bitmap is a column bitmap as used by rows events, with the bit of
// column i in bit i%8 of byte i/8.
type bitmap []byte

func bitmapSize(numCol int) int {
	return (numCol + 7) / 8
}

func (bm bitmap) isSet(i int) bool {
	if i/8 >= len(bm) {
		return false
	}
	return bm[i/8]&(1<<uint(i%8)) != 0
}

func (bm bitmap) count(n int) int {
	c := 0
	for i := 0; i < n; i++ {
		if bm.isSet(i) {
			c++
		}
	}
	return c
}
