package binlog

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// Helpers ---

// eventBuilder writes a binlog byte stream event by event, keeping
// track of positions the way a server does.
type eventBuilder struct {
	buf      bytes.Buffer
	pos      uint32
	checksum bool
	ts       uint32
}

func newEventBuilder(pos uint32) *eventBuilder {
	return &eventBuilder{pos: pos, ts: 1600000000}
}

// add appends an event whose next position follows it.
func (b *eventBuilder) add(typ EventType, payload []byte) *eventBuilder {
	size := uint32(eventHeaderSize + len(payload))
	if b.checksum {
		size += checksumSize
	}
	return b.addAt(typ, b.pos+size, payload)
}

// addAt appends an event with the given next position.
func (b *eventBuilder) addAt(typ EventType, nextPos uint32, payload []byte) *eventBuilder {
	raw := rawEvent(b.ts, typ, nextPos, payload, b.checksum)
	b.buf.Write(raw)
	if nextPos != 0 {
		b.pos = nextPos
	}
	b.ts++
	return b
}

// fde appends a format description event that switches checksums on or off.
func (b *eventBuilder) fde(checksum bool) *eventBuilder {
	payload := fdePayload(checksum)
	raw := rawEvent(b.ts, FORMAT_DESCRIPTION_EVENT, b.pos+uint32(eventHeaderSize+len(payload)), payload, false)
	if checksum {
		n := len(raw) - checksumSize
		binary.LittleEndian.PutUint32(raw[n:], crc32.ChecksumIEEE(raw[:n]))
	}
	b.buf.Write(raw)
	b.pos += uint32(len(raw))
	b.checksum = checksum
	return b
}

func (b *eventBuilder) bytes() []byte {
	return b.buf.Bytes()
}

func rawEvent(ts uint32, typ EventType, nextPos uint32, payload []byte, checksum bool) []byte {
	size := eventHeaderSize + len(payload)
	if checksum {
		size += checksumSize
	}
	raw := make([]byte, eventHeaderSize, size)
	binary.LittleEndian.PutUint32(raw[0:], ts)
	raw[4] = byte(typ)
	binary.LittleEndian.PutUint32(raw[5:], 1)
	binary.LittleEndian.PutUint32(raw[9:], uint32(size))
	binary.LittleEndian.PutUint32(raw[13:], nextPos)
	binary.LittleEndian.PutUint16(raw[17:], 0)
	raw = append(raw, payload...)
	if checksum {
		raw = binary.LittleEndian.AppendUint32(raw, crc32.ChecksumIEEE(raw))
	}
	return raw
}

// fdePayload mimics a MySQL 5.7 format description event. The trailing
// checksum bytes are left zero and filled by the caller.
func fdePayload(checksum bool) []byte {
	var p []byte
	p = binary.LittleEndian.AppendUint16(p, 4)
	version := make([]byte, 50)
	copy(version, "5.7.30-log")
	p = append(p, version...)
	p = binary.LittleEndian.AppendUint32(p, 0)
	p = append(p, eventHeaderSize)
	lengths := make([]byte, int(PREVIOUS_GTIDS_EVENT))
	lengths[QUERY_EVENT-1] = 13
	lengths[ROTATE_EVENT-1] = 8
	lengths[FORMAT_DESCRIPTION_EVENT-1] = byte(fdeFixedSize + len(lengths))
	lengths[TABLE_MAP_EVENT-1] = 8
	for t := WRITE_ROWS_EVENTv1; t <= DELETE_ROWS_EVENTv1; t++ {
		lengths[t-1] = 8
	}
	for t := WRITE_ROWS_EVENTv2; t <= DELETE_ROWS_EVENTv2; t++ {
		lengths[t-1] = 10
	}
	p = append(p, lengths...)
	alg := byte(checksumAlgOff)
	if checksum {
		alg = checksumAlgCRC32
	}
	p = append(p, alg)
	return append(p, 0, 0, 0, 0)
}

func queryPayload(schema, query string) []byte {
	var p []byte
	p = binary.LittleEndian.AppendUint32(p, 1) // thread id
	p = binary.LittleEndian.AppendUint32(p, 0) // exec time
	p = append(p, byte(len(schema)))
	p = binary.LittleEndian.AppendUint16(p, 0) // error code
	p = binary.LittleEndian.AppendUint16(p, 0) // status vars
	p = append(p, schema...)
	p = append(p, 0)
	return append(p, query...)
}

func rotatePayload(pos uint64, file string) []byte {
	p := binary.LittleEndian.AppendUint64(nil, pos)
	return append(p, file...)
}

func xidPayload(xid uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, xid)
}

func incidentPayload(typ uint16, msg string) []byte {
	p := binary.LittleEndian.AppendUint16(nil, typ)
	p = append(p, byte(len(msg)))
	return append(p, msg...)
}

func appendTableID(p []byte, id uint64) []byte {
	return append(p, byte(id), byte(id>>8), byte(id>>16), byte(id>>24), byte(id>>32), byte(id>>40))
}

// testColumn describes a column for tableMapPayload. meta holds the
// column's metadata bytes as written on the wire.
type testColumn struct {
	typ      ColumnType
	meta     []byte
	nullable bool
}

func tableMapPayload(id uint64, schema, table string, cols []testColumn) []byte {
	p := appendTableID(nil, id)
	p = binary.LittleEndian.AppendUint16(p, 1)
	p = append(p, byte(len(schema)))
	p = append(p, schema...)
	p = append(p, 0, byte(len(table)))
	p = append(p, table...)
	p = append(p, 0, byte(len(cols)))
	var meta []byte
	for _, c := range cols {
		p = append(p, byte(c.typ))
		meta = append(meta, c.meta...)
	}
	p = append(p, byte(len(meta)))
	p = append(p, meta...)
	nulls := make([]byte, bitmapSize(len(cols)))
	for i, c := range cols {
		if c.nullable {
			nulls[i/8] |= 1 << uint(i%8)
		}
	}
	return append(p, nulls...)
}

// rowsPayload builds a v1 rows event where every column is present.
func rowsPayload(typ EventType, id uint64, flags uint16, numCol int, rows []byte) []byte {
	p := appendTableID(nil, id)
	p = binary.LittleEndian.AppendUint16(p, flags)
	if typ.rowsVersion() == 2 {
		p = binary.LittleEndian.AppendUint16(p, 2)
	}
	p = append(p, byte(numCol))
	present := allSet(numCol)
	p = append(p, present...)
	if typ.IsUpdateRows() {
		p = append(p, present...)
	}
	return append(p, rows...)
}

func allSet(n int) []byte {
	bm := make([]byte, bitmapSize(n))
	for i := 0; i < n; i++ {
		bm[i/8] |= 1 << uint(i%8)
	}
	return bm
}

// usersTable is a table with an int id and a nullable varchar(20) name.
var usersTable = []testColumn{
	{typ: MYSQL_TYPE_LONG},
	{typ: MYSQL_TYPE_VARCHAR, meta: []byte{20, 0}, nullable: true},
}

// userRow encodes one row image of usersTable. An empty name is NULL.
func userRow(id uint32, name string) []byte {
	if name == "" {
		return binary.LittleEndian.AppendUint32([]byte{0x02}, id)
	}
	p := binary.LittleEndian.AppendUint32([]byte{0x00}, id)
	p = append(p, byte(len(name)))
	return append(p, name...)
}
