package binlog

import (
	"container/list"

	"github.com/juju/errors"
)

// Column describes one column of a table as announced by TableMapEvent.
type Column struct {
	Ordinal  int
	Type     ColumnType
	Meta     uint16
	Nullable bool
	Unsigned bool
	Name     string
}

// TableMapEvent is the first event used in Row Based Replication. It
// declares how a table that is about to be changed is defined. Rows
// events refer to it through TableID.
//
// https://dev.mysql.com/doc/internals/en/table-map-event.html
type TableMapEvent struct {
	TableID    uint64
	Flags      uint16
	SchemaName string
	TableName  string
	Columns    []Column

	// Metadata is the raw per-column metadata block.
	Metadata []byte

	// NullBitmapLen is the size in bytes of the nullability bitmap.
	NullBitmapLen int

	tableIDSize int
}

// optional metadata types written with binlog_row_metadata=FULL
const (
	metaSignedness = 1
	metaColumnName = 4
)

func (e *TableMapEvent) decode(r *reader) error {
	if e.tableIDSize == 0 {
		e.tableIDSize = 6
	}
	e.TableID = r.intFixed(e.tableIDSize)
	e.Flags = r.int2()
	e.SchemaName = r.string1()
	r.skip(1)
	e.TableName = r.string1()
	r.skip(1)
	numCol := r.intN()
	if r.err != nil {
		return r.err
	}
	if numCol > uint64(r.remaining()) {
		r.ensure(int(r.remaining()) + 1)
		return r.err
	}
	types := r.view(int(numCol))
	if r.err != nil {
		return r.err
	}
	e.Columns = make([]Column, numCol)
	for i := range e.Columns {
		e.Columns[i].Ordinal = i
		e.Columns[i].Type = ColumnType(types[i])
	}

	metaLen := r.intN()
	if r.err != nil {
		return r.err
	}
	if metaLen > uint64(r.remaining()) {
		r.ensure(int(r.remaining()) + 1)
		return r.err
	}
	e.Metadata = r.bytes(int(metaLen))
	off := 0
	for i, col := range e.Columns {
		w := MetadataWidth(col.Type)
		if off+w > len(e.Metadata) {
			return errors.Annotatef(ErrTruncatedRecord, "metadata of column %d needs %d bytes, have %d", i, w, len(e.Metadata)-off)
		}
		e.Columns[i].Meta = metadataWord(col.Type, e.Metadata[off:off+w])
		off += w
	}
	if off != len(e.Metadata) {
		return errors.NotValidf("metadata block of %d bytes for %d bytes of column metadata", len(e.Metadata), off)
	}

	e.NullBitmapLen = bitmapSize(len(e.Columns))
	nullability := bitmap(r.view(e.NullBitmapLen))
	if r.err != nil {
		return r.err
	}
	for i := range e.Columns {
		e.Columns[i].Nullable = nullability.isSet(i)
	}

	for r.more() {
		typ := r.int1()
		size := r.intN()
		if r.err != nil {
			break
		}
		if size > uint64(r.remaining()) {
			r.ensure(r.remaining() + 1)
			break
		}
		field := newReader(r.view(int(size)))
		switch typ {
		case metaSignedness:
			// most significant bit first, one bit per numeric column.
			signedness := field.view(field.remaining())
			inum := 0
			for i := range e.Columns {
				if !e.Columns[i].Type.isNumeric() {
					continue
				}
				if inum/8 < len(signedness) {
					e.Columns[i].Unsigned = signedness[inum/8]&(0x80>>uint(inum%8)) != 0
				}
				inum++
			}
		case metaColumnName:
			for i := range e.Columns {
				if !field.more() {
					break
				}
				e.Columns[i].Name = field.stringN()
			}
		}
	}
	return r.err
}

func (t ColumnType) isNumeric() bool {
	switch t {
	case MYSQL_TYPE_TINY, MYSQL_TYPE_SHORT, MYSQL_TYPE_INT24, MYSQL_TYPE_LONG, MYSQL_TYPE_LONGLONG,
		MYSQL_TYPE_FLOAT, MYSQL_TYPE_DOUBLE, MYSQL_TYPE_DECIMAL, MYSQL_TYPE_NEWDECIMAL:
		return true
	}
	return false
}

// TableMapIndex maps table ids to the latest TableMapEvent seen for
// them. It holds at most a fixed number of tables, forgetting the
// least recently announced one when full.
type TableMapIndex struct {
	capacity int
	order    *list.List
	tables   map[uint64]*list.Element
}

// DefaultTableMapCapacity bounds a TableMapIndex when no capacity is given.
const DefaultTableMapCapacity = 4096

func NewTableMapIndex(capacity int) *TableMapIndex {
	if capacity <= 0 {
		capacity = DefaultTableMapCapacity
	}
	return &TableMapIndex{
		capacity: capacity,
		order:    list.New(),
		tables:   make(map[uint64]*list.Element),
	}
}

// Add records tme, replacing any earlier entry for the same table id.
func (x *TableMapIndex) Add(tme *TableMapEvent) {
	if el, ok := x.tables[tme.TableID]; ok {
		el.Value = tme
		x.order.MoveToBack(el)
		return
	}
	x.tables[tme.TableID] = x.order.PushBack(tme)
	for x.order.Len() > x.capacity {
		oldest := x.order.Front()
		x.order.Remove(oldest)
		delete(x.tables, oldest.Value.(*TableMapEvent).TableID)
	}
}

// Get returns the TableMapEvent for id. It never creates an entry.
func (x *TableMapIndex) Get(id uint64) (*TableMapEvent, bool) {
	el, ok := x.tables[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*TableMapEvent), true
}

func (x *TableMapIndex) Remove(id uint64) {
	if el, ok := x.tables[id]; ok {
		x.order.Remove(el)
		delete(x.tables, id)
	}
}

func (x *TableMapIndex) Clear() {
	x.order.Init()
	x.tables = make(map[uint64]*list.Element)
}

func (x *TableMapIndex) Len() int {
	return x.order.Len()
}
