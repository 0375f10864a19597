package binlog

import (
	"io"

	"github.com/juju/errors"
)

// rows event flags
const (
	RowsFlagStmtEnd = 0x0001
)

// dummyTableID marks an empty rows event that only closes a statement.
const dummyTableID = 0x00ffffff

// RowsEvent captures changes to the rows of one table. The row images
// in Rows can only be interpreted with the TableMapEvent announced for
// TableID, which the stream resolves into TableMap.
//
// https://dev.mysql.com/doc/internals/en/rows-event.html
type RowsEvent struct {
	TableID     uint64
	Flags       uint16
	ExtraData   []byte
	ColumnCount int

	// ColumnsPresent tells which columns are in each row image. For
	// update events it describes the before-image only.
	ColumnsPresent bitmap

	// ColumnsPresentAfter describes the after-image of update events.
	ColumnsPresentAfter bitmap

	// Rows is the raw row buffer.
	Rows []byte

	// TableMap is nil when no TableMapEvent was seen for TableID.
	TableMap *TableMapEvent

	eventType   EventType
	tableIDSize int
}

func (e *RowsEvent) decode(r *reader) error {
	if e.tableIDSize == 0 {
		e.tableIDSize = 6
	}
	e.TableID = r.intFixed(e.tableIDSize)
	e.Flags = r.int2()
	if e.eventType.rowsVersion() == 2 {
		extraDataLen := r.int2()
		if r.err != nil {
			return r.err
		}
		if extraDataLen < 2 {
			return errors.NotValidf("rows event extra data length %d", extraDataLen)
		}
		e.ExtraData = r.bytes(int(extraDataLen) - 2)
	}
	numCol := r.intN()
	if r.err != nil {
		return r.err
	}
	if numCol > uint64(r.remaining())*8 {
		r.ensure(r.remaining() + 1)
		return r.err
	}
	e.ColumnCount = int(numCol)
	e.ColumnsPresent = r.bytes(bitmapSize(e.ColumnCount))
	if e.eventType.IsUpdateRows() {
		e.ColumnsPresentAfter = r.bytes(bitmapSize(e.ColumnCount))
	}
	e.Rows = r.bytesEOF()
	return r.err
}

// Type returns the event type the rows event was decoded from.
func (e *RowsEvent) Type() EventType {
	return e.eventType
}

// StmtEnd tells whether this is the last rows event of its statement.
func (e *RowsEvent) StmtEnd() bool {
	return e.Flags&RowsFlagStmtEnd != 0
}

func (e *RowsEvent) dummy() bool {
	return e.TableID == dummyTableID || e.ColumnCount == 0
}

// RowIterator returns an iterator over the row images. It fails with
// ErrUnresolvedTable when the table map for the event is unknown.
//
// For update events the images alternate: the before-image of a change
// comes first, followed by its after-image.
func (e *RowsEvent) RowIterator() (*RowIterator, error) {
	if e.dummy() {
		return &RowIterator{ev: e}, nil
	}
	if e.TableMap == nil {
		return nil, errors.Annotatef(ErrUnresolvedTable, "table id %d", e.TableID)
	}
	if e.ColumnCount > len(e.TableMap.Columns) {
		return nil, errors.NotValidf("rows event with %d columns for table %s.%s with %d columns",
			e.ColumnCount, e.TableMap.SchemaName, e.TableMap.TableName, len(e.TableMap.Columns))
	}
	return &RowIterator{ev: e, cols: e.TableMap.Columns, buf: e.Rows}, nil
}

// Row is one row image: one Field per table column, in column order.
type Row []Field

// RowIterator walks the row images of a RowsEvent. It cannot be rewound.
type RowIterator struct {
	ev   *RowsEvent
	cols []Column
	buf  []byte
	off  int
	n    int
	err  error
}

// Next returns the next row image, or io.EOF after the last one.
// The returned fields alias the event's row buffer.
func (it *RowIterator) Next() (Row, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.off >= len(it.buf) {
		return nil, io.EOF
	}
	present := it.ev.ColumnsPresent
	if it.ev.eventType.IsUpdateRows() && it.n%2 == 1 {
		present = it.ev.ColumnsPresentAfter
	}
	numPresent := present.count(it.ev.ColumnCount)

	r := newReader(it.buf[it.off:])
	nulls := bitmap(r.view(bitmapSize(numPresent)))
	if r.err != nil {
		it.err = errors.Annotatef(r.err, "null bitmap of row %d", it.n)
		return nil, it.err
	}
	row := make(Row, len(it.cols))
	j := 0
	for i, col := range it.cols {
		f := Field{Type: col.Type, Meta: col.Meta, Unsigned: col.Unsigned}
		switch {
		case i >= it.ev.ColumnCount || !present.isSet(i):
			f.Omitted = true
		case nulls.isSet(j):
			f.Null = true
			j++
		default:
			j++
			size, err := FieldSize(col.Type, col.Meta, it.buf[it.off+r.off:])
			if err != nil {
				it.err = errors.Annotatef(err, "column %d of row %d", i, it.n)
				return nil, it.err
			}
			f.Data = r.view(size)
			if r.err != nil {
				it.err = errors.Annotatef(r.err, "column %d of row %d", i, it.n)
				return nil, it.err
			}
		}
		row[i] = f
	}
	if r.off == 0 {
		// nothing present, the rest of the buffer would never be consumed
		it.err = errors.NotValidf("row %d with no columns present and %d bytes left", it.n, len(it.buf)-it.off)
		return nil, it.err
	}
	it.off += r.off
	it.n++
	return row, nil
}

// Offset returns how many bytes of the row buffer have been consumed.
func (it *RowIterator) Offset() int {
	return it.off
}
