package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/juju/errors"

	"github.com/replisten/binlog"
)

// printEvent writes one line per event, followed by its row images.
func printEvent(w io.Writer, ev *binlog.Event) error {
	typ := ev.Header.EventType.String()
	if _, ok := ev.Data.(*binlog.TransactionEvent); ok {
		typ = "transaction"
	}
	fmt.Fprintf(w, "%s %s:%d %-17s",
		time.Unix(int64(ev.Header.Timestamp), 0).UTC().Format("2006-01-02 15:04:05"),
		ev.LogFile, ev.StartPos, typ)

	switch d := ev.Data.(type) {
	case *binlog.FormatDescriptionEvent:
		fmt.Fprintf(w, " v%d %s\n", d.BinlogVersion, d.ServerVersion)
	case *binlog.RotateEvent:
		fmt.Fprintf(w, " %s:%d\n", d.NextBinlog, d.Position)
	case *binlog.QueryEvent:
		if d.Schema != "" {
			fmt.Fprintf(w, " [%s]", d.Schema)
		}
		fmt.Fprintf(w, " %s\n", d.Query)
	case *binlog.XidEvent:
		fmt.Fprintf(w, " xid=%d\n", d.XID)
	case *binlog.IncidentEvent:
		fmt.Fprintf(w, " incident %d: %s\n", d.Type, d.Message)
	case *binlog.TableMapEvent:
		fmt.Fprintf(w, " %s.%s\n", d.SchemaName, d.TableName)
	case *binlog.RowsEvent:
		fmt.Fprintf(w, " %s\n", tableName(d))
		return printRows(w, ev.Header.EventType, d, "    ")
	case *binlog.TransactionEvent:
		fmt.Fprintf(w, " %d events, next %d\n", len(d.Events), d.NextPos)
		for _, sub := range d.Events {
			re, ok := sub.Data.(*binlog.RowsEvent)
			if !ok {
				continue
			}
			fmt.Fprintf(w, "  %s %s\n", sub.Header.EventType, tableName(re))
			if err := printRows(w, sub.Header.EventType, re, "    "); err != nil {
				return err
			}
		}
	default:
		fmt.Fprintln(w)
	}
	return nil
}

func tableName(re *binlog.RowsEvent) string {
	if re.TableMap == nil {
		return "table#" + strconv.FormatUint(re.TableID, 10)
	}
	return re.TableMap.SchemaName + "." + re.TableMap.TableName
}

func printRows(w io.Writer, typ binlog.EventType, re *binlog.RowsEvent, indent string) error {
	it, err := re.RowIterator()
	if errors.Is(err, binlog.ErrUnresolvedTable) {
		fmt.Fprintf(w, "%s(rows of unmapped table id %d)\n", indent, re.TableID)
		return nil
	}
	if err != nil {
		return err
	}
	for n := 0; ; n++ {
		row, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Annotatef(err, "rows of %s", tableName(re))
		}
		label := "SET:"
		if typ.IsDeleteRows() || typ.IsUpdateRows() && n%2 == 0 {
			label = "WHERE:"
		}
		fmt.Fprintf(w, "%s%6s", indent, label)
		for i, f := range row {
			if f.Omitted {
				continue
			}
			fmt.Fprintf(w, " %s=%s", columnName(re.TableMap.Columns[i]), f)
		}
		fmt.Fprintln(w)
	}
}

// columnName falls back to the ordinal for servers that do not log
// column names.
func columnName(col binlog.Column) string {
	if col.Name == "" {
		return "@" + strconv.Itoa(col.Ordinal)
	}
	return col.Name
}
