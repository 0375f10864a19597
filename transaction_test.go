package binlog

import (
	"bytes"
	"context"
	"io"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTransactionParser_Commit(t *testing.T) {
	for _, commit := range []string{"COMMIT", "xid"} {
		t.Run(commit, func(t *testing.T) {
			c := qt.New(t)
			b := newEventBuilder(4).
				add(QUERY_EVENT, queryPayload("", "BEGIN")).
				add(TABLE_MAP_EVENT, tableMapPayload(42, "shop", "users", usersTable)).
				add(WRITE_ROWS_EVENTv1, rowsPayload(WRITE_ROWS_EVENTv1, 42, RowsFlagStmtEnd, 2, userRow(1, "ann")))
			rowsNext := b.pos
			if commit == "xid" {
				b.add(XID_EVENT, xidPayload(77))
			} else {
				b.add(QUERY_EVENT, queryPayload("", "COMMIT"))
			}
			b.add(QUERY_EVENT, queryPayload("", "FLUSH TABLES"))

			reg := prometheus.NewRegistry()
			m := NewMetrics(reg)
			tp := NewTransactionParser(m)
			p := NewPipeline(streamSource(b.bytes()), tp)

			ev, err := p.Next(context.Background())
			c.Assert(err, qt.IsNil)
			c.Assert(ev.Header.EventType, qt.Equals, USER_DEFINED_EVENT)
			c.Assert(ev.Header.Timestamp, qt.Equals, uint32(1600000000))
			c.Assert(ev.StartPos, qt.Equals, uint32(4))
			tx := ev.Data.(*TransactionEvent)
			c.Assert(tx.StartTime, qt.Equals, uint32(1600000000))
			c.Assert(tx.NextPos, qt.Equals, rowsNext)
			c.Assert(ev.Header.NextPos, qt.Equals, rowsNext)
			c.Assert(tx.Events, qt.HasLen, 2)
			c.Assert(tx.Events[0].Header.EventType, qt.Equals, TABLE_MAP_EVENT)
			c.Assert(tx.Events[1].Header.EventType, qt.Equals, WRITE_ROWS_EVENTv1)
			c.Assert(tx.TableMaps[42], qt.Equals, tx.Events[0].Data.(*TableMapEvent))
			c.Assert(tp.State(), qt.Equals, NotInProgress)

			ev, err = p.Next(context.Background())
			c.Assert(err, qt.IsNil)
			c.Assert(ev.Data.(*QueryEvent).Query, qt.Equals, "FLUSH TABLES")
			_, err = p.Next(context.Background())
			c.Assert(err, qt.Equals, io.EOF)

			c.Assert(testutil.ToFloat64(m.transactions), qt.Equals, float64(1))
		})
	}
}

func TestTransactionParser_CommitOutsideTransaction(t *testing.T) {
	c := qt.New(t)
	tp := NewTransactionParser(nil)
	for _, ev := range []*Event{
		queryEvent("COMMIT"),
		{Header: EventHeader{EventType: XID_EVENT}, Data: &XidEvent{XID: 1}},
	} {
		res, err := tp.Handle(ev)
		c.Assert(err, qt.IsNil)
		c.Assert(res.Event, qt.Equals, ev)
		c.Assert(res.Inject, qt.HasLen, 0)
		c.Assert(tp.State(), qt.Equals, NotInProgress)
	}
}

func TestTransactionParser_ForwardsOtherEvents(t *testing.T) {
	c := qt.New(t)
	tp := NewTransactionParser(nil)
	p := NewPipeline(sliceSource(
		queryEvent("BEGIN"),
		queryEvent("INSERT INTO t VALUES (1)"),
		&Event{Header: EventHeader{EventType: TABLE_MAP_EVENT}, Data: &TableMapEvent{TableID: 1}},
		queryEvent("COMMIT"),
	), tp)

	ev, err := p.Next(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(ev.Data.(*QueryEvent).Query, qt.Equals, "INSERT INTO t VALUES (1)")
	c.Assert(tp.State(), qt.Equals, InProgress)

	ev, err = p.Next(context.Background())
	c.Assert(err, qt.IsNil)
	tx := ev.Data.(*TransactionEvent)
	c.Assert(tx.Events, qt.HasLen, 1)
	c.Assert(tx.TableMaps, qt.HasLen, 1)
}

func TestTransactionParser_Rollback(t *testing.T) {
	c := qt.New(t)
	tp := NewTransactionParser(nil)
	p := NewPipeline(sliceSource(
		queryEvent("BEGIN"),
		&Event{Header: EventHeader{EventType: TABLE_MAP_EVENT}, Data: &TableMapEvent{TableID: 1}},
		queryEvent("ROLLBACK"),
		queryEvent("SELECT 1"),
	), tp)
	c.Assert(queries(c, p), qt.DeepEquals, []string{"SELECT 1"})
	c.Assert(tp.State(), qt.Equals, NotInProgress)
}

func TestTransactionParser_BeginRestarts(t *testing.T) {
	c := qt.New(t)
	tp := NewTransactionParser(nil)
	p := NewPipeline(sliceSource(
		queryEvent("BEGIN"),
		&Event{Header: EventHeader{EventType: TABLE_MAP_EVENT}, Data: &TableMapEvent{TableID: 1}},
		&Event{Header: EventHeader{EventType: QUERY_EVENT, Timestamp: 9}, Data: &QueryEvent{Query: "BEGIN"}},
		&Event{Header: EventHeader{EventType: TABLE_MAP_EVENT}, Data: &TableMapEvent{TableID: 2}},
		queryEvent("COMMIT"),
	), tp)
	ev, err := p.Next(context.Background())
	c.Assert(err, qt.IsNil)
	tx := ev.Data.(*TransactionEvent)
	c.Assert(tx.StartTime, qt.Equals, uint32(9))
	c.Assert(tx.Events, qt.HasLen, 1)
	c.Assert(tx.TableMaps[2], qt.Not(qt.IsNil))
}

func TestTransactionParser_InjectedEventRunsChain(t *testing.T) {
	c := qt.New(t)
	var seen []EventType
	counter := HandlerFunc(func(ev *Event) (Result, error) {
		seen = append(seen, ev.Header.EventType)
		return Forward(ev), nil
	})
	p := NewPipeline(sliceSource(
		queryEvent("BEGIN"),
		&Event{Header: EventHeader{EventType: TABLE_MAP_EVENT}, Data: &TableMapEvent{TableID: 1}},
		queryEvent("COMMIT"),
	), counter, NewTransactionParser(nil))
	_, err := p.Next(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(seen, qt.DeepEquals, []EventType{QUERY_EVENT, TABLE_MAP_EVENT, QUERY_EVENT, USER_DEFINED_EVENT})
}

// Helpers ---

func streamSource(raw []byte) Source {
	s := NewStream(bytes.NewReader(raw), StreamOptions{Pos: 4})
	return func(ctx context.Context) (*Event, error) {
		return s.Next()
	}
}
