package checkpoint

import (
	"context"
	"io"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/replisten/binlog"
)

func TestStore_SaveLoad(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	s, err := Open(dir)
	c.Assert(err, qt.IsNil)

	_, ok, err := s.Load()
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)

	want := binlog.Position{File: "mysql-bin.000042", Offset: 1234}
	c.Assert(s.Save(want), qt.IsNil)
	c.Assert(s.Close(), qt.IsNil)

	// survives reopening
	s, err = Open(dir)
	c.Assert(err, qt.IsNil)
	defer s.Close()
	got, ok, err := s.Load()
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.Equals, want)
}

func TestDecodePosition_Short(t *testing.T) {
	c := qt.New(t)
	_, err := decodePosition([]byte{1, 2})
	c.Assert(err, qt.ErrorMatches, "stored position of 2 bytes not valid")
}

func TestRecorder(t *testing.T) {
	c := qt.New(t)
	s, err := Open(t.TempDir())
	c.Assert(err, qt.IsNil)
	defer s.Close()
	h := Recorder(s, nil)

	saved := func() binlog.Position {
		pos, _, err := s.Load()
		c.Assert(err, qt.IsNil)
		return pos
	}
	handle := func(ev *binlog.Event) {
		res, err := h.Handle(ev)
		c.Assert(err, qt.IsNil)
		c.Assert(res.Event, qt.Equals, ev)
	}

	handle(event(120, &binlog.QueryEvent{Query: "CREATE TABLE t (id INT)"}))
	c.Assert(saved(), qt.Equals, binlog.Position{File: "bin.000001", Offset: 120})

	// nothing is saved inside a transaction
	handle(event(200, &binlog.QueryEvent{Query: "BEGIN"}))
	handle(event(260, &binlog.TableMapEvent{TableID: 1}))
	handle(event(300, &binlog.RowsEvent{TableID: 1}))
	c.Assert(saved(), qt.Equals, binlog.Position{File: "bin.000001", Offset: 120})
	handle(event(331, &binlog.XidEvent{XID: 9}))
	c.Assert(saved(), qt.Equals, binlog.Position{File: "bin.000001", Offset: 331})

	handle(event(0, &binlog.TransactionEvent{NextPos: 500}))
	c.Assert(saved(), qt.Equals, binlog.Position{File: "bin.000001", Offset: 331}, qt.Commentf("zero next position is not saved"))

	handle(event(400, &binlog.RotateEvent{Position: 4, NextBinlog: "bin.000002"}))
	c.Assert(saved(), qt.Equals, binlog.Position{File: "bin.000002", Offset: 4})
}

func TestRecorder_AfterTransactionParser(t *testing.T) {
	c := qt.New(t)
	s, err := Open(t.TempDir())
	c.Assert(err, qt.IsNil)
	defer s.Close()

	events := []*binlog.Event{
		event(200, &binlog.QueryEvent{Query: "BEGIN"}),
		event(300, &binlog.TableMapEvent{TableID: 1}),
		event(400, &binlog.RowsEvent{TableID: 1}),
		event(500, &binlog.QueryEvent{Query: "INSERT INTO audit VALUES (1)"}),
	}
	source := func(ctx context.Context) (*binlog.Event, error) {
		if len(events) == 0 {
			return nil, io.EOF
		}
		ev := events[0]
		events = events[1:]
		return ev, nil
	}
	tp := binlog.NewTransactionParser(nil)
	p := binlog.NewPipeline(source, tp, Recorder(s, tp))

	// the statement inside the open transaction is delivered but not saved
	ev, err := p.Next(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(ev.Data.(*binlog.QueryEvent).Query, qt.Equals, "INSERT INTO audit VALUES (1)")
	_, ok, err := s.Load()
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)

	events = append(events, event(531, &binlog.XidEvent{XID: 3}))
	ev, err = p.Next(context.Background())
	c.Assert(err, qt.IsNil)
	_, isTx := ev.Data.(*binlog.TransactionEvent)
	c.Assert(isTx, qt.IsTrue)
	pos, ok, err := s.Load()
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(pos, qt.Equals, binlog.Position{File: "bin.000001", Offset: 400})

	_, err = p.Next(context.Background())
	c.Assert(err, qt.Equals, io.EOF)
}

// Helpers ---

func event(nextPos uint32, data binlog.EventData) *binlog.Event {
	return &binlog.Event{
		Header:  binlog.EventHeader{NextPos: nextPos},
		LogFile: "bin.000001",
		Data:    data,
	}
}
