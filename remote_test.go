package binlog

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

func TestTCPDriver_ConnectAtMasterStatus(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)
	srv := newFakeServer(
		fakeDump{events: []*Event{fakeQuery(200, "a"), fakeQuery(300, "b")}, err: io.EOF},
	)
	d := newTCPDriver(TCPConfig{}, srv, srv.open)
	defer d.Close()

	ctx := context.Background()
	c.Assert(d.Connect(ctx), qt.IsNil)
	c.Assert(srv.opened(), qt.DeepEquals, []Position{{File: "bin.000002", Offset: 120}})

	ev, err := d.NextEvent(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(ev.Data.(*QueryEvent).Query, qt.Equals, "a")
	c.Assert(d.Position(), qt.Equals, Position{File: "bin.000002", Offset: 200})
	ev, err = d.NextEvent(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(ev.Data.(*QueryEvent).Query, qt.Equals, "b")

	// non-blocking dump ends with EOF, and stays there
	_, err = d.NextEvent(ctx)
	c.Assert(err, qt.Equals, io.EOF)
	_, err = d.NextEvent(ctx)
	c.Assert(err, qt.Equals, io.EOF)
	c.Assert(d.Position(), qt.Equals, Position{File: "bin.000002", Offset: 300})
}

func TestTCPDriver_NotConnected(t *testing.T) {
	c := qt.New(t)
	d := newTCPDriver(TCPConfig{}, newFakeServer(), nil)
	_, err := d.NextEvent(context.Background())
	c.Assert(err, qt.Equals, ErrNotConnected)
	c.Assert(d.Close(), qt.IsNil)
	_, err = d.NextEvent(context.Background())
	c.Assert(err, qt.Equals, ErrClosed)
	c.Assert(d.Connect(context.Background()), qt.Equals, ErrClosed)
}

func TestTCPDriver_Reconnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)
	clk := testclock.NewClock(time.Now())
	m := NewMetrics(prometheus.NewRegistry())
	gate := make(chan struct{})
	srv := newFakeServer(
		fakeDump{
			events: []*Event{fakeQuery(200, "a"), fakeQuery(300, "b"), fakeQuery(400, "c")},
			err:    &TransportError{Op: "read event", Err: io.ErrUnexpectedEOF},
			gate:   gate,
		},
		fakeDump{events: []*Event{fakeQuery(300, "b"), fakeQuery(400, "c")}, err: io.EOF},
	)
	cfg := TCPConfig{RetryDelay: time.Second, Clock: clk, Metrics: m, QueueSize: 4}
	d := newTCPDriver(cfg, srv, srv.open)
	defer d.Close()

	ctx := context.Background()
	c.Assert(d.Seek(ctx, Position{File: "bin.000001", Offset: 4}), qt.IsNil)
	c.Assert(d.Connect(ctx), qt.IsNil)

	ev, err := d.NextEvent(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(ev.Data.(*QueryEvent).Query, qt.Equals, "a")

	// the worker runs into the broken connection and waits before
	// reconnecting at the position after "a"
	close(gate)
	c.Assert(clk.WaitAdvance(time.Second, 5*time.Second, 1), qt.IsNil)

	var got []string
	for {
		ev, err := d.NextEvent(ctx)
		if err == io.EOF {
			break
		}
		c.Assert(err, qt.IsNil)
		got = append(got, ev.Data.(*QueryEvent).Query)
	}
	c.Assert(srv.opened(), qt.DeepEquals, []Position{
		{File: "bin.000001", Offset: 4},
		{File: "bin.000001", Offset: 200},
	})
	// events queued before the failure are discarded and read again
	c.Assert(got, qt.DeepEquals, []string{"b", "c"})
	c.Assert(testutil.ToFloat64(m.reconnects), qt.Equals, float64(1))
}

func TestTCPDriver_ServerErrorIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)
	srv := newFakeServer(
		fakeDump{events: []*Event{fakeQuery(200, "a")}, err: &ServerError{Code: 1236, Message: "binlog purged"}},
	)
	d := newTCPDriver(TCPConfig{}, srv, srv.open)
	defer d.Close()

	ctx := context.Background()
	c.Assert(d.Connect(ctx), qt.IsNil)
	_, err := d.NextEvent(ctx)
	c.Assert(err, qt.IsNil)
	_, err = d.NextEvent(ctx)
	var se *ServerError
	c.Assert(errors.As(err, &se), qt.IsTrue)
	c.Assert(se.Code, qt.Equals, uint16(1236))
	_, err = d.NextEvent(ctx)
	c.Assert(err, qt.Equals, ErrClosed)
	c.Assert(srv.opened(), qt.HasLen, 1)
}

func TestTCPDriver_RetriesExhausted(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)
	clk := testclock.NewClock(time.Now())
	broken := &TransportError{Op: "dial", Err: errors.New("connection refused")}
	srv := newFakeServer(
		fakeDump{err: &TransportError{Op: "read event", Err: io.ErrUnexpectedEOF}},
		fakeDump{openErr: broken},
		fakeDump{openErr: broken},
	)
	cfg := TCPConfig{RetryDelay: time.Second, MaxRetries: 2, Clock: clk}
	d := newTCPDriver(cfg, srv, srv.open)
	defer d.Close()

	ctx := context.Background()
	c.Assert(d.Connect(ctx), qt.IsNil)
	// the pause before reconnecting, then the pause between attempts
	c.Assert(clk.WaitAdvance(time.Second, 5*time.Second, 1), qt.IsNil)
	c.Assert(clk.WaitAdvance(time.Second, 5*time.Second, 1), qt.IsNil)

	_, err := d.NextEvent(ctx)
	c.Assert(err, qt.ErrorMatches, "reconnect at bin.000002:120: .*connection refused")
	_, err = d.NextEvent(ctx)
	c.Assert(err, qt.Equals, ErrClosed)
	c.Assert(srv.opened(), qt.HasLen, 3)
}

func TestTCPDriver_Seek(t *testing.T) {
	c := qt.New(t)
	srv := newFakeServer()
	d := newTCPDriver(TCPConfig{}, srv, srv.open)
	defer d.Close()
	ctx := context.Background()

	c.Assert(d.Seek(ctx, Position{File: "bin.000001", Offset: 2}), qt.ErrorMatches, "offset 2 not valid")
	c.Assert(d.Seek(ctx, Position{File: "bin.000009", Offset: 4}), qt.ErrorMatches, `binlog file "bin.000009" not valid`)
	c.Assert(d.Seek(ctx, Position{File: "bin.000001", Offset: 5000}), qt.ErrorMatches, "offset 5000 beyond size 1000 of bin.000001 not valid")
	c.Assert(d.Seek(ctx, Position{File: "bin.000001", Offset: 1000}), qt.IsNil)
	c.Assert(d.Position(), qt.Equals, Position{File: "bin.000001", Offset: 1000})
}

func TestTCPDriver_SeekRestartsDump(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)
	srv := newFakeServer(
		fakeDump{events: []*Event{fakeQuery(200, "a"), fakeQuery(300, "b")}, block: true},
		fakeDump{events: []*Event{fakeQuery(600, "z")}, err: io.EOF},
	)
	d := newTCPDriver(TCPConfig{}, srv, srv.open)
	defer d.Close()

	ctx := context.Background()
	c.Assert(d.Connect(ctx), qt.IsNil)
	ev, err := d.NextEvent(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(ev.Data.(*QueryEvent).Query, qt.Equals, "a")

	c.Assert(d.Seek(ctx, Position{File: "bin.000002", Offset: 500}), qt.IsNil)
	ev, err = d.NextEvent(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(ev.Data.(*QueryEvent).Query, qt.Equals, "z")
	c.Assert(d.Position(), qt.Equals, Position{File: "bin.000002", Offset: 600})
}

func TestTCPDriver_CloseUnblocks(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)
	srv := newFakeServer(fakeDump{block: true})
	d := newTCPDriver(TCPConfig{}, srv, srv.open)
	ctx := context.Background()
	c.Assert(d.Connect(ctx), qt.IsNil)

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err := d.NextEvent(cctx)
	c.Assert(err, qt.Equals, context.DeadlineExceeded)

	c.Assert(d.Close(), qt.IsNil)
	c.Assert(srv.closed(), qt.Equals, 1)
	_, err = d.NextEvent(ctx)
	c.Assert(err, qt.Equals, ErrClosed)
}

// Helpers ---

func fakeQuery(nextPos uint32, q string) *Event {
	return &Event{
		Header: EventHeader{EventType: QUERY_EVENT, NextPos: nextPos},
		Data:   &QueryEvent{Query: q},
	}
}

// fakeDump is what one connection to fakeServer yields: events, then
// err once gate is closed. A blocking dump waits for Close after its
// events instead.
type fakeDump struct {
	events  []*Event
	err     error
	gate    chan struct{}
	block   bool
	openErr error
}

type fakeServer struct {
	mu        sync.Mutex
	dumps     []fakeDump
	positions []Position
	closes    int
}

func newFakeServer(dumps ...fakeDump) *fakeServer {
	return &fakeServer{dumps: dumps}
}

func (s *fakeServer) ListBinaryLogs(ctx context.Context) ([]BinaryLogFile, error) {
	return []BinaryLogFile{{Name: "bin.000001", Size: 1000}, {Name: "bin.000002", Size: 1000}}, nil
}

func (s *fakeServer) MasterStatus(ctx context.Context) (Position, error) {
	return Position{File: "bin.000002", Offset: 120}, nil
}

func (s *fakeServer) open(ctx context.Context, pos Position) (eventSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append(s.positions, pos)
	if len(s.dumps) == 0 {
		return nil, &TransportError{Op: "dial", Err: errors.New("no more dumps")}
	}
	dump := s.dumps[0]
	s.dumps = s.dumps[1:]
	if dump.openErr != nil {
		return nil, dump.openErr
	}
	src := &fakeSource{dump: dump, server: s, done: make(chan struct{})}
	for _, ev := range dump.events {
		ev.LogFile = pos.File
	}
	return src, nil
}

func (s *fakeServer) opened() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Position(nil), s.positions...)
}

func (s *fakeServer) closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeSource struct {
	dump   fakeDump
	server *fakeServer
	next   int
	once   sync.Once
	done   chan struct{}
}

func (f *fakeSource) Next() (*Event, error) {
	if f.next < len(f.dump.events) {
		f.next++
		return f.dump.events[f.next-1], nil
	}
	if f.dump.block {
		<-f.done
		return nil, &TransportError{Op: "read event", Err: io.ErrClosedPipe}
	}
	if f.dump.gate != nil {
		select {
		case <-f.dump.gate:
		case <-f.done:
		}
	}
	return nil, f.dump.err
}

func (f *fakeSource) Close() error {
	f.once.Do(func() {
		close(f.done)
		f.server.mu.Lock()
		f.server.closes++
		f.server.mu.Unlock()
	})
	return nil
}
