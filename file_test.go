package binlog

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"
)

func writeBinlogFile(c *qt.C, dir, name string, events []byte) string {
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, append(append([]byte{}, fileHeader...), events...), 0o644)
	c.Assert(err, qt.IsNil)
	return path
}

func appendFile(c *qt.C, path string, b []byte) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	c.Assert(err, qt.IsNil)
	_, err = f.Write(b)
	c.Assert(err, qt.IsNil)
	c.Assert(f.Close(), qt.IsNil)
}

func TestFileDriver_ReadAll(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	b := newEventBuilder(4).fde(false).
		add(QUERY_EVENT, queryPayload("test", "BEGIN")).
		add(XID_EVENT, xidPayload(7))
	path := writeBinlogFile(c, c.TempDir(), "bin.000001", b.bytes())

	d := NewFileDriver(path, FileOptions{})
	defer d.Close()
	c.Assert(d.Position(), qt.Equals, Position{File: "bin.000001", Offset: 4})
	_, err := d.NextEvent(ctx)
	c.Assert(err, qt.Equals, ErrNotConnected)

	c.Assert(d.Connect(ctx), qt.IsNil)
	var types []EventType
	for {
		ev, err := d.NextEvent(ctx)
		if err == io.EOF {
			break
		}
		c.Assert(err, qt.IsNil)
		c.Assert(ev.LogFile, qt.Equals, "bin.000001")
		types = append(types, ev.Header.EventType)
	}
	c.Assert(types, qt.DeepEquals, []EventType{FORMAT_DESCRIPTION_EVENT, QUERY_EVENT, XID_EVENT})
	c.Assert(d.Position(), qt.Equals, Position{File: "bin.000001", Offset: b.pos})

	// end of file is not a fault
	_, err = d.NextEvent(ctx)
	c.Assert(err, qt.Equals, io.EOF)
}

func TestFileDriver_BadHeader(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "bin.000001")
	c.Assert(os.WriteFile(path, []byte("not a binlog"), 0o644), qt.IsNil)

	d := NewFileDriver(path, FileOptions{})
	err := d.Connect(context.Background())
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue, qt.Commentf("%v", err))
	c.Assert(err, qt.ErrorMatches, "binlog file header of .*bin.000001 not valid")
}

func TestFileDriver_Seek(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	b := newEventBuilder(4).fde(true)
	mid := b.pos
	b.add(QUERY_EVENT, queryPayload("test", "INSERT INTO t VALUES (1)"))
	dir := c.TempDir()
	path := writeBinlogFile(c, dir, "bin.000001", b.bytes())

	d := NewFileDriver(path, FileOptions{})
	defer d.Close()
	err := d.Seek(ctx, Position{Offset: 2})
	c.Assert(err, qt.ErrorMatches, "offset 2 not valid")
	err = d.Seek(ctx, Position{File: "bin.000009", Offset: 4})
	c.Assert(err, qt.ErrorMatches, "seek bin.000009:4: .*no such file or directory")

	// the format description at the start of the file says events
	// carry checksums
	c.Assert(d.Seek(ctx, Position{Offset: mid}), qt.IsNil)
	c.Assert(d.Connect(ctx), qt.IsNil)
	ev, err := d.NextEvent(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(ev.StartPos, qt.Equals, mid)
	c.Assert(ev.Data.(*QueryEvent).Query, qt.Equals, "INSERT INTO t VALUES (1)")

	// seeking a connected driver reopens the file
	c.Assert(d.Seek(ctx, Position{File: "bin.000001", Offset: 4}), qt.IsNil)
	ev, err = d.NextEvent(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(ev.Header.EventType, qt.Equals, FORMAT_DESCRIPTION_EVENT)

	err = d.Seek(ctx, Position{Offset: b.pos + 100})
	c.Assert(err, qt.ErrorMatches, `offset \d+ beyond size \d+ of bin.000001 not valid`)
}

func TestFileDriver_FaultCloses(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	b := newEventBuilder(4).fde(false)
	raw := rawEvent(1, QUERY_EVENT, 200, queryPayload("test", "SELECT 1"), false)
	path := writeBinlogFile(c, c.TempDir(), "bin.000001", append(b.bytes(), raw[:len(raw)-3]...))

	d := NewFileDriver(path, FileOptions{})
	c.Assert(d.Connect(ctx), qt.IsNil)
	_, err := d.NextEvent(ctx)
	c.Assert(err, qt.IsNil)
	_, err = d.NextEvent(ctx)
	c.Assert(err, qt.ErrorIs, ErrTruncatedRecord)
	_, err = d.NextEvent(ctx)
	c.Assert(err, qt.Equals, ErrClosed)
	c.Assert(d.Connect(ctx), qt.Equals, ErrClosed)
}

func TestFileDriver_Follow(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	dir := c.TempDir()
	b1 := newEventBuilder(4).fde(false).
		add(QUERY_EVENT, queryPayload("test", "first"))
	b1.add(ROTATE_EVENT, rotatePayload(4, "bin.000002"))
	path := writeBinlogFile(c, dir, "bin.000001", b1.bytes())

	d := NewFileDriver(path, FileOptions{Follow: true, PollInterval: time.Millisecond})
	defer d.Close()
	c.Assert(d.Connect(ctx), qt.IsNil)

	next := func(timeout time.Duration) (*Event, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return d.NextEvent(ctx)
	}
	for _, want := range []EventType{FORMAT_DESCRIPTION_EVENT, QUERY_EVENT, ROTATE_EVENT} {
		ev, err := next(time.Second)
		c.Assert(err, qt.IsNil)
		c.Assert(ev.Header.EventType, qt.Equals, want)
	}
	c.Assert(d.Position(), qt.Equals, Position{File: "bin.000002", Offset: 4})

	// no index file yet, the driver waits for bin.000001 to grow
	_, err := next(20 * time.Millisecond)
	c.Assert(err, qt.Equals, context.DeadlineExceeded)

	b2 := newEventBuilder(4).fde(false)
	writeBinlogFile(c, dir, "bin.000002", b2.bytes())
	err = os.WriteFile(filepath.Join(dir, "bin.index"), []byte("./bin.000001\n./bin.000002\n"), 0o644)
	c.Assert(err, qt.IsNil)
	ev, err := next(time.Second)
	c.Assert(err, qt.IsNil)
	c.Assert(ev.Header.EventType, qt.Equals, FORMAT_DESCRIPTION_EVENT)
	c.Assert(ev.LogFile, qt.Equals, "bin.000002")

	// an event written in two pieces is read once complete
	raw := rawEvent(2, QUERY_EVENT, b2.pos+uint32(eventHeaderSize+len(queryPayload("test", "second"))), queryPayload("test", "second"), false)
	appendFile(c, filepath.Join(dir, "bin.000002"), raw[:10])
	_, err = next(20 * time.Millisecond)
	c.Assert(err, qt.Equals, context.DeadlineExceeded)
	appendFile(c, filepath.Join(dir, "bin.000002"), raw[10:])
	ev, err = next(time.Second)
	c.Assert(err, qt.IsNil)
	c.Assert(ev.StartPos, qt.Equals, b2.pos)
	c.Assert(ev.Data.(*QueryEvent).Query, qt.Equals, "second")
}

func TestNextBinlogFile(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	next, err := nextBinlogFile(dir, "mysql-bin.000001")
	c.Assert(err, qt.IsNil)
	c.Assert(next, qt.Equals, "")

	index := "/var/lib/mysql/mysql-bin.000001\n/var/lib/mysql/mysql-bin.000002\n"
	c.Assert(os.WriteFile(filepath.Join(dir, "mysql-bin.index"), []byte(index), 0o644), qt.IsNil)
	next, err = nextBinlogFile(dir, "mysql-bin.000001")
	c.Assert(err, qt.IsNil)
	c.Assert(next, qt.Equals, "mysql-bin.000002")
	next, err = nextBinlogFile(dir, "mysql-bin.000002")
	c.Assert(err, qt.IsNil)
	c.Assert(next, qt.Equals, "")
}
