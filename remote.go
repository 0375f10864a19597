package binlog

import (
	"context"
	"io"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"
)

// eventSource is an open binlog dump.
type eventSource interface {
	Next() (*Event, error)
	Close() error
}

type dumpSource struct {
	*Stream
	s *session
}

func (d dumpSource) Close() error {
	return d.s.Close()
}

// binlogCatalog answers what binlog files a server has.
type binlogCatalog interface {
	ListBinaryLogs(ctx context.Context) ([]BinaryLogFile, error)
	MasterStatus(ctx context.Context) (Position, error)
}

type item struct {
	ev  *Event
	err error
	gen uint64
}

// TCPDriver reads events from a server over a binlog dump connection.
//
// A worker goroutine reads ahead of the consumer into a queue of
// QueueSize events. When the connection breaks or the stream faults,
// the worker throws away the events the consumer has not taken yet and
// reconnects at Position. Errors sent by the server end the dump.
type TCPDriver struct {
	cfg     TCPConfig
	open    func(ctx context.Context, pos Position) (eventSource, error)
	catalog binlogCatalog
	closer  io.Closer

	mu     sync.Mutex
	pos    Position
	seeked bool
	gen    uint64
	src    eventSource
	tomb   *tomb.Tomb
	items  chan item
	eof    bool
	closed bool
}

// NewTCPDriver returns a driver for the server cfg describes. It does
// not connect until Connect is called.
func NewTCPDriver(cfg TCPConfig) (*TCPDriver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	admin, err := OpenAdmin(&cfg)
	if err != nil {
		return nil, err
	}
	d := newTCPDriver(cfg, admin, nil)
	d.open = d.dial
	d.closer = admin
	return d, nil
}

func newTCPDriver(cfg TCPConfig, catalog binlogCatalog, open func(context.Context, Position) (eventSource, error)) *TCPDriver {
	cfg.setDefaults()
	return &TCPDriver{cfg: cfg, catalog: catalog, open: open}
}

func (d *TCPDriver) dial(ctx context.Context, pos Position) (eventSource, error) {
	s, err := dialSession(ctx, &d.cfg)
	if err != nil {
		return nil, err
	}
	st, err := s.startDump(pos, &d.cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return dumpSource{Stream: st, s: s}, nil
}

// Connect starts the dump at the position given to Seek, or at the
// current end of the log when Seek was not called.
func (d *TCPDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.tomb != nil && d.tomb.Alive() {
		d.mu.Unlock()
		return nil
	}
	seeked := d.seeked
	d.mu.Unlock()
	d.stop()

	if !seeked {
		pos, err := d.catalog.MasterStatus(ctx)
		if err != nil {
			return errors.Annotate(err, "find current binlog position")
		}
		d.mu.Lock()
		d.pos = pos
		d.mu.Unlock()
	}
	return d.start(ctx)
}

func (d *TCPDriver) start(ctx context.Context) error {
	pos := d.Position()
	src, err := d.open(ctx, pos)
	if err != nil {
		return errors.Annotatef(err, "connect at %s", pos)
	}
	t := new(tomb.Tomb)
	items := make(chan item, d.cfg.QueueSize)

	d.mu.Lock()
	d.src, d.tomb, d.items, d.eof = src, t, items, false
	gen := d.gen
	d.mu.Unlock()

	t.Go(func() error {
		return d.loop(t, items, src, gen)
	})
	return nil
}

// stop ends the worker, if any, and waits for it.
func (d *TCPDriver) stop() {
	d.mu.Lock()
	t := d.tomb
	d.mu.Unlock()
	if t == nil {
		return
	}
	t.Kill(nil)
	d.mu.Lock()
	src := d.src
	d.src = nil
	d.mu.Unlock()
	if src != nil {
		// unblocks the read in progress
		_ = src.Close()
	}
	if err := t.Wait(); err != nil {
		tcpLogger.Debugf("worker stopped: %v", err)
	}
	d.mu.Lock()
	if d.tomb == t {
		d.tomb, d.items = nil, nil
	}
	d.mu.Unlock()
}

// Seek moves the driver to pos, which must lie within a binlog file
// the server still has. A running dump restarts at pos.
func (d *TCPDriver) Seek(ctx context.Context, pos Position) error {
	if pos.Offset < magicSize {
		return errors.NotValidf("offset %d", pos.Offset)
	}
	files, err := d.catalog.ListBinaryLogs(ctx)
	if err != nil {
		return errors.Annotate(err, "list binary logs")
	}
	found := false
	for _, f := range files {
		if f.Name != pos.File {
			continue
		}
		if uint64(pos.Offset) > f.Size {
			return errors.NotValidf("offset %d beyond size %d of %s", pos.Offset, f.Size, f.Name)
		}
		found = true
		break
	}
	if !found {
		return errors.NotValidf("binlog file %q", pos.File)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	running := d.tomb != nil
	d.mu.Unlock()
	d.stop()

	d.mu.Lock()
	d.pos, d.seeked = pos, true
	d.gen++
	d.mu.Unlock()
	if running {
		return d.start(ctx)
	}
	return nil
}

// Position returns the position following the last event returned by
// NextEvent.
func (d *TCPDriver) Position() Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos
}

// NextEvent returns the next event. In non-blocking mode it returns
// io.EOF once the server reached the end of the log. After any other
// error it returns ErrClosed.
func (d *TCPDriver) NextEvent(ctx context.Context) (*Event, error) {
	for {
		d.mu.Lock()
		items, closed, eof := d.items, d.closed, d.eof
		d.mu.Unlock()
		switch {
		case closed:
			return nil, ErrClosed
		case items == nil && eof:
			return nil, io.EOF
		case items == nil:
			return nil, ErrNotConnected
		}

		select {
		case it, ok := <-items:
			d.mu.Lock()
			if !ok {
				stale := d.items != items
				eof := d.eof
				d.mu.Unlock()
				if stale {
					continue
				}
				if eof {
					return nil, io.EOF
				}
				return nil, ErrClosed
			}
			if it.gen != d.gen {
				// read before a reconnect or seek
				d.mu.Unlock()
				continue
			}
			d.cfg.Metrics.setQueueDepth(len(items))
			if it.err != nil {
				d.eof = it.err == io.EOF
				d.mu.Unlock()
				return nil, it.err
			}
			if it.ev.Header.NextPos != 0 || it.ev.Header.EventType == ROTATE_EVENT {
				d.pos = it.ev.NextPosition()
			}
			d.mu.Unlock()
			return it.ev, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops the worker and closes the connections. Events read
// ahead are discarded.
func (d *TCPDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.stop()
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}

// worker ---

func (d *TCPDriver) loop(t *tomb.Tomb, items chan item, src eventSource, gen uint64) error {
	defer close(items)
	var (
		faultPos Position
		faults   int
	)
	for {
		ev, err := src.Next()
		if err == nil {
			if !d.push(t, items, item{ev: ev, gen: gen}) {
				return tomb.ErrDying
			}
			continue
		}
		_ = src.Close()
		if !t.Alive() {
			return tomb.ErrDying
		}
		var se *ServerError
		if err == io.EOF || errors.As(err, &se) {
			if err == io.EOF {
				tcpLogger.Infof("end of binlog reached")
			} else {
				tcpLogger.Errorf("server ended the dump: %v", err)
			}
			d.push(t, items, item{err: err, gen: gen})
			return nil
		}

		var pos Position
		pos, gen = d.resetQueue(items)
		if pos == faultPos {
			faults++
		} else {
			faultPos, faults = pos, 1
		}
		if faults > d.cfg.MaxRetries {
			tcpLogger.Errorf("giving up after %d faults at %s: %v", faults, pos, err)
			d.push(t, items, item{err: errors.Annotatef(err, "giving up at %s", pos), gen: gen})
			return nil
		}
		cause := "stream fault"
		if isTransportError(err) {
			cause = "connection lost"
		}
		tcpLogger.Warningf("%s at %s: %v; reconnecting in %s", cause, pos, err, d.cfg.RetryDelay)
		select {
		case <-d.cfg.Clock.After(d.cfg.RetryDelay):
		case <-t.Dying():
			return tomb.ErrDying
		}
		if src, err = d.reopen(t, pos); err != nil {
			if !t.Alive() {
				return tomb.ErrDying
			}
			tcpLogger.Errorf("cannot reconnect at %s: %v", pos, err)
			d.push(t, items, item{err: err, gen: gen})
			return nil
		}
		d.cfg.Metrics.reconnected()
	}
}

func (d *TCPDriver) push(t *tomb.Tomb, items chan<- item, it item) bool {
	select {
	case items <- it:
		d.cfg.Metrics.setQueueDepth(len(items))
		return true
	case <-t.Dying():
		return false
	}
}

// resetQueue discards undelivered events and returns the position to
// reconnect at along with the new generation of queued items.
func (d *TCPDriver) resetQueue(items chan item) (Position, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	n := 0
	for {
		select {
		case <-items:
			n++
			continue
		default:
		}
		break
	}
	if n > 0 {
		tcpLogger.Debugf("discarded %d undelivered events", n)
	}
	d.cfg.Metrics.setQueueDepth(0)
	return d.pos, d.gen
}

func (d *TCPDriver) reopen(t *tomb.Tomb, pos Position) (eventSource, error) {
	ctx := t.Context(context.Background())
	var src eventSource
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			src, err = d.open(ctx, pos)
			return err
		},
		IsFatalError: func(err error) bool {
			var se *ServerError
			return errors.As(err, &se)
		},
		NotifyFunc: func(err error, attempt int) {
			tcpLogger.Warningf("reconnect attempt %d at %s: %v", attempt, pos, err)
		},
		Attempts: d.cfg.MaxRetries,
		Delay:    d.cfg.RetryDelay,
		Clock:    d.cfg.Clock,
		Stop:     t.Dying(),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "reconnect at %s", pos)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-t.Dying():
		_ = src.Close()
		return nil, tomb.ErrDying
	default:
	}
	d.src = src
	tcpLogger.Infof("reconnected at %s", pos)
	return src, nil
}
