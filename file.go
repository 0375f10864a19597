package binlog

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

var fileHeader = []byte{0xfe, 'b', 'i', 'n'}

// magicSize is the offset of the first event in a binlog file.
const magicSize = 4

const defaultPollInterval = time.Second

// FileOptions configures a FileDriver.
type FileOptions struct {
	// Follow keeps reading as the file grows, and moves on to the next
	// file named in the index file next to it once the server rotates.
	// Without Follow, NextEvent returns io.EOF at the end of the file.
	Follow       bool
	PollInterval time.Duration
	Clock        clock.Clock

	TableMapCapacity int
	Metrics          *Metrics
}

// FileDriver reads events from a binlog or relay log file. Reads
// happen on the caller's goroutine. A faulted stream is fatal: the
// error is returned once and ErrClosed after it.
type FileDriver struct {
	dir  string
	opt  FileOptions
	rd   *fileReader
	st   *Stream
	pos  Position
	done bool
}

// NewFileDriver returns a driver reading the binlog file at path.
func NewFileDriver(path string, opt FileOptions) *FileDriver {
	if opt.PollInterval <= 0 {
		opt.PollInterval = defaultPollInterval
	}
	if opt.Clock == nil {
		opt.Clock = clock.WallClock
	}
	if opt.TableMapCapacity <= 0 {
		opt.TableMapCapacity = DefaultTableMapCapacity
	}
	return &FileDriver{
		dir: filepath.Dir(path),
		opt: opt,
		pos: Position{File: filepath.Base(path), Offset: magicSize},
	}
}

// Connect opens the file and positions it at the last Seek target.
func (d *FileDriver) Connect(ctx context.Context) error {
	if d.done {
		return ErrClosed
	}
	if d.rd != nil {
		return nil
	}
	return d.open(d.pos)
}

func (d *FileDriver) open(pos Position) error {
	path := filepath.Join(d.dir, pos.File)
	f, err := openBinlogFile(path)
	if err != nil {
		return err
	}
	var size int64
	if !d.opt.Follow {
		fi, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return errors.Trace(err)
		}
		size = fi.Size()
		if int64(pos.Offset) > size {
			_ = f.Close()
			return errors.NotValidf("offset %d beyond size %d of %s", pos.Offset, size, pos.File)
		}
	}

	// events after the first need its format description
	var fde *FormatDescriptionEvent
	if pos.Offset > magicSize {
		if fde, err = readFormatDescription(f, pos.File); err != nil {
			_ = f.Close()
			return err
		}
		if _, err := f.Seek(int64(pos.Offset), io.SeekStart); err != nil {
			_ = f.Close()
			return errors.Annotatef(err, "seek %s", pos)
		}
	}

	d.rd = &fileReader{
		br:     bufio.NewReaderSize(f, 64*1024),
		f:      f,
		name:   pos.File,
		dir:    d.dir,
		follow: d.opt.Follow,
		clock:  d.opt.Clock,
		poll:   d.opt.PollInterval,
		ctx:    context.Background(),
	}
	d.st = NewStream(d.rd, StreamOptions{
		File:             pos.File,
		Pos:              pos.Offset,
		Format:           fde,
		Size:             size,
		TableMapCapacity: d.opt.TableMapCapacity,
		Metrics:          d.opt.Metrics,
	})
	d.pos = pos
	fileLogger.Debugf("opened %s at %d", path, pos.Offset)
	return nil
}

// readFormatDescription reads the event at offset 4 of f, which is the
// format description event in every v4 binlog file.
func readFormatDescription(f *os.File, name string) (*FormatDescriptionEvent, error) {
	if _, err := f.Seek(magicSize, io.SeekStart); err != nil {
		return nil, errors.Trace(err)
	}
	st := NewStream(bufio.NewReader(f), StreamOptions{File: name, Pos: magicSize})
	ev, err := st.Next()
	if err != nil {
		return nil, errors.Annotatef(err, "read format description of %s", name)
	}
	fde, ok := ev.Data.(*FormatDescriptionEvent)
	if !ok {
		return nil, errors.NotValidf("%s event at start of %s", ev.Header.EventType, name)
	}
	return fde, nil
}

// NextEvent returns the next event of the file.
func (d *FileDriver) NextEvent(ctx context.Context) (*Event, error) {
	if d.done {
		return nil, ErrClosed
	}
	if d.st == nil {
		return nil, ErrNotConnected
	}
	d.rd.ctx = ctx
	ev, err := d.st.Next()
	d.rd.ctx = context.Background()
	if err != nil {
		if d.st.Err() != nil {
			fileLogger.Errorf("%s: %v", d.st.Position(), err)
			d.Close()
		}
		return nil, err
	}
	if ev.Header.NextPos != 0 || ev.Header.EventType == ROTATE_EVENT {
		d.pos = ev.NextPosition()
	}
	return ev, nil
}

// Seek moves to pos. An empty file name means the current file.
func (d *FileDriver) Seek(ctx context.Context, pos Position) error {
	if d.done {
		return ErrClosed
	}
	if pos.Offset < magicSize {
		return errors.NotValidf("offset %d", pos.Offset)
	}
	if pos.File == "" {
		pos.File = d.pos.File
	}
	if d.rd == nil {
		if _, err := os.Stat(filepath.Join(d.dir, pos.File)); err != nil {
			return errors.Annotatef(err, "seek %s", pos)
		}
		d.pos = pos
		return nil
	}
	old := d.rd
	if err := d.open(pos); err != nil {
		return err
	}
	return old.Close()
}

func (d *FileDriver) Position() Position {
	return d.pos
}

func (d *FileDriver) Close() error {
	d.done = true
	if d.rd == nil {
		return nil
	}
	err := d.rd.Close()
	d.rd, d.st = nil, nil
	return err
}

// fileReader ---

// fileReader reads a binlog file through a buffer. In follow mode it
// waits for the file to grow, and at the end of a file it continues
// with the file listed after it in the index file.
type fileReader struct {
	br     *bufio.Reader
	f      *os.File
	name   string
	dir    string
	follow bool
	clock  clock.Clock
	poll   time.Duration
	ctx    context.Context
}

func (r *fileReader) Read(p []byte) (int, error) {
	for {
		n, err := r.br.Read(p)
		if n > 0 || err != io.EOF || !r.follow {
			return n, err
		}
		next, err := nextBinlogFile(r.dir, r.name)
		if err != nil {
			return 0, err
		}
		if next != "" {
			f, err := openBinlogFile(filepath.Join(r.dir, next))
			if err != nil && !os.IsNotExist(errors.Cause(err)) {
				return 0, err
			}
			if err == nil {
				fileLogger.Infof("moving on from %s to %s", r.name, next)
				_ = r.f.Close()
				r.f, r.name = f, next
				r.br.Reset(f)
				continue
			}
		}
		select {
		case <-r.clock.After(r.poll):
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
}

// Seek supports io.SeekStart only, which is all relay log realignment
// needs.
func (r *fileReader) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, errors.NotSupportedf("whence %d", whence)
	}
	n, err := r.f.Seek(offset, io.SeekStart)
	if err != nil {
		return 0, errors.Trace(err)
	}
	r.br.Reset(r.f)
	return n, nil
}

func (r *fileReader) Close() error {
	return r.f.Close()
}

func openBinlogFile(file string) (*os.File, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, errors.Trace(err)
	}
	header := make([]byte, len(fileHeader))
	if _, err = io.ReadFull(f, header); err != nil {
		_ = f.Close()
		return nil, errors.Annotatef(err, "read header of %s", file)
	}
	if !bytes.Equal(header, fileHeader) {
		_ = f.Close()
		return nil, errors.NotValidf("binlog file header of %s", file)
	}
	return f, nil
}

// nextBinlogFile returns the file listed after name in the index file
// of dir, or "" when name is the last one. The index file is named
// after the files it lists: mysql-bin.index for mysql-bin.000001.
func nextBinlogFile(dir, name string) (string, error) {
	base := name
	if dot := strings.LastIndexByte(name, '.'); dot != -1 {
		base = name[:dot]
	}
	index, err := os.Open(filepath.Join(dir, base+".index"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Trace(err)
	}
	defer index.Close()
	sc := bufio.NewScanner(index)
	found := false
	for sc.Scan() {
		entry := filepath.Base(strings.TrimSpace(sc.Text()))
		if found && entry != "" {
			return entry, nil
		}
		if entry == name {
			found = true
		}
	}
	return "", errors.Trace(sc.Err())
}
