package binlog

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/juju/errors"
)

// maxEventSize is the largest event a server can write, the upper
// bound of max_allowed_packet.
const maxEventSize = 1 << 30

type streamState int

const (
	awaitingHeader streamState = iota
	awaitingPayload
	ready
	faulted
)

var streamStateNames = [...]string{"awaitingHeader", "awaitingPayload", "ready", "faulted"}

func (s streamState) String() string {
	return streamStateNames[s]
}

// StreamOptions tells a Stream where its byte source starts.
type StreamOptions struct {
	// File and Pos are the binlog coordinates of the first byte read.
	File string
	Pos  uint32

	// Checksum tells whether events carry a CRC32 trailer before the
	// first FORMAT_DESCRIPTION_EVENT says so. Servers send events with
	// a checksum when binlog_checksum is CRC32.
	Checksum bool

	// Size is the total size of the source, when known. A rotate event
	// read before Size bytes are consumed marks a relay log.
	Size int64

	// Format is the FORMAT_DESCRIPTION_EVENT of the source, for sources
	// that start after it. It also tells whether events carry a checksum.
	Format *FormatDescriptionEvent

	// TableMapCapacity bounds the table map index.
	TableMapCapacity int

	Metrics *Metrics
}

// Stream reassembles the bytes read from a binlog file or a binlog dump
// into events. It tracks the binlog position of every event and resolves
// rows events to the TableMapEvent announced for their table.
//
// A Stream is not safe for concurrent use.
type Stream struct {
	r     io.Reader
	state streamState
	err   error

	hdr      [eventHeaderSize]byte
	hdrN     int
	header   EventHeader
	payload  []byte
	payloadN int
	ev       *Event

	fde      *FormatDescriptionEvent
	checksum bool
	tables   *TableMapIndex
	metrics  *Metrics

	file string
	pos  uint32

	// offset counts bytes consumed from the source, starting at Pos.
	offset int64
	size   int64

	// relay log position translation, set after a rotate event
	// found in the middle of a file.
	base       int64
	correction int64
}

func NewStream(r io.Reader, opt StreamOptions) *Stream {
	checksum := opt.Checksum
	if opt.Format != nil {
		checksum = opt.Format.ChecksumAlg == checksumAlgCRC32
	}
	return &Stream{
		r:        r,
		fde:      opt.Format,
		checksum: checksum,
		tables:   NewTableMapIndex(opt.TableMapCapacity),
		metrics:  opt.Metrics,
		file:     opt.File,
		pos:      opt.Pos,
		offset:   int64(opt.Pos),
		size:     opt.Size,
	}
}

// Position returns the position of the next event.
func (s *Stream) Position() Position {
	return Position{File: s.file, Offset: s.pos}
}

// Err returns the error that faulted the stream, if any.
func (s *Stream) Err() error {
	if s.state == faulted {
		return s.err
	}
	return nil
}

// Tables returns the table map index of the stream.
func (s *Stream) Tables() *TableMapIndex {
	return s.tables
}

// Next returns the next event. It returns io.EOF when the source ends
// cleanly at an event boundary; a later call may still succeed if the
// source grows. A read interrupted by a context error is returned as
// is, and a later call continues the partial event. Any other error
// faults the stream and is returned by every later call.
func (s *Stream) Next() (*Event, error) {
	for {
		switch s.state {
		case faulted:
			return nil, s.err
		case awaitingHeader:
			n, err := io.ReadFull(s.r, s.hdr[s.hdrN:])
			s.hdrN += n
			s.offset += int64(n)
			if err != nil {
				if interrupted(err) {
					return nil, err
				}
				if err == io.EOF && s.hdrN == 0 {
					return nil, io.EOF
				}
				return nil, s.fault(readError("event header", err))
			}
			s.hdrN = 0
			s.header = EventHeader{}
			if err := s.header.decode(newReader(s.hdr[:])); err != nil {
				return nil, s.fault(err)
			}
			if s.header.EventSize < eventHeaderSize || s.header.EventSize > maxEventSize {
				return nil, s.fault(errors.NotValidf("event size %d at %s", s.header.EventSize, s.Position()))
			}
			s.payload = make([]byte, s.header.EventSize-eventHeaderSize)
			s.state = awaitingPayload
		case awaitingPayload:
			n, err := io.ReadFull(s.r, s.payload[s.payloadN:])
			s.payloadN += n
			s.offset += int64(n)
			if err != nil {
				if interrupted(err) {
					return nil, err
				}
				return nil, s.fault(readError(s.header.EventType.String()+" event", err))
			}
			payload := s.payload
			s.payload, s.payloadN = nil, 0
			ev, err := s.decode(payload)
			if err != nil {
				return nil, s.fault(err)
			}
			s.ev = ev
			s.state = ready
		case ready:
			ev := s.ev
			s.ev = nil
			s.state = awaitingHeader
			return ev, nil
		}
	}
}

// interrupted tells whether a read gave up because its context ended.
// The bytes read so far are kept and the next call resumes.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func readError(what string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Annotatef(ErrTruncatedRecord, "read %s", what)
	}
	return errors.Annotatef(err, "read %s", what)
}

func (s *Stream) fault(err error) error {
	s.state = faulted
	s.ev, s.payload = nil, nil
	s.err = err
	s.metrics.streamFaulted()
	streamLogger.Debugf("stream faulted at %s: %v", s.Position(), err)
	return err
}

func (s *Stream) decode(payload []byte) (*Event, error) {
	h := s.header
	body := payload
	if s.checksum && h.EventType != FORMAT_DESCRIPTION_EVENT {
		var err error
		if body, err = s.verify(payload); err != nil {
			return nil, err
		}
	}
	data, err := decodeEventData(h, body, s.fde)
	if err != nil {
		return nil, errors.Annotatef(err, "at %s", s.Position())
	}
	if fde, ok := data.(*FormatDescriptionEvent); ok {
		if fde.ChecksumAlg == checksumAlgCRC32 {
			if _, err := s.verify(payload); err != nil {
				return nil, err
			}
		}
		s.fde = fde
		s.checksum = fde.ChecksumAlg == checksumAlgCRC32
	}

	ev := &Event{Header: h, LogFile: s.file, StartPos: s.pos, Data: data}
	switch data := data.(type) {
	case *RotateEvent:
		if h.NextPos == 0 {
			ev.StartPos = 0
		}
		s.file, s.pos = data.NextBinlog, uint32(data.Position)
		s.tables.Clear()
		if s.size > 0 && s.offset < s.size {
			streamLogger.Debugf("rotate to %s inside file at offset %d, translating positions", data.NextBinlog, s.offset)
			s.base, s.correction = s.offset, 4
		}
	case *IncidentEvent:
		if h.NextPos == 0 {
			ev.StartPos = 0
		}
	case *TableMapEvent:
		s.tables.Add(data)
	case *RowsEvent:
		if !data.dummy() {
			if tme, ok := s.tables.Get(data.TableID); ok {
				data.TableMap = tme
			} else {
				streamLogger.Warningf("%s event at %s refers to unknown table id %d", h.EventType, s.Position(), data.TableID)
			}
		}
		if data.StmtEnd() {
			s.tables.Remove(data.TableID)
		}
	}
	if _, ok := data.(*RotateEvent); !ok && h.NextPos != 0 {
		s.pos = h.NextPos
		if s.correction != 0 {
			if err := s.realign(int64(h.NextPos) + s.base - s.correction); err != nil {
				return nil, err
			}
		}
	}
	s.metrics.eventDecoded(h.EventType)
	if streamLogger.IsTraceEnabled() {
		streamLogger.Tracef("%s event at %s:%d", h.EventType, ev.LogFile, ev.StartPos)
	}
	return ev, nil
}

// verify checks the CRC32 trailer of payload and returns payload
// without it.
func (s *Stream) verify(payload []byte) ([]byte, error) {
	if len(payload) < checksumSize {
		return nil, errors.Annotatef(ErrTruncatedRecord, "%s event has no room for checksum", s.header.EventType)
	}
	n := len(payload) - checksumSize
	want := binary.LittleEndian.Uint32(payload[n:])
	got := crc32.Update(crc32.ChecksumIEEE(s.hdr[:]), crc32.IEEETable, payload[:n])
	if got != want {
		return nil, errors.Annotatef(ErrChecksum, "%s event at %s: got 0x%08x, want 0x%08x", s.header.EventType, s.Position(), got, want)
	}
	return payload[:n], nil
}

// realign moves the source to offset when the relay log translation
// says the next event starts elsewhere.
func (s *Stream) realign(offset int64) error {
	if offset == s.offset {
		return nil
	}
	if seeker, ok := s.r.(io.Seeker); ok {
		if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
			return errors.Annotatef(err, "seek to %d", offset)
		}
		s.offset = offset
		return nil
	}
	if offset < s.offset {
		streamLogger.Warningf("cannot move back from offset %d to %d", s.offset, offset)
		return nil
	}
	n, err := io.CopyN(io.Discard, s.r, offset-s.offset)
	s.offset += n
	if err != nil {
		return readError("skipped bytes", err)
	}
	return nil
}
