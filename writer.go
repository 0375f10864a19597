package binlog

import (
	"io"
)

// writer frames what is written to it into packets. The first error is
// kept in err and makes every later call a no-op, so encoders can
// check it once at the end.
type writer struct {
	wd  io.Writer
	buf []byte
	seq *uint8
	err error
}

func newWriter(w io.Writer, seq *uint8) *writer {
	return &writer{
		wd:  w,
		buf: make([]byte, headerSize, 256),
		seq: seq,
	}
}

func (w *writer) flush() error {
	if w.err != nil {
		return w.err
	}
	for len(w.buf) >= headerSize+maxPacketSize {
		w.buf[0], w.buf[1], w.buf[2], w.buf[3] = 0xff, 0xff, 0xff, *w.seq
		*w.seq++
		if _, err := w.wd.Write(w.buf[:headerSize+maxPacketSize]); err != nil {
			w.err = &TransportError{Op: "write packet", Err: err}
			return w.err
		}
		copy(w.buf[4:], w.buf[headerSize+maxPacketSize:])
		w.buf = w.buf[0 : headerSize+len(w.buf)-(headerSize+maxPacketSize)]
	}
	return nil
}

func (w *writer) Close() error {
	if err := w.flush(); err != nil {
		return err
	}
	payload := len(w.buf) - headerSize
	w.buf[0], w.buf[1], w.buf[2], w.buf[3] = byte(payload), byte(payload>>8), byte(payload>>16), *w.seq
	*w.seq++
	if _, err := w.wd.Write(w.buf); err != nil {
		w.err = &TransportError{Op: "write packet", Err: err}
	}
	return w.err
}

func (w *writer) Write(b []byte) (n int, err error) {
	for {
		if err := w.flush(); err != nil {
			return 0, err
		}
		available := headerSize + maxPacketSize - len(w.buf)
		if len(b) < available {
			available = len(b)
		}
		w.buf = append(w.buf, b[:available]...)
		n += available
		b = b[available:]
		if len(b) == 0 {
			return n, nil
		}
	}
}

func (w *writer) int1(v uint8) {
	w.Write([]byte{v})
}

func (w *writer) int2(v uint16) {
	w.Write([]byte{byte(v), byte(v >> 8)})
}

func (w *writer) int4(v uint32) {
	w.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// https://dev.mysql.com/doc/internals/en/integer.html#length-encoded-integer
func (w *writer) intN(v uint64) {
	switch {
	case v < 251:
		w.Write([]byte{byte(v)})
	case v < 1<<16:
		w.Write([]byte{0xfc, byte(v), byte(v >> 8)})
	case v < 1<<24:
		w.Write([]byte{0xfd, byte(v), byte(v >> 8), byte(v >> 16)})
	default:
		w.Write([]byte{0xfe, byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
			byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56)})
	}
}

func (w *writer) string(v string) {
	w.Write([]byte(v))
}

func (w *writer) stringNull(v string) {
	w.Write([]byte(v))
	w.int1(0)
}

func (w *writer) bytesNull(v []byte) {
	w.Write(v)
	w.int1(0)
}

func (w *writer) stringN(v string) {
	w.intN(uint64(len(v)))
	w.Write([]byte(v))
}

func (w *writer) bytes1(v []byte) {
	w.int1(uint8(len(v)))
	w.Write(v)
}

func (w *writer) bytesN(v []byte) {
	w.intN(uint64(len(v)))
	w.Write(v)
}

// commands ---

const (
	comQuery      = 0x03
	comBinlogDump = 0x12
)

// https://dev.mysql.com/doc/internals/en/com-query.html
type comQueryRequest struct {
	query string
}

func (e comQueryRequest) encode(w *writer) error {
	w.int1(comQuery)
	w.string(e.query)
	return w.err
}

const binlogDumpNonBlock = 0x01

// https://dev.mysql.com/doc/internals/en/com-binlog-dump.html
type comBinlogDumpRequest struct {
	binlogPos      uint32
	flags          uint16
	serverID       uint32
	binlogFilename string
}

func (e comBinlogDumpRequest) encode(w *writer) error {
	w.int1(comBinlogDump)
	w.int4(e.binlogPos)
	w.int2(e.flags)
	w.int4(e.serverID)
	w.string(e.binlogFilename)
	return w.err
}
