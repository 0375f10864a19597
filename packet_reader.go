package binlog

import (
	"io"

	"github.com/juju/errors"
)

// packetReader reads the payload of one logical packet, which spans
// several packets when it is maxPacketSize bytes or more.
type packetReader struct {
	rd   io.Reader
	seq  *uint8
	last bool
	size int
}

func (r *packetReader) Read(p []byte) (int, error) {
	if r.size == 0 {
		if r.last {
			return 0, io.EOF
		}
		h := make([]byte, headerSize)
		_, err := io.ReadFull(r.rd, h)
		if err != nil {
			if err == io.EOF {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		r.size = int(uint32(h[0]) | uint32(h[1])<<8 | uint32(h[2])<<16)
		*r.seq = h[3] + 1
		if r.size < maxPacketSize {
			r.last = true
			if r.size == 0 {
				return 0, io.EOF
			}
		}
	}
	n, err := io.LimitReader(r.rd, int64(r.size)).Read(p)
	r.size -= n
	if n > 0 {
		return n, nil
	}
	if err == io.EOF {
		return 0, io.ErrUnexpectedEOF
	}
	return 0, err
}

func (r *packetReader) reset() {
	r.last = false
	r.size = 0
}

// dumpReader turns the packets of a binlog dump into the plain byte
// stream of events a Stream reads. Each packet holds one event behind
// an OK marker. An EOF packet ends the stream with io.EOF, an ERR
// packet with a *ServerError. Connection failures are returned as
// *TransportError.
type dumpReader struct {
	conn         io.Reader
	seq          *uint8
	capabilities uint32

	pr       packetReader
	inPacket bool
	err      error
}

func newDumpReader(conn io.Reader, seq *uint8, capabilities uint32) *dumpReader {
	return &dumpReader{conn: conn, seq: seq, capabilities: capabilities}
}

func (d *dumpReader) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	for {
		if !d.inPacket {
			if err := d.nextPacket(); err != nil {
				d.err = err
				return 0, err
			}
			continue
		}
		n, err := d.pr.Read(p)
		if err == io.EOF {
			d.inPacket = false
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			d.err = &TransportError{Op: "read event", Err: err}
			return n, d.err
		}
		return n, nil
	}
}

func (d *dumpReader) nextPacket() error {
	d.pr = packetReader{rd: d.conn, seq: d.seq}
	var marker [1]byte
	if _, err := io.ReadFull(&d.pr, marker[:]); err != nil {
		if err == io.EOF {
			return errors.Annotate(ErrMalformedPacket, "empty binlog packet")
		}
		return &TransportError{Op: "read packet", Err: err}
	}
	switch marker[0] {
	case okMarker:
		d.inPacket = true
		return nil
	case eofMarker:
		// warnings and status flags
		if _, err := io.Copy(io.Discard, &d.pr); err != nil {
			return &TransportError{Op: "read packet", Err: err}
		}
		tcpLogger.Debugf("server sent EOF packet")
		return io.EOF
	case errMarker:
		rest, err := io.ReadAll(&d.pr)
		if err != nil {
			return &TransportError{Op: "read packet", Err: err}
		}
		return decodeErrPacket(append(marker[:], rest...), d.capabilities)
	}
	return errors.Annotatef(ErrMalformedPacket, "binlog packet marker 0x%02x", marker[0])
}
