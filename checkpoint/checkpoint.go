// Package checkpoint stores the binlog position a replica resumes at.
package checkpoint

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/replisten/binlog"
)

var logger = loggo.GetLogger("binlog.checkpoint")

var positionKey = []byte("position")

// Store keeps one Position in a pebble database.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the store in dir.
func Open(dir string) (*Store, error) {
	return OpenWithOptions(dir, &pebble.Options{})
}

// OpenWithOptions opens the store with custom pebble options, such as
// an in-memory file system.
func OpenWithOptions(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open checkpoint store %s", dir)
	}
	return &Store{db: db}, nil
}

// Load returns the saved position. It returns false when nothing has
// been saved yet.
func (s *Store) Load() (binlog.Position, bool, error) {
	data, closer, err := s.db.Get(positionKey)
	if err == pebble.ErrNotFound {
		return binlog.Position{}, false, nil
	}
	if err != nil {
		return binlog.Position{}, false, errors.Trace(err)
	}
	defer closer.Close()
	pos, err := decodePosition(data)
	if err != nil {
		return binlog.Position{}, false, err
	}
	return pos, true, nil
}

// Save stores pos durably.
func (s *Store) Save(pos binlog.Position) error {
	if err := s.db.Set(positionKey, encodePosition(pos), pebble.Sync); err != nil {
		return errors.Annotatef(err, "save %s", pos)
	}
	logger.Tracef("saved %s", pos)
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// offset u32 followed by the file name
func encodePosition(pos binlog.Position) []byte {
	b := make([]byte, 4+len(pos.File))
	binary.LittleEndian.PutUint32(b, pos.Offset)
	copy(b[4:], pos.File)
	return b
}

func decodePosition(b []byte) (binlog.Position, error) {
	if len(b) < 4 {
		return binlog.Position{}, errors.NotValidf("stored position of %d bytes", len(b))
	}
	return binlog.Position{
		File:   string(b[4:]),
		Offset: binary.LittleEndian.Uint32(b),
	}, nil
}

// Recorder returns a handler that saves the position following every
// event outside a transaction, and following every transaction. It
// belongs at the end of the chain and always forwards the event.
//
// When the chain holds a TransactionParser, pass it as tp. The parser
// consumes BEGIN and buffers the rows of the open transaction, so only
// its state tells whether a forwarded event lies inside a transaction.
func Recorder(s *Store, tp *binlog.TransactionParser) binlog.Handler {
	return &recorder{store: s, tp: tp}
}

type recorder struct {
	store *Store
	tp    *binlog.TransactionParser
	inTx  bool
}

func (r *recorder) Handle(ev *binlog.Event) (binlog.Result, error) {
	switch d := ev.Data.(type) {
	case *binlog.QueryEvent:
		switch d.Query {
		case "BEGIN":
			r.inTx = true
		case "COMMIT", "ROLLBACK":
			r.inTx = false
		}
	case *binlog.XidEvent:
		r.inTx = false
	case *binlog.TransactionEvent, *binlog.RotateEvent:
		r.inTx = false
	}
	if r.inTx || (r.tp != nil && r.tp.State() != binlog.NotInProgress) {
		return binlog.Forward(ev), nil
	}
	pos := ev.NextPosition()
	if pos.Offset == 0 || pos.File == "" {
		return binlog.Forward(ev), nil
	}
	if err := r.store.Save(pos); err != nil {
		return binlog.Result{}, err
	}
	return binlog.Forward(ev), nil
}
