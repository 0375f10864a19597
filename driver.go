package binlog

import (
	"context"
	"fmt"
)

// Position identifies a resumable point in the binlog: the offset of
// an event within a binlog file.
type Position struct {
	File   string
	Offset uint32
}

func (p Position) IsZero() bool {
	return p.File == "" && p.Offset == 0
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d", p.File, p.Offset)
}

// Driver couples a Stream to a transport.
//
// NextEvent blocks until an event is available. A faulted stream is
// reported once; how the driver recovers from it depends on the
// transport. Position is the position following the last event
// returned by NextEvent.
type Driver interface {
	Connect(ctx context.Context) error
	NextEvent(ctx context.Context) (*Event, error)
	Seek(ctx context.Context, pos Position) error
	Position() Position
	Close() error
}
