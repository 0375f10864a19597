package binlog

import (
	"context"
)

// BinaryLog reads events from a Driver through a Pipeline of handlers.
// It is not safe for concurrent use.
type BinaryLog struct {
	driver   Driver
	pipeline *Pipeline
	pos      Position
}

// NewBinaryLog returns a BinaryLog reading from d through handlers.
func NewBinaryLog(d Driver, handlers ...Handler) *BinaryLog {
	bl := &BinaryLog{driver: d}
	bl.pipeline = NewPipeline(d.NextEvent, handlers...)
	return bl
}

// Connect connects the driver.
func (bl *BinaryLog) Connect(ctx context.Context) error {
	if err := bl.driver.Connect(ctx); err != nil {
		return err
	}
	if bl.pos.IsZero() {
		bl.pos = bl.driver.Position()
	}
	return nil
}

// Seek moves the driver to pos. Events injected by handlers and not
// yet returned are dropped.
func (bl *BinaryLog) Seek(ctx context.Context, pos Position) error {
	if err := bl.driver.Seek(ctx, pos); err != nil {
		return err
	}
	bl.pipeline.injected = nil
	bl.pos = pos
	return nil
}

// Position returns the position following the last event returned by
// NextEvent. For a transaction event, it is the next position the
// transaction event carries.
func (bl *BinaryLog) Position() Position {
	return bl.pos
}

// NextEvent returns the next event that survives every handler.
func (bl *BinaryLog) NextEvent(ctx context.Context) (*Event, error) {
	ev, err := bl.pipeline.Next(ctx)
	if err != nil {
		return nil, err
	}
	if next := ev.NextPosition(); next.Offset != 0 {
		bl.pos = next
	}
	return ev, nil
}

// Handlers returns the handler chain.
func (bl *BinaryLog) Handlers() []Handler {
	return bl.pipeline.Handlers()
}

// SetHandlers replaces the handler chain.
func (bl *BinaryLog) SetHandlers(handlers ...Handler) {
	bl.pipeline.SetHandlers(handlers...)
}

// Append adds h at the end of the handler chain.
func (bl *BinaryLog) Append(h Handler) {
	bl.pipeline.Append(h)
}

func (bl *BinaryLog) Close() error {
	return bl.driver.Close()
}
