/*
Package binlog implements the client side of MySQL binlog replication.

It reads events from a server, as a replica does, or from local binlog
and relay log files, and decodes them down to the column values of row
based replication.

to read events from a server:

	cfg, err := binlog.ParseDSN("repl:secret@tcp(localhost:3306)/?tls=skip-verify")
	if err != nil {
		return err
	}
	cfg.ServerID = 10 // non-zero waits for new events at the end of the log
	cfg.HeartbeatPeriod = 30 * time.Second
	d, err := binlog.NewTCPDriver(*cfg)
	if err != nil {
		return err
	}
	bl := binlog.NewBinaryLog(d, binlog.NewTransactionParser(nil))
	defer bl.Close()
	if err := bl.Seek(ctx, binlog.Position{File: "binlog.000001", Offset: 4}); err != nil {
		return err
	}
	if err := bl.Connect(ctx); err != nil {
		return err
	}

local files are read the same way through a FileDriver:

	d := binlog.NewFileDriver("/var/lib/mysql/binlog.000001", binlog.FileOptions{Follow: true})

events then come from NextEvent:

	for {
		e, err := bl.NextEvent(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		tx, ok := e.Data.(*binlog.TransactionEvent)
		if !ok {
			continue
		}
		for _, te := range tx.Events {
			re, ok := te.Data.(*binlog.RowsEvent)
			if !ok {
				continue
			}
			fmt.Printf("Table: %s.%s\n", re.TableMap.SchemaName, re.TableMap.TableName)
			it, err := re.RowIterator()
			if err != nil {
				return err
			}
			for {
				row, err := it.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				for i, f := range row {
					fmt.Printf("col=%d value=%s\n", i, f)
				}
			}
		}
	}

Handlers see every event before the application does. They may
forward, replace or consume an event, and inject synthesized events
that run through the whole chain, the way TransactionParser does.

A TCPDriver reads ahead on its own goroutine and reconnects at the
position after the last event returned by NextEvent when the
connection breaks, so events are delivered at least once. The
checkpoint package stores that position durably.

for example usage see cmd/binlog.
*/
package binlog
