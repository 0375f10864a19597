package binlog

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/juju/errors"
)

// BinaryLogFile is one row of SHOW BINARY LOGS.
type BinaryLogFile struct {
	Name string
	Size uint64
}

// Admin runs the SQL statements a replica needs besides the dump
// itself, over a database/sql connection pool.
type Admin struct {
	db *sql.DB
}

// OpenAdmin opens the SQL side channel for cfg.
func OpenAdmin(cfg *TCPConfig) (*Admin, error) {
	dsn, err := cfg.FormatDSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Trace(err)
	}
	db.SetMaxOpenConns(1)
	return &Admin{db: db}, nil
}

// NewAdmin wraps an existing pool.
func NewAdmin(db *sql.DB) *Admin {
	return &Admin{db: db}
}

func (a *Admin) Close() error {
	return a.db.Close()
}

// ListBinaryLogs lists the binary log files on the server in the order
// they were created.
func (a *Admin) ListBinaryLogs(ctx context.Context) ([]BinaryLogFile, error) {
	rows, err := a.query(ctx, "SHOW BINARY LOGS")
	if err != nil {
		return nil, err
	}
	files := make([]BinaryLogFile, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, errors.NotValidf("SHOW BINARY LOGS row with %d columns", len(row))
		}
		size, err := strconv.ParseUint(row[1], 10, 64)
		if err != nil {
			return nil, errors.Annotatef(err, "size of %s", row[0])
		}
		files = append(files, BinaryLogFile{Name: row[0], Size: size})
	}
	return files, nil
}

// MasterStatus returns the position the server writes next.
func (a *Admin) MasterStatus(ctx context.Context) (Position, error) {
	rows, err := a.query(ctx, "SHOW MASTER STATUS")
	if err != nil {
		return Position{}, err
	}
	if len(rows) == 0 {
		return Position{}, errors.NotFoundf("master status (binary logging disabled?)")
	}
	if len(rows[0]) < 2 {
		return Position{}, errors.NotValidf("SHOW MASTER STATUS row with %d columns", len(rows[0]))
	}
	off, err := strconv.ParseUint(rows[0][1], 10, 32)
	if err != nil {
		return Position{}, errors.Annotate(err, "master status position")
	}
	return Position{File: rows[0][0], Offset: uint32(off)}, nil
}

// BinlogChecksum returns the binlog_checksum server variable, "CRC32"
// or "NONE". It is empty for servers older than 5.6.
func (a *Admin) BinlogChecksum(ctx context.Context) (string, error) {
	rows, err := a.query(ctx, "SHOW GLOBAL VARIABLES LIKE 'binlog_checksum'")
	if err != nil {
		return "", err
	}
	if len(rows) == 0 || len(rows[0]) < 2 {
		return "", nil
	}
	return rows[0][1], nil
}

// query returns every column as text, whatever the server version adds
// to the statements above.
func (a *Admin) query(ctx context.Context, q string) ([][]string, error) {
	rows, err := a.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Annotate(err, q)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var result [][]string
	for rows.Next() {
		raw := make([]sql.NullString, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Annotate(err, q)
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			row[i] = v.String
		}
		result = append(result, row)
	}
	return result, errors.Annotate(rows.Err(), q)
}
