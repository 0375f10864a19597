package binlog

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// serverVersion is the major.minor.patch part of a server version
// string such as 8.0.30-log or 10.5.8-MariaDB.
type serverVersion [3]int

func parseServerVersion(s string) (serverVersion, error) {
	v := s
	if i := strings.IndexAny(v, "-+"); i != -1 {
		v = v[:i]
	}
	var sv serverVersion
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return sv, errors.NotValidf("server version %q", s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return sv, errors.NotValidf("server version %q", s)
		}
		sv[i] = n
	}
	return sv, nil
}

func (sv serverVersion) less(major, minor, patch int) bool {
	o := serverVersion{major, minor, patch}
	for i := range sv {
		if sv[i] != o[i] {
			return sv[i] < o[i]
		}
	}
	return false
}

// binlogVersion is the binlog format the server writes.
//
// https://dev.mysql.com/doc/internals/en/binlog-version.html
func (sv serverVersion) binlogVersion() uint16 {
	switch {
	case sv.less(4, 0, 0):
		return 1
	case sv.less(4, 0, 2):
		return 2
	case sv.less(5, 0, 0):
		return 3
	default:
		return 4
	}
}

// hasChecksum tells whether the server knows binlog_checksum, added
// in 5.6.2.
func (sv serverVersion) hasChecksum() bool {
	return !sv.less(5, 6, 2)
}
